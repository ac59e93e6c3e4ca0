package store

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"github.com/ipfs/go-cid"
	crypto "github.com/libp2p/go-libp2p-crypto"
	peer "github.com/libp2p/go-libp2p-peer"
	"math"
	"math/rand"
	"sync"
	"time"
)

// selfKey is the node identity key listed by most stores. It is never
// a naming key of an owner.
const selfKey = "self"

// Pool holds the store clients used for ingestion and naming. Member 0
// is the primary.
type Pool struct {
	members []Client
	rnd     *rand.Rand
	mtx     sync.Mutex
}

// NewPool returns a pool over the given members.
func NewPool(members ...Client) (*Pool, error) {
	if len(members) == 0 {
		return nil, ErrEmptyPool
	}
	return &Pool{
		members: members,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Seed resets the random source used for member selection.
func (p *Pool) Seed(seed int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.rnd = rand.New(rand.NewSource(seed))
}

// Size returns the number of members.
func (p *Pool) Size() int {
	return len(p.members)
}

// Client returns member i.
func (p *Pool) Client(i int) Client {
	return p.members[i]
}

// Primary returns member 0.
func (p *Pool) Primary() Client {
	return p.members[0]
}

// Backup returns a random member other than the primary, or the primary
// when it is the only member.
func (p *Pool) Backup() (int, Client) {
	i := p.backupIndex()
	return i, p.members[i]
}

// Select returns a member picked with SkewedIndex.
func (p *Pool) Select() (int, Client) {
	i := p.skewedIndex()
	return i, p.members[i]
}

// SkewedIndex maps r in [0, 1) to an index in [0, n) as floor(r² × n),
// favoring low indexes.
func SkewedIndex(r float64, n int) int {
	i := int(math.Floor(r * r * float64(n)))
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

func (p *Pool) float() float64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.rnd.Float64()
}

func (p *Pool) intn(n int) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.rnd.Intn(n)
}

func (p *Pool) skewedIndex() int {
	return SkewedIndex(p.float(), len(p.members))
}

func (p *Pool) backupIndex() int {
	if len(p.members) == 1 {
		return 0
	}
	return 1 + p.intn(len(p.members)-1)
}

// Add ingests the files through the primary, falling back to one backup
// member if the primary fails. It returns the index of the member that
// holds the result.
func (p *Pool) Add(ctx context.Context, files []File) (int, cid.Cid, error) {
	idx := 0
	root, err := p.members[0].Add(ctx, files)
	if err != nil && len(p.members) > 1 {
		log.Warningf("Primary store failed to ingest %d files, trying backup: %s", len(files), err)
		idx = p.backupIndex()
		root, err = p.members[idx].Add(ctx, files)
	}
	if err != nil {
		return idx, cid.Undef, fmt.Errorf("ingest bundle: %w", err)
	}
	if !root.Defined() {
		return idx, cid.Undef, ErrNoRoot
	}
	return idx, root, nil
}

// GenerateKey returns a fresh Ed25519 naming key and its ID.
func GenerateKey() (crypto.PrivKey, string, error) {
	sk, pub, err := crypto.GenerateEd25519Key(crand.Reader)
	if err != nil {
		return nil, "", err
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, "", err
	}
	return sk, id.Pretty(), nil
}

// KeyID returns the ID of a naming key.
func KeyID(sk crypto.PrivKey) (string, error) {
	id, err := peer.IDFromPrivateKey(sk)
	if err != nil {
		return "", err
	}
	return id.Pretty(), nil
}

// ImportKey stores sk under alias on one member, starting at lastIndex
// when it is a valid index and at a skewed random member otherwise. Each
// failure moves on to the next member. After Size()+1 failures it gives
// up with ErrNoKey. It returns the index of the member holding the key.
func (p *Pool) ImportKey(ctx context.Context, alias string, sk crypto.PrivKey, lastIndex int) (int, error) {
	n := len(p.members)
	idx := lastIndex
	if idx < 0 || idx >= n {
		idx = p.skewedIndex()
	}
	for attempt := 0; attempt <= n; attempt++ {
		err := p.members[idx].ImportKey(ctx, alias, sk)
		if err == nil {
			return idx, nil
		}
		if errors.Is(err, ErrKeyExists) {
			log.Debugf("Key %s already exists on store %d", alias, idx)
		} else {
			log.Warningf("Error importing key %s on store %d: %s", alias, idx, err)
		}
		if ctx.Err() != nil {
			break
		}
		idx = (idx + 1) % n
	}
	return -1, ErrNoKey
}

// FindKey returns the index of the member holding alias with keyID, or
// -1. Members holding alias under another key have it removed.
func (p *Pool) FindKey(ctx context.Context, alias, keyID string) (int, error) {
	found := -1
	for i, m := range p.members {
		keys, err := m.Keys(ctx)
		if err != nil {
			log.Warningf("Error listing keys on store %d: %s", i, err)
			continue
		}
		for _, k := range keys {
			if k.Alias != alias {
				continue
			}
			if k.ID == keyID && found < 0 {
				found = i
				continue
			}
			log.Infof("Reclaiming alias %s from key %s on store %d", alias, k.ID, i)
			if err := m.RemoveKey(ctx, alias); err != nil {
				return -1, fmt.Errorf("reclaim alias %s: %w", alias, err)
			}
		}
	}
	return found, nil
}

// RemoveKey removes alias from every member holding it.
func (p *Pool) RemoveKey(ctx context.Context, alias string) error {
	var removed bool
	for i, m := range p.members {
		keys, err := m.Keys(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if k.Alias != alias {
				continue
			}
			if err := m.RemoveKey(ctx, alias); err != nil {
				return err
			}
			log.Debugf("Removed key %s from store %d", alias, i)
			removed = true
		}
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}

// NameCount returns the number of naming keys across members.
func (p *Pool) NameCount(ctx context.Context) (uint64, error) {
	var count uint64
	for _, m := range p.members {
		keys, err := m.Keys(ctx)
		if err != nil {
			return 0, err
		}
		for _, k := range keys {
			if k.Alias != selfKey {
				count++
			}
		}
	}
	return count, nil
}

// ExportDAG exports c from the first member able to serve it, starting
// with preferred.
func (p *Pool) ExportDAG(ctx context.Context, c cid.Cid, preferred int) ([]Block, error) {
	n := len(p.members)
	if preferred < 0 || preferred >= n {
		preferred = 0
	}
	var err error
	for i := 0; i < n; i++ {
		var blocks []Block
		blocks, err = p.members[(preferred+i)%n].ExportDAG(ctx, c)
		if err == nil {
			return blocks, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("export %s: %w", c, err)
}
