package publisher

import (
	"context"
	"errors"
	"fmt"
	"github.com/cpacia/feedpinner/repo"
	"github.com/cpacia/feedpinner/store"
	"github.com/gogo/protobuf/proto"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-ipns"
	gopath "github.com/ipfs/go-path"
	crypto "github.com/libp2p/go-libp2p-crypto"
	"time"
)

// Registration asks the registrar to point an owner's name at Root.
type Registration struct {
	OwnerID uint
	Handle  string
	Root    cid.Cid

	// Existing is the owner's live naming record, nil if it has none.
	Existing *repo.NamingRecord

	UseManagedKey       bool
	WebHost             *string
	MissingCount        int
	RetriesAfterMissing int
}

// RegisterResult is the outcome of one registration.
type RegisterResult struct {
	Record    *repo.NamingRecord
	PoolIndex int
	// Skipped is set when the name already pointed at Root and nothing
	// was published.
	Skipped bool
}

// Registrar publishes names on the store pool and keeps the catalog's
// naming records in sync with them.
type Registrar struct {
	catalog  Catalog
	pool     *store.Pool
	Lifetime time.Duration
	Now      func() time.Time
}

// NewRegistrar returns a registrar signing records valid for lifetime.
func NewRegistrar(catalog Catalog, pool *store.Pool, lifetime time.Duration) *Registrar {
	if lifetime <= 0 {
		lifetime = DefaultRecordLifetime
	}
	return &Registrar{
		catalog:  catalog,
		pool:     pool,
		Lifetime: lifetime,
		Now:      time.Now,
	}
}

// namingKey returns the stored key of rec when it can be reused and a
// fresh one otherwise.
func namingKey(rec *repo.NamingRecord, managed bool) (crypto.PrivKey, string, error) {
	if rec != nil && len(rec.PrivateKey) > 0 && rec.UsesManagedKey == managed {
		sk, err := crypto.UnmarshalPrivateKey(rec.PrivateKey)
		var id string
		if err == nil {
			id, err = store.KeyID(sk)
		}
		if err == nil {
			return sk, id, nil
		}
		log.Warningf("Stored key %s is unusable, generating a new one: %s", rec.KeyID, err)
	}
	return store.GenerateKey()
}

// Register points the owner's name at req.Root. When the name already
// resolves to the root and the catalog agrees, only changed stats are
// written.
func (r *Registrar) Register(ctx context.Context, req Registration) (*RegisterResult, error) {
	if !req.Root.Defined() {
		return nil, store.ErrNoRoot
	}
	sk, keyID, err := namingKey(req.Existing, req.UseManagedKey)
	if err != nil {
		return nil, fmt.Errorf("naming key: %w", err)
	}
	alias := req.Handle

	idx, err := r.pool.FindKey(ctx, alias, keyID)
	if err != nil {
		return nil, err
	}

	if idx >= 0 {
		current, err := r.pool.Client(idx).Resolve(ctx, keyID)
		if err != nil && !errors.Is(err, store.ErrNameNotFound) {
			log.Warningf("Error resolving name of %s: %s", req.Handle, err)
		}
		if err == nil && current.Equals(req.Root) && req.Existing != nil &&
			req.Existing.KeyID == keyID && req.Existing.LastPublishedCID == req.Root.String() {

			rec, err := r.updateStats(req)
			if err != nil {
				return nil, err
			}
			log.Debugf("Name of %s already points at %s", req.Handle, req.Root)
			return &RegisterResult{Record: rec, PoolIndex: idx, Skipped: true}, nil
		}
	} else {
		last := -1
		if req.Existing != nil && req.Existing.KeyID == keyID {
			last = req.Existing.PoolIndex
		}
		idx, err = r.pool.ImportKey(ctx, alias, sk, last)
		if err != nil {
			return nil, err
		}
	}

	if err := r.pool.Client(idx).Publish(ctx, alias, req.Root); err != nil {
		return nil, fmt.Errorf("publish %s: %w", req.Handle, err)
	}

	var seq uint64
	if req.Existing != nil && req.Existing.KeyID == keyID {
		seq = req.Existing.Sequence
	}
	seq++
	now := r.Now().UTC()
	record, err := signRecord(sk, req.Root, seq, now.Add(r.Lifetime))
	if err != nil {
		return nil, err
	}

	raw, err := crypto.MarshalPrivateKey(sk)
	if err != nil {
		return nil, err
	}
	var (
		root    = req.Root.String()
		managed = req.UseManagedKey
	)
	update := repo.NamingUpdate{
		KeyID:            &keyID,
		KeyAlias:         &alias,
		PrivateKey:       raw,
		PoolIndex:        &idx,
		Sequence:         &seq,
		Record:           record,
		LastPublishedCID: &root,
		LastPublishedAt:  &now,
		UsesManagedKey:   &managed,
		WebHost:          req.WebHost,
	}
	drop := statUpdate(&update, req)
	rec, err := r.catalog.UpsertNamingRecord(req.OwnerID, update, drop)
	if err != nil {
		return nil, err
	}
	log.Infof("Published %s for %s on store %d (seq %d)", req.Root, req.Handle, idx, seq)
	return &RegisterResult{Record: rec, PoolIndex: idx}, nil
}

// statUpdate sets the convergence stats of update and returns the keys
// to drop.
func statUpdate(update *repo.NamingUpdate, req Registration) []repo.StatKey {
	drop := []repo.StatKey{repo.StatPurged}
	if req.MissingCount == 0 {
		return append(drop, repo.StatMissingCount, repo.StatRetriesAfterMissing)
	}
	missing, retries := req.MissingCount, req.RetriesAfterMissing
	update.MissingCount = &missing
	update.RetriesAfterMissing = &retries
	return drop
}

// updateStats writes the stats of req when they differ from the stored
// ones.
func (r *Registrar) updateStats(req Registration) (*repo.NamingRecord, error) {
	if !statsChanged(req.Existing, req) {
		return req.Existing, nil
	}
	update := repo.NamingUpdate{WebHost: req.WebHost}
	drop := statUpdate(&update, req)
	return r.catalog.UpsertNamingRecord(req.OwnerID, update, drop)
}

func statsChanged(rec *repo.NamingRecord, req Registration) bool {
	if rec.IsPurged() {
		return true
	}
	if req.WebHost != nil && (rec.WebHost == nil || *rec.WebHost != *req.WebHost) {
		return true
	}
	if req.MissingCount == 0 {
		return rec.MissingCount != nil || rec.RetriesAfterMissing != nil
	}
	return rec.MissingCount == nil || *rec.MissingCount != req.MissingCount ||
		rec.RetriesAfterMissing == nil || *rec.RetriesAfterMissing != req.RetriesAfterMissing
}

// signRecord returns the serialized name record pointing at root.
func signRecord(sk crypto.PrivKey, root cid.Cid, seq uint64, eol time.Time) ([]byte, error) {
	entry, err := ipns.Create(sk, []byte(gopath.FromCid(root).String()), seq, eol)
	if err != nil {
		return nil, fmt.Errorf("sign record: %w", err)
	}
	return proto.Marshal(entry)
}
