package store

import (
	"context"
	crand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"github.com/gogo/protobuf/proto"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	config "github.com/ipfs/go-ipfs-config"
	"github.com/ipfs/go-ipfs/core"
	"github.com/ipfs/go-ipfs/core/coreapi"
	"github.com/ipfs/go-ipfs/keystore"
	"github.com/ipfs/go-ipfs/repo"
	"github.com/ipfs/go-ipns"
	ipnspb "github.com/ipfs/go-ipns/pb"
	crypto "github.com/libp2p/go-libp2p-crypto"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	peer "github.com/libp2p/go-libp2p-peer"
	routing "github.com/libp2p/go-libp2p-routing"
)

// ipnsQuorum is the number of routing responses required before a name
// lookup returns.
const ipnsQuorum = 1

// Embedded is a pool member running an offline node inside the process.
type Embedded struct {
	*CoreStore
	node *core.IpfsNode
}

// NewEmbedded starts an offline node over an in-memory repo.
func NewEmbedded(ctx context.Context) (*Embedded, error) {
	r, err := memoryRepo()
	if err != nil {
		return nil, err
	}
	n, err := core.NewNode(ctx, &core.BuildCfg{
		Online: false,
		Repo:   r,
	})
	if err != nil {
		return nil, err
	}
	api, err := coreapi.NewCoreAPI(n)
	if err != nil {
		n.Close()
		return nil, err
	}
	e := &Embedded{node: n}
	e.CoreStore = NewCoreStore(api,
		WithKeyImport(e.importKey),
		WithResolver(e.resolveRecord),
	)
	log.Infof("Embedded store node %s started", n.Identity.Pretty())
	return e, nil
}

func memoryRepo() (repo.Repo, error) {
	sk, pub, err := crypto.GenerateEd25519Key(crand.Reader)
	if err != nil {
		return nil, err
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	skBytes, err := crypto.MarshalPrivateKey(sk)
	if err != nil {
		return nil, err
	}

	var c config.Config
	c.Identity.PeerID = pid.Pretty()
	c.Identity.PrivKey = base64.StdEncoding.EncodeToString(skBytes)

	return &repo.Mock{
		C: c,
		D: dssync.MutexWrap(ds.NewMapDatastore()),
		K: keystore.NewMemKeystore(),
	}, nil
}

// importKey writes the key to the node keystore.
func (e *Embedded) importKey(ctx context.Context, alias string, sk crypto.PrivKey) error {
	err := e.node.Repo.Keystore().Put(alias, sk)
	if errors.Is(err, keystore.ErrKeyExists) {
		return ErrKeyExists
	}
	return err
}

// resolveRecord fetches and validates the signed record of keyID from
// routing.
func (e *Embedded) resolveRecord(ctx context.Context, keyID string) (cid.Cid, error) {
	pid, err := peer.IDB58Decode(keyID)
	if err != nil {
		return cid.Undef, err
	}

	// The routing system calls the ipns validator on retrieval, but the
	// record is checked against the key again here.
	val, err := e.node.Routing.GetValue(ctx, ipns.RecordKey(pid), dht.Quorum(ipnsQuorum))
	if err == routing.ErrNotFound {
		return cid.Undef, ErrNameNotFound
	} else if err != nil {
		if isNotFound(err) {
			return cid.Undef, ErrNameNotFound
		}
		return cid.Undef, err
	}

	rec := new(ipnspb.IpnsEntry)
	if err := proto.Unmarshal(val, rec); err != nil {
		return cid.Undef, err
	}
	pubkey, err := pid.ExtractPublicKey()
	if err != nil {
		return cid.Undef, err
	}
	if err := ipns.Validate(pubkey, rec); err != nil {
		return cid.Undef, fmt.Errorf("invalid record for %s: %w", keyID, err)
	}
	return cidFromValue(rec.GetValue())
}

// Close shuts the node down.
func (e *Embedded) Close() error {
	return e.node.Close()
}
