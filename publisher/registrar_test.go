package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/cpacia/feedpinner/repo"
	"github.com/cpacia/feedpinner/store"
	"github.com/gogo/protobuf/proto"
	"github.com/ipfs/go-ipns"
	ipnspb "github.com/ipfs/go-ipns/pb"
	gopath "github.com/ipfs/go-path"
	crypto "github.com/libp2p/go-libp2p-crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrar_SignedRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	owner := h.addOwner(t, "alice", 0)

	now := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	h.p.registrar.Now = func() time.Time { return now }

	root := entryCID("alice", 1)
	res, err := h.p.registrar.Register(ctx, Registration{
		OwnerID: owner.ID,
		Handle:  "alice",
		Root:    root,
	})
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	entry := new(ipnspb.IpnsEntry)
	require.NoError(t, proto.Unmarshal(res.Record.Record, entry))
	assert.Equal(t, gopath.FromCid(root).String(), string(entry.GetValue()))
	assert.Equal(t, uint64(1), entry.GetSequence())

	eol, err := ipns.GetEOL(entry)
	require.NoError(t, err)
	assert.True(t, eol.Equal(now.Add(DefaultRecordLifetime)))

	sk, err := crypto.UnmarshalPrivateKey(res.Record.PrivateKey)
	require.NoError(t, err)
	assert.NoError(t, ipns.Validate(sk.GetPublic(), entry))

	// A new root bumps the sequence and keeps the key.
	next, err := h.p.registrar.Register(ctx, Registration{
		OwnerID:  owner.ID,
		Handle:   "alice",
		Root:     entryCID("alice", 2),
		Existing: res.Record,
	})
	require.NoError(t, err)
	assert.Equal(t, res.Record.KeyID, next.Record.KeyID)
	assert.Equal(t, uint64(2), next.Record.Sequence)
}

func TestRegistrar_KeyRotation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	owner := h.addOwner(t, "alice", 0)

	first, err := h.p.registrar.Register(ctx, Registration{
		OwnerID: owner.ID,
		Handle:  "alice",
		Root:    entryCID("alice", 1),
	})
	require.NoError(t, err)

	rotated, err := h.p.registrar.Register(ctx, Registration{
		OwnerID:       owner.ID,
		Handle:        "alice",
		Root:          entryCID("alice", 1),
		Existing:      first.Record,
		UseManagedKey: true,
	})
	require.NoError(t, err)
	assert.False(t, rotated.Skipped)
	assert.NotEqual(t, first.Record.KeyID, rotated.Record.KeyID)
	assert.True(t, rotated.Record.UsesManagedKey)
	assert.Equal(t, uint64(1), rotated.Record.Sequence)

	// The alias now belongs to the new key only.
	keys, err := h.mems[0].Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, rotated.Record.KeyID, keys[0].ID)
}

func TestRegistrar_StatsOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	owner := h.addOwner(t, "alice", 0)
	root := entryCID("alice", 1)

	first, err := h.p.registrar.Register(ctx, Registration{
		OwnerID:      owner.ID,
		Handle:       "alice",
		Root:         root,
		MissingCount: 2,
	})
	require.NoError(t, err)
	require.NotNil(t, first.Record.MissingCount)

	host := "alice.example"
	again, err := h.p.registrar.Register(ctx, Registration{
		OwnerID:  owner.ID,
		Handle:   "alice",
		Root:     root,
		Existing: first.Record,
		WebHost:  &host,
	})
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, first.Record.Sequence, again.Record.Sequence)
	assert.Nil(t, again.Record.MissingCount)
	require.NotNil(t, again.Record.WebHost)
	assert.Equal(t, host, *again.Record.WebHost)

	stored, err := h.db.GetNamingRecord(owner.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.MissingCount)
	assert.Equal(t, first.Record.Record, stored.Record)
}

func TestRegistrar_NoRoot(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.p.registrar.Register(context.Background(), Registration{Handle: "alice", Existing: &repo.NamingRecord{}})
	assert.Equal(t, store.ErrNoRoot, err)
}
