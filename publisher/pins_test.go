package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cpacia/feedpinner/store"
	"github.com/cpacia/feedpinner/store/storetest"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-merkledag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T) (*PinReconciler, *storetest.Memory, *storetest.Memory) {
	member := storetest.NewMemory()
	pool, err := store.NewPool(member)
	require.NoError(t, err)
	pinner := storetest.NewMemory()
	r := NewPinReconciler(pinner, pool)
	r.Sleep = noSleep
	return r, pinner, member
}

func TestPinReconciler_ConvergesInRoundTwo(t *testing.T) {
	ctx := context.Background()
	r, pinner, _ := newTestReconciler(t)
	pinner.Progress = func(_ cid.Cid, polls int) store.PinStatus {
		if polls < 2 {
			return store.PinPinning
		}
		return store.PinPinned
	}

	cids := []cid.Cid{entryCID("alice", 0), entryCID("alice", 1)}
	require.NoError(t, r.EnsurePinned(ctx, cids, func(cid.Cid) string { return "entry" }))

	res, err := r.Converge(ctx, cids)
	require.NoError(t, err)
	assert.True(t, res.Converged())
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, 0, res.Fallbacks)
	assert.Len(t, res.Pinned, 2)
	assert.Empty(t, pinner.Imported())
}

func TestPinReconciler_Failed(t *testing.T) {
	ctx := context.Background()
	r, pinner, _ := newTestReconciler(t)
	bad := entryCID("alice", 1)
	pinner.Progress = func(c cid.Cid, _ int) store.PinStatus {
		if c.Equals(bad) {
			return store.PinFailed
		}
		return store.PinPinned
	}

	cids := []cid.Cid{entryCID("alice", 0), bad}
	require.NoError(t, r.EnsurePinned(ctx, cids, func(cid.Cid) string { return "entry" }))

	res, err := r.Converge(ctx, cids)
	require.NoError(t, err)
	assert.True(t, res.Converged())
	assert.Equal(t, 1, res.Rounds)
	assert.True(t, res.IsPinned(cids[0]))
	assert.False(t, res.IsPinned(bad))
	assert.Equal(t, []cid.Cid{bad}, res.Failed)
}

func TestPinReconciler_Fallback(t *testing.T) {
	ctx := context.Background()
	r, pinner, member := newTestReconciler(t)
	pinner.Progress = func(cid.Cid, int) store.PinStatus {
		return store.PinQueued
	}

	nd := merkledag.NewRawNode([]byte("stalled"))
	require.NoError(t, member.ImportBlocks(ctx, []store.Block{{Cid: nd.Cid(), Data: nd.RawData()}}))

	var delays []time.Duration
	r.Sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	c := nd.Cid()
	_, err := pinner.Pin(ctx, c, "stalled")
	require.NoError(t, err)

	res, err := r.Converge(ctx, []cid.Cid{c})
	require.NoError(t, err)
	assert.True(t, res.Converged())
	assert.Equal(t, FallbackRound, res.Rounds)
	assert.Equal(t, 1, res.Fallbacks)
	assert.Equal(t, []cid.Cid{c}, pinner.Imported())

	require.Len(t, delays, FallbackRound-1)
	for i, d := range delays {
		assert.GreaterOrEqual(t, int64(d), int64(time.Second*time.Duration(i+1)))
		assert.LessOrEqual(t, int64(d), int64(MaxPollDelay))
	}
}

func TestPinReconciler_Outstanding(t *testing.T) {
	ctx := context.Background()
	r, pinner, _ := newTestReconciler(t)
	pinner.Progress = func(cid.Cid, int) store.PinStatus {
		return store.PinPinning
	}

	// Nothing to export, so the fallback fails and the CID stays out.
	c := entryCID("alice", 0)
	_, err := pinner.Pin(ctx, c, "entry")
	require.NoError(t, err)

	res, err := r.Converge(ctx, []cid.Cid{c})
	require.NoError(t, err)
	assert.False(t, res.Converged())
	assert.Equal(t, MaxRounds, res.Rounds)
	assert.Equal(t, 0, res.Fallbacks)
	assert.Equal(t, []cid.Cid{c}, res.Outstanding)
}

func TestPinReconciler_Cancelled(t *testing.T) {
	r, pinner, _ := newTestReconciler(t)
	pinner.Progress = func(cid.Cid, int) store.PinStatus {
		return store.PinPinning
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Sleep = sleepContext

	c := entryCID("alice", 0)
	_, err := pinner.Pin(context.Background(), c, "entry")
	require.NoError(t, err)

	res, err := r.Converge(ctx, []cid.Cid{c})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []cid.Cid{c}, res.Outstanding)
}

func TestPinReconciler_Delay(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	for round := 0; round < MaxRounds; round++ {
		d := r.delay(round)
		assert.GreaterOrEqual(t, int64(d), int64(time.Second*time.Duration(round+1)))
		assert.Less(t, int64(d), int64(time.Second*time.Duration(round+1)+pollJitter))
		assert.LessOrEqual(t, int64(d), int64(MaxPollDelay))
	}
}
