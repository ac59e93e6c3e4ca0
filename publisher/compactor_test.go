package publisher

import (
	"context"
	"strings"
	"testing"

	"github.com/cpacia/feedpinner/store"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactor_CompactRecent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	h.addOwner(t, "alice", 5)

	report, err := h.p.CompactRecent(ctx, CompactOptions{Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Candidates)
	assert.Equal(t, 3, report.Converged)
	assert.Equal(t, 3, report.Folded)
	assert.Equal(t, 1, report.Batches)
	assert.True(t, strings.HasPrefix(report.Aggregate, AggregatePrefix))

	agg, err := h.db.ActiveAggregate()
	require.NoError(t, err)
	assert.Equal(t, report.Aggregate, agg.Name)
	assert.Equal(t, 3, agg.Links)
	assert.Equal(t, report.Root.String(), agg.CID)

	p, ok := h.pinner.PinOf(report.Root)
	require.True(t, ok)
	assert.Equal(t, store.PinPinned, p.Status)
	assert.Equal(t, agg.Name, p.Name)

	links, err := h.mems[0].Ls(ctx, report.Root)
	require.NoError(t, err)
	require.Len(t, links, 3)
	for i := 0; i < 3; i++ {
		c := entryCID("alice", i)
		_, pinned := h.pinner.PinOf(c)
		assert.False(t, pinned, "folded entry %d still pinned on its own", i)
		assert.Contains(t, h.pinner.Unpinned(), c)
	}

	candidates, err := h.db.ListCompactionCandidates(10, 2)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	again, err := h.p.CompactRecent(ctx, CompactOptions{Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Candidates)
	assert.Equal(t, 0, again.Folded)
}

func TestCompactor_Rollover(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	h.addOwner(t, "alice", 6)
	h.p.compactor.MaxLinks = 2

	report, err := h.p.CompactRecent(ctx, CompactOptions{Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, report.Folded)
	assert.Equal(t, 2, report.Rollovers)
	assert.Equal(t, 3, report.Batches)

	agg, err := h.db.ActiveAggregate()
	require.NoError(t, err)
	assert.Equal(t, 1, agg.Links)
	assert.Equal(t, report.Aggregate, agg.Name)
}

func TestCompactor_AggregateNotPinned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	h.addOwner(t, "alice", 4)

	entries := make(map[cid.Cid]bool)
	for i := 0; i < 4; i++ {
		entries[entryCID("alice", i)] = true
	}
	h.pinner.Progress = func(c cid.Cid, _ int) store.PinStatus {
		if entries[c] {
			return store.PinPinned
		}
		return store.PinFailed
	}

	report, err := h.p.CompactRecent(ctx, CompactOptions{Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Converged)
	assert.Equal(t, 0, report.Folded)

	for i := 0; i < 3; i++ {
		p, ok := h.pinner.PinOf(entryCID("alice", i))
		require.True(t, ok)
		assert.Equal(t, store.PinPinned, p.Status)
	}
	assert.Empty(t, h.pinner.Unpinned())

	candidates, err := h.db.ListCompactionCandidates(10, 1)
	require.NoError(t, err)
	assert.Len(t, candidates, 3)
}
