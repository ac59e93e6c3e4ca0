package publisher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cpacia/feedpinner/repo"
	"github.com/cpacia/feedpinner/store"
	"github.com/cpacia/feedpinner/store/storetest"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntries(n int) []repo.Entry {
	entries := make([]repo.Entry, n)
	for i := range entries {
		entries[i] = repo.Entry{
			Slug:        fmt.Sprintf("post-%03d", i),
			ContentHash: entryCID("alice", i).String(),
		}
	}
	return entries
}

func newTestSync(t *testing.T) (*DirectorySync, *storetest.Memory, *storetest.Memory) {
	r, pinner, member := newTestReconciler(t)
	return NewDirectorySync(r), pinner, member
}

func testBundle(t *testing.T, m *storetest.Memory, body string) (cid.Cid, []store.Link) {
	ctx := context.Background()
	root, err := m.Add(ctx, []store.File{{Path: "index.html", Content: []byte(body)}})
	require.NoError(t, err)
	links, err := m.Ls(ctx, root)
	require.NoError(t, err)
	return root, links
}

func TestDirectorySync_RemovesOnlyWhenComplete(t *testing.T) {
	ctx := context.Background()
	d, _, m := newTestSync(t)
	bundleRoot, bundle := testBundle(t, m, "v1")
	entries := testEntries(20)

	first, err := d.Sync(ctx, m, SyncRequest{
		Handle:     "alice",
		Entries:    entries,
		BundleRoot: bundleRoot,
		Bundle:     bundle,
		Complete:   true,
	})
	require.NoError(t, err)
	require.True(t, first.FullRebuild)
	require.Len(t, first.Root.Links, 21)

	partial, err := d.Sync(ctx, m, SyncRequest{
		Handle:     "alice",
		Entries:    entries[:15],
		BundleRoot: bundleRoot,
		Bundle:     bundle,
		Existing:   first.Root,
	})
	require.NoError(t, err)
	assert.False(t, partial.Changed)
	assert.True(t, partial.Root.CID.Equals(first.Root.CID))

	complete, err := d.Sync(ctx, m, SyncRequest{
		Handle:     "alice",
		Entries:    entries[:15],
		BundleRoot: bundleRoot,
		Bundle:     bundle,
		Existing:   first.Root,
		Complete:   true,
	})
	require.NoError(t, err)
	assert.True(t, complete.Changed)
	assert.Equal(t, 1, complete.Patches)
	assert.Len(t, complete.Root.Links, 16)
	assert.NotContains(t, complete.Root.LinkMap(), "post-019")
}

func TestDirectorySync_SmallCorpusUnchanged(t *testing.T) {
	ctx := context.Background()
	d, _, m := newTestSync(t)
	bundleRoot, bundle := testBundle(t, m, "v1")
	req := SyncRequest{
		Handle:     "alice",
		Entries:    testEntries(5),
		BundleRoot: bundleRoot,
		Bundle:     bundle,
		Complete:   true,
	}

	first, err := d.Sync(ctx, m, req)
	require.NoError(t, err)
	calls := len(m.PatchCalls())

	req.Existing = first.Root
	again, err := d.Sync(ctx, m, req)
	require.NoError(t, err)
	assert.True(t, again.FullRebuild)
	assert.False(t, again.Changed)
	assert.Same(t, first.Root, again.Root)
	assert.Equal(t, calls, len(m.PatchCalls()))

	// A new bundle rebuilds from the new bundle root.
	req.BundleRoot, req.Bundle = testBundle(t, m, "v2")
	rebuilt, err := d.Sync(ctx, m, req)
	require.NoError(t, err)
	assert.True(t, rebuilt.Changed)
	last := m.PatchCalls()[len(m.PatchCalls())-1]
	assert.True(t, last.Base.Equals(req.BundleRoot))
}

func TestDirectorySync_ForceReplace(t *testing.T) {
	ctx := context.Background()
	d, _, m := newTestSync(t)
	bundleRoot, bundle := testBundle(t, m, "v1")
	entries := testEntries(30)

	first, err := d.Sync(ctx, m, SyncRequest{
		Handle: "alice", Entries: entries, BundleRoot: bundleRoot, Bundle: bundle, Complete: true,
	})
	require.NoError(t, err)

	forced, err := d.Sync(ctx, m, SyncRequest{
		Handle: "alice", Entries: entries[:3], BundleRoot: bundleRoot, Bundle: bundle,
		Existing: first.Root, ForceReplace: true,
	})
	require.NoError(t, err)
	assert.True(t, forced.FullRebuild)
	assert.Len(t, forced.Root.Links, 4)
}

func TestDirectorySync_PatchFailureStops(t *testing.T) {
	ctx := context.Background()
	d, _, m := newTestSync(t)
	bundleRoot, bundle := testBundle(t, m, "v1")
	m.PatchHook = func(call int, _ cid.Cid, _ []store.LinkOp) error {
		if call == 1 {
			return errors.New("node busy")
		}
		return nil
	}

	res, err := d.Sync(ctx, m, SyncRequest{
		Handle: "alice", Entries: testEntries(120), BundleRoot: bundleRoot, Bundle: bundle, Complete: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Patches)
	assert.Len(t, res.Missing, 70)
	assert.Len(t, res.Root.Links, 51)
	assert.Len(t, m.PatchCalls(), 2, "sync continued after a failed patch")
}

func TestDirectorySync_UnpinnedEntriesMissing(t *testing.T) {
	ctx := context.Background()
	d, pinner, m := newTestSync(t)
	bundleRoot, bundle := testBundle(t, m, "v1")
	entries := testEntries(4)
	stuck := entryCID("alice", 2)
	pinner.Progress = func(c cid.Cid, _ int) store.PinStatus {
		if c.Equals(stuck) {
			return store.PinFailed
		}
		return store.PinPinned
	}

	res, err := d.Sync(ctx, m, SyncRequest{
		Handle: "alice", Entries: entries, BundleRoot: bundleRoot, Bundle: bundle, Complete: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"post-002"}, res.Missing)
	assert.NotContains(t, res.Root.LinkMap(), "post-002")

	p, ok := pinner.PinOf(entryCID("alice", 0))
	require.True(t, ok)
	assert.Equal(t, "alice/post-000", p.Name)
}

func TestDirectorySync_FailedRebuildKeepsExisting(t *testing.T) {
	ctx := context.Background()
	d, _, m := newTestSync(t)
	bundleRoot, bundle := testBundle(t, m, "v1")
	entries := testEntries(6)

	first, err := d.Sync(ctx, m, SyncRequest{
		Handle: "alice", Entries: entries[:5], BundleRoot: bundleRoot, Bundle: bundle, Complete: true,
	})
	require.NoError(t, err)
	require.Len(t, first.Root.Links, 6)

	m.PatchHook = func(int, cid.Cid, []store.LinkOp) error {
		return errors.New("node busy")
	}

	// Small corpus rebuild of an existing root.
	res, err := d.Sync(ctx, m, SyncRequest{
		Handle: "alice", Entries: entries, BundleRoot: bundleRoot, Bundle: bundle,
		Existing: first.Root, Complete: true,
	})
	require.NoError(t, err)
	assert.True(t, res.FullRebuild)
	assert.False(t, res.Changed)
	assert.Same(t, first.Root, res.Root)
	assert.Equal(t, []string{"post-005"}, res.Missing)

	// Forced rebuild of an existing root.
	forced, err := d.Sync(ctx, m, SyncRequest{
		Handle: "alice", Entries: entries[:3], BundleRoot: bundleRoot, Bundle: bundle,
		Existing: first.Root, ForceReplace: true,
	})
	require.NoError(t, err)
	assert.True(t, forced.FullRebuild)
	assert.False(t, forced.Changed)
	assert.Same(t, first.Root, forced.Root)
	assert.Empty(t, forced.Missing)
}
