package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cpacia/feedpinner/store"
	"github.com/cpacia/feedpinner/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, n int) (*store.Pool, []*storetest.Memory) {
	mems := make([]*storetest.Memory, n)
	clients := make([]store.Client, n)
	for i := range mems {
		mems[i] = storetest.NewMemory()
		clients[i] = mems[i]
	}
	pool, err := store.NewPool(clients...)
	require.NoError(t, err)
	pool.Seed(1)
	return pool, mems
}

func TestNewPool_Empty(t *testing.T) {
	_, err := store.NewPool()
	assert.True(t, errors.Is(err, store.ErrEmptyPool))
}

func TestSkewedIndex(t *testing.T) {
	tests := []struct {
		r    float64
		n    int
		want int
	}{
		{0, 4, 0},
		{0.49, 4, 0},
		{0.5, 4, 1},
		{0.75, 4, 2},
		{0.87, 4, 3},
		{0.999, 4, 3},
		{0.9, 1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, store.SkewedIndex(tt.r, tt.n), "r=%v n=%d", tt.r, tt.n)
	}
}

func TestPool_Backup(t *testing.T) {
	pool, _ := newTestPool(t, 3)
	for i := 0; i < 50; i++ {
		idx, _ := pool.Backup()
		assert.NotEqual(t, 0, idx)
		assert.Less(t, idx, 3)
	}

	single, _ := newTestPool(t, 1)
	idx, _ := single.Backup()
	assert.Equal(t, 0, idx)
}

func TestPool_AddFallback(t *testing.T) {
	files := []store.File{
		{Path: "index.html", Content: []byte("<html></html>")},
		{Path: ".well-known/webfinger", Content: []byte("{}")},
	}

	reference, _ := newTestPool(t, 1)
	_, want, err := reference.Add(context.Background(), files)
	require.NoError(t, err)

	pool, mems := newTestPool(t, 3)
	mems[0].AddHook = func([]store.File) error {
		return errors.New("primary down")
	}

	idx, root, err := pool.Add(context.Background(), files)
	require.NoError(t, err)
	assert.NotEqual(t, 0, idx)
	assert.True(t, want.Equals(root), "backup result differs from primary result")

	links, err := pool.Client(idx).Ls(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, ".well-known", links[0].Name)
	assert.Equal(t, "index.html", links[1].Name)
}

func TestPool_AddAllFail(t *testing.T) {
	pool, mems := newTestPool(t, 2)
	for _, m := range mems {
		m.AddHook = func([]store.File) error {
			return errors.New("down")
		}
	}
	_, _, err := pool.Add(context.Background(), nil)
	assert.Error(t, err)
}

func TestPool_ImportKey(t *testing.T) {
	ctx := context.Background()
	pool, mems := newTestPool(t, 3)

	sk, id, err := store.GenerateKey()
	require.NoError(t, err)

	other, _, err := store.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, mems[1].ImportKey(ctx, "alice", other))

	// Member 1 holds the alias, so the import moves on to member 2.
	idx, err := pool.ImportKey(ctx, "alice", sk, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	keys, err := mems[2].Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, id, keys[0].ID)
}

func TestPool_ImportKeyExhausted(t *testing.T) {
	ctx := context.Background()
	pool, mems := newTestPool(t, 3)

	var attempts int
	for _, m := range mems {
		m.KeyHook = func(string) error {
			attempts++
			return store.ErrKeyExists
		}
	}

	sk, _, err := store.GenerateKey()
	require.NoError(t, err)

	_, err = pool.ImportKey(ctx, "alice", sk, 0)
	assert.True(t, errors.Is(err, store.ErrNoKey))
	assert.Equal(t, "no key generated", err.Error())
	assert.Equal(t, 4, attempts)
}

func TestPool_FindKey(t *testing.T) {
	ctx := context.Background()
	pool, mems := newTestPool(t, 2)

	stale, _, err := store.GenerateKey()
	require.NoError(t, err)
	current, id, err := store.GenerateKey()
	require.NoError(t, err)

	require.NoError(t, mems[0].ImportKey(ctx, "alice", stale))
	require.NoError(t, mems[1].ImportKey(ctx, "alice", current))

	idx, err := pool.FindKey(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	keys, err := mems[0].Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys, "stale alias was not reclaimed")

	count, err := pool.NameCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	require.NoError(t, pool.RemoveKey(ctx, "alice"))
	assert.True(t, errors.Is(pool.RemoveKey(ctx, "alice"), store.ErrNotFound))
}

func TestPool_ExportDAG(t *testing.T) {
	ctx := context.Background()
	pool, mems := newTestPool(t, 2)

	root, err := mems[1].Add(ctx, []store.File{{Path: "a/b.txt", Content: []byte("b")}})
	require.NoError(t, err)

	blocks, err := pool.ExportDAG(ctx, root, 0)
	require.NoError(t, err)
	assert.Len(t, blocks, 3)

	require.NoError(t, mems[0].ImportDAG(ctx, root, blocks))
	links, err := mems[0].Ls(ctx, root)
	require.NoError(t, err)
	assert.Len(t, links, 1)

	p, ok := mems[0].PinOf(root)
	require.True(t, ok)
	assert.Equal(t, store.PinPinned, p.Status)
}
