package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Bounded(t *testing.T) {
	s := NewScheduler(2)
	var running, peak int32

	keys := []string{"a", "b", "c", "d", "e", "f"}
	outcomes := s.Run(context.Background(), keys, func(ctx context.Context, key string) (*RefreshResult, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond * 10)
		atomic.AddInt32(&running, -1)
		return &RefreshResult{Handle: key}, nil
	})

	require.Len(t, outcomes, len(keys))
	for i, o := range outcomes {
		assert.Equal(t, keys[i], o.Key)
		assert.NoError(t, o.Err)
		assert.Equal(t, keys[i], o.Result.Handle)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
	for _, k := range keys {
		assert.False(t, s.InFlight(k))
	}
}

func TestScheduler_Dedup(t *testing.T) {
	s := NewScheduler(3)
	var mtx sync.Mutex
	calls := make(map[string]int)

	outcomes := s.Run(context.Background(), []string{"a", "b", "a", "b", "c"}, func(ctx context.Context, key string) (*RefreshResult, error) {
		mtx.Lock()
		calls[key]++
		mtx.Unlock()
		return &RefreshResult{Handle: key}, nil
	})
	assert.Len(t, outcomes, 3)
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, calls)
}

func TestScheduler_InFlight(t *testing.T) {
	s := NewScheduler(2)
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan error)
	go func() {
		_, err := s.Do(context.Background(), "alice", func(ctx context.Context, key string) (*RefreshResult, error) {
			close(started)
			<-release
			return &RefreshResult{Handle: key}, nil
		})
		done <- err
	}()
	<-started

	_, err := s.Do(context.Background(), "alice", func(ctx context.Context, key string) (*RefreshResult, error) {
		t.Fatal("Duplicate job ran")
		return nil, nil
	})
	assert.True(t, errors.Is(err, ErrInFlight))

	outcomes := s.Run(context.Background(), []string{"alice", "bob"}, func(ctx context.Context, key string) (*RefreshResult, error) {
		return &RefreshResult{Handle: key}, nil
	})
	require.Len(t, outcomes, 2)
	assert.True(t, errors.Is(outcomes[0].Err, ErrInFlight))
	assert.NoError(t, outcomes[1].Err)

	close(release)
	assert.NoError(t, <-done)
	assert.False(t, s.InFlight("alice"))
}

func TestScheduler_FailuresIsolated(t *testing.T) {
	s := NewScheduler(2)
	outcomes := s.Run(context.Background(), []string{"a", "b", "c"}, func(ctx context.Context, key string) (*RefreshResult, error) {
		if key == "b" {
			return nil, fmt.Errorf("refresh %s: %w", key, ErrRootNotPinned)
		}
		return &RefreshResult{Handle: key}, nil
	})
	require.Len(t, outcomes, 3)
	assert.NoError(t, outcomes[0].Err)
	assert.True(t, errors.Is(outcomes[1].Err, ErrRootNotPinned))
	assert.NoError(t, outcomes[2].Err)
}

func TestScheduler_Cancelled(t *testing.T) {
	s := NewScheduler(1)
	ctx, cancel := context.WithCancel(context.Background())

	outcomes := s.Run(ctx, []string{"a", "b", "c"}, func(ctx context.Context, key string) (*RefreshResult, error) {
		cancel()
		time.Sleep(time.Millisecond * 10)
		return &RefreshResult{Handle: key}, nil
	})
	require.Len(t, outcomes, 3)
	assert.NoError(t, outcomes[0].Err)
	assert.True(t, errors.Is(outcomes[2].Err, context.Canceled))
	assert.False(t, s.InFlight("c"))
}
