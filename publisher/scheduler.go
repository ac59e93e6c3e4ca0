package publisher

import (
	"context"
	"sync"
)

// Job refreshes the owner identified by key.
type Job func(ctx context.Context, key string) (*RefreshResult, error)

// Outcome is the result of one scheduled job.
type Outcome struct {
	Key    string
	Result *RefreshResult
	Err    error
}

// Scheduler runs jobs keyed by owner handle with bounded concurrency. A
// key is never run twice at the same time.
type Scheduler struct {
	slots    chan struct{}
	inflight map[string]struct{}
	mtx      sync.Mutex
}

// NewScheduler returns a scheduler running at most limit jobs at once.
func NewScheduler(limit int) *Scheduler {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	return &Scheduler{
		slots:    make(chan struct{}, limit),
		inflight: make(map[string]struct{}),
	}
}

// Limit returns the concurrency bound.
func (s *Scheduler) Limit() int {
	return cap(s.slots)
}

func (s *Scheduler) acquire(key string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.inflight, key)
}

// InFlight returns whether key is queued or running.
func (s *Scheduler) InFlight(key string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.inflight[key]
	return ok
}

// Do runs one job once a slot is free. It returns ErrInFlight when key
// is already queued or running.
func (s *Scheduler) Do(ctx context.Context, key string, job Job) (*RefreshResult, error) {
	if !s.acquire(key) {
		return nil, ErrInFlight
	}
	defer s.release(key)

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.slots }()

	return job(ctx, key)
}

// Run queues a job per key and waits for all of them. Repeated keys are
// dropped and keys already in flight fail with ErrInFlight. Each
// finished job frees its slot for the next queued key. Outcomes follow
// the order of keys.
func (s *Scheduler) Run(ctx context.Context, keys []string, job Job) []Outcome {
	var (
		outcomes []Outcome
		queued   []int
		seen     = make(map[string]bool)
	)
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		if !s.acquire(key) {
			outcomes = append(outcomes, Outcome{Key: key, Err: ErrInFlight})
			continue
		}
		queued = append(queued, len(outcomes))
		outcomes = append(outcomes, Outcome{Key: key})
	}

	var wg sync.WaitGroup
	for n, i := range queued {
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			for _, j := range queued[n:] {
				outcomes[j].Err = ctx.Err()
				s.release(outcomes[j].Key)
			}
			wg.Wait()
			return outcomes
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := outcomes[i].Key
			defer func() {
				<-s.slots
				s.release(key)
			}()

			res, err := job(ctx, key)
			if err != nil {
				log.Errorf("Job for %s failed: %s", key, err)
			}
			outcomes[i].Result = res
			outcomes[i].Err = err
		}(i)
	}
	wg.Wait()
	return outcomes
}
