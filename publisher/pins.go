package publisher

import (
	"context"
	"github.com/cpacia/feedpinner/store"
	"github.com/ipfs/go-cid"
	"math/rand"
	"sync"
	"time"
)

// Reconciliation is the outcome of one PinReconciler.Converge call.
type Reconciliation struct {
	Pinned      []cid.Cid
	Failed      []cid.Cid
	Outstanding []cid.Cid
	Rounds      int
	Fallbacks   int
}

// Converged returns whether every CID reached a terminal state.
func (r *Reconciliation) Converged() bool {
	return len(r.Outstanding) == 0
}

// IsPinned returns whether c ended up pinned.
func (r *Reconciliation) IsPinned(c cid.Cid) bool {
	for _, p := range r.Pinned {
		if p.Equals(c) {
			return true
		}
	}
	return false
}

// PinReconciler polls pin status until a set of CIDs settles or the
// round budget runs out.
type PinReconciler struct {
	pinner store.Pinner
	pool   *store.Pool

	// Sleep waits between rounds. It returns early with the context
	// error when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error

	MaxRounds     int
	FallbackRound int
	ImportTimeout time.Duration

	rnd *rand.Rand
	mtx sync.Mutex
}

// NewPinReconciler returns a reconciler polling pinner. The pool serves
// DAG exports for the import fallback.
func NewPinReconciler(pinner store.Pinner, pool *store.Pool) *PinReconciler {
	return &PinReconciler{
		pinner:        pinner,
		pool:          pool,
		Sleep:         sleepContext,
		MaxRounds:     MaxRounds,
		FallbackRound: FallbackRound,
		ImportTimeout: DAGImportTimeout,
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// delay returns the wait after round, growing with the round and capped
// at MaxPollDelay.
func (r *PinReconciler) delay(round int) time.Duration {
	r.mtx.Lock()
	jitter := time.Duration(r.rnd.Int63n(int64(pollJitter)))
	r.mtx.Unlock()

	d := time.Second*time.Duration(round+1) + jitter
	if d > MaxPollDelay {
		d = MaxPollDelay
	}
	return d
}

func (r *PinReconciler) pick(n int) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.rnd.Intn(n)
}

// Converge polls the status of cids until each one is pinned or failed.
// CIDs still queued or pinning after the last round are returned as
// outstanding, which is not an error.
func (r *PinReconciler) Converge(ctx context.Context, cids []cid.Cid) (*Reconciliation, error) {
	return r.converge(ctx, cids, r.MaxRounds)
}

// converge is Converge bounded to rounds status rounds.
func (r *PinReconciler) converge(ctx context.Context, cids []cid.Cid, rounds int) (*Reconciliation, error) {
	res := &Reconciliation{}
	var (
		outstanding []cid.Cid
		seen        = make(map[cid.Cid]bool)
	)
	for _, c := range cids {
		if !seen[c] {
			seen[c] = true
			outstanding = append(outstanding, c)
		}
	}

	// settle moves terminal CIDs out of the outstanding set. A terminal
	// state is never revisited.
	settle := func(statuses map[cid.Cid]*store.Pin) {
		remaining := outstanding[:0]
		for _, c := range outstanding {
			p, ok := statuses[c]
			switch {
			case ok && p.Status == store.PinPinned:
				res.Pinned = append(res.Pinned, c)
			case ok && p.Status == store.PinFailed:
				res.Failed = append(res.Failed, c)
			default:
				remaining = append(remaining, c)
			}
		}
		outstanding = remaining
	}

	poll := func() {
		statuses, err := r.pinner.Status(ctx, outstanding)
		if err != nil {
			log.Warningf("Error polling status of %d pins: %s", len(outstanding), err)
			return
		}
		settle(statuses)
	}

	fallbackDone := false
	for round := 0; round < rounds && len(outstanding) > 0; round++ {
		res.Rounds = round + 1
		poll()
		if len(outstanding) == 0 {
			break
		}

		if !fallbackDone && round+1 >= r.FallbackRound {
			fallbackDone = true
			c := outstanding[r.pick(len(outstanding))]
			if err := r.importDAG(ctx, c); err != nil {
				log.Warningf("DAG import fallback for %s failed: %s", c, err)
			} else {
				res.Fallbacks++
				poll()
				if len(outstanding) == 0 {
					break
				}
			}
		}

		if round+1 < rounds {
			if err := r.Sleep(ctx, r.delay(round)); err != nil {
				res.Outstanding = outstanding
				return res, err
			}
		}
	}
	res.Outstanding = outstanding
	if len(outstanding) > 0 {
		log.Debugf("%d pins still outstanding after %d rounds", len(outstanding), res.Rounds)
	}
	return res, nil
}

// importDAG exports c from the pool and hands it to the pinner as raw
// blocks.
func (r *PinReconciler) importDAG(ctx context.Context, c cid.Cid) error {
	ctx, cancel := context.WithTimeout(ctx, r.ImportTimeout)
	defer cancel()

	blocks, err := r.pool.ExportDAG(ctx, c, 0)
	if err != nil {
		return err
	}
	log.Infof("Importing %d blocks of stalled pin %s", len(blocks), c)
	return r.pinner.ImportDAG(ctx, c, blocks)
}

// EnsurePinned requests pins for the CIDs that are neither pinned nor
// already on their way. name labels each new pin.
func (r *PinReconciler) EnsurePinned(ctx context.Context, cids []cid.Cid, name func(c cid.Cid) string) error {
	if len(cids) == 0 {
		return nil
	}
	statuses, err := r.pinner.Status(ctx, cids)
	if err != nil {
		return err
	}
	for _, c := range cids {
		if p, ok := statuses[c]; ok && (p.Status == store.PinPinned || p.Status.Pending()) {
			continue
		}
		if _, err := r.pinner.Pin(ctx, c, name(c)); err != nil {
			log.Warningf("Error pinning %s: %s", c, err)
		}
	}
	return nil
}
