package publisher

import (
	"context"
	"errors"
	"fmt"
	"github.com/cpacia/feedpinner/repo"
	"github.com/cpacia/feedpinner/store"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
)

// CompactOptions select the entries of one compaction pass.
type CompactOptions struct {
	// Limit is the number of entries considered. Zero means
	// DefaultCompactLimit.
	Limit int
	// Offset is the number of most recent entries left alone. Zero
	// means RecentSliceSize.
	Offset int
}

// CompactionReport describes one compaction pass.
type CompactionReport struct {
	Candidates  int
	Converged   int
	Folded      int
	Batches     int
	Rollovers   int
	Aggregate   string
	Root        cid.Cid
	Outstanding []cid.Cid
}

// Compactor folds individually pinned entries into large aggregate
// directories so that each aggregate holds one pin.
type Compactor struct {
	catalog Catalog
	pool    *store.Pool
	pinner  store.Pinner
	pins    *PinReconciler

	MaxLinks  int
	Rounds    int
	batchSize int
}

// NewCompactor returns a compactor writing aggregates on the pool
// primary.
func NewCompactor(catalog Catalog, pool *store.Pool, pinner store.Pinner, pins *PinReconciler) *Compactor {
	return &Compactor{
		catalog:   catalog,
		pool:      pool,
		pinner:    pinner,
		pins:      pins,
		MaxLinks:  AggregateMaxLinks,
		Rounds:    CompactRounds,
		batchSize: FolderBatchSize,
	}
}

// newAggregate starts an empty aggregate. It is saved once its first
// batch is pinned.
func (c *Compactor) newAggregate(ctx context.Context) (*repo.Aggregate, error) {
	empty, err := c.pool.Primary().Add(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create aggregate: %w", err)
	}
	return &repo.Aggregate{
		Name:   AggregatePrefix + uuid.New().String(),
		CID:    empty.String(),
		Active: true,
	}, nil
}

// CompactRecent folds the converged candidates into the active
// aggregate. A batch only replaces pins once the new aggregate root is
// pinned.
func (c *Compactor) CompactRecent(ctx context.Context, opts CompactOptions) (*CompactionReport, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultCompactLimit
	}
	if opts.Offset <= 0 {
		opts.Offset = RecentSliceSize
	}
	entries, err := c.catalog.ListCompactionCandidates(opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	report := &CompactionReport{Candidates: len(entries)}
	if len(entries) == 0 {
		return report, nil
	}

	var (
		cids    []cid.Cid
		byCID   = make(map[cid.Cid][]uint)
		pinName = make(map[cid.Cid]string)
	)
	for _, e := range entries {
		id, err := cid.Decode(e.ContentHash)
		if err != nil {
			log.Warningf("Skipping entry %d with invalid content hash: %s", e.ID, err)
			continue
		}
		if _, ok := byCID[id]; !ok {
			cids = append(cids, id)
			pinName[id] = e.Slug
		}
		byCID[id] = append(byCID[id], e.ID)
	}

	if err := c.pins.EnsurePinned(ctx, cids, func(id cid.Cid) string { return pinName[id] }); err != nil {
		log.Warningf("Error pinning compaction candidates: %s", err)
	}
	rec, err := c.pins.converge(ctx, cids, c.Rounds)
	if err != nil {
		return nil, err
	}
	report.Outstanding = rec.Outstanding
	var converged []cid.Cid
	for _, id := range cids {
		if rec.IsPinned(id) {
			converged = append(converged, id)
		}
	}
	report.Converged = len(converged)

	agg, err := c.catalog.ActiveAggregate()
	if errors.Is(err, repo.ErrNotFound) {
		agg, err = c.newAggregate(ctx)
	}
	if err != nil {
		return nil, err
	}

	for len(converged) > 0 {
		room := c.MaxLinks - agg.Links
		if room <= 0 {
			if agg.ID != 0 {
				agg.Active = false
				if err := c.catalog.SaveAggregate(agg); err != nil {
					return report, err
				}
			}
			log.Infof("Aggregate %s is full with %d links", agg.Name, agg.Links)
			if agg, err = c.newAggregate(ctx); err != nil {
				return report, err
			}
			report.Rollovers++
			continue
		}
		n := c.batchSize
		if n > room {
			n = room
		}
		if n > len(converged) {
			n = len(converged)
		}
		batch := converged[:n]

		ok, err := c.fold(ctx, agg, batch, byCID)
		if err != nil {
			return report, err
		}
		if !ok {
			break
		}
		converged = converged[n:]
		report.Batches++
		report.Folded += n
	}

	report.Aggregate = agg.Name
	if root, err := cid.Decode(agg.CID); err == nil {
		report.Root = root
	}
	log.Infof("Compaction folded %d of %d entries into %s", report.Folded, report.Candidates, agg.Name)
	return report, nil
}

// fold links batch into agg. It returns false when the new aggregate
// root did not pin, leaving the catalog and every pin untouched.
func (c *Compactor) fold(ctx context.Context, agg *repo.Aggregate, batch []cid.Cid, byCID map[cid.Cid][]uint) (bool, error) {
	base, err := cid.Decode(agg.CID)
	if err != nil {
		return false, fmt.Errorf("aggregate %s: %w", agg.Name, err)
	}
	ops := make([]store.LinkOp, 0, len(batch))
	for _, id := range batch {
		ops = append(ops, store.LinkOp{Name: id.String(), Cid: id})
	}
	next, err := c.pool.Primary().Patch(ctx, base, ops)
	if err != nil {
		log.Warningf("Error patching aggregate %s: %s", agg.Name, err)
		return false, nil
	}

	if _, err := c.pinner.Pin(ctx, next, agg.Name); err != nil {
		log.Warningf("Error pinning aggregate %s: %s", agg.Name, err)
		return false, nil
	}
	rec, err := c.pins.converge(ctx, []cid.Cid{next}, c.Rounds)
	if err != nil {
		return false, err
	}
	if !rec.IsPinned(next) {
		log.Warningf("Aggregate %s root %s did not pin", agg.Name, next)
		return false, nil
	}

	if !base.Equals(next) {
		if err := c.pinner.Unpin(ctx, base); err != nil {
			log.Warningf("Error unpinning superseded aggregate root %s: %s", base, err)
		}
	}
	var ids []uint
	for _, id := range batch {
		if err := c.pinner.Unpin(ctx, id); err != nil {
			log.Warningf("Error unpinning folded entry %s: %s", id, err)
		}
		ids = append(ids, byCID[id]...)
	}

	agg.CID = next.String()
	agg.Links += len(batch)
	agg.Active = true
	if err := c.catalog.SaveAggregate(agg); err != nil {
		return false, err
	}
	return true, c.catalog.MarkCompacted(ids, agg.ID)
}
