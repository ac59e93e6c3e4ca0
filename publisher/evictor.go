package publisher

import (
	"context"
	"errors"
	"github.com/cpacia/feedpinner/repo"
	"github.com/cpacia/feedpinner/store"
	"github.com/ipfs/go-cid"
	"strings"
	"time"
)

// Limits are the quotas of the storage backends. A zero limit is not
// checked.
type Limits struct {
	Pins  uint64
	Bytes uint64
	Names uint64
}

// PurgeOptions tune one eviction pass.
type PurgeOptions struct {
	// UsageThreshold is the usage ratio at which eviction starts. Zero
	// means DefaultUsageThreshold.
	UsageThreshold float64
}

// EvictionReport describes one eviction pass.
type EvictionReport struct {
	Usage      float64
	UsageAfter float64
	Skipped    bool
	Candidates int
	Purged     []string
	Unpinned   []cid.Cid
}

// Evictor frees backend quota by retiring the names of stale owners and
// unpinning expendable content.
type Evictor struct {
	catalog Catalog
	pool    *store.Pool
	pinner  store.Pinner
	limits  Limits

	BatchSize int
	Now       func() time.Time
}

// NewEvictor returns an evictor enforcing limits.
func NewEvictor(catalog Catalog, pool *store.Pool, pinner store.Pinner, limits Limits) *Evictor {
	return &Evictor{
		catalog:   catalog,
		pool:      pool,
		pinner:    pinner,
		limits:    limits,
		BatchSize: EvictionBatchSize,
		Now:       time.Now,
	}
}

// Usage returns the highest usage ratio across the configured limits.
func (e *Evictor) Usage(ctx context.Context) (float64, error) {
	u, err := e.pinner.Usage(ctx)
	if err != nil {
		return 0, err
	}
	names, err := e.pool.NameCount(ctx)
	if err != nil {
		return 0, err
	}
	var ratio float64
	for _, q := range [][2]uint64{
		{u.Pins, e.limits.Pins},
		{u.Bytes, e.limits.Bytes},
		{names, e.limits.Names},
	} {
		if q[1] == 0 {
			continue
		}
		if r := float64(q[0]) / float64(q[1]); r > ratio {
			ratio = r
		}
	}
	return ratio, nil
}

// PurgeExpired evicts when usage reaches the threshold. Stale owners go
// first. When usage is still too high, expendable pins are removed.
func (e *Evictor) PurgeExpired(ctx context.Context, opts PurgeOptions) (*EvictionReport, error) {
	threshold := opts.UsageThreshold
	if threshold <= 0 {
		threshold = DefaultUsageThreshold
	}
	usage, err := e.Usage(ctx)
	if err != nil {
		return nil, err
	}
	report := &EvictionReport{Usage: usage, UsageAfter: usage}
	if usage < threshold {
		report.Skipped = true
		log.Debugf("Usage %.2f below threshold %.2f, nothing to evict", usage, threshold)
		return report, nil
	}

	owners, err := e.candidates()
	if err != nil {
		return nil, err
	}
	report.Candidates = len(owners)
	for _, owner := range owners {
		if err := e.purge(ctx, owner); err != nil {
			log.Warningf("Error purging %s: %s", owner.Handle, err)
			continue
		}
		report.Purged = append(report.Purged, owner.Handle)
	}

	if report.UsageAfter, err = e.Usage(ctx); err != nil {
		return report, err
	}
	if report.UsageAfter >= threshold {
		unpinned, err := e.unpinExpendable(ctx)
		if err != nil {
			return report, err
		}
		report.Unpinned = unpinned
		if report.UsageAfter, err = e.Usage(ctx); err != nil {
			return report, err
		}
	}
	log.Infof("Eviction purged %d owners and %d pins, usage %.2f -> %.2f",
		len(report.Purged), len(report.Unpinned), report.Usage, report.UsageAfter)
	return report, nil
}

// candidates returns up to BatchSize restricted or long inactive owners.
// The first pass scans from the most recently seen, the second from the
// least recently seen, so a capped first pass still reaches the oldest.
func (e *Evictor) candidates() ([]repo.Owner, error) {
	var (
		owners []repo.Owner
		seen   = make(map[uint]bool)
	)
	stale := e.Now().Add(-InactiveAfter)
	passes := []repo.StaleQuery{
		{SeenBefore: stale},
		{SeenBefore: stale, Ascending: true},
	}
	for _, q := range passes {
		q.Limit = e.BatchSize
		for len(owners) < e.BatchSize {
			page, err := e.catalog.ListStaleOwners(q)
			if err != nil {
				return nil, err
			}
			for _, o := range page {
				if seen[o.ID] || len(owners) >= e.BatchSize {
					continue
				}
				seen[o.ID] = true
				owners = append(owners, o)
			}
			if len(page) < q.Limit {
				break
			}
			q.Cursor += len(page)
		}
	}
	return owners, nil
}

// purge retires the name of owner and unpins its root.
func (e *Evictor) purge(ctx context.Context, owner repo.Owner) error {
	rec, err := e.catalog.GetNamingRecord(owner.ID)
	if err != nil {
		return err
	}
	alias := rec.KeyAlias
	if alias == "" {
		alias = owner.Handle
	}
	if err := e.pool.RemoveKey(ctx, alias); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if root, err := cid.Decode(rec.LastPublishedCID); err == nil {
		if err := e.pinner.Unpin(ctx, root); err != nil {
			return err
		}
	}
	purged := true
	_, err = e.catalog.UpsertNamingRecord(owner.ID, repo.NamingUpdate{Purged: &purged}, nil)
	if err == nil {
		log.Infof("Purged name of %s", owner.Handle)
	}
	return err
}

// unpinExpendable removes aggregate pins and old, large pins. Published
// roots and the active aggregate are kept.
func (e *Evictor) unpinExpendable(ctx context.Context) ([]cid.Cid, error) {
	protected := make(map[string]bool)
	published, err := e.catalog.ListPublishedCIDs()
	if err != nil {
		return nil, err
	}
	for _, c := range published {
		protected[c] = true
	}
	if agg, err := e.catalog.ActiveAggregate(); err == nil {
		protected[agg.CID] = true
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	pins, err := e.pinner.List(ctx, store.ListOptions{Status: []store.PinStatus{store.PinPinned}})
	if err != nil {
		return nil, err
	}
	cutoff := e.Now().Add(-PinMaxAge)
	var unpinned []cid.Cid
	for _, p := range pins {
		if len(unpinned) >= e.BatchSize {
			break
		}
		if protected[p.Cid.String()] {
			continue
		}
		aggregate := strings.HasPrefix(p.Name, AggregatePrefix)
		oldAndLarge := p.Created.Before(cutoff) && p.Size > PinSizeFloor
		if !aggregate && !oldAndLarge {
			continue
		}
		if err := e.pinner.Unpin(ctx, p.Cid); err != nil {
			log.Warningf("Error unpinning %s: %s", p.Cid, err)
			continue
		}
		unpinned = append(unpinned, p.Cid)
	}
	return unpinned, nil
}
