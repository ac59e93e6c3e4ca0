package publisher

import (
	"context"
	"errors"
	"fmt"
	"github.com/cpacia/feedpinner/bundle"
	"github.com/cpacia/feedpinner/repo"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"time"
)

// RefreshOptions tune one owner refresh.
type RefreshOptions struct {
	// Limit is the number of most recent entries to publish. Zero
	// publishes all of them.
	Limit int

	// ForceReplace rebuilds the root from scratch.
	ForceReplace bool

	// UseManagedKey selects keys managed by the service for the name.
	// Changing it rotates the owner's key.
	UseManagedKey bool

	// WebHost is stored on the naming record and used for feed links.
	WebHost *string
}

// RefreshStats describes the work done by one refresh.
type RefreshStats struct {
	Patches      int
	FullRebuilds int
	Duration     time.Duration
}

// RefreshResult is the outcome of one owner refresh.
type RefreshResult struct {
	JobID  uuid.UUID
	Handle string

	// MissingCount is the number of published entries lacking a link in
	// the final root and RecentMissing the share of them among the
	// most recent RecentWindow entries.
	MissingCount  int
	RecentMissing int

	LastPublishedCID cid.Cid
	Stats            RefreshStats

	// Attempts counts the build and publish passes. History lists the
	// limit of each one.
	Attempts int
	History  []int

	// Published is set when the name was moved during this refresh.
	Published bool
	Record    *repo.NamingRecord
}

// RetriesAfterMissing is the number of attempts after the first.
func (r *RefreshResult) RetriesAfterMissing() int {
	if r.Attempts == 0 {
		return 0
	}
	return r.Attempts - 1
}

// Converged returns whether the recent entries are all linked.
func (r *RefreshResult) Converged() bool {
	return r.RecentMissing == 0
}

// nextLimit is one step of the shrink schedule.
func nextLimit(n int) int {
	switch {
	case n > 150:
		return 150
	case n > 50:
		return 50
	case n > 30:
		return 30
	case n > 10:
		return 10
	default:
		return (n + 1) / 2
	}
}

// ShrinkSchedule returns the limits retried after an attempt at limit
// left recent entries missing. The limits strictly decrease and end at
// one.
func ShrinkSchedule(limit int) []int {
	var limits []int
	for n := limit; n > 1; {
		n = nextLimit(n)
		limits = append(limits, n)
	}
	return limits
}

// refreshRun carries the state of one owner refresh across attempts.
type refreshRun struct {
	owner   *repo.Owner
	record  *repo.NamingRecord
	entries []repo.Entry
	opts    RefreshOptions
	result  *RefreshResult
}

// attemptResult is the outcome of one build and publish pass.
type attemptResult struct {
	root          *RootDirectory
	missing       int
	recentMissing int
	registered    *RegisterResult
}

// refresh loads the owner and runs attempts until the recent entries
// converge or the shrink schedule is exhausted.
func (p *Publisher) refresh(ctx context.Context, handle string, opts RefreshOptions) (*RefreshResult, error) {
	start := time.Now()
	owner, err := p.catalog.GetOwner(handle)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrOwnerNotFound
	} else if err != nil {
		return nil, err
	}
	if owner.State == repo.OwnerSuspended {
		return nil, ErrOwnerInactive
	}

	rec, err := p.catalog.GetNamingRecord(owner.ID)
	if errors.Is(err, repo.ErrNotFound) {
		rec = nil
	} else if err != nil {
		return nil, err
	}
	if rec != nil && rec.IsPurged() {
		rec = nil
	}

	entries, err := p.catalog.ListOwnerEntries(owner.ID, 0)
	if err != nil {
		return nil, err
	}
	if opts.WebHost == nil && rec != nil {
		opts.WebHost = rec.WebHost
	}

	run := &refreshRun{
		owner:   owner,
		record:  rec,
		entries: entries,
		opts:    opts,
		result: &RefreshResult{
			JobID:  uuid.New(),
			Handle: handle,
		},
	}

	limit := opts.Limit
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	log.Debugf("Refresh %s of %s starting with %d of %d entries", run.result.JobID, handle, limit, len(entries))

	res, err := p.attempt(ctx, run, limit, opts.ForceReplace)
	if err != nil {
		return nil, err
	}
	if res.recentMissing > 0 {
		converged := false
		for _, l := range ShrinkSchedule(limit) {
			res, err = p.attempt(ctx, run, l, false)
			if err != nil {
				return nil, err
			}
			if res.recentMissing == 0 {
				converged = true
				break
			}
		}
		if !converged {
			final := FinalAttemptLimit
			if final > len(entries) {
				final = len(entries)
			}
			res, err = p.attempt(ctx, run, final, false)
			if err != nil {
				return nil, err
			}
		}
	}

	run.result.MissingCount = res.missing
	run.result.RecentMissing = res.recentMissing
	if run.record != nil {
		if c, err := cid.Decode(run.record.LastPublishedCID); err == nil {
			run.result.LastPublishedCID = c
		}
	}
	run.result.Record = run.record
	run.result.Stats.Duration = time.Since(start)

	if res.recentMissing > 0 {
		log.Warningf("Refresh of %s left %d recent entries missing after %d attempts",
			handle, res.recentMissing, run.result.Attempts)
	} else {
		log.Infof("Refreshed %s at %s in %d attempts", handle, run.result.LastPublishedCID, run.result.Attempts)
	}
	return run.result, nil
}

// attempt builds the bundle of the limit most recent entries, syncs the
// root directory, pins it and registers it.
func (p *Publisher) attempt(ctx context.Context, run *refreshRun, limit int, force bool) (*attemptResult, error) {
	run.result.Attempts++
	run.result.History = append(run.result.History, limit)

	entries := run.entries
	if limit < len(entries) {
		entries = entries[:limit]
	}
	complete := len(entries) == len(run.entries)

	site := bundle.Site{Owner: run.owner, Entries: entries}
	if run.opts.WebHost != nil {
		site.WebHost = *run.opts.WebHost
	}
	files, err := p.builder.BuildFeedFiles(site)
	if err != nil {
		return nil, fmt.Errorf("build feeds: %w", err)
	}
	apFiles, err := p.builder.BuildActivityPubFiles(site)
	if err != nil {
		return nil, fmt.Errorf("build activitypub: %w", err)
	}
	files = append(files, apFiles...)

	idx, bundleRoot, err := p.pool.Add(ctx, files)
	if err != nil {
		return nil, err
	}
	member := p.pool.Client(idx)
	bundleLinks, err := member.Ls(ctx, bundleRoot)
	if err != nil {
		return nil, fmt.Errorf("list bundle: %w", err)
	}

	var existing *RootDirectory
	if run.record != nil && run.record.LastPublishedCID != "" {
		c, err := cid.Decode(run.record.LastPublishedCID)
		if err == nil {
			existing, err = LoadRoot(ctx, member, c)
		}
		if err != nil {
			log.Warningf("Published root of %s is unavailable on store %d, rebuilding: %s", run.owner.Handle, idx, err)
			existing = nil
		}
	}

	sync, err := p.dirs.Sync(ctx, member, SyncRequest{
		Handle:       run.owner.Handle,
		Entries:      entries,
		BundleRoot:   bundleRoot,
		Bundle:       bundleLinks,
		Existing:     existing,
		ForceReplace: force,
		Complete:     complete,
	})
	if err != nil {
		return nil, err
	}
	run.result.Stats.Patches += sync.Patches
	if sync.FullRebuild {
		run.result.Stats.FullRebuilds++
	}

	root := sync.Root
	if existing != nil && sync.Changed {
		if lost := countLost(existing, sync.Root, entries); lost > 0 {
			log.Warningf("Root %s of %s lacks %d entries the published root holds, keeping %s",
				sync.Root.CID, run.owner.Handle, lost, existing.CID)
			root = existing
		}
	}

	res := &attemptResult{root: root}
	pinned, err := p.pinRoot(ctx, run.owner.Handle, root.CID)
	if err != nil {
		return nil, err
	}
	if !pinned {
		log.Warningf("Root %s of %s did not pin: %s", root.CID, run.owner.Handle, ErrRootNotPinned)
		res.root = existing
	}
	res.missing, res.recentMissing = countMissing(res.root, entries)
	if !pinned {
		return res, nil
	}

	reg, err := p.registrar.Register(ctx, Registration{
		OwnerID:             run.owner.ID,
		Handle:              run.owner.Handle,
		Root:                root.CID,
		Existing:            run.record,
		UseManagedKey:       run.opts.UseManagedKey,
		WebHost:             run.opts.WebHost,
		MissingCount:        res.missing,
		RetriesAfterMissing: run.result.Attempts - 1,
	})
	if err != nil {
		return nil, err
	}
	res.registered = reg
	if !reg.Skipped {
		run.result.Published = true
		if existing != nil && !existing.CID.Equals(root.CID) {
			if err := p.pinner.Unpin(ctx, existing.CID); err != nil {
				log.Warningf("Error unpinning superseded root %s of %s: %s", existing.CID, run.owner.Handle, err)
			}
		}
	}
	run.record = reg.Record
	return res, nil
}

// pinRoot pins a root directory and waits for it to settle.
func (p *Publisher) pinRoot(ctx context.Context, handle string, root cid.Cid) (bool, error) {
	roots := []cid.Cid{root}
	if err := p.pins.EnsurePinned(ctx, roots, func(cid.Cid) string { return handle }); err != nil {
		log.Warningf("Error pinning root of %s: %s", handle, err)
	}
	rec, err := p.pins.Converge(ctx, roots)
	if err != nil {
		return false, err
	}
	return rec.IsPinned(root), nil
}

// countLost returns how many entries linked at their current content in
// published are not linked that way in root.
func countLost(published, root *RootDirectory, entries []repo.Entry) int {
	before, after := published.LinkMap(), root.LinkMap()
	var lost int
	for _, e := range entries {
		want, err := cid.Decode(e.ContentHash)
		if err != nil {
			continue
		}
		if c, ok := before[e.Slug]; !ok || !c.Equals(want) {
			continue
		}
		if c, ok := after[e.Slug]; !ok || !c.Equals(want) {
			lost++
		}
	}
	return lost
}

// countMissing returns how many entries lack their link in root, overall
// and among the most recent RecentWindow.
func countMissing(root *RootDirectory, entries []repo.Entry) (int, int) {
	links := root.LinkMap()
	var missing, recent int
	for i, e := range entries {
		c, ok := links[e.Slug]
		if ok && c.String() == e.ContentHash {
			continue
		}
		if ok {
			if want, err := cid.Decode(e.ContentHash); err == nil && want.Equals(c) {
				continue
			}
		}
		missing++
		if i < RecentWindow {
			recent++
		}
	}
	return missing, recent
}
