package publisher

import (
	"context"
	"fmt"
	"github.com/cpacia/feedpinner/repo"
	"github.com/cpacia/feedpinner/store"
	"github.com/ipfs/go-cid"
	"sort"
)

// RootDirectory is an immutable snapshot of an owner's published
// directory. Links are sorted by name.
type RootDirectory struct {
	CID   cid.Cid
	Links []store.Link
}

// LinkMap returns the links keyed by name.
func (r *RootDirectory) LinkMap() map[string]cid.Cid {
	if r == nil {
		return map[string]cid.Cid{}
	}
	m := make(map[string]cid.Cid, len(r.Links))
	for _, l := range r.Links {
		m[l.Name] = l.Cid
	}
	return m
}

// LoadRoot lists the links of root on s.
func LoadRoot(ctx context.Context, s store.Store, root cid.Cid) (*RootDirectory, error) {
	links, err := s.Ls(ctx, root)
	if err != nil {
		return nil, err
	}
	sort.Slice(links, func(i, j int) bool {
		return links[i].Name < links[j].Name
	})
	return &RootDirectory{CID: root, Links: links}, nil
}

// SyncRequest is the input of one directory synchronization.
type SyncRequest struct {
	// Handle labels the entry pins.
	Handle string
	// Entries is the desired entry set.
	Entries []repo.Entry
	// BundleRoot is the ingested bundle directory and Bundle its links.
	BundleRoot cid.Cid
	Bundle     []store.Link
	// Existing is the currently published root, if any.
	Existing *RootDirectory
	// ForceReplace rebuilds the root from the bundle.
	ForceReplace bool
	// Complete reports whether Entries is the owner's full entry set.
	// Links of entries no longer desired are only removed when set.
	Complete bool
}

// SyncResult is the outcome of one directory synchronization.
type SyncResult struct {
	Root *RootDirectory
	// Missing lists the slugs of desired entries that could not be
	// linked in this run.
	Missing     []string
	Patches     int
	FullRebuild bool
	Changed     bool
}

// DirectorySync reconciles an owner's root directory with the desired
// entries in bounded, strictly chained patch batches.
type DirectorySync struct {
	pins      *PinReconciler
	batchSize int
	threshold int
}

// NewDirectorySync returns a synchronizer confirming entry pins through
// pins.
func NewDirectorySync(pins *PinReconciler) *DirectorySync {
	return &DirectorySync{
		pins:      pins,
		batchSize: FolderBatchSize,
		threshold: SmallCorpusThreshold,
	}
}

// entryOp is a queued link operation. Entry operations carry the slug
// of their entry.
type entryOp struct {
	op   store.LinkOp
	slug string
}

// Sync patches the directory on s. A failed patch stops the run and the
// rest of the queue is reported missing. When the run was rebuilding an
// existing root, that root is returned unchanged instead.
func (d *DirectorySync) Sync(ctx context.Context, s store.Store, req SyncRequest) (*SyncResult, error) {
	res := &SyncResult{}

	desired := make(map[string]cid.Cid, len(req.Entries))
	var order, invalid []string
	for _, e := range req.Entries {
		c, err := cid.Decode(e.ContentHash)
		if err != nil {
			log.Warningf("Entry %s of %s has an invalid content hash: %s", e.Slug, req.Handle, err)
			invalid = append(invalid, e.Slug)
			continue
		}
		if _, ok := desired[e.Slug]; !ok {
			order = append(order, e.Slug)
		}
		desired[e.Slug] = c
	}
	res.Missing = append(res.Missing, invalid...)
	bundleLinks := make(map[string]cid.Cid, len(req.Bundle))
	for _, l := range req.Bundle {
		bundleLinks[l.Name] = l.Cid
	}

	res.FullRebuild = req.ForceReplace || req.Existing == nil ||
		(req.Complete && len(req.Entries) <= d.threshold)

	var (
		base  cid.Cid
		queue []entryOp
	)
	if res.FullRebuild {
		if req.Existing != nil && !req.ForceReplace && sameLinks(req.Existing.LinkMap(), bundleLinks, desired) {
			res.Root = req.Existing
			return res, nil
		}
		base = req.BundleRoot
		for _, slug := range order {
			queue = append(queue, entryOp{
				op:   store.LinkOp{Name: slug, Cid: desired[slug]},
				slug: slug,
			})
		}
	} else {
		base = req.Existing.CID
		existing := req.Existing.LinkMap()
		for _, l := range req.Bundle {
			if c, ok := existing[l.Name]; ok && c.Equals(l.Cid) {
				continue
			}
			queue = append(queue, entryOp{op: store.LinkOp{Name: l.Name, Cid: l.Cid}})
		}
		if req.Complete {
			for _, l := range req.Existing.Links {
				_, isEntry := desired[l.Name]
				_, isBundle := bundleLinks[l.Name]
				if !isEntry && !isBundle {
					queue = append(queue, entryOp{op: store.LinkOp{Name: l.Name, Remove: true}})
				}
			}
		}
		for _, slug := range order {
			if c, ok := existing[slug]; ok && c.Equals(desired[slug]) {
				continue
			}
			queue = append(queue, entryOp{
				op:   store.LinkOp{Name: slug, Cid: desired[slug]},
				slug: slug,
			})
		}
		if len(queue) == 0 {
			res.Root = req.Existing
			return res, nil
		}
	}

	for start := 0; start < len(queue); start += d.batchSize {
		end := start + d.batchSize
		if end > len(queue) {
			end = len(queue)
		}
		batch, dropped, err := d.confirmBatch(ctx, req.Handle, queue[start:end])
		if err != nil {
			return nil, err
		}
		res.Missing = append(res.Missing, dropped...)
		if len(batch) == 0 {
			continue
		}

		next, err := s.Patch(ctx, base, batch)
		if err != nil || !next.Defined() {
			log.Warningf("Directory patch %d for %s failed, %d operations left: %v",
				res.Patches+1, req.Handle, len(queue)-start, err)
			if res.FullRebuild && req.Existing != nil {
				// A partial rebuild holds fewer links than the root it
				// would replace.
				res.Root = req.Existing
				res.Missing = append(invalid, absentFrom(req.Existing, order, desired)...)
				return res, nil
			}
			for _, q := range queue[start:] {
				if q.slug != "" && !contains(dropped, q.slug) {
					res.Missing = append(res.Missing, q.slug)
				}
			}
			break
		}
		res.Patches++
		base = next
	}

	if req.Existing != nil && base.Equals(req.Existing.CID) {
		res.Root = req.Existing
		return res, nil
	}
	root, err := LoadRoot(ctx, s, base)
	if err != nil {
		return nil, fmt.Errorf("list root %s: %w", base, err)
	}
	res.Root = root
	res.Changed = true
	return res, nil
}

// confirmBatch pins the entry CIDs of a batch and waits for them. Ops
// whose entry did not reach the pinned state are dropped.
func (d *DirectorySync) confirmBatch(ctx context.Context, handle string, batch []entryOp) ([]store.LinkOp, []string, error) {
	var cids []cid.Cid
	for _, q := range batch {
		if q.slug != "" {
			cids = append(cids, q.op.Cid)
		}
	}

	confirmed := make(map[cid.Cid]bool, len(cids))
	if len(cids) > 0 {
		names := make(map[cid.Cid]string, len(batch))
		for _, q := range batch {
			names[q.op.Cid] = handle + "/" + q.slug
		}
		if err := d.pins.EnsurePinned(ctx, cids, func(c cid.Cid) string { return names[c] }); err != nil {
			log.Warningf("Error requesting pins for %s: %s", handle, err)
		}
		rec, err := d.pins.Converge(ctx, cids)
		if err != nil {
			return nil, nil, err
		}
		for _, c := range rec.Pinned {
			confirmed[c] = true
		}
	}

	var (
		ops     []store.LinkOp
		dropped []string
	)
	for _, q := range batch {
		if q.slug != "" && !confirmed[q.op.Cid] {
			dropped = append(dropped, q.slug)
			continue
		}
		ops = append(ops, q.op)
	}
	return ops, dropped, nil
}

// absentFrom returns the slugs whose desired link root lacks.
func absentFrom(root *RootDirectory, order []string, desired map[string]cid.Cid) []string {
	links := root.LinkMap()
	var absent []string
	for _, slug := range order {
		if c, ok := links[slug]; !ok || !c.Equals(desired[slug]) {
			absent = append(absent, slug)
		}
	}
	return absent
}

// sameLinks returns whether existing holds exactly the bundle and entry
// links.
func sameLinks(existing map[string]cid.Cid, bundle, entries map[string]cid.Cid) bool {
	if len(existing) != len(bundle)+len(entries) {
		return false
	}
	for _, m := range []map[string]cid.Cid{bundle, entries} {
		for name, c := range m {
			if e, ok := existing[name]; !ok || !e.Equals(c) {
				return false
			}
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
