package store

import (
	"context"
	"github.com/ipfs/go-cid"
	caopts "github.com/ipfs/interface-go-ipfs-core/options"
	"github.com/ipfs/interface-go-ipfs-core/path"
	"sync"
	"time"
)

// pinTimeout bounds one recursive pin on the local node.
const pinTimeout = time.Second * 30

// LocalPinner keeps pins on a pool member when no pinning service is
// configured. Pinning is synchronous, so pins are either pinned or
// failed once Pin returns.
type LocalPinner struct {
	store *CoreStore
	pins  map[cid.Cid]*Pin
	mtx   sync.Mutex
}

// NewLocalPinner returns a pinner over s.
func NewLocalPinner(s *CoreStore) *LocalPinner {
	return &LocalPinner{
		store: s,
		pins:  make(map[cid.Cid]*Pin),
	}
}

// Pin recursively pins c on the node. If we already have all the blocks
// this returns immediately, otherwise missing blocks are fetched.
func (l *LocalPinner) Pin(ctx context.Context, c cid.Cid, name string) (*Pin, error) {
	p := &Pin{
		Cid:       c,
		Name:      name,
		RequestID: c.String(),
		Created:   time.Now(),
		Status:    PinPinned,
	}

	pctx, cancel := context.WithTimeout(ctx, pinTimeout)
	defer cancel()
	if err := l.store.api.Pin().Add(pctx, path.IpfsPath(c), caopts.Pin.Recursive(true)); err != nil {
		log.Warningf("Error pinning %s locally: %s", c, err)
		p.Status = PinFailed
	} else if stat, err := l.store.api.Object().Stat(ctx, path.IpfsPath(c)); err == nil {
		p.Size = uint64(stat.CumulativeSize)
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.pins[c] = p
	cp := *p
	return &cp, nil
}

// Status returns the pins requested through this pinner.
func (l *LocalPinner) Status(ctx context.Context, cids []cid.Cid) (map[cid.Cid]*Pin, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	ret := make(map[cid.Cid]*Pin, len(cids))
	for _, c := range cids {
		if p, ok := l.pins[c]; ok {
			cp := *p
			ret[c] = &cp
		}
	}
	return ret, nil
}

// Unpin removes the recursive pin of c.
func (l *LocalPinner) Unpin(ctx context.Context, c cid.Cid) error {
	l.mtx.Lock()
	delete(l.pins, c)
	l.mtx.Unlock()

	err := l.store.api.Pin().Rm(ctx, path.IpfsPath(c))
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// ImportDAG puts the blocks into the node and pins the root.
func (l *LocalPinner) ImportDAG(ctx context.Context, root cid.Cid, blocks []Block) error {
	if err := l.store.ImportBlocks(ctx, blocks); err != nil {
		return err
	}
	_, err := l.Pin(ctx, root, root.String())
	return err
}

// List returns the tracked pins matching opts.
func (l *LocalPinner) List(ctx context.Context, opts ListOptions) ([]*Pin, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	var ret []*Pin
	for _, p := range l.pins {
		if !opts.Match(p) {
			continue
		}
		cp := *p
		ret = append(ret, &cp)
		if opts.Limit > 0 && len(ret) >= opts.Limit {
			break
		}
	}
	return ret, nil
}

// Usage counts the tracked pins.
func (l *LocalPinner) Usage(ctx context.Context) (*Usage, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	u := &Usage{Pins: uint64(len(l.pins))}
	for _, p := range l.pins {
		u.Bytes += p.Size
	}
	return u, nil
}
