// Package storetest provides an in-memory store, namer and pinner with
// failure injection for tests.
package storetest

import (
	"context"
	"fmt"
	"github.com/cpacia/feedpinner/store"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/ipfs/go-merkledag"
	crypto "github.com/libp2p/go-libp2p-crypto"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	_ store.Client        = (*Memory)(nil)
	_ store.Pinner        = (*Memory)(nil)
	_ store.BlockImporter = (*Memory)(nil)
)

// PatchCall records one Patch invocation on a Memory store.
type PatchCall struct {
	Base   cid.Cid
	Ops    []store.LinkOp
	Result cid.Cid
}

// Memory is an in-process store, namer and pinner. Hooks inject failures
// and scripted pin progressions.
type Memory struct {
	// AddHook, when set, is called before every Add. A returned error
	// fails the call.
	AddHook func(files []store.File) error

	// PatchHook, when set, is called before every Patch with the zero
	// based call number. A returned error fails the call.
	PatchHook func(call int, base cid.Cid, ops []store.LinkOp) error

	// KeyHook, when set, is called before every ImportKey.
	KeyHook func(alias string) error

	// Progress returns the status of c on its polls-th status query. Nil
	// pins immediately.
	Progress func(c cid.Cid, polls int) store.PinStatus

	// Now stamps pin creation times.
	Now func() time.Time

	blocks   map[cid.Cid]ipld.Node
	keys     map[string]string
	names    map[string]cid.Cid
	pins     map[cid.Cid]*store.Pin
	polls    map[cid.Cid]int
	patches  []PatchCall
	imported []cid.Cid
	unpinned []cid.Cid
	mtx      sync.Mutex
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		Now:    time.Now,
		blocks: make(map[cid.Cid]ipld.Node),
		keys:   make(map[string]string),
		names:  make(map[string]cid.Cid),
		pins:   make(map[cid.Cid]*store.Pin),
		polls:  make(map[cid.Cid]int),
	}
}

func (m *Memory) put(nd ipld.Node) {
	m.blocks[nd.Cid()] = nd
}

// Add stores the files as raw leaves under a directory tree.
func (m *Memory) Add(ctx context.Context, files []store.File) (cid.Cid, error) {
	if m.AddHook != nil {
		if err := m.AddHook(files); err != nil {
			return cid.Undef, err
		}
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()

	nd, err := buildTree(files, m.put)
	if err != nil {
		return cid.Undef, err
	}
	return nd.Cid(), nil
}

func (m *Memory) directory(root cid.Cid) (*merkledag.ProtoNode, error) {
	nd, ok := m.blocks[root]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, root)
	}
	pn, ok := nd.(*merkledag.ProtoNode)
	if !ok {
		return nil, store.ErrNotDirectory
	}
	return pn, nil
}

// Ls returns the links of a stored directory.
func (m *Memory) Ls(ctx context.Context, root cid.Cid) ([]store.Link, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	nd, err := m.directory(root)
	if err != nil {
		return nil, err
	}
	return linksOf(nd), nil
}

// Patch applies ops to a stored directory.
func (m *Memory) Patch(ctx context.Context, base cid.Cid, ops []store.LinkOp) (cid.Cid, error) {
	m.mtx.Lock()
	call := len(m.patches)
	hook := m.PatchHook
	m.mtx.Unlock()

	if hook != nil {
		if err := hook(call, base, ops); err != nil {
			m.mtx.Lock()
			m.patches = append(m.patches, PatchCall{Base: base, Ops: ops})
			m.mtx.Unlock()
			return cid.Undef, err
		}
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	nd, err := m.directory(base)
	if err != nil {
		return cid.Undef, err
	}
	links := store.ApplyOps(linksOf(nd), ops)
	for i, l := range links {
		if l.Size == 0 {
			if child, ok := m.blocks[l.Cid]; ok {
				size, err := child.Size()
				if err == nil {
					links[i].Size = size
				}
			}
		}
	}
	out, err := store.BuildDirectory(links)
	if err != nil {
		return cid.Undef, err
	}
	m.put(out)
	m.patches = append(m.patches, PatchCall{Base: base, Ops: ops, Result: out.Cid()})
	return out.Cid(), nil
}

// ExportDAG returns the blocks reachable from c that this store holds.
func (m *Memory) ExportDAG(ctx context.Context, c cid.Cid) ([]store.Block, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.blocks[c]; !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, c)
	}
	var (
		blocks []store.Block
		seen   = make(map[cid.Cid]bool)
		walk   func(id cid.Cid)
	)
	walk = func(id cid.Cid) {
		if seen[id] {
			return
		}
		seen[id] = true
		nd, ok := m.blocks[id]
		if !ok {
			return
		}
		blocks = append(blocks, store.Block{Cid: id, Data: nd.RawData()})
		for _, l := range nd.Links() {
			walk(l.Cid)
		}
	}
	walk(c)
	return blocks, nil
}

// ImportBlocks decodes and stores raw blocks.
func (m *Memory) ImportBlocks(ctx context.Context, blocks []store.Block) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, b := range blocks {
		nd, err := decodeBlock(b)
		if err != nil {
			return err
		}
		m.put(nd)
	}
	return nil
}

// Keys lists the stored naming keys.
func (m *Memory) Keys(ctx context.Context) ([]store.Key, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	keys := make([]store.Key, 0, len(m.keys))
	for alias, id := range m.keys {
		keys = append(keys, store.Key{Alias: alias, ID: id})
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Alias < keys[j].Alias
	})
	return keys, nil
}

// ImportKey stores the ID of sk under alias.
func (m *Memory) ImportKey(ctx context.Context, alias string, sk crypto.PrivKey) error {
	if m.KeyHook != nil {
		if err := m.KeyHook(alias); err != nil {
			return err
		}
	}
	id, err := store.KeyID(sk)
	if err != nil {
		return err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.keys[alias]; ok {
		return store.ErrKeyExists
	}
	m.keys[alias] = id
	return nil
}

// RemoveKey deletes alias and the name published with it.
func (m *Memory) RemoveKey(ctx context.Context, alias string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	id, ok := m.keys[alias]
	if !ok {
		return fmt.Errorf("%w: key %s", store.ErrNotFound, alias)
	}
	delete(m.keys, alias)
	delete(m.names, id)
	return nil
}

// Publish points the name of alias at c.
func (m *Memory) Publish(ctx context.Context, alias string, c cid.Cid) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	id, ok := m.keys[alias]
	if !ok {
		return fmt.Errorf("%w: key %s", store.ErrNotFound, alias)
	}
	m.names[id] = c
	return nil
}

// Resolve returns the CID published for keyID.
func (m *Memory) Resolve(ctx context.Context, keyID string) (cid.Cid, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	c, ok := m.names[keyID]
	if !ok {
		return cid.Undef, store.ErrNameNotFound
	}
	return c, nil
}

// Pin records a pin request. Pinning a known CID returns its pin.
func (m *Memory) Pin(ctx context.Context, c cid.Cid, name string) (*store.Pin, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if p, ok := m.pins[c]; ok {
		cp := *p
		return &cp, nil
	}
	status := store.PinPinned
	if m.Progress != nil {
		status = store.PinQueued
	}
	p := &store.Pin{
		Cid:       c,
		Status:    status,
		Name:      name,
		RequestID: c.String(),
		Created:   m.Now(),
	}
	if nd, ok := m.blocks[c]; ok {
		if size, err := nd.Size(); err == nil {
			p.Size = size
		}
	}
	m.pins[c] = p
	cp := *p
	return &cp, nil
}

// Status returns the known pins, advancing scripted progressions.
func (m *Memory) Status(ctx context.Context, cids []cid.Cid) (map[cid.Cid]*store.Pin, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	ret := make(map[cid.Cid]*store.Pin, len(cids))
	for _, c := range cids {
		p, ok := m.pins[c]
		if !ok {
			continue
		}
		if m.Progress != nil && !p.Status.Terminal() {
			m.polls[c]++
			p.Status = m.Progress(c, m.polls[c])
		}
		cp := *p
		ret[c] = &cp
	}
	return ret, nil
}

// Unpin removes the pin of c.
func (m *Memory) Unpin(ctx context.Context, c cid.Cid) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.pins[c]; ok {
		delete(m.pins, c)
		m.unpinned = append(m.unpinned, c)
	}
	return nil
}

// ImportDAG stores the blocks and marks root pinned.
func (m *Memory) ImportDAG(ctx context.Context, root cid.Cid, blocks []store.Block) error {
	if err := m.ImportBlocks(ctx, blocks); err != nil {
		return err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.imported = append(m.imported, root)
	p, ok := m.pins[root]
	if !ok {
		p = &store.Pin{Cid: root, RequestID: root.String(), Created: m.Now()}
		m.pins[root] = p
	}
	p.Status = store.PinPinned
	return nil
}

// List returns pins matching opts, oldest first.
func (m *Memory) List(ctx context.Context, opts store.ListOptions) ([]*store.Pin, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var ret []*store.Pin
	for _, p := range m.pins {
		if !opts.Match(p) {
			continue
		}
		cp := *p
		ret = append(ret, &cp)
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Created.Equal(ret[j].Created) {
			return ret[i].Cid.String() < ret[j].Cid.String()
		}
		return ret[i].Created.Before(ret[j].Created)
	})
	if opts.Limit > 0 && len(ret) > opts.Limit {
		ret = ret[:opts.Limit]
	}
	return ret, nil
}

// Usage counts the pins and their known sizes.
func (m *Memory) Usage(ctx context.Context) (*store.Usage, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	u := &store.Usage{Pins: uint64(len(m.pins))}
	for _, p := range m.pins {
		u.Bytes += p.Size
	}
	return u, nil
}

// SetPin overwrites the pin of c.
func (m *Memory) SetPin(p store.Pin) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.pins[p.Cid] = &p
}

// PinOf returns the pin of c, if any.
func (m *Memory) PinOf(c cid.Cid) (store.Pin, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	p, ok := m.pins[c]
	if !ok {
		return store.Pin{}, false
	}
	return *p, true
}

// PatchCalls returns the recorded Patch invocations.
func (m *Memory) PatchCalls() []PatchCall {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]PatchCall(nil), m.patches...)
}

// Imported returns the roots received through ImportDAG.
func (m *Memory) Imported() []cid.Cid {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]cid.Cid(nil), m.imported...)
}

// Unpinned returns the CIDs removed through Unpin.
func (m *Memory) Unpinned() []cid.Cid {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]cid.Cid(nil), m.unpinned...)
}

// decodeBlock turns a raw block back into a node.
func decodeBlock(b store.Block) (ipld.Node, error) {
	switch b.Cid.Type() {
	case cid.DagProtobuf:
		nd, err := merkledag.DecodeProtobuf(b.Data)
		if err != nil {
			return nil, err
		}
		if !nd.Cid().Equals(b.Cid) {
			// CIDv1 dag-pb encodes the same bytes under another prefix.
			nd.SetCidBuilder(b.Cid.Prefix())
		}
		return nd, nil
	case cid.Raw:
		return merkledag.NewRawNodeWPrefix(b.Data, b.Cid.Prefix())
	default:
		return nil, fmt.Errorf("%w: codec %d", store.ErrUnsupported, b.Cid.Type())
	}
}

// linksOf converts the links of a node.
func linksOf(nd ipld.Node) []store.Link {
	links := make([]store.Link, 0, len(nd.Links()))
	for _, l := range nd.Links() {
		links = append(links, store.Link{Name: l.Name, Cid: l.Cid, Size: l.Size})
	}
	return links
}

// buildTree turns files into raw leaves under nested directories and
// hands every node to put, children before parents.
func buildTree(files []store.File, put func(ipld.Node)) (*merkledag.ProtoNode, error) {
	var (
		links   []store.Link
		subdirs = make(map[string][]store.File)
		order   []string
	)
	for _, f := range files {
		p := strings.Trim(f.Path, "/")
		if p == "" {
			return nil, fmt.Errorf("file has an empty path")
		}
		i := strings.Index(p, "/")
		if i < 0 {
			leaf := merkledag.NewRawNode(f.Content)
			put(leaf)
			links = append(links, store.Link{Name: p, Cid: leaf.Cid(), Size: uint64(len(f.Content))})
			continue
		}
		dir := p[:i]
		if _, ok := subdirs[dir]; !ok {
			order = append(order, dir)
		}
		subdirs[dir] = append(subdirs[dir], store.File{Path: p[i+1:], Content: f.Content})
	}
	for _, dir := range order {
		nd, err := buildTree(subdirs[dir], put)
		if err != nil {
			return nil, err
		}
		size, err := nd.Size()
		if err != nil {
			return nil, err
		}
		links = append(links, store.Link{Name: dir, Cid: nd.Cid(), Size: size})
	}

	nd, err := store.BuildDirectory(links)
	if err != nil {
		return nil, err
	}
	put(nd)
	return nd, nil
}
