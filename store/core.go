package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/ipfs/go-cid"
	files "github.com/ipfs/go-ipfs-files"
	gopath "github.com/ipfs/go-path"
	iface "github.com/ipfs/interface-go-ipfs-core"
	caopts "github.com/ipfs/interface-go-ipfs-core/options"
	"github.com/ipfs/interface-go-ipfs-core/path"
	crypto "github.com/libp2p/go-libp2p-crypto"
	"strings"
)

// CoreStore is a pool member backed by any CoreAPI, remote or embedded.
type CoreStore struct {
	api       iface.CoreAPI
	keyImport func(ctx context.Context, alias string, sk crypto.PrivKey) error
	resolve   func(ctx context.Context, keyID string) (cid.Cid, error)
}

// CoreOption configures a CoreStore.
type CoreOption func(*CoreStore)

// WithKeyImport sets how private keys reach the node. The CoreAPI has no
// key import call of its own.
func WithKeyImport(fn func(ctx context.Context, alias string, sk crypto.PrivKey) error) CoreOption {
	return func(s *CoreStore) {
		s.keyImport = fn
	}
}

// WithResolver replaces name resolution through the CoreAPI.
func WithResolver(fn func(ctx context.Context, keyID string) (cid.Cid, error)) CoreOption {
	return func(s *CoreStore) {
		s.resolve = fn
	}
}

// NewCoreStore returns a store over api.
func NewCoreStore(api iface.CoreAPI, opts ...CoreOption) *CoreStore {
	s := &CoreStore{api: api}
	s.keyImport = func(context.Context, string, crypto.PrivKey) error {
		return ErrUnsupported
	}
	s.resolve = s.resolveName
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// API returns the underlying CoreAPI.
func (s *CoreStore) API() iface.CoreAPI {
	return s.api
}

// fileTree turns bundle files into a unixfs directory tree.
func fileTree(fs []File) (files.Directory, error) {
	type dir map[string]interface{}
	root := make(dir)
	for _, f := range fs {
		parts := strings.Split(strings.Trim(f.Path, "/"), "/")
		cur := root
		for i, p := range parts {
			if p == "" {
				return nil, fmt.Errorf("invalid path %q", f.Path)
			}
			if i == len(parts)-1 {
				cur[p] = f.Content
				break
			}
			next, ok := cur[p].(dir)
			if !ok {
				next = make(dir)
				cur[p] = next
			}
			cur = next
		}
	}

	var convert func(d dir) files.Directory
	convert = func(d dir) files.Directory {
		m := make(map[string]files.Node, len(d))
		for name, v := range d {
			switch n := v.(type) {
			case []byte:
				m[name] = files.NewBytesFile(n)
			case dir:
				m[name] = convert(n)
			}
		}
		return files.NewMapDirectory(m)
	}
	return convert(root), nil
}

// Add ingests the files without pinning them.
func (s *CoreStore) Add(ctx context.Context, fs []File) (cid.Cid, error) {
	tree, err := fileTree(fs)
	if err != nil {
		return cid.Undef, err
	}
	resolved, err := s.api.Unixfs().Add(ctx, tree, caopts.Unixfs.Pin(false))
	if err != nil {
		return cid.Undef, err
	}
	return resolved.Cid(), nil
}

// Ls returns the links of a directory.
func (s *CoreStore) Ls(ctx context.Context, root cid.Cid) ([]Link, error) {
	links, err := s.api.Object().Links(ctx, path.IpfsPath(root))
	if err != nil {
		return nil, err
	}
	ret := make([]Link, 0, len(links))
	for _, l := range links {
		ret = append(ret, Link{Name: l.Name, Cid: l.Cid, Size: l.Size})
	}
	return ret, nil
}

// Patch applies the operations one link at a time through the object
// API.
func (s *CoreStore) Patch(ctx context.Context, base cid.Cid, ops []LinkOp) (cid.Cid, error) {
	existing, err := s.Ls(ctx, base)
	if err != nil {
		return cid.Undef, err
	}
	present := make(map[string]bool, len(existing))
	for _, l := range existing {
		present[l.Name] = true
	}

	var cur path.Resolved = path.IpfsPath(base)
	for _, op := range ops {
		if op.Remove {
			if !present[op.Name] {
				continue
			}
			cur, err = s.api.Object().RmLink(ctx, cur, op.Name)
			if err != nil {
				return cid.Undef, fmt.Errorf("remove link %s: %w", op.Name, err)
			}
			delete(present, op.Name)
			continue
		}
		cur, err = s.api.Object().AddLink(ctx, cur, op.Name, path.IpfsPath(op.Cid))
		if err != nil {
			return cid.Undef, fmt.Errorf("add link %s: %w", op.Name, err)
		}
		present[op.Name] = true
	}
	return cur.Cid(), nil
}

// ExportDAG walks the graph under c and returns its blocks.
func (s *CoreStore) ExportDAG(ctx context.Context, c cid.Cid) ([]Block, error) {
	var (
		ret  []Block
		m    = map[cid.Cid]bool{c: true}
		seen = make(map[cid.Cid]bool)
	)
	for len(m) > 0 {
		for k := range m {
			delete(m, k)
			if seen[k] {
				continue
			}
			seen[k] = true
			nd, err := s.api.Dag().Get(ctx, k)
			if err != nil {
				return ret, fmt.Errorf("%w: %s", ErrNotFound, err)
			}
			ret = append(ret, Block{Cid: k, Data: nd.RawData()})
			for _, link := range nd.Links() {
				if !seen[link.Cid] {
					m[link.Cid] = true
				}
			}
		}
	}
	return ret, nil
}

// ImportBlocks puts raw blocks into the node.
func (s *CoreStore) ImportBlocks(ctx context.Context, blocks []Block) error {
	for _, b := range blocks {
		format, err := blockFormat(b.Cid)
		if err != nil {
			return err
		}
		stat, err := s.api.Block().Put(ctx, bytes.NewReader(b.Data), caopts.Block.Format(format))
		if err != nil {
			return err
		}
		if !stat.Path().Cid().Equals(b.Cid) {
			log.Debugf("Imported block %s stored as %s", b.Cid, stat.Path().Cid())
		}
	}
	return nil
}

func blockFormat(c cid.Cid) (string, error) {
	switch c.Type() {
	case cid.DagProtobuf:
		if c.Version() == 0 {
			return "v0", nil
		}
		return "protobuf", nil
	case cid.Raw:
		return "raw", nil
	case cid.DagCBOR:
		return "cbor", nil
	default:
		return "", fmt.Errorf("%w: codec %d", ErrUnsupported, c.Type())
	}
}

// Keys lists the keys of the node, including its identity key.
func (s *CoreStore) Keys(ctx context.Context) ([]Key, error) {
	keys, err := s.api.Key().List(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]Key, 0, len(keys))
	for _, k := range keys {
		ret = append(ret, Key{Alias: k.Name(), ID: k.ID().Pretty()})
	}
	return ret, nil
}

// ImportKey stores sk under alias.
func (s *CoreStore) ImportKey(ctx context.Context, alias string, sk crypto.PrivKey) error {
	return s.keyImport(ctx, alias, sk)
}

// RemoveKey deletes alias from the node.
func (s *CoreStore) RemoveKey(ctx context.Context, alias string) error {
	_, err := s.api.Key().Remove(ctx, alias)
	return err
}

// Publish points the name of alias at c.
func (s *CoreStore) Publish(ctx context.Context, alias string, c cid.Cid) error {
	_, err := s.api.Name().Publish(ctx, path.IpfsPath(c),
		caopts.Name.Key(alias),
		caopts.Name.AllowOffline(true),
	)
	return err
}

// Resolve returns the CID the name of keyID points at.
func (s *CoreStore) Resolve(ctx context.Context, keyID string) (cid.Cid, error) {
	return s.resolve(ctx, keyID)
}

func (s *CoreStore) resolveName(ctx context.Context, keyID string) (cid.Cid, error) {
	p, err := s.api.Name().Resolve(ctx, "/ipns/"+keyID, caopts.Name.Cache(false))
	if err != nil {
		if isNotFound(err) {
			return cid.Undef, ErrNameNotFound
		}
		return cid.Undef, err
	}
	return cidFromValue([]byte(p.String()))
}

// cidFromValue parses the value of a name record.
func cidFromValue(value []byte) (cid.Cid, error) {
	p, err := gopath.ParsePath(string(value))
	if err != nil {
		return cid.Undef, err
	}
	c, _, err := gopath.SplitAbsPath(p)
	if err != nil {
		return cid.Undef, err
	}
	return c, nil
}

func isNotFound(err error) bool {
	if errors.Is(err, ErrNameNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "not pinned") ||
		strings.Contains(msg, "could not resolve")
}
