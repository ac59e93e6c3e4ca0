// Package store wraps the content-addressed storage backends used to
// ingest bundles, patch directories, hold naming keys and track pins.
package store

import (
	"context"
	"github.com/ipfs/go-cid"
	crypto "github.com/libp2p/go-libp2p-crypto"
	"github.com/op/go-logging"
	"time"
)

var log = logging.MustGetLogger("STORE")

// File is one named blob of a bundle. Path may contain slashes, in which
// case intermediate directories are created.
type File struct {
	Path    string
	Content []byte
}

// Link is a named link of a directory node.
type Link struct {
	Name string
	Cid  cid.Cid
	Size uint64
}

// LinkOp adds, replaces or removes one link of a directory.
type LinkOp struct {
	Name   string
	Cid    cid.Cid
	Remove bool
}

// Block is one raw block of an exported DAG.
type Block struct {
	Cid  cid.Cid
	Data []byte
}

// Key is a naming key held by a store.
type Key struct {
	Alias string
	ID    string
}

// Store ingests content and edits directories.
type Store interface {
	// Add ingests the files as one directory and returns its root.
	// Adding no files returns the empty directory.
	Add(ctx context.Context, files []File) (cid.Cid, error)

	// Ls returns the links of a directory.
	Ls(ctx context.Context, root cid.Cid) ([]Link, error)

	// Patch applies the link operations to the base directory and
	// returns the new root. The base is never modified.
	Patch(ctx context.Context, base cid.Cid, ops []LinkOp) (cid.Cid, error)

	// ExportDAG returns every block reachable from c.
	ExportDAG(ctx context.Context, c cid.Cid) ([]Block, error)
}

// Namer holds naming keys and the name records published with them.
type Namer interface {
	Keys(ctx context.Context) ([]Key, error)

	// ImportKey stores sk under alias. It returns ErrKeyExists when the
	// alias is taken.
	ImportKey(ctx context.Context, alias string, sk crypto.PrivKey) error

	RemoveKey(ctx context.Context, alias string) error

	// Publish points the name of the key stored under alias at c.
	Publish(ctx context.Context, alias string, c cid.Cid) error

	// Resolve returns the CID the name of keyID points at, or
	// ErrNameNotFound.
	Resolve(ctx context.Context, keyID string) (cid.Cid, error)
}

// Client is one member of the store pool.
type Client interface {
	Store
	Namer
}

// PinStatus is the state of a pin request.
type PinStatus string

const (
	PinQueued  PinStatus = "queued"
	PinPinning PinStatus = "pinning"
	PinPinned  PinStatus = "pinned"
	PinFailed  PinStatus = "failed"
)

// Terminal returns whether the status can no longer change.
func (s PinStatus) Terminal() bool {
	return s == PinPinned || s == PinFailed
}

// Pending returns whether the pin was requested and has not settled.
func (s PinStatus) Pending() bool {
	return s == PinQueued || s == PinPinning
}

// Pin is the remote status of one pinned CID.
type Pin struct {
	Cid       cid.Cid
	Status    PinStatus
	Name      string
	RequestID string
	Created   time.Time
	Size      uint64
}

// ListOptions filters pins returned by Pinner.List.
type ListOptions struct {
	Status []PinStatus
	Before time.Time
	Limit  int
}

// Match returns whether p passes the status and age filters. Limit is
// left to the caller.
func (o ListOptions) Match(p *Pin) bool {
	if len(o.Status) > 0 {
		var ok bool
		for _, s := range o.Status {
			if p.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !o.Before.IsZero() && !p.Created.Before(o.Before) {
		return false
	}
	return true
}

// Usage is the resource usage of a pinning backend.
type Usage struct {
	Pins  uint64
	Bytes uint64
}

// Pinner tracks retention of CIDs.
type Pinner interface {
	// Pin requests retention of c under name.
	Pin(ctx context.Context, c cid.Cid, name string) (*Pin, error)

	// Status returns the known pins among cids. CIDs that were never
	// pinned are absent from the result.
	Status(ctx context.Context, cids []cid.Cid) (map[cid.Cid]*Pin, error)

	// Unpin removes the pin of c. Unpinning an unknown CID is a no-op.
	Unpin(ctx context.Context, c cid.Cid) error

	// ImportDAG hands the raw blocks of root to the backend and marks it
	// for retention.
	ImportDAG(ctx context.Context, root cid.Cid, blocks []Block) error

	List(ctx context.Context, opts ListOptions) ([]*Pin, error)

	Usage(ctx context.Context) (*Usage, error)
}

// BlockImporter writes raw blocks into a node.
type BlockImporter interface {
	ImportBlocks(ctx context.Context, blocks []Block) error
}
