package store

import "errors"

var (
	// ErrKeyExists is returned when a key alias is already taken on a
	// store.
	ErrKeyExists = errors.New("key already exists")

	// ErrNoKey is returned when a naming key could not be imported on
	// any pool member.
	ErrNoKey = errors.New("no key generated")

	// ErrNoRoot is returned when ingestion produced no root CID.
	ErrNoRoot = errors.New("no root cid")

	// ErrNameNotFound is returned when a name does not resolve.
	ErrNameNotFound = errors.New("name not found")

	// ErrNotFound is returned when a block or key is unknown.
	ErrNotFound = errors.New("not found")

	// ErrNotDirectory is returned when a directory operation targets a
	// node that is not a directory.
	ErrNotDirectory = errors.New("not a directory")

	// ErrEmptyPool is returned when a pool is built without members.
	ErrEmptyPool = errors.New("store pool has no members")

	// ErrUnsupported is returned by backends lacking an operation.
	ErrUnsupported = errors.New("operation not supported")
)
