package publisher

import "errors"

var (
	// ErrOwnerNotFound is returned when a refresh targets an unknown
	// handle.
	ErrOwnerNotFound = errors.New("owner not found")

	// ErrOwnerInactive is returned when a refresh targets a suspended
	// owner.
	ErrOwnerInactive = errors.New("owner is suspended")

	// ErrInFlight is returned when a refresh for the same owner is
	// already running.
	ErrInFlight = errors.New("refresh already in flight")

	// ErrRootNotPinned is returned when the new root never reached the
	// pinned state.
	ErrRootNotPinned = errors.New("root directory not pinned")
)
