package tree

import "errors"

var (
	// ErrNotLoaded is returned by synchronous lookups that run into a
	// placeholder; resolve it with Load first.
	ErrNotLoaded = errors.New("not loaded")

	// ErrTypeMismatch is returned when a write would replace a
	// directory with a leaf or vice versa.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrWatchStopped is returned by Wait and by all mutating calls
	// once the watcher has terminated. The cause is logged when the
	// watcher stops.
	ErrWatchStopped = errors.New("watch stopped")

	// Internal signals of the lazy loader; these never reach callers.
	errNeedData      = errors.New("need first-level data")
	errNeedRecursive = errors.New("need recursive data")
)
