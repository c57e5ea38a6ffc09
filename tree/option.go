package tree

import "time"

// A WriteOption tweaks one mutating call. By default writes are
// synchronous: the call returns once the watcher has observed the
// echoed event.
type WriteOption func(*writeOptions)

type writeOptions struct {
	sync      bool
	ttl       *time.Duration
	recursive *bool
	replace   bool
}

func newWriteOptions(opts []WriteOption) writeOptions {
	o := writeOptions{sync: true, replace: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithoutSync makes the call return as soon as the store acknowledged
// the write, without waiting for the watcher to observe it.
func WithoutSync() WriteOption {
	return func(o *writeOptions) { o.sync = false }
}

// WithTTL attaches an expiry to the written entry.
func WithTTL(d time.Duration) WriteOption {
	return func(o *writeOptions) { o.ttl = &d }
}

// WithRecursive forces or forbids recursion on Delete. Without it the
// store decides: deleting a non-empty directory fails there.
func WithRecursive(recursive bool) WriteOption {
	return func(o *writeOptions) { o.recursive = &recursive }
}

// KeepExisting makes Set leave already-existing leaves untouched, so a
// mapping argument only supplies defaults.
func KeepExisting() WriteOption {
	return func(o *writeOptions) { o.replace = false }
}
