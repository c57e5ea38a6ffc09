package tree

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/nicolagi/etctree/store"
)

// Leaf is a value node. The value is decoded by the node's value type;
// what Value returns is what the type's Decode produced.
type Leaf struct {
	base
	vt    *ValueType
	value interface{}

	// written is the index of this root's last successful Set of the
	// leaf, which the watcher may not have echoed yet.
	written uint64
}

func newLeaf(root *Root, parent Node, name string, desc *Descriptor) *Leaf {
	l := &Leaf{vt: desc.Value}
	l.init(l, root, parent, name)
	l.applyDescriptor(desc)
	return l
}

func (l *Leaf) IsDir() bool { return false }

// Value returns the decoded value as of the last observed event.
func (l *Leaf) Value() interface{} {
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	return l.value
}

// Set writes a new value. The write is conditional on the latest
// modification index this root knows of (observed by the watcher, or
// returned by an earlier Set through this root), so a concurrent
// writer makes it fail with the store's precondition error. Returns
// the write's index.
func (l *Leaf) Set(ctx context.Context, v interface{}, opts ...WriteOption) (uint64, error) {
	o := newWriteOptions(opts)
	s, err := l.vt.Encode(v)
	if err != nil {
		return 0, err
	}
	l.root.mu.Lock()
	prev := l.mod
	if l.written > prev {
		prev = l.written
	}
	l.root.mu.Unlock()
	res, err := l.root.write(ctx, l.Path(), s, store.SetOptions{PrevIndex: prev, TTL: o.ttl})
	if err != nil {
		return 0, err
	}
	l.root.mu.Lock()
	if res.Mod > l.written {
		l.written = res.Mod
	}
	l.root.mu.Unlock()
	if o.sync {
		if err := l.root.Wait(ctx, res.Mod); err != nil {
			return res.Mod, err
		}
	}
	return res.Mod, nil
}

// Delete removes the leaf, conditional on its last observed index.
func (l *Leaf) Delete(ctx context.Context, opts ...WriteOption) (uint64, error) {
	o := newWriteOptions(opts)
	l.root.mu.Lock()
	prev := l.mod
	l.root.mu.Unlock()
	res, err := l.root.delete(ctx, l.Path(), store.DeleteOptions{PrevIndex: prev})
	if err != nil {
		return 0, err
	}
	if o.sync {
		if err := l.root.Wait(ctx, res.Mod); err != nil {
			return res.Mod, err
		}
	}
	return res.Mod, nil
}

// SetTTL (re)sets the node's expiry, rewriting the current value.
func (l *Leaf) SetTTL(ctx context.Context, ttl time.Duration, opts ...WriteOption) (uint64, error) {
	return l.writeTTL(ctx, &ttl, opts)
}

// DeleteTTL sends the empty TTL, which the store reads as "no expiry".
func (l *Leaf) DeleteTTL(ctx context.Context, opts ...WriteOption) (uint64, error) {
	var zero time.Duration
	return l.writeTTL(ctx, &zero, opts)
}

func (l *Leaf) writeTTL(ctx context.Context, ttl *time.Duration, opts []WriteOption) (uint64, error) {
	o := newWriteOptions(opts)
	l.root.mu.Lock()
	prev := l.mod
	v := l.value
	l.root.mu.Unlock()
	s, err := l.vt.Encode(v)
	if err != nil {
		return 0, err
	}
	res, err := l.root.write(ctx, l.Path(), s, store.SetOptions{
		PrevExist: store.PrevMust,
		PrevIndex: prev,
		TTL:       ttl,
	})
	if err != nil {
		return 0, err
	}
	if o.sync {
		if err := l.root.Wait(ctx, res.Mod); err != nil {
			return res.Mod, err
		}
	}
	return res.Mod, nil
}

// applyEvent is called by the watcher with an already-vetted event for
// this leaf.
func (l *Leaf) applyEvent(ev *store.Event) error {
	v, err := l.vt.Decode(ev.Value)
	if err != nil {
		return errors.Wrapf(err, "%s", l.Path())
	}
	l.value = v
	l.setMeta(ev.Mod, ev.Create, ev.TTL)
	l.updated(ev.Mod)
	return nil
}
