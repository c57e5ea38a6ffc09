package tree

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/etctree/store"
)

// watcher consumes the store's event stream and applies it to the
// tree, in index order, one event at a time. A terminal error freezes
// the tree at the last applied index and makes Wait and all mutating
// calls fail with ErrWatchStopped.
type watcher struct {
	root   *Root
	stream store.Watcher

	// Guarded by the root's mutex.
	lastRead uint64
	lastSeen uint64
	advanced chan struct{} // closed and replaced whenever lastSeen moves

	done chan struct{}
}

func newWatcher(r *Root, from uint64) *watcher {
	return &watcher{
		root:     r,
		stream:   r.st.Watch(r.rootKey, from, true),
		lastRead: from,
		lastSeen: from,
		advanced: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *watcher) run() {
	defer close(w.done)
	for {
		ev, err := w.stream.Next(w.root.ctx)
		if err != nil {
			w.root.stop(errors.Wrap(err, "watch read"))
			return
		}
		w.root.mu.Lock()
		w.lastRead = ev.Mod
		if err := w.apply(ev); err != nil {
			w.root.fault(errors.Wrapf(err, "apply %s %s", ev.Action, ev.Key))
			w.root.mu.Unlock()
			return
		}
		if ev.Mod > w.lastSeen {
			w.lastSeen = ev.Mod
		}
		close(w.advanced)
		w.advanced = make(chan struct{})
		w.root.mu.Unlock()
	}
}

// sync blocks until the watcher has applied events up to mod.
func (w *watcher) sync(ctx context.Context, mod uint64) error {
	for {
		w.root.mu.Lock()
		if w.root.stopErr != nil {
			w.root.mu.Unlock()
			return ErrWatchStopped
		}
		if w.lastSeen >= mod {
			w.root.mu.Unlock()
			return nil
		}
		ch := w.advanced
		w.root.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.root.stopped:
			return ErrWatchStopped
		case <-ch:
		}
	}
}

// apply routes one event into the tree. It runs with the tree lock
// held; no store I/O happens here.
func (w *watcher) apply(ev *store.Event) error {
	rel, ok := w.root.relativize(ev.Key)
	if !ok {
		log.WithFields(log.Fields{
			"key":  ev.Key,
			"root": w.root.rootKey,
		}).Warning("Event outside the watched subtree")
		return nil
	}
	log.WithFields(log.Fields{
		"action": ev.Action,
		"key":    ev.Key,
		"mod":    ev.Mod,
	}).Debug("Applying event")
	if len(rel) == 0 {
		if ev.Action.IsDelete() {
			return errors.New("watch root deleted")
		}
		rb := &w.root.Dir.base
		if ev.Mod > rb.mod {
			rb.setMeta(ev.Mod, rb.create, ev.TTL)
			rb.updated(ev.Mod)
		}
		return nil
	}
	if ev.Action.IsDelete() {
		w.applyDelete(rel, ev)
		return nil
	}
	return w.applySet(rel, ev)
}

func (w *watcher) applyDelete(rel []string, ev *store.Event) {
	var cur Node = &w.root.Dir
	for i, seg := range rel {
		last := i == len(rel)-1
		switch c := cur.(type) {
		case *Dir:
			child, ok := c.children[seg]
			if !ok {
				return // unknown subtree, nothing mirrored here
			}
			if !last {
				cur = child
				continue
			}
			if ph, isPh := child.(*Placeholder); isPh {
				delete(c.children, seg)
				if _, unannounced := c.added[seg]; unannounced {
					delete(c.added, seg)
				} else {
					c.removed[seg] = struct{}{}
				}
				ph.parent = nil
				c.updated(ev.Mod)
				return
			}
			if ev.PrevCreate != 0 && child.nb().create != ev.PrevCreate {
				return // a different incarnation than the one deleted
			}
			c.dropChild(seg, ev.Mod)
			return
		case *Placeholder:
			child, ok := c.children[seg]
			if !ok {
				return
			}
			if !last {
				cur = child
				continue
			}
			delete(c.children, seg)
			child.parent = nil
			return
		default:
			return
		}
	}
}

func (w *watcher) applySet(rel []string, ev *store.Event) error {
	var cur Node = &w.root.Dir
	for i, seg := range rel {
		last := i == len(rel)-1
		d, ok := cur.(*Dir)
		if !ok {
			// Below an unresolved placeholder; the data is read fresh
			// when it resolves.
			return nil
		}
		child, known := d.children[seg]
		if known {
			if _, isLeaf := child.(*Leaf); isLeaf && !last {
				// The store now has a directory where we hold a leaf.
				d.dropChild(seg, ev.Mod)
				known = false
			}
		}
		if !known {
			if last {
				return w.createTerminal(d, seg, ev)
			}
			ph := newPlaceholder(w.root, d, seg)
			d.insertChild(ph, true)
			d.updated(ev.Mod)
			return nil
		}
		if last {
			return w.updateTerminal(d, child, seg, ev)
		}
		cur = child
	}
	return nil
}

func (w *watcher) updateTerminal(parent *Dir, child Node, seg string, ev *store.Event) error {
	switch n := child.(type) {
	case *Placeholder:
		return nil // resolves from a fresh read
	case *Leaf:
		if ev.Dir {
			parent.dropChild(seg, ev.Mod)
			return w.createTerminal(parent, seg, ev)
		}
		if ev.Create != 0 && n.create != 0 && ev.Create != n.create {
			if ev.Create < n.create {
				log.WithField("key", ev.Key).Debug("Late create")
				return nil
			}
			// The previous incarnation was deleted and replaced.
			log.WithField("key", ev.Key).Debug("Re-created")
			n.create = ev.Create
		}
		if ev.Mod <= n.mod {
			log.WithField("key", ev.Key).Debug("Late update")
			return nil
		}
		return n.applyEvent(ev)
	case *Dir:
		if !ev.Dir {
			parent.dropChild(seg, ev.Mod)
			return w.createTerminal(parent, seg, ev)
		}
		if ev.Create != 0 && n.create != 0 && ev.Create != n.create {
			if ev.Create < n.create {
				return nil
			}
			// Re-created directory: the old subtree is gone.
			for _, name := range n.childNames() {
				n.dropChild(name, ev.Mod)
			}
			n.create = ev.Create
		}
		if ev.Mod <= n.mod {
			return nil
		}
		create := n.create
		if ev.Create != 0 {
			create = ev.Create
		}
		n.setMeta(ev.Mod, create, ev.TTL)
		n.updated(ev.Mod)
		return nil
	}
	return nil
}

// createTerminal builds the node an event refers to under a loaded
// directory. Entries whose type cannot be decided without more data,
// or that require recursive data, become placeholders instead.
func (w *watcher) createTerminal(parent *Dir, seg string, ev *store.Event) error {
	kind := KindLeaf
	if ev.Dir {
		kind = KindDir
	}
	desc, err := parent.subtype([]string{seg}, kind, eventResult(ev), false)
	if err != nil || (ev.Dir && desc.Recursive) {
		ph := newPlaceholder(w.root, parent, seg)
		parent.insertChild(ph, true)
		parent.updated(ev.Mod)
		return nil
	}
	if ev.Dir {
		d := newDir(w.root, parent, seg, desc)
		d.setMeta(ev.Mod, ev.Create, ev.TTL)
		parent.insertChild(d, true)
		d.updated(ev.Mod)
		return nil
	}
	v, err := desc.Value.Decode(ev.Value)
	if err != nil {
		return errors.Wrap(err, ev.Key)
	}
	l := newLeaf(w.root, parent, seg, desc)
	l.value = v
	l.setMeta(ev.Mod, ev.Create, ev.TTL)
	parent.insertChild(l, true)
	l.updated(ev.Mod)
	return nil
}

func eventResult(ev *store.Event) *store.Result {
	return &store.Result{
		Key:    ev.Key,
		Value:  ev.Value,
		Dir:    ev.Dir,
		Mod:    ev.Mod,
		Create: ev.Create,
		TTL:    ev.TTL,
	}
}
