package tree

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// The notification engine coalesces bursts of changes. Each node is
// clean, timer-armed, or blocked by a positive number of pending direct
// children. The ready channel mirrors "clean". Arming a timer blocks
// the whole propagating ancestor chain; a fired node releases exactly
// one unit from its parent's counter, and a parent whose counter drains
// arms its own timer. A node is never timer-armed and blocked at once.

func (b *base) effectiveDelay() time.Duration {
	for n := b; ; {
		if n.delay != 0 {
			return n.delay
		}
		if n.parent == nil {
			return n.root.delay
		}
		n = n.parent.nb()
	}
}

func (b *base) clearReady() {
	if !b.readyOpen {
		b.ready = make(chan struct{})
		b.readyOpen = true
	}
}

func (b *base) setReady() {
	if b.readyOpen {
		close(b.ready)
		b.readyOpen = false
	}
}

func (b *base) armTimer() {
	b.timerGen++
	gen := b.timerGen
	b.later = nsTimer
	b.timer = time.AfterFunc(b.effectiveDelay(), func() {
		b.onTimer(gen)
	})
}

func (b *base) cancelTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.timerGen++
}

func (b *base) onTimer(gen uint64) {
	b.root.mu.Lock()
	defer b.root.mu.Unlock()
	if b.timerGen != gen || b.later != nsTimer {
		// Lost a race with a cancel; a newer schedule owns the node.
		return
	}
	b.timer = nil
	b.runUpdate(false)
}

// updated schedules a notification for an external change stamped with
// the given store index.
func (b *base) updated(seq uint64) { b.update(seq, false) }

// childDone is the internal signal that a pending direct child has
// fired.
func (b *base) childDone(seq uint64) { b.update(seq, true) }

func (b *base) update(seq uint64, childDone bool) {
	if b.wanted.IsZero() {
		b.wanted = time.Now()
	}

	// Ignore the parent if it is already blocked on our behalf: that
	// is the case whenever we are not clean.
	var p Node
	if b.propagate {
		p = b.parent
	}

	switch b.later {
	case nsBlocked:
		if !childDone {
			b.checkLater()
			return // already waiting for children
		}
		if b.blocked <= 0 {
			panic("tree: blocked node with non-positive counter")
		}
		b.blocked--
		if b.blocked > 0 {
			b.checkLater()
			return
		}
		b.later = nsClean
		p = nil
	case nsTimer:
		if childDone {
			panic("tree: child-finished signal on a timer-armed node")
		}
		b.cancelTimer()
		b.later = nsClean
		p = nil
	default:
		if childDone {
			panic("tree: child-finished signal on a clean node")
		}
	}

	if seq > b.pendingSeq {
		b.pendingSeq = seq
	}
	b.clearReady()
	b.armTimer()

	// Block the ancestor chain until one of them is already aware.
	for p != nil {
		pb := p.nb()
		pb.clearReady()
		switch pb.later {
		case nsBlocked:
			pb.blocked++
			pb.checkLater()
			return
		case nsTimer:
			// The parent's own pending run already blocked the chain
			// above it; converting the timer into a block keeps the
			// count right, and the run is re-scheduled when we drain.
			pb.cancelTimer()
			pb.later = nsBlocked
			pb.blocked = 1
			pb.checkLater()
			return
		default:
			pb.later = nsBlocked
			pb.blocked = 1
		}
		if !pb.propagate {
			return
		}
		p = pb.parent
	}
}

// runUpdate fires the node's observers. When force is set, the call
// comes from ForceUpdated on a descendant and the parent must not be
// signalled (the forcing ancestor settles its own books).
func (b *base) runUpdate(force bool) {
	seq := b.pendingSeq
	b.later = nsClean
	b.blocked = 0
	b.callObservers(false)
	b.setReady()
	if force || !b.propagate {
		return
	}
	if b.parent != nil {
		b.parent.nb().childDone(seq)
	}
}

// callObservers runs the descriptor hook and the registered observers
// in insertion order. A panicking observer aborts the rest of the run
// and is reported to the root, which stops the watcher.
func (b *base) callObservers(deleted bool) {
	b.wanted = time.Time{}
	b.warned = false

	u := Update{Node: b.self, State: StateUpdated}
	if deleted {
		u.State = StateDeleted
	} else if !b.fired {
		u.State = StateNew
	}
	switch n := b.self.(type) {
	case *Dir:
		u.Added = sortedNames(n.added)
		u.Removed = sortedNames(n.removed)
		n.added = make(map[string]struct{})
		n.removed = make(map[string]struct{})
	case *Leaf:
		u.Value = n.value
	}

	defer func() {
		if !deleted {
			b.fired = true
		}
		if r := recover(); r != nil {
			err := errors.Errorf("observer: %v", r)
			log.WithFields(log.Fields{
				"path": b.Path(),
				"err":  err.Error(),
			}).Error("Observer fault")
			b.root.fault(err)
		}
	}()
	if b.desc != nil && b.desc.Hook != nil {
		b.desc.Hook(u)
	}
	for _, m := range append([]*Monitor(nil), b.observers...) {
		m.fn(u)
	}
}

func sortedNames(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// checkLater warns once when a notification has been pending for more
// than ten coalescing windows; that means some subtree keeps changing
// fast enough to starve the observers above it.
func (b *base) checkLater() {
	if b.warned {
		return
	}
	if b.wanted.IsZero() {
		b.wanted = time.Now()
		return
	}
	if time.Since(b.wanted) < 10*b.effectiveDelay() {
		return
	}
	log.WithField("path", b.Path()).Warning("Notifier delayed")
	b.warned = true
}

// forceUpdated drains every pending notification in the subtree now,
// deepest first, without waiting for timers. sub marks recursive calls;
// only the outermost node signals its parent.
func (b *base) forceUpdated(sub bool) {
	if b.later == nsClean {
		return
	}
	if b.later == nsBlocked {
		b.blocked = 0
		b.later = nsClean
		if d, ok := b.self.(*Dir); ok {
			for _, c := range d.childList() {
				c.nb().forceUpdated(true)
			}
		}
	}
	if b.later == nsTimer {
		b.cancelTimer()
		b.later = nsClean
	}
	b.runUpdate(sub)
	b.setReady()
}

// dropped fires the deletion notification for a node that has just been
// detached from its parent. The caller walks children first.
func (b *base) dropped(seq uint64) {
	if b.fired {
		b.callObservers(true)
	}
	hadPending := b.later != nsClean
	if hadPending {
		b.cancelTimer()
		b.later = nsClean
		b.blocked = 0
		b.setReady()
	}
	if b.parent == nil {
		return
	}
	pb := b.parent.nb()
	if b.propagate && hadPending {
		pb.childDone(seq)
	} else {
		pb.updated(seq)
	}
}
