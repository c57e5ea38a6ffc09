package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store with etcd v2 semantics, meant to be used in
// unit tests. Every mutation gets a strictly increasing index, TTLs
// expire on their own, and watchers replay from any past index.
type InMemory struct {
	mu      sync.Mutex
	root    *memNode
	index   uint64
	history []*Event
	wakeup  chan struct{} // closed and replaced whenever history grows
	closed  bool
}

type memNode struct {
	name     string
	dir      bool
	value    string
	mod      uint64
	create   uint64
	children map[string]*memNode
	expires  time.Time // zero when no TTL
	ttl      time.Duration
}

func NewInMemory() *InMemory {
	s := &InMemory{
		root:   &memNode{dir: true, children: make(map[string]*memNode)},
		wakeup: make(chan struct{}),
	}
	return s
}

// Close stops TTL timers from emitting further events and wakes all
// watchers, which then fail with ErrClosed.
func (s *InMemory) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.wakeup)
	s.wakeup = make(chan struct{})
}

func splitKey(key string) ([]string, error) {
	if key == "/" {
		return nil, nil
	}
	if !strings.HasPrefix(key, "/") {
		return nil, fmt.Errorf("key %q: missing leading slash", key)
	}
	parts := strings.Split(strings.TrimSuffix(key[1:], "/"), "/")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("key %q: empty segment", key)
		}
	}
	return parts, nil
}

func (s *InMemory) lookup(parts []string) *memNode {
	n := s.root
	for _, p := range parts {
		if !n.dir {
			return nil
		}
		c, ok := n.children[p]
		if !ok {
			return nil
		}
		n = c
	}
	return n
}

func (s *InMemory) result(key string, n *memNode, recursive bool, depth int) *Result {
	r := &Result{
		Key:    key,
		Value:  n.value,
		Dir:    n.dir,
		Mod:    n.mod,
		Create: n.create,
		Index:  s.index,
	}
	if !n.expires.IsZero() {
		d := time.Until(n.expires)
		r.TTL = &d
	}
	if n.dir && (depth == 0 || recursive) {
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			r.Nodes = append(r.Nodes, s.result(childKey(key, name), n.children[name], recursive, depth+1))
		}
	}
	return r
}

func childKey(key, name string) string {
	if key == "/" {
		return "/" + name
	}
	return key + "/" + name
}

func (s *InMemory) Read(ctx context.Context, key string, recursive bool) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	n := s.lookup(parts)
	if n == nil {
		return nil, ErrNotFound
	}
	return s.result(normalKey(parts), n, recursive, 0), nil
}

func normalKey(parts []string) string {
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/")
}

// makeParents creates missing intermediate directories, as the real
// store does, stamping them with the index of the current operation.
func (s *InMemory) makeParents(parts []string, index uint64) (*memNode, error) {
	n := s.root
	for _, p := range parts {
		if !n.dir {
			return nil, ErrNotDir
		}
		c, ok := n.children[p]
		if !ok {
			c = &memNode{name: p, dir: true, children: make(map[string]*memNode), mod: index, create: index}
			n.children[p] = c
		}
		n = c
	}
	if !n.dir {
		return nil, ErrNotDir
	}
	return n, nil
}

func (s *InMemory) Write(ctx context.Context, key, value string, opts SetOptions) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	index := s.index + 1

	if opts.Append {
		parent, err := s.makeParents(parts, index)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("%020d", index)
		parts = append(parts, name)
		return s.apply(ActionCreate, parts, parent, nil, value, opts, index)
	}

	if len(parts) == 0 && !opts.Dir {
		return nil, ErrNotFile
	}
	var parent *memNode
	if len(parts) > 0 {
		parent, err = s.makeParents(parts[:len(parts)-1], index)
		if err != nil {
			return nil, err
		}
	}
	var existing *memNode
	if parent != nil {
		existing = parent.children[parts[len(parts)-1]]
	} else {
		existing = s.root
	}

	if existing != nil {
		if opts.PrevExist == PrevMustNot {
			return nil, ErrExist
		}
		if existing.dir != opts.Dir {
			if opts.Dir {
				return nil, ErrNotDir
			}
			return nil, ErrNotFile
		}
		if opts.PrevIndex != 0 && existing.mod != opts.PrevIndex {
			return nil, ErrTestFailed
		}
		if opts.PrevValue != "" && existing.value != opts.PrevValue {
			return nil, ErrTestFailed
		}
	} else if opts.PrevExist == PrevMust || opts.PrevIndex != 0 || opts.PrevValue != "" {
		return nil, ErrNotFound
	}

	action := ActionSet
	switch {
	case opts.PrevIndex != 0 || opts.PrevValue != "":
		action = ActionCompareAndSwap
	case opts.PrevExist == PrevMustNot:
		action = ActionCreate
	case opts.PrevExist == PrevMust:
		action = ActionUpdate
	}
	return s.apply(action, parts, parent, existing, value, opts, index)
}

func (s *InMemory) apply(action Action, parts []string, parent, existing *memNode, value string, opts SetOptions, index uint64) (*Result, error) {
	s.index = index
	n := existing
	if n == nil {
		n = &memNode{name: parts[len(parts)-1], dir: opts.Dir, create: index}
		if opts.Dir {
			n.children = make(map[string]*memNode)
		}
		if parent != nil {
			parent.children[n.name] = n
		}
	}
	n.mod = index
	if !n.dir {
		n.value = value
	}
	if opts.TTL != nil {
		if *opts.TTL <= 0 {
			n.expires = time.Time{}
			n.ttl = 0
		} else {
			n.ttl = *opts.TTL
			n.expires = time.Now().Add(*opts.TTL)
			s.scheduleExpiry(parts, n.create, n.expires)
		}
	}
	key := normalKey(parts)
	ev := &Event{Action: action, Key: key, Value: n.value, Dir: n.dir, Mod: n.mod, Create: n.create}
	if !n.expires.IsZero() {
		d := time.Until(n.expires)
		ev.TTL = &d
	}
	s.publish(ev)
	return s.result(key, n, false, 1), nil
}

func (s *InMemory) scheduleExpiry(parts []string, create uint64, deadline time.Time) {
	time.AfterFunc(time.Until(deadline)+time.Millisecond, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		n := s.lookup(parts)
		if n == nil || n.create != create || n.expires.IsZero() || time.Now().Before(n.expires) {
			return
		}
		parent := s.lookup(parts[:len(parts)-1])
		delete(parent.children, parts[len(parts)-1])
		s.index++
		s.publish(&Event{
			Action:     ActionExpire,
			Key:        normalKey(parts),
			Dir:        n.dir,
			Mod:        s.index,
			Create:     s.index,
			PrevCreate: n.create,
		})
	})
}

func (s *InMemory) Delete(ctx context.Context, key string, opts DeleteOptions) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, ErrNotFile
	}
	parent := s.lookup(parts[:len(parts)-1])
	if parent == nil || !parent.dir {
		return nil, ErrNotFound
	}
	n := parent.children[parts[len(parts)-1]]
	if n == nil {
		return nil, ErrNotFound
	}
	if n.dir {
		if !opts.Dir && !opts.Recursive {
			return nil, ErrNotFile
		}
		if len(n.children) > 0 && !opts.Recursive {
			return nil, ErrNotEmpty
		}
	} else {
		if opts.PrevIndex != 0 && n.mod != opts.PrevIndex {
			return nil, ErrTestFailed
		}
		if opts.PrevValue != "" && n.value != opts.PrevValue {
			return nil, ErrTestFailed
		}
	}
	delete(parent.children, n.name)
	s.index++
	action := ActionDelete
	if opts.PrevIndex != 0 || opts.PrevValue != "" {
		action = ActionCompareAndDelete
	}
	s.publish(&Event{
		Action:     action,
		Key:        normalKey(parts),
		Dir:        n.dir,
		Mod:        s.index,
		Create:     s.index,
		PrevCreate: n.create,
	})
	return &Result{Key: normalKey(parts), Dir: n.dir, Mod: s.index, Create: n.create, Index: s.index}, nil
}

func (s *InMemory) publish(ev *Event) {
	s.history = append(s.history, ev)
	close(s.wakeup)
	s.wakeup = make(chan struct{})
}

// Watch returns a stream of all events under key (inclusive) with an
// index strictly greater than fromIndex.
func (s *InMemory) Watch(key string, fromIndex uint64, recursive bool) Watcher {
	return &memWatcher{store: s, key: key, after: fromIndex, recursive: recursive}
}

type memWatcher struct {
	store     *InMemory
	key       string
	after     uint64
	recursive bool
	pos       int
}

func (w *memWatcher) Next(ctx context.Context) (*Event, error) {
	for {
		w.store.mu.Lock()
		for ; w.pos < len(w.store.history); w.pos++ {
			ev := w.store.history[w.pos]
			if ev.Mod <= w.after {
				continue
			}
			if !watchMatches(w.key, ev.Key, w.recursive) {
				continue
			}
			w.pos++
			w.store.mu.Unlock()
			return ev, nil
		}
		if w.store.closed {
			w.store.mu.Unlock()
			return nil, ErrClosed
		}
		wakeup := w.store.wakeup
		w.store.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wakeup:
		}
	}
}

func watchMatches(watched, key string, recursive bool) bool {
	if watched == key {
		return true
	}
	if !recursive {
		return false
	}
	if watched == "/" {
		return true
	}
	return strings.HasPrefix(key, watched+"/")
}
