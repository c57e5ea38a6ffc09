package tree

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/etctree/store"
)

var defaultLeaf = &Descriptor{Value: StringValue}

// Dir is a directory node: a mapping from child name to node.
type Dir struct {
	base

	children map[string]Node
	added    map[string]struct{}
	removed  map[string]struct{}

	// types holds registrations local to this directory, consulted
	// before the descriptor's registry and the parent chain.
	types        *Registry
	inheritTypes bool

	// resolveMu serialises placeholder resolution under this
	// directory. Nothing else acquires it.
	resolveMu sync.Mutex
}

func newDir(root *Root, parent Node, name string, desc *Descriptor) *Dir {
	d := &Dir{
		children: make(map[string]Node),
		added:    make(map[string]struct{}),
		removed:  make(map[string]struct{}),
	}
	d.init(d, root, parent, name)
	d.applyDescriptor(desc)
	d.inheritTypes = name == "" || name[0] != TagSentinel
	if desc != nil && desc.InheritTypes != nil {
		d.inheritTypes = *desc.InheritTypes
	}
	return d
}

func (d *Dir) IsDir() bool { return true }

// Register installs a type override local to this directory, shadowing
// inherited registrations for matching paths below it.
func (d *Dir) Register(pattern string, kind Kind, desc *Descriptor) error {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	if d.types == nil {
		d.types = NewRegistry()
	}
	return d.types.Register(pattern, kind, desc)
}

// Get returns the child for the given name, which may be an unresolved
// placeholder.
func (d *Dir) Get(name string) (Node, error) {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	n, ok := d.children[name]
	if !ok {
		return nil, errors.Wrap(store.ErrNotFound, d.childPath(name))
	}
	return n, nil
}

// Lookup walks the given segments without suspending. It fails with
// ErrNotLoaded when it runs into a placeholder.
func (d *Dir) Lookup(path ...string) (Node, error) {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	var n Node = d
	for i, seg := range path {
		dir, ok := n.(*Dir)
		if !ok {
			if _, isPh := n.(*Placeholder); isPh {
				return nil, errors.Wrap(ErrNotLoaded, strings.Join(path[:i], "/"))
			}
			return nil, errors.Wrap(store.ErrNotFound, strings.Join(path[:i+1], "/"))
		}
		c, ok := dir.children[seg]
		if !ok {
			return nil, errors.Wrap(store.ErrNotFound, strings.Join(path[:i+1], "/"))
		}
		n = c
	}
	if _, isPh := n.(*Placeholder); isPh {
		return nil, errors.Wrap(ErrNotLoaded, strings.Join(path, "/"))
	}
	return n, nil
}

// Fetch walks the given segments, resolving placeholders as needed.
func (d *Dir) Fetch(ctx context.Context, path ...string) (Node, error) {
	var n Node = d
	for i, seg := range path {
		loaded, err := n.Load(ctx)
		if err != nil {
			return nil, err
		}
		dir, ok := loaded.(*Dir)
		if !ok {
			return nil, errors.Wrap(store.ErrNotFound, strings.Join(path[:i+1], "/"))
		}
		c, err := dir.Get(seg)
		if err != nil {
			return nil, err
		}
		n = c
	}
	return n.Load(ctx)
}

// Keys returns the current child names in order.
func (d *Dir) Keys() []string {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	return d.childNames()
}

// Children returns the current children, sorted by name. Some may be
// placeholders.
func (d *Dir) Children() []Node {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	return d.childList()
}

func (d *Dir) childNames() []string {
	names := make([]string, 0, len(d.children))
	for name := range d.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dir) childList() []Node {
	nodes := make([]Node, 0, len(d.children))
	for _, name := range d.childNames() {
		nodes = append(nodes, d.children[name])
	}
	return nodes
}

func (d *Dir) childPath(name string) string {
	return d.root.key(append(append([]string(nil), d.path...), name))
}

// insertChild publishes a new child. announce marks the name as added
// for the next observer run; replacing a placeholder is not announced
// again. Tag entries notify the parent directly since their own update
// runs never escalate.
func (d *Dir) insertChild(n Node, announce bool) {
	nb := n.nb()
	d.children[nb.name] = n
	if announce {
		d.added[nb.name] = struct{}{}
	}
	if !nb.propagate {
		d.updated(nb.mod)
	}
}

// dropChild detaches a child and fires deletion notifications over its
// subtree, deepest first.
func (d *Dir) dropChild(name string, seq uint64) {
	n, ok := d.children[name]
	if !ok {
		return
	}
	delete(d.children, name)
	d.removed[name] = struct{}{}
	dropTree(n, seq)
}

func dropTree(n Node, seq uint64) {
	if sub, ok := n.(*Dir); ok {
		for _, name := range sub.childNames() {
			sub.dropChild(name, seq)
		}
	}
	n.nb().dropped(seq)
}

// subtype decides the descriptor for the entry at rel, a path relative
// to this directory. res carries whatever data is known about the
// entry; haveRec tells whether it includes the full subtree. It can
// fail with the loader's re-read signals.
func (d *Dir) subtype(rel []string, kind Kind, res *store.Result, haveRec bool) (*Descriptor, error) {
	var found *Descriptor
	if d.types != nil {
		found = d.types.Lookup(rel, kind)
	}
	if found == nil && d.desc != nil && d.desc.Types != nil {
		found = d.desc.Types.Lookup(rel, kind)
	}
	if found == nil && d.inheritTypes && d.parent != nil {
		if pd, ok := d.parent.(*Dir); ok {
			return pd.subtype(append([]string{d.name}, rel...), kind, res, haveRec)
		}
	}
	if found == nil {
		if kind == KindDir {
			found = DirType
		} else {
			found = defaultLeaf
		}
	}
	if found.Choose != nil {
		chosen, err := found.Choose(res)
		if err != nil {
			return nil, err
		}
		if chosen == nil {
			return nil, errors.Errorf("%s: type chooser returned nothing", d.childPath(rel[0]))
		}
		found = chosen
	}
	return found, nil
}

// readChild re-reads one child on behalf of a type decision that asked
// for more data.
func (d *Dir) readChild(ctx context.Context, name string, recursive bool) (*store.Result, error) {
	return d.root.st.Read(ctx, d.childPath(name), recursive)
}

// fill materialises the children listed in res, highest-priority
// descriptors first so their hooks can influence later type decisions.
// haveRec tells whether res carries the full subtree. eager selects
// what happens to the children: nil leaves them as placeholders unless
// res already carries their subtree (haveRec) or their descriptor is
// Recursive; otherwise they are resolved now (from res where it holds
// their data, else with their own reads).
//
// fill does store reads and must not be entered holding the tree lock;
// it acquires it for the mutating stretches.
func (d *Dir) fill(ctx context.Context, res *store.Result, haveRec bool, eager *bool) error {
	type pending struct {
		res     *store.Result
		haveRec bool
	}
	todo := make(map[string]pending)
	for _, c := range res.Nodes {
		todo[c.Name()] = pending{res: c, haveRec: haveRec}
	}
	for len(todo) > 0 {
		type decided struct {
			name string
			pending
			desc *Descriptor
		}
		var round []decided
		maxPri := 0
		names := make([]string, 0, len(todo))
		for name := range todo {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := todo[name]
			kind := KindLeaf
			if p.res.Dir {
				kind = KindDir
			}
			var desc *Descriptor
			for {
				var err error
				desc, err = d.subtype([]string{name}, kind, p.res, p.haveRec)
				if err == errNeedData {
					c, rerr := d.readChild(ctx, name, false)
					if rerr != nil {
						return rerr
					}
					p = pending{res: c, haveRec: false}
					todo[name] = p
					continue
				}
				if err == errNeedRecursive {
					c, rerr := d.readChild(ctx, name, true)
					if rerr != nil {
						return rerr
					}
					p = pending{res: c, haveRec: true}
					todo[name] = p
					continue
				}
				if err != nil {
					return err
				}
				break
			}
			if len(round) == 0 || desc.Pri > maxPri {
				round = round[:0]
				maxPri = desc.Pri
			} else if desc.Pri < maxPri {
				continue
			}
			round = append(round, decided{name: name, pending: p, desc: desc})
		}

		d.root.mu.Lock()
		for _, it := range round {
			if _, ok := d.children[it.name]; !ok {
				d.children[it.name] = newPlaceholder(d.root, d, it.name)
			}
			d.added[it.name] = struct{}{}
		}
		d.root.mu.Unlock()

		for _, it := range round {
			delete(todo, it.name)
			if eager == nil && !it.desc.Recursive && !it.haveRec {
				continue // stays lazy
			}
			d.root.mu.Lock()
			child := d.children[it.name]
			d.root.mu.Unlock()
			ph, ok := child.(*Placeholder)
			if !ok {
				continue // already resolved
			}
			pre := it.res
			if it.res.Dir && !it.haveRec {
				pre = nil // a bare listing entry, load reads it itself
			}
			if _, err := ph.load(ctx, pre, it.haveRec, eager); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue // raced with a deletion
				}
				return err
			}
		}

		if len(todo) > 0 {
			// Let this round's hooks run before deciding the rest.
			d.root.mu.Lock()
			d.forceUpdated(false)
			d.root.mu.Unlock()
		}
	}
	if haveRec {
		// With the full subtree in hand nothing may stay lazy.
		d.root.mu.Lock()
		for name, c := range d.children {
			if _, ok := c.(*Placeholder); ok {
				delete(d.children, name)
			}
		}
		d.root.mu.Unlock()
	}
	return nil
}

// Set creates or updates the entry key below this directory. A mapping
// value creates or updates a whole subtree; scalars write single
// leaves. Replacing an existing leaf with a mapping, or an existing
// directory with a scalar, fails with ErrTypeMismatch. Returns the
// final write's index.
func (d *Dir) Set(ctx context.Context, key string, value interface{}, opts ...WriteOption) (uint64, error) {
	o := newWriteOptions(opts)
	mod, err := d.set(ctx, key, value, o)
	if err != nil {
		return 0, err
	}
	if o.sync && mod != 0 {
		if err := d.root.Wait(ctx, mod); err != nil {
			return mod, err
		}
	}
	return mod, nil
}

func (d *Dir) set(ctx context.Context, key string, value interface{}, o writeOptions) (uint64, error) {
	d.root.mu.Lock()
	existing := d.children[key]
	d.root.mu.Unlock()
	if ph, ok := existing.(*Placeholder); ok {
		n, err := ph.Load(ctx)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
		existing = n
	}
	switch n := existing.(type) {
	case *Leaf:
		if _, isMap := value.(map[string]interface{}); isMap {
			return 0, errors.Wrapf(ErrTypeMismatch, "%s: mapping over leaf", n.Path())
		}
		if !o.replace {
			return 0, nil
		}
		leafOpts := []WriteOption{WithoutSync()}
		if o.ttl != nil {
			leafOpts = append(leafOpts, WithTTL(*o.ttl))
		}
		return n.Set(ctx, value, leafOpts...)
	case *Dir:
		m, isMap := value.(map[string]interface{})
		if !isMap {
			return 0, errors.Wrapf(ErrTypeMismatch, "%s: scalar over directory", n.Path())
		}
		var mod uint64
		for _, k := range sortedMapKeys(m) {
			sub, err := n.set(ctx, k, m[k], o)
			if err != nil {
				return 0, err
			}
			if sub != 0 {
				mod = sub
			}
		}
		return mod, nil
	}
	return d.setNew(ctx, []string{key}, value, o)
}

func (d *Dir) setNew(ctx context.Context, rel []string, value interface{}, o writeOptions) (uint64, error) {
	if m, ok := value.(map[string]interface{}); ok {
		if len(m) == 0 {
			res, err := d.root.write(ctx, d.relKey(rel), "", store.SetOptions{
				Dir:       true,
				PrevExist: store.PrevMustNot,
				TTL:       o.ttl,
			})
			if err != nil {
				return 0, err
			}
			return res.Mod, nil
		}
		var mod uint64
		for _, k := range sortedMapKeys(m) {
			sub, err := d.setNew(ctx, append(rel, k), m[k], o)
			if err != nil {
				return 0, err
			}
			if sub != 0 {
				mod = sub
			}
		}
		return mod, nil
	}
	desc, err := d.subtype(rel, KindLeaf, nil, false)
	if err != nil {
		return 0, errors.Wrapf(err, "%s: cannot decide value type", d.relKey(rel))
	}
	s, err := desc.Value.Encode(value)
	if err != nil {
		return 0, err
	}
	res, err := d.root.write(ctx, d.relKey(rel), s, store.SetOptions{TTL: o.ttl})
	if err != nil {
		return 0, err
	}
	return res.Mod, nil
}

func (d *Dir) relKey(rel []string) string {
	return d.root.key(append(append([]string(nil), d.path...), rel...))
}

func sortedMapKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Append writes value under a store-assigned, monotonically increasing
// name and returns that name alongside the write's index.
func (d *Dir) Append(ctx context.Context, value interface{}, opts ...WriteOption) (string, uint64, error) {
	o := newWriteOptions(opts)
	var name string
	var mod uint64
	if m, ok := value.(map[string]interface{}); ok {
		res, err := d.root.write(ctx, d.Path(), "", store.SetOptions{Append: true, Dir: true})
		if err != nil {
			return "", 0, err
		}
		name, mod = lastSegment(res.Key), res.Mod
		for _, k := range sortedMapKeys(m) {
			sub, err := d.setNew(ctx, []string{name, k}, m[k], o)
			if err != nil {
				return name, 0, err
			}
			if sub != 0 {
				mod = sub
			}
		}
	} else {
		desc, err := d.subtype([]string{"0"}, KindLeaf, nil, false)
		if err != nil {
			return "", 0, errors.Wrapf(err, "%s: cannot decide value type", d.Path())
		}
		s, err := desc.Value.Encode(value)
		if err != nil {
			return "", 0, err
		}
		res, err := d.root.write(ctx, d.Path(), s, store.SetOptions{Append: true, TTL: o.ttl})
		if err != nil {
			return "", 0, err
		}
		name, mod = lastSegment(res.Key), res.Mod
	}
	if o.sync {
		if err := d.root.Wait(ctx, mod); err != nil {
			return name, mod, err
		}
	}
	return name, mod, nil
}

func lastSegment(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// Update is batched Set: every entry of values is written, and only the
// final write is awaited.
func (d *Dir) Update(ctx context.Context, values map[string]interface{}, opts ...WriteOption) (uint64, error) {
	o := newWriteOptions(opts)
	var mod uint64
	for _, k := range sortedMapKeys(values) {
		sub, err := d.set(ctx, k, values[k], o)
		if err != nil {
			return 0, err
		}
		if sub != 0 {
			mod = sub
		}
	}
	if o.sync && mod != 0 {
		if err := d.root.Wait(ctx, mod); err != nil {
			return mod, err
		}
	}
	return mod, nil
}

// Delete removes this directory. Without WithRecursive the store
// refuses to delete a non-empty directory; WithRecursive(false) refuses
// locally, WithRecursive(true) deletes the loaded subtree depth-first
// before removing the directory itself.
func (d *Dir) Delete(ctx context.Context, opts ...WriteOption) (uint64, error) {
	if d.parent == nil {
		return 0, errors.New("cannot delete the root")
	}
	o := newWriteOptions(opts)
	if o.recursive != nil && !*o.recursive {
		d.root.mu.Lock()
		n := len(d.children)
		d.root.mu.Unlock()
		if n > 0 {
			return 0, errors.Wrap(store.ErrNotEmpty, d.Path())
		}
	}
	if o.recursive != nil && *o.recursive {
		for _, c := range d.Children() {
			switch n := c.(type) {
			case *Dir:
				if _, err := n.Delete(ctx, opts...); err != nil && !errors.Is(err, store.ErrNotFound) {
					return 0, err
				}
			case *Leaf:
				if _, err := n.Delete(ctx, opts...); err != nil && !errors.Is(err, store.ErrNotFound) {
					return 0, err
				}
			}
		}
	}
	res, err := d.root.delete(ctx, d.Path(), store.DeleteOptions{
		Dir:       true,
		Recursive: o.recursive != nil && *o.recursive,
	})
	if err != nil {
		return 0, err
	}
	if o.sync {
		if err := d.root.Wait(ctx, res.Mod); err != nil {
			return res.Mod, err
		}
	}
	return res.Mod, nil
}

// DeleteChild removes the named entry, resolving it first if needed.
func (d *Dir) DeleteChild(ctx context.Context, name string, opts ...WriteOption) (uint64, error) {
	c, err := d.Get(name)
	if err != nil {
		return 0, err
	}
	c, err = c.Load(ctx)
	if err != nil {
		return 0, err
	}
	switch n := c.(type) {
	case *Dir:
		return n.Delete(ctx, opts...)
	case *Leaf:
		return n.Delete(ctx, opts...)
	}
	return 0, errors.Wrap(store.ErrNotFound, d.childPath(name))
}

// SetTTL (re)sets the directory's expiry.
func (d *Dir) SetTTL(ctx context.Context, ttl time.Duration, opts ...WriteOption) (uint64, error) {
	return d.writeTTL(ctx, &ttl, opts)
}

// DeleteTTL clears the directory's expiry.
func (d *Dir) DeleteTTL(ctx context.Context, opts ...WriteOption) (uint64, error) {
	var zero time.Duration
	return d.writeTTL(ctx, &zero, opts)
}

func (d *Dir) writeTTL(ctx context.Context, ttl *time.Duration, opts []WriteOption) (uint64, error) {
	o := newWriteOptions(opts)
	res, err := d.root.write(ctx, d.Path(), "", store.SetOptions{
		Dir:       true,
		PrevExist: store.PrevMust,
		TTL:       ttl,
	})
	if err != nil {
		return 0, err
	}
	if o.sync {
		if err := d.root.Wait(ctx, res.Mod); err != nil {
			return res.Mod, err
		}
	}
	return res.Mod, nil
}

// Subdir finds the directory at the slash-separated path below this
// one, resolving placeholders on the way. With WithCreate(true) the
// target must not exist yet and is created; with WithCreate(false) it
// must exist; without either it is created when missing.
func (d *Dir) Subdir(ctx context.Context, path string, opts ...SubdirOption) (Node, error) {
	var so subdirOptions
	for _, opt := range opts {
		opt(&so)
	}
	segs, err := splitRel(path)
	if err != nil {
		return nil, err
	}
	n, err := d.Fetch(ctx, segs...)
	if err == nil {
		if so.create != nil && *so.create {
			return nil, errors.Wrap(store.ErrExist, n.Path())
		}
		return n, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if so.create != nil && !*so.create {
		return nil, err
	}
	log.WithField("path", d.relKey(segs)).Debug("Creating subdir")
	res, werr := d.root.write(ctx, d.relKey(segs), "", store.SetOptions{Dir: true, PrevExist: store.PrevMustNot})
	switch {
	case werr == nil:
		if err := d.root.Wait(ctx, res.Mod); err != nil {
			return nil, err
		}
	case errors.Is(werr, store.ErrExist):
		// Raced with another creator; that's as good as ours.
		if err := d.root.Wait(ctx, 0); err != nil {
			return nil, err
		}
	default:
		return nil, werr
	}
	return d.Fetch(ctx, segs...)
}

// A SubdirOption tweaks Subdir.
type SubdirOption func(*subdirOptions)

type subdirOptions struct {
	create *bool
}

// WithCreate demands creation (true: the path must not exist yet) or
// pre-existence (false).
func WithCreate(create bool) SubdirOption {
	return func(o *subdirOptions) { o.create = &create }
}

func splitRel(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, "/")
	for _, seg := range segs {
		if seg == "" {
			return nil, errors.Errorf("path %q: empty segment", path)
		}
	}
	return segs, nil
}

// ThrowAway demotes this directory back to a placeholder, releasing the
// memory held by its subtree. Observers on the subtree are lost; the
// placeholder reloads on the next await. The root cannot be thrown
// away.
func (d *Dir) ThrowAway() (*Placeholder, error) {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	if d.parent == nil {
		return nil, errors.New("cannot throw away the root")
	}
	pd, ok := d.parent.(*Dir)
	if !ok {
		return nil, errors.New("parent is not loaded")
	}
	hadPending := d.later != nsClean
	seq := d.pendingSeq
	cancelTree(d)
	ph := newPlaceholder(d.root, pd, d.name)
	pd.children[d.name] = ph
	if hadPending && d.propagate {
		// The pending run had blocked the ancestor chain; release it.
		pd.childDone(seq)
	}
	return ph, nil
}

// cancelTree silences a detached subtree: timers are cancelled and
// ready is asserted so nobody blocks on nodes that will never fire.
func cancelTree(n Node) {
	b := n.nb()
	b.cancelTimer()
	b.later = nsClean
	b.blocked = 0
	b.setReady()
	if d, ok := n.(*Dir); ok {
		for _, c := range d.childList() {
			cancelTree(c)
		}
	}
}
