package tree

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/etctree/store"
)

// Placeholder stands in for a subtree that has not been loaded yet. It
// accepts child lookups (producing nested placeholders) and observer
// registrations; Load resolves it into a real node, carrying both
// over. A placeholder is never handed out by Load.
type Placeholder struct {
	base

	children map[string]*Placeholder
	done     Node // the resolved node, once there is one
}

func newPlaceholder(root *Root, parent Node, name string) *Placeholder {
	p := &Placeholder{children: make(map[string]*Placeholder)}
	p.init(p, root, parent, name)
	return p
}

func (p *Placeholder) IsDir() bool { return false }

// Child returns the placeholder for a child entry, creating it on
// first use. Whether the entry exists is only known after a Load.
func (p *Placeholder) Child(name string) *Placeholder {
	p.root.mu.Lock()
	defer p.root.mu.Unlock()
	c, ok := p.children[name]
	if !ok {
		c = newPlaceholder(p.root, p, name)
		p.children[name] = c
	}
	return c
}

// Load resolves the placeholder. Children of the resolved directory
// stay lazy.
func (p *Placeholder) Load(ctx context.Context) (Node, error) {
	return p.load(ctx, nil, false, nil)
}

// load is the resolution algorithm. pre carries already-fetched data
// for the entry when the caller has any, with haveRec telling whether
// it includes the full subtree; eager is handed through to the fill of
// a resolved directory.
func (p *Placeholder) load(ctx context.Context, pre *store.Result, haveRec bool, eager *bool) (Node, error) {
	p.root.mu.Lock()
	if p.done != nil {
		n := p.done
		p.root.mu.Unlock()
		return n, nil
	}
	parent := p.parent
	p.root.mu.Unlock()

	if pp, ok := parent.(*Placeholder); ok {
		if _, err := pp.load(ctx, nil, false, nil); err != nil {
			return nil, err
		}
		// Resolving the parent re-seated us under the resolved node
		// (or resolved us outright when the parent had recursive
		// data).
		p.root.mu.Lock()
		if p.done != nil {
			n := p.done
			p.root.mu.Unlock()
			return n, nil
		}
		parent = p.parent
		p.root.mu.Unlock()
	}
	pd, ok := parent.(*Dir)
	if !ok {
		// The parent resolved into a leaf; there is nothing below it.
		return nil, errors.Wrap(store.ErrNotFound, p.Path())
	}

	pd.resolveMu.Lock()
	defer pd.resolveMu.Unlock()

	p.root.mu.Lock()
	if p.done != nil {
		n := p.done
		p.root.mu.Unlock()
		return n, nil
	}
	cur := pd.children[p.name]
	p.root.mu.Unlock()
	if cur != nil && cur != Node(p) {
		if other, ok := cur.(*Placeholder); ok {
			return other.load(ctx, pre, haveRec, eager)
		}
		p.root.mu.Lock()
		p.done = cur
		p.root.mu.Unlock()
		return cur, nil
	}

	key := p.Path()
	res := pre
	hr := haveRec
	if res == nil {
		var err error
		res, err = p.root.st.Read(ctx, key, false)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				p.remove(pd)
			}
			return nil, errors.Wrap(err, key)
		}
		hr = false
	}

	kind := KindLeaf
	if res.Dir {
		kind = KindDir
	}
	var desc *Descriptor
	for {
		var err error
		desc, err = pd.subtype([]string{p.name}, kind, res, hr)
		if err == errNeedData {
			r2, rerr := p.root.st.Read(ctx, key, false)
			if rerr != nil {
				return nil, errors.Wrap(rerr, key)
			}
			res, hr = r2, false
			continue
		}
		if err == errNeedRecursive {
			r2, rerr := p.root.st.Read(ctx, key, true)
			if rerr != nil {
				return nil, errors.Wrap(rerr, key)
			}
			res, hr = r2, true
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if res.Dir && desc.Recursive && !hr {
		r2, err := p.root.st.Read(ctx, key, true)
		if err != nil {
			return nil, errors.Wrap(err, key)
		}
		res, hr = r2, true
	}

	log.WithFields(log.Fields{
		"path": key,
		"dir":  res.Dir,
	}).Debug("Resolving placeholder")

	if !res.Dir {
		if desc.Value == nil {
			return nil, errors.Wrapf(ErrTypeMismatch, "%s: directory type for a value entry", key)
		}
		v, err := desc.Value.Decode(res.Value)
		if err != nil {
			return nil, errors.Wrap(err, key)
		}
		leaf := newLeaf(p.root, pd, p.name, desc)
		leaf.value = v
		leaf.setMeta(res.Mod, res.Create, res.TTL)
		p.root.mu.Lock()
		if n, gone := p.vanished(pd, cur); gone {
			p.root.mu.Unlock()
			if n != nil {
				return n, nil
			}
			return nil, errors.Wrap(store.ErrNotFound, key)
		}
		p.transplantObservers(&leaf.base)
		pd.insertChild(leaf, cur == nil)
		p.done = leaf
		leaf.updated(0)
		p.root.mu.Unlock()
		return leaf, nil
	}

	dir := newDir(p.root, pd, p.name, desc)
	dir.setMeta(res.Mod, res.Create, res.TTL)
	p.root.mu.Lock()
	p.transplantObservers(&dir.base)
	for name, c := range p.children {
		c.parent = dir
		dir.children[name] = c
	}
	p.children = nil
	p.root.mu.Unlock()
	if err := dir.fill(ctx, res, hr, eager); err != nil {
		return nil, err
	}
	p.root.mu.Lock()
	if n, gone := p.vanished(pd, cur); gone {
		p.root.mu.Unlock()
		if n != nil {
			return n, nil
		}
		return nil, errors.Wrap(store.ErrNotFound, key)
	}
	pd.insertChild(dir, cur == nil)
	p.done = dir
	dir.updated(0)
	p.root.mu.Unlock()
	return dir, nil
}

// vanished detects that the entry changed hands while the resolve was
// off doing store reads: a watch event deleted the placeholder, or
// materialised the entry itself. Returns what to hand out instead.
func (p *Placeholder) vanished(pd *Dir, cur Node) (Node, bool) {
	now := pd.children[p.name]
	if now == cur || now == Node(p) {
		return nil, false
	}
	if now == nil {
		return nil, true
	}
	if _, isPh := now.(*Placeholder); isPh {
		return nil, true
	}
	p.done = now
	return now, true
}

// transplantObservers moves the placeholder's monitors onto the
// resolved node, keeping their registration order.
func (p *Placeholder) transplantObservers(to *base) {
	for _, m := range p.observers {
		m.node = to
	}
	to.observers = append(to.observers, p.observers...)
	p.observers = nil
}

// remove drops a definitively absent placeholder from its parent.
func (p *Placeholder) remove(pd *Dir) {
	p.root.mu.Lock()
	defer p.root.mu.Unlock()
	if pd.children[p.name] == Node(p) {
		delete(pd.children, p.name)
		delete(pd.added, p.name)
	}
}
