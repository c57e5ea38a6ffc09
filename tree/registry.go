package tree

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nicolagi/etctree/store"
)

// Kind selects which of the two descriptor slots of a pattern a
// registration or lookup refers to.
type Kind uint8

const (
	KindLeaf Kind = 1 << iota
	KindDir
	KindBoth = KindLeaf | KindDir
)

// A Descriptor tells the loader how to build nodes at the paths it is
// registered for. A nil Value makes it a directory descriptor.
type Descriptor struct {
	// Value decodes and encodes the leaf value. nil means directory.
	Value *ValueType

	// Pri orders materialisation when a directory is loaded: children
	// with higher-priority descriptors are built first, so that their
	// hooks can influence later type decisions.
	Pri int

	// Recursive requires the full subtree to be fetched before a node
	// of this descriptor is built.
	Recursive bool

	// Choose, when set, refines the decision based on the entry's
	// data. It may fail with NeedData or NeedRecursive to request a
	// re-read; it must not return nil without an error.
	Choose func(res *store.Result) (*Descriptor, error)

	// Hook runs before registered observers on every notification.
	Hook ObserverFunc

	// Propagate overrides the default escalation of updates to the
	// parent (true unless the entry name starts with the tag
	// sentinel).
	Propagate *bool

	// UpdateDelay overrides the coalescing window inherited from the
	// parent.
	UpdateDelay time.Duration

	// Types scopes registrations to directories built from this
	// descriptor, consulted after the directory's own registry.
	Types *Registry

	// InheritTypes overrides whether type resolution falls back to the
	// parent directory (default: true unless the entry is a tag).
	InheritTypes *bool
}

// IsDir reports whether the descriptor builds directories.
func (d *Descriptor) IsDir() bool { return d.Value == nil }

// LeafOf returns a plain leaf descriptor for the given value type.
func LeafOf(vt *ValueType) *Descriptor { return &Descriptor{Value: vt} }

// DirType is the default descriptor for directories.
var DirType = &Descriptor{}

// NeedData and NeedRecursive are returned by Choose functions to
// request the entry's first-level data, or its full subtree, before
// deciding. They never reach callers of the tree API.
func NeedData() error      { return errNeedData }
func NeedRecursive() error { return errNeedRecursive }

// Registry maps path patterns to descriptors. It is a trie over path
// segments; the segment "*" matches exactly one segment, and a final
// segment "**" matches one or more trailing segments. Literal matches
// beat "*" matches, which beat "**" matches.
//
// Registries are not safe for concurrent mutation; register everything
// before sharing one with a tree.
type Registry struct {
	children map[string]*Registry
	star     *Registry
	dstar    *Registry
	leafD    *Descriptor
	dirD     *Descriptor
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Step returns the subregistry at the given relative segments, creating
// trie nodes as needed. Registering into the result is equivalent to
// registering the prefixed pattern here.
func (r *Registry) Step(segments ...string) *Registry {
	for _, seg := range segments {
		switch seg {
		case "*":
			if r.star == nil {
				r.star = &Registry{}
			}
			r = r.star
		case "**":
			if r.dstar == nil {
				r.dstar = &Registry{}
			}
			r = r.dstar
		default:
			if r.children == nil {
				r.children = make(map[string]*Registry)
			}
			c, ok := r.children[seg]
			if !ok {
				c = &Registry{}
				r.children[seg] = c
			}
			r = c
		}
	}
	return r
}

// Mount attaches sub at pattern, so that its registrations apply with
// the pattern as prefix. The pattern position must be vacant.
func (r *Registry) Mount(pattern string, sub *Registry) error {
	segs, err := patternSegments(pattern)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return errors.New("cannot mount at the empty pattern")
	}
	parent := r.Step(segs[:len(segs)-1]...)
	last := segs[len(segs)-1]
	switch last {
	case "*":
		if parent.star != nil {
			return errors.Errorf("%q: already occupied", pattern)
		}
		parent.star = sub
	case "**":
		if parent.dstar != nil {
			return errors.Errorf("%q: already occupied", pattern)
		}
		parent.dstar = sub
	default:
		if parent.children == nil {
			parent.children = make(map[string]*Registry)
		}
		if parent.children[last] != nil {
			return errors.Errorf("%q: already occupied", pattern)
		}
		parent.children[last] = sub
	}
	return nil
}

func patternSegments(pattern string) ([]string, error) {
	if pattern == "" {
		return nil, nil
	}
	segs := strings.Split(pattern, "/")
	for i, seg := range segs {
		if seg == "" {
			return nil, errors.Errorf("pattern %q: empty segment", pattern)
		}
		if seg == "**" && i != len(segs)-1 {
			return nil, errors.Errorf("pattern %q: ** must be the last segment", pattern)
		}
	}
	return segs, nil
}

// Register installs a descriptor at a pattern for the given kind(s).
// Registering twice at the same pattern and kind is an error. The empty
// pattern registers for the registry's own position (used for the tree
// root).
func (r *Registry) Register(pattern string, kind Kind, d *Descriptor) error {
	if d == nil {
		return errors.New("nil descriptor")
	}
	segs, err := patternSegments(pattern)
	if err != nil {
		return err
	}
	node := r.Step(segs...)
	if kind&KindLeaf != 0 {
		if node.leafD != nil {
			return errors.Errorf("%q: leaf type already registered", pattern)
		}
		node.leafD = d
	}
	if kind&KindDir != 0 {
		if node.dirD != nil {
			return errors.Errorf("%q: directory type already registered", pattern)
		}
		node.dirD = d
	}
	return nil
}

// MustRegister is Register for static initialisation; it panics on a
// bad pattern or duplicate registration.
func (r *Registry) MustRegister(pattern string, kind Kind, d *Descriptor) {
	if err := r.Register(pattern, kind, d); err != nil {
		panic(err)
	}
}

func (r *Registry) kindD(kind Kind) *Descriptor {
	if kind == KindDir {
		return r.dirD
	}
	return r.leafD
}

// Lookup walks the trie for path and returns the best descriptor of the
// requested kind, or nil. Wildcards expand during the walk; at each
// step a literal match is preferred to "*", which is preferred to a
// live "**".
func (r *Registry) Lookup(path []string, kind Kind) *Descriptor {
	if len(path) == 0 {
		return r.kindD(kind)
	}
	if c, ok := r.children[path[0]]; ok {
		if d := c.Lookup(path[1:], kind); d != nil {
			return d
		}
	}
	if r.star != nil {
		if d := r.star.Lookup(path[1:], kind); d != nil {
			return d
		}
	}
	if r.dstar != nil {
		// "**" swallows all remaining segments.
		if d := r.dstar.kindD(kind); d != nil {
			return d
		}
	}
	return nil
}
