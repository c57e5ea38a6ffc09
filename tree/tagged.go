package tree

import (
	"context"

	"github.com/pkg/errors"
)

// A TagIter lazily enumerates descendants that are tag entries,
// resolving placeholders as it descends. Tag entries themselves are
// never descended into.
type TagIter struct {
	tag   string // empty: any tag entry
	depth int
	stack []tagFrame
	out   []Node
	err   error
}

type tagFrame struct {
	node  Node
	depth int
}

// Tagged returns an iterator over descendants whose name equals tag,
// which must start with the tag sentinel. A non-zero depth limits how
// many levels down the search goes.
func (d *Dir) Tagged(tag string, depth int) *TagIter {
	it := &TagIter{tag: tag, depth: depth, stack: []tagFrame{{node: d}}}
	if tag == "" || tag[0] != TagSentinel {
		it.err = errors.Errorf("tag %q: missing sentinel", tag)
	}
	return it
}

// TaggedAny is Tagged for any tag entry, whatever its name.
func (d *Dir) TaggedAny(depth int) *TagIter {
	return &TagIter{depth: depth, stack: []tagFrame{{node: d}}}
}

// Next returns the next matching node, resolving it if necessary, or
// (nil, nil) once the traversal is exhausted.
func (it *TagIter) Next(ctx context.Context) (Node, error) {
	if it.err != nil {
		return nil, it.err
	}
	for len(it.out) == 0 {
		if len(it.stack) == 0 {
			return nil, nil
		}
		f := it.stack[len(it.stack)-1]
		it.stack = it.stack[:len(it.stack)-1]
		n, err := f.node.Load(ctx)
		if err != nil {
			return nil, err
		}
		d, ok := n.(*Dir)
		if !ok {
			continue
		}
		depth := f.depth + 1
		for _, name := range d.Keys() {
			child, err := d.Get(name)
			if err != nil {
				continue // raced with a deletion
			}
			tagged := name[0] == TagSentinel
			match := name == it.tag
			if it.tag == "" {
				match = tagged
			}
			switch {
			case match:
				if it.depth == 0 || depth <= it.depth {
					it.out = append(it.out, child)
				}
			case tagged:
				// other tags are opaque
			case it.depth != 0 && it.depth <= depth:
				// too deep to matter
			default:
				if child.IsDir() {
					it.stack = append(it.stack, tagFrame{node: child, depth: depth})
				} else if _, isPh := child.(*Placeholder); isPh {
					it.stack = append(it.stack, tagFrame{node: child, depth: depth})
				}
			}
		}
	}
	n := it.out[len(it.out)-1]
	it.out = it.out[:len(it.out)-1]
	return n.Load(ctx)
}
