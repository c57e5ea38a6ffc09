package tree

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Walk resolves n if needed and visits it and every node below it,
// resolving placeholders on the way down. Sibling subtrees are walked
// concurrently, so fn must be safe for concurrent use; a nil fn just
// forces the subtree into memory.
func Walk(ctx context.Context, n Node, fn func(Node) error) error {
	n, err := n.Load(ctx)
	if err != nil {
		return err
	}
	if fn != nil {
		if err := fn(n); err != nil {
			return err
		}
	}
	d, ok := n.(*Dir)
	if !ok {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range d.Children() {
		c := c
		g.Go(func() error {
			return Walk(ctx, c, fn)
		})
	}
	return g.Wait()
}
