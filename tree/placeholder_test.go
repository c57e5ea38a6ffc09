package tree

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicolagi/etctree/store"
)

func TestPlaceholderConcurrentLoads(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, map[string]string{"/t/d/k": "v"})
	root := openTree(t, s, LoadLazily())

	d, err := root.Get("d")
	require.Nil(t, err)
	ph := d.(*Placeholder)

	const loaders = 8
	results := make([]Node, loaders)
	var wg sync.WaitGroup
	wg.Add(loaders)
	for i := 0; i < loaders; i++ {
		go func(i int) {
			defer wg.Done()
			n, err := ph.Load(ctx)
			if err != nil {
				t.Errorf("load %d: %v", i, err)
				return
			}
			results[i] = n
		}(i)
	}
	wg.Wait()
	for i := 1; i < loaders; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestPlaceholderNotFound(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, map[string]string{"/t/d/k": "v"})
	root := openTree(t, s, LoadLazily())

	d, err := root.Get("d")
	require.Nil(t, err)
	missing := d.(*Placeholder).Child("nope")
	_, err = missing.Load(ctx)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	// The parent resolved along the way; the dead placeholder is not
	// part of it.
	loaded, err := d.Load(ctx)
	require.Nil(t, err)
	assert.Equal(t, []string{"k"}, loaded.(*Dir).Keys())
}

func TestPlaceholderKeepsObservers(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, map[string]string{"/t/d/k": "v"})
	root := openTree(t, s, LoadLazily())

	d, err := root.Get("d")
	require.Nil(t, err)
	var rec recorder
	d.Subscribe(rec.observe)

	loaded, err := d.Load(ctx)
	require.Nil(t, err)
	require.Nil(t, WaitReady(ctx, loaded))

	calls := rec.snapshot()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, StateNew, last.State)
	assert.Equal(t, []string{"k"}, last.Added)
	assert.Same(t, loaded, last.Node)
}

func TestPlaceholderChildOfValue(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, map[string]string{"/t/leaf": "v"})
	root := openTree(t, s, LoadLazily())

	// /t/leaf is a value; a speculative placeholder below it resolves
	// to nothing.
	l, err := root.Get("leaf")
	require.Nil(t, err)
	below := l.(*Placeholder).Child("below")
	_, err = below.Load(ctx)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	// The leaf itself is fine.
	n, err := l.Load(ctx)
	require.Nil(t, err)
	assert.Equal(t, "v", leafValue(t, n))
}

func TestRecursiveDescriptorLoadsSubtree(t *testing.T) {
	ctx := context.Background()
	types := NewRegistry()
	types.MustRegister("d", KindDir, &Descriptor{Recursive: true})
	s := seedStore(t, map[string]string{"/t/d/a/b": "v"})
	root := openTree(t, s, LoadLazily(), WithTypes(types))

	d, err := root.Get("d")
	require.Nil(t, err)
	loaded, err := d.Load(ctx)
	require.Nil(t, err)

	// With a Recursive descriptor the whole subtree came in one read;
	// nothing below is a placeholder.
	n, err := loaded.(*Dir).Lookup("a", "b")
	require.Nil(t, err)
	assert.Equal(t, "v", leafValue(t, n))
}

func TestChooserNeedsData(t *testing.T) {
	ctx := context.Background()
	// The dir descriptor cannot be decided from a bare listing entry:
	// it wants the first-level children, forcing a re-read.
	var sawListing bool
	plainDir := &Descriptor{}
	types := NewRegistry()
	types.MustRegister("d", KindDir, &Descriptor{
		Choose: func(res *store.Result) (*Descriptor, error) {
			if res == nil || (res.Dir && len(res.Nodes) == 0) {
				return nil, NeedData()
			}
			sawListing = true
			return plainDir, nil
		},
	})
	types.MustRegister("d/k", KindLeaf, LeafOf(IntValue))
	s := seedStore(t, map[string]string{"/t/d/k": "7"})
	root := openTree(t, s, LoadLazily(), WithTypes(types))

	n, err := root.Fetch(ctx, "d", "k")
	require.Nil(t, err)
	assert.Equal(t, int64(7), leafValue(t, n))
	assert.True(t, sawListing, "the chooser decided from re-read data")
}
