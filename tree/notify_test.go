package tree

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects observer calls; callbacks run with the tree lock
// held, so the recorder needs its own.
type recorder struct {
	mu    sync.Mutex
	calls []Update
}

func (r *recorder) observe(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, u)
}

func (r *recorder) snapshot() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.calls...)
}

func TestCoalescedObserver(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, map[string]string{"/t/seed": "s"})
	root := openTree(t, s)
	require.Nil(t, WaitReady(ctx, root)) // let the initial notification fire

	var rec recorder
	root.Subscribe(rec.observe)
	initial := len(rec.snapshot()) // the synchronous subscription call

	_, err := root.Set(ctx, "a", "1", WithoutSync())
	require.Nil(t, err)
	_, err = root.Set(ctx, "b", "2", WithoutSync())
	require.Nil(t, err)
	_, err = root.Set(ctx, "a", "3", WithoutSync())
	require.Nil(t, err)
	require.Nil(t, root.Wait(ctx, 0))

	// The leaf exists now but has not fired yet; watch its one call.
	var leafRec recorder
	a := mustLookup(t, root, "a").(*Leaf)
	a.Subscribe(leafRec.observe)

	require.Nil(t, WaitReady(ctx, a))
	require.Nil(t, WaitReady(ctx, root))

	calls := rec.snapshot()[initial:]
	require.Len(t, calls, 1, "root observer runs once per burst")
	assert.Equal(t, []string{"a", "b"}, calls[0].Added)
	assert.Empty(t, calls[0].Removed)

	leafCalls := leafRec.snapshot()
	require.Len(t, leafCalls, 1)
	assert.Equal(t, StateNew, leafCalls[0].State)
	assert.Equal(t, "3", a.Value())
}

func TestSubscribeSeesCurrentChildren(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, map[string]string{"/t/x": "1", "/t/y": "2"})
	root := openTree(t, s)
	require.Nil(t, WaitReady(ctx, root))

	var rec recorder
	root.Subscribe(rec.observe)
	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"x", "y"}, calls[0].Added)
}

func TestDeletionFiresUpward(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, map[string]string{"/t/a/b/c": "v"})
	root := openTree(t, s)
	require.Nil(t, WaitReady(ctx, root))

	var mu sync.Mutex
	var order []string
	var removedAtB []string
	watch := func(name string, n Node) {
		n.Subscribe(func(u Update) {
			mu.Lock()
			defer mu.Unlock()
			if u.State == StateUpdated || u.State == StateDeleted {
				order = append(order, name)
			}
			if name == "b" {
				removedAtB = append(removedAtB, u.Removed...)
			}
		})
	}
	watch("root", root)
	watch("a", mustLookup(t, root, "a"))
	watch("b", mustLookup(t, root, "a", "b"))

	c := mustLookup(t, root, "a", "b", "c").(*Leaf)
	_, err := c.Delete(ctx)
	require.Nil(t, err)
	require.Nil(t, WaitReady(ctx, root))
	require.Nil(t, WaitReady(ctx, mustLookup(t, root, "a")))

	mu.Lock()
	defer mu.Unlock()
	// Subscription calls fire synchronously and carry the full child
	// set; they were recorded as "updated" too, so drop leading ones
	// by looking at the causal tail.
	require.GreaterOrEqual(t, len(order), 3)
	tail := order[len(order)-3:]
	assert.Equal(t, []string{"b", "a", "root"}, tail)
	assert.Contains(t, removedAtB, "c")
}

func TestForceUpdated(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, map[string]string{"/t/seed": "s"})
	// A long window: without force-firing nothing would be observed
	// within the test's patience.
	root := openTree(t, s, WithUpdateDelay(5*time.Second))

	var rec recorder
	root.Subscribe(rec.observe)
	initial := len(rec.snapshot())

	_, err := root.Set(ctx, "k", "v", WithoutSync())
	require.Nil(t, err)
	require.Nil(t, root.Wait(ctx, 0))

	root.ForceUpdated()
	calls := rec.snapshot()[initial:]
	require.Len(t, calls, 1)
	// The long window means nothing had fired yet, so this is the
	// first run: the initial child is reported along with the new one.
	assert.Equal(t, []string{"k", "seed"}, calls[0].Added)
	assert.Equal(t, StateNew, calls[0].State)

	select {
	case <-root.Ready():
	default:
		t.Fatal("root not ready after ForceUpdated")
	}
}

func TestIdempotentSet(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, map[string]string{"/t/k": "v"})
	root := openTree(t, s)
	require.Nil(t, WaitReady(ctx, root))

	var rec recorder
	root.Subscribe(rec.observe)
	initial := len(rec.snapshot())

	_, err := root.Set(ctx, "k", "same", WithoutSync())
	require.Nil(t, err)
	_, err = root.Set(ctx, "k", "same", WithoutSync())
	require.Nil(t, err)
	require.Nil(t, root.Wait(ctx, 0))
	k := mustLookup(t, root, "k")
	require.Nil(t, WaitReady(ctx, k))
	require.Nil(t, WaitReady(ctx, root))

	assert.LessOrEqual(t, len(rec.snapshot())-initial, 1)
}

func TestTagEntryDoesNotEscalate(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, map[string]string{"/t/:meta": "m", "/t/plain": "p"})
	root := openTree(t, s)
	require.Nil(t, WaitReady(ctx, root))

	var rootRec, tagRec recorder
	root.Subscribe(rootRec.observe)
	initial := len(rootRec.snapshot())
	meta := mustLookup(t, root, ":meta").(*Leaf)
	meta.Subscribe(tagRec.observe)

	_, err := meta.Set(ctx, "changed", WithoutSync())
	require.Nil(t, err)
	require.Nil(t, root.Wait(ctx, 0))
	require.Nil(t, WaitReady(ctx, meta))

	// Give the root a chance to (wrongly) fire.
	time.Sleep(3 * testDelay)

	assert.Len(t, tagRec.snapshot(), 1, "the tag leaf itself observes its update")
	assert.Len(t, rootRec.snapshot()[initial:], 0, "tag updates must not reach the parent")
}

func TestNotifyStateInvariants(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, map[string]string{"/t/a/b": "v"})
	// A roomy window so the states can be inspected before the timers
	// fire.
	root := openTree(t, s, WithUpdateDelay(300*time.Millisecond))
	require.Nil(t, WaitReady(ctx, root))

	b := mustLookup(t, root, "a", "b").(*Leaf)
	_, err := b.Set(ctx, "w", WithoutSync())
	require.Nil(t, err)
	require.Nil(t, root.Wait(ctx, 0))

	root.mu.Lock()
	a := root.children["a"].(*Dir)
	assert.Equal(t, nsTimer, b.later)
	assert.Equal(t, nsBlocked, a.later)
	assert.Equal(t, 1, a.blocked)
	assert.Equal(t, nsBlocked, root.Dir.later)
	root.mu.Unlock()

	require.Nil(t, WaitReady(ctx, root))
	root.mu.Lock()
	assert.Equal(t, nsClean, b.later)
	assert.Equal(t, nsClean, a.later)
	assert.Equal(t, nsClean, root.Dir.later)
	root.mu.Unlock()
}
