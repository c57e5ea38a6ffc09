package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryReadWrite(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	defer s.Close()

	_, err := s.Read(ctx, "/a", false)
	assert.True(t, err == ErrNotFound)

	res, err := s.Write(ctx, "/a/b", "hello", SetOptions{})
	require.Nil(t, err)
	assert.Equal(t, "/a/b", res.Key)
	assert.False(t, res.Dir)
	assert.Equal(t, uint64(1), res.Mod)
	assert.Equal(t, uint64(1), res.Create)

	// The intermediate directory sprang into existence.
	res, err = s.Read(ctx, "/a", false)
	require.Nil(t, err)
	assert.True(t, res.Dir)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, "b", res.Nodes[0].Name())

	res, err = s.Write(ctx, "/a/b", "world", SetOptions{})
	require.Nil(t, err)
	assert.Equal(t, uint64(2), res.Mod)
	assert.Equal(t, uint64(1), res.Create)
}

func TestInMemoryRecursiveRead(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	defer s.Close()
	for _, kv := range []struct{ k, v string }{
		{"/t/x", "1"},
		{"/t/sub/y", "2"},
		{"/t/sub/z", "3"},
	} {
		_, err := s.Write(ctx, kv.k, kv.v, SetOptions{})
		require.Nil(t, err)
	}
	res, err := s.Read(ctx, "/t", true)
	require.Nil(t, err)
	require.Len(t, res.Nodes, 2) // sub, x
	assert.Equal(t, "sub", res.Nodes[0].Name())
	assert.Len(t, res.Nodes[0].Nodes, 2)

	// A non-recursive read only lists one level.
	res, err = s.Read(ctx, "/t", false)
	require.Nil(t, err)
	require.Len(t, res.Nodes, 2)
	assert.Empty(t, res.Nodes[0].Nodes)
}

func TestInMemoryPreconditions(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	defer s.Close()

	_, err := s.Write(ctx, "/k", "v", SetOptions{})
	require.Nil(t, err)

	_, err = s.Write(ctx, "/k", "w", SetOptions{PrevExist: PrevMustNot})
	assert.True(t, err == ErrExist)
	_, err = s.Write(ctx, "/k", "w", SetOptions{PrevIndex: 42})
	assert.True(t, err == ErrTestFailed)
	_, err = s.Write(ctx, "/k", "w", SetOptions{PrevValue: "other"})
	assert.True(t, err == ErrTestFailed)
	_, err = s.Write(ctx, "/missing", "w", SetOptions{PrevExist: PrevMust})
	assert.True(t, err == ErrNotFound)

	res, err := s.Write(ctx, "/k", "w", SetOptions{PrevIndex: 1})
	require.Nil(t, err)

	_, err = s.Delete(ctx, "/k", DeleteOptions{PrevValue: "other"})
	assert.True(t, err == ErrTestFailed)
	_, err = s.Delete(ctx, "/k", DeleteOptions{PrevIndex: res.Mod})
	assert.Nil(t, err)
}

func TestInMemoryDeleteDir(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	defer s.Close()
	_, err := s.Write(ctx, "/d/x", "1", SetOptions{})
	require.Nil(t, err)

	_, err = s.Delete(ctx, "/d", DeleteOptions{})
	assert.True(t, err == ErrNotFile)
	_, err = s.Delete(ctx, "/d", DeleteOptions{Dir: true})
	assert.True(t, err == ErrNotEmpty)
	_, err = s.Delete(ctx, "/d", DeleteOptions{Dir: true, Recursive: true})
	assert.Nil(t, err)
	_, err = s.Read(ctx, "/d", false)
	assert.True(t, err == ErrNotFound)
}

func TestInMemoryWatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := NewInMemory()
	defer s.Close()

	res, err := s.Write(ctx, "/t/before", "1", SetOptions{})
	require.Nil(t, err)

	w := s.Watch("/t", res.Index, true)
	_, err = s.Write(ctx, "/t/a", "2", SetOptions{})
	require.Nil(t, err)
	_, err = s.Write(ctx, "/elsewhere", "x", SetOptions{})
	require.Nil(t, err)
	_, err = s.Delete(ctx, "/t/a", DeleteOptions{})
	require.Nil(t, err)

	ev, err := w.Next(ctx)
	require.Nil(t, err)
	assert.Equal(t, ActionSet, ev.Action)
	assert.Equal(t, "/t/a", ev.Key)
	assert.Equal(t, "2", ev.Value)

	// The write outside the watched prefix is not delivered.
	ev, err = w.Next(ctx)
	require.Nil(t, err)
	assert.Equal(t, ActionDelete, ev.Action)
	assert.Equal(t, "/t/a", ev.Key)
	assert.NotZero(t, ev.PrevCreate)
}

func TestInMemoryWatchReplay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := NewInMemory()
	defer s.Close()

	for _, v := range []string{"1", "2", "3"} {
		_, err := s.Write(ctx, "/t/k", v, SetOptions{})
		require.Nil(t, err)
	}
	w := s.Watch("/t", 1, true)
	ev, err := w.Next(ctx)
	require.Nil(t, err)
	assert.Equal(t, uint64(2), ev.Mod)
	ev, err = w.Next(ctx)
	require.Nil(t, err)
	assert.Equal(t, uint64(3), ev.Mod)
}

func TestInMemoryExpiry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := NewInMemory()
	defer s.Close()

	ttl := 50 * time.Millisecond
	res, err := s.Write(ctx, "/t/k", "v", SetOptions{TTL: &ttl})
	require.Nil(t, err)
	require.NotNil(t, res.TTL)

	w := s.Watch("/t", res.Mod, true)
	ev, err := w.Next(ctx)
	require.Nil(t, err)
	assert.Equal(t, ActionExpire, ev.Action)
	assert.Equal(t, "/t/k", ev.Key)
	assert.Equal(t, res.Create, ev.PrevCreate)

	_, err = s.Read(ctx, "/t/k", false)
	assert.True(t, err == ErrNotFound)
}

func TestInMemoryClearTTL(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	defer s.Close()

	ttl := 40 * time.Millisecond
	_, err := s.Write(ctx, "/k", "v", SetOptions{TTL: &ttl})
	require.Nil(t, err)
	var zero time.Duration
	_, err = s.Write(ctx, "/k", "v", SetOptions{TTL: &zero, PrevExist: PrevMust})
	require.Nil(t, err)

	time.Sleep(3 * ttl)
	res, err := s.Read(ctx, "/k", false)
	require.Nil(t, err)
	assert.Nil(t, res.TTL)
}

func TestInMemoryAppend(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	defer s.Close()

	first, err := s.Write(ctx, "/q", "a", SetOptions{Append: true})
	require.Nil(t, err)
	second, err := s.Write(ctx, "/q", "b", SetOptions{Append: true})
	require.Nil(t, err)
	assert.True(t, first.Name() < second.Name())

	res, err := s.Read(ctx, "/q", false)
	require.Nil(t, err)
	assert.Len(t, res.Nodes, 2)
}
