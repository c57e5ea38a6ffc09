package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookupPrecedence(t *testing.T) {
	lit := LeafOf(IntValue)
	star := LeafOf(FloatValue)
	dstar := LeafOf(BoolValue)

	r := NewRegistry()
	require.Nil(t, r.Register("a/b", KindLeaf, lit))
	require.Nil(t, r.Register("a/*", KindLeaf, star))
	require.Nil(t, r.Register("**", KindLeaf, dstar))

	testCases := []struct {
		path []string
		want *Descriptor
	}{
		{[]string{"a", "b"}, lit},
		{[]string{"a", "c"}, star},
		{[]string{"x"}, dstar},
		{[]string{"a", "b", "deeper"}, dstar},
		{[]string{"x", "y", "z"}, dstar},
	}
	for _, tc := range testCases {
		if got := r.Lookup(tc.path, KindLeaf); got != tc.want {
			t.Errorf("Lookup(%v): got %v, want %v", tc.path, got, tc.want)
		}
	}
	assert.Nil(t, r.Lookup([]string{"a", "b"}, KindDir))
}

func TestRegistryKinds(t *testing.T) {
	leaf := LeafOf(FloatValue)
	dir := &Descriptor{}

	r := NewRegistry()
	require.Nil(t, r.Register("what/ever", KindLeaf, leaf))
	require.Nil(t, r.Register("what/ever", KindDir, dir))

	assert.Equal(t, leaf, r.Lookup([]string{"what", "ever"}, KindLeaf))
	assert.Equal(t, dir, r.Lookup([]string{"what", "ever"}, KindDir))
	assert.Nil(t, r.Lookup([]string{"not", "not"}, KindLeaf))
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	require.Nil(t, r.Register("two/vier", KindLeaf, LeafOf(IntValue)))
	assert.NotNil(t, r.Register("two/vier", KindLeaf, LeafOf(IntValue)))
	// The other kind's slot is still free.
	assert.Nil(t, r.Register("two/vier", KindDir, DirType))
}

func TestRegistryBadPatterns(t *testing.T) {
	r := NewRegistry()
	assert.NotNil(t, r.Register("/what/ever", KindLeaf, LeafOf(IntValue)))
	assert.NotNil(t, r.Register("what/ever/", KindLeaf, LeafOf(IntValue)))
	assert.NotNil(t, r.Register("what//ever", KindLeaf, LeafOf(IntValue)))
	assert.NotNil(t, r.Register("a/**/b", KindLeaf, LeafOf(IntValue)))
}

func TestRegistryMount(t *testing.T) {
	die := LeafOf(StringValue)
	sub := NewRegistry()
	require.Nil(t, sub.Register("die", KindLeaf, die))

	r := NewRegistry()
	require.Nil(t, r.Mount("two", sub))
	assert.Equal(t, die, r.Lookup([]string{"two", "die"}, KindLeaf))
	assert.NotNil(t, r.Mount("two", NewRegistry()))
}

func TestRegistryStep(t *testing.T) {
	r := NewRegistry()
	r.Step("a", "b").leafD = LeafOf(IntValue)
	assert.NotNil(t, r.Lookup([]string{"a", "b"}, KindLeaf))
	// The empty pattern registers the registry's own position.
	require.Nil(t, r.Register("", KindDir, DirType))
	assert.Equal(t, DirType, r.Lookup(nil, KindDir))
}
