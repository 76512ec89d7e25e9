package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/pagetree/common"
)

// TestTreeSplitHeldSeparatorIsLookupableAndReplaceable drives enough
// inserts that a leaf split promotes a separator key, then exercises
// Lookup/Replace against that exact key: its value lives only in the
// child leaf's split slot, not duplicated as an indexed entry anywhere,
// so these must follow the ancestor-exact-match path rather than an
// ordinary leaf entry match.
func TestTreeSplitHeldSeparatorIsLookupableAndReplaceable(t *testing.T) {
	tree := newTestTree(t, 256, InPlace)
	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		ok, err := tree.Insert(key, val)
		require.NoError(t, err)
		require.True(t, ok)
	}
	depth, err := tree.Depth()
	require.NoError(t, err)
	require.Greater(t, depth, PageDepth(0))

	// Every key inserted is present, including whichever ones ended up
	// promoted as separators during a split.
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := []byte(fmt.Sprintf("value-%04d", i))
		got, found, err := tree.Lookup(key)
		require.NoError(t, err)
		require.True(t, found, "missing key %s", key)
		require.Equal(t, want, got)
	}

	// Replacing every key in place (including any separator-held ones)
	// must change what Lookup returns without changing the tree's size
	// or losing any neighboring key.
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		newVal := []byte(fmt.Sprintf("updated-%04d", i))
		found, err := tree.Replace(key, newVal)
		require.NoError(t, err)
		require.True(t, found)
	}
	require.EqualValues(t, n, tree.Count())
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := []byte(fmt.Sprintf("updated-%04d", i))
		got, found, err := tree.Lookup(key)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, want, got)
	}
}

// TestTreeEraseDrainsSplitHeldKeysWithoutLoss inserts a large ascending
// run (forcing multiple splits and therefore multiple split-held
// separator keys), then erases every key in ascending order, the
// pattern most likely to hit a split-held key while its leaf is being
// drained to empty. No key erased early should still be found, and no
// key not yet erased should ever go missing early.
func TestTreeEraseDrainsSplitHeldKeysWithoutLoss(t *testing.T) {
	tree := newTestTree(t, 256, InPlace)
	const n = 400
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%05d", i))
		ok, err := tree.Insert(key, []byte(fmt.Sprintf("v-%05d", i)))
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%05d", i))
		found, err := tree.Erase(key)
		require.NoError(t, err)
		require.True(t, found, "erase should find key %s", key)

		_, stillFound, err := tree.Lookup(key)
		require.NoError(t, err)
		require.False(t, stillFound, "erased key %s should be gone", key)

		if i+1 < n {
			next := []byte(fmt.Sprintf("k-%05d", i+1))
			_, found, err := tree.Lookup(next)
			require.NoError(t, err)
			require.True(t, found, "erasing %s should not disturb %s", key, next)
		}
	}
	require.EqualValues(t, 0, tree.Count())
}

// TestTreeMaxDepthExceeded forces repeated root splits with distinct,
// non-prefix-sharing keys in tiny pages until the tree would need an
// (MaxDepth+1)-th level, and asserts the insert that would cross that
// line fails instead of silently growing past it.
func TestTreeMaxDepthExceeded(t *testing.T) {
	tree := newTestTree(t, MinPageSize, InPlace)

	var err error
	ok := true
	i := 0
	for ok && err == nil && i < 200000 {
		key := []byte(fmt.Sprintf("depth-probe-key-%08d", i))
		ok, err = tree.Insert(key, []byte("v"))
		i++
	}
	require.Error(t, err)
	require.ErrorIs(t, err, common.ErrMaxDepthExceeded)

	depth, derr := tree.Depth()
	require.NoError(t, derr)
	require.LessOrEqual(t, depth, MaxDepth)
}

// TestTreeCommitRecoverForbiddenInForest confirms a tree owned by a
// Forest refuses Commit/Recover directly: those operations only make
// sense atomically across the whole forest via Forest.Commit/Recover.
func TestTreeCommitRecoverForbiddenInForest(t *testing.T) {
	pool := NewPagePool(256, nil)
	forest, err := NewForest(pool, ByteOrder, MemoryTransaction, nil)
	require.NoError(t, err)

	child, _, err := forest.Plant(0, 0)
	require.NoError(t, err)

	err = child.Commit()
	require.ErrorIs(t, err, common.ErrInForest)

	err = child.Recover()
	require.ErrorIs(t, err, common.ErrInForest)
}
