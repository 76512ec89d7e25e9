package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTree(t *testing.T, capacity PageSize, mode UpdateMode) *Tree {
	t.Helper()
	pool := NewPagePool(capacity, zap.NewNop())
	tree, err := NewTree(pool, ByteOrder, mode, 0, 0, zap.NewNop())
	require.NoError(t, err)
	return tree
}

func TestTreeInsertLookupErase(t *testing.T) {
	tree := newTestTree(t, 256, InPlace)

	ok, err := tree.Insert([]byte("alpha"), []byte("1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tree.Insert([]byte("alpha"), []byte("2"))
	require.NoError(t, err)
	require.False(t, ok, "duplicate insert should report found, not overwrite")

	v, found, err := tree.Lookup([]byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)

	found, err = tree.Erase([]byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)

	_, found, err = tree.Lookup([]byte("alpha"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestTreeAssignUpserts(t *testing.T) {
	tree := newTestTree(t, 256, InPlace)
	require.NoError(t, tree.Assign([]byte("k"), []byte("v1")))
	require.NoError(t, tree.Assign([]byte("k"), []byte("v2")))

	v, found, err := tree.Lookup([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), v)
}

func TestTreeGrowsAcrossManyKeys(t *testing.T) {
	tree := newTestTree(t, 256, InPlace)
	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		ok, err := tree.Insert(key, val)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.EqualValues(t, n, tree.Count())

	depth, err := tree.Depth()
	require.NoError(t, err)
	require.Greater(t, depth, PageDepth(0), "500 small entries in 256-byte pages should have split at least once")

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := []byte(fmt.Sprintf("value-%04d", i))
		got, found, err := tree.Lookup(key)
		require.NoError(t, err)
		require.True(t, found, "missing key %s", key)
		require.Equal(t, want, got)
	}
}

func TestTreeShrinksAfterBulkErase(t *testing.T) {
	tree := newTestTree(t, 256, InPlace)
	const n = 300
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		_, err := tree.Insert(key, []byte("v"))
		require.NoError(t, err)
	}
	for i := 0; i < n-5; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		found, err := tree.Erase(key)
		require.NoError(t, err)
		require.True(t, found)
	}
	require.EqualValues(t, 5, tree.Count())
	for i := n - 5; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		_, found, err := tree.Lookup(key)
		require.NoError(t, err)
		require.True(t, found)
	}
}

func TestTreeIterationOrder(t *testing.T) {
	tree := newTestTree(t, 256, InPlace)
	keys := []string{"delta", "alpha", "charlie", "bravo"}
	for _, k := range keys {
		_, err := tree.Insert([]byte(k), []byte("v"))
		require.NoError(t, err)
	}
	it, err := tree.First()
	require.NoError(t, err)
	var seen []string
	for it.Valid() {
		k, err := it.Key()
		require.NoError(t, err)
		seen = append(seen, string(k))
		it.Next()
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, seen)
}

func TestTreeMemoryTransactionCommitAndRecover(t *testing.T) {
	pool := NewPagePool(256, zap.NewNop())
	tree, err := NewTree(pool, ByteOrder, MemoryTransaction, 0, 0, zap.NewNop())
	require.NoError(t, err)

	_, err = tree.Insert([]byte("a"), []byte("1"))
	require.NoError(t, err)
	require.NoError(t, tree.Commit())

	_, err = tree.Insert([]byte("b"), []byte("2"))
	require.NoError(t, err)
	require.NoError(t, tree.Recover())

	_, found, err := tree.Lookup([]byte("b"))
	require.NoError(t, err)
	require.False(t, found, "uncommitted insert should be undone by Recover")

	_, found, err = tree.Lookup([]byte("a"))
	require.NoError(t, err)
	require.True(t, found, "committed insert should survive Recover")
}
