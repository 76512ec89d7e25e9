package btree

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/latticedb/pagetree/common/testutil"
)

func TestForestPlantOpenAndCommitIsAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := testutil.TempDir(t) + ".pgt"
	pool, err := OpenPersistentPagePool(fs, path, 256, zap.NewNop())
	require.NoError(t, err)

	forest, err := NewForest(pool, ByteOrder, PersistentTransaction, zap.NewNop())
	require.NoError(t, err)

	users, idxUsers, err := forest.Plant(0, 0)
	require.NoError(t, err)
	orders, idxOrders, err := forest.Plant(0, 0)
	require.NoError(t, err)
	require.NotEqual(t, idxUsers, idxOrders)

	_, err = users.Insert([]byte("u1"), []byte("alice"))
	require.NoError(t, err)
	_, err = orders.Insert([]byte("o1"), []byte("widget"))
	require.NoError(t, err)

	require.NoError(t, forest.Commit())
	require.NoError(t, pool.Close())

	reopened, err := OpenPersistentPagePool(fs, path, 256, zap.NewNop())
	require.NoError(t, err)
	forest2, err := NewForest(reopened, ByteOrder, PersistentTransaction, zap.NewNop())
	require.NoError(t, err)

	u, err := forest2.Open(idxUsers)
	require.NoError(t, err)
	v, found, err := u.Lookup([]byte("u1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("alice"), v)

	o, err := forest2.Open(idxOrders)
	require.NoError(t, err)
	v, found, err = o.Lookup([]byte("o1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("widget"), v)
}

func TestForestUproot(t *testing.T) {
	pool := NewPagePool(256, zap.NewNop())
	forest, err := NewForest(pool, ByteOrder, InPlace, zap.NewNop())
	require.NoError(t, err)

	_, idx, err := forest.Plant(0, 0)
	require.NoError(t, err)
	require.NoError(t, forest.Uproot(idx))

	_, err = forest.Open(idx)
	require.Error(t, err)
}
