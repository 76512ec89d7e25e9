package btree

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/pagetree/common/testutil"
)

func TestConfigOpenPersistentPool(t *testing.T) {
	cfg := DefaultConfig(testutil.TempDir(t))
	cfg.PageCapacity = 512

	fs := afero.NewMemMapFs()
	pool, err := cfg.OpenPersistentPool(fs)
	require.NoError(t, err)
	require.EqualValues(t, 512, pool.Capacity())

	tree, err := NewTree(pool, ByteOrder, PersistentTransaction, 0, 0, cfg.logger())
	require.NoError(t, err)
	_, err = tree.Insert([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, tree.Commit())
	require.NoError(t, pool.Close())

	reopened, err := cfg.OpenPersistentPool(fs)
	require.NoError(t, err)
	root := reopened.RootFor(FreeStandingTree)
	require.True(t, root.Valid())
}
