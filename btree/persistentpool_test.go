package btree

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/latticedb/pagetree/common/testutil"
)

func TestPersistentPagePoolCommitSurvivesReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := testutil.TempDir(t) + ".pgt"

	pool, err := OpenPersistentPagePool(fs, path, 256, zap.NewNop())
	require.NoError(t, err)

	tree, err := NewTree(pool, ByteOrder, PersistentTransaction, 0, 0, zap.NewNop())
	require.NoError(t, err)
	_, err = tree.Insert([]byte("k1"), []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, tree.Commit())
	require.NoError(t, pool.Close())

	reopened, err := OpenPersistentPagePool(fs, path, 256, zap.NewNop())
	require.NoError(t, err)
	root := reopened.RootFor(FreeStandingTree)
	require.True(t, root.Valid())

	resumed, err := OpenTree(reopened, root, ByteOrder, PersistentTransaction, 0, 0, zap.NewNop())
	require.NoError(t, err)
	v, found, err := resumed.Lookup([]byte("k1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v)
}

func TestPersistentPagePoolRecoverDropsUncommittedShadows(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := testutil.TempDir(t) + ".pgt"
	pool, err := OpenPersistentPagePool(fs, path, 256, zap.NewNop())
	require.NoError(t, err)

	tree, err := NewTree(pool, ByteOrder, PersistentTransaction, 0, 0, zap.NewNop())
	require.NoError(t, err)
	_, err = tree.Insert([]byte("a"), []byte("1"))
	require.NoError(t, err)
	require.NoError(t, tree.Commit())

	_, err = tree.Insert([]byte("b"), []byte("2"))
	require.NoError(t, err)
	require.NoError(t, tree.Recover())

	_, found, err := tree.Lookup([]byte("b"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestPersistentPagePoolDetectsChecksumCorruption(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := testutil.TempDir(t) + ".pgt"
	pool, err := OpenPersistentPagePool(fs, path, 256, zap.NewNop())
	require.NoError(t, err)

	tree, err := NewTree(pool, ByteOrder, PersistentTransaction, 0, 0, zap.NewNop())
	require.NoError(t, err)
	_, err = tree.Insert([]byte("a"), []byte("1"))
	require.NoError(t, err)
	require.NoError(t, tree.Commit())
	root := tree.Root()
	require.NoError(t, pool.Close())

	f, err := fs.OpenFile(path, 2 /*os.O_RDWR*/, 0o644)
	require.NoError(t, err)
	corrupt := []byte{0xFF}
	_, err = f.WriteAt(corrupt, pool.slotOffset(root)+10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenPersistentPagePool(fs, path, 256, zap.NewNop())
	require.NoError(t, err)
	_, err = reopened.access(root)
	require.Error(t, err)
}

func TestProbePageSizeReadsCapacityWithoutFullOpen(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := testutil.TempDir(t) + ".pgt"

	pool, err := OpenPersistentPagePool(fs, path, 512, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	size, err := ProbePageSize(fs, path)
	require.NoError(t, err)
	require.EqualValues(t, 512, size)
}

func TestProbePageSizeRejectsBadMagic(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := testutil.TempDir(t) + ".pgt"
	require.NoError(t, afero.WriteFile(fs, path, []byte("not a pagetree file"), 0o644))

	_, err := ProbePageSize(fs, path)
	require.Error(t, err)
}
