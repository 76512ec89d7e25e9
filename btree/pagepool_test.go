package btree

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPagePoolAllocateAndAccess(t *testing.T) {
	pool := NewPagePool(256, zap.NewNop())
	page, err := pool.allocate(0, 4, 4)
	require.NoError(t, err)
	require.True(t, page.Link().Valid())

	got, err := pool.access(page.Link())
	require.NoError(t, err)
	require.Same(t, page, got)
}

func TestPagePoolFreeRejectsDoubleFree(t *testing.T) {
	pool := NewPagePool(256, zap.NewNop())
	page, err := pool.allocate(0, 4, 4)
	require.NoError(t, err)

	require.NoError(t, pool.Free(page.Link()))
	require.Error(t, pool.Free(page.Link()))
	require.Error(t, pool.Free(NullLink))
}

func TestPagePoolShadowAndRecover(t *testing.T) {
	pool := NewPagePool(256, zap.NewNop())
	page, err := pool.allocate(0, 4, 4)
	require.NoError(t, err)
	require.NoError(t, page.Insert(0, []byte{0, 0, 0, 1}, []byte{0, 0, 0, 1}))

	shadow, err := pool.shadow(page)
	require.NoError(t, err)
	require.NotEqual(t, page.Link(), shadow.Link())
	require.EqualValues(t, 1, shadow.Count())

	require.NoError(t, pool.recover())
	_, err = pool.access(shadow.Link())
	require.Error(t, err)
}

func TestPagePoolCommitClearsModifiedSet(t *testing.T) {
	pool := NewPagePool(256, zap.NewNop())
	page, err := pool.allocate(0, 4, 4)
	require.NoError(t, err)
	pool.modify(page.Link(), page)
	require.NoError(t, pool.commit())
	require.False(t, page.Modified())
}
