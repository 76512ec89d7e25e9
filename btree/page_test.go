package btree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/pagetree/common"
)

func newScalarPage(t *testing.T) *Page {
	t.Helper()
	return NewPage(1, 256, 0, 4, 4)
}

func newArrayPage(t *testing.T) *Page {
	t.Helper()
	return NewPage(1, 256, 0, 0, 0)
}

func TestPageInsertAndLookupScalar(t *testing.T) {
	p := newScalarPage(t)
	require.NoError(t, p.Insert(0, []byte{0, 0, 0, 1}, []byte{0, 0, 0, 10}))
	require.NoError(t, p.Insert(1, []byte{0, 0, 0, 2}, []byte{0, 0, 0, 20}))
	require.EqualValues(t, 2, p.Count())

	v, err := p.Value(0)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 10}, v)

	v, err = p.Value(1)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 20}, v)
}

func TestPageInsertArrayShape(t *testing.T) {
	p := newArrayPage(t)
	require.NoError(t, p.Insert(0, []byte("bravo"), []byte("payload-b")))
	require.NoError(t, p.Insert(0, []byte("alpha"), []byte("payload-a")))

	k0, err := p.Key(0)
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), k0)
	k1, err := p.Key(1)
	require.NoError(t, err)
	require.Equal(t, []byte("bravo"), k1)

	v1, err := p.Value(1)
	require.NoError(t, err)
	require.Equal(t, []byte("payload-b"), v1)
}

func TestPageRemove(t *testing.T) {
	p := newArrayPage(t)
	require.NoError(t, p.Insert(0, []byte("a"), []byte("1")))
	require.NoError(t, p.Insert(1, []byte("b"), []byte("2")))
	require.NoError(t, p.Insert(2, []byte("c"), []byte("3")))

	require.NoError(t, p.Remove(1))
	require.EqualValues(t, 2, p.Count())
	k, _ := p.Key(1)
	require.Equal(t, []byte("c"), k)
}

func TestPageOverflow(t *testing.T) {
	p := NewPage(1, MinPageSize, 0, 0, 0)
	big := make([]byte, int(MinPageSize))
	err := p.Insert(0, big, []byte("x"))
	require.ErrorIs(t, err, common.ErrOverflow)
}

func TestPageSplitValue(t *testing.T) {
	p := newScalarPage(t)
	require.False(t, p.SplitDefined())
	require.NoError(t, p.SetSplit([]byte{0, 0, 0, 9}))
	require.True(t, p.SplitDefined())
	require.Equal(t, []byte{0, 0, 0, 9}, p.Split())
	require.NoError(t, p.RemoveSplit())
	require.False(t, p.SplitDefined())
}

func TestPageEncodeDecodeRoundTrip(t *testing.T) {
	p := newArrayPage(t)
	require.NoError(t, p.Insert(0, []byte("k1"), []byte("v1")))
	require.NoError(t, p.Insert(1, []byte("k2"), []byte("v22")))
	raw := p.Encode()

	decoded, err := DecodePage(raw)
	require.NoError(t, err)
	require.EqualValues(t, 2, decoded.Count())
	v, err := decoded.Value(1)
	require.NoError(t, err)
	require.Equal(t, []byte("v22"), v)
}

func TestPageShiftLeftRight(t *testing.T) {
	left := NewPage(1, 512, 0, 0, 0)
	right := NewPage(2, 512, 0, 0, 0)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, left.Insert(left.Count(), []byte(k), []byte("v")))
	}
	for _, k := range []string{"d", "e"} {
		require.NoError(t, right.Insert(right.Count(), []byte(k), []byte("v")))
	}

	require.NoError(t, left.ShiftLeft(right, 2))
	require.EqualValues(t, 1, left.Count())
	require.EqualValues(t, 4, right.Count())
	k, _ := left.Key(0)
	require.Equal(t, []byte("c"), k)
	rk2, _ := right.Key(2)
	require.Equal(t, []byte("a"), rk2)
}
