package btree

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/latticedb/pagetree/common"
)

func newTestStreamingTree(t *testing.T, chunkSize int) *StreamingTree {
	t.Helper()
	pool := NewPagePool(4096, zap.NewNop())
	tree, err := NewTree(pool, ByteOrder, InPlace, 0, 0, zap.NewNop())
	require.NoError(t, err)
	st, err := NewStreamingTree(tree, chunkSize)
	require.NoError(t, err)
	return st
}

func TestStreamingTreeWriteReadRoundTrip(t *testing.T) {
	st := newTestStreamingTree(t, 8)
	payload := bytes.Repeat([]byte("0123456789"), 10) // 100 bytes, many chunks

	w, err := st.OpenWriter([]byte("blob-1"))
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := st.OpenReader([]byte("blob-1"))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, payload, got)
}

func TestStreamingTreeConcurrentAccessDetected(t *testing.T) {
	st := newTestStreamingTree(t, 16)
	w, err := st.OpenWriter([]byte("k"))
	require.NoError(t, err)

	_, err = st.OpenWriter([]byte("k"))
	require.Error(t, err)
	_, err = st.OpenReader([]byte("k"))
	require.Error(t, err)

	require.NoError(t, w.Close())

	_, err = st.OpenWriter([]byte("k"))
	require.NoError(t, err)
}

func TestStreamingTreeMaxChunksExceeded(t *testing.T) {
	st := newTestStreamingTree(t, 1)
	w, err := st.OpenWriter([]byte("k"))
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{'x'}, maxChunkSeq+1)
	_, err = w.Write(payload)
	require.Error(t, err)
	require.ErrorIs(t, err, common.ErrMaxChunksExceeded)
}

func TestStreamingTreeDelete(t *testing.T) {
	st := newTestStreamingTree(t, 4)
	w, err := st.OpenWriter([]byte("k"))
	require.NoError(t, err)
	_, err = w.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, st.Delete([]byte("k")))
	_, err = st.OpenReader([]byte("k"))
	require.Error(t, err)
}
