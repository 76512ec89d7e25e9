package btree

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/latticedb/pagetree/common"
)

// DefaultChunkSize is the data payload size StreamingTree buffers per
// chunk before flushing it as one underlying Tree entry. It is kept well
// under a typical page capacity (DefaultConfig's 4096 bytes) so a chunk
// plus its stream key always fits a single leaf entry without tripping a
// page split on every Write.
const DefaultChunkSize = 1024

// maxChunkSeq bounds a streamed value to 65536 chunks: sequence numbers
// are a 16-bit ascending counter starting at 0, so a value needing a
// 65537th chunk cannot be represented and fails MaxChunksExceeded.
const maxChunkSeq = 1 << 16

// StreamingTree stores arbitrarily large values as a sequence of
// fixed-size chunks keyed by (userKey, sequence), so a value far larger
// than one page's capacity can still be indexed without changing Page's
// fixed-capacity layout. There is no separate length header: a value's
// end is the first sequence number for which no chunk was ever written,
// and the last chunk's own (possibly short) length is whatever Page
// already records for it.
type StreamingTree struct {
	tree      *Tree
	chunkSize int
	guard     *keyGuard
}

// NewStreamingTree wraps tree (an array-keyed, array-valued Tree) as a
// chunked blob store.
func NewStreamingTree(tree *Tree, chunkSize int) (*StreamingTree, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &StreamingTree{tree: tree, chunkSize: chunkSize, guard: newKeyGuard()}, nil
}

func streamKey(userKey []byte, seq uint16) []byte {
	b := make([]byte, len(userKey)+2)
	copy(b, userKey)
	binary.BigEndian.PutUint16(b[len(userKey):], seq)
	return b
}

// ValueWriter accumulates bytes written to it and flushes fixed-size
// chunks into the StreamingTree as they fill, under the exclusive access
// a keyGuard grants for userKey.
type ValueWriter struct {
	st      *StreamingTree
	userKey []byte
	buf     []byte
	seq     uint32
	closed  bool
}

// OpenWriter begins writing a new value for userKey. Any value already
// stored there is deleted when the writer is opened; the new value's
// chunks are stored as Write fills them and Close stores the remainder.
// It fails with ErrConcurrentAccess if a reader or writer is already open
// for userKey.
func (st *StreamingTree) OpenWriter(userKey []byte) (*ValueWriter, error) {
	if err := st.guard.acquireWriter(userKey); err != nil {
		return nil, err
	}
	if err := st.Delete(userKey); err != nil {
		st.guard.releaseWriter(userKey)
		return nil, err
	}
	return &ValueWriter{st: st, userKey: append([]byte{}, userKey...)}, nil
}

func (w *ValueWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("pagetree: write to closed ValueWriter")
	}
	n := len(p)
	w.buf = append(w.buf, p...)
	for len(w.buf) >= w.st.chunkSize {
		chunk := w.buf[:w.st.chunkSize]
		if err := w.flush(chunk); err != nil {
			return 0, err
		}
		w.buf = append([]byte{}, w.buf[w.st.chunkSize:]...)
	}
	return n, nil
}

func (w *ValueWriter) flush(chunk []byte) error {
	if w.seq >= maxChunkSeq {
		return common.ErrMaxChunksExceeded
	}
	key := streamKey(w.userKey, uint16(w.seq))
	if err := w.st.tree.Assign(key, chunk); err != nil {
		return err
	}
	w.seq++
	return nil
}

// Close flushes any buffered remainder and releases the write guard on
// userKey. A zero-length value cannot be stored: when nothing was written,
// Close tries to store an empty sequence-0 chunk, the underlying
// array-valued tree rejects it, and Close returns ErrInvalidValueSize.
func (w *ValueWriter) Close() error {
	if w.closed {
		return nil
	}
	defer w.st.guard.releaseWriter(w.userKey)
	w.closed = true
	if len(w.buf) > 0 || w.seq == 0 {
		if err := w.flush(w.buf); err != nil {
			return err
		}
		w.buf = nil
	}
	return nil
}

// ValueReader streams a previously written value back out in chunk order.
type ValueReader struct {
	st      *StreamingTree
	userKey []byte
	seq     uint32
	pending []byte
	eof     bool
	closed  bool
}

// OpenReader begins reading the value stored for userKey. It fails with
// ErrNotFound if no value is currently stored for userKey, and with
// ErrConcurrentAccess if a writer is currently open for it.
func (st *StreamingTree) OpenReader(userKey []byte) (*ValueReader, error) {
	if err := st.guard.acquireReader(userKey); err != nil {
		return nil, err
	}
	first, found, err := st.tree.Lookup(streamKey(userKey, 0))
	if err != nil {
		st.guard.releaseReader(userKey)
		return nil, err
	}
	if !found {
		st.guard.releaseReader(userKey)
		return nil, errors.Wrapf(common.ErrNotFound, "no streamed value for key")
	}
	return &ValueReader{st: st, userKey: append([]byte{}, userKey...), seq: 1, pending: first}, nil
}

func (r *ValueReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		chunk, found, err := r.st.tree.Lookup(streamKey(r.userKey, uint16(r.seq)))
		if err != nil {
			return 0, err
		}
		if !found {
			r.eof = true
			return 0, io.EOF
		}
		r.seq++
		r.pending = chunk
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// Close releases the read guard on the value's user key.
func (r *ValueReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.st.guard.releaseReader(r.userKey)
	return nil
}

// Delete removes every chunk written for userKey, if any.
func (st *StreamingTree) Delete(userKey []byte) error {
	for seq := uint32(0); seq < maxChunkSeq; seq++ {
		erased, err := st.tree.Erase(streamKey(userKey, uint16(seq)))
		if err != nil {
			return err
		}
		if !erased {
			break
		}
	}
	return nil
}
