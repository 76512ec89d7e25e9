package btree

import "github.com/latticedb/pagetree/common"

// keyGuard tracks which user keys currently have an open StreamingTree
// reader or writer. The engine is single-threaded, so this is not a lock
// in the concurrency-control sense — nothing blocks waiting for a turn —
// it is a same-goroutine misuse detector: opening a second writer for a
// key that already has one open, or a reader while a writer is active,
// is almost always a caller bug (an earlier Writer that was never
// Closed), and failing fast beats silently interleaving chunk sequences
// into nonsense.
//
// This is adapted from a lock-coupling latch manager that existed to
// serialize concurrent page access across goroutines — out of scope here
// since the engine documents itself as single-threaded — repurposed into
// a single-key hazard tracker instead of being deleted outright.
type keyGuard struct {
	writers map[string]bool
	readers map[string]int
}

func newKeyGuard() *keyGuard {
	return &keyGuard{writers: make(map[string]bool), readers: make(map[string]int)}
}

func (g *keyGuard) acquireWriter(key []byte) error {
	k := string(key)
	if g.writers[k] || g.readers[k] > 0 {
		return common.ErrConcurrentAccess
	}
	g.writers[k] = true
	return nil
}

func (g *keyGuard) releaseWriter(key []byte) {
	delete(g.writers, string(key))
}

func (g *keyGuard) acquireReader(key []byte) error {
	k := string(key)
	if g.writers[k] {
		return common.ErrConcurrentAccess
	}
	g.readers[k]++
	return nil
}

func (g *keyGuard) releaseReader(key []byte) {
	k := string(key)
	if g.readers[k] > 0 {
		g.readers[k]--
		if g.readers[k] == 0 {
			delete(g.readers, k)
		}
	}
}
