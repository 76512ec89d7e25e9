package btree

import "github.com/latticedb/pagetree/common"

// pool is the capability Tree and Forest need from either a PagePool or a
// PersistentPagePool. Both satisfy it; Tree is written against the
// interface so the same algorithm drives a volatile or durable engine.
type pool interface {
	pageSource

	Capacity() PageSize
	Stats() *common.Stats

	allocate(depth PageDepth, keyElemSize, valueElemSize PageSize) (*Page, error)
	Free(link PageLink) error
	modify(link PageLink, page *Page)
	shadow(src *Page) (*Page, error)
	commit() error
	recover() error
}

var (
	_ pool = (*PagePool)(nil)
	_ pool = (*PersistentPagePool)(nil)
)

// persistent reports whether pl is backed by durable storage, which
// controls what Auto resolves UpdateMode to.
func persistent(p pool) bool {
	_, ok := p.(*PersistentPagePool)
	return ok
}
