package btree

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/latticedb/pagetree/common"
)

// PagePool is the volatile (in-memory) page store backing one or more
// Trees. It owns every page's allocation lifetime: new pages come from
// allocate, retired pages go back through free, and a transaction's
// shadow pages are tracked in a modified set until commit or recover
// resolves them.
//
// Each PagePool method takes an internal mutex, but the Trees built on a
// pool are not safe for concurrent use, so callers serialize access to
// the engine as a whole (see DESIGN.md).
type PagePool struct {
	mu sync.Mutex

	capacity PageSize
	pages    map[PageLink]*Page
	free     []PageLink
	nextLink PageLink

	modified map[PageLink]*Page // shadow set built up during a transaction
	log      *zap.Logger
	stats    *common.Stats
}

// NewPagePool creates an empty volatile pool whose pages all share the
// given capacity.
func NewPagePool(capacity PageSize, log *zap.Logger) *PagePool {
	if log == nil {
		log = zap.NewNop()
	}
	return &PagePool{
		capacity: capacity,
		pages:    make(map[PageLink]*Page),
		modified: make(map[PageLink]*Page),
		nextLink: 1,
		log:      log,
		stats:    &common.Stats{},
	}
}

func (p *PagePool) Capacity() PageSize   { return p.capacity }
func (p *PagePool) Stats() *common.Stats { return p.stats }

func (p *PagePool) allocLink() PageLink {
	if n := len(p.free); n > 0 {
		link := p.free[n-1]
		p.free = p.free[:n-1]
		return link
	}
	link := p.nextLink
	p.nextLink++
	return link
}

// allocate returns a fresh, empty page of the pool's capacity and shape.
func (p *PagePool) allocate(depth PageDepth, keyElemSize, valueElemSize PageSize) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	link := p.allocLink()
	page := NewPage(link, p.capacity, depth, keyElemSize, valueElemSize)
	p.pages[link] = page
	p.stats.PageAllocations++
	p.log.Debug("page allocated", zap.Uint32("link", uint32(link)), zap.Uint16("depth", depth))
	return page, nil
}

// access resolves a link to its current page image. Implements
// pageSource for Trail's descent.
func (p *PagePool) access(link PageLink) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accessLocked(link)
}

func (p *PagePool) accessLocked(link PageLink) (*Page, error) {
	if !link.Valid() {
		return nil, errors.Wrap(common.ErrInvalidLink, "access of null link")
	}
	page, ok := p.pages[link]
	if !ok {
		return nil, errors.Wrapf(common.ErrInvalidLink, "no such page %d", link)
	}
	if page.Free() {
		return nil, errors.Wrapf(common.ErrInvalidLink, "access of freed page %d", link)
	}
	return page, nil
}

// Free retires a page. It returns ErrFreeNull for the null link,
// ErrInvalidLink for a link the pool never allocated, and ErrFreeFreed for
// a page that is already free. Used by Tree.
func (p *PagePool) Free(link PageLink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !link.Valid() {
		return common.ErrFreeNull
	}
	page, ok := p.pages[link]
	if !ok {
		return errors.Wrapf(common.ErrInvalidLink, "free of unknown page %d", link)
	}
	if page.Free() {
		return common.ErrFreeFreed
	}
	page.SetFree(true)
	delete(p.modified, link)
	p.free = append(p.free, link)
	p.stats.PageFrees++
	return nil
}

// modify marks link's page as part of the current transaction's shadow
// set. Idempotent: calling it twice for the same link is a no-op.
func (p *PagePool) modify(link PageLink, page *Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page.SetModified(true)
	p.modified[link] = page
}

// shadow allocates a copy-on-update page with the same shape as src and
// clones src's image into it, without touching src.
func (p *PagePool) shadow(src *Page) (*Page, error) {
	dst, err := p.allocate(src.Depth(), src.KeyElemSize(), src.ValElemSize())
	if err != nil {
		return nil, err
	}
	if err := src.CloneInto(dst); err != nil {
		return nil, err
	}
	p.modify(dst.Link(), dst)
	return dst, nil
}

// commit clears the modified set without discarding any pages: the
// volatile pool has no separate durable image to reconcile against, so a
// commit here only resets bookkeeping. PersistentPagePool overrides this
// with an actual write-back.
func (p *PagePool) commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for link, page := range p.modified {
		page.SetModified(false)
		delete(p.modified, link)
	}
	p.stats.Commits++
	return nil
}

// recover discards every page in the modified set, freeing its link back
// to the pool. Only meaningful for MemoryTransaction/PersistentTransaction
// modes; InPlace mutations cannot be undone because they change the
// original pages rather than shadows, and Tree.Recover does not call this
// in InPlace mode.
func (p *PagePool) recover() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for link, page := range p.modified {
		page.SetFree(true)
		p.free = append(p.free, link)
		delete(p.modified, link)
	}
	p.stats.Recovers++
	return nil
}

// insertPage installs an already-constructed page at its own link,
// skipping normal allocation bookkeeping. No code in this module calls
// it.
func (p *PagePool) insertPage(page *Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if page.Link() == 0 || page.Link() == NullLink {
		page.SetLink(p.allocLink())
	} else if page.Link() >= p.nextLink {
		p.nextLink = page.Link() + 1
	}
	p.pages[page.Link()] = page
}
