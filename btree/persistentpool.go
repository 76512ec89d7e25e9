package btree

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/latticedb/pagetree/common"
)

// superblockMagic identifies a pagetree file. The encoded superblock is
// padded out to one slot (capacity plus checksum trailer) so it occupies
// exactly slot 0.
const superblockMagic uint32 = 0x50414754 // "PAGT"

// superblock is the durable root of trust for a PersistentPagePool: the
// single fact a crash-recovered pool needs is "what was the last fully
// committed root link and free list." Everything else (which slots hold
// live pages) is reconstructed lazily by walking from that root.
type superblock struct {
	magic       uint32
	capacity    PageSize
	nextLink    PageLink
	freeListLen uint32
	freeList    []PageLink
	roots       map[TreeIndex]PageLink // committed roots, keyed by tree index
	checksum    uint64
}

func encodeSuperblock(sb superblock, size int) []byte {
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], sb.magic)
	binary.BigEndian.PutUint16(buf[4:6], sb.capacity)
	binary.BigEndian.PutUint32(buf[6:10], uint32(sb.nextLink))
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(sb.freeList)))
	off := 14
	for _, l := range sb.freeList {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(l))
		off += 4
	}
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(sb.roots)))
	off += 4
	for idx, link := range sb.roots {
		binary.BigEndian.PutUint32(buf[off:off+4], idx)
		binary.BigEndian.PutUint32(buf[off+4:off+8], uint32(link))
		off += 8
	}
	sum := xxhash.Sum64(buf[:off])
	binary.BigEndian.PutUint64(buf[size-8:size], sum)
	return buf
}

func decodeSuperblock(buf []byte) (superblock, error) {
	if len(buf) < 22 {
		return superblock{}, errors.Wrap(common.ErrCorruption, "superblock truncated")
	}
	sb := superblock{
		magic:    binary.BigEndian.Uint32(buf[0:4]),
		capacity: binary.BigEndian.Uint16(buf[4:6]),
		nextLink: PageLink(binary.BigEndian.Uint32(buf[6:10])),
		roots:    make(map[TreeIndex]PageLink),
	}
	if sb.magic != superblockMagic {
		return superblock{}, errors.Wrap(common.ErrCorruption, "bad superblock magic")
	}
	n := binary.BigEndian.Uint32(buf[10:14])
	off := 14
	sb.freeList = make([]PageLink, 0, n)
	for i := uint32(0); i < n; i++ {
		sb.freeList = append(sb.freeList, PageLink(binary.BigEndian.Uint32(buf[off:off+4])))
		off += 4
	}
	rn := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	for i := uint32(0); i < rn; i++ {
		idx := binary.BigEndian.Uint32(buf[off : off+4])
		link := PageLink(binary.BigEndian.Uint32(buf[off+4 : off+8]))
		sb.roots[idx] = link
		off += 8
	}
	want := binary.BigEndian.Uint64(buf[len(buf)-8:])
	got := xxhash.Sum64(buf[:off])
	if want != got {
		return superblock{}, errors.Wrap(common.ErrCorruption, "superblock checksum mismatch")
	}
	return sb, nil
}

// PersistentPagePool is a file-backed page store. Page slots are fixed
// width (capacity + an 8-byte xxhash64 trailer) and addressed by link
// number; slot 0 is reserved for the superblock. Commit durability relies
// on ordering, not a write-ahead log: every modified page is written (and
// fsynced) to its slot before the superblock is overwritten to point at
// the new root, so a crash between those two fsyncs leaves the file
// readable at its last good commit. See DESIGN.md for why this replaces
// the teacher's separate WAL file.
type PersistentPagePool struct {
	mu sync.Mutex

	fs   afero.Fs
	path string
	file afero.File

	capacity PageSize
	slotSize int64

	sb superblock

	cache    map[PageLink]*Page
	modified map[PageLink]*Page
	dirty    bool // superblock needs a rewrite

	log   *zap.Logger
	stats *common.Stats
}

// OpenPersistentPagePool opens (or creates) a pagetree file at path on fs.
func OpenPersistentPagePool(fs afero.Fs, path string, capacity PageSize, log *zap.Logger) (*PersistentPagePool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if capacity < MinPageSize || capacity > MaxPageSize {
		return nil, errors.Wrap(common.ErrCorruption, "capacity outside [MinPageSize,MaxPageSize]")
	}
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "stat pagetree file")
	}

	slotSize := int64(capacity) + 8
	pool := &PersistentPagePool{
		fs: fs, path: path, capacity: capacity, slotSize: slotSize,
		cache: make(map[PageLink]*Page), modified: make(map[PageLink]*Page),
		log: log, stats: &common.Stats{},
	}

	if !exists {
		f, err := fs.Create(path)
		if err != nil {
			return nil, errors.Wrap(err, "create pagetree file")
		}
		pool.file = f
		pool.sb = superblock{magic: superblockMagic, capacity: capacity, nextLink: 1, roots: make(map[TreeIndex]PageLink)}
		if err := pool.writeSuperblock(); err != nil {
			return nil, err
		}
		return pool, nil
	}

	f, err := fs.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open pagetree file")
	}
	pool.file = f
	raw := make([]byte, slotSize)
	if _, err := f.ReadAt(raw, 0); err != nil {
		return nil, errors.Wrap(err, "read superblock")
	}
	sb, err := decodeSuperblock(raw)
	if err != nil {
		return nil, err
	}
	if sb.capacity != capacity {
		return nil, errors.Wrap(common.ErrCorruption, "capacity mismatch reopening pagetree file")
	}
	pool.sb = sb
	return pool, nil
}

// ProbePageSize reads a pagetree file's superblock magic and capacity
// field without constructing a full PersistentPagePool, which otherwise
// needs the page size up front to compute its own slot layout. It is
// meant for callers reopening a file whose page size they don't already
// know, e.g. a CLI that wants to print it before OpenPersistentPagePool.
func ProbePageSize(fs afero.Fs, path string) (PageSize, error) {
	f, err := fs.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open pagetree file")
	}
	defer f.Close()
	head := make([]byte, 6)
	if _, err := f.ReadAt(head, 0); err != nil {
		return 0, errors.Wrap(err, "read superblock header")
	}
	if binary.BigEndian.Uint32(head[0:4]) != superblockMagic {
		return 0, errors.Wrap(common.ErrCorruption, "bad superblock magic")
	}
	return PageSize(binary.BigEndian.Uint16(head[4:6])), nil
}

func (p *PersistentPagePool) Capacity() PageSize   { return p.capacity }
func (p *PersistentPagePool) Stats() *common.Stats { return p.stats }

func (p *PersistentPagePool) slotOffset(link PageLink) int64 {
	return int64(link) * p.slotSize
}

func (p *PersistentPagePool) writeSuperblock() error {
	buf := encodeSuperblock(p.sb, int(p.slotSize))
	if _, err := p.file.WriteAt(buf, 0); err != nil {
		return errors.Wrap(err, "write superblock")
	}
	return syncFile(p.file)
}

func syncFile(f afero.File) error {
	type syncer interface{ Sync() error }
	if s, ok := f.(syncer); ok {
		return s.Sync()
	}
	return nil
}

// RootFor returns the committed root link for the given tree index, or
// NullLink if the tree has never been committed.
func (p *PersistentPagePool) RootFor(idx TreeIndex) PageLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if link, ok := p.sb.roots[idx]; ok {
		return link
	}
	return NullLink
}

// setRoot stages a new committed root for idx; takes effect at the next
// commit().
func (p *PersistentPagePool) setRoot(idx TreeIndex, link PageLink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sb.roots[idx] = link
	p.dirty = true
}

func (p *PersistentPagePool) allocLink() PageLink {
	if n := len(p.sb.freeList); n > 0 {
		link := p.sb.freeList[n-1]
		p.sb.freeList = p.sb.freeList[:n-1]
		return link
	}
	link := p.sb.nextLink
	p.sb.nextLink++
	return link
}

func (p *PersistentPagePool) allocate(depth PageDepth, keyElemSize, valueElemSize PageSize) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	link := p.allocLink()
	page := NewPage(link, p.capacity, depth, keyElemSize, valueElemSize)
	page.SetPersistent(true)
	p.cache[link] = page
	p.modified[link] = page
	p.dirty = true
	p.stats.PageAllocations++
	return page, nil
}

func (p *PersistentPagePool) access(link PageLink) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accessLocked(link)
}

func (p *PersistentPagePool) accessLocked(link PageLink) (*Page, error) {
	page, err := p.rawLocked(link)
	if err != nil {
		return nil, err
	}
	if page.Free() {
		return nil, errors.Wrapf(common.ErrInvalidLink, "access of freed page %d", link)
	}
	return page, nil
}

// rawLocked resolves link to its page image without rejecting a page that
// is already marked free, for callers (Free itself) that need to inspect
// or flip that flag rather than treat it as inaccessible.
func (p *PersistentPagePool) rawLocked(link PageLink) (*Page, error) {
	if page, ok := p.cache[link]; ok {
		return page, nil
	}
	if !link.Valid() {
		return nil, errors.Wrap(common.ErrInvalidLink, "access of null link")
	}
	raw := make([]byte, p.slotSize)
	if _, err := p.file.ReadAt(raw, p.slotOffset(link)); err != nil {
		return nil, errors.Wrapf(err, "read page %d", link)
	}
	body, sum := raw[:p.capacity], raw[p.capacity:]
	want := binary.BigEndian.Uint64(sum)
	if xxhash.Sum64(body) != want {
		return nil, errors.Wrapf(common.ErrCorruption, "checksum mismatch on page %d", link)
	}
	page, err := DecodePage(body)
	if err != nil {
		return nil, errors.Wrapf(err, "decode page %d", link)
	}
	p.cache[link] = page
	p.stats.PageReads++
	return page, nil
}

func (p *PersistentPagePool) Free(link PageLink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !link.Valid() {
		return common.ErrFreeNull
	}
	page, err := p.rawLocked(link)
	if err != nil {
		return err
	}
	if page.Free() {
		return common.ErrFreeFreed
	}
	page.SetFree(true)
	delete(p.modified, link)
	p.sb.freeList = append(p.sb.freeList, link)
	p.dirty = true
	p.stats.PageFrees++
	return nil
}

func (p *PersistentPagePool) modify(link PageLink, page *Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page.SetModified(true)
	p.modified[link] = page
}

func (p *PersistentPagePool) shadow(src *Page) (*Page, error) {
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

// commit writes every modified page's image to its slot, fsyncs, then
// rewrites and fsyncs the superblock. On success the modified set is
// cleared; a failure midway leaves the file at its prior commit, since
// the superblock has not yet moved.
func (p *PersistentPagePool) commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for link, page := range p.modified {
		page.SetModified(false)
		page.SetStored(true)
		body := page.Encode()
		raw := make([]byte, p.slotSize)
		copy(raw, body)
		sum := xxhash.Sum64(body)
		binary.BigEndian.PutUint64(raw[p.capacity:], sum)
		if _, err := p.file.WriteAt(raw, p.slotOffset(link)); err != nil {
			return errors.Wrapf(err, "write page %d", link)
		}
		p.stats.PageWrites++
		delete(p.modified, link)
	}
	if err := syncFile(p.file); err != nil {
		return errors.Wrap(err, "fsync pages before superblock swap")
	}
	if err := p.writeSuperblock(); err != nil {
		return err
	}
	p.dirty = false
	p.stats.Commits++
	return nil
}

// recover discards the in-memory modified set and reloads the
// superblock, undoing everything staged since the last successful
// commit.
func (p *PersistentPagePool) recover() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for link, page := range p.modified {
		page.SetFree(true)
		delete(p.cache, link)
		delete(p.modified, link)
	}
	raw := make([]byte, p.slotSize)
	if _, err := p.file.ReadAt(raw, 0); err != nil {
		return errors.Wrap(err, "reread superblock")
	}
	sb, err := decodeSuperblock(raw)
	if err != nil {
		return err
	}
	p.sb = sb
	p.dirty = false
	p.stats.Recovers++
	return nil
}

// Close closes the underlying file. It writes nothing: outstanding changes
// that were not committed are not saved.
func (p *PersistentPagePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}
