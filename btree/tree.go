package btree

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/latticedb/pagetree/common"
)

// Tree is an ordered key-value index over a pool of fixed-capacity pages.
// Several Trees may share one pool — see Forest — in which case their
// pages are interleaved in the same pool but never cross-reference one
// another's entries.
//
// A Tree is not safe for concurrent use. Mutating methods return an
// error instead of panicking on a malformed key/value or a corrupt page,
// matching the teacher's style of surfacing storage faults as ordinary
// errors rather than exceptions.
type Tree struct {
	pool pool
	cmp  Comparator
	mode UpdateMode

	keyElemSize   PageSize
	valueElemSize PageSize

	index TreeIndex // FreeStandingTree unless owned by a Forest

	root        PageLink
	committedAt PageLink // root as of the last Commit
	size        int64    // incrementally maintained entry count
	obsolete    []PageLink

	log   *zap.Logger
	stats *common.Stats
}

// NewTree creates a Tree with a single empty leaf as its root.
func NewTree(p pool, cmp Comparator, mode UpdateMode, keyElemSize, valueElemSize PageSize, log *zap.Logger) (*Tree, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cmp == nil {
		cmp = ByteOrder
	}
	root, err := p.allocate(0, keyElemSize, valueElemSize)
	if err != nil {
		return nil, err
	}
	t := &Tree{
		pool: p, cmp: cmp, mode: mode,
		keyElemSize: keyElemSize, valueElemSize: valueElemSize,
		index: FreeStandingTree,
		root:  root.Link(), committedAt: root.Link(),
		log: log, stats: p.Stats(),
	}
	return t, nil
}

// OpenTree resumes a Tree whose root link is already known (e.g. loaded
// from a Forest's registry or a persistent pool's superblock).
func OpenTree(p pool, root PageLink, cmp Comparator, mode UpdateMode, keyElemSize, valueElemSize PageSize, log *zap.Logger) (*Tree, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cmp == nil {
		cmp = ByteOrder
	}
	return &Tree{
		pool: p, cmp: cmp, mode: mode,
		keyElemSize: keyElemSize, valueElemSize: valueElemSize,
		index: FreeStandingTree,
		root:  root, committedAt: root,
		log: log, stats: p.Stats(),
	}, nil
}

func (t *Tree) effectiveMode() UpdateMode { return t.mode.resolve(persistent(t.pool)) }

func (t *Tree) Root() PageLink { return t.root }
func (t *Tree) Empty() bool    { return t.size == 0 }
func (t *Tree) Count() int64   { return t.size }

// Depth reports tree height (0 for a single-leaf tree) by reading the
// depth recorded in the current root page's header.
func (t *Tree) Depth() (PageDepth, error) {
	page, err := t.pool.access(t.root)
	if err != nil {
		return 0, err
	}
	return page.Depth(), nil
}

// Lookup returns the value stored for key, if any. A key that exactly
// matches an ancestor's separator is not indexed on the leaf itself —
// by construction its value lives in that leaf's split slot instead
// (see the Page split-slot invariant), so a hit there is reported the
// same as an ordinary indexed hit.
func (t *Tree) Lookup(key []byte) ([]byte, bool, error) {
	t.stats.Finds++
	trail, err := descend(t.root, key, t.cmp, t.pool)
	if err != nil {
		return nil, false, err
	}
	leaf := trail.leaf()
	var value []byte
	switch {
	case leaf.exact:
		value, err = leaf.page.Value(PageIndex(leaf.index))
		if err != nil {
			return nil, false, err
		}
	case trail.splitMatch() >= 0:
		if !leaf.page.SplitDefined() {
			return nil, false, errors.Wrap(common.ErrCorruption, "ancestor separator with no leaf split value")
		}
		value = leaf.page.Split()
	default:
		return nil, false, nil
	}
	t.stats.Retrievals++
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

// Contains reports whether key is indexed.
func (t *Tree) Contains(key []byte) (bool, error) {
	_, found, err := t.Lookup(key)
	return found, err
}

// Insert adds key with value and reports inserted=true. An
// already-present key is reported by returning inserted=false (and no
// error) without modifying the tree.
func (t *Tree) Insert(key, value []byte) (inserted bool, err error) {
	trail, err := descend(t.root, key, t.cmp, t.pool)
	if err != nil {
		return false, err
	}
	leaf := trail.leaf()
	if leaf.exact || trail.splitMatch() >= 0 {
		return false, nil
	}
	if err := t.insertAt(trail, key, value); err != nil {
		return false, err
	}
	t.size++
	t.stats.Insertions++
	return true, nil
}

// Replace overwrites the value for an existing key, reporting found=false
// if the key is absent. A key that lives in a leaf's split slot has its
// split value overwritten in place; the ancestor holding the key is
// untouched since only the value, never the key, changes.
func (t *Tree) Replace(key, value []byte) (found bool, err error) {
	trail, err := descend(t.root, key, t.cmp, t.pool)
	if err != nil {
		return false, err
	}
	leaf := trail.leaf()
	level := trail.depth() - 1
	switch {
	case leaf.exact:
		page, link, err := t.beginMutation(trail, level)
		if err != nil {
			return false, err
		}
		if err := page.Replace(PageIndex(leaf.index), value); err != nil {
			return false, err
		}
		if err := t.propagate(trail, level, link); err != nil {
			return false, err
		}
	case trail.splitMatch() >= 0:
		page, link, err := t.beginMutation(trail, level)
		if err != nil {
			return false, err
		}
		if err := page.SetSplit(value); err != nil {
			return false, err
		}
		if err := t.propagate(trail, level, link); err != nil {
			return false, err
		}
	default:
		return false, nil
	}
	t.stats.Replacements++
	return true, nil
}

// Assign upserts key to value, inserting it if absent.
func (t *Tree) Assign(key, value []byte) error {
	found, err := t.Replace(key, value)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	_, err = t.Insert(key, value)
	return err
}

// Erase removes key, reporting found=false if it was absent.
func (t *Tree) Erase(key []byte) (found bool, err error) {
	trail, err := descend(t.root, key, t.cmp, t.pool)
	if err != nil {
		return false, err
	}
	leaf := trail.leaf()
	if !leaf.exact && trail.splitMatch() < 0 {
		return false, nil
	}
	if err := t.eraseAt(trail); err != nil {
		return false, err
	}
	t.size--
	t.stats.Removals++
	return true, nil
}

// Clear discards every entry, replacing the root with a fresh empty leaf.
// Old pages are not individually walked and freed: the pool's allocator
// simply never reuses them until the underlying pool itself is recycled.
// This trades reclaiming their storage for avoiding an O(pages) release
// pass that offers no benefit to a Tree being cleared precisely because
// its contents are no longer wanted.
func (t *Tree) Clear() error {
	root, err := t.pool.allocate(0, t.keyElemSize, t.valueElemSize)
	if err != nil {
		return err
	}
	t.root = root.Link()
	t.size = 0
	return nil
}

// Commit publishes the tree's mutations since the last Commit, freeing
// any pages that copy-on-update shadowing left unreachable and (for a
// PersistentPagePool) writing the shadow pages to disk.
func (t *Tree) Commit() error {
	if t.index != FreeStandingTree {
		return common.ErrInForest
	}
	if pp, ok := t.pool.(*PersistentPagePool); ok {
		pp.setRoot(t.index, t.root)
	}
	if err := t.pool.commit(); err != nil {
		return err
	}
	return t.finalizeCommit()
}

// finalizeCommit performs the per-tree bookkeeping half of Commit,
// without touching the pool's shared commit — Forest.Commit calls the
// pool's commit once for all the trees it owns, then finalizes each in
// turn, so one Forest commit is one durable write, not N.
func (t *Tree) finalizeCommit() error {
	for _, link := range t.obsolete {
		if err := t.pool.Free(link); err != nil && !errors.Is(err, common.ErrFreeFreed) {
			return err
		}
	}
	t.obsolete = t.obsolete[:0]
	t.committedAt = t.root
	return nil
}

// Recover discards every uncommitted mutation, reverting to the root as
// of the last Commit. It is only meaningful for MemoryTransaction and
// PersistentTransaction modes: InPlace mutates pages directly, so there
// is nothing left to undo and Recover is a no-op other than resetting
// bookkeeping.
func (t *Tree) Recover() error {
	if t.index != FreeStandingTree {
		return common.ErrInForest
	}
	if t.effectiveMode() == InPlace {
		t.obsolete = t.obsolete[:0]
		return nil
	}
	if err := t.pool.recover(); err != nil {
		return err
	}
	t.root = t.committedAt
	t.obsolete = t.obsolete[:0]
	return nil
}

// beginMutation prepares the page at trail level for mutation, returning
// the page to mutate and the link it will live at afterward. In InPlace
// mode this is the original page and link. In a transaction mode it is a
// freshly shadowed copy; the caller must follow up with propagate to
// thread the new link up to the root.
func (t *Tree) beginMutation(trail *Trail, level int) (*Page, PageLink, error) {
	frame := trail.at(level)
	if t.effectiveMode() == InPlace {
		t.pool.modify(frame.link, frame.page)
		return frame.page, frame.link, nil
	}
	shadow, err := t.pool.shadow(frame.page)
	if err != nil {
		return nil, 0, err
	}
	return shadow, shadow.Link(), nil
}

// propagate installs the mutated page's link into its parent, repeating
// up to the root. If mode is InPlace the link never changes identity so
// this only updates trail bookkeeping; in a transaction mode every
// ancestor is shadowed in turn and the old links are queued in
// t.obsolete for release on the next Commit.
func (t *Tree) propagate(trail *Trail, level int, newLink PageLink) error {
	frame := trail.at(level)
	oldLink := frame.link
	frame.link = newLink
	frame.page, _ = t.pool.access(newLink)
	trail.replacePage(level, newLink, frame.page)

	if level == 0 {
		if newLink != oldLink {
			t.root = newLink
			if t.effectiveMode() != InPlace {
				t.obsolete = append(t.obsolete, oldLink)
			}
		}
		return nil
	}
	if newLink == oldLink {
		return nil // in-place: parent's child pointer is already correct
	}
	t.obsolete = append(t.obsolete, oldLink)

	parentPage, parentLink, err := t.beginMutation(trail, level-1)
	if err != nil {
		return err
	}
	parentFrame := trail.at(level - 1)
	if parentFrame.index < 0 {
		if err := parentPage.SetSplit(encodeLink(newLink)); err != nil {
			return err
		}
	} else {
		if err := parentPage.Replace(PageIndex(parentFrame.index), encodeLink(newLink)); err != nil {
			return err
		}
	}
	return t.propagate(trail, level-1, parentLink)
}

// insertAt places key/value at the leaf trail located, splitting pages
// up the trail as needed to make room.
func (t *Tree) insertAt(trail *Trail, key, value []byte) error {
	level := trail.depth() - 1
	leaf := trail.at(level)
	if leaf.page.EntryFit(len(key), len(value)) {
		page, link, err := t.beginMutation(trail, level)
		if err != nil {
			return err
		}
		if err := page.Insert(PageIndex(leaf.index), key, value); err != nil {
			return err
		}
		return t.propagate(trail, level, link)
	}
	return t.growAndInsert(trail, key, value)
}

// eraseAt removes the entry the trail located, then tries to relieve an
// undersized page by borrowing from or merging with a sibling. If the
// entry lives as an indexed key-value on the leaf it is removed
// directly; if it lives as a split value whose key resides in an
// ancestor, nextSplit handles the promotion/removal instead.
func (t *Tree) eraseAt(trail *Trail) error {
	level := trail.depth() - 1
	if match := trail.splitMatch(); match >= 0 {
		return t.nextSplit(trail, match)
	}
	leaf := trail.at(level)
	page, link, err := t.beginMutation(trail, level)
	if err != nil {
		return err
	}
	if err := page.Remove(PageIndex(leaf.index)); err != nil {
		return err
	}
	if err := t.propagate(trail, level, link); err != nil {
		return err
	}
	return t.shrinkIfNeeded(trail, level)
}

// nextSplit erases a key whose value lives in trail's leaf's split slot
// and whose key is separator matchLevel in an ancestor. If the leaf
// still holds indexed entries, its own entry 0 is promoted into the
// split slot (discarding the old split value being erased) and the
// ancestor's separator key is rewritten to match the promoted entry's
// key. If the leaf has no entries of its own, there is nothing left to
// promote: the ancestor's reference to the now-valueless leaf (and
// every split-edge-only page on the path down to it) is removed
// outright instead.
func (t *Tree) nextSplit(trail *Trail, matchLevel int) error {
	level := trail.depth() - 1
	leaf := trail.at(level)
	if leaf.page.Count() == 0 {
		return t.eraseAncestorEntry(trail, matchLevel)
	}
	promotedKey, err := leaf.page.Key(0)
	if err != nil {
		return err
	}
	promotedValue, err := leaf.page.Value(0)
	if err != nil {
		return err
	}
	promotedKey = append([]byte{}, promotedKey...)
	promotedValue = append([]byte{}, promotedValue...)

	page, link, err := t.beginMutation(trail, level)
	if err != nil {
		return err
	}
	if err := page.SetSplit(promotedValue); err != nil {
		return err
	}
	if err := page.Remove(0); err != nil {
		return err
	}
	if err := t.propagate(trail, level, link); err != nil {
		return err
	}

	ancestorFrame := trail.at(matchLevel)
	childValue, err := ancestorFrame.page.Value(PageIndex(ancestorFrame.index))
	if err != nil {
		return err
	}
	ancestorPage, ancestorLink, err := t.beginMutation(trail, matchLevel)
	if err != nil {
		return err
	}
	if err := ancestorPage.ReplaceKeyValue(PageIndex(ancestorFrame.index), promotedKey, childValue); err != nil {
		return err
	}
	if err := t.propagate(trail, matchLevel, ancestorLink); err != nil {
		return err
	}
	return t.shrinkIfNeeded(trail, level)
}

// eraseAncestorEntry removes matchLevel's separator/child entry for a
// leaf whose split value was just erased and which holds no entries of
// its own, freeing every page on the path from matchLevel's child down
// to the leaf — all of it was reachable only through this one entry.
func (t *Tree) eraseAncestorEntry(trail *Trail, matchLevel int) error {
	for lvl := matchLevel + 1; lvl < trail.depth(); lvl++ {
		if err := t.obsoletePage(trail.at(lvl).link); err != nil {
			return err
		}
	}
	ancestorFrame := trail.at(matchLevel)
	page, link, err := t.beginMutation(trail, matchLevel)
	if err != nil {
		return err
	}
	if err := page.Remove(PageIndex(ancestorFrame.index)); err != nil {
		return err
	}
	if err := t.propagate(trail, matchLevel, link); err != nil {
		return err
	}
	return t.shrinkIfNeeded(trail, matchLevel)
}
