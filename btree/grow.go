package btree

import "github.com/latticedb/pagetree/common"

// optimalCut picks the index that splits entries into two halves whose
// encoded byte costs are as close to equal as possible, rather than
// splitting at the midpoint by entry count. Array-shaped keys/values can
// vary wildly in size, so a count-based cut (the teacher's splitLeaf/
// splitInternal strategy) can leave one half nearly empty; this instead
// walks the cumulative marginal cost of each entry and stops at the
// index nearest half of the total.
func optimalCut(entries []rawEntry, keyElemSize, valueElemSize PageSize, lo, hi int) int {
	n := len(entries)
	if n == 0 {
		return 0
	}
	cost := make([]int, n)
	total := 0
	keyArray := keyElemSize == 0
	valArray := valueElemSize == 0
	for i, e := range entries {
		c := int(keyElemSize) + int(valueElemSize)
		if keyArray {
			c = len(e.Key) + 4
		}
		if valArray {
			c += len(e.Value) + 4
		} else if keyArray {
			c += int(valueElemSize)
		}
		cost[i] = c
		total += c
	}
	half := total / 2
	best, bestDiff := lo, -1
	running := 0
	for i := 0; i < n; i++ {
		running += cost[i]
		cut := i + 1
		if cut < lo || cut > hi {
			continue
		}
		diff := running - half
		if diff < 0 {
			diff = -diff
		}
		if bestDiff == -1 || diff < bestDiff {
			best, bestDiff = cut, diff
		}
	}
	if bestDiff == -1 {
		if lo < 1 {
			lo = 1
		}
		if lo > n-1 {
			lo = n - 1
		}
		return lo
	}
	return best
}

func cloneEntries(src []rawEntry) []rawEntry {
	out := make([]rawEntry, len(src))
	copy(out, src)
	return out
}

func insertEntry(entries []rawEntry, at int, e rawEntry) []rawEntry {
	out := make([]rawEntry, 0, len(entries)+1)
	out = append(out, entries[:at]...)
	out = append(out, e)
	out = append(out, entries[at:]...)
	return out
}

// growAndInsert handles a leaf page that is too full for the pending
// insert: the leaf is split in two at a byte-balanced cut and the new
// entry lands on whichever side it belongs, then the right half's first
// key is promoted into the parent as a new separator.
func (t *Tree) growAndInsert(trail *Trail, key, value []byte) error {
	t.stats.Grows++
	level := trail.depth() - 1
	frame := trail.at(level)
	entries, origSplit, err := frame.page.decode()
	if err != nil {
		return err
	}
	working := insertEntry(cloneEntries(entries), frame.index, rawEntry{
		Key: append([]byte{}, key...), Value: append([]byte{}, value...),
	})

	cut := optimalCut(working, frame.page.KeyElemSize(), frame.page.ValElemSize(), 1, len(working)-1)
	leftEntries, rightEntries := working[:cut], working[cut:]

	leftPage, leftLink, err := t.beginMutation(trail, level)
	if err != nil {
		return err
	}
	if err := leftPage.encode(leftEntries, origSplit); err != nil {
		return err
	}

	// The promoted separator's key moves up into the parent, but per the
	// split-slot invariant its value stays down here: entry 0 of the
	// right half is removed from the indexed array and its value becomes
	// the right page's split value, addressed only through the ancestor
	// that now holds its key.
	separator := append([]byte{}, rightEntries[0].Key...)
	splitValue := append([]byte{}, rightEntries[0].Value...)

	rightPage, err := t.pool.allocate(0, frame.page.KeyElemSize(), frame.page.ValElemSize())
	if err != nil {
		return err
	}
	if err := rightPage.encode(rightEntries[1:], splitValue); err != nil {
		return err
	}
	t.pool.modify(rightPage.Link(), rightPage)
	t.stats.SplitUpdates++

	if err := t.propagate(trail, level, leftLink); err != nil {
		return err
	}
	return t.insertChild(trail, level-1, separator, rightPage.Link())
}

// insertChild places a new (separatorKey, childLink) pair into the node
// at the given trail level, splitting it (and recursing upward) if it
// doesn't fit, or growing a brand-new root if level runs off the top of
// the trail.
func (t *Tree) insertChild(trail *Trail, level int, key []byte, childLink PageLink) error {
	if level < 0 {
		oldRoot, err := t.pool.access(t.root)
		if err != nil {
			return err
		}
		if oldRoot.Depth()+1 > MaxDepth {
			return common.ErrMaxDepthExceeded
		}
		return t.growRoot(key, childLink)
	}
	frame := trail.at(level)
	childBytes := encodeLink(childLink)
	if frame.page.EntryFit(len(key), len(childBytes)) {
		page, link, err := t.beginMutation(trail, level)
		if err != nil {
			return err
		}
		if err := page.Insert(PageIndex(frame.index+1), key, childBytes); err != nil {
			return err
		}
		return t.propagate(trail, level, link)
	}
	return t.growNode(trail, level, key, childLink)
}

// growNode splits an overflowing node. The entry at the chosen cut is
// removed from the page body and promoted to the parent: its key becomes
// the new separator and its child link becomes the right page's split
// pointer (the child for everything less than the first key that remains
// on the right).
func (t *Tree) growNode(trail *Trail, level int, key []byte, childLink PageLink) error {
	t.stats.Grows++
	frame := trail.at(level)
	entries, split, err := frame.page.decode()
	if err != nil {
		return err
	}
	working := insertEntry(cloneEntries(entries), frame.index+1, rawEntry{
		Key: append([]byte{}, key...), Value: append([]byte{}, encodeLink(childLink)...),
	})

	cut := optimalCut(working, frame.page.KeyElemSize(), frame.page.ValElemSize(), 1, len(working)-2)
	leftEntries := working[:cut]
	mid := working[cut]
	rightEntries := working[cut+1:]

	leftPage, leftLink, err := t.beginMutation(trail, level)
	if err != nil {
		return err
	}
	if err := leftPage.encode(leftEntries, split); err != nil {
		return err
	}

	rightPage, err := t.pool.allocate(frame.page.Depth(), frame.page.KeyElemSize(), frame.page.ValElemSize())
	if err != nil {
		return err
	}
	if err := rightPage.encode(rightEntries, mid.Value); err != nil {
		return err
	}
	t.pool.modify(rightPage.Link(), rightPage)
	t.stats.SplitUpdates++

	if err := t.propagate(trail, level, leftLink); err != nil {
		return err
	}
	return t.insertChild(trail, level-1, mid.Key, rightPage.Link())
}

// growRoot builds a new root one level taller when the current root
// itself had to split.
func (t *Tree) growRoot(key []byte, rightLink PageLink) error {
	oldRoot, err := t.pool.access(t.root)
	if err != nil {
		return err
	}
	newRoot, err := t.pool.allocate(oldRoot.Depth()+1, t.keyElemSize, pageLinkSize)
	if err != nil {
		return err
	}
	if err := newRoot.SetSplit(encodeLink(t.root)); err != nil {
		return err
	}
	if err := newRoot.Insert(0, key, encodeLink(rightLink)); err != nil {
		return err
	}
	t.pool.modify(newRoot.Link(), newRoot)
	t.root = newRoot.Link()
	t.stats.RootUpdates++
	return nil
}
