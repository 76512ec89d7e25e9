package btree

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/latticedb/pagetree/common"
)

// trailFrame is one level of a descent from root to leaf: the page
// visited at that level and the child index taken out of it. For the
// bottom (leaf) frame, index is the entry position located by the last
// locate() call — an insertion point if exact is false.
type trailFrame struct {
	link  PageLink
	page  *Page
	index int // child index (node frames) or entry index (leaf frame)
	exact bool
}

// Trail is the cursor stack produced by descending a Tree from its root.
// It records the exact path taken, which is what lets Tree propagate a
// shadow page's new link back up to a new root during copy-on-update, and
// what lets Iterator step to the next or previous leaf without a sibling
// pointer on the page itself.
type Trail struct {
	frames []trailFrame
}

func newTrail() *Trail { return &Trail{frames: make([]trailFrame, 0, MaxDepth+1)} }

func (t *Trail) push(f trailFrame) { t.frames = append(t.frames, f) }

func (t *Trail) depth() int { return len(t.frames) }

// leaf returns the bottom frame (the page where the search ended).
func (t *Trail) leaf() *trailFrame { return &t.frames[len(t.frames)-1] }

// at returns the frame at the given depth (0 == root).
func (t *Trail) at(level int) *trailFrame { return &t.frames[level] }

// splitMatch returns the level of the shallowest ancestor frame whose
// own locate() hit was exact — meaning the search key equals that
// ancestor's separator key, so the value lives in a descendant leaf's
// split slot rather than as an ordinary indexed entry anywhere along
// the path. It returns -1 if no ancestor matched exactly, i.e. the
// trail's leaf frame is the authority on whether the key was found.
func (t *Trail) splitMatch() int {
	for level := 0; level < len(t.frames)-1; level++ {
		if t.frames[level].exact {
			return level
		}
	}
	return -1
}

// replacePage swaps in a shadow page at the given level; used by Tree's
// copy-on-update path once a mutation has produced a new page image that
// must be threaded up to the root.
func (t *Trail) replacePage(level int, link PageLink, page *Page) {
	t.frames[level].link = link
	t.frames[level].page = page
}

// descend walks from the root down to a leaf following key, pushing one
// frame per level. cmp orders keys; pool resolves PageLink to *Page.
func descend(root PageLink, key []byte, cmp Comparator, pool pageSource) (*Trail, error) {
	trail := newTrail()
	link := root
	for {
		page, err := pool.access(link)
		if err != nil {
			return nil, err
		}
		idx, exact, err := locate(page, key, cmp)
		if err != nil {
			return nil, err
		}
		if page.IsLeaf() {
			trail.push(trailFrame{link: link, page: page, index: int(idx), exact: exact})
			return trail, nil
		}
		child := childIndex(idx, exact)
		trail.push(trailFrame{link: link, page: page, index: child, exact: exact})
		if child < 0 {
			if !page.SplitDefined() {
				return nil, errors.Wrap(common.ErrCorruption, "node missing split child")
			}
			link = PageLink(binary.BigEndian.Uint32(page.Split()))
		} else {
			link, err = page.ChildAt(PageIndex(child))
			if err != nil {
				return nil, err
			}
		}
		if trail.depth() > int(MaxDepth)+1 {
			return nil, common.ErrMaxDepthExceeded
		}
	}
}

// pageSource is the minimal page-resolution capability Trail needs from a
// pool: turn a link into the *Page it currently addresses.
type pageSource interface {
	access(PageLink) (*Page, error)
}

// nextLeaf advances the trail to the next leaf to the right, returning
// false if the current leaf is the last one in the tree.
func (t *Trail) nextLeaf(pool pageSource) (bool, error) {
	level := len(t.frames) - 1
	for level > 0 {
		parent := t.frames[level-1]
		nextChild := parent.index + 1
		if nextChild < int(parent.page.Count()) {
			link, err := parent.page.ChildAt(PageIndex(nextChild))
			if err != nil {
				return false, err
			}
			t.frames = t.frames[:level]
			t.frames[level-1].index = nextChild
			return true, descendLeftmost(t, link, pool)
		}
		level--
	}
	return false, nil
}

// previousLeaf is nextLeaf's mirror image, walking to the preceding leaf.
func (t *Trail) previousLeaf(pool pageSource) (bool, error) {
	level := len(t.frames) - 1
	for level > 0 {
		parent := t.frames[level-1]
		prevChild := parent.index - 1
		if prevChild >= -1 {
			t.frames = t.frames[:level]
			t.frames[level-1].index = prevChild
			var link PageLink
			if prevChild < 0 {
				link = PageLink(binary.BigEndian.Uint32(parent.page.Split()))
			} else {
				var err error
				link, err = parent.page.ChildAt(PageIndex(prevChild))
				if err != nil {
					return false, err
				}
			}
			return true, descendRightmost(t, link, pool)
		}
		level--
	}
	return false, nil
}

func descendLeftmost(t *Trail, link PageLink, pool pageSource) error {
	for {
		page, err := pool.access(link)
		if err != nil {
			return err
		}
		if page.IsLeaf() {
			t.frames = append(t.frames, trailFrame{link: link, page: page, index: 0})
			return nil
		}
		child := -1
		if !page.SplitDefined() && page.Count() > 0 {
			child = 0
		}
		t.frames = append(t.frames, trailFrame{link: link, page: page, index: child})
		if child < 0 {
			link = PageLink(binary.BigEndian.Uint32(page.Split()))
		} else {
			link, err = page.ChildAt(PageIndex(child))
			if err != nil {
				return err
			}
		}
	}
}

func descendRightmost(t *Trail, link PageLink, pool pageSource) error {
	for {
		page, err := pool.access(link)
		if err != nil {
			return err
		}
		if page.IsLeaf() {
			idx := 0
			if page.Count() > 0 {
				idx = int(page.Count()) - 1
			}
			t.frames = append(t.frames, trailFrame{link: link, page: page, index: idx})
			return nil
		}
		child := int(page.Count()) - 1
		t.frames = append(t.frames, trailFrame{link: link, page: page, index: child})
		var err error
		link, err = page.ChildAt(PageIndex(child))
		if err != nil {
			return err
		}
	}
}
