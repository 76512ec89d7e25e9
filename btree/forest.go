package btree

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/latticedb/pagetree/common"
)

// forestRegistryIndex is the reserved TreeIndex a Forest uses for its own
// registry tree's root, kept one past the range Plant hands out so a
// planted tree can never collide with it.
const forestRegistryIndex TreeIndex = TreeIndexMax

// Forest manages a set of Trees that share one pool and commit together:
// a single Forest.Commit call durably publishes every planted tree's
// mutations as one atomic unit, because they all land in the same pool's
// modified set before that pool's own commit ever runs. Each child tree's
// key/value shape is recorded nowhere but its own root page header, so
// Open recovers it by reading that header rather than from the registry.
type Forest struct {
	pool     pool
	cmp      Comparator
	mode     UpdateMode
	registry *Tree
	trees    map[TreeIndex]*Tree
	nextIdx  TreeIndex
	log      *zap.Logger
}

// NewForest opens (or creates) a Forest over pool. For a PersistentPagePool
// that already has a committed registry root, the registry tree resumes
// from it; otherwise a fresh one is planted.
func NewForest(p pool, cmp Comparator, mode UpdateMode, log *zap.Logger) (*Forest, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cmp == nil {
		cmp = ByteOrder
	}
	f := &Forest{pool: p, cmp: cmp, mode: mode, trees: make(map[TreeIndex]*Tree), nextIdx: 1, log: log}

	var registry *Tree
	if pp, ok := p.(*PersistentPagePool); ok {
		if root := pp.RootFor(forestRegistryIndex); root.Valid() {
			r, err := OpenTree(p, root, cmp, mode, 4, pageLinkSize, log)
			if err != nil {
				return nil, err
			}
			registry = r
		}
	}
	if registry == nil {
		r, err := NewTree(p, cmp, mode, 4, pageLinkSize, log)
		if err != nil {
			return nil, err
		}
		registry = r
	}
	registry.index = forestRegistryIndex
	f.registry = registry
	return f, nil
}

func encodeTreeIndex(idx TreeIndex) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, idx)
	return b
}

// Plant creates a new child tree of the given key/value shape and
// registers it under a freshly issued TreeIndex.
func (f *Forest) Plant(keyElemSize, valueElemSize PageSize) (*Tree, TreeIndex, error) {
	var idx TreeIndex
	for {
		if f.nextIdx >= forestRegistryIndex {
			return nil, 0, errors.Wrap(common.ErrOutOfMemory, "forest tree index space exhausted")
		}
		idx = f.nextIdx
		f.nextIdx++
		taken, err := f.registry.Contains(encodeTreeIndex(idx))
		if err != nil {
			return nil, 0, err
		}
		if !taken {
			break
		}
	}
	tree, err := NewTree(f.pool, f.cmp, f.mode, keyElemSize, valueElemSize, f.log)
	if err != nil {
		return nil, 0, err
	}
	tree.index = idx
	f.trees[idx] = tree
	if _, err := f.registry.Insert(encodeTreeIndex(idx), encodeLink(tree.Root())); err != nil {
		return nil, 0, err
	}
	return tree, idx, nil
}

// Open returns the tree registered under idx, reading its shape off its
// current root page header the first time it's touched in this process.
func (f *Forest) Open(idx TreeIndex) (*Tree, error) {
	if t, ok := f.trees[idx]; ok {
		return t, nil
	}
	rootBytes, found, err := f.registry.Lookup(encodeTreeIndex(idx))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(common.ErrNotFound, "forest tree index %d", idx)
	}
	root := PageLink(binary.BigEndian.Uint32(rootBytes))
	page, err := f.pool.access(root)
	if err != nil {
		return nil, err
	}
	tree, err := OpenTree(f.pool, root, f.cmp, f.mode, page.KeyElemSize(), page.ValElemSize(), f.log)
	if err != nil {
		return nil, err
	}
	tree.index = idx
	f.trees[idx] = tree
	return tree, nil
}

// Uproot removes a tree from the forest's registry. It does not walk and
// free the tree's pages, and neither does Tree.Clear, so the removed
// tree's pages are not returned to the pool.
func (f *Forest) Uproot(idx TreeIndex) error {
	delete(f.trees, idx)
	_, err := f.registry.Erase(encodeTreeIndex(idx))
	return err
}

// Commit synchronizes every open tree's current root into the registry,
// stages (for a persistent pool) the registry root and each open tree's
// direct TreeIndex-to-root shortcut into the superblock, then flushes the
// shared pool exactly once so the whole forest advances atomically, and
// finally finalizes per-tree bookkeeping (obsolete page release,
// committedAt).
func (f *Forest) Commit() error {
	for idx, t := range f.trees {
		if _, err := f.registry.Replace(encodeTreeIndex(idx), encodeLink(t.Root())); err != nil {
			return err
		}
	}
	if pp, ok := f.pool.(*PersistentPagePool); ok {
		pp.setRoot(f.registry.index, f.registry.root)
		for idx, t := range f.trees {
			pp.setRoot(idx, t.root)
		}
	}
	if err := f.pool.commit(); err != nil {
		return err
	}
	if err := f.registry.finalizeCommit(); err != nil {
		return err
	}
	for _, t := range f.trees {
		if err := t.finalizeCommit(); err != nil {
			return err
		}
	}
	return nil
}

// Recover reverts the registry and every open tree to their state as of
// the last Commit.
func (f *Forest) Recover() error {
	if err := f.pool.recover(); err != nil {
		return err
	}
	f.registry.root = f.registry.committedAt
	f.registry.obsolete = f.registry.obsolete[:0]
	for _, t := range f.trees {
		t.root = t.committedAt
		t.obsolete = t.obsolete[:0]
	}
	return nil
}
