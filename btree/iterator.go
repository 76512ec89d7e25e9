package btree

import "github.com/pkg/errors"

// Iterator walks a Tree's entries in key order, forward or backward, from
// a starting key (or the first/last entry). It holds a Trail snapshot
// rather than re-descending on every step, so stepping is O(log n)
// amortized and O(1) when it stays within the current leaf.
type Iterator struct {
	tree  *Tree
	trail *Trail
	done  bool
	err   error
}

// Find starts an iterator positioned at key, or at the first key greater
// than key if key is absent.
func (t *Tree) Find(key []byte) (*Iterator, error) {
	trail, err := descend(t.root, key, t.cmp, t.pool)
	if err != nil {
		return nil, err
	}
	it := &Iterator{tree: t, trail: trail}
	if !trail.leaf().exact && trail.leaf().index >= int(trail.leaf().page.Count()) {
		ok, err := trail.nextLeaf(t.pool)
		if err != nil {
			return nil, err
		}
		if !ok {
			it.done = true
		} else {
			trail.leaf().index = 0
		}
	}
	return it, nil
}

// First returns an iterator positioned at the tree's smallest key.
func (t *Tree) First() (*Iterator, error) {
	trail := newTrail()
	if err := descendLeftmost(trail, t.root, t.pool); err != nil {
		return nil, err
	}
	it := &Iterator{tree: t, trail: trail}
	if trail.leaf().page.Count() == 0 {
		it.done = true
	}
	return it, nil
}

// Last returns an iterator positioned at the tree's largest key.
func (t *Tree) Last() (*Iterator, error) {
	trail := newTrail()
	if err := descendRightmost(trail, t.root, t.pool); err != nil {
		return nil, err
	}
	it := &Iterator{tree: t, trail: trail}
	if trail.leaf().page.Count() == 0 {
		it.done = true
	}
	return it, nil
}

// Valid reports whether the iterator currently addresses an entry.
func (it *Iterator) Valid() bool { return !it.done && it.err == nil }

// Err returns the first error encountered while stepping, if any.
func (it *Iterator) Err() error { return it.err }

// Key returns the current entry's key.
func (it *Iterator) Key() ([]byte, error) {
	if !it.Valid() {
		return nil, errors.New("pagetree: iterator not positioned at an entry")
	}
	leaf := it.trail.leaf()
	return leaf.page.Key(PageIndex(leaf.index))
}

// Value returns the current entry's value.
func (it *Iterator) Value() ([]byte, error) {
	if !it.Valid() {
		return nil, errors.New("pagetree: iterator not positioned at an entry")
	}
	leaf := it.trail.leaf()
	return leaf.page.Value(PageIndex(leaf.index))
}

// Next advances to the following entry, returning false once the
// iterator runs off the end.
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	leaf := it.trail.leaf()
	if leaf.index+1 < int(leaf.page.Count()) {
		leaf.index++
		return true
	}
	ok, err := it.trail.nextLeaf(it.tree.pool)
	if err != nil {
		it.err = err
		return false
	}
	if !ok {
		it.done = true
		return false
	}
	return it.trail.leaf().page.Count() > 0
}

// Previous steps to the preceding entry.
func (it *Iterator) Previous() bool {
	if it.done || it.err != nil {
		return false
	}
	leaf := it.trail.leaf()
	if leaf.index > 0 {
		leaf.index--
		return true
	}
	ok, err := it.trail.previousLeaf(it.tree.pool)
	if err != nil {
		it.err = err
		return false
	}
	if !ok {
		it.done = true
		return false
	}
	return it.trail.leaf().page.Count() > 0
}
