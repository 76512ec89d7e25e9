package btree

import "bytes"

// Comparator orders two keys the way bytes.Compare / strings.Compare do:
// negative if a<b, zero if equal, positive if a>b. Tree and Page never
// compare keys themselves; every ordering decision funnels through a
// Comparator so callers can index non-byte-lexicographic key encodings
// (e.g. big-endian integers) just by supplying a different function.
type Comparator func(a, b []byte) KeyCompare

// ByteOrder compares keys as raw bytes, lexicographically. It is the
// default Comparator for Tree and Forest.
func ByteOrder(a, b []byte) KeyCompare {
	return KeyCompare(bytes.Compare(a, b))
}

// locate performs a binary search over page's indexed keys [0,Count) and
// returns the lowest index i such that cmp(key, Key(i)) <= 0, i.e. the
// position key would occupy if inserted to keep the page ordered.
// exact reports whether Key(i) equals key. If key is greater than every
// indexed key, idx == Count.
func locate(page *Page, key []byte, cmp Comparator) (idx PageIndex, exact bool, err error) {
	lo, hi := PageIndex(0), page.Count()
	for lo < hi {
		mid := lo + (hi-lo)/2
		k, kerr := page.Key(mid)
		if kerr != nil {
			return 0, false, kerr
		}
		if cmp(key, k) <= 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo < page.Count() {
		k, kerr := page.Key(lo)
		if kerr != nil {
			return 0, false, kerr
		}
		if cmp(key, k) == 0 {
			return lo, true, nil
		}
	}
	return lo, false, nil
}

// childIndex converts a locate() result on a node page into the index of
// the child PageLink to descend into. A node page indexes N keys and has
// N+1 children: the split slot (conceptual index -1) covers everything
// less than Key(0); Value(i) covers [Key(i), Key(i+1)) (or [Key(i), +inf)
// for the last entry). An exact match on Key(i) belongs to Value(i),
// matching the spec's convention that a separator key is inclusive of its
// right child.
func childIndex(idx PageIndex, exact bool) int {
	if exact {
		return int(idx)
	}
	return int(idx) - 1
}
