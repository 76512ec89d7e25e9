package btree

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/latticedb/pagetree/common"
)

// Page is the in-memory view of one fixed-capacity page: the header plus a
// capacity-sized body buffer. Its shape — scalar or array, independently
// for keys and values — is fixed for the page's lifetime and recorded in
// the header so a page read back from disk decodes itself without any
// side-channel schema.
//
// Every mutator (Insert, Replace*, Remove, ShiftLeft, ShiftRight)
// rebuilds the page's body from a decoded entry list rather than shuffling
// bytes in place. The spec's C++ original instead threads an optional
// "copy" page pointer through each mutator so a shadow-page write and the
// mutation happen in one pass, and relies on a grow-high/shrink-low memory
// copy order to make in-place mutation safe without a scratch buffer.
// Neither concern applies here: Go's copy() is memmove-safe regardless of
// overlap direction, and a shadow page is simply cloned with CloneInto
// before the ordinary in-place mutator runs on it — two cheap steps that
// are easier to reason about than one threaded one. See DESIGN.md.
type Page struct {
	header PageHeader
	body   []byte // len == Capacity-headerSize, always allocated at full width
	used   int    // meaningful prefix of body, cached from the last encode
}

// rawEntry is Page's shape-independent decoded view of one indexed entry.
// For a scalar key/value, Key/Value's length always equals the page's
// KeyElemSize/ValueElemSize.
type rawEntry struct {
	Key   []byte
	Value []byte
}

// NewPage allocates a fresh, empty page of the given capacity and shape.
func NewPage(link PageLink, capacity PageSize, depth PageDepth, keyElemSize, valueElemSize PageSize) *Page {
	p := &Page{
		header: PageHeader{
			Self:          link,
			Stored:        false,
			Depth:         depth,
			Capacity:      capacity,
			KeyElemSize:   keyElemSize,
			ValueElemSize: valueElemSize,
		},
		body: make([]byte, int(capacity)-headerSize),
	}
	return p
}

// DecodePage parses a full page image (header + body) as read from a
// PersistentPagePool slot.
func DecodePage(raw []byte) (*Page, error) {
	if len(raw) < headerSize {
		return nil, errors.Wrap(common.ErrCorruption, "page image shorter than header")
	}
	h, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	if int(h.Capacity) != len(raw) {
		return nil, errors.Wrap(common.ErrCorruption, "page capacity does not match image length")
	}
	p := &Page{header: h, body: make([]byte, len(raw)-headerSize)}
	copy(p.body, raw[headerSize:])
	if _, _, err := p.decode(); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode returns the full page image (header + body) ready to be written
// to a pool slot.
func (p *Page) Encode() []byte {
	raw := make([]byte, p.header.Capacity)
	encodeHeader(raw, p.header)
	copy(raw[headerSize:], p.body)
	return raw
}

func decodeHeader(raw []byte) (PageHeader, error) {
	flags := raw[4]
	h := PageHeader{
		Self:          PageLink(binary.BigEndian.Uint32(raw[0:4])),
		Free:          flags&flagFree != 0,
		Modified:      flags&flagModified != 0,
		Persistent:    flags&flagPersistent != 0,
		Recover:       flags&flagRecover != 0,
		Stored:        flags&flagStored != 0,
		Depth:         binary.BigEndian.Uint16(raw[5:7]),
		Capacity:      binary.BigEndian.Uint16(raw[7:9]),
		Count:         binary.BigEndian.Uint16(raw[9:11]),
		Split:         binary.BigEndian.Uint16(raw[11:13]),
		KeyElemSize:   binary.BigEndian.Uint16(raw[13:15]),
		ValueElemSize: binary.BigEndian.Uint16(raw[15:17]),
	}
	return h, nil
}

func encodeHeader(raw []byte, h PageHeader) {
	binary.BigEndian.PutUint32(raw[0:4], uint32(h.Self))
	var flags byte
	if h.Free {
		flags |= flagFree
	}
	if h.Modified {
		flags |= flagModified
	}
	if h.Persistent {
		flags |= flagPersistent
	}
	if h.Recover {
		flags |= flagRecover
	}
	if h.Stored {
		flags |= flagStored
	}
	raw[4] = flags
	binary.BigEndian.PutUint16(raw[5:7], h.Depth)
	binary.BigEndian.PutUint16(raw[7:9], h.Capacity)
	binary.BigEndian.PutUint16(raw[9:11], h.Count)
	binary.BigEndian.PutUint16(raw[11:13], h.Split)
	binary.BigEndian.PutUint16(raw[13:15], h.KeyElemSize)
	binary.BigEndian.PutUint16(raw[15:17], h.ValueElemSize)
}

// --- header accessors -------------------------------------------------

func (p *Page) Link() PageLink        { return p.header.Self }
func (p *Page) SetLink(l PageLink)    { p.header.Self = l }
func (p *Page) Depth() PageDepth      { return p.header.Depth }
func (p *Page) SetDepth(d PageDepth)  { p.header.Depth = d }
func (p *Page) IsLeaf() bool          { return p.header.Depth == 0 }
func (p *Page) Capacity() PageSize    { return p.header.Capacity }
func (p *Page) Count() PageIndex      { return p.header.Count }
func (p *Page) KeyElemSize() PageSize { return p.header.KeyElemSize }
func (p *Page) ValElemSize() PageSize { return p.header.ValueElemSize }
func (p *Page) KeyIsArray() bool      { return p.header.KeyElemSize == 0 }
func (p *Page) ValueIsArray() bool    { return p.header.ValueElemSize == 0 }

func (p *Page) Free() bool            { return p.header.Free }
func (p *Page) SetFree(v bool)        { p.header.Free = v }
func (p *Page) Modified() bool        { return p.header.Modified }
func (p *Page) SetModified(v bool)    { p.header.Modified = v }
func (p *Page) Persistent() bool      { return p.header.Persistent }
func (p *Page) SetPersistent(v bool)  { p.header.Persistent = v }
func (p *Page) Recover() bool         { return p.header.Recover }
func (p *Page) SetRecover(v bool)     { p.header.Recover = v }
func (p *Page) Stored() bool          { return p.header.Stored }
func (p *Page) SetStored(v bool)      { p.header.Stored = v }

func (p *Page) Header() PageHeader { return p.header }

// CloneInto copies p's full image (header + body) into dst, which must
// have been allocated with the same capacity. This is how Tree builds a
// shadow page for copy-on-update before mutating it.
func (p *Page) CloneInto(dst *Page) error {
	if dst.header.Capacity != p.header.Capacity {
		return errors.New("pagetree: clone target capacity mismatch")
	}
	link := dst.header.Self
	dst.header = p.header
	dst.header.Self = link
	copy(dst.body, p.body)
	dst.used = p.used
	return nil
}

// --- filling / fit ------------------------------------------------------

// splitByteLen returns how many body bytes the split value currently
// occupies (0 if absent).
func (p *Page) splitByteLen() int {
	if p.header.Split == 0 {
		return 0
	}
	if p.header.ValueElemSize > 0 {
		return int(p.header.ValueElemSize)
	}
	return int(p.header.Split)
}

// Filling returns the number of bytes currently occupied, header included.
func (p *Page) Filling() PageSize {
	return PageSize(headerSize + p.used)
}

// entryFilling returns the marginal body bytes a new entry of the given
// key/value sizes would add.
func (p *Page) entryFilling(keySize, valueSize int) int {
	keyCost := int(p.header.KeyElemSize)
	if p.KeyIsArray() {
		keyCost = keySize + 4
	}
	valCost := int(p.header.ValueElemSize)
	if p.ValueIsArray() {
		valCost = valueSize + 4
	}
	return keyCost + valCost
}

// EntryFit reports whether an entry of the given sizes would fit without
// growing the tree.
func (p *Page) EntryFit(keySize, valueSize int) bool {
	return int(p.Filling())+p.entryFilling(keySize, valueSize) <= int(p.header.Capacity)
}

// --- split slot -----------------------------------------------------

func (p *Page) SplitDefined() bool { return p.header.Split != 0 }

// Split returns the split value's bytes, or nil if undefined.
func (p *Page) Split() []byte {
	n := p.splitByteLen()
	if n == 0 {
		return nil
	}
	return p.body[0:n]
}

// SplitSize returns the header's raw split field (0 absent, 1 scalar
// present, N the array byte length).
func (p *Page) SplitSize() PageSize { return p.header.Split }

// SplitValueSize returns the split value's actual byte length.
func (p *Page) SplitValueSize() int { return p.splitByteLen() }

// SetSplit installs (or replaces) the split value.
func (p *Page) SetSplit(value []byte) error {
	entries, _, err := p.decode()
	if err != nil {
		return err
	}
	return p.encode(entries, value)
}

// RemoveSplit clears the split slot.
func (p *Page) RemoveSplit() error {
	entries, _, err := p.decode()
	if err != nil {
		return err
	}
	return p.encode(entries, nil)
}

// --- entry accessors -----------------------------------------------

func (p *Page) checkIndex(i PageIndex) error {
	if i >= p.header.Count {
		return errors.Wrapf(common.ErrInvalidIndex, "index %d >= count %d", i, p.header.Count)
	}
	return nil
}

func (p *Page) Key(i PageIndex) ([]byte, error) {
	if err := p.checkIndex(i); err != nil {
		return nil, err
	}
	entries, _, err := p.decode()
	if err != nil {
		return nil, err
	}
	return entries[i].Key, nil
}

func (p *Page) KeySize(i PageIndex) (int, error) {
	k, err := p.Key(i)
	if err != nil {
		return 0, err
	}
	return len(k), nil
}

func (p *Page) Value(i PageIndex) ([]byte, error) {
	if err := p.checkIndex(i); err != nil {
		return nil, err
	}
	entries, _, err := p.decode()
	if err != nil {
		return nil, err
	}
	return entries[i].Value, nil
}

func (p *Page) ValueSize(i PageIndex) (int, error) {
	v, err := p.Value(i)
	if err != nil {
		return 0, err
	}
	return len(v), nil
}

// Link value stored at index i (node pages only: value is a PageLink).
func (p *Page) ChildAt(i PageIndex) (PageLink, error) {
	v, err := p.Value(i)
	if err != nil {
		return NullLink, err
	}
	return PageLink(binary.BigEndian.Uint32(v)), nil
}

func encodeLink(l PageLink) []byte {
	b := make([]byte, pageLinkSize)
	binary.BigEndian.PutUint32(b, uint32(l))
	return b
}

// --- mutators -----------------------------------------------------

func (p *Page) validateEntrySizes(key, value []byte) error {
	if p.header.KeyElemSize > 0 {
		if len(key) != int(p.header.KeyElemSize) {
			return errors.Wrap(common.ErrInvalidKeySize, "scalar key width mismatch")
		}
	} else if len(key) == 0 {
		return errors.Wrap(common.ErrInvalidKeySize, "array key must be non-empty")
	}
	if p.header.ValueElemSize > 0 {
		if len(value) != int(p.header.ValueElemSize) {
			return errors.Wrap(common.ErrInvalidValueSize, "scalar value width mismatch")
		}
	} else if len(value) == 0 {
		return errors.Wrap(common.ErrInvalidValueSize, "array value must be non-empty")
	}
	return nil
}

// Insert places a new entry at position i, shifting [i,count) right by
// one. Callers (Tree) guarantee key order; Page does not re-check it.
func (p *Page) Insert(i PageIndex, key, value []byte) error {
	if i > p.header.Count {
		return errors.Wrapf(common.ErrInvalidIndex, "insert index %d > count %d", i, p.header.Count)
	}
	if err := p.validateEntrySizes(key, value); err != nil {
		return err
	}
	if !p.EntryFit(len(key), len(value)) {
		return common.ErrOverflow
	}
	entries, split, err := p.decode()
	if err != nil {
		return err
	}
	next := make([]rawEntry, 0, len(entries)+1)
	next = append(next, entries[:i]...)
	next = append(next, rawEntry{Key: append([]byte{}, key...), Value: append([]byte{}, value...)})
	next = append(next, entries[i:]...)
	return p.encode(next, split)
}

// Replace overwrites the value at index i, keeping its key.
func (p *Page) Replace(i PageIndex, value []byte) error {
	if err := p.checkIndex(i); err != nil {
		return err
	}
	entries, split, err := p.decode()
	if err != nil {
		return err
	}
	if p.header.ValueElemSize > 0 && len(value) != int(p.header.ValueElemSize) {
		return errors.Wrap(common.ErrInvalidValueSize, "scalar value width mismatch")
	}
	if p.header.ValueElemSize == 0 && len(value) == 0 {
		return errors.Wrap(common.ErrInvalidValueSize, "array value must be non-empty")
	}
	entries[i].Value = append([]byte{}, value...)
	if bodySize(entries, splitLenFor(p, split), p.header.KeyElemSize, p.header.ValueElemSize) > int(p.header.Capacity)-headerSize {
		return common.ErrOverflow
	}
	return p.encode(entries, split)
}

// ReplaceKeyValue overwrites both key and value at index i (used when a
// node's separator key must change, e.g. after a child's leftmost key
// moves).
func (p *Page) ReplaceKeyValue(i PageIndex, key, value []byte) error {
	if err := p.checkIndex(i); err != nil {
		return err
	}
	if err := p.validateEntrySizes(key, value); err != nil {
		return err
	}
	entries, split, err := p.decode()
	if err != nil {
		return err
	}
	entries[i] = rawEntry{Key: append([]byte{}, key...), Value: append([]byte{}, value...)}
	if bodySize(entries, splitLenFor(p, split), p.header.KeyElemSize, p.header.ValueElemSize) > int(p.header.Capacity)-headerSize {
		return common.ErrOverflow
	}
	return p.encode(entries, split)
}

// Remove deletes the entry at index i, shifting [i+1,count) left by one.
func (p *Page) Remove(i PageIndex) error {
	if err := p.checkIndex(i); err != nil {
		return err
	}
	entries, split, err := p.decode()
	if err != nil {
		return err
	}
	next := append(append([]rawEntry{}, entries[:i]...), entries[i+1:]...)
	return p.encode(next, split)
}

// ShiftRight moves the suffix [i,count) of p to the front of dst's entry
// list (dst's own entries follow); p retains [0,i). Splits are untouched.
func (p *Page) ShiftRight(dst *Page, i PageIndex) error {
	if i > p.header.Count {
		return errors.Wrap(common.ErrInvalidIndex, "shiftRight index out of range")
	}
	pe, psplit, err := p.decode()
	if err != nil {
		return err
	}
	de, dsplit, err := dst.decode()
	if err != nil {
		return err
	}
	moved := pe[i:]
	nextDst := append(append([]rawEntry{}, moved...), de...)
	nextSrc := pe[:i]
	if bodySize(nextDst, splitLenFor(dst, dsplit), dst.header.KeyElemSize, dst.header.ValueElemSize) > int(dst.header.Capacity)-headerSize {
		return common.ErrOverflow
	}
	if err := dst.encode(nextDst, dsplit); err != nil {
		return err
	}
	return p.encode(nextSrc, psplit)
}

// ShiftLeft moves the prefix [0,i) of p to the back of dst's entry list
// (dst's own entries come first); p retains [i,count). Splits are
// untouched.
func (p *Page) ShiftLeft(dst *Page, i PageIndex) error {
	if i > p.header.Count {
		return errors.Wrap(common.ErrInvalidIndex, "shiftLeft index out of range")
	}
	pe, psplit, err := p.decode()
	if err != nil {
		return err
	}
	de, dsplit, err := dst.decode()
	if err != nil {
		return err
	}
	moved := pe[:i]
	nextDst := append(append([]rawEntry{}, de...), moved...)
	nextSrc := pe[i:]
	if bodySize(nextDst, splitLenFor(dst, dsplit), dst.header.KeyElemSize, dst.header.ValueElemSize) > int(dst.header.Capacity)-headerSize {
		return common.ErrOverflow
	}
	if err := dst.encode(nextDst, dsplit); err != nil {
		return err
	}
	return p.encode(nextSrc, psplit)
}

func splitLenFor(p *Page, split []byte) int {
	_ = p
	return len(split)
}

// Validate performs a structural self-check (not key-order: Page does not
// own a comparator). No code in this module calls it; DecodePage runs the
// same decode() check when a persistent pool reads a page.
func (p *Page) Validate() error {
	if int(p.header.Capacity) < int(MinPageSize) || int(p.header.Capacity) > int(MaxPageSize) {
		return errors.Wrap(common.ErrCorruption, "capacity out of bounds")
	}
	if _, _, err := p.decode(); err != nil {
		return err
	}
	if headerSize+p.used > int(p.header.Capacity) {
		return errors.Wrap(common.ErrCorruption, "body overruns capacity")
	}
	return nil
}
