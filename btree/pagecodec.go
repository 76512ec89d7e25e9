package btree

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/latticedb/pagetree/common"
)

// decode parses p's current body into a shape-independent entry list and
// the raw split bytes, and caches the meaningful body length in p.used.
// Layouts follow the four key/value shape combinations: each entry's
// Key/Value slices alias p.body directly, so callers must copy before
// handing them past the next mutation.
func (p *Page) decode() ([]rawEntry, []byte, error) {
	count := int(p.header.Count)
	splitLen := p.splitByteLen()
	if splitLen > len(p.body) {
		return nil, nil, errors.Wrap(common.ErrCorruption, "split length overruns body")
	}
	var split []byte
	if splitLen > 0 {
		split = p.body[0:splitLen]
	}
	off := splitLen

	keyArray := p.KeyIsArray()
	valArray := p.ValueIsArray()
	entries := make([]rawEntry, count)

	switch {
	case !keyArray && !valArray:
		keysOff := off
		valuesOff := keysOff + count*int(p.header.KeyElemSize)
		end := valuesOff + count*int(p.header.ValueElemSize)
		if end > len(p.body) {
			return nil, nil, errors.Wrap(common.ErrCorruption, "scalar/scalar page overruns body")
		}
		for i := 0; i < count; i++ {
			entries[i].Key = p.body[keysOff+i*int(p.header.KeyElemSize) : keysOff+(i+1)*int(p.header.KeyElemSize)]
			entries[i].Value = p.body[valuesOff+i*int(p.header.ValueElemSize) : valuesOff+(i+1)*int(p.header.ValueElemSize)]
		}
		p.used = end

	case keyArray && !valArray:
		valuesOff := off
		keyEndOff := valuesOff + count*int(p.header.ValueElemSize)
		keyDataOff := keyEndOff + count*4
		if keyDataOff > len(p.body) {
			return nil, nil, errors.Wrap(common.ErrCorruption, "array-key/scalar-value page overruns body")
		}
		prev := 0
		for i := 0; i < count; i++ {
			entries[i].Value = p.body[valuesOff+i*int(p.header.ValueElemSize) : valuesOff+(i+1)*int(p.header.ValueElemSize)]
			end := int(binary.BigEndian.Uint32(p.body[keyEndOff+i*4 : keyEndOff+i*4+4]))
			if end < prev || keyDataOff+end > len(p.body) {
				return nil, nil, errors.Wrap(common.ErrCorruption, "key end table out of range")
			}
			entries[i].Key = p.body[keyDataOff+prev : keyDataOff+end]
			prev = end
		}
		p.used = keyDataOff + prev

	case !keyArray && valArray:
		keysOff := off
		valEndOff := keysOff + count*int(p.header.KeyElemSize)
		valDataOff := valEndOff + count*4
		if valDataOff > len(p.body) {
			return nil, nil, errors.Wrap(common.ErrCorruption, "scalar-key/array-value page overruns body")
		}
		prev := 0
		for i := 0; i < count; i++ {
			entries[i].Key = p.body[keysOff+i*int(p.header.KeyElemSize) : keysOff+(i+1)*int(p.header.KeyElemSize)]
			end := int(binary.BigEndian.Uint32(p.body[valEndOff+i*4 : valEndOff+i*4+4]))
			if end < prev || valDataOff+end > len(p.body) {
				return nil, nil, errors.Wrap(common.ErrCorruption, "value end table out of range")
			}
			entries[i].Value = p.body[valDataOff+prev : valDataOff+end]
			prev = end
		}
		p.used = valDataOff + prev

	default: // keyArray && valArray
		keyEndOff := off
		valEndOff := keyEndOff + count*4
		keyDataOff := valEndOff + count*4
		if keyDataOff > len(p.body) {
			return nil, nil, errors.Wrap(common.ErrCorruption, "array/array page overruns body")
		}
		keyDataLen := 0
		if count > 0 {
			keyDataLen = int(binary.BigEndian.Uint32(p.body[keyEndOff+(count-1)*4 : keyEndOff+(count-1)*4+4]))
		}
		valDataOff := keyDataOff + keyDataLen
		if valDataOff > len(p.body) {
			return nil, nil, errors.Wrap(common.ErrCorruption, "array/array key data overruns body")
		}
		prevK, prevV := 0, 0
		for i := 0; i < count; i++ {
			ek := int(binary.BigEndian.Uint32(p.body[keyEndOff+i*4 : keyEndOff+i*4+4]))
			ev := int(binary.BigEndian.Uint32(p.body[valEndOff+i*4 : valEndOff+i*4+4]))
			if ek < prevK || ev < prevV || keyDataOff+ek > len(p.body) || valDataOff+ev > len(p.body) {
				return nil, nil, errors.Wrap(common.ErrCorruption, "array/array end table out of range")
			}
			entries[i].Key = p.body[keyDataOff+prevK : keyDataOff+ek]
			entries[i].Value = p.body[valDataOff+prevV : valDataOff+ev]
			prevK, prevV = ek, ev
		}
		p.used = valDataOff + prevV
	}

	return entries, split, nil
}

// bodySize computes the body bytes a prospective (entries, split) image
// would occupy under the given shape, without writing anything. Used by
// mutators to reject an overflow before touching page state.
func bodySize(entries []rawEntry, splitLen int, keyElemSize, valueElemSize PageSize) int {
	count := len(entries)
	keyArray := keyElemSize == 0
	valArray := valueElemSize == 0

	size := splitLen
	switch {
	case !keyArray && !valArray:
		size += count*int(keyElemSize) + count*int(valueElemSize)
	case keyArray && !valArray:
		keyData := 0
		for _, e := range entries {
			keyData += len(e.Key)
		}
		size += count*int(valueElemSize) + count*4 + keyData
	case !keyArray && valArray:
		valData := 0
		for _, e := range entries {
			valData += len(e.Value)
		}
		size += count*int(keyElemSize) + count*4 + valData
	default:
		keyData, valData := 0, 0
		for _, e := range entries {
			keyData += len(e.Key)
			valData += len(e.Value)
		}
		size += count*4 + count*4 + keyData + valData
	}
	return size
}

// encode rewrites p's body from entries and split, updating header.Count
// and header.Split. Callers are expected to have already verified the
// result fits (EntryFit / an explicit bodySize check); encode itself
// still refuses to write past capacity, returning ErrOverflow untouched.
func (p *Page) encode(entries []rawEntry, split []byte) error {
	keyArray := p.KeyIsArray()
	valArray := p.ValueIsArray()
	count := len(entries)

	splitLen := len(split)
	need := bodySize(entries, splitLen, p.header.KeyElemSize, p.header.ValueElemSize)
	if headerSize+need > int(p.header.Capacity) {
		return common.ErrOverflow
	}

	buf := make([]byte, len(p.body))
	off := 0
	if splitLen > 0 {
		copy(buf[0:splitLen], split)
		off = splitLen
	}

	switch {
	case !keyArray && !valArray:
		keysOff := off
		valuesOff := keysOff + count*int(p.header.KeyElemSize)
		for i, e := range entries {
			copy(buf[keysOff+i*int(p.header.KeyElemSize):], e.Key)
			copy(buf[valuesOff+i*int(p.header.ValueElemSize):], e.Value)
		}
		p.used = valuesOff + count*int(p.header.ValueElemSize)

	case keyArray && !valArray:
		valuesOff := off
		keyEndOff := valuesOff + count*int(p.header.ValueElemSize)
		keyDataOff := keyEndOff + count*4
		prev := 0
		for i, e := range entries {
			copy(buf[valuesOff+i*int(p.header.ValueElemSize):], e.Value)
			prev += len(e.Key)
			binary.BigEndian.PutUint32(buf[keyEndOff+i*4:], uint32(prev))
			copy(buf[keyDataOff+prev-len(e.Key):], e.Key)
		}
		p.used = keyDataOff + prev

	case !keyArray && valArray:
		keysOff := off
		valEndOff := keysOff + count*int(p.header.KeyElemSize)
		valDataOff := valEndOff + count*4
		prev := 0
		for i, e := range entries {
			copy(buf[keysOff+i*int(p.header.KeyElemSize):], e.Key)
			prev += len(e.Value)
			binary.BigEndian.PutUint32(buf[valEndOff+i*4:], uint32(prev))
			copy(buf[valDataOff+prev-len(e.Value):], e.Value)
		}
		p.used = valDataOff + prev

	default:
		keyEndOff := off
		valEndOff := keyEndOff + count*4
		keyDataOff := valEndOff + count*4
		prevK := 0
		for i, e := range entries {
			prevK += len(e.Key)
			binary.BigEndian.PutUint32(buf[keyEndOff+i*4:], uint32(prevK))
		}
		valDataOff := keyDataOff + prevK
		prevK, prevV := 0, 0
		for i, e := range entries {
			copy(buf[keyDataOff+prevK:], e.Key)
			prevK += len(e.Key)
			copy(buf[valDataOff+prevV:], e.Value)
			prevV += len(e.Value)
			binary.BigEndian.PutUint32(buf[valEndOff+i*4:], uint32(prevV))
		}
		p.used = valDataOff + prevV
	}

	p.body = buf
	p.header.Count = PageIndex(count)
	if splitLen == 0 {
		p.header.Split = 0
	} else if !valArray {
		p.header.Split = 1
	} else {
		p.header.Split = PageSize(splitLen)
	}
	return nil
}
