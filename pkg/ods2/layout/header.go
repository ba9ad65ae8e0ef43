package layout

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// File header field offsets.
const (
	hdrIDOffset  = 0
	hdrMPOffset  = 1
	hdrACOffset  = 2
	hdrRSOffset  = 3
	hdrSegNum    = 4
	hdrStrucLev  = 6
	hdrFID       = 8
	hdrExtFID    = 14
	hdrRecAttr   = 20
	hdrFileChar  = 52
	hdrMapInUse  = 58
	hdrHighWater = 76

	fatRType   = hdrRecAttr + 0
	fatRAttrib = hdrRecAttr + 1
	fatRSize   = hdrRecAttr + 2
	fatHiBlk   = hdrRecAttr + 4
	fatEFBlk   = hdrRecAttr + 8
	fatFFByte  = hdrRecAttr + 12
)

// Standard area offsets, in words, of a freshly built header.
const (
	StdIDOffset = 40
	StdMPOffset = 100
	StdACOffset = 255
	StdRSOffset = 255

	// MinIDOffset is the smallest ident area offset a valid header may have.
	MinIDOffset = 38

	// highWaterIDOffset is the first ident offset leaving room for the
	// high-water longword.
	highWaterIDOffset = 39
)

// File characteristic bits.
const (
	FileCharContig    = 0x0080
	FileCharDirectory = 0x2000
	FileCharMarkDel   = 0x8000
)

// Header is a view over a 512-byte file header block. Setters modify the
// underlying buffer in place; callers recompute the checksum before writing
// the block back.
type Header struct {
	b []byte
}

// NewHeader wraps b, which must hold at least one block.
func NewHeader(b []byte) (Header, error) {
	if err := checkBlock(b); err != nil {
		return Header{}, err
	}
	return Header{b: b[:BlockSize]}, nil
}

// Bytes returns the underlying block.
func (h Header) Bytes() []byte { return h.b }

// Valid reports whether h wraps a block.
func (h Header) Valid() bool { return h.b != nil }

func (h Header) IDOffset() uint8 { return h.b[hdrIDOffset] }
func (h Header) MPOffset() uint8 { return h.b[hdrMPOffset] }
func (h Header) ACOffset() uint8 { return h.b[hdrACOffset] }
func (h Header) RSOffset() uint8 { return h.b[hdrRSOffset] }

// SetOffsets stores the four area offsets, in words.
func (h Header) SetOffsets(id, mp, ac, rs uint8) {
	h.b[hdrIDOffset], h.b[hdrMPOffset], h.b[hdrACOffset], h.b[hdrRSOffset] = id, mp, ac, rs
}

func (h Header) SegNum() uint16 { return binary.LittleEndian.Uint16(h.b[hdrSegNum:]) }
func (h Header) SetSegNum(n uint16) { binary.LittleEndian.PutUint16(h.b[hdrSegNum:], n) }
func (h Header) StrucLev() uint16 { return binary.LittleEndian.Uint16(h.b[hdrStrucLev:]) }
func (h Header) SetStrucLev(v uint16) { binary.LittleEndian.PutUint16(h.b[hdrStrucLev:], v) }

func (h Header) FID() FID { return DecodeFID(h.b[hdrFID:]) }
func (h Header) SetFID(f FID) { f.Put(h.b[hdrFID:]) }
func (h Header) ExtFID() FID { return DecodeFID(h.b[hdrExtFID:]) }
func (h Header) SetExtFID(f FID) { f.Put(h.b[hdrExtFID:]) }

// HasExtension reports whether an extension header follows this one.
func (h Header) HasExtension() bool { return !h.ExtFID().IsZero() }

func (h Header) RecordType() uint8 { return h.b[fatRType] }
func (h Header) RecordAttrib() uint8 { return h.b[fatRAttrib] }
func (h Header) RecordSize() uint16 { return binary.LittleEndian.Uint16(h.b[fatRSize:]) }

// SetRecordFormat stores the record type, attributes and size.
func (h Header) SetRecordFormat(rtype, rattrib uint8, rsize uint16) {
	h.b[fatRType], h.b[fatRAttrib] = rtype, rattrib
	binary.LittleEndian.PutUint16(h.b[fatRSize:], rsize)
}

// HiBlock is the number of blocks allocated to the file.
func (h Header) HiBlock() uint32 { return getSwapped(h.b[fatHiBlk:]) }
func (h Header) SetHiBlock(v uint32) { putSwapped(h.b[fatHiBlk:], v) }

// EOFBlock is the block holding the end of file.
func (h Header) EOFBlock() uint32 { return getSwapped(h.b[fatEFBlk:]) }
func (h Header) SetEOFBlock(v uint32) { putSwapped(h.b[fatEFBlk:], v) }

func (h Header) FirstFreeByte() uint16 { return binary.LittleEndian.Uint16(h.b[fatFFByte:]) }
func (h Header) SetFirstFreeByte(v uint16) { binary.LittleEndian.PutUint16(h.b[fatFFByte:], v) }

func (h Header) FileChar() uint32 { return binary.LittleEndian.Uint32(h.b[hdrFileChar:]) }
func (h Header) SetFileChar(v uint32) { binary.LittleEndian.PutUint32(h.b[hdrFileChar:], v) }

// MarkedForDelete reports whether the delete-on-close bit is set.
func (h Header) MarkedForDelete() bool { return h.FileChar()&FileCharMarkDel != 0 }

// MapInUse is the number of map area words holding retrieval pointers.
func (h Header) MapInUse() uint8 { return h.b[hdrMapInUse] }
func (h Header) SetMapInUse(n uint8) { h.b[hdrMapInUse] = n }

// HasHighWater reports whether the header is large enough to carry a
// high-water mark.
func (h Header) HasHighWater() bool { return h.IDOffset() > highWaterIDOffset }

// HighWater returns the high-water mark, or zero when the header has none.
func (h Header) HighWater() uint32 {
	if !h.HasHighWater() {
		return 0
	}
	return binary.LittleEndian.Uint32(h.b[hdrHighWater:])
}

func (h Header) SetHighWater(v uint32) { binary.LittleEndian.PutUint32(h.b[hdrHighWater:], v) }

// MapCapacity is the size of the map area in words.
func (h Header) MapCapacity() int { return int(h.ACOffset()) - int(h.MPOffset()) }

// MapWords returns the in-use words of the map area, clipped to the block.
// Validate must have accepted the header first.
func (h Header) MapWords() []uint16 {
	start := int(h.MPOffset()) * 2
	n := min(int(h.MapInUse()), (checksumOffset-start)/2)
	if n <= 0 {
		return nil
	}
	words := make([]uint16, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint16(h.b[start+i*2:])
	}
	return words
}

// Retrievals decodes the map area. A map in use that overruns the map area
// or the block is reported as ErrCorrupt.
func (h Header) Retrievals() ([]Retrieval, error) {
	inUse := int(h.MapInUse())
	if inUse > h.MapCapacity() || int(h.MPOffset())*2+inUse*2 > checksumOffset {
		return nil, fmt.Errorf("%w: map in use %d overruns map area at word %d", ErrCorrupt, inUse, h.MPOffset())
	}
	return DecodeMap(h.MapWords())
}

// SetMap replaces the map area with words, zeroing the remainder.
func (h Header) SetMap(words []uint16) error {
	if len(words) > h.MapCapacity() {
		return fmt.Errorf("%w: %d map words, room for %d", ErrCorrupt, len(words), h.MapCapacity())
	}
	start := int(h.MPOffset()) * 2
	end := int(h.ACOffset()) * 2
	clear(h.b[start:end])
	for i, w := range words {
		binary.LittleEndian.PutUint16(h.b[start+i*2:], w)
	}
	h.SetMapInUse(uint8(len(words)))
	return nil
}

// Ident returns the file name of the ident area.
func (h Header) Ident() string {
	off := int(h.IDOffset()) * 2
	if off+20 > BlockSize {
		return ""
	}
	return strings.TrimRight(string(h.b[off:off+20]), " \x00")
}

// SetIdent stores name in the ident area, space padded to 20 bytes.
func (h Header) SetIdent(name string) {
	off := int(h.IDOffset()) * 2
	putText(h.b[off:off+20], name)
}

// Checksum returns the stored header checksum.
func (h Header) Checksum() uint16 { return StoredChecksum(h.b) }

// UpdateChecksum recomputes the header checksum.
func (h Header) UpdateChecksum() { SetChecksum(h.b) }

// Validate checks area offsets, map size and checksum.
func (h Header) Validate() error {
	id, mp, ac, rs := h.IDOffset(), h.MPOffset(), h.ACOffset(), h.RSOffset()
	switch {
	case id < MinIDOffset:
		return fmt.Errorf("%w: ident offset %d below %d", ErrCorrupt, id, MinIDOffset)
	case id > mp || mp > ac || ac > rs:
		return fmt.Errorf("%w: area offsets %d/%d/%d/%d out of order", ErrCorrupt, id, mp, ac, rs)
	case int(h.MapInUse()) > int(ac)-int(mp):
		return fmt.Errorf("%w: map in use %d exceeds map area %d", ErrCorrupt, h.MapInUse(), int(ac)-int(mp))
	}
	return VerifyChecksum(h.b)
}

// InitHeader formats b as an empty header for fid with the standard area
// layout and structure level 2.
func InitHeader(b []byte, fid FID) (Header, error) {
	h, err := NewHeader(b)
	if err != nil {
		return Header{}, err
	}
	clear(h.b)
	h.SetOffsets(StdIDOffset, StdMPOffset, StdACOffset, StdRSOffset)
	h.SetStrucLev(StrucLevel2)
	h.SetFID(fid)
	h.UpdateChecksum()
	return h, nil
}
