package layout

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// FIDSize is the encoded size of a file identifier.
const FIDSize = 6

// Well-known file numbers of reserved files.
const (
	IndexFileNum  = 1
	BitmapFileNum = 2
)

// FID identifies a file: number (extended by NMX), sequence and relative
// volume number.
type FID struct {
	Num uint16
	Seq uint16
	RVN uint8
	NMX uint8
}

// DecodeFID reads a FID from the first six bytes of b.
func DecodeFID(b []byte) FID {
	return FID{
		Num: binary.LittleEndian.Uint16(b),
		Seq: binary.LittleEndian.Uint16(b[2:]),
		RVN: b[4],
		NMX: b[5],
	}
}

// Put writes f into the first six bytes of b.
func (f FID) Put(b []byte) {
	binary.LittleEndian.PutUint16(b, f.Num)
	binary.LittleEndian.PutUint16(b[2:], f.Seq)
	b[4] = f.RVN
	b[5] = f.NMX
}

// FileNumber returns the full 24-bit file number.
func (f FID) FileNumber() uint32 {
	return uint32(f.NMX)<<16 | uint32(f.Num)
}

// IsZero reports whether f names no file (number zero).
func (f FID) IsZero() bool {
	return f.Num == 0 && f.NMX == 0
}

// Copy returns f with a zero RVN replaced by defaultRVN.
func (f FID) Copy(defaultRVN uint8) FID {
	if f.RVN == 0 {
		f.RVN = defaultRVN
	}
	return f
}

// SameFile compares number and sequence. The RVNs match when equal or when
// the recorded one is zero.
func (f FID) SameFile(recorded FID) bool {
	return f.Num == recorded.Num && f.NMX == recorded.NMX && f.Seq == recorded.Seq &&
		(f.RVN == recorded.RVN || recorded.RVN == 0)
}

// NewFID builds a FID from a 24-bit file number.
func NewFID(num uint32, seq uint16, rvn uint8) FID {
	return FID{Num: uint16(num), NMX: uint8(num >> 16), Seq: seq, RVN: rvn}
}

// String renders f as (num,seq,rvn).
func (f FID) String() string {
	return fmt.Sprintf("(%d,%d,%d)", f.FileNumber(), f.Seq, f.RVN)
}

// ParseFID parses "num,seq[,rvn]", optionally wrapped in parentheses.
func ParseFID(s string) (FID, error) {
	s = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "("), ")")
	parts := strings.Split(s, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return FID{}, fmt.Errorf("invalid file id %q: want num,seq[,rvn]", s)
	}
	num, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 24)
	if err != nil {
		return FID{}, fmt.Errorf("invalid file number %q: %w", parts[0], err)
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
	if err != nil {
		return FID{}, fmt.Errorf("invalid sequence number %q: %w", parts[1], err)
	}
	var rvn uint64
	if len(parts) == 3 {
		rvn, err = strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 8)
		if err != nil {
			return FID{}, fmt.Errorf("invalid relative volume number %q: %w", parts[2], err)
		}
	}
	return NewFID(uint32(num), uint16(seq), uint8(rvn)), nil
}
