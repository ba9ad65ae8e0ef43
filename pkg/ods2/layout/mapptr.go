package layout

import "fmt"

// Retrieval pointer limits per format.
const (
	fmt1MaxCount = 1 << 8
	fmt1MaxLBN   = 1 << 22
	fmt2MaxCount = 1 << 14
	fmt3MaxCount = 1 << 30
)

// Retrieval is one decoded map pointer: Count blocks starting at LBN. A
// placeholder pointer decodes with Count zero.
type Retrieval struct {
	Count uint32 `json:"count"`
	LBN   uint32 `json:"lbn"`
}

// DecodeMap decodes the retrieval pointers of a map area.
//
//	format 0: 00 | 14 bits ignored                          (placeholder)
//	format 1: 01 | lbn<21:16> | count-1 (8), lbn<15:0>
//	format 2: 10 | count-1 (14), lbn<15:0>, lbn<31:16>
//	format 3: 11 | count-1<29:16>, count-1<15:0>, lbn<15:0>, lbn<31:16>
func DecodeMap(words []uint16) ([]Retrieval, error) {
	var out []Retrieval
	for i := 0; i < len(words); {
		w := words[i]
		need := 1 + int(w>>14)
		if i+need > len(words) {
			return out, fmt.Errorf("%w: format %d pointer truncated at word %d", ErrCorrupt, w>>14, i)
		}
		var r Retrieval
		switch w >> 14 {
		case 0:
		case 1:
			r.Count = uint32(w&0xff) + 1
			r.LBN = uint32(w&0x3f00)<<8 | uint32(words[i+1])
		case 2:
			r.Count = uint32(w&0x3fff) + 1
			r.LBN = uint32(words[i+2])<<16 | uint32(words[i+1])
		case 3:
			r.Count = (uint32(w&0x3fff)<<16 | uint32(words[i+1])) + 1
			r.LBN = uint32(words[i+3])<<16 | uint32(words[i+2])
		}
		out = append(out, r)
		i += need
	}
	return out, nil
}

// EncodePointer encodes r in the smallest format that holds it.
func EncodePointer(r Retrieval) ([]uint16, error) {
	if r.Count == 0 || r.Count > fmt3MaxCount {
		return nil, fmt.Errorf("layout: retrieval count %d out of range", r.Count)
	}
	c := r.Count - 1
	switch {
	case r.Count <= fmt1MaxCount && r.LBN < fmt1MaxLBN:
		return []uint16{
			1<<14 | uint16(r.LBN>>8)&0x3f00 | uint16(c),
			uint16(r.LBN),
		}, nil
	case r.Count <= fmt2MaxCount:
		return []uint16{2<<14 | uint16(c), uint16(r.LBN), uint16(r.LBN >> 16)}, nil
	default:
		return []uint16{3<<14 | uint16(c>>16), uint16(c), uint16(r.LBN), uint16(r.LBN >> 16)}, nil
	}
}

// EncodeMap encodes a list of extents. Runs longer than a single pointer
// can describe are split.
func EncodeMap(runs []Retrieval) ([]uint16, error) {
	var out []uint16
	for _, r := range runs {
		for r.Count > 0 {
			part := r
			if part.Count > fmt3MaxCount {
				part.Count = fmt3MaxCount
			}
			words, err := EncodePointer(part)
			if err != nil {
				return nil, err
			}
			out = append(out, words...)
			r.Count -= part.Count
			r.LBN += part.Count
		}
	}
	return out, nil
}
