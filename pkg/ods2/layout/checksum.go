package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BlockSize is the size of every on-disk structure.
const BlockSize = 512

// checksumOffset is where header, home and SCB blocks keep their checksum.
const checksumOffset = 510

// ErrCorrupt reports a structure that fails decoding or validation.
var ErrCorrupt = errors.New("layout: corrupt structure")

// ErrShortBlock reports a buffer smaller than one block.
var ErrShortBlock = errors.New("layout: buffer shorter than a block")

// Checksum sums the first 255 words of block modulo 2^16.
func Checksum(block []byte) uint16 {
	return checksumWords(block, 255)
}

func checksumWords(block []byte, words int) uint16 {
	var sum uint16
	for i := 0; i < words; i++ {
		sum += binary.LittleEndian.Uint16(block[i*2:])
	}
	return sum
}

// StoredChecksum returns the checksum word kept at offset 510.
func StoredChecksum(block []byte) uint16 {
	return binary.LittleEndian.Uint16(block[checksumOffset:])
}

// SetChecksum recomputes the checksum of block and stores it at offset 510.
func SetChecksum(block []byte) {
	binary.LittleEndian.PutUint16(block[checksumOffset:], Checksum(block))
}

// VerifyChecksum compares the stored and computed checksums.
func VerifyChecksum(block []byte) error {
	if len(block) < BlockSize {
		return ErrShortBlock
	}
	if got, want := StoredChecksum(block), Checksum(block); got != want {
		return fmt.Errorf("%w: checksum %#04x, expected %#04x", ErrCorrupt, got, want)
	}
	return nil
}

func checkBlock(b []byte) error {
	if len(b) < BlockSize {
		return fmt.Errorf("%w: %d bytes", ErrShortBlock, len(b))
	}
	return nil
}

// swapped longwords keep the high word first.
func getSwapped(b []byte) uint32 {
	return uint32(binary.LittleEndian.Uint16(b))<<16 | uint32(binary.LittleEndian.Uint16(b[2:]))
}

func putSwapped(b []byte, v uint32) {
	binary.LittleEndian.PutUint16(b, uint16(v>>16))
	binary.LittleEndian.PutUint16(b[2:], uint16(v))
}
