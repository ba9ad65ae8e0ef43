// Package device defines the block device abstraction the volume layer reads
// and writes through, plus a registry mapping device names to open devices.
//
// A device is a flat array of 512-byte logical blocks addressed by LBN. All
// backends (memory, disk image, BadgerDB, S3) implement the same interface:
//
//	dev, _ := image.Open("disk.img", image.Options{})
//	reg := device.NewRegistry()
//	_ = reg.Register("dua0", dev)
//
// Transfers are whole blocks; len(buf) must be a non-zero multiple of
// BlockSize and the range must lie inside the device.
package device

import (
	"errors"
	"fmt"
)

// BlockSize is the size of one logical block in bytes.
const BlockSize = 512

var (
	// ErrClosed is returned for I/O on a closed device.
	ErrClosed = errors.New("device: closed")

	// ErrOutOfRange is returned when a transfer extends past the last block.
	ErrOutOfRange = errors.New("device: block range out of bounds")

	// ErrBadBuffer is returned when a buffer is not a whole number of blocks.
	ErrBadBuffer = errors.New("device: buffer is not a multiple of the block size")

	// ErrReadOnly is returned for writes to a read-only device.
	ErrReadOnly = errors.New("device: read-only")

	// ErrNotFound is returned when a device name is not registered.
	ErrNotFound = errors.New("device: not found")

	// ErrExists is returned when registering a name twice.
	ErrExists = errors.New("device: already registered")

	// ErrBusy is returned when claiming a device already owned by another volume.
	ErrBusy = errors.New("device: already claimed")
)

// Device is a block-addressed storage device.
type Device interface {
	// ReadBlocks fills buf with len(buf)/BlockSize blocks starting at lbn.
	ReadBlocks(lbn uint32, buf []byte) error

	// WriteBlocks writes len(buf)/BlockSize blocks starting at lbn.
	WriteBlocks(lbn uint32, buf []byte) error

	// Blocks returns the device size in blocks.
	Blocks() uint32

	// ReadOnly reports whether writes are rejected.
	ReadOnly() bool

	// Close releases the device. Further I/O fails with ErrClosed.
	Close() error
}

// Syncer is implemented by devices that buffer writes.
type Syncer interface {
	Sync() error
}

// CheckTransfer validates a transfer of buf at lbn against a device of size
// blocks and returns the number of blocks it covers.
func CheckTransfer(lbn uint32, buf []byte, blocks uint32) (uint32, error) {
	if len(buf) == 0 || len(buf)%BlockSize != 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadBuffer, len(buf))
	}
	n := uint64(len(buf) / BlockSize)
	if uint64(lbn)+n > uint64(blocks) {
		return 0, fmt.Errorf("%w: lbn %d + %d blocks > %d", ErrOutOfRange, lbn, n, blocks)
	}
	return uint32(n), nil
}
