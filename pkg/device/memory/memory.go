// Package memory implements an in-memory block device, used by tests and
// by the format command when building a volume before copying it out.
package memory

import (
	"sync"

	"github.com/marmos91/ods2/pkg/device"
)

// Device is a block device backed by a byte slice.
type Device struct {
	mu       sync.RWMutex
	data     []byte
	readOnly bool
	closed   bool
}

// New returns a zero-filled device of the given size.
func New(blocks uint32) *Device {
	return &Device{data: make([]byte, int(blocks)*device.BlockSize)}
}

// FromBytes wraps an existing image. The slice is used directly; its
// length is truncated to a whole number of blocks.
func FromBytes(data []byte, readOnly bool) *Device {
	n := len(data) / device.BlockSize * device.BlockSize
	return &Device{data: data[:n], readOnly: readOnly}
}

func (d *Device) ReadBlocks(lbn uint32, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return device.ErrClosed
	}
	if _, err := device.CheckTransfer(lbn, buf, d.blocks()); err != nil {
		return err
	}
	off := int(lbn) * device.BlockSize
	copy(buf, d.data[off:off+len(buf)])
	return nil
}

func (d *Device) WriteBlocks(lbn uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	if d.readOnly {
		return device.ErrReadOnly
	}
	if _, err := device.CheckTransfer(lbn, buf, d.blocks()); err != nil {
		return err
	}
	off := int(lbn) * device.BlockSize
	copy(d.data[off:], buf)
	return nil
}

func (d *Device) blocks() uint32 {
	return uint32(len(d.data) / device.BlockSize)
}

func (d *Device) Blocks() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.blocks()
}

func (d *Device) ReadOnly() bool { return d.readOnly }

// Bytes returns the device contents. The slice aliases device storage.
func (d *Device) Bytes() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.data
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
