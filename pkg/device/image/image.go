// Package image implements a block device over a disk image file.
//
// The image is locked with flock(2) while open: exclusively for read-write
// access, shared for read-only access, so two processes cannot mount the
// same image for write.
package image

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/marmos91/ods2/internal/logger"
	"github.com/marmos91/ods2/pkg/device"
)

// ErrLocked is returned when another process holds a conflicting lock.
var ErrLocked = errors.New("image: locked by another process")

// Options configures how an image is opened.
type Options struct {
	// ReadOnly opens the file O_RDONLY with a shared lock.
	ReadOnly bool `mapstructure:"read_only"`

	// Create creates the file if it does not exist.
	Create bool `mapstructure:"create"`

	// Blocks, when non-zero, extends (never shrinks) the file to this size.
	Blocks uint32 `mapstructure:"blocks"`
}

// Device is a disk image file.
type Device struct {
	path     string
	readOnly bool

	mu     sync.RWMutex
	f      *os.File
	blocks uint32
}

// Open opens the image at path.
func Open(path string, opts Options) (*Device, error) {
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	} else if opts.Create {
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open image %q: %w", path, err)
	}
	if err := lockFile(f, !opts.ReadOnly); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	st, err := f.Stat()
	if err != nil {
		_ = unlockFile(f)
		_ = f.Close()
		return nil, fmt.Errorf("stat image %q: %w", path, err)
	}
	size := st.Size()
	if want := int64(opts.Blocks) * device.BlockSize; !opts.ReadOnly && want > size {
		if err := f.Truncate(want); err != nil {
			_ = unlockFile(f)
			_ = f.Close()
			return nil, fmt.Errorf("extend image %q: %w", path, err)
		}
		size = want
	}

	d := &Device{
		path:     path,
		readOnly: opts.ReadOnly,
		f:        f,
		blocks:   uint32(size / device.BlockSize),
	}
	logger.Debug("image opened", logger.KeyPath, path, logger.KeyBlocks, d.blocks, "read_only", opts.ReadOnly)
	return d, nil
}

func (d *Device) ReadBlocks(lbn uint32, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.f == nil {
		return device.ErrClosed
	}
	if _, err := device.CheckTransfer(lbn, buf, d.blocks); err != nil {
		return err
	}
	n, err := d.f.ReadAt(buf, int64(lbn)*device.BlockSize)
	if errors.Is(err, io.EOF) && n == len(buf) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("read %s lbn %d: %w", d.path, lbn, err)
	}
	return nil
}

func (d *Device) WriteBlocks(lbn uint32, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.f == nil {
		return device.ErrClosed
	}
	if d.readOnly {
		return device.ErrReadOnly
	}
	if _, err := device.CheckTransfer(lbn, buf, d.blocks); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(buf, int64(lbn)*device.BlockSize); err != nil {
		return fmt.Errorf("write %s lbn %d: %w", d.path, lbn, err)
	}
	return nil
}

func (d *Device) Blocks() uint32 { return d.blocks }

func (d *Device) ReadOnly() bool { return d.readOnly }

// Path returns the image file path.
func (d *Device) Path() string { return d.path }

// Sync flushes written blocks to stable storage.
func (d *Device) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.f == nil {
		return device.ErrClosed
	}
	if d.readOnly {
		return nil
	}
	return d.f.Sync()
}

// Close syncs, unlocks and closes the image. Closing twice is a no-op.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	var errs []error
	if !d.readOnly {
		errs = append(errs, d.f.Sync())
	}
	errs = append(errs, unlockFile(d.f), d.f.Close())
	d.f = nil
	return errors.Join(errs...)
}
