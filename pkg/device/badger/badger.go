// Package badger implements a sparse block device on BadgerDB.
//
// Each non-zero block is stored under its own key; blocks that were never
// written, or that were written as all zeros, have no key and read back as
// zeros. Device geometry and an instance id are kept under meta keys so a
// database reopens with the size it was created with.
package badger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/marmos91/ods2/internal/logger"
	"github.com/marmos91/ods2/pkg/device"
)

var (
	keyMetaBlocks = []byte("meta:blocks")
	keyMetaID     = []byte("meta:id")
	prefixBlock   = []byte("blk:")
)

// keyBlock returns the key for lbn. Big-endian so iteration is in LBN order.
func keyBlock(lbn uint32) []byte {
	k := make([]byte, len(prefixBlock)+4)
	copy(k, prefixBlock)
	binary.BigEndian.PutUint32(k[len(prefixBlock):], lbn)
	return k
}

// Options configures the BadgerDB device.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `mapstructure:"path"`

	// InMemory keeps the database in memory only.
	InMemory bool `mapstructure:"in_memory"`

	// Blocks is the device size used when the database is new. An existing
	// database keeps its recorded size.
	Blocks uint32 `mapstructure:"blocks"`

	// ReadOnly opens the database read-only.
	ReadOnly bool `mapstructure:"read_only"`
}

// Device is a BadgerDB-backed block device.
type Device struct {
	db       *badgerdb.DB
	id       uuid.UUID
	blocks   uint32
	readOnly bool

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates a BadgerDB device.
func Open(opts Options) (*Device, error) {
	bopts := badgerdb.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.InMemory {
		bopts = badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	} else if opts.Path == "" {
		return nil, fmt.Errorf("badger device requires path to be set")
	}
	if opts.ReadOnly {
		bopts = bopts.WithReadOnly(true)
	}

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	d := &Device{db: db, readOnly: opts.ReadOnly}
	if err := d.loadMeta(opts.Blocks); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("badger device opened", logger.KeyPath, opts.Path, logger.KeyBlocks, d.blocks, "id", d.id.String())
	return d, nil
}

func (d *Device) loadMeta(blocks uint32) error {
	err := d.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyMetaBlocks)
		if err != nil {
			return err
		}
		if err := item.Value(func(v []byte) error {
			if len(v) != 4 {
				return fmt.Errorf("badger device: corrupt size record")
			}
			d.blocks = binary.BigEndian.Uint32(v)
			return nil
		}); err != nil {
			return err
		}
		item, err = txn.Get(keyMetaID)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			d.id, err = uuid.FromBytes(v)
			return err
		})
	})
	if !errors.Is(err, badgerdb.ErrKeyNotFound) {
		return err
	}

	// New database
	if blocks == 0 {
		return fmt.Errorf("badger device: blocks must be set for a new database")
	}
	if d.readOnly {
		return fmt.Errorf("badger device: cannot initialize a read-only database")
	}
	d.blocks = blocks
	d.id = uuid.New()
	return d.db.Update(func(txn *badgerdb.Txn) error {
		size := make([]byte, 4)
		binary.BigEndian.PutUint32(size, blocks)
		if err := txn.Set(keyMetaBlocks, size); err != nil {
			return err
		}
		return txn.Set(keyMetaID, d.id[:])
	})
}

func (d *Device) ReadBlocks(lbn uint32, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return device.ErrClosed
	}
	n, err := device.CheckTransfer(lbn, buf, d.blocks)
	if err != nil {
		return err
	}

	return d.db.View(func(txn *badgerdb.Txn) error {
		for i := uint32(0); i < n; i++ {
			block := buf[i*device.BlockSize : (i+1)*device.BlockSize]
			item, err := txn.Get(keyBlock(lbn + i))
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				clear(block)
				continue
			}
			if err != nil {
				return fmt.Errorf("get lbn %d: %w", lbn+i, err)
			}
			if _, err := item.ValueCopy(block[:0]); err != nil {
				return fmt.Errorf("get lbn %d: %w", lbn+i, err)
			}
		}
		return nil
	})
}

func (d *Device) WriteBlocks(lbn uint32, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return device.ErrClosed
	}
	if d.readOnly {
		return device.ErrReadOnly
	}
	n, err := device.CheckTransfer(lbn, buf, d.blocks)
	if err != nil {
		return err
	}

	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for i := uint32(0); i < n; i++ {
		block := buf[i*device.BlockSize : (i+1)*device.BlockSize]
		if isZero(block) {
			err = wb.Delete(keyBlock(lbn + i))
		} else {
			err = wb.Set(keyBlock(lbn+i), append([]byte(nil), block...))
		}
		if err != nil {
			return fmt.Errorf("write lbn %d: %w", lbn+i, err)
		}
	}
	return wb.Flush()
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (d *Device) Blocks() uint32 { return d.blocks }

func (d *Device) ReadOnly() bool { return d.readOnly }

// ID returns the instance id assigned when the database was created.
func (d *Device) ID() uuid.UUID { return d.id }

// StoredBlocks returns the number of blocks with a stored (non-zero) value.
func (d *Device) StoredBlocks() (int, error) {
	count := 0
	err := d.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixBlock
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Sync flushes the value log to disk.
func (d *Device) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return device.ErrClosed
	}
	if d.readOnly {
		return nil
	}
	return d.db.Sync()
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}
