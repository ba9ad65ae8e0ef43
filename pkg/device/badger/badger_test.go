package badger

import (
	"bytes"
	"testing"

	"github.com/marmos91/ods2/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T, blocks uint32) *Device {
	t.Helper()
	d, err := Open(Options{InMemory: true, Blocks: blocks})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestUnwrittenBlocksReadAsZero(t *testing.T) {
	d := openMem(t, 64)
	assert.Equal(t, uint32(64), d.Blocks())

	buf := bytes.Repeat([]byte{0xFF}, 4*device.BlockSize)
	require.NoError(t, d.ReadBlocks(10, buf))
	assert.Equal(t, make([]byte, len(buf)), buf)
}

func TestReadWriteSparse(t *testing.T) {
	d := openMem(t, 64)

	data := make([]byte, 3*device.BlockSize)
	copy(data, bytes.Repeat([]byte{1}, device.BlockSize))
	copy(data[2*device.BlockSize:], bytes.Repeat([]byte{3}, device.BlockSize))
	require.NoError(t, d.WriteBlocks(20, data))

	got := make([]byte, len(data))
	require.NoError(t, d.ReadBlocks(20, got))
	assert.Equal(t, data, got)

	stored, err := d.StoredBlocks()
	require.NoError(t, err)
	assert.Equal(t, 2, stored, "zero block is not stored")

	// Overwriting with zeros drops the key
	require.NoError(t, d.WriteBlocks(20, make([]byte, device.BlockSize)))
	stored, err = d.StoredBlocks()
	require.NoError(t, err)
	assert.Equal(t, 1, stored)
}

func TestBounds(t *testing.T) {
	d := openMem(t, 8)
	assert.ErrorIs(t, d.ReadBlocks(7, make([]byte, 2*device.BlockSize)), device.ErrOutOfRange)
	assert.ErrorIs(t, d.WriteBlocks(0, make([]byte, 10)), device.ErrBadBuffer)
}

func TestReopenKeepsGeometry(t *testing.T) {
	dir := t.TempDir()

	d, err := Open(Options{Path: dir, Blocks: 128})
	require.NoError(t, err)
	id := d.ID()
	require.NoError(t, d.WriteBlocks(5, bytes.Repeat([]byte{7}, device.BlockSize)))
	require.NoError(t, d.Close())

	d, err = Open(Options{Path: dir, Blocks: 4})
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, uint32(128), d.Blocks())
	assert.Equal(t, id, d.ID())

	got := make([]byte, device.BlockSize)
	require.NoError(t, d.ReadBlocks(5, got))
	assert.Equal(t, byte(7), got[511])
}

func TestNewDatabaseNeedsSize(t *testing.T) {
	_, err := Open(Options{InMemory: true})
	assert.Error(t, err)

	_, err = Open(Options{})
	assert.Error(t, err)
}

func TestClosed(t *testing.T) {
	d, err := Open(Options{InMemory: true, Blocks: 4})
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.ReadBlocks(0, make([]byte, device.BlockSize)), device.ErrClosed)
}
