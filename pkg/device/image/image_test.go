package image

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/ods2/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newImage(t *testing.T, blocks uint32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	d, err := Open(path, Options{Create: true, Blocks: blocks})
	require.NoError(t, err)
	require.NoError(t, d.Close())
	return path
}

func TestOpenCreatesAndExtends(t *testing.T) {
	path := newImage(t, 16)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(16*device.BlockSize), st.Size())

	// Extending never shrinks
	d, err := Open(path, Options{Blocks: 4})
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, uint32(16), d.Blocks())
}

func TestReadWritePersist(t *testing.T) {
	path := newImage(t, 8)

	d, err := Open(path, Options{})
	require.NoError(t, err)
	data := bytes.Repeat([]byte("ODS2"), device.BlockSize/2)
	require.NoError(t, d.WriteBlocks(5, data))
	require.NoError(t, d.Close())
	require.NoError(t, d.Close(), "second close is a no-op")

	ro, err := Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	got := make([]byte, len(data))
	require.NoError(t, ro.ReadBlocks(5, got))
	assert.Equal(t, data, got)
	assert.ErrorIs(t, ro.WriteBlocks(0, got[:device.BlockSize]), device.ErrReadOnly)
	assert.ErrorIs(t, ro.ReadBlocks(7, got), device.ErrOutOfRange)
}

func TestExclusiveLock(t *testing.T) {
	path := newImage(t, 4)

	d, err := Open(path, Options{})
	require.NoError(t, err)
	defer d.Close()

	_, err = Open(path, Options{})
	assert.ErrorIs(t, err, ErrLocked)
	_, err = Open(path, Options{ReadOnly: true})
	assert.ErrorIs(t, err, ErrLocked)
}

func TestSharedReadLock(t *testing.T) {
	path := newImage(t, 4)

	a, err := Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer b.Close()

	_, err = Open(path, Options{})
	assert.ErrorIs(t, err, ErrLocked)
}

func TestClosedDevice(t *testing.T) {
	d, err := Open(newImage(t, 2), Options{})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	assert.ErrorIs(t, d.ReadBlocks(0, make([]byte, device.BlockSize)), device.ErrClosed)
	assert.ErrorIs(t, d.Sync(), device.ErrClosed)
}

func TestMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.img"), Options{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}
