package commands

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/marmos91/ods2/internal/bytesize"
	"github.com/marmos91/ods2/pkg/config"
	"github.com/marmos91/ods2/pkg/device"
	"github.com/marmos91/ods2/pkg/device/memory"
	"github.com/marmos91/ods2/pkg/ods2"
	"github.com/marmos91/ods2/pkg/ods2/format"
	"github.com/marmos91/ods2/pkg/ods2/layout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeviceFlag(t *testing.T) {
	tests := []struct {
		spec string
		want config.DeviceConfig
	}{
		{"dka0=image:/tmp/disk.img", config.DeviceConfig{Name: "dka0", Type: "image", Path: "/tmp/disk.img"}},
		{"dka0=IMAGE:disk.img@1MiB", config.DeviceConfig{Name: "dka0", Type: "image", Path: "disk.img", Size: bytesize.MiB}},
		{"mem=memory:2048blk", config.DeviceConfig{Name: "mem", Type: "memory", Size: bytesize.FromBlocks(2048)}},
		{"kv=badger:/var/lib/kv", config.DeviceConfig{Name: "kv", Type: "badger", Path: "/var/lib/kv"}},
		{"obj=s3:bucket/vols/a@4MiB", config.DeviceConfig{
			Name: "obj", Type: "s3", Size: 4 * bytesize.MiB,
			Options: map[string]any{"bucket": "bucket", "prefix": "vols/a"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := parseDeviceFlag(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"noequals", "=image:x", "dka0=image", "mem=memory:lots"} {
		_, err := parseDeviceFlag(bad)
		assert.Error(t, err, bad)
	}
}

func TestApplyFlagsReplacesDevice(t *testing.T) {
	deviceFlags = []string{"dka0=memory:64blk", "dkb0=memory:32blk"}
	logLevel, metricsAddr = "debug", ""
	t.Cleanup(func() { deviceFlags, logLevel = nil, "" })

	c := config.GetDefaultConfig()
	c.Devices = []config.DeviceConfig{{Name: "dka0", Type: "image", Path: "x.img"}}
	require.NoError(t, applyFlags(c))

	assert.Equal(t, "DEBUG", c.Logging.Level)
	require.Len(t, c.Devices, 2)
	assert.Equal(t, "memory", c.Devices[0].Type)
	assert.Equal(t, uint64(64), c.Devices[0].Size.Blocks())
	assert.Equal(t, "dkb0", c.Devices[1].Name)
}

func TestCopyBlocks(t *testing.T) {
	src := memory.New(100)
	data := bytes.Repeat([]byte{0xC3}, 3*device.BlockSize)
	require.NoError(t, src.WriteBlocks(10, data))
	require.NoError(t, src.WriteBlocks(97, data))

	dst := memory.New(120)
	res, err := copyBlocks(context.Background(), src, dst, 8, 4, true)
	require.NoError(t, err)

	assert.Equal(t, uint32(100), res.Blocks)
	assert.Equal(t, int64(13), res.Segments)
	// Segments 8..15 and 96..99 hold data; 8..15 also covers lbn 10..12.
	assert.Equal(t, int64(11), res.Skipped)
	assert.Equal(t, src.Bytes(), dst.Bytes()[:len(src.Bytes())])
}

func TestCopyBlocksErrors(t *testing.T) {
	ctx := context.Background()

	_, err := copyBlocks(ctx, memory.New(10), memory.New(5), 4, 1, false)
	assert.ErrorContains(t, err, "destination holds 5 blocks")

	ro := memory.FromBytes(make([]byte, 10*device.BlockSize), true)
	_, err = copyBlocks(ctx, memory.New(10), ro, 4, 1, false)
	assert.ErrorIs(t, err, device.ErrReadOnly)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = copyBlocks(cancelled, memory.New(10), memory.New(10), 1, 1, false)
	assert.ErrorIs(t, err, context.Canceled)
}

// useImage points the package configuration at one image device holding a
// freshly formatted volume and returns the FID of a preloaded file.
func useImage(t *testing.T, content []byte) layout.FID {
	t.Helper()
	c := config.GetDefaultConfig()
	c.Devices = []config.DeviceConfig{{
		Name: "dka0",
		Type: "image",
		Path: filepath.Join(t.TempDir(), "dka0.img"),
		Size: bytesize.FromBlocks(2048),
	}}
	c.Mount.Devices = []string{"dka0"}
	require.NoError(t, config.Validate(c))
	cfg = c
	t.Cleanup(func() { cfg = nil })

	dev, err := config.OpenDevice(context.Background(), c.Devices[0])
	require.NoError(t, err)
	defer func() { require.NoError(t, dev.Close()) }()

	b, err := format.New(dev, c.Format)
	require.NoError(t, err)
	info, err := b.AddFile(format.FileSpec{Name: "README.TXT", Data: content, Blocks: 8, Fragments: 2})
	require.NoError(t, err)
	require.NoError(t, b.Write(context.Background()))
	return info.FID
}

func TestFileCommandsRoundTrip(t *testing.T) {
	content := bytes.Repeat([]byte("ods2 round trip\n"), 70) // 1120 bytes
	fid := useImage(t, content)
	ctx := context.Background()

	var out bytes.Buffer
	err := withVolume(ctx, nil, false, func(v *ods2.Volume) error {
		return withFile(v, fid, false, func(f *ods2.File) error {
			sum := summarize(f)
			assert.Equal(t, "README.TXT", sum.Name)
			assert.Equal(t, uint64(len(content)), sum.Size)
			assert.Equal(t, uint32(8), sum.HiBlock)
			return copyOut(ctx, &out, f)
		})
	})
	require.NoError(t, err)
	assert.Equal(t, content, out.Bytes())

	var table extentTable
	err = withVolume(ctx, []string{"dka0"}, false, func(v *ods2.Volume) error {
		return withFile(v, fid, false, func(f *ods2.File) error {
			m, err := f.Map()
			table = m
			return err
		})
	})
	require.NoError(t, err)
	require.Len(t, table, 2)
	assert.Equal(t, []string{"1", strconv.FormatUint(uint64(table[0].LBN), 10), "4", "1"}, table.Rows()[0])

	// Overwrite the first block and move the end of file.
	patch := []byte("patched")
	err = withVolume(ctx, []string{"dka0"}, true, func(v *ods2.Volume) error {
		return withFile(v, fid, true, func(f *ods2.File) error {
			if err := f.Write(1, patch); err != nil {
				return err
			}
			return f.SetEOF(1, uint16(len(patch)))
		})
	})
	require.NoError(t, err)

	out.Reset()
	err = withVolume(ctx, nil, false, func(v *ods2.Volume) error {
		return withFile(v, fid, false, func(f *ods2.File) error {
			return copyOut(ctx, &out, f)
		})
	})
	require.NoError(t, err)
	assert.Equal(t, patch, out.Bytes())
}

func TestDeleteReleasesClusters(t *testing.T) {
	fid := useImage(t, []byte("short"))
	ctx := context.Background()

	var before, after uint32
	err := withVolume(ctx, nil, true, func(v *ods2.Volume) error {
		before = v.FreeClusters(1)
		return withFile(v, fid, true, func(f *ods2.File) error { return f.MarkForDelete() })
	})
	require.NoError(t, err)

	err = withVolume(ctx, nil, true, func(v *ods2.Volume) error {
		after = v.FreeClusters(1)
		_, err := v.OpenFile(fid, false)
		assert.ErrorIs(t, err, ods2.ErrNoSuchFile)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, before+8, after)
}

func TestDeviceTable(t *testing.T) {
	useImage(t, nil)
	var table deviceTable
	err := withVolume(context.Background(), nil, true, func(v *ods2.Volume) error {
		table = v.Devices()
		return nil
	})
	require.NoError(t, err)
	require.Len(t, table, 1)

	row := table.Rows()[0]
	assert.Len(t, row, len(table.Headers()))
	assert.Equal(t, "dka0", row[0])
	assert.Equal(t, "ODS2VOL", row[2])
	assert.Equal(t, "2048", row[7])
}
