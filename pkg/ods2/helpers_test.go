package ods2

import (
	"context"
	"sync"
	"testing"

	"github.com/marmos91/ods2/pkg/device"
	"github.com/marmos91/ods2/pkg/device/memory"
	"github.com/marmos91/ods2/pkg/ods2/format"
	"github.com/marmos91/ods2/pkg/ods2/layout"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// recordingDevice is a memory device that logs every block it writes and
// can be told to fail writes.
type recordingDevice struct {
	*memory.Device

	mu        sync.Mutex
	writes    []uint32
	failWrite error
}

func (d *recordingDevice) WriteBlocks(lbn uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWrite != nil {
		return d.failWrite
	}
	for i := 0; i < len(buf)/device.BlockSize; i++ {
		d.writes = append(d.writes, lbn+uint32(i))
	}
	return d.Device.WriteBlocks(lbn, buf)
}

func (d *recordingDevice) written() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.writes...)
}

func (d *recordingDevice) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = nil
}

func (d *recordingDevice) block(t *testing.T, lbn uint32) []byte {
	t.Helper()
	buf := make([]byte, device.BlockSize)
	require.NoError(t, d.Device.ReadBlocks(lbn, buf))
	return buf
}

// poke rewrites one block directly, bypassing the recorder.
func (d *recordingDevice) poke(t *testing.T, lbn uint32, buf []byte) {
	t.Helper()
	require.NoError(t, d.Device.WriteBlocks(lbn, buf))
}

// fixture is a registry of freshly formatted memory devices.
type fixture struct {
	reg      *device.Registry
	devs     map[string]*recordingDevice
	builders map[string]*format.Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		reg:      device.NewRegistry(),
		devs:     make(map[string]*recordingDevice),
		builders: make(map[string]*format.Builder),
	}
	t.Cleanup(func() { _ = fx.reg.Close() })
	return fx
}

// addDevice formats a 2048-block device holding specs and registers it.
func (fx *fixture) addDevice(t *testing.T, name string, p format.Params, specs ...format.FileSpec) []format.FileInfo {
	t.Helper()
	return fx.addSizedDevice(t, name, 2048, p, specs...)
}

func (fx *fixture) addSizedDevice(t *testing.T, name string, blocks uint32, p format.Params, specs ...format.FileSpec) []format.FileInfo {
	t.Helper()
	if p.Label == "" {
		p.Label = "TESTVOL"
	}
	dev := &recordingDevice{Device: memory.New(blocks)}
	b, err := format.New(dev, p)
	require.NoError(t, err)
	infos := make([]format.FileInfo, 0, len(specs))
	for _, spec := range specs {
		info, err := b.AddFile(spec)
		require.NoError(t, err)
		infos = append(infos, info)
	}
	require.NoError(t, b.Write(context.Background()))
	dev.reset()

	require.NoError(t, fx.reg.Register(name, dev))
	fx.devs[name] = dev
	fx.builders[name] = b
	return infos
}

func (fx *fixture) mount(t *testing.T, opts Options, names ...string) *Volume {
	t.Helper()
	v, err := Mount(context.Background(), fx.reg, names, opts)
	require.NoError(t, err)
	return v
}

func (fx *fixture) dismount(t *testing.T, v *Volume) {
	t.Helper()
	require.NoError(t, v.Dismount(context.Background()))
}

// headerLBN returns where the header of file num lives on the named device.
func (fx *fixture) headerLBN(name string, num uint32) uint32 {
	return fx.builders[name].HeaderLBN(num)
}

// rewriteHeader applies fn to a header on disk and fixes its checksum.
func (fx *fixture) rewriteHeader(t *testing.T, name string, num uint32, fn func(h layout.Header)) {
	t.Helper()
	dev := fx.devs[name]
	lbn := fx.headerLBN(name, num)
	buf := dev.block(t, lbn)
	h, err := layout.NewHeader(buf)
	require.NoError(t, err)
	fn(h)
	h.UpdateChecksum()
	dev.poke(t, lbn, buf)
}

// pattern returns n blocks where block i is filled with seed+i.
func pattern(n int, seed byte) []byte {
	out := make([]byte, n*device.BlockSize)
	for i := 0; i < n; i++ {
		for j := 0; j < device.BlockSize; j++ {
			out[i*device.BlockSize+j] = seed + byte(i)
		}
	}
	return out
}

// lbnOf maps vbn through a list of runs.
func lbnOf(runs []layout.Retrieval, vbn uint32) uint32 {
	v := uint32(1)
	for _, r := range runs {
		if vbn < v+r.Count {
			return r.LBN + vbn - v
		}
		v += r.Count
	}
	return 0
}

func requireCode(t *testing.T, err error, code Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, CodeOf(err), "error: %v", err)
}
