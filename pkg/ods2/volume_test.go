package ods2

import (
	"context"
	"errors"
	"testing"

	"github.com/marmos91/ods2/pkg/cache"
	"github.com/marmos91/ods2/pkg/device/memory"
	"github.com/marmos91/ods2/pkg/ods2/format"
	"github.com/marmos91/ods2/pkg/ods2/layout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMountDismountReadOnly(t *testing.T) {
	fx := newFixture(t)
	fx.addDevice(t, "dua0", format.Params{Label: "USERDISK", Owner: "OPS"})
	shared := cache.New(cache.Options{})

	v := fx.mount(t, Options{Cache: shared}, "dua0")
	assert.Equal(t, "USERDISK", v.Label())
	assert.False(t, v.Writable())
	assert.Same(t, shared, v.Cache())

	unit, err := fx.reg.Lookup("dua0")
	require.NoError(t, err)
	assert.Same(t, v, unit.Owner())

	devs := v.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, "dua0", devs[0].Name)
	assert.Equal(t, 1, devs[0].RVN)
	assert.Equal(t, "OPS", devs[0].Home.OwnerName)

	home, ok := v.Home(1)
	require.True(t, ok)
	assert.Equal(t, uint32(1), home.HomeLBN)
	_, ok = v.Home(2)
	assert.False(t, ok)

	fx.dismount(t, v)
	assert.Nil(t, unit.Owner())
	assert.Zero(t, shared.Stats().Count)
	assert.Empty(t, fx.devs["dua0"].written(), "read-only mount must not write")
	require.NoError(t, shared.Check())
}

func TestMountDismountWrite(t *testing.T) {
	fx := newFixture(t)
	fx.addDevice(t, "dua0", format.Params{Label: "RW"})
	b := fx.builders["dua0"]

	v := fx.mount(t, Options{Write: true}, "dua0")
	assert.True(t, v.Writable())
	assert.Equal(t, b.Clusters(), v.MaxClusters(1))
	assert.Equal(t, b.FreeClusters(), v.FreeClusters(1))
	assert.Equal(t, uint32(1), v.ClusterSize(1))

	fx.dismount(t, v)
	assert.Zero(t, v.Stats().Count)

	// Only the two headers held for writing go back to disk.
	assert.ElementsMatch(t, []uint32{fx.headerLBN("dua0", 1), fx.headerLBN("dua0", 2)}, fx.devs["dua0"].written())
}

func TestMountCorruptIndexHeader(t *testing.T) {
	fx := newFixture(t)
	fx.addDevice(t, "dua0", format.Params{})
	dev := fx.devs["dua0"]

	lbn := fx.headerLBN("dua0", layout.IndexFileNum)
	buf := dev.block(t, lbn)
	buf[200] ^= 0xff
	dev.poke(t, lbn, buf)

	shared := cache.New(cache.Options{})
	v, err := Mount(context.Background(), fx.reg, []string{"dua0"}, Options{Cache: shared})
	assert.Nil(t, v)
	requireCode(t, err, CodeDataCheck)
	assert.Equal(t, ClassIntegrity, CodeOf(err).Class())

	unit, err := fx.reg.Lookup("dua0")
	require.NoError(t, err)
	assert.Nil(t, unit.Owner(), "failed mount must release the device")
	assert.Zero(t, shared.Stats().Count)
	require.NoError(t, shared.Check())
}

func TestMountRejectsBadIndexHeader(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h layout.Header)
		code   Code
	}{
		{"map in use overruns block", func(h layout.Header) { h.SetMapInUse(250) }, CodeDataCheck},
		{"wrong segment number", func(h layout.Header) { h.SetSegNum(3) }, CodeFileSeqCheck},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.addDevice(t, "dua0", format.Params{})
			fx.rewriteHeader(t, "dua0", layout.IndexFileNum, tt.mutate)

			shared := cache.New(cache.Options{})
			v, err := Mount(context.Background(), fx.reg, []string{"dua0"}, Options{Cache: shared})
			assert.Nil(t, v)
			requireCode(t, err, tt.code)

			unit, err := fx.reg.Lookup("dua0")
			require.NoError(t, err)
			assert.Nil(t, unit.Owner())
			assert.Zero(t, shared.Stats().Count, "no windows or chunks may outlive the mount")
			require.NoError(t, shared.Check())
		})
	}
}

func TestMountCorruptBitmapHeader(t *testing.T) {
	fx := newFixture(t)
	fx.addDevice(t, "dua0", format.Params{})
	dev := fx.devs["dua0"]

	lbn := fx.headerLBN("dua0", layout.BitmapFileNum)
	buf := dev.block(t, lbn)
	buf[300] ^= 0x01
	dev.poke(t, lbn, buf)

	// A read-only mount never looks at the bitmap.
	v := fx.mount(t, Options{}, "dua0")
	fx.dismount(t, v)

	shared := cache.New(cache.Options{})
	_, err := Mount(context.Background(), fx.reg, []string{"dua0"}, Options{Write: true, Cache: shared})
	requireCode(t, err, CodeDataCheck)
	assert.Zero(t, shared.Stats().Count)
}

func TestMountWithoutHomeBlock(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.reg.Register("blank", memory.New(256)))

	_, err := Mount(context.Background(), fx.reg, []string{"blank"}, Options{})
	requireCode(t, err, CodeDataCheck)
}

func TestMountHomeBlockChecksum(t *testing.T) {
	fx := newFixture(t)
	fx.addDevice(t, "dua0", format.Params{})
	dev := fx.devs["dua0"]
	buf := dev.block(t, 1)
	buf[400] ^= 0x10
	dev.poke(t, 1, buf)

	_, err := Mount(context.Background(), fx.reg, []string{"dua0"}, Options{})
	requireCode(t, err, CodeDataCheck)
}

func TestMountNoSuchVolume(t *testing.T) {
	fx := newFixture(t)

	_, err := Mount(context.Background(), fx.reg, []string{"nope"}, Options{})
	requireCode(t, err, CodeNoSuchVolume)
	assert.ErrorIs(t, err, ErrNoSuchVolume)

	_, err = Mount(context.Background(), fx.reg, []string{""}, Options{})
	requireCode(t, err, CodeNoSuchVolume)

	_, err = Mount(context.Background(), fx.reg, nil, Options{})
	requireCode(t, err, CodeNoSuchVolume)
}

func TestMountReadOnlyDeviceForWrite(t *testing.T) {
	fx := newFixture(t)
	fx.addDevice(t, "src", format.Params{})
	image := append([]byte(nil), fx.devs["src"].Bytes()...)
	require.NoError(t, fx.reg.Register("cdrom", memory.FromBytes(image, true)))

	_, err := Mount(context.Background(), fx.reg, []string{"cdrom"}, Options{Write: true})
	requireCode(t, err, CodeWriteLocked)

	v := fx.mount(t, Options{}, "cdrom")
	fx.dismount(t, v)
}

func TestMountAlreadyMounted(t *testing.T) {
	fx := newFixture(t)
	fx.addDevice(t, "dua0", format.Params{})

	first := fx.mount(t, Options{}, "dua0")
	_, err := Mount(context.Background(), fx.reg, []string{"dua0"}, Options{})
	requireCode(t, err, CodeDeviceMounted)

	unit, err := fx.reg.Lookup("dua0")
	require.NoError(t, err)
	assert.Same(t, first, unit.Owner(), "failed mount must not steal the device")
	fx.dismount(t, first)
}

func TestMountClusterMismatch(t *testing.T) {
	fx := newFixture(t)
	fx.addDevice(t, "dua0", format.Params{})
	dev := fx.devs["dua0"]

	bm := dev.block(t, fx.headerLBN("dua0", layout.BitmapFileNum))
	h, err := layout.NewHeader(bm)
	require.NoError(t, err)
	runs, err := h.Retrievals()
	require.NoError(t, err)

	buf := dev.block(t, runs[0].LBN)
	scb, err := layout.DecodeSCB(buf)
	require.NoError(t, err)
	scb.Cluster = 4
	require.NoError(t, scb.Encode(buf))
	dev.poke(t, runs[0].LBN, buf)

	_, err = Mount(context.Background(), fx.reg, []string{"dua0"}, Options{Write: true})
	requireCode(t, err, CodeDataCheck)
}

func TestVolumeSet(t *testing.T) {
	fx := newFixture(t)
	fx.addDevice(t, "dua0", format.Params{Label: "SET", RVN: 1, SetCount: 2})
	infos := fx.addDevice(t, "dua1", format.Params{Label: "SET", RVN: 2, SetCount: 2},
		format.FileSpec{Name: "REMOTE.DAT;1", Data: pattern(3, 0x40)})

	v := fx.mount(t, Options{Write: true}, "dua0", "dua1")
	require.Len(t, v.Devices(), 2)
	assert.Equal(t, 2, v.Devices()[1].RVN)

	fid := infos[0].FID
	fid.RVN = 2
	f, err := v.OpenFile(fid, false)
	require.NoError(t, err)
	got, err := f.Read(1, 3)
	require.NoError(t, err)
	assert.Equal(t, pattern(3, 0x40), got)
	m, err := f.Map()
	require.NoError(t, err)
	require.Len(t, m, 1)
	assert.Equal(t, 2, m[0].RVN)

	// The same number on the first volume is a different file.
	fid.RVN = 1
	_, err = v.OpenFile(fid, false)
	requireCode(t, err, CodeNoSuchFile)

	require.NoError(t, f.Close())
	fx.dismount(t, v)
	assert.Zero(t, v.Stats().Count)
}

func TestVolumeSetOrder(t *testing.T) {
	fx := newFixture(t)
	fx.addDevice(t, "dua0", format.Params{RVN: 1, SetCount: 2})
	fx.addDevice(t, "dua1", format.Params{RVN: 2, SetCount: 2})

	_, err := Mount(context.Background(), fx.reg, []string{"dua1", "dua0"}, Options{})
	requireCode(t, err, CodeUnsupportedVolumeSet)
	for _, name := range []string{"dua0", "dua1"} {
		unit, err := fx.reg.Lookup(name)
		require.NoError(t, err)
		assert.Nil(t, unit.Owner(), name)
	}
}

func TestVolumeSetMissingMember(t *testing.T) {
	fx := newFixture(t)
	fx.addDevice(t, "dua0", format.Params{RVN: 1, SetCount: 2})

	v := fx.mount(t, Options{}, "dua0", "")
	require.Len(t, v.Devices(), 1)

	_, err := v.OpenFile(layout.FID{Num: 3, Seq: 1, RVN: 2}, false)
	requireCode(t, err, CodeDeviceNotMounted)
	fx.dismount(t, v)
}

func TestDismountWithOpenFile(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{Name: "OPEN.DAT;1", Blocks: 4})

	v := fx.mount(t, Options{Write: true}, "dua0")
	f, err := v.OpenFile(infos[0].FID, false)
	require.NoError(t, err)

	err = v.Dismount(context.Background())
	requireCode(t, err, CodeDeviceNotDismounted)
	assert.Equal(t, ClassDevice, CodeOf(err).Class())

	unit, err := fx.reg.Lookup("dua0")
	require.NoError(t, err)
	assert.Same(t, v, unit.Owner())

	require.NoError(t, f.Close())
	fx.dismount(t, v)
	assert.Nil(t, unit.Owner())
}

func TestDismountWriteBackFailure(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{Name: "DIRTY.DAT;1", Blocks: 4})
	dev := fx.devs["dua0"]

	v := fx.mount(t, Options{Write: true}, "dua0")
	f, err := v.OpenFile(infos[0].FID, true)
	require.NoError(t, err)
	require.NoError(t, f.Write(1, pattern(2, 0x10)))
	require.NoError(t, f.Close())

	dev.failWrite = errors.New("media offline")
	err = v.Dismount(context.Background())
	requireCode(t, err, CodeIOError)

	unit, lerr := fx.reg.Lookup("dua0")
	require.NoError(t, lerr)
	assert.Nil(t, unit.Owner(), "devices are released even when write-back fails")
}

func TestSharedCacheAcrossVolumes(t *testing.T) {
	fx := newFixture(t)
	fx.addDevice(t, "dua0", format.Params{Label: "ONE"})
	fx.addDevice(t, "dua1", format.Params{Label: "TWO"})
	shared := cache.New(cache.Options{})

	one := fx.mount(t, Options{Cache: shared}, "dua0")
	two := fx.mount(t, Options{Cache: shared}, "dua1")
	assert.Equal(t, "ONE", one.Label())
	assert.Equal(t, "TWO", two.Label())

	fx.dismount(t, one)
	assert.NotZero(t, shared.Stats().Count)
	fx.dismount(t, two)
	assert.Zero(t, shared.Stats().Count)
	require.NoError(t, shared.Check())
}

func TestFlushWritesWithoutEvicting(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{Name: "FLUSH.DAT;1", Blocks: 4})
	dev := fx.devs["dua0"]

	v := fx.mount(t, Options{Write: true}, "dua0")
	f, err := v.OpenFile(infos[0].FID, true)
	require.NoError(t, err)
	require.NoError(t, f.Write(2, pattern(1, 0x77)))

	count := v.Stats().Count
	v.Flush(context.Background())
	assert.Equal(t, count, v.Stats().Count)
	assert.Equal(t, []uint32{infos[0].Runs[0].LBN + 1}, dev.written())
	assert.Equal(t, pattern(1, 0x77), dev.block(t, infos[0].Runs[0].LBN+1))

	require.NoError(t, f.Close())
	fx.dismount(t, v)
}

type filler struct{ cache.Entry }

func TestFlushUnderCachePressure(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{Name: "PRESSURE.DAT;1", Blocks: 4})
	dev := fx.devs["dua0"]
	shared := cache.New(cache.Options{Limit: 64, Goal: 2})

	v := fx.mount(t, Options{Write: true, Cache: shared}, "dua0")
	f, err := v.OpenFile(infos[0].FID, true)
	require.NoError(t, err)
	require.NoError(t, f.Write(1, pattern(1, 0x5a)))

	// Write-back has to rebuild the window, whose release then reaches
	// the purge limit while the chunk is being flushed.
	shared.Remove(&f.windows)
	var pad cache.Tree
	for k := uint32(1); shared.Stats().Free < 63; k++ {
		obj, err := shared.Find(&pad, k, nil, func() (cache.Object, error) { return &filler{}, nil })
		require.NoError(t, err)
		shared.Untouch(obj, false)
	}

	v.Flush(context.Background())
	assert.Equal(t, pattern(1, 0x5a), dev.block(t, infos[0].Runs[0].LBN))
	assert.LessOrEqual(t, shared.Stats().Free, 2)
	require.NoError(t, shared.Check())

	require.NoError(t, f.Close())
	fx.dismount(t, v)
	shared.Remove(&pad)
	assert.Zero(t, shared.Stats().Count)
}
