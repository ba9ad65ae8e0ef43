package ods2

import (
	"context"
	"testing"

	"github.com/marmos91/ods2/pkg/cache"
	"github.com/marmos91/ods2/pkg/device"
	"github.com/marmos91/ods2/pkg/ods2/format"
	"github.com/marmos91/ods2/pkg/ods2/layout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndRead(t *testing.T) {
	fx := newFixture(t)
	data := pattern(5, 0x20)[:5*device.BlockSize-100]
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{Name: "READ.ME;1", Data: data, Blocks: 8})

	v := fx.mount(t, Options{}, "dua0")
	f, err := v.OpenFile(infos[0].FID, false)
	require.NoError(t, err)
	assert.Equal(t, infos[0].FID, f.FID())
	assert.Equal(t, uint32(8), f.HiBlock())
	assert.Equal(t, uint32(6), f.HighWater())
	assert.Equal(t, uint32(5), f.EOFBlock())
	assert.Equal(t, uint64(len(data)), f.Size())
	assert.Equal(t, "READ.ME;1", f.Header().Ident())
	assert.False(t, f.Writable())
	assert.Same(t, v, f.Volume())

	got, err := f.Read(1, 5)
	require.NoError(t, err)
	assert.Equal(t, data, got[:len(data)])

	m, err := f.Map()
	require.NoError(t, err)
	assert.Equal(t, []Mapping{{VBN: 1, LBN: infos[0].Runs[0].LBN, Count: 8, RVN: 1}}, m)

	require.NoError(t, f.Close())
	fx.dismount(t, v)
}

func TestOpenTwiceSharesFile(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{Name: "TWICE;1", Blocks: 2})

	v := fx.mount(t, Options{}, "dua0")
	a, err := v.OpenFile(infos[0].FID, false)
	require.NoError(t, err)
	b, err := v.OpenFile(infos[0].FID, false)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 2, a.Refcount())

	// A failed open under the same number leaves the open file alone.
	wrong := infos[0].FID
	wrong.Seq++
	_, err = v.OpenFile(wrong, false)
	requireCode(t, err, CodeNoSuchFile)
	assert.Equal(t, 2, a.Refcount())

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	fx.dismount(t, v)
}

func TestOpenErrors(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{Name: "ERR;1", Blocks: 2})
	fid := infos[0].FID

	v := fx.mount(t, Options{}, "dua0")
	t.Cleanup(func() { _ = v.Dismount(context.Background()) })

	tests := []struct {
		name string
		fid  layout.FID
		rw   bool
		code Code
	}{
		{"file number zero", layout.FID{Seq: 1}, false, CodeBadParam},
		{"wrong sequence", layout.FID{Num: fid.Num, Seq: fid.Seq + 1}, false, CodeNoSuchFile},
		{"unused header", layout.FID{Num: 20, Seq: 1}, false, CodeNoSuchFile},
		{"past index file", layout.FID{Num: 500, Seq: 1}, false, CodeNoSuchFile},
		{"write on read-only mount", fid, true, CodeWriteLocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := v.OpenFile(tt.fid, tt.rw)
			assert.Nil(t, f)
			requireCode(t, err, tt.code)
		})
	}
	assert.Equal(t, 1, v.Cache().Refcount(&v.files), "failed opens must not leak references")
}

func TestAccessBeyondAllocation(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{Name: "SHORT;1", Blocks: 3})

	v := fx.mount(t, Options{}, "dua0")
	f, err := v.OpenFile(infos[0].FID, false)
	require.NoError(t, err)

	for _, vbn := range []uint32{0, 4, 1000} {
		_, _, _, err := f.AccessChunk(vbn, 0)
		requireCode(t, err, CodeEndOfFile)
		assert.Equal(t, ClassBounds, CodeOf(err).Class())
	}
	_, err = f.Read(3, 2)
	requireCode(t, err, CodeEndOfFile)

	require.NoError(t, f.Close())
	fx.dismount(t, v)
}

func TestReadPastHighWaterIsZero(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{Name: "HW;1", Data: pattern(2, 1), Blocks: 6})
	dev := fx.devs["dua0"]
	lbn := infos[0].Runs[0].LBN

	// Stale data beyond the high-water mark must never be returned.
	dev.poke(t, lbn+3, pattern(1, 0xEE))

	v := fx.mount(t, Options{}, "dua0")
	f, err := v.OpenFile(infos[0].FID, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), f.HighWater())

	got, err := f.Read(1, 6)
	require.NoError(t, err)
	assert.Equal(t, pattern(2, 1), got[:2*device.BlockSize])
	assert.Equal(t, make([]byte, 4*device.BlockSize), got[2*device.BlockSize:])

	require.NoError(t, f.Close())
	fx.dismount(t, v)
}

func TestWritePersistsAndRaisesHighWater(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{Name: "GROW;1", Data: pattern(1, 1), Blocks: 40})
	dev := fx.devs["dua0"]
	info := infos[0]

	v := fx.mount(t, Options{Write: true}, "dua0")
	f, err := v.OpenFile(info.FID, true)
	require.NoError(t, err)
	assert.True(t, f.Writable())

	// Spans three 16-block chunks.
	payload := pattern(30, 0x30)
	require.NoError(t, f.Write(5, payload))
	assert.Equal(t, uint32(35), f.HighWater())
	require.NoError(t, f.SetEOF(35, 0))
	require.NoError(t, f.Close())
	fx.dismount(t, v)

	for i := uint32(0); i < 30; i++ {
		assert.Equal(t, payload[i*device.BlockSize:(i+1)*device.BlockSize], dev.block(t, info.Runs[0].LBN+4+i))
	}

	h, err := layout.NewHeader(dev.block(t, fx.headerLBN("dua0", info.FID.FileNumber())))
	require.NoError(t, err)
	require.NoError(t, h.Validate())
	assert.Equal(t, uint32(35), h.HighWater())
	assert.Equal(t, uint32(35), h.EOFBlock())

	v = fx.mount(t, Options{}, "dua0")
	f, err = v.OpenFile(info.FID, false)
	require.NoError(t, err)
	got, err := f.Read(5, 30)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	require.NoError(t, f.Close())
	fx.dismount(t, v)
}

func TestWriteErrors(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{Name: "RO;1", Blocks: 4})

	v := fx.mount(t, Options{Write: true}, "dua0")
	f, err := v.OpenFile(infos[0].FID, false)
	require.NoError(t, err)

	requireCode(t, f.Write(1, pattern(1, 0)), CodeWriteLocked)
	requireCode(t, f.MarkForDelete(), CodeWriteLocked)
	requireCode(t, f.SetEOF(1, 0), CodeWriteLocked)
	_, _, _, err = f.AccessChunk(1, 1)
	requireCode(t, err, CodeWriteLocked)
	assert.Equal(t, ClassAccess, CodeOf(err).Class())

	// Reopening for write upgrades the shared file.
	w, err := v.OpenFile(infos[0].FID, true)
	require.NoError(t, err)
	assert.Same(t, f, w)
	assert.True(t, f.Writable())
	requireCode(t, w.Write(4, pattern(2, 0)), CodeEndOfFile)
	requireCode(t, w.SetEOF(9, 0), CodeBadParam)
	require.NoError(t, w.Write(4, nil))

	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	fx.dismount(t, v)
}

func TestFragmentedFileWithExtensionHeaders(t *testing.T) {
	fx := newFixture(t)
	data := pattern(12, 0x50)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{
		Name: "FRAG.DAT;1", Data: data, Fragments: 6, PointersPerHeader: 2,
	})
	info := infos[0]
	require.Len(t, info.Extensions, 2)

	v := fx.mount(t, Options{ChunkBlocks: 4}, "dua0")
	f, err := v.OpenFile(info.FID, false)
	require.NoError(t, err)

	m, err := f.Map()
	require.NoError(t, err)
	require.Len(t, m, 6)
	vbn := uint32(1)
	for i, r := range info.Runs {
		assert.Equal(t, Mapping{VBN: vbn, LBN: r.LBN, Count: r.Count, RVN: 1}, m[i])
		vbn += r.Count
	}

	got, err := f.Read(1, 12)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, f.Close())
	fx.dismount(t, v)
}

func TestExtentCapRestart(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{
		Name: "CAPPED;1", Blocks: 12, Fragments: 6, PointersPerHeader: 2,
	})
	info := infos[0]

	v := fx.mount(t, Options{ExtentCap: 3}, "dua0")
	f, err := v.OpenFile(info.FID, false)
	require.NoError(t, err)

	ranges := func() [][2]uint32 {
		var out [][2]uint32
		v.Cache().Walk(&f.windows, func(obj cache.Object) bool {
			w := obj.(*window)
			out = append(out, [2]uint32{w.loblk, w.hiblk})
			return true
		})
		return out
	}

	// Mapping the last block first drops the early extents.
	_, lbn, n, err := f.mapVBN(12)
	require.NoError(t, err)
	assert.Equal(t, lbnOf(info.Runs, 12), lbn)
	assert.Equal(t, uint32(1), n)
	assert.Equal(t, [][2]uint32{{7, 12}}, ranges())

	_, lbn, _, err = f.mapVBN(1)
	require.NoError(t, err)
	assert.Equal(t, info.Runs[0].LBN, lbn)
	assert.Equal(t, [][2]uint32{{1, 6}, {7, 12}}, ranges())

	for vbn := uint32(1); vbn <= 12; vbn++ {
		_, lbn, _, err := f.mapVBN(vbn)
		require.NoError(t, err)
		assert.Equal(t, lbnOf(info.Runs, vbn), lbn, "vbn %d", vbn)
	}
	assert.Len(t, ranges(), 2)

	require.NoError(t, f.Close())
	fx.dismount(t, v)
}

func TestWindowResumesAfterPredecessor(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{
		Name: "RESUME;1", Blocks: 8, Fragments: 4, PointersPerHeader: 1,
	})
	info := infos[0]

	v := fx.mount(t, Options{ExtentCap: 1}, "dua0")
	f, err := v.OpenFile(info.FID, false)
	require.NoError(t, err)

	for vbn := uint32(1); vbn <= 8; vbn++ {
		_, lbn, _, err := f.mapVBN(vbn)
		require.NoError(t, err)
		assert.Equal(t, lbnOf(info.Runs, vbn), lbn, "vbn %d", vbn)
	}
	var segs []uint16
	v.Cache().Walk(&f.windows, func(obj cache.Object) bool {
		segs = append(segs, obj.(*window).hdSeg)
		return true
	})
	assert.Equal(t, []uint16{0, 1, 2, 3}, segs)

	require.NoError(t, f.Close())
	fx.dismount(t, v)
}

func TestExtensionHeaderSegmentMismatch(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{
		Name: "BADSEG;1", Data: pattern(4, 0x33), Fragments: 2, PointersPerHeader: 1,
	})
	ext := infos[0].Extensions[0]
	fx.rewriteHeader(t, "dua0", ext.FileNumber(), func(h layout.Header) { h.SetSegNum(7) })

	// Small chunks and windows keep the first extent away from the
	// extension header.
	v := fx.mount(t, Options{ChunkBlocks: 2, ExtentCap: 1}, "dua0")
	f, err := v.OpenFile(infos[0].FID, false)
	require.NoError(t, err)

	_, err = f.Read(1, 2)
	require.NoError(t, err)
	_, err = f.Read(3, 2)
	requireCode(t, err, CodeFileSeqCheck)
	_, err = f.Map()
	requireCode(t, err, CodeFileSeqCheck)

	require.NoError(t, f.Close())
	fx.dismount(t, v)
}

func TestMarkForDeleteDeallocates(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{},
		format.FileSpec{Name: "DOOMED;1", Data: pattern(4, 9), Blocks: 10, Fragments: 2},
		format.FileSpec{Name: "KEEP;1", Blocks: 2},
	)
	doomed := infos[0]
	dev := fx.devs["dua0"]

	v := fx.mount(t, Options{Write: true}, "dua0")
	before := v.FreeClusters(1)

	f, err := v.OpenFile(doomed.FID, true)
	require.NoError(t, err)
	require.NoError(t, f.Write(1, pattern(2, 0xAA)))
	require.NoError(t, f.MarkForDelete())
	assert.True(t, f.Header().MarkedForDelete())
	require.NoError(t, f.Close())

	assert.Equal(t, before+10, v.FreeClusters(1))
	_, err = v.OpenFile(doomed.FID, false)
	requireCode(t, err, CodeNoSuchFile)

	keep, err := v.OpenFile(infos[1].FID, false)
	require.NoError(t, err)
	require.NoError(t, keep.Close())
	fx.dismount(t, v)

	// Buffered writes of the deleted file were discarded.
	for _, lbn := range dev.written() {
		assert.NotEqual(t, doomed.Runs[0].LBN, lbn)
		assert.NotEqual(t, doomed.Runs[0].LBN+1, lbn)
	}
	assert.Equal(t, pattern(1, 9), dev.block(t, doomed.Runs[0].LBN))

	// Index bitmap bit cleared, header invalidated.
	ibmap := dev.block(t, 2)
	assert.Zero(t, ibmap[0]&(1<<(doomed.FID.FileNumber()-1)))
	assert.NotZero(t, ibmap[0]&(1<<(infos[1].FID.FileNumber()-1)))
	h, err := layout.NewHeader(dev.block(t, fx.headerLBN("dua0", doomed.FID.FileNumber())))
	require.NoError(t, err)
	require.NoError(t, h.Validate())
	assert.True(t, h.FID().IsZero())
	assert.Zero(t, h.MapInUse())

	// The freed clusters are found again on the next mount.
	v = fx.mount(t, Options{Write: true}, "dua0")
	assert.Equal(t, before+10, v.FreeClusters(1))
	fx.dismount(t, v)
}

func TestDeleteWaitsForLastClose(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{Name: "LATER;1", Blocks: 2})

	v := fx.mount(t, Options{Write: true}, "dua0")
	f, err := v.OpenFile(infos[0].FID, true)
	require.NoError(t, err)
	other, err := v.OpenFile(infos[0].FID, false)
	require.NoError(t, err)
	before := v.FreeClusters(1)

	require.NoError(t, f.MarkForDelete())
	require.NoError(t, f.Close())
	assert.Equal(t, before, v.FreeClusters(1), "still open elsewhere")

	require.NoError(t, other.Close())
	assert.Equal(t, before+2, v.FreeClusters(1))
	fx.dismount(t, v)
}

func TestFailedWriteReopenKeepsReader(t *testing.T) {
	fx := newFixture(t)
	infos := fx.addDevice(t, "dua0", format.Params{}, format.FileSpec{Name: "SHARED.DAT;1", Data: pattern(2, 0x40)})
	v := fx.mount(t, Options{Write: true}, "dua0")

	reader, err := v.OpenFile(infos[0].FID, false)
	require.NoError(t, err)

	// A second open takes its reference and drops the read-only header for
	// a write upgrade, then its header access fails.
	again, err := v.OpenFile(infos[0].FID, false)
	require.NoError(t, err)
	require.Same(t, reader, again)
	require.NoError(t, v.releaseHead(reader.headChunk, layout.Header{}, 0))
	reader.headChunk = nil
	reader.write = true
	v.abandonOpen(reader, false)

	assert.Equal(t, 1, reader.Refcount())
	assert.False(t, reader.write)
	require.NotNil(t, reader.headChunk)
	assert.True(t, reader.Header().Valid())
	assert.Equal(t, infos[0].FID.Num, reader.Header().FID().Num)

	got, err := reader.Read(1, 2)
	require.NoError(t, err)
	assert.Equal(t, pattern(2, 0x40), got)
	_, _, _, err = reader.AccessChunk(1, 1)
	requireCode(t, err, CodeWriteLocked)

	require.NoError(t, reader.Close())
	fx.dismount(t, v)
	require.NoError(t, v.Cache().Check())
}
