package ods2

import (
	"math/bits"

	"github.com/marmos91/ods2/internal/logger"
	"github.com/marmos91/ods2/pkg/cache"
	"github.com/marmos91/ods2/pkg/device"
	"github.com/marmos91/ods2/pkg/ods2/layout"
)

// bitsPerBlock is the number of clusters (or file numbers) one bitmap
// block describes.
const bitsPerBlock = device.BlockSize * 8

// bitmapFirstVBN is the first storage bitmap block; VBN 1 holds the SCB.
const bitmapFirstVBN = 2

// updateFreeCount counts the free clusters of vd. A set bit in the storage
// bitmap marks a free cluster.
func (v *Volume) updateFreeCount(vd *volDevice) error {
	var free uint32
	remaining := vd.maxClusters
	vbn := uint32(bitmapFirstVBN)
	for remaining > 0 {
		ch, buf, blocks, err := vd.bitmap.AccessChunk(vbn, 0)
		if err != nil {
			return err
		}
		for b := uint32(0); b < blocks && remaining > 0; b++ {
			n := min(remaining, bitsPerBlock)
			free += countFree(buf[b*device.BlockSize:(b+1)*device.BlockSize], n)
			remaining -= n
		}
		vbn += blocks
		if err := ch.Release(0, 0, true); err != nil {
			return err
		}
	}
	vd.freeClusters = free
	return nil
}

// countFree counts the set bits among the first n bits of block.
func countFree(block []byte, n uint32) uint32 {
	var count int
	full := n / 8
	for _, b := range block[:full] {
		count += bits.OnesCount8(b)
	}
	if rem := n % 8; rem != 0 {
		count += bits.OnesCount8(block[full] & (1<<rem - 1))
	}
	return uint32(count)
}

// setBits sets or clears bit positions first..first+n-1 of the bitmap held
// in file, starting at startVBN, and returns how many bits changed.
func setBits(f *File, startVBN, first, n uint32, set bool) (uint32, error) {
	var changed uint32
	for n > 0 {
		vbn := startVBN + first/bitsPerBlock
		ch, buf, _, err := f.AccessChunk(vbn, 1)
		if err != nil {
			return changed, err
		}
		for bit := first % bitsPerBlock; bit < bitsPerBlock && n > 0; bit++ {
			b := &buf[bit/8]
			m := byte(1) << (bit % 8)
			if (*b&m != 0) != set {
				*b ^= m
				changed++
			}
			first++
			n--
		}
		if err := ch.Release(vbn, 1, true); err != nil {
			_ = ch.Release(0, 0, true)
			return changed, err
		}
	}
	return changed, nil
}

// deallocFile returns the clusters of f to the storage bitmap, clears its
// index file bitmap bit and invalidates its header, then removes f from the
// cache. f holds the caller's last reference.
func (v *Volume) deallocFile(f *File) error {
	vd := v.deviceFor(f.rvn)
	if vd == nil {
		return fileStatus(CodeDeviceNotMounted, "delete", f.fid, "relative volume %d", f.rvn)
	}
	if vd.bitmap == nil {
		return fileStatus(CodeWriteLocked, "delete", f.fid, "storage bitmap not open")
	}

	runs, err := f.Map()
	if err != nil {
		return err
	}
	c := v.cache

	// Buffered data of a deleted file is never written back.
	c.Walk(&f.chunks, func(obj cache.Object) bool {
		ch := obj.(*Chunk)
		ch.modmask, ch.wrtmask = 0, 0
		c.SetManager(ch, nil)
		return true
	})

	var freed uint32
	for _, r := range runs {
		if r.RVN != vd.rvn {
			continue
		}
		first := r.LBN / vd.clusterSize
		last := (r.LBN + r.Count - 1) / vd.clusterSize
		n, err := setBits(vd.bitmap, bitmapFirstVBN, first, last-first+1, true)
		freed += n
		if err != nil {
			return err
		}
	}

	fileBit := f.fid.FileNumber() - 1
	if _, err := setBits(vd.index, uint32(vd.home.IBMapVBN), fileBit, 1, false); err != nil {
		return err
	}

	head := f.head
	head.SetFID(layout.FID{RVN: head.FID().RVN, NMX: head.FID().NMX})
	if err := head.SetMap(nil); err != nil {
		return err
	}
	head.SetFileChar(head.FileChar() &^ layout.FileCharMarkDel)

	vd.freeClusters += freed
	logger.Info("file deleted",
		logger.FID(f.fid.Num, f.fid.Seq, f.fid.RVN), logger.KeyCluster, freed, logger.KeyFreeClusters, vd.freeClusters)

	c.Untouch(f, false)
	for f.Attached() && c.Delete(f) != nil {
	}
	return nil
}
