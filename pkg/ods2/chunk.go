package ods2

import (
	"github.com/marmos91/ods2/internal/logger"
	"github.com/marmos91/ods2/pkg/cache"
	"github.com/marmos91/ods2/pkg/device"
)

// Chunk buffers a chunk-aligned run of a file's blocks.
//
// Callers obtain a chunk with File.AccessChunk, which takes a reference and
// optionally grants write access to some of its blocks. Granted blocks
// become dirty only when handed back through Release; dirty blocks are
// written to disk when the chunk is flushed or evicted.
type Chunk struct {
	cache.Entry

	file *File
	base uint32 // VBN of the first block, minus one
	data []byte

	wrtmask uint32 // blocks granted for writing
	modmask uint32 // blocks modified and not yet written
}

// Base returns the VBN preceding the chunk's first block.
func (c *Chunk) Base() uint32 { return c.base }

// Data returns the chunk buffer.
func (c *Chunk) Data() []byte { return c.data }

// Pending returns the mask of blocks granted for writing.
func (c *Chunk) Pending() uint32 { return c.wrtmask }

// Dirty returns the mask of modified blocks awaiting write-back.
func (c *Chunk) Dirty() uint32 { return c.modmask }

// File returns the file the chunk belongs to.
func (c *Chunk) File() *File { return c.file }

func blockMask(first, n uint32) uint32 {
	if n == 0 {
		n = 1
	}
	if n >= 32 {
		return ^uint32(0) << first
	}
	return (uint32(1)<<n - 1) << first
}

// chunkBase returns the base of the chunk holding vbn.
func (f *File) chunkBase(vbn uint32) uint32 {
	cb := uint32(f.vol.opts.ChunkBlocks)
	return (vbn - 1) / cb * cb
}

// AccessChunk returns the chunk holding vbn with a reference taken, the
// buffer starting at vbn and the number of valid blocks from vbn to the end
// of the chunk or the file. A nonzero wrtblks grants write access to that
// many blocks from vbn; the range may not leave the chunk.
func (f *File) AccessChunk(vbn, wrtblks uint32) (*Chunk, []byte, uint32, error) {
	if vbn < 1 || vbn > f.hiBlock {
		return nil, nil, 0, fileStatus(CodeEndOfFile, "access chunk", f.fid, "vbn %d outside 1..%d", vbn, f.hiBlock)
	}
	cb := uint32(f.vol.opts.ChunkBlocks)
	base := f.chunkBase(vbn)
	if wrtblks != 0 {
		if !f.write {
			return nil, nil, 0, fileStatus(CodeWriteLocked, "access chunk", f.fid, "file not open for write")
		}
		if vbn+wrtblks > base+cb+1 {
			return nil, nil, 0, fileStatus(CodeBadParam, "access chunk", f.fid, "write of %d blocks at vbn %d crosses chunk %d", wrtblks, vbn, base)
		}
	}

	c := f.vol.cache
	obj, err := c.Find(&f.chunks, base, nil, func() (cache.Object, error) {
		return f.readChunk(base)
	})
	if err != nil {
		return nil, nil, 0, err
	}
	ch := obj.(*Chunk)

	off := vbn - base - 1
	blocks := cb - off
	if vbn+blocks > f.hiBlock {
		blocks = f.hiBlock - vbn + 1
	}
	if wrtblks != 0 && blocks > wrtblks {
		blocks = wrtblks
	}
	if wrtblks != 0 && blocks != 0 {
		ch.wrtmask |= blockMask(off, blocks)
		c.SetManager(ch, ch)
	}
	return ch, ch.data[off*device.BlockSize:], blocks, nil
}

// readChunk builds the chunk at base. Blocks at or past the high-water mark
// are left zero instead of being read.
func (f *File) readChunk(base uint32) (cache.Object, error) {
	cb := uint32(f.vol.opts.ChunkBlocks)
	ch := &Chunk{
		file: f,
		base: base,
		data: make([]byte, cb*device.BlockSize),
	}

	vbn := base + 1
	length := f.hiBlock - vbn + 1
	if length > cb {
		length = cb
	}
	off := uint32(0)
	for length > 0 {
		if f.highWater != 0 && vbn >= f.highWater {
			break
		}
		vd, lbn, n, err := f.mapVBN(vbn)
		if err != nil {
			return nil, err
		}
		if n > length {
			n = length
		}
		if f.highWater != 0 && vbn+n > f.highWater {
			n = f.highWater - vbn
		}
		if err := vd.dev.ReadBlocks(lbn, ch.data[off:off+n*device.BlockSize]); err != nil {
			return nil, &StatusError{Code: CodeIOError, Op: "read chunk", FID: f.fid, Err: err}
		}
		length -= n
		vbn += n
		off += n * device.BlockSize
	}
	return ch, nil
}

// Release drops the reference taken by AccessChunk. A nonzero wrtvbn marks
// wrtblks blocks from wrtvbn as modified; they must have been granted. When
// the caller holds the only reference the remaining grants lapse. On error
// the reference is kept and the caller must release again without a write
// range.
func (ch *Chunk) Release(wrtvbn, wrtblks uint32, reuse bool) error {
	c := ch.file.vol.cache
	if wrtvbn != 0 {
		cb := uint32(ch.file.vol.opts.ChunkBlocks)
		if wrtvbn <= ch.base || wrtvbn+wrtblks > ch.base+cb+1 {
			return fileStatus(CodeBadParam, "release chunk", ch.file.fid, "vbn %d+%d outside chunk %d", wrtvbn, wrtblks, ch.base)
		}
		mask := blockMask(wrtvbn-ch.base-1, wrtblks)
		if ch.wrtmask|mask != ch.wrtmask {
			return fileStatus(CodeWriteLocked, "release chunk", ch.file.fid, "blocks %#x not granted (granted %#x)", mask, ch.wrtmask)
		}
		ch.modmask |= mask
		if ch.Refcount() == 1 {
			ch.wrtmask = 0
		}
		c.SetManager(ch, ch)
	}
	c.Untouch(ch, reuse)
	return nil
}

// Reclaim writes modified blocks back before the chunk is flushed or
// evicted. A failed write keeps the chunk and its dirty state.
func (ch *Chunk) Reclaim(mode cache.Mode) cache.Outcome {
	if ch.modmask == 0 {
		return cache.Consumed()
	}
	if err := ch.writeBack(); err != nil {
		logger.Warn("chunk write-back failed",
			logger.FID(ch.file.fid.Num, ch.file.fid.Seq, ch.file.fid.RVN),
			logger.KeyChunk, ch.base, logger.Mask(ch.modmask), logger.KeyOperation, mode.String(), logger.Err(err))
		return cache.Refuse()
	}
	ch.modmask = 0
	if ch.Attached() {
		ch.file.vol.cache.SetManager(ch, nil)
	}
	return cache.Consumed()
}

// writeBack writes each run of modified blocks through the file's windows.
// Blocks at or past the high-water mark are not written. A failure part way
// leaves the runs already written on disk.
func (ch *Chunk) writeBack() error {
	f := ch.file
	logger.Debug("chunk write-back",
		logger.FID(f.fid.Num, f.fid.Seq, f.fid.RVN), logger.KeyChunk, ch.base, logger.Mask(ch.modmask))

	length := uint32(f.vol.opts.ChunkBlocks)
	vbn := ch.base + 1
	off := uint32(0)
	mask := ch.modmask
	for length > 0 && mask != 0 {
		for length > 0 && mask&1 == 0 {
			length--
			vbn++
			off += device.BlockSize
			mask >>= 1
		}
		run := uint32(0)
		for run < length && mask&1 != 0 {
			run++
			mask >>= 1
		}
		length -= run
		for run > 0 {
			if f.highWater != 0 && vbn >= f.highWater {
				return nil
			}
			vd, lbn, n, err := f.mapVBN(vbn)
			if err != nil {
				return err
			}
			if n > run {
				n = run
			}
			if f.highWater != 0 && vbn+n > f.highWater {
				n = f.highWater - vbn
			}
			if err := vd.dev.WriteBlocks(lbn, ch.data[off:off+n*device.BlockSize]); err != nil {
				return &StatusError{Code: CodeIOError, Op: "write chunk", FID: f.fid, Err: err}
			}
			run -= n
			vbn += n
			off += n * device.BlockSize
		}
	}
	return nil
}
