package ods2

import (
	"fmt"

	"github.com/marmos91/ods2/internal/logger"
	"github.com/marmos91/ods2/pkg/cache"
	"github.com/marmos91/ods2/pkg/device"
	"github.com/marmos91/ods2/pkg/ods2/layout"
)

// File is an open file. Each File owns two child trees in the volume cache:
// the windows mapping its blocks and the chunks buffering them. The header
// stays referenced in an index file chunk while the File lives.
type File struct {
	cache.Entry

	vol   *Volume
	fid   layout.FID
	rvn   uint8
	write bool

	head      layout.Header
	headChunk *Chunk
	headVBN   uint32 // index file VBN of a header held for writing

	hiBlock   uint32
	highWater uint32

	windows cache.Tree
	chunks  cache.Tree
}

// fileHash keys files by number, folding the RVN into the top byte for
// secondary volumes of a set.
func fileHash(fid layout.FID) uint32 {
	h := fid.FileNumber()
	if fid.RVN > 1 {
		h |= uint32(fid.RVN) << 24
	}
	return h
}

// OpenFile opens the file fid, for writing if write is set. Opening an
// already open file takes another reference on the same File.
func (v *Volume) OpenFile(fid layout.FID, write bool) (*File, error) {
	return v.openFile(fid, write, nil)
}

// openFile implements OpenFile. bind, when set, receives the File before its
// header is read; mount uses it to publish the index file, whose header is
// located through the index file itself.
func (v *Volume) openFile(fid layout.FID, write bool, bind **File) (*File, error) {
	if fid.FileNumber() < 1 {
		return nil, fileStatus(CodeBadParam, "open", fid, "file number zero")
	}
	if write && !v.write {
		return nil, fileStatus(CodeWriteLocked, "open", fid, "volume mounted read-only")
	}

	c := v.cache
	obj, err := c.Find(&v.files, fileHash(fid), nil, func() (cache.Object, error) {
		return &File{hiBlock: defaultHiBlock}, nil
	})
	if err != nil {
		return nil, err
	}
	f := obj.(*File)
	if bind != nil {
		*bind = f
	}
	if f.vol == nil {
		f.vol = v
		f.fid = fid
		f.rvn = fid.RVN
		if f.rvn == 0 && len(v.devices) > 1 {
			f.rvn = 1
		}
		c.SetManager(f, f)
	}

	if f.headChunk != nil && !fid.SameFile(f.head.FID()) {
		c.Untouch(f, true)
		return nil, fileStatus(CodeNoSuchFile, "open", fid, "file is open as %s", f.head.FID())
	}

	wasWrite := f.write
	if write {
		if f.headChunk != nil && !f.write {
			_ = v.releaseHead(f.headChunk, layout.Header{}, 0)
			f.headChunk = nil
		}
		f.write = true
	}

	if f.headChunk == nil {
		ch, head, idxblk, err := v.accessHead(fid, 0, write)
		if err != nil {
			logger.Debug("open failed", logger.FID(fid.Num, fid.Seq, fid.RVN), logger.Err(err))
			v.abandonOpen(f, wasWrite)
			return nil, err
		}
		f.headChunk, f.head, f.headVBN = ch, head, idxblk
		f.hiBlock = head.HiBlock()
		f.highWater = head.HighWater()
	}
	return f, nil
}

// abandonOpen drops the reference of an open whose header access failed.
// A file nobody else holds goes away with everything the attempt cached
// under it. Earlier openers keep the file, read-only again if it was, with
// its header re-accessed.
func (v *Volume) abandonOpen(f *File, wasWrite bool) {
	c := v.cache
	if f.Refcount() == 1 {
		c.Remove(&f.chunks)
		c.Remove(&f.windows)
		c.SetManager(f, nil)
		c.Untouch(f, false)
		if f.Attached() {
			c.Delete(f)
		}
		return
	}

	c.Untouch(f, true)
	f.write = wasWrite
	if f.headChunk != nil {
		return
	}
	ch, head, idxblk, err := v.accessHead(f.fid, 0, f.write)
	if err != nil {
		logger.Warn("header re-access failed", logger.FID(f.fid.Num, f.fid.Seq, f.fid.RVN), logger.Err(err))
		return
	}
	f.headChunk, f.head, f.headVBN = ch, head, idxblk
}

// Close drops a reference taken by OpenFile. Closing the last reference of
// a file marked for delete and open for writing deallocates it. Closing the
// last reference while windows or chunks are still referenced panics.
func (f *File) Close() error {
	c := f.vol.cache
	if f.Refcount() == 1 {
		if n := c.Refcount(&f.windows) + c.Refcount(&f.chunks); n != 0 {
			panic(fmt.Sprintf("ods2: close of %s with %d child references", f.fid, n))
		}
		if f.write && f.head.MarkedForDelete() {
			err := f.vol.deallocFile(f)
			if err != nil {
				c.Untouch(f, true)
			}
			return err
		}
	}
	c.Untouch(f, true)
	return nil
}

// Reclaim tears the file down children first: while chunks or windows are
// cached, deletion is redirected to them. Once both trees are empty the
// header is released and the file may go.
func (f *File) Reclaim(mode cache.Mode) cache.Outcome {
	c := f.vol.cache
	if root := c.Root(&f.chunks); root != nil {
		return cache.Redirect(root)
	}
	if root := c.Root(&f.windows); root != nil {
		return cache.Redirect(root)
	}
	if f.Refcount() != 0 || mode == cache.ModeFlush {
		return cache.Refuse()
	}
	if f.headChunk != nil {
		if err := f.vol.releaseHead(f.headChunk, f.head, f.headVBN); err != nil {
			logger.Warn("header release failed", logger.FID(f.fid.Num, f.fid.Seq, f.fid.RVN), logger.Err(err))
		}
		f.headChunk = nil
	}
	return cache.Consumed()
}

// FID returns the identifier the file was opened with.
func (f *File) FID() layout.FID { return f.fid }

// Header returns the file header. It is valid while the file is open.
func (f *File) Header() layout.Header { return f.head }

// HiBlock returns the number of blocks allocated to the file.
func (f *File) HiBlock() uint32 { return f.hiBlock }

// HighWater returns the first block never written, or zero if the file
// does not track one.
func (f *File) HighWater() uint32 { return f.highWater }

// EOFBlock returns the end-of-file block recorded in the header.
func (f *File) EOFBlock() uint32 { return f.head.EOFBlock() }

// FirstFreeByte returns the first free byte of the end-of-file block.
func (f *File) FirstFreeByte() uint16 { return f.head.FirstFreeByte() }

// Writable reports whether the file is open for writing.
func (f *File) Writable() bool { return f.write }

// Volume returns the volume the file lives on.
func (f *File) Volume() *Volume { return f.vol }

// Mapping is one contiguous VBN to LBN run.
type Mapping struct {
	VBN   uint32 `json:"vbn"`
	LBN   uint32 `json:"lbn"`
	Count uint32 `json:"count"`
	RVN   int    `json:"rvn"`
}

// Map returns the complete VBN to LBN map of the file.
func (f *File) Map() ([]Mapping, error) {
	var out []Mapping
	for vbn := uint32(1); vbn <= f.hiBlock; {
		vd, lbn, n, err := f.mapVBN(vbn)
		if err != nil {
			return out, err
		}
		if n > f.hiBlock-vbn+1 {
			n = f.hiBlock - vbn + 1
		}
		if last := len(out) - 1; last >= 0 && out[last].RVN == vd.rvn && out[last].LBN+out[last].Count == lbn {
			out[last].Count += n
		} else {
			out = append(out, Mapping{VBN: vbn, LBN: lbn, Count: n, RVN: vd.rvn})
		}
		vbn += n
	}
	return out, nil
}

// Read copies n blocks starting at vbn through the chunk cache.
func (f *File) Read(vbn, n uint32) ([]byte, error) {
	out := make([]byte, 0, n*device.BlockSize)
	for n > 0 {
		ch, buf, blocks, err := f.AccessChunk(vbn, 0)
		if err != nil {
			return out, err
		}
		if blocks > n {
			blocks = n
		}
		out = append(out, buf[:blocks*device.BlockSize]...)
		if err := ch.Release(0, 0, true); err != nil {
			return out, err
		}
		vbn += blocks
		n -= blocks
	}
	return out, nil
}

// Write stores data, padded to whole blocks, at vbn. The blocks must lie
// within the file's allocation. The high-water mark is raised past the last
// block written.
func (f *File) Write(vbn uint32, data []byte) error {
	if !f.write {
		return fileStatus(CodeWriteLocked, "write", f.fid, "file not open for write")
	}
	n := (uint32(len(data)) + device.BlockSize - 1) / device.BlockSize
	if n == 0 {
		return nil
	}
	if vbn < 1 || vbn+n-1 > f.hiBlock {
		return fileStatus(CodeEndOfFile, "write", f.fid, "blocks %d..%d outside 1..%d", vbn, vbn+n-1, f.hiBlock)
	}
	if end := vbn + n; f.head.HasHighWater() && f.highWater != 0 && end > f.highWater {
		// Raised first so write-back during the loop covers every block.
		f.highWater = end
		f.head.SetHighWater(end)
	}

	cb := uint32(f.vol.opts.ChunkBlocks)
	for n > 0 {
		want := f.chunkBase(vbn) + cb + 1 - vbn
		if want > n {
			want = n
		}
		ch, buf, blocks, err := f.AccessChunk(vbn, want)
		if err != nil {
			return err
		}
		nbytes := copy(buf[:blocks*device.BlockSize], data)
		clear(buf[nbytes : blocks*device.BlockSize])
		data = data[nbytes:]
		if err := ch.Release(vbn, blocks, true); err != nil {
			_ = ch.Release(0, 0, true)
			return err
		}
		vbn += blocks
		n -= blocks
	}
	return nil
}

// MarkForDelete flags the file for deallocation when its last reference is
// closed.
func (f *File) MarkForDelete() error {
	if !f.write {
		return fileStatus(CodeWriteLocked, "mark for delete", f.fid, "file not open for write")
	}
	f.head.SetFileChar(f.head.FileChar() | layout.FileCharMarkDel)
	return nil
}

// SetEOF records the end of file as byte ffbyte of block efblk.
func (f *File) SetEOF(efblk uint32, ffbyte uint16) error {
	if !f.write {
		return fileStatus(CodeWriteLocked, "set eof", f.fid, "file not open for write")
	}
	if efblk > f.hiBlock+1 || ffbyte >= device.BlockSize {
		return fileStatus(CodeBadParam, "set eof", f.fid, "end of file %d:%d past %d blocks", efblk, ffbyte, f.hiBlock)
	}
	f.head.SetEOFBlock(efblk)
	f.head.SetFirstFreeByte(ffbyte)
	return nil
}

// Size returns the file length in bytes implied by the end-of-file mark.
func (f *File) Size() uint64 {
	efblk := f.head.EOFBlock()
	if efblk == 0 {
		return 0
	}
	return uint64(efblk-1)*device.BlockSize + uint64(f.head.FirstFreeByte())
}
