package ods2

import (
	"github.com/marmos91/ods2/pkg/ods2/layout"
)

// accessHead locates the header of segment seg of fid in the index file
// and validates it. The returned chunk holds a reference that releaseHead
// gives back. idxblk is the header's index file VBN when the header was
// accessed for writing, otherwise zero.
func (v *Volume) accessHead(fid layout.FID, seg uint16, write bool) (*Chunk, layout.Header, uint32, error) {
	vd := v.deviceFor(fid.RVN)
	if vd == nil {
		return nil, layout.Header{}, 0, fileStatus(CodeDeviceNotMounted, "access header", fid, "relative volume %d", fid.RVN)
	}
	if write && !v.write {
		return nil, layout.Header{}, 0, fileStatus(CodeWriteLocked, "access header", fid, "volume mounted read-only")
	}

	idxblk := fid.FileNumber() - 1 + uint32(vd.home.IBMapVBN) + uint32(vd.home.IBMapSize)
	idx := vd.index
	if idx.head.Valid() && idxblk >= idx.head.EOFBlock() {
		return nil, layout.Header{}, 0, fileStatus(CodeNoSuchFile, "access header", fid, "index block %d past end of index file", idxblk)
	}

	var wrtblks uint32
	if write {
		wrtblks = 1
	}
	ch, buf, _, err := idx.AccessChunk(idxblk, wrtblks)
	if err != nil {
		return nil, layout.Header{}, 0, err
	}

	head, _ := layout.NewHeader(buf)
	switch {
	case !fid.SameFile(head.FID()):
		err = fileStatus(CodeNoSuchFile, "access header", fid, "index block %d holds %s", idxblk, head.FID())
	case head.Validate() != nil:
		err = &StatusError{Code: CodeDataCheck, Op: "access header", FID: fid, Err: head.Validate()}
	case head.SegNum() != seg:
		err = fileStatus(CodeFileSeqCheck, "access header", fid, "segment %d, expected %d", head.SegNum(), seg)
	}
	if err != nil {
		_ = ch.Release(0, 0, false)
		return nil, layout.Header{}, 0, err
	}

	if !write {
		idxblk = 0
	}
	return ch, head, idxblk, nil
}

// releaseHead gives back a header obtained from accessHead. For a header
// accessed for writing the checksum is recomputed and the block is marked
// modified.
func (v *Volume) releaseHead(ch *Chunk, head layout.Header, idxblk uint32) error {
	if idxblk == 0 {
		return ch.Release(0, 0, true)
	}
	if head.Valid() {
		head.UpdateChecksum()
	}
	return ch.Release(idxblk, 1, true)
}
