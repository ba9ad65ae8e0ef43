package ods2

import (
	"fmt"

	"github.com/marmos91/ods2/internal/logger"
	"github.com/marmos91/ods2/pkg/cache"
	"github.com/marmos91/ods2/pkg/device"
	"github.com/marmos91/ods2/pkg/ods2/layout"
)

// extent is one physical run of a window.
type extent struct {
	lbn   uint32
	count uint32
	rvn   uint8
}

// window maps the VBN range loblk..hiblk of a file onto physical extents.
// Windows of a file share hash zero and are ordered by range; they carry no
// manager and can be evicted freely.
type window struct {
	cache.Entry

	loblk, hiblk uint32

	// Header segment the window was decoded from, and the VBN the first
	// pointer of that header maps.
	hdFID     layout.FID
	hdSeg     uint16
	hdBaseVBN uint32

	extents []extent
}

// windowComparator orders vbn against the stored windows. Each window
// entirely below vbn is offered as a resume point; the one with the highest
// bound is kept in *prev.
func windowComparator(vbn uint32, prev **window) cache.Comparator {
	return func(obj cache.Object) int {
		w := obj.(*window)
		switch {
		case vbn < w.loblk:
			return -1
		case vbn <= w.hiblk:
			return 0
		}
		if *prev == nil || (w.loblk != 0 && w.hiblk > (*prev).hiblk) {
			*prev = w
		}
		return 1
	}
}

// mapVBN resolves vbn to the device, starting LBN and number of contiguous
// blocks available from there.
func (f *File) mapVBN(vbn uint32) (*volDevice, uint32, uint32, error) {
	c := f.vol.cache
	var prev *window
	obj, err := c.Find(&f.windows, 0, windowComparator(vbn, &prev), func() (cache.Object, error) {
		return f.buildWindow(vbn, prev)
	})
	if err != nil {
		return nil, 0, 0, err
	}
	w := obj.(*window)

	togo := vbn - w.loblk
	i := 0
	for togo >= w.extents[i].count {
		togo -= w.extents[i].count
		i++
		if i >= len(w.extents) {
			panic(fmt.Sprintf("ods2: window %d-%d of %s does not cover vbn %d", w.loblk, w.hiblk, f.fid, vbn))
		}
	}
	ext := w.extents[i]
	c.Untouch(w, true)

	vd := f.vol.deviceFor(ext.rvn)
	if vd == nil {
		return nil, 0, 0, fileStatus(CodeDeviceNotMounted, "map", f.fid, "relative volume %d", ext.rvn)
	}
	return vd, ext.lbn + togo, ext.count - togo, nil
}

// buildWindow decodes header map pointers into a new window covering vbn.
// Decoding resumes after prev when one is known, otherwise it starts at VBN
// 1 with the primary header. When the extent cap is reached before vbn is
// covered the collected extents are dropped and collection restarts at the
// current position, so the window always brackets vbn.
func (f *File) buildWindow(vbn uint32, prev *window) (cache.Object, error) {
	w := &window{}
	var curvbn uint32
	if prev == nil {
		curvbn, w.loblk = 1, 1
		head, err := f.primaryHeader()
		if err != nil {
			return nil, err
		}
		w.hdFID = head.FID().Copy(f.rvn)
	} else {
		w.loblk = prev.hiblk + 1
		curvbn = prev.hdBaseVBN
		w.hdSeg = prev.hdSeg
		w.hdFID = prev.hdFID
	}

	limit := f.vol.opts.ExtentCap
	extents := make([]extent, 0, limit)
	for {
		w.hdBaseVBN = curvbn

		var (
			head layout.Header
			hc   *Chunk
			err  error
		)
		if w.hdSeg == 0 {
			head, err = f.primaryHeader()
		} else {
			hc, head, _, err = f.vol.accessHead(w.hdFID, w.hdSeg, false)
		}
		if err != nil {
			return nil, err
		}

		runs, err := head.Retrievals()
		if err != nil {
			if hc != nil {
				_ = hc.Release(0, 0, false)
			}
			return nil, &StatusError{Code: CodeDataCheck, Op: "map", FID: w.hdFID, Err: err}
		}

		capped := false
		for _, r := range runs {
			curvbn += r.Count
			if r.Count == 0 || curvbn <= w.loblk {
				continue
			}
			extents = append(extents, extent{lbn: r.LBN, count: r.Count, rvn: w.hdFID.RVN})
			if len(extents) >= limit {
				if curvbn > vbn {
					capped = true
					break
				}
				extents = extents[:0]
				w.loblk = curvbn
			}
		}

		next := head.ExtFID()
		if w.hdSeg == 0 && !f.head.Valid() {
			// A premapped index header only describes the first segment.
			next = layout.FID{}
		}
		if hc != nil {
			_ = hc.Release(0, 0, false)
		}
		if capped || next.IsZero() {
			break
		}
		w.hdSeg++
		w.hdFID = next.Copy(w.hdFID.RVN)
	}

	w.hiblk = curvbn - 1
	w.extents = extents
	if curvbn <= vbn {
		return nil, fileStatus(CodeDataCheck, "map", f.fid, "vbn %d beyond mapped range %d", vbn, w.hiblk)
	}
	logger.Debug("window created",
		logger.FID(f.fid.Num, f.fid.Seq, f.fid.RVN),
		logger.VBN(w.loblk), logger.KeyCount, len(extents), logger.KeySeg, w.hdSeg)
	return w, nil
}

// primaryHeader returns the file's own header. The index file reads its
// header straight from the device before the header can be mapped.
func (f *File) primaryHeader() (layout.Header, error) {
	if f.head.Valid() {
		return f.head, nil
	}
	return f.premapIndex()
}

// premapIndex reads the index file header from the LBN that follows the
// index file bitmap.
func (f *File) premapIndex() (layout.Header, error) {
	vd := f.vol.deviceFor(f.rvn)
	if vd == nil {
		return layout.Header{}, fileStatus(CodeDeviceNotMounted, "premap", f.fid, "relative volume %d", f.rvn)
	}
	buf := make([]byte, device.BlockSize)
	lbn := vd.home.IBMapLBN + uint32(vd.home.IBMapSize)
	if err := vd.dev.ReadBlocks(lbn, buf); err != nil {
		return layout.Header{}, ioStatus("premap", err)
	}
	head, _ := layout.NewHeader(buf)
	fid := head.FID()
	if fid.Num != layout.IndexFileNum || fid.NMX != 0 || fid.Seq != 1 {
		return layout.Header{}, fileStatus(CodeDataCheck, "premap", f.fid, "index header at lbn %d names %s", lbn, fid)
	}
	if err := head.Validate(); err != nil {
		return layout.Header{}, &StatusError{Code: CodeDataCheck, Op: "premap", FID: f.fid, Err: err}
	}
	return head, nil
}
