package ods2

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/marmos91/ods2/internal/logger"
	"github.com/marmos91/ods2/internal/telemetry"
	"github.com/marmos91/ods2/pkg/cache"
	"github.com/marmos91/ods2/pkg/device"
	"github.com/marmos91/ods2/pkg/ods2/layout"
)

// Volume is a mounted volume or volume set.
//
// A Volume and the files opened through it are not safe for concurrent use.
// Every method runs to completion against the cache and the devices before
// returning.
type Volume struct {
	opts  Options
	cache *cache.Cache
	write bool

	// devices is indexed by RVN-1. Slots for empty device names are nil.
	devices []*volDevice
	files   cache.Tree
}

// volDevice is one mounted device of a volume.
type volDevice struct {
	unit *device.Unit
	dev  device.Device
	rvn  int
	home layout.Home

	index  *File
	bitmap *File

	clusterSize  uint32
	maxClusters  uint32
	freeClusters uint32
}

// DeviceInfo describes one mounted device.
type DeviceInfo struct {
	Name         string      `json:"name"`
	RVN          int         `json:"rvn"`
	Home         layout.Home `json:"home"`
	ClusterSize  uint32      `json:"cluster_size"`
	MaxClusters  uint32      `json:"max_clusters"`
	FreeClusters uint32      `json:"free_clusters"`
}

// Mount validates the home block of every named device and opens the index
// file of each; write mounts also open the storage bitmap and compute the
// free cluster count. Empty names leave their RVN unmounted. Mount either
// succeeds as a whole or leaves every device unclaimed.
func Mount(ctx context.Context, reg *device.Registry, names []string, opts Options) (_ *Volume, err error) {
	ctx, span := telemetry.StartVolumeSpan(ctx, telemetry.SpanMount, names, telemetry.Write(opts.Write))
	defer span.End()
	start := time.Now()

	opts = opts.withDefaults()
	v := &Volume{
		opts:    opts,
		cache:   opts.Cache,
		write:   opts.Write,
		devices: make([]*volDevice, len(names)),
	}
	if v.cache == nil {
		v.cache = cache.New(opts.CacheOptions)
	}

	defer func() {
		if err != nil {
			v.abort()
			telemetry.RecordError(ctx, err)
			logger.WarnCtx(ctx, "mount failed", logger.KeyDevice, strings.Join(names, ","), logger.Err(err))
		}
	}()

	mounted := 0
	for i, name := range names {
		if name == "" {
			continue
		}
		vd, err := v.claimDevice(reg, name, i)
		if err != nil {
			return nil, err
		}
		v.devices[i] = vd
		mounted++
	}
	if mounted == 0 {
		return nil, statusf(CodeNoSuchVolume, "mount", "no device names given")
	}

	for _, vd := range v.devices {
		if vd == nil {
			continue
		}
		if err := v.openDevice(vd); err != nil {
			return nil, err
		}
	}

	telemetry.SetAttributes(ctx, telemetry.Volume(v.Label()))
	logger.InfoCtx(ctx, "volume mounted",
		logger.Volume(v.Label()), logger.KeyCount, mounted, logger.KeyWrite, v.write,
		logger.DurationMs(logger.Duration(start)))
	return v, nil
}

// claimDevice resolves name, finds and validates its home block and claims
// the device for v.
func (v *Volume) claimDevice(reg *device.Registry, name string, index int) (*volDevice, error) {
	unit, err := reg.Lookup(name)
	if err != nil {
		return nil, &StatusError{Code: CodeNoSuchVolume, Op: "mount", Message: name, Err: err}
	}
	dev := unit.Device()
	if v.write && dev.ReadOnly() {
		return nil, statusf(CodeWriteLocked, "mount", "device %s is read-only", name)
	}

	buf := make([]byte, device.BlockSize)
	found := false
	for lbn := uint32(1); lbn <= HomeScanLimit && lbn < dev.Blocks(); lbn++ {
		if err := dev.ReadBlocks(lbn, buf); err != nil {
			return nil, &StatusError{Code: CodeIOError, Op: "mount", Message: name, Err: err}
		}
		if layout.IsHomeAt(buf, lbn) {
			found = true
			break
		}
	}
	if !found {
		return nil, statusf(CodeDataCheck, "mount", "no home block on %s", name)
	}
	if err := layout.VerifyHome(buf); err != nil {
		return nil, &StatusError{Code: CodeDataCheck, Op: "mount", Message: name, Err: err}
	}
	home, err := layout.DecodeHome(buf)
	if err != nil {
		return nil, &StatusError{Code: CodeDataCheck, Op: "mount", Message: name, Err: err}
	}
	if int(home.RVN) != index+1 && (home.RVN > 1 || index != 0) {
		return nil, statusf(CodeUnsupportedVolumeSet, "mount", "%s has rvn %d in slot %d", name, home.RVN, index+1)
	}
	if err := unit.Claim(v); err != nil {
		return nil, &StatusError{Code: CodeDeviceMounted, Op: "mount", Message: name, Err: err}
	}

	logger.Debug("home block found", logger.Device(name), logger.LBN(home.HomeLBN), logger.RVN(int(home.RVN)))
	return &volDevice{unit: unit, dev: dev, rvn: index + 1, home: home}, nil
}

// openDevice opens the index file of vd and, on write mounts, the storage
// bitmap.
func (v *Volume) openDevice(vd *volDevice) error {
	rvn := uint8(vd.rvn)
	if _, err := v.openFile(layout.FID{Num: layout.IndexFileNum, Seq: 1, RVN: rvn}, v.write, &vd.index); err != nil {
		vd.index = nil
		return err
	}
	if !v.write {
		return nil
	}

	bm, err := v.openFile(layout.FID{Num: layout.BitmapFileNum, Seq: 2, RVN: rvn}, true, nil)
	if err != nil {
		return err
	}
	vd.bitmap = bm

	ch, buf, _, err := bm.AccessChunk(1, 0)
	if err != nil {
		return err
	}
	scb, err := layout.DecodeSCB(buf)
	_ = ch.Release(0, 0, false)
	if err != nil {
		return &StatusError{Code: CodeDataCheck, Op: "mount", FID: bm.fid, Err: err}
	}
	if scb.Cluster != vd.home.Cluster || scb.Cluster == 0 {
		return fileStatus(CodeDataCheck, "mount", bm.fid, "bitmap cluster %d, home block cluster %d", scb.Cluster, vd.home.Cluster)
	}
	vd.clusterSize = uint32(scb.Cluster)
	vd.maxClusters = scb.Clusters()
	if err := v.updateFreeCount(vd); err != nil {
		return err
	}
	logger.Debug("storage bitmap opened",
		logger.Device(vd.unit.Name()), logger.KeyCluster, vd.clusterSize,
		logger.KeyMaxClusters, vd.maxClusters, logger.KeyFreeClusters, vd.freeClusters)
	return nil
}

// abort unwinds a failed mount.
func (v *Volume) abort() {
	c := v.cache
	for _, vd := range v.devices {
		if vd == nil {
			continue
		}
		if vd.bitmap != nil {
			c.Untouch(vd.bitmap, false)
			vd.bitmap = nil
			// The bitmap header pins an index file chunk.
			c.Remove(&v.files)
		}
		if vd.index != nil {
			if vd.index.headChunk != nil {
				_ = v.releaseHead(vd.index.headChunk, vd.index.head, vd.index.headVBN)
				vd.index.headChunk = nil
			}
			c.Untouch(vd.index, false)
			vd.index = nil
		}
	}
	c.Remove(&v.files)
	v.releaseDevices()
}

func (v *Volume) releaseDevices() {
	for _, vd := range v.devices {
		if vd != nil {
			vd.unit.Release(v)
		}
	}
}

// deviceFor resolves an RVN. RVN 0 and 1 both name the first device.
func (v *Volume) deviceFor(rvn uint8) *volDevice {
	if rvn < 2 {
		if len(v.devices) > 0 {
			return v.devices[0]
		}
		return nil
	}
	if int(rvn) <= len(v.devices) {
		return v.devices[rvn-1]
	}
	return nil
}

// mountedDevices counts non-empty device slots.
func (v *Volume) mountedDevices() int {
	n := 0
	for _, vd := range v.devices {
		if vd != nil {
			n++
		}
	}
	return n
}

// Dismount closes the bitmap and index files of every device and releases
// the devices. It fails with ErrDeviceNotDismounted while other files are
// open. Data that cannot be written back is reported as an I/O error after
// the devices are released.
func (v *Volume) Dismount(ctx context.Context) error {
	names := v.deviceNames()
	ctx, span := telemetry.StartVolumeSpan(ctx, telemetry.SpanDismount, names)
	defer span.End()

	expect := v.mountedDevices()
	if v.write {
		expect *= 2
	}
	c := v.cache
	if open := c.Refcount(&v.files); open != expect {
		err := statusf(CodeDeviceNotDismounted, "dismount", "%d file references open, expected %d", open, expect)
		telemetry.RecordError(ctx, err)
		return err
	}

	var errs []error
	for _, vd := range v.devices {
		if vd == nil {
			continue
		}
		if v.write && vd.bitmap != nil {
			if err := vd.bitmap.Close(); err != nil {
				errs = append(errs, err)
			}
			vd.index.write = false
			vd.bitmap = nil
		}
		c.Remove(&v.files)
		if vd.index.headChunk != nil {
			if err := v.releaseHead(vd.index.headChunk, vd.index.head, vd.index.headVBN); err != nil {
				errs = append(errs, err)
			}
			vd.index.headChunk = nil
		}
		c.Untouch(vd.index, false)
	}
	c.Remove(&v.files)

	if !v.files.Empty() {
		errs = append(errs, statusf(CodeIOError, "dismount", "%d files could not be written back", v.countFiles()))
	}
	for _, vd := range v.devices {
		if vd == nil {
			continue
		}
		if s, ok := vd.dev.(device.Syncer); ok {
			if err := s.Sync(); err != nil {
				errs = append(errs, ioStatus("dismount", err))
			}
		}
	}
	v.releaseDevices()

	err := errors.Join(errs...)
	if err != nil {
		telemetry.RecordError(ctx, err)
		logger.WarnCtx(ctx, "volume dismounted with errors", logger.Volume(v.Label()), logger.Err(err))
		return err
	}
	logger.InfoCtx(ctx, "volume dismounted", logger.Volume(v.Label()))
	return nil
}

func (v *Volume) countFiles() int {
	n := 0
	v.cache.Walk(&v.files, func(cache.Object) bool {
		n++
		return true
	})
	return n
}

// Flush writes back every modified chunk that is not referenced, without
// evicting anything.
func (v *Volume) Flush(ctx context.Context) {
	_, span := telemetry.StartVolumeSpan(ctx, telemetry.SpanFlush, v.deviceNames())
	defer span.End()
	v.cache.Flush()
}

func (v *Volume) deviceNames() []string {
	names := make([]string, len(v.devices))
	for i, vd := range v.devices {
		if vd != nil {
			names[i] = vd.unit.Name()
		}
	}
	return names
}

// Label returns the volume name of the first mounted device.
func (v *Volume) Label() string {
	for _, vd := range v.devices {
		if vd != nil {
			return vd.home.VolName
		}
	}
	return ""
}

// Writable reports whether the volume is mounted for writing.
func (v *Volume) Writable() bool { return v.write }

// Cache returns the cache the volume's objects live in.
func (v *Volume) Cache() *cache.Cache { return v.cache }

// Stats returns the cache counters.
func (v *Volume) Stats() cache.Stats { return v.cache.Stats() }

// Options returns the effective mount options.
func (v *Volume) Options() Options { return v.opts }

// Devices describes the mounted devices in RVN order.
func (v *Volume) Devices() []DeviceInfo {
	var out []DeviceInfo
	for _, vd := range v.devices {
		if vd == nil {
			continue
		}
		out = append(out, DeviceInfo{
			Name:         vd.unit.Name(),
			RVN:          vd.rvn,
			Home:         vd.home,
			ClusterSize:  uint32(vd.home.Cluster),
			MaxClusters:  vd.maxClusters,
			FreeClusters: vd.freeClusters,
		})
	}
	return out
}

// Home returns the home block of the device with the given RVN.
func (v *Volume) Home(rvn int) (layout.Home, bool) {
	vd := v.deviceFor(uint8(rvn))
	if vd == nil {
		return layout.Home{}, false
	}
	return vd.home, true
}

// FreeClusters returns the free cluster count of a write-mounted device.
func (v *Volume) FreeClusters(rvn int) uint32 {
	if vd := v.deviceFor(uint8(rvn)); vd != nil {
		return vd.freeClusters
	}
	return 0
}

// ClusterSize returns the cluster factor of the device with the given RVN.
func (v *Volume) ClusterSize(rvn int) uint32 {
	if vd := v.deviceFor(uint8(rvn)); vd != nil {
		return uint32(vd.home.Cluster)
	}
	return 0
}

// MaxClusters returns the number of clusters of a write-mounted device.
func (v *Volume) MaxClusters(rvn int) uint32 {
	if vd := v.deviceFor(uint8(rvn)); vd != nil {
		return vd.maxClusters
	}
	return 0
}
