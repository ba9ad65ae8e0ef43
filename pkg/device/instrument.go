package device

import "time"

// Metrics receives per-request observations from an instrumented device.
// Implementations must be safe for concurrent use.
type Metrics interface {
	ObserveIO(op string, blocks uint32, d time.Duration, err error)
}

// Instrument wraps dev so every transfer is reported to m. A nil m returns
// dev unchanged.
func Instrument(dev Device, m Metrics) Device {
	if m == nil {
		return dev
	}
	return &instrumented{Device: dev, m: m}
}

type instrumented struct {
	Device
	m Metrics
}

func (d *instrumented) ReadBlocks(lbn uint32, buf []byte) error {
	start := time.Now()
	err := d.Device.ReadBlocks(lbn, buf)
	d.m.ObserveIO("read", uint32(len(buf)/BlockSize), time.Since(start), err)
	return err
}

func (d *instrumented) WriteBlocks(lbn uint32, buf []byte) error {
	start := time.Now()
	err := d.Device.WriteBlocks(lbn, buf)
	d.m.ObserveIO("write", uint32(len(buf)/BlockSize), time.Since(start), err)
	return err
}

// Sync forwards to the wrapped device when it buffers writes.
func (d *instrumented) Sync() error {
	if s, ok := d.Device.(Syncer); ok {
		return s.Sync()
	}
	return nil
}

// Unwrap returns the wrapped device.
func (d *instrumented) Unwrap() Device { return d.Device }
