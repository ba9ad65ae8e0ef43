package prometheus

import (
	"sync"
	"time"

	"github.com/marmos91/ods2/pkg/device"
	"github.com/marmos91/ods2/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterDeviceMetricsConstructor(func(backend, name string) device.Metrics {
		return NewDeviceMetrics(backend, name)
	})
}

type deviceCollectors struct {
	ops      *prometheus.CounterVec
	errors   *prometheus.CounterVec
	blocks   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var (
	deviceMu   sync.Mutex
	deviceReg  *prometheus.Registry
	deviceColl *deviceCollectors
)

func deviceCollectorsFor(reg *prometheus.Registry) *deviceCollectors {
	deviceMu.Lock()
	defer deviceMu.Unlock()

	if deviceReg == reg && deviceColl != nil {
		return deviceColl
	}

	labels := []string{"backend", "device", "operation"}
	f := promauto.With(reg)
	deviceColl = &deviceCollectors{
		ops: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ods2_device_operations_total",
				Help: "Total number of block transfers by backend, device and operation",
			},
			labels,
		),
		errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ods2_device_errors_total",
				Help: "Total number of failed block transfers",
			},
			labels,
		),
		blocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ods2_device_blocks_total",
				Help: "Total number of 512-byte blocks transferred",
			},
			labels,
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ods2_device_operation_duration_milliseconds",
				Help:    "Duration of block transfers in milliseconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000, 5000},
			},
			labels,
		),
	}
	deviceReg = reg
	return deviceColl
}

// deviceMetrics is the Prometheus implementation of device.Metrics.
type deviceMetrics struct {
	backend string
	name    string
	c       *deviceCollectors
}

// NewDeviceMetrics creates a Prometheus-backed device.Metrics for one
// device.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewDeviceMetrics(backend, name string) device.Metrics {
	reg := metrics.GetRegistry()
	if reg == nil {
		return nil
	}
	return &deviceMetrics{backend: backend, name: name, c: deviceCollectorsFor(reg)}
}

func (m *deviceMetrics) ObserveIO(op string, blocks uint32, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.c.ops.WithLabelValues(m.backend, m.name, op).Inc()
	m.c.duration.WithLabelValues(m.backend, m.name, op).Observe(float64(d.Microseconds()) / 1000.0)
	if err != nil {
		m.c.errors.WithLabelValues(m.backend, m.name, op).Inc()
		return
	}
	m.c.blocks.WithLabelValues(m.backend, m.name, op).Add(float64(blocks))
}
