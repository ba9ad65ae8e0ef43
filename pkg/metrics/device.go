package metrics

import "github.com/marmos91/ods2/pkg/device"

// newPrometheusDeviceMetrics is set by pkg/metrics/prometheus.
var newPrometheusDeviceMetrics func(backend, name string) device.Metrics

// RegisterDeviceMetricsConstructor registers the device metrics constructor.
func RegisterDeviceMetricsConstructor(constructor func(backend, name string) device.Metrics) {
	newPrometheusDeviceMetrics = constructor
}

// NewDeviceMetrics returns a recorder for one device, or nil when metrics are
// disabled. Pass the result to device.Instrument.
func NewDeviceMetrics(backend, name string) device.Metrics {
	if !IsEnabled() || newPrometheusDeviceMetrics == nil {
		return nil
	}
	return newPrometheusDeviceMetrics(backend, name)
}
