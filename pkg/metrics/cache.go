package metrics

import "github.com/marmos91/ods2/pkg/cache"

// newPrometheusCacheMetrics is set by pkg/metrics/prometheus.
var newPrometheusCacheMetrics func(name string) cache.Metrics

// RegisterCacheMetricsConstructor registers the cache metrics constructor.
func RegisterCacheMetricsConstructor(constructor func(name string) cache.Metrics) {
	newPrometheusCacheMetrics = constructor
}

// NewCacheMetrics returns a recorder for the cache identified by name
// (typically the volume label), or nil when metrics are disabled.
//
//	c := cache.New(cache.Options{Metrics: metrics.NewCacheMetrics("SCRATCH")})
func NewCacheMetrics(name string) cache.Metrics {
	if !IsEnabled() || newPrometheusCacheMetrics == nil {
		return nil
	}
	return newPrometheusCacheMetrics(name)
}
