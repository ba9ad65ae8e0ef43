package prometheus

import (
	"sync"

	"github.com/marmos91/ods2/pkg/cache"
	"github.com/marmos91/ods2/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterCacheMetricsConstructor(func(name string) cache.Metrics {
		return NewCacheMetrics(name)
	})
}

// cacheCollectors are shared by every cache recorder created against one
// registry; recorders differ only in their "cache" label.
type cacheCollectors struct {
	finds   *prometheus.CounterVec
	created *prometheus.CounterVec
	deleted *prometheus.CounterVec
	purges  *prometheus.CounterVec
	evicted *prometheus.HistogramVec
	objects *prometheus.GaugeVec
}

var (
	cacheMu   sync.Mutex
	cacheReg  *prometheus.Registry
	cacheColl *cacheCollectors
)

func cacheCollectorsFor(reg *prometheus.Registry) *cacheCollectors {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cacheReg == reg && cacheColl != nil {
		return cacheColl
	}

	f := promauto.With(reg)
	cacheColl = &cacheCollectors{
		finds: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ods2_cache_finds_total",
				Help: "Total number of cache lookups by result (hit, miss)",
			},
			[]string{"cache", "result"},
		),
		created: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ods2_cache_created_total",
				Help: "Total number of objects built after a lookup miss",
			},
			[]string{"cache"},
		),
		deleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ods2_cache_deleted_total",
				Help: "Total number of objects removed from the pool",
			},
			[]string{"cache"},
		),
		purges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ods2_cache_purges_total",
				Help: "Total number of purge passes",
			},
			[]string{"cache"},
		),
		evicted: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ods2_cache_purge_evicted",
				Help:    "Objects evicted per purge pass",
				Buckets: []float64{0, 1, 4, 16, 64, 256, 1024},
			},
			[]string{"cache"},
		),
		objects: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ods2_cache_objects",
				Help: "Objects in the pool by state (live, free)",
			},
			[]string{"cache", "state"},
		),
	}
	cacheReg = reg
	return cacheColl
}

// cacheMetrics is the Prometheus implementation of cache.Metrics for one
// named cache.
type cacheMetrics struct {
	hits    prometheus.Counter
	misses  prometheus.Counter
	created prometheus.Counter
	deleted prometheus.Counter
	purges  prometheus.Counter
	evicted prometheus.Observer
	live    prometheus.Gauge
	free    prometheus.Gauge
}

// NewCacheMetrics creates a Prometheus-backed cache.Metrics labelled with
// name.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewCacheMetrics(name string) cache.Metrics {
	reg := metrics.GetRegistry()
	if reg == nil {
		return nil
	}
	c := cacheCollectorsFor(reg)
	return &cacheMetrics{
		hits:    c.finds.WithLabelValues(name, "hit"),
		misses:  c.finds.WithLabelValues(name, "miss"),
		created: c.created.WithLabelValues(name),
		deleted: c.deleted.WithLabelValues(name),
		purges:  c.purges.WithLabelValues(name),
		evicted: c.evicted.WithLabelValues(name),
		live:    c.objects.WithLabelValues(name, "live"),
		free:    c.objects.WithLabelValues(name, "free"),
	}
}

func (m *cacheMetrics) ObserveFind(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.hits.Inc()
	} else {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) ObserveCreate() {
	if m == nil {
		return
	}
	m.created.Inc()
}

func (m *cacheMetrics) ObserveDelete() {
	if m == nil {
		return
	}
	m.deleted.Inc()
}

func (m *cacheMetrics) ObservePurge(evicted int) {
	if m == nil {
		return
	}
	m.purges.Inc()
	m.evicted.Observe(float64(evicted))
}

func (m *cacheMetrics) ObserveSize(count, free int) {
	if m == nil {
		return
	}
	m.live.Set(float64(count - free))
	m.free.Set(float64(free))
}
