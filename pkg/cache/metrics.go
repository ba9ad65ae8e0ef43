package cache

// Metrics provides observability for cache operations.
//
// Implementations can use this interface to collect lookups, creations,
// evictions and pool size. This is optional - a nil Metrics skips collection
// entirely.
//
// Example implementations:
//   - Prometheus metrics (pkg/metrics/prometheus)
//   - In-memory counters for testing
type Metrics interface {
	// ObserveFind records a lookup and whether it hit an existing object.
	ObserveFind(hit bool)

	// ObserveCreate records an object built after a lookup miss.
	ObserveCreate()

	// ObserveDelete records an object removed from the pool.
	ObserveDelete()

	// ObservePurge records a purge pass and the number of objects it evicted.
	ObservePurge(evicted int)

	// ObserveSize records the number of live and free objects.
	ObserveSize(count, free int)
}
