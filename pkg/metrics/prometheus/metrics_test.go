package prometheus

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/ods2/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRegistry(t *testing.T) {
	t.Helper()
	metrics.InitRegistry()
	t.Cleanup(metrics.Reset)
}

func TestNewCacheMetrics_Disabled(t *testing.T) {
	metrics.Reset()
	assert.Nil(t, NewCacheMetrics("DISK"))
	assert.Nil(t, metrics.NewCacheMetrics("DISK"))
}

func TestCacheMetrics(t *testing.T) {
	withRegistry(t)

	m := metrics.NewCacheMetrics("SCRATCH")
	require.NotNil(t, m)

	m.ObserveFind(true)
	m.ObserveFind(true)
	m.ObserveFind(false)
	m.ObserveCreate()
	m.ObserveDelete()
	m.ObservePurge(3)
	m.ObserveSize(10, 4)

	c := cacheCollectorsFor(metrics.GetRegistry())
	assert.Equal(t, 2.0, testutil.ToFloat64(c.finds.WithLabelValues("SCRATCH", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.finds.WithLabelValues("SCRATCH", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.created.WithLabelValues("SCRATCH")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deleted.WithLabelValues("SCRATCH")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.purges.WithLabelValues("SCRATCH")))
	assert.Equal(t, 6.0, testutil.ToFloat64(c.objects.WithLabelValues("SCRATCH", "live")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.objects.WithLabelValues("SCRATCH", "free")))
}

func TestCacheMetrics_SharedCollectors(t *testing.T) {
	withRegistry(t)

	// A second recorder on the same registry must not re-register.
	a := NewCacheMetrics("A")
	b := NewCacheMetrics("B")
	a.ObserveCreate()
	b.ObserveCreate()
	b.ObserveCreate()

	c := cacheCollectorsFor(metrics.GetRegistry())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.created.WithLabelValues("A")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.created.WithLabelValues("B")))
}

func TestDeviceMetrics(t *testing.T) {
	withRegistry(t)

	m := metrics.NewDeviceMetrics("memory", "DKA0")
	require.NotNil(t, m)

	m.ObserveIO("read", 4, time.Millisecond, nil)
	m.ObserveIO("read", 2, time.Millisecond, nil)
	m.ObserveIO("write", 8, time.Millisecond, errors.New("boom"))

	c := deviceCollectorsFor(metrics.GetRegistry())
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ops.WithLabelValues("memory", "DKA0", "read")))
	assert.Equal(t, 6.0, testutil.ToFloat64(c.blocks.WithLabelValues("memory", "DKA0", "read")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errors.WithLabelValues("memory", "DKA0", "write")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.blocks.WithLabelValues("memory", "DKA0", "write")))
}

func TestNilRecorders(t *testing.T) {
	var cm *cacheMetrics
	var dm *deviceMetrics
	assert.NotPanics(t, func() {
		cm.ObserveFind(true)
		cm.ObservePurge(1)
		cm.ObserveSize(1, 1)
		dm.ObserveIO("read", 1, 0, nil)
	})
}

func TestGatherExposition(t *testing.T) {
	withRegistry(t)

	NewCacheMetrics("EXPO").ObserveFind(false)

	count, err := testutil.GatherAndCount(metrics.GetRegistry(), "ods2_cache_finds_total")
	require.NoError(t, err)
	// Both result series exist from construction.
	assert.Equal(t, 2, count)

	expected := `
# HELP ods2_cache_finds_total Total number of cache lookups by result (hit, miss)
# TYPE ods2_cache_finds_total counter
ods2_cache_finds_total{cache="EXPO",result="hit"} 0
ods2_cache_finds_total{cache="EXPO",result="miss"} 1
`
	require.NoError(t, testutil.GatherAndCompare(metrics.GetRegistry(), strings.NewReader(expected), "ods2_cache_finds_total"))
}
