package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := New()

	c.IncSuccessWithBytes("a", 100)
	c.AddBytes(100)
	c.IncSkippedWithBytes("b", 50)
	c.IncFailed("c", 10)
	c.IncRetried()
	c.IncRetried()
	c.IncInflight()
	c.IncInflight()
	c.DecInflight()
	c.ObserveDuration(250 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.objectsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.objectsTotal.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.objectsTotal.WithLabelValues("failed")))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.bytesTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.retriesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inflightWorkers))

	status := c.GetProgressTracker().GetStatus()
	assert.Equal(t, int64(3), status.Settled())
	assert.Equal(t, int64(160), status.SettledBytes)
	assert.Equal(t, int64(100), status.CopiedBytes)
	assert.Equal(t, int64(2), status.Retries)
	assert.Equal(t, int64(1), status.InFlight)
}

func TestCollector_RetriedKeyCountsOnce(t *testing.T) {
	c := New()

	c.IncRetried()
	c.IncSuccessWithBytes("a", 100)
	c.IncSkippedWithBytes("a", 100)

	// Prometheus counts events; progress counts keys.
	assert.Equal(t, 1.0, testutil.ToFloat64(c.objectsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.objectsTotal.WithLabelValues("skipped")))
	status := c.GetProgressTracker().GetStatus()
	assert.Equal(t, int64(1), status.Settled())
	assert.Equal(t, int64(1), status.Skipped)
}

func TestCollector_IndependentRegistries(t *testing.T) {
	// Two collectors in one process must not collide.
	a := New()
	b := New()
	a.IncFailed("k", 1)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.objectsTotal.WithLabelValues("failed")))
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.IncSuccessWithBytes("k", 1)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `migrate_objects_total{status="success"} 1`)
	assert.Contains(t, string(body), "migrate_object_duration_seconds")
}
