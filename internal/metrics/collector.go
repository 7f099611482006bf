package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"bucketmigrate/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry        *prometheus.Registry
	objectsTotal    *prometheus.CounterVec
	bytesTotal      prometheus.Counter
	retriesTotal    prometheus.Counter
	inflightWorkers prometheus.Gauge
	duration        prometheus.Histogram
	progressTracker *progress.Tracker
}

// New creates a new metrics collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		objectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrate_objects_total",
				Help: "Total number of objects processed",
			},
			[]string{"status"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_bytes_total",
				Help: "Total bytes migrated",
			},
		),
		retriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_retries_total",
				Help: "Total number of failed attempts that will be retried",
			},
		),
		inflightWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "migrate_inflight_workers",
				Help: "Number of workers currently transferring",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "migrate_object_duration_seconds",
				Help:    "Time taken to migrate an object",
				Buckets: prometheus.DefBuckets,
			},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(
		c.objectsTotal,
		c.bytesTotal,
		c.retriesTotal,
		c.inflightWorkers,
		c.duration,
	)

	return c
}

// IncSuccessWithBytes counts a transferred object and settles its key
func (c *Collector) IncSuccessWithBytes(key string, bytes int64) {
	c.objectsTotal.WithLabelValues("success").Inc()
	c.progressTracker.Settle(key, progress.Transferred, bytes)
}

// IncFailed counts an object that ran out of attempts
func (c *Collector) IncFailed(key string, bytes int64) {
	c.objectsTotal.WithLabelValues("failed").Inc()
	c.progressTracker.Settle(key, progress.Failed, bytes)
}

// IncSkippedWithBytes counts an object that needed no transfer
func (c *Collector) IncSkippedWithBytes(key string, bytes int64) {
	c.objectsTotal.WithLabelValues("skipped").Inc()
	c.progressTracker.Settle(key, progress.Skipped, bytes)
}

// IncRetried counts a failed attempt with budget left
func (c *Collector) IncRetried() {
	c.retriesTotal.Inc()
	c.progressTracker.Retry()
}

// AddBytes adds to total bytes migrated
func (c *Collector) AddBytes(bytes int64) {
	c.bytesTotal.Add(float64(bytes))
}

func (c *Collector) IncInflight() {
	c.inflightWorkers.Inc()
	c.progressTracker.Started()
}

func (c *Collector) DecInflight() {
	c.inflightWorkers.Dec()
	c.progressTracker.Finished()
}

// ObserveDuration observes migration duration
func (c *Collector) ObserveDuration(duration time.Duration) {
	c.duration.Observe(duration.Seconds())
}

// Handler serves the collector's registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve runs the metrics HTTP server until ctx is cancelled
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}

// SetTotalCounts sets the total counts for progress tracking
func (c *Collector) SetTotalCounts(objects, bytes int64) {
	c.progressTracker.SetTotal(objects, bytes)
}
