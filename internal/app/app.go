package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"bucketmigrate/internal/config"
	"bucketmigrate/internal/ledger"
	"bucketmigrate/internal/metrics"
	"bucketmigrate/internal/progress"
	"bucketmigrate/internal/storage"
	"bucketmigrate/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle phase of a migration run
type State int

const (
	StateStarting State = iota
	StateListing
	StateTransferring
	StateSummarizing
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListing:
		return "listing"
	case StateTransferring:
		return "transferring"
	case StateSummarizing:
		return "summarizing"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is the outcome of Migrator.Run
type Result struct {
	State     State
	RunID     string
	Summary   ledger.Summary
	Failed    []*ledger.Record
	Cancelled bool
	Err       error
}

// ExitCode maps the result to the process exit status: 0 when every object
// is done, 1 when some failed or were left incomplete, 2 when the run aborted.
func (r *Result) ExitCode() int {
	switch {
	case r.State == StateAborted:
		return 2
	case r.Cancelled || r.Summary.Failed > 0 || r.Summary.Incomplete > 0:
		return 1
	default:
		return 0
	}
}

// Migrator represents the main migration application
type Migrator struct {
	cfg         *config.Config
	logger      *zap.Logger
	srcClient   storage.Backend
	dstClient   storage.Backend
	ledger      ledger.Store
	metrics     *metrics.Collector
	workers     *worker.Pool
	lister      *ObjectLister
	progressOut io.Writer

	mu    sync.Mutex
	state State
}

// New creates a new migrator instance
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Migrator, error) {
	srcClient, err := storage.Open(ctx, cfg.Source.Backend())
	if err != nil {
		return nil, fmt.Errorf("failed to create source client: %w", err)
	}

	dstClient, err := storage.Open(ctx, cfg.Target.Backend())
	if err != nil {
		closeBackend(srcClient)
		return nil, fmt.Errorf("failed to create destination client: %w", err)
	}

	var store ledger.Store
	if !cfg.Migration.DryRun {
		store, err = ledger.NewSQLiteStore(ctx, cfg.Migration.Ledger, ledger.Scope{
			Source:      cfg.Source.URI(),
			Destination: cfg.Target.URI(),
		})
		if err != nil {
			closeBackend(srcClient)
			closeBackend(dstClient)
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
	}

	m := newMigrator(cfg, logger, srcClient, dstClient, store, metrics.New())
	if progress.IsTerminal(os.Stdout) {
		m.progressOut = os.Stdout
	}
	return m, nil
}

func newMigrator(
	cfg *config.Config,
	logger *zap.Logger,
	srcClient storage.Backend,
	dstClient storage.Backend,
	store ledger.Store,
	metricsCollector *metrics.Collector,
) *Migrator {
	workerPool := worker.NewPool(worker.Config{
		SourceBucket: cfg.Source.Bucket,
		DestBucket:   cfg.Target.Bucket,
		Concurrency:  cfg.Migration.Concurrency,
		MaxAttempts:  cfg.Migration.MaxAttempts,
		Timeout:      cfg.Migration.TransferTimeout,
		SkipExisting: cfg.Migration.SkipExisting,
	}, srcClient, dstClient, store, metricsCollector, logger)

	lister := NewObjectLister(srcClient, cfg.Migration.Prefix, cfg.Migration.PageSize,
		cfg.Migration.ListRateLimit, cfg.Migration.DryRun, logger)

	return &Migrator{
		cfg:       cfg,
		logger:    logger,
		srcClient: srcClient,
		dstClient: dstClient,
		ledger:    store,
		metrics:   metricsCollector,
		workers:   workerPool,
		lister:    lister,
	}
}

// State returns the current lifecycle phase
func (m *Migrator) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Migrator) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.logger.Debug("Migration state changed", zap.Stringer("state", s))
}

// Run executes the migration process. Cancelling ctx stops dispatching new
// objects and moves straight to the summary. The returned error is non-nil
// only when the run aborted.
func (m *Migrator) Run(ctx context.Context) (*Result, error) {
	m.logger.Info("Starting migration",
		zap.String("source", m.cfg.Source.URI()),
		zap.String("destination", m.cfg.Target.URI()),
		zap.String("prefix", m.cfg.Migration.Prefix),
		zap.Int("concurrency", m.cfg.Migration.Concurrency),
		zap.Bool("resume", m.cfg.Migration.Resume),
		zap.Bool("dry_run", m.cfg.Migration.DryRun),
	)

	result := &Result{}
	err := m.run(ctx, result)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		m.logger.Warn("Migration cancelled, summarizing progress so far")
		result.Cancelled = true
		err = nil
	}

	m.summarize(ctx, result)

	if err != nil {
		m.setState(StateAborted)
		result.State = StateAborted
		result.Err = err
		m.logger.Error("Migration aborted", zap.Error(err))
		return result, err
	}

	m.setState(StateDone)
	result.State = StateDone
	m.logger.Info("Migration completed", zap.Int("exit_code", result.ExitCode()))
	return result, nil
}

func (m *Migrator) run(ctx context.Context, result *Result) error {
	m.setState(StateStarting)
	if err := m.checkBuckets(ctx); err != nil {
		return err
	}

	bucket := m.cfg.Source.Bucket

	if m.cfg.Migration.DryRun {
		m.setState(StateListing)
		return m.lister.Enqueue(ctx, bucket, nil)
	}

	runID := uuid.NewString()
	if err := m.ledger.Begin(ctx, runID, m.cfg.Migration.Resume); err != nil {
		return err
	}
	result.RunID = runID
	m.logger.Info("Run started", zap.String("run_id", runID))

	if addr := m.cfg.Migration.MetricsAddr; addr != "" {
		serveCtx, stopServer := context.WithCancel(ctx)
		defer stopServer()
		go func() {
			if err := m.metrics.Serve(serveCtx, addr); err != nil {
				m.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	if display := m.startProgress(ctx, bucket); display != nil {
		defer display.Stop()
	}

	m.setState(StateListing)
	err := m.pass(ctx, func(ctx context.Context, tasks chan<- storage.ObjectDescriptor) error {
		return m.lister.Enqueue(ctx, bucket, tasks)
	})
	if err != nil {
		return err
	}

	return m.retry(ctx)
}

// retry feeds failed records with attempts left back to the pool until none remain.
func (m *Migrator) retry(ctx context.Context) error {
	for pass := 1; ; pass++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		records, err := m.ledger.Retryable(ctx, m.cfg.Migration.MaxAttempts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read retryable objects: %w", err)
		}
		if len(records) == 0 {
			return nil
		}

		backoff := m.calculateBackoff(pass)
		m.logger.Info("Retrying failed objects",
			zap.Int("pass", pass),
			zap.Int("objects", len(records)),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		m.setState(StateTransferring)
		err = m.pass(ctx, func(ctx context.Context, tasks chan<- storage.ObjectDescriptor) error {
			for _, record := range records {
				select {
				case tasks <- record.Descriptor():
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
}

// pass runs feed and the worker pool concurrently over a bounded channel.
func (m *Migrator) pass(ctx context.Context, feed func(context.Context, chan<- storage.ObjectDescriptor) error) error {
	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan storage.ObjectDescriptor, m.cfg.Migration.Concurrency*2)
	feedErr := make(chan error, 1)

	go func() {
		defer close(tasks)
		err := feed(dispatchCtx, tasks)
		if err != nil {
			cancel()
		} else {
			m.setState(StateTransferring)
		}
		feedErr <- err
	}()

	poolErr := m.workers.Run(dispatchCtx, tasks)

	// Stop the feeder and drain whatever it already queued.
	cancel()
	for range tasks {
	}
	err := <-feedErr

	switch {
	case poolErr != nil:
		return poolErr
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return err
	}
}

func (m *Migrator) checkBuckets(ctx context.Context) error {
	ok, err := m.srcClient.BucketExists(ctx, m.cfg.Source.Bucket)
	if err == nil && !ok {
		err = storage.ErrBucketNotFound
	}
	if err != nil {
		return &ListError{Bucket: m.cfg.Source.Bucket, Err: err}
	}

	ok, err = m.dstClient.BucketExists(ctx, m.cfg.Target.Bucket)
	if err == nil && !ok {
		err = storage.ErrBucketNotFound
	}
	if err != nil {
		return &worker.FatalError{Err: fmt.Errorf("destination bucket %q: %w", m.cfg.Target.Bucket, err)}
	}
	return nil
}

func (m *Migrator) startProgress(ctx context.Context, bucket string) *progress.Display {
	switch {
	case !m.cfg.Migration.ShowProgress:
		m.logger.Info("Progress display disabled (disabled in config)")
		return nil
	case m.progressOut == nil:
		m.logger.Info("Progress display disabled (unsupported terminal)")
		return nil
	}

	m.logger.Info("Counting objects for progress tracking...")
	totalObjects, totalBytes, err := m.lister.Count(ctx, bucket)
	if err != nil {
		m.logger.Warn("Failed to count objects, progress display disabled", zap.Error(err))
		return nil
	}

	m.metrics.SetTotalCounts(totalObjects, totalBytes)
	m.logger.Info("Object counting completed",
		zap.Int64("total_objects", totalObjects),
		zap.String("total_size", progress.FormatBytes(totalBytes)),
	)

	display := progress.NewDisplay(m.metrics.GetProgressTracker(), m.progressOut, 2*time.Second)
	display.Start()
	return display
}

// summarize reads the final state of this run from the ledger.
func (m *Migrator) summarize(ctx context.Context, result *Result) {
	m.setState(StateSummarizing)
	if result.RunID == "" {
		return
	}

	// The summary is still wanted when the run was cancelled.
	ctx = context.WithoutCancel(ctx)

	summary, err := m.ledger.Summary(ctx)
	if err != nil {
		m.logger.Error("Failed to read migration summary", zap.Error(err))
	}
	result.Summary = summary

	failed, err := m.ledger.Failed(ctx)
	if err != nil {
		m.logger.Error("Failed to read failed objects", zap.Error(err))
	}
	result.Failed = failed

	m.logger.Info(fmt.Sprintf("succeeded=%d failed=%d skipped=%d total=%d",
		summary.Succeeded, summary.Failed, summary.Skipped, summary.Total),
		zap.String("run_id", result.RunID),
		zap.Int64("incomplete", summary.Incomplete),
	)
	for _, record := range failed {
		m.logger.Error("Object failed",
			zap.String("key", record.Key),
			zap.Int("attempts", record.Attempts),
			zap.String("error", record.LastError),
		)
	}
}

func (m *Migrator) calculateBackoff(pass int) time.Duration {
	base := time.Duration(m.cfg.Migration.RetryBackoffMs) * time.Millisecond
	return base * time.Duration(math.Pow(2, float64(pass-1)))
}

// Close cleans up resources
func (m *Migrator) Close() error {
	var errs []error
	if m.ledger != nil {
		errs = append(errs, m.ledger.Close())
	}
	errs = append(errs, closeBackend(m.srcClient), closeBackend(m.dstClient))
	return errors.Join(errs...)
}

func closeBackend(b storage.Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
