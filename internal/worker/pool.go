package worker

import (
	"context"
	"sync"

	"bucketmigrate/internal/ledger"
	"bucketmigrate/internal/metrics"
	"bucketmigrate/internal/storage"

	"go.uber.org/zap"
)

// Pool manages a pool of workers
type Pool struct {
	size       int
	config     Config
	transferer *Transferer
	dstClient  storage.Backend
	ledger     ledger.Store
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewPool creates a new worker pool
func NewPool(
	config Config,
	srcClient storage.Backend,
	dstClient storage.Backend,
	ledgerStore ledger.Store,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *Pool {
	return &Pool{
		size:       config.concurrency(),
		config:     config,
		transferer: NewTransferer(srcClient, dstClient, config),
		dstClient:  dstClient,
		ledger:     ledgerStore,
		metrics:    metricsCollector,
		logger:     logger,
	}
}

// Run consumes descriptors until the channel is closed, ctx is cancelled or
// a fatal error occurs. Cancelling ctx only stops dispatch; transfers already
// running finish or hit their timeout. A fatal error cancels in-flight
// transfers and is returned.
func (p *Pool) Run(ctx context.Context, descriptors <-chan storage.ObjectDescriptor) error {
	workCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)

	r := &run{Pool: p, cancel: cancel}

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go r.worker(ctx, workCtx, i, descriptors, &wg)
	}
	wg.Wait()

	return r.err()
}

func (r *run) worker(ctx, workCtx context.Context, id int, descriptors <-chan storage.ObjectDescriptor, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := r.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	for {
		select {
		case desc, ok := <-descriptors:
			if !ok {
				logger.Debug("Worker finished - no more objects")
				return
			}
			if ctx.Err() != nil || workCtx.Err() != nil {
				return
			}

			r.process(workCtx, logger, desc)

		case <-ctx.Done():
			logger.Debug("Worker stopped - context cancelled")
			return

		case <-workCtx.Done():
			logger.Debug("Worker stopped - run aborted")
			return
		}
	}
}
