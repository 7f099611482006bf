package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bucketmigrate/internal/ledger"
	"bucketmigrate/internal/storage"

	"go.uber.org/zap"
)

var errRunAborted = errors.New("run aborted")

// run holds the state shared by the workers of one Pool.Run call.
type run struct {
	*Pool
	cancel context.CancelCauseFunc

	// gate orders done-transitions against abort: once failure is set no
	// record reaches done.
	gate    sync.RWMutex
	failure error

	claims sync.Map
}

func (r *run) abort(err error) {
	r.gate.Lock()
	defer r.gate.Unlock()
	if r.failure == nil {
		r.failure = err
		r.cancel(err)
	}
}

func (r *run) err() error {
	r.gate.RLock()
	defer r.gate.RUnlock()
	return r.failure
}

// markDone runs a done-transition unless the run was aborted.
func (r *run) markDone(fn func() error) error {
	r.gate.RLock()
	defer r.gate.RUnlock()
	if r.failure != nil {
		return errRunAborted
	}
	return fn()
}

// process handles a single descriptor
func (r *run) process(ctx context.Context, logger *zap.Logger, desc storage.ObjectDescriptor) {
	logger = logger.With(zap.String("key", desc.Key))

	if _, busy := r.claims.LoadOrStore(desc.Key, struct{}{}); busy {
		logger.Warn("Object is already being processed")
		return
	}
	defer r.claims.Delete(desc.Key)

	record, err := r.ledger.Get(ctx, desc.Key)
	if err != nil {
		r.abort(fmt.Errorf("failed to read ledger: %w", err))
		return
	}

	attempt := 1
	if record != nil {
		switch record.State {
		case ledger.StateDone:
			logger.Debug("Skipping completed object")
			r.skip(ctx, logger, desc)
			return

		case ledger.StateFailed:
			if record.Attempts >= r.config.MaxAttempts {
				if err := r.ledger.Touch(ctx, desc.Key); err != nil {
					r.abort(err)
					return
				}
				logger.Warn("Skipping object with no attempts left",
					zap.Int("attempts", record.Attempts),
					zap.String("last_error", record.LastError))
				r.metrics.IncFailed(desc.Key, desc.Size)
				return
			}
			if err := r.ledger.Requeue(ctx, desc.Key); err != nil {
				r.abort(err)
				return
			}
		}
		attempt = record.Attempts + 1
	}

	if err := r.ledger.MarkInProgress(ctx, desc); err != nil {
		r.abort(err)
		return
	}

	if r.config.SkipExisting && r.objectExistsAndMatches(ctx, logger, desc) {
		logger.Debug("Skipping existing object")
		r.skip(ctx, logger, desc)
		return
	}

	startTime := time.Now()
	logger.Info("Processing object", zap.Int64("size", desc.Size), zap.Int("attempt", attempt))

	r.metrics.IncInflight()
	err = r.transferer.Transfer(ctx, desc)
	r.metrics.DecInflight()

	if err == nil {
		err = r.markDone(func() error { return r.ledger.MarkDone(ctx, desc.Key) })
		if errors.Is(err, errRunAborted) {
			return
		}
		if err != nil {
			r.abort(err)
			return
		}

		r.metrics.IncSuccessWithBytes(desc.Key, desc.Size)
		r.metrics.AddBytes(desc.Size)
		r.metrics.ObserveDuration(time.Since(startTime))
		logger.Info("Successfully migrated object",
			zap.Int64("size", desc.Size),
			zap.Duration("duration", time.Since(startTime)),
		)
		return
	}

	if IsFatal(err) {
		logger.Error("Destination rejected object, aborting run", zap.Error(err))
		r.abort(err)
		return
	}

	// In-flight transfers cancelled by an abort keep their in-progress record
	// so the next run picks them up.
	if r.err() != nil {
		return
	}

	if err := r.ledger.MarkFailed(ctx, desc.Key, err); err != nil {
		r.abort(err)
		return
	}

	if attempt >= r.config.MaxAttempts {
		r.metrics.IncFailed(desc.Key, desc.Size)
		logger.Error("Object failed after all attempts",
			zap.Int("attempt", attempt),
			zap.Error(err))
		return
	}

	r.metrics.IncRetried()
	if isTransient(err) {
		logger.Warn("Transfer attempt failed, will retry", zap.Int("attempt", attempt), zap.Error(err))
	} else {
		logger.Error("Transfer attempt failed with a non-transient error, will retry",
			zap.Int("attempt", attempt), zap.Error(err))
	}
}

// skip settles a done or claimed record without a transfer.
func (r *run) skip(ctx context.Context, logger *zap.Logger, desc storage.ObjectDescriptor) {
	err := r.markDone(func() error { return r.ledger.MarkSkipped(ctx, desc.Key) })
	if errors.Is(err, errRunAborted) {
		return
	}
	if err != nil {
		r.abort(err)
		return
	}
	r.metrics.IncSkippedWithBytes(desc.Key, desc.Size)
}

// objectExistsAndMatches reports whether the destination already holds an
// identical copy. Both sides must report a content MD5.
func (r *run) objectExistsAndMatches(ctx context.Context, logger *zap.Logger, desc storage.ObjectDescriptor) bool {
	info, err := r.dstClient.Stat(ctx, r.config.DestBucket, desc.Key)
	if err != nil {
		if !storage.IsNotFound(err) {
			logger.Debug("Failed to stat destination object, copying anyway", zap.Error(err))
		}
		return false
	}

	if info.Size != desc.Size || info.MD5 == "" || desc.MD5 == "" {
		return false
	}
	return strings.EqualFold(info.MD5, desc.MD5)
}
