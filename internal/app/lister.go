package app

import (
	"context"
	"fmt"

	"bucketmigrate/internal/storage"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ListError reports a listing failure. It always aborts the run.
type ListError struct {
	Bucket string
	Token  string
	Err    error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("failed to list bucket %q: %v", e.Bucket, e.Err)
}

func (e *ListError) Unwrap() error {
	return e.Err
}

// ObjectLister handles listing objects for migration
type ObjectLister struct {
	client   storage.Backend
	prefix   string
	pageSize int
	limiter  *rate.Limiter
	dryRun   bool
	logger   *zap.Logger
}

// NewObjectLister creates a lister. pagesPerSecond <= 0 disables throttling.
func NewObjectLister(client storage.Backend, prefix string, pageSize int, pagesPerSecond float64, dryRun bool, logger *zap.Logger) *ObjectLister {
	l := &ObjectLister{
		client:   client,
		prefix:   prefix,
		pageSize: pageSize,
		dryRun:   dryRun,
		logger:   logger,
	}
	if pagesPerSecond > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(pagesPerSecond), 1)
	}
	return l
}

// Stream lists bucket lazily, starting after token. Descriptors are sent on an
// unbuffered channel, so a new page is fetched only once the previous one has
// been consumed. The error channel yields at most one *ListError; both
// channels are closed when listing ends.
func (l *ObjectLister) Stream(ctx context.Context, bucket, token string) (<-chan storage.ObjectDescriptor, <-chan error) {
	objCh := make(chan storage.ObjectDescriptor)
	errCh := make(chan error, 1)

	go func() {
		defer close(objCh)
		defer close(errCh)

		for {
			if l.limiter != nil {
				if err := l.limiter.Wait(ctx); err != nil {
					if ctx.Err() == nil {
						errCh <- &ListError{Bucket: bucket, Token: token, Err: err}
					}
					return
				}
			}

			page, err := l.client.List(ctx, bucket, storage.ListOptions{
				Prefix:            l.prefix,
				ContinuationToken: token,
				MaxKeys:           l.pageSize,
			})
			if err != nil {
				if ctx.Err() == nil {
					errCh <- &ListError{Bucket: bucket, Token: token, Err: err}
				}
				return
			}

			for _, obj := range page.Objects {
				select {
				case objCh <- obj:
				case <-ctx.Done():
					return
				}
			}

			if page.NextToken == "" {
				return
			}
			token = page.NextToken
		}
	}()

	return objCh, errCh
}

// Enqueue lists bucket and sends every descriptor to tasks. In dry-run mode
// descriptors are logged instead. It returns the first listing error, or
// ctx.Err() when cancelled.
func (l *ObjectLister) Enqueue(ctx context.Context, bucket string, tasks chan<- storage.ObjectDescriptor) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objCh, errCh := l.Stream(ctx, bucket, "")

	var totalObjects int64
	var totalSize int64

	for obj := range objCh {
		totalObjects++
		totalSize += obj.Size

		if l.dryRun {
			l.logger.Info("Would migrate object",
				zap.String("bucket", bucket),
				zap.String("key", obj.Key),
				zap.Int64("size", obj.Size),
			)
			continue
		}

		select {
		case tasks <- obj:
			l.logger.Debug("Enqueued object", zap.String("key", obj.Key))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := <-errCh; err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if totalObjects == 0 {
		l.logger.Info("No objects found", zap.String("bucket", bucket), zap.String("prefix", l.prefix))
		return nil
	}

	l.logger.Info("Finished listing objects",
		zap.Int64("total_objects", totalObjects),
		zap.Int64("total_size_bytes", totalSize),
	)
	return nil
}

// Count counts the total number of objects and bytes
func (l *ObjectLister) Count(ctx context.Context, bucket string) (int64, int64, error) {
	objCh, errCh := l.Stream(ctx, bucket, "")

	var totalObjects int64
	var totalSize int64
	for obj := range objCh {
		totalObjects++
		totalSize += obj.Size
	}

	if err := <-errCh; err != nil {
		return totalObjects, totalSize, err
	}
	return totalObjects, totalSize, ctx.Err()
}
