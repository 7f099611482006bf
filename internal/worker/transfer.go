package worker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"bucketmigrate/internal/storage"
)

// Transferer streams single objects from the source to the destination.
// Memory use per transfer is bounded by one pooled copy buffer plus whatever
// the destination SDK buffers for its upload parts.
type Transferer struct {
	src     storage.Backend
	dst     storage.Backend
	config  Config
	buffers sync.Pool
}

// NewTransferer creates a transferer between two backends
func NewTransferer(src, dst storage.Backend, config Config) *Transferer {
	size := config.bufferSize()
	return &Transferer{
		src:    src,
		dst:    dst,
		config: config,
		buffers: sync.Pool{New: func() any {
			b := make([]byte, size)
			return &b
		}},
	}
}

// Transfer copies one object. Nothing is left at the destination key unless
// the full object was written and verified.
func (t *Transferer) Transfer(ctx context.Context, desc storage.ObjectDescriptor) error {
	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
	}

	src, err := t.src.Reader(ctx, t.config.SourceBucket, desc.Key)
	if err != nil {
		return &TransferFailure{Key: desc.Key, Cause: fmt.Errorf("failed to open source object: %w", err)}
	}
	defer src.Close()

	w, err := t.dst.Writer(ctx, t.config.DestBucket, desc.Key, desc.Size)
	if err != nil {
		return t.destinationError(desc.Key, fmt.Errorf("failed to open destination object: %w", err))
	}

	buf := t.buffers.Get().(*[]byte)
	defer t.buffers.Put(buf)

	hasher := md5.New()
	dst := &destWriter{w: w}
	n, err := io.CopyBuffer(dst, io.TeeReader(src, hasher), *buf)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		w.Abort(err)
		if dst.err != nil {
			return t.destinationError(desc.Key, fmt.Errorf("failed to write destination object: %w", dst.err))
		}
		return &TransferFailure{Key: desc.Key, Cause: fmt.Errorf("failed to stream object: %w", err)}
	}

	if n != desc.Size {
		mismatch := &VerificationFailure{Key: desc.Key, Reason: fmt.Sprintf("read %d bytes, listing reported %d", n, desc.Size)}
		w.Abort(mismatch)
		return mismatch
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if desc.MD5 != "" && !strings.EqualFold(sum, desc.MD5) {
		mismatch := &VerificationFailure{Key: desc.Key, Reason: fmt.Sprintf("streamed md5 %s, source reported %s", sum, desc.MD5)}
		w.Abort(mismatch)
		return mismatch
	}

	if err := w.Commit(); err != nil {
		return t.destinationError(desc.Key, fmt.Errorf("failed to commit destination object: %w", err))
	}

	return t.verify(ctx, desc, sum)
}

// verify checks the committed object and removes it when it does not match.
func (t *Transferer) verify(ctx context.Context, desc storage.ObjectDescriptor, sum string) error {
	stored, err := t.dst.Stat(ctx, t.config.DestBucket, desc.Key)
	if err != nil {
		return t.destinationError(desc.Key, fmt.Errorf("failed to stat destination object: %w", err))
	}

	reason := ""
	switch {
	case stored.Size != desc.Size:
		reason = fmt.Sprintf("destination holds %d bytes, expected %d", stored.Size, desc.Size)
	case stored.MD5 != "" && !strings.EqualFold(stored.MD5, sum):
		reason = fmt.Sprintf("destination md5 %s, streamed %s", stored.MD5, sum)
	}
	if reason == "" {
		return nil
	}

	if err := t.dst.Delete(ctx, t.config.DestBucket, desc.Key); err != nil {
		reason += fmt.Sprintf(" (cleanup failed: %v)", err)
	}
	return &VerificationFailure{Key: desc.Key, Reason: reason}
}

func (t *Transferer) destinationError(key string, err error) error {
	if storage.IsPermanent(err) {
		return &FatalError{Key: key, Err: err}
	}
	return &TransferFailure{Key: key, Cause: err}
}

// destWriter remembers write errors so they can be told apart from read errors.
type destWriter struct {
	w   io.Writer
	err error
}

func (d *destWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	if err != nil {
		d.err = err
	}
	return n, err
}
