// Package ledger records the transfer state of every object key so a
// migration can be resumed after a crash and re-run without copying twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bucketmigrate/internal/storage"
)

// State represents the transfer state of one object key
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Outcome tells how a done record got there during its last run.
type Outcome string

const (
	OutcomeTransferred Outcome = "transferred"
	OutcomeSkipped     Outcome = "skipped"
)

// Record is the ledger entry for one object key
type Record struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentHash string    `json:"content_hash"`
	MD5         string    `json:"md5,omitempty"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	RunID       string    `json:"run_id"`
	Outcome     Outcome   `json:"outcome,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Descriptor rebuilds the object descriptor recorded with the entry.
func (r *Record) Descriptor() storage.ObjectDescriptor {
	return storage.ObjectDescriptor{Key: r.Key, Size: r.Size, ContentHash: r.ContentHash, MD5: r.MD5}
}

// Summary aggregates the records touched by one run.
type Summary struct {
	Total      int64 `json:"total"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	Incomplete int64 `json:"incomplete"`
}

// Scope pins a ledger to one source and destination.
type Scope struct {
	Source      string
	Destination string
}

// Store defines the ledger operations. Every write is durable when it returns.
type Store interface {
	// Begin starts a run. Without resume, non-done records get a fresh attempt budget.
	Begin(ctx context.Context, runID string, resume bool) error

	MarkInProgress(ctx context.Context, desc storage.ObjectDescriptor) error
	MarkDone(ctx context.Context, key string) error
	MarkFailed(ctx context.Context, key string, cause error) error
	// MarkSkipped settles an in-progress or done record without a transfer.
	MarkSkipped(ctx context.Context, key string) error
	Touch(ctx context.Context, key string) error
	Requeue(ctx context.Context, key string) error

	Get(ctx context.Context, key string) (*Record, error)
	Retryable(ctx context.Context, maxAttempts int) ([]*Record, error)
	Failed(ctx context.Context) ([]*Record, error)
	Summary(ctx context.Context) (Summary, error)

	Close() error
}

// ErrInvalidTransition is returned when a write would break the state machine.
var ErrInvalidTransition = errors.New("invalid state transition")

// WriteError reports a ledger write that could not be made durable.
type WriteError struct {
	Op  string
	Key string
	Err error
}

func (e *WriteError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("ledger %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
