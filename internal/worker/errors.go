package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"bucketmigrate/internal/ledger"
	"bucketmigrate/internal/storage"
)

// TransferFailure is a retryable failure while streaming one object.
type TransferFailure struct {
	Key   string
	Cause error
}

func (e *TransferFailure) Error() string {
	return fmt.Sprintf("transfer %q failed: %v", e.Key, e.Cause)
}

func (e *TransferFailure) Unwrap() error {
	return e.Cause
}

// VerificationFailure reports a copy whose size or checksum does not match
// the source. It is retryable.
type VerificationFailure struct {
	Key    string
	Reason string
}

func (e *VerificationFailure) Error() string {
	return fmt.Sprintf("verification of %q failed: %s", e.Key, e.Reason)
}

// FatalError is a destination rejection that no retry can fix, such as
// denied access or a missing bucket. It aborts the whole run.
type FatalError struct {
	Key string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error on %q: %v", e.Key, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	var fatal *FatalError
	var write *ledger.WriteError
	return errors.As(err, &fatal) || errors.As(err, &write)
}

// isTransient classifies failures that are likely to succeed on a later
// attempt. Other failures still use up their attempt budget.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	var verify *VerificationFailure
	var netErr net.Error
	switch {
	case errors.As(err, &verify):
		return true
	case errors.Is(err, storage.ErrThrottled), errors.Is(err, storage.ErrUnavailable):
		return true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return true
	case errors.As(err, &netErr):
		return netErr.Timeout()
	}
	return false
}
