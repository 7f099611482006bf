package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound           = errors.New("object not found")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("backend unavailable")
)

// Error wraps a backend failure with the operation and object it concerns.
type Error struct {
	Op      string
	Backend string
	Bucket  string
	Key     string
	Err     error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Backend, e.Op, e.Bucket, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPermanent reports errors that no amount of retrying will fix: the
// bucket is gone or the credentials may not touch it.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrBucketNotFound) ||
		errors.Is(err, ErrInvalidCredentials)
}

// sentinelFor maps common S3-style error codes onto sentinels. The MinIO
// and S3 backends both report these codes.
func sentinelFor(code string, status int) error {
	switch code {
	case "NoSuchKey", "NotFound":
		return ErrNotFound
	case "NoSuchBucket":
		return ErrBucketNotFound
	case "AccessDenied", "Forbidden", "AllAccessDisabled":
		return ErrAccessDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return ErrInvalidCredentials
	case "SlowDown", "Throttling", "RequestLimitExceeded":
		return ErrThrottled
	case "ServiceUnavailable", "InternalError":
		return ErrUnavailable
	}
	switch status {
	case 401:
		return ErrInvalidCredentials
	case 403:
		return ErrAccessDenied
	case 404:
		return ErrNotFound
	case 429:
		return ErrThrottled
	case 500, 502, 503, 504:
		return ErrUnavailable
	}
	return nil
}
