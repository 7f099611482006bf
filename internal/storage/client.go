package storage

import (
	"context"
	"io"
	"regexp"
	"time"
)

// Backend defines the capability surface the migrator needs from an object store.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// List returns one page of objects. An empty NextToken marks the last page.
	List(ctx context.Context, bucket string, opts ListOptions) (*ListPage, error)

	// Reader opens a byte stream over an object.
	Reader(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// Writer opens a byte sink for an object. Nothing is visible at key
	// until Commit returns nil; Abort discards everything written.
	Writer(ctx context.Context, bucket, key string, size int64) (ObjectWriter, error)

	// Stat returns the descriptor of a stored object.
	Stat(ctx context.Context, bucket, key string) (ObjectDescriptor, error)

	Delete(ctx context.Context, bucket, key string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)

	// Name identifies the backend type in logs and errors.
	Name() string
}

// ObjectWriter is a destination byte sink with explicit commit.
type ObjectWriter interface {
	io.Writer
	Commit() error
	Abort(cause error)
}

// ObjectDescriptor describes one object as reported by a listing.
type ObjectDescriptor struct {
	Key  string
	Size int64
	// ContentHash is the backend's opaque version token (ETag or MD5).
	ContentHash string
	// MD5 is the hex MD5 of the object body, set only when the backend
	// guarantees it. Encrypted and multipart S3 objects have none.
	MD5          string
	LastModified time.Time
}

// ListOptions configures a List call.
type ListOptions struct {
	Prefix            string
	ContinuationToken string
	MaxKeys           int
}

// ListPage is a single page of a listing.
type ListPage struct {
	Objects   []ObjectDescriptor
	NextToken string
}

// Config contains backend client configuration.
type Config struct {
	Type      string
	Account   string
	Endpoint  string
	Region    string
	Secure    bool
	PathStyle bool
}

// Backend types.
const (
	TypeS3    = "s3"
	TypeMinIO = "minio"
	TypeGCS   = "gcs"
)

// DefaultPageSize is used when ListOptions.MaxKeys is not set.
const DefaultPageSize = 1000

var md5Pattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// IsPlainMD5 reports whether a content hash has the shape of a bare MD5
// digest. Multipart ETags ("<md5>-<parts>") do not. The shape alone does not
// prove the digest covers the body.
func IsPlainMD5(hash string) bool {
	return md5Pattern.MatchString(hash)
}

func pageSize(requested int) int {
	if requested <= 0 {
		return DefaultPageSize
	}
	return requested
}
