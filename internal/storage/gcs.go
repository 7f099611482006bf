package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSClient implements Backend for Google Cloud Storage.
type GCSClient struct {
	client *gcs.Client
}

var _ Backend = (*GCSClient)(nil)

// NewGCSClient creates a Cloud Storage client. The account is a service
// account key file; empty uses Application Default Credentials.
func NewGCSClient(ctx context.Context, cfg Config) (*GCSClient, error) {
	var opts []option.ClientOption
	if cfg.Account != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.Account))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSClient{client: client}, nil
}

func (c *GCSClient) Name() string { return TypeGCS }

// List pages through bucket objects with the iterator pager so the page
// token can be handed back to the caller.
func (c *GCSClient) List(ctx context.Context, bucket string, opts ListOptions) (*ListPage, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: opts.Prefix})

	var attrs []*gcs.ObjectAttrs
	next, err := iterator.NewPager(it, pageSize(opts.MaxKeys), opts.ContinuationToken).NextPage(&attrs)
	if err != nil {
		return nil, c.wrapError("List", bucket, "", err)
	}

	page := &ListPage{Objects: make([]ObjectDescriptor, 0, len(attrs)), NextToken: next}
	for _, a := range attrs {
		page.Objects = append(page.Objects, descriptorFromAttrs(a))
	}
	return page, nil
}

func (c *GCSClient) Reader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	r, err := c.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, c.wrapError("NewReader", bucket, key, err)
	}
	return r, nil
}

// Writer returns a resumable-upload writer. Cancelling its context before
// Close leaves no object behind.
func (c *GCSClient) Writer(ctx context.Context, bucket, key string, size int64) (ObjectWriter, error) {
	ctx, cancel := context.WithCancel(ctx)
	w := c.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	return &gcsWriter{w: w, cancel: cancel, wrap: func(err error) error {
		return c.wrapError("Write", bucket, key, err)
	}}, nil
}

func (c *GCSClient) Stat(ctx context.Context, bucket, key string) (ObjectDescriptor, error) {
	attrs, err := c.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err != nil {
		return ObjectDescriptor{}, c.wrapError("Attrs", bucket, key, err)
	}
	return descriptorFromAttrs(attrs), nil
}

func (c *GCSClient) Delete(ctx context.Context, bucket, key string) error {
	if err := c.client.Bucket(bucket).Object(key).Delete(ctx); err != nil {
		return c.wrapError("Delete", bucket, key, err)
	}
	return nil
}

func (c *GCSClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return false, nil
	}
	if err != nil {
		return false, c.wrapError("BucketAttrs", bucket, "", err)
	}
	return true, nil
}

// Close releases the underlying client.
func (c *GCSClient) Close() error {
	return c.client.Close()
}

func (c *GCSClient) wrapError(op, bucket, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var sentinel error
	var apiErr *googleapi.Error
	switch {
	case errors.Is(err, gcs.ErrObjectNotExist):
		sentinel = ErrNotFound
	case errors.Is(err, gcs.ErrBucketNotExist):
		sentinel = ErrBucketNotFound
	case errors.As(err, &apiErr):
		switch apiErr.Code {
		case http.StatusUnauthorized:
			sentinel = ErrInvalidCredentials
		case http.StatusForbidden:
			sentinel = ErrAccessDenied
		case http.StatusNotFound:
			sentinel = ErrNotFound
		case http.StatusTooManyRequests:
			sentinel = ErrThrottled
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			sentinel = ErrUnavailable
		}
	}

	if sentinel != nil {
		err = fmt.Errorf("%w: %v", sentinel, err)
	}
	return &Error{Op: op, Backend: TypeGCS, Bucket: bucket, Key: key, Err: err}
}

func descriptorFromAttrs(a *gcs.ObjectAttrs) ObjectDescriptor {
	d := ObjectDescriptor{
		Key:          a.Name,
		Size:         a.Size,
		ContentHash:  a.Etag,
		LastModified: a.Updated,
	}
	// Composite objects carry only a CRC32C.
	if len(a.MD5) > 0 {
		d.MD5 = hex.EncodeToString(a.MD5)
		d.ContentHash = d.MD5
	}
	return d
}

type gcsWriter struct {
	w      *gcs.Writer
	cancel context.CancelFunc
	wrap   func(error) error
}

func (g *gcsWriter) Write(p []byte) (int, error) {
	n, err := g.w.Write(p)
	if err != nil {
		return n, g.wrap(err)
	}
	return n, nil
}

func (g *gcsWriter) Commit() error {
	defer g.cancel()
	if err := g.w.Close(); err != nil {
		return g.wrap(err)
	}
	return nil
}

// Abort cancels the upload before it is finalized.
func (g *gcsWriter) Abort(error) {
	g.cancel()
	_ = g.w.Close()
}
