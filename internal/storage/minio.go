package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// minioPartSize bounds the memory minio-go buffers per streaming upload.
const minioPartSize = 16 * 1024 * 1024

// MinIOClient implements Backend using minio-go
type MinIOClient struct {
	client *minio.Client
	core   *minio.Core
}

var _ Backend = (*MinIOClient)(nil)

// NewMinIOClient creates a new MinIO client.
//
// The account is "ACCESS_KEY:SECRET_KEY"; when empty the MINIO_ACCESS_KEY /
// MINIO_SECRET_KEY environment variables are used.
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	creds, err := minioCredentials(cfg.Account)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOClient{client: client, core: &minio.Core{Client: client}}, nil
}

func minioCredentials(account string) (*credentials.Credentials, error) {
	if account == "" {
		return credentials.NewEnvMinio(), nil
	}
	accessKey, secretKey, ok := strings.Cut(account, ":")
	if !ok || accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("minio account must be ACCESS_KEY:SECRET_KEY")
	}
	return credentials.NewStaticV4(accessKey, secretKey, ""), nil
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	return parsedURL.Host, nil
}

func (c *MinIOClient) Name() string { return TypeMinIO }

// List returns one page of objects using ListObjectsV2 continuation tokens.
// Like S3 listings, the entries carry no MD5.
func (c *MinIOClient) List(ctx context.Context, bucket string, opts ListOptions) (*ListPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := c.core.ListObjectsV2(bucket, opts.Prefix, "", opts.ContinuationToken, "", pageSize(opts.MaxKeys))
	if err != nil {
		return nil, c.wrapError("List", bucket, "", err)
	}

	page := &ListPage{Objects: make([]ObjectDescriptor, 0, len(result.Contents))}
	for _, obj := range result.Contents {
		page.Objects = append(page.Objects, ObjectDescriptor{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentHash:  strings.Trim(obj.ETag, "\""),
			LastModified: obj.LastModified,
		})
	}
	if result.IsTruncated {
		page.NextToken = result.NextContinuationToken
	}
	return page, nil
}

// Reader opens an object stream
func (c *MinIOClient) Reader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.wrapError("GetObject", bucket, key, err)
	}
	return obj, nil
}

// Writer streams into PutObject with an unknown length so the upload only
// completes once the writer commits. A failed stream aborts the multipart upload.
func (c *MinIOClient) Writer(ctx context.Context, bucket, key string, size int64) (ObjectWriter, error) {
	return newPipeWriter(ctx, func(ctx context.Context, body io.Reader) error {
		_, err := c.client.PutObject(ctx, bucket, key, body, -1, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			PartSize:    minioPartSize,
		})
		if err != nil {
			return c.wrapError("PutObject", bucket, key, err)
		}
		return nil
	}), nil
}

// Stat gets object metadata
func (c *MinIOClient) Stat(ctx context.Context, bucket, key string) (ObjectDescriptor, error) {
	info, err := c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectDescriptor{}, c.wrapError("StatObject", bucket, key, err)
	}

	etag := strings.Trim(info.ETag, "\"")
	md5 := etagMD5(etag,
		info.Metadata.Get("X-Amz-Server-Side-Encryption"),
		info.Metadata.Get("X-Amz-Server-Side-Encryption-Customer-Algorithm"))

	return ObjectDescriptor{
		Key:          info.Key,
		Size:         info.Size,
		ContentHash:  etag,
		MD5:          md5,
		LastModified: info.LastModified,
	}, nil
}

func (c *MinIOClient) Delete(ctx context.Context, bucket, key string) error {
	if err := c.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return c.wrapError("RemoveObject", bucket, key, err)
	}
	return nil
}

func (c *MinIOClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	ok, err := c.client.BucketExists(ctx, bucket)
	if err != nil {
		return false, c.wrapError("BucketExists", bucket, "", err)
	}
	return ok, nil
}

func (c *MinIOClient) wrapError(op, bucket, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	if sentinel := sentinelFor(resp.Code, resp.StatusCode); sentinel != nil {
		err = fmt.Errorf("%w: %v", sentinel, err)
	}
	return &Error{Op: op, Backend: TypeMinIO, Bucket: bucket, Key: key, Err: err}
}
