package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// defaultS3Region is applied for AWS proper when nothing else resolved a region.
const defaultS3Region = "us-east-1"

// S3Client implements Backend for AWS S3 and S3-compatible stores using
// aws-sdk-go-v2. Uploads go through the transfer manager so bodies of
// unknown length are split into parts and aborted cleanly on error.
type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
}

var _ Backend = (*S3Client)(nil)

// NewS3Client builds a client from explicit configuration. The account is a
// shared-config profile name, or ACCESS_KEY:SECRET_KEY for S3-compatible
// stores; empty uses the SDK default credential chain.
func NewS3Client(ctx context.Context, cfg Config) (*S3Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if accessKey, secretKey, ok := strings.Cut(cfg.Account, ":"); ok {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	} else if cfg.Account != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Account))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = defaultS3Region
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.Secure))
		}
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.Concurrency = 2
		u.LeavePartsOnError = false
	})

	return &S3Client{client: client, uploader: uploader}, nil
}

func (c *S3Client) Name() string { return TypeS3 }

// endpointURL adds a scheme to bare host:port endpoints.
func endpointURL(endpoint string, secure bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if secure {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// List returns a page of objects with the given prefix. Listings do not say
// how an object is encrypted, so descriptors carry no MD5.
func (c *S3Client) List(ctx context.Context, bucket string, opts ListOptions) (*ListPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(int32(pageSize(opts.MaxKeys))),
	}
	if opts.Prefix != "" {
		input.Prefix = aws.String(opts.Prefix)
	}
	if opts.ContinuationToken != "" {
		input.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	output, err := c.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, c.wrapError("List", bucket, "", err)
	}

	page := &ListPage{Objects: make([]ObjectDescriptor, 0, len(output.Contents))}
	for _, obj := range output.Contents {
		page.Objects = append(page.Objects, ObjectDescriptor{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			ContentHash:  cleanETag(aws.ToString(obj.ETag)),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	if aws.ToBool(output.IsTruncated) {
		page.NextToken = aws.ToString(output.NextContinuationToken)
	}
	return page, nil
}

func (c *S3Client) Reader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	output, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, c.wrapError("GetObject", bucket, key, err)
	}
	return output.Body, nil
}

func (c *S3Client) Writer(ctx context.Context, bucket, key string, size int64) (ObjectWriter, error) {
	return newPipeWriter(ctx, func(ctx context.Context, body io.Reader) error {
		_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   body,
		})
		if err != nil {
			return c.wrapError("PutObject", bucket, key, err)
		}
		return nil
	}), nil
}

func (c *S3Client) Stat(ctx context.Context, bucket, key string) (ObjectDescriptor, error) {
	output, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectDescriptor{}, c.wrapError("HeadObject", bucket, key, err)
	}
	etag := cleanETag(aws.ToString(output.ETag))
	return ObjectDescriptor{
		Key:          key,
		Size:         aws.ToInt64(output.ContentLength),
		ContentHash:  etag,
		MD5:          etagMD5(etag, string(output.ServerSideEncryption), aws.ToString(output.SSECustomerAlgorithm)),
		LastModified: aws.ToTime(output.LastModified),
	}, nil
}

func (c *S3Client) Delete(ctx context.Context, bucket, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return c.wrapError("DeleteObject", bucket, key, err)
	}
	return nil
}

func (c *S3Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return true, nil
	}
	wrapped := c.wrapError("HeadBucket", bucket, "", err)
	if errors.Is(wrapped, ErrNotFound) || errors.Is(wrapped, ErrBucketNotFound) {
		return false, nil
	}
	return false, wrapped
}

// wrapError converts S3 errors to storage errors carrying the matching sentinel.
func (c *S3Client) wrapError(op, bucket, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var sentinel error
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	var apiErr smithy.APIError
	var respErr interface{ HTTPStatusCode() int }

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		sentinel = ErrNotFound
	case errors.As(err, &noSuchBucket):
		sentinel = ErrBucketNotFound
	case errors.As(err, &apiErr):
		status := 0
		if errors.As(err, &respErr) {
			status = respErr.HTTPStatusCode()
		}
		sentinel = sentinelFor(apiErr.ErrorCode(), status)
	}

	if sentinel != nil {
		err = fmt.Errorf("%w: %v", sentinel, err)
	}
	return &Error{Op: op, Backend: TypeS3, Bucket: bucket, Key: key, Err: err}
}

// cleanETag removes surrounding quotes from an ETag value.
func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// etagMD5 returns the ETag when it is the MD5 of the body. That holds for
// single-part uploads stored unencrypted or under SSE-S3, and not for SSE-KMS
// or SSE-C.
func etagMD5(etag, sse, sseCustomerAlgorithm string) string {
	if !IsPlainMD5(etag) || sseCustomerAlgorithm != "" {
		return ""
	}
	if sse != "" && sse != string(types.ServerSideEncryptionAes256) {
		return ""
	}
	return strings.ToLower(etag)
}
