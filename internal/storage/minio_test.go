package storage

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		want     string
		wantErr  string
	}{
		{name: "host and port", endpoint: "localhost:9000", want: "localhost:9000"},
		{name: "http url", endpoint: "http://localhost:9000", want: "localhost:9000"},
		{name: "https url with slash", endpoint: "https://minio.example.com/", want: "minio.example.com"},
		{name: "empty", endpoint: "", wantErr: "endpoint cannot be empty"},
		{name: "path without protocol", endpoint: "localhost:9000/bucket", wantErr: "contains path but no protocol"},
		{name: "url with path", endpoint: "http://localhost:9000/bucket", wantErr: "cannot have paths"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cleanEndpoint(tt.endpoint)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMinioCredentials(t *testing.T) {
	_, err := minioCredentials("AKIA:secret")
	assert.NoError(t, err)

	_, err = minioCredentials("")
	assert.NoError(t, err)

	_, err = minioCredentials("no-separator")
	assert.Error(t, err)

	_, err = minioCredentials(":secret")
	assert.Error(t, err)
}

func TestMinIOClient_WrapError(t *testing.T) {
	c := &MinIOClient{}

	tests := []struct {
		name string
		resp minio.ErrorResponse
		want error
	}{
		{name: "no such key", resp: minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}, want: ErrNotFound},
		{name: "no such bucket", resp: minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: 404}, want: ErrBucketNotFound},
		{name: "access denied", resp: minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}, want: ErrAccessDenied},
		{name: "bare forbidden status", resp: minio.ErrorResponse{StatusCode: 403}, want: ErrAccessDenied},
		{name: "unavailable", resp: minio.ErrorResponse{Code: "ServiceUnavailable", StatusCode: 503}, want: ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.wrapError("PutObject", "dst", "k", tt.resp)
			assert.True(t, errors.Is(err, tt.want), "expected %v in %v", tt.want, err)

			var se *Error
			require.True(t, errors.As(err, &se))
			assert.Equal(t, TypeMinIO, se.Backend)
		})
	}
}
