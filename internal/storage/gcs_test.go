package storage

import (
	"encoding/hex"
	"errors"
	"net/http"
	"testing"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestGCSClient_WrapError(t *testing.T) {
	c := &GCSClient{}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "object missing", err: gcs.ErrObjectNotExist, want: ErrNotFound},
		{name: "bucket missing", err: gcs.ErrBucketNotExist, want: ErrBucketNotFound},
		{name: "forbidden", err: &googleapi.Error{Code: http.StatusForbidden}, want: ErrAccessDenied},
		{name: "unauthorized", err: &googleapi.Error{Code: http.StatusUnauthorized}, want: ErrInvalidCredentials},
		{name: "rate limited", err: &googleapi.Error{Code: http.StatusTooManyRequests}, want: ErrThrottled},
		{name: "bad gateway", err: &googleapi.Error{Code: http.StatusBadGateway}, want: ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.wrapError("Write", "dst", "k", tt.err)
			assert.True(t, errors.Is(err, tt.want), "expected %v in %v", tt.want, err)
		})
	}
}

func TestDescriptorFromAttrs(t *testing.T) {
	sum, _ := hex.DecodeString("d41d8cd98f00b204e9800998ecf8427e")
	updated := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	d := descriptorFromAttrs(&gcs.ObjectAttrs{Name: "a.txt", Size: 0, MD5: sum, Etag: "CJ2x1p3Y0/ECEAE=", Updated: updated})
	assert.Equal(t, "a.txt", d.Key)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", d.ContentHash)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", d.MD5)
	assert.Equal(t, updated, d.LastModified)

	// Composite objects carry no MD5.
	d = descriptorFromAttrs(&gcs.ObjectAttrs{Name: "b.txt", Size: 10, Etag: "CJ2x1p3Y0/ECEAE="})
	assert.Equal(t, "CJ2x1p3Y0/ECEAE=", d.ContentHash)
	assert.False(t, IsPlainMD5(d.ContentHash))
	assert.Empty(t, d.MD5)
}
