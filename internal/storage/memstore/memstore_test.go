package memstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bucketmigrate/internal/storage"
)

func TestStore_ListPages(t *testing.T) {
	s := New("b")
	s.PageSize = 2
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		s.Put("b", k, []byte(k))
	}

	ctx := context.Background()
	var keys []string
	token := ""
	pages := 0
	for {
		page, err := s.List(ctx, "b", storage.ListOptions{ContinuationToken: token})
		require.NoError(t, err)
		pages++
		for _, o := range page.Objects {
			keys = append(keys, o.Key)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keys)
	assert.Equal(t, 3, pages)
}

func TestStore_ListMissingBucket(t *testing.T) {
	s := New()
	_, err := s.List(context.Background(), "nope", storage.ListOptions{})
	assert.True(t, errors.Is(err, storage.ErrBucketNotFound))
}

func TestStore_WriterVisibleOnlyAfterCommit(t *testing.T) {
	s := New("dst")
	ctx := context.Background()

	w, err := s.Writer(ctx, "dst", "k", 5)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)

	_, ok := s.Get("dst", "k")
	assert.False(t, ok)

	require.NoError(t, w.Commit())
	got, ok := s.Get("dst", "k")
	require.True(t, ok)
	assert.Equal(t, "hello", string(got))
}

func TestStore_AbortLeavesNothing(t *testing.T) {
	s := New("dst")
	w, err := s.Writer(context.Background(), "dst", "k", 5)
	require.NoError(t, err)
	_, _ = w.Write([]byte("hel"))
	w.Abort(errors.New("boom"))

	_, ok := s.Get("dst", "k")
	assert.False(t, ok)
}

func TestStore_FailReads(t *testing.T) {
	s := New("src")
	s.Put("src", "k", []byte("0123456789"))
	s.FailReads("k", 5)

	r, err := s.Reader(context.Background(), "src", "k")
	require.NoError(t, err)
	defer r.Close()

	b, err := io.ReadAll(r)
	require.Error(t, err)
	assert.Equal(t, "01234", string(b))
}

func TestStore_DenyWrites(t *testing.T) {
	s := New("dst")
	s.DenyWrites(1)

	_, err := s.Writer(context.Background(), "dst", "first", 1)
	require.NoError(t, err)

	_, err = s.Writer(context.Background(), "dst", "second", 1)
	require.Error(t, err)
	assert.True(t, storage.IsPermanent(err))
}

func TestStore_StatHash(t *testing.T) {
	s := New("b")
	s.Put("b", "empty", nil)

	d, err := s.Stat(context.Background(), "b", "empty")
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Size)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", d.ContentHash)
	assert.Equal(t, d.ContentHash, d.MD5)

	_, err = s.Stat(context.Background(), "b", "missing")
	assert.True(t, storage.IsNotFound(err))
}

func TestStore_OpaqueETags(t *testing.T) {
	s := New("b")
	s.Put("b", "k", []byte("payload"))
	s.SetOpaqueETags(true)

	d, err := s.Stat(context.Background(), "b", "k")
	require.NoError(t, err)
	assert.True(t, storage.IsPlainMD5(d.ContentHash))
	body := md5.Sum([]byte("payload"))
	assert.NotEqual(t, hex.EncodeToString(body[:]), d.ContentHash)
	assert.Empty(t, d.MD5)
}

func TestStore_FailListsAfter(t *testing.T) {
	s := New("b")
	s.PageSize = 1
	s.Put("b", "a", nil)
	s.Put("b", "b", nil)
	s.FailListsAfter(1)

	ctx := context.Background()
	page, err := s.List(ctx, "b", storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Objects, 1)

	_, err = s.List(ctx, "b", storage.ListOptions{ContinuationToken: page.NextToken})
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestStore_FailReadsN(t *testing.T) {
	s := New("src")
	s.Put("src", "k", []byte("0123456789"))
	s.FailReadsN("k", 2, 1)

	ctx := context.Background()
	r, err := s.Reader(ctx, "src", "k")
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.Error(t, err)
	r.Close()

	r, err = s.Reader(ctx, "src", "k")
	require.NoError(t, err)
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(b))
	r.Close()
}
