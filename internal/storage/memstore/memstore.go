// Package memstore is an in-memory storage.Backend used by tests.
//
// Objects become visible only when a writer commits, matching the
// all-or-nothing behaviour of real object stores. Faults can be injected
// per key (read errors part-way through a stream) and per store (write
// rejection after a number of accepted writers, listing failure after a
// number of pages).
package memstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"bucketmigrate/internal/storage"
)

type readFault struct {
	at        int64
	remaining int
}

type object struct {
	data     []byte
	hash     string
	modified time.Time
}

// Store is a concurrency-safe in-memory backend.
type Store struct {
	mu      sync.Mutex
	buckets map[string]map[string]object

	// PageSize overrides the page size requested by callers when positive.
	PageSize int

	readFaults  map[string]*readFault
	denyAfter   int64
	listAfter   int64
	opaqueETags bool
	writesOpen  atomic.Int64
	readDelay   time.Duration
	listCalls   atomic.Int64
	bytesRead   atomic.Int64
	activeReads atomic.Int64
	maxReads    atomic.Int64
}

var _ storage.Backend = (*Store)(nil)

// New creates an empty store with the given buckets.
func New(buckets ...string) *Store {
	s := &Store{
		buckets:    make(map[string]map[string]object),
		readFaults: make(map[string]*readFault),
		denyAfter:  -1,
		listAfter:  -1,
	}
	for _, b := range buckets {
		s.buckets[b] = make(map[string]object)
	}
	return s
}

// Put stores an object directly.
func (s *Store) Put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = make(map[string]object)
	}
	s.buckets[bucket][key] = newObject(data)
}

// Get returns a stored object's bytes.
func (s *Store) Get(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Keys returns the sorted keys of a bucket.
func (s *Store) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.buckets[bucket])
}

// FailReads makes every read of key fail once afterBytes have been served.
func (s *Store) FailReads(key string, afterBytes int64) {
	s.FailReadsN(key, afterBytes, -1)
}

// FailReadsN is FailReads limited to the next n readers of key.
func (s *Store) FailReadsN(key string, afterBytes int64, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readFaults[key] = &readFault{at: afterBytes, remaining: n}
}

// DenyWrites rejects writers with access denied once n writers were opened.
func (s *Store) DenyWrites(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denyAfter = n
}

// FailListsAfter makes List fail as unavailable once n pages were served.
func (s *Store) FailListsAfter(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listAfter = n
}

// SetOpaqueETags makes descriptors report an MD5-shaped ETag that is not the
// digest of the body, and no MD5, the way S3 reports SSE-KMS objects.
func (s *Store) SetOpaqueETags(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opaqueETags = on
}

// SetReadDelay slows each Read call down.
func (s *Store) SetReadDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDelay = d
}

// BytesRead is the total number of bytes served to readers.
func (s *Store) BytesRead() int64 { return s.bytesRead.Load() }

// MaxConcurrentReads is the highest number of simultaneously open readers.
func (s *Store) MaxConcurrentReads() int64 { return s.maxReads.Load() }

// ListCalls is the number of List calls served.
func (s *Store) ListCalls() int64 { return s.listCalls.Load() }

func (s *Store) Name() string { return "memory" }

func (s *Store) List(ctx context.Context, bucket string, opts storage.ListOptions) (*storage.ListPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	calls := s.listCalls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listAfter >= 0 && calls > s.listAfter {
		return nil, s.fail("List", bucket, "", storage.ErrUnavailable)
	}

	objs, ok := s.buckets[bucket]
	if !ok {
		return nil, s.fail("List", bucket, "", storage.ErrBucketNotFound)
	}

	size := opts.MaxKeys
	if s.PageSize > 0 {
		size = s.PageSize
	}
	if size <= 0 {
		size = storage.DefaultPageSize
	}

	page := &storage.ListPage{}
	for _, key := range sortedKeys(objs) {
		if !strings.HasPrefix(key, opts.Prefix) || key <= opts.ContinuationToken {
			continue
		}
		if len(page.Objects) == size {
			page.NextToken = page.Objects[len(page.Objects)-1].Key
			break
		}
		page.Objects = append(page.Objects, s.describe(key, objs[key]))
	}
	return page, nil
}

func (s *Store) Reader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	obj, ok := s.buckets[bucket][key]
	failAt := int64(-1)
	if fault := s.readFaults[key]; ok && fault != nil && fault.remaining != 0 {
		failAt = fault.at
		if fault.remaining > 0 {
			fault.remaining--
		}
	}
	delay := s.readDelay
	s.mu.Unlock()

	if !ok {
		return nil, s.fail("GetObject", bucket, key, storage.ErrNotFound)
	}

	active := s.activeReads.Add(1)
	for {
		peak := s.maxReads.Load()
		if active <= peak || s.maxReads.CompareAndSwap(peak, active) {
			break
		}
	}

	return &reader{ctx: ctx, store: s, data: obj.data, failAt: failAt, delay: delay}, nil
}

func (s *Store) Writer(ctx context.Context, bucket, key string, size int64) (storage.ObjectWriter, error) {
	s.mu.Lock()
	_, ok := s.buckets[bucket]
	deny := s.denyAfter
	s.mu.Unlock()

	if !ok {
		return nil, s.fail("PutObject", bucket, key, storage.ErrBucketNotFound)
	}
	opened := s.writesOpen.Add(1)
	if deny >= 0 && opened > deny {
		return nil, s.fail("PutObject", bucket, key, storage.ErrAccessDenied)
	}
	return &writer{ctx: ctx, store: s, bucket: bucket, key: key}, nil
}

func (s *Store) Stat(ctx context.Context, bucket, key string) (storage.ObjectDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return storage.ObjectDescriptor{}, s.fail("Stat", bucket, key, storage.ErrNotFound)
	}
	return s.describe(key, obj), nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], key)
	return nil
}

func (s *Store) BucketExists(ctx context.Context, bucket string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket]
	return ok, nil
}

func (s *Store) fail(op, bucket, key string, err error) error {
	return &storage.Error{Op: op, Backend: s.Name(), Bucket: bucket, Key: key, Err: err}
}

type reader struct {
	ctx    context.Context
	store  *Store
	data   []byte
	off    int64
	failAt int64
	delay  time.Duration
	closed bool
}

func (r *reader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
	if r.failAt >= 0 && r.off >= r.failAt {
		return 0, fmt.Errorf("read at offset %d: %w", r.off, syscall.ECONNRESET)
	}
	if r.off >= int64(len(r.data)) {
		return 0, io.EOF
	}

	end := int64(len(r.data))
	if r.failAt >= 0 && end > r.failAt {
		end = r.failAt
	}
	n := copy(p, r.data[r.off:end])
	r.off += int64(n)
	r.store.bytesRead.Add(int64(n))
	return n, nil
}

func (r *reader) Close() error {
	if !r.closed {
		r.closed = true
		r.store.activeReads.Add(-1)
	}
	return nil
}

type writer struct {
	ctx    context.Context
	store  *Store
	bucket string
	key    string
	buf    bytes.Buffer
	done   bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, io.ErrClosedPipe
	}
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	return w.buf.Write(p)
}

func (w *writer) Commit() error {
	if w.done {
		return io.ErrClosedPipe
	}
	w.done = true
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.store.Put(w.bucket, w.key, w.buf.Bytes())
	return nil
}

func (w *writer) Abort(error) {
	w.done = true
	w.buf.Reset()
}

func newObject(data []byte) object {
	sum := md5.Sum(data)
	return object{
		data:     append([]byte(nil), data...),
		hash:     hex.EncodeToString(sum[:]),
		modified: time.Now().UTC(),
	}
}

// describe must be called with s.mu held.
func (s *Store) describe(key string, obj object) storage.ObjectDescriptor {
	d := storage.ObjectDescriptor{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentHash:  obj.hash,
		MD5:          obj.hash,
		LastModified: obj.modified,
	}
	if s.opaqueETags {
		sum := md5.Sum([]byte(key + obj.hash))
		d.ContentHash = hex.EncodeToString(sum[:])
		d.MD5 = ""
	}
	return d
}

func sortedKeys(objs map[string]object) []string {
	keys := make([]string, 0, len(objs))
	for k := range objs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
