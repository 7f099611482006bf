package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"bucketmigrate/internal/storage"
	"bucketmigrate/internal/storage/memstore"
)

func sourceWithKeys(n int) *memstore.Store {
	src := memstore.New("src")
	for i := 1; i <= n; i++ {
		src.Put("src", fmt.Sprintf("k%d", i), make([]byte, i*10))
	}
	return src
}

func drain(objCh <-chan storage.ObjectDescriptor, errCh <-chan error) ([]string, error) {
	var keys []string
	for obj := range objCh {
		keys = append(keys, obj.Key)
	}
	return keys, <-errCh
}

func TestObjectLister_StreamFromToken(t *testing.T) {
	src := sourceWithKeys(6)
	l := NewObjectLister(src, "", 2, 0, false, zaptest.NewLogger(t))

	keys, err := drain(l.Stream(context.Background(), "src", "k2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"k3", "k4", "k5", "k6"}, keys)
	assert.Equal(t, int64(2), src.ListCalls())
}

func TestObjectLister_LaterPageFails(t *testing.T) {
	src := sourceWithKeys(6)
	src.FailListsAfter(2)
	l := NewObjectLister(src, "", 2, 0, false, zaptest.NewLogger(t))

	keys, err := drain(l.Stream(context.Background(), "src", ""))

	assert.Equal(t, []string{"k1", "k2", "k3", "k4"}, keys)
	var listErr *ListError
	require.ErrorAs(t, err, &listErr)
	assert.Equal(t, "src", listErr.Bucket)
	assert.Equal(t, "k4", listErr.Token)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestObjectLister_RateLimit(t *testing.T) {
	src := sourceWithKeys(8)
	// Four pages at 20 pages per second need at least three waits of 50ms.
	l := NewObjectLister(src, "", 2, 20, false, zaptest.NewLogger(t))

	start := time.Now()
	keys, err := drain(l.Stream(context.Background(), "src", ""))
	require.NoError(t, err)

	assert.Len(t, keys, 8)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestObjectLister_Count(t *testing.T) {
	src := sourceWithKeys(5)
	src.Put("src", "other/x", []byte("x"))
	l := NewObjectLister(src, "k", 2, 0, false, zaptest.NewLogger(t))

	objects, bytes, err := l.Count(context.Background(), "src")
	require.NoError(t, err)
	assert.Equal(t, int64(5), objects)
	assert.Equal(t, int64(10+20+30+40+50), bytes)
}

func TestObjectLister_EnqueueSendsEveryObject(t *testing.T) {
	src := sourceWithKeys(5)
	l := NewObjectLister(src, "", 2, 0, false, zaptest.NewLogger(t))

	tasks := make(chan storage.ObjectDescriptor, 5)
	require.NoError(t, l.Enqueue(context.Background(), "src", tasks))
	close(tasks)

	var keys []string
	for d := range tasks {
		keys = append(keys, d.Key)
	}
	assert.Equal(t, []string{"k1", "k2", "k3", "k4", "k5"}, keys)
}

func TestObjectLister_EnqueueDryRunLogsOnly(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	src := sourceWithKeys(3)
	l := NewObjectLister(src, "", 2, 0, true, zap.New(core))

	require.NoError(t, l.Enqueue(context.Background(), "src", nil))

	planned := logs.FilterMessage("Would migrate object").All()
	require.Len(t, planned, 3)
	assert.Equal(t, "k1", planned[0].ContextMap()["key"])
	assert.Equal(t, int64(10), planned[0].ContextMap()["size"])
	assert.Equal(t, 1, logs.FilterMessage("Finished listing objects").Len())
	assert.Equal(t, int64(0), src.BytesRead())
}

func TestObjectLister_EnqueueEmptyListing(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewObjectLister(memstore.New("src"), "", 2, 0, false, zap.New(core))

	require.NoError(t, l.Enqueue(context.Background(), "src", make(chan storage.ObjectDescriptor)))
	assert.Equal(t, 1, logs.FilterMessage("No objects found").Len())
}

func TestObjectLister_EnqueueStopsOnCancel(t *testing.T) {
	src := sourceWithKeys(6)
	l := NewObjectLister(src, "", 2, 0, false, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	tasks := make(chan storage.ObjectDescriptor)
	go func() {
		<-tasks
		cancel()
	}()

	err := l.Enqueue(ctx, "src", tasks)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, src.ListCalls(), int64(3))
}
