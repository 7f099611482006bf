package storage

import (
	"context"
	"errors"
	"io"
	"sync"
)

// errAborted is handed to the upload when the writer is aborted without a cause.
var errAborted = errors.New("upload aborted")

// pipeWriter adapts SDK calls that consume an io.Reader into an ObjectWriter.
// The upload runs in its own goroutine reading from an io.Pipe, so bytes
// flow from source to destination without being staged.
type pipeWriter struct {
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

func newPipeWriter(ctx context.Context, upload func(ctx context.Context, body io.Reader) error) *pipeWriter {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	w := &pipeWriter{
		pw:     pw,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(w.done)
		err := upload(ctx, pr)
		if err == nil {
			err = io.ErrClosedPipe
		}
		// Unblock the writing side if the upload stopped reading early.
		pr.CloseWithError(err)
		if err != io.ErrClosedPipe {
			w.err = err
		}
	}()

	return w
}

func (w *pipeWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Commit signals end of stream and waits for the upload to finish.
func (w *pipeWriter) Commit() error {
	var err error
	w.once.Do(func() {
		_ = w.pw.Close()
		<-w.done
		w.cancel()
		err = w.err
	})
	return err
}

// Abort fails the upload so the destination never sees the object.
func (w *pipeWriter) Abort(cause error) {
	if cause == nil {
		cause = errAborted
	}
	w.once.Do(func() {
		_ = w.pw.CloseWithError(cause)
		<-w.done
		w.cancel()
	})
}
