package cache

import (
	"errors"
	"io"
	"sync"
)

// ErrStreamAborted is reported when a tee'd stream is closed before EOF.
var ErrStreamAborted = errors.New("stream closed before completion")

// Tee wraps rc so that every byte the consumer reads is also fed into
// SetStream for key. The entry is committed only when the consumer reaches
// EOF; a read error or an early Close skips caching. done, when non-nil, is
// called once with the population result before Close returns.
func (c *Cache) Tee(key string, rc io.ReadCloser, status int, contentType string, done func(error)) io.ReadCloser {
	pr, pw := io.Pipe()
	t := &teeReader{src: rc, pw: pw, finished: make(chan struct{})}
	go func() {
		defer close(t.finished)
		err := c.SetStream(key, pr, status, contentType)
		if err != nil {
			// Unblock any pending writer on the consumer side.
			_ = pr.CloseWithError(err)
		}
		if done != nil {
			done(err)
		}
	}()
	return t
}

type teeReader struct {
	src      io.ReadCloser
	pw       *io.PipeWriter
	finished chan struct{}
	once     sync.Once
}

func (t *teeReader) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		// A failed pipe write only means caching was abandoned.
		_, _ = t.pw.Write(p[:n])
	}
	switch {
	case errors.Is(err, io.EOF):
		_ = t.pw.Close()
	case err != nil:
		_ = t.pw.CloseWithError(err)
	}
	return n, err //nolint:wrapcheck // io.Reader contract requires bare io.EOF
}

// Close releases the source and waits for cache population to settle.
func (t *teeReader) Close() error {
	var err error
	t.once.Do(func() {
		err = t.src.Close()
		_ = t.pw.CloseWithError(ErrStreamAborted)
		<-t.finished
	})
	return err //nolint:wrapcheck // surfaced verbatim from the source stream
}
