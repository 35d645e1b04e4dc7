package archive

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/TheGojiOG/pvebackup/internal/failure"
)

var errStreamClosed = errors.New("archive stream closed")

// chunkStream connects the producer goroutine to the reader through a bounded
// channel of fixed-size chunks. A slow reader blocks the producer.
type chunkStream struct {
	ctx       context.Context
	chunks    chan []byte
	done      chan struct{}
	finished  chan struct{}
	chunkSize int

	closeOnce sync.Once
	err       error // set by the producer before finished is closed

	current []byte
}

func newChunkStream(ctx context.Context, buffer, chunkSize int) *chunkStream {
	return &chunkStream{
		ctx:       ctx,
		chunks:    make(chan []byte, buffer),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		chunkSize: chunkSize,
	}
}

func (s *chunkStream) produce(write func(io.Writer) error) {
	defer close(s.finished)
	defer close(s.chunks)

	w := &chunkWriter{stream: s, buf: make([]byte, 0, s.chunkSize)}
	err := write(w)
	if err == nil {
		err = w.flush()
	}
	if err != nil && !errors.Is(err, errStreamClosed) {
		s.err = err
	}
}

func (s *chunkStream) send(chunk []byte) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	select {
	case s.chunks <- chunk:
		return nil
	case <-s.done:
		return errStreamClosed
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Read implements io.Reader.
func (s *chunkStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(s.current) == 0 {
		chunk, ok := <-s.chunks
		if !ok {
			<-s.finished
			if s.err != nil {
				return 0, streamError(s.err)
			}
			return 0, io.EOF
		}
		s.current = chunk
	}
	n := copy(p, s.current)
	s.current = s.current[n:]
	return n, nil
}

// Close stops the producer and waits for it to exit.
func (s *chunkStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	<-s.finished
	return nil
}

func streamError(err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return failure.New("archive", "stream", failure.Cancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.New("archive", "stream", failure.Timeout, err)
	}
	return failure.New("archive", "stream", failure.Internal, err)
}

type chunkWriter struct {
	stream *chunkStream
	buf    []byte
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		space := cap(w.buf) - len(w.buf)
		n := min(space, len(p))
		w.buf = append(w.buf, p[:n]...)
		p = p[n:]
		written += n

		if len(w.buf) == cap(w.buf) {
			if err := w.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (w *chunkWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	chunk := w.buf
	w.buf = make([]byte, 0, cap(chunk))
	return w.stream.send(chunk)
}
