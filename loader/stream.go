package loader

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ChunkStream delivers chunks from a producer goroutine over a bounded
// channel. The producer blocks while the buffer is full.
type ChunkStream struct {
	ch     chan Chunk
	err    error
	cancel context.CancelFunc
	once   sync.Once
}

// Stream starts a run whose chunks are pulled with Next. Busy and
// faulted loaders fail here rather than on the first Next.
func (l *Loader) Stream(ctx context.Context) (*ChunkStream, error) {
	ctx, done, err := l.begin(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)

	s := &ChunkStream{
		ch:     make(chan Chunk, l.buffer),
		cancel: cancel,
	}
	go func() {
		_, err := l.fill(ctx, func(c Chunk) error {
			select {
			case s.ch <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		done()
		s.err = err
		close(s.ch)
	}()
	return s, nil
}

// Next returns the next chunk in index order, io.EOF after the last
// one, or the error that ended the run.
func (s *ChunkStream) Next(ctx context.Context) (Chunk, error) {
	select {
	case c, ok := <-s.ch:
		if ok {
			return c, nil
		}
		var stopped errEmitStopped
		if s.err == nil || errors.As(s.err, &stopped) {
			return Chunk{}, io.EOF
		}
		return Chunk{}, s.err
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Close stops the producer and waits for it to exit. It is safe to call
// more than once and after the stream has ended.
func (s *ChunkStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		for range s.ch {
		}
	})
	return nil
}
