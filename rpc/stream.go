package rpc

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pithecene-io/circuitd/ipc"
)

// streamBuffer bounds frames queued between the read loop and Next.
// When full, the read loop blocks, which backpressures the producer.
const streamBuffer = 16

// cancelNoticeTimeout bounds the best-effort stop notice sent by Close.
const cancelNoticeTimeout = time.Second

// Stream is the consumer side of a streaming call.
type Stream struct {
	id     string
	method string
	ep     *Endpoint
	owned  bool

	frames chan *ipc.Message
	lost   chan struct{}
	closed chan struct{}

	loseOnce  sync.Once
	closeOnce sync.Once

	mu       sync.Mutex
	finished bool
	err      error
}

func newStream(id, method string, ep *Endpoint, owned bool) *Stream {
	return &Stream{
		id:     id,
		method: method,
		ep:     ep,
		owned:  owned,
		frames: make(chan *ipc.Message, streamBuffer),
		lost:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

func (s *Stream) deliver(m *ipc.Message) {
	select {
	case s.frames <- m:
	case <-s.closed:
	case <-s.lost:
	}
}

// lose marks the underlying connection as gone.
func (s *Stream) lose() { s.loseOnce.Do(func() { close(s.lost) }) }

// finish records the terminal result and releases the stream's
// resources. The first result wins.
func (s *Stream) finish(err error) error {
	s.mu.Lock()
	if !s.finished {
		s.finished, s.err = true, err
	}
	err = s.err
	s.mu.Unlock()

	s.ep.dropStream(s.id)
	if s.owned {
		_ = s.ep.Close()
	}
	return err
}

// Next returns the next chunk in order. After the producer ends it
// returns io.EOF; after an error frame it returns *RemoteError; after
// connection loss it returns ErrClosed.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if s.finished {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	var m *ipc.Message
	select {
	case m = <-s.frames:
	default:
		select {
		case m = <-s.frames:
		case <-s.lost:
			return nil, s.finish(ErrClosed)
		case <-s.closed:
			return nil, s.finish(ErrClosed)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch m.Type {
	case ipc.KindChunk:
		return m.Chunk, nil
	case ipc.KindEnd:
		return nil, s.finish(io.EOF)
	default:
		return nil, s.finish(&RemoteError{Code: m.Code, Method: s.method, Message: m.Error})
	}
}

// Close stops consuming. If the producer has not finished it is told
// to stop. Safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		active := !s.finished
		s.mu.Unlock()

		if active {
			ctx, cancel := context.WithTimeout(context.Background(), cancelNoticeTimeout)
			_ = s.ep.conn.Send(ctx, &ipc.Message{Type: ipc.KindEnd, ID: s.id})
			cancel()
		}
		_ = s.finish(ErrClosed)
	})
	return nil
}

// abandon releases a stream whose open frame was never sent.
func (s *Stream) abandon() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.finish(ErrClosed)
	})
}
