package rpc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pithecene-io/circuitd/ipc"
)

// ErrClosed is returned once a connection or endpoint has shut down.
// Pending calls and open streams fail with it on connection loss.
var ErrClosed = errors.New("rpc: connection closed")

// Conn moves discrete messages between two contexts. Send and Recv may
// be called concurrently with each other; Send is safe for concurrent use.
type Conn interface {
	Send(ctx context.Context, m *ipc.Message) error
	Recv(ctx context.Context) (*ipc.Message, error)
	Close() error
}

// Dialer opens a new connection to the peer, used for dedicated
// stream ports.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Listener accepts incoming connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() string
}

// --- in-memory transport ---

const pipeBuffer = 64

// pipe is the shared state of two connected memConns.
type pipe struct {
	done chan struct{}
	once sync.Once
}

func (p *pipe) close() { p.once.Do(func() { close(p.done) }) }

// memConn carries encoded frames over channels, so the two sides never
// share message memory.
type memConn struct {
	in   <-chan []byte
	out  chan<- []byte
	pipe *pipe
}

// Pipe returns two connected in-memory connections. Closing either end
// closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	p := &pipe{done: make(chan struct{})}
	return &memConn{in: ba, out: ab, pipe: p}, &memConn{in: ab, out: ba, pipe: p}
}

func (c *memConn) Send(ctx context.Context, m *ipc.Message) error {
	payload, err := ipc.EncodeMessage(m)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.pipe.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- payload:
		return nil
	case <-c.pipe.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memConn) Recv(ctx context.Context) (*ipc.Message, error) {
	// Frames queued before a close are still delivered.
	select {
	case payload := <-c.in:
		return ipc.DecodeMessage(payload)
	default:
	}
	select {
	case payload := <-c.in:
		return ipc.DecodeMessage(payload)
	case <-c.pipe.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) Close() error {
	c.pipe.close()
	return nil
}

// MemoryListener is an in-process Listener that is also its own Dialer.
type MemoryListener struct {
	conns chan Conn
	done  chan struct{}
	once  sync.Once
}

var (
	_ Listener = (*MemoryListener)(nil)
	_ Dialer   = (*MemoryListener)(nil)
)

// NewMemoryListener returns an open in-memory listener.
func NewMemoryListener() *MemoryListener {
	return &MemoryListener{
		conns: make(chan Conn),
		done:  make(chan struct{}),
	}
}

// Dial connects a new pipe and hands the far end to Accept.
func (l *MemoryListener) Dial(ctx context.Context) (Conn, error) {
	local, remote := Pipe()
	select {
	case l.conns <- remote:
		return local, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemoryListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemoryListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *MemoryListener) Addr() string { return "memory" }

// --- framed byte stream transport ---

// streamConn carries length-prefixed frames over a byte stream.
type streamConn struct {
	rwc io.ReadWriteCloser
	dec *ipc.FrameDecoder

	wmu sync.Mutex
	enc *ipc.FrameEncoder

	inbox         chan *ipc.Message
	done          chan struct{}
	once          sync.Once
	onDecodeError func(error)
}

// NewStreamConn frames messages over rwc. Frames that fail to decode are
// skipped and reported to onDecodeError (may be nil); a fatal framing
// error closes the connection.
func NewStreamConn(rwc io.ReadWriteCloser, onDecodeError func(error)) Conn {
	c := &streamConn{
		rwc:           rwc,
		dec:           ipc.NewFrameDecoder(rwc),
		enc:           ipc.NewFrameEncoder(rwc),
		inbox:         make(chan *ipc.Message, pipeBuffer),
		done:          make(chan struct{}),
		onDecodeError: onDecodeError,
	}
	go c.readLoop()
	return c
}

func (c *streamConn) readLoop() {
	defer c.shutdown()
	for {
		m, err := c.dec.ReadMessage()
		if err != nil {
			var fe *ipc.FrameError
			if errors.As(err, &fe) && !fe.IsFatal() {
				if c.onDecodeError != nil {
					c.onDecodeError(err)
				}
				continue
			}
			return
		}
		select {
		case c.inbox <- m:
		case <-c.done:
			return
		}
	}
}

func (c *streamConn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.rwc.Close()
	})
}

func (c *streamConn) Send(ctx context.Context, m *ipc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.enc.WriteMessage(m); err != nil {
		var fe *ipc.FrameError
		if errors.As(err, &fe) {
			return err
		}
		c.shutdown()
		return ErrClosed
	}
	return nil
}

func (c *streamConn) Recv(ctx context.Context) (*ipc.Message, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	default:
	}
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *streamConn) Close() error {
	c.shutdown()
	return nil
}
