// Package rpc implements a symmetric request/response and streaming
// protocol over connections that can only carry discrete messages.
//
// Each side of a connection is an Endpoint. An endpoint serves the
// handlers of its Mux to the peer and issues its own calls on the same
// connection: unary calls are matched to responses by correlation id,
// and streams are opened with a stream_open frame, fed by chunk frames,
// and terminated by exactly one end or error frame.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/circuitd/ipc"
	"github.com/pithecene-io/circuitd/log"
	"github.com/pithecene-io/circuitd/metrics"
)

// EventFunc receives incoming events. It runs on the endpoint's read
// loop and must not block.
type EventFunc func(ctx context.Context, from *Endpoint, method string, data msgpack.RawMessage)

// Options configures an Endpoint.
type Options struct {
	// Mux serves incoming requests. Nil answers every request with
	// a no_handler error.
	Mux *Mux
	// Dialer opens dedicated connections for OpenStream. Nil runs
	// streams over the endpoint's own connection, where a consumer that
	// stops reading fills the stream's frame buffer and stalls the read
	// loop: responses and events behind it wait until the consumer
	// resumes or closes the stream.
	Dialer Dialer
	// Sessions is the stream session table, shared across endpoints of
	// one process. Nil creates a private table.
	Sessions *Sessions
	OnEvent  EventFunc
	// OnClose is called once after the endpoint shuts down.
	OnClose func(*Endpoint)
	// Name labels the endpoint in logs.
	Name    string
	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Endpoint is one side of a connection.
type Endpoint struct {
	conn   Conn
	opts   Options
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan *ipc.Message
	streams map[string]*Stream
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	err       error
	wg        sync.WaitGroup
}

// NewEndpoint starts serving conn. The endpoint owns conn.
func NewEndpoint(conn Conn, opts Options) *Endpoint {
	if opts.Sessions == nil {
		opts.Sessions = NewSessions()
	}
	if opts.Name == "" {
		opts.Name = "peer"
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		conn:    conn,
		opts:    opts,
		logger:  opts.Logger.With(map[string]any{"peer": opts.Name}),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan *ipc.Message),
		streams: make(map[string]*Stream),
		done:    make(chan struct{}),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.readLoop()
	}()
	return e
}

// Dial connects through d and starts an endpoint on the new connection.
func Dial(ctx context.Context, d Dialer, opts Options) (*Endpoint, error) {
	conn, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		opts.Dialer = d
	}
	return NewEndpoint(conn, opts), nil
}

// Name returns the endpoint's log label.
func (e *Endpoint) Name() string { return e.opts.Name }

// Done is closed once the endpoint has shut down.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Err returns why the endpoint shut down, or nil while it is running.
func (e *Endpoint) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Close shuts the endpoint down. Pending calls and open streams fail
// with ErrClosed; running handlers see their context cancelled.
func (e *Endpoint) Close() error {
	e.shutdown(ErrClosed)
	return nil
}

// Wait blocks until the read loop and every handler goroutine exit.
func (e *Endpoint) Wait() { e.wg.Wait() }

func (e *Endpoint) shutdown(cause error) {
	e.closeOnce.Do(func() {
		e.cancel()

		e.mu.Lock()
		e.closed = true
		for id, ch := range e.pending {
			close(ch)
			delete(e.pending, id)
		}
		streams := e.streams
		e.streams = make(map[string]*Stream)
		e.mu.Unlock()

		for _, s := range streams {
			s.lose()
		}
		_ = e.conn.Close()

		if errors.Is(cause, context.Canceled) {
			cause = ErrClosed
		}
		e.err = cause
		close(e.done)
		e.logger.Debug("endpoint closed", map[string]any{"cause": cause.Error()})

		if e.opts.OnClose != nil {
			e.opts.OnClose(e)
		}
	})
}

func (e *Endpoint) readLoop() {
	for {
		m, err := e.conn.Recv(e.ctx)
		if err != nil {
			var fe *ipc.FrameError
			if errors.As(err, &fe) && !fe.IsFatal() {
				e.opts.Metrics.IncRPCDecodeErrors()
				e.logger.Warn("dropping undecodable frame", map[string]any{"error": err.Error()})
				continue
			}
			e.shutdown(err)
			return
		}
		e.dispatch(m)
	}
}

func (e *Endpoint) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Endpoint) dispatch(m *ipc.Message) {
	switch m.Type {
	case ipc.KindRequest:
		e.spawn(func() { e.serveRequest(m) })

	case ipc.KindStreamOpen:
		e.spawn(func() { e.serveStream(m) })

	case ipc.KindResponse:
		e.mu.Lock()
		ch, ok := e.pending[m.ID]
		if ok {
			delete(e.pending, m.ID)
			ch <- m
		}
		e.mu.Unlock()
		if !ok {
			e.logger.Debug("response for unknown call", map[string]any{"id": m.ID})
		}

	case ipc.KindChunk, ipc.KindEnd, ipc.KindError:
		e.mu.Lock()
		s, ok := e.streams[m.ID]
		e.mu.Unlock()
		if ok {
			s.deliver(m)
			return
		}
		// A terminal frame for a session this side produces means the
		// consumer went away.
		if m.Type != ipc.KindChunk && e.opts.Sessions.cancel(m.ID) {
			e.logger.Debug("stream cancelled by consumer", map[string]any{"stream": m.ID})
		}

	case ipc.KindEvent:
		if e.opts.OnEvent != nil {
			e.opts.OnEvent(e.ctx, e, m.Method, m.Data)
		}
	}
}

// guard runs fn, converting a panic into a handler fault.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RemoteError{Code: CodeHandlerFault, Message: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return fn()
}

func (e *Endpoint) serveRequest(m *ipc.Message) {
	e.opts.Metrics.IncRPCCall()

	h, ok := e.opts.Mux.Lookup(m.Method)
	if !ok {
		e.opts.Metrics.IncRPCNoHandler()
		e.reply(m, nil, noHandler(m.Method))
		return
	}

	req := &Request{ID: m.ID, Method: m.Method, Data: m.Data, Peer: e}
	var result any
	err := guard(func() error {
		if h.IsStreaming() {
			var buf []byte
			err := h.stream(e.ctx, req, func(b []byte) error {
				buf = append(buf, b...)
				return nil
			})
			result = buf
			return err
		}
		var err error
		result, err = h.unary(e.ctx, req)
		return err
	})
	e.reply(m, result, err)
}

func (e *Endpoint) reply(req *ipc.Message, result any, err error) {
	resp := &ipc.Message{Type: ipc.KindResponse, ID: req.ID}
	if err == nil {
		resp.Data, err = ipc.MarshalData(result)
	}
	if err != nil {
		resp.Error, resp.Code = err.Error(), codeOf(err)
		e.logger.Warn("request failed", map[string]any{
			"method": req.Method,
			"code":   resp.Code,
			"error":  resp.Error,
		})
	}
	err = e.conn.Send(e.ctx, resp)
	var fe *ipc.FrameError
	if errors.As(err, &fe) {
		// Rejected before anything was written; answer with the error.
		code := CodeHandlerFault
		if fe.Kind == ipc.FrameErrorTooLarge {
			code = CodeTooLarge
		}
		e.logger.Warn("response rejected by connection", map[string]any{
			"method": req.Method,
			"code":   code,
			"error":  err.Error(),
		})
		err = e.conn.Send(e.ctx, &ipc.Message{
			Type:  ipc.KindResponse,
			ID:    req.ID,
			Error: "response not sent: " + err.Error(),
			Code:  code,
		})
	}
	if err != nil {
		e.logger.Debug("response not delivered", map[string]any{"method": req.Method, "error": err.Error()})
	}
}

func (e *Endpoint) serveStream(m *ipc.Message) {
	e.opts.Metrics.IncRPCCall()

	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()
	if !e.opts.Sessions.open(m.ID, cancel) {
		e.logger.Debug("duplicate stream_open ignored", map[string]any{"stream": m.ID})
		return
	}
	defer e.opts.Sessions.close(m.ID)

	h, ok := e.opts.Mux.Lookup(m.Method)
	if !ok {
		e.opts.Metrics.IncRPCNoHandler()
		e.terminate(m, noHandler(m.Method))
		return
	}
	e.opts.Metrics.IncRPCStream()

	send := func(b []byte) error {
		for {
			n := min(len(b), ipc.MaxChunkSize)
			if err := e.conn.Send(ctx, &ipc.Message{Type: ipc.KindChunk, ID: m.ID, Chunk: b[:n]}); err != nil {
				return err
			}
			b = b[n:]
			if len(b) == 0 {
				return nil
			}
		}
	}

	req := &Request{ID: m.ID, Method: m.Method, Data: m.Data, Peer: e}
	err := guard(func() error {
		if h.IsStreaming() {
			return h.stream(ctx, req, send)
		}
		result, err := h.unary(ctx, req)
		if err != nil {
			return err
		}
		b, ok := result.([]byte)
		if !ok {
			raw, err := ipc.MarshalData(result)
			if err != nil {
				return err
			}
			b = raw
		}
		return send(b)
	})

	if ctx.Err() != nil && e.ctx.Err() == nil {
		// Consumer stopped listening; nobody is waiting for a terminal frame.
		return
	}
	e.terminate(m, err)
}

// terminate sends the single end or error frame of a stream.
func (e *Endpoint) terminate(open *ipc.Message, err error) {
	final := &ipc.Message{Type: ipc.KindEnd, ID: open.ID}
	if err != nil {
		final.Type, final.Error, final.Code = ipc.KindError, err.Error(), codeOf(err)
		e.logger.Warn("stream failed", map[string]any{
			"method": open.Method,
			"stream": open.ID,
			"code":   final.Code,
			"error":  final.Error,
		})
	}
	if err := e.conn.Send(e.ctx, final); err != nil {
		e.logger.Debug("terminal frame not delivered", map[string]any{"stream": open.ID, "error": err.Error()})
	}
}

// Call invokes method on the peer and decodes the result into out
// (which may be nil). Failures reported by the peer are *RemoteError.
func (e *Endpoint) Call(ctx context.Context, method string, payload, out any) error {
	data, err := ipc.MarshalData(payload)
	if err != nil {
		return err
	}
	id := strconv.FormatUint(e.nextID.Add(1), 10)
	ch := make(chan *ipc.Message, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.pending[id] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}()

	if err := e.conn.Send(ctx, &ipc.Message{Type: ipc.KindRequest, ID: id, Method: method, Data: data}); err != nil {
		return err
	}

	select {
	case m, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if m.Error != "" || m.Code != "" {
			return &RemoteError{Code: m.Code, Method: method, Message: m.Error}
		}
		return ipc.UnmarshalData(m.Data, out)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify sends a fire-and-forget event.
func (e *Endpoint) Notify(ctx context.Context, method string, data any) error {
	raw, err := ipc.MarshalData(data)
	if err != nil {
		return err
	}
	return e.conn.Send(ctx, &ipc.Message{Type: ipc.KindEvent, Method: method, Data: raw})
}

// ConfirmOptions bounds a confirmation round trip.
type ConfirmOptions struct {
	// Timeout after which the request resolves to false. Zero waits for ctx.
	Timeout time.Duration
	// Release closes whatever was opened for the confirmation (a prompt,
	// a window). Called on timeout.
	Release func()
}

// Confirm asks the peer to approve req via method. The peer answers
// with a boolean. A timeout resolves to false, not an error.
func (e *Endpoint) Confirm(ctx context.Context, method string, req any, opts ConfirmOptions) (bool, error) {
	callCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var approved bool
	err := e.Call(callCtx, method, req, &approved)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		e.logger.Info("confirmation timed out", map[string]any{"method": method, "timeout": opts.Timeout.String()})
		if opts.Release != nil {
			opts.Release()
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return approved, nil
}

// OpenStream starts a streaming call. When the endpoint has a Dialer the
// stream runs over a dedicated connection that is closed with the stream.
func (e *Endpoint) OpenStream(ctx context.Context, method string, payload any) (*Stream, error) {
	data, err := ipc.MarshalData(payload)
	if err != nil {
		return nil, err
	}

	target, owned := e, false
	if e.opts.Dialer != nil {
		conn, err := e.opts.Dialer.Dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("open stream port: %w", err)
		}
		target = NewEndpoint(conn, Options{
			Name:    e.opts.Name + "/stream",
			Logger:  e.opts.Logger,
			Metrics: e.opts.Metrics,
		})
		owned = true
	}

	s := newStream(uuid.NewString(), method, target, owned)
	target.mu.Lock()
	if target.closed {
		target.mu.Unlock()
		return nil, ErrClosed
	}
	target.streams[s.id] = s
	target.mu.Unlock()

	open := &ipc.Message{Type: ipc.KindStreamOpen, ID: s.id, Method: method, Data: data}
	if err := target.conn.Send(ctx, open); err != nil {
		s.abandon()
		return nil, err
	}
	return s, nil
}

func (e *Endpoint) dropStream(id string) {
	e.mu.Lock()
	delete(e.streams, id)
	e.mu.Unlock()
}
