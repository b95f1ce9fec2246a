package rpc

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/circuitd/ipc"
)

// Request is an incoming call as seen by a handler.
type Request struct {
	ID     string
	Method string
	Data   msgpack.RawMessage
	// Peer is the endpoint the request arrived on.
	Peer *Endpoint
}

// Bind decodes the request payload into v.
func (r *Request) Bind(v any) error {
	return ipc.UnmarshalData(r.Data, v)
}

// UnaryFunc answers a request with a single value.
type UnaryFunc func(ctx context.Context, req *Request) (any, error)

// StreamFunc answers a request with a sequence of chunks passed to send.
// Returning nil ends the stream; returning an error terminates it with
// an error frame.
type StreamFunc func(ctx context.Context, req *Request, send func([]byte) error) error

// Handler is either unary or streaming; the shape is fixed when it is
// built with Unary or Streaming.
type Handler struct {
	unary  UnaryFunc
	stream StreamFunc
}

// Unary builds a unary handler.
func Unary(fn UnaryFunc) Handler { return Handler{unary: fn} }

// Streaming builds a streaming handler.
func Streaming(fn StreamFunc) Handler { return Handler{stream: fn} }

// IsStreaming reports the handler shape.
func (h Handler) IsStreaming() bool { return h.stream != nil }

// Mux maps method names to handlers.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Handle registers h for method. It panics on a duplicate or empty
// registration.
func (m *Mux) Handle(method string, h Handler) {
	if h.unary == nil && h.stream == nil {
		panic(fmt.Sprintf("rpc: empty handler for %q", method))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.handlers[method]; dup {
		panic(fmt.Sprintf("rpc: duplicate handler for %q", method))
	}
	m.handlers[method] = h
}

// Lookup returns the handler for method.
func (m *Mux) Lookup(method string) (Handler, bool) {
	if m == nil {
		return Handler{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[method]
	return h, ok
}

// Methods returns the registered method names in sorted order.
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
