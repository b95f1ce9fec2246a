package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pithecene-io/circuitd/log"
	"github.com/pithecene-io/circuitd/metrics"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// Sessions is shared by every accepted endpoint. Nil creates one.
	Sessions *Sessions
	OnEvent  EventFunc
	// OnConnect is called for each attached endpoint.
	OnConnect func(*Endpoint)
	Logger    *log.Logger
	Metrics   *metrics.Collector
}

// Server attaches an Endpoint to every accepted connection and serves
// one Mux on all of them.
type Server struct {
	mux  *Mux
	opts ServerOptions
	seq  atomic.Uint64

	mu     sync.Mutex
	peers  map[*Endpoint]struct{}
	closed bool
}

// NewServer returns a server for mux.
func NewServer(mux *Mux, opts ServerOptions) *Server {
	if opts.Sessions == nil {
		opts.Sessions = NewSessions()
	}
	return &Server{
		mux:   mux,
		opts:  opts,
		peers: make(map[*Endpoint]struct{}),
	}
}

// Sessions returns the server's stream session table.
func (s *Server) Sessions() *Sessions { return s.opts.Sessions }

// Serve accepts connections from ln until ctx ends or ln closes.
// Serve closes ln on return.
func (s *Server) Serve(ctx context.Context, ln Listener) error {
	defer ln.Close()
	s.opts.Logger.Info("serving", map[string]any{"addr": ln.Addr()})
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.Attach(conn)
	}
}

// Attach serves conn and returns its endpoint.
func (s *Server) Attach(conn Conn) *Endpoint {
	ep := NewEndpoint(conn, Options{
		Mux:      s.mux,
		Sessions: s.opts.Sessions,
		OnEvent:  s.opts.OnEvent,
		OnClose:  s.detach,
		Name:     fmt.Sprintf("peer-%d", s.seq.Add(1)),
		Logger:   s.opts.Logger,
		Metrics:  s.opts.Metrics,
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ep.Close()
		return ep
	}
	s.peers[ep] = struct{}{}
	s.mu.Unlock()

	// The connection may already have dropped before registration.
	select {
	case <-ep.Done():
		s.detach(ep)
		return ep
	default:
	}

	s.opts.Logger.Debug("peer attached", map[string]any{"peer": ep.Name()})
	if s.opts.OnConnect != nil {
		s.opts.OnConnect(ep)
	}
	return ep
}

func (s *Server) detach(ep *Endpoint) {
	s.mu.Lock()
	delete(s.peers, ep)
	s.mu.Unlock()
}

// Peers returns the currently attached endpoints.
func (s *Server) Peers() []*Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Endpoint, 0, len(s.peers))
	for ep := range s.peers {
		out = append(out, ep)
	}
	return out
}

// Broadcast sends an event to every attached peer and returns how many
// accepted it.
func (s *Server) Broadcast(ctx context.Context, method string, data any) int {
	sent := 0
	for _, ep := range s.Peers() {
		if err := ep.Notify(ctx, method, data); err != nil {
			s.opts.Logger.Debug("broadcast skipped peer", map[string]any{
				"peer":   ep.Name(),
				"method": method,
				"error":  err.Error(),
			})
			continue
		}
		sent++
	}
	return sent
}

// Close disconnects every peer and waits for their handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	peers := s.Peers()
	for _, ep := range peers {
		_ = ep.Close()
	}
	for _, ep := range peers {
		ep.Wait()
	}
	return nil
}
