// Package service wires the transfer pipeline to the RPC server: it is
// the background process's explicit context object, holding the chunk
// store, the coordinator and the peer connections, with the handlers
// every peer can call.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/circuitd/adapter"
	"github.com/pithecene-io/circuitd/chunkstore"
	"github.com/pithecene-io/circuitd/clock"
	"github.com/pithecene-io/circuitd/fetch"
	"github.com/pithecene-io/circuitd/ipc"
	"github.com/pithecene-io/circuitd/log"
	"github.com/pithecene-io/circuitd/metrics"
	"github.com/pithecene-io/circuitd/rpc"
	"github.com/pithecene-io/circuitd/transfer"
	"github.com/pithecene-io/circuitd/types"
)

// DefaultConfirmTimeout bounds a confirmation round trip with the UI.
const DefaultConfirmTimeout = 30 * time.Second

// broadcastTimeout bounds one event fan-out to the peers.
const broadcastTimeout = 5 * time.Second

// Options configures a Service.
type Options struct {
	// Store holds fetched chunks (required). The service closes it.
	Store chunkstore.Store
	// Source reads remote artifacts (required).
	Source fetch.Source
	// Fetch sets the retry policy of every loader's fetcher.
	Fetch fetch.Options
	// TTL of stored chunks (default 24h).
	TTL time.Duration
	// Adapter receives transfer events besides the RPC peers. The
	// service closes it. May be nil.
	Adapter        adapter.Adapter
	ConfirmTimeout time.Duration
	Clock          clock.Clock
	Logger         *log.Logger
	Metrics        *metrics.Collector
}

// Service is the background process.
type Service struct {
	store   chunkstore.Store
	adapter adapter.Adapter
	coord   *transfer.Coordinator
	server  *rpc.Server
	mux     *rpc.Mux

	confirmTimeout time.Duration
	logger         *log.Logger
	metrics        *metrics.Collector

	mu sync.Mutex
	ui *rpc.Endpoint

	closeOnce sync.Once
	closeErr  error
}

// New builds a service. Nothing is served until Serve or Attach.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("service requires a chunk store")
	}
	if opts.Source == nil {
		return nil, errors.New("service requires a fetch source")
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	fopts := opts.Fetch
	fopts.Clock = opts.Clock

	s := &Service{
		store:          opts.Store,
		adapter:        opts.Adapter,
		mux:            rpc.NewMux(),
		confirmTimeout: opts.ConfirmTimeout,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
	}
	s.server = rpc.NewServer(s.mux, rpc.ServerOptions{
		OnEvent: s.onEvent,
		Logger:  opts.Logger.Named("rpc"),
		Metrics: opts.Metrics,
	})

	sinks := adapter.Multi{adapter.Func(s.broadcastTransfer)}
	if opts.Adapter != nil {
		sinks = append(sinks, opts.Adapter)
	}
	s.coord = transfer.New(
		transfer.NewLoaderFunc(opts.Store, opts.Source, fopts, opts.TTL),
		transfer.Options{
			Adapter: sinks,
			Clock:   opts.Clock,
			Logger:  opts.Logger.Named("transfer"),
			Metrics: opts.Metrics,
		},
	)

	s.routes()
	return s, nil
}

// Mux returns the method table served to peers.
func (s *Service) Mux() *rpc.Mux { return s.mux }

// Coordinator returns the transfer coordinator.
func (s *Service) Coordinator() *transfer.Coordinator { return s.coord }

// Serve accepts peers from ln until ctx ends.
func (s *Service) Serve(ctx context.Context, ln rpc.Listener) error {
	return s.server.Serve(ctx, ln)
}

// Attach serves a single connection.
func (s *Service) Attach(conn rpc.Conn) *rpc.Endpoint {
	return s.server.Attach(conn)
}

// Register starts transfers for circuits known at startup.
func (s *Service) Register(circuits ...types.Circuit) error {
	var errs []error
	for _, c := range circuits {
		if _, err := s.start(c); err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) start(c types.Circuit) (bool, error) {
	return s.coord.Start(c, transfer.Callbacks{
		OnFinish: func(c types.Circuit) {
			s.logger.Info("circuit ready", map[string]any{"circuit": c.Name})
		},
	})
}

// Broadcast sends a named event to every peer.
func (s *Service) Broadcast(ctx context.Context, name string, args any) int {
	return s.server.Broadcast(ctx, types.EventMethod, types.Broadcast{Name: name, Args: args})
}

func (s *Service) broadcastTransfer(ctx context.Context, e *adapter.TransferEvent) error {
	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()
	s.Broadcast(ctx, string(e.EventType), e)
	return nil
}

// onEvent rebroadcasts events from one peer to all peers.
func (s *Service) onEvent(_ context.Context, from *rpc.Endpoint, method string, data msgpack.RawMessage) {
	if method != types.EventMethod {
		s.logger.Debug("ignoring event", map[string]any{"method": method, "peer": from.Name()})
		return
	}
	var b types.Broadcast
	if err := ipc.UnmarshalData(data, &b); err != nil {
		s.logger.Warn("undecodable event", map[string]any{"peer": from.Name(), "error": err.Error()})
		return
	}
	// The read loop must not block on a slow peer.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
		defer cancel()
		s.Broadcast(ctx, b.Name, b.Args)
	}()
}

// UI returns the registered confirmation surface, if it is still connected.
func (s *Service) UI() (*rpc.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ui == nil {
		return nil, false
	}
	select {
	case <-s.ui.Done():
		s.ui = nil
		return nil, false
	default:
		return s.ui, true
	}
}

func (s *Service) setUI(ep *rpc.Endpoint) {
	s.mu.Lock()
	s.ui = ep
	s.mu.Unlock()
}

// Close stops serving, cancels running transfers and closes the store
// and adapters.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.server.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.coord.Close(); err != nil {
			errs = append(errs, err)
		}
		if s.adapter != nil {
			if err := s.adapter.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close adapter: %w", err))
			}
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
