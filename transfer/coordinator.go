package transfer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pithecene-io/circuitd/adapter"
	"github.com/pithecene-io/circuitd/chunkstore"
	"github.com/pithecene-io/circuitd/clock"
	"github.com/pithecene-io/circuitd/fetch"
	"github.com/pithecene-io/circuitd/loader"
	"github.com/pithecene-io/circuitd/log"
	"github.com/pithecene-io/circuitd/metrics"
	"github.com/pithecene-io/circuitd/types"
)

// ErrUnknownCircuit is returned for names the registry does not hold.
var ErrUnknownCircuit = errors.New("unknown circuit")

// DefaultPublishTimeout bounds one adapter publish.
const DefaultPublishTimeout = 10 * time.Second

// eventQueue is the capacity of the publish queue. Progress events are
// dropped when it is full; terminal events wait.
const eventQueue = 256

// files lists the two companion files in launch order.
var files = [2]types.FileKind{types.FileZKey, types.FileWasm}

func fileIndex(kind types.FileKind) int {
	if kind == types.FileWasm {
		return 1
	}
	return 0
}

// FileError is a fault of one companion file of a circuit.
type FileError struct {
	Circuit string
	File    types.FileKind
	Err     error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("circuit %s %s: %v", e.Circuit, e.File, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// LoaderFunc builds a fresh loader for one artifact.
type LoaderFunc func(desc types.ArtifactDescriptor, opts loader.Options) *loader.Loader

// NewLoaderFunc returns a LoaderFunc that gives every loader its own
// fetcher over src, sharing store.
func NewLoaderFunc(store chunkstore.Store, src fetch.Source, fopts fetch.Options, ttl time.Duration) LoaderFunc {
	return func(desc types.ArtifactDescriptor, opts loader.Options) *loader.Loader {
		if opts.TTL <= 0 {
			opts.TTL = ttl
		}
		fo := fopts
		fo.Logger, fo.Metrics = opts.Logger, opts.Metrics
		return loader.New(desc, store, fetch.New(src, fo), opts)
	}
}

// Options configures a Coordinator.
type Options struct {
	// Registry receives circuit state. Nil creates one.
	Registry *Registry
	// Adapter receives every transfer event. May be nil.
	Adapter        adapter.Adapter
	PublishTimeout time.Duration
	Clock          clock.Clock
	Logger         *log.Logger
	Metrics        *metrics.Collector
}

// Callbacks are optional hooks for one Start.
type Callbacks struct {
	// OnFinish fires once, after both files reach 100%.
	OnFinish func(types.Circuit)
	// OnError fires for each file fault with a *FileError.
	OnError func(error)
}

// run is one launch of a circuit's two loaders.
type run struct {
	name    string
	ctx     context.Context
	cancel  context.CancelFunc
	loaders [2]*loader.Loader
	cb      Callbacks

	// Guarded by Coordinator.mu.
	progress [2]int
	done     [2]bool
	faulted  [2]bool
	finished bool
}

func (r *run) settled(i int) bool { return r.done[i] || r.faulted[i] }

func (r *run) loading() bool { return !r.settled(0) || !r.settled(1) }

// Coordinator drives circuit transfers and is the single writer of the
// registry.
type Coordinator struct {
	newLoader LoaderFunc
	registry  *Registry
	adapter   adapter.Adapter
	timeout   time.Duration
	clock     clock.Clock
	logger    *log.Logger
	metrics   *metrics.Collector

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events    chan *adapter.TransferEvent
	publisher sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// New returns a coordinator that builds loaders with newLoader.
func New(newLoader LoaderFunc, opts Options) *Coordinator {
	if opts.Registry == nil {
		opts.Registry = NewRegistry(opts.Clock)
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		newLoader: newLoader,
		registry:  opts.Registry,
		adapter:   opts.Adapter,
		timeout:   opts.PublishTimeout,
		clock:     clock.OrReal(opts.Clock),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		base:      base,
		cancel:    cancel,
		events:    make(chan *adapter.TransferEvent, eventQueue),
		runs:      make(map[string]*run),
	}
	c.publisher.Add(1)
	go c.publishLoop()
	return c
}

// Registry returns the registry the coordinator writes.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Start registers circuit and launches its two loaders. It returns false
// when the circuit is already known with the same versions. On a version
// change the previous run is cancelled and a new one launched.
func (c *Coordinator) Start(circuit types.Circuit, cb Callbacks) (bool, error) {
	if err := circuit.Validate(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, errors.New("coordinator closed")
	}

	registered, result := c.registry.Add(circuit)
	if result == Unchanged {
		return false, nil
	}
	if prev, ok := c.runs[circuit.Name]; ok {
		c.stop(prev)
		c.logger.Info("version changed, restarting transfer", map[string]any{
			"circuit":      circuit.Name,
			"zkey_version": circuit.ZKey.Version,
			"wasm_version": circuit.Wasm.Version,
		})
	}

	ctx, cancel := context.WithCancel(c.base)
	r := &run{name: circuit.Name, ctx: ctx, cancel: cancel, cb: cb}
	for i, kind := range files {
		r.loaders[i] = c.newLoader(registered.Descriptor(kind), loader.Options{
			OnProgress: func(p float64) { c.onProgress(r, kind, p) },
			Logger:     c.logger.With(map[string]any{"circuit": circuit.Name, "file": string(kind)}),
			Metrics:    c.metrics,
		})
	}
	c.runs[circuit.Name] = r

	for i, kind := range files {
		l := r.loaders[i]
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := l.Prefetch(ctx); err != nil {
				c.onFault(r, kind, err)
				return
			}
			c.onComplete(r, kind)
		}()
	}

	c.logger.Info("transfer started", map[string]any{"circuit": circuit.Name, "result": result.String()})
	return true, nil
}

func (c *Coordinator) stop(r *run) {
	r.cancel()
	for _, l := range r.loaders {
		l.Cancel()
	}
}

// current reports whether r is still the live run for its name.
// Caller holds c.mu.
func (c *Coordinator) current(r *run) bool {
	return c.runs[r.name] == r
}

// percent rounds p for display. Only a fully transferred file reads 100.
func percent(p float64) int {
	pct := int(math.Round(p))
	if pct >= 100 && p < 100 {
		return 99
	}
	return pct
}

func setProgress(s *types.TransferState, kind types.FileKind, pct int) {
	if kind == types.FileWasm {
		s.WasmProgress = pct
	} else {
		s.ZKeyProgress = pct
	}
}

func (c *Coordinator) onProgress(r *run, kind types.FileKind, p float64) {
	pct := percent(p)
	i := fileIndex(kind)

	c.mu.Lock()
	if !c.current(r) || r.settled(i) {
		c.mu.Unlock()
		return
	}
	r.progress[i] = pct
	loading := r.loading()
	state, ok := c.registry.updateState(r.name, func(s *types.TransferState) {
		setProgress(s, kind, pct)
		s.Loading = loading
	})
	c.mu.Unlock()
	if !ok {
		return
	}
	c.enqueue(c.event(types.EventTypeProgress, state, kind, pct, ""))
}

// onComplete records a loader that returned from Prefetch without error.
// The run finishes when both files have completed.
func (c *Coordinator) onComplete(r *run, kind types.FileKind) {
	i := fileIndex(kind)

	c.mu.Lock()
	if !c.current(r) {
		c.mu.Unlock()
		return
	}
	r.done[i] = true
	r.progress[i] = 100
	finish := !r.finished && r.done[0] && r.done[1]
	if finish {
		r.finished = true
	}
	loading := r.loading()
	state, ok := c.registry.updateState(r.name, func(s *types.TransferState) {
		setProgress(s, kind, 100)
		s.Loading = loading
	})
	c.mu.Unlock()
	if !ok || !finish {
		return
	}

	c.logger.Info("transfer finished", map[string]any{"circuit": r.name})
	c.enqueue(c.event(types.EventTypeFinished, state, "", 100, ""))
	if r.cb.OnFinish != nil {
		r.cb.OnFinish(state)
	}
}

func (c *Coordinator) onFault(r *run, kind types.FileKind, err error) {
	if errors.Is(err, fetch.ErrCancelled) && r.ctx.Err() != nil {
		// Superseded by a newer version or the coordinator closed.
		return
	}
	i := fileIndex(kind)

	c.mu.Lock()
	if !c.current(r) {
		c.mu.Unlock()
		return
	}
	r.faulted[i] = true
	loading := r.loading()
	state, ok := c.registry.updateState(r.name, func(s *types.TransferState) {
		s.LastError = err.Error()
		s.Loading = loading
	})
	c.mu.Unlock()
	if !ok {
		return
	}

	c.logger.Error("transfer fault", map[string]any{
		"circuit": r.name,
		"file":    string(kind),
		"error":   err.Error(),
	})
	c.enqueue(c.event(types.EventTypeError, state, kind, state.State.Progress(kind), err.Error()))
	if r.cb.OnError != nil {
		r.cb.OnError(&FileError{Circuit: r.name, File: kind, Err: err})
	}
}

func (c *Coordinator) event(t types.EventType, circuit types.Circuit, kind types.FileKind, progress int, msg string) *adapter.TransferEvent {
	return &adapter.TransferEvent{
		EventType: t,
		Circuit:   circuit.Name,
		File:      kind,
		Progress:  progress,
		Error:     msg,
		Timestamp: c.clock.Now().UTC().Format(time.RFC3339),
		State:     circuit.State,
	}
}

func (c *Coordinator) enqueue(e *adapter.TransferEvent) {
	if c.adapter == nil {
		return
	}
	if e.EventType.IsTerminal() || e.EventType == types.EventTypeError {
		select {
		case c.events <- e:
		case <-c.base.Done():
		}
		return
	}
	select {
	case c.events <- e:
	default:
		c.logger.Debug("event queue full, dropping progress", map[string]any{"circuit": e.Circuit})
	}
}

func (c *Coordinator) publishLoop() {
	defer c.publisher.Done()
	for e := range c.events {
		if c.adapter == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.base), c.timeout)
		if err := c.adapter.Publish(ctx, e); err != nil {
			c.logger.Warn("publish failed", map[string]any{
				"event":   string(e.EventType),
				"circuit": e.Circuit,
				"error":   err.Error(),
			})
		}
		cancel()
	}
}

// Loader returns a fresh loader for one file of a registered circuit.
// The caller owns it.
func (c *Coordinator) Loader(name string, kind types.FileKind, opts loader.Options) (*loader.Loader, error) {
	circuit, ok := c.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCircuit, name)
	}
	if opts.Logger == nil {
		opts.Logger = c.logger.With(map[string]any{"circuit": name, "file": string(kind)})
	}
	if opts.Metrics == nil {
		opts.Metrics = c.metrics
	}
	return c.newLoader(circuit.Descriptor(kind), opts), nil
}

// Running reports whether name has a transfer in progress.
func (c *Coordinator) Running(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[name]
	return ok && r.loading()
}

// Clear cancels every run and empties the registry.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	for name, r := range c.runs {
		c.stop(r)
		delete(c.runs, name)
	}
	c.registry.Clear()
	c.mu.Unlock()
}

// Close cancels every run, waits for the loaders to return and flushes
// queued events.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, r := range c.runs {
		c.stop(r)
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.cancel()
	close(c.events)
	c.publisher.Wait()
	return nil
}
