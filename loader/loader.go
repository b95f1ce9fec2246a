// Package loader assembles remote artifacts from cached or freshly
// fetched chunks.
//
// A Loader walks its artifact's chunk plan strictly in order. Each chunk
// is served from the chunk store when a live copy exists and fetched
// (then stored) otherwise, so a repeated or resumed transfer only pays
// for what is missing. Results are delivered whole (LoadWhole), as a
// backpressured stream (Stream), or not at all (Prefetch).
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/circuitd/chunkstore"
	"github.com/pithecene-io/circuitd/fetch"
	"github.com/pithecene-io/circuitd/log"
	"github.com/pithecene-io/circuitd/metrics"
	"github.com/pithecene-io/circuitd/types"
)

// DefaultTTL is how long a stored chunk stays valid.
const DefaultTTL = 24 * time.Hour

var (
	// ErrFaulted is returned by every operation on a loader that has faulted.
	ErrFaulted = errors.New("loader faulted")
	// ErrBusy is returned when a run is requested while another is active.
	ErrBusy = errors.New("loader busy")
)

// State is the loader lifecycle position.
type State int

const (
	StateIdle State = iota
	StatePlanning
	StateFilling
	StateComplete
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlanning:
		return "planning"
	case StateFilling:
		return "filling"
	case StateComplete:
		return "complete"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Chunk is one emitted piece of the artifact.
type Chunk struct {
	Index int
	Data  []byte
}

// Options configures a Loader.
type Options struct {
	// TTL of stored chunks (default 24h).
	TTL time.Duration
	// StreamBuffer is the channel capacity between the stream producer
	// and its consumer (default 1).
	StreamBuffer int
	// OnProgress receives the percentage complete after each chunk.
	OnProgress func(percent float64)
	// OnError receives the fault that ends a run.
	OnError func(err error)
	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Loader transfers one artifact version. Runs are serialized; a
// faulted loader stays faulted.
type Loader struct {
	desc    types.ArtifactDescriptor
	store   chunkstore.Store
	fetcher *fetch.Fetcher
	ttl     time.Duration
	buffer  int

	onProgress func(float64)
	onError    func(error)
	logger     *log.Logger
	metrics    *metrics.Collector

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	fault   error
	running bool
}

// New returns an idle loader for desc. The loader takes ownership of
// fetcher: Cancel cancels it.
func New(desc types.ArtifactDescriptor, store chunkstore.Store, fetcher *fetch.Fetcher, opts Options) *Loader {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &Loader{
		desc:       desc,
		store:      store,
		fetcher:    fetcher,
		ttl:        opts.TTL,
		buffer:     opts.StreamBuffer,
		onProgress: opts.OnProgress,
		onError:    opts.OnError,
		logger: opts.Logger.With(map[string]any{
			"url":     desc.URL,
			"version": desc.Version,
		}),
		metrics: opts.Metrics,
		base:    base,
		cancel:  cancel,
	}
}

// Descriptor returns the artifact this loader transfers.
func (l *Loader) Descriptor() types.ArtifactDescriptor { return l.desc }

// State returns the current lifecycle state.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the fault of a faulted loader, or nil.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fault
}

// Cancel stops every current and future run of this loader. A running
// stream ends with fetch.ErrCancelled.
func (l *Loader) Cancel() {
	l.cancel()
	l.fetcher.Cancel()
}

func (l *Loader) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Loader) faultedErr() error {
	return fmt.Errorf("%w: %v", ErrFaulted, l.fault)
}

// begin claims the loader for one run and returns a context that is
// also cancelled by Cancel.
func (l *Loader) begin(ctx context.Context) (context.Context, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateFaulted {
		return nil, nil, l.faultedErr()
	}
	if l.running {
		return nil, nil, ErrBusy
	}
	l.running = true

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(l.base, cancel)
	return ctx, func() {
		stop()
		cancel()
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}, nil
}

// fail ends a run. Cancel and genuine failures fault the loader; a
// cancelled caller context only returns it to idle.
func (l *Loader) fail(err error) error {
	if errors.Is(err, fetch.ErrCancelled) && l.base.Err() == nil {
		l.setState(StateIdle)
		return err
	}

	l.mu.Lock()
	l.state = StateFaulted
	l.fault = err
	l.mu.Unlock()

	l.logger.Error("transfer faulted", map[string]any{"error": err.Error()})
	l.metrics.IncTransferFaulted()
	if l.onError != nil {
		l.onError(err)
	}
	return err
}

func (l *Loader) progress(p float64) {
	if l.onProgress != nil {
		l.onProgress(p)
	}
}

// plan probes the size and reclaims chunks of other versions.
func (l *Loader) plan(ctx context.Context) (Plan, error) {
	l.setState(StatePlanning)

	size, err := l.fetcher.HeadSize(ctx, l.desc.URL)
	if err != nil {
		return Plan{}, err
	}
	plan := NewPlan(size, l.desc.EffectiveChunkSize())

	evicted, err := l.store.EvictStaleVersions(ctx, l.desc.URL, l.desc.Version)
	if err != nil {
		if ctx.Err() != nil {
			return Plan{}, fetch.ErrCancelled
		}
		l.logger.Warn("stale version eviction failed", map[string]any{"error": err.Error()})
	} else if evicted > 0 {
		l.metrics.AddStaleEvicted(evicted)
		l.logger.Info("evicted stale chunks", map[string]any{"count": evicted})
	}
	return plan, nil
}

// chunk returns chunk i from the store, fetching and storing it on a miss.
func (l *Loader) chunk(ctx context.Context, plan Plan, i int) ([]byte, error) {
	key := chunkstore.Key{URL: l.desc.URL, Version: l.desc.Version, Index: i}

	data, err := l.store.Get(ctx, key, l.ttl)
	switch {
	case err == nil:
		l.metrics.IncChunkCacheHit()
		return data, nil
	case ctx.Err() != nil:
		return nil, fetch.ErrCancelled
	case !errors.Is(err, chunkstore.ErrNotFound):
		return nil, fmt.Errorf("read chunk %d: %w", i, err)
	}

	l.metrics.IncChunkCacheMiss()
	start, end := plan.Range(i)
	data, err = l.fetcher.FetchRange(ctx, l.desc.URL, start, end)
	if err != nil {
		return nil, err
	}
	// A put that has started is allowed to finish after cancellation.
	if err := l.store.Put(context.WithoutCancel(ctx), key, data); err != nil {
		return nil, fmt.Errorf("store chunk %d: %w", i, err)
	}
	return data, nil
}

// errEmitStopped wraps a consumer-side stop so fill can tell it apart
// from transfer failures.
type errEmitStopped struct{ err error }

func (e errEmitStopped) Error() string { return e.err.Error() }
func (e errEmitStopped) Unwrap() error { return e.err }

// fill runs one full pass over the plan, handing each chunk to emit.
func (l *Loader) fill(ctx context.Context, emit func(Chunk) error) (Plan, error) {
	plan, err := l.plan(ctx)
	if err != nil {
		return Plan{}, l.fail(err)
	}

	l.setState(StateFilling)
	l.metrics.IncTransferStarted()
	l.logger.Debug("filling", map[string]any{
		"size":   plan.TotalSize,
		"chunks": plan.TotalChunks,
	})

	for i := range plan.TotalChunks {
		if ctx.Err() != nil {
			return plan, l.fail(fetch.ErrCancelled)
		}
		data, err := l.chunk(ctx, plan, i)
		if err != nil {
			return plan, l.fail(err)
		}
		if err := emit(Chunk{Index: i, Data: data}); err != nil {
			l.setState(StateIdle)
			return plan, errEmitStopped{err}
		}
		l.progress(plan.Progress(i + 1))
	}
	if plan.TotalChunks == 0 {
		l.progress(100)
	}

	l.setState(StateComplete)
	l.metrics.IncTransferCompleted()
	return plan, nil
}

// LoadWhole returns the assembled artifact.
func (l *Loader) LoadWhole(ctx context.Context) ([]byte, error) {
	ctx, done, err := l.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	var buf []byte
	_, err = l.fill(ctx, func(c Chunk) error {
		buf = append(buf, c.Data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if buf == nil {
		buf = []byte{}
	}
	return buf, nil
}

// Prefetch fills the store without assembling the artifact.
func (l *Loader) Prefetch(ctx context.Context) error {
	ctx, done, err := l.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	_, err = l.fill(ctx, func(Chunk) error { return nil })
	return err
}

// IsDownloaded reports whether every chunk of the current size is held
// in the store and within its TTL. Nothing is fetched.
func (l *Loader) IsDownloaded(ctx context.Context) (bool, error) {
	if l.State() == StateFaulted {
		return false, l.faultedErr()
	}

	size, err := l.fetcher.HeadSize(ctx, l.desc.URL)
	if err != nil {
		if l.onError != nil {
			l.onError(err)
		}
		return false, err
	}
	plan := NewPlan(size, l.desc.EffectiveChunkSize())

	for i := range plan.TotalChunks {
		key := chunkstore.Key{URL: l.desc.URL, Version: l.desc.Version, Index: i}
		if _, err := l.store.Get(ctx, key, l.ttl); err != nil {
			if errors.Is(err, chunkstore.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// Invalidate removes every stored chunk of this artifact, all versions.
func (l *Loader) Invalidate(ctx context.Context) error {
	n, err := l.store.EvictByPrefix(ctx, chunkstore.ArtifactPrefix(l.desc.URL))
	if err != nil {
		return fmt.Errorf("invalidate %s: %w", l.desc.URL, err)
	}
	l.logger.Info("invalidated", map[string]any{"count": n})
	return nil
}
