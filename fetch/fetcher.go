package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/pithecene-io/circuitd/clock"
	"github.com/pithecene-io/circuitd/log"
	"github.com/pithecene-io/circuitd/metrics"
)

// DefaultRetryBackoff is the fixed delay between range attempts.
const DefaultRetryBackoff = 500 * time.Millisecond

// Options configures a Fetcher.
type Options struct {
	// RetryBackoff between failed range attempts (default 500ms).
	RetryBackoff time.Duration
	// MaxAttempts bounds range attempts; 0 retries until cancelled.
	MaxAttempts int
	Clock       clock.Clock
	Logger      *log.Logger
	Metrics     *metrics.Collector
}

// Fetcher applies retry and cancellation policy over a Source.
// A Fetcher belongs to one loader; Cancel affects only its own fetches.
type Fetcher struct {
	source  Source
	backoff time.Duration
	max     int
	clock   clock.Clock
	logger  *log.Logger
	metrics *metrics.Collector

	base   context.Context
	cancel context.CancelFunc
}

// New returns a Fetcher over source.
func New(source Source, opts Options) *Fetcher {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	base, cancel := context.WithCancel(context.Background())
	return &Fetcher{
		source:  source,
		backoff: opts.RetryBackoff,
		max:     opts.MaxAttempts,
		clock:   clock.OrReal(opts.Clock),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		base:    base,
		cancel:  cancel,
	}
}

// Cancel permanently cancels the fetcher. In-flight and future calls
// return ErrCancelled.
func (f *Fetcher) Cancel() { f.cancel() }

// Cancelled reports whether Cancel was called.
func (f *Fetcher) Cancelled() bool { return f.base.Err() != nil }

// bind derives a context that is also cancelled by Cancel.
func (f *Fetcher) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(f.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// HeadSize returns the object size. Failures are not retried.
func (f *Fetcher) HeadSize(ctx context.Context, url string) (int64, error) {
	ctx, done := f.bind(ctx)
	defer done()
	if ctx.Err() != nil {
		return 0, ErrCancelled
	}

	size, err := f.source.Size(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ErrCancelled
		}
		f.metrics.IncFetchFailure()
		return 0, fmt.Errorf("size of %s: %w", url, err)
	}
	return size, nil
}

// FetchRange returns bytes [start, end] of url, retrying the same range
// after the backoff on any failure that is not a cancellation.
func (f *Fetcher) FetchRange(ctx context.Context, url string, start, end int64) ([]byte, error) {
	ctx, done := f.bind(ctx)
	defer done()

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}

		data, err := f.source.Range(ctx, url, start, end)
		if err == nil {
			f.metrics.AddFetched(len(data))
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		if f.max > 0 && attempt >= f.max {
			f.metrics.IncFetchFailure()
			return nil, &TransientError{URL: url, Start: start, End: end, Attempts: attempt, Err: err}
		}

		f.metrics.IncFetchRetry()
		f.logger.Warn("range fetch failed, retrying", map[string]any{
			"url":     url,
			"start":   start,
			"end":     end,
			"attempt": attempt,
			"backoff": f.backoff.String(),
			"error":   err.Error(),
		})

		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-f.clock.After(f.backoff):
		}
	}
}
