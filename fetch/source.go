// Package fetch retrieves byte ranges of remote artifacts.
//
// A Source knows how to size and range-read one kind of URL (HTTP, S3).
// The Fetcher wraps a Source with the transfer pipeline's failure
// policy: size probes fail fast, range reads are retried after a fixed
// backoff, and cancellation is permanent.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
)

var (
	// ErrSizeUnknown is returned when a size probe yields no usable length.
	ErrSizeUnknown = errors.New("content-length header not found")
	// ErrCancelled is returned once a fetch was cancelled. It is never retried.
	ErrCancelled = errors.New("fetch cancelled")
	// ErrUnsupportedScheme is returned by Mux for URLs with no registered source.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	// ErrShortBody is returned when a range response carries fewer bytes
	// than requested.
	ErrShortBody = errors.New("short range body")
)

// Source sizes and range-reads remote objects.
type Source interface {
	// Size returns the total byte length of the object at url.
	Size(ctx context.Context, url string) (int64, error)
	// Range returns bytes [start, end] inclusive; the result is exactly
	// end-start+1 bytes long.
	Range(ctx context.Context, url string, start, end int64) ([]byte, error)
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// TransientError is returned when a bounded retry budget is exhausted.
type TransientError struct {
	URL        string
	Start, End int64
	Attempts   int
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("range %d-%d of %s failed after %d attempts: %v", e.Start, e.End, e.URL, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Mux dispatches to a Source by URL scheme.
type Mux struct {
	sources map[string]Source
}

var _ Source = (*Mux)(nil)

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{sources: make(map[string]Source)}
}

// Handle registers src for each scheme.
func (m *Mux) Handle(src Source, schemes ...string) {
	for _, s := range schemes {
		m.sources[s] = src
	}
}

func (m *Mux) route(rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", rawURL, err)
	}
	src, ok := m.sources[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return src, nil
}

// Size implements Source.
func (m *Mux) Size(ctx context.Context, rawURL string) (int64, error) {
	src, err := m.route(rawURL)
	if err != nil {
		return 0, err
	}
	return src.Size(ctx, rawURL)
}

// Range implements Source.
func (m *Mux) Range(ctx context.Context, rawURL string, start, end int64) ([]byte, error) {
	src, err := m.route(rawURL)
	if err != nil {
		return nil, err
	}
	return src.Range(ctx, rawURL, start, end)
}

// readExact reads exactly n bytes from r.
func readExact(r io.Reader, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if got, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, got, n)
	}
	return buf, nil
}
