package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/pithecene-io/circuitd/iox"
)

// HTTPSource reads objects over HTTP(S) using HEAD for size and
// Range GETs for content.
type HTTPSource struct {
	client  *http.Client
	headers map[string]string
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource returns a source using client (http.DefaultClient when
// nil). headers are added to every request.
func NewHTTPSource(client *http.Client, headers map[string]string) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{client: client, headers: headers}
}

func (s *HTTPSource) do(ctx context.Context, method, url string, hdr map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	return resp, nil
}

// Size issues a HEAD request and reads Content-Length.
func (s *HTTPSource) Size(ctx context.Context, url string) (int64, error) {
	resp, err := s.do(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	defer iox.DrainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &StatusError{URL: url, Code: resp.StatusCode}
	}
	raw := resp.Header.Get("Content-Length")
	if raw == "" {
		return 0, ErrSizeUnknown
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: invalid value %q", ErrSizeUnknown, raw)
	}
	return size, nil
}

// Range issues a GET with a Range header. A 200 response from a server
// that ignores ranges is sliced locally.
func (s *HTTPSource) Range(ctx context.Context, url string, start, end int64) ([]byte, error) {
	resp, err := s.do(ctx, http.MethodGet, url, map[string]string{
		"Range": fmt.Sprintf("bytes=%d-%d", start, end),
	})
	if err != nil {
		return nil, err
	}
	defer iox.DrainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return readExact(resp.Body, end-start+1)
	case http.StatusOK:
		if _, err := io.CopyN(io.Discard, resp.Body, start); err != nil {
			return nil, fmt.Errorf("%w: body ends before offset %d", ErrShortBody, start)
		}
		return readExact(resp.Body, end-start+1)
	default:
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
}
