package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/circuitd/chunkstore"
	"github.com/pithecene-io/circuitd/clock"
	"github.com/pithecene-io/circuitd/fetch"
	"github.com/pithecene-io/circuitd/metrics"
	"github.com/pithecene-io/circuitd/types"
)

type artifactServer struct {
	*httptest.Server
	gets atomic.Int64
	// blockFrom makes range GETs starting at or after this offset hang
	// until the client gives up. Zero disables blocking.
	blockFrom atomic.Int64
	blocked   chan struct{}
	once      sync.Once
}

func newArtifactServer(t *testing.T, body []byte) *artifactServer {
	t.Helper()
	s := &artifactServer{blocked: make(chan struct{})}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			s.gets.Add(1)
			if from := s.blockFrom.Load(); from > 0 && rangeStart(r) >= from {
				s.once.Do(func() { close(s.blocked) })
				<-r.Context().Done()
				return
			}
		}
		http.ServeContent(w, r, "artifact", time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(s.Close)
	return s
}

func rangeStart(r *http.Request) int64 {
	var start int64
	_, _ = fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-", &start)
	return start
}

func body(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

type harness struct {
	store   *chunkstore.Cache
	backend *chunkstore.MemoryBackend
	clock   *clock.FakeClock
	metrics *metrics.Collector
	srv     *artifactServer
}

func newHarness(t *testing.T, content []byte) *harness {
	t.Helper()
	h := &harness{
		backend: chunkstore.NewMemoryBackend(),
		clock:   clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)),
		metrics: metrics.NewCollector("memory"),
		srv:     newArtifactServer(t, content),
	}
	h.store = chunkstore.New(h.backend, chunkstore.Options{Clock: h.clock})
	t.Cleanup(func() { _ = h.store.Close() })
	return h
}

func (h *harness) loader(version string, chunkSize int64, opts Options) *Loader {
	f := fetch.New(fetch.NewHTTPSource(h.srv.Client(), nil), fetch.Options{
		RetryBackoff: time.Millisecond,
		Metrics:      h.metrics,
	})
	opts.Metrics = h.metrics
	desc := types.ArtifactDescriptor{URL: h.srv.URL + "/auth.zkey", Version: version, ChunkSize: chunkSize}
	return New(desc, h.store, f, opts)
}

func TestLoader_LoadWholeProgress(t *testing.T) {
	content := body(2_500_000)
	h := newHarness(t, content)

	var progress []int
	l := h.loader("1", 1_000_000, Options{
		OnProgress: func(p float64) { progress = append(progress, int(math.Round(p))) },
	})

	got, err := l.LoadWhole(t.Context())
	if err != nil {
		t.Fatalf("LoadWhole: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("assembled content mismatch")
	}
	if want := []int{33, 67, 100}; !slices.Equal(progress, want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}
	if n := h.srv.gets.Load(); n != 3 {
		t.Errorf("range requests = %d, want 3", n)
	}
	if l.State() != StateComplete {
		t.Errorf("state = %v, want complete", l.State())
	}
}

func TestLoader_SecondRunServedFromStore(t *testing.T) {
	content := body(2_500_000)
	h := newHarness(t, content)

	if _, err := h.loader("1", 1_000_000, Options{}).LoadWhole(t.Context()); err != nil {
		t.Fatal(err)
	}
	before := h.srv.gets.Load()

	got, err := h.loader("1", 1_000_000, Options{}).LoadWhole(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Error("content mismatch on second run")
	}
	if n := h.srv.gets.Load() - before; n != 0 {
		t.Errorf("second run issued %d range requests, want 0", n)
	}
	if s := h.metrics.Snapshot(); s.ChunkCacheHits != 3 || s.ChunkCacheMisses != 3 {
		t.Errorf("hits/misses = %d/%d, want 3/3", s.ChunkCacheHits, s.ChunkCacheMisses)
	}
}

func TestLoader_CompleteLoaderReruns(t *testing.T) {
	h := newHarness(t, body(5_000))
	l := h.loader("1", 2_000, Options{})
	for i := range 2 {
		if _, err := l.LoadWhole(t.Context()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if n := h.srv.gets.Load(); n != 3 {
		t.Errorf("range requests = %d, want 3", n)
	}
}

func TestLoader_VersionBumpEvictsStale(t *testing.T) {
	h := newHarness(t, body(2_500_000))
	old := h.loader("1", 1_000_000, Options{})
	if err := old.Prefetch(t.Context()); err != nil {
		t.Fatal(err)
	}

	if err := h.loader("2", 1_000_000, Options{}).Prefetch(t.Context()); err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		key := chunkstore.Key{URL: old.Descriptor().URL, Version: "1", Index: i}
		if _, err := h.store.Get(t.Context(), key, 0); !errors.Is(err, chunkstore.ErrNotFound) {
			t.Errorf("v1 chunk %d survived version bump: %v", i, err)
		}
	}
	if h.backend.Len() != 3 {
		t.Errorf("store holds %d chunks, want 3", h.backend.Len())
	}
	if n := h.srv.gets.Load(); n != 6 {
		t.Errorf("range requests = %d, want 6", n)
	}
	if h.metrics.Snapshot().StaleEvicted != 3 {
		t.Errorf("StaleEvicted = %d, want 3", h.metrics.Snapshot().StaleEvicted)
	}
}

func TestLoader_StreamOrderAndEOF(t *testing.T) {
	content := body(2_500_000)
	h := newHarness(t, content)
	l := h.loader("1", 1_000_000, Options{})

	s, err := l.Stream(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var assembled []byte
	for want := 0; ; want++ {
		c, err := s.Next(t.Context())
		if errors.Is(err, io.EOF) {
			if want != 3 {
				t.Fatalf("EOF after %d chunks, want 3", want)
			}
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if c.Index != want {
			t.Fatalf("chunk index = %d, want %d", c.Index, want)
		}
		assembled = append(assembled, c.Data...)
	}
	if !bytes.Equal(assembled, content) {
		t.Error("streamed content mismatch")
	}
	if _, err := s.Next(t.Context()); !errors.Is(err, io.EOF) {
		t.Errorf("Next after EOF = %v, want io.EOF", err)
	}
}

func TestLoader_CancelMidStream(t *testing.T) {
	h := newHarness(t, body(3_000))
	h.srv.blockFrom.Store(1_000)

	var faults []error
	l := h.loader("1", 1_000, Options{OnError: func(err error) { faults = append(faults, err) }})

	s, err := l.Stream(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if c, err := s.Next(t.Context()); err != nil || c.Index != 0 {
		t.Fatalf("first chunk = %d, %v", c.Index, err)
	}
	<-h.srv.blocked
	l.Cancel()

	if _, err := s.Next(t.Context()); !errors.Is(err, fetch.ErrCancelled) {
		t.Fatalf("Next after Cancel = %v, want ErrCancelled", err)
	}
	if l.State() != StateFaulted {
		t.Errorf("state = %v, want faulted", l.State())
	}
	if _, err := l.LoadWhole(t.Context()); !errors.Is(err, ErrFaulted) {
		t.Errorf("LoadWhole after Cancel = %v, want ErrFaulted", err)
	}
	if len(faults) != 1 || !errors.Is(faults[0], fetch.ErrCancelled) {
		t.Errorf("OnError calls = %v", faults)
	}
}

func TestLoader_ConsumerCloseReturnsToIdle(t *testing.T) {
	h := newHarness(t, body(3_000))
	h.srv.blockFrom.Store(1_000)
	l := h.loader("1", 1_000, Options{})

	s, err := l.Stream(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Next(t.Context()); err != nil {
		t.Fatal(err)
	}
	<-h.srv.blocked
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if l.State() == StateFaulted {
		t.Fatalf("consumer close faulted the loader: %v", l.Err())
	}

	h.srv.blockFrom.Store(0)
	if _, err := l.LoadWhole(t.Context()); err != nil {
		t.Errorf("rerun after consumer close: %v", err)
	}
}

func TestLoader_BusyWhileStreaming(t *testing.T) {
	h := newHarness(t, body(3_000))
	h.srv.blockFrom.Store(1)
	l := h.loader("1", 1_000, Options{})

	s, err := l.Stream(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	<-h.srv.blocked

	if _, err := l.LoadWhole(t.Context()); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent LoadWhole = %v, want ErrBusy", err)
	}
}

func TestLoader_EmptyFile(t *testing.T) {
	h := newHarness(t, []byte{})
	var progress []float64
	l := h.loader("1", 1_000, Options{OnProgress: func(p float64) { progress = append(progress, p) }})

	got, err := l.LoadWhole(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
	if len(progress) != 1 || progress[0] != 100 {
		t.Errorf("progress = %v, want [100]", progress)
	}
	if h.srv.gets.Load() != 0 {
		t.Errorf("empty file issued %d range requests", h.srv.gets.Load())
	}
}

func TestLoader_SizeFailureFaults(t *testing.T) {
	h := newHarness(t, body(10))
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()

	var faults int
	f := fetch.New(fetch.NewHTTPSource(missing.Client(), nil), fetch.Options{})
	desc := types.ArtifactDescriptor{URL: missing.URL + "/gone.wasm", Version: "1"}
	l := New(desc, h.store, f, Options{OnError: func(error) { faults++ }})

	_, err := l.LoadWhole(t.Context())
	var se *fetch.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("LoadWhole = %v, want StatusError 404", err)
	}
	if faults != 1 {
		t.Errorf("OnError called %d times, want 1", faults)
	}
	if _, err := l.Stream(t.Context()); !errors.Is(err, ErrFaulted) {
		t.Errorf("Stream after fault = %v, want ErrFaulted", err)
	}
	if err := l.Prefetch(t.Context()); !errors.Is(err, ErrFaulted) {
		t.Errorf("Prefetch after fault = %v, want ErrFaulted", err)
	}
}

func TestLoader_IsDownloadedAndInvalidate(t *testing.T) {
	h := newHarness(t, body(2_500))
	l := h.loader("1", 1_000, Options{TTL: time.Hour})

	if ok, err := l.IsDownloaded(t.Context()); err != nil || ok {
		t.Fatalf("IsDownloaded before fill = %v, %v", ok, err)
	}
	if err := l.Prefetch(t.Context()); err != nil {
		t.Fatal(err)
	}
	gets := h.srv.gets.Load()
	if ok, err := l.IsDownloaded(t.Context()); err != nil || !ok {
		t.Fatalf("IsDownloaded after fill = %v, %v", ok, err)
	}
	if h.srv.gets.Load() != gets {
		t.Error("IsDownloaded must not fetch")
	}

	if err := l.Invalidate(t.Context()); err != nil {
		t.Fatal(err)
	}
	if ok, _ := l.IsDownloaded(t.Context()); ok {
		t.Error("IsDownloaded after Invalidate = true")
	}
}

func TestLoader_ExpiredChunksRefetched(t *testing.T) {
	h := newHarness(t, body(2_500))
	l := h.loader("1", 1_000, Options{TTL: time.Hour})
	if err := l.Prefetch(t.Context()); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(time.Hour + time.Second)
	if ok, _ := l.IsDownloaded(t.Context()); ok {
		t.Fatal("expired chunks reported as downloaded")
	}
	if err := l.Prefetch(t.Context()); err != nil {
		t.Fatal(err)
	}
	if n := h.srv.gets.Load(); n != 6 {
		t.Errorf("range requests = %d, want 6", n)
	}
}
