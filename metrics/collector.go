// Package metrics provides process-wide transfer and protocol counters.
//
// The Collector accumulates counters for the lifetime of the background
// process. It is a leaf package with no internal dependencies; the
// Prometheus exposition in prometheus.go reads it through Snapshot.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Chunk cache
	ChunkCacheHits   int64
	ChunkCacheMisses int64
	StaleEvicted     int64

	// Range fetcher
	ChunksFetched int64
	BytesFetched  int64
	FetchRetries  int64
	FetchFailures int64

	// Transfers (one per circuit file)
	TransfersStarted   int64
	TransfersCompleted int64
	TransfersFaulted   int64

	// RPC
	RPCCalls        int64
	RPCNoHandler    int64
	RPCStreams      int64
	RPCDecodeErrors int64

	// Dimensions (informational, set at construction)
	StorageBackend string
}

// Collector accumulates counters.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	chunkCacheHits   int64
	chunkCacheMisses int64
	staleEvicted     int64

	chunksFetched int64
	bytesFetched  int64
	fetchRetries  int64
	fetchFailures int64

	transfersStarted   int64
	transfersCompleted int64
	transfersFaulted   int64

	rpcCalls        int64
	rpcNoHandler    int64
	rpcStreams      int64
	rpcDecodeErrors int64

	storageBackend string
}

// NewCollector creates a Collector labelled with the chunk store backend.
func NewCollector(storageBackend string) *Collector {
	return &Collector{storageBackend: storageBackend}
}

// add must only be called on a non-nil receiver.
func (c *Collector) add(counter *int64, n int64) {
	c.mu.Lock()
	*counter += n
	c.mu.Unlock()
}

// --- Chunk cache ---

// IncChunkCacheHit records a chunk served from the store.
func (c *Collector) IncChunkCacheHit() {
	if c == nil {
		return
	}
	c.add(&c.chunkCacheHits, 1)
}

// IncChunkCacheMiss records a chunk that had to be fetched.
func (c *Collector) IncChunkCacheMiss() {
	if c == nil {
		return
	}
	c.add(&c.chunkCacheMisses, 1)
}

// AddStaleEvicted records chunks removed because their version was superseded.
func (c *Collector) AddStaleEvicted(n int) {
	if c == nil {
		return
	}
	c.add(&c.staleEvicted, int64(n))
}

// --- Range fetcher ---

// AddFetched records one successful range fetch of n bytes.
func (c *Collector) AddFetched(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.chunksFetched++
	c.bytesFetched += int64(n)
	c.mu.Unlock()
}

// IncFetchRetry records a failed attempt that will be retried.
func (c *Collector) IncFetchRetry() {
	if c == nil {
		return
	}
	c.add(&c.fetchRetries, 1)
}

// IncFetchFailure records a fetch that gave up (bounded retries exhausted
// or a size probe failure).
func (c *Collector) IncFetchFailure() {
	if c == nil {
		return
	}
	c.add(&c.fetchFailures, 1)
}

// --- Transfers ---

// IncTransferStarted records a file transfer start.
func (c *Collector) IncTransferStarted() {
	if c == nil {
		return
	}
	c.add(&c.transfersStarted, 1)
}

// IncTransferCompleted records a file transfer reaching 100%.
func (c *Collector) IncTransferCompleted() {
	if c == nil {
		return
	}
	c.add(&c.transfersCompleted, 1)
}

// IncTransferFaulted records a file transfer that faulted.
func (c *Collector) IncTransferFaulted() {
	if c == nil {
		return
	}
	c.add(&c.transfersFaulted, 1)
}

// --- RPC ---

// IncRPCCall records an incoming request or stream open.
func (c *Collector) IncRPCCall() {
	if c == nil {
		return
	}
	c.add(&c.rpcCalls, 1)
}

// IncRPCNoHandler records a request for an unregistered method.
func (c *Collector) IncRPCNoHandler() {
	if c == nil {
		return
	}
	c.add(&c.rpcNoHandler, 1)
}

// IncRPCStream records a stream session being opened.
func (c *Collector) IncRPCStream() {
	if c == nil {
		return
	}
	c.add(&c.rpcStreams, 1)
}

// IncRPCDecodeErrors records an undecodable wire frame.
func (c *Collector) IncRPCDecodeErrors() {
	if c == nil {
		return
	}
	c.add(&c.rpcDecodeErrors, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		ChunkCacheHits:   c.chunkCacheHits,
		ChunkCacheMisses: c.chunkCacheMisses,
		StaleEvicted:     c.staleEvicted,

		ChunksFetched: c.chunksFetched,
		BytesFetched:  c.bytesFetched,
		FetchRetries:  c.fetchRetries,
		FetchFailures: c.fetchFailures,

		TransfersStarted:   c.transfersStarted,
		TransfersCompleted: c.transfersCompleted,
		TransfersFaulted:   c.transfersFaulted,

		RPCCalls:        c.rpcCalls,
		RPCNoHandler:    c.rpcNoHandler,
		RPCStreams:      c.rpcStreams,
		RPCDecodeErrors: c.rpcDecodeErrors,

		StorageBackend: c.storageBackend,
	}
}
