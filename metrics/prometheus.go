package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "circuitd"

// counterDef maps a Prometheus counter onto a Snapshot field.
type counterDef struct {
	name string
	help string
	read func(Snapshot) int64
}

var counterDefs = []counterDef{
	{"chunk_cache_hits_total", "Chunks served from the local store.", func(s Snapshot) int64 { return s.ChunkCacheHits }},
	{"chunk_cache_misses_total", "Chunks that had to be fetched.", func(s Snapshot) int64 { return s.ChunkCacheMisses }},
	{"chunk_stale_evicted_total", "Chunks evicted because a newer version was requested.", func(s Snapshot) int64 { return s.StaleEvicted }},
	{"fetch_chunks_total", "Successful range fetches.", func(s Snapshot) int64 { return s.ChunksFetched }},
	{"fetch_bytes_total", "Bytes received by range fetches.", func(s Snapshot) int64 { return s.BytesFetched }},
	{"fetch_retries_total", "Range fetch attempts that were retried.", func(s Snapshot) int64 { return s.FetchRetries }},
	{"fetch_failures_total", "Fetches that gave up.", func(s Snapshot) int64 { return s.FetchFailures }},
	{"transfers_started_total", "File transfers started.", func(s Snapshot) int64 { return s.TransfersStarted }},
	{"transfers_completed_total", "File transfers completed.", func(s Snapshot) int64 { return s.TransfersCompleted }},
	{"transfers_faulted_total", "File transfers that faulted.", func(s Snapshot) int64 { return s.TransfersFaulted }},
	{"rpc_calls_total", "Incoming RPC requests and stream opens.", func(s Snapshot) int64 { return s.RPCCalls }},
	{"rpc_no_handler_total", "RPC requests for unregistered methods.", func(s Snapshot) int64 { return s.RPCNoHandler }},
	{"rpc_streams_total", "RPC stream sessions opened.", func(s Snapshot) int64 { return s.RPCStreams }},
	{"rpc_decode_errors_total", "Undecodable RPC frames.", func(s Snapshot) int64 { return s.RPCDecodeErrors }},
}

// Register exposes every collector counter on reg as a CounterFunc.
func Register(reg prometheus.Registerer, c *Collector) error {
	labels := prometheus.Labels{"storage_backend": c.Snapshot().StorageBackend}
	for _, def := range counterDefs {
		read := def.read
		counter := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        def.name,
			Help:        def.help,
			ConstLabels: labels,
		}, func() float64 { return float64(read(c.Snapshot())) })
		if err := reg.Register(counter); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns an HTTP handler serving the collector in the
// Prometheus text format from a dedicated registry.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := Register(reg, c); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
