// Package metrics is the engine's metrics collector:
// per-batch, per-provider, and per-operation counters and timings, exported
// as Prometheus collectors so a host process can serve them, and summarized
// into plain tables for the diagnostic-snapshot port.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector owns one independent Prometheus registry plus the counters the
// engine records against it. A workspace's pkg/coreapi.Core owns exactly one
// Collector — an explicitly constructed instance, never a process global.
type Collector struct {
	registry *prometheus.Registry

	batchTotal    *prometheus.CounterVec
	batchItems    *prometheus.CounterVec
	batchFailures *prometheus.CounterVec

	providerRequests *prometheus.CounterVec
	providerErrors   *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec

	operationLatency *prometheus.HistogramVec

	parserFallbacks *prometheus.CounterVec

	mu       sync.Mutex
	snapshot snapshotState
}

// snapshotState mirrors the Prometheus counters in plain Go values so
// GetDiagnosticSnapshot can render a metrics table without depending on
// the Prometheus text-exposition format.
type snapshotState struct {
	batches          map[string]*batchStats
	providers        map[string]*providerStats
	operations       map[string]*operationStats
	parserFallbacks  map[string]int64
}

type batchStats struct {
	Batches  int64
	Items    int64
	Failures int64
}

type providerStats struct {
	Requests int64
	Errors   int64
	TotalMS  float64
}

type operationStats struct {
	Count   int64
	TotalMS float64
}

// New constructs a Collector with its own Prometheus registry (never the
// global default registry, so multiple workspace Collectors never collide).
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		batchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeindex_batches_total",
			Help: "Total adaptive-batch dispatches, by provider.",
		}, []string{"provider"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeindex_batch_items_total",
			Help: "Total items dispatched across all batches, by provider.",
		}, []string{"provider"}),
		batchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeindex_batch_failures_total",
			Help: "Batches that failed outright, by provider.",
		}, []string{"provider"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeindex_provider_requests_total",
			Help: "Requests issued to an embedding/graph provider.",
		}, []string{"provider"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeindex_provider_errors_total",
			Help: "Failed provider requests, by provider and error category.",
		}, []string{"provider", "category"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codeindex_provider_latency_seconds",
			Help:    "Provider request latency, by provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codeindex_operation_latency_seconds",
			Help:    "Duration of a named pipeline operation (scan, chunk, embed, index, search, ...).",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		parserFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeindex_parser_fallback_total",
			Help: "Times the parser degraded to line-aware chunking, by language.",
		}, []string{"language"}),
	}
	reg.MustRegister(
		c.batchTotal, c.batchItems, c.batchFailures,
		c.providerRequests, c.providerErrors, c.providerLatency,
		c.operationLatency, c.parserFallbacks,
	)
	c.snapshot = snapshotState{
		batches:         map[string]*batchStats{},
		providers:       map[string]*providerStats{},
		operations:      map[string]*operationStats{},
		parserFallbacks: map[string]int64{},
	}
	return c
}

// Registry exposes the Prometheus registry for an HTTP /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordBatch records one adaptive-batch dispatch to provider, covering
// items items, taking elapsed, with success indicating whether the batch
// completed without a fatal error.
func (c *Collector) RecordBatch(provider string, items int, success bool, elapsed time.Duration) {
	c.batchTotal.WithLabelValues(provider).Inc()
	c.batchItems.WithLabelValues(provider).Add(float64(items))
	if !success {
		c.batchFailures.WithLabelValues(provider).Inc()
	}
	c.providerLatency.WithLabelValues(provider).Observe(elapsed.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.statsFor(provider)
	s.Batches++
	s.Items += int64(items)
	if !success {
		s.Failures++
	}
}

// RecordProviderRequest records one call to an external provider (embedder,
// graph service) that is not itself part of a batch, such as a single graph
// query. category is the error category string, or "" on success.
func (c *Collector) RecordProviderRequest(provider string, elapsed time.Duration, category string) {
	c.providerRequests.WithLabelValues(provider).Inc()
	c.providerLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
	if category != "" {
		c.providerErrors.WithLabelValues(provider, category).Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.providerStatsFor(provider)
	p.Requests++
	p.TotalMS += float64(elapsed.Milliseconds())
	if category != "" {
		p.Errors++
	}
}

// RecordOperation records the duration of one named pipeline stage (scan,
// chunk, embed, index, search, graph_write, ...).
func (c *Collector) RecordOperation(operation string, elapsed time.Duration) {
	c.operationLatency.WithLabelValues(operation).Observe(elapsed.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.snapshot.operations[operation]
	if o == nil {
		o = &operationStats{}
		c.snapshot.operations[operation] = o
	}
	o.Count++
	o.TotalMS += float64(elapsed.Milliseconds())
}

// RecordParserFallback increments the fallback-to-line-chunking metric for
// language, so parser degradation is visible in the metrics table.
func (c *Collector) RecordParserFallback(language string) {
	if language == "" {
		language = "unknown"
	}
	c.parserFallbacks.WithLabelValues(language).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot.parserFallbacks[language]++
}

func (c *Collector) statsFor(provider string) *batchStats {
	s := c.snapshot.batches[provider]
	if s == nil {
		s = &batchStats{}
		c.snapshot.batches[provider] = s
	}
	return s
}

func (c *Collector) providerStatsFor(provider string) *providerStats {
	p := c.snapshot.providers[provider]
	if p == nil {
		p = &providerStats{}
		c.snapshot.providers[provider] = p
	}
	return p
}

// Snapshot is the plain-value rendering of every counter table, embedded
// into the diagnostic dump.
type Snapshot struct {
	Batches         map[string]BatchTable    `json:"batches"`
	Providers       map[string]ProviderTable `json:"providers"`
	Operations      map[string]OperationTable `json:"operations"`
	ParserFallbacks map[string]int64         `json:"parser_fallbacks"`
}

// BatchTable is one provider's batch counters.
type BatchTable struct {
	Batches  int64 `json:"batches"`
	Items    int64 `json:"items"`
	Failures int64 `json:"failures"`
}

// ProviderTable is one provider's request counters.
type ProviderTable struct {
	Requests  int64   `json:"requests"`
	Errors    int64   `json:"errors"`
	AvgMillis float64 `json:"avg_millis"`
}

// OperationTable is one operation's timing counters.
type OperationTable struct {
	Count     int64   `json:"count"`
	AvgMillis float64 `json:"avg_millis"`
}

// Snapshot renders every counter table into plain values.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Snapshot{
		Batches:         make(map[string]BatchTable, len(c.snapshot.batches)),
		Providers:       make(map[string]ProviderTable, len(c.snapshot.providers)),
		Operations:      make(map[string]OperationTable, len(c.snapshot.operations)),
		ParserFallbacks: make(map[string]int64, len(c.snapshot.parserFallbacks)),
	}
	for k, v := range c.snapshot.batches {
		out.Batches[k] = BatchTable{Batches: v.Batches, Items: v.Items, Failures: v.Failures}
	}
	for k, v := range c.snapshot.providers {
		avg := 0.0
		if v.Requests > 0 {
			avg = v.TotalMS / float64(v.Requests)
		}
		out.Providers[k] = ProviderTable{Requests: v.Requests, Errors: v.Errors, AvgMillis: avg}
	}
	for k, v := range c.snapshot.operations {
		avg := 0.0
		if v.Count > 0 {
			avg = v.TotalMS / float64(v.Count)
		}
		out.Operations[k] = OperationTable{Count: v.Count, AvgMillis: avg}
	}
	for k, v := range c.snapshot.parserFallbacks {
		out.ParserFallbacks[k] = v
	}
	return out
}
