package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codeindex-engine/core/internal/embed"
	"github.com/codeindex-engine/core/internal/graph"
	"github.com/codeindex-engine/core/internal/hybrid"
	"github.com/codeindex-engine/core/internal/orchestrator"
	"github.com/codeindex-engine/core/internal/queryanalyzer"
	"github.com/codeindex-engine/core/internal/store"
	"github.com/codeindex-engine/core/internal/telemetry"
)

// Engine is the store-facing search layer: it owns the BM25 index, the
// vector store, the embedder, and the metadata store, and routes every
// query through the search orchestrator — intent classification picks
// the backends and weights, hybrid fusion combines vector and BM25
// candidates, and graph intents dispatch to the graph service when one
// is attached. The engine itself only adds what the orchestrator cannot
// know: chunk hydration, store-level filters, and the write path.
type Engine struct {
	bm25     store.BM25Index
	vector   store.VectorStore
	embedder embed.Embedder
	metadata store.MetadataStore
	config   EngineConfig

	searcher *orchestrator.Searcher
	graphSvc graph.Service
	metrics  *telemetry.QueryMetrics
	mu       sync.RWMutex
}

// Ensure Engine implements SearchEngine interface.
var _ SearchEngine = (*Engine)(nil)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// ErrDimensionMismatch is returned when query embedding dimension doesn't match index dimension.
// QW-5: Clear error message when embedder changed (e.g., Ollama -> Static768 fallback).
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Qwen3QueryInstruction is the instruction prefix for Qwen3 embedding queries.
// Per Qwen3 documentation: queries require instruction prefix for optimal retrieval.
// Documents are embedded without instruction; queries need task-specific prefix.
// See: https://huggingface.co/Qwen/Qwen3-Embedding-0.6B
const Qwen3QueryInstruction = "Instruct: Given a code search query, retrieve relevant code snippets that answer the query\nQuery:"

// formatQueryForEmbedding formats a query with Qwen3 instruction prefix.
// This improves retrieval by 1-5% according to Qwen3 documentation.
func formatQueryForEmbedding(query string) string {
	return Qwen3QueryInstruction + query
}

// queryEmbedder prefixes the Qwen3 query instruction onto single-text
// embeds (queries) while leaving batch embeds (documents) untouched.
type queryEmbedder struct {
	embed.Embedder
}

func (q queryEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return q.Embedder.Embed(ctx, formatQueryForEmbedding(text))
}

// EngineOption configures the search engine.
type EngineOption func(*Engine)

// WithMetrics sets an optional query metrics collector for telemetry.
// When set, query patterns, latency, and zero-result queries are tracked.
func WithMetrics(m *telemetry.QueryMetrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithGraph attaches a graph service; graph-intent queries (callers,
// callees, dependencies, impact) then dispatch to it. Without one those
// intents degrade to hybrid-only results.
func WithGraph(svc graph.Service) EngineOption {
	return func(e *Engine) {
		e.graphSvc = svc
	}
}

// NewEngine creates a new hybrid search engine with the given dependencies.
// Returns an error if any required dependency is nil.
// This is the preferred constructor - use this instead of New.
func NewEngine(
	bm25 store.BM25Index,
	vector store.VectorStore,
	embedder embed.Embedder,
	metadata store.MetadataStore,
	config EngineConfig,
	opts ...EngineOption,
) (*Engine, error) {
	if bm25 == nil {
		return nil, fmt.Errorf("%w: bm25 index is required", ErrNilDependency)
	}
	if vector == nil {
		return nil, fmt.Errorf("%w: vector store is required", ErrNilDependency)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}
	if metadata == nil {
		return nil, fmt.Errorf("%w: metadata store is required", ErrNilDependency)
	}
	e := &Engine{
		bm25:     bm25,
		vector:   vector,
		embedder: embedder,
		metadata: metadata,
		config:   config,
	}
	for _, opt := range opts {
		opt(e)
	}

	hybridSvc := hybrid.New(
		hybrid.NewVectorStoreAdapter(vector, queryEmbedder{embedder}, metadata),
		hybrid.NewBM25StoreAdapter(bm25, metadata),
		hybrid.Config{
			Mode:         hybrid.ModeWeighted,
			VectorWeight: config.DefaultWeights.Semantic,
			BM25Weight:   config.DefaultWeights.BM25,
			RRFConstant:  config.RRFConstant,
		},
	)
	var graphBackend orchestrator.GraphSearcher
	if e.graphSvc != nil {
		graphBackend = e.graphSvc
	}
	e.searcher = orchestrator.New(hybridSvc, graphBackend, nil)

	return e, nil
}

// New creates a new hybrid search engine with the given dependencies.
// Deprecated: Use NewEngine instead. This function panics on nil dependencies.
func New(
	bm25 store.BM25Index,
	vector store.VectorStore,
	embedder embed.Embedder,
	metadata store.MetadataStore,
	config EngineConfig,
	opts ...EngineOption,
) *Engine {
	e, err := NewEngine(bm25, vector, embedder, metadata, config, opts...)
	if err != nil {
		panic("search.New: " + err.Error())
	}
	return e
}

// Orchestrator exposes the engine's search orchestrator so a host can
// drive the same instance through the coreapi port surface.
func (e *Engine) Orchestrator() *orchestrator.Searcher {
	return e.searcher
}

// Search classifies the query, dispatches the selected backends through
// the orchestrator, and hydrates the ranked IDs into full chunks.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]*SearchResult, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	opts = e.applyDefaults(opts)

	// FEAT-DIM1: Explicit BM25-only mode (user requested via --bm25-only flag)
	if opts.BM25Only {
		slog.Info("bm25_only mode enabled (user requested)")
		return e.bm25OnlySearch(ctx, query, opts, start, false)
	}

	// QW-5: Validate embedder dimensions match indexed dimensions
	if err := e.validateDimensions(ctx); err != nil {
		// FEAT-DIM1: Enhanced warning with recovery options
		slog.Warn("dimension mismatch detected, semantic search disabled",
			slog.String("error", err.Error()),
			slog.String("recovery_1", "indexctl reindex --force"),
			slog.String("recovery_2", "indexctl search --bm25-only"),
			slog.String("info", "indexctl index info"))
		return e.bm25OnlySearch(ctx, query, opts, start, true)
	}

	orchOpts := orchestrator.Options{MaxResults: opts.Limit * 2}
	if opts.Weights != nil {
		orchOpts.Weights = &queryanalyzer.Weights{
			Vector: opts.Weights.Semantic,
			BM25:   opts.Weights.BM25,
		}
	}

	ranked, meta, err := e.searcher.Search(ctx, query, orchOpts)
	if err != nil {
		return nil, err
	}

	results, err := e.hydrate(ctx, ranked)
	if err != nil {
		return nil, err
	}

	// Deprioritize test files unless the intent explicitly asked for them
	// (the orchestrator already filtered to test files in that case).
	if !meta.TestFilesOnly {
		results = ApplyTestFilePenalty(results)
		results = ApplyPathBoost(results)
	}

	filtered := ApplyFilters(results, opts)
	if len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	e.attachExplainData(filtered, query, opts, meta, false)
	e.recordMetrics(query, queryTypeForWeights(meta.Weights), len(filtered), time.Since(start))

	return filtered, nil
}

// bm25OnlySearch answers with the lexical backend alone: explicit
// --bm25-only mode, or degraded mode after a dimension mismatch.
func (e *Engine) bm25OnlySearch(ctx context.Context, query string, opts SearchOptions, start time.Time, dimMismatch bool) ([]*SearchResult, error) {
	hits, err := e.bm25.Search(ctx, query, opts.Limit*2)
	if err != nil {
		return nil, fmt.Errorf("BM25 search failed: %w", err)
	}

	// Min-max normalize raw BM25 scores into [0,1] so downstream
	// consumers see the same score scale as hybrid results.
	var minScore, maxScore float64
	for i, h := range hits {
		if i == 0 || h.Score < minScore {
			minScore = h.Score
		}
		if i == 0 || h.Score > maxScore {
			maxScore = h.Score
		}
	}
	span := maxScore - minScore

	ranked := make([]orchestrator.Result, 0, len(hits))
	for _, h := range hits {
		score := 1.0
		if span > 0 {
			score = (h.Score - minScore) / span
		}
		ranked = append(ranked, orchestrator.Result{ID: h.DocID, Score: score, BM25Score: h.Score})
	}

	results, err := e.hydrate(ctx, ranked)
	if err != nil {
		return nil, err
	}
	results = ApplyTestFilePenalty(results)
	results = ApplyPathBoost(results)

	filtered := ApplyFilters(results, opts)
	if len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	meta := orchestrator.Analysis{}
	meta.Weights = queryanalyzer.Weights{BM25: 1}
	e.attachExplainData(filtered, query, opts, meta, dimMismatch)
	e.recordMetrics(query, QueryTypeLexical, len(filtered), time.Since(start))
	return filtered, nil
}

// hydrate turns ranked IDs into SearchResults with full chunk data,
// batch-fetched in one metadata query. A graph hit whose segment has no
// stored chunk keeps its file path as a minimal synthesized chunk.
func (e *Engine) hydrate(ctx context.Context, ranked []orchestrator.Result) ([]*SearchResult, error) {
	if len(ranked) == 0 {
		return nil, nil
	}

	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.ID
	}
	chunks, err := e.metadata.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	results := make([]*SearchResult, 0, len(ranked))
	for _, r := range ranked {
		chunk := byID[r.ID]
		if chunk == nil {
			if r.FilePath == "" {
				continue
			}
			chunk = &store.Chunk{ID: r.ID, FilePath: r.FilePath}
		}
		results = append(results, &SearchResult{
			Chunk:       chunk,
			Score:       r.Score,
			BM25Score:   r.BM25Score,
			VecScore:    r.VectorScore,
			InBothLists: r.BM25Score > 0 && r.VectorScore > 0,
		})
	}
	return results, nil
}

// attachExplainData populates ExplainData on the first result when opts.Explain is true.
// FEAT-UNIX3: Implements Unix Rule of Transparency for search debugging.
func (e *Engine) attachExplainData(results []*SearchResult, query string, opts SearchOptions, meta orchestrator.Analysis, dimMismatch bool) {
	if !opts.Explain || len(results) == 0 {
		return
	}

	var bm25Count, vecCount int
	for _, r := range results {
		if r.BM25Score > 0 {
			bm25Count++
		}
		if r.VecScore > 0 {
			vecCount++
		}
	}
	backends := make([]string, len(meta.UsedBackends))
	for i, b := range meta.UsedBackends {
		backends[i] = string(b)
	}

	results[0].Explain = &ExplainData{
		Query:             query,
		Intent:            string(meta.Intent),
		Backends:          backends,
		BM25ResultCount:   bm25Count,
		VectorResultCount: vecCount,
		Weights: Weights{
			BM25:     meta.Weights.BM25,
			Semantic: meta.Weights.Vector,
		},
		RRFConstant:       e.config.RRFConstant,
		BM25Only:          opts.BM25Only,
		DimensionMismatch: dimMismatch,
	}
}

// recordMetrics records query telemetry if metrics collector is configured.
func (e *Engine) recordMetrics(query string, queryType QueryType, resultCount int, latency time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.Record(telemetry.QueryEvent{
		Query:       query,
		QueryType:   telemetry.QueryType(queryType),
		ResultCount: resultCount,
		Latency:     latency,
		Timestamp:   time.Now(),
	})
}

// queryTypeForWeights buckets an analysis's backend weights into the
// telemetry query types.
func queryTypeForWeights(w queryanalyzer.Weights) QueryType {
	switch {
	case w.BM25 > 0.6:
		return QueryTypeLexical
	case w.Vector > 0.6:
		return QueryTypeSemantic
	default:
		return QueryTypeMixed
	}
}

// Index adds chunks to both BM25 and vector indices.
func (e *Engine) Index(ctx context.Context, chunks []*store.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Prepare documents for BM25
	docs := make([]*store.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = &store.Document{
			ID:      c.ID,
			Content: c.Content,
		}
	}

	// Generate embeddings
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	embeddings, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("generate embeddings: %w", err)
	}

	// Index in BM25
	if err := e.bm25.Index(ctx, docs); err != nil {
		return fmt.Errorf("index in BM25: %w", err)
	}

	// Index in vector store
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}

	if err := e.vector.Add(ctx, ids, embeddings); err != nil {
		return fmt.Errorf("add vectors: %w", err)
	}

	// Save to metadata store
	if err := e.metadata.SaveChunks(ctx, chunks); err != nil {
		return fmt.Errorf("save chunks metadata: %w", err)
	}

	// Persist embeddings in SQLite for future compaction (BUG-024 fix)
	if err := e.metadata.SaveChunkEmbeddings(ctx, ids, embeddings, e.embedder.ModelName()); err != nil {
		// Log warning but don't fail - embeddings can be regenerated
		slog.Warn("failed to persist embeddings, compaction will require re-embedding",
			slog.String("error", err.Error()),
			slog.Int("count", len(ids)))
	}

	// QW-5: Store embedding dimension and model for mismatch detection
	if err := e.storeIndexEmbeddingInfo(ctx); err != nil {
		slog.Warn("failed to store index embedding info",
			slog.String("error", err.Error()))
	}

	return nil
}

// storeIndexEmbeddingInfo saves the current embedder's dimension and model to metadata.
// QW-5: This enables detection of dimension mismatch when embedder changes.
func (e *Engine) storeIndexEmbeddingInfo(ctx context.Context) error {
	dim := fmt.Sprintf("%d", e.embedder.Dimensions())
	model := e.embedder.ModelName()

	if err := e.metadata.SetState(ctx, store.StateKeyIndexDimension, dim); err != nil {
		return fmt.Errorf("failed to store index dimension: %w", err)
	}
	if err := e.metadata.SetState(ctx, store.StateKeyIndexModel, model); err != nil {
		return fmt.Errorf("failed to store index model: %w", err)
	}
	return nil
}

// validateDimensions checks if current embedder dimension matches indexed dimension.
// QW-5: Returns ErrDimensionMismatch if embedder changed (e.g., Ollama → Static768 fallback).
// Returns nil if no index dimension stored (first-time indexing) or dimensions match.
func (e *Engine) validateDimensions(ctx context.Context) error {
	storedDim, err := e.metadata.GetState(ctx, store.StateKeyIndexDimension)
	if err != nil || storedDim == "" {
		// No stored dimension - first time or legacy index, allow search
		return nil
	}

	var indexDim int
	if _, err := fmt.Sscanf(storedDim, "%d", &indexDim); err != nil {
		// Invalid stored dimension, allow search with warning
		slog.Warn("invalid stored index dimension", slog.String("value", storedDim))
		return nil
	}

	currentDim := e.embedder.Dimensions()
	if indexDim != currentDim {
		storedModel, _ := e.metadata.GetState(ctx, store.StateKeyIndexModel)
		currentModel := e.embedder.ModelName()
		return fmt.Errorf("%w: index has %d dimensions (%s), but current embedder has %d dimensions (%s). Run 'indexctl reindex --force' to rebuild with current embedder",
			ErrDimensionMismatch, indexDim, storedModel, currentDim, currentModel)
	}

	return nil
}

// Delete removes chunks from all indices and metadata.
func (e *Engine) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// BUG-023 fix: Use best-effort delete pattern.
	// Metadata is the source of truth - orphans in BM25/Vector are
	// harmless (filtered during hydration).

	var hasOrphans bool

	// Delete from BM25 (best effort - continue on error)
	if err := e.bm25.Delete(ctx, chunkIDs); err != nil {
		slog.Warn("BM25 delete failed, orphans will remain until compaction",
			slog.String("error", err.Error()),
			slog.Int("count", len(chunkIDs)))
		hasOrphans = true
	}

	// Delete from vector store (best effort - continue on error)
	if err := e.vector.Delete(ctx, chunkIDs); err != nil {
		slog.Warn("vector delete failed, orphans will remain until compaction",
			slog.String("error", err.Error()),
			slog.Int("count", len(chunkIDs)))
		hasOrphans = true
	}

	// Delete from metadata store (MUST succeed - source of truth)
	if err := e.metadata.DeleteChunks(ctx, chunkIDs); err != nil {
		return fmt.Errorf("delete chunks metadata: %w", err)
	}

	if hasOrphans {
		slog.Debug("delete completed with orphan remnants",
			slog.Int("chunks", len(chunkIDs)))
	}

	return nil
}

// Stats returns engine statistics.
func (e *Engine) Stats() *EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return &EngineStats{
		BM25Stats:   e.bm25.Stats(),
		VectorCount: e.vector.Count(),
	}
}

// Close releases all resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error

	if err := e.bm25.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := e.vector.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := e.metadata.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// applyDefaults fills in default values for search options.
func (e *Engine) applyDefaults(opts SearchOptions) SearchOptions {
	if opts.Limit <= 0 {
		opts.Limit = e.config.DefaultLimit
	}
	if opts.Limit > e.config.MaxLimit {
		opts.Limit = e.config.MaxLimit
	}

	if opts.Filter == "" {
		opts.Filter = "all"
	}

	return opts
}
