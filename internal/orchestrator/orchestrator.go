// Package orchestrator implements the search orchestrator: it routes
// a free-form query through the Query Analyzer, dispatches the hybrid,
// graph, and LSP backends concurrently, then dedupes, boosts, filters,
// and ranks the merged result set.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/codeindex-engine/core/internal/graph"
	"github.com/codeindex-engine/core/internal/hybrid"
	"github.com/codeindex-engine/core/internal/queryanalyzer"
)

// Result is one ranked hit returned to the caller. VectorScore and
// BM25Score carry the fusion components for hybrid hits so callers can
// explain the ranking; both are zero for graph/LSP hits.
type Result struct {
	ID           string
	Score        float64
	VectorScore  float64
	BM25Score    float64
	FilePath     string
	Exports      []string
	UsedBackends []queryanalyzer.Backend
}

// hasExports reports whether this result's payload advertises at least
// one exported symbol.
func (r Result) hasExports() bool {
	return len(r.Exports) > 0
}

// testFilePatterns are the substrings a test-file path can carry.
var testFilePatterns = []string{".test.", ".spec.", "__tests__", "/test/", "/tests/"}

func isTestFile(path string) bool {
	lower := strings.ToLower(path)
	for _, p := range testFilePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Options lets a caller override the analyzer's backend/weight selection
// for one search call.
type Options struct {
	Backends        []queryanalyzer.Backend
	Weights         *queryanalyzer.Weights
	DirectoryPrefix string
	MaxResults      int
	MinScore        float64
}

// GraphSearcher is the narrow slice of graph.Service the orchestrator
// dispatches to, keyed off the analyzed intent.
type GraphSearcher interface {
	FindCallers(ctx context.Context, name string) ([]graph.ResultNode, error)
	FindCallees(ctx context.Context, name string) ([]graph.ResultNode, error)
	FindDependencies(ctx context.Context, name string) ([]graph.ResultNode, error)
	FindDependents(ctx context.Context, name string) ([]graph.ResultNode, error)
	FindImpactedNodes(ctx context.Context, name string, depth int) ([]graph.ResultNode, error)
}

// LSPSearcher is an optional third backend; the core treats LSP results
// as opaque annotations, so this interface is intentionally
// minimal.
type LSPSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// HybridSearcher is the vector+BM25 fusion backend the orchestrator
// dispatches to, with the analysis's renormalized vector/BM25 weights.
// *hybrid.Service implements it via SearchWithWeights; tests may
// substitute a fake that returns pre-fused scores directly.
type HybridSearcher interface {
	SearchWithWeights(ctx context.Context, query string, limit int, vectorWeight, bm25Weight float64) ([]hybrid.Result, error)
}

// Searcher is the Search Orchestrator. It owns no state beyond its
// backend handles — all index state lives in the hybrid/graph services
// it was constructed with.
type Searcher struct {
	hybrid HybridSearcher
	graph  GraphSearcher
	lsp    LSPSearcher
}

// New constructs a Searcher. graph and lsp may be nil when those
// backends are unavailable or disabled; their intents then yield empty
// results rather than errors.
func New(hybridSvc HybridSearcher, graphSvc GraphSearcher, lspSvc LSPSearcher) *Searcher {
	return &Searcher{hybrid: hybridSvc, graph: graphSvc, lsp: lspSvc}
}

// Analysis bundles the query analyzer's output alongside the backends
// and weights actually used (after option overrides), returned to the
// caller as metadata.
type Analysis struct {
	queryanalyzer.Analysis
	UsedBackends []queryanalyzer.Backend
}

// Search analyzes the query, dispatches the selected backends
// concurrently, and merges, enhances, and ranks their results.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) ([]Result, Analysis, error) {
	analysis := queryanalyzer.Analyze(query)

	backends := analysis.Backends
	if len(opts.Backends) > 0 {
		backends = opts.Backends
	}
	backendSet := make(map[queryanalyzer.Backend]bool, len(backends))
	for _, b := range backends {
		backendSet[b] = true
	}

	limit := opts.MaxResults
	if limit <= 0 {
		limit = 20
	}

	wantHybrid := backendSet[queryanalyzer.BackendVector] || backendSet[queryanalyzer.BackendBM25]
	wantGraph := backendSet[queryanalyzer.BackendGraph] && s.graph != nil
	wantLSP := backendSet[queryanalyzer.BackendLSP] && s.lsp != nil

	var hybridResults []hybrid.Result
	var graphResults []graph.ResultNode
	var lspResults []Result
	var hybridErr, graphErr, lspErr error

	weights := analysis.Weights
	if opts.Weights != nil {
		weights = *opts.Weights
	}
	// When only vector/BM25 run, their weights renormalize over (v,b) so
	// the fusion coefficients still sum to 1.
	vectorWeight, bm25Weight := renormalize(weights.Vector, weights.BM25)

	g, gctx := errgroup.WithContext(ctx)
	if wantHybrid && s.hybrid != nil {
		g.Go(func() error {
			hybridResults, hybridErr = s.hybrid.SearchWithWeights(gctx, query, limit*2, vectorWeight, bm25Weight)
			return nil
		})
	}
	if wantGraph {
		g.Go(func() error {
			graphResults, graphErr = s.dispatchGraph(gctx, analysis)
			return nil
		})
	}
	if wantLSP {
		g.Go(func() error {
			lspResults, lspErr = s.lsp.Search(gctx, query, limit*2)
			return nil
		})
	}
	_ = g.Wait()

	attempted := 0
	failed := 0
	if wantHybrid && s.hybrid != nil {
		attempted++
		if hybridErr != nil {
			failed++
		}
	}
	if wantGraph {
		attempted++
		if graphErr != nil {
			failed++
		}
	}
	if wantLSP {
		attempted++
		if lspErr != nil {
			failed++
		}
	}
	if attempted > 0 && attempted == failed {
		return nil, Analysis{}, fmt.Errorf("orchestrator: every selected backend failed: hybrid=%v graph=%v lsp=%v", hybridErr, graphErr, lspErr)
	}

	merged := make(map[string]*Result)
	order := make([]string, 0)

	addOrKeepHigher := func(id string, score float64, backend queryanalyzer.Backend, mutate func(*Result)) {
		if r, ok := merged[id]; ok {
			if score > r.Score {
				r.Score = score
			}
			r.UsedBackends = appendUnique(r.UsedBackends, backend)
			if mutate != nil {
				mutate(r)
			}
			return
		}
		r := &Result{ID: id, Score: score, UsedBackends: []queryanalyzer.Backend{backend}}
		if mutate != nil {
			mutate(r)
		}
		merged[id] = r
		order = append(order, id)
	}

	if hybridErr == nil {
		for _, hr := range hybridResults {
			backend := queryanalyzer.BackendVector
			if hr.BM25Score > 0 && hr.VectorScore == 0 {
				backend = queryanalyzer.BackendBM25
			}
			hr := hr
			addOrKeepHigher(hr.ID, hr.Score, backend, func(r *Result) {
				r.FilePath = hr.FilePath
				r.Exports = hr.Exports
				r.VectorScore = hr.VectorScore
				r.BM25Score = hr.BM25Score
			})
		}
	}
	if graphErr == nil {
		for _, gr := range graphResults {
			id := gr.SegmentID
			if id == "" {
				id = gr.FilePath + "#" + gr.Name
			}
			// Graph results have no intrinsic relevance score; treat a
			// match as maximally relevant (the graph
			// dispatch returns membership, not ranking).
			addOrKeepHigher(id, 1.0, queryanalyzer.BackendGraph, func(r *Result) {
				r.FilePath = gr.FilePath
			})
		}
	}
	if lspErr == nil {
		for _, lr := range lspResults {
			addOrKeepHigher(lr.ID, lr.Score, queryanalyzer.BackendLSP, func(r *Result) {
				r.FilePath = lr.FilePath
				r.Exports = lr.Exports
			})
		}
	}

	results := make([]Result, 0, len(order))
	for _, id := range order {
		results = append(results, *merged[id])
	}

	if analysis.BoostExported {
		for i := range results {
			if results[i].hasExports() {
				results[i].Score *= 1.15
			}
		}
	}

	if analysis.TestFilesOnly {
		filtered := results[:0:0]
		for _, r := range results {
			if isTestFile(r.FilePath) {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	if opts.MinScore > 0 {
		filtered := results[:0:0]
		for _, r := range results {
			if r.Score >= opts.MinScore {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > limit {
		results = results[:limit]
	}

	analysis.Weights = weights
	return results, Analysis{Analysis: analysis, UsedBackends: backends}, nil
}

// renormalize scales a (vector, bm25) weight pair to sum to 1, falling
// back to the default 0.7/0.3 split when both are zero.
func renormalize(vector, bm25 float64) (float64, float64) {
	sum := vector + bm25
	if sum <= 0 {
		return 0.7, 0.3
	}
	return vector / sum, bm25 / sum
}

func appendUnique(list []queryanalyzer.Backend, b queryanalyzer.Backend) []queryanalyzer.Backend {
	for _, existing := range list {
		if existing == b {
			return list
		}
	}
	return append(list, b)
}

// dispatchGraph picks the graph query matching the analyzed intent
// finder; unsupported intents yield empty results rather than an error.
func (s *Searcher) dispatchGraph(ctx context.Context, analysis queryanalyzer.Analysis) ([]graph.ResultNode, error) {
	if analysis.Symbol == "" {
		return nil, nil
	}
	switch analysis.Intent {
	case queryanalyzer.FindCallers:
		return s.graph.FindCallers(ctx, analysis.Symbol)
	case queryanalyzer.FindCallees:
		return s.graph.FindCallees(ctx, analysis.Symbol)
	case queryanalyzer.FindDependencies:
		return s.graph.FindDependencies(ctx, analysis.Symbol)
	case queryanalyzer.FindDependents:
		return s.graph.FindDependents(ctx, analysis.Symbol)
	case queryanalyzer.ImpactAnalysis, queryanalyzer.DependencyAnalysis, queryanalyzer.BlastRadius, queryanalyzer.ChangeSafety:
		return s.graph.FindImpactedNodes(ctx, analysis.Symbol, 3)
	default:
		return nil, nil
	}
}
