// Package hybrid implements the engine's Hybrid Search Service
// layer: parallel vector and BM25 search, fused by either
// weighted min-max normalization or reciprocal rank fusion.
package hybrid

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Candidate is one backend's raw search hit. FilePath and Exports mirror
// enough of the indexed block's payload for downstream
// consumers (the Search Orchestrator's export-boost and test-file
// filter) without hybrid needing the full CodeBlock type.
type Candidate struct {
	ID       string
	Score    float64
	FilePath string
	Exports  []string
}

// Result is a fused hit, carrying both backend components so callers can
// verify the fusion formula.
type Result struct {
	ID          string
	Score       float64
	VectorScore float64
	BM25Score   float64
	InBoth      bool
	FilePath    string
	Exports     []string
}

// VectorSearcher and BM25Searcher are the two backends dispatched in
// parallel. They are narrower than the full VectorStore/BM25Index
// interfaces — hybrid only needs a scored candidate list.
type VectorSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
}

type BM25Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
}

// Mode selects the fusion algorithm.
type Mode string

const (
	ModeWeighted Mode = "weighted"
	ModeRRF      Mode = "rrf"
)

// Config tunes fusion behavior.
type Config struct {
	Mode         Mode
	VectorWeight float64 // default 0.7
	BM25Weight   float64 // default 0.3
	RRFConstant  int     // default 60
}

// DefaultConfig: weighted fusion at 0.7/0.3, RRF constant 60.
func DefaultConfig() Config {
	return Config{
		Mode:         ModeWeighted,
		VectorWeight: 0.7,
		BM25Weight:   0.3,
		RRFConstant:  60,
	}
}

// Service runs vector + BM25 search in parallel and fuses the results.
type Service struct {
	vector VectorSearcher
	bm25   BM25Searcher
	cfg    Config
}

// New constructs a hybrid Service. Either backend may be nil; Search then
// degrades to whichever single backend is configured.
func New(vector VectorSearcher, bm25 BM25Searcher, cfg Config) *Service {
	return &Service{vector: vector, bm25: bm25, cfg: cfg}
}

// Search fetches up to 2*limit candidates from each configured backend in
// parallel, then fuses and truncates to limit. If a backend fails, the
// other's candidates are still used (graceful degradation); an error is
// returned only when every configured backend failed.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	return s.SearchWithWeights(ctx, query, limit, s.cfg.VectorWeight, s.cfg.BM25Weight)
}

// SearchWithWeights is Search with the weighted-fusion coefficients
// overridden for one call, used when a query analysis supplies its own
// renormalized vector/BM25 weights. RRF mode ignores the weights.
func (s *Service) SearchWithWeights(ctx context.Context, query string, limit int, vectorWeight, bm25Weight float64) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	fetchLimit := limit * 2

	var vectorCands, bm25Cands []Candidate
	var vectorErr, bm25Err error

	g, gctx := errgroup.WithContext(ctx)
	if s.vector != nil {
		g.Go(func() error {
			vectorCands, vectorErr = s.vector.Search(gctx, query, fetchLimit)
			return nil
		})
	}
	if s.bm25 != nil {
		g.Go(func() error {
			bm25Cands, bm25Err = s.bm25.Search(gctx, query, fetchLimit)
			return nil
		})
	}
	_ = g.Wait()

	if s.vector != nil && s.bm25 != nil && vectorErr != nil && bm25Err != nil {
		return nil, fmt.Errorf("hybrid: both backends failed: vector: %v, bm25: %v", vectorErr, bm25Err)
	}
	if s.vector != nil && vectorErr != nil && s.bm25 == nil {
		return nil, fmt.Errorf("hybrid: vector backend failed: %w", vectorErr)
	}
	if s.bm25 != nil && bm25Err != nil && s.vector == nil {
		return nil, fmt.Errorf("hybrid: bm25 backend failed: %w", bm25Err)
	}
	if vectorErr != nil {
		vectorCands = nil
	}
	if bm25Err != nil {
		bm25Cands = nil
	}

	var fused []Result
	switch s.cfg.Mode {
	case ModeRRF:
		fused = fuseRRF(vectorCands, bm25Cands, s.cfg.RRFConstant)
	default:
		fused = fuseWeighted(vectorCands, bm25Cands, vectorWeight, bm25Weight)
	}

	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

// fuseWeighted normalizes each
// list to [0,1] via min-max (all-equal scores normalize to 1.0), then
// hybrid = w_v*v_hat + w_b*b_hat. A document present in only one list
// gets 0 for the missing component.
func fuseWeighted(vector, bm25 []Candidate, wv, wb float64) []Result {
	vNorm := minMaxNormalize(vector)
	bNorm := minMaxNormalize(bm25)

	scores := make(map[string]*Result)
	order := make([]string, 0)

	for _, c := range vector {
		scores[c.ID] = &Result{ID: c.ID, VectorScore: vNorm[c.ID], FilePath: c.FilePath, Exports: c.Exports}
		order = append(order, c.ID)
	}
	for _, c := range bm25 {
		if r, ok := scores[c.ID]; ok {
			r.BM25Score = bNorm[c.ID]
			r.InBoth = true
			if r.FilePath == "" {
				r.FilePath = c.FilePath
			}
			if len(r.Exports) == 0 {
				r.Exports = c.Exports
			}
		} else {
			scores[c.ID] = &Result{ID: c.ID, BM25Score: bNorm[c.ID], FilePath: c.FilePath, Exports: c.Exports}
			order = append(order, c.ID)
		}
	}

	out := make([]Result, 0, len(order))
	for _, id := range order {
		r := scores[id]
		r.Score = wv*r.VectorScore + wb*r.BM25Score
		out = append(out, *r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// minMaxNormalize scales scores into [0,1]. When every candidate shares
// the same score (including the single-candidate case), every score
// normalizes to 1.0.
func minMaxNormalize(cands []Candidate) map[string]float64 {
	out := make(map[string]float64, len(cands))
	if len(cands) == 0 {
		return out
	}
	min, max := cands[0].Score, cands[0].Score
	for _, c := range cands {
		if c.Score < min {
			min = c.Score
		}
		if c.Score > max {
			max = c.Score
		}
	}
	if max == min {
		for _, c := range cands {
			out[c.ID] = 1.0
		}
		return out
	}
	span := max - min
	for _, c := range cands {
		out[c.ID] = (c.Score - min) / span
	}
	return out
}

// fuseRRF implements reciprocal rank fusion:
// score(d) = sum(1/(k+rank_i(d))), rank is 1-indexed.
func fuseRRF(vector, bm25 []Candidate, k int) []Result {
	scores := make(map[string]*Result)
	order := make([]string, 0)

	addRank := func(cands []Candidate, setVector bool) {
		for i, c := range cands {
			rank := i + 1
			contribution := 1.0 / float64(k+rank)
			r, ok := scores[c.ID]
			if !ok {
				r = &Result{ID: c.ID, FilePath: c.FilePath, Exports: c.Exports}
				scores[c.ID] = r
				order = append(order, c.ID)
			} else {
				r.InBoth = true
				if r.FilePath == "" {
					r.FilePath = c.FilePath
				}
				if len(r.Exports) == 0 {
					r.Exports = c.Exports
				}
			}
			r.Score += contribution
			if setVector {
				r.VectorScore = c.Score
			} else {
				r.BM25Score = c.Score
			}
		}
	}
	addRank(vector, true)
	addRank(bm25, false)

	out := make([]Result, 0, len(order))
	for _, id := range order {
		out = append(out, *scores[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}
