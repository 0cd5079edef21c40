package hybrid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearcher struct {
	results []Candidate
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, _ string, limit int) ([]Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.results) {
		return f.results[:limit], nil
	}
	return f.results, nil
}

func TestFuseWeightedScenario(t *testing.T) {
	// Weighted fusion with the canonical two-backend candidate lists.
	vector := []Candidate{{ID: "a", Score: 1.0}, {ID: "b", Score: 0.5}}
	bm25 := []Candidate{{ID: "b", Score: 10}, {ID: "c", Score: 5}}

	out := fuseWeighted(vector, bm25, 0.7, 0.3)
	require.Len(t, out, 3)
	byID := map[string]Result{}
	for _, r := range out {
		byID[r.ID] = r
	}
	assert.InDelta(t, 0.7, byID["a"].Score, 1e-9)
	assert.InDelta(t, 0.3, byID["b"].Score, 1e-9)
	assert.InDelta(t, 0.0, byID["c"].Score, 1e-9)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "b", out[1].ID)
}

func TestFuseRRFScenario(t *testing.T) {
	// RRF over overlapping rank lists, k=60.
	vector := []Candidate{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.8}}
	bm25 := []Candidate{{ID: "b", Score: 5}, {ID: "c", Score: 3}}

	out := fuseRRF(vector, bm25, 60)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{out[0].ID, out[1].ID, out[2].ID})

	byID := map[string]Result{}
	for _, r := range out {
		byID[r.ID] = r
	}
	assert.InDelta(t, 1.0/61.0, byID["a"].Score, 1e-6)
	assert.InDelta(t, 1.0/62.0+1.0/61.0, byID["b"].Score, 1e-6)
	assert.InDelta(t, 1.0/62.0, byID["c"].Score, 1e-6)
}

func TestMinMaxNormalizeAllEqualYieldsOne(t *testing.T) {
	norm := minMaxNormalize([]Candidate{{ID: "x", Score: 5}, {ID: "y", Score: 5}})
	assert.Equal(t, 1.0, norm["x"])
	assert.Equal(t, 1.0, norm["y"])
}

func TestSearchGracefulDegradationOnSingleBackendFailure(t *testing.T) {
	vec := &fakeSearcher{err: assert.AnError}
	bm := &fakeSearcher{results: []Candidate{{ID: "a", Score: 1.0}}}

	svc := New(vec, bm, DefaultConfig())
	out, err := svc.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ID)
}

func TestSearchErrorsOnlyWhenAllBackendsFail(t *testing.T) {
	vec := &fakeSearcher{err: assert.AnError}
	bm := &fakeSearcher{err: assert.AnError}

	svc := New(vec, bm, DefaultConfig())
	_, err := svc.Search(context.Background(), "q", 5)
	assert.Error(t, err)
}

func TestSearchResultsEveryDocInUnionOfCandidates(t *testing.T) {
	vec := &fakeSearcher{results: []Candidate{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.4}}}
	bm := &fakeSearcher{results: []Candidate{{ID: "c", Score: 9}}}

	svc := New(vec, bm, DefaultConfig())
	out, err := svc.Search(context.Background(), "q", 10)
	require.NoError(t, err)

	union := map[string]bool{"a": true, "b": true, "c": true}
	for _, r := range out {
		assert.True(t, union[r.ID])
	}
}

func TestSearchRespectsLimit(t *testing.T) {
	var cands []Candidate
	for i := 0; i < 30; i++ {
		cands = append(cands, Candidate{ID: string(rune('a' + i)), Score: float64(30 - i)})
	}
	vec := &fakeSearcher{results: cands}
	svc := New(vec, nil, DefaultConfig())
	out, err := svc.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Len(t, out, 5)
}
