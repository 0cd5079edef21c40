package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, dims int) *HNSWBackend {
	t.Helper()
	dataPath := filepath.Join(t.TempDir(), "vectors.hnsw")
	b, err := NewHNSWBackend(DefaultVectorStoreConfig(dims), dataPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestHNSWBackend_InitializeEmpty(t *testing.T) {
	b := newTestBackend(t, 4)
	hadPrior, err := b.Initialize(context.Background())
	require.NoError(t, err)
	assert.False(t, hadPrior)
}

func TestHNSWBackend_UpsertSearchRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, 4)
	_, err := b.Initialize(ctx)
	require.NoError(t, err)

	points := []*Point{
		{SegmentID: "seg-a", Embedding: []float32{1, 0, 0, 0}, Payload: PointPayload{FilePath: "src/auth/login.go", StartLine: 1, EndLine: 10, Identifier: "Login"}},
		{SegmentID: "seg-b", Embedding: []float32{0, 1, 0, 0}, Payload: PointPayload{FilePath: "src/user/user.go", StartLine: 5, EndLine: 20}},
	}
	require.NoError(t, b.Upsert(ctx, points))

	results, err := b.SearchPoints(ctx, []float32{1, 0, 0, 0}, "", 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "seg-a", results[0].SegmentID)
	assert.Equal(t, "Login", results[0].Payload.Identifier)
}

func TestHNSWBackend_DirectoryPrefixFilter(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, 4)
	_, err := b.Initialize(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Upsert(ctx, []*Point{
		{SegmentID: "a", Embedding: []float32{1, 0, 0, 0}, Payload: PointPayload{FilePath: "src/auth/login.go"}},
		{SegmentID: "b", Embedding: []float32{0.9, 0.1, 0, 0}, Payload: PointPayload{FilePath: "docs/readme.md"}},
	}))

	results, err := b.SearchPoints(ctx, []float32{1, 0, 0, 0}, "src/auth", 0, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].SegmentID)
}

func TestHNSWBackend_DeleteByFile(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, 4)
	_, err := b.Initialize(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Upsert(ctx, []*Point{
		{SegmentID: "a", Embedding: []float32{1, 0, 0, 0}, Payload: PointPayload{FilePath: "x.go"}},
		{SegmentID: "b", Embedding: []float32{0, 1, 0, 0}, Payload: PointPayload{FilePath: "y.go"}},
	}))

	require.NoError(t, b.DeleteByFile(ctx, "x.go"))

	results, err := b.SearchPoints(ctx, []float32{1, 0, 0, 0}, "", 0, 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.SegmentID)
	}
}

func TestHNSWBackend_PersistAndReload(t *testing.T) {
	ctx := context.Background()
	dataPath := filepath.Join(t.TempDir(), "vectors.hnsw")

	b, err := NewHNSWBackend(DefaultVectorStoreConfig(4), dataPath)
	require.NoError(t, err)
	_, err = b.Initialize(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Upsert(ctx, []*Point{
		{SegmentID: "a", Embedding: []float32{1, 0, 0, 0}, Payload: PointPayload{FilePath: "x.go"}},
	}))
	require.NoError(t, b.MarkIndexingComplete(ctx))
	require.NoError(t, b.Close())

	reopened, err := NewHNSWBackend(DefaultVectorStoreConfig(4), dataPath)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	hadPrior, err := reopened.Initialize(ctx)
	require.NoError(t, err)
	assert.True(t, hadPrior)
	assert.False(t, reopened.WasIncomplete())

	results, err := reopened.SearchPoints(ctx, []float32{1, 0, 0, 0}, "", 0, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].SegmentID)
}

func TestHNSWBackend_DimensionMismatchOnReload(t *testing.T) {
	ctx := context.Background()
	dataPath := filepath.Join(t.TempDir(), "vectors.hnsw")

	b, err := NewHNSWBackend(DefaultVectorStoreConfig(4), dataPath)
	require.NoError(t, err)
	_, err = b.Initialize(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Upsert(ctx, []*Point{
		{SegmentID: "a", Embedding: []float32{1, 0, 0, 0}, Payload: PointPayload{FilePath: "x.go"}},
	}))
	require.NoError(t, b.Close())

	reopened, err := NewHNSWBackend(DefaultVectorStoreConfig(8), dataPath)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	hadPrior, err := reopened.Initialize(ctx)
	assert.True(t, hadPrior)
	var mismatch ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 8, mismatch.Expected)
	assert.Equal(t, 4, mismatch.Got)

	// Clearing resets the collection so a fresh index can proceed.
	require.NoError(t, reopened.ClearCollection(ctx))
	hadPrior, err = reopened.Initialize(ctx)
	require.NoError(t, err)
	assert.False(t, hadPrior)
}

func TestHNSWBackend_IncompleteMarkerSurvivesReload(t *testing.T) {
	ctx := context.Background()
	dataPath := filepath.Join(t.TempDir(), "vectors.hnsw")

	b, err := NewHNSWBackend(DefaultVectorStoreConfig(4), dataPath)
	require.NoError(t, err)
	_, err = b.Initialize(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Upsert(ctx, []*Point{
		{SegmentID: "a", Embedding: []float32{1, 0, 0, 0}, Payload: PointPayload{FilePath: "x.go"}},
	}))
	require.NoError(t, b.MarkIndexingIncomplete(ctx))
	require.NoError(t, b.Close())

	reopened, err := NewHNSWBackend(DefaultVectorStoreConfig(4), dataPath)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	_, err = reopened.Initialize(ctx)
	require.NoError(t, err)
	assert.True(t, reopened.WasIncomplete())
}

func TestHNSWBackend_ClearTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, 4)
	_, err := b.Initialize(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Upsert(ctx, []*Point{
		{SegmentID: "a", Embedding: []float32{1, 0, 0, 0}, Payload: PointPayload{FilePath: "x.go"}},
	}))
	require.NoError(t, b.ClearCollection(ctx))
	require.NoError(t, b.ClearCollection(ctx))
}

func TestSplitQdrantURL(t *testing.T) {
	tests := []struct {
		in      string
		host    string
		port    int
		useTLS  bool
		wantErr bool
	}{
		{in: "http://localhost:6334", host: "localhost", port: 6334},
		{in: "https://qdrant.example.com", host: "qdrant.example.com", port: 6334, useTLS: true},
		{in: "localhost:7000", host: "localhost", port: 7000},
		{in: "http://host:notaport", wantErr: true},
	}
	for _, tt := range tests {
		host, port, useTLS, err := splitQdrantURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.host, host, tt.in)
		assert.Equal(t, tt.port, port, tt.in)
		assert.Equal(t, tt.useTLS, useTLS, tt.in)
	}
}

func TestPointUUID_StableAndShaped(t *testing.T) {
	a := pointUUID("segment-1")
	b := pointUUID("segment-1")
	c := pointUUID("segment-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}

func TestPathPrefixes(t *testing.T) {
	prefixes := pathPrefixes("src/auth/handlers/login.go")
	assert.Contains(t, prefixes, "src")
	assert.Contains(t, prefixes, "src/auth")
	assert.Contains(t, prefixes, "src/auth/handlers")
}

func TestUnderPrefix(t *testing.T) {
	assert.True(t, underPrefix("src/a/b.go", "src/a"))
	assert.True(t, underPrefix("src/a/b.go", "src/a/"))
	assert.False(t, underPrefix("src/ab/b.go", "src/a"))
	assert.True(t, underPrefix("anything", ""))
}
