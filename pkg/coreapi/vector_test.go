package coreapi

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeindex-engine/core/internal/store"
)

func TestEnsureVectorCollection_FreshCollection(t *testing.T) {
	ctx := context.Background()
	backend, err := store.NewHNSWBackend(store.DefaultVectorStoreConfig(4), filepath.Join(t.TempDir(), "vectors.hnsw"))
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	needsReindex, err := EnsureVectorCollection(ctx, backend)
	require.NoError(t, err)
	assert.True(t, needsReindex)
}

func TestEnsureVectorCollection_PriorDataSameDimension(t *testing.T) {
	ctx := context.Background()
	dataPath := filepath.Join(t.TempDir(), "vectors.hnsw")

	seed, err := store.NewHNSWBackend(store.DefaultVectorStoreConfig(4), dataPath)
	require.NoError(t, err)
	_, err = seed.Initialize(ctx)
	require.NoError(t, err)
	require.NoError(t, seed.Upsert(ctx, []*store.Point{
		{SegmentID: "a", Embedding: []float32{1, 0, 0, 0}, Payload: store.PointPayload{FilePath: "x.go"}},
	}))
	require.NoError(t, seed.Close())

	backend, err := store.NewHNSWBackend(store.DefaultVectorStoreConfig(4), dataPath)
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	needsReindex, err := EnsureVectorCollection(ctx, backend)
	require.NoError(t, err)
	assert.False(t, needsReindex)
}

func TestEnsureVectorCollection_DimensionChangeClearsAndReindexes(t *testing.T) {
	ctx := context.Background()
	dataPath := filepath.Join(t.TempDir(), "vectors.hnsw")

	seed, err := store.NewHNSWBackend(store.DefaultVectorStoreConfig(4), dataPath)
	require.NoError(t, err)
	_, err = seed.Initialize(ctx)
	require.NoError(t, err)
	require.NoError(t, seed.Upsert(ctx, []*store.Point{
		{SegmentID: "a", Embedding: []float32{1, 0, 0, 0}, Payload: store.PointPayload{FilePath: "x.go"}},
	}))
	require.NoError(t, seed.Close())

	// Reopen at a different dimension: the collection must be cleared and
	// a full reindex requested.
	backend, err := store.NewHNSWBackend(store.DefaultVectorStoreConfig(8), dataPath)
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	needsReindex, err := EnsureVectorCollection(ctx, backend)
	require.NoError(t, err)
	assert.True(t, needsReindex)

	results, err := backend.SearchPoints(ctx, []float32{1, 0, 0, 0, 0, 0, 0, 0}, "", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}
