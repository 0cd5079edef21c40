package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBM25_IndexAndSearch(t *testing.T) {
	ctx := context.Background()
	idx, err := NewMemoryBM25Index("", DefaultBM25Config())
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	require.NoError(t, idx.Index(ctx, []*Document{
		{ID: "a", Content: "token bucket rate limiter"},
		{ID: "b", Content: "hybrid search fusion"},
	}))

	results, err := idx.Search(ctx, "rate limiter", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].DocID)
	assert.Greater(t, results[0].Score, 0.0)
}

func TestMemoryBM25_DeleteAndStats(t *testing.T) {
	ctx := context.Background()
	idx, err := NewMemoryBM25Index("", DefaultBM25Config())
	require.NoError(t, err)

	require.NoError(t, idx.Index(ctx, []*Document{
		{ID: "a", Content: "alpha"},
		{ID: "b", Content: "beta"},
	}))
	require.NoError(t, idx.Delete(ctx, []string{"a"}))

	ids, err := idx.AllIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
	assert.Equal(t, 1, idx.Stats().DocumentCount)
}

func TestMemoryBM25_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bm25.json")

	idx, err := NewMemoryBM25Index(path, DefaultBM25Config())
	require.NoError(t, err)
	require.NoError(t, idx.Index(ctx, []*Document{
		{ID: "a", Content: "persisted document text"},
	}))
	require.NoError(t, idx.Save(""))

	reloaded, err := NewMemoryBM25Index(path, DefaultBM25Config())
	require.NoError(t, err)

	results, err := reloaded.Search(ctx, "persisted", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].DocID)
}

func TestBM25Factory_MemoryBackend(t *testing.T) {
	base := filepath.Join(t.TempDir(), "bm25")
	idx, err := NewBM25IndexWithBackend(base, DefaultBM25Config(), string(BM25BackendMemory))
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	require.NoError(t, idx.Index(context.Background(), []*Document{{ID: "x", Content: "hello"}}))
	require.NoError(t, idx.Save(""))
	assert.Equal(t, BM25BackendMemory, DetectBM25Backend(base))
}
