package coreapi

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/codeindex-engine/core/internal/index"
	"github.com/stretchr/testify/require"
)

func TestNewRunnerIndexerDefaultsDataDir(t *testing.T) {
	ri := NewRunnerIndexer(nil, index.RunnerConfig{RootDir: "/workspace/proj"})
	require.Equal(t, filepath.Join("/workspace/proj", ".indexctl"), ri.cfg.DataDir)
}

func TestNewRunnerIndexerKeepsExplicitDataDir(t *testing.T) {
	ri := NewRunnerIndexer(nil, index.RunnerConfig{RootDir: "/workspace/proj", DataDir: "/elsewhere"})
	require.Equal(t, "/elsewhere", ri.cfg.DataDir)
}

func TestRunnerIndexerClearIndexDataRemovesArtifacts(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, ".indexctl")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))

	for _, name := range []string{"metadata.db", "bm25.db", "vectors.hnsw"} {
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, name), []byte("x"), 0o644))
	}

	ri := NewRunnerIndexer(nil, index.RunnerConfig{RootDir: dir, DataDir: dataDir})
	require.NoError(t, ri.ClearIndexData(context.Background()))

	for _, name := range []string{"metadata.db", "bm25.db", "vectors.hnsw"} {
		_, err := os.Stat(filepath.Join(dataDir, name))
		require.True(t, os.IsNotExist(err))
	}
}

func TestRunnerIndexerClearIndexDataIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ri := NewRunnerIndexer(nil, index.RunnerConfig{RootDir: dir})

	require.NoError(t, ri.ClearIndexData(context.Background()))
	require.NoError(t, ri.ClearIndexData(context.Background()))
}

func TestRunnerIndexerClearIndexDataRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ri := NewRunnerIndexer(nil, index.RunnerConfig{RootDir: t.TempDir()})
	err := ri.ClearIndexData(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
