package coreapi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codeindex-engine/core/internal/index"
)

// RunnerIndexer adapts an *index.Runner (the concrete scan -> chunk ->
// embed -> BM25/vector pipeline) to the Indexer port coreapi.Core drives
// through. The caller (the CLI or the MCP server) wires it in; Core never
// constructs the pipeline itself.
type RunnerIndexer struct {
	runner *index.Runner
	cfg    index.RunnerConfig
}

// NewRunnerIndexer builds a RunnerIndexer. cfg.RootDir must be set; cfg.DataDir
// defaults to RootDir/.indexctl when empty, matching index.Runner.Run's own
// default.
func NewRunnerIndexer(runner *index.Runner, cfg index.RunnerConfig) *RunnerIndexer {
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.RootDir, ".indexctl")
	}
	return &RunnerIndexer{runner: runner, cfg: cfg}
}

// StartIndexing runs one full indexing pass. Per-file incremental updates
// are driven separately by the watcher-fed Coordinator; this
// port only covers the full-scan path.
func (r *RunnerIndexer) StartIndexing(ctx context.Context) error {
	_, err := r.runner.Run(ctx, r.cfg)
	if err != nil {
		return fmt.Errorf("coreapi: indexing run failed: %w", err)
	}
	return nil
}

// ClearIndexData removes every on-disk index artifact (metadata store, BM25
// index, vector store) from the data directory, leaving project config
// untouched. Clearing is idempotent ("clear_index_data then
// clear_index_data has no observable difference") since os.RemoveAll on an
// already-absent path is a no-op.
func (r *RunnerIndexer) ClearIndexData(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	dataDir := r.cfg.DataDir
	artifacts := []string{
		filepath.Join(dataDir, "metadata.db"),
		filepath.Join(dataDir, "metadata.db-shm"),
		filepath.Join(dataDir, "metadata.db-wal"),
		filepath.Join(dataDir, "bm25.bleve"),
		filepath.Join(dataDir, "bm25.db"),
		filepath.Join(dataDir, "bm25.db-wal"),
		filepath.Join(dataDir, "bm25.db-shm"),
		filepath.Join(dataDir, "vectors.hnsw"),
		filepath.Join(dataDir, "vectors.hnsw.payload.json"),
	}
	for _, path := range artifacts {
		if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("coreapi: failed to remove %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}
