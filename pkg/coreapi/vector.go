package coreapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codeindex-engine/core/internal/store"
)

// EnsureVectorCollection opens the vector backend's collection and
// enforces the dimension contract: when the collection holds prior data
// written at a different embedding dimension, it is cleared and the
// caller must run a full reindex. The returned flag reports whether such
// a reindex is needed.
func EnsureVectorCollection(ctx context.Context, backend store.VectorBackend) (fullReindexNeeded bool, err error) {
	hadPrior, err := backend.Initialize(ctx)
	if err == nil {
		return !hadPrior, nil
	}

	var mismatch store.ErrDimensionMismatch
	if !errors.As(err, &mismatch) {
		return false, fmt.Errorf("coreapi: vector collection initialization failed: %w", err)
	}

	slog.Warn("vector collection dimension changed, clearing for full reindex",
		slog.Int("stored", mismatch.Got),
		slog.Int("configured", mismatch.Expected))

	if err := backend.ClearCollection(ctx); err != nil {
		return false, fmt.Errorf("coreapi: failed to clear mismatched vector collection: %w", err)
	}
	if _, err := backend.Initialize(ctx); err != nil {
		return false, fmt.Errorf("coreapi: failed to reopen cleared vector collection: %w", err)
	}
	return true, nil
}
