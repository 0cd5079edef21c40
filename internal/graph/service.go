// Package graph implements the engine's optional code-relationship graph
// layer: a neo4j-backed store of CONTAINS/CALLS/IMPORTS/… edges
// between file/function/class/… nodes, queried for callers, callees,
// dependencies, and blast-radius analysis.
package graph

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownNode is returned internally while validating edges; in
// non-strict mode it never escapes CreateRelationships, it only drops the
// offending edge.
var ErrUnknownNode = errors.New("graph: edge references unknown node")

// Service is the contract the search orchestrator and lifecycle manager
// depend on. It is implemented by *Neo4jService for production use and by
// an in-memory fake in tests.
type Service interface {
	UpsertNodes(ctx context.Context, nodes []Node) error
	CreateRelationships(ctx context.Context, edges []Edge) error
	DeleteNodesByFile(ctx context.Context, filePath string) error
	ClearAll(ctx context.Context) error

	FindCallers(ctx context.Context, name string) ([]ResultNode, error)
	FindCallees(ctx context.Context, name string) ([]ResultNode, error)
	FindDependencies(ctx context.Context, name string) ([]ResultNode, error)
	FindDependents(ctx context.Context, name string) ([]ResultNode, error)
	FindImpactedNodes(ctx context.Context, name string, depth int) ([]ResultNode, error)

	ExecuteQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

// Config tunes batching, retry, and validation behavior shared by every
// Service implementation.
type Config struct {
	BatchSize             int
	MaxRetries            int
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	StrictValidation      bool // if true, a dangling edge is an error, not silently dropped
	WriteTimeout          time.Duration
}

// DefaultConfig: batches of 500, 3
// retries, 60s aggregate write timeout, lenient dangling-edge policy.
func DefaultConfig() Config {
	return Config{
		BatchSize:        500,
		MaxRetries:       3,
		RetryBaseDelay:   500 * time.Millisecond,
		RetryMaxDelay:    10 * time.Second,
		StrictValidation: false,
		WriteTimeout:     60 * time.Second,
	}
}

// chunk splits a slice into Config.BatchSize-sized pieces ("write
// operations must be batched").
func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
		if size == 0 {
			size = 1
		}
	}
	var out [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}
