package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeindex-engine/core/pkg/coreapi"
)

// SetCore attaches the engine's port surface and registers the lifecycle
// tools that drive it: start_indexing, cancel_indexing, clear_index_data,
// get_current_status, recover_from_error, and diagnostic_snapshot. Search
// stays on the resident engine tools; these cover the control plane.
func (s *Server) SetCore(core *coreapi.Core) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.core != nil || core == nil {
		s.core = core
		return
	}
	s.core = core
	s.registerCoreTools()
}

// StartIndexingInput defines the input schema for start_indexing (no parameters).
type StartIndexingInput struct{}

// StartIndexingOutput reports the outcome of a start_indexing call.
type StartIndexingOutput struct {
	Started bool   `json:"started"`
	Message string `json:"message,omitempty"`
}

// CancelIndexingInput defines the input schema for cancel_indexing (no parameters).
type CancelIndexingInput struct{}

// CancelIndexingOutput acknowledges a cancel_indexing call.
type CancelIndexingOutput struct {
	Cancelled bool `json:"cancelled"`
}

// ClearIndexDataInput defines the input schema for clear_index_data (no parameters).
type ClearIndexDataInput struct{}

// ClearIndexDataOutput acknowledges a clear_index_data call.
type ClearIndexDataOutput struct {
	Cleared bool `json:"cleared"`
}

// CurrentStatusInput defines the input schema for get_current_status (no parameters).
type CurrentStatusInput struct{}

// RecoverInput defines the input schema for recover_from_error (no parameters).
type RecoverInput struct{}

// RecoverOutput acknowledges a recover_from_error call.
type RecoverOutput struct {
	Recovered bool `json:"recovered"`
}

// SnapshotInput defines the input schema for diagnostic_snapshot (no parameters).
type SnapshotInput struct{}

func (s *Server) registerCoreTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "start_indexing",
		Description: "Start a full (re)index of the workspace. Runs synchronously; use get_current_status from another call to observe progress.",
	}, s.mcpStartIndexingHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "cancel_indexing",
		Description: "Cancel an in-flight indexing run. Safe to call when nothing is running.",
	}, s.mcpCancelIndexingHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "clear_index_data",
		Description: "Delete all indexed data (metadata, BM25, vectors, graph) for this workspace. Idempotent.",
	}, s.mcpClearIndexDataHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_current_status",
		Description: "Report system, vector, and graph state plus indexing progress counters.",
	}, s.mcpCurrentStatusHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "recover_from_error",
		Description: "Clear the engine's error state and return to standby so indexing can be retried.",
	}, s.mcpRecoverHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "diagnostic_snapshot",
		Description: "Produce a diagnostic document: status, metric tables, and sanitized configuration with credentials masked.",
	}, s.mcpSnapshotHandler)

	s.logger.Info("Core lifecycle tools registered", slog.Int("count", 6))
}

func (s *Server) mcpStartIndexingHandler(ctx context.Context, _ *mcp.CallToolRequest, _ StartIndexingInput) (
	*mcp.CallToolResult,
	StartIndexingOutput,
	error,
) {
	if err := s.core.StartIndexing(ctx); err != nil {
		return nil, StartIndexingOutput{Started: false, Message: err.Error()}, nil
	}
	return nil, StartIndexingOutput{Started: true}, nil
}

func (s *Server) mcpCancelIndexingHandler(_ context.Context, _ *mcp.CallToolRequest, _ CancelIndexingInput) (
	*mcp.CallToolResult,
	CancelIndexingOutput,
	error,
) {
	s.core.CancelIndexing()
	return nil, CancelIndexingOutput{Cancelled: true}, nil
}

func (s *Server) mcpClearIndexDataHandler(ctx context.Context, _ *mcp.CallToolRequest, _ ClearIndexDataInput) (
	*mcp.CallToolResult,
	ClearIndexDataOutput,
	error,
) {
	if err := s.core.ClearIndexData(ctx); err != nil {
		return nil, ClearIndexDataOutput{}, MapError(err)
	}
	return nil, ClearIndexDataOutput{Cleared: true}, nil
}

func (s *Server) mcpCurrentStatusHandler(_ context.Context, _ *mcp.CallToolRequest, _ CurrentStatusInput) (
	*mcp.CallToolResult,
	coreapi.Status,
	error,
) {
	return nil, s.core.GetCurrentStatus(), nil
}

func (s *Server) mcpRecoverHandler(ctx context.Context, _ *mcp.CallToolRequest, _ RecoverInput) (
	*mcp.CallToolResult,
	RecoverOutput,
	error,
) {
	if err := s.core.RecoverFromError(ctx); err != nil {
		return nil, RecoverOutput{}, MapError(err)
	}
	return nil, RecoverOutput{Recovered: true}, nil
}

func (s *Server) mcpSnapshotHandler(_ context.Context, _ *mcp.CallToolRequest, _ SnapshotInput) (
	*mcp.CallToolResult,
	coreapi.Snapshot,
	error,
) {
	return nil, s.core.GetDiagnosticSnapshot(), nil
}
