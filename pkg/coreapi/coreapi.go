// Package coreapi is the engine's stable port surface: the narrow set of
// operations an editor/host integration (MCP tool layer, CLI) drives the
// core through. It owns no indexing logic itself — it wires together the
// state manager, the search orchestrator, and an injected Indexer/Watcher
// pair; the real work lives in the owned components.
package coreapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codeindex-engine/core/internal/config"
	"github.com/codeindex-engine/core/internal/corestate"
	"github.com/codeindex-engine/core/internal/metrics"
	"github.com/codeindex-engine/core/internal/orchestrator"
)

// Indexer drives the scan/parse/embed/store pipeline. It is implemented by
// RunnerIndexer (wrapping internal/index.Runner) for production use, and by
// fakes in tests; coreapi only calls it at the port boundary, never
// constructing the pipeline itself.
type Indexer interface {
	StartIndexing(ctx context.Context) error
	ClearIndexData(ctx context.Context) error
}

// Watcher is the file-watch subsystem; StopWatcher is a port operation
// in its own right because an editor may want search to keep working while
// live re-indexing is paused.
type Watcher interface {
	Stop() error
}

// Status is one progress/state snapshot, streamed to callers over the
// channel returned by Subscribe and returned synchronously by
// GetCurrentStatus, following the shape of
// internal/async.IndexProgressSnapshot extended with the graph fields
// editor hosts subscribe to.
type Status struct {
	SystemState               corestate.SystemState `json:"system_state"`
	VectorState               corestate.SubState    `json:"vector_state"`
	GraphState                corestate.SubState    `json:"graph_state"`
	ProcessedFiles            int                   `json:"processed_files"`
	TotalFiles                int                   `json:"total_files"`
	ProcessedBlocks           int                   `json:"processed_blocks"`
	CurrentOp                 *string               `json:"current_op,omitempty"`
	EstimatedRemainingSeconds *float64              `json:"estimated_remaining_seconds,omitempty"`
	Message                   *string               `json:"message,omitempty"`
}

// Snapshot is the single JSON document returned by GetDiagnosticSnapshot:
// timestamp, state, all metric tables, and sanitized config.
type Snapshot struct {
	Timestamp     time.Time         `json:"timestamp"`
	WorkspacePath string            `json:"workspace_path"`
	Status        Status            `json:"status"`
	Metrics       *metrics.Snapshot `json:"metrics,omitempty"`
	Config        *config.Config    `json:"config"`
}

// Core implements the coreapi port surface.
type Core struct {
	mu sync.Mutex

	workspacePath string
	cfg           *config.Config
	state         *corestate.Manager
	search        *orchestrator.Searcher

	indexer Indexer
	watcher Watcher
	metrics *metrics.Collector

	progress       progressCounters
	cancelIndexing context.CancelFunc
	subscribers    []chan Status
}

// SetMetrics attaches a metrics Collector whose tables are included in
// GetDiagnosticSnapshot. Optional; a Core with no Collector attached simply
// omits the metrics field from its snapshot.
func (c *Core) SetMetrics(collector *metrics.Collector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = collector
}

// progressCounters mirrors internal/async.IndexProgress's
// fields, guarded by Core.mu rather than its own lock since Core already
// serializes port calls.
type progressCounters struct {
	processedFiles  int
	totalFiles      int
	processedBlocks int
	currentOp       string
	message         string
}

// New constructs a Core. indexer/watcher may be nil in tests or for a
// search-only deployment; StartIndexing/StopWatcher then return an error
// explaining the missing backend rather than panicking.
func New(workspacePath string, cfg *config.Config, state *corestate.Manager, search *orchestrator.Searcher, indexer Indexer, watcher Watcher) *Core {
	return &Core{
		workspacePath: workspacePath,
		cfg:           cfg,
		state:         state,
		search:        search,
		indexer:       indexer,
		watcher:       watcher,
	}
}

// Initialize applies cfg as the active configuration. If no configuration
// has been set yet, this always requires a (first) start; otherwise it
// delegates to config.ClassifySettingsChange, keeping the
// Initialize/HandleSettingsChange split.
func (c *Core) Initialize(cfg *config.Config) (requiresRestart bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		return false, fmt.Errorf("coreapi: invalid configuration: %w", err)
	}
	if c.cfg == nil {
		c.cfg = cfg
		return true, nil
	}
	sev, _ := config.ClassifySettingsChange(c.cfg, cfg)
	c.cfg = cfg
	return sev == config.ChangeCritical, nil
}

// HandleSettingsChange classifies newCfg against the active configuration
// and, for a critical change, cancels any in-flight indexing before
// swapping it in — the caller is expected to call StartIndexing again.
func (c *Core) HandleSettingsChange(ctx context.Context, newCfg *config.Config) (requiresRestart bool, err error) {
	if err := newCfg.Validate(); err != nil {
		return false, fmt.Errorf("coreapi: invalid configuration: %w", err)
	}

	c.mu.Lock()
	old := c.cfg
	c.mu.Unlock()

	sev, _ := config.ClassifySettingsChange(old, newCfg)
	if sev == config.ChangeCritical {
		c.CancelIndexing()
	}

	c.mu.Lock()
	c.cfg = newCfg
	c.mu.Unlock()

	return sev == config.ChangeCritical, nil
}

// StartIndexing begins a full (re)index via the injected Indexer, tracking
// its lifetime through a stored CancelFunc so CancelIndexing can interrupt
// it, and recording success/failure into the state manager.
func (c *Core) StartIndexing(ctx context.Context) error {
	if c.indexer == nil {
		return fmt.Errorf("coreapi: no indexer configured")
	}

	c.mu.Lock()
	if c.cancelIndexing != nil {
		c.mu.Unlock()
		return fmt.Errorf("coreapi: indexing already in progress")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelIndexing = cancel
	c.mu.Unlock()

	c.state.BeginIndexing(corestate.ComponentVector)
	c.publish()
	err := c.indexer.StartIndexing(runCtx)

	c.mu.Lock()
	c.cancelIndexing = nil
	c.mu.Unlock()

	if err != nil {
		c.state.RecordFailure(corestate.ComponentVector, 0, err.Error())
	} else {
		c.state.RecordSuccess(corestate.ComponentVector)
	}
	c.state.FinishIndexing(corestate.ComponentVector)
	c.publish()
	return err
}

// CancelIndexing interrupts an in-flight StartIndexing call, if any. It
// is idempotent: calling it with nothing running is a no-op.
func (c *Core) CancelIndexing() {
	c.mu.Lock()
	cancel := c.cancelIndexing
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.state.Cancel()
	c.publish()
}

// StopWatcher stops the file-watch subsystem without affecting search.
func (c *Core) StopWatcher() error {
	if c.watcher == nil {
		return fmt.Errorf("coreapi: no watcher configured")
	}
	return c.watcher.Stop()
}

// ClearIndexData wipes the vector/bm25/graph stores and the file-hash
// cache via the Indexer, then resets progress counters.
func (c *Core) ClearIndexData(ctx context.Context) error {
	if c.indexer == nil {
		return fmt.Errorf("coreapi: no indexer configured")
	}
	if err := c.indexer.ClearIndexData(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.progress = progressCounters{}
	c.mu.Unlock()
	return nil
}

// Search routes query through the Search Orchestrator.
func (c *Core) Search(ctx context.Context, query string, opts orchestrator.Options) ([]orchestrator.Result, orchestrator.Analysis, error) {
	if c.search == nil {
		return nil, orchestrator.Analysis{}, fmt.Errorf("coreapi: search orchestrator not configured")
	}
	return c.search.Search(ctx, query, opts)
}

// GetCurrentStatus returns a synchronous snapshot of system/component
// state and indexing progress.
func (c *Core) GetCurrentStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		SystemState:    c.state.SystemState(),
		VectorState:    c.state.SubState(corestate.ComponentVector),
		GraphState:     c.state.SubState(corestate.ComponentGraph),
		ProcessedFiles: c.progress.processedFiles,
		TotalFiles:     c.progress.totalFiles,
		ProcessedBlocks: c.progress.processedBlocks,
	}
	if c.progress.currentOp != "" {
		op := c.progress.currentOp
		s.CurrentOp = &op
	}
	if msg := c.state.Message(); msg != "" {
		s.Message = &msg
	} else if c.progress.message != "" {
		m := c.progress.message
		s.Message = &m
	}
	return s
}

// UpdateProgress lets the Indexer report file/block counts and the current
// operation label back through the port surface, mirroring
// internal/async.IndexProgress setters. Each update is also published to
// subscribers.
func (c *Core) UpdateProgress(processedFiles, totalFiles, processedBlocks int, currentOp string) {
	c.mu.Lock()
	c.progress.processedFiles = processedFiles
	c.progress.totalFiles = totalFiles
	c.progress.processedBlocks = processedBlocks
	c.progress.currentOp = currentOp
	c.mu.Unlock()
	c.publish()
}

// Subscribe returns a channel of status records updated as indexing
// progresses and state changes. The channel is buffered and sends are
// dropped when a subscriber lags, so consecutive events coalesce;
// subscribers must treat each record as a full snapshot.
func (c *Core) Subscribe() <-chan Status {
	ch := make(chan Status, 16)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()
	return ch
}

// publish sends the current status to every subscriber without blocking.
func (c *Core) publish() {
	status := c.GetCurrentStatus()
	c.mu.Lock()
	subs := c.subscribers
	c.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- status:
		default:
		}
	}
}

// RecoverFromError attempts to clear the State Manager's error state and
// resume normal operation.
func (c *Core) RecoverFromError(ctx context.Context) error {
	c.state.Recover()
	return nil
}

// GetDiagnosticSnapshot renders a single JSON-able document combining
// status and a sanitized config (credentials masked), via
// config.Config's json tags already excluding secrets (`json:"-"`) on
// password/api-key fields.
func (c *Core) GetDiagnosticSnapshot() Snapshot {
	c.mu.Lock()
	cfg := c.cfg
	collector := c.metrics
	c.mu.Unlock()

	var sanitized *config.Config
	if cfg != nil {
		sanitized = cfg.Sanitized()
	}

	var metricsSnapshot *metrics.Snapshot
	if collector != nil {
		s := collector.Snapshot()
		metricsSnapshot = &s
	}

	return Snapshot{
		Timestamp:     time.Now(),
		WorkspacePath: c.workspacePath,
		Status:        c.GetCurrentStatus(),
		Metrics:       metricsSnapshot,
		Config:        sanitized,
	}
}
