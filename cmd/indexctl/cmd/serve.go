package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/codeindex-engine/core/internal/blockhash"
	"github.com/codeindex-engine/core/internal/chunk"
	"github.com/codeindex-engine/core/internal/config"
	"github.com/codeindex-engine/core/internal/corestate"
	"github.com/codeindex-engine/core/internal/embed"
	"github.com/codeindex-engine/core/internal/graph"
	"github.com/codeindex-engine/core/internal/index"
	"github.com/codeindex-engine/core/internal/logging"
	mcpserver "github.com/codeindex-engine/core/internal/mcp"
	"github.com/codeindex-engine/core/internal/metrics"
	"github.com/codeindex-engine/core/internal/scanner"
	"github.com/codeindex-engine/core/internal/search"
	"github.com/codeindex-engine/core/internal/store"
	"github.com/codeindex-engine/core/internal/ui"
	"github.com/codeindex-engine/core/internal/watcher"
	"github.com/codeindex-engine/core/pkg/coreapi"
)

func newServeCmd() *cobra.Command {
	var (
		transport   string
		port        int
		sessionName string
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server for AI clients",
		Long: `Serves the index over the Model Context Protocol on stdio.
AI clients (Claude Code, Cursor) connect through this command to search
the codebase and drive indexing. All logging goes to the log file; stdout
carries only JSON-RPC.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if sessionName != "" {
				root, err := os.Getwd()
				if err != nil {
					return err
				}
				mgr, err := getSessionManager()
				if err != nil {
					return err
				}
				sess, err := mgr.Open(sessionName, root)
				if err != nil {
					return fmt.Errorf("failed to open session %q: %w", sessionName, err)
				}
				return runServeWithSession(ctx, sessionName, sess.ProjectPath, transport, port)
			}
			if debug {
				return serveProject(ctx, mustGetwd(), transport, port, "debug")
			}
			return runServe(ctx, transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "MCP transport (stdio)")
	cmd.Flags().IntVar(&port, "port", 0, "port for network transports (unused for stdio)")
	cmd.Flags().StringVar(&sessionName, "session", "", "named session to serve")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging to the log file")
	return cmd
}

func mustGetwd() string {
	root, err := os.Getwd()
	if err != nil {
		return "."
	}
	return root
}

// runServe starts the MCP server for the current working directory.
func runServe(ctx context.Context, transport string, port int) error {
	return serveProject(ctx, mustGetwd(), transport, port, "info")
}

// runServeWithSession serves a named session's project.
func runServeWithSession(ctx context.Context, name, projectPath, transport string, port int) error {
	slog.Info("serving session", slog.String("session", name), slog.String("root", projectPath))
	return serveProject(ctx, projectPath, transport, port, "info")
}

// verifyStdinForMCP rejects startup when stdin is an interactive
// terminal: the MCP client is expected to connect via pipe, and running
// interactively would just hang waiting for JSON-RPC that never comes.
func verifyStdinForMCP() error {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return fmt.Errorf("stdin is a terminal: the serve command expects an MCP client to connect via pipe (use your editor's MCP configuration, not an interactive shell)")
	}
	return nil
}

// serveProject wires stores, engine, port surface, and watcher for one
// project root and serves MCP until ctx is cancelled. The watcher starts
// in the background so slow filesystems never delay the MCP handshake.
func serveProject(ctx context.Context, root, transport string, port int, logLevel string) error {
	cleanup, err := logging.SetupMCPModeWithLevel(logLevel)
	if err == nil {
		defer cleanup()
	}

	if transport == "stdio" {
		if err := verifyStdinForMCP(); err != nil {
			slog.Warn("stdin validation failed", slog.String("error", err.Error()))
		}
	}

	dataDir := filepath.Join(root, ".indexctl")

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadata, err := store.NewSQLiteStore(filepath.Join(dataDir, "metadata.db"))
	if err != nil {
		return fmt.Errorf("failed to open metadata: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25, err := store.NewBM25IndexWithBackend(filepath.Join(dataDir, "bm25"), store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	embedder, err := buildServeEmbedder(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = embedder.Close() }()

	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(embedder.Dimensions()))
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()
	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Warn("vector load failed, semantic search degraded",
				slog.String("error", loadErr.Error()))
		}
	}

	// State manager + graph backend. A graph connection failure degrades
	// the graph sub-state and the server keeps serving hybrid search.
	state := corestate.New()
	var graphSvc graph.Service
	if cfg.Graph.Enabled {
		state.Enable(corestate.ComponentGraph)
		graphSvc, err = connectGraph(cfg)
		if err != nil {
			state.RecordFailure(corestate.ComponentGraph, 0, err.Error())
			slog.Warn("graph service unavailable, graph search disabled",
				slog.String("error", err.Error()))
			graphSvc = nil
		} else {
			state.RecordSuccess(corestate.ComponentGraph)
		}
	}

	// The engine routes every query through the search orchestrator
	// (intent classification, hybrid fusion, graph dispatch); the MCP
	// search tools and the coreapi port drive the same instance.
	engine, err := search.NewEngine(bm25, vector, embedder, metadata, engineConfigFrom(cfg),
		search.WithGraph(graphSvc))
	if err != nil {
		return fmt.Errorf("failed to build search engine: %w", err)
	}

	// Port surface: a Runner-backed indexer so MCP clients can trigger a
	// full reindex, with the renderer muted (stdout belongs to JSON-RPC).
	collector := metrics.New()
	var graphSync *index.GraphSync
	if graphSvc != nil {
		graphSync = index.NewGraphSync(graphSvc)
	}
	runner, err := index.NewRunner(index.RunnerDependencies{
		Renderer:    ui.NewPlainRenderer(ui.Config{Output: io.Discard, ForcePlain: true}),
		Config:      cfg,
		Metadata:    metadata,
		BM25:        bm25,
		Vector:      vector,
		Embedder:    embedder,
		Metrics:     collector,
		Graph:       graphSync,
		OnGraphError: func(err error) {
			state.RecordFailure(corestate.ComponentGraph, 0, err.Error())
		},
	})
	if err != nil {
		return fmt.Errorf("failed to build index runner: %w", err)
	}

	core := coreapi.New(root, cfg, state, engine.Orchestrator(),
		coreapi.NewRunnerIndexer(runner, index.RunnerConfig{RootDir: root, DataDir: dataDir}), nil)
	core.SetMetrics(collector)
	if _, err := core.Initialize(cfg); err != nil {
		return err
	}

	server, err := mcpserver.NewServer(engine, metadata, embedder, cfg, root)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	server.SetCore(core)

	// Watcher starts in the background: the MCP handshake must not wait
	// for recursive directory registration on slow filesystems.
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go startServeWatcher(watchCtx, root, dataDir, cfg, engine, metadata, graphSync)

	return server.Serve(ctx, transport, fmt.Sprintf(":%d", port))
}

// buildServeEmbedder creates the configured embedder, falling back to
// static embeddings when the provider is unreachable so BM25 search keeps
// working.
func buildServeEmbedder(ctx context.Context, cfg *config.Config) (embed.Embedder, error) {
	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
	if err != nil {
		slog.Warn("embedder unavailable, using static fallback",
			slog.String("provider", provider.String()),
			slog.String("error", err.Error()))
		return embed.NewStaticEmbedder768(), nil
	}
	return embedder, nil
}

// connectGraph dials the configured graph backend.
func connectGraph(cfg *config.Config) (graph.Service, error) {
	if cfg.Graph.URL == "" {
		return graph.NewMemoryService(graph.DefaultConfig()), nil
	}
	return graph.NewNeo4jService(cfg.Graph.URL, cfg.Graph.Username, cfg.Graph.Password, cfg.Graph.Database, graph.DefaultConfig(), nil)
}

// engineConfigFrom maps the project's search config onto engine settings.
func engineConfigFrom(cfg *config.Config) search.EngineConfig {
	engineConfig := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineConfig.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineConfig.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}
	if cfg.Search.RRFConstant > 0 {
		engineConfig.RRFConstant = cfg.Search.RRFConstant
	}
	return engineConfig
}

// startServeWatcher brings up the file watcher and incremental
// coordinator for the served project. Startup is bounded by
// INDEXCTL_WATCHER_STARTUP_TIMEOUT (default 30s); on timeout or error the
// server keeps running with a static index.
func startServeWatcher(ctx context.Context, root, dataDir string, cfg *config.Config, engine *search.Engine, metadata store.MetadataStore, graphSync *index.GraphSync) {
	startupTimeout := 30 * time.Second
	if v := os.Getenv("INDEXCTL_WATCHER_STARTUP_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			startupTimeout = parsed
		}
	}

	w, err := watcher.NewHybridWatcher(watcher.DefaultOptions())
	if err != nil {
		slog.Warn("watcher unavailable, index will not track edits", slog.String("error", err.Error()))
		return
	}

	// Bound how long we wait on registration, but never tie the watcher's
	// lifetime to the startup timeout.
	startErr := make(chan error, 1)
	go func() { startErr <- w.Start(ctx, root) }()
	select {
	case err := <-startErr:
		if err != nil {
			slog.Warn("watcher start failed, index will not track edits", slog.String("error", err.Error()))
			_ = w.Stop()
			return
		}
	case <-time.After(startupTimeout):
		slog.Warn("watcher registration slow, continuing while it finishes",
			slog.Duration("waited", startupTimeout))
	case <-ctx.Done():
		_ = w.Stop()
		return
	}
	defer func() { _ = w.Stop() }()

	hashCache := blockhash.New(filepath.Join(dataDir, "filehashes.json"))
	if err := hashCache.Load(); err != nil {
		slog.Warn("hash cache load failed", slog.String("error", err.Error()))
	}

	s, err := scanner.New()
	if err != nil {
		slog.Warn("scanner unavailable for reconciliation", slog.String("error", err.Error()))
	}

	coordinator := index.NewCoordinator(index.CoordinatorConfig{
		ProjectID:       hashString(root),
		RootPath:        root,
		DataDir:         dataDir,
		Engine:          engine,
		Metadata:        metadata,
		CodeChunker:     chunk.NewCodeChunker(),
		MDChunker:       chunk.NewMarkdownChunker(),
		Scanner:         s,
		ExcludePatterns: cfg.Paths.Exclude,
		HashCache:       hashCache,
		Graph:           graphSync,
	})

	if err := coordinator.ReconcileOnStartup(ctx); err != nil {
		slog.Warn("startup reconciliation failed", slog.String("error", err.Error()))
	}

	slog.Info("watcher_started", slog.String("root", root))
	for {
		select {
		case <-ctx.Done():
			return
		case events, ok := <-w.Events():
			if !ok {
				return
			}
			if err := coordinator.HandleEvents(ctx, events); err != nil {
				slog.Warn("incremental update batch failed", slog.String("error", err.Error()))
			}
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			slog.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}
