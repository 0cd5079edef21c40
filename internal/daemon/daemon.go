package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeindex-engine/core/internal/blockhash"
	"github.com/codeindex-engine/core/internal/chunk"
	"github.com/codeindex-engine/core/internal/config"
	"github.com/codeindex-engine/core/internal/embed"
	"github.com/codeindex-engine/core/internal/graph"
	"github.com/codeindex-engine/core/internal/index"
	"github.com/codeindex-engine/core/internal/scanner"
	"github.com/codeindex-engine/core/internal/search"
	"github.com/codeindex-engine/core/internal/store"
	"github.com/codeindex-engine/core/internal/watcher"
)

// Daemon keeps embedder and per-project stores resident so CLI searches
// answer over the Unix socket without cold-starting the stack. Loaded
// projects also get a live file watcher feeding the incremental index
// coordinator, so their indexes track edits while the daemon runs.
type Daemon struct {
	cfg     Config
	server  *Server
	pidFile *PIDFile

	embedder embed.Embedder
	started  time.Time

	mu       sync.RWMutex
	projects map[string]*projectState
}

// Option customizes a Daemon at construction.
type Option func(*Daemon)

// WithEmbedder injects a pre-built embedder instead of the config-driven
// default. Used by tests and by hosts that already hold one.
func WithEmbedder(e embed.Embedder) Option {
	return func(d *Daemon) {
		d.embedder = e
	}
}

// projectState is one loaded project's resident stores plus its live
// watcher. Fields are nil-safe in Close so partially loaded projects
// tear down cleanly.
type projectState struct {
	rootPath string
	loadedAt time.Time
	lastUsed time.Time

	metadata store.MetadataStore
	bm25     store.BM25Index
	vector   store.VectorStore
	engine   *search.Engine

	watch       *watcher.HybridWatcher
	watchCancel context.CancelFunc
	hashCache   *blockhash.Cache
}

// Close stops the watcher and releases the project's stores.
func (p *projectState) Close() error {
	if p.watchCancel != nil {
		p.watchCancel()
	}
	if p.watch != nil {
		_ = p.watch.Stop()
	}
	if p.hashCache != nil && p.hashCache.Dirty() {
		_ = p.hashCache.Persist()
	}
	if p.vector != nil {
		_ = p.vector.Close()
	}
	if p.bm25 != nil {
		_ = p.bm25.Close()
	}
	if p.metadata != nil {
		_ = p.metadata.Close()
	}
	return nil
}

// NewDaemon validates cfg and builds an idle Daemon; Start brings it up.
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		projects: make(map[string]*projectState),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start claims the PID file, binds the socket, and serves requests until
// ctx is cancelled. Stale PID files from dead processes are replaced.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.cfg.EnsureDir(); err != nil {
		return err
	}

	pf := NewPIDFile(d.cfg.PIDPath)
	if pf.IsRunning() {
		return fmt.Errorf("daemon already running (pid file %s)", d.cfg.PIDPath)
	}
	_ = pf.Remove() // stale entry from a dead process
	if err := pf.Write(); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	d.pidFile = pf
	defer func() { _ = pf.Remove() }()

	if d.embedder == nil {
		embedder, err := d.defaultEmbedder(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize embedder: %w", err)
		}
		d.embedder = embedder
	}

	server, err := NewServer(d.cfg.SocketPath)
	if err != nil {
		return err
	}
	server.SetHandler(d)
	d.server = server
	d.started = time.Now()

	slog.Info("daemon_started",
		slog.String("socket", d.cfg.SocketPath),
		slog.String("embedder", d.embedder.ModelName()))

	err = server.ListenAndServe(ctx)
	d.cleanup()
	return err
}

// defaultEmbedder builds the config-selected embedder, falling back to
// the static one so the daemon still serves BM25-quality results when no
// provider is reachable.
func (d *Daemon) defaultEmbedder(ctx context.Context) (embed.Embedder, error) {
	cfg := config.NewConfig()
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
	if err != nil {
		slog.Warn("falling back to static embedder",
			slog.String("provider", provider.String()),
			slog.String("error", err.Error()))
		return embed.NewStaticEmbedder768(), nil
	}
	return embedder, nil
}

// HandleSearch resolves the project for params.RootPath (loading it on
// first use) and runs a hybrid search against its resident engine.
func (d *Daemon) HandleSearch(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	p, err := d.getProject(ctx, params.RootPath)
	if err != nil {
		return nil, err
	}

	limit := params.Limit
	if limit == 0 {
		limit = 10
	}
	results, err := p.engine.Search(ctx, params.Query, search.SearchOptions{
		Limit:    limit,
		Filter:   params.Filter,
		Language: params.Language,
		Scopes:   params.Scopes,
		BM25Only: params.BM25Only,
		Explain:  params.Explain,
	})
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		out = append(out, SearchResult{
			FilePath:  r.Chunk.FilePath,
			StartLine: r.Chunk.StartLine,
			EndLine:   r.Chunk.EndLine,
			Score:     r.Score,
			Content:   r.Chunk.Content,
			Language:  r.Chunk.Language,
			BM25Score: r.BM25Score,
			VecScore:  r.VecScore,
			BM25Rank:  r.BM25Rank,
			VecRank:   r.VecRank,
		})
	}

	if params.Explain && len(results) > 0 && len(out) > 0 && results[0].Explain != nil {
		se := results[0].Explain
		out[0].Explain = &ExplainData{
			Query:             se.Query,
			Intent:            se.Intent,
			Backends:          se.Backends,
			BM25ResultCount:   se.BM25ResultCount,
			VectorResultCount: se.VectorResultCount,
			BM25Weight:        se.Weights.BM25,
			SemanticWeight:    se.Weights.Semantic,
			RRFConstant:       se.RRFConstant,
			BM25Only:          se.BM25Only,
			DimensionMismatch: se.DimensionMismatch,
		}
	}
	return out, nil
}

// GetStatus reports liveness, uptime, embedder readiness, and how many
// projects are resident.
func (d *Daemon) GetStatus() StatusResult {
	d.mu.Lock()
	loaded := len(d.projects)
	d.mu.Unlock()

	status := StatusResult{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         time.Since(d.started).Round(time.Second).String(),
		EmbedderType:   "unavailable",
		EmbedderStatus: "unavailable",
		ProjectsLoaded: loaded,
	}
	if d.embedder != nil {
		status.EmbedderType = d.embedder.ModelName()
		status.EmbedderStatus = "ready"
	}
	return status
}

// getProject returns the resident state for rootPath, loading and
// watching it on first use and evicting the least recently used project
// beyond cfg.MaxProjects.
func (d *Daemon) getProject(ctx context.Context, rootPath string) (*projectState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.projects[rootPath]; ok {
		p.lastUsed = time.Now()
		return p, nil
	}

	if len(d.projects) >= d.cfg.MaxProjects {
		d.evictLRU()
	}

	p, err := d.loadProject(ctx, rootPath)
	if err != nil {
		return nil, err
	}
	d.projects[rootPath] = p
	return p, nil
}

// loadProject opens a project's stores and starts its watcher-driven
// incremental update loop.
func (d *Daemon) loadProject(ctx context.Context, rootPath string) (*projectState, error) {
	dataDir := filepath.Join(rootPath, ".indexctl")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); err != nil {
		return nil, fmt.Errorf("no index found at %s (run 'indexctl index' first)", rootPath)
	}

	cfg, err := config.Load(rootPath)
	if err != nil {
		cfg = config.NewConfig()
	}

	p := &projectState{
		rootPath: rootPath,
		loadedAt: time.Now(),
		lastUsed: time.Now(),
	}
	fail := func(err error) (*projectState, error) {
		_ = p.Close()
		return nil, err
	}

	p.metadata, err = store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fail(fmt.Errorf("failed to open metadata: %w", err))
	}

	bm25Base := filepath.Join(dataDir, "bm25")
	p.bm25, err = store.NewBM25IndexWithBackend(bm25Base, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		return fail(fmt.Errorf("failed to open BM25 index: %w", err))
	}

	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(d.embedder.Dimensions()))
	if err != nil {
		return fail(fmt.Errorf("failed to create vector store: %w", err))
	}
	p.vector = vector
	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Warn("vector load failed, semantic search degraded",
				slog.String("path", vectorPath),
				slog.String("error", loadErr.Error()))
		}
	}

	// Graph-intent queries dispatch to the configured graph backend; a
	// connection failure leaves the project searchable without it.
	var graphSvc graph.Service
	if cfg.Graph.Enabled {
		svc, gerr := d.graphService(cfg)
		if gerr != nil {
			slog.Warn("graph service unavailable, graph search disabled",
				slog.String("error", gerr.Error()))
		} else {
			graphSvc = svc
		}
	}

	engineConfig := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineConfig.DefaultLimit = cfg.Search.MaxResults
	}
	p.engine, err = search.NewEngine(p.bm25, p.vector, d.embedder, p.metadata, engineConfig,
		search.WithGraph(graphSvc))
	if err != nil {
		return fail(fmt.Errorf("failed to build search engine: %w", err))
	}

	d.startWatching(ctx, p, cfg, dataDir, graphSvc)

	slog.Info("project_loaded", slog.String("root", rootPath))
	return p, nil
}

// startWatching wires a HybridWatcher into an index.Coordinator so edits
// under the project root update the resident index incrementally. A
// watcher failure leaves the project searchable with a stale index.
func (d *Daemon) startWatching(ctx context.Context, p *projectState, cfg *config.Config, dataDir string, graphSvc graph.Service) {
	w, err := watcher.NewHybridWatcher(watcher.DefaultOptions())
	if err != nil {
		slog.Warn("watcher unavailable, index will not track edits",
			slog.String("root", p.rootPath),
			slog.String("error", err.Error()))
		return
	}

	hashCache := blockhash.New(filepath.Join(dataDir, "filehashes.json"))
	if err := hashCache.Load(); err != nil {
		slog.Warn("hash cache load failed, re-indexing changed files unconditionally",
			slog.String("error", err.Error()))
	}
	p.hashCache = hashCache

	var graphSync *index.GraphSync
	if graphSvc != nil {
		graphSync = index.NewGraphSync(graphSvc)
	}

	s, err := scanner.New()
	if err != nil {
		slog.Warn("scanner unavailable for reconciliation", slog.String("error", err.Error()))
	}

	coordinator := index.NewCoordinator(index.CoordinatorConfig{
		ProjectID:       projectID(p.rootPath),
		RootPath:        p.rootPath,
		DataDir:         dataDir,
		Engine:          p.engine,
		Metadata:        p.metadata,
		CodeChunker:     chunk.NewCodeChunker(),
		MDChunker:       chunk.NewMarkdownChunker(),
		Scanner:         s,
		ExcludePatterns: cfg.Paths.Exclude,
		HashCache:       hashCache,
		Graph:           graphSync,
	})

	watchCtx, cancel := context.WithCancel(ctx)
	p.watch = w
	p.watchCancel = cancel

	if err := w.Start(watchCtx, p.rootPath); err != nil {
		slog.Warn("watcher start failed, index will not track edits",
			slog.String("root", p.rootPath),
			slog.String("error", err.Error()))
		cancel()
		p.watch = nil
		p.watchCancel = nil
		return
	}

	go func() {
		for {
			select {
			case <-watchCtx.Done():
				return
			case events, ok := <-w.Events():
				if !ok {
					return
				}
				if err := coordinator.HandleEvents(watchCtx, events); err != nil {
					slog.Warn("incremental update batch failed",
						slog.String("root", p.rootPath),
						slog.String("error", err.Error()))
				}
			case err, ok := <-w.Errors():
				if !ok {
					return
				}
				slog.Warn("watcher error", slog.String("error", err.Error()))
			}
		}
	}()
}

// graphService connects the configured graph backend: neo4j when a URL is
// set, the in-process memory graph otherwise.
func (d *Daemon) graphService(cfg *config.Config) (graph.Service, error) {
	if cfg.Graph.URL == "" {
		return graph.NewMemoryService(graph.DefaultConfig()), nil
	}
	return graph.NewNeo4jService(cfg.Graph.URL, cfg.Graph.Username, cfg.Graph.Password, cfg.Graph.Database, graph.DefaultConfig(), nil)
}

// evictLRU drops the least recently used project. Caller holds d.mu.
func (d *Daemon) evictLRU() {
	var oldestKey string
	var oldest time.Time
	for key, p := range d.projects {
		if oldestKey == "" || p.lastUsed.Before(oldest) {
			oldestKey = key
			oldest = p.lastUsed
		}
	}
	if oldestKey == "" {
		return
	}
	if p := d.projects[oldestKey]; p != nil {
		_ = p.Close()
	}
	delete(d.projects, oldestKey)
	slog.Info("project_evicted", slog.String("root", oldestKey))
}

// cleanup releases every project and the embedder.
func (d *Daemon) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, p := range d.projects {
		if p != nil {
			_ = p.Close()
		}
		delete(d.projects, key)
	}
	if d.embedder != nil {
		_ = d.embedder.Close()
		d.embedder = nil
	}
}

// projectID derives the metadata-store project key from a root path,
// matching the Runner's derivation.
func projectID(rootPath string) string {
	h := sha256.Sum256([]byte(rootPath))
	return hex.EncodeToString(h[:])[:16]
}
