package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// PointPayload is the slice of a chunk's metadata carried alongside its
// embedding, enough for result enrichment without a metadata-store lookup.
type PointPayload struct {
	FilePath   string   `json:"file_path"`
	StartLine  int      `json:"start_line"`
	EndLine    int      `json:"end_line"`
	Identifier string   `json:"identifier,omitempty"`
	Kind       string   `json:"kind,omitempty"`
	Exports    []string `json:"exports,omitempty"`
}

// Point is one stored vector: the segment's embedding plus its payload,
// keyed by the segment ID shared with the BM25 and graph stores.
type Point struct {
	SegmentID string
	Embedding []float32
	Payload   PointPayload
}

// PointResult is one similarity hit from a VectorBackend search.
type PointResult struct {
	SegmentID string
	Score     float32
	Payload   PointPayload
}

// VectorBackend is the collection-level contract over an ANN store.
// HNSWBackend keeps everything embedded and on local disk; QdrantBackend
// talks to a remote instance. Callers must clear and re-index when
// Initialize reports a dimension mismatch.
type VectorBackend interface {
	// Initialize opens or creates the collection. hadPriorData reports
	// whether the collection already held points. A dimension mismatch
	// between the configured and stored dimension is returned as
	// ErrDimensionMismatch with hadPriorData=true.
	Initialize(ctx context.Context) (hadPriorData bool, err error)

	// Upsert inserts or replaces points by segment ID.
	Upsert(ctx context.Context, points []*Point) error

	// DeleteByFile removes every point whose payload file path matches.
	DeleteByFile(ctx context.Context, path string) error

	// DeleteByFiles removes points for several files in one call.
	DeleteByFiles(ctx context.Context, paths []string) error

	// SearchPoints returns up to limit points similar to vector, scored
	// in [0,1], filtered to scores >= minScore and, when directoryPrefix
	// is non-empty, to files under that prefix.
	SearchPoints(ctx context.Context, vector []float32, directoryPrefix string, minScore float32, limit int) ([]*PointResult, error)

	// ClearCollection drops every point.
	ClearCollection(ctx context.Context) error

	// MarkIndexingIncomplete flags the collection as mid-write, so a
	// crashed run is detectable on the next Initialize.
	MarkIndexingIncomplete(ctx context.Context) error

	// MarkIndexingComplete clears the mid-write flag.
	MarkIndexingComplete(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// HNSWBackend adapts the embedded HNSWStore to the VectorBackend
// contract, adding payload storage and a per-file index so deletes by
// file path don't scan the whole graph. Payloads and the incomplete
// marker persist as a JSON sidecar next to the graph file, written with
// the same temp-file-plus-rename discipline as the graph itself.
type HNSWBackend struct {
	mu sync.RWMutex

	store    *HNSWStore
	config   VectorStoreConfig
	dataPath string // graph file; sidecar is dataPath + ".payload.json"

	payloads   map[string]PointPayload // segment ID -> payload
	byFile     map[string][]string     // file path -> segment IDs
	incomplete bool
}

type hnswSidecar struct {
	Dimensions int                     `json:"dimensions"`
	Payloads   map[string]PointPayload `json:"payloads"`
	Incomplete bool                    `json:"incomplete"`
}

// NewHNSWBackend creates an embedded backend persisting under dataPath.
func NewHNSWBackend(cfg VectorStoreConfig, dataPath string) (*HNSWBackend, error) {
	store, err := NewHNSWStore(cfg)
	if err != nil {
		return nil, err
	}
	return &HNSWBackend{
		store:    store,
		config:   cfg,
		dataPath: dataPath,
		payloads: make(map[string]PointPayload),
		byFile:   make(map[string][]string),
	}, nil
}

func (b *HNSWBackend) sidecarPath() string {
	return b.dataPath + ".payload.json"
}

// Initialize loads the persisted graph and payload sidecar if present.
func (b *HNSWBackend) Initialize(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.sidecarPath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var sidecar hnswSidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		return false, err
	}

	if sidecar.Dimensions != 0 && b.config.Dimensions != 0 && sidecar.Dimensions != b.config.Dimensions {
		return true, ErrDimensionMismatch{Expected: b.config.Dimensions, Got: sidecar.Dimensions}
	}

	if err := b.store.Load(b.dataPath); err != nil {
		return true, err
	}

	b.payloads = sidecar.Payloads
	if b.payloads == nil {
		b.payloads = make(map[string]PointPayload)
	}
	b.byFile = make(map[string][]string)
	for id, p := range b.payloads {
		b.byFile[p.FilePath] = append(b.byFile[p.FilePath], id)
	}
	b.incomplete = sidecar.Incomplete

	return len(b.payloads) > 0, nil
}

// WasIncomplete reports whether the last run left the collection
// mid-write.
func (b *HNSWBackend) WasIncomplete() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.incomplete
}

// Upsert adds or replaces points and persists.
func (b *HNSWBackend) Upsert(ctx context.Context, points []*Point) error {
	if len(points) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, len(points))
	vectors := make([][]float32, len(points))
	for i, p := range points {
		ids[i] = p.SegmentID
		vectors[i] = p.Embedding
	}
	if err := b.store.Add(ctx, ids, vectors); err != nil {
		return err
	}

	for _, p := range points {
		if prev, ok := b.payloads[p.SegmentID]; ok {
			b.removeFileRefLocked(prev.FilePath, p.SegmentID)
		}
		b.payloads[p.SegmentID] = p.Payload
		b.byFile[p.Payload.FilePath] = append(b.byFile[p.Payload.FilePath], p.SegmentID)
	}

	return b.persistLocked()
}

// DeleteByFile removes every point for one file path.
func (b *HNSWBackend) DeleteByFile(ctx context.Context, path string) error {
	return b.DeleteByFiles(ctx, []string{path})
}

// DeleteByFiles removes points for several files in one call.
func (b *HNSWBackend) DeleteByFiles(ctx context.Context, paths []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []string
	for _, path := range paths {
		ids = append(ids, b.byFile[path]...)
		delete(b.byFile, path)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := b.store.Delete(ctx, ids); err != nil {
		return err
	}
	for _, id := range ids {
		delete(b.payloads, id)
	}
	return b.persistLocked()
}

// SearchPoints runs a similarity search, applying the directory-prefix
// and min-score filters before truncating to limit.
func (b *HNSWBackend) SearchPoints(ctx context.Context, vector []float32, directoryPrefix string, minScore float32, limit int) ([]*PointResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 {
		return nil, nil
	}

	// Over-fetch when a prefix filter will discard candidates.
	k := limit
	if directoryPrefix != "" {
		k = limit * 4
	}
	raw, err := b.store.Search(ctx, vector, k)
	if err != nil {
		return nil, err
	}

	results := make([]*PointResult, 0, limit)
	for _, r := range raw {
		if r.Score < minScore {
			continue
		}
		payload, ok := b.payloads[r.ID]
		if !ok {
			continue
		}
		if directoryPrefix != "" && !underPrefix(payload.FilePath, directoryPrefix) {
			continue
		}
		results = append(results, &PointResult{SegmentID: r.ID, Score: r.Score, Payload: payload})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// ClearCollection drops every point and the persisted files.
func (b *HNSWBackend) ClearCollection(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	fresh, err := NewHNSWStore(b.config)
	if err != nil {
		return err
	}
	_ = b.store.Close()
	b.store = fresh
	b.payloads = make(map[string]PointPayload)
	b.byFile = make(map[string][]string)
	b.incomplete = false

	if err := os.Remove(b.dataPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(b.sidecarPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MarkIndexingIncomplete flags the collection as mid-write.
func (b *HNSWBackend) MarkIndexingIncomplete(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.incomplete = true
	return b.persistSidecarLocked()
}

// MarkIndexingComplete clears the mid-write flag.
func (b *HNSWBackend) MarkIndexingComplete(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.incomplete = false
	return b.persistSidecarLocked()
}

// Close persists and releases the underlying graph.
func (b *HNSWBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.Close()
}

func (b *HNSWBackend) removeFileRefLocked(path, id string) {
	ids := b.byFile[path]
	for i, existing := range ids {
		if existing == id {
			b.byFile[path] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(b.byFile[path]) == 0 {
		delete(b.byFile, path)
	}
}

// persistLocked saves graph and sidecar. Callers must hold b.mu.
func (b *HNSWBackend) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(b.dataPath), 0o755); err != nil {
		return err
	}
	if err := b.store.Save(b.dataPath); err != nil {
		return err
	}
	return b.persistSidecarLocked()
}

// persistSidecarLocked writes the payload sidecar atomically.
func (b *HNSWBackend) persistSidecarLocked() error {
	if err := os.MkdirAll(filepath.Dir(b.dataPath), 0o755); err != nil {
		return err
	}
	sidecar := hnswSidecar{
		Dimensions: b.config.Dimensions,
		Payloads:   b.payloads,
		Incomplete: b.incomplete,
	}
	data, err := json.Marshal(&sidecar)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.sidecarPath()), ".payload-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, b.sidecarPath())
}

// underPrefix reports whether path sits under the directory prefix.
func underPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// pathPrefixes returns every ancestor directory of path, used by remote
// backends that index prefixes as payload keywords.
func pathPrefixes(path string) []string {
	var prefixes []string
	dir := filepath.ToSlash(filepath.Dir(path))
	for dir != "." && dir != "/" && dir != "" {
		prefixes = append(prefixes, dir)
		dir = filepath.ToSlash(filepath.Dir(dir))
	}
	sort.Strings(prefixes)
	return prefixes
}

var _ VectorBackend = (*HNSWBackend)(nil)
