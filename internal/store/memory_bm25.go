package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/codeindex-engine/core/internal/lexical"
)

// MemoryBM25Index adapts the in-memory Okapi index to the BM25Index
// interface. Scores come from the textbook formula with deterministic
// tie-breaking, which the FTS5 and bleve backends cannot guarantee;
// persistence is a JSON snapshot of the raw documents, re-tokenized on
// load.
type MemoryBM25Index struct {
	mu   sync.Mutex
	ix   *lexical.Index
	docs map[string]lexical.Doc
	path string
}

// NewMemoryBM25Index creates the in-memory backend. A non-empty path is
// loaded immediately when the snapshot file exists.
func NewMemoryBM25Index(path string, config BM25Config) (*MemoryBM25Index, error) {
	params := lexical.Params{K1: config.K1, B: config.B}
	m := &MemoryBM25Index{
		ix:   lexical.New(params),
		docs: make(map[string]lexical.Doc),
		path: path,
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := m.Load(path); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Index adds documents to the index.
func (m *MemoryBM25Index) Index(ctx context.Context, docs []*Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := make([]lexical.Doc, 0, len(docs))
	for _, d := range docs {
		doc := lexical.Doc{ID: d.ID, Content: d.Content}
		m.docs[d.ID] = doc
		batch = append(batch, doc)
	}
	m.ix.AddMany(batch)
	return nil
}

// Search returns up to limit documents by descending BM25 score.
func (m *MemoryBM25Index) Search(ctx context.Context, query string, limit int) ([]*BM25Result, error) {
	hits := m.ix.Search(query, limit)
	results := make([]*BM25Result, len(hits))
	for i, h := range hits {
		results[i] = &BM25Result{DocID: h.ID, Score: h.Score}
	}
	return results, nil
}

// Delete removes documents by ID.
func (m *MemoryBM25Index) Delete(ctx context.Context, docIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range docIDs {
		m.ix.Remove(id)
		delete(m.docs, id)
	}
	return nil
}

// AllIDs returns every indexed document ID.
func (m *MemoryBM25Index) AllIDs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	return ids, nil
}

// Stats reports index statistics.
func (m *MemoryBM25Index) Stats() *IndexStats {
	s := m.ix.Stats()
	return &IndexStats{
		DocumentCount: s.DocumentCount,
		TermCount:     s.TermCount,
		AvgDocLength:  s.AvgDocLength,
	}
}

// Save writes the document snapshot atomically (temp file + rename).
func (m *MemoryBM25Index) Save(path string) error {
	if path == "" {
		path = m.path
	}
	if path == "" {
		return nil // purely in-memory
	}

	m.mu.Lock()
	snapshot := make([]lexical.Doc, 0, len(m.docs))
	for _, d := range m.docs {
		snapshot = append(snapshot, d)
	}
	m.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".bm25-*.tmp")
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
	return os.Rename(tmpName, path)
}

// Load replaces the index contents from a snapshot file.
func (m *MemoryBM25Index) Load(path string) error {
	if path == "" {
		path = m.path
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snapshot []lexical.Doc
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ix.Clear()
	m.docs = make(map[string]lexical.Doc, len(snapshot))
	for _, d := range snapshot {
		m.docs[d.ID] = d
	}
	m.ix.AddMany(snapshot)
	return nil
}

// Close is a no-op; nothing is held open.
func (m *MemoryBM25Index) Close() error {
	return nil
}

var _ BM25Index = (*MemoryBM25Index)(nil)
