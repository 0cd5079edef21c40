package hybrid

import (
	"context"
	"unicode"

	"github.com/codeindex-engine/core/internal/embed"
	"github.com/codeindex-engine/core/internal/store"
)

// VectorStoreAdapter exposes an embedder + vector store pair as a
// VectorSearcher: the query is embedded, the nearest chunks fetched, and
// each hit enriched with its file path and exported symbols from the
// metadata store.
type VectorStoreAdapter struct {
	vector   store.VectorStore
	embedder embed.Embedder
	metadata store.MetadataStore
}

// NewVectorStoreAdapter wires the concrete stores into the hybrid
// service's vector backend.
func NewVectorStoreAdapter(vector store.VectorStore, embedder embed.Embedder, metadata store.MetadataStore) *VectorStoreAdapter {
	return &VectorStoreAdapter{vector: vector, embedder: embedder, metadata: metadata}
}

// Search implements VectorSearcher.
func (a *VectorStoreAdapter) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	embedding, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := a.vector.Search(ctx, embedding, limit)
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		c := Candidate{ID: h.ID, Score: float64(h.Score)}
		enrichCandidate(ctx, a.metadata, &c)
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// BM25StoreAdapter exposes a BM25 index as a BM25Searcher with the same
// metadata enrichment as the vector adapter.
type BM25StoreAdapter struct {
	bm25     store.BM25Index
	metadata store.MetadataStore
}

// NewBM25StoreAdapter wires the concrete BM25 index into the hybrid
// service's lexical backend.
func NewBM25StoreAdapter(bm25 store.BM25Index, metadata store.MetadataStore) *BM25StoreAdapter {
	return &BM25StoreAdapter{bm25: bm25, metadata: metadata}
}

// Search implements BM25Searcher.
func (a *BM25StoreAdapter) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	hits, err := a.bm25.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		c := Candidate{ID: h.DocID, Score: h.Score}
		enrichCandidate(ctx, a.metadata, &c)
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// enrichCandidate fills FilePath and Exports from chunk metadata.
// Enrichment is best-effort: a missing chunk leaves the candidate bare
// rather than failing the search.
func enrichCandidate(ctx context.Context, metadata store.MetadataStore, c *Candidate) {
	if metadata == nil {
		return
	}
	chunk, err := metadata.GetChunk(ctx, c.ID)
	if err != nil || chunk == nil {
		return
	}
	c.FilePath = chunk.FilePath
	for _, sym := range chunk.Symbols {
		if sym.Name != "" && unicode.IsUpper(rune(sym.Name[0])) {
			c.Exports = append(c.Exports, sym.Name)
		}
	}
}

var (
	_ VectorSearcher = (*VectorStoreAdapter)(nil)
	_ BM25Searcher   = (*BM25StoreAdapter)(nil)
)
