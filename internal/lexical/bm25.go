// Package lexical implements an in-memory Okapi BM25 index over code
// documents. Unlike the persistent FTS5/bleve backends, it scores with
// the textbook formula directly, which makes ranking reproducible:
// results are ordered by descending score with ties broken by insertion
// order. Reads may run concurrently; writes are serialized.
package lexical

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Params are the Okapi BM25 tuning constants.
type Params struct {
	K1 float64
	B  float64
}

// DefaultParams returns the conventional k1=1.2, b=0.75.
func DefaultParams() Params {
	return Params{K1: 1.2, B: 0.75}
}

// Doc is a document to index.
type Doc struct {
	ID       string
	FilePath string
	Content  string
}

// Hit is one scored search result.
type Hit struct {
	ID    string
	Score float64
}

// Stats summarizes the index.
type Stats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
}

type docEntry struct {
	filePath string
	length   int // token count
	seq      int // insertion order, for deterministic tie-breaking
}

// Index is the in-memory inverted index.
type Index struct {
	params Params

	mu       sync.RWMutex
	docs     map[string]*docEntry
	postings map[string]map[string]int // term -> doc ID -> term frequency
	byFile   map[string][]string       // file path -> doc IDs
	totalLen int
	nextSeq  int
}

// New creates an empty index with the given parameters. Zero params fall
// back to the defaults.
func New(params Params) *Index {
	if params.K1 == 0 {
		params.K1 = DefaultParams().K1
	}
	if params.B == 0 {
		params.B = DefaultParams().B
	}
	return &Index{
		params:   params,
		docs:     make(map[string]*docEntry),
		postings: make(map[string]map[string]int),
		byFile:   make(map[string][]string),
	}
}

// tokenize lowercases and splits on non-alphanumeric boundaries, keeping
// underscores so identifiers survive as single terms.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// Add indexes one document, replacing any previous document with the
// same ID.
func (ix *Index) Add(doc Doc) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.addLocked(doc)
}

// AddMany indexes a batch under one write lock.
func (ix *Index) AddMany(docs []Doc) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, doc := range docs {
		ix.addLocked(doc)
	}
}

func (ix *Index) addLocked(doc Doc) {
	if _, exists := ix.docs[doc.ID]; exists {
		ix.removeLocked(doc.ID)
	}

	tokens := tokenize(doc.Content)
	entry := &docEntry{
		filePath: doc.FilePath,
		length:   len(tokens),
		seq:      ix.nextSeq,
	}
	ix.nextSeq++
	ix.docs[doc.ID] = entry
	ix.totalLen += entry.length
	if doc.FilePath != "" {
		ix.byFile[doc.FilePath] = append(ix.byFile[doc.FilePath], doc.ID)
	}

	for _, term := range tokens {
		posting := ix.postings[term]
		if posting == nil {
			posting = make(map[string]int)
			ix.postings[term] = posting
		}
		posting[doc.ID]++
	}
}

// Remove deletes one document by ID. Unknown IDs are a no-op.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
}

// RemoveByFile deletes every document indexed under a file path.
func (ix *Index) RemoveByFile(filePath string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, id := range ix.byFile[filePath] {
		ix.removeDocOnly(id)
	}
	delete(ix.byFile, filePath)
}

func (ix *Index) removeLocked(id string) {
	entry, ok := ix.docs[id]
	if !ok {
		return
	}
	if entry.filePath != "" {
		ids := ix.byFile[entry.filePath]
		for i, candidate := range ids {
			if candidate == id {
				ix.byFile[entry.filePath] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(ix.byFile[entry.filePath]) == 0 {
			delete(ix.byFile, entry.filePath)
		}
	}
	ix.removeDocOnly(id)
}

// removeDocOnly drops the doc and its postings without touching byFile.
func (ix *Index) removeDocOnly(id string) {
	entry, ok := ix.docs[id]
	if !ok {
		return
	}
	ix.totalLen -= entry.length
	delete(ix.docs, id)
	for term, posting := range ix.postings {
		if _, ok := posting[id]; ok {
			delete(posting, id)
			if len(posting) == 0 {
				delete(ix.postings, term)
			}
		}
	}
}

// Search scores every document containing at least one query term and
// returns at most limit hits, descending by score, ties broken by
// insertion order.
func (ix *Index) Search(query string, limit int) []Hit {
	if limit <= 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.docs)
	if n == 0 {
		return nil
	}
	avgLen := float64(ix.totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make(map[string]float64)
	for _, term := range tokenize(query) {
		posting, ok := ix.postings[term]
		if !ok {
			continue
		}
		df := len(posting)
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		for id, tf := range posting {
			entry := ix.docs[id]
			norm := 1 - ix.params.B + ix.params.B*float64(entry.length)/avgLen
			scores[id] += idf * (float64(tf) * (ix.params.K1 + 1)) / (float64(tf) + ix.params.K1*norm)
		}
	}
	if len(scores) == 0 {
		return nil
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, Hit{ID: id, Score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return ix.docs[hits[i].ID].seq < ix.docs[hits[j].ID].seq
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Clear empties the index.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.docs = make(map[string]*docEntry)
	ix.postings = make(map[string]map[string]int)
	ix.byFile = make(map[string][]string)
	ix.totalLen = 0
	ix.nextSeq = 0
}

// Stats reports index size and average document length.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s := Stats{
		DocumentCount: len(ix.docs),
		TermCount:     len(ix.postings),
	}
	if s.DocumentCount > 0 {
		s.AvgDocLength = float64(ix.totalLen) / float64(s.DocumentCount)
	}
	return s
}
