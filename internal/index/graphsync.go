package index

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/codeindex-engine/core/internal/chunk"
	"github.com/codeindex-engine/core/internal/graph"
)

// GraphSync projects chunked files into the code-relationship graph:
// file and symbol nodes, CONTAINS/IMPORTS/CALLS/TESTED_BY edges. It is a
// best-effort enrichment layer — a failed write degrades the graph
// backend, never the vector/BM25 pipeline.
type GraphSync struct {
	service graph.Service
}

// NewGraphSync wraps a graph service. A nil service yields a nil
// GraphSync, which every method treats as "graph disabled".
func NewGraphSync(service graph.Service) *GraphSync {
	if service == nil {
		return nil
	}
	return &GraphSync{service: service}
}

var (
	goImportPattern     = regexp.MustCompile(`(?m)^\s*(?:import\s+)?(?:\w+\s+)?"([^"]+)"`)
	jsImportPattern     = regexp.MustCompile(`(?m)^\s*import\s+(?:.+\s+from\s+)?['"]([^'"]+)['"]`)
	pythonImportPattern = regexp.MustCompile(`(?m)^\s*(?:from\s+(\S+)\s+import|import\s+(\S+))`)
	callPattern         = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
)

// testFileMarkers matches the path shapes a test file can take.
var testFileMarkers = []string{"_test.", ".test.", ".spec.", "__tests__", "/test/", "/tests/"}

func isTestFile(path string) bool {
	for _, marker := range testFileMarkers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

// Sync replaces the graph content for the given files with nodes and
// edges derived from their chunks. Edges whose targets were not seen in
// this pass refer to nodes from earlier passes and are left to the
// service's dangling-edge policy.
func (g *GraphSync) Sync(ctx context.Context, chunks []*chunk.Chunk) error {
	if g == nil || len(chunks) == 0 {
		return nil
	}

	nodes, edges := g.project(chunks)

	if err := g.service.UpsertNodes(ctx, nodes); err != nil {
		return err
	}
	if err := g.service.CreateRelationships(ctx, edges); err != nil {
		return err
	}
	slog.Debug("graph_sync_complete",
		slog.Int("nodes", len(nodes)),
		slog.Int("edges", len(edges)))
	return nil
}

// DeleteFile removes a file's nodes (and their edges) from the graph.
func (g *GraphSync) DeleteFile(ctx context.Context, filePath string) error {
	if g == nil {
		return nil
	}
	return g.service.DeleteNodesByFile(ctx, filePath)
}

// Clear wipes the whole graph.
func (g *GraphSync) Clear(ctx context.Context) error {
	if g == nil {
		return nil
	}
	return g.service.ClearAll(ctx)
}

// project derives the node and edge sets for a batch of chunks.
func (g *GraphSync) project(chunks []*chunk.Chunk) ([]graph.Node, []graph.Edge) {
	var nodes []graph.Node
	var edges []graph.Edge

	files := make(map[string]bool)
	// symbolOwner maps a defined symbol name to its defining chunk, for
	// cross-chunk call resolution.
	type owner struct {
		filePath  string
		segmentID string
	}
	symbolOwner := make(map[string]owner)
	for _, c := range chunks {
		primary := chunkPrimarySymbol(c)
		for _, sym := range c.Symbols {
			if sym.Name == "" {
				continue
			}
			segmentID := ""
			if sym.Name == primary {
				segmentID = c.ID
			}
			symbolOwner[sym.Name] = owner{filePath: c.FilePath, segmentID: segmentID}
		}
	}

	for _, c := range chunks {
		if !files[c.FilePath] {
			files[c.FilePath] = true
			nodes = append(nodes, graph.Node{
				FilePath: c.FilePath,
				Name:     c.FilePath,
				Kind:     graph.NodeFile,
			})

			for _, imp := range extractImports(c.Context+"\n"+c.Content, c.Language) {
				nodes = append(nodes, graph.Node{
					FilePath: c.FilePath,
					Name:     imp,
					Kind:     graph.NodeImport,
				})
				edges = append(edges, graph.Edge{
					FromFilePath: c.FilePath, FromName: c.FilePath,
					ToFilePath: c.FilePath, ToName: imp,
					Kind: graph.EdgeImports,
				})
			}
		}

		// The chunk's primary symbol carries the segment ID; secondary
		// symbols in the same chunk fall back to (file, name) identity so
		// they don't collide on one key.
		primary := chunkPrimarySymbol(c)
		for _, sym := range c.Symbols {
			if sym.Name == "" {
				continue
			}
			segmentID := ""
			if sym.Name == primary {
				segmentID = c.ID
			}
			nodes = append(nodes, graph.Node{
				SegmentID: segmentID,
				FilePath:  c.FilePath,
				Name:      sym.Name,
				Kind:      nodeKindFor(sym.Type),
				Props: map[string]any{
					"start_line": sym.StartLine,
					"end_line":   sym.EndLine,
				},
			})
			edges = append(edges, graph.Edge{
				FromFilePath: c.FilePath, FromName: c.FilePath,
				ToSegmentID: segmentID, ToFilePath: c.FilePath, ToName: sym.Name,
				Kind: graph.EdgeContains,
			})
		}

		// Call edges: identifiers invoked in this chunk that some other
		// file defines. Same-name local shadowing is accepted noise —
		// this is lexical projection, not type resolution.
		body := c.RawContent
		if body == "" {
			body = c.Content
		}
		callerName := chunkPrimarySymbol(c)
		seen := make(map[string]bool)
		for _, m := range callPattern.FindAllStringSubmatch(body, -1) {
			callee := m[1]
			if seen[callee] || callee == callerName {
				continue
			}
			def, defined := symbolOwner[callee]
			if !defined || def.filePath == c.FilePath {
				continue
			}
			seen[callee] = true
			if isTestFile(c.FilePath) {
				edges = append(edges, graph.Edge{
					FromSegmentID: def.segmentID, FromFilePath: def.filePath, FromName: callee,
					ToFilePath: c.FilePath, ToName: c.FilePath,
					Kind: graph.EdgeTestedBy,
				})
				continue
			}
			edges = append(edges, graph.Edge{
				FromSegmentID: c.ID, FromFilePath: c.FilePath, FromName: callerName,
				ToSegmentID: def.segmentID, ToFilePath: def.filePath, ToName: callee,
				Kind: graph.EdgeCalls,
			})
		}
	}

	return nodes, edges
}

// chunkPrimarySymbol returns the first symbol name defined in the chunk,
// or the file path when the chunk defines none.
func chunkPrimarySymbol(c *chunk.Chunk) string {
	for _, sym := range c.Symbols {
		if sym.Name != "" {
			return sym.Name
		}
	}
	return c.FilePath
}

func nodeKindFor(t chunk.SymbolType) graph.NodeKind {
	switch t {
	case chunk.SymbolTypeFunction:
		return graph.NodeFunction
	case chunk.SymbolTypeMethod:
		return graph.NodeMethod
	case chunk.SymbolTypeClass:
		return graph.NodeClass
	case chunk.SymbolTypeInterface:
		return graph.NodeInterface
	default:
		return graph.NodeVariable
	}
}

// extractImports pulls import targets out of source text, per language.
func extractImports(content, language string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(imp string) {
		imp = strings.TrimSpace(imp)
		if imp != "" && !seen[imp] {
			seen[imp] = true
			out = append(out, imp)
		}
	}

	switch language {
	case "go":
		for _, m := range goImportPattern.FindAllStringSubmatch(content, -1) {
			add(m[1])
		}
	case "javascript", "typescript", "tsx", "jsx":
		for _, m := range jsImportPattern.FindAllStringSubmatch(content, -1) {
			add(m[1])
		}
	case "python":
		for _, m := range pythonImportPattern.FindAllStringSubmatch(content, -1) {
			if m[1] != "" {
				add(m[1])
			} else {
				add(m[2])
			}
		}
	}
	return out
}
