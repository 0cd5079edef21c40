package graph

import (
	"context"
	"sync"
)

// MemoryService is a lightweight in-process Service implementation used
// for tests and for workspaces that enable the graph feature without a
// dedicated Cypher database. It implements the same dangling-edge and
// batching contract as Neo4jService but keeps everything in memory.
type MemoryService struct {
	cfg Config

	mu    sync.RWMutex
	nodes map[string]Node          // key -> node
	byName map[string][]string     // name -> keys (nodes sharing a display name)
	out   map[string][]Edge        // from key -> outgoing edges
	in    map[string][]Edge        // to key -> incoming edges
}

// NewMemoryService constructs an empty in-memory graph.
func NewMemoryService(cfg Config) *MemoryService {
	return &MemoryService{
		cfg:    cfg,
		nodes:  make(map[string]Node),
		byName: make(map[string][]string),
		out:    make(map[string][]Edge),
		in:     make(map[string][]Edge),
	}
}

var _ Service = (*MemoryService)(nil)

func (m *MemoryService) UpsertNodes(_ context.Context, nodes []Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nodes {
		k := n.key()
		if _, exists := m.nodes[k]; !exists {
			m.byName[n.Name] = append(m.byName[n.Name], k)
		}
		m.nodes[k] = n
	}
	return nil
}

func (m *MemoryService) CreateRelationships(_ context.Context, edges []Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range edges {
		fromKey, toKey := e.fromKey(), e.toKey()
		_, fromOK := m.nodes[fromKey]
		_, toOK := m.nodes[toKey]
		if !fromOK || !toOK {
			if m.cfg.StrictValidation {
				return ErrUnknownNode
			}
			continue // dangling edge, silently dropped in lenient mode
		}
		m.out[fromKey] = append(m.out[fromKey], e)
		m.in[toKey] = append(m.in[toKey], e)
	}
	return nil
}

func (m *MemoryService) DeleteNodesByFile(_ context.Context, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, n := range m.nodes {
		if n.FilePath != filePath {
			continue
		}
		delete(m.nodes, k)
		delete(m.out, k)
		delete(m.in, k)
		names := m.byName[n.Name]
		for i, candidate := range names {
			if candidate == k {
				m.byName[n.Name] = append(names[:i], names[i+1:]...)
				break
			}
		}
	}
	for k, edges := range m.out {
		m.out[k] = filterEdges(edges, filePath)
	}
	for k, edges := range m.in {
		m.in[k] = filterEdges(edges, filePath)
	}
	return nil
}

func filterEdges(edges []Edge, filePath string) []Edge {
	kept := edges[:0]
	for _, e := range edges {
		if e.FromFilePath == filePath || e.ToFilePath == filePath {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func (m *MemoryService) ClearAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = make(map[string]Node)
	m.byName = make(map[string][]string)
	m.out = make(map[string][]Edge)
	m.in = make(map[string][]Edge)
	return nil
}

func (m *MemoryService) nodeByKey(key string) (Node, bool) {
	n, ok := m.nodes[key]
	return n, ok
}

func (m *MemoryService) keysForName(name string) []string {
	return m.byName[name]
}

func (m *MemoryService) FindCallers(_ context.Context, name string) ([]ResultNode, error) {
	return m.findByKind(name, EdgeCalls, true), nil
}

func (m *MemoryService) FindCallees(_ context.Context, name string) ([]ResultNode, error) {
	return m.findByKind(name, EdgeCalls, false), nil
}

func (m *MemoryService) FindDependencies(_ context.Context, name string) ([]ResultNode, error) {
	return m.findByAnyKind(name, []EdgeKind{EdgeImports, EdgeExtends, EdgeImplements}, false), nil
}

func (m *MemoryService) FindDependents(_ context.Context, name string) ([]ResultNode, error) {
	return m.findByAnyKind(name, []EdgeKind{EdgeImports, EdgeExtends, EdgeImplements}, true), nil
}

// findByKind walks, for each node named `name`, either its incoming edges
// of `kind` (incoming=true, "who calls me") or its outgoing ones
// (incoming=false, "who do I call").
func (m *MemoryService) findByKind(name string, kind EdgeKind, incoming bool) []ResultNode {
	return m.findByAnyKind(name, []EdgeKind{kind}, incoming)
}

func (m *MemoryService) findByAnyKind(name string, kinds []EdgeKind, incoming bool) []ResultNode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	kindSet := make(map[EdgeKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	var results []ResultNode
	seen := make(map[string]bool)
	for _, k := range m.keysForName(name) {
		var edges []Edge
		if incoming {
			edges = m.in[k]
		} else {
			edges = m.out[k]
		}
		for _, e := range edges {
			if !kindSet[e.Kind] {
				continue
			}
			var otherKey string
			if incoming {
				otherKey = e.fromKey()
			} else {
				otherKey = e.toKey()
			}
			if seen[otherKey] {
				continue
			}
			seen[otherKey] = true
			if n, ok := m.nodeByKey(otherKey); ok {
				results = append(results, ResultNode{SegmentID: n.SegmentID, FilePath: n.FilePath, Name: n.Name, Kind: n.Kind, Depth: 1})
			}
		}
	}
	return results
}

// FindImpactedNodes performs a breadth-first walk up to depth hops over
// CALLS/IMPORTS/EXTENDS/IMPLEMENTS incoming edges from every node named
// name — the transitive blast radius of a change to that symbol.
func (m *MemoryService) FindImpactedNodes(_ context.Context, name string, depth int) ([]ResultNode, error) {
	if depth <= 0 {
		depth = 1
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	visited := make(map[string]int)
	frontier := append([]string{}, m.keysForName(name)...)
	for _, k := range frontier {
		visited[k] = 0
	}

	var results []ResultNode
	for d := 1; d <= depth && len(frontier) > 0; d++ {
		next := make([]string, 0)
		for _, k := range frontier {
			for _, e := range m.in[k] {
				from := e.fromKey()
				if _, ok := visited[from]; ok {
					continue
				}
				visited[from] = d
				next = append(next, from)
				if n, ok := m.nodeByKey(from); ok {
					results = append(results, ResultNode{SegmentID: n.SegmentID, FilePath: n.FilePath, Name: n.Name, Kind: n.Kind, Depth: d})
				}
			}
		}
		frontier = next
	}
	return results, nil
}

func (m *MemoryService) ExecuteQuery(_ context.Context, _ string, _ map[string]any) ([]map[string]any, error) {
	// The in-memory backend has no query engine; arbitrary Cypher is only
	// supported against Neo4jService. Returning an empty result keeps the
	// Search Orchestrator's "unsupported intents produce empty graph
	// results" contract rather than erroring the whole search.
	return nil, nil
}
