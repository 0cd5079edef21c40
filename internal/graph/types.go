package graph

// NodeKind is one of the engine's graph node kinds.
type NodeKind string

const (
	NodeFile      NodeKind = "file"
	NodeFunction  NodeKind = "function"
	NodeMethod    NodeKind = "method"
	NodeClass     NodeKind = "class"
	NodeInterface NodeKind = "interface"
	NodeVariable  NodeKind = "variable"
	NodeImport    NodeKind = "import"
)

// EdgeKind is one of the engine's graph edge kinds.
type EdgeKind string

const (
	EdgeContains     EdgeKind = "CONTAINS"
	EdgeCalls        EdgeKind = "CALLS"
	EdgeCalledBy     EdgeKind = "CALLED_BY"
	EdgeImports      EdgeKind = "IMPORTS"
	EdgeExtends      EdgeKind = "EXTENDS"
	EdgeImplements   EdgeKind = "IMPLEMENTS"
	EdgeTestedBy     EdgeKind = "TESTED_BY"
	EdgeHasType      EdgeKind = "HAS_TYPE"
	EdgeReturnsType  EdgeKind = "RETURNS_TYPE"
	EdgeAcceptsType  EdgeKind = "ACCEPTS_TYPE"
)

// Node is a labeled-property-graph node. Nodes are identified by SegmentID
// where one is available (functions, methods, classes, …); otherwise by
// the (FilePath, Name) pair (e.g. a bare import).
type Node struct {
	SegmentID string
	FilePath  string
	Name      string
	Kind      NodeKind
	Props     map[string]any
}

// key returns the node identity used for dangling-edge validation.
func (n Node) key() string {
	if n.SegmentID != "" {
		return "seg:" + n.SegmentID
	}
	return "path:" + n.FilePath + "#" + n.Name
}

// Edge is a directed, typed relationship between two nodes, referenced by
// their Node.key() identity.
type Edge struct {
	FromSegmentID, FromFilePath, FromName string
	ToSegmentID, ToFilePath, ToName       string
	Kind                                  EdgeKind
	Props                                 map[string]any
}

func (e Edge) fromKey() string {
	if e.FromSegmentID != "" {
		return "seg:" + e.FromSegmentID
	}
	return "path:" + e.FromFilePath + "#" + e.FromName
}

func (e Edge) toKey() string {
	if e.ToSegmentID != "" {
		return "seg:" + e.ToSegmentID
	}
	return "path:" + e.ToFilePath + "#" + e.ToName
}

// ResultNode is a node returned from a find query, carrying just enough
// to let the search orchestrator attach it to a hybrid result set.
type ResultNode struct {
	SegmentID string
	FilePath  string
	Name      string
	Kind      NodeKind
	Depth     int // hops from the query symbol, for find_impacted_nodes
}
