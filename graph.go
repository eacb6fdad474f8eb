package engram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// DefaultNodeType is used when a node is added without a type.
	DefaultNodeType = "concept"
	// DefaultNodeThreshold is the minimum cosine similarity for node search.
	DefaultNodeThreshold = 0.5
	// DefaultNodeLimit is the node search result cap when none is given.
	DefaultNodeLimit = 5
	// DefaultPathDepth bounds path searches when no depth is given.
	DefaultPathDepth = 5
)

// NodeSearch describes one node similarity search.
type NodeSearch struct {
	UserID string
	Query  string
	// Limit caps results. Zero means DefaultNodeLimit.
	Limit int
	// MinSimilarity excludes weaker matches. Zero means
	// DefaultNodeThreshold; pass a negative value to disable the floor.
	MinSimilarity float64
	// NodeType optionally restricts to one type.
	NodeType string
}

// KnowledgeGraph manages per-user typed nodes and edges. Node labels are
// embedded on insert so the graph is searchable by meaning; traversals are
// bounded by depth and never leave the owner's partition.
type KnowledgeGraph struct {
	store    GraphStore
	embedder *Embedder
	logger   *slog.Logger
}

// GraphOption configures a KnowledgeGraph.
type GraphOption func(*KnowledgeGraph)

// WithGraphLogger sets the structured logger.
func WithGraphLogger(l *slog.Logger) GraphOption {
	return func(g *KnowledgeGraph) { g.logger = l }
}

// NewKnowledgeGraph creates the graph layer over store.
func NewKnowledgeGraph(store GraphStore, embedder *Embedder, opts ...GraphOption) *KnowledgeGraph {
	g := &KnowledgeGraph{store: store, embedder: embedder, logger: nopLogger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddNode embeds the label together with the node type and inserts the
// node. Label must be non-empty; the type defaults to "concept".
func (g *KnowledgeGraph) AddNode(ctx context.Context, n Node) (Node, error) {
	n.Label = strings.TrimSpace(n.Label)
	if n.UserID == "" || n.Label == "" {
		return Node{}, &ErrGraph{Op: "add node", Err: fmt.Errorf("user id and label must be non-empty")}
	}
	if n.NodeType == "" {
		n.NodeType = DefaultNodeType
	}
	if n.ID == "" {
		n.ID = NewID()
	}
	// Typing the embedding keeps same-label nodes of different kinds
	// distinguishable in similarity search.
	vec, err := g.embedder.EmbedOne(ctx, n.Label+" "+n.NodeType)
	if err != nil {
		return Node{}, fmt.Errorf("graph: embed label: %w", err)
	}
	n.Embedding = vec

	stored, err := g.store.AddNode(ctx, n)
	if err != nil {
		return Node{}, fmt.Errorf("graph: add node: %w", err)
	}
	g.logger.Debug("node added", "user", HashID(n.UserID), "type", n.NodeType)
	return stored, nil
}

// GetNode fetches one node by id.
func (g *KnowledgeGraph) GetNode(ctx context.Context, userID, id string) (Node, bool, error) {
	n, ok, err := g.store.GetNode(ctx, userID, id)
	if err != nil {
		return Node{}, false, fmt.Errorf("graph: get node: %w", err)
	}
	return n, ok, nil
}

// FindNode fetches a node by exact label and type.
func (g *KnowledgeGraph) FindNode(ctx context.Context, userID, label, nodeType string) (Node, bool, error) {
	n, ok, err := g.store.FindNode(ctx, userID, strings.TrimSpace(label), nodeType)
	if err != nil {
		return Node{}, false, fmt.Errorf("graph: find node: %w", err)
	}
	return n, ok, nil
}

// EnsureNode returns the existing node with the given label and type or
// inserts it. Used when extracting entities from conversation.
func (g *KnowledgeGraph) EnsureNode(ctx context.Context, userID, label, nodeType string) (Node, error) {
	if nodeType == "" {
		nodeType = DefaultNodeType
	}
	n, ok, err := g.FindNode(ctx, userID, label, nodeType)
	if err != nil {
		return Node{}, err
	}
	if ok {
		return n, nil
	}
	return g.AddNode(ctx, Node{UserID: userID, Label: label, NodeType: nodeType})
}

// AddEdge inserts a directed, typed edge. Both endpoints must belong to
// e.UserID; the store rejects cross-user references.
func (g *KnowledgeGraph) AddEdge(ctx context.Context, e Edge) (Edge, error) {
	if e.UserID == "" || e.SourceID == "" || e.TargetID == "" || e.EdgeType == "" {
		return Edge{}, &ErrGraph{Op: "add edge", Err: fmt.Errorf("user id, endpoints, and edge type must be non-empty")}
	}
	if e.Weight == 0 {
		e.Weight = 1
	}
	if e.ID == "" {
		e.ID = NewID()
	}
	stored, err := g.store.AddEdge(ctx, e)
	if err != nil {
		return Edge{}, fmt.Errorf("graph: add edge: %w", err)
	}
	return stored, nil
}

// SearchNodes embeds the query and returns matching nodes, strongest first.
func (g *KnowledgeGraph) SearchNodes(ctx context.Context, q NodeSearch) ([]NodeMatch, error) {
	if q.UserID == "" {
		return nil, &ErrGraph{Op: "search", Err: fmt.Errorf("user id must be non-empty")}
	}
	if strings.TrimSpace(q.Query) == "" {
		return nil, nil
	}
	if q.Limit <= 0 {
		q.Limit = DefaultNodeLimit
	}
	minSim := q.MinSimilarity
	if minSim == 0 {
		minSim = DefaultNodeThreshold
	} else if minSim < 0 {
		minSim = -1
	}
	vec, err := g.embedder.EmbedOne(ctx, q.Query)
	if err != nil {
		return nil, fmt.Errorf("graph: embed query: %w", err)
	}
	matches, err := g.store.SearchNodes(ctx, NodeQuery{
		UserID:        q.UserID,
		Embedding:     vec,
		Limit:         q.Limit,
		MinSimilarity: minSim,
		NodeType:      q.NodeType,
	})
	if err != nil {
		return nil, fmt.Errorf("graph: search nodes: %w", err)
	}
	return matches, nil
}

// Neighbors lists nodes adjacent to nodeID. Direction defaults to both.
func (g *KnowledgeGraph) Neighbors(ctx context.Context, userID, nodeID string, dir Direction, edgeType string) ([]Node, error) {
	if dir == "" {
		dir = DirectionBoth
	}
	nodes, err := g.store.Neighbors(ctx, userID, nodeID, dir, edgeType)
	if err != nil {
		return nil, fmt.Errorf("graph: neighbors: %w", err)
	}
	return nodes, nil
}

// NodeEdges lists edges touching nodeID, optionally filtered by type.
func (g *KnowledgeGraph) NodeEdges(ctx context.Context, userID, nodeID, edgeType string) ([]Edge, error) {
	edges, err := g.store.NodeEdges(ctx, userID, nodeID, edgeType)
	if err != nil {
		return nil, fmt.Errorf("graph: node edges: %w", err)
	}
	return edges, nil
}

// FindPath returns the node ids of a shortest directed path from fromID to
// toID, inclusive, restricted to the user's nodes and at most maxDepth
// hops. Returns nil when no path exists.
func (g *KnowledgeGraph) FindPath(ctx context.Context, userID, fromID, toID string, maxDepth int, edgeTypes []string) ([]string, error) {
	if fromID == "" || toID == "" {
		return nil, &ErrGraph{Op: "find path", Err: fmt.Errorf("endpoints must be non-empty")}
	}
	if maxDepth <= 0 {
		maxDepth = DefaultPathDepth
	}
	path, err := g.store.FindPath(ctx, userID, fromID, toID, maxDepth, edgeTypes)
	if err != nil {
		return nil, fmt.Errorf("graph: find path: %w", err)
	}
	return path, nil
}

// DeleteNode removes a node and its edges.
func (g *KnowledgeGraph) DeleteNode(ctx context.Context, userID, id string) (bool, error) {
	deleted, err := g.store.DeleteNode(ctx, userID, id)
	if err != nil {
		return false, fmt.Errorf("graph: delete node: %w", err)
	}
	return deleted, nil
}

// DeleteEdge removes one edge.
func (g *KnowledgeGraph) DeleteEdge(ctx context.Context, userID, id string) (bool, error) {
	deleted, err := g.store.DeleteEdge(ctx, userID, id)
	if err != nil {
		return false, fmt.Errorf("graph: delete edge: %w", err)
	}
	return deleted, nil
}

// Stats summarizes the user's graph. Failures degrade to zeros with a
// warning; stats never break a caller.
func (g *KnowledgeGraph) Stats(ctx context.Context, userID string) GraphStats {
	stats, err := g.store.GraphStats(ctx, userID)
	if err != nil {
		g.logger.Warn("graph stats failed", "user", HashID(userID), "error", err)
		return GraphStats{}
	}
	return stats
}
