package engram

import (
	"context"
	"time"
)

// CoreFact is one durable per-user fact. Facts are unique per
// (UserID, Key); writes to an existing key update the value in place.
type CoreFact struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Key          string         `json:"key"`
	Value        string         `json:"value"`
	Importance   float64        `json:"importance"`
	AccessCount  int64          `json:"access_count"`
	LastAccessed time.Time      `json:"last_accessed"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// RecallItem is one embedded conversation snippet. The recall tier is
// append-only: content and embedding never change after insert; only
// access accounting and curation markers do.
type RecallItem struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	SessionID    string         `json:"session_id,omitempty"`
	Content      string         `json:"content"`
	Embedding    []float32      `json:"-"`
	Importance   float64        `json:"importance"`
	AccessCount  int64          `json:"access_count"`
	LastAccessed time.Time      `json:"last_accessed"`
	Source       string         `json:"source"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RecallMatch is a recall item scored against a query embedding.
type RecallMatch struct {
	RecallItem
	// Similarity is cosine similarity in [-1, 1].
	Similarity float64 `json:"similarity"`
}

// RecallQuery filters a recall similarity search.
type RecallQuery struct {
	UserID    string
	Embedding []float32
	// Limit caps results. Zero means the store default.
	Limit int
	// MinSimilarity excludes matches below this cosine similarity.
	MinSimilarity float64
	// MinImportance excludes items below this importance.
	MinImportance float64
	// SessionID optionally restricts to one session.
	SessionID string
}

// ArchivalItem is one cold-storage record. Compressed items point at the
// summary that replaced them via CompressedIntoID.
type ArchivalItem struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	SessionID        string         `json:"session_id,omitempty"`
	Content          string         `json:"content"`
	Source           string         `json:"source"`
	Compressed       bool           `json:"compressed"`
	CompressedIntoID string         `json:"compressed_into_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Node is a knowledge graph vertex. Label must be non-empty.
type Node struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Label      string         `json:"label"`
	NodeType   string         `json:"node_type"`
	Properties map[string]any `json:"properties,omitempty"`
	Embedding  []float32      `json:"-"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NodeMatch is a node scored against a query embedding.
type NodeMatch struct {
	Node
	Similarity float64 `json:"similarity"`
}

// NodeQuery filters a node similarity search.
type NodeQuery struct {
	UserID        string
	Embedding     []float32
	Limit         int
	MinSimilarity float64
	// NodeType optionally restricts to one type.
	NodeType string
}

// Edge is a directed, typed relation between two same-user nodes.
// (SourceID, TargetID, EdgeType) is unique.
type Edge struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	EdgeType   string         `json:"edge_type"`
	Weight     float64        `json:"weight"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Direction selects edge orientation for neighbor queries.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// GraphStats summarizes one user's graph.
type GraphStats struct {
	Nodes     int64 `json:"nodes"`
	Edges     int64 `json:"edges"`
	NodeTypes int64 `json:"node_types"`
	EdgeTypes int64 `json:"edge_types"`
}

// MemoryStats summarizes one user's memory tiers.
type MemoryStats struct {
	CoreFacts          int64 `json:"core_facts"`
	RecallItems        int64 `json:"recall_items"`
	ArchivalLive       int64 `json:"archival_live"`
	ArchivalCompressed int64 `json:"archival_compressed"`
}

// StoredMessage is one persisted transcript message.
type StoredMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	// Status is "complete", or "partial" when the generation was cut off.
	Status    string    `json:"status"`
	Intent    string    `json:"intent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageComplete and MessagePartial are the StoredMessage statuses.
const (
	MessageComplete = "complete"
	MessagePartial  = "partial"
)

// Exchange is one user turn and its assistant reply, persisted atomically.
type Exchange struct {
	SessionID string
	UserID    string
	ChannelID string
	User      StoredMessage
	Assistant StoredMessage
}

// SessionInfo is the persisted session header. TokenCount equals the sum of
// Tokens over the session's stored messages.
type SessionInfo struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ChannelID  string    `json:"channel_id,omitempty"`
	TokenCount int64     `json:"token_count"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
}

// MemoryStore persists the three memory tiers.
type MemoryStore interface {
	// CoreFacts returns all facts for a user, unordered.
	CoreFacts(ctx context.Context, userID string) ([]CoreFact, error)
	// PutCoreFact inserts or updates the fact identified by
	// (fact.UserID, fact.Key) and returns the stored row.
	PutCoreFact(ctx context.Context, fact CoreFact) (CoreFact, error)
	// DeleteCoreFact removes a fact. Returns false when the key was absent.
	DeleteCoreFact(ctx context.Context, userID, key string) (bool, error)
	// BumpCoreAccess increments access counters and touches last_accessed
	// for the given keys in one statement.
	BumpCoreAccess(ctx context.Context, userID string, keys []string) error

	// AddRecall appends one recall item and returns the stored row.
	AddRecall(ctx context.Context, item RecallItem) (RecallItem, error)
	// SearchRecall returns items ordered by descending similarity.
	SearchRecall(ctx context.Context, q RecallQuery) ([]RecallMatch, error)
	// DeleteRecall removes one item owned by userID.
	DeleteRecall(ctx context.Context, userID, id string) (bool, error)
	// BumpRecallAccess increments access counters for the given ids.
	BumpRecallAccess(ctx context.Context, userID string, ids []string) error
	// HotRecall returns unpromoted items at or above both thresholds,
	// across users, for curation.
	HotRecall(ctx context.Context, minAccess int64, minImportance float64, limit int) ([]RecallItem, error)
	// MarkRecallPromoted flags items as promoted so curation skips them.
	MarkRecallPromoted(ctx context.Context, ids []string) error

	// AddArchival inserts one archival item and returns the stored row.
	AddArchival(ctx context.Context, item ArchivalItem) (ArchivalItem, error)
	// ArchivalBySession lists a session's items, oldest first.
	ArchivalBySession(ctx context.Context, userID, sessionID string, includeCompressed bool) ([]ArchivalItem, error)
	// CompressArchival atomically inserts the summary row and marks the
	// source rows compressed, pointing them at the summary. Sources that
	// were compressed concurrently are skipped; the returned count is the
	// number actually marked.
	CompressArchival(ctx context.Context, summary ArchivalItem, sourceIDs []string) (ArchivalItem, int, error)
	// SearchArchivalMeta matches items whose metadata at the given path
	// equals value, skipping the first offset matches. Path segments must
	// already be validated.
	SearchArchivalMeta(ctx context.Context, userID string, path []string, value string, limit, offset int) ([]ArchivalItem, error)
	// SearchArchivalContent substring-searches item content,
	// case-insensitively. The needle is taken literally.
	SearchArchivalContent(ctx context.Context, userID, needle string, limit int) ([]ArchivalItem, error)

	// MemoryStats counts a user's rows per tier.
	MemoryStats(ctx context.Context, userID string) (MemoryStats, error)
}

// GraphStore persists the knowledge graph. Every operation is scoped to one
// user; cross-user references are rejected, not filtered.
type GraphStore interface {
	// AddNode inserts a node and returns the stored row.
	AddNode(ctx context.Context, n Node) (Node, error)
	// GetNode fetches one node. ok is false when absent.
	GetNode(ctx context.Context, userID, id string) (Node, bool, error)
	// FindNode fetches a node by exact label and type. ok is false when absent.
	FindNode(ctx context.Context, userID, label, nodeType string) (Node, bool, error)
	// SearchNodes returns nodes ordered by descending similarity.
	SearchNodes(ctx context.Context, q NodeQuery) ([]NodeMatch, error)
	// AddEdge inserts an edge after verifying both endpoints belong to
	// e.UserID.
	AddEdge(ctx context.Context, e Edge) (Edge, error)
	// NodeEdges lists edges touching a node, optionally filtered by type.
	NodeEdges(ctx context.Context, userID, nodeID, edgeType string) ([]Edge, error)
	// Neighbors lists nodes adjacent to nodeID in the given direction.
	Neighbors(ctx context.Context, userID, nodeID string, dir Direction, edgeType string) ([]Node, error)
	// FindPath returns the node ids of a shortest directed path from
	// fromID to toID, inclusive, or nil when none exists within maxDepth.
	FindPath(ctx context.Context, userID, fromID, toID string, maxDepth int, edgeTypes []string) ([]string, error)
	// DeleteNode removes a node and its edges.
	DeleteNode(ctx context.Context, userID, id string) (bool, error)
	// DeleteEdge removes one edge owned by userID.
	DeleteEdge(ctx context.Context, userID, id string) (bool, error)
	// GraphStats counts a user's nodes, edges, and distinct types.
	GraphStats(ctx context.Context, userID string) (GraphStats, error)
}

// SessionStore persists conversation transcripts.
type SessionStore interface {
	// AppendExchange stores the user and assistant messages and updates
	// the session header in a single transaction. The session row is
	// created on first use; token_count grows by the messages' tokens.
	AppendExchange(ctx context.Context, x Exchange) error
	// SessionMessages returns up to limit most recent messages, oldest
	// first.
	SessionMessages(ctx context.Context, userID, sessionID string, limit int) ([]StoredMessage, error)
	// SessionInfo fetches the session header. ok is false when absent.
	SessionInfo(ctx context.Context, userID, sessionID string) (SessionInfo, bool, error)
}

// Store is the full persistence surface.
type Store interface {
	MemoryStore
	GraphStore
	SessionStore

	// Init creates schema objects. Idempotent; called once at startup.
	Init(ctx context.Context) error
	// Close releases the underlying pool or handle.
	Close() error
}
