package engram

import (
	"context"
	"fmt"
	"log/slog"
	"math"
)

const (
	// DefaultRecallLimit is the search result cap when none is given.
	DefaultRecallLimit = 5
	// DefaultRecallThreshold is the minimum cosine similarity for a match.
	DefaultRecallThreshold = 0.7
)

// RecallSearch describes one recall similarity search.
type RecallSearch struct {
	UserID string
	Query  string
	// Limit caps results. Zero means DefaultRecallLimit.
	Limit int
	// MinSimilarity excludes weaker matches. Zero means
	// DefaultRecallThreshold; pass a negative value to disable the floor.
	MinSimilarity float64
	// MinImportance excludes items below this importance.
	MinImportance float64
	// SessionID optionally restricts to one session.
	SessionID string
}

// RecallMemory is the append-only tier of embedded conversation snippets.
// Items are written once and found again by similarity; only access
// accounting changes after insert.
type RecallMemory struct {
	store    MemoryStore
	embedder *Embedder
	logger   *slog.Logger
	flusher  *accessFlusher
}

// RecallOption configures RecallMemory.
type RecallOption func(*RecallMemory)

// WithRecallLogger sets the structured logger.
func WithRecallLogger(l *slog.Logger) RecallOption {
	return func(m *RecallMemory) { m.logger = l }
}

// NewRecallMemory creates the recall tier over store, embedding content
// through embedder.
func NewRecallMemory(store MemoryStore, embedder *Embedder, opts ...RecallOption) *RecallMemory {
	m := &RecallMemory{
		store:    store,
		embedder: embedder,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.flusher = newAccessFlusher("recall", m.logger, func(ctx context.Context, userID string, ids []string) error {
		return m.store.BumpRecallAccess(ctx, userID, ids)
	})
	return m
}

// Add embeds content and appends it to the user's recall log.
// Importance is clamped to [0, 1]; source defaults to "conversation".
func (m *RecallMemory) Add(ctx context.Context, item RecallItem) (RecallItem, error) {
	if item.UserID == "" || item.Content == "" {
		return RecallItem{}, &ErrMemory{Tier: "recall", Err: fmt.Errorf("user id and content must be non-empty")}
	}
	item.Importance = math.Max(0, math.Min(1, item.Importance))
	if item.Source == "" {
		item.Source = "conversation"
	}
	if item.ID == "" {
		item.ID = NewID()
	}

	vec, err := m.embedder.EmbedOne(ctx, item.Content)
	if err != nil {
		return RecallItem{}, fmt.Errorf("recall memory: embed: %w", err)
	}
	item.Embedding = vec

	stored, err := m.store.AddRecall(ctx, item)
	if err != nil {
		return RecallItem{}, fmt.Errorf("recall memory: add: %w", err)
	}
	m.logger.Debug("recall item added", "user", HashID(item.UserID), "source", item.Source, "content_len", len(item.Content))
	return stored, nil
}

// Search embeds the query and returns matches above the similarity floor,
// strongest first. Hits are access-marked for the next flush.
func (m *RecallMemory) Search(ctx context.Context, q RecallSearch) ([]RecallMatch, error) {
	if q.UserID == "" {
		return nil, &ErrMemory{Tier: "recall", Err: fmt.Errorf("user id must be non-empty")}
	}
	if q.Query == "" {
		return nil, nil
	}
	if q.Limit <= 0 {
		q.Limit = DefaultRecallLimit
	}
	minSim := q.MinSimilarity
	if minSim == 0 {
		minSim = DefaultRecallThreshold
	} else if minSim < 0 {
		minSim = -1
	}

	vec, err := m.embedder.EmbedOne(ctx, q.Query)
	if err != nil {
		return nil, fmt.Errorf("recall memory: embed query: %w", err)
	}

	matches, err := m.store.SearchRecall(ctx, RecallQuery{
		UserID:        q.UserID,
		Embedding:     vec,
		Limit:         q.Limit,
		MinSimilarity: minSim,
		MinImportance: q.MinImportance,
		SessionID:     q.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("recall memory: search: %w", err)
	}
	for _, match := range matches {
		m.flusher.Mark(q.UserID, match.ID)
	}
	return matches, nil
}

// Delete removes one item owned by userID. Returns false when absent.
func (m *RecallMemory) Delete(ctx context.Context, userID, id string) (bool, error) {
	deleted, err := m.store.DeleteRecall(ctx, userID, id)
	if err != nil {
		return false, fmt.Errorf("recall memory: delete: %w", err)
	}
	return deleted, nil
}

// FlushAccess writes batched access counts to the store. Registered as a
// scheduler task.
func (m *RecallMemory) FlushAccess(ctx context.Context) error {
	return m.flusher.Sweep(ctx)
}
