package engram

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

const (
	// fallbackSnippetRunes caps each item's contribution to a fallback summary.
	fallbackSnippetRunes = 200
	// fallbackSummaryRunes caps the whole fallback summary.
	fallbackSummaryRunes = 5000
	// DefaultArchivalLimit is the search result cap when none is given.
	DefaultArchivalLimit = 10
)

// metaPathSegment validates one metadata path segment. Anything else is
// rejected before it reaches a query.
var metaPathSegment = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// EscapeLike escapes LIKE/ILIKE metacharacters so a needle matches
// literally. Stores pair it with an explicit ESCAPE '\' clause.
func EscapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// CompressResult reports one session compression.
type CompressResult struct {
	// SummaryID is the new summary row's id, empty when nothing was
	// compressed.
	SummaryID string `json:"summary_id,omitempty"`
	// OriginalCount is how many live items the session had.
	OriginalCount int `json:"original_count"`
	// Marked is how many of them were actually marked compressed.
	Marked int `json:"marked"`
}

// ArchivalMemory is the cold tier: metadata- and content-searchable records
// plus transactional session compression. When a summarizer provider is
// configured, compression summaries come from the model with a
// deterministic formatting fallback; without one the fallback is used
// directly.
type ArchivalMemory struct {
	store      MemoryStore
	summarizer Provider
	logger     *slog.Logger
}

// ArchivalOption configures ArchivalMemory.
type ArchivalOption func(*ArchivalMemory)

// WithSummarizer sets the provider used to summarize sessions during
// compression.
func WithSummarizer(p Provider) ArchivalOption {
	return func(m *ArchivalMemory) { m.summarizer = p }
}

// WithArchivalLogger sets the structured logger.
func WithArchivalLogger(l *slog.Logger) ArchivalOption {
	return func(m *ArchivalMemory) { m.logger = l }
}

// NewArchivalMemory creates the archival tier over store.
func NewArchivalMemory(store MemoryStore, opts ...ArchivalOption) *ArchivalMemory {
	m := &ArchivalMemory{store: store, logger: nopLogger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Archive stores one item. Source defaults to "manual".
func (m *ArchivalMemory) Archive(ctx context.Context, item ArchivalItem) (ArchivalItem, error) {
	if item.UserID == "" || item.Content == "" {
		return ArchivalItem{}, &ErrMemory{Tier: "archival", Err: fmt.Errorf("user id and content must be non-empty")}
	}
	if item.Source == "" {
		item.Source = "manual"
	}
	if item.ID == "" {
		item.ID = NewID()
	}
	stored, err := m.store.AddArchival(ctx, item)
	if err != nil {
		return ArchivalItem{}, fmt.Errorf("archival memory: add: %w", err)
	}
	return stored, nil
}

// ListSession returns a session's items, oldest first. Compressed items are
// excluded unless includeCompressed is set.
func (m *ArchivalMemory) ListSession(ctx context.Context, userID, sessionID string, includeCompressed bool) ([]ArchivalItem, error) {
	items, err := m.store.ArchivalBySession(ctx, userID, sessionID, includeCompressed)
	if err != nil {
		return nil, fmt.Errorf("archival memory: list session: %w", err)
	}
	return items, nil
}

// Compress replaces a session's live items with one summary row. The
// summary insert and the source marking happen in a single store
// transaction; items compressed concurrently are skipped and reported via
// the Marked count. Compressing an empty session is a no-op.
func (m *ArchivalMemory) Compress(ctx context.Context, userID, sessionID string) (CompressResult, error) {
	items, err := m.store.ArchivalBySession(ctx, userID, sessionID, false)
	if err != nil {
		return CompressResult{}, fmt.Errorf("archival memory: compress read: %w", err)
	}
	if len(items) == 0 {
		return CompressResult{}, nil
	}

	summaryText := m.summarize(ctx, items)
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}

	// The summary itself stays live so later sweeps can fold it into
	// higher-level summaries.
	summary := ArchivalItem{
		ID:        NewID(),
		UserID:    userID,
		SessionID: sessionID,
		Content:   summaryText,
		Source:    "compression",
		Metadata: map[string]any{
			"compressed_from_session": sessionID,
			"original_count":          len(items),
		},
	}
	stored, marked, err := m.store.CompressArchival(ctx, summary, ids)
	if err != nil {
		return CompressResult{}, fmt.Errorf("archival memory: compress: %w", err)
	}
	if marked == 0 {
		return CompressResult{OriginalCount: len(items)}, nil
	}
	m.logger.Info("session compressed", "user", HashID(userID), "session", sessionID, "items", marked)
	return CompressResult{SummaryID: stored.ID, OriginalCount: len(items), Marked: marked}, nil
}

// summarize produces the compression summary, via the model when available.
func (m *ArchivalMemory) summarize(ctx context.Context, items []ArchivalItem) string {
	if m.summarizer != nil {
		var b strings.Builder
		for _, it := range items {
			b.WriteString(it.Content)
			b.WriteString("\n")
		}
		resp, err := m.summarizer.Chat(ctx, ChatRequest{
			Messages: []ChatMessage{
				SystemMessage("Summarize the following session records into a dense paragraph. Keep every concrete fact, name, and decision. Output only the summary."),
				UserMessage(b.String()),
			},
			Params: &GenerationParams{Temperature: Float64Ptr(0.2)},
		})
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			return strings.TrimSpace(resp.Content)
		}
		if err != nil && !IsCancelled(err) {
			m.logger.Warn("summary generation failed, using fallback", "error", err)
		}
	}
	return fallbackSummary(items)
}

// fallbackSummary formats items as "[source] snippet..." joined by " | ",
// capped at fallbackSummaryRunes.
func fallbackSummary(items []ArchivalItem) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		source := it.Source
		if source == "" {
			source = "unknown"
		}
		snippet := it.Content
		if runes := []rune(snippet); len(runes) > fallbackSnippetRunes {
			snippet = string(runes[:fallbackSnippetRunes])
		}
		parts = append(parts, fmt.Sprintf("[%s] %s...", source, snippet))
	}
	summary := strings.Join(parts, " | ")
	if runes := []rune(summary); len(runes) > fallbackSummaryRunes {
		summary = string(runes[:fallbackSummaryRunes]) + "..."
	}
	return summary
}

// SearchByMetadata matches items whose metadata value at path (dot
// separated, e.g. "topic.name") equals value. Path segments must be
// alphanumeric or underscore. Offset skips that many matches for paging,
// with results ordered oldest first.
func (m *ArchivalMemory) SearchByMetadata(ctx context.Context, userID, path, value string, limit, offset int) ([]ArchivalItem, error) {
	if path == "" {
		return nil, &ErrMemory{Tier: "archival", Err: fmt.Errorf("metadata path must be non-empty")}
	}
	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if !metaPathSegment.MatchString(seg) {
			return nil, &ErrMemory{Tier: "archival", Key: path, Err: fmt.Errorf("invalid metadata path segment %q", seg)}
		}
	}
	if limit <= 0 {
		limit = DefaultArchivalLimit
	}
	if offset < 0 {
		offset = 0
	}
	items, err := m.store.SearchArchivalMeta(ctx, userID, segments, value, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("archival memory: metadata search: %w", err)
	}
	return items, nil
}

// SearchByContent substring-searches item content case-insensitively.
// The needle is matched literally; LIKE metacharacters have no effect.
func (m *ArchivalMemory) SearchByContent(ctx context.Context, userID, needle string, limit int) ([]ArchivalItem, error) {
	if strings.TrimSpace(needle) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultArchivalLimit
	}
	items, err := m.store.SearchArchivalContent(ctx, userID, needle, limit)
	if err != nil {
		return nil, fmt.Errorf("archival memory: content search: %w", err)
	}
	return items, nil
}

// Stats counts the user's rows across tiers.
func (m *ArchivalMemory) Stats(ctx context.Context, userID string) (MemoryStats, error) {
	stats, err := m.store.MemoryStats(ctx, userID)
	if err != nil {
		return MemoryStats{}, fmt.Errorf("archival memory: stats: %w", err)
	}
	return stats, nil
}
