package engram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// DefaultCuratorMinAccess is how often a recall item must have been
	// retrieved before promotion.
	DefaultCuratorMinAccess = 5
	// DefaultCuratorMinImportance is the importance floor for promotion.
	DefaultCuratorMinImportance = 0.8
	// curatorBatchSize caps one sweep's work.
	curatorBatchSize = 50
	// curatorKeyWords is how many leading words form the promoted fact key.
	curatorKeyWords = 6
)

// Curator promotes recall items that keep proving useful: anything
// retrieved often enough at high importance becomes a core fact and an
// archival record. Promotion is additive; the recall tier stays
// append-only and the source items are only marked so the next sweep
// skips them.
type Curator struct {
	store    MemoryStore
	core     *CoreMemory
	archival *ArchivalMemory
	logger   *slog.Logger

	minAccess     int64
	minImportance float64
}

// CuratorOption configures a Curator.
type CuratorOption func(*Curator)

// WithCuratorThresholds sets the promotion floors.
func WithCuratorThresholds(minAccess int64, minImportance float64) CuratorOption {
	return func(c *Curator) {
		c.minAccess = minAccess
		c.minImportance = minImportance
	}
}

// WithCuratorLogger sets the structured logger.
func WithCuratorLogger(l *slog.Logger) CuratorOption {
	return func(c *Curator) { c.logger = l }
}

// NewCurator creates a Curator over the memory tiers.
func NewCurator(store MemoryStore, core *CoreMemory, archival *ArchivalMemory, opts ...CuratorOption) *Curator {
	c := &Curator{
		store:         store,
		core:          core,
		archival:      archival,
		logger:        nopLogger,
		minAccess:     DefaultCuratorMinAccess,
		minImportance: DefaultCuratorMinImportance,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sweep promotes one batch of hot recall items. Registered as a scheduler
// task. Items that fail to promote stay unmarked and retry next sweep.
func (c *Curator) Sweep(ctx context.Context) error {
	items, err := c.store.HotRecall(ctx, c.minAccess, c.minImportance, curatorBatchSize)
	if err != nil {
		return fmt.Errorf("curator: list hot items: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	var promoted []string
	var firstErr error
	for _, item := range items {
		if err := c.promote(ctx, item); err != nil {
			c.logger.Warn("promotion failed", "user", HashID(item.UserID), "item", item.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		promoted = append(promoted, item.ID)
	}
	if len(promoted) > 0 {
		if err := c.store.MarkRecallPromoted(ctx, promoted); err != nil {
			return fmt.Errorf("curator: mark promoted: %w", err)
		}
		c.logger.Info("recall items promoted", "count", len(promoted))
	}
	return firstErr
}

// promote writes one item into both higher tiers: a keyed core fact and a
// searchable archival record.
func (c *Curator) promote(ctx context.Context, item RecallItem) error {
	key := promotionKey(item.Content)
	if key == "" {
		key = "recalled_" + item.ID[:8]
	}
	if _, err := c.core.Add(ctx, item.UserID, key, item.Content, item.Importance); err != nil {
		return err
	}
	_, err := c.archival.Archive(ctx, ArchivalItem{
		UserID:    item.UserID,
		SessionID: item.SessionID,
		Content:   item.Content,
		Source:    "curator",
		Metadata: map[string]any{
			"recall_id":    item.ID,
			"access_count": item.AccessCount,
		},
	})
	return err
}

// promotionKey slugs the item's leading words into a core fact key.
func promotionKey(content string) string {
	fields := strings.Fields(strings.ToLower(content))
	if len(fields) > curatorKeyWords {
		fields = fields[:curatorKeyWords]
	}
	return normalizeFactKey(strings.Join(fields, " "))
}
