package engram

import (
	"context"
	"strings"
	"testing"
)

func newTestCurator(t *testing.T, store *memStore, opts ...CuratorOption) (*Curator, *CoreMemory, *ArchivalMemory) {
	t.Helper()
	core := NewCoreMemory(store)
	archival := NewArchivalMemory(store)
	return NewCurator(store, core, archival, opts...), core, archival
}

func hotItem(userID, content string, access int64, importance float64) RecallItem {
	return RecallItem{
		ID:          NewID(),
		UserID:      userID,
		SessionID:   "s1",
		Content:     content,
		Importance:  importance,
		AccessCount: access,
	}
}

func TestCuratorPromotesHotItems(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c, core, _ := newTestCurator(t, store)

	item := hotItem("u1", "favorite language is go these days", 6, 0.9)
	store.recall = append(store.recall, item)

	if err := c.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	fact, ok, err := core.Get(ctx, "u1", "favorite_language_is_go_these_days")
	if err != nil || !ok {
		t.Fatalf("promoted fact missing: ok=%v err=%v", ok, err)
	}
	if fact.Value != item.Content {
		t.Errorf("value = %q", fact.Value)
	}

	if len(store.archival) != 1 {
		t.Fatalf("archival rows = %d", len(store.archival))
	}
	arch := store.archival[0]
	if arch.Source != "curator" || arch.Metadata["recall_id"] != item.ID {
		t.Errorf("archival row = %+v", arch)
	}

	if promoted, _ := store.recall[0].Metadata["promoted"].(bool); !promoted {
		t.Error("source item not marked promoted")
	}

	// A second sweep skips the marked item.
	if err := c.Sweep(ctx); err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if len(store.archival) != 1 {
		t.Error("promoted item re-promoted")
	}
}

func TestCuratorSkipsColdItems(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c, _, _ := newTestCurator(t, store)

	store.recall = append(store.recall,
		hotItem("u1", "rarely touched note", 1, 0.9),
		hotItem("u1", "often touched but trivial", 9, 0.2),
	)

	if err := c.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(store.archival) != 0 {
		t.Errorf("cold items promoted: %+v", store.archival)
	}
}

func TestCuratorCustomThresholds(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c, _, _ := newTestCurator(t, store, WithCuratorThresholds(2, 0.5))

	store.recall = append(store.recall, hotItem("u1", "borderline but useful", 2, 0.5))
	if err := c.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(store.archival) != 1 {
		t.Error("item within custom thresholds not promoted")
	}
}

func TestCuratorFailedPromotionRetries(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c, core, _ := newTestCurator(t, store)

	store.recall = append(store.recall, hotItem("u1", "important recurring fact", 8, 0.95))
	store.failOn["PutCoreFact"] = true

	if err := c.Sweep(ctx); err == nil {
		t.Fatal("failed promotion reported no error")
	}
	if promoted, _ := store.recall[0].Metadata["promoted"].(bool); promoted {
		t.Fatal("failed item marked promoted")
	}

	// The next sweep picks it up again once the store recovers.
	store.failOn["PutCoreFact"] = false
	if err := c.Sweep(ctx); err != nil {
		t.Fatalf("retry Sweep: %v", err)
	}
	if _, ok, _ := core.Get(ctx, "u1", "important_recurring_fact"); !ok {
		t.Error("item not promoted after recovery")
	}
}

func TestCuratorUnsluggableContentFallsBack(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c, core, _ := newTestCurator(t, store)

	item := hotItem("u1", "!!! ???", 7, 0.9)
	store.recall = append(store.recall, item)

	if err := c.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	facts, err := core.All(ctx, "u1")
	if err != nil || len(facts) != 1 {
		t.Fatalf("facts = %v err = %v", facts, err)
	}
	if want := "recalled_" + item.ID[:8]; facts[0].Key != want {
		t.Errorf("key = %q, want %q", facts[0].Key, want)
	}
}

func TestPromotionKey(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"My favorite color is blue", "favorite_color_is_blue"},
		{"one two three four five six seven eight", "one_two_three_four_five_six"},
		{"Go & Discord!", "go_discord"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := promotionKey(tc.content); got != tc.want {
			t.Errorf("promotionKey(%q) = %q, want %q", tc.content, got, tc.want)
		}
	}
}

func TestCuratorListFailureSurfaces(t *testing.T) {
	store := newMemStore()
	c, _, _ := newTestCurator(t, store)
	store.failOn["HotRecall"] = true
	if err := c.Sweep(context.Background()); err == nil {
		t.Fatal("HotRecall failure swallowed")
	}
	if !strings.Contains(c.Sweep(context.Background()).Error(), "curator") {
		t.Error("error lost its component prefix")
	}
}
