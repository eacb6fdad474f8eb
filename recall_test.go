package engram

import (
	"context"
	"errors"
	"testing"
)

func TestRecallAddAndSearch(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	recall := NewRecallMemory(store, newTestEmbedder())

	_, err := recall.Add(ctx, RecallItem{
		UserID:     "u1",
		Content:    "my favorite programming language is go",
		Importance: 0.8,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err = recall.Add(ctx, RecallItem{
		UserID:     "u1",
		Content:    "the weather yesterday was terrible",
		Importance: 0.4,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	matches, err := recall.Search(ctx, RecallSearch{
		UserID: "u1",
		Query:  "favorite programming language go",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("no matches for near-identical query")
	}
	if matches[0].Content != "my favorite programming language is go" {
		t.Errorf("top match = %q", matches[0].Content)
	}
	if matches[0].Similarity < DefaultRecallThreshold {
		t.Errorf("top similarity = %v, below default threshold", matches[0].Similarity)
	}
}

func TestRecallSearchThresholdExcludesWeakMatches(t *testing.T) {
	ctx := context.Background()
	recall := NewRecallMemory(newMemStore(), newTestEmbedder())

	recall.Add(ctx, RecallItem{UserID: "u1", Content: "pizza money taxes", Importance: 0.5})

	matches, err := recall.Search(ctx, RecallSearch{
		UserID: "u1",
		Query:  "hello morning greeting",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("unrelated query matched: %+v", matches)
	}

	// Disabling the floor surfaces everything.
	matches, err = recall.Search(ctx, RecallSearch{
		UserID:        "u1",
		Query:         "hello morning greeting",
		MinSimilarity: -1,
	})
	if err != nil {
		t.Fatalf("Search no floor: %v", err)
	}
	if len(matches) != 1 {
		t.Errorf("floorless search returned %d matches, want 1", len(matches))
	}
}

func TestRecallSearchOrderedBySimilarity(t *testing.T) {
	ctx := context.Background()
	recall := NewRecallMemory(newMemStore(), newTestEmbedder())

	recall.Add(ctx, RecallItem{UserID: "u1", Content: "go programming language", Importance: 0.5})
	recall.Add(ctx, RecallItem{UserID: "u1", Content: "go programming", Importance: 0.5})
	recall.Add(ctx, RecallItem{UserID: "u1", Content: "discord weather joke", Importance: 0.5})

	matches, err := recall.Search(ctx, RecallSearch{
		UserID:        "u1",
		Query:         "go programming language",
		MinSimilarity: -1,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Similarity > matches[i-1].Similarity {
			t.Errorf("results out of order at %d: %v > %v", i, matches[i].Similarity, matches[i-1].Similarity)
		}
	}
	if matches[0].Content != "go programming language" {
		t.Errorf("top match = %q", matches[0].Content)
	}
}

func TestRecallUserIsolation(t *testing.T) {
	ctx := context.Background()
	recall := NewRecallMemory(newMemStore(), newTestEmbedder())

	recall.Add(ctx, RecallItem{UserID: "alice", Content: "go programming language", Importance: 0.5})

	matches, err := recall.Search(ctx, RecallSearch{
		UserID:        "bob",
		Query:         "go programming language",
		MinSimilarity: -1,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 0 {
		t.Error("bob found alice's memories")
	}
}

func TestRecallMinImportanceFilter(t *testing.T) {
	ctx := context.Background()
	recall := NewRecallMemory(newMemStore(), newTestEmbedder())

	recall.Add(ctx, RecallItem{UserID: "u1", Content: "go programming language", Importance: 0.9})
	recall.Add(ctx, RecallItem{UserID: "u1", Content: "go programming language today", Importance: 0.2})

	matches, err := recall.Search(ctx, RecallSearch{
		UserID:        "u1",
		Query:         "go programming language",
		MinSimilarity: -1,
		MinImportance: 0.5,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("len = %d, want 1", len(matches))
	}
	if matches[0].Importance != 0.9 {
		t.Errorf("kept importance = %v", matches[0].Importance)
	}
}

func TestRecallEmptyQueryReturnsNothing(t *testing.T) {
	ctx := context.Background()
	recall := NewRecallMemory(newMemStore(), newTestEmbedder())
	matches, err := recall.Search(ctx, RecallSearch{UserID: "u1", Query: ""})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if matches != nil {
		t.Errorf("empty query returned %v", matches)
	}
}

func TestRecallValidation(t *testing.T) {
	ctx := context.Background()
	recall := NewRecallMemory(newMemStore(), newTestEmbedder())

	if _, err := recall.Add(ctx, RecallItem{UserID: "u1"}); err == nil {
		t.Error("Add with empty content succeeded")
	}
	if _, err := recall.Search(ctx, RecallSearch{Query: "x"}); err == nil {
		t.Error("Search with empty user succeeded")
	}
}

func TestRecallEmbeddingFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	provider := newVocabEmbedding()
	provider.err = &ErrEmbedding{Model: "vocab-test", Transient: true, Err: errors.New("boom")}
	recall := NewRecallMemory(newMemStore(), NewEmbedder(provider, HeuristicCounter{}))

	_, err := recall.Add(ctx, RecallItem{UserID: "u1", Content: "anything"})
	if err == nil {
		t.Fatal("Add succeeded with failing embedder")
	}
	if !IsTransient(err) {
		t.Errorf("transient embedding error lost in chain: %v", err)
	}
}

func TestRecallAccessFlush(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	recall := NewRecallMemory(store, newTestEmbedder())

	added, err := recall.Add(ctx, RecallItem{UserID: "u1", Content: "go programming language", Importance: 0.5})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := recall.Search(ctx, RecallSearch{UserID: "u1", Query: "go programming language", MinSimilarity: -1}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if err := recall.FlushAccess(ctx); err != nil {
		t.Fatalf("FlushAccess: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, item := range store.recall {
		if item.ID == added.ID && item.AccessCount != 1 {
			t.Errorf("access count = %d, want 1", item.AccessCount)
		}
	}
}

func TestRecallDelete(t *testing.T) {
	ctx := context.Background()
	recall := NewRecallMemory(newMemStore(), newTestEmbedder())

	added, _ := recall.Add(ctx, RecallItem{UserID: "u1", Content: "to be removed"})
	deleted, err := recall.Delete(ctx, "u1", added.ID)
	if err != nil || !deleted {
		t.Fatalf("Delete: deleted=%v err=%v", deleted, err)
	}
	// Wrong owner cannot delete.
	other, _ := recall.Add(ctx, RecallItem{UserID: "u1", Content: "still here"})
	deleted, err = recall.Delete(ctx, "intruder", other.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted {
		t.Error("cross-user delete succeeded")
	}
}
