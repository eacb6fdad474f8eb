package engram

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCoreMemoryAddAndGet(t *testing.T) {
	ctx := context.Background()
	core := NewCoreMemory(newMemStore())

	fact, err := core.Add(ctx, "u1", "favorite_color", "blue", 0.8)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if fact.Key != "favorite_color" || fact.Value != "blue" {
		t.Fatalf("stored fact = %+v", fact)
	}
	if fact.ID == "" {
		t.Error("stored fact has empty id")
	}

	got, ok, err := core.Get(ctx, "u1", "favorite_color")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Value != "blue" {
		t.Errorf("Get value = %q, want blue", got.Value)
	}

	if _, ok, _ := core.Get(ctx, "u1", "missing"); ok {
		t.Error("Get returned ok for missing key")
	}
}

func TestCoreMemoryUpsertKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	core := NewCoreMemory(newMemStore())

	first, err := core.Add(ctx, "u1", "timezone", "UTC", 0.5)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	second, err := core.Add(ctx, "u1", "timezone", "America/New_York", 0.9)
	if err != nil {
		t.Fatalf("Add update: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("update changed id: %s -> %s", first.ID, second.ID)
	}
	if second.Value != "America/New_York" {
		t.Errorf("update value = %q", second.Value)
	}
	if n, _, _ := core.Count(ctx, "u1"); n != 1 {
		t.Errorf("count after upsert = %d, want 1", n)
	}
}

func TestCoreMemoryImportanceClamped(t *testing.T) {
	ctx := context.Background()
	core := NewCoreMemory(newMemStore())

	high, _ := core.Add(ctx, "u1", "a", "v", 3.5)
	if high.Importance != 1 {
		t.Errorf("importance = %v, want clamp to 1", high.Importance)
	}
	low, _ := core.Add(ctx, "u1", "b", "v", -2)
	if low.Importance != 0 {
		t.Errorf("importance = %v, want clamp to 0", low.Importance)
	}
}

func TestCoreMemoryValidation(t *testing.T) {
	ctx := context.Background()
	core := NewCoreMemory(newMemStore())

	if _, err := core.Add(ctx, "", "k", "v", 0.5); err == nil {
		t.Error("Add with empty user succeeded")
	}
	_, err := core.Add(ctx, "u1", "", "v", 0.5)
	if err == nil {
		t.Fatal("Add with empty key succeeded")
	}
	var memErr *ErrMemory
	if !errors.As(err, &memErr) || memErr.Tier != "core" {
		t.Errorf("error = %v, want ErrMemory tier core", err)
	}
}

func TestCoreMemoryEvictsLowestScore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	core := NewCoreMemory(store, WithCoreMax(3), withCoreClock(func() time.Time { return now }))

	// Same recency for all three, so importance alone decides the victim.
	core.Add(ctx, "u1", "keep_high", "v", 0.9)
	core.Add(ctx, "u1", "keep_mid", "v", 0.5)
	core.Add(ctx, "u1", "victim", "v", 0.1)

	if _, err := core.Add(ctx, "u1", "newcomer", "v", 0.7); err != nil {
		t.Fatalf("Add over cap: %v", err)
	}

	if _, ok, _ := core.Get(ctx, "u1", "victim"); ok {
		t.Error("lowest-importance fact survived eviction")
	}
	if _, ok, _ := core.Get(ctx, "u1", "newcomer"); !ok {
		t.Error("new fact missing after eviction")
	}
	if n, max, _ := core.Count(ctx, "u1"); n != 3 || max != 3 {
		t.Errorf("count = %d/%d, want 3/3", n, max)
	}
}

func TestCoreMemoryAccessProtectsFromEviction(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	core := NewCoreMemory(newMemStore(), WithCoreMax(2), withCoreClock(func() time.Time { return now }))

	core.Add(ctx, "u1", "read_often", "v", 0.2)
	core.Add(ctx, "u1", "never_read", "v", 0.3)

	// log1p(access) dominates the small importance gap.
	for i := 0; i < 5; i++ {
		core.Get(ctx, "u1", "read_often")
	}

	core.Add(ctx, "u1", "third", "v", 0.5)

	if _, ok, _ := core.Get(ctx, "u1", "read_often"); !ok {
		t.Error("frequently read fact was evicted")
	}
	if _, ok, _ := core.Get(ctx, "u1", "never_read"); ok {
		t.Error("cold fact survived over hot one")
	}
}

func TestCoreMemoryUpdateAtCapacityDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	core := NewCoreMemory(newMemStore(), WithCoreMax(2))

	core.Add(ctx, "u1", "a", "1", 0.5)
	core.Add(ctx, "u1", "b", "2", 0.5)
	// Updating an existing key at capacity must not evict anything.
	if _, err := core.Add(ctx, "u1", "a", "updated", 0.5); err != nil {
		t.Fatalf("update at capacity: %v", err)
	}
	if n, _, _ := core.Count(ctx, "u1"); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	if _, ok, _ := core.Get(ctx, "u1", "b"); !ok {
		t.Error("untouched fact evicted by an update")
	}
}

func TestCoreMemoryUserIsolation(t *testing.T) {
	ctx := context.Background()
	core := NewCoreMemory(newMemStore())

	core.Add(ctx, "alice", "secret", "a-value", 0.9)
	core.Add(ctx, "bob", "secret", "b-value", 0.9)

	got, ok, _ := core.Get(ctx, "alice", "secret")
	if !ok || got.Value != "a-value" {
		t.Errorf("alice sees %q", got.Value)
	}
	got, ok, _ = core.Get(ctx, "bob", "secret")
	if !ok || got.Value != "b-value" {
		t.Errorf("bob sees %q", got.Value)
	}

	if deleted, _ := core.Delete(ctx, "alice", "secret"); !deleted {
		t.Fatal("delete alice fact")
	}
	if _, ok, _ := core.Get(ctx, "bob", "secret"); !ok {
		t.Error("deleting alice's fact removed bob's")
	}
}

func TestCoreMemoryAllSortedByImportance(t *testing.T) {
	ctx := context.Background()
	core := NewCoreMemory(newMemStore())

	core.Add(ctx, "u1", "low", "v", 0.1)
	core.Add(ctx, "u1", "high", "v", 0.9)
	core.Add(ctx, "u1", "mid", "v", 0.5)

	facts, err := core.All(ctx, "u1")
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(facts) != 3 {
		t.Fatalf("len = %d", len(facts))
	}
	for i, want := range []string{"high", "mid", "low"} {
		if facts[i].Key != want {
			t.Errorf("facts[%d] = %s, want %s", i, facts[i].Key, want)
		}
	}
}

func TestCoreMemorySearchKeys(t *testing.T) {
	ctx := context.Background()
	core := NewCoreMemory(newMemStore())

	core.Add(ctx, "u1", "favorite_color", "blue", 0.5)
	core.Add(ctx, "u1", "favorite_food", "pho", 0.5)
	core.Add(ctx, "u1", "timezone", "ICT", 0.5)
	core.Add(ctx, "u2", "favorite_band", "fugazi", 0.5)

	keys, err := core.SearchKeys(ctx, "u1", "favorite", 0)
	if err != nil {
		t.Fatalf("SearchKeys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "favorite_color" || keys[1] != "favorite_food" {
		t.Errorf("keys = %v, want [favorite_color favorite_food] (sorted, u1 only)", keys)
	}

	// Matching is case-insensitive.
	keys, _ = core.SearchKeys(ctx, "u1", "FAVORITE", 0)
	if len(keys) != 2 {
		t.Errorf("case-insensitive search found %d keys", len(keys))
	}

	keys, _ = core.SearchKeys(ctx, "u1", "favorite", 1)
	if len(keys) != 1 || keys[0] != "favorite_color" {
		t.Errorf("limited keys = %v", keys)
	}

	if keys, _ := core.SearchKeys(ctx, "u1", "  ", 0); keys != nil {
		t.Errorf("blank query returned %v", keys)
	}
	var memErr *ErrMemory
	if _, err := core.SearchKeys(ctx, "", "favorite", 0); !errors.As(err, &memErr) {
		t.Errorf("missing user error = %v, want ErrMemory", err)
	}
}

func TestCoreMemoryDeleteAbsent(t *testing.T) {
	ctx := context.Background()
	core := NewCoreMemory(newMemStore())
	deleted, err := core.Delete(ctx, "u1", "nope")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted {
		t.Error("Delete reported true for absent key")
	}
}

func TestCoreMemoryLoadsExistingFacts(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seed := NewCoreMemory(store)
	seed.Add(ctx, "u1", "persisted", "yes", 0.6)

	// A fresh instance over the same store must see the row.
	fresh := NewCoreMemory(store)
	got, ok, err := fresh.Get(ctx, "u1", "persisted")
	if err != nil || !ok {
		t.Fatalf("Get after reload: ok=%v err=%v", ok, err)
	}
	if got.Value != "yes" {
		t.Errorf("reloaded value = %q", got.Value)
	}
}

func TestCoreMemoryStoreFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.failOn["PutCoreFact"] = true
	core := NewCoreMemory(store)

	_, err := core.Add(ctx, "u1", "k", "v", 0.5)
	if err == nil {
		t.Fatal("Add succeeded against failing store")
	}
	var unavailable *ErrStoreUnavailable
	if !errors.As(err, &unavailable) {
		t.Errorf("error = %v, want ErrStoreUnavailable in chain", err)
	}
}

func TestCoreMemoryFlushAccess(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	core := NewCoreMemory(store)

	core.Add(ctx, "u1", "k", "v", 0.5)
	core.Get(ctx, "u1", "k")
	core.Get(ctx, "u1", "k")

	// Marks are deduplicated per key, so one sweep bumps each touched key once.
	if err := core.FlushAccess(ctx); err != nil {
		t.Fatalf("FlushAccess: %v", err)
	}
	store.mu.Lock()
	count := store.core["u1"]["k"].AccessCount
	store.mu.Unlock()
	if count != 1 {
		t.Errorf("store access count = %d, want 1", count)
	}
}

func TestCoreMemoryConcurrentAdds(t *testing.T) {
	ctx := context.Background()
	core := NewCoreMemory(newMemStore(), WithCoreMax(10))

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			key := string(rune('a' + i%10))
			_, err := core.Add(ctx, "u1", key, "v", 0.5)
			done <- err
		}(i)
	}
	for i := 0; i < 20; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent Add: %v", err)
		}
	}
	n, _, err := core.Count(ctx, "u1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n > 10 {
		t.Errorf("count = %d exceeds cap", n)
	}
}
