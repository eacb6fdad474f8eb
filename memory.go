package engram

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCoreMemoryMax bounds the number of core facts per user.
const DefaultCoreMemoryMax = 100

// coreRecencyHalfWindow is the e-folding window for the recency factor in
// the eviction score: one week in hours.
const coreRecencyHalfWindow = 168.0

// coreUser holds one user's in-process view of their core facts.
// Reads go through the atomic snapshot and never block. The writer mutex
// serializes mutations and the initial load.
type coreUser struct {
	mu     sync.Mutex
	loaded atomic.Bool
	snap   atomic.Pointer[map[string]CoreFact]
}

func (u *coreUser) snapshot() map[string]CoreFact {
	return *u.snap.Load()
}

// CoreMemory is the always-present tier: a small bounded set of keyed facts
// per user, cached in process and served from an immutable snapshot.
//
// Mutations follow snapshot-decide-reconcile: the decision (including the
// eviction victim) is taken under the user's writer lock, the store write
// happens with no lock held, and the snapshot is rebuilt under the lock
// afterwards. Access bumps from reads are batched through an accessFlusher
// rather than written inline.
type CoreMemory struct {
	store  MemoryStore
	max    int
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	users map[string]*coreUser

	flusher *accessFlusher
}

// CoreOption configures CoreMemory.
type CoreOption func(*CoreMemory)

// WithCoreMax sets the per-user fact cap. Default: 100.
func WithCoreMax(n int) CoreOption {
	return func(m *CoreMemory) { m.max = n }
}

// WithCoreLogger sets the structured logger.
func WithCoreLogger(l *slog.Logger) CoreOption {
	return func(m *CoreMemory) { m.logger = l }
}

// withCoreClock overrides the time source. Used by tests.
func withCoreClock(now func() time.Time) CoreOption {
	return func(m *CoreMemory) { m.now = now }
}

// NewCoreMemory creates the core tier over store.
func NewCoreMemory(store MemoryStore, opts ...CoreOption) *CoreMemory {
	m := &CoreMemory{
		store:  store,
		max:    DefaultCoreMemoryMax,
		logger: nopLogger,
		now:    time.Now,
		users:  make(map[string]*coreUser),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.flusher = newAccessFlusher("core", m.logger, func(ctx context.Context, userID string, keys []string) error {
		return m.store.BumpCoreAccess(ctx, userID, keys)
	})
	return m
}

func (m *CoreMemory) user(userID string) *coreUser {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[userID]
	if u == nil {
		u = &coreUser{}
		empty := make(map[string]CoreFact)
		u.snap.Store(&empty)
		m.users[userID] = u
	}
	return u
}

// ensure loads the user's facts on first touch. The writer lock is held
// during the load so concurrent callers wait instead of loading twice;
// snapshot readers are unaffected.
func (m *CoreMemory) ensure(ctx context.Context, userID string) (*coreUser, error) {
	u := m.user(userID)
	if u.loaded.Load() {
		return u, nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.loaded.Load() {
		return u, nil
	}
	facts, err := m.store.CoreFacts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("core memory: load: %w", err)
	}
	snap := make(map[string]CoreFact, len(facts))
	for _, f := range facts {
		snap[f.Key] = f
	}
	u.snap.Store(&snap)
	u.loaded.Store(true)
	m.logger.Debug("core memory loaded", "user", HashID(userID), "facts", len(snap))
	return u, nil
}

// compositeScore ranks a fact for eviction. Low score evicts first:
// importance decayed by recency plus a logarithmic access bonus.
func (m *CoreMemory) compositeScore(f CoreFact, now time.Time) float64 {
	ageHours := now.Sub(f.LastAccessed).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	recency := math.Exp(-ageHours / coreRecencyHalfWindow)
	return f.Importance*recency + math.Log1p(float64(f.AccessCount))
}

// evictionVictim picks the lowest-scoring fact. Ties break toward the
// oldest last access, then the smaller key, so eviction is deterministic.
func (m *CoreMemory) evictionVictim(snap map[string]CoreFact, now time.Time) (CoreFact, bool) {
	var victim CoreFact
	found := false
	var victimScore float64
	for _, f := range snap {
		score := m.compositeScore(f, now)
		if !found {
			victim, victimScore, found = f, score, true
			continue
		}
		switch {
		case score < victimScore:
			victim, victimScore = f, score
		case score == victimScore && f.LastAccessed.Before(victim.LastAccessed):
			victim = f
		case score == victimScore && f.LastAccessed.Equal(victim.LastAccessed) && f.Key < victim.Key:
			victim = f
		}
	}
	return victim, found
}

// Add inserts or updates the fact at (userID, key). When the user is at
// capacity and key is new, the lowest-scoring fact is evicted first.
// Importance is clamped to [0, 1].
func (m *CoreMemory) Add(ctx context.Context, userID, key, value string, importance float64) (CoreFact, error) {
	if userID == "" || key == "" {
		return CoreFact{}, &ErrMemory{Tier: "core", Key: key, Err: fmt.Errorf("user id and key must be non-empty")}
	}
	importance = math.Max(0, math.Min(1, importance))

	u, err := m.ensure(ctx, userID)
	if err != nil {
		return CoreFact{}, err
	}

	u.mu.Lock()
	snap := u.snapshot()
	existing, exists := snap[key]
	var victim CoreFact
	evict := false
	if !exists && len(snap) >= m.max {
		victim, evict = m.evictionVictim(snap, m.now())
	}
	u.mu.Unlock()

	if evict {
		if _, err := m.store.DeleteCoreFact(ctx, userID, victim.Key); err != nil {
			return CoreFact{}, fmt.Errorf("core memory: evict %q: %w", victim.Key, err)
		}
		m.logger.Debug("core fact evicted", "user", HashID(userID), "key", victim.Key)
	}

	fact := CoreFact{
		ID:         NewID(),
		UserID:     userID,
		Key:        key,
		Value:      value,
		Importance: importance,
	}
	if exists {
		fact.ID = existing.ID
		fact.AccessCount = existing.AccessCount
	}
	stored, err := m.store.PutCoreFact(ctx, fact)
	if err != nil {
		return CoreFact{}, fmt.Errorf("core memory: put %q: %w", key, err)
	}

	u.mu.Lock()
	next := cloneFacts(u.snapshot())
	if evict {
		delete(next, victim.Key)
	}
	next[key] = stored
	u.snap.Store(&next)
	over := len(next) > m.max
	u.mu.Unlock()

	// Concurrent inserts can briefly overshoot the cap; reconcile by
	// evicting again until the snapshot fits.
	for attempt := 0; over && attempt < 3; attempt++ {
		over, err = m.evictOnce(ctx, u, userID)
		if err != nil {
			m.logger.Warn("core memory reconcile evict failed", "user", HashID(userID), "error", err)
			break
		}
	}
	return stored, nil
}

func (m *CoreMemory) evictOnce(ctx context.Context, u *coreUser, userID string) (stillOver bool, err error) {
	u.mu.Lock()
	snap := u.snapshot()
	victim, ok := m.evictionVictim(snap, m.now())
	u.mu.Unlock()
	if !ok {
		return false, nil
	}
	if _, err := m.store.DeleteCoreFact(ctx, userID, victim.Key); err != nil {
		return true, err
	}
	u.mu.Lock()
	next := cloneFacts(u.snapshot())
	delete(next, victim.Key)
	u.snap.Store(&next)
	over := len(next) > m.max
	u.mu.Unlock()
	return over, nil
}

// Get returns the fact at key. The access is counted in-process immediately
// and flushed to the store by the next sweep.
func (m *CoreMemory) Get(ctx context.Context, userID, key string) (CoreFact, bool, error) {
	u, err := m.ensure(ctx, userID)
	if err != nil {
		return CoreFact{}, false, err
	}
	fact, ok := u.snapshot()[key]
	if !ok {
		return CoreFact{}, false, nil
	}
	m.flusher.Mark(userID, key)
	m.bumpLocal(u, key)
	return fact, true, nil
}

// bumpLocal updates the in-process access view so eviction scoring sees
// recent reads before the store flush lands.
func (m *CoreMemory) bumpLocal(u *coreUser, key string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	next := cloneFacts(u.snapshot())
	f, ok := next[key]
	if !ok {
		return
	}
	f.AccessCount++
	f.LastAccessed = m.now()
	next[key] = f
	u.snap.Store(&next)
}

// All returns every fact for the user, highest importance first.
func (m *CoreMemory) All(ctx context.Context, userID string) ([]CoreFact, error) {
	u, err := m.ensure(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap := u.snapshot()
	facts := make([]CoreFact, 0, len(snap))
	for _, f := range snap {
		facts = append(facts, f)
	}
	sort.Slice(facts, func(i, j int) bool {
		if facts[i].Importance != facts[j].Importance {
			return facts[i].Importance > facts[j].Importance
		}
		return facts[i].Key < facts[j].Key
	})
	return facts, nil
}

// SearchKeys returns the user's fact keys containing query, compared
// case-insensitively, in ascending key order. A blank query matches
// nothing. Limit caps results; zero means no cap.
func (m *CoreMemory) SearchKeys(ctx context.Context, userID, query string, limit int) ([]string, error) {
	if userID == "" {
		return nil, &ErrMemory{Tier: "core", Err: fmt.Errorf("user id must be non-empty")}
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	u, err := m.ensure(ctx, userID)
	if err != nil {
		return nil, err
	}
	var keys []string
	for k := range u.snapshot() {
		if strings.Contains(strings.ToLower(k), query) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Delete removes the fact at key. Returns false when it was absent.
func (m *CoreMemory) Delete(ctx context.Context, userID, key string) (bool, error) {
	u, err := m.ensure(ctx, userID)
	if err != nil {
		return false, err
	}
	if _, ok := u.snapshot()[key]; !ok {
		return false, nil
	}
	deleted, err := m.store.DeleteCoreFact(ctx, userID, key)
	if err != nil {
		return false, fmt.Errorf("core memory: delete %q: %w", key, err)
	}
	u.mu.Lock()
	next := cloneFacts(u.snapshot())
	delete(next, key)
	u.snap.Store(&next)
	u.mu.Unlock()
	return deleted, nil
}

// Count returns the user's fact count and the configured cap.
func (m *CoreMemory) Count(ctx context.Context, userID string) (int, int, error) {
	u, err := m.ensure(ctx, userID)
	if err != nil {
		return 0, m.max, err
	}
	return len(u.snapshot()), m.max, nil
}

// FlushAccess writes batched access counts to the store. Registered as a
// scheduler task.
func (m *CoreMemory) FlushAccess(ctx context.Context) error {
	return m.flusher.Sweep(ctx)
}

func cloneFacts(snap map[string]CoreFact) map[string]CoreFact {
	next := make(map[string]CoreFact, len(snap)+1)
	for k, v := range snap {
		next[k] = v
	}
	return next
}
