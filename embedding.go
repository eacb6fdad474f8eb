package engram

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maxEmbedTokens is the input cap applied before calling the provider.
	// Longer texts are truncated at a rune boundary, matching the hard
	// input limit of common embedding models.
	maxEmbedTokens = 8191

	defaultEmbedCacheSize = 256
	defaultEmbedCacheTTL  = 5 * time.Minute
)

// DefaultEmbeddingDim is the vector dimension used when none is configured.
// Every store and search path shares this single constant.
const DefaultEmbeddingDim = 1536

// Cosine returns the cosine similarity of two vectors in [-1, 1].
// Returns 0 for mismatched lengths or zero-magnitude inputs.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type embedEntry struct {
	key string
	vec []float32
	at  time.Time
}

// Embedder wraps an EmbeddingProvider with input truncation, an LRU+TTL
// memoization cache keyed by (model, text), and dimension validation.
// Cache lookups never hold the lock across provider calls; concurrent
// misses on the same text may both reach the provider.
type Embedder struct {
	provider EmbeddingProvider
	counter  TokenCounter
	dim      int
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	lru     *list.List
	index   map[string]*list.Element
	maxSize int
	ttl     time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// EmbedderOption configures an Embedder.
type EmbedderOption func(*Embedder)

// WithEmbedCacheSize sets the cache capacity. Zero disables caching. Default: 256.
func WithEmbedCacheSize(n int) EmbedderOption {
	return func(e *Embedder) { e.maxSize = n }
}

// WithEmbedCacheTTL sets the cache entry lifetime. Default: 5m.
func WithEmbedCacheTTL(d time.Duration) EmbedderOption {
	return func(e *Embedder) { e.ttl = d }
}

// WithEmbedderLogger sets the structured logger.
func WithEmbedderLogger(l *slog.Logger) EmbedderOption {
	return func(e *Embedder) { e.logger = l }
}

// withEmbedderClock overrides the time source. Used by tests.
func withEmbedderClock(now func() time.Time) EmbedderOption {
	return func(e *Embedder) { e.now = now }
}

// NewEmbedder creates an Embedder over provider. The provider's dimension
// is authoritative; vectors of any other length are rejected.
func NewEmbedder(provider EmbeddingProvider, counter TokenCounter, opts ...EmbedderOption) *Embedder {
	e := &Embedder{
		provider: provider,
		counter:  counter,
		dim:      provider.Dimensions(),
		logger:   nopLogger,
		now:      time.Now,
		lru:      list.New(),
		index:    make(map[string]*list.Element),
		maxSize:  defaultEmbedCacheSize,
		ttl:      defaultEmbedCacheTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dimensions returns the vector dimension produced by this embedder.
func (e *Embedder) Dimensions() int { return e.dim }

// CacheStats returns cumulative cache hits and misses.
func (e *Embedder) CacheStats() (hits, misses int64) {
	return e.hits.Load(), e.misses.Load()
}

func (e *Embedder) cacheKey(text string) string {
	return e.provider.Name() + "\x00" + text
}

func (e *Embedder) cacheGet(key string) ([]float32, bool) {
	if e.maxSize <= 0 {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	el, ok := e.index[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*embedEntry)
	if e.ttl > 0 && e.now().Sub(ent.at) > e.ttl {
		e.lru.Remove(el)
		delete(e.index, key)
		return nil, false
	}
	e.lru.MoveToFront(el)
	return ent.vec, true
}

func (e *Embedder) cachePut(key string, vec []float32) {
	if e.maxSize <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if el, ok := e.index[key]; ok {
		ent := el.Value.(*embedEntry)
		ent.vec = vec
		ent.at = e.now()
		e.lru.MoveToFront(el)
		return
	}
	e.index[key] = e.lru.PushFront(&embedEntry{key: key, vec: vec, at: e.now()})
	for e.lru.Len() > e.maxSize {
		back := e.lru.Back()
		e.lru.Remove(back)
		delete(e.index, back.Value.(*embedEntry).key)
	}
}

// EmbedOne embeds a single text, serving repeats from cache.
func (e *Embedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedAll(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedAll embeds texts in input order, batching cache misses into a single
// provider call. Inputs beyond the token cap are truncated first so that
// equal effective inputs share a cache entry.
func (e *Embedder) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	truncated := make([]string, len(texts))
	for i, t := range texts {
		truncated[i] = TruncateToTokens(e.counter, t, maxEmbedTokens)
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range truncated {
		if vec, ok := e.cacheGet(e.cacheKey(t)); ok {
			e.hits.Add(1)
			out[i] = vec
			continue
		}
		e.misses.Add(1)
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := e.provider.Embed(ctx, missTexts)
	if err != nil {
		if IsCancelled(err) {
			return nil, err
		}
		var embErr *ErrEmbedding
		if errors.As(err, &embErr) {
			return nil, err
		}
		return nil, &ErrEmbedding{
			Model:     e.provider.Name(),
			TextLen:   len(missTexts[0]),
			Transient: IsTransient(err),
			Err:       err,
		}
	}
	if len(vecs) != len(missTexts) {
		return nil, &ErrEmbedding{
			Model: e.provider.Name(),
			Err:   fmt.Errorf("provider returned %d vectors for %d inputs", len(vecs), len(missTexts)),
		}
	}
	for i, vec := range vecs {
		if len(vec) != e.dim {
			return nil, &ErrEmbedding{
				Model:   e.provider.Name(),
				TextLen: len(missTexts[i]),
				Err:     fmt.Errorf("dimension mismatch: got %d want %d", len(vec), e.dim),
			}
		}
		e.cachePut(e.cacheKey(missTexts[i]), vec)
		out[missIdx[i]] = vec
	}
	return out, nil
}
