package engram

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultGlobalRate  = 50
	defaultChannelRate = 5
	// bucketIdleTTL is how long an untouched channel bucket survives a prune.
	bucketIdleTTL = 10 * time.Minute
	// maxChannelBuckets forces a prune regardless of idle age.
	maxChannelBuckets = 5000
)

// bucket is a token bucket refilled continuously at its limit per second.
type bucket struct {
	tokens float64
	last   time.Time
}

func (b *bucket) refill(now time.Time, limit float64) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * limit
	if b.tokens > limit {
		b.tokens = limit
	}
	b.last = now
}

// waitFor returns how long until one token is available, zero when one is
// available now.
func (b *bucket) waitFor(limit float64) time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	secs := (1 - b.tokens) / limit
	return time.Duration(secs * float64(time.Second))
}

// Limiter throttles message handling with a global token bucket plus one
// bucket per channel. Acquire blocks until both buckets have a token.
// Hitting the limit is not an error condition; callers wait.
//
// The mutex is never held while sleeping: the wait time is computed under
// the lock, the lock is released, and the acquisition loop re-checks after
// the timer fires.
type Limiter struct {
	globalRate  float64
	channelRate float64
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	global   bucket
	channels map[string]*bucket
	lastSeen map[string]time.Time
	waits    int64
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithGlobalRate sets the global messages-per-second budget. Default: 50.
func WithGlobalRate(perSecond float64) LimiterOption {
	return func(l *Limiter) { l.globalRate = perSecond }
}

// WithChannelRate sets the per-channel messages-per-second budget. Default: 5.
func WithChannelRate(perSecond float64) LimiterOption {
	return func(l *Limiter) { l.channelRate = perSecond }
}

// WithLimiterLogger sets the structured logger.
func WithLimiterLogger(lg *slog.Logger) LimiterOption {
	return func(l *Limiter) { l.logger = lg }
}

// withLimiterClock overrides the time source. Used by tests.
func withLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a Limiter with full buckets.
func NewLimiter(opts ...LimiterOption) *Limiter {
	l := &Limiter{
		globalRate:  defaultGlobalRate,
		channelRate: defaultChannelRate,
		logger:      nopLogger,
		now:         time.Now,
		channels:    make(map[string]*bucket),
		lastSeen:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.global = bucket{tokens: l.globalRate, last: l.now()}
	return l
}

// Acquire blocks until one global token and one token for channelID are
// available, then consumes both. Returns ctx.Err() if ctx is done first.
func (l *Limiter) Acquire(ctx context.Context, channelID string) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.pruneLocked(now)

		l.global.refill(now, l.globalRate)
		cb := l.channels[channelID]
		if cb == nil {
			cb = &bucket{tokens: l.channelRate, last: now}
			l.channels[channelID] = cb
		}
		cb.refill(now, l.channelRate)
		l.lastSeen[channelID] = now

		wait := l.global.waitFor(l.globalRate)
		if cw := cb.waitFor(l.channelRate); cw > wait {
			wait = cw
		}
		if wait <= 0 {
			l.global.tokens--
			cb.tokens--
			l.mu.Unlock()
			return nil
		}
		l.waits++
		l.mu.Unlock()

		l.logger.Debug("rate limit wait", "channel", HashID(channelID), "wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// pruneLocked drops channel buckets idle past the TTL. When the map has
// grown beyond maxChannelBuckets every stale entry goes regardless of age.
func (l *Limiter) pruneLocked(now time.Time) {
	force := len(l.channels) > maxChannelBuckets
	if !force && len(l.channels) == 0 {
		return
	}
	for id, seen := range l.lastSeen {
		if now.Sub(seen) > bucketIdleTTL || (force && now.Sub(seen) > time.Minute) {
			delete(l.channels, id)
			delete(l.lastSeen, id)
		}
	}
}

// Available returns the approximate token counts (global, channel) without
// consuming anything. A channel with no bucket reports a full budget.
func (l *Limiter) Available(channelID string) (float64, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	g := l.global
	g.refill(now, l.globalRate)
	cTokens := l.channelRate
	if cb, ok := l.channels[channelID]; ok {
		c := *cb
		c.refill(now, l.channelRate)
		cTokens = c.tokens
	}
	return g.tokens, cTokens
}

// Waits returns how many times Acquire had to sleep. Diagnostic only.
func (l *Limiter) Waits() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waits
}

// Reset refills every bucket to its limit.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.global = bucket{tokens: l.globalRate, last: now}
	for _, cb := range l.channels {
		cb.tokens = l.channelRate
		cb.last = now
	}
}
