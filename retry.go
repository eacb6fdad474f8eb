package engram

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
)

type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger
}

// RetryOption configures retry wrappers.
type RetryOption func(*retryConfig)

// WithMaxAttempts sets the total attempt count (first call included). Default: 3.
func WithMaxAttempts(n int) RetryOption {
	return func(c *retryConfig) { c.maxAttempts = n }
}

// WithBaseDelay sets the first backoff delay. Default: 1s.
func WithBaseDelay(d time.Duration) RetryOption {
	return func(c *retryConfig) { c.baseDelay = d }
}

// WithRetryLogger sets the logger for retry attempts.
func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(c *retryConfig) { c.logger = l }
}

func newRetryConfig(opts []RetryOption) retryConfig {
	cfg := retryConfig{
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxAttempts < 1 {
		cfg.maxAttempts = 1
	}
	return cfg
}

// backoffDelay returns the delay before the given retry (1-based), doubling
// from base with up to 25% jitter. A server-provided Retry-After wins when
// longer.
func (c retryConfig) backoffDelay(retry int, err error) time.Duration {
	d := c.baseDelay << (retry - 1)
	if d > c.maxDelay {
		d = c.maxDelay
	}
	d += time.Duration(rand.Int64N(int64(d)/4 + 1))
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) && httpErr.RetryAfter > d {
		d = httpErr.RetryAfter
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryProvider wraps a Provider with transient-error retries and
// exponential backoff. Streamed generations are retried only while no
// event has been delivered; once tokens reached the consumer the error
// is returned as-is.
type RetryProvider struct {
	inner Provider
	cfg   retryConfig
}

var _ Provider = (*RetryProvider)(nil)

// NewRetryProvider wraps inner with retry behavior.
func NewRetryProvider(inner Provider, opts ...RetryOption) *RetryProvider {
	return &RetryProvider{inner: inner, cfg: newRetryConfig(opts)}
}

// Name returns the wrapped provider's name.
func (r *RetryProvider) Name() string { return r.inner.Name() }

// Chat calls the wrapped provider, retrying transient failures.
func (r *RetryProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.maxAttempts; attempt++ {
		resp, err := r.inner.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == r.cfg.maxAttempts {
			break
		}
		delay := r.cfg.backoffDelay(attempt, err)
		r.cfg.logger.Warn("chat retry", "provider", r.inner.Name(), "attempt", attempt, "delay", delay, "error", err)
		if serr := sleepCtx(ctx, delay); serr != nil {
			return nil, serr
		}
	}
	return nil, lastErr
}

// ChatStream streams from the wrapped provider. Each attempt uses a private
// relay channel; events are forwarded to ch and counted. A transient failure
// after the first forwarded event is not retried. ChatStream closes ch.
func (r *RetryProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (*ChatResponse, error) {
	defer close(ch)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.maxAttempts; attempt++ {
		relay := make(chan StreamEvent, 16)
		forwarded := 0
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range relay {
				select {
				case ch <- ev:
					forwarded++
				case <-ctx.Done():
					// Drain so the producer can finish and close relay.
				}
			}
		}()

		resp, err := r.inner.ChatStream(ctx, req, relay)
		<-done
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if forwarded > 0 || !IsTransient(err) || attempt == r.cfg.maxAttempts {
			break
		}
		delay := r.cfg.backoffDelay(attempt, err)
		r.cfg.logger.Warn("stream retry", "provider", r.inner.Name(), "attempt", attempt, "delay", delay, "error", err)
		if serr := sleepCtx(ctx, delay); serr != nil {
			return nil, serr
		}
	}
	return nil, lastErr
}

// RetryEmbedding wraps an EmbeddingProvider with transient-error retries.
type RetryEmbedding struct {
	inner EmbeddingProvider
	cfg   retryConfig
}

var _ EmbeddingProvider = (*RetryEmbedding)(nil)

// NewRetryEmbedding wraps inner with retry behavior.
func NewRetryEmbedding(inner EmbeddingProvider, opts ...RetryOption) *RetryEmbedding {
	return &RetryEmbedding{inner: inner, cfg: newRetryConfig(opts)}
}

// Name returns the wrapped provider's name.
func (r *RetryEmbedding) Name() string { return r.inner.Name() }

// Dimensions returns the wrapped provider's dimension.
func (r *RetryEmbedding) Dimensions() int { return r.inner.Dimensions() }

// Embed calls the wrapped provider, retrying transient failures.
func (r *RetryEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.maxAttempts; attempt++ {
		vecs, err := r.inner.Embed(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == r.cfg.maxAttempts {
			break
		}
		delay := r.cfg.backoffDelay(attempt, err)
		r.cfg.logger.Warn("embed retry", "provider", r.inner.Name(), "attempt", attempt, "delay", delay, "error", err)
		if serr := sleepCtx(ctx, delay); serr != nil {
			return nil, serr
		}
	}
	return nil, lastErr
}
