package engram

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrConfig reports an invalid or missing configuration value.
// It is only returned during startup and maps to exit code 64.
type ErrConfig struct {
	// Field is the offending option, e.g. "llm.api_key".
	Field string
	// Message explains the violation.
	Message string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ErrStoreUnavailable wraps a transient storage failure (connection refused,
// pool exhausted, timeout). Safe to retry with backoff.
type ErrStoreUnavailable struct {
	Op  string
	Err error
}

func (e *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *ErrStoreUnavailable) Unwrap() error { return e.Err }

// ErrStoreConflict wraps a constraint violation (unique key, foreign key,
// check). Retrying the same write cannot succeed.
type ErrStoreConflict struct {
	Op         string
	Constraint string
	Err        error
}

func (e *ErrStoreConflict) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("store conflict: %s: %s: %v", e.Op, e.Constraint, e.Err)
	}
	return fmt.Sprintf("store conflict: %s: %v", e.Op, e.Err)
}

func (e *ErrStoreConflict) Unwrap() error { return e.Err }

// ErrEmbedding reports an embedding failure. Transient errors (rate limits,
// 5xx) may be retried; permanent ones (dimension mismatch, invalid input)
// must not be.
type ErrEmbedding struct {
	Model     string
	TextLen   int
	Transient bool
	Err       error
}

func (e *ErrEmbedding) Error() string {
	return fmt.Sprintf("embedding: model=%s text_len=%d: %v", e.Model, e.TextLen, e.Err)
}

func (e *ErrEmbedding) Unwrap() error { return e.Err }

// ErrLLM reports a provider-level chat failure.
type ErrLLM struct {
	// Provider is the provider name, e.g. "openai".
	Provider string
	// Message is the underlying error detail.
	Message string
	// Transient marks errors worth retrying.
	Transient bool
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("llm provider %s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-2xx response from a provider API.
type ErrHTTP struct {
	// Status is the HTTP status code.
	Status int
	// Body is the response body, truncated by the caller if large.
	Body string
	// RetryAfter is the server-requested backoff, zero when absent.
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// Transient reports whether the status is worth retrying.
func (e *ErrHTTP) Transient() bool {
	return e.Status == 408 || e.Status == 429 || e.Status >= 500
}

// ErrMemory wraps a memory tier failure.
type ErrMemory struct {
	// Tier is "core", "recall", or "archival".
	Tier string
	// Key is the fact key or item id involved, when known.
	Key string
	Err error
}

func (e *ErrMemory) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("memory %s: %s: %v", e.Tier, e.Key, e.Err)
	}
	return fmt.Sprintf("memory %s: %v", e.Tier, e.Err)
}

func (e *ErrMemory) Unwrap() error { return e.Err }

// ErrGraph wraps a knowledge graph failure.
type ErrGraph struct {
	Op  string
	ID  string
	Err error
}

func (e *ErrGraph) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("graph: %s: %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("graph: %s: %v", e.Op, e.Err)
}

func (e *ErrGraph) Unwrap() error { return e.Err }

// ErrContext reports a context window failure. The session remains usable
// after the error.
type ErrContext struct {
	SessionID string
	Message   string
}

func (e *ErrContext) Error() string {
	return fmt.Sprintf("context: session %s: %s", e.SessionID, e.Message)
}

// ErrAuthorization reports an attempt to touch another user's data.
// Never retried, never degraded around.
type ErrAuthorization struct {
	UserID   string
	Resource string
}

func (e *ErrAuthorization) Error() string {
	return fmt.Sprintf("authorization: user %s cannot access %s", HashID(e.UserID), e.Resource)
}

// IsCancelled reports whether err is a context cancellation or deadline.
// Cancellations are expected during shutdown and are not logged as failures.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsTransient reports whether err is worth retrying: transient store,
// embedding, and LLM failures, plus retryable HTTP statuses.
// Cancellations are never transient.
func IsTransient(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	var unavailable *ErrStoreUnavailable
	if errors.As(err, &unavailable) {
		return true
	}
	var embed *ErrEmbedding
	if errors.As(err, &embed) {
		return embed.Transient
	}
	var llm *ErrLLM
	if errors.As(err, &llm) {
		return llm.Transient
	}
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return httpErr.Transient()
	}
	return false
}
