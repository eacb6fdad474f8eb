package engram

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Provider is an LLM backend capable of chat completion.
type Provider interface {
	// Chat sends messages and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends messages and streams events to ch as they arrive.
	// The implementation closes ch when the stream ends, on both success
	// and error paths. The returned response carries the accumulated
	// content and usage.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (*ChatResponse, error)

	// Name returns the provider identifier, e.g. "openai".
	Name() string
}

// EmbeddingProvider converts text into vectors.
type EmbeddingProvider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector dimension this provider produces.
	Dimensions() int

	// Name returns the embedding model identifier.
	Name() string
}

// ParseRetryAfter parses a Retry-After header value, either delta-seconds
// ("30") or an HTTP date. Returns zero when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
