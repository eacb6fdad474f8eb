package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/nevindra/engram"
)

// Embedder implements engram.EmbeddingProvider against an
// OpenAI-compatible /embeddings endpoint.
type Embedder struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	client     *http.Client
	name       string
}

// EmbedderOption configures an Embedder instance.
type EmbedderOption func(*Embedder)

// WithEmbedderName sets the name returned by Name() (default "openai").
func WithEmbedderName(name string) EmbedderOption {
	return func(e *Embedder) { e.name = name }
}

// WithEmbedderHTTPClient sets a custom HTTP client.
func WithEmbedderHTTPClient(c *http.Client) EmbedderOption {
	return func(e *Embedder) { e.client = c }
}

// NewEmbedder creates an embedding client. dimensions is the vector size
// the model produces; providers that support truncation receive it in the
// request body.
func NewEmbedder(apiKey, model, baseURL string, dimensions int, opts ...EmbedderOption) *Embedder {
	e := &Embedder{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		dimensions: dimensions,
		client:     &http.Client{},
		name:       "openai",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the embedder name.
func (e *Embedder) Name() string { return e.name }

// Dimensions returns the vector size produced by the configured model.
func (e *Embedder) Dimensions() int { return e.dimensions }

// Embed returns one vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	textLen := 0
	for _, t := range texts {
		textLen += len(t)
	}

	payload, err := json.Marshal(EmbeddingBody{
		Model:      e.model,
		Input:      texts,
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, &engram.ErrEmbedding{Model: e.model, TextLen: textLen, Err: err}
	}

	url := e.baseURL + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &engram.ErrEmbedding{Model: e.model, TextLen: textLen, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, &engram.ErrEmbedding{Model: e.model, TextLen: textLen, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		httpErr := &engram.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: engram.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
		return nil, &engram.ErrEmbedding{
			Model:     e.model,
			TextLen:   textLen,
			Transient: httpErr.Transient(),
			Err:       httpErr,
		}
	}

	var reply EmbeddingReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, &engram.ErrEmbedding{Model: e.model, TextLen: textLen, Err: err}
	}
	if len(reply.Data) != len(texts) {
		return nil, &engram.ErrEmbedding{
			Model:   e.model,
			TextLen: textLen,
			Err:     fmt.Errorf("got %d vectors for %d inputs", len(reply.Data), len(texts)),
		}
	}

	// The API documents input order but some compatible servers return
	// vectors keyed only by index.
	sort.Slice(reply.Data, func(i, j int) bool { return reply.Data[i].Index < reply.Data[j].Index })
	out := make([][]float32, len(reply.Data))
	for i, d := range reply.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

var _ engram.EmbeddingProvider = (*Embedder)(nil)
