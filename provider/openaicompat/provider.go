package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nevindra/engram"
)

// Provider implements engram.Provider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) for body building, streaming, and response parsing.
//
// Works with OpenAI, Groq, Together, DeepSeek, Mistral, Ollama, vLLM,
// LM Studio, Azure OpenAI, and any other provider that implements the
// OpenAI chat completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
//
// Provider-level options (WithOptions) apply to every request; per-call
// GenerationParams override them because options are applied in order.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// mergeGenParams returns the provider's base options with any per-request
// params appended. Last option wins, so per-request params override
// provider defaults.
func (p *Provider) mergeGenParams(params *engram.GenerationParams) []Option {
	if params == nil {
		return p.opts
	}
	opts := make([]Option, len(p.opts), len(p.opts)+3)
	copy(opts, p.opts)
	if params.Temperature != nil {
		opts = append(opts, WithTemperature(*params.Temperature))
	}
	if params.TopP != nil {
		opts = append(opts, WithTopP(*params.TopP))
	}
	if params.MaxTokens != nil {
		opts = append(opts, WithMaxTokens(*params.MaxTokens))
	}
	return opts
}

// Chat sends a non-streaming chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req engram.ChatRequest) (*engram.ChatResponse, error) {
	body := BuildBody(req.Messages, p.model, p.mergeGenParams(req.Params)...)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.httpErr(resp)
	}

	var reply ChatReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, &engram.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(reply, p.name)
}

// ChatStream streams text-delta events into ch, then returns the final
// accumulated response. ch is closed when streaming completes (via
// StreamSSE) or on error.
func (p *Provider) ChatStream(ctx context.Context, req engram.ChatRequest, ch chan<- engram.StreamEvent) (*engram.ChatResponse, error) {
	body := BuildBody(req.Messages, p.model, p.mergeGenParams(req.Params)...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return nil, p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch, p.name)
}

// sendHTTP marshals the request body and posts it to the chat
// completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatBody) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &engram.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &engram.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry
// middleware. Parses the Retry-After header when present.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &engram.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: engram.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ engram.Provider = (*Provider)(nil)
