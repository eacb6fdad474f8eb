package engram

import (
	"context"
	"sync"
	"testing"
	"time"
)

// flakyProvider fails with the given errors before succeeding.
type flakyProvider struct {
	mu    sync.Mutex
	fails []error
	calls int
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) take() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.fails) > 0 {
		err := f.fails[0]
		f.fails = f.fails[1:]
		return err
	}
	return nil
}

func (f *flakyProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *flakyProvider) Chat(_ context.Context, _ ChatRequest) (*ChatResponse, error) {
	if err := f.take(); err != nil {
		return nil, err
	}
	return &ChatResponse{Content: "recovered"}, nil
}

func (f *flakyProvider) ChatStream(_ context.Context, _ ChatRequest, ch chan<- StreamEvent) (*ChatResponse, error) {
	defer close(ch)
	if err := f.take(); err != nil {
		return nil, err
	}
	ch <- StreamEvent{Type: EventTextDelta, Content: "recovered"}
	ch <- StreamEvent{Type: EventDone}
	return &ChatResponse{Content: "recovered"}, nil
}

func TestRetryChatRecoversFromTransient(t *testing.T) {
	inner := &flakyProvider{fails: []error{
		&ErrLLM{Provider: "flaky", Message: "rate limited", Transient: true},
		&ErrHTTP{Status: 503, Body: "unavailable"},
	}}
	p := NewRetryProvider(inner, WithBaseDelay(time.Millisecond))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("content = %q", resp.Content)
	}
	if inner.callCount() != 3 {
		t.Errorf("calls = %d, want 3", inner.callCount())
	}
}

func TestRetryChatStopsOnPermanent(t *testing.T) {
	inner := &flakyProvider{fails: []error{
		&ErrLLM{Provider: "flaky", Message: "invalid request"},
	}}
	p := NewRetryProvider(inner, WithBaseDelay(time.Millisecond))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("permanent error retried into success")
	}
	if inner.callCount() != 1 {
		t.Errorf("calls = %d, want 1", inner.callCount())
	}
}

func TestRetryChatExhaustsAttempts(t *testing.T) {
	transient := &ErrLLM{Provider: "flaky", Message: "overloaded", Transient: true}
	inner := &flakyProvider{fails: []error{transient, transient, transient, transient}}
	p := NewRetryProvider(inner, WithMaxAttempts(2), WithBaseDelay(time.Millisecond))

	_, err := p.Chat(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("exhausted retries returned success")
	}
	if inner.callCount() != 2 {
		t.Errorf("calls = %d, want 2", inner.callCount())
	}
}

func TestRetryStreamRecoversBeforeFirstEvent(t *testing.T) {
	inner := &flakyProvider{fails: []error{
		&ErrLLM{Provider: "flaky", Message: "rate limited", Transient: true},
	}}
	p := NewRetryProvider(inner, WithBaseDelay(time.Millisecond))

	ch := make(chan StreamEvent, 16)
	resp, err := p.ChatStream(context.Background(), ChatRequest{}, ch)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("content = %q", resp.Content)
	}
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}
	if inner.callCount() != 2 {
		t.Errorf("calls = %d, want 2", inner.callCount())
	}
}

// midStreamProvider emits one event and then fails.
type midStreamProvider struct {
	calls int
}

func (m *midStreamProvider) Name() string { return "midstream" }
func (m *midStreamProvider) Chat(context.Context, ChatRequest) (*ChatResponse, error) {
	return nil, &ErrLLM{Provider: "midstream", Message: "unused"}
}

func (m *midStreamProvider) ChatStream(_ context.Context, _ ChatRequest, ch chan<- StreamEvent) (*ChatResponse, error) {
	defer close(ch)
	m.calls++
	ch <- StreamEvent{Type: EventTextDelta, Content: "partial"}
	return nil, &ErrLLM{Provider: "midstream", Message: "cut", Transient: true}
}

func TestRetryStreamDoesNotRetryAfterDelivery(t *testing.T) {
	inner := &midStreamProvider{}
	p := NewRetryProvider(inner, WithBaseDelay(time.Millisecond))

	ch := make(chan StreamEvent, 16)
	_, err := p.ChatStream(context.Background(), ChatRequest{}, ch)
	if err == nil {
		t.Fatal("mid-stream failure swallowed")
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry after tokens reached consumer)", inner.calls)
	}
	// Delivered events stay delivered.
	if ev := <-ch; ev.Content != "partial" {
		t.Errorf("forwarded event = %+v", ev)
	}
}

type flakyEmbedding struct {
	flakyProvider
	dim int
}

func (f *flakyEmbedding) Dimensions() int { return f.dim }

func (f *flakyEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if err := f.take(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func TestRetryEmbeddingRecovers(t *testing.T) {
	inner := &flakyEmbedding{dim: 4}
	inner.fails = []error{&ErrEmbedding{Model: "flaky", Transient: true}}
	r := NewRetryEmbedding(inner, WithBaseDelay(time.Millisecond))

	vecs, err := r.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || len(vecs[0]) != 4 {
		t.Errorf("vecs = %v", vecs)
	}
	if r.Dimensions() != 4 || r.Name() != "flaky" {
		t.Errorf("passthrough broken: %s/%d", r.Name(), r.Dimensions())
	}
}

func TestRetryCancelledContextStops(t *testing.T) {
	transient := &ErrLLM{Provider: "flaky", Message: "busy", Transient: true}
	inner := &flakyProvider{fails: []error{transient, transient, transient}}
	p := NewRetryProvider(inner, WithBaseDelay(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Chat(ctx, ChatRequest{})
	if !IsCancelled(err) {
		t.Errorf("err = %v, want cancellation", err)
	}
	if inner.callCount() != 1 {
		t.Errorf("calls = %d, want 1", inner.callCount())
	}
}
