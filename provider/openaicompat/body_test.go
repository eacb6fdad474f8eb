package openaicompat

import (
	"encoding/json"
	"testing"

	"github.com/nevindra/engram"
)

func TestBuildBody_SystemMessages(t *testing.T) {
	messages := []engram.ChatMessage{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "Hello"},
	}

	body := BuildBody(messages, "gpt-4o")

	if body.Model != "gpt-4o" {
		t.Errorf("expected model 'gpt-4o', got %q", body.Model)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(body.Messages))
	}

	// System message stays as role:"system".
	if body.Messages[0].Role != "system" {
		t.Errorf("expected role 'system', got %q", body.Messages[0].Role)
	}
	if body.Messages[0].Content != "You are a helpful assistant." {
		t.Errorf("unexpected system content: %v", body.Messages[0].Content)
	}

	if body.Messages[1].Role != "user" {
		t.Errorf("expected role 'user', got %q", body.Messages[1].Role)
	}
}

func TestBuildBody_UserAndAssistant(t *testing.T) {
	messages := []engram.ChatMessage{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello!"},
		{Role: "user", Content: "How are you?"},
	}

	body := BuildBody(messages, "gpt-4o")

	if len(body.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(body.Messages))
	}
	if body.Messages[1].Role != "assistant" {
		t.Errorf("expected role 'assistant', got %q", body.Messages[1].Role)
	}
	if body.Messages[1].Content != "Hello!" {
		t.Errorf("unexpected assistant content: %v", body.Messages[1].Content)
	}
}

func TestBuildBody_SpeakerName(t *testing.T) {
	messages := []engram.ChatMessage{
		{Role: "user", Content: "Hi", Name: "a1b2c3"},
	}

	body := BuildBody(messages, "gpt-4o")

	if body.Messages[0].Name != "a1b2c3" {
		t.Errorf("expected name 'a1b2c3', got %q", body.Messages[0].Name)
	}
}

func TestBuildBody_InlineImage(t *testing.T) {
	messages := []engram.ChatMessage{
		{
			Role: "user",
			Parts: []engram.ContentPart{
				{Text: "What is this?"},
				{Image: &engram.ImageData{MIME: "image/png", Data: []byte{0x89, 0x50}}},
			},
		},
	}

	body := BuildBody(messages, "gpt-4o")

	if len(body.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(body.Messages))
	}

	// Content should be []ContentBlock, not a string.
	blocks, ok := body.Messages[0].Content.([]ContentBlock)
	if !ok {
		t.Fatalf("expected content to be []ContentBlock, got %T", body.Messages[0].Content)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 content blocks, got %d", len(blocks))
	}

	if blocks[0].Type != "text" {
		t.Errorf("expected first block type 'text', got %q", blocks[0].Type)
	}
	if blocks[0].Text != "What is this?" {
		t.Errorf("unexpected text: %q", blocks[0].Text)
	}

	if blocks[1].Type != "image_url" {
		t.Errorf("expected second block type 'image_url', got %q", blocks[1].Type)
	}
	if blocks[1].ImageURL == nil {
		t.Fatal("expected image_url to be non-nil")
	}
	expectedURL := "data:image/png;base64,iVA="
	if blocks[1].ImageURL.URL != expectedURL {
		t.Errorf("expected URL %q, got %q", expectedURL, blocks[1].ImageURL.URL)
	}
}

func TestBuildBody_ImageByURL(t *testing.T) {
	messages := []engram.ChatMessage{
		{
			Role: "user",
			Parts: []engram.ContentPart{
				{Image: &engram.ImageData{URL: "https://example.com/cat.jpg"}},
			},
		},
	}

	body := BuildBody(messages, "gpt-4o")

	blocks, ok := body.Messages[0].Content.([]ContentBlock)
	if !ok {
		t.Fatalf("expected content to be []ContentBlock, got %T", body.Messages[0].Content)
	}
	if blocks[0].ImageURL.URL != "https://example.com/cat.jpg" {
		t.Errorf("expected original URL to pass through, got %q", blocks[0].ImageURL.URL)
	}
}

func TestBuildBody_Options(t *testing.T) {
	messages := []engram.ChatMessage{
		{Role: "user", Content: "Hello"},
	}

	body := BuildBody(messages, "gpt-4o",
		WithTemperature(0.2),
		WithTopP(0.9),
		WithMaxTokens(512),
		WithStop("END"),
		WithSeed(42),
	)

	if body.Temperature == nil || *body.Temperature != 0.2 {
		t.Errorf("unexpected temperature: %v", body.Temperature)
	}
	if body.TopP == nil || *body.TopP != 0.9 {
		t.Errorf("unexpected top_p: %v", body.TopP)
	}
	if body.MaxTokens != 512 {
		t.Errorf("expected max_tokens 512, got %d", body.MaxTokens)
	}
	if len(body.Stop) != 1 || body.Stop[0] != "END" {
		t.Errorf("unexpected stop: %v", body.Stop)
	}
	if body.Seed == nil || *body.Seed != 42 {
		t.Errorf("unexpected seed: %v", body.Seed)
	}
}

func TestBuildBody_LastOptionWins(t *testing.T) {
	body := BuildBody(nil, "gpt-4o", WithTemperature(0.7), WithTemperature(0.1))

	if body.Temperature == nil || *body.Temperature != 0.1 {
		t.Errorf("expected later option to win, got %v", body.Temperature)
	}
}

func TestBuildBody_JSONRoundTrip(t *testing.T) {
	messages := []engram.ChatMessage{
		{Role: "system", Content: "Be helpful."},
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi!"},
	}

	body := BuildBody(messages, "gpt-4o", WithTemperature(0.5))

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to parse round-tripped JSON: %v", err)
	}

	if parsed["model"] != "gpt-4o" {
		t.Errorf("expected model 'gpt-4o' in JSON, got %v", parsed["model"])
	}
	if _, present := parsed["stream"]; present {
		t.Error("stream should be omitted when false")
	}

	msgs, ok := parsed["messages"].([]any)
	if !ok {
		t.Fatal("expected messages array in JSON")
	}
	if len(msgs) != 3 {
		t.Errorf("expected 3 messages in JSON, got %d", len(msgs))
	}
}
