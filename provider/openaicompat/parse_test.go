package openaicompat

import (
	"errors"
	"testing"

	"github.com/nevindra/engram"
)

func TestParseResponse_TextResponse(t *testing.T) {
	reply := ChatReply{
		ID: "chatcmpl-123",
		Choices: []Choice{
			{
				Index: 0,
				Message: &ChoiceMessage{
					Role:    "assistant",
					Content: "Hello! How can I help you?",
				},
				FinishReason: "stop",
			},
		},
		Usage: &Usage{
			PromptTokens:     10,
			CompletionTokens: 8,
			TotalTokens:      18,
		},
	}

	result, err := ParseResponse(reply, "openai")
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}

	if result.Content != "Hello! How can I help you?" {
		t.Errorf("unexpected content: %q", result.Content)
	}
	if result.Usage.InputTokens != 10 {
		t.Errorf("expected 10 input tokens, got %d", result.Usage.InputTokens)
	}
	if result.Usage.OutputTokens != 8 {
		t.Errorf("expected 8 output tokens, got %d", result.Usage.OutputTokens)
	}
}

func TestParseResponse_EmptyChoices(t *testing.T) {
	reply := ChatReply{
		ID:      "chatcmpl-789",
		Choices: []Choice{},
	}

	_, err := ParseResponse(reply, "groq")
	if err == nil {
		t.Fatal("expected error for empty choices")
	}

	var llmErr *engram.ErrLLM
	if !errors.As(err, &llmErr) {
		t.Fatalf("expected ErrLLM, got %T", err)
	}
	if llmErr.Provider != "groq" {
		t.Errorf("expected provider 'groq', got %q", llmErr.Provider)
	}
	if llmErr.Transient {
		t.Error("empty choices should not be transient")
	}
}

func TestParseResponse_NoUsage(t *testing.T) {
	reply := ChatReply{
		ID: "chatcmpl-nousage",
		Choices: []Choice{
			{
				Message: &ChoiceMessage{
					Content: "Hello",
				},
			},
		},
	}

	result, err := ParseResponse(reply, "openai")
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}

	if result.Usage.InputTokens != 0 {
		t.Errorf("expected 0 input tokens, got %d", result.Usage.InputTokens)
	}
	if result.Usage.OutputTokens != 0 {
		t.Errorf("expected 0 output tokens, got %d", result.Usage.OutputTokens)
	}
}

func TestParseResponse_Refusal(t *testing.T) {
	reply := ChatReply{
		Choices: []Choice{
			{
				Message: &ChoiceMessage{
					Role:    "assistant",
					Refusal: "I can't help with that.",
				},
			},
		},
	}

	result, err := ParseResponse(reply, "openai")
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}
	if result.Content != "I can't help with that." {
		t.Errorf("expected refusal text as content, got %q", result.Content)
	}
}
