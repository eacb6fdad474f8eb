package openaicompat

import (
	"github.com/nevindra/engram"
)

// ParseResponse converts an OpenAI-format reply into an engram
// ChatResponse. Content and usage come from choices[0].
func ParseResponse(reply ChatReply, provider string) (*engram.ChatResponse, error) {
	if len(reply.Choices) == 0 {
		return nil, &engram.ErrLLM{Provider: provider, Message: "response has no choices"}
	}
	out := &engram.ChatResponse{}
	if msg := reply.Choices[0].Message; msg != nil {
		out.Content = msg.Content
		if out.Content == "" && msg.Refusal != "" {
			out.Content = msg.Refusal
		}
	}
	if reply.Usage != nil {
		out.Usage = engram.Usage{
			InputTokens:  reply.Usage.PromptTokens,
			OutputTokens: reply.Usage.CompletionTokens,
		}
	}
	return out, nil
}
