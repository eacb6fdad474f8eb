package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/nevindra/engram"
)

// StreamSSE consumes an OpenAI-format SSE body, forwarding text deltas to
// ch and accumulating the full response. ch is closed when the stream
// ends, on both success and error paths. The final chunk carries usage
// when stream_options.include_usage was requested.
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- engram.StreamEvent, provider string) (*engram.ChatResponse, error) {
	defer close(ch)

	var (
		content strings.Builder
		usage   engram.Usage
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatReply
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Malformed chunks are skipped rather than aborting the stream.
			continue
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			// Usage-only chunk.
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta == nil || delta.Content == "" {
			continue
		}
		content.WriteString(delta.Content)

		select {
		case ch <- engram.StreamEvent{Type: engram.EventTextDelta, Content: delta.Content}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &engram.ErrLLM{Provider: provider, Message: "reading stream: " + err.Error(), Transient: true}
	}

	select {
	case ch <- engram.StreamEvent{Type: engram.EventDone, Usage: &usage}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &engram.ChatResponse{Content: content.String(), Usage: usage}, nil
}
