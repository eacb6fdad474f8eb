package engram

import "time"

// ChatMessage is a single message in a conversation. Simple messages carry
// text in Content; multimodal messages use Parts instead.
type ChatMessage struct {
	// Role is one of "system", "user", or "assistant".
	Role string `json:"role"`
	// Content is the text body. Empty when Parts is set.
	Content string `json:"content"`
	// Parts holds multimodal content. Nil for plain text messages.
	Parts []ContentPart `json:"parts,omitempty"`
	// Name optionally identifies the speaker (agent id, user hash).
	Name string `json:"name,omitempty"`
	// Metadata carries provider- or caller-specific extras.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ContentPart is one element of a multimodal message: either text or an
// image, never both.
type ContentPart struct {
	Text  string     `json:"text,omitempty"`
	Image *ImageData `json:"image,omitempty"`
}

// ImageData references an image by URL or carries it inline.
type ImageData struct {
	URL  string `json:"url,omitempty"`
	MIME string `json:"mime,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// UserMessage creates a user-role chat message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// SystemMessage creates a system-role chat message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// AssistantMessage creates an assistant-role chat message.
func AssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: content}
}

// GenerationParams tune a single generation. Nil fields fall back to the
// provider's defaults.
type GenerationParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Float64Ptr returns a pointer to v. Convenience for GenerationParams.
func Float64Ptr(v float64) *float64 { return &v }

// IntPtr returns a pointer to v. Convenience for GenerationParams.
func IntPtr(v int) *int { return &v }

// ChatRequest is a provider-agnostic chat completion request.
type ChatRequest struct {
	Messages []ChatMessage     `json:"messages"`
	Params   *GenerationParams `json:"params,omitempty"`
}

// Usage reports token consumption for one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ChatResponse is a completed generation.
type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk from the LLM.
	EventTextDelta StreamEventType = "text-delta"
	// EventDone signals the stream completed; Usage is populated when the
	// provider reports it.
	EventDone StreamEventType = "done"
)

// StreamEvent is a typed event emitted during streaming generation.
// The producer closes the channel after the final event.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// InboundEvent is a message arriving from a frontend.
type InboundEvent struct {
	// MessageID is the frontend's id for the message.
	MessageID string
	// AuthorID identifies the sender. Never logged verbatim.
	AuthorID string
	// ChannelID identifies the channel or DM the message arrived on.
	ChannelID string
	// Text is the message body.
	Text string
	// IsBot marks messages authored by bots (including this one).
	IsBot bool
	// IsDM marks direct messages.
	IsDM bool
	// ReceivedAt is when the frontend saw the message.
	ReceivedAt time.Time
}
