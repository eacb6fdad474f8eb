package engram

import "context"

// ReplyFunc delivers one chunk of a streamed response to the frontend.
// The pipeline calls it once per chunk, in order, then once more with
// done=true and the full accumulated text. Returning an error aborts the
// stream; the partial text is still persisted.
type ReplyFunc func(ctx context.Context, chunk string, done bool) error

// Frontend abstracts the messaging surface (Discord, HTTP, CLI). The
// pipeline consumes inbound events from Poll and never talks to the wire
// directly; replies go through the ReplyFunc attached to each event.
type Frontend interface {
	// Poll returns a channel of inbound events. The channel closes when
	// ctx is cancelled or the connection ends.
	Poll(ctx context.Context) (<-chan InboundEvent, error)
	// Send delivers a standalone message to a channel, outside any
	// request/reply exchange. Used for scheduled and administrative output.
	Send(ctx context.Context, channelID, text string) error
	// Typing shows a typing indicator while a response is being generated.
	// Best effort; errors are ignored by callers.
	Typing(ctx context.Context, channelID string) error
}
