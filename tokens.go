package engram

import "unicode/utf8"

// TokenCounter estimates token counts for budget accounting. Counts must be
// deterministic for the same input; the context window and session totals
// are reconciled against them.
type TokenCounter interface {
	// Count returns the token estimate for a text.
	Count(text string) int
	// CountMessage returns the estimate for a full message, including a
	// small per-message framing overhead.
	CountMessage(msg ChatMessage) int
}

// messageOverhead approximates the per-message framing tokens (role plus
// separators) charged by chat completion APIs.
const messageOverhead = 4

// HeuristicCounter estimates roughly four runes per token. Cheap, stable
// across platforms, and close enough for window budgeting; swap in a real
// tokenizer via the TokenCounter interface where exact counts matter.
type HeuristicCounter struct{}

var _ TokenCounter = HeuristicCounter{}

// Count returns ceil(runes/4), minimum 1 for non-empty text.
func (HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// CountMessage counts the content plus framing overhead. Multimodal
// messages are counted per text part; image parts cost nothing countable.
func (c HeuristicCounter) CountMessage(msg ChatMessage) int {
	total := c.Count(msg.Content) + messageOverhead
	for _, p := range msg.Parts {
		total += c.Count(p.Text)
	}
	return total
}

// CountMessages sums CountMessage over msgs using counter.
func CountMessages(counter TokenCounter, msgs []ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += counter.CountMessage(m)
	}
	return total
}

// TruncateToTokens cuts text at a rune boundary so that counter.Count of the
// result does not exceed maxTokens. Returns the input unchanged when it
// already fits.
func TruncateToTokens(counter TokenCounter, text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if counter.Count(text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.Count(string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
