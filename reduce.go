package engram

import "strings"

// ReduceMode selects how a context window is shrunk to fit a budget.
type ReduceMode int

const (
	// ReduceFull keeps the most recent messages whole, dropping from the
	// oldest end until the rest fits.
	ReduceFull ReduceMode = iota
	// ReduceCompact keeps every message but collapses runs of whitespace
	// inside each, including the text parts of multimodal content.
	ReduceCompact
	// ReduceSummary keeps system messages first, then fills the remainder
	// with the most recent conversation.
	ReduceSummary
)

// Reducer shrinks message windows deterministically. It never mutates its
// input; every mode returns a fresh slice in chronological order.
type Reducer struct {
	counter TokenCounter
}

// NewReducer creates a Reducer using counter for budgeting.
func NewReducer(counter TokenCounter) *Reducer {
	return &Reducer{counter: counter}
}

// Reduce returns msgs shrunk to at most maxTokens using mode (compact mode
// keeps every message and may still exceed the budget). A non-positive
// budget returns an empty slice for the dropping modes.
func (r *Reducer) Reduce(msgs []ChatMessage, maxTokens int, mode ReduceMode) []ChatMessage {
	switch mode {
	case ReduceCompact:
		return r.reduceCompact(msgs)
	case ReduceSummary:
		if maxTokens <= 0 {
			return []ChatMessage{}
		}
		return r.reduceSummary(msgs, maxTokens)
	default:
		if maxTokens <= 0 {
			return []ChatMessage{}
		}
		return r.reduceFull(msgs, maxTokens)
	}
}

// reduceFull walks newest to oldest appending while the budget holds, then
// reverses once into chronological order.
func (r *Reducer) reduceFull(msgs []ChatMessage, maxTokens int) []ChatMessage {
	buf := make([]ChatMessage, 0, len(msgs))
	total := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := r.counter.CountMessage(msgs[i])
		if total+cost > maxTokens {
			break
		}
		buf = append(buf, msgs[i])
		total += cost
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return buf
}

// reduceCompact collapses interior whitespace in every message, dropping
// nothing.
func (r *Reducer) reduceCompact(msgs []ChatMessage) []ChatMessage {
	result := make([]ChatMessage, len(msgs))
	for i, m := range msgs {
		compacted := m
		compacted.Content = collapseWhitespace(m.Content)
		if len(m.Parts) > 0 {
			parts := make([]ContentPart, len(m.Parts))
			copy(parts, m.Parts)
			for j := range parts {
				parts[j].Text = collapseWhitespace(parts[j].Text)
			}
			compacted.Parts = parts
		}
		result[i] = compacted
	}
	return result
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// reduceSummary preserves system messages (newest system first when they
// do not all fit), then spends the remaining budget on the most recent
// conversation, returned in chronological order.
func (r *Reducer) reduceSummary(msgs []ChatMessage, maxTokens int) []ChatMessage {
	var systems []ChatMessage
	total := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "system" {
			continue
		}
		cost := r.counter.CountMessage(msgs[i])
		if total+cost > maxTokens {
			continue
		}
		systems = append([]ChatMessage{msgs[i]}, systems...)
		total += cost
	}

	var preserved []ChatMessage
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "system" {
			continue
		}
		cost := r.counter.CountMessage(msgs[i])
		if total+cost > maxTokens {
			break
		}
		preserved = append(preserved, msgs[i])
		total += cost
	}

	result := make([]ChatMessage, 0, len(systems)+len(preserved))
	result = append(result, systems...)
	for i := len(preserved) - 1; i >= 0; i-- {
		result = append(result, preserved[i])
	}
	return result
}
