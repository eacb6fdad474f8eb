package ingest

import (
	"strings"

	engram "github.com/nevindra/engram"
)

// splitChunks splits text into chunks of at most maxTokens, preferring
// paragraph boundaries, then sentences, then words.
func splitChunks(text string, counter engram.TokenCounter, maxTokens int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if counter.Count(text) <= maxTokens {
		return []string{text}
	}

	var segments []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if counter.Count(p) <= maxTokens {
			segments = append(segments, p)
			continue
		}
		segments = append(segments, splitSentences(p, counter, maxTokens)...)
	}

	return merge(segments, counter, maxTokens)
}

// merge greedily joins adjacent segments while they fit.
func merge(segments []string, counter engram.TokenCounter, maxTokens int) []string {
	var chunks []string
	var current strings.Builder
	tokens := 0

	for _, seg := range segments {
		n := counter.Count(seg)
		if current.Len() > 0 && tokens+n > maxTokens {
			chunks = append(chunks, current.String())
			current.Reset()
			tokens = 0
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(seg)
		tokens += n
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func splitSentences(text string, counter engram.TokenCounter, maxTokens int) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 < len(text) && text[i+1] != ' ' && text[i+1] != '\n' {
				continue
			}
		case '\n':
		default:
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}

	var out []string
	for _, s := range sentences {
		if counter.Count(s) <= maxTokens {
			out = append(out, s)
			continue
		}
		out = append(out, splitWords(s, counter, maxTokens)...)
	}
	return out
}

func splitWords(text string, counter engram.TokenCounter, maxTokens int) []string {
	var out []string
	var current strings.Builder
	tokens := 0

	for _, w := range strings.Fields(text) {
		n := counter.Count(w)
		if current.Len() > 0 && tokens+n > maxTokens {
			out = append(out, current.String())
			current.Reset()
			tokens = 0
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(w)
		tokens += n
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}
