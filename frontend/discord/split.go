package discord

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// MaxMessageLength is Discord's hard limit for one message.
const MaxMessageLength = 2000

const fence = "```"

// SplitMessage splits markdown text into chunks of at most limit bytes.
// Splits happen at top-level block boundaries from the goldmark AST, so a
// fenced code block is never cut in the middle. A code block longer than
// the limit is split at line boundaries and each piece is re-fenced with
// the original language tag.
func SplitMessage(text string, limit int) []string {
	if len(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	source := []byte(text)
	doc := goldmark.New().Parser().Parse(gmtext.NewReader(source))

	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimRight(current.String(), "\n"); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	appendBlock := func(block string) {
		sep := 0
		if current.Len() > 0 {
			sep = 2 // "\n\n"
		}
		if current.Len()+sep+len(block) > limit {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(block)
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		start, stop, ok := blockSpan(n, source)
		if !ok {
			continue
		}
		block := strings.TrimRight(string(source[start:stop]), "\n")
		if block == "" {
			continue
		}

		if len(block) <= limit {
			appendBlock(block)
			continue
		}

		// Oversized block: flush what we have and split it alone.
		flush()
		if fc, isFence := n.(*ast.FencedCodeBlock); isFence {
			chunks = append(chunks, splitCodeBlock(fc, source, limit)...)
		} else {
			chunks = append(chunks, splitPlain(block, limit)...)
		}
	}
	flush()

	if len(chunks) == 0 {
		// Parsing produced nothing usable; fall back to a plain split.
		return splitPlain(text, limit)
	}
	return chunks
}

// blockSpan returns the byte range of a top-level block in the original
// source, including fence lines for fenced code blocks.
func blockSpan(n ast.Node, source []byte) (start, stop int, ok bool) {
	start, stop = spanOf(n, len(source))
	if start >= stop {
		return 0, 0, false
	}

	// Line segments begin after block markers ("- ", "# ", "> "); pull
	// the span back to the start of its line so markers survive.
	start = bytes.LastIndexByte(source[:start], '\n') + 1

	if _, isFence := n.(*ast.FencedCodeBlock); isFence {
		// Lines() covers only the body; extend backward over the opening
		// fence line and forward over the closing one.
		lineStart := bytes.LastIndexByte(source[:max(start-1, 0)], '\n') + 1
		start = lineStart

		rest := source[stop:]
		if i := bytes.Index(rest, []byte(fence)); i >= 0 {
			if j := bytes.IndexByte(rest[i:], '\n'); j >= 0 {
				stop += i + j + 1
			} else {
				stop = len(source)
			}
		}
	}
	return start, stop, true
}

// spanOf computes the min/max source offsets across a node's own lines
// and its descendants (lists keep their lines on the items).
func spanOf(n ast.Node, sourceLen int) (int, int) {
	start, stop := sourceLen, 0
	if lines := n.Lines(); lines != nil && lines.Len() > 0 {
		start = lines.At(0).Start
		stop = lines.At(lines.Len() - 1).Stop
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		cs, ce := spanOf(c, sourceLen)
		if cs < start {
			start = cs
		}
		if ce > stop {
			stop = ce
		}
	}
	return start, stop
}

// splitCodeBlock splits an oversized fenced code block at line
// boundaries, re-fencing every piece with the original language.
func splitCodeBlock(fc *ast.FencedCodeBlock, source []byte, limit int) []string {
	open := fence + string(fc.Language(source))

	var body strings.Builder
	lines := fc.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		body.Write(source[seg.Start:seg.Stop])
	}

	// Room left for the fences around each piece.
	budget := limit - len(open) - 1 - len("\n"+fence)
	if budget < 1 {
		budget = 1
	}

	var chunks []string
	for _, piece := range splitPlain(strings.TrimRight(body.String(), "\n"), budget) {
		chunks = append(chunks, open+"\n"+piece+"\n"+fence)
	}
	return chunks
}

// splitPlain splits text at the last newline before the limit, falling
// back to a hard cut for a single long line.
func splitPlain(text string, limit int) []string {
	var chunks []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= limit {
			chunks = append(chunks, remaining)
			break
		}
		cut := strings.LastIndexByte(remaining[:limit], '\n')
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(remaining[:cut], "\n"))
		remaining = strings.TrimLeft(remaining[cut:], "\n")
	}
	return chunks
}
