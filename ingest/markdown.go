package ingest

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// Markdown sections a document at its headings. The first level-1
// heading becomes the document title; text before any heading lands in
// an untitled leading section.
type Markdown struct{}

func (Markdown) Extract(content []byte) (Document, error) {
	root := goldmark.New().Parser().Parse(gmtext.NewReader(content))

	var doc Document
	var current Section
	flush := func() {
		current.Text = strings.TrimSpace(current.Text)
		if current.Text != "" || current.Heading != "" {
			doc.Sections = append(doc.Sections, current)
		}
		current = Section{}
	}

	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok {
			title := rawText(h, content)
			if h.Level == 1 && doc.Title == "" {
				doc.Title = title
			}
			flush()
			current.Heading = title
			continue
		}

		start, stop := nodeSpan(n, content)
		if start >= stop {
			continue
		}
		block := strings.TrimSpace(string(content[start:stop]))
		if block == "" {
			continue
		}
		if current.Text != "" {
			current.Text += "\n\n"
		}
		current.Text += block
	}
	flush()

	return doc, nil
}

// rawText joins a node's raw line segments.
func rawText(n ast.Node, source []byte) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(source[seg.Start:seg.Stop])
	}
	return strings.TrimSpace(b.String())
}

// nodeSpan returns the byte range a block covers in the source,
// including list and blockquote markers sitting before the first inner
// segment.
func nodeSpan(n ast.Node, source []byte) (int, int) {
	start, stop := spanBounds(n, len(source))
	if start >= stop {
		return 0, 0
	}
	for start > 0 && source[start-1] != '\n' {
		start--
	}
	return start, stop
}

func spanBounds(n ast.Node, sourceLen int) (int, int) {
	start, stop := sourceLen, 0
	if lines := n.Lines(); lines != nil && lines.Len() > 0 {
		start = lines.At(0).Start
		stop = lines.At(lines.Len() - 1).Stop
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		cs, ce := spanBounds(c, sourceLen)
		if cs < start {
			start = cs
		}
		if ce > stop {
			stop = ce
		}
	}
	return start, stop
}
