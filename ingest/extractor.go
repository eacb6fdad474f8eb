// Package ingest turns documents into Archival Memory items: extract
// text, split it into token-bounded chunks, store one archival row per
// chunk with section and source metadata.
package ingest

import (
	"path/filepath"
	"strings"
)

// Section is one logical unit of an extracted document.
type Section struct {
	Heading string
	Text    string
}

// Document is the extractor output.
type Document struct {
	Title    string
	Sections []Section
}

// Extractor converts raw content to a sectioned plain-text document.
type Extractor interface {
	Extract(content []byte) (Document, error)
}

// ContentType identifies the format of content for extraction.
type ContentType string

const (
	TypePlainText ContentType = "text/plain"
	TypeMarkdown  ContentType = "text/markdown"
	TypeHTML      ContentType = "text/html"
	TypePDF       ContentType = "application/pdf"
)

// FromFilename maps a file name to a content type by extension.
func FromFilename(name string) ContentType {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) {
	case "md", "markdown":
		return TypeMarkdown
	case "html", "htm":
		return TypeHTML
	case "pdf":
		return TypePDF
	default:
		return TypePlainText
	}
}

// PlainText returns the whole content as a single untitled section.
type PlainText struct{}

func (PlainText) Extract(content []byte) (Document, error) {
	text := collapseWhitespace(string(content))
	if text == "" {
		return Document{}, nil
	}
	return Document{Sections: []Section{{Text: text}}}, nil
}

// collapseWhitespace trims each line and folds runs of blank lines down
// to a single separator.
func collapseWhitespace(text string) string {
	var result strings.Builder
	empty := 0

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if result.Len() > 0 {
				empty++
			}
			continue
		}
		if empty > 0 {
			result.WriteString("\n\n")
		} else if result.Len() > 0 {
			result.WriteByte('\n')
		}
		result.WriteString(trimmed)
		empty = 0
	}

	return strings.TrimSpace(result.String())
}
