package ingest

import (
	"bytes"
	"fmt"
	"net/url"

	readability "github.com/go-shiori/go-readability"
)

// Web extracts the readable article from an HTML page.
type Web struct {
	// pageURL resolves relative links in the article, may be empty.
	pageURL *url.URL
}

// NewWeb creates a web page extractor. rawURL is the page's address and
// may be empty when unknown.
func NewWeb(rawURL string) *Web {
	u, err := url.Parse(rawURL)
	if err != nil || rawURL == "" {
		u = &url.URL{}
	}
	return &Web{pageURL: u}
}

func (w *Web) Extract(content []byte) (Document, error) {
	article, err := readability.FromReader(bytes.NewReader(content), w.pageURL)
	if err != nil {
		return Document{}, fmt.Errorf("ingest: readability: %w", err)
	}
	text := collapseWhitespace(article.TextContent)
	if text == "" {
		return Document{}, nil
	}
	return Document{
		Title:    article.Title,
		Sections: []Section{{Text: text}},
	}, nil
}
