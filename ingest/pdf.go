package ingest

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// PDF extracts text page by page; each page becomes one section so
// chunk metadata can cite the page.
type PDF struct{}

func (PDF) Extract(content []byte) (Document, error) {
	if len(content) == 0 {
		return Document{}, fmt.Errorf("ingest: empty pdf")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return Document{}, fmt.Errorf("ingest: open pdf: %w", err)
	}

	var doc Document
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		// Unreadable pages are skipped, not fatal.
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = collapseWhitespace(text)
		if text == "" {
			continue
		}
		doc.Sections = append(doc.Sections, Section{
			Heading: fmt.Sprintf("Page %d", i),
			Text:    text,
		})
	}
	return doc, nil
}
