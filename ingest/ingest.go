package ingest

import (
	"context"
	"fmt"
	"log/slog"

	engram "github.com/nevindra/engram"
)

// Archiver stores one archival item. *engram.ArchivalMemory satisfies it.
type Archiver interface {
	Archive(ctx context.Context, item engram.ArchivalItem) (engram.ArchivalItem, error)
}

// Source is one document to ingest.
type Source struct {
	// Name identifies the document (file name, URL) and becomes the
	// archival source field.
	Name        string
	ContentType ContentType
	Data        []byte
}

// Result reports one completed ingestion.
type Result struct {
	Title    string
	Sections int
	Chunks   int
	IDs      []string
}

// Ingestor extracts, chunks, and archives documents.
type Ingestor struct {
	archival   Archiver
	counter    engram.TokenCounter
	maxTokens  int
	extractors map[ContentType]Extractor
	logger     *slog.Logger
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithMaxTokens sets the chunk size bound.
func WithMaxTokens(n int) Option {
	return func(ing *Ingestor) { ing.maxTokens = n }
}

// WithCounter sets the token counter used for chunk sizing.
func WithCounter(c engram.TokenCounter) Option {
	return func(ing *Ingestor) { ing.counter = c }
}

// WithExtractor registers or replaces the extractor for a content type.
func WithExtractor(ct ContentType, e Extractor) Option {
	return func(ing *Ingestor) { ing.extractors[ct] = e }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(ing *Ingestor) { ing.logger = l }
}

// NewIngestor creates an Ingestor writing into archival memory.
func NewIngestor(archival Archiver, opts ...Option) *Ingestor {
	ing := &Ingestor{
		archival:  archival,
		counter:   engram.HeuristicCounter{},
		maxTokens: 512,
		extractors: map[ContentType]Extractor{
			TypePlainText: PlainText{},
			TypeMarkdown:  Markdown{},
			TypeHTML:      NewWeb(""),
			TypePDF:       PDF{},
		},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// Archive extracts src, chunks every section, and stores one archival
// item per chunk under userID. Metadata carries the document title,
// section heading, chunk index, and content type.
func (ing *Ingestor) Archive(ctx context.Context, userID string, src Source) (Result, error) {
	extractor, ok := ing.extractors[src.ContentType]
	if !ok {
		extractor = PlainText{}
	}

	doc, err := extractor.Extract(src.Data)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: extract %s: %w", src.Name, err)
	}

	title := doc.Title
	if title == "" {
		title = src.Name
	}

	result := Result{Title: title, Sections: len(doc.Sections)}
	index := 0
	for _, section := range doc.Sections {
		for _, chunk := range splitChunks(section.Text, ing.counter, ing.maxTokens) {
			meta := map[string]any{
				"title":        title,
				"chunk":        index,
				"content_type": string(src.ContentType),
			}
			if section.Heading != "" {
				meta["section"] = section.Heading
			}
			stored, err := ing.archival.Archive(ctx, engram.ArchivalItem{
				UserID:   userID,
				Content:  chunk,
				Source:   src.Name,
				Metadata: meta,
			})
			if err != nil {
				return result, fmt.Errorf("ingest: archive chunk %d of %s: %w", index, src.Name, err)
			}
			result.IDs = append(result.IDs, stored.ID)
			result.Chunks++
			index++
		}
	}

	ing.logger.Info("document ingested",
		"source", src.Name, "title", title,
		"sections", result.Sections, "chunks", result.Chunks)
	return result, nil
}

// ArchiveFile ingests file data, detecting the content type from the
// file name.
func (ing *Ingestor) ArchiveFile(ctx context.Context, userID string, data []byte, filename string) (Result, error) {
	return ing.Archive(ctx, userID, Source{
		Name:        filename,
		ContentType: FromFilename(filename),
		Data:        data,
	})
}
