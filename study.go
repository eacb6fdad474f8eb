package engram

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	// DefaultStudyThreshold is the similarity floor for retrieval when the
	// source category has no specific threshold.
	DefaultStudyThreshold = 0.75
	// DefaultStudyMaxSources caps how many retrieved sources feed one answer.
	DefaultStudyMaxSources = 5
)

// defaultCategoryThresholds raises the retrieval floor for source
// categories where paraphrase is not acceptable.
var defaultCategoryThresholds = map[string]float64{
	"reference":     0.85,
	"documentation": 0.8,
	"conversation":  0.7,
	"notes":         0.7,
}

// citationMarker matches bracketed source references like [1] or [2, 3].
var citationMarker = regexp.MustCompile(`\[(\d+(?:\s*,\s*\d+)*)\]`)

// quotedSpan matches direct quotations long enough to be checkable.
var quotedSpan = regexp.MustCompile(`"([^"]{12,})"`)

// nonWord strips everything but letters, digits, and spaces for fuzzy
// containment checks.
var nonWord = regexp.MustCompile(`[^\p{L}\p{N}\s]`)

// CitationValidation reports how well a generated answer is grounded in
// its retrieved sources.
type CitationValidation struct {
	// Valid is true when every citation and quotation checks out (strict
	// mode) or the confidence clears 0.7 (lenient mode).
	Valid bool `json:"valid"`
	// Found lists every citation extracted from the answer.
	Found []string `json:"found,omitempty"`
	// Verified lists the citations confirmed against the sources.
	Verified []string `json:"verified,omitempty"`
	// Invalid lists the citations that could not be confirmed.
	Invalid []string `json:"invalid,omitempty"`
	// Confidence is verified/found, or 0.5 when the answer cites nothing.
	Confidence float64 `json:"confidence"`
}

// CitationValidator checks generated answers against the sources they were
// generated from: bracketed markers must reference an existing source and
// direct quotations must appear in the source text.
type CitationValidator struct {
	// Strict rejects an answer on any unverified citation. Lenient mode
	// accepts answers with confidence of at least 0.7.
	Strict bool
}

// Validate checks answer against sources. An answer with no citations is
// valid with middling confidence; a general remark needs no sources.
func (v *CitationValidator) Validate(answer string, sources []string) CitationValidation {
	citations := v.extract(answer)
	if len(citations) == 0 {
		return CitationValidation{Valid: true, Confidence: 0.5}
	}

	contextText := strings.ToLower(strings.Join(sources, " "))
	contextFuzzy := nonWord.ReplaceAllString(contextText, "")

	var verified, invalid []string
	for _, c := range citations {
		if v.verify(c, len(sources), contextText, contextFuzzy) {
			verified = append(verified, c)
		} else {
			invalid = append(invalid, c)
		}
	}

	confidence := float64(len(verified)) / float64(len(citations))
	valid := len(invalid) == 0
	if !v.Strict {
		valid = confidence >= 0.7
	}
	return CitationValidation{
		Valid:      valid,
		Found:      citations,
		Verified:   verified,
		Invalid:    invalid,
		Confidence: confidence,
	}
}

// extract returns the distinct citations in text, sorted: source markers
// as bare indices ("1"), quotations as the quoted text.
func (v *CitationValidator) extract(text string) []string {
	set := make(map[string]struct{})
	for _, m := range citationMarker.FindAllStringSubmatch(text, -1) {
		for _, idx := range strings.Split(m[1], ",") {
			set[strings.TrimSpace(idx)] = struct{}{}
		}
	}
	for _, m := range quotedSpan.FindAllStringSubmatch(text, -1) {
		set[strings.ToLower(strings.TrimSpace(m[1]))] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// verify confirms one citation: an index citation must point at an
// existing source; a quotation must appear in the context, exactly or with
// punctuation stripped.
func (v *CitationValidator) verify(citation string, sourceCount int, contextText, contextFuzzy string) bool {
	if n, err := strconv.Atoi(citation); err == nil {
		return n >= 1 && n <= sourceCount
	}
	if strings.Contains(contextText, citation) {
		return true
	}
	return strings.Contains(contextFuzzy, nonWord.ReplaceAllString(citation, ""))
}

// StudySource is one retrieved span feeding a study answer.
type StudySource struct {
	// Index is the 1-based number the answer cites it by.
	Index int `json:"index"`
	// Content is the source text.
	Content string `json:"content"`
	// Category is the source's metadata category, empty when untagged.
	Category string `json:"category,omitempty"`
	// Similarity is the retrieval score that selected it.
	Similarity float64 `json:"similarity"`
}

// StudyQuestion is one retrieval-grounded question.
type StudyQuestion struct {
	UserID   string
	Question string
	// Category optionally restricts retrieval to one source category and
	// applies that category's similarity threshold.
	Category string
	// MaxSources caps retrieval. Zero means DefaultStudyMaxSources.
	MaxSources int
	// Threshold overrides the similarity floor. Zero picks the category
	// default.
	Threshold float64
}

// StudyAnswer is a citation-validated response.
type StudyAnswer struct {
	Answer  string        `json:"answer"`
	Sources []StudySource `json:"sources,omitempty"`
	// Confidence is the citation validation confidence.
	Confidence float64 `json:"confidence"`
	// Uncertain is true when retrieval found nothing or validation
	// rejected the generated answer; Answer then holds the refusal text.
	Uncertain bool `json:"uncertain"`
}

// StudyAgent answers questions strictly from retrieved memory. Generation
// runs at temperature zero and every answer is citation-validated; an
// answer that cites sources the retrieval did not produce is replaced by
// an explicit refusal rather than returned.
type StudyAgent struct {
	agent      *Agent
	recall     *RecallMemory
	archival   *ArchivalMemory
	validator  *CitationValidator
	thresholds map[string]float64
	logger     *slog.Logger
}

// StudyOption configures a StudyAgent.
type StudyOption func(*StudyAgent)

// WithStudyThresholds overrides the per-category similarity floors.
func WithStudyThresholds(t map[string]float64) StudyOption {
	return func(s *StudyAgent) {
		for k, v := range t {
			s.thresholds[k] = v
		}
	}
}

// WithLenientValidation accepts answers whose citation confidence reaches
// 0.7 instead of requiring every citation to verify.
func WithLenientValidation() StudyOption {
	return func(s *StudyAgent) { s.validator.Strict = false }
}

// WithStudyLogger sets the structured logger.
func WithStudyLogger(l *slog.Logger) StudyOption {
	return func(s *StudyAgent) { s.logger = l }
}

// NewStudyAgent creates the study specialization over provider, retrieving
// from the recall and archival tiers.
func NewStudyAgent(provider Provider, recall *RecallMemory, archival *ArchivalMemory, opts ...StudyOption) *StudyAgent {
	s := &StudyAgent{
		agent:      NewAgent("study", AgentStudy, provider),
		recall:     recall,
		archival:   archival,
		validator:  &CitationValidator{Strict: true},
		thresholds: make(map[string]float64, len(defaultCategoryThresholds)),
		logger:     nopLogger,
	}
	for k, v := range defaultCategoryThresholds {
		s.thresholds[k] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start readies the underlying agent.
func (s *StudyAgent) Start(ctx context.Context) error { return s.agent.Start(ctx) }

// Stop drains the underlying agent.
func (s *StudyAgent) Stop(ctx context.Context) error { return s.agent.Stop(ctx) }

// threshold picks the similarity floor for a category.
func (s *StudyAgent) threshold(category string) float64 {
	if t, ok := s.thresholds[category]; ok {
		return t
	}
	return DefaultStudyThreshold
}

// retrieve gathers the numbered sources for a question: recall items by
// similarity, topped up from archival content search when recall comes
// back thin.
func (s *StudyAgent) retrieve(ctx context.Context, q StudyQuestion) ([]StudySource, error) {
	limit := q.MaxSources
	if limit <= 0 {
		limit = DefaultStudyMaxSources
	}
	floor := q.Threshold
	if floor == 0 {
		floor = s.threshold(q.Category)
	}

	matches, err := s.recall.Search(ctx, RecallSearch{
		UserID:        q.UserID,
		Query:         q.Question,
		Limit:         limit,
		MinSimilarity: floor,
	})
	if err != nil {
		return nil, err
	}

	var sources []StudySource
	for _, m := range matches {
		category, _ := m.Metadata["category"].(string)
		if q.Category != "" && category != q.Category {
			continue
		}
		sources = append(sources, StudySource{
			Index:      len(sources) + 1,
			Content:    m.Content,
			Category:   category,
			Similarity: m.Similarity,
		})
	}

	if len(sources) < limit && s.archival != nil {
		items, err := s.archival.SearchByContent(ctx, q.UserID, keyTerms(q.Question), limit-len(sources))
		if err != nil {
			s.logger.Warn("study archival retrieval failed", "user", HashID(q.UserID), "error", err)
		}
		for _, it := range items {
			category, _ := it.Metadata["category"].(string)
			if q.Category != "" && category != q.Category {
				continue
			}
			sources = append(sources, StudySource{
				Index:    len(sources) + 1,
				Content:  it.Content,
				Category: category,
			})
		}
	}
	return sources, nil
}

// Answer retrieves sources for the question and generates a grounded,
// citation-validated answer. With no sources or a failed validation the
// answer is an explicit refusal, never an unverified claim.
func (s *StudyAgent) Answer(ctx context.Context, q StudyQuestion) (StudyAnswer, error) {
	if q.UserID == "" || strings.TrimSpace(q.Question) == "" {
		return StudyAnswer{}, &ErrLLM{Provider: "study", Message: "user id and question must be non-empty"}
	}

	sources, err := s.retrieve(ctx, q)
	if err != nil {
		return StudyAnswer{}, fmt.Errorf("study: retrieve: %w", err)
	}
	if len(sources) == 0 {
		return StudyAnswer{
			Answer:    uncertaintyReply(q.Question),
			Uncertain: true,
		}, nil
	}

	var prompt strings.Builder
	prompt.WriteString("Sources:\n")
	texts := make([]string, len(sources))
	for i, src := range sources {
		fmt.Fprintf(&prompt, "[%d] %s\n", src.Index, src.Content)
		texts[i] = src.Content
	}
	prompt.WriteString("\nQuestion: ")
	prompt.WriteString(q.Question)

	sink := make(chan StreamEvent, 16)
	go drainEvents(sink)
	resp, err := s.agent.Process(ctx, prompt.String(), nil, MemoryHints{}, sink)
	if err != nil {
		return StudyAnswer{}, err
	}

	validation := s.validator.Validate(resp.Content, texts)
	if !validation.Valid {
		s.logger.Warn("study answer rejected",
			"user", HashID(q.UserID),
			"invalid_citations", len(validation.Invalid),
			"confidence", validation.Confidence)
		return StudyAnswer{
			Answer:     refusalReply(validation.Invalid),
			Sources:    sources,
			Confidence: validation.Confidence,
			Uncertain:  true,
		}, nil
	}

	return StudyAnswer{
		Answer:     resp.Content,
		Sources:    sources,
		Confidence: validation.Confidence,
	}, nil
}

func uncertaintyReply(question string) string {
	return fmt.Sprintf(
		"I don't have material covering %q in your study base. "+
			"Add relevant documents first, then ask again.",
		truncateRunes(question, 80))
}

func refusalReply(invalid []string) string {
	return fmt.Sprintf(
		"I generated an answer but could not verify these references against "+
			"your sources: %s. Rather than risk a fabricated citation, I'm not "+
			"returning it. Try rephrasing or adding source material.",
		strings.Join(invalid, ", "))
}

// keyTerms reduces a question to its longest words for content search.
func keyTerms(question string) string {
	fields := strings.Fields(nonWord.ReplaceAllString(question, " "))
	longest := ""
	for _, f := range fields {
		if len(f) > len(longest) {
			longest = f
		}
	}
	return longest
}

// drainEvents discards a stream; used where only the accumulated response
// matters.
func drainEvents(ch <-chan StreamEvent) {
	for range ch {
	}
}
