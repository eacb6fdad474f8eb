package engram

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func TestCitationValidatorNoCitations(t *testing.T) {
	v := &CitationValidator{Strict: true}
	got := v.Validate("generally speaking, it depends", []string{"some source"})
	if !got.Valid || got.Confidence != 0.5 {
		t.Errorf("validation = %+v", got)
	}
}

func TestCitationValidatorIndexMarkers(t *testing.T) {
	v := &CitationValidator{Strict: true}
	sources := []string{"first source", "second source"}

	got := v.Validate("This is stated [1] and confirmed [2].", sources)
	if !got.Valid || got.Confidence != 1 {
		t.Errorf("valid markers = %+v", got)
	}
	if !reflect.DeepEqual(got.Verified, []string{"1", "2"}) {
		t.Errorf("verified = %v", got.Verified)
	}

	got = v.Validate("Cited from nowhere [3].", sources)
	if got.Valid {
		t.Errorf("out-of-range citation passed: %+v", got)
	}
	if !reflect.DeepEqual(got.Invalid, []string{"3"}) {
		t.Errorf("invalid = %v", got.Invalid)
	}

	// Grouped markers count individually.
	got = v.Validate("Both agree [1, 2].", sources)
	if !got.Valid || len(got.Found) != 2 {
		t.Errorf("grouped markers = %+v", got)
	}
}

func TestCitationValidatorQuotations(t *testing.T) {
	v := &CitationValidator{Strict: true}
	sources := []string{"Goroutines are lightweight threads managed by the runtime."}

	got := v.Validate(`The docs say "lightweight threads managed by" the runtime.`, sources)
	if !got.Valid {
		t.Errorf("exact quotation rejected: %+v", got)
	}

	// Punctuation differences are tolerated.
	got = v.Validate(`It says "lightweight threads, managed by" there.`, sources)
	if !got.Valid {
		t.Errorf("fuzzy quotation rejected: %+v", got)
	}

	got = v.Validate(`It claims "goroutines are heavyweight processes" somewhere.`, sources)
	if got.Valid {
		t.Errorf("fabricated quotation passed: %+v", got)
	}

	// Short quotes are not checkable and are ignored.
	got = v.Validate(`Just "short" words.`, sources)
	if !got.Valid || got.Confidence != 0.5 {
		t.Errorf("short quote = %+v", got)
	}
}

func TestCitationValidatorLenient(t *testing.T) {
	strict := &CitationValidator{Strict: true}
	lenient := &CitationValidator{}
	sources := []string{"a", "b", "c"}
	answer := "Mostly grounded [1] [2] [3] but also [7]."

	if strict.Validate(answer, sources).Valid {
		t.Error("strict accepted an unverified citation")
	}
	got := lenient.Validate(answer, sources)
	if !got.Valid {
		t.Errorf("lenient rejected 0.75 confidence: %+v", got)
	}
	if got.Confidence != 0.75 {
		t.Errorf("confidence = %v", got.Confidence)
	}
}

func newTestStudyAgent(t *testing.T, provider Provider, opts ...StudyOption) (*StudyAgent, *RecallMemory, *ArchivalMemory) {
	t.Helper()
	store := newMemStore()
	embedder := newTestEmbedder()
	recall := NewRecallMemory(store, embedder)
	archival := NewArchivalMemory(store)
	s := NewStudyAgent(provider, recall, archival, opts...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s, recall, archival
}

func TestStudyAnswerGrounded(t *testing.T) {
	ctx := context.Background()
	provider := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "Go is a programming language [1]."}},
	}}
	s, recall, _ := newTestStudyAgent(t, provider)

	if _, err := recall.Add(ctx, RecallItem{
		UserID:     "u1",
		Content:    "go is a programming language",
		Importance: 0.9,
		Metadata:   map[string]any{"category": "notes"},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ans, err := s.Answer(ctx, StudyQuestion{UserID: "u1", Question: "is go a programming language"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Uncertain {
		t.Fatalf("grounded answer marked uncertain: %+v", ans)
	}
	if ans.Answer != "Go is a programming language [1]." {
		t.Errorf("answer = %q", ans.Answer)
	}
	if len(ans.Sources) == 0 || ans.Sources[0].Index != 1 {
		t.Errorf("sources = %+v", ans.Sources)
	}
	if ans.Confidence != 1 {
		t.Errorf("confidence = %v", ans.Confidence)
	}
	// The prompt numbers the sources for the model.
	if req := provider.lastReq; !strings.Contains(req.Messages[len(req.Messages)-1].Content, "[1] go is a programming language") {
		t.Errorf("prompt = %q", req.Messages[len(req.Messages)-1].Content)
	}
}

func TestStudyAnswerNoSourcesRefuses(t *testing.T) {
	ctx := context.Background()
	provider := &stubProvider{}
	s, _, _ := newTestStudyAgent(t, provider)

	ans, err := s.Answer(ctx, StudyQuestion{UserID: "u1", Question: "tell me about quantum entanglement"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !ans.Uncertain {
		t.Fatal("empty retrieval did not refuse")
	}
	if !strings.Contains(ans.Answer, "don't have material") {
		t.Errorf("refusal = %q", ans.Answer)
	}
	if provider.callCount() != 0 {
		t.Error("model called with no sources")
	}
}

func TestStudyAnswerRejectsFabricatedCitation(t *testing.T) {
	ctx := context.Background()
	provider := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "Definitely true [1] and also [9]."}},
	}}
	s, recall, _ := newTestStudyAgent(t, provider)

	if _, err := recall.Add(ctx, RecallItem{UserID: "u1", Content: "go is a programming language", Importance: 0.9}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ans, err := s.Answer(ctx, StudyQuestion{UserID: "u1", Question: "is go a programming language"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !ans.Uncertain {
		t.Fatal("fabricated citation returned to caller")
	}
	if !strings.Contains(ans.Answer, "could not verify") || !strings.Contains(ans.Answer, "9") {
		t.Errorf("refusal = %q", ans.Answer)
	}
	if ans.Confidence != 0.5 {
		t.Errorf("confidence = %v", ans.Confidence)
	}
}

func TestStudyArchivalTopUp(t *testing.T) {
	ctx := context.Background()
	provider := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "From the archive [1]."}},
	}}
	s, _, archival := newTestStudyAgent(t, provider)

	// Nothing in recall; archival content search fills in.
	if _, err := archival.Archive(ctx, ArchivalItem{
		UserID:  "u1",
		Content: "notes on goroutine scheduling",
	}); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	ans, err := s.Answer(ctx, StudyQuestion{UserID: "u1", Question: "explain goroutine scheduling"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Uncertain {
		t.Fatalf("archival source not used: %+v", ans)
	}
	if len(ans.Sources) != 1 || ans.Sources[0].Content != "notes on goroutine scheduling" {
		t.Errorf("sources = %+v", ans.Sources)
	}
}

func TestStudyCategoryFilter(t *testing.T) {
	ctx := context.Background()
	provider := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "ok [1]."}},
	}}
	s, recall, _ := newTestStudyAgent(t, provider)

	for _, item := range []RecallItem{
		{UserID: "u1", Content: "go is a programming language", Importance: 0.9,
			Metadata: map[string]any{"category": "notes"}},
		{UserID: "u1", Content: "go is a programming language today", Importance: 0.9,
			Metadata: map[string]any{"category": "reference"}},
	} {
		if _, err := recall.Add(ctx, item); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	ans, err := s.Answer(ctx, StudyQuestion{
		UserID:   "u1",
		Question: "is go a programming language",
		Category: "notes",
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(ans.Sources) != 1 || ans.Sources[0].Category != "notes" {
		t.Errorf("category filter result = %+v", ans.Sources)
	}
}

func TestKeyTerms(t *testing.T) {
	if got := keyTerms("explain goroutine scheduling?"); got != "scheduling" {
		t.Errorf("keyTerms = %q", got)
	}
	if got := keyTerms(""); got != "" {
		t.Errorf("keyTerms empty = %q", got)
	}
}
