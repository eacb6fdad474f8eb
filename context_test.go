package engram

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestEngine(opts ...EngineOption) *ContextEngine {
	return NewContextEngine(HeuristicCounter{}, NewOffloadCache(), opts...)
}

func TestEngineAddMessageAccounting(t *testing.T) {
	e := newTestEngine()

	msg := UserMessage("hello there")
	tokens, err := e.AddMessage("s1", "u1", "c1", msg)
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	want := HeuristicCounter{}.CountMessage(msg)
	if tokens != want {
		t.Errorf("tokens = %d, want %d", tokens, want)
	}

	tokens2, _ := e.AddMessage("s1", "u1", "c1", AssistantMessage("hi"))
	if tokens2 <= tokens {
		t.Errorf("running total did not grow: %d then %d", tokens, tokens2)
	}

	stats, ok := e.Stats("s1")
	if !ok {
		t.Fatal("session missing")
	}
	if stats.Messages != 2 || stats.Tokens != tokens2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEngineAutoReduceOnOverflow(t *testing.T) {
	// Budget 50 tokens, each message ~14 (40 runes / 4 + overhead).
	e := newTestEngine(WithMaxContextTokens(50))
	body := strings.Repeat("x", 40)

	var tokens int
	for i := 0; i < 6; i++ {
		var err error
		tokens, err = e.AddMessage("s1", "u1", "c1", UserMessage(body))
		if err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}
	if tokens > 50 {
		t.Errorf("window over budget after reduce: %d", tokens)
	}
	stats, _ := e.Stats("s1")
	if stats.Messages >= 6 {
		t.Errorf("no messages dropped: %d", stats.Messages)
	}
}

func TestEngineOversizeMessageTruncated(t *testing.T) {
	e := newTestEngine(WithMaxContextTokens(30))

	huge := strings.Repeat("y", 1000)
	tokens, err := e.AddMessage("s1", "u1", "c1", UserMessage(huge))
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if tokens > 30 {
		t.Errorf("truncated message still over budget: %d", tokens)
	}
	window, _ := e.GetContext("s1", 0)
	if len(window) != 1 {
		t.Fatalf("window = %d messages", len(window))
	}
	if len(window[0].Content) >= len(huge) {
		t.Error("content not truncated")
	}
}

func TestEngineOverflowWithAutoReduceOff(t *testing.T) {
	e := newTestEngine(WithMaxContextTokens(20), WithAutoReduce(false))

	body := strings.Repeat("z", 40)
	e.AddMessage("s1", "u1", "c1", UserMessage(body))
	tokens, err := e.AddMessage("s1", "u1", "c1", UserMessage(body))
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if tokens <= 20 {
		t.Errorf("tokens = %d, expected overflow to pass through", tokens)
	}
}

func TestEngineOverflowPrefersNewestSystem(t *testing.T) {
	// When the system messages alone bust the reduce target, the newest one
	// wins and the window stays under budget and usable.
	e := newTestEngine(WithMaxContextTokens(40))

	e.AddMessage("s1", "u1", "c1", SystemMessage("old: "+strings.Repeat("s", 95)))
	tokens, err := e.AddMessage("s1", "u1", "c1", SystemMessage("new: "+strings.Repeat("t", 95)))
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if tokens > 40 {
		t.Errorf("tokens = %d after reduce", tokens)
	}
	window, _ := e.GetContext("s1", 0)
	if len(window) != 1 || !strings.HasPrefix(window[0].Content, "new:") {
		t.Errorf("window = %+v, want only the newest system message", window)
	}
	if _, err := e.AddMessage("s1", "u1", "c1", UserMessage("ok")); err != nil {
		t.Errorf("session unusable after overflow: %v", err)
	}
}

func TestEngineOffloadAndRestore(t *testing.T) {
	cache := NewOffloadCache()
	e := NewContextEngine(HeuristicCounter{}, cache)

	for i := 0; i < 8; i++ {
		e.AddMessage("s1", "u1", "c1", UserMessage("message number "+string(rune('a'+i))))
	}

	moved, err := e.OffloadOld("s1", 3)
	if err != nil {
		t.Fatalf("OffloadOld: %v", err)
	}
	if moved != 5 {
		t.Errorf("moved = %d, want 5", moved)
	}
	stats, _ := e.Stats("s1")
	if stats.Messages != 3 || stats.Offloaded != 5 {
		t.Errorf("stats = %+v", stats)
	}

	window, err := e.GetContext("s1", 0)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if len(window) != 8 {
		t.Fatalf("window = %d messages, want 5 restored + 3 live", len(window))
	}
	if window[0].Role != "system" || !strings.Contains(window[0].Content, "Offloaded context retrieved") {
		t.Errorf("restored snippet = %+v", window[0])
	}
	hits, _ := cache.Stats()
	if hits != 5 {
		t.Errorf("cache hits = %d, want 5", hits)
	}
}

func TestEngineOffloadNothingToMove(t *testing.T) {
	e := newTestEngine()
	e.AddMessage("s1", "u1", "c1", UserMessage("only one"))
	moved, err := e.OffloadOld("s1", 5)
	if err != nil || moved != 0 {
		t.Errorf("moved=%d err=%v", moved, err)
	}
	if _, err := e.OffloadOld("nope", 5); err == nil {
		t.Error("unknown session accepted")
	}
}

func TestEngineGetContextUnknownSession(t *testing.T) {
	e := newTestEngine()
	_, err := e.GetContext("nope", 0)
	var ctxErr *ErrContext
	if !errors.As(err, &ctxErr) {
		t.Errorf("err = %v, want ErrContext", err)
	}
}

func TestEngineSummarize(t *testing.T) {
	e := newTestEngine()
	e.AddMessage("s1", "u1", "c1", UserMessage("what is go?"))
	e.AddMessage("s1", "u1", "c1", AssistantMessage("a programming language"))
	e.AddMessage("s1", "u1", "c1", UserMessage("thanks"))

	summary, err := e.Summarize("s1")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !strings.Contains(summary, "2 user messages") || !strings.Contains(summary, "1 assistant responses") {
		t.Errorf("summary = %q", summary)
	}
	if !strings.Contains(summary, "Started: what is go?") {
		t.Errorf("summary missing first user message: %q", summary)
	}
	if !strings.Contains(summary, "Latest response: a programming language") {
		t.Errorf("summary missing last response: %q", summary)
	}
}

func TestEngineCloseDropsOffloadedEntries(t *testing.T) {
	cache := NewOffloadCache()
	e := NewContextEngine(HeuristicCounter{}, cache)

	for i := 0; i < 6; i++ {
		e.AddMessage("s1", "u1", "c1", UserMessage("m"))
	}
	e.OffloadOld("s1", 2)
	if cache.Len() != 4 {
		t.Fatalf("cache len = %d", cache.Len())
	}

	e.Close("s1")
	if e.Sessions() != 0 {
		t.Error("session survived Close")
	}
	if cache.Len() != 0 {
		t.Errorf("offloaded entries leaked: %d", cache.Len())
	}
	// Idempotent.
	e.Close("s1")
}

func TestEngineSweepIdle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	e := newTestEngine(WithSessionIdleTTL(10*time.Minute), withEngineClock(clock))

	e.AddMessage("old", "u1", "c1", UserMessage("hi"))
	now = now.Add(15 * time.Minute)
	e.AddMessage("fresh", "u1", "c1", UserMessage("hi"))

	closed := e.SweepIdle()
	if closed != 1 {
		t.Errorf("closed = %d, want 1", closed)
	}
	if _, ok := e.Stats("old"); ok {
		t.Error("idle session survived sweep")
	}
	if _, ok := e.Stats("fresh"); !ok {
		t.Error("fresh session swept")
	}
}

func TestEngineGetContextBudget(t *testing.T) {
	e := newTestEngine()
	e.AddMessage("s1", "u1", "c1", SystemMessage("keep me"))
	for i := 0; i < 10; i++ {
		e.AddMessage("s1", "u1", "c1", UserMessage(strings.Repeat("q", 40)))
	}

	window, err := e.GetContext("s1", 30)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if got := CountMessages(HeuristicCounter{}, window); got > 30 {
		t.Errorf("budgeted window = %d tokens", got)
	}
	if len(window) == 0 || window[0].Role != "system" {
		t.Error("system message not preserved by budgeted read")
	}
}
