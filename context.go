package engram

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxContextTokens is the per-session window budget.
	DefaultMaxContextTokens = 8000
	// DefaultSessionIdleTTL expires sessions with no activity.
	DefaultSessionIdleTTL = 30 * time.Minute
	// DefaultKeepRecent is how many messages an offload pass leaves live.
	DefaultKeepRecent = 5
	// reduceHeadroom is the fraction of the budget a reduction targets, so
	// the next few messages fit without reducing again.
	reduceHeadroom = 0.8
	// offloadSnippetRunes caps restored offload content in the window.
	offloadSnippetRunes = 200
)

// session is one live context window. The mutex guards the message log,
// token count, and offload keys; it is never held across I/O.
type session struct {
	id        string
	userID    string
	channelID string

	mu          sync.Mutex
	msgs        []ChatMessage
	tokens      int
	offloadKeys []string
	offloadSeq  int
	createdAt   time.Time
	lastActive  time.Time
}

// SessionStats is a snapshot of one session's window.
type SessionStats struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Messages   int       `json:"messages"`
	Tokens     int       `json:"tokens"`
	Offloaded  int       `json:"offloaded"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// ContextEngine tracks per-session context windows: token accounting,
// automatic reduction when a window overflows, offloading to the priority
// cache, and on-demand restoration. Windows are in-process working state;
// durable transcripts live in the SessionStore.
type ContextEngine struct {
	counter    TokenCounter
	reducer    *Reducer
	offload    *OffloadCache
	maxTokens  int
	idleTTL    time.Duration
	keepRecent int
	autoReduce bool
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// EngineOption configures a ContextEngine.
type EngineOption func(*ContextEngine)

// WithMaxContextTokens sets the window budget. Default: 8000.
func WithMaxContextTokens(n int) EngineOption {
	return func(e *ContextEngine) { e.maxTokens = n }
}

// WithSessionIdleTTL sets how long an untouched session survives the idle
// sweep. Default: 30m.
func WithSessionIdleTTL(d time.Duration) EngineOption {
	return func(e *ContextEngine) { e.idleTTL = d }
}

// WithKeepRecent sets how many messages an offload pass keeps. Default: 5.
func WithKeepRecent(n int) EngineOption {
	return func(e *ContextEngine) { e.keepRecent = n }
}

// WithAutoReduce toggles automatic reduction on overflow. Default: on.
func WithAutoReduce(enabled bool) EngineOption {
	return func(e *ContextEngine) { e.autoReduce = enabled }
}

// WithContextLogger sets the structured logger.
func WithContextLogger(l *slog.Logger) EngineOption {
	return func(e *ContextEngine) { e.logger = l }
}

// withEngineClock overrides the time source. Used by tests.
func withEngineClock(now func() time.Time) EngineOption {
	return func(e *ContextEngine) { e.now = now }
}

// NewContextEngine creates the engine. The offload cache may be shared
// with other components for stats but is owned here.
func NewContextEngine(counter TokenCounter, offload *OffloadCache, opts ...EngineOption) *ContextEngine {
	e := &ContextEngine{
		counter:    counter,
		reducer:    NewReducer(counter),
		offload:    offload,
		maxTokens:  DefaultMaxContextTokens,
		idleTTL:    DefaultSessionIdleTTL,
		keepRecent: DefaultKeepRecent,
		autoReduce: true,
		logger:     nopLogger,
		now:        time.Now,
		sessions:   make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ensure returns the session, creating it on first touch.
func (e *ContextEngine) ensure(sessionID, userID, channelID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sessions[sessionID]
	if s == nil {
		now := e.now()
		s = &session{
			id:         sessionID,
			userID:     userID,
			channelID:  channelID,
			createdAt:  now,
			lastActive: now,
		}
		e.sessions[sessionID] = s
	}
	return s
}

func (e *ContextEngine) get(sessionID string) (*session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	return s, ok
}

// AddMessage appends msg to the session window, creating the session when
// needed. A message that alone exceeds the budget is truncated first. When
// the window overflows and auto-reduce is on, it shrinks in summary mode
// to 80% of the budget. If the window still cannot fit the message the
// append is rolled back and ErrContext returned; the session stays usable.
// Returns the window's token count after the append.
func (e *ContextEngine) AddMessage(sessionID, userID, channelID string, msg ChatMessage) (int, error) {
	s := e.ensure(sessionID, userID, channelID)

	if cost := e.counter.CountMessage(msg); cost > e.maxTokens {
		msg.Content = TruncateToTokens(e.counter, msg.Content, e.maxTokens-messageOverhead)
		msg.Parts = nil
		e.logger.Warn("message truncated to window budget", "session", sessionID, "tokens", cost)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = append(s.msgs, msg)
	s.tokens += e.counter.CountMessage(msg)
	s.lastActive = e.now()

	if s.tokens <= e.maxTokens || !e.autoReduce {
		return s.tokens, nil
	}

	target := int(float64(e.maxTokens) * reduceHeadroom)
	reduced := e.reducer.Reduce(s.msgs, target, ReduceSummary)
	reducedTokens := CountMessages(e.counter, reduced)
	if reducedTokens > e.maxTokens {
		// Roll back the append; the caller's message cannot fit.
		s.msgs = s.msgs[:len(s.msgs)-1]
		s.tokens = CountMessages(e.counter, s.msgs)
		return s.tokens, &ErrContext{SessionID: sessionID, Message: fmt.Sprintf("window cannot fit message within %d tokens", e.maxTokens)}
	}
	dropped := len(s.msgs) - len(reduced)
	s.msgs = reduced
	s.tokens = reducedTokens
	e.logger.Debug("context reduced", "session", sessionID, "dropped", dropped, "tokens", s.tokens)
	return s.tokens, nil
}

// GetContext returns the session's window. Offloaded content is loaded on
// demand and re-inserted ahead of the live messages as system snippets;
// each load records a cache hit and bumps the entry's priority. When
// maxTokens is positive the result is reduced in summary mode to fit.
func (e *ContextEngine) GetContext(sessionID string, maxTokens int) ([]ChatMessage, error) {
	s, ok := e.get(sessionID)
	if !ok {
		return nil, &ErrContext{SessionID: sessionID, Message: "unknown session"}
	}

	s.mu.Lock()
	msgs := make([]ChatMessage, len(s.msgs))
	copy(msgs, s.msgs)
	keys := make([]string, len(s.offloadKeys))
	copy(keys, s.offloadKeys)
	s.lastActive = e.now()
	s.mu.Unlock()

	// Cache loads happen outside the session lock.
	var restored []ChatMessage
	for _, key := range keys {
		content, ok := e.offload.Load(key)
		if !ok {
			continue
		}
		if runes := []rune(content); len(runes) > offloadSnippetRunes {
			content = string(runes[:offloadSnippetRunes]) + "..."
		}
		restored = append(restored, SystemMessage("[Offloaded context retrieved: "+content+"]"))
	}

	result := make([]ChatMessage, 0, len(restored)+len(msgs))
	result = append(result, restored...)
	result = append(result, msgs...)
	if maxTokens > 0 {
		result = e.reducer.Reduce(result, maxTokens, ReduceSummary)
	}
	return result, nil
}

// OffloadOld moves all but the most recent keepRecent messages into the
// offload cache at priority 0, keyed by (session id, index). Returns how
// many were offloaded.
func (e *ContextEngine) OffloadOld(sessionID string, keepRecent int) (int, error) {
	s, ok := e.get(sessionID)
	if !ok {
		return 0, &ErrContext{SessionID: sessionID, Message: "unknown session"}
	}
	if keepRecent <= 0 {
		keepRecent = e.keepRecent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.msgs) <= keepRecent {
		return 0, nil
	}
	old := s.msgs[:len(s.msgs)-keepRecent]
	for _, m := range old {
		key := fmt.Sprintf("%s:%d", s.id, s.offloadSeq)
		s.offloadSeq++
		e.offload.Store(key, m.Role+": "+m.Content, 0)
		s.offloadKeys = append(s.offloadKeys, key)
	}
	s.msgs = append([]ChatMessage(nil), s.msgs[len(s.msgs)-keepRecent:]...)
	s.tokens = CountMessages(e.counter, s.msgs)
	e.logger.Debug("messages offloaded", "session", sessionID, "count", len(old), "tokens", s.tokens)
	return len(old), nil
}

// Summarize builds a one-line deterministic session description.
func (e *ContextEngine) Summarize(sessionID string) (string, error) {
	s, ok := e.get(sessionID)
	if !ok {
		return "", &ErrContext{SessionID: sessionID, Message: "unknown session"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var userCount, assistantCount int
	var firstUser, lastAssistant string
	for _, m := range s.msgs {
		switch m.Role {
		case "user":
			userCount++
			if firstUser == "" {
				firstUser = m.Content
			}
		case "assistant":
			assistantCount++
			lastAssistant = m.Content
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session with %d user messages, %d assistant responses", userCount, assistantCount)
	if firstUser != "" {
		fmt.Fprintf(&b, " | Started: %s...", truncateRunes(firstUser, 100))
	}
	if lastAssistant != "" {
		fmt.Fprintf(&b, " | Latest response: %s...", truncateRunes(lastAssistant, 100))
	}
	return b.String(), nil
}

// Stats returns a snapshot of one session.
func (e *ContextEngine) Stats(sessionID string) (SessionStats, bool) {
	s, ok := e.get(sessionID)
	if !ok {
		return SessionStats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		SessionID:  s.id,
		UserID:     s.userID,
		Messages:   len(s.msgs),
		Tokens:     s.tokens,
		Offloaded:  len(s.offloadKeys),
		CreatedAt:  s.createdAt,
		LastActive: s.lastActive,
	}, true
}

// Sessions returns the number of live sessions.
func (e *ContextEngine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Close drops a session and its offloaded entries. Idempotent.
func (e *ContextEngine) Close(sessionID string) {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	keys := make([]string, len(s.offloadKeys))
	copy(keys, s.offloadKeys)
	s.offloadKeys = nil
	s.mu.Unlock()

	for _, key := range keys {
		e.offload.Delete(key)
	}
}

// SweepIdle closes sessions idle past the TTL. Registered as a scheduler
// task.
func (e *ContextEngine) SweepIdle() int {
	cutoff := e.now().Add(-e.idleTTL)

	e.mu.Lock()
	var idle []string
	for id, s := range e.sessions {
		s.mu.Lock()
		last := s.lastActive
		s.mu.Unlock()
		if last.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	e.mu.Unlock()

	for _, id := range idle {
		e.Close(id)
	}
	if len(idle) > 0 {
		e.logger.Info("idle sessions closed", "count", len(idle))
	}
	return len(idle)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
