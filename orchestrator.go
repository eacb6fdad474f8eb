package engram

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// MessageState tracks one inbound message through the orchestrator.
type MessageState string

const (
	StateReceived        MessageState = "received"
	StateClassified      MessageState = "classified"
	StateRouted          MessageState = "routed"
	StateEnriched        MessageState = "enriched"
	StateGenerating      MessageState = "generating"
	StatePersisted       MessageState = "persisted"
	StateDone            MessageState = "done"
	StateFailed          MessageState = "failed"
	StatePendingApproval MessageState = "pending_approval"
)

// ApprovalStatus is the outcome of a human-in-the-loop approval request.
type ApprovalStatus string

const (
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalTimeout  ApprovalStatus = "timeout"
)

// DefaultApprovalTimeout bounds how long a destructive action waits for a
// human decision.
const DefaultApprovalTimeout = 2 * time.Minute

// cannedReplies short-circuit the social intents: no model call, no memory
// writes. One reply is picked at random per message.
var cannedReplies = map[Intent][]string{
	IntentGreeting: {
		"Hey! What can I do for you?",
		"Hello! Ask me anything, or tell me something to remember.",
		"Hi there!",
	},
	IntentFarewell: {
		"See you later!",
		"Bye! I'll remember where we left off.",
		"Take care!",
	},
	IntentThanks: {
		"Anytime!",
		"Happy to help.",
		"You're welcome!",
	},
	IntentHelp: {
		"I can chat, answer questions, and remember things for you. " +
			"Try \"remember that my timezone is UTC+2\", then later \"what's my timezone?\". " +
			"I also track how topics relate to each other, so you can ask things like \"how is Go related to Discord?\".",
	},
	IntentStatus: {
		"All systems running. Memory, recall, and the knowledge graph are online.",
	},
}

// outOfScopeReplies deflect requests the bot will not act on.
var outOfScopeReplies = []string{
	"That's outside what I can help with. I can chat, answer questions, and keep track of things you tell me.",
	"I can't do that, but I'm happy to answer questions or remember things for you.",
}

// defaultRoutes maps each generative intent to the agent id that handles
// it. Intents absent here take the canned path.
func defaultRoutes() map[Intent]string {
	return map[Intent]string{
		IntentKnowledgeQuery: "knowledge",
		IntentMemoryStore:    "memory",
		IntentMemoryRetrieve: "memory",
		IntentGraphQuery:     "graph",
		IntentChitchat:       "conversational",
		IntentUnknown:        "conversational",
	}
}

// HandleRequest is one message entering the orchestrator.
type HandleRequest struct {
	UserID    string
	ChannelID string
	SessionID string
	Text      string
	Reply     ReplyFunc
}

// HandleResult reports what the orchestrator did with one message.
type HandleResult struct {
	State      MessageState `json:"state"`
	Intent     Intent       `json:"intent"`
	Confidence float64      `json:"confidence"`
	Response   string       `json:"response"`
	Sources    int          `json:"sources"`
	TokensIn   int          `json:"tokens_in"`
	TokensOut  int          `json:"tokens_out"`
	Persisted  bool         `json:"persisted"`
	Partial    bool         `json:"partial"`
}

type approvalRequest struct {
	id       string
	userID   string
	action   string
	decision chan bool
}

// OrchestratorStats is a live snapshot of the orchestrator.
type OrchestratorStats struct {
	Handled          int64    `json:"handled"`
	Failed           int64    `json:"failed"`
	PendingApprovals int      `json:"pending_approvals"`
	Agents           []string `json:"agents"`
	LiveSessions     int      `json:"live_sessions"`
}

// Orchestrator routes each inbound message through a fixed state machine:
// classify, route, enrich from memory, generate, persist. It owns the
// intent-to-agent registry and the approval queue for destructive actions.
type Orchestrator struct {
	classifier *Classifier
	pool       *Pool
	routes     map[Intent]string
	core       *CoreMemory
	recall     *RecallMemory
	graph      *KnowledgeGraph
	engine     *ContextEngine
	sessions   SessionStore
	counter    TokenCounter
	tracer     Tracer
	logger     *slog.Logger

	persistOutOfScope bool
	approvalTimeout   time.Duration
	randReply         func(n int) int

	mu        sync.Mutex
	initted   bool
	closed    bool
	approvals map[string]*approvalRequest
	handled   int64
	failed    int64
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRoutes replaces the intent-to-agent registry. Validated at Init.
func WithRoutes(routes map[Intent]string) OrchestratorOption {
	return func(o *Orchestrator) { o.routes = routes }
}

// WithPersistOutOfScope persists deflected out-of-scope exchanges.
// Default: off.
func WithPersistOutOfScope(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) { o.persistOutOfScope = enabled }
}

// WithApprovalTimeout sets how long destructive actions wait for a
// decision. Default: 2m.
func WithApprovalTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.approvalTimeout = d }
}

// WithOrchestratorTracer sets the span tracer.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator wires the orchestrator over its collaborators. Call Init
// before Handle.
func NewOrchestrator(
	classifier *Classifier,
	pool *Pool,
	core *CoreMemory,
	recall *RecallMemory,
	graph *KnowledgeGraph,
	engine *ContextEngine,
	sessions SessionStore,
	counter TokenCounter,
	opts ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		classifier:      classifier,
		pool:            pool,
		routes:          defaultRoutes(),
		core:            core,
		recall:          recall,
		graph:           graph,
		engine:          engine,
		sessions:        sessions,
		counter:         counter,
		logger:          nopLogger,
		approvalTimeout: DefaultApprovalTimeout,
		randReply:       rand.IntN,
		approvals:       make(map[string]*approvalRequest),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Init validates the routing registry and starts the agent pool.
// Idempotent; concurrent callers initialize once.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initted {
		return nil
	}
	for intent, agentID := range o.routes {
		if _, ok := o.pool.Get(agentID); !ok {
			return &ErrConfig{
				Field:   "routes." + string(intent),
				Message: fmt.Sprintf("references unknown agent %q", agentID),
			}
		}
	}
	if err := o.pool.StartAll(ctx); err != nil {
		return err
	}
	o.initted = true
	o.logger.Info("orchestrator ready", "routes", len(o.routes), "agents", len(o.pool.IDs()))
	return nil
}

// Close stops the agent pool and resolves pending approvals as denied.
// Idempotent.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	pending := make([]*approvalRequest, 0, len(o.approvals))
	for _, req := range o.approvals {
		pending = append(pending, req)
	}
	o.approvals = make(map[string]*approvalRequest)
	o.mu.Unlock()

	for _, req := range pending {
		select {
		case req.decision <- false:
		default:
		}
	}
	return o.pool.StopAll(ctx)
}

func (o *Orchestrator) transition(reqID string, from, to MessageState) {
	o.logger.Debug("state transition", "request", reqID, "from", from, "to", to)
}

// Handle drives one message through the state machine, streaming the
// response through req.Reply. A nil Reply discards chunks. Enrichment
// failures degrade to empty hints; generation and persistence failures
// surface after partial output is flushed and stored.
func (o *Orchestrator) Handle(ctx context.Context, req HandleRequest) (HandleResult, error) {
	o.mu.Lock()
	ready := o.initted && !o.closed
	o.mu.Unlock()
	if !ready {
		return HandleResult{State: StateFailed}, &ErrConfig{Field: "orchestrator", Message: "not initialized"}
	}
	if req.Reply == nil {
		req.Reply = func(context.Context, string, bool) error { return nil }
	}
	reqID := NewID()

	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.handle", StringAttr("request.id", reqID))
		defer span.End()
	}

	result, err := o.handle(ctx, reqID, req)
	o.mu.Lock()
	if err != nil || result.State == StateFailed {
		o.failed++
	} else {
		o.handled++
	}
	o.mu.Unlock()
	return result, err
}

func (o *Orchestrator) handle(ctx context.Context, reqID string, req HandleRequest) (HandleResult, error) {
	state := StateReceived
	result := HandleResult{State: state}

	// RECEIVED → CLASSIFIED. Classifier failures degrade to unknown: a
	// broken embedding backend should not silence the bot.
	intent, err := o.classifier.Classify(ctx, req.Text)
	if err != nil {
		if IsCancelled(err) {
			return result, err
		}
		o.logger.Warn("classification failed, degrading to unknown", "request", reqID, "error", err)
		intent = IntentResult{Intent: IntentUnknown, Raw: req.Text}
	}
	o.transition(reqID, state, StateClassified)
	state = StateClassified
	result.Intent = intent.Intent
	result.Confidence = intent.Confidence

	// Empty input and the social intents take the canned path: reply
	// without touching the model or memory.
	if strings.TrimSpace(req.Text) == "" {
		return o.replyCanned(ctx, req, result, cannedReplies[IntentHelp][0])
	}
	if replies, ok := cannedReplies[intent.Intent]; ok {
		return o.replyCanned(ctx, req, result, replies[o.randReply(len(replies))])
	}
	if intent.Intent == IntentOutOfScope {
		return o.deflectOutOfScope(ctx, req, result)
	}

	// CLASSIFIED → ROUTED.
	agentID, ok := o.routes[intent.Intent]
	if !ok {
		agentID = o.routes[IntentUnknown]
	}
	agent, ok := o.pool.Get(agentID)
	if !ok {
		result.State = StateFailed
		return result, &ErrConfig{Field: "routes", Message: fmt.Sprintf("agent %q vanished from pool", agentID)}
	}
	o.transition(reqID, state, StateRouted)
	state = StateRouted

	// Window accounting happens before generation so an overflowing
	// session fails fast with a usable error.
	userMsg := UserMessage(req.Text)
	if _, err := o.engine.AddMessage(req.SessionID, req.UserID, req.ChannelID, userMsg); err != nil {
		result.State = StateFailed
		return result, err
	}

	// ROUTED → ENRICHED. Recall and core retrieval run concurrently;
	// either failing logs and degrades to empty hints.
	hints := o.enrich(ctx, reqID, req, intent)
	o.transition(reqID, state, StateEnriched)
	state = StateEnriched
	result.Sources = hints.Sources()

	// A store intent writes the fact before generating so the reply can
	// confirm what was actually persisted.
	if intent.Intent == IntentMemoryStore {
		if fact, stored := o.storeFact(ctx, req.UserID, intent); stored {
			hints.Facts = append(hints.Facts, fact)
		}
	}

	// ENRICHED → GENERATING. The window excludes the just-added user
	// message; the agent appends it itself.
	window, err := o.engine.GetContext(req.SessionID, 0)
	if err == nil && len(window) > 0 {
		window = window[:len(window)-1]
	}
	o.transition(reqID, state, StateGenerating)
	state = StateGenerating

	text, usage, genErr := o.generate(ctx, agent, req, window, hints)
	result.Response = text
	result.TokensIn = usage.InputTokens
	result.TokensOut = usage.OutputTokens
	result.Partial = genErr != nil && text != ""

	if genErr != nil && text == "" {
		result.State = StateFailed
		return result, genErr
	}

	// GENERATING → PERSISTED. A partial stream is still flushed and
	// stored, flagged so downstream consumers can tell.
	if err := o.persist(ctx, req, intent, text, result.Partial); err != nil {
		o.logger.Error("persist failed", "request", reqID, "error", err)
		result.State = StateFailed
		return result, err
	}
	o.transition(reqID, state, StatePersisted)
	result.Persisted = true

	if _, err := o.engine.AddMessage(req.SessionID, req.UserID, req.ChannelID, AssistantMessage(text)); err != nil {
		o.logger.Warn("window append after generation failed", "request", reqID, "error", err)
	}
	o.rememberExchange(ctx, req, intent, text)

	o.transition(reqID, StatePersisted, StateDone)
	result.State = StateDone
	if genErr != nil {
		return result, genErr
	}
	return result, nil
}

// replyCanned streams a fixed reply. Nothing is written to any store.
func (o *Orchestrator) replyCanned(ctx context.Context, req HandleRequest, result HandleResult, text string) (HandleResult, error) {
	if err := req.Reply(ctx, text, true); err != nil {
		result.State = StateFailed
		return result, fmt.Errorf("orchestrator: reply: %w", err)
	}
	result.Response = text
	result.State = StateDone
	return result, nil
}

// deflectOutOfScope sends the canned deflection, persisting the exchange
// only when configured to.
func (o *Orchestrator) deflectOutOfScope(ctx context.Context, req HandleRequest, result HandleResult) (HandleResult, error) {
	text := outOfScopeReplies[o.randReply(len(outOfScopeReplies))]
	if err := req.Reply(ctx, text, true); err != nil {
		result.State = StateFailed
		return result, fmt.Errorf("orchestrator: reply: %w", err)
	}
	result.Response = text
	if o.persistOutOfScope {
		intent := IntentResult{Intent: IntentOutOfScope}
		if err := o.persist(ctx, req, intent, text, false); err != nil {
			o.logger.Warn("out-of-scope persist failed", "error", err)
		} else {
			result.Persisted = true
		}
	}
	result.State = StateDone
	return result, nil
}

// enrich runs recall search and core lookups concurrently, plus a graph
// search for graph intents. Failures log and degrade; an empty hint set is
// a worse answer, not a failed message.
func (o *Orchestrator) enrich(ctx context.Context, reqID string, req HandleRequest, intent IntentResult) MemoryHints {
	var hints MemoryHints
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		matches, err := o.recall.Search(gctx, RecallSearch{UserID: req.UserID, Query: req.Text})
		if err != nil {
			if !IsCancelled(err) {
				o.logger.Warn("recall enrichment failed", "request", reqID, "error", err)
			}
			return nil
		}
		mu.Lock()
		hints.Recall = matches
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		facts, err := o.lookupFacts(gctx, req.UserID, intent)
		if err != nil {
			if !IsCancelled(err) {
				o.logger.Warn("core enrichment failed", "request", reqID, "error", err)
			}
			return nil
		}
		mu.Lock()
		hints.Facts = facts
		mu.Unlock()
		return nil
	})
	if intent.Intent == IntentGraphQuery {
		g.Go(func() error {
			nodes, err := o.graph.SearchNodes(gctx, NodeSearch{UserID: req.UserID, Query: req.Text})
			if err != nil {
				if !IsCancelled(err) {
					o.logger.Warn("graph enrichment failed", "request", reqID, "error", err)
				}
				return nil
			}
			mu.Lock()
			hints.Nodes = nodes
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return hints
}

// lookupFacts resolves the entities the classifier extracted into core
// facts. Retrieval intents with no extracted key fall back to the user's
// top facts.
func (o *Orchestrator) lookupFacts(ctx context.Context, userID string, intent IntentResult) ([]CoreFact, error) {
	var keys []string
	if key, ok := intent.Entities["key"].(string); ok && key != "" {
		keys = append(keys, key)
	}
	if topic, ok := intent.Entities["topic"].(string); ok && topic != "" {
		keys = append(keys, normalizeFactKey(topic))
	}

	var facts []CoreFact
	for _, key := range keys {
		if fact, ok, err := o.core.Get(ctx, userID, key); err != nil {
			return nil, err
		} else if ok {
			facts = append(facts, fact)
		}
	}
	if len(facts) > 0 || intent.Intent != IntentMemoryRetrieve {
		return facts, nil
	}

	all, err := o.core.All(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(all) > DefaultRecallLimit {
		all = all[:DefaultRecallLimit]
	}
	return all, nil
}

// storeFact persists the key/value the classifier extracted from a store
// intent. Returns the stored fact and whether anything was written.
func (o *Orchestrator) storeFact(ctx context.Context, userID string, intent IntentResult) (CoreFact, bool) {
	key, _ := intent.Entities["key"].(string)
	value, _ := intent.Entities["value"].(string)
	if key == "" || value == "" {
		return CoreFact{}, false
	}
	fact, err := o.core.Add(ctx, userID, key, value, 0.8)
	if err != nil {
		o.logger.Warn("fact store failed", "user", HashID(userID), "key", key, "error", err)
		return CoreFact{}, false
	}
	return fact, true
}

// generate streams the agent's response, forwarding text deltas to the
// reply sink as they arrive. The sink is called synchronously so its
// backpressure throttles consumption. Returns the accumulated text even
// when the stream failed partway.
func (o *Orchestrator) generate(ctx context.Context, agent *Agent, req HandleRequest, window []ChatMessage, hints MemoryHints) (string, Usage, error) {
	events := make(chan StreamEvent, 16)
	var (
		resp    *ChatResponse
		procErr error
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		resp, procErr = agent.Process(ctx, req.Text, window, hints, events)
	}()

	var b strings.Builder
	var replyErr error
	for ev := range events {
		if ev.Type != EventTextDelta || ev.Content == "" {
			continue
		}
		b.WriteString(ev.Content)
		if replyErr == nil {
			if err := req.Reply(ctx, ev.Content, false); err != nil {
				replyErr = err
			}
		}
	}
	<-done

	text := b.String()
	if resp != nil && resp.Content != "" {
		text = resp.Content
	}
	var usage Usage
	if resp != nil {
		usage = resp.Usage
	}

	if replyErr == nil {
		if err := req.Reply(ctx, text, true); err != nil {
			replyErr = err
		}
	}
	switch {
	case procErr != nil:
		return text, usage, procErr
	case replyErr != nil:
		return text, usage, fmt.Errorf("orchestrator: reply: %w", replyErr)
	}
	return text, usage, nil
}

// persist writes the user message and assistant response as one
// transaction.
func (o *Orchestrator) persist(ctx context.Context, req HandleRequest, intent IntentResult, response string, partial bool) error {
	status := MessageComplete
	if partial {
		status = MessagePartial
	}
	return o.sessions.AppendExchange(ctx, Exchange{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		ChannelID: req.ChannelID,
		User: StoredMessage{
			ID:      NewID(),
			Role:    "user",
			Content: req.Text,
			Tokens:  o.counter.Count(req.Text),
			Status:  MessageComplete,
			Intent:  string(intent.Intent),
		},
		Assistant: StoredMessage{
			ID:      NewID(),
			Role:    "assistant",
			Content: response,
			Tokens:  o.counter.Count(response),
			Status:  status,
		},
	})
}

// rememberExchange appends the turn to recall memory so future sessions
// can find it by similarity. Best effort.
func (o *Orchestrator) rememberExchange(ctx context.Context, req HandleRequest, intent IntentResult, response string) {
	snippet := fmt.Sprintf("User asked: %s | Assistant: %s",
		truncateRunes(req.Text, 300), truncateRunes(response, 300))
	_, err := o.recall.Add(ctx, RecallItem{
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Content:    snippet,
		Importance: 0.5,
		Metadata:   map[string]any{"intent": string(intent.Intent)},
	})
	if err != nil && !IsCancelled(err) {
		o.logger.Warn("recall write failed", "user", HashID(req.UserID), "error", err)
	}
}

// RequestApproval parks a destructive action in PENDING_APPROVAL until a
// human decides or the timeout elapses. The returned id resolves through
// Approve.
func (o *Orchestrator) RequestApproval(ctx context.Context, userID, action string) (string, ApprovalStatus, error) {
	req := &approvalRequest{
		id:       NewID(),
		userID:   userID,
		action:   action,
		decision: make(chan bool, 1),
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ApprovalDenied, &ErrConfig{Field: "orchestrator", Message: "closed"}
	}
	o.approvals[req.id] = req
	o.mu.Unlock()
	o.logger.Info("approval requested", "request", req.id, "user", HashID(userID), "action", action)

	defer func() {
		o.mu.Lock()
		delete(o.approvals, req.id)
		o.mu.Unlock()
	}()

	timer := time.NewTimer(o.approvalTimeout)
	defer timer.Stop()
	select {
	case approved := <-req.decision:
		if approved {
			return req.id, ApprovalApproved, nil
		}
		return req.id, ApprovalDenied, nil
	case <-timer.C:
		return req.id, ApprovalTimeout, nil
	case <-ctx.Done():
		return req.id, ApprovalTimeout, ctx.Err()
	}
}

// Approve resolves a pending approval. Returns false when the id is
// unknown or already resolved.
func (o *Orchestrator) Approve(requestID string, approved bool) bool {
	o.mu.Lock()
	req, ok := o.approvals[requestID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case req.decision <- approved:
		return true
	default:
		return false
	}
}

// Stats snapshots the orchestrator's counters.
func (o *Orchestrator) Stats() OrchestratorStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OrchestratorStats{
		Handled:          o.handled,
		Failed:           o.failed,
		PendingApprovals: len(o.approvals),
		Agents:           o.pool.IDs(),
		LiveSessions:     o.engine.Sessions(),
	}
}
