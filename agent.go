package engram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// AgentVariant selects an agent's specialization: the temperature tier,
// instruction set, and output cap it generates with.
type AgentVariant string

const (
	// AgentConversational handles greetings, chitchat, and anything no
	// other variant claims.
	AgentConversational AgentVariant = "conversational"
	// AgentKnowledge answers factual questions grounded in retrieved
	// context.
	AgentKnowledge AgentVariant = "knowledge"
	// AgentMemory stores and recalls user facts.
	AgentMemory AgentVariant = "memory"
	// AgentGraph answers questions about entities and their relations.
	AgentGraph AgentVariant = "graph"
	// AgentStudy produces citation-validated answers from retrieved
	// sources only. See StudyAgent.
	AgentStudy AgentVariant = "study"
)

// variantProfile is the per-variant generation configuration. Behavior
// differences between variants live here, not in subtypes.
type variantProfile struct {
	temperature  float64
	maxTokens    int
	systemPrompt string
}

var variantProfiles = map[AgentVariant]variantProfile{
	AgentConversational: {
		temperature: 0.7,
		maxTokens:   1024,
		systemPrompt: "You are a friendly, concise chat assistant. " +
			"Reply naturally and keep answers short unless asked for detail.",
	},
	AgentKnowledge: {
		temperature: 0.3,
		maxTokens:   2048,
		systemPrompt: "You are a precise knowledge assistant. Answer from the " +
			"provided context when it is relevant; say so plainly when you do not know.",
	},
	AgentMemory: {
		temperature: 0.3,
		maxTokens:   1024,
		systemPrompt: "You manage the user's remembered facts. Confirm stores briefly. " +
			"When recalling, answer strictly from the facts provided in context.",
	},
	AgentGraph: {
		temperature: 0.4,
		maxTokens:   1536,
		systemPrompt: "You answer questions about entities and their relationships " +
			"using the graph context provided. Name the connecting relations explicitly.",
	},
	AgentStudy: {
		temperature: 0,
		maxTokens:   2048,
		systemPrompt: "You answer strictly from the numbered sources provided. " +
			"Cite every factual statement as [n]. If the sources do not cover the " +
			"question, say you cannot answer from the available material.",
	},
}

// MemoryHints is the context retrieved for one message: core facts matched
// by key, recall items matched by similarity, and graph nodes matched by
// the query. Any field may be empty; enrichment failures degrade to an
// empty hint set rather than blocking generation.
type MemoryHints struct {
	Facts  []CoreFact
	Recall []RecallMatch
	Nodes  []NodeMatch
}

// Sources returns the total number of retrieved items across kinds.
func (h MemoryHints) Sources() int {
	return len(h.Facts) + len(h.Recall) + len(h.Nodes)
}

// render formats the hints as a system prompt block, empty when there is
// nothing to inject.
func (h MemoryHints) render() string {
	if h.Sources() == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Context retrieved from the user's memory:\n")
	for _, f := range h.Facts {
		fmt.Fprintf(&b, "- Known fact: %s = %s\n", f.Key, f.Value)
	}
	for _, r := range h.Recall {
		fmt.Fprintf(&b, "- Past conversation: %s\n", r.Content)
	}
	for _, n := range h.Nodes {
		fmt.Fprintf(&b, "- Known entity: %s (%s)\n", n.Label, n.NodeType)
	}
	b.WriteString("Use this context when it is relevant. Never invent facts that are not here or in the conversation.")
	return b.String()
}

// Agent states.
const (
	agentIdle int32 = iota
	agentStarting
	agentRunning
	agentStopping
	agentStopped
)

// Agent generates responses for one variant over a shared Provider. All
// variants share this one type; their differences are data in the profile
// table. Agents are concurrency-safe once running.
type Agent struct {
	id      string
	variant AgentVariant
	provider Provider
	profile  variantProfile
	tracer   Tracer
	logger   *slog.Logger

	state    atomic.Int32
	inflight sync.WaitGroup
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithAgentTracer sets the span tracer.
func WithAgentTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// WithAgentLogger sets the structured logger.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// WithTemperature overrides the variant's default temperature.
func WithTemperature(t float64) AgentOption {
	return func(a *Agent) { a.profile.temperature = t }
}

// WithMaxOutputTokens overrides the variant's output cap.
func WithMaxOutputTokens(n int) AgentOption {
	return func(a *Agent) { a.profile.maxTokens = n }
}

// WithSystemPrompt overrides the variant's instruction set.
func WithSystemPrompt(p string) AgentOption {
	return func(a *Agent) { a.profile.systemPrompt = p }
}

// NewAgent creates an agent with the variant's default profile.
func NewAgent(id string, variant AgentVariant, provider Provider, opts ...AgentOption) *Agent {
	profile, ok := variantProfiles[variant]
	if !ok {
		profile = variantProfiles[AgentConversational]
	}
	a := &Agent{
		id:       id,
		variant:  variant,
		provider: provider,
		profile:  profile,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the agent's registry id.
func (a *Agent) ID() string { return a.id }

// Variant returns the agent's specialization.
func (a *Agent) Variant() AgentVariant { return a.variant }

// Start readies the agent for processing. Idempotent.
func (a *Agent) Start(ctx context.Context) error {
	if !a.state.CompareAndSwap(agentIdle, agentStarting) {
		if a.state.Load() == agentRunning {
			return nil
		}
		return fmt.Errorf("agent %s: start from state %d", a.id, a.state.Load())
	}
	a.state.Store(agentRunning)
	a.logger.Debug("agent started", "agent", a.id, "variant", a.variant)
	return nil
}

// Stop drains in-flight generations and marks the agent stopped.
// Idempotent; returns when the drain completes or ctx expires.
func (a *Agent) Stop(ctx context.Context) error {
	state := a.state.Load()
	if state == agentStopped || state == agentStopping {
		return nil
	}
	a.state.Store(agentStopping)

	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.state.Store(agentStopped)
		return fmt.Errorf("agent %s: stop: %w", a.id, ctx.Err())
	}
	a.state.Store(agentStopped)
	a.logger.Debug("agent stopped", "agent", a.id)
	return nil
}

// Running reports whether the agent accepts work.
func (a *Agent) Running() bool { return a.state.Load() == agentRunning }

// buildRequest assembles the provider request: variant instructions, hint
// block, conversation window, then the user message.
func (a *Agent) buildRequest(message string, window []ChatMessage, hints MemoryHints) ChatRequest {
	msgs := make([]ChatMessage, 0, len(window)+3)
	msgs = append(msgs, SystemMessage(a.profile.systemPrompt))
	if block := hints.render(); block != "" {
		msgs = append(msgs, SystemMessage(block))
	}
	msgs = append(msgs, window...)
	msgs = append(msgs, UserMessage(message))
	return ChatRequest{
		Messages: msgs,
		Params: &GenerationParams{
			Temperature: Float64Ptr(a.profile.temperature),
			MaxTokens:   IntPtr(a.profile.maxTokens),
		},
	}
}

// Process streams a response for message into ch, injecting the window and
// memory hints ahead of it. Process closes ch on all paths. The returned
// response carries the accumulated text, which on error holds whatever was
// streamed before the failure.
func (a *Agent) Process(ctx context.Context, message string, window []ChatMessage, hints MemoryHints, ch chan<- StreamEvent) (*ChatResponse, error) {
	if !a.Running() {
		close(ch)
		return nil, &ErrLLM{Provider: a.provider.Name(), Message: fmt.Sprintf("agent %s is not running", a.id)}
	}
	a.inflight.Add(1)
	defer a.inflight.Done()

	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "agent.process",
			StringAttr("agent.id", a.id),
			StringAttr("agent.variant", string(a.variant)))
		defer span.End()
	}

	req := a.buildRequest(message, window, hints)
	resp, err := a.provider.ChatStream(ctx, req, ch)
	if err != nil {
		if resp == nil {
			resp = &ChatResponse{}
		}
		return resp, fmt.Errorf("agent %s: %w", a.id, err)
	}
	return resp, nil
}

// Pool holds the registered agents and manages their lifecycle as a unit.
// Start and stop run in parallel; every individual failure survives into
// the aggregated error.
type Pool struct {
	logger *slog.Logger

	mu     sync.Mutex
	agents map[string]*Agent
	order  []string
}

// NewPool creates an empty agent pool.
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = nopLogger
	}
	return &Pool{logger: logger, agents: make(map[string]*Agent)}
}

// Register adds an agent. Registering a duplicate id is a configuration
// error.
func (p *Pool) Register(a *Agent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.agents[a.ID()]; dup {
		return &ErrConfig{Field: "agents", Message: fmt.Sprintf("duplicate agent id %q", a.ID())}
	}
	p.agents[a.ID()] = a
	p.order = append(p.order, a.ID())
	return nil
}

// Get returns the agent with the given id.
func (p *Pool) Get(id string) (*Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	return a, ok
}

// IDs returns the registered agent ids in registration order.
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// StartAll starts every agent in parallel. The returned error joins every
// failure; agents that started successfully stay running.
func (p *Pool) StartAll(ctx context.Context) error {
	return p.each(ctx, "start", (*Agent).Start)
}

// StopAll stops every agent in parallel, draining in-flight work.
func (p *Pool) StopAll(ctx context.Context) error {
	return p.each(ctx, "stop", (*Agent).Stop)
}

func (p *Pool) each(ctx context.Context, op string, fn func(*Agent, context.Context) error) error {
	p.mu.Lock()
	agents := make([]*Agent, 0, len(p.order))
	for _, id := range p.order {
		agents = append(agents, p.agents[id])
	}
	p.mu.Unlock()

	errs := make([]error, len(agents))
	var g errgroup.Group
	for i, a := range agents {
		g.Go(func() error {
			errs[i] = fn(a, ctx)
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("agent pool %s: %w", op, err)
	}
	p.logger.Debug("agent pool "+op+" complete", "agents", len(agents))
	return nil
}
