package engram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultRequestTimeout bounds one end-to-end message handling.
const DefaultRequestTimeout = 30 * time.Second

// DefaultCommandPrefix marks a message as a command instead of
// conversation.
const DefaultCommandPrefix = "!"

// MessageMetrics is the per-message metric record the pipeline emits.
// User identifiers are hashed before they get here; raw content never
// appears.
type MessageMetrics struct {
	UserHash   string
	Intent     Intent
	Confidence float64
	Latency    time.Duration
	TokensIn   int
	TokensOut  int
	Sources    int
	Command    bool
	Failed     bool
}

// MetricsSink receives per-message metrics. The observer package provides
// an OTEL-backed implementation; a nil sink disables emission.
type MetricsSink interface {
	RecordMessage(ctx context.Context, m MessageMetrics)
}

// PipelineStats is the administrative stats surface.
type PipelineStats struct {
	Orchestrator OrchestratorStats `json:"orchestrator"`
	RateWaits    int64             `json:"rate_waits"`
	CacheHits    int64             `json:"embed_cache_hits"`
	CacheMisses  int64             `json:"embed_cache_misses"`
}

// Pipeline is the boundary-facing coordinator: it guards, rate-limits, and
// routes every inbound event, then reports metrics about what happened.
// One Pipeline serves all users and channels.
type Pipeline struct {
	limiter      *Limiter
	guard        *InputGuard
	orchestrator *Orchestrator
	embedder     *Embedder
	study        *StudyAgent
	metrics      MetricsSink
	logger       *slog.Logger

	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithCommandPrefix sets the command marker. Default: "!".
func WithCommandPrefix(p string) PipelineOption {
	return func(pl *Pipeline) { pl.prefix = p }
}

// WithRequestTimeout bounds one message's handling. Default: 30s.
func WithRequestTimeout(d time.Duration) PipelineOption {
	return func(pl *Pipeline) { pl.timeout = d }
}

// WithStudyAgent enables the study command: citation-validated answers
// drawn only from the user's archived material.
func WithStudyAgent(s *StudyAgent) PipelineOption {
	return func(pl *Pipeline) { pl.study = s }
}

// WithMetricsSink sets the metrics destination.
func WithMetricsSink(m MetricsSink) PipelineOption {
	return func(pl *Pipeline) { pl.metrics = m }
}

// WithPipelineLogger sets the structured logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(pl *Pipeline) { pl.logger = l }
}

// NewPipeline wires the pipeline over its collaborators.
func NewPipeline(limiter *Limiter, guard *InputGuard, orchestrator *Orchestrator, embedder *Embedder, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		limiter:      limiter,
		guard:        guard,
		orchestrator: orchestrator,
		embedder:     embedder,
		logger:       nopLogger,
		prefix:       DefaultCommandPrefix,
		timeout:      DefaultRequestTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SessionID derives the stable session key for an event: DMs key on the
// author so the session follows the user, channels key on both so two
// users in one channel stay separate.
func SessionID(ev InboundEvent) string {
	if ev.IsDM {
		return "dm:" + ev.AuthorID
	}
	return ev.ChannelID + ":" + ev.AuthorID
}

// Handle processes one inbound event end to end: bot messages drop, the
// rate limiter gates entry, commands short-circuit, everything else goes
// through the orchestrator. Replies stream through reply; metrics and a
// structured log line are emitted either way.
func (p *Pipeline) Handle(ctx context.Context, ev InboundEvent, reply ReplyFunc) error {
	if ev.IsBot {
		return nil
	}
	start := p.now()
	userHash := HashID(ev.AuthorID)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Not an error path: hitting the limit waits, it does not reject.
	if err := p.limiter.Acquire(ctx, ev.ChannelID); err != nil {
		return err
	}

	text, truncated := p.guard.Clean(ev.Text)
	if truncated {
		p.logger.Warn("inbound message truncated", "user", userHash, "len", len(ev.Text))
	}

	if strings.HasPrefix(text, p.prefix) {
		err := p.handleCommand(ctx, ev, strings.TrimPrefix(text, p.prefix), reply)
		p.emit(ctx, MessageMetrics{
			UserHash: userHash,
			Latency:  p.now().Sub(start),
			Command:  true,
			Failed:   err != nil,
		})
		return err
	}

	result, err := p.orchestrator.Handle(ctx, HandleRequest{
		UserID:    ev.AuthorID,
		ChannelID: ev.ChannelID,
		SessionID: SessionID(ev),
		Text:      text,
		Reply:     reply,
	})

	metrics := MessageMetrics{
		UserHash:   userHash,
		Intent:     result.Intent,
		Confidence: result.Confidence,
		Latency:    p.now().Sub(start),
		TokensIn:   result.TokensIn,
		TokensOut:  result.TokensOut,
		Sources:    result.Sources,
		Failed:     err != nil && !IsCancelled(err),
	}
	p.emit(ctx, metrics)
	p.logger.Info("message handled",
		"user", userHash,
		"intent", result.Intent,
		"confidence", result.Confidence,
		"state", result.State,
		"latency_ms", metrics.Latency.Milliseconds(),
		"tokens_in", result.TokensIn,
		"tokens_out", result.TokensOut,
		"sources", result.Sources,
	)

	if err != nil {
		if IsCancelled(err) {
			return err
		}
		var ctxErr *ErrContext
		msg := "Something went wrong handling that message. Try again in a moment."
		if errors.As(err, &ctxErr) {
			msg = "That conversation has grown past what I can hold. Start a fresh thread or trim your message."
		}
		if rerr := reply(ctx, msg, true); rerr != nil {
			p.logger.Warn("failure reply failed", "user", userHash, "error", rerr)
		}
		p.logger.Error("pipeline failure", "user", userHash, "state", result.State, "error", err)
		return err
	}
	return nil
}

// handleCommand dispatches one prefixed command. Commands are a thin
// administrative surface; the destructive one goes through approval.
func (p *Pipeline) handleCommand(ctx context.Context, ev InboundEvent, cmdline string, reply ReplyFunc) error {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return reply(ctx, "Empty command. Try "+p.prefix+"help.", true)
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help":
		return reply(ctx, p.prefix+"help, "+p.prefix+"status, "+p.prefix+"stats, "+
			p.prefix+"remember <key> <value>, "+p.prefix+"forget <key>, "+
			p.prefix+"memories [query], "+p.prefix+"forgetall, "+p.prefix+"study <question>", true)

	case "status":
		h := p.Health(ctx)
		return reply(ctx, fmt.Sprintf("Online. %d live sessions, %d agents.", h.LiveSessions, h.Agents), true)

	case "stats":
		s := p.Stats()
		return reply(ctx, fmt.Sprintf("Handled %d messages (%d failed). Embed cache %d/%d hits.",
			s.Orchestrator.Handled, s.Orchestrator.Failed, s.CacheHits, s.CacheHits+s.CacheMisses), true)

	case "remember":
		if len(args) < 2 {
			return reply(ctx, "Usage: "+p.prefix+"remember <key> <value>", true)
		}
		key := normalizeFactKey(args[0])
		value := strings.Join(args[1:], " ")
		if _, err := p.orchestrator.core.Add(ctx, ev.AuthorID, key, value, 0.9); err != nil {
			p.logger.Warn("remember command failed", "user", HashID(ev.AuthorID), "error", err)
			return reply(ctx, "Couldn't store that right now.", true)
		}
		return reply(ctx, fmt.Sprintf("Stored %s.", key), true)

	case "forget":
		if len(args) != 1 {
			return reply(ctx, "Usage: "+p.prefix+"forget <key>", true)
		}
		key := normalizeFactKey(args[0])
		deleted, err := p.orchestrator.core.Delete(ctx, ev.AuthorID, key)
		if err != nil {
			p.logger.Warn("forget command failed", "user", HashID(ev.AuthorID), "error", err)
			return reply(ctx, "Couldn't delete that right now.", true)
		}
		if !deleted {
			return reply(ctx, fmt.Sprintf("I don't have anything stored under %s.", key), true)
		}
		return reply(ctx, fmt.Sprintf("Forgot %s.", key), true)

	case "memories":
		// With an argument, only keys containing it are listed.
		if len(args) > 0 {
			query := strings.Join(args, " ")
			keys, err := p.orchestrator.core.SearchKeys(ctx, ev.AuthorID, query, 0)
			if err != nil {
				p.logger.Warn("memories search failed", "user", HashID(ev.AuthorID), "error", err)
				return reply(ctx, "Couldn't search your memories right now.", true)
			}
			if len(keys) == 0 {
				return reply(ctx, fmt.Sprintf("No stored keys match %q.", query), true)
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Keys matching %q:\n", query)
			for _, k := range keys {
				fmt.Fprintf(&b, "- %s\n", k)
			}
			return reply(ctx, b.String(), true)
		}
		facts, err := p.orchestrator.core.All(ctx, ev.AuthorID)
		if err != nil {
			return reply(ctx, "Couldn't list your memories right now.", true)
		}
		if len(facts) == 0 {
			return reply(ctx, "I haven't stored anything for you yet.", true)
		}
		var b strings.Builder
		b.WriteString("What I remember:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- %s: %s\n", f.Key, f.Value)
		}
		return reply(ctx, b.String(), true)

	case "forgetall":
		// Bulk deletion waits for an explicit human decision.
		if err := reply(ctx, "This deletes every stored fact. An operator must approve it; waiting...", false); err != nil {
			return err
		}
		_, status, err := p.orchestrator.RequestApproval(ctx, ev.AuthorID, "forgetall")
		if err != nil && !IsCancelled(err) {
			return reply(ctx, "Approval check failed. Nothing was deleted.", true)
		}
		switch status {
		case ApprovalApproved:
			facts, ferr := p.orchestrator.core.All(ctx, ev.AuthorID)
			if ferr != nil {
				return reply(ctx, "Approved, but the deletion failed. Nothing was removed.", true)
			}
			for _, f := range facts {
				if _, derr := p.orchestrator.core.Delete(ctx, ev.AuthorID, f.Key); derr != nil {
					return reply(ctx, "Deletion failed partway. Check "+p.prefix+"memories.", true)
				}
			}
			return reply(ctx, fmt.Sprintf("Deleted %d stored facts.", len(facts)), true)
		case ApprovalDenied:
			return reply(ctx, "Denied. Nothing was deleted.", true)
		default:
			return reply(ctx, "No decision arrived in time. Nothing was deleted.", true)
		}

	case "study":
		if p.study == nil {
			return reply(ctx, "Study mode is not configured.", true)
		}
		if len(args) == 0 {
			return reply(ctx, "Usage: "+p.prefix+"study <question>", true)
		}
		answer, err := p.study.Answer(ctx, StudyQuestion{
			UserID:   ev.AuthorID,
			Question: strings.Join(args, " "),
		})
		if err != nil {
			p.logger.Warn("study command failed", "user", HashID(ev.AuthorID), "error", err)
			return reply(ctx, "Couldn't answer that from your study material right now.", true)
		}
		text := answer.Answer
		if !answer.Uncertain && len(answer.Sources) > 0 {
			text += fmt.Sprintf("\n(%d sources)", len(answer.Sources))
		}
		return reply(ctx, text, true)

	default:
		return reply(ctx, "Unknown command. Try "+p.prefix+"help.", true)
	}
}

func (p *Pipeline) emit(ctx context.Context, m MessageMetrics) {
	if p.metrics != nil {
		p.metrics.RecordMessage(ctx, m)
	}
}

// Stats returns the administrative stats snapshot.
func (p *Pipeline) Stats() PipelineStats {
	hits, misses := p.embedder.CacheStats()
	return PipelineStats{
		Orchestrator: p.orchestrator.Stats(),
		RateWaits:    p.limiter.Waits(),
		CacheHits:    hits,
		CacheMisses:  misses,
	}
}

// Approve resolves a pending destructive-action approval.
func (p *Pipeline) Approve(requestID string, approved bool) bool {
	return p.orchestrator.Approve(requestID, approved)
}

// Health reports liveness of the pipeline's components.
type Health struct {
	Ready        bool `json:"ready"`
	LiveSessions int  `json:"live_sessions"`
	Agents       int  `json:"agents"`
}

// Health snapshots component liveness for the admin surface.
func (p *Pipeline) Health(_ context.Context) Health {
	stats := p.orchestrator.Stats()
	return Health{
		Ready:        len(stats.Agents) > 0,
		LiveSessions: stats.LiveSessions,
		Agents:       len(stats.Agents),
	}
}
