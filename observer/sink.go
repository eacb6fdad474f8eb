package observer

import (
	"context"
	"sync"

	engram "github.com/nevindra/engram"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// Sink implements engram.MetricsSink over OTEL instruments. It also
// converts cumulative pipeline stats into counter increments via
// RecordStats, which the scheduler calls periodically.
type Sink struct {
	inst *Instruments

	mu            sync.Mutex
	lastWaits     int64
	lastCacheHits int64
	lastCacheMiss int64
}

// NewSink creates a metrics sink. inst may be nil; all methods become
// no-ops.
func NewSink(inst *Instruments) *Sink {
	return &Sink{inst: inst}
}

// RecordMessage emits the per-message metric set: request counter,
// latency histogram, token counters, and a structured log record. Only
// the hashed user id appears; raw content never does.
func (s *Sink) RecordMessage(ctx context.Context, m engram.MessageMetrics) {
	if s == nil || s.inst == nil {
		return
	}

	attrs := metric.WithAttributes(
		AttrIntent.String(string(m.Intent)),
		AttrCommand.Bool(m.Command),
		AttrFailed.Bool(m.Failed),
	)
	s.inst.PipelineRequests.Add(ctx, 1, attrs)
	s.inst.PipelineLatency.Record(ctx, float64(m.Latency.Milliseconds()), attrs)

	if m.Sources > 0 {
		s.inst.MemoryOps.Add(ctx, int64(m.Sources), metric.WithAttributes(
			AttrMemoryOp.String("enrichment"),
		))
	}

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("message handled"))
	rec.AddAttributes(
		otellog.String("pipeline.user_hash", m.UserHash),
		otellog.String("pipeline.intent", string(m.Intent)),
		otellog.Float64("pipeline.confidence", m.Confidence),
		otellog.Float64("pipeline.latency_ms", float64(m.Latency.Milliseconds())),
		otellog.Int("llm.tokens.input", m.TokensIn),
		otellog.Int("llm.tokens.output", m.TokensOut),
		otellog.Int("pipeline.sources", m.Sources),
		otellog.Bool("pipeline.command", m.Command),
		otellog.Bool("pipeline.failed", m.Failed),
	)
	s.inst.Logger.Emit(ctx, rec)
}

// RecordStats converts cumulative pipeline stats into counter increments.
// Deltas against the previous call keep the counters monotonic even
// though the sources are running totals.
func (s *Sink) RecordStats(ctx context.Context, stats engram.PipelineStats) {
	if s == nil || s.inst == nil {
		return
	}

	s.mu.Lock()
	waits := stats.RateWaits - s.lastWaits
	hits := stats.CacheHits - s.lastCacheHits
	misses := stats.CacheMisses - s.lastCacheMiss
	s.lastWaits = stats.RateWaits
	s.lastCacheHits = stats.CacheHits
	s.lastCacheMiss = stats.CacheMisses
	s.mu.Unlock()

	if waits > 0 {
		s.inst.RateWaits.Add(ctx, waits)
	}
	if hits > 0 {
		s.inst.EmbedCache.Add(ctx, hits, metric.WithAttributes(AttrCacheResult.String("hit")))
	}
	if misses > 0 {
		s.inst.EmbedCache.Add(ctx, misses, metric.WithAttributes(AttrCacheResult.String("miss")))
	}
}

var _ engram.MetricsSink = (*Sink)(nil)
