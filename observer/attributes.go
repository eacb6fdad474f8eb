package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrEmbedTextCount  = attribute.Key("llm.embed.text_count")
	AttrEmbedDimensions = attribute.Key("llm.embed.dimensions")

	AttrUserHash   = attribute.Key("pipeline.user_hash")
	AttrIntent     = attribute.Key("pipeline.intent")
	AttrConfidence = attribute.Key("pipeline.confidence")
	AttrSources    = attribute.Key("pipeline.sources")
	AttrCommand    = attribute.Key("pipeline.command")
	AttrFailed     = attribute.Key("pipeline.failed")

	AttrCacheResult = attribute.Key("cache.result")
	AttrMemoryTier  = attribute.Key("memory.tier")
	AttrMemoryOp    = attribute.Key("memory.op")
)
