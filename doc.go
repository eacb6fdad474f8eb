// Package engram is the server-side pipeline for a memory-augmented chat
// agent: it classifies inbound messages, routes them to specialized agents,
// enriches prompts from tiered memory and a knowledge graph, streams model
// output back to the frontend, and persists every exchange.
//
// # Architecture
//
// An inbound event flows through a fixed path:
//
//	frontend → Pipeline → Limiter → Classifier → Orchestrator
//	         → (memory enrichment + agent generation) → persistence
//
// Memory is tiered. [CoreMemory] holds a small bounded set of durable
// per-user facts served from an in-process snapshot. [RecallMemory] is an
// append-only log of embedded conversation snippets searched by similarity.
// [ArchivalMemory] is cold storage with metadata and content search plus
// transactional session compression. [KnowledgeGraph] keeps per-user typed
// nodes and edges with path finding.
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider]: LLM backend (chat, streaming)
//   - [EmbeddingProvider]: text-to-vector embedding
//   - [Store]: persistence for memory tiers, the graph, and sessions
//   - [Frontend]: messaging surface (inbound events, replies, edits)
//   - [TokenCounter]: deterministic token accounting
//   - [Tracer]: span creation, implemented by the observer package
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible chat and embeddings).
// Storage: store/postgres (pgvector), store/sqlite (pure Go, dev and tests).
// Frontends: frontend/discord.
//
// See cmd/engram for the composition root.
package engram
