package engram

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// --- Provider stubs (shared across agent, orchestrator, pipeline tests) ---

type stubResult struct {
	resp ChatResponse
	err  error
}

// stubProvider returns canned results in order, repeating the last one.
// ChatStream splits the content into word chunks.
type stubProvider struct {
	mu      sync.Mutex
	results []stubResult
	calls   int
	// lastReq records the most recent request for assertions.
	lastReq ChatRequest
	// failAfterChunks > 0 makes ChatStream fail after emitting that many
	// chunks, simulating a mid-stream cut.
	failAfterChunks int
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) next(req ChatRequest) stubResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReq = req
	r := stubResult{resp: ChatResponse{Content: "ok"}}
	if len(s.results) > 0 {
		if s.calls < len(s.results) {
			r = s.results[s.calls]
		} else {
			r = s.results[len(s.results)-1]
		}
	}
	s.calls++
	return r
}

func (s *stubProvider) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	r := s.next(req)
	if r.err != nil {
		return nil, r.err
	}
	resp := r.resp
	return &resp, nil
}

func (s *stubProvider) ChatStream(_ context.Context, req ChatRequest, ch chan<- StreamEvent) (*ChatResponse, error) {
	defer close(ch)
	r := s.next(req)
	if r.err != nil && r.resp.Content == "" {
		return nil, r.err
	}
	words := strings.SplitAfter(r.resp.Content, " ")
	sent := 0
	var b strings.Builder
	for _, w := range words {
		if w == "" {
			continue
		}
		if s.failAfterChunks > 0 && sent >= s.failAfterChunks {
			return &ChatResponse{Content: b.String()}, &ErrLLM{Provider: "stub", Message: "stream cut", Transient: true}
		}
		ch <- StreamEvent{Type: EventTextDelta, Content: w}
		b.WriteString(w)
		sent++
	}
	ch <- StreamEvent{Type: EventDone, Usage: &r.resp.Usage}
	if r.err != nil {
		return &r.resp, r.err
	}
	resp := r.resp
	return &resp, nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// --- Embedding stubs ---

// embedVocab is the fixed vocabulary the test embedder projects onto. Each
// word is one dimension; texts sharing words land close in cosine space,
// which gives the classifier and similarity search real behavior to chew on.
var embedVocab = []string{
	"hello", "hi", "hey", "morning",
	"bye", "goodbye", "night", "later",
	"thanks", "thank", "appreciate", "cheers",
	"help", "commands", "capable", "use",
	"status", "online", "working", "health",
	"what", "explain", "know", "define", "how",
	"remember", "note", "store", "favorite", "timezone",
	"my", "me", "told", "yesterday",
	"related", "connects", "relationship", "linked", "connected",
	"joke", "bored", "weather", "movie", "day",
	"thesis", "money", "pizza", "taxes", "hack",
	"go", "discord", "language", "programming",
}

// vocabEmbedding embeds text as word counts over embedVocab, padded to dim.
// Deterministic, so classification and search results are reproducible.
type vocabEmbedding struct {
	dim   int
	err   error
	mu    sync.Mutex
	calls int
}

func newVocabEmbedding() *vocabEmbedding {
	return &vocabEmbedding{dim: len(embedVocab) + 4}
}

func (v *vocabEmbedding) Name() string    { return "vocab-test" }
func (v *vocabEmbedding) Dimensions() int { return v.dim }

func (v *vocabEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	v.mu.Lock()
	v.calls++
	err := v.err
	v.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, v.dim)
		words := strings.Fields(strings.ToLower(nonWord.ReplaceAllString(text, " ")))
		for _, w := range words {
			matched := false
			for j, vw := range embedVocab {
				if w == vw {
					vec[j]++
					matched = true
					break
				}
			}
			if !matched {
				// Unknown words share overflow dimensions so arbitrary
				// texts still produce nonzero vectors.
				vec[len(embedVocab)+len(w)%4]++
			}
		}
		out[i] = vec
	}
	return out, nil
}

func (v *vocabEmbedding) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func newTestEmbedder(opts ...EmbedderOption) *Embedder {
	return NewEmbedder(newVocabEmbedding(), HeuristicCounter{}, opts...)
}

// testIntentExamples replaces the default centroids with one phrase per
// category so a query repeating the phrase scores 1.0 against it under the
// vocabulary embedder. Tests send these exact sentences.
var testIntentExamples = map[string][]string{
	"greeting":        {"hello"},
	"farewell":        {"goodbye"},
	"thanks":          {"thanks"},
	"help":            {"help"},
	"status":          {"status"},
	"knowledge_query": {"what is a goroutine"},
	"memory_store":    {"remember that my favorite color is blue"},
	"memory_retrieve": {"what do you remember about me"},
	"graph_query":     {"how is go related to discord"},
	"chitchat":        {"tell me a joke"},
	"out_of_scope":    {"order me a pizza"},
}

func newTestClassifier(embedder *Embedder, opts ...ClassifierOption) *Classifier {
	if embedder == nil {
		embedder = newTestEmbedder()
	}
	base := []ClassifierOption{WithIntentExamples(testIntentExamples)}
	return NewClassifier(embedder, append(base, opts...)...)
}

// --- In-memory store ---

// memStore implements the full Store surface in memory with the same
// semantics the SQL stores promise: user partitioning, uniqueness
// constraints, transactional compression, similarity ordering with id
// tie-break. Tests that simulate failures set failOn.
type memStore struct {
	mu        sync.Mutex
	core      map[string]map[string]CoreFact // userID → key → fact
	recall    []RecallItem
	archival  []ArchivalItem
	nodes     map[string]Node // id → node
	edges     map[string]Edge // id → edge
	sessions  map[string]SessionInfo
	messages  []StoredMessage
	initted   bool
	closed    bool
	// failOn makes the named operation return ErrStoreUnavailable.
	failOn map[string]bool
	// conflictOn makes the named operation return ErrStoreConflict.
	conflictOn map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		core:       make(map[string]map[string]CoreFact),
		nodes:      make(map[string]Node),
		edges:      make(map[string]Edge),
		sessions:   make(map[string]SessionInfo),
		failOn:     make(map[string]bool),
		conflictOn: make(map[string]bool),
	}
}

var _ Store = (*memStore)(nil)

func (m *memStore) check(op string) error {
	if m.failOn[op] {
		return &ErrStoreUnavailable{Op: op, Err: errors.New("injected failure")}
	}
	if m.conflictOn[op] {
		return &ErrStoreConflict{Op: op, Err: errors.New("injected conflict")}
	}
	return nil
}

func (m *memStore) Init(context.Context) error { m.initted = true; return nil }
func (m *memStore) Close() error               { m.closed = true; return nil }

func (m *memStore) CoreFacts(_ context.Context, userID string) ([]CoreFact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("CoreFacts"); err != nil {
		return nil, err
	}
	var out []CoreFact
	for _, f := range m.core[userID] {
		out = append(out, f)
	}
	return out, nil
}

func (m *memStore) PutCoreFact(_ context.Context, fact CoreFact) (CoreFact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("PutCoreFact"); err != nil {
		return CoreFact{}, err
	}
	byKey := m.core[fact.UserID]
	if byKey == nil {
		byKey = make(map[string]CoreFact)
		m.core[fact.UserID] = byKey
	}
	now := time.Now().UTC()
	if existing, ok := byKey[fact.Key]; ok {
		fact.ID = existing.ID
		fact.CreatedAt = existing.CreatedAt
	} else {
		fact.CreatedAt = now
	}
	fact.UpdatedAt = now
	fact.LastAccessed = now
	byKey[fact.Key] = fact
	return fact, nil
}

func (m *memStore) DeleteCoreFact(_ context.Context, userID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("DeleteCoreFact"); err != nil {
		return false, err
	}
	if _, ok := m.core[userID][key]; !ok {
		return false, nil
	}
	delete(m.core[userID], key)
	return true, nil
}

func (m *memStore) BumpCoreAccess(_ context.Context, userID string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("BumpCoreAccess"); err != nil {
		return err
	}
	for _, key := range keys {
		if f, ok := m.core[userID][key]; ok {
			f.AccessCount++
			f.LastAccessed = time.Now().UTC()
			m.core[userID][key] = f
		}
	}
	return nil
}

func (m *memStore) AddRecall(_ context.Context, item RecallItem) (RecallItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("AddRecall"); err != nil {
		return RecallItem{}, err
	}
	item.CreatedAt = time.Now().UTC()
	m.recall = append(m.recall, item)
	return item, nil
}

func (m *memStore) SearchRecall(_ context.Context, q RecallQuery) ([]RecallMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SearchRecall"); err != nil {
		return nil, err
	}
	var matches []RecallMatch
	for _, item := range m.recall {
		if item.UserID != q.UserID || item.Importance < q.MinImportance {
			continue
		}
		if q.SessionID != "" && item.SessionID != q.SessionID {
			continue
		}
		sim := Cosine(q.Embedding, item.Embedding)
		if sim < q.MinSimilarity {
			continue
		}
		matches = append(matches, RecallMatch{RecallItem: item, Similarity: sim})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

func (m *memStore) DeleteRecall(_ context.Context, userID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("DeleteRecall"); err != nil {
		return false, err
	}
	for i, item := range m.recall {
		if item.ID == id && item.UserID == userID {
			m.recall = append(m.recall[:i], m.recall[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) BumpRecallAccess(_ context.Context, userID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("BumpRecallAccess"); err != nil {
		return err
	}
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	for i, item := range m.recall {
		if item.UserID != userID {
			continue
		}
		if _, hit := idSet[item.ID]; hit {
			m.recall[i].AccessCount++
			m.recall[i].LastAccessed = time.Now().UTC()
		}
	}
	return nil
}

func (m *memStore) HotRecall(_ context.Context, minAccess int64, minImportance float64, limit int) ([]RecallItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("HotRecall"); err != nil {
		return nil, err
	}
	var out []RecallItem
	for _, item := range m.recall {
		if item.AccessCount >= minAccess && item.Importance >= minImportance {
			if promoted, _ := item.Metadata["promoted"].(bool); promoted {
				continue
			}
			out = append(out, item)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) MarkRecallPromoted(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("MarkRecallPromoted"); err != nil {
		return err
	}
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	for i, item := range m.recall {
		if _, hit := idSet[item.ID]; hit {
			if m.recall[i].Metadata == nil {
				m.recall[i].Metadata = make(map[string]any)
			}
			m.recall[i].Metadata["promoted"] = true
		}
	}
	return nil
}

func (m *memStore) AddArchival(_ context.Context, item ArchivalItem) (ArchivalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("AddArchival"); err != nil {
		return ArchivalItem{}, err
	}
	item.CreatedAt = time.Now().UTC()
	m.archival = append(m.archival, item)
	return item, nil
}

func (m *memStore) ArchivalBySession(_ context.Context, userID, sessionID string, includeCompressed bool) ([]ArchivalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("ArchivalBySession"); err != nil {
		return nil, err
	}
	var out []ArchivalItem
	for _, item := range m.archival {
		if item.UserID != userID || item.SessionID != sessionID {
			continue
		}
		if item.Compressed && !includeCompressed {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (m *memStore) CompressArchival(_ context.Context, summary ArchivalItem, sourceIDs []string) (ArchivalItem, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// All-or-nothing: the check happens before any mutation.
	if err := m.check("CompressArchival"); err != nil {
		return ArchivalItem{}, 0, err
	}
	summary.CreatedAt = time.Now().UTC()
	marked := 0
	idSet := make(map[string]struct{}, len(sourceIDs))
	for _, id := range sourceIDs {
		idSet[id] = struct{}{}
	}
	for i, item := range m.archival {
		if _, hit := idSet[item.ID]; hit && !item.Compressed && item.UserID == summary.UserID {
			m.archival[i].Compressed = true
			m.archival[i].CompressedIntoID = summary.ID
			marked++
		}
	}
	if marked > 0 {
		m.archival = append(m.archival, summary)
	}
	return summary, marked, nil
}

func (m *memStore) SearchArchivalMeta(_ context.Context, userID string, path []string, value string, limit, offset int) ([]ArchivalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SearchArchivalMeta"); err != nil {
		return nil, err
	}
	var out []ArchivalItem
	for _, item := range m.archival {
		if item.UserID != userID {
			continue
		}
		var cur any = item.Metadata
		for _, seg := range path {
			obj, ok := cur.(map[string]any)
			if !ok {
				cur = nil
				break
			}
			cur = obj[seg]
		}
		if s, ok := cur.(string); ok && s == value {
			if offset > 0 {
				offset--
				continue
			}
			out = append(out, item)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) SearchArchivalContent(_ context.Context, userID, needle string, limit int) ([]ArchivalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SearchArchivalContent"); err != nil {
		return nil, err
	}
	lower := strings.ToLower(needle)
	var out []ArchivalItem
	for _, item := range m.archival {
		if item.UserID == userID && strings.Contains(strings.ToLower(item.Content), lower) {
			out = append(out, item)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) MemoryStats(_ context.Context, userID string) (MemoryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("MemoryStats"); err != nil {
		return MemoryStats{}, err
	}
	var stats MemoryStats
	stats.CoreFacts = int64(len(m.core[userID]))
	for _, item := range m.recall {
		if item.UserID == userID {
			stats.RecallItems++
		}
	}
	for _, item := range m.archival {
		if item.UserID != userID {
			continue
		}
		if item.Compressed {
			stats.ArchivalCompressed++
		} else {
			stats.ArchivalLive++
		}
	}
	return stats, nil
}

func (m *memStore) AddNode(_ context.Context, n Node) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("AddNode"); err != nil {
		return Node{}, err
	}
	n.CreatedAt = time.Now().UTC()
	n.UpdatedAt = n.CreatedAt
	m.nodes[n.ID] = n
	return n, nil
}

func (m *memStore) GetNode(_ context.Context, userID, id string) (Node, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("GetNode"); err != nil {
		return Node{}, false, err
	}
	n, ok := m.nodes[id]
	if !ok || n.UserID != userID {
		return Node{}, false, nil
	}
	return n, true, nil
}

func (m *memStore) FindNode(_ context.Context, userID, label, nodeType string) (Node, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("FindNode"); err != nil {
		return Node{}, false, err
	}
	for _, n := range m.nodes {
		if n.UserID == userID && n.Label == label && (nodeType == "" || n.NodeType == nodeType) {
			return n, true, nil
		}
	}
	return Node{}, false, nil
}

func (m *memStore) SearchNodes(_ context.Context, q NodeQuery) ([]NodeMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SearchNodes"); err != nil {
		return nil, err
	}
	var matches []NodeMatch
	for _, n := range m.nodes {
		if n.UserID != q.UserID {
			continue
		}
		if q.NodeType != "" && n.NodeType != q.NodeType {
			continue
		}
		sim := Cosine(q.Embedding, n.Embedding)
		if sim < q.MinSimilarity {
			continue
		}
		matches = append(matches, NodeMatch{Node: n, Similarity: sim})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

func (m *memStore) AddEdge(_ context.Context, e Edge) (Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("AddEdge"); err != nil {
		return Edge{}, err
	}
	src, ok := m.nodes[e.SourceID]
	if !ok || src.UserID != e.UserID {
		return Edge{}, &ErrAuthorization{UserID: e.UserID, Resource: "node " + e.SourceID}
	}
	dst, ok := m.nodes[e.TargetID]
	if !ok || dst.UserID != e.UserID {
		return Edge{}, &ErrAuthorization{UserID: e.UserID, Resource: "node " + e.TargetID}
	}
	for _, existing := range m.edges {
		if existing.SourceID == e.SourceID && existing.TargetID == e.TargetID && existing.EdgeType == e.EdgeType {
			return Edge{}, &ErrStoreConflict{Op: "add edge", Constraint: "knowledge_edges_unique"}
		}
	}
	e.CreatedAt = time.Now().UTC()
	m.edges[e.ID] = e
	return e, nil
}

func (m *memStore) NodeEdges(_ context.Context, userID, nodeID, edgeType string) ([]Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("NodeEdges"); err != nil {
		return nil, err
	}
	var out []Edge
	for _, e := range m.edges {
		if e.UserID != userID {
			continue
		}
		if e.SourceID != nodeID && e.TargetID != nodeID {
			continue
		}
		if edgeType != "" && e.EdgeType != edgeType {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Neighbors(_ context.Context, userID, nodeID string, dir Direction, edgeType string) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("Neighbors"); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []Node
	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		if n, ok := m.nodes[id]; ok && n.UserID == userID {
			seen[id] = struct{}{}
			out = append(out, n)
		}
	}
	for _, e := range m.edges {
		if edgeType != "" && e.EdgeType != edgeType {
			continue
		}
		if (dir == DirectionOut || dir == DirectionBoth) && e.SourceID == nodeID {
			add(e.TargetID)
		}
		if (dir == DirectionIn || dir == DirectionBoth) && e.TargetID == nodeID {
			add(e.SourceID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) FindPath(_ context.Context, userID, fromID, toID string, maxDepth int, edgeTypes []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("FindPath"); err != nil {
		return nil, err
	}
	from, ok := m.nodes[fromID]
	if !ok || from.UserID != userID {
		return nil, nil
	}
	typeOK := func(t string) bool {
		if len(edgeTypes) == 0 {
			return true
		}
		for _, et := range edgeTypes {
			if et == t {
				return true
			}
		}
		return false
	}
	parent := map[string]string{fromID: ""}
	frontier := []string{fromID}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, cur := range frontier {
			for _, e := range m.edges {
				if e.SourceID != cur || !typeOK(e.EdgeType) {
					continue
				}
				tgt, ok := m.nodes[e.TargetID]
				if !ok || tgt.UserID != userID {
					continue
				}
				if _, visited := parent[e.TargetID]; visited {
					continue
				}
				parent[e.TargetID] = cur
				if e.TargetID == toID {
					var path []string
					for id := toID; id != ""; id = parent[id] {
						path = append([]string{id}, path...)
					}
					return path, nil
				}
				next = append(next, e.TargetID)
			}
		}
		frontier = next
	}
	return nil, nil
}

func (m *memStore) DeleteNode(_ context.Context, userID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("DeleteNode"); err != nil {
		return false, err
	}
	n, ok := m.nodes[id]
	if !ok || n.UserID != userID {
		return false, nil
	}
	delete(m.nodes, id)
	for eid, e := range m.edges {
		if e.SourceID == id || e.TargetID == id {
			delete(m.edges, eid)
		}
	}
	return true, nil
}

func (m *memStore) DeleteEdge(_ context.Context, userID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("DeleteEdge"); err != nil {
		return false, err
	}
	e, ok := m.edges[id]
	if !ok || e.UserID != userID {
		return false, nil
	}
	delete(m.edges, id)
	return true, nil
}

func (m *memStore) GraphStats(_ context.Context, userID string) (GraphStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("GraphStats"); err != nil {
		return GraphStats{}, err
	}
	var stats GraphStats
	nodeTypes := make(map[string]struct{})
	edgeTypes := make(map[string]struct{})
	for _, n := range m.nodes {
		if n.UserID == userID {
			stats.Nodes++
			nodeTypes[n.NodeType] = struct{}{}
		}
	}
	for _, e := range m.edges {
		if e.UserID == userID {
			stats.Edges++
			edgeTypes[e.EdgeType] = struct{}{}
		}
	}
	stats.NodeTypes = int64(len(nodeTypes))
	stats.EdgeTypes = int64(len(edgeTypes))
	return stats, nil
}

func (m *memStore) AppendExchange(_ context.Context, x Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("AppendExchange"); err != nil {
		return err
	}
	now := time.Now().UTC()
	info, ok := m.sessions[x.SessionID]
	if !ok {
		info = SessionInfo{ID: x.SessionID, UserID: x.UserID, ChannelID: x.ChannelID, StartedAt: now}
	}
	for _, msg := range []StoredMessage{x.User, x.Assistant} {
		msg.SessionID = x.SessionID
		msg.UserID = x.UserID
		msg.CreatedAt = now
		m.messages = append(m.messages, msg)
		info.TokenCount += int64(msg.Tokens)
	}
	info.LastActive = now
	m.sessions[x.SessionID] = info
	return nil
}

func (m *memStore) SessionMessages(_ context.Context, userID, sessionID string, limit int) ([]StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SessionMessages"); err != nil {
		return nil, err
	}
	var out []StoredMessage
	for _, msg := range m.messages {
		if msg.SessionID == sessionID && msg.UserID == userID {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) SessionInfo(_ context.Context, userID, sessionID string) (SessionInfo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SessionInfo"); err != nil {
		return SessionInfo{}, false, err
	}
	info, ok := m.sessions[sessionID]
	if !ok || info.UserID != userID {
		return SessionInfo{}, false, nil
	}
	return info, true, nil
}
