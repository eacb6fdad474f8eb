package engram

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/text/unicode/norm"
)

// Intent is one of the closed set of message categories. Classification
// never produces a value outside this set; anything under the confidence
// threshold becomes IntentUnknown.
type Intent string

const (
	IntentGreeting       Intent = "greeting"
	IntentFarewell       Intent = "farewell"
	IntentThanks         Intent = "thanks"
	IntentHelp           Intent = "help"
	IntentStatus         Intent = "status"
	IntentKnowledgeQuery Intent = "knowledge_query"
	IntentMemoryStore    Intent = "memory_store"
	IntentMemoryRetrieve Intent = "memory_retrieve"
	IntentGraphQuery     Intent = "graph_query"
	IntentChitchat       Intent = "chitchat"
	IntentOutOfScope     Intent = "out_of_scope"
	IntentUnknown        Intent = "unknown"
)

// AllIntents returns the classifiable categories in stable order.
// IntentUnknown is a fallback, not a centroid, so it is excluded.
func AllIntents() []Intent {
	return []Intent{
		IntentGreeting, IntentFarewell, IntentThanks, IntentHelp,
		IntentStatus, IntentKnowledgeQuery, IntentMemoryStore,
		IntentMemoryRetrieve, IntentGraphQuery, IntentChitchat,
		IntentOutOfScope,
	}
}

// DefaultIntentThreshold is the minimum confidence for a non-unknown intent.
const DefaultIntentThreshold = 0.5

// IntentResult is one classification outcome.
type IntentResult struct {
	Intent     Intent         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities,omitempty"`
	// Raw is the original text before normalization.
	Raw string `json:"-"`
}

// defaultIntentExamples seed the per-category centroids. Callers can extend
// or replace them per category with WithIntentExamples.
var defaultIntentExamples = map[Intent][]string{
	IntentGreeting: {
		"hello", "hi there", "hey, how are you", "good morning", "yo, what's up",
	},
	IntentFarewell: {
		"goodbye", "bye for now", "see you later", "good night", "talk to you tomorrow",
	},
	IntentThanks: {
		"thanks", "thank you so much", "thanks a lot, that helped", "appreciate it", "cheers, that was useful",
	},
	IntentHelp: {
		"help", "what can you do", "how do I use this bot", "show me the commands", "what are you capable of",
	},
	IntentStatus: {
		"status", "are you online", "is everything working", "health check", "are you up",
	},
	IntentKnowledgeQuery: {
		"what is a goroutine", "explain how dns resolution works", "tell me about the roman empire",
		"what do you know about photosynthesis", "define idempotency", "how does garbage collection work",
	},
	IntentMemoryStore: {
		"remember that my timezone is UTC+7", "my favorite language is Go", "note that I work at the hospital",
		"remember my birthday is in March", "store this: my dog is called Biscuit",
	},
	IntentMemoryRetrieve: {
		"what do you remember about me", "what is my timezone", "what did I tell you about my job",
		"do you know my favorite language", "what did we talk about yesterday",
	},
	IntentGraphQuery: {
		"how is Go related to Discord", "what connects Python and machine learning",
		"show me everything linked to Kubernetes", "what is the relationship between React and JavaScript",
		"which topics are connected to databases",
	},
	IntentChitchat: {
		"how was your day", "tell me a joke", "I'm bored", "what do you think about the weather",
		"that movie was great, right",
	},
	IntentOutOfScope: {
		"write my entire thesis for me", "transfer money to this account", "order me a pizza",
		"hack into my school's grading system", "file my taxes",
	},
}

var (
	topicPattern      = regexp.MustCompile(`(?i)\b(?:about|regarding|concerning|on)\s+(.+)$`)
	properNoun        = regexp.MustCompile(`\b[A-Z][a-z]+\b`)
	rememberPattern   = regexp.MustCompile(`(?i)\bremember\s+(?:that\s+)?(.+?)\s+(?:is|=)\s+(.+)$`)
	possessivePattern = regexp.MustCompile(`(?i)\bmy\s+(.+?)\s+(?:is|=)\s+(.+)$`)
)

// Classifier assigns one of the closed intents to a message by comparing
// its embedding against per-category centroids (the mean of each category's
// example embeddings). For a fixed embedding model and example set the
// result is deterministic.
type Classifier struct {
	embedder  *Embedder
	threshold float64
	examples  map[Intent][]string
	logger    *slog.Logger

	mu        sync.Mutex
	ready     atomic.Bool
	centroids atomic.Pointer[map[Intent][]float32]
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithIntentThreshold sets the minimum confidence. Default: 0.5.
func WithIntentThreshold(t float64) ClassifierOption {
	return func(c *Classifier) { c.threshold = t }
}

// WithIntentExamples overrides the example phrases for the given
// categories. Unknown category names are ignored.
func WithIntentExamples(examples map[string][]string) ClassifierOption {
	return func(c *Classifier) {
		for name, phrases := range examples {
			intent := Intent(name)
			if _, ok := c.examples[intent]; ok && len(phrases) > 0 {
				c.examples[intent] = phrases
			}
		}
	}
}

// WithClassifierLogger sets the structured logger.
func WithClassifierLogger(l *slog.Logger) ClassifierOption {
	return func(c *Classifier) { c.logger = l }
}

// NewClassifier creates a Classifier over embedder. Centroids are computed
// on the first Init or Classify call.
func NewClassifier(embedder *Embedder, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		embedder:  embedder,
		threshold: DefaultIntentThreshold,
		examples:  make(map[Intent][]string, len(defaultIntentExamples)),
		logger:    nopLogger,
	}
	for intent, phrases := range defaultIntentExamples {
		c.examples[intent] = phrases
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init computes the category centroids. Guarded so concurrent callers
// compute them once; subsequent calls return immediately.
func (c *Classifier) Init(ctx context.Context) error {
	if c.ready.Load() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready.Load() {
		return nil
	}

	var texts []string
	var owners []Intent
	for _, intent := range AllIntents() {
		for _, phrase := range c.examples[intent] {
			texts = append(texts, normalizeIntentText(phrase))
			owners = append(owners, intent)
		}
	}
	vecs, err := c.embedder.EmbedAll(ctx, texts)
	if err != nil {
		return fmt.Errorf("classifier: embed examples: %w", err)
	}

	dim := c.embedder.Dimensions()
	sums := make(map[Intent][]float64, len(c.examples))
	counts := make(map[Intent]int, len(c.examples))
	for i, vec := range vecs {
		intent := owners[i]
		sum := sums[intent]
		if sum == nil {
			sum = make([]float64, dim)
			sums[intent] = sum
		}
		for j, v := range vec {
			sum[j] += float64(v)
		}
		counts[intent]++
	}
	centroids := make(map[Intent][]float32, len(sums))
	for intent, sum := range sums {
		n := float64(counts[intent])
		centroid := make([]float32, dim)
		for j, v := range sum {
			centroid[j] = float32(v / n)
		}
		centroids[intent] = centroid
	}

	c.centroids.Store(&centroids)
	c.ready.Store(true)
	c.logger.Info("intent centroids ready", "categories", len(centroids), "examples", len(texts))
	return nil
}

// Classify assigns an intent to text. Empty or whitespace-only input is
// IntentUnknown with zero confidence and no embedding call. A best match
// under the threshold also degrades to IntentUnknown, keeping its
// confidence for observability.
func (c *Classifier) Classify(ctx context.Context, text string) (IntentResult, error) {
	raw := text
	if strings.TrimSpace(raw) == "" {
		return IntentResult{
			Intent:   IntentUnknown,
			Entities: map[string]any{"text": raw, "word_count": 0},
			Raw:      raw,
		}, nil
	}
	if err := c.Init(ctx); err != nil {
		return IntentResult{}, err
	}

	vec, err := c.embedder.EmbedOne(ctx, normalizeIntentText(raw))
	if err != nil {
		return IntentResult{}, fmt.Errorf("classifier: embed: %w", err)
	}

	centroids := *c.centroids.Load()
	best := IntentUnknown
	bestScore := -1.0
	for _, intent := range AllIntents() {
		centroid, ok := centroids[intent]
		if !ok {
			continue
		}
		if score := Cosine(vec, centroid); score > bestScore {
			best, bestScore = intent, score
		}
	}

	confidence := bestScore
	if confidence < 0 {
		confidence = 0
	}
	intent := best
	if confidence < c.threshold {
		intent = IntentUnknown
	}

	return IntentResult{
		Intent:     intent,
		Confidence: confidence,
		Entities:   extractEntities(intent, raw),
		Raw:        raw,
	}, nil
}

// Threshold returns the configured confidence floor.
func (c *Classifier) Threshold() float64 { return c.threshold }

// normalizeIntentText folds text so visually identical inputs embed
// identically: NFKC, zero-width removal, whitespace collapse, lowercase.
func normalizeIntentText(s string) string {
	s = norm.NFKC.String(s)
	s = zeroWidthChars.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(s)
}

// extractEntities pulls intent-specific entities from the raw text with
// fixed patterns. Every result carries the text and its word count.
func extractEntities(intent Intent, raw string) map[string]any {
	entities := map[string]any{
		"text":       raw,
		"word_count": len(strings.Fields(raw)),
	}
	switch intent {
	case IntentKnowledgeQuery, IntentMemoryRetrieve:
		if m := topicPattern.FindStringSubmatch(raw); m != nil {
			entities["topic"] = strings.TrimRight(strings.TrimSpace(m[1]), "?.!")
		}
	case IntentGraphQuery:
		seen := make(map[string]struct{})
		var nodes []string
		for _, word := range properNoun.FindAllString(raw, -1) {
			if _, dup := seen[word]; dup {
				continue
			}
			seen[word] = struct{}{}
			nodes = append(nodes, word)
		}
		if len(nodes) > 0 {
			entities["potential_nodes"] = nodes
		}
	case IntentMemoryStore:
		if m := rememberPattern.FindStringSubmatch(raw); m != nil {
			entities["key"] = normalizeFactKey(m[1])
			entities["value"] = strings.TrimRight(strings.TrimSpace(m[2]), ".!")
		} else if m := possessivePattern.FindStringSubmatch(raw); m != nil {
			entities["key"] = normalizeFactKey(m[1])
			entities["value"] = strings.TrimRight(strings.TrimSpace(m[2]), ".!")
		}
	}
	return entities
}

// normalizeFactKey turns a free-text fact subject into a stable snake_case key.
func normalizeFactKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "that ")
	s = strings.TrimPrefix(s, "my ")
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	return strings.Join(fields, "_")
}
