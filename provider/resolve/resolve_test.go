package resolve

import "testing"

func TestDefaultBaseURL(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"openai", "https://api.openai.com/v1"},
		{"groq", "https://api.groq.com/openai/v1"},
		{"deepseek", "https://api.deepseek.com/v1"},
		{"together", "https://api.together.xyz/v1"},
		{"mistral", "https://api.mistral.ai/v1"},
		{"ollama", "http://localhost:11434/v1"},
		{"unknown", ""},
	}
	for _, tt := range tests {
		if got := defaultBaseURL(tt.provider); got != tt.want {
			t.Errorf("defaultBaseURL(%q) = %q, want %q", tt.provider, got, tt.want)
		}
	}
}

func TestProvider_KnownNames(t *testing.T) {
	for _, name := range []string{"openai", "groq", "deepseek", "together", "mistral", "ollama"} {
		p, err := Provider(Config{Provider: name, APIKey: "k", Model: "m"})
		if err != nil {
			t.Fatalf("Provider(%q) returned error: %v", name, err)
		}
		if p.Name() != name {
			t.Errorf("expected name %q, got %q", name, p.Name())
		}
	}
}

func TestProvider_Unknown(t *testing.T) {
	if _, err := Provider(Config{Provider: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestEmbeddingProvider(t *testing.T) {
	e, err := EmbeddingProvider(EmbeddingConfig{
		Provider:   "openai",
		APIKey:     "k",
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
	})
	if err != nil {
		t.Fatalf("EmbeddingProvider returned error: %v", err)
	}
	if e.Dimensions() != 1536 {
		t.Errorf("expected dimensions 1536, got %d", e.Dimensions())
	}

	if _, err := EmbeddingProvider(EmbeddingConfig{Provider: "groq"}); err == nil {
		t.Fatal("expected error for provider without embeddings support")
	}
}
