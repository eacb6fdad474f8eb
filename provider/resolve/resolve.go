// Package resolve creates chat and embedding providers from
// provider-agnostic configuration.
package resolve

import (
	"fmt"

	engram "github.com/nevindra/engram"
	"github.com/nevindra/engram/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "openai", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // auto-filled for known providers when empty

	// Common cross-provider defaults (nil = use provider default).
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// EmbeddingConfig holds provider-agnostic configuration for creating an
// EmbeddingProvider.
type EmbeddingConfig struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// Provider creates an engram.Provider from a provider-agnostic Config.
func Provider(cfg Config) (engram.Provider, error) {
	switch cfg.Provider {
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		return openaiCompatProvider(cfg), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

// EmbeddingProvider creates an engram.EmbeddingProvider from a
// provider-agnostic EmbeddingConfig.
func EmbeddingProvider(cfg EmbeddingConfig) (engram.EmbeddingProvider, error) {
	switch cfg.Provider {
	case "openai", "mistral", "together", "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL(cfg.Provider)
		}
		return openaicompat.NewEmbedder(cfg.APIKey, cfg.Model, baseURL, cfg.Dimensions,
			openaicompat.WithEmbedderName(cfg.Provider)), nil
	default:
		return nil, fmt.Errorf("resolve: embedding provider %q not supported", cfg.Provider)
	}
}

func openaiCompatProvider(cfg Config) engram.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	provOpts := []openaicompat.ProviderOption{openaicompat.WithName(cfg.Provider)}

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if cfg.MaxTokens != nil {
		reqOpts = append(reqOpts, openaicompat.WithMaxTokens(*cfg.MaxTokens))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, provOpts...)
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
