// Package config loads the engram configuration: defaults, then a TOML
// file, then ENGRAM_* environment variables. Secrets (API keys, the bot
// token, store DSNs) are accepted from the environment only.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	engram "github.com/nevindra/engram"
)

type Config struct {
	Limits    LimitsConfig    `toml:"limits"`
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Intent    IntentConfig    `toml:"intent"`
	Store     StoreConfig     `toml:"store"`
	Discord   DiscordConfig   `toml:"discord"`
	Observer  ObserverConfig  `toml:"observer"`
}

type LimitsConfig struct {
	MaxContextTokens  int `toml:"max_context_tokens"`
	CoreMemoryMax     int `toml:"core_memory_max"`
	RateLimitGlobal   int `toml:"rate_limit_global"`
	RateLimitChannel  int `toml:"rate_limit_per_channel"`
	SessionIdleTTLSec int `toml:"session_idle_ttl_s"`
	RequestTimeoutSec int `toml:"request_timeout_s"`
	OffloadCacheSize  int `toml:"offload_cache_size"`

	// PersistOutOfScope stores deflected exchanges (with metadata
	// deflected=true) instead of dropping them.
	PersistOutOfScope bool `toml:"persist_out_of_scope"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"chat_model"`
	BaseURL  string `toml:"base_url"`
	APIKey   string `toml:"-"`
}

type EmbeddingConfig struct {
	Provider    string `toml:"provider"`
	Model       string `toml:"model"`
	Dimensions  int    `toml:"dim"`
	CacheSize   int    `toml:"cache_size"`
	CacheTTLSec int    `toml:"cache_ttl_s"`
}

type IntentConfig struct {
	ConfidenceThreshold float64 `toml:"confidence_threshold"`
	// ExamplesPath points at an optional TOML dataset of category ->
	// example phrases that replaces the built-in one.
	ExamplesPath string `toml:"examples_path"`
}

type StoreConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `toml:"driver"`
	// Path is the sqlite database file.
	Path string `toml:"path"`
	// DSN is the postgres connection string, env-only.
	DSN string `toml:"-"`
}

type DiscordConfig struct {
	Token           string   `toml:"-"`
	CommandPrefix   string   `toml:"command_prefix"`
	AllowedChannels []string `toml:"allowed_channels"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Limits: LimitsConfig{
			MaxContextTokens:  8000,
			CoreMemoryMax:     100,
			RateLimitGlobal:   50,
			RateLimitChannel:  5,
			SessionIdleTTLSec: 1800,
			RequestTimeoutSec: 30,
			OffloadCacheSize:  100,
		},
		LLM: LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Embedding: EmbeddingConfig{
			Provider:    "openai",
			Model:       "text-embedding-3-small",
			Dimensions:  1536,
			CacheSize:   256,
			CacheTTLSec: 300,
		},
		Intent:   IntentConfig{ConfidenceThreshold: 0.5},
		Store:    StoreConfig{Driver: "sqlite", Path: "engram.db"},
		Discord:  DiscordConfig{CommandPrefix: "!"},
		Observer: ObserverConfig{ServiceName: "engram"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
// The file is optional; a missing file leaves the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "engram.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, &engram.ErrConfig{Field: path, Message: err.Error()}
		}
	}

	// Secrets come from the environment only.
	cfg.LLM.APIKey = os.Getenv("ENGRAM_LLM_API_KEY")
	cfg.Discord.Token = os.Getenv("ENGRAM_DISCORD_TOKEN")
	cfg.Store.DSN = os.Getenv("ENGRAM_STORE_DSN")

	// Non-secret overrides.
	if v := os.Getenv("ENGRAM_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("ENGRAM_CHAT_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("ENGRAM_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("ENGRAM_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ENGRAM_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("ENGRAM_EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimensions = n
		}
	}
	if v := os.Getenv("ENGRAM_REQUEST_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.RequestTimeoutSec = n
		}
	}

	return cfg, nil
}

// Validate checks the whole config and reports every violation, not just
// the first, so a bad deployment is fixed in one pass.
func (c Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &engram.ErrConfig{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Limits.MaxContextTokens <= 0 {
		bad("limits.max_context_tokens", "must be positive, got %d", c.Limits.MaxContextTokens)
	}
	if c.Limits.CoreMemoryMax <= 0 {
		bad("limits.core_memory_max", "must be positive, got %d", c.Limits.CoreMemoryMax)
	}
	if c.Limits.RateLimitGlobal <= 0 {
		bad("limits.rate_limit_global", "must be positive, got %d", c.Limits.RateLimitGlobal)
	}
	if c.Limits.RateLimitChannel <= 0 {
		bad("limits.rate_limit_per_channel", "must be positive, got %d", c.Limits.RateLimitChannel)
	}
	if c.Limits.SessionIdleTTLSec <= 0 {
		bad("limits.session_idle_ttl_s", "must be positive, got %d", c.Limits.SessionIdleTTLSec)
	}
	if c.Limits.RequestTimeoutSec <= 0 {
		bad("limits.request_timeout_s", "must be positive, got %d", c.Limits.RequestTimeoutSec)
	}
	if c.Limits.OffloadCacheSize <= 0 {
		bad("limits.offload_cache_size", "must be positive, got %d", c.Limits.OffloadCacheSize)
	}

	if c.LLM.Provider == "" {
		bad("llm.provider", "required")
	}
	if c.LLM.Model == "" {
		bad("llm.chat_model", "required")
	}
	if c.LLM.APIKey == "" && c.LLM.Provider != "ollama" {
		bad("llm.api_key", "ENGRAM_LLM_API_KEY not set")
	}

	if c.Embedding.Model == "" {
		bad("embedding.model", "required")
	}
	if c.Embedding.Dimensions <= 0 {
		bad("embedding.dim", "must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.CacheSize <= 0 {
		bad("embedding.cache_size", "must be positive, got %d", c.Embedding.CacheSize)
	}
	if c.Embedding.CacheTTLSec <= 0 {
		bad("embedding.cache_ttl_s", "must be positive, got %d", c.Embedding.CacheTTLSec)
	}

	if c.Intent.ConfidenceThreshold < 0 || c.Intent.ConfidenceThreshold > 1 {
		bad("intent.confidence_threshold", "must be in [0,1], got %g", c.Intent.ConfidenceThreshold)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DSN == "" {
			bad("store.dsn", "ENGRAM_STORE_DSN not set for driver postgres")
		}
	case "sqlite":
		if c.Store.Path == "" {
			bad("store.path", "required for driver sqlite")
		}
	default:
		bad("store.driver", "unknown driver %q (want postgres or sqlite)", c.Store.Driver)
	}

	if c.Discord.Token == "" {
		bad("discord.token", "ENGRAM_DISCORD_TOKEN not set")
	}
	if len(c.Discord.AllowedChannels) == 0 {
		bad("discord.allowed_channels", "at least one channel id required")
	}

	return errors.Join(errs...)
}
