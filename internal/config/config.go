package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config contains all runtime settings for the memory service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	DatabaseURL        string
	MemoryEmbeddingDim int
	SearchProbes       int
	IVFFlatLists       int

	SoftThreshold        int
	HardThreshold        int
	TurnTTL              time.Duration
	ImportanceFloor      float64
	ContextSTMLimit      int
	ContextLTMLimit      int
	ConsolidationMode    string
	ConsolidationWorkers int
	ConsolidationQueue   int
	RetryAfter           time.Duration
	DiscardEmptyInsights bool
	RedactSummaryInput   bool
	SessionIdleTimeout   time.Duration
	PurgeInterval        time.Duration

	EmbeddingProvider  string
	EmbeddingModel     string
	SummarizerProvider string
	SummarizerModel    string
	GeminiAPIKey       string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	AnthropicAPIKey    string
	OllamaHost         string
	ProviderRateLimit  float64
	ProviderMaxRetries int
	QueryCacheSize     int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8090"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "mnemos"),
		LogLevel:           strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		ConsolidationMode:  strings.ToLower(envOrDefault("MEMORY_CONSOLIDATION_MODE", "inline")),
		EmbeddingProvider:  strings.ToLower(envOrDefault("EMBEDDING_PROVIDER", "mock")),
		EmbeddingModel:     stringsTrimSpace("EMBEDDING_MODEL"),
		SummarizerProvider: strings.ToLower(envOrDefault("SUMMARIZER_PROVIDER", "mock")),
		SummarizerModel:    stringsTrimSpace("SUMMARIZER_MODEL"),
		GeminiAPIKey:       stringsTrimSpace("GEMINI_API_KEY"),
		OpenAIAPIKey:       stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:      stringsTrimSpace("OPENAI_BASE_URL"),
		AnthropicAPIKey:    stringsTrimSpace("ANTHROPIC_API_KEY"),
		OllamaHost:         stringsTrimSpace("OLLAMA_HOST"),

		ShutdownTimeout:      15 * time.Second,
		MemoryEmbeddingDim:   768,
		SearchProbes:         10,
		IVFFlatLists:         100,
		SoftThreshold:        15,
		HardThreshold:        20,
		TurnTTL:              24 * time.Hour,
		ImportanceFloor:      0.3,
		ContextSTMLimit:      5,
		ContextLTMLimit:      3,
		ConsolidationWorkers: 2,
		ConsolidationQueue:   64,
		RetryAfter:           5 * time.Minute,
		RedactSummaryInput:   true,
		SessionIdleTimeout:   30 * time.Minute,
		PurgeInterval:        10 * time.Minute,
		ProviderRateLimit:    10,
		ProviderMaxRetries:   2,
		QueryCacheSize:       10000,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"MEMORY_STM_TTL", &cfg.TurnTTL},
		{"MEMORY_CONSOLIDATION_RETRY_AFTER", &cfg.RetryAfter},
		{"MEMORY_SESSION_IDLE_TIMEOUT", &cfg.SessionIdleTimeout},
		{"MEMORY_PURGE_INTERVAL", &cfg.PurgeInterval},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MEMORY_EMBEDDING_DIM", &cfg.MemoryEmbeddingDim},
		{"MEMORY_SEARCH_PROBES", &cfg.SearchProbes},
		{"MEMORY_IVFFLAT_LISTS", &cfg.IVFFlatLists},
		{"MEMORY_STM_SOFT_THRESHOLD", &cfg.SoftThreshold},
		{"MEMORY_STM_HARD_THRESHOLD", &cfg.HardThreshold},
		{"MEMORY_CONTEXT_STM_LIMIT", &cfg.ContextSTMLimit},
		{"MEMORY_CONTEXT_LTM_LIMIT", &cfg.ContextLTMLimit},
		{"MEMORY_CONSOLIDATION_WORKERS", &cfg.ConsolidationWorkers},
		{"MEMORY_CONSOLIDATION_QUEUE", &cfg.ConsolidationQueue},
		{"PROVIDER_MAX_RETRIES", &cfg.ProviderMaxRetries},
		{"EMBEDDING_QUERY_CACHE_SIZE", &cfg.QueryCacheSize},
	}
	for _, i := range ints {
		if *i.dst, err = intFromEnv(i.key, *i.dst); err != nil {
			return Config{}, err
		}
	}

	if cfg.ImportanceFloor, err = floatFromEnv("MEMORY_LTM_IMPORTANCE_FLOOR", cfg.ImportanceFloor); err != nil {
		return Config{}, err
	}
	if cfg.ProviderRateLimit, err = floatFromEnv("PROVIDER_RATE_LIMIT", cfg.ProviderRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.DiscardEmptyInsights, err = boolFromEnv("MEMORY_DISCARD_EMPTY_INSIGHTS", cfg.DiscardEmptyInsights); err != nil {
		return Config{}, err
	}
	if cfg.RedactSummaryInput, err = boolFromEnv("MEMORY_REDACT_SUMMARY_INPUT", cfg.RedactSummaryInput); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	if c.MemoryEmbeddingDim <= 0 {
		return fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if c.SearchProbes < 1 {
		return fmt.Errorf("MEMORY_SEARCH_PROBES must be >= 1")
	}
	if c.IVFFlatLists < 1 {
		return fmt.Errorf("MEMORY_IVFFLAT_LISTS must be >= 1")
	}
	if c.SoftThreshold < 1 {
		return fmt.Errorf("MEMORY_STM_SOFT_THRESHOLD must be >= 1")
	}
	if c.HardThreshold < c.SoftThreshold {
		return fmt.Errorf("MEMORY_STM_HARD_THRESHOLD must be >= MEMORY_STM_SOFT_THRESHOLD")
	}
	if c.TurnTTL < time.Hour || c.TurnTTL > 168*time.Hour {
		return fmt.Errorf("MEMORY_STM_TTL must be between 1h and 168h")
	}
	if c.ImportanceFloor < 0 || c.ImportanceFloor > 1 {
		return fmt.Errorf("MEMORY_LTM_IMPORTANCE_FLOOR must be within [0,1]")
	}
	if c.ContextSTMLimit <= 0 || c.ContextLTMLimit <= 0 {
		return fmt.Errorf("MEMORY_CONTEXT_STM_LIMIT and MEMORY_CONTEXT_LTM_LIMIT must be positive")
	}
	if c.ConsolidationMode != "inline" && c.ConsolidationMode != "async" {
		return fmt.Errorf("MEMORY_CONSOLIDATION_MODE must be inline or async")
	}
	if c.ConsolidationWorkers <= 0 || c.ConsolidationQueue <= 0 {
		return fmt.Errorf("MEMORY_CONSOLIDATION_WORKERS and MEMORY_CONSOLIDATION_QUEUE must be positive")
	}
	if c.RetryAfter < 0 {
		return fmt.Errorf("MEMORY_CONSOLIDATION_RETRY_AFTER must be >= 0")
	}
	if c.SessionIdleTimeout != 0 && c.SessionIdleTimeout < time.Minute {
		return fmt.Errorf("MEMORY_SESSION_IDLE_TIMEOUT must be 0 or at least 1m")
	}
	if c.PurgeInterval < time.Second {
		return fmt.Errorf("MEMORY_PURGE_INTERVAL must be at least 1s")
	}

	switch c.EmbeddingProvider {
	case "mock", "openai", "ollama":
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini embedding provider")
		}
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be gemini, openai, ollama or mock")
	}
	switch c.SummarizerProvider {
	case "mock", "openai", "ollama":
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini summarizer")
		}
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic summarizer")
		}
	default:
		return fmt.Errorf("SUMMARIZER_PROVIDER must be gemini, openai, ollama, anthropic or mock")
	}
	if (c.EmbeddingProvider == "openai" || c.SummarizerProvider == "openai") && c.OpenAIAPIKey == "" && c.OpenAIBaseURL == "" {
		return fmt.Errorf("OPENAI_API_KEY is required unless OPENAI_BASE_URL points at a compatible server")
	}
	if c.ProviderRateLimit < 0 {
		return fmt.Errorf("PROVIDER_RATE_LIMIT must be >= 0")
	}
	if c.ProviderMaxRetries < 0 {
		return fmt.Errorf("PROVIDER_MAX_RETRIES must be >= 0")
	}
	if c.QueryCacheSize < 0 {
		return fmt.Errorf("EMBEDDING_QUERY_CACHE_SIZE must be >= 0")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
