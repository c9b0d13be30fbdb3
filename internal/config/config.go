package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the dispatcher service.
type Config struct {
	Port      int
	Version   string
	BaseURL   string
	LogLevel  string
	LogFormat string

	Catalog   CatalogConfig
	Store     StoreConfig
	Lock      LockConfig
	Executor  ExecutorConfig
	Classify  ClassifyConfig
	Agents    AgentDefaultsConfig
	Semantic  SemanticConfig
	RateLimit RateLimitConfig
	Summary   SummaryConfig
	Retention RetentionConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
}

type CatalogConfig struct {
	Path  string
	Watch bool
}

type StoreConfig struct {
	Kind    string // memory | sqlite
	DataDir string // memory snapshot directory, empty = no persistence
	DBPath  string // sqlite file
}

type LockConfig struct {
	Backend     string // store | postgres | redis
	TTL         time.Duration
	PostgresURL string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
}

type ExecutorConfig struct {
	Binary                 string
	Timeout                time.Duration
	WorkingDir             string
	IsolatedDir            string
	DefaultDisallowedTools []string
}

type ClassifyConfig struct {
	FallbackAgent string
	Model         string
	Timeout       time.Duration
}

// AgentDefaultsConfig fills agent fields the catalog leaves unset.
type AgentDefaultsConfig struct {
	Model   string
	Timeout time.Duration
}

type SemanticConfig struct {
	Enabled  bool
	Backend  string // cli | index
	Binary   string
	MinScore float64
	TopK     int

	EmbeddingsProvider string // ollama | openai
	EmbeddingsModel    string
	EmbeddingsEndpoint string
	EmbeddingsAPIKey   string
}

type RateLimitConfig struct {
	Capacity int
}

type SummaryConfig struct {
	Model   string
	Timeout time.Duration
}

type RetentionConfig struct {
	Days     int // 0 disables pruning
	Interval time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	APIKeys      []string
	APIKeyHeader string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:      envInt("DISPATCHER_PORT", 17280),
		Version:   envStr("DISPATCHER_VERSION", "0.1.0"),
		BaseURL:   envStr("DISPATCHER_BASE_URL", "http://localhost:17280"),
		LogLevel:  envStr("DISPATCHER_LOG_LEVEL", "info"),
		LogFormat: envStr("DISPATCHER_LOG_FORMAT", "console"),
		Catalog: CatalogConfig{
			Path:  envStr("DISPATCHER_CATALOG", "dispatcher.yaml"),
			Watch: envBool("DISPATCHER_CATALOG_WATCH", true),
		},
		Store: StoreConfig{
			Kind:    envStr("DISPATCHER_STORE", "sqlite"),
			DataDir: envStr("DISPATCHER_DATA_DIR", ""),
			DBPath:  envStr("DISPATCHER_DB_PATH", "data/dispatcher.db"),
		},
		Lock: LockConfig{
			Backend:     envStr("DISPATCHER_LOCK_BACKEND", "store"),
			TTL:         envDuration("DISPATCHER_SUMMARY_LOCK_TTL", 300*time.Second),
			PostgresURL: envStr("DISPATCHER_POSTGRES_URL", ""),
			RedisAddr:   envStr("DISPATCHER_REDIS_ADDR", "localhost:6379"),
			RedisPass:   envStr("DISPATCHER_REDIS_PASSWORD", ""),
			RedisDB:     envInt("DISPATCHER_REDIS_DB", 0),
		},
		Executor: ExecutorConfig{
			Binary:                 envStr("DISPATCHER_CLAUDE_BINARY", "claude"),
			Timeout:                envDuration("DISPATCHER_EXECUTION_TIMEOUT", 300*time.Second),
			WorkingDir:             envStr("DISPATCHER_WORKING_DIR", "."),
			IsolatedDir:            envStr("DISPATCHER_ISOLATED_DIR", "/tmp/dispatcher-isolated"),
			DefaultDisallowedTools: envList("DISPATCHER_DISALLOWED_TOOLS", []string{"Write", "Edit", "MultiEdit", "NotebookEdit"}),
		},
		Classify: ClassifyConfig{
			FallbackAgent: envStr("DISPATCHER_FALLBACK_AGENT", "general"),
			Model:         envStr("DISPATCHER_CLASSIFY_MODEL", "haiku"),
			Timeout:       envDuration("DISPATCHER_CLASSIFY_TIMEOUT", 30*time.Second),
		},
		Agents: AgentDefaultsConfig{
			Model:   envStr("DISPATCHER_AGENT_MODEL", "haiku"),
			Timeout: envDuration("DISPATCHER_AGENT_TIMEOUT", 300*time.Second),
		},
		Semantic: SemanticConfig{
			Enabled:            envBool("DISPATCHER_SEMANTIC_ENABLED", false),
			Backend:            envStr("DISPATCHER_SEMANTIC_BACKEND", "cli"),
			Binary:             envStr("DISPATCHER_SEMANTIC_BINARY", "ssearch"),
			MinScore:           envFloat("DISPATCHER_SEMANTIC_MIN_SCORE", 0.5),
			TopK:               envInt("DISPATCHER_SEMANTIC_TOP_K", 5),
			EmbeddingsProvider: envStr("DISPATCHER_EMBEDDINGS_PROVIDER", "ollama"),
			EmbeddingsModel:    envStr("DISPATCHER_EMBEDDINGS_MODEL", ""),
			EmbeddingsEndpoint: envStr("DISPATCHER_EMBEDDINGS_ENDPOINT", ""),
			EmbeddingsAPIKey:   envStr("OPENAI_API_KEY", ""),
		},
		RateLimit: RateLimitConfig{
			Capacity: envInt("DISPATCHER_RATE_LIMIT_CAPACITY", 1000),
		},
		Summary: SummaryConfig{
			Model:   envStr("DISPATCHER_SUMMARY_MODEL", "haiku"),
			Timeout: envDuration("DISPATCHER_SUMMARY_TIMEOUT", 120*time.Second),
		},
		Retention: RetentionConfig{
			Days:     envInt("DISPATCHER_RETENTION_DAYS", 0),
			Interval: envDuration("DISPATCHER_RETENTION_INTERVAL", time.Hour),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "dispatcher"),
		},
		Auth: AuthConfig{
			APIKeys:      envList("DISPATCHER_API_KEYS", nil),
			APIKeyHeader: envStr("DISPATCHER_API_KEY_HEADER", "X-API-Key"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// envList splits on commas and whitespace. Set to "-" for an explicit empty list.
func envList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if v == "-" {
		return []string{}
	}
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}
