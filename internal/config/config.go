// Package config loads runtime configuration for companiond from the
// environment (optionally seeded by a .env file), mirroring the env-first,
// struct-of-structs style used across the rest of the pipeline's services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DispatcherConfig controls the wall-clock and sub-deadlines the Dispatcher
// enforces on every event (spec section 6.4).
type DispatcherConfig struct {
	DeadlineMS        int `env:"DISPATCHER_DEADLINE_MS"`
	MemoryDeadlineMS  int `env:"DISPATCHER_MEMORY_DEADLINE_MS"`
	EmotionDeadlineMS int `env:"DISPATCHER_EMOTION_DEADLINE_MS"`
	Workers           int `env:"DISPATCHER_WORKERS"`
	QueueDepth        int `env:"DISPATCHER_QUEUE_DEPTH"`
}

func (d DispatcherConfig) Deadline() time.Duration {
	return time.Duration(d.DeadlineMS) * time.Millisecond
}

func (d DispatcherConfig) MemoryDeadline() time.Duration {
	return time.Duration(d.MemoryDeadlineMS) * time.Millisecond
}

func (d DispatcherConfig) EmotionDeadline() time.Duration {
	return time.Duration(d.EmotionDeadlineMS) * time.Millisecond
}

// BudgetConfig configures the per-tenant daily cost ceilings and soft targets.
type BudgetConfig struct {
	DailyUSDDefault       float64 `env:"BUDGET_DAILY_USD_DEFAULT"`
	GenerativeShareTarget float64 `env:"BUDGET_GENERATIVE_SHARE_TARGET"`
	ClassifierShareTarget float64 `env:"BUDGET_CLASSIFIER_SHARE_TARGET"`
	HighValueThreshold    float64 `env:"BUDGET_HIGH_VALUE_THRESHOLD"`
}

// RateLimitConfig controls the per-tenant per-minute request ceiling
// enforced at the HTTP ingress. This is distinct from the Budget Governor's
// cost ceiling: it bounds request rate regardless of cost (spec 6.1/7, the
// 429 rate_limited status).
type RateLimitConfig struct {
	PerMinute int `env:"RATE_LIMIT_PER_MINUTE"`
}

// CacheConfig configures the Response Cache's two tiers.
type CacheConfig struct {
	TTLSeconds int `env:"CACHE_TTL_SECONDS"`
	LRUSize    int `env:"CACHE_LRU_SIZE"`
}

func (c CacheConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

// MemoryConfig configures the Memory Engine's scoring and cleanup knobs.
type MemoryConfig struct {
	ImportanceFloor       float64 `env:"MEMORY_IMPORTANCE_FLOOR"`
	CleanupMinImportance  float64 `env:"MEMORY_CLEANUP_MIN_IMPORTANCE"`
	ContextK              int     `env:"MEMORY_CONTEXT_K"`
	EmbeddingDimensions   int     `env:"MEMORY_EMBEDDING_DIMENSIONS"`
	SoftCapPerPlayer      int     `env:"MEMORY_SOFT_CAP_PER_PLAYER"`
	DecayIntervalSeconds  int     `env:"MEMORY_DECAY_INTERVAL_SECONDS"`
	CleanupIntervalHours  int     `env:"MEMORY_CLEANUP_INTERVAL_HOURS"`
}

func (m MemoryConfig) DecayInterval() time.Duration {
	return time.Duration(m.DecayIntervalSeconds) * time.Second
}

func (m MemoryConfig) CleanupInterval() time.Duration {
	return time.Duration(m.CleanupIntervalHours) * time.Hour
}

// PushConfig configures the realtime duplex channel.
type PushConfig struct {
	BufferSize       int `env:"PUSH_BUFFER_SIZE"`
	HeartbeatSeconds int `env:"PUSH_HEARTBEAT_SECONDS"`
	StaleBufferSeconds int `env:"PUSH_STALE_BUFFER_SECONDS"`
}

func (p PushConfig) Heartbeat() time.Duration {
	return time.Duration(p.HeartbeatSeconds) * time.Second
}

func (p PushConfig) StaleBuffer() time.Duration {
	return time.Duration(p.StaleBufferSeconds) * time.Second
}

// PostgresConfig is the structured store backing memory records (the budget
// ledger lives in Redis; analytics rollups remain out of scope).
type PostgresConfig struct {
	DSN string `env:"POSTGRES_DSN"`
}

// RedisConfig is the shared KV tier backing the Response Cache and the
// Budget Governor's atomic bucket counters.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"`
}

// QdrantConfig is the vector store backing semantic memory retrieval.
type QdrantConfig struct {
	DSN        string `env:"QDRANT_DSN"`
	Collection string `env:"QDRANT_COLLECTION"`
	Metric     string `env:"QDRANT_METRIC"`
}

// KafkaConfig is the optional async ingestion bus: SDKs that cannot hold a
// request open may drop events on CommandsTopic and consume ResponsesTopic.
type KafkaConfig struct {
	Brokers        string `env:"KAFKA_BROKERS"`
	CommandsTopic  string `env:"KAFKA_EVENTS_TOPIC"`
	ResponsesTopic string `env:"KAFKA_RESPONSES_TOPIC"`
	GroupID        string `env:"KAFKA_GROUP_ID"`
}

func (k KafkaConfig) BrokerList() []string {
	var out []string
	for _, b := range strings.Split(k.Brokers, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}

// AnthropicPromptCacheConfig controls Anthropic prompt-cache breakpoints for
// the dialogue generative path, where the system prompt and tool schema are
// stable across calls for a given tenant but the conversation turn is not.
type AnthropicPromptCacheConfig struct {
	Enabled       bool `env:"ANTHROPIC_CACHE_ENABLED"`
	CacheSystem   bool `env:"ANTHROPIC_CACHE_SYSTEM"`
	CacheTools    bool `env:"ANTHROPIC_CACHE_TOOLS"`
	CacheMessages bool `env:"ANTHROPIC_CACHE_MESSAGES"`
}

// AnthropicConfig configures the generative dialogue provider.
type AnthropicConfig struct {
	APIKey      string         `env:"ANTHROPIC_API_KEY"`
	Model       string         `env:"ANTHROPIC_MODEL"`
	BaseURL     string         `env:"ANTHROPIC_BASE_URL"`
	ExtraParams map[string]any `env:"-"`
	PromptCache AnthropicPromptCacheConfig
}

// OpenAIConfig configures the OpenAI-compatible classifier provider used by
// the Emotion Engine's paid pass. BaseURL may point at a self-hosted
// OpenAI-API-compatible endpoint instead of the public API.
type OpenAIConfig struct {
	APIKey      string         `env:"CLASSIFIER_API_KEY"`
	BaseURL     string         `env:"CLASSIFIER_BASE_URL"`
	Model       string         `env:"CLASSIFIER_MODEL"`
	API         string         `env:"CLASSIFIER_API"`
	ExtraParams map[string]any `env:"-"`
	LogPayloads bool           `env:"CLASSIFIER_LOG_PAYLOADS"`
}

// EmbeddingConfig configures the embedding service used by the Memory Engine.
type EmbeddingConfig struct {
	Host       string `env:"EMBEDDING_HOST"`
	APIKey     string `env:"EMBEDDING_API_KEY"`
	Model      string `env:"EMBEDDING_MODEL"`
	Dimensions int    `env:"EMBEDDING_DIMENSIONS"`
}

// ObsConfig controls OpenTelemetry export, matched 1:1 with observability.InitOTel.
type ObsConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLP           string
}

// Config is the complete runtime configuration for companiond.
type Config struct {
	Host string `env:"HOST"`
	Port int    `env:"PORT"`

	LogPath  string `env:"LOG_PATH"`
	LogLevel string `env:"LOG_LEVEL"`

	Dispatcher DispatcherConfig
	Budget     BudgetConfig
	RateLimit  RateLimitConfig
	Cache      CacheConfig
	Memory     MemoryConfig
	Push       PushConfig

	Postgres   PostgresConfig
	Redis      RedisConfig
	Qdrant     QdrantConfig
	Kafka      KafkaConfig
	Anthropic  AnthropicConfig
	Classifier OpenAIConfig
	Embedding  EmbeddingConfig
	Obs        ObsConfig
}

// Load reads configuration from the environment, optionally seeded by a
// .env file in the working directory. Values not set fall back to the
// documented defaults (spec section 6.4).
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		Host:     firstNonEmpty(os.Getenv("HOST"), "0.0.0.0"),
		Port:     intFromEnv("PORT", 8080),
		LogPath:  os.Getenv("LOG_PATH"),
		LogLevel: firstNonEmpty(os.Getenv("LOG_LEVEL"), "info"),
	}

	cfg.Dispatcher = DispatcherConfig{
		DeadlineMS:        intFromEnv("DISPATCHER_DEADLINE_MS", 2000),
		MemoryDeadlineMS:  intFromEnv("DISPATCHER_MEMORY_DEADLINE_MS", 600),
		EmotionDeadlineMS: intFromEnv("DISPATCHER_EMOTION_DEADLINE_MS", 800),
		Workers:           intFromEnv("DISPATCHER_WORKERS", 16),
		QueueDepth:        intFromEnv("DISPATCHER_QUEUE_DEPTH", 256),
	}

	cfg.Budget = BudgetConfig{
		DailyUSDDefault:       floatFromEnv("BUDGET_DAILY_USD_DEFAULT", 15.0),
		GenerativeShareTarget: floatFromEnv("BUDGET_GENERATIVE_SHARE_TARGET", 0.10),
		ClassifierShareTarget: floatFromEnv("BUDGET_CLASSIFIER_SHARE_TARGET", 0.15),
		HighValueThreshold:    floatFromEnv("BUDGET_HIGH_VALUE_THRESHOLD", 0.80),
	}

	cfg.RateLimit = RateLimitConfig{
		PerMinute: intFromEnv("RATE_LIMIT_PER_MINUTE", 600),
	}

	cfg.Cache = CacheConfig{
		TTLSeconds: intFromEnv("CACHE_TTL_SECONDS", 3600),
		LRUSize:    intFromEnv("CACHE_LRU_SIZE", 10000),
	}

	cfg.Memory = MemoryConfig{
		ImportanceFloor:      floatFromEnv("MEMORY_IMPORTANCE_FLOOR", 0.3),
		CleanupMinImportance: floatFromEnv("MEMORY_CLEANUP_MIN_IMPORTANCE", 0.3),
		ContextK:             intFromEnv("MEMORY_CONTEXT_K", 5),
		EmbeddingDimensions:  intFromEnv("MEMORY_EMBEDDING_DIMENSIONS", 768),
		SoftCapPerPlayer:     intFromEnv("MEMORY_SOFT_CAP_PER_PLAYER", 10000),
		DecayIntervalSeconds: intFromEnv("MEMORY_DECAY_INTERVAL_SECONDS", 86400),
		CleanupIntervalHours: intFromEnv("MEMORY_CLEANUP_INTERVAL_HOURS", 24),
	}

	cfg.Push = PushConfig{
		BufferSize:         intFromEnv("PUSH_BUFFER_SIZE", 256),
		HeartbeatSeconds:   intFromEnv("PUSH_HEARTBEAT_SECONDS", 30),
		StaleBufferSeconds: intFromEnv("PUSH_STALE_BUFFER_SECONDS", 30),
	}

	cfg.Postgres = PostgresConfig{DSN: os.Getenv("POSTGRES_DSN")}

	cfg.Redis = RedisConfig{
		Addr:     firstNonEmpty(os.Getenv("REDIS_ADDR"), "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       intFromEnv("REDIS_DB", 0),
	}

	cfg.Qdrant = QdrantConfig{
		DSN:        os.Getenv("QDRANT_DSN"),
		Collection: firstNonEmpty(os.Getenv("QDRANT_COLLECTION"), "companion_memories"),
		Metric:     firstNonEmpty(os.Getenv("QDRANT_METRIC"), "cosine"),
	}

	cfg.Kafka = KafkaConfig{
		Brokers:        os.Getenv("KAFKA_BROKERS"),
		CommandsTopic:  firstNonEmpty(os.Getenv("KAFKA_EVENTS_TOPIC"), "companion.events"),
		ResponsesTopic: firstNonEmpty(os.Getenv("KAFKA_RESPONSES_TOPIC"), "companion.responses"),
		GroupID:        firstNonEmpty(os.Getenv("KAFKA_GROUP_ID"), "companiond"),
	}

	cfg.Anthropic = AnthropicConfig{
		APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		Model:   firstNonEmpty(os.Getenv("ANTHROPIC_MODEL"), "claude-haiku-4-5"),
		BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		PromptCache: AnthropicPromptCacheConfig{
			Enabled:       boolFromEnv("ANTHROPIC_CACHE_ENABLED", true),
			CacheSystem:   boolFromEnv("ANTHROPIC_CACHE_SYSTEM", true),
			CacheTools:    boolFromEnv("ANTHROPIC_CACHE_TOOLS", true),
			CacheMessages: boolFromEnv("ANTHROPIC_CACHE_MESSAGES", false),
		},
	}

	cfg.Classifier = OpenAIConfig{
		APIKey:      os.Getenv("CLASSIFIER_API_KEY"),
		BaseURL:     os.Getenv("CLASSIFIER_BASE_URL"),
		Model:       firstNonEmpty(os.Getenv("CLASSIFIER_MODEL"), "gpt-4o-mini"),
		API:         firstNonEmpty(os.Getenv("CLASSIFIER_API"), "completions"),
		LogPayloads: boolFromEnv("CLASSIFIER_LOG_PAYLOADS", false),
	}

	cfg.Embedding = EmbeddingConfig{
		Host:       os.Getenv("EMBEDDING_HOST"),
		APIKey:     os.Getenv("EMBEDDING_API_KEY"),
		Model:      firstNonEmpty(os.Getenv("EMBEDDING_MODEL"), "nomic-embed-text-v1.5.Q8_0"),
		Dimensions: intFromEnv("EMBEDDING_DIMENSIONS", cfg.Memory.EmbeddingDimensions),
	}

	cfg.Obs = ObsConfig{
		ServiceName:    firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "companiond"),
		ServiceVersion: firstNonEmpty(os.Getenv("SERVICE_VERSION"), "dev"),
		Environment:    firstNonEmpty(os.Getenv("ENVIRONMENT"), "dev"),
		OTLP:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func boolFromEnv(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
