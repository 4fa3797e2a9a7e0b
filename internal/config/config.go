// Package config holds the typed configuration for the message processor.
//
// Every tunable documented in the ops runbook is a named field with an
// explicit default; env parsing happens once at startup and the rest of
// the code receives plain structs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration, assembled from the environment.
type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Processor   ProcessorConfig
	RateLimit   RateLimitConfig
	Dedupe      DedupeConfig
	Cache       CacheConfig
	Hours       ServiceHoursConfig
	DLQ         DLQConfig
	Tuner       TunerConfig
	Chatwoot    ChatwootConfig
	Beacon      BeaconConfig
	ConfigHub   ConfigHubConfig
	PostgresDSN string
}

type ServerConfig struct {
	Port string
	Env  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ProcessorConfig governs the worker pool and per-job lifecycle.
type ProcessorConfig struct {
	MaxConcurrent      int           // worker pool size
	MaxRetries         int           // retry attempts per job
	RetryDelay         time.Duration // base linear backoff
	ProcessingTimeout  time.Duration // per-job wall clock
	TypingEnabled      bool
	TypingInterval     time.Duration
	CompletedRetention time.Duration // how long finished jobs stay queryable
}

type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
}

type DedupeConfig struct {
	Window time.Duration
}

type CacheConfig struct {
	TTLFAQ       time.Duration
	TTLGeneral   time.Duration
	TTLTransient time.Duration
	MaxEntries   int
}

// ServiceHoursConfig gates admission by local hour when enabled.
// A message is admitted when hour ∈ [Start, End).
type ServiceHoursConfig struct {
	Enabled bool
	Start   int
	End     int
}

type DLQConfig struct {
	AlertThreshold int
	CheckInterval  time.Duration
	AlertCooldown  time.Duration
}

type TunerConfig struct {
	MinSamples       int
	Window           time.Duration
	FPRTrigger       float64
	MissTrigger      float64
	MinAdjustmentPct float64
	MaxAutoAdjustPct float64
	Cooldown         time.Duration
	MaxAutoPerWeek   int
}

type ChatwootConfig struct {
	BaseURL   string
	APIToken  string
	AccountID string
	// Outbound requests per second against the platform API.
	RateLimit float64
	RateBurst int
}

type BeaconConfig struct {
	ProjectID      string
	SubscriptionID string
	HardRulesPath  string
}

type ConfigHubConfig struct {
	URL          string
	PollInterval time.Duration
}

// Load assembles a Config from the environment, filling documented defaults
// for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("APP_ENV", "development"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Processor: ProcessorConfig{
			MaxConcurrent:      getEnvInt("MAX_CONCURRENT", 5),
			MaxRetries:         getEnvInt("MAX_RETRIES", 2),
			RetryDelay:         getEnvMs("RETRY_DELAY_MS", 1000),
			ProcessingTimeout:  getEnvMs("PROCESSING_TIMEOUT_MS", 30_000),
			TypingEnabled:      getEnvBool("TYPING_ENABLED", true),
			TypingInterval:     getEnvMs("TYPING_INTERVAL_MS", 3000),
			CompletedRetention: getEnvMs("COMPLETED_RETENTION_MS", 5*60*1000),
		},
		RateLimit: RateLimitConfig{
			Window:      getEnvMs("RATE_LIMIT_WINDOW_MS", 60_000),
			MaxRequests: getEnvInt("RATE_LIMIT_MAX_REQUESTS", 10),
		},
		Dedupe: DedupeConfig{
			Window: getEnvMs("DEDUPE_WINDOW_MS", 5000),
		},
		Cache: CacheConfig{
			TTLFAQ:       getEnvMs("CACHE_TTL_FAQ_MS", 24*60*60*1000),
			TTLGeneral:   getEnvMs("CACHE_TTL_GENERAL_MS", 4*60*60*1000),
			TTLTransient: getEnvMs("CACHE_TTL_TRANSIENT_MS", 30*60*1000),
			MaxEntries:   getEnvInt("CACHE_MAX_ENTRIES", 5000),
		},
		Hours: ServiceHoursConfig{
			Enabled: getEnvBool("SERVICE_HOURS_ENABLED", false),
			Start:   getEnvInt("SERVICE_HOURS_START", 8),
			End:     getEnvInt("SERVICE_HOURS_END", 22),
		},
		DLQ: DLQConfig{
			AlertThreshold: getEnvInt("DLQ_ALERT_THRESHOLD", 10),
			CheckInterval:  getEnvMs("DLQ_CHECK_INTERVAL_MS", 5*60*1000),
			AlertCooldown:  getEnvMs("DLQ_ALERT_COOLDOWN_MS", 30*60*1000),
		},
		Tuner: TunerConfig{
			MinSamples:       getEnvInt("TUNER_MIN_SAMPLES", 10),
			Window:           getEnvMs("TUNER_WINDOW_MS", 7*24*60*60*1000),
			FPRTrigger:       getEnvFloat("TUNER_FPR_TRIGGER", 0.30),
			MissTrigger:      getEnvFloat("TUNER_MISS_TRIGGER", 0.20),
			MinAdjustmentPct: getEnvFloat("TUNER_MIN_ADJUSTMENT_PCT", 5),
			MaxAutoAdjustPct: getEnvFloat("TUNER_MAX_AUTO_ADJUST_PCT", 15),
			Cooldown:         getEnvMs("TUNER_COOLDOWN_MS", 24*60*60*1000),
			MaxAutoPerWeek:   getEnvInt("TUNER_MAX_AUTO_PER_WEEK", 3),
		},
		Chatwoot: ChatwootConfig{
			BaseURL:   getEnv("CHATWOOT_BASE_URL", "http://localhost:3000"),
			APIToken:  os.Getenv("CHATWOOT_API_TOKEN"),
			AccountID: getEnv("CHATWOOT_ACCOUNT_ID", "1"),
			RateLimit: getEnvFloat("CHATWOOT_API_RPS", 10),
			RateBurst: getEnvInt("CHATWOOT_API_BURST", 20),
		},
		Beacon: BeaconConfig{
			ProjectID:      os.Getenv("BEACON_PUBSUB_PROJECT"),
			SubscriptionID: getEnv("BEACON_PUBSUB_SUBSCRIPTION", "beacons-ingest"),
			HardRulesPath:  getEnv("HARD_RULES_PATH", "config/hard_rules.yaml"),
		},
		ConfigHub: ConfigHubConfig{
			URL:          os.Getenv("CONFIG_HUB_URL"),
			PollInterval: getEnvMs("CONFIG_HUB_POLL_MS", 60_000),
		},
		PostgresDSN: os.Getenv("DATABASE_URL"),
	}

	if cfg.Hours.Enabled && (cfg.Hours.Start < 0 || cfg.Hours.End > 24 || cfg.Hours.Start >= cfg.Hours.End) {
		return nil, fmt.Errorf("invalid service hours: start=%d end=%d", cfg.Hours.Start, cfg.Hours.End)
	}
	if cfg.Processor.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT must be positive, got %d", cfg.Processor.MaxConcurrent)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getEnvMs reads a millisecond-denominated env var into a Duration.
func getEnvMs(key string, fallbackMs int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackMs)) * time.Millisecond
}
