package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the blastermailer engine.
type Config struct {
	Port        int
	Version     string
	Environment string // "production" gates real bulk providers
	Database    DatabaseConfig
	Telemetry   TelemetryConfig
	Credits     CreditsConfig
	Mail        MailConfig
	Models      ModelOverrides
	LLM         LLMConfig
}

// LLMConfig carries generation-backend credentials and endpoints.
type LLMConfig struct {
	OpenAIAPIKey      string
	OpenAIEndpoint    string
	AnthropicAPIKey   string
	AnthropicEndpoint string
	Timeout           time.Duration
}

type DatabaseConfig struct {
	// Path to the SQLite database file. Empty selects the in-memory store.
	Path string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// CreditsConfig tunes the free-tier credit window and congestion bands.
// The band thresholds are illustrative defaults, not business rules.
type CreditsConfig struct {
	FreeCredits       int64
	MonthlyBudgetUSD  float64
	Lookback          time.Duration
	BaseWindowHours   int
	WindowStepHours   int
	ErrModerate       float64
	ErrHigh           float64
	ErrSevere         float64
	LatencyModerateMs int64
	LatencyHighMs     int64
	LatencySevereMs   int64
	FreeMonthlyEmails int64
}

type MailConfig struct {
	BatchSize     int
	SendDelay     time.Duration
	BatchDelay    time.Duration
	FromAddress   string
	DedicatedHost string
	DedicatedPort int
	DedicatedUser string
	DedicatedPass string
	BurstAPIKey   string // production provider for paid plans
	BurstEndpoint string
	RelayAPIKey   string // shared relay pool for free plans
	RelayEndpoint string
}

// ModelOverrides replace provider/model identifiers of catalog entries
// without changing their cost/quality metadata.
type ModelOverrides struct {
	Fast  string
	Boost string
	Max   string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:        envInt("BLASTER_PORT", 8080),
		Version:     envStr("BLASTER_VERSION", "0.4.0"),
		Environment: envStr("BLASTER_ENV", "development"),
		Database: DatabaseConfig{
			Path: envStr("BLASTER_DB_PATH", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "blastermailer"),
		},
		Credits: CreditsConfig{
			FreeCredits:       envInt64("CREDITS_FREE_ALLOWANCE", 50),
			MonthlyBudgetUSD:  envFloat("CREDITS_MONTHLY_BUDGET_USD", 20.0),
			Lookback:          envDuration("CREDITS_CONGESTION_LOOKBACK", 20*time.Minute),
			BaseWindowHours:   envInt("CREDITS_BASE_WINDOW_HOURS", 6),
			WindowStepHours:   envInt("CREDITS_WINDOW_STEP_HOURS", 2),
			ErrModerate:       envFloat("CREDITS_ERR_RATE_MODERATE", 0.05),
			ErrHigh:           envFloat("CREDITS_ERR_RATE_HIGH", 0.15),
			ErrSevere:         envFloat("CREDITS_ERR_RATE_SEVERE", 0.30),
			LatencyModerateMs: envInt64("CREDITS_LATENCY_MODERATE_MS", 2000),
			LatencyHighMs:     envInt64("CREDITS_LATENCY_HIGH_MS", 5000),
			LatencySevereMs:   envInt64("CREDITS_LATENCY_SEVERE_MS", 10000),
			FreeMonthlyEmails: envInt64("QUOTA_FREE_MONTHLY_EMAILS", 200),
		},
		Mail: MailConfig{
			BatchSize:     envInt("MAIL_BATCH_SIZE", 5),
			SendDelay:     envDuration("MAIL_SEND_DELAY", 200*time.Millisecond),
			BatchDelay:    envDuration("MAIL_BATCH_DELAY", 2*time.Second),
			FromAddress:   envStr("MAIL_FROM_ADDRESS", "campaigns@blastermailer.dev"),
			DedicatedHost: envStr("MAIL_DEDICATED_HOST", ""),
			DedicatedPort: envInt("MAIL_DEDICATED_PORT", 587),
			DedicatedUser: envStr("MAIL_DEDICATED_USER", ""),
			DedicatedPass: envStr("MAIL_DEDICATED_PASS", ""),
			BurstAPIKey:   envStr("MAIL_BURST_API_KEY", ""),
			BurstEndpoint: envStr("MAIL_BURST_ENDPOINT", "https://api.mailburst.io/v1"),
			RelayAPIKey:   envStr("MAIL_RELAY_API_KEY", ""),
			RelayEndpoint: envStr("MAIL_RELAY_ENDPOINT", "https://relay.blastermailer.dev/v1"),
		},
		LLM: LLMConfig{
			OpenAIAPIKey:      envStr("OPENAI_API_KEY", ""),
			OpenAIEndpoint:    envStr("OPENAI_ENDPOINT", "https://api.openai.com/v1"),
			AnthropicAPIKey:   envStr("ANTHROPIC_API_KEY", ""),
			AnthropicEndpoint: envStr("ANTHROPIC_ENDPOINT", "https://api.anthropic.com"),
			Timeout:           envDuration("LLM_TIMEOUT", 120*time.Second),
		},
		Models: ModelOverrides{
			Fast:  envStr("BLASTER_MODEL_FAST", ""),
			Boost: envStr("BLASTER_MODEL_BOOST", ""),
			Max:   envStr("BLASTER_MODEL_MAX", ""),
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

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
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

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
