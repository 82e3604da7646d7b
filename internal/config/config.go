// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DB          DBConfig
	Model       ModelConfig
	AutoSave    AutoSaveConfig
	Timeout     TimeoutConfig
	Transcript  TranscriptConfig
	Materialize MaterializeConfig
	RateLimit   RateLimitConfig
	SyncPolicy  string
}

// DBConfig selects the storage driver.
type DBConfig struct {
	Driver string // "sqlite" or "postgres"
	Path   string // sqlite file
	DSN    string // postgres connection string
}

// ModelConfig configures the language model backend.
type ModelConfig struct {
	Provider        string // "openai" or "grpc"
	APIKey          string
	Model           string
	BaseURL         string
	GeneratorAddr   string
	JSONMode        bool
	Timeout         time.Duration
	Temperature     float64
	MaxTokens       int
	CostPer1KTokens float64
	MaxExtractFails int
}

// AutoSaveConfig controls the checkpoint sweep.
type AutoSaveConfig struct {
	Interval  time.Duration
	Grace     time.Duration
	BatchSize int
}

// TimeoutConfig controls idle warnings and abandonment.
type TimeoutConfig struct {
	Interval  time.Duration
	WarnAfter time.Duration
	HardAfter time.Duration
	BatchSize int
}

// TranscriptConfig controls NDJSON chat transcripts.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// MaterializeConfig points at the host platform webhook.
type MaterializeConfig struct {
	URL   string
	Token string
}

// RateLimitConfig bounds chat turns per user.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DB: DBConfig{
			Driver: strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			Path:   getEnv("DB_PATH", "./data/coursecraft.db"),
			DSN:    getEnv("DB_DSN", ""),
		},
		Model: ModelConfig{
			Provider:        strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
			APIKey:          getEnv("LLM_API_KEY", ""),
			Model:           getEnv("LLM_MODEL", "gpt-4o-mini"),
			BaseURL:         getEnv("LLM_BASE_URL", ""),
			GeneratorAddr:   getEnv("GENERATOR_ADDR", "localhost:50051"),
			JSONMode:        getEnvBool("LLM_JSON_MODE", false),
			Timeout:         getEnvDuration("MODEL_TIMEOUT", 60*time.Second),
			Temperature:     getEnvFloat("LLM_TEMPERATURE", 0.7),
			MaxTokens:       getEnvInt("LLM_MAX_TOKENS", 4000),
			CostPer1KTokens: getEnvFloat("COST_PER_1K_TOKENS", 0),
			MaxExtractFails: getEnvInt("MAX_EXTRACTION_FAILURES", 3),
		},
		AutoSave: AutoSaveConfig{
			Interval:  getEnvDuration("AUTOSAVE_INTERVAL", 30*time.Second),
			Grace:     getEnvDuration("AUTOSAVE_GRACE", 5*time.Second),
			BatchSize: getEnvInt("AUTOSAVE_BATCH_SIZE", 50),
		},
		Timeout: TimeoutConfig{
			Interval:  getEnvDuration("TIMEOUT_SWEEP_INTERVAL", time.Minute),
			WarnAfter: getEnvDuration("TIMEOUT_WARN_AFTER", 25*time.Minute),
			HardAfter: getEnvDuration("TIMEOUT_HARD_AFTER", 30*time.Minute),
			BatchSize: getEnvInt("TIMEOUT_BATCH_SIZE", 100),
		},
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_LOG_ENABLED", true),
			Dir:       getEnv("TRANSCRIPT_LOG_DIR", "./data/logs/transcripts"),
			QueueSize: queueSize,
		},
		Materialize: MaterializeConfig{
			URL:   getEnv("MATERIALIZE_URL", ""),
			Token: getEnv("MATERIALIZE_TOKEN", ""),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("CHAT_RATE_LIMIT", 20),
			Window:   getEnvDuration("CHAT_RATE_WINDOW", time.Minute),
		},
		SyncPolicy: getEnv("SYNC_POLICY", "server_wins"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("DB_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DB.Driver)
	}
	switch c.Model.Provider {
	case "openai":
	case "grpc":
		if c.Model.GeneratorAddr == "" {
			return fmt.Errorf("GENERATOR_ADDR is required when LLM_PROVIDER=grpc")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be openai or grpc, got %q", c.Model.Provider)
	}
	if c.Model.Timeout <= 0 {
		return fmt.Errorf("MODEL_TIMEOUT must be > 0")
	}
	if c.Model.CostPer1KTokens < 0 {
		return fmt.Errorf("COST_PER_1K_TOKENS cannot be negative")
	}
	if c.Timeout.HardAfter <= 0 {
		return fmt.Errorf("TIMEOUT_HARD_AFTER must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_DIR cannot be empty")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT and CHAT_RATE_WINDOW must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"http://localhost:3000", "http://localhost:5173"}
	}
	var origins []string
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
