// Package config loads application configuration with multi-source
// priority.
//
// Sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.duologue/config.yaml or ./config.yaml)
//  3. Default values
//
// Sensitive values (database password, API keys) are masked in MarshalJSON
// so the config can be logged safely.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidProvider indicates an unsupported provider identifier.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidPostgresDSN indicates the PostgreSQL connection string
	// cannot be parsed.
	ErrInvalidPostgresDSN = errors.New("invalid PostgreSQL DSN")

	// ErrInvalidStopThreshold indicates a threshold outside (0, 1].
	ErrInvalidStopThreshold = errors.New("invalid stop threshold")

	// ErrInvalidHistoryWindow indicates a non-positive history window.
	ErrInvalidHistoryWindow = errors.New("invalid history window")

	// ErrInvalidRetryAttempts indicates a non-positive attempt count.
	ErrInvalidRetryAttempts = errors.New("invalid retry attempts")
)

// Provider identifiers accepted in persona and conversation records.
const (
	ProviderGoogleAI = "googleai"
	ProviderOpenAI   = "openai"
	ProviderOllama   = "ollama"
)

// Config stores application configuration.
type Config struct {
	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`

	// PostgreSQL connection. DatabaseURL wins over the discrete fields.
	DatabaseURL      string `mapstructure:"database_url" json:"database_url"` // SENSITIVE: masked in MarshalJSON
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Provider configuration. API keys for googleai/openai are read by the
	// genkit plugins directly from GEMINI_API_KEY / OPENAI_API_KEY.
	DefaultProvider string `mapstructure:"default_provider" json:"default_provider"`
	DefaultModel    string `mapstructure:"default_model" json:"default_model"`
	OllamaHost      string `mapstructure:"ollama_host" json:"ollama_host"`

	// Retrieval configuration.
	RAGEnabled       bool    `mapstructure:"rag_enabled" json:"rag_enabled"`
	RAGCollection    string  `mapstructure:"rag_collection" json:"rag_collection"`
	RAGDimension     int     `mapstructure:"rag_dimension" json:"rag_dimension"`
	RAGMinSimilarity float64 `mapstructure:"rag_min_similarity" json:"rag_min_similarity"`
	RAGContextLimit  int     `mapstructure:"rag_context_limit" json:"rag_context_limit"`
	EmbedderModel    string  `mapstructure:"embedder_model" json:"embedder_model"`

	// Orchestrator configuration.
	ReadOnly          bool          `mapstructure:"read_only" json:"read_only"`
	MaxRetryAttempts  int           `mapstructure:"max_retry_attempts" json:"max_retry_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" json:"retry_delay"`
	EmptyTurnAttempts int           `mapstructure:"empty_turn_attempts" json:"empty_turn_attempts"`
	EmptyTurnDelay    time.Duration `mapstructure:"empty_turn_delay" json:"empty_turn_delay"`
	FallbackMessage   string        `mapstructure:"fallback_message" json:"fallback_message"`
	InterTurnDelay    time.Duration `mapstructure:"inter_turn_delay" json:"inter_turn_delay"`
	HistoryWindow     int           `mapstructure:"history_window" json:"history_window"`
	Workers           int           `mapstructure:"workers" json:"workers"`
	ProviderRPS       float64       `mapstructure:"provider_rps" json:"provider_rps"`
	DefaultStopRatio  float64       `mapstructure:"default_stop_ratio" json:"default_stop_ratio"`
	MaxBroadcastBytes int           `mapstructure:"max_broadcast_bytes" json:"max_broadcast_bytes"`
	TranscriptDir     string        `mapstructure:"transcript_dir" json:"transcript_dir"`

	// Tracing configuration (OTLP over HTTP).
	TracingEnabled  bool   `mapstructure:"tracing_enabled" json:"tracing_enabled"`
	TracingEndpoint string `mapstructure:"tracing_endpoint" json:"tracing_endpoint"`
}

// Load loads configuration with the documented source priority.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".duologue")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", false)

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "duologue")
	viper.SetDefault("postgres_password", "duologue_dev_password")
	viper.SetDefault("postgres_db_name", "duologue")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("default_provider", ProviderGoogleAI)
	viper.SetDefault("default_model", "gemini-2.5-flash")
	viper.SetDefault("ollama_host", "http://localhost:11434")

	viper.SetDefault("rag_enabled", true)
	viper.SetDefault("rag_collection", "conversation-messages")
	viper.SetDefault("rag_dimension", 1536)
	viper.SetDefault("rag_min_similarity", 0.75)
	viper.SetDefault("rag_context_limit", 3)
	viper.SetDefault("embedder_model", "text-embedding-004")

	viper.SetDefault("read_only", false)
	viper.SetDefault("max_retry_attempts", 3)
	viper.SetDefault("retry_delay", "2s")
	viper.SetDefault("empty_turn_attempts", 2)
	viper.SetDefault("empty_turn_delay", "1s")
	viper.SetDefault("fallback_message", "I have nothing to add at this point.")
	viper.SetDefault("inter_turn_delay", "2s")
	viper.SetDefault("history_window", 10)
	viper.SetDefault("workers", 4)
	viper.SetDefault("provider_rps", 2.0)
	viper.SetDefault("default_stop_ratio", 0.5)
	viper.SetDefault("max_broadcast_bytes", 64*1024)
	viper.SetDefault("transcript_dir", "transcripts")

	viper.SetDefault("tracing_enabled", false)
	viper.SetDefault("tracing_endpoint", "localhost:4318")
}

// bindEnvVariables binds runtime overrides explicitly. API keys for the
// genkit plugins (GEMINI_API_KEY, OPENAI_API_KEY) are read by the plugins
// themselves, not through viper.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("database_url", "DATABASE_URL")
	mustBind("default_provider", "DUOLOGUE_PROVIDER")
	mustBind("default_model", "DUOLOGUE_MODEL")
	mustBind("ollama_host", "DUOLOGUE_OLLAMA_HOST")
	mustBind("read_only", "DUOLOGUE_READ_ONLY")
	mustBind("rag_enabled", "DUOLOGUE_RAG_ENABLED")
	mustBind("log_level", "DUOLOGUE_LOG_LEVEL")
	mustBind("transcript_dir", "DUOLOGUE_TRANSCRIPT_DIR")
	mustBind("tracing_enabled", "DUOLOGUE_TRACING_ENABLED")
	mustBind("tracing_endpoint", "DUOLOGUE_TRACING_ENDPOINT")
}

// Validate performs fail-fast range checks.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	switch c.DefaultProvider {
	case ProviderGoogleAI, ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProvider, c.DefaultProvider)
	}
	if c.DefaultStopRatio <= 0 || c.DefaultStopRatio > 1 {
		return fmt.Errorf("%w: %v (must be in (0, 1])", ErrInvalidStopThreshold, c.DefaultStopRatio)
	}
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidHistoryWindow, c.HistoryWindow)
	}
	if c.MaxRetryAttempts <= 0 || c.EmptyTurnAttempts <= 0 {
		return fmt.Errorf("%w: transient=%d empty=%d", ErrInvalidRetryAttempts, c.MaxRetryAttempts, c.EmptyTurnAttempts)
	}
	if c.DatabaseURL != "" {
		if _, err := url.Parse(c.DatabaseURL); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPostgresDSN, err)
		}
	}
	return nil
}

// DSN returns the PostgreSQL connection string. DATABASE_URL wins when set.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:   c.PostgresDBName,
	}
	q := u.Query()
	q.Set("sslmode", c.PostgresSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// maskedValue replaces sensitive strings in logged output.
const maskedValue = "████████"

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON masks sensitive fields so the config can be logged.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.DatabaseURL = maskSecret(a.DatabaseURL)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	return json.Marshal(a)
}
