package domain

import (
	"fmt"
	"time"
)

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Addr           string   `json:"addr" yaml:"addr"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// StorageConfig selects the context/checkpoint store
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "duckdb", "postgres" or "memory"
	DSN    string `json:"dsn" yaml:"dsn"`       // file path for duckdb, URL for postgres
}

// ProviderConfig holds configuration for all AI providers
type ProviderConfig struct {
	LLM LLMProviderConfig `json:"llm" yaml:"llm"`
}

// LLMProviderConfig configures the LLM provider
type LLMProviderConfig struct {
	Mode             string        `json:"mode" yaml:"mode"`                           // "local", "remote" or "deterministic"
	LocalURL         string        `json:"local_url" yaml:"local_url"`                 // "http://localhost:11434"
	RemoteURL        string        `json:"remote_url" yaml:"remote_url"`               // "https://api.openai.com/v1"
	APIKey           string        `json:"api_key" yaml:"api_key"`                     // never logged
	DefaultModel     string        `json:"default_model" yaml:"default_model"`         // "gpt-4o" or "llama3.1"
	CompressionModel string        `json:"compression_model" yaml:"compression_model"` // cheaper model for summaries
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	MaxAttempts      int           `json:"max_attempts" yaml:"max_attempts"`
}

// QualityPolicy holds the quality gate thresholds
type QualityPolicy struct {
	AcceptThreshold        float64 `json:"accept_threshold" yaml:"accept_threshold"`
	RetryThresholdStep     float64 `json:"retry_threshold_step" yaml:"retry_threshold_step"`
	RetryThresholdFloor    float64 `json:"retry_threshold_floor" yaml:"retry_threshold_floor"`
	NearCeilingFloor       float64 `json:"near_ceiling_floor" yaml:"near_ceiling_floor"`
	AcceptOnEvaluatorError bool    `json:"accept_on_evaluator_error" yaml:"accept_on_evaluator_error"`
	FallbackScore          float64 `json:"fallback_score" yaml:"fallback_score"`
}

// WorkflowConfig configures the state machine
type WorkflowConfig struct {
	MaxRetries  int           `json:"max_retries" yaml:"max_retries"`
	NodeTimeout time.Duration `json:"node_timeout" yaml:"node_timeout"`
	Quality     QualityPolicy `json:"quality" yaml:"quality"`
}

// CompressionConfig configures context compression
type CompressionConfig struct {
	TurnThreshold       int `json:"turn_threshold" yaml:"turn_threshold"`
	TokenThreshold      int `json:"token_threshold" yaml:"token_threshold"`
	KeepRecentTurns     int `json:"keep_recent_turns" yaml:"keep_recent_turns"`
	MaxCompressedTokens int `json:"max_compressed_tokens" yaml:"max_compressed_tokens"`
}

// BatchConfig bounds batch processing
type BatchConfig struct {
	MaxItems       int   `json:"max_items" yaml:"max_items"`
	MaxConcurrency int64 `json:"max_concurrency" yaml:"max_concurrency"`
}

// TrackerConfig configures comment delivery to the issue tracker
type TrackerConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	Email    string `json:"email" yaml:"email"`
	APIToken string `json:"api_token" yaml:"api_token"`
}

// RetentionConfig configures periodic maintenance
type RetentionConfig struct {
	DaysToKeep int           `json:"days_to_keep" yaml:"days_to_keep"`
	Interval   time.Duration `json:"interval" yaml:"interval"` // 0 disables the ticker
}

// AppConfig is the main application configuration
type AppConfig struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	Server      ServerConfig      `json:"server" yaml:"server"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Providers   ProviderConfig    `json:"providers" yaml:"providers"`
	Workflow    WorkflowConfig    `json:"workflow" yaml:"workflow"`
	Compression CompressionConfig `json:"compression" yaml:"compression"`
	Batch       BatchConfig       `json:"batch" yaml:"batch"`
	Tracker     TrackerConfig     `json:"tracker" yaml:"tracker"`
	Retention   RetentionConfig   `json:"retention" yaml:"retention"`
}

// DefaultQualityPolicy returns the stock quality gate.
func DefaultQualityPolicy() QualityPolicy {
	return QualityPolicy{
		AcceptThreshold:        75,
		RetryThresholdStep:     5,
		RetryThresholdFloor:    65,
		NearCeilingFloor:       60,
		AcceptOnEvaluatorError: true,
		FallbackScore:          50,
	}
}

// DefaultCompressionConfig returns the stock compression thresholds.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		TurnThreshold:       5,
		TokenThreshold:      10000,
		KeepRecentTurns:     3,
		MaxCompressedTokens: 3000,
	}
}

// DefaultConfig returns safe defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Driver: "duckdb",
			DSN:    "ticketflow.db",
		},
		Providers: ProviderConfig{
			LLM: LLMProviderConfig{
				Mode:             "local",
				LocalURL:         "http://localhost:11434",
				DefaultModel:     "llama3.1",
				CompressionModel: "llama3.1",
				Timeout:          60 * time.Second,
				MaxAttempts:      3,
			},
		},
		Workflow: WorkflowConfig{
			MaxRetries:  3,
			NodeTimeout: 60 * time.Second,
			Quality:     DefaultQualityPolicy(),
		},
		Compression: DefaultCompressionConfig(),
		Batch: BatchConfig{
			MaxItems:       10,
			MaxConcurrency: 10,
		},
		Retention: RetentionConfig{
			DaysToKeep: 90,
			Interval:   24 * time.Hour,
		},
	}
}

// Validate rejects configurations the services cannot run with.
func (c *AppConfig) Validate() error {
	switch c.Storage.Driver {
	case "duckdb", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("storage dsn is required for driver %s", c.Storage.Driver)
	}
	if c.Workflow.MaxRetries < 0 {
		return fmt.Errorf("workflow max_retries must be >= 0, got %d", c.Workflow.MaxRetries)
	}
	if c.Workflow.NodeTimeout <= 0 {
		return fmt.Errorf("workflow node_timeout must be positive")
	}
	q := c.Workflow.Quality
	if q.RetryThresholdFloor > q.AcceptThreshold {
		return fmt.Errorf("quality retry_threshold_floor (%.0f) exceeds accept_threshold (%.0f)", q.RetryThresholdFloor, q.AcceptThreshold)
	}
	if c.Compression.KeepRecentTurns < 0 {
		return fmt.Errorf("compression keep_recent_turns must be >= 0")
	}
	if c.Batch.MaxItems <= 0 || c.Batch.MaxConcurrency <= 0 {
		return fmt.Errorf("batch max_items and max_concurrency must be positive")
	}
	if c.Tracker.Enabled && c.Tracker.BaseURL == "" {
		return fmt.Errorf("tracker base_url is required when tracker is enabled")
	}
	return nil
}
