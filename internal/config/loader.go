package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/manthysbr/ticketflow/internal/core/domain"
)

// DefaultConfigFile is looked up in the working directory when no path is given
const DefaultConfigFile = "ticketflow.yaml"

// Loader builds the application configuration with layered precedence
type Loader struct {
	logger *slog.Logger
	getenv func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, getenv: os.Getenv}
}

// Load applies, in order:
// 1. DefaultConfig
// 2. the YAML file at path (or ./ticketflow.yaml when path is empty and it exists)
// 3. environment variables
// and validates the result.
func (l *Loader) Load(path string) (*domain.AppConfig, error) {
	cfg := domain.DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	if err := LoadFile(path, cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		l.logger.Debug("no config file found, using defaults", "path", path)
	} else {
		l.logger.Debug("loaded config file", "path", path)
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile decodes a YAML file over cfg. Keys absent from the file keep their current values.
func LoadFile(path string, cfg *domain.AppConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (l *Loader) applyEnv(cfg *domain.AppConfig) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(l.getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v := strings.TrimSpace(l.getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	setString("TICKETFLOW_ADDR", &cfg.Server.Addr)
	setString("TICKETFLOW_LOG_LEVEL", &cfg.LogLevel)

	if dsn := strings.TrimSpace(l.getenv("DATABASE_URL")); dsn != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = dsn
	}
	setString("TICKETFLOW_DB_DRIVER", &cfg.Storage.Driver)
	setString("TICKETFLOW_DB_DSN", &cfg.Storage.DSN)

	if key := strings.TrimSpace(l.getenv("OPENAI_API_KEY")); key != "" {
		cfg.Providers.LLM.APIKey = key
		if cfg.Providers.LLM.RemoteURL == "" {
			cfg.Providers.LLM.RemoteURL = "https://api.openai.com/v1"
		}
		if strings.TrimSpace(l.getenv("TICKETFLOW_LLM_MODE")) == "" && cfg.Providers.LLM.Mode == "local" {
			cfg.Providers.LLM.Mode = "remote"
		}
	}
	setString("OPENAI_BASE_URL", &cfg.Providers.LLM.RemoteURL)
	setString("TICKETFLOW_LLM_MODE", &cfg.Providers.LLM.Mode)
	setString("TICKETFLOW_LLM_MODEL", &cfg.Providers.LLM.DefaultModel)

	for key, dst := range map[string]*int{
		"CONTEXT_COMPRESSION_TURN_THRESHOLD":  &cfg.Compression.TurnThreshold,
		"CONTEXT_COMPRESSION_TOKEN_THRESHOLD": &cfg.Compression.TokenThreshold,
		"CONTEXT_KEEP_RECENT_TURNS":           &cfg.Compression.KeepRecentTurns,
		"WORKFLOW_MAX_RETRIES":                &cfg.Workflow.MaxRetries,
	} {
		if err := setInt(key, dst); err != nil {
			return err
		}
	}

	setString("JIRA_BASE_URL", &cfg.Tracker.BaseURL)
	setString("JIRA_EMAIL", &cfg.Tracker.Email)
	setString("JIRA_API_TOKEN", &cfg.Tracker.APIToken)
	if cfg.Tracker.BaseURL != "" && cfg.Tracker.APIToken != "" {
		cfg.Tracker.Enabled = true
	}
	return nil
}

// ParseLevel maps a level name to slog.Level; unknown names fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
