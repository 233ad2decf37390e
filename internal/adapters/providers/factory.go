package providers

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/manthysbr/ticketflow/internal/adapters/llm"
	"github.com/manthysbr/ticketflow/internal/agents"
	"github.com/manthysbr/ticketflow/internal/core/domain"
	"github.com/manthysbr/ticketflow/internal/core/ports"
)

// Mode names
const (
	ModeLocal         = "local"
	ModeRemote        = "remote"
	ModeDeterministic = "deterministic"
)

// Agents is the collaborator set handed to the workflow engine
type Agents struct {
	Mode       string
	Classifier ports.Classifier
	Handlers   ports.Handlers
	Evaluator  ports.Evaluator
	Summarizer ports.Summarizer
}

// Build creates the LLM provider and the matching collaborators from app
// configuration. It hides local/remote/deterministic selection from callers;
// the provider is nil in deterministic mode.
func Build(logger *slog.Logger, config *domain.AppConfig) (domain.LLMProvider, Agents, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}

	mode := strings.ToLower(strings.TrimSpace(config.Providers.LLM.Mode))
	if mode == ModeDeterministic {
		return nil, deterministicAgents(config), nil
	}

	provider, err := buildLLMProvider(config)
	if err != nil {
		return nil, Agents{}, err
	}

	cfg := config.Providers.LLM
	compressionModel := cfg.CompressionModel
	if compressionModel == "" {
		compressionModel = cfg.DefaultModel
	}
	return provider, Agents{
		Mode:       provider.Name(),
		Classifier: agents.NewLLMClassifier(logger, provider, cfg.DefaultModel),
		Handlers:   agents.LLMHandlers(provider, cfg.DefaultModel),
		Evaluator:  agents.NewLLMEvaluator(provider, cfg.DefaultModel),
		Summarizer: agents.NewLLMSummarizer(provider, compressionModel, config.Compression.MaxCompressedTokens),
	}, nil
}

func deterministicAgents(config *domain.AppConfig) Agents {
	return Agents{
		Mode:       ModeDeterministic,
		Classifier: agents.NewKeywordClassifier(),
		Handlers:   agents.DeterministicHandlers(),
		Evaluator:  agents.NewHeuristicEvaluator(config.Workflow.Quality.AcceptThreshold),
		Summarizer: agents.NewHeuristicSummarizer(),
	}
}

func buildLLMProvider(config *domain.AppConfig) (domain.LLMProvider, error) {
	cfg := config.Providers.LLM
	retry := llm.DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", ModeLocal:
		baseURL := strings.TrimSpace(os.Getenv("OLLAMA_HOST"))
		if baseURL == "" {
			baseURL = strings.TrimSpace(cfg.LocalURL)
		}
		baseURL = normalizeOllamaBaseURL(baseURL)
		return llm.NewOllamaProvider(baseURL, cfg.DefaultModel, cfg.Timeout, retry), nil
	case ModeRemote:
		if strings.TrimSpace(cfg.RemoteURL) == "" {
			return nil, fmt.Errorf("llm remote_url is required when mode=remote")
		}
		return llm.NewOpenAIProvider(
			strings.TrimSpace(cfg.RemoteURL),
			strings.TrimSpace(cfg.APIKey),
			strings.TrimSpace(cfg.DefaultModel),
			cfg.Timeout,
			retry,
		), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider mode: %s", cfg.Mode)
	}
}

func normalizeOllamaBaseURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return strings.TrimSuffix(trimmed, "/v1")
	}
	return trimmed
}
