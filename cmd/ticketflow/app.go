package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/manthysbr/ticketflow/internal/adapters/jira"
	"github.com/manthysbr/ticketflow/internal/adapters/memory"
	"github.com/manthysbr/ticketflow/internal/adapters/providers"
	"github.com/manthysbr/ticketflow/internal/adapters/sqlstore"
	"github.com/manthysbr/ticketflow/internal/agents"
	"github.com/manthysbr/ticketflow/internal/core/domain"
	"github.com/manthysbr/ticketflow/internal/core/ports"
	"github.com/manthysbr/ticketflow/internal/core/services"
	"github.com/manthysbr/ticketflow/pkg/kernel"
)

// app holds the wired services shared by every command
type app struct {
	cfg          *domain.AppConfig
	contexts     ports.ContextStore
	checkpoints  ports.CheckpointStore
	eventBus     *services.EventBus
	retriever    *services.ContextRetriever
	orchestrator *services.Orchestrator
	maintenance  *services.Maintenance
	close        func() error
}

func newApp(ctx context.Context, logger *slog.Logger, cfg *domain.AppConfig) (*app, error) {
	contexts, checkpoints, closeStore, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	_, collaborators, err := providers.Build(logger, cfg)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("failed to build providers: %w", err)
	}
	logger.Info("collaborators ready", "mode", collaborators.Mode)

	eventBus := services.NewEventBus(logger)
	compressor := services.NewContextCompressor(logger, collaborators.Summarizer, agents.FallbackDigest, cfg.Compression.MaxCompressedTokens)
	retriever := services.NewContextRetriever(logger, contexts, compressor, cfg.Compression, eventBus)

	var sink ports.CommentSink
	if cfg.Tracker.Enabled {
		sink = jira.NewClient(cfg.Tracker.BaseURL, cfg.Tracker.Email, cfg.Tracker.APIToken)
	}

	engine := services.NewWorkflowEngine(logger, services.EngineDeps{
		Classifier:  collaborators.Classifier,
		Handlers:    collaborators.Handlers,
		Evaluator:   collaborators.Evaluator,
		Gate:        services.NewQualityGate(cfg.Workflow.Quality),
		Checkpoints: checkpoints,
		Contexts:    contexts,
		Retriever:   retriever,
		Sink:        sink,
		EventBus:    eventBus,
		NodeTimeout: cfg.Workflow.NodeTimeout,
	})

	orchestrator := services.NewOrchestrator(logger, engine, retriever, checkpoints, contexts, cfg.Compression, services.OrchestratorConfig{
		Version:    Version,
		Mode:       collaborators.Mode,
		MaxRetries: cfg.Workflow.MaxRetries,
		Batch:      cfg.Batch,
	})

	return &app{
		cfg:          cfg,
		contexts:     contexts,
		checkpoints:  checkpoints,
		eventBus:     eventBus,
		retriever:    retriever,
		orchestrator: orchestrator,
		maintenance:  services.NewMaintenance(logger, contexts, retriever, cfg.Compression),
		close:        closeStore,
	}, nil
}

func (a *app) server(logger *slog.Logger) (*kernel.Server, error) {
	return kernel.NewServer(logger, kernel.Deps{
		Orchestrator:  a.orchestrator,
		Retriever:     a.retriever,
		Maintenance:   a.maintenance,
		Contexts:      a.contexts,
		Checkpoints:   a.checkpoints,
		EventBus:      a.eventBus,
		SendComments:  a.cfg.Tracker.Enabled,
		RetentionDays: a.cfg.Retention.DaysToKeep,
	})
}

// openStorage returns the context and checkpoint stores for the configured driver.
func openStorage(ctx context.Context, cfg domain.StorageConfig) (ports.ContextStore, ports.CheckpointStore, func() error, error) {
	if cfg.Driver == "memory" {
		store := memory.NewStore()
		return store, store, func() error { return nil }, nil
	}

	repo, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to init repository: %w", err)
	}
	return repo, repo, repo.Close, nil
}
