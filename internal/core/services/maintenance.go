package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/ticketflow/internal/core/domain"
	"github.com/manthysbr/ticketflow/internal/core/ports"
)

// MaintenanceOptions selects the maintenance tasks to run
type MaintenanceOptions struct {
	DeleteOldTurns   bool
	CompressContexts bool
	DaysToKeep       int
}

// MaintenanceStats reports what a maintenance run did
type MaintenanceStats struct {
	DeletedTurns       int64         `json:"deleted_turns"`
	CompressedProjects int           `json:"compressed_projects"`
	Errors             []string      `json:"errors"`
	Duration           time.Duration `json:"duration"`
}

// Maintenance purges old turn logs and compresses contexts in bulk
type Maintenance struct {
	logger    *slog.Logger
	store     ports.ContextStore
	retriever *ContextRetriever
	cfg       domain.CompressionConfig
}

func NewMaintenance(logger *slog.Logger, store ports.ContextStore, retriever *ContextRetriever, cfg domain.CompressionConfig) *Maintenance {
	return &Maintenance{logger: logger, store: store, retriever: retriever, cfg: cfg}
}

// Run executes the selected tasks. A failing project is recorded and the
// sweep moves on.
func (m *Maintenance) Run(ctx context.Context, opts MaintenanceOptions) MaintenanceStats {
	start := time.Now()
	stats := MaintenanceStats{Errors: []string{}}

	if opts.DeleteOldTurns {
		days := opts.DaysToKeep
		if days <= 0 {
			days = 90
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		n, err := m.store.DeleteTurnsBefore(ctx, cutoff)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("delete old turns: %v", err))
		}
		stats.DeletedTurns = n
	}

	if opts.CompressContexts {
		projects, err := m.store.ListProjectsNeedingCompression(ctx, m.cfg.TurnThreshold, m.cfg.TokenThreshold)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("list projects: %v", err))
		}
		for _, id := range projects {
			res, err := m.retriever.TriggerCompressionIfNeeded(ctx, id)
			if err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("compress %s: %v", id, err))
				continue
			}
			if res != nil {
				stats.CompressedProjects++
			}
		}
	}

	stats.Duration = time.Since(start)
	m.logger.Info("maintenance completed",
		"deleted_turns", stats.DeletedTurns,
		"compressed_projects", stats.CompressedProjects,
		"errors", len(stats.Errors),
		"duration", stats.Duration,
	)
	return stats
}

// CompressProject forces compression of one project.
func (m *Maintenance) CompressProject(ctx context.Context, projectID string) (*CompressionResult, error) {
	return m.retriever.ForceCompression(ctx, projectID)
}

// RunEvery runs the maintenance sweep on an interval until ctx is done.
func (m *Maintenance) RunEvery(ctx context.Context, interval time.Duration, opts MaintenanceOptions) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Run(ctx, opts)
		}
	}
}
