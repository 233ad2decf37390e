package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/manthysbr/ticketflow/internal/core/domain"
	"github.com/manthysbr/ticketflow/internal/core/ports"
)

// OrchestratorConfig defines run and batch limits
type OrchestratorConfig struct {
	Version    string
	Mode       string // collaborator family, reported by Info
	MaxRetries int
	Batch      domain.BatchConfig
}

// ProcessOptions tunes a single run
type ProcessOptions struct {
	SendComment bool
}

// BatchOptions tunes a batch run
type BatchOptions struct {
	Parallel    bool
	SendComment bool
}

// BatchItemResult is the outcome of one batch item
type BatchItemResult struct {
	Index     int    `json:"index"`
	ProjectID string `json:"project_id"`
	domain.ProcessResult
}

// BatchSummary counts batch outcomes
type BatchSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// BatchResult is the outcome of ProcessBatch
type BatchResult struct {
	Summary BatchSummary      `json:"summary"`
	Results []BatchItemResult `json:"results"`
}

// Info describes the running pipeline
type Info struct {
	Name        string                   `json:"name"`
	Version     string                   `json:"version"`
	Mode        string                   `json:"mode"`
	MaxRetries  int                      `json:"max_retries"`
	Nodes       []string                 `json:"nodes"`
	Quality     domain.QualityPolicy     `json:"quality"`
	Compression domain.CompressionConfig `json:"compression"`
	BatchLimit  int                      `json:"batch_limit"`
}

// Orchestrator is the entry point of the pipeline: it validates requests,
// prepares initial state and converts every outcome into a ProcessResult.
type Orchestrator struct {
	logger      *slog.Logger
	engine      *WorkflowEngine
	retriever   *ContextRetriever
	checkpoints ports.CheckpointStore
	contexts    ports.ContextStore
	compression domain.CompressionConfig
	cfg         OrchestratorConfig
}

func NewOrchestrator(logger *slog.Logger, engine *WorkflowEngine, retriever *ContextRetriever, checkpoints ports.CheckpointStore, contexts ports.ContextStore, compression domain.CompressionConfig, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Batch.MaxItems <= 0 {
		cfg.Batch.MaxItems = 10
	}
	if cfg.Batch.MaxConcurrency <= 0 {
		cfg.Batch.MaxConcurrency = 10
	}
	return &Orchestrator{
		logger:      logger,
		engine:      engine,
		retriever:   retriever,
		checkpoints: checkpoints,
		contexts:    contexts,
		compression: compression,
		cfg:         cfg,
	}
}

// Process runs one request. The returned error is non-nil only when the
// request fails validation, in which case no workflow is started. Every
// other failure is reported inside the result.
func (o *Orchestrator) Process(ctx context.Context, req domain.IssueRequest, opts ProcessOptions) (result domain.ProcessResult, err error) {
	if err := req.Validate(); err != nil {
		return domain.ProcessResult{Success: false, Error: err.Error()}, err
	}

	start := time.Now()
	workflowID := uuid.New().String()
	logger := o.logger.With("workflow_id", workflowID, "project_id", req.ProjectID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("workflow crashed", "panic", r)
			result = domain.ProcessResult{
				Success:          false,
				WorkflowID:       workflowID,
				ProcessingTimeMs: time.Since(start).Milliseconds(),
				Error:            fmt.Sprintf("unexpected failure: %v", r),
			}
			err = nil
		}
	}()

	threadID := domain.ThreadID(req.ProjectID)
	continuing, cerr := o.checkpoints.HasCheckpoint(ctx, threadID)
	if cerr != nil {
		logger.Warn("checkpoint lookup failed, treating as new conversation", "thread_id", threadID, "error", cerr)
		continuing = false
	}

	history := o.retriever.BuildContextForState(ctx, req.ProjectID)
	state := domain.NewWorkflowState(workflowID, req, o.cfg.MaxRetries, history)
	state.Metadata["continuing_conversation"] = continuing
	state.Metadata[MetaSendComment] = opts.SendComment

	logger.Info("processing request", "continuing", continuing, "has_history", history.HasHistory)

	final := o.engine.Invoke(ctx, state, threadID)

	return domain.ProcessResult{
		Success:          !final.HasError && final.FinalOutput != nil,
		WorkflowID:       workflowID,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Result:           final,
		Error:            final.ErrorMessage,
	}, nil
}

// Resume continues the latest checkpoint of a project. A checkpoint that
// already finished is reported as-is. ErrCheckpointNotFound is returned when
// the project has never run.
func (o *Orchestrator) Resume(ctx context.Context, projectID string) (domain.ProcessResult, error) {
	if projectID == "" {
		return domain.ProcessResult{}, fmt.Errorf("%w: project id is required", domain.ErrInvalidRequest)
	}
	start := time.Now()
	final, err := o.engine.Resume(ctx, domain.ThreadID(projectID))
	if err != nil {
		return domain.ProcessResult{Success: false, Error: err.Error()}, err
	}
	o.logger.Info("workflow resumed", "workflow_id", final.WorkflowID, "project_id", projectID, "phase", final.Phase)
	return domain.ProcessResult{
		Success:          !final.HasError && final.FinalOutput != nil,
		WorkflowID:       final.WorkflowID,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Result:           final,
		Error:            final.ErrorMessage,
	}, nil
}

// ProcessBatch runs independent requests either in parallel (bounded by
// MaxConcurrency) or one after another. Item failures never abort siblings.
func (o *Orchestrator) ProcessBatch(ctx context.Context, reqs []domain.IssueRequest, opts BatchOptions) (BatchResult, error) {
	if len(reqs) == 0 {
		return BatchResult{}, fmt.Errorf("%w: batch is empty", domain.ErrInvalidRequest)
	}
	if len(reqs) > o.cfg.Batch.MaxItems {
		return BatchResult{}, fmt.Errorf("%w: %d items, at most %d allowed", domain.ErrBatchTooLarge, len(reqs), o.cfg.Batch.MaxItems)
	}

	results := make([]BatchItemResult, len(reqs))
	runItem := func(ctx context.Context, i int) {
		res, _ := o.Process(ctx, reqs[i], ProcessOptions{SendComment: opts.SendComment})
		results[i] = BatchItemResult{Index: i, ProjectID: reqs[i].ProjectID, ProcessResult: res}
	}

	if opts.Parallel {
		sem := semaphore.NewWeighted(o.cfg.Batch.MaxConcurrency)
		var wg sync.WaitGroup
		for i := range reqs {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = BatchItemResult{Index: i, ProjectID: reqs[i].ProjectID, ProcessResult: domain.ProcessResult{Error: err.Error()}}
				continue
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer sem.Release(1)
				runItem(ctx, i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range reqs {
			runItem(ctx, i)
		}
	}

	summary := BatchSummary{Total: len(results)}
	for _, r := range results {
		if r.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}
	o.logger.Info("batch processed", "total", summary.Total, "successful", summary.Successful, "failed", summary.Failed, "parallel", opts.Parallel)

	return BatchResult{Summary: summary, Results: results}, nil
}

// Health checks that the context store is reachable.
func (o *Orchestrator) Health(ctx context.Context) error {
	if err := o.contexts.Ping(ctx); err != nil {
		return fmt.Errorf("context store unavailable: %w", err)
	}
	return nil
}

// Info reports the pipeline configuration.
func (o *Orchestrator) Info() Info {
	return Info{
		Name:       "ticketflow",
		Version:    o.cfg.Version,
		Mode:       o.cfg.Mode,
		MaxRetries: o.cfg.MaxRetries,
		Nodes: []string{
			"classification",
			"login_handler",
			"complex_handler",
			"general_handler",
			"quality_evaluation",
			stepFinalize,
			stepPersist,
		},
		Quality:     o.engine.deps.Gate.Policy(),
		Compression: o.compression,
		BatchLimit:  o.cfg.Batch.MaxItems,
	}
}
