package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manthysbr/ticketflow/internal/core/domain"
	"github.com/manthysbr/ticketflow/internal/core/ports"
	"github.com/manthysbr/ticketflow/internal/metrics"
)

const (
	engineAgent          = "workflow_engine"
	stepFinalize         = "finalize_response"
	stepPersist          = "persist_interaction"
	stepSendComment      = "send_comment"
	stepContractViolated = "contract_check"

	// MetaSendComment enables tracker delivery for a run
	MetaSendComment = "send_comment"
)

// EngineDeps groups the collaborators of the workflow engine.
// Retriever, Sink and EventBus are optional.
type EngineDeps struct {
	Classifier  ports.Classifier
	Handlers    ports.Handlers
	Evaluator   ports.Evaluator
	Gate        *QualityGate
	Checkpoints ports.CheckpointStore
	Contexts    ports.ContextStore
	Retriever   *ContextRetriever
	Sink        ports.CommentSink
	EventBus    *EventBus
	NodeTimeout time.Duration
}

// WorkflowEngine drives a WorkflowState through the triage state machine,
// checkpointing after every node.
type WorkflowEngine struct {
	logger *slog.Logger
	deps   EngineDeps
}

func NewWorkflowEngine(logger *slog.Logger, deps EngineDeps) *WorkflowEngine {
	if deps.NodeTimeout <= 0 {
		deps.NodeTimeout = 60 * time.Second
	}
	if deps.Gate == nil {
		deps.Gate = NewQualityGate(domain.DefaultQualityPolicy())
	}
	return &WorkflowEngine{logger: logger, deps: deps}
}

// Invoke runs a fresh state to a terminal phase on the given thread. The
// thread is seeded with a checkpoint before the first node so first and
// continuing conversations share one path.
func (e *WorkflowEngine) Invoke(ctx context.Context, state *domain.WorkflowState, threadID string) *domain.WorkflowState {
	state.ThreadID = threadID
	if state.Phase == "" {
		state.Phase = domain.PhaseClassifying
	}
	if state.Metadata == nil {
		state.Metadata = map[string]any{}
	}

	prev, err := e.deps.Checkpoints.LatestCheckpoint(ctx, threadID)
	switch {
	case err == nil && prev.WorkflowID != state.WorkflowID:
		state.Metadata["previous_workflow_id"] = prev.WorkflowID
	case err != nil && !errors.Is(err, domain.ErrCheckpointNotFound):
		e.logger.Warn("failed to read previous checkpoint", "thread_id", threadID, "error", err)
	}

	e.checkpoint(ctx, state, "start", 0)
	e.deps.EventBus.emit(state.ProjectID, state.WorkflowID, EventWorkflowStarted, map[string]any{
		"workflow_id": state.WorkflowID,
		"thread_id":   threadID,
		"max_retries": state.MaxRetries,
	})

	return e.run(ctx, state, 1)
}

// Resume continues the latest snapshot of a thread. Terminal snapshots are
// returned unchanged.
func (e *WorkflowEngine) Resume(ctx context.Context, threadID string) (*domain.WorkflowState, error) {
	cp, err := e.deps.Checkpoints.LatestCheckpoint(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	state := cp.State
	if state.ProjectID == "" {
		state.ProjectID, _ = domain.ProjectIDFromThread(threadID)
	}
	if state.Phase.Terminal() {
		return &state, nil
	}
	e.logger.Info("resuming workflow", "workflow_id", state.WorkflowID, "thread_id", threadID, "phase", state.Phase)
	return e.run(ctx, &state, cp.Step+1), nil
}

func (e *WorkflowEngine) run(ctx context.Context, state *domain.WorkflowState, step int) *domain.WorkflowState {
	maxVisits := 2*(state.MaxRetries+1) + 4

	for visits := 0; !state.Phase.Terminal(); visits++ {
		if visits >= maxVisits {
			domain.Merge(state, domain.Failed(e.engineStep(stepContractViolated), fmt.Errorf("state machine exceeded %d node visits", maxVisits)))
			state.Phase = domain.PhaseError
			break
		}

		phase := state.Phase
		node := nodeName(phase)
		before := len(state.ProcessingHistory)

		update := e.visit(ctx, state, phase)
		if len(update.History) == 0 {
			s := e.engineStep(node)
			s.Success = !update.HasError
			s.Error = update.ErrorMessage
			update.History = []domain.ProcessingStep{s}
		}
		domain.Merge(state, update)

		state.Phase = e.route(phase, state)
		metrics.RecordNodeVisit(node, !update.HasError)

		e.logger.Debug("node completed",
			"workflow_id", state.WorkflowID,
			"node", node,
			"next_phase", state.Phase,
			"retry_count", state.RetryCount,
			"history", len(state.ProcessingHistory)-before,
		)

		e.checkpoint(ctx, state, node, step)
		step++

		e.deps.EventBus.emit(state.ProjectID, state.WorkflowID, EventNodeCompleted, map[string]any{
			"workflow_id": state.WorkflowID,
			"node":        node,
			"next_phase":  state.Phase,
			"success":     !update.HasError,
			"retry_count": state.RetryCount,
		})
	}

	e.finish(state)
	return state
}

func (e *WorkflowEngine) finish(state *domain.WorkflowState) {
	now := time.Now().UTC()
	state.CompletedAt = &now
	duration := now.Sub(state.StartedAt)

	if state.Phase == domain.PhaseError {
		metrics.RecordWorkflowRun("error", duration)
		e.logger.Warn("workflow failed", "workflow_id", state.WorkflowID, "project_id", state.ProjectID, "error", state.ErrorMessage)
		e.deps.EventBus.emit(state.ProjectID, state.WorkflowID, EventWorkflowFailed, map[string]any{
			"workflow_id": state.WorkflowID,
			"error":       state.ErrorMessage,
		})
		return
	}

	metrics.RecordWorkflowRun("success", duration)
	e.logger.Info("workflow completed",
		"workflow_id", state.WorkflowID,
		"project_id", state.ProjectID,
		"retry_count", state.RetryCount,
		"score", state.QualityScore(),
	)
	e.deps.EventBus.emit(state.ProjectID, state.WorkflowID, EventWorkflowCompleted, map[string]any{
		"workflow_id": state.WorkflowID,
		"retry_count": state.RetryCount,
		"score":       state.QualityScore(),
	})
}

func (e *WorkflowEngine) visit(ctx context.Context, state *domain.WorkflowState, phase domain.Phase) domain.StateUpdate {
	switch phase {
	case domain.PhaseClassifying:
		u := e.guard(ctx, "classification", state, e.deps.Classifier.Classify)
		if !u.HasError && u.Classification == nil {
			return domain.Failed(e.engineStep("classification"), errors.New("classifier returned no classification"))
		}
		return u

	case domain.PhaseLoginHandling, domain.PhaseComplexHandling, domain.PhaseGeneralHandling:
		h := e.handlerFor(phase)
		if h == nil {
			return domain.Failed(e.engineStep(nodeName(phase)), fmt.Errorf("no handler configured for %s", phase))
		}
		u := e.guard(ctx, nodeName(phase), state, h.Handle)
		if !u.HasError && (u.CurrentResponse == nil || strings.TrimSpace(*u.CurrentResponse) == "") {
			return domain.Failed(e.engineStep(nodeName(phase)), errors.New("handler returned an empty response"))
		}
		return u

	case domain.PhaseEvaluating:
		return e.evaluate(ctx, state)

	case domain.PhaseFinalizing:
		return e.finalize(state)

	case domain.PhasePersisting:
		return e.persist(ctx, state)
	}

	return domain.Failed(e.engineStep(string(phase)), fmt.Errorf("unknown phase %q", phase))
}

// evaluate runs the evaluator and applies the quality gate.
func (e *WorkflowEngine) evaluate(ctx context.Context, state *domain.WorkflowState) domain.StateUpdate {
	u := e.guard(ctx, "quality_evaluation", state, e.deps.Evaluator.Evaluate)

	if u.HasError || u.QualityAssessment == nil {
		cause := u.ErrorMessage
		if cause == "" {
			cause = "evaluator returned no assessment"
		}
		dec, ok := e.deps.Gate.Fallback(cause)
		if !ok {
			if !u.HasError {
				return domain.Failed(e.engineStep("quality_evaluation"), errors.New(cause))
			}
			return u
		}
		e.logger.Warn("quality evaluation failed, accepting current response",
			"workflow_id", state.WorkflowID,
			"fallback_score", dec.Assessment.Score,
			"error", cause,
		)
		a := dec.Assessment
		history := u.History
		if len(history) == 0 {
			s := e.engineStep("quality_evaluation")
			s.Error = cause
			history = []domain.ProcessingStep{s}
		}
		return domain.StateUpdate{
			QualityAssessment: &a,
			History:           history,
			NextAction:        domain.ActionFinalize,
			Metadata: map[string]any{
				"quality_fallback": true,
				"quality_gate":     string(dec.Reason),
			},
		}
	}

	dec := e.deps.Gate.Decide(*u.QualityAssessment, state.RetryCount, state.MaxRetries)
	a := dec.Assessment
	u.QualityAssessment = &a
	metrics.RecordQualityScore(a.Score)

	if u.Metadata == nil {
		u.Metadata = map[string]any{}
	}
	u.Metadata["quality_gate"] = string(dec.Reason)
	u.Metadata["quality_threshold"] = dec.Threshold
	u.Metadata["quality_summary"] = QualitySummary(a.Score)

	if n := len(u.History); n > 0 {
		out := maps.Clone(u.History[n-1].Output)
		if out == nil {
			out = map[string]any{}
		}
		out["gate"] = string(dec.Reason)
		out["threshold"] = dec.Threshold
		u.History[n-1].Output = out
	}

	if dec.Accept {
		u.NextAction = domain.ActionFinalize
		return u
	}

	rc := state.RetryCount + 1
	u.RetryCount = &rc
	u.NextAction = domain.ActionImproveResponse
	metrics.RecordQualityRetry()
	e.logger.Info("response sent back for improvement",
		"workflow_id", state.WorkflowID,
		"score", a.Score,
		"threshold", dec.Threshold,
		"retry_count", rc,
	)
	return u
}

func (e *WorkflowEngine) finalize(state *domain.WorkflowState) domain.StateUpdate {
	step := e.engineStep(stepFinalize)
	if strings.TrimSpace(state.CurrentResponse) == "" {
		return domain.Failed(step, errors.New("no response to finalize"))
	}

	out := domain.FinalOutput{
		IssueKey:        state.OriginalRequest.ProjectID,
		ResponseContent: state.CurrentResponse,
	}
	step.Success = true
	step.Output = map[string]any{
		"issue_key":       out.IssueKey,
		"response_length": len(out.ResponseContent),
		"quality_score":   state.QualityScore(),
		"retry_count":     state.RetryCount,
	}
	return domain.StateUpdate{
		FinalOutput: &out,
		NextAction:  domain.ActionPersist,
		History:     []domain.ProcessingStep{step},
	}
}

// persist stores the interaction and delivers the comment. Failures are
// recorded in history but never set HasError.
func (e *WorkflowEngine) persist(ctx context.Context, state *domain.WorkflowState) domain.StateUpdate {
	var steps []domain.ProcessingStep

	step := e.engineStep(stepPersist)
	if e.deps.Contexts == nil {
		step.Success = true
		step.Output = map[string]any{"skipped": "no context store"}
		steps = append(steps, step)
	} else {
		err := e.withTimeout(ctx, func(ctx context.Context) error {
			return e.deps.Contexts.AppendInteraction(ctx, e.interaction(state))
		})
		step.Success = err == nil
		step.Output = map[string]any{}
		if err != nil {
			step.Error = err.Error()
			e.logger.Error("failed to persist interaction", "workflow_id", state.WorkflowID, "project_id", state.ProjectID, "error", err)
		} else if e.deps.Retriever != nil {
			var res *CompressionResult
			cerr := e.withTimeout(ctx, func(ctx context.Context) error {
				var err error
				res, err = e.deps.Retriever.TriggerCompressionIfNeeded(ctx, state.ProjectID)
				return err
			})
			switch {
			case cerr != nil:
				step.Output["compression_error"] = cerr.Error()
				e.logger.Warn("context compression failed", "project_id", state.ProjectID, "error", cerr)
			case res != nil:
				step.Output["compression_mode"] = string(res.Mode)
				step.Output["compressed_turns"] = res.CompressedCount
			}
		}
		step.DurationMs = time.Since(step.Timestamp).Milliseconds()
		steps = append(steps, step)
	}

	if send, _ := state.Metadata[MetaSendComment].(bool); send && state.FinalOutput != nil {
		s := e.engineStep(stepSendComment)
		if e.deps.Sink == nil {
			s.Error = "no tracker configured"
		} else {
			err := e.withTimeout(ctx, func(ctx context.Context) error {
				return e.deps.Sink.PostComment(ctx, state.FinalOutput.IssueKey, state.FinalOutput.ResponseContent)
			})
			s.Success = err == nil
			if err != nil {
				s.Error = err.Error()
				e.logger.Error("failed to send comment", "workflow_id", state.WorkflowID, "issue_key", state.FinalOutput.IssueKey, "error", err)
			}
		}
		s.DurationMs = time.Since(s.Timestamp).Milliseconds()
		steps = append(steps, s)
	}

	return domain.StateUpdate{
		History:    steps,
		NextAction: domain.ActionEnd,
	}
}

func (e *WorkflowEngine) interaction(state *domain.WorkflowState) domain.Interaction {
	in := domain.Interaction{
		ProjectID:     state.ProjectID,
		WorkflowID:    state.WorkflowID,
		UserQuestion:  state.OriginalRequest.Question(),
		AgentResponse: state.CurrentResponse,
		Timestamp:     time.Now().UTC(),
	}
	if state.Classification != nil {
		in.Classification = state.Classification.Category
	}
	if state.QualityAssessment != nil {
		score := state.QualityAssessment.Score
		in.QualityScore = &score
	}
	in.Tokens = domain.EstimateTokens(in.UserQuestion) + domain.EstimateTokens(in.AgentResponse)
	return in
}

// route picks the next phase from the phase just executed and the merged state.
func (e *WorkflowEngine) route(phase domain.Phase, state *domain.WorkflowState) domain.Phase {
	if state.HasError {
		return domain.PhaseError
	}

	switch phase {
	case domain.PhaseClassifying:
		if next, ok := domain.HandlingPhaseFor(state.Classification.Category); ok {
			return next
		}
	case domain.PhaseLoginHandling, domain.PhaseComplexHandling, domain.PhaseGeneralHandling:
		return domain.PhaseEvaluating
	case domain.PhaseEvaluating:
		if state.NextAction == domain.ActionImproveResponse {
			next, _ := domain.HandlingPhaseFor(state.Classification.Category)
			return next
		}
		return domain.PhaseFinalizing
	case domain.PhaseFinalizing:
		return domain.PhasePersisting
	case domain.PhasePersisting:
		return domain.PhaseDone
	}

	domain.Merge(state, domain.Failed(e.engineStep("route"), fmt.Errorf("no route from %s", phase)))
	return domain.PhaseError
}

func (e *WorkflowEngine) handlerFor(phase domain.Phase) ports.Handler {
	switch phase {
	case domain.PhaseLoginHandling:
		return e.deps.Handlers.Login
	case domain.PhaseComplexHandling:
		return e.deps.Handlers.Complex
	default:
		return e.deps.Handlers.General
	}
}

// guard bounds a collaborator call by the node timeout and converts
// panics and hangs into the failure shape.
func (e *WorkflowEngine) guard(ctx context.Context, stepName string, state *domain.WorkflowState, fn func(context.Context, domain.WorkflowState) domain.StateUpdate) domain.StateUpdate {
	ctx, cancel := context.WithTimeout(ctx, e.deps.NodeTimeout)
	defer cancel()

	snapshot, err := state.Clone()
	if err != nil {
		e.logger.Warn("state clone failed, passing shallow copy", "workflow_id", state.WorkflowID, "node", stepName, "error", err)
		shallow := *state
		shallow.ProcessingHistory = slices.Clone(state.ProcessingHistory)
		shallow.Metadata = maps.Clone(state.Metadata)
		snapshot = &shallow
	}

	done := make(chan domain.StateUpdate, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- domain.Failed(e.engineStep(stepName), fmt.Errorf("%s panicked: %v", stepName, r))
			}
		}()
		done <- fn(ctx, *snapshot)
	}()

	select {
	case u := <-done:
		return u
	case <-ctx.Done():
		return domain.Failed(e.engineStep(stepName), fmt.Errorf("%s timed out: %w", stepName, ctx.Err()))
	}
}

func (e *WorkflowEngine) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.deps.NodeTimeout)
	defer cancel()
	return fn(ctx)
}

func (e *WorkflowEngine) checkpoint(ctx context.Context, state *domain.WorkflowState, node string, step int) {
	cp := domain.Checkpoint{
		ID:         uuid.New().String(),
		ThreadID:   state.ThreadID,
		WorkflowID: state.WorkflowID,
		Step:       step,
		Node:       node,
		Phase:      state.Phase,
		State:      *state,
		CreatedAt:  time.Now().UTC(),
	}
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		return e.deps.Checkpoints.SaveCheckpoint(ctx, cp)
	})
	if err != nil {
		e.logger.Error("failed to save checkpoint", "workflow_id", state.WorkflowID, "thread_id", state.ThreadID, "node", node, "error", err)
	}
}

func (e *WorkflowEngine) engineStep(name string) domain.ProcessingStep {
	return domain.ProcessingStep{
		StepName:  name,
		AgentName: engineAgent,
		Timestamp: time.Now().UTC(),
	}
}

func nodeName(p domain.Phase) string {
	switch p {
	case domain.PhaseClassifying:
		return "classification"
	case domain.PhaseLoginHandling:
		return "login_handler"
	case domain.PhaseComplexHandling:
		return "complex_handler"
	case domain.PhaseGeneralHandling:
		return "general_handler"
	case domain.PhaseEvaluating:
		return "quality_evaluation"
	case domain.PhaseFinalizing:
		return stepFinalize
	case domain.PhasePersisting:
		return stepPersist
	}
	return strings.ToLower(string(p))
}
