package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/manthysbr/ticketflow/internal/core/domain"
)

// Step names recorded in the processing history
const (
	StepClassification    = "classification"
	StepQualityEvaluation = "quality_evaluation"
)

var errMissingRequest = errors.New("original request must carry a non-empty summary and comment")

type outcome struct {
	update domain.StateUpdate
	output map[string]any
	err    error
}

// runBoundary executes fn and normalizes every failure mode into the
// failure shape: one failed step plus HasError. A deadline on ctx resolves
// the call even if fn ignores cancellation.
func runBoundary(ctx context.Context, stepName, agentName string, state domain.WorkflowState, input map[string]any, fn func(context.Context) (domain.StateUpdate, map[string]any, error)) domain.StateUpdate {
	start := time.Now()
	step := domain.ProcessingStep{
		StepName:  stepName,
		AgentName: agentName,
		Timestamp: start.UTC(),
		Input:     input,
	}

	fail := func(err error) domain.StateUpdate {
		step.DurationMs = time.Since(start).Milliseconds()
		return domain.Failed(step, err)
	}

	req := state.OriginalRequest
	if strings.TrimSpace(req.Summary) == "" || strings.TrimSpace(req.Comment) == "" {
		return fail(errMissingRequest)
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%s panicked: %v", agentName, r)}
			}
		}()
		u, out, err := fn(ctx)
		done <- outcome{update: u, output: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return fail(fmt.Errorf("%s timed out: %w", stepName, ctx.Err()))
	case o := <-done:
		if o.err != nil {
			return fail(o.err)
		}
		step.Success = true
		step.Output = o.output
		step.DurationMs = time.Since(start).Milliseconds()
		o.update.History = []domain.ProcessingStep{step}
		return o.update
	}
}

func requestInput(state domain.WorkflowState) map[string]any {
	return map[string]any{
		"summary":     state.OriginalRequest.Summary,
		"issue_type":  state.OriginalRequest.IssueType,
		"retry_count": state.RetryCount,
	}
}

// ClassifierFunc adapts a plain function to the Classifier port.
type ClassifierFunc func(ctx context.Context, state domain.WorkflowState) (domain.Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, state domain.WorkflowState) domain.StateUpdate {
	return classify(ctx, "classifier", state, f)
}

func classify(ctx context.Context, agentName string, state domain.WorkflowState, fn ClassifierFunc) domain.StateUpdate {
	return runBoundary(ctx, StepClassification, agentName, state, requestInput(state), func(ctx context.Context) (domain.StateUpdate, map[string]any, error) {
		c, err := fn(ctx, state)
		if err != nil {
			return domain.StateUpdate{}, nil, err
		}
		cat, err := domain.ParseCategory(string(c.Category))
		if err != nil {
			return domain.StateUpdate{}, nil, fmt.Errorf("invalid classification: %w", err)
		}
		c.Category = cat
		if c.Confidence < 0 || c.Confidence > 1 {
			return domain.StateUpdate{}, nil, fmt.Errorf("invalid classification confidence %.2f", c.Confidence)
		}
		if c.KeyIndicators == nil {
			c.KeyIndicators = []string{}
		}

		out := map[string]any{
			"category":   string(c.Category),
			"confidence": c.Confidence,
		}
		return domain.StateUpdate{
			Classification: &c,
			NextAction:     routeToken(c.Category),
		}, out, nil
	})
}

func routeToken(c domain.Category) string {
	switch c {
	case domain.CategorySimple:
		return domain.ActionRouteLogin
	case domain.CategoryComplex:
		return domain.ActionRouteComplex
	default:
		return domain.ActionRouteGeneral
	}
}

// Draft is a handler result
type Draft struct {
	Response   string
	Confidence float64
}

// HandlerFunc adapts a plain function to the Handler port for one handler kind.
type HandlerFunc struct {
	Kind HandlerKind
	Fn   func(ctx context.Context, state domain.WorkflowState) (Draft, error)
}

func (h HandlerFunc) Handle(ctx context.Context, state domain.WorkflowState) domain.StateUpdate {
	return handle(ctx, h.Kind, h.Kind.StepName(), state, h.Fn)
}

func handle(ctx context.Context, kind HandlerKind, agentName string, state domain.WorkflowState, fn func(context.Context, domain.WorkflowState) (Draft, error)) domain.StateUpdate {
	input := requestInput(state)
	if state.QualityAssessment != nil {
		input["previous_score"] = state.QualityAssessment.Score
	}
	return runBoundary(ctx, kind.StepName(), agentName, state, input, func(ctx context.Context) (domain.StateUpdate, map[string]any, error) {
		d, err := fn(ctx, state)
		if err != nil {
			return domain.StateUpdate{}, nil, err
		}
		resp := strings.TrimSpace(d.Response)
		if resp == "" {
			return domain.StateUpdate{}, nil, fmt.Errorf("%s returned an empty response", kind.StepName())
		}

		out := map[string]any{
			"response_length": len(resp),
			"confidence":      d.Confidence,
		}
		return domain.StateUpdate{
			CurrentResponse: &resp,
			NextAction:      domain.ActionEvaluate,
			Metadata: map[string]any{
				"response_agent":      agentName,
				"response_confidence": d.Confidence,
			},
		}, out, nil
	})
}

// EvaluatorFunc adapts a plain function to the Evaluator port.
type EvaluatorFunc func(ctx context.Context, state domain.WorkflowState) (domain.QualityAssessment, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, state domain.WorkflowState) domain.StateUpdate {
	return evaluate(ctx, "quality_evaluator", state, f)
}

func evaluate(ctx context.Context, agentName string, state domain.WorkflowState, fn EvaluatorFunc) domain.StateUpdate {
	return runBoundary(ctx, StepQualityEvaluation, agentName, state, requestInput(state), func(ctx context.Context) (domain.StateUpdate, map[string]any, error) {
		if strings.TrimSpace(state.CurrentResponse) == "" {
			return domain.StateUpdate{}, nil, errors.New("no response to evaluate")
		}
		a, err := fn(ctx, state)
		if err != nil {
			return domain.StateUpdate{}, nil, err
		}
		a = a.Clamped()
		if a.ImprovementSuggestions == nil {
			a.ImprovementSuggestions = []string{}
		}

		next := domain.ActionFinalize
		if a.RequiresImprovement {
			next = domain.ActionImproveResponse
		}
		out := map[string]any{
			"score":                a.Score,
			"requires_improvement": a.RequiresImprovement,
		}
		return domain.StateUpdate{
			QualityAssessment: &a,
			NextAction:        next,
		}, out, nil
	})
}
