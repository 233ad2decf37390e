package domain

import (
	"encoding/json"
	"time"
)

// Phase is a state of the triage state machine
type Phase string

const (
	PhaseClassifying     Phase = "CLASSIFYING"
	PhaseLoginHandling   Phase = "LOGIN_HANDLING"
	PhaseComplexHandling Phase = "COMPLEX_HANDLING"
	PhaseGeneralHandling Phase = "GENERAL_HANDLING"
	PhaseEvaluating      Phase = "EVALUATING"
	PhaseFinalizing      Phase = "FINALIZING"
	PhasePersisting      Phase = "PERSISTING"
	PhaseDone            Phase = "DONE"
	PhaseError           Phase = "ERROR"
)

// Terminal reports whether no further node runs from this phase.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

// Handling reports whether the phase runs a response handler.
func (p Phase) Handling() bool {
	return p == PhaseLoginHandling || p == PhaseComplexHandling || p == PhaseGeneralHandling
}

// HandlingPhaseFor maps a category to its handler phase.
func HandlingPhaseFor(c Category) (Phase, bool) {
	switch c {
	case CategorySimple:
		return PhaseLoginHandling, true
	case CategoryComplex:
		return PhaseComplexHandling, true
	case CategoryGeneral:
		return PhaseGeneralHandling, true
	}
	return "", false
}

// Routing tokens written to NextAction
const (
	ActionRouteLogin      = "login_handler"
	ActionRouteComplex    = "complex_handler"
	ActionRouteGeneral    = "general_handler"
	ActionEvaluate        = "quality_evaluation"
	ActionImproveResponse = "improve_response"
	ActionFinalize        = "finalize_response"
	ActionPersist         = "persist_interaction"
	ActionEnd             = "end"
)

// ProcessingStep is one audit record in the processing history
type ProcessingStep struct {
	StepName   string         `json:"step_name"`
	AgentName  string         `json:"agent_name"`
	Timestamp  time.Time      `json:"timestamp"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// HistoricalContext is loaded once per run from the context store
type HistoricalContext struct {
	HasHistory       bool   `json:"hasHistory"`
	ContextSummary   string `json:"contextSummary"`
	FormattedContext string `json:"formattedContext"`
}

// FinalOutput is the terminal success payload
type FinalOutput struct {
	IssueKey        string `json:"issue_key"`
	ResponseContent string `json:"response_content"`
}

// WorkflowState is threaded through every node of one run
type WorkflowState struct {
	WorkflowID        string             `json:"workflow_id"`
	ProjectID         string             `json:"project_id"`
	ThreadID          string             `json:"thread_id"`
	OriginalRequest   IssueRequest       `json:"original_request"`
	Phase             Phase              `json:"phase"`
	Classification    *Classification    `json:"classification,omitempty"`
	CurrentResponse   string             `json:"current_response,omitempty"`
	QualityAssessment *QualityAssessment `json:"quality_assessment,omitempty"`
	RetryCount        int                `json:"retry_count"`
	MaxRetries        int                `json:"max_retries"`
	ProcessingHistory []ProcessingStep   `json:"processing_history"`
	HasError          bool               `json:"has_error"`
	ErrorMessage      string             `json:"error_message,omitempty"`
	NextAction        string             `json:"next_action,omitempty"`
	HistoricalContext HistoricalContext  `json:"historical_context"`
	FinalOutput       *FinalOutput       `json:"final_output,omitempty"`
	Metadata          map[string]any     `json:"metadata,omitempty"`
	StartedAt         time.Time          `json:"started_at"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
}

// NewWorkflowState builds the initial state of a run.
func NewWorkflowState(workflowID string, req IssueRequest, maxRetries int, history HistoricalContext) *WorkflowState {
	return &WorkflowState{
		WorkflowID:        workflowID,
		ProjectID:         req.ProjectID,
		ThreadID:          ThreadID(req.ProjectID),
		OriginalRequest:   req,
		Phase:             PhaseClassifying,
		MaxRetries:        maxRetries,
		ProcessingHistory: []ProcessingStep{},
		HistoricalContext: history,
		Metadata:          map[string]any{},
		StartedAt:         time.Now().UTC(),
	}
}

// QualityScore returns the current assessment score, or zero when none.
func (s *WorkflowState) QualityScore() float64 {
	if s.QualityAssessment == nil {
		return 0
	}
	return s.QualityAssessment.Score
}

// Clone returns a deep copy via JSON round trip. Numbers in Metadata come
// back as float64.
func (s *WorkflowState) Clone() (*WorkflowState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out WorkflowState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	// omitempty drops empty containers
	if out.Metadata == nil && s.Metadata != nil {
		out.Metadata = map[string]any{}
	}
	if out.ProcessingHistory == nil && s.ProcessingHistory != nil {
		out.ProcessingHistory = []ProcessingStep{}
	}
	return &out, nil
}

// StateUpdate is the partial result a node returns.
// Nil pointers and empty values leave the state untouched.
type StateUpdate struct {
	Classification    *Classification
	CurrentResponse   *string
	QualityAssessment *QualityAssessment
	RetryCount        *int
	History           []ProcessingStep
	HasError          bool
	ErrorMessage      string
	NextAction        string
	FinalOutput       *FinalOutput
	Metadata          map[string]any
}

// Failed builds the normalized failure update for a node.
func Failed(step ProcessingStep, err error) StateUpdate {
	step.Success = false
	step.Error = err.Error()
	return StateUpdate{
		HasError:     true,
		ErrorMessage: err.Error(),
		History:      []ProcessingStep{step},
	}
}

// Merge folds a partial update into the state.
//
// Field rules:
//   - History is appended in order.
//   - Classification and FinalOutput are set once; later values are ignored.
//   - CurrentResponse, QualityAssessment, NextAction and ErrorMessage overwrite when present.
//   - RetryCount overwrites but never exceeds MaxRetries.
//   - HasError is sticky.
//   - Metadata keys overwrite individually.
func Merge(s *WorkflowState, u StateUpdate) *WorkflowState {
	if u.Classification != nil && s.Classification == nil {
		c := *u.Classification
		s.Classification = &c
	}
	if u.CurrentResponse != nil {
		s.CurrentResponse = *u.CurrentResponse
	}
	if u.QualityAssessment != nil {
		a := *u.QualityAssessment
		s.QualityAssessment = &a
	}
	if u.RetryCount != nil {
		rc := *u.RetryCount
		if rc > s.MaxRetries {
			rc = s.MaxRetries
		}
		if rc < 0 {
			rc = 0
		}
		s.RetryCount = rc
	}
	s.ProcessingHistory = append(s.ProcessingHistory, u.History...)
	if u.HasError {
		s.HasError = true
	}
	if u.ErrorMessage != "" {
		s.ErrorMessage = u.ErrorMessage
	}
	if u.NextAction != "" {
		s.NextAction = u.NextAction
	}
	if u.FinalOutput != nil && s.FinalOutput == nil {
		f := *u.FinalOutput
		s.FinalOutput = &f
	}
	if len(u.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = map[string]any{}
		}
		for k, v := range u.Metadata {
			s.Metadata[k] = v
		}
	}
	return s
}

// ProcessResult is what the orchestrator hands back to its caller
type ProcessResult struct {
	Success          bool           `json:"success"`
	WorkflowID       string         `json:"workflow_id,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	Result           *WorkflowState `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
}
