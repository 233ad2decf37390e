package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/ticketflow/internal/adapters/memory"
	"github.com/manthysbr/ticketflow/internal/core/domain"
	"github.com/manthysbr/ticketflow/internal/core/ports"
)

type classifierFunc func(ctx context.Context, s domain.WorkflowState) domain.StateUpdate

func (f classifierFunc) Classify(ctx context.Context, s domain.WorkflowState) domain.StateUpdate {
	return f(ctx, s)
}

type evaluatorFunc func(ctx context.Context, s domain.WorkflowState) domain.StateUpdate

func (f evaluatorFunc) Evaluate(ctx context.Context, s domain.WorkflowState) domain.StateUpdate {
	return f(ctx, s)
}

func classifyAs(cat domain.Category, confidence float64) classifierFunc {
	return func(ctx context.Context, s domain.WorkflowState) domain.StateUpdate {
		return domain.StateUpdate{
			Classification: &domain.Classification{Category: cat, Confidence: confidence},
			History:        []domain.ProcessingStep{{StepName: "classification", Success: true}},
		}
	}
}

// recordingHandler drafts a numbered response and remembers the states it saw.
type recordingHandler struct {
	name string
	mu   sync.Mutex
	seen []domain.WorkflowState
}

func (h *recordingHandler) Handle(ctx context.Context, s domain.WorkflowState) domain.StateUpdate {
	h.mu.Lock()
	h.seen = append(h.seen, s)
	n := len(h.seen)
	h.mu.Unlock()

	resp := fmt.Sprintf("%s draft %d", h.name, n)
	return domain.StateUpdate{
		CurrentResponse: &resp,
		History:         []domain.ProcessingStep{{StepName: h.name + "_handler", Success: true}},
	}
}

func (h *recordingHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

// scoreSequence returns the scores in order, repeating the last one.
func scoreSequence(scores ...float64) evaluatorFunc {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, s domain.WorkflowState) domain.StateUpdate {
		mu.Lock()
		score := scores[min(i, len(scores)-1)]
		i++
		mu.Unlock()
		return domain.StateUpdate{
			QualityAssessment: &domain.QualityAssessment{Score: score, RequiresImprovement: score < 75},
			History:           []domain.ProcessingStep{{StepName: "quality_evaluation", Success: true}},
		}
	}
}

type recordingSink struct {
	mu    sync.Mutex
	posts map[string]string
	err   error
}

func (s *recordingSink) PostComment(ctx context.Context, issueKey, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.posts == nil {
		s.posts = map[string]string{}
	}
	s.posts[issueKey] = body
	return s.err
}

type failingContexts struct {
	*memory.Store
}

func (f failingContexts) AppendInteraction(ctx context.Context, in domain.Interaction) error {
	return errors.New("database is locked")
}

type engineFixture struct {
	store    *memory.Store
	login    *recordingHandler
	complex  *recordingHandler
	general  *recordingHandler
	engine   *WorkflowEngine
	deps     EngineDeps
	logger   *slog.Logger
	retrieve *ContextRetriever
}

func newEngineFixture(t *testing.T, mutate func(d *EngineDeps)) *engineFixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	store := memory.NewStore()
	f := &engineFixture{
		store:   store,
		login:   &recordingHandler{name: "login"},
		complex: &recordingHandler{name: "complex"},
		general: &recordingHandler{name: "general"},
		logger:  logger,
	}
	cfg := domain.DefaultCompressionConfig()
	compressor := NewContextCompressor(logger, nil, testDigest, cfg.MaxCompressedTokens)
	f.retrieve = NewContextRetriever(logger, store, compressor, cfg, nil)

	f.deps = EngineDeps{
		Classifier:  classifyAs(domain.CategorySimple, 0.92),
		Handlers:    ports.Handlers{Login: f.login, Complex: f.complex, General: f.general},
		Evaluator:   scoreSequence(80),
		Gate:        NewQualityGate(domain.DefaultQualityPolicy()),
		Checkpoints: store,
		Contexts:    store,
		Retriever:   f.retrieve,
		NodeTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&f.deps)
	}
	f.engine = NewWorkflowEngine(logger, f.deps)
	return f
}

func (f *engineFixture) run(t *testing.T, maxRetries int) *domain.WorkflowState {
	t.Helper()
	req := domain.IssueRequest{
		ProjectID: "PRJ-1",
		IssueType: "Support",
		Reporter:  "Dana",
		Summary:   "Cannot login",
		Comment:   "Password reset never arrives",
	}
	state := domain.NewWorkflowState("wf-"+t.Name(), req, maxRetries, domain.HistoricalContext{})
	return f.engine.Invoke(context.Background(), state, domain.ThreadID(req.ProjectID))
}

func assertRunInvariants(t *testing.T, s *domain.WorkflowState) {
	t.Helper()
	assert.LessOrEqual(t, s.RetryCount, s.MaxRetries)
	assert.True(t, (s.FinalOutput != nil) != s.HasError, "exactly one of final_output and has_error must hold")
	assert.True(t, s.Phase.Terminal())
	assert.NotNil(t, s.CompletedAt)
}

func stepNames(s *domain.WorkflowState) []string {
	names := make([]string, 0, len(s.ProcessingHistory))
	for _, h := range s.ProcessingHistory {
		names = append(names, h.StepName)
	}
	return names
}

func TestWorkflowEngine_RoutesSimpleToLogin(t *testing.T) {
	f := newEngineFixture(t, nil)

	s := f.run(t, 3)

	assertRunInvariants(t, s)
	assert.Equal(t, 1, f.login.calls())
	assert.Zero(t, f.complex.calls())
	assert.Zero(t, f.general.calls())
	assert.Equal(t, domain.CategorySimple, s.Classification.Category)
}

func TestWorkflowEngine_RoutesByCategory(t *testing.T) {
	for _, tt := range []struct {
		cat  domain.Category
		pick func(f *engineFixture) *recordingHandler
	}{
		{domain.CategoryComplex, func(f *engineFixture) *recordingHandler { return f.complex }},
		{domain.CategoryGeneral, func(f *engineFixture) *recordingHandler { return f.general }},
	} {
		t.Run(string(tt.cat), func(t *testing.T) {
			f := newEngineFixture(t, func(d *EngineDeps) { d.Classifier = classifyAs(tt.cat, 0.8) })
			s := f.run(t, 3)
			assertRunInvariants(t, s)
			assert.Equal(t, 1, tt.pick(f).calls())
			assert.Zero(t, f.login.calls())
		})
	}
}

func TestWorkflowEngine_AcceptsFirstDraft(t *testing.T) {
	f := newEngineFixture(t, nil)

	s := f.run(t, 3)

	assertRunInvariants(t, s)
	assert.Equal(t, domain.PhaseDone, s.Phase)
	assert.Equal(t, 0, s.RetryCount)
	require.NotNil(t, s.FinalOutput)
	assert.Equal(t, "PRJ-1", s.FinalOutput.IssueKey)
	assert.Equal(t, "login draft 1", s.FinalOutput.ResponseContent)
	assert.Equal(t, string(GateAcceptedThreshold), s.Metadata["quality_gate"])
	assert.Equal(t, []string{"classification", "login_handler", "quality_evaluation", "finalize_response", "persist_interaction"}, stepNames(s))
}

func TestWorkflowEngine_RetriesLowScore(t *testing.T) {
	f := newEngineFixture(t, func(d *EngineDeps) { d.Evaluator = scoreSequence(50, 80) })

	s := f.run(t, 3)

	assertRunInvariants(t, s)
	assert.Equal(t, 1, s.RetryCount)
	require.Equal(t, 2, f.login.calls())
	assert.Nil(t, f.login.seen[0].QualityAssessment)
	require.NotNil(t, f.login.seen[1].QualityAssessment)
	assert.Equal(t, 50.0, f.login.seen[1].QualityAssessment.Score)
	assert.Equal(t, "login draft 2", s.FinalOutput.ResponseContent)
	assert.Equal(t, []string{
		"classification", "login_handler", "quality_evaluation",
		"login_handler", "quality_evaluation", "finalize_response", "persist_interaction",
	}, stepNames(s))
}

func TestWorkflowEngine_FinalizesWhenRetriesExhausted(t *testing.T) {
	f := newEngineFixture(t, func(d *EngineDeps) { d.Evaluator = scoreSequence(40) })

	s := f.run(t, 3)

	assertRunInvariants(t, s)
	assert.False(t, s.HasError)
	assert.Equal(t, 3, s.RetryCount)
	assert.Equal(t, 4, f.login.calls())
	require.NotNil(t, s.FinalOutput)
	assert.Equal(t, string(GateAcceptedExhausted), s.Metadata["quality_gate"])
}

func TestWorkflowEngine_AcceptsNearCeiling(t *testing.T) {
	f := newEngineFixture(t, func(d *EngineDeps) { d.Evaluator = scoreSequence(50, 50, 62) })

	s := f.run(t, 3)

	assertRunInvariants(t, s)
	assert.Equal(t, 2, s.RetryCount)
	assert.Equal(t, string(GateAcceptedNearCeiling), s.Metadata["quality_gate"])
}

func TestWorkflowEngine_ClassifierTimeout(t *testing.T) {
	f := newEngineFixture(t, func(d *EngineDeps) {
		d.NodeTimeout = 50 * time.Millisecond
		d.Classifier = classifierFunc(func(ctx context.Context, s domain.WorkflowState) domain.StateUpdate {
			time.Sleep(time.Second)
			return domain.StateUpdate{}
		})
	})

	s := f.run(t, 3)

	assertRunInvariants(t, s)
	assert.True(t, s.HasError)
	assert.Nil(t, s.FinalOutput)
	assert.Equal(t, domain.PhaseError, s.Phase)
	require.Len(t, s.ProcessingHistory, 1)
	assert.Equal(t, "classification", s.ProcessingHistory[0].StepName)
	assert.False(t, s.ProcessingHistory[0].Success)
	assert.Contains(t, s.ErrorMessage, "timed out")
	assert.Zero(t, f.login.calls())
}

func TestWorkflowEngine_HandlerPanicIsContained(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.deps.Handlers.Login = handlerFunc(func(ctx context.Context, s domain.WorkflowState) domain.StateUpdate {
		panic("nil map")
	})
	f.engine = NewWorkflowEngine(f.logger, f.deps)

	s := f.run(t, 3)

	assertRunInvariants(t, s)
	assert.True(t, s.HasError)
	assert.Contains(t, s.ErrorMessage, "panicked")
}

type handlerFunc func(ctx context.Context, s domain.WorkflowState) domain.StateUpdate

func (f handlerFunc) Handle(ctx context.Context, s domain.WorkflowState) domain.StateUpdate {
	return f(ctx, s)
}

func TestWorkflowEngine_EmptyResponseFails(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.deps.Handlers.Login = handlerFunc(func(ctx context.Context, s domain.WorkflowState) domain.StateUpdate {
		empty := "  "
		return domain.StateUpdate{CurrentResponse: &empty}
	})
	f.engine = NewWorkflowEngine(f.logger, f.deps)

	s := f.run(t, 3)

	assertRunInvariants(t, s)
	assert.True(t, s.HasError)
	assert.Contains(t, s.ErrorMessage, "empty response")
}

func TestWorkflowEngine_EvaluatorFailureFallsBack(t *testing.T) {
	f := newEngineFixture(t, func(d *EngineDeps) {
		d.Evaluator = evaluatorFunc(func(ctx context.Context, s domain.WorkflowState) domain.StateUpdate {
			return domain.Failed(domain.ProcessingStep{StepName: "quality_evaluation"}, errors.New("model returned prose"))
		})
	})

	s := f.run(t, 3)

	assertRunInvariants(t, s)
	assert.False(t, s.HasError)
	require.NotNil(t, s.QualityAssessment)
	assert.Equal(t, 50.0, s.QualityAssessment.Score)
	assert.Equal(t, true, s.Metadata["quality_fallback"])
	assert.Equal(t, 0, s.RetryCount)

	var evalStep *domain.ProcessingStep
	for i := range s.ProcessingHistory {
		if s.ProcessingHistory[i].StepName == "quality_evaluation" {
			evalStep = &s.ProcessingHistory[i]
		}
	}
	require.NotNil(t, evalStep)
	assert.False(t, evalStep.Success)
}

func TestWorkflowEngine_EvaluatorFailureFatalWhenPolicyForbids(t *testing.T) {
	policy := domain.DefaultQualityPolicy()
	policy.AcceptOnEvaluatorError = false
	f := newEngineFixture(t, func(d *EngineDeps) {
		d.Gate = NewQualityGate(policy)
		d.Evaluator = evaluatorFunc(func(ctx context.Context, s domain.WorkflowState) domain.StateUpdate {
			return domain.Failed(domain.ProcessingStep{StepName: "quality_evaluation"}, errors.New("provider down"))
		})
	})

	s := f.run(t, 3)

	assertRunInvariants(t, s)
	assert.True(t, s.HasError)
	assert.Equal(t, "provider down", s.ErrorMessage)
}

func TestWorkflowEngine_PersistenceFailureIsNotFatal(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.deps.Contexts = failingContexts{f.store}
	f.engine = NewWorkflowEngine(f.logger, f.deps)

	s := f.run(t, 3)

	assertRunInvariants(t, s)
	assert.False(t, s.HasError)
	last := s.ProcessingHistory[len(s.ProcessingHistory)-1]
	assert.Equal(t, "persist_interaction", last.StepName)
	assert.False(t, last.Success)
	assert.Contains(t, last.Error, "database is locked")
}

func TestWorkflowEngine_SendsComment(t *testing.T) {
	sink := &recordingSink{}
	f := newEngineFixture(t, func(d *EngineDeps) { d.Sink = sink })

	req := domain.IssueRequest{ProjectID: "PRJ-7", IssueType: "Support", Reporter: "Ana", Summary: "Login", Comment: "Locked out"}
	state := domain.NewWorkflowState("wf-send", req, 3, domain.HistoricalContext{})
	state.Metadata[MetaSendComment] = true
	s := f.engine.Invoke(context.Background(), state, domain.ThreadID("PRJ-7"))

	assertRunInvariants(t, s)
	assert.Equal(t, "login draft 1", sink.posts["PRJ-7"])
	assert.Equal(t, "send_comment", s.ProcessingHistory[len(s.ProcessingHistory)-1].StepName)
}

func TestWorkflowEngine_CommentFailureIsNotFatal(t *testing.T) {
	sink := &recordingSink{err: errors.New("401 unauthorized")}
	f := newEngineFixture(t, func(d *EngineDeps) { d.Sink = sink })

	req := domain.IssueRequest{ProjectID: "PRJ-7", IssueType: "Support", Reporter: "Ana", Summary: "Login", Comment: "Locked out"}
	state := domain.NewWorkflowState("wf-send", req, 3, domain.HistoricalContext{})
	state.Metadata[MetaSendComment] = true
	s := f.engine.Invoke(context.Background(), state, domain.ThreadID("PRJ-7"))

	assertRunInvariants(t, s)
	assert.False(t, s.HasError)
	last := s.ProcessingHistory[len(s.ProcessingHistory)-1]
	assert.Equal(t, "send_comment", last.StepName)
	assert.False(t, last.Success)
}

func TestWorkflowEngine_CheckpointsEveryNode(t *testing.T) {
	f := newEngineFixture(t, nil)

	s := f.run(t, 3)

	cps, err := f.store.ListCheckpoints(context.Background(), "project:PRJ-1", 0)
	require.NoError(t, err)
	require.Len(t, cps, 6)
	assert.Equal(t, "persist_interaction", cps[0].Node)
	assert.Equal(t, domain.PhaseDone, cps[0].Phase)
	assert.Equal(t, 5, cps[0].Step)
	assert.Equal(t, "start", cps[5].Node)
	assert.Equal(t, 0, cps[5].Step)
	for _, cp := range cps {
		assert.Equal(t, s.WorkflowID, cp.WorkflowID)
	}
}

func TestWorkflowEngine_HistoryGrowsEveryVisit(t *testing.T) {
	f := newEngineFixture(t, func(d *EngineDeps) { d.Evaluator = scoreSequence(30, 30, 90) })

	s := f.run(t, 3)

	cps, err := f.store.ListCheckpoints(context.Background(), "project:PRJ-1", 0)
	require.NoError(t, err)
	prev := -1
	for i := len(cps) - 1; i >= 0; i-- {
		n := len(cps[i].State.ProcessingHistory)
		assert.Greater(t, n, prev, "node %s", cps[i].Node)
		prev = n
	}
	assert.Equal(t, len(s.ProcessingHistory), prev)
}

func TestWorkflowEngine_TerminatesForAnyScores(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		maxRetries := rng.Intn(5)
		scores := make([]float64, 8)
		for j := range scores {
			scores[j] = float64(rng.Intn(101))
		}
		f := newEngineFixture(t, func(d *EngineDeps) { d.Evaluator = scoreSequence(scores...) })

		s := f.run(t, maxRetries)

		assertRunInvariants(t, s)
		assert.False(t, s.HasError, "scores=%v max=%d", scores, maxRetries)
		assert.LessOrEqual(t, f.login.calls(), maxRetries+1)
	}
}

func TestWorkflowEngine_RecordsPreviousWorkflow(t *testing.T) {
	f := newEngineFixture(t, nil)

	first := f.run(t, 3)
	req := first.OriginalRequest
	second := f.engine.Invoke(context.Background(), domain.NewWorkflowState("wf-second", req, 3, domain.HistoricalContext{}), domain.ThreadID(req.ProjectID))

	assert.Equal(t, first.WorkflowID, second.Metadata["previous_workflow_id"])
}

func TestWorkflowEngine_Resume(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	req := domain.IssueRequest{ProjectID: "PRJ-R", IssueType: "Support", Reporter: "Ana", Summary: "Login", Comment: "Locked out"}
	state := domain.NewWorkflowState("wf-resume", req, 3, domain.HistoricalContext{})
	draft := "resumed draft"
	domain.Merge(state, domain.StateUpdate{
		Classification:  &domain.Classification{Category: domain.CategorySimple, Confidence: 0.9},
		CurrentResponse: &draft,
		History:         []domain.ProcessingStep{{StepName: "classification", Success: true}, {StepName: "login_handler", Success: true}},
	})
	state.Phase = domain.PhaseEvaluating
	require.NoError(t, f.store.SaveCheckpoint(ctx, domain.Checkpoint{
		ID: "cp-1", ThreadID: "project:PRJ-R", WorkflowID: "wf-resume", Step: 2, Node: "login_handler",
		Phase: domain.PhaseEvaluating, State: *state, CreatedAt: time.Now(),
	}))

	s, err := f.engine.Resume(ctx, "project:PRJ-R")
	require.NoError(t, err)
	assertRunInvariants(t, s)
	assert.Equal(t, "resumed draft", s.FinalOutput.ResponseContent)
	assert.Zero(t, f.login.calls())

	again, err := f.engine.Resume(ctx, "project:PRJ-R")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDone, again.Phase)

	_, err = f.engine.Resume(ctx, "project:none")
	assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)
}

func testDigest(turns []domain.ConversationTurn) domain.CompressedContext {
	details := make([]string, 0, len(turns))
	for _, t := range turns {
		details = append(details, t.UserQuestion)
	}
	return domain.CompressedContext{
		Summary:          fmt.Sprintf("%d turns", len(turns)),
		KeyDetails:       details,
		UnresolvedIssues: []string{},
		Decisions:        []string{},
	}
}

func TestWorkflowEngine_CollaboratorMutationsDoNotLeak(t *testing.T) {
	f := newEngineFixture(t, func(d *EngineDeps) {
		d.Evaluator = evaluatorFunc(func(ctx context.Context, s domain.WorkflowState) domain.StateUpdate {
			s.Classification.Category = domain.CategoryComplex
			s.Metadata["evaluator_was_here"] = true
			return scoreSequence(80)(ctx, s)
		})
	})

	s := f.run(t, 3)

	assertRunInvariants(t, s)
	assert.Equal(t, domain.CategorySimple, s.Classification.Category)
	assert.NotContains(t, s.Metadata, "evaluator_was_here")
}
