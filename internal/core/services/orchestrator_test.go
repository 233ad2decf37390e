package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/ticketflow/internal/adapters/memory"
	"github.com/manthysbr/ticketflow/internal/core/domain"
	"github.com/manthysbr/ticketflow/internal/core/ports"
)

type panickingCheckpoints struct {
	*memory.Store
}

func (p panickingCheckpoints) HasCheckpoint(ctx context.Context, threadID string) (bool, error) {
	panic("checkpoint index corrupted")
}

func newTestOrchestrator(t *testing.T, batch domain.BatchConfig, mutate func(d *EngineDeps)) (*Orchestrator, *engineFixture) {
	t.Helper()
	f := newEngineFixture(t, mutate)
	orch := NewOrchestrator(f.logger, f.engine, f.retrieve, f.deps.Checkpoints, f.store, domain.DefaultCompressionConfig(), OrchestratorConfig{
		Version:    "test",
		Mode:       "fake",
		MaxRetries: 3,
		Batch:      batch,
	})
	return orch, f
}

func issue(projectID, question string) domain.IssueRequest {
	return domain.IssueRequest{
		ProjectID: projectID,
		IssueType: "Support",
		Reporter:  "Dana",
		Summary:   "Help",
		Comment:   question,
	}
}

func TestOrchestrator_RejectsInvalidRequest(t *testing.T) {
	orch, f := newTestOrchestrator(t, domain.BatchConfig{}, nil)

	res, err := orch.Process(context.Background(), domain.IssueRequest{ProjectID: "P1"}, ProcessOptions{})

	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.False(t, res.Success)
	assert.Empty(t, res.WorkflowID)
	assert.Nil(t, res.Result)
	assert.Zero(t, f.login.calls())

	has, err := f.store.HasCheckpoint(context.Background(), "project:P1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestOrchestrator_SecondRunSeesHistory(t *testing.T) {
	orch, _ := newTestOrchestrator(t, domain.BatchConfig{}, nil)
	ctx := context.Background()

	first, err := orch.Process(ctx, issue("P1", "My password reset link expired"), ProcessOptions{})
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.False(t, first.Result.HistoricalContext.HasHistory)
	assert.Equal(t, false, first.Result.Metadata["continuing_conversation"])

	second, err := orch.Process(ctx, issue("P1", "Still cannot sign in"), ProcessOptions{})
	require.NoError(t, err)
	require.True(t, second.Success)

	hc := second.Result.HistoricalContext
	assert.True(t, hc.HasHistory)
	assert.Contains(t, hc.FormattedContext, "My password reset link expired")
	assert.Contains(t, hc.ContextSummary, "1 previous interaction(s).")
	assert.Equal(t, true, second.Result.Metadata["continuing_conversation"])
	assert.Equal(t, first.WorkflowID, second.Result.Metadata["previous_workflow_id"])
	assert.NotEqual(t, first.WorkflowID, second.WorkflowID)
}

func TestOrchestrator_ReportsRunFailure(t *testing.T) {
	orch, _ := newTestOrchestrator(t, domain.BatchConfig{}, func(d *EngineDeps) {
		d.Classifier = classifyAs(domain.Category("URGENT"), 0.5)
	})

	res, err := orch.Process(context.Background(), issue("P1", "?"), ProcessOptions{})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.WorkflowID)
	assert.NotEmpty(t, res.Error)
	require.NotNil(t, res.Result)
	assert.True(t, res.Result.HasError)
}

func TestOrchestrator_RecoversPanic(t *testing.T) {
	orch, f := newTestOrchestrator(t, domain.BatchConfig{}, nil)
	orch.checkpoints = panickingCheckpoints{f.store}

	res, err := orch.Process(context.Background(), issue("P1", "hello"), ProcessOptions{})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.WorkflowID)
	assert.Contains(t, res.Error, "checkpoint index corrupted")
}

func TestOrchestrator_BatchLimits(t *testing.T) {
	orch, _ := newTestOrchestrator(t, domain.BatchConfig{MaxItems: 2, MaxConcurrency: 2}, nil)
	ctx := context.Background()

	_, err := orch.ProcessBatch(ctx, nil, BatchOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	reqs := []domain.IssueRequest{issue("A", "1"), issue("B", "2"), issue("C", "3")}
	_, err = orch.ProcessBatch(ctx, reqs, BatchOptions{})
	assert.ErrorIs(t, err, domain.ErrBatchTooLarge)
}

func TestOrchestrator_BatchCollectsItemFailures(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			orch, _ := newTestOrchestrator(t, domain.BatchConfig{MaxItems: 10, MaxConcurrency: 3}, nil)

			reqs := []domain.IssueRequest{
				issue("A", "first"),
				{ProjectID: "B"},
				issue("C", "third"),
			}
			res, err := orch.ProcessBatch(context.Background(), reqs, BatchOptions{Parallel: parallel})
			require.NoError(t, err)

			assert.Equal(t, BatchSummary{Total: 3, Successful: 2, Failed: 1}, res.Summary)
			for i, r := range res.Results {
				assert.Equal(t, i, r.Index)
				assert.Equal(t, reqs[i].ProjectID, r.ProjectID)
			}
			assert.False(t, res.Results[1].Success)
			assert.Contains(t, res.Results[1].Error, "invalid request")
		})
	}
}

func TestOrchestrator_BatchBoundsConcurrency(t *testing.T) {
	var active, peak int32
	orch, _ := newTestOrchestrator(t, domain.BatchConfig{MaxItems: 10, MaxConcurrency: 2}, func(d *EngineDeps) {
		d.Classifier = classifierFunc(func(ctx context.Context, s domain.WorkflowState) domain.StateUpdate {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return classifyAs(domain.CategoryGeneral, 0.8)(ctx, s)
		})
	})

	reqs := make([]domain.IssueRequest, 6)
	for i := range reqs {
		reqs[i] = issue(fmt.Sprintf("P%d", i), "question")
	}
	res, err := orch.ProcessBatch(context.Background(), reqs, BatchOptions{Parallel: true})
	require.NoError(t, err)

	assert.Equal(t, 6, res.Summary.Successful)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(1))
}

func TestOrchestrator_HealthAndInfo(t *testing.T) {
	orch, _ := newTestOrchestrator(t, domain.BatchConfig{}, nil)

	assert.NoError(t, orch.Health(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, orch.Health(ctx))

	info := orch.Info()
	assert.Equal(t, "ticketflow", info.Name)
	assert.Equal(t, "fake", info.Mode)
	assert.Equal(t, 10, info.BatchLimit)
	assert.Equal(t, 75.0, info.Quality.AcceptThreshold)
	assert.Len(t, info.Nodes, 7)
}

func TestOrchestrator_Resume(t *testing.T) {
	orch, f := newTestOrchestrator(t, domain.BatchConfig{}, nil)
	ctx := context.Background()

	_, err := orch.Resume(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = orch.Resume(ctx, "NEVER")
	assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)

	first, err := orch.Process(ctx, issue("P1", "My password reset link expired"), ProcessOptions{})
	require.NoError(t, err)
	require.True(t, first.Success)

	res, err := orch.Resume(ctx, "P1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, first.WorkflowID, res.WorkflowID)
	assert.Equal(t, domain.PhaseDone, res.Result.Phase)
	assert.Equal(t, 1, f.login.calls(), "a finished run is not replayed")
}

func TestOrchestrator_ResumeFillsProjectFromThread(t *testing.T) {
	orch, f := newTestOrchestrator(t, domain.BatchConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, f.store.SaveCheckpoint(ctx, domain.Checkpoint{
		ID: "cp-legacy", ThreadID: domain.ThreadID("LEGACY"), WorkflowID: "wf-legacy", Step: 5, Node: "persist_interaction",
		Phase: domain.PhaseDone, State: domain.WorkflowState{WorkflowID: "wf-legacy", Phase: domain.PhaseDone}, CreatedAt: time.Now(),
	}))

	res, err := orch.Resume(ctx, "LEGACY")
	require.NoError(t, err)
	assert.Equal(t, "LEGACY", res.Result.ProjectID)
	assert.False(t, res.Success)
}

var _ ports.CheckpointStore = panickingCheckpoints{}
