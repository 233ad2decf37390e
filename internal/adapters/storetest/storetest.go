// Package storetest holds behaviour checks shared by every context and
// checkpoint store implementation.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/ticketflow/internal/core/domain"
	"github.com/manthysbr/ticketflow/internal/core/ports"
)

// Store is what a full storage backend provides.
type Store interface {
	ports.ContextStore
	ports.CheckpointStore
}

// Run exercises s. newStore must return an empty store on every call.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("ContextLifecycle", func(t *testing.T) { testContextLifecycle(t, newStore(t)) })
	t.Run("PartialInteractions", func(t *testing.T) { testPartialInteractions(t, newStore(t)) })
	t.Run("Compression", func(t *testing.T) { testCompression(t, newStore(t)) })
	t.Run("Retention", func(t *testing.T) { testRetention(t, newStore(t)) })
	t.Run("Checkpoints", func(t *testing.T) { testCheckpoints(t, newStore(t)) })
}

func interaction(projectID string, i int, ts time.Time) domain.Interaction {
	score := 70.0 + float64(i)
	return domain.Interaction{
		ProjectID:      projectID,
		WorkflowID:     fmt.Sprintf("wf-%d", i),
		UserQuestion:   fmt.Sprintf("question %d", i),
		Classification: domain.CategoryComplex,
		AgentResponse:  fmt.Sprintf("answer %d", i),
		QualityScore:   &score,
		Tokens:         10,
		Timestamp:      ts,
	}
}

func testContextLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	_, err := s.GetProjectContext(ctx, "P1")
	require.ErrorIs(t, err, domain.ErrProjectContextNotFound)

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendInteraction(ctx, interaction("P1", i, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.AppendInteraction(ctx, interaction("P2", 9, base)))

	pc, err := s.GetProjectContext(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "P1", pc.ProjectID)
	assert.Equal(t, 3, pc.TotalInteractions)
	assert.Equal(t, 30, pc.TotalTokens)
	assert.Equal(t, domain.CategoryComplex, pc.LastClassification)
	assert.Nil(t, pc.CompressedContext)
	assert.Zero(t, pc.CompressedTurns)
	require.Len(t, pc.RawHistory, 3)
	assert.Equal(t, "question 0", pc.RawHistory[0].UserQuestion)
	assert.Equal(t, "answer 2", pc.RawHistory[2].AgentResponse)
	require.NotNil(t, pc.RawHistory[2].QualityScore)
	assert.Equal(t, 72.0, *pc.RawHistory[2].QualityScore)

	stats, err := s.ProjectStats(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalTurns)
	assert.Equal(t, 30, stats.TotalTokens)
	require.NotNil(t, stats.AverageQualityScore)
	assert.InDelta(t, 71.0, *stats.AverageQualityScore, 0.001)
	require.NotNil(t, stats.FirstInteraction)
	require.NotNil(t, stats.LastInteraction)
	assert.True(t, stats.FirstInteraction.Before(*stats.LastInteraction))
	assert.False(t, stats.HasCompressed)

	empty, err := s.ProjectStats(ctx, "NOPE")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalTurns)
	assert.Nil(t, empty.AverageQualityScore)

	totals, err := s.StoreStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StoreStats{TotalProjects: 2, TotalTurns: 4}, totals)
}

// A failed run stores a turn without classification or score.
func testPartialInteractions(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.AppendInteraction(ctx, interaction("P1", 0, now)))

	unclassified := interaction("P1", 1, now)
	unclassified.Classification = ""
	require.NoError(t, s.AppendInteraction(ctx, unclassified))

	unscored := interaction("P1", 2, now)
	unscored.QualityScore = nil
	require.NoError(t, s.AppendInteraction(ctx, unscored))

	pc, err := s.GetProjectContext(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 3, pc.TotalInteractions)
	assert.Equal(t, domain.CategoryComplex, pc.LastClassification)
	require.Len(t, pc.RawHistory, 3)
	assert.Empty(t, pc.RawHistory[1].Classification)
	assert.Nil(t, pc.RawHistory[2].QualityScore)

	stats, err := s.ProjectStats(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalTurns)
	require.NotNil(t, stats.AverageQualityScore)
	assert.InDelta(t, 70.5, *stats.AverageQualityScore, 0.001)
}

func testCompression(t *testing.T, s Store) {
	ctx := context.Background()

	err := s.UpdateCompressedContext(ctx, "MISSING", domain.CompressedContext{Summary: "x"}, 1)
	require.ErrorIs(t, err, domain.ErrProjectContextNotFound)

	now := time.Now().UTC()
	for i := 0; i < 6; i++ {
		require.NoError(t, s.AppendInteraction(ctx, interaction("BIG", i, now)))
	}
	require.NoError(t, s.AppendInteraction(ctx, interaction("SMALL", 0, now)))

	ids, err := s.ListProjectsNeedingCompression(ctx, 5, 10000)
	require.NoError(t, err)
	assert.Equal(t, []string{"BIG"}, ids)

	ids, err = s.ListProjectsNeedingCompression(ctx, 100, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"BIG", "SMALL"}, ids)

	cc := domain.CompressedContext{
		Summary:          "Recurring sync failures",
		KeyDetails:       []string{"uses webhook"},
		UnresolvedIssues: []string{},
		Decisions:        []string{"escalated"},
		TokenCount:       12,
		CompressedAt:     now.Truncate(time.Second),
	}
	require.NoError(t, s.UpdateCompressedContext(ctx, "BIG", cc, 3))

	pc, err := s.GetProjectContext(ctx, "BIG")
	require.NoError(t, err)
	require.NotNil(t, pc.CompressedContext)
	assert.Equal(t, cc.Summary, pc.CompressedContext.Summary)
	assert.Equal(t, cc.KeyDetails, pc.CompressedContext.KeyDetails)
	assert.Equal(t, cc.Decisions, pc.CompressedContext.Decisions)
	assert.Equal(t, 3, pc.CompressedTurns)
	assert.Len(t, pc.RawHistory, 6)

	stats, err := s.ProjectStats(ctx, "BIG")
	require.NoError(t, err)
	assert.True(t, stats.HasCompressed)

	totals, err := s.StoreStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.CompressedProjects)
}

func testRetention(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.AppendInteraction(ctx, interaction("P1", 0, now.AddDate(0, 0, -100))))
	require.NoError(t, s.AppendInteraction(ctx, interaction("P1", 1, now.AddDate(0, 0, -95))))
	require.NoError(t, s.AppendInteraction(ctx, interaction("P1", 2, now)))

	n, err := s.DeleteTurnsBefore(ctx, now.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err := s.ProjectStats(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTurns)

	pc, err := s.GetProjectContext(ctx, "P1")
	require.NoError(t, err)
	assert.Len(t, pc.RawHistory, 3)
	assert.Equal(t, 3, pc.TotalInteractions)
}

func testCheckpoints(t *testing.T, s Store) {
	ctx := context.Background()
	thread := domain.ThreadID("P1")

	has, err := s.HasCheckpoint(ctx, thread)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = s.LatestCheckpoint(ctx, thread)
	require.ErrorIs(t, err, domain.ErrCheckpointNotFound)

	base := time.Now().UTC().Truncate(time.Millisecond)
	nodes := []string{"start", "classification", "general_handler", "quality_evaluation"}
	phases := []domain.Phase{domain.PhaseClassifying, domain.PhaseGeneralHandling, domain.PhaseEvaluating, domain.PhaseFinalizing}
	for i, node := range nodes {
		state := domain.WorkflowState{
			WorkflowID:      "wf-1",
			ProjectID:       "P1",
			ThreadID:        thread,
			Phase:           phases[i],
			CurrentResponse: fmt.Sprintf("draft %d", i),
			MaxRetries:      3,
			Metadata:        map[string]any{"step": i},
		}
		require.NoError(t, s.SaveCheckpoint(ctx, domain.Checkpoint{
			ID:         fmt.Sprintf("cp-%d", i),
			ThreadID:   thread,
			WorkflowID: "wf-1",
			Step:       i,
			Node:       node,
			Phase:      phases[i],
			State:      state,
			CreatedAt:  base.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	require.NoError(t, s.SaveCheckpoint(ctx, domain.Checkpoint{
		ID: "other", ThreadID: domain.ThreadID("P2"), WorkflowID: "wf-2", Node: "start",
		Phase: domain.PhaseClassifying, CreatedAt: base,
	}))

	has, err = s.HasCheckpoint(ctx, thread)
	require.NoError(t, err)
	assert.True(t, has)

	latest, err := s.LatestCheckpoint(ctx, thread)
	require.NoError(t, err)
	assert.Equal(t, "cp-3", latest.ID)
	assert.Equal(t, 3, latest.Step)
	assert.Equal(t, "quality_evaluation", latest.Node)
	assert.Equal(t, domain.PhaseFinalizing, latest.Phase)
	assert.Equal(t, "draft 3", latest.State.CurrentResponse)
	assert.Equal(t, "wf-1", latest.State.WorkflowID)

	list, err := s.ListCheckpoints(ctx, thread, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "cp-3", list[0].ID)
	assert.Equal(t, "cp-2", list[1].ID)

	all, err := s.ListCheckpoints(ctx, thread, 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	unbounded, err := s.ListCheckpoints(ctx, thread, 0)
	require.NoError(t, err)
	assert.Len(t, unbounded, 4)
}
