package ports

import (
	"context"
	"time"

	"github.com/manthysbr/ticketflow/internal/core/domain"
)

// Classifier assigns a triage category to the original request.
// Implementations never fail past their boundary: errors come back as a
// StateUpdate with HasError set and one failed history entry.
type Classifier interface {
	Classify(ctx context.Context, state domain.WorkflowState) domain.StateUpdate
}

// Handler drafts a response. On retry the state carries the previous
// draft and its quality assessment.
type Handler interface {
	Handle(ctx context.Context, state domain.WorkflowState) domain.StateUpdate
}

// Evaluator scores the current draft.
type Evaluator interface {
	Evaluate(ctx context.Context, state domain.WorkflowState) domain.StateUpdate
}

// Handlers groups the three response handlers by category
type Handlers struct {
	Login   Handler
	Complex Handler
	General Handler
}

// Summarizer turns older turns into a structured digest (usually via an LLM)
type Summarizer interface {
	Summarize(ctx context.Context, turns []domain.ConversationTurn) (domain.CompressedContext, error)
}

// CommentSink delivers a final response to the issue tracker
type CommentSink interface {
	PostComment(ctx context.Context, issueKey, body string) error
}

// ContextStore abstracts the persistent conversation context (DuckDB, Postgres)
type ContextStore interface {
	// GetProjectContext returns domain.ErrProjectContextNotFound when the project has no turns yet.
	GetProjectContext(ctx context.Context, projectID string) (domain.ProjectContext, error)

	// AppendInteraction creates the project row if absent, appends the turn
	// and bumps the aggregate counters in one transaction.
	AppendInteraction(ctx context.Context, in domain.Interaction) error

	// UpdateCompressedContext replaces the digest and moves the compression watermark.
	UpdateCompressedContext(ctx context.Context, projectID string, cc domain.CompressedContext, compressedTurns int) error

	// ListProjectsNeedingCompression returns projects over either threshold.
	ListProjectsNeedingCompression(ctx context.Context, turnThreshold, tokenThreshold int) ([]string, error)

	// DeleteTurnsBefore purges turn log rows older than cutoff.
	DeleteTurnsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Stats
	ProjectStats(ctx context.Context, projectID string) (domain.ProjectStats, error)
	StoreStats(ctx context.Context) (domain.StoreStats, error)

	Ping(ctx context.Context) error
}

// CheckpointStore persists workflow snapshots keyed by thread id
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error

	// LatestCheckpoint returns domain.ErrCheckpointNotFound for unknown threads.
	LatestCheckpoint(ctx context.Context, threadID string) (domain.Checkpoint, error)

	HasCheckpoint(ctx context.Context, threadID string) (bool, error)

	// ListCheckpoints returns the newest snapshots first.
	ListCheckpoints(ctx context.Context, threadID string, limit int) ([]domain.Checkpoint, error)
}
