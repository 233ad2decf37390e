package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manthysbr/ticketflow/internal/core/domain"
)

func (r *Repository) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	query := `
	INSERT INTO checkpoints (id, thread_id, workflow_id, step, node, phase, state, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		state = excluded.state,
		phase = excluded.phase;
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		cp.ID, cp.ThreadID, cp.WorkflowID, cp.Step, cp.Node, string(cp.Phase),
		string(stateJSON), cp.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

const checkpointColumns = `id, thread_id, workflow_id, step, node, phase, state, created_at`

func (r *Repository) LatestCheckpoint(ctx context.Context, threadID string) (domain.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE thread_id = ?
		ORDER BY created_at DESC, step DESC LIMIT 1`
	cp, err := scanCheckpoint(r.db.QueryRowContext(ctx, r.rebind(query), threadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Checkpoint{}, fmt.Errorf("%w: %s", domain.ErrCheckpointNotFound, threadID)
		}
		return domain.Checkpoint{}, err
	}
	return cp, nil
}

func (r *Repository) HasCheckpoint(ctx context.Context, threadID string) (bool, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM checkpoints WHERE thread_id = ?`), threadID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	return n > 0, nil
}

func (r *Repository) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]domain.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE thread_id = ?
		ORDER BY created_at DESC, step DESC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var phase, stateJSON string
	if err := row.Scan(&cp.ID, &cp.ThreadID, &cp.WorkflowID, &cp.Step, &cp.Node, &phase, &stateJSON, &cp.CreatedAt); err != nil {
		return cp, err
	}
	cp.Phase = domain.Phase(phase)
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return cp, fmt.Errorf("failed to unmarshal checkpoint state: %w", err)
	}
	return cp, nil
}
