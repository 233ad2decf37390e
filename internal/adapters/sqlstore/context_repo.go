package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/manthysbr/ticketflow/internal/core/domain"
)

func (r *Repository) GetProjectContext(ctx context.Context, projectID string) (domain.ProjectContext, error) {
	query := `SELECT project_id, compressed_context, raw_history, compressed_turns, total_interactions,
		total_tokens, last_classification, created_at, last_updated
		FROM project_contexts WHERE project_id = ?`

	var pc domain.ProjectContext
	var compressed, lastClass sql.NullString
	var rawHistory string
	err := r.db.QueryRowContext(ctx, r.rebind(query), projectID).Scan(
		&pc.ProjectID, &compressed, &rawHistory, &pc.CompressedTurns, &pc.TotalInteractions,
		&pc.TotalTokens, &lastClass, &pc.CreatedAt, &pc.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ProjectContext{}, fmt.Errorf("%w: %s", domain.ErrProjectContextNotFound, projectID)
		}
		return domain.ProjectContext{}, fmt.Errorf("failed to query project context: %w", err)
	}

	if err := json.Unmarshal([]byte(rawHistory), &pc.RawHistory); err != nil {
		return domain.ProjectContext{}, fmt.Errorf("failed to unmarshal raw history: %w", err)
	}
	if compressed.Valid && compressed.String != "" {
		var cc domain.CompressedContext
		if err := json.Unmarshal([]byte(compressed.String), &cc); err != nil {
			return domain.ProjectContext{}, fmt.Errorf("failed to unmarshal compressed context: %w", err)
		}
		pc.CompressedContext = &cc
	}
	pc.LastClassification = domain.Category(lastClass.String)
	return pc, nil
}

// AppendInteraction runs in one transaction: ensure row, append turn,
// bump counters, log the turn.
func (r *Repository) AppendInteraction(ctx context.Context, in domain.Interaction) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	ts := in.Timestamp.UTC()
	if in.Timestamp.IsZero() {
		ts = now
	}

	if _, err := tx.ExecContext(ctx, r.rebind(`
		INSERT INTO project_contexts (project_id, raw_history, compressed_turns, total_interactions, total_tokens, created_at, last_updated)
		VALUES (?, '[]', 0, 0, 0, ?, ?)
		ON CONFLICT (project_id) DO NOTHING`), in.ProjectID, now, now); err != nil {
		return fmt.Errorf("failed to create project context: %w", err)
	}

	var rawHistory string
	var lastClass sql.NullString
	if err := tx.QueryRowContext(ctx,
		r.rebind(`SELECT raw_history, last_classification FROM project_contexts WHERE project_id = ?`), in.ProjectID,
	).Scan(&rawHistory, &lastClass); err != nil {
		return fmt.Errorf("failed to read raw history: %w", err)
	}

	var history []domain.ConversationTurn
	if err := json.Unmarshal([]byte(rawHistory), &history); err != nil {
		return fmt.Errorf("failed to unmarshal raw history: %w", err)
	}
	turn := in.Turn()
	turn.Timestamp = ts
	history = append(history, turn)
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal raw history: %w", err)
	}

	class := lastClass.String
	if in.Classification != "" {
		class = string(in.Classification)
	}

	if _, err := tx.ExecContext(ctx, r.rebind(`
		UPDATE project_contexts SET
			raw_history = ?,
			total_interactions = total_interactions + 1,
			total_tokens = total_tokens + ?,
			last_classification = ?,
			last_updated = ?
		WHERE project_id = ?`),
		string(historyJSON), in.Tokens, class, now, in.ProjectID,
	); err != nil {
		return fmt.Errorf("failed to update project context: %w", err)
	}

	var classification, score any
	if in.Classification != "" {
		classification = string(in.Classification)
	}
	if in.QualityScore != nil {
		score = *in.QualityScore
	}
	if _, err := tx.ExecContext(ctx, r.rebind(`
		INSERT INTO conversation_turns (id, project_id, workflow_id, user_question, classification, agent_response, quality_score, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.New().String(), in.ProjectID, in.WorkflowID, in.UserQuestion, classification, in.AgentResponse, score, in.Tokens, ts,
	); err != nil {
		return fmt.Errorf("failed to insert conversation turn: %w", err)
	}

	return tx.Commit()
}

func (r *Repository) UpdateCompressedContext(ctx context.Context, projectID string, cc domain.CompressedContext, compressedTurns int) error {
	data, err := json.Marshal(cc)
	if err != nil {
		return fmt.Errorf("failed to marshal compressed context: %w", err)
	}
	res, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE project_contexts SET compressed_context = ?, compressed_turns = ?, last_updated = ?
		WHERE project_id = ?`),
		string(data), compressedTurns, time.Now().UTC(), projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to update compressed context: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrProjectContextNotFound, projectID)
	}
	return nil
}

func (r *Repository) ListProjectsNeedingCompression(ctx context.Context, turnThreshold, tokenThreshold int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT project_id FROM project_contexts
		WHERE total_interactions > ? OR total_tokens > ?
		ORDER BY project_id`), turnThreshold, tokenThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) DeleteTurnsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM conversation_turns WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old turns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted turns: %w", err)
	}
	return n, nil
}

func (r *Repository) ProjectStats(ctx context.Context, projectID string) (domain.ProjectStats, error) {
	stats := domain.ProjectStats{ProjectID: projectID}

	var avg sql.NullFloat64
	var first, last sql.NullTime
	var turns, tokens int64
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT COUNT(*), CAST(COALESCE(SUM(token_count), 0) AS BIGINT), AVG(quality_score), MIN(created_at), MAX(created_at)
		FROM conversation_turns WHERE project_id = ?`), projectID,
	).Scan(&turns, &tokens, &avg, &first, &last)
	if err != nil {
		return stats, fmt.Errorf("failed to query project stats: %w", err)
	}
	stats.TotalTurns = int(turns)
	stats.TotalTokens = int(tokens)
	if avg.Valid {
		v := avg.Float64
		stats.AverageQualityScore = &v
	}
	if first.Valid {
		t := first.Time
		stats.FirstInteraction = &t
	}
	if last.Valid {
		t := last.Time
		stats.LastInteraction = &t
	}

	var compressed sql.NullString
	err = r.db.QueryRowContext(ctx, r.rebind(`SELECT compressed_context FROM project_contexts WHERE project_id = ?`), projectID).Scan(&compressed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return stats, fmt.Errorf("failed to query project context: %w", err)
	}
	stats.HasCompressed = compressed.Valid && compressed.String != ""
	return stats, nil
}

func (r *Repository) StoreStats(ctx context.Context) (domain.StoreStats, error) {
	var projects, compressed, turns int64
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT COUNT(*), COUNT(compressed_context) FROM project_contexts`),
	).Scan(&projects, &compressed)
	if err != nil {
		return domain.StoreStats{}, fmt.Errorf("failed to query project totals: %w", err)
	}
	if err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM conversation_turns`)).Scan(&turns); err != nil {
		return domain.StoreStats{}, fmt.Errorf("failed to query turn totals: %w", err)
	}
	return domain.StoreStats{
		TotalProjects:      int(projects),
		TotalTurns:         int(turns),
		CompressedProjects: int(compressed),
	}, nil
}
