package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/manthysbr/ticketflow/internal/core/domain"
	"github.com/manthysbr/ticketflow/internal/core/ports"
)

var (
	_ ports.ContextStore    = (*Store)(nil)
	_ ports.CheckpointStore = (*Store)(nil)
)

type turnRecord struct {
	projectID string
	turn      domain.ConversationTurn
}

// Store keeps contexts and checkpoints in process memory.
// Values are deep-copied on the way in and out.
type Store struct {
	mu          sync.RWMutex
	contexts    map[string]domain.ProjectContext
	turns       []turnRecord
	checkpoints map[string][]domain.Checkpoint // Key: thread id, oldest first
}

func NewStore() *Store {
	return &Store{
		contexts:    make(map[string]domain.ProjectContext),
		checkpoints: make(map[string][]domain.Checkpoint),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) GetProjectContext(ctx context.Context, projectID string) (domain.ProjectContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pc, ok := s.contexts[projectID]
	if !ok {
		return domain.ProjectContext{}, fmt.Errorf("%w: %s", domain.ErrProjectContextNotFound, projectID)
	}
	return deepCopy(pc)
}

func (s *Store) AppendInteraction(ctx context.Context, in domain.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	pc, ok := s.contexts[in.ProjectID]
	if !ok {
		pc = domain.ProjectContext{ProjectID: in.ProjectID, CreatedAt: now}
	}
	turn := in.Turn()
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	} else {
		turn.Timestamp = turn.Timestamp.UTC()
	}
	pc.RawHistory = append(append([]domain.ConversationTurn(nil), pc.RawHistory...), turn)
	pc.TotalInteractions++
	pc.TotalTokens += in.Tokens
	if in.Classification != "" {
		pc.LastClassification = in.Classification
	}
	pc.LastUpdated = now
	s.contexts[in.ProjectID] = pc

	s.turns = append(s.turns, turnRecord{projectID: in.ProjectID, turn: turn})
	return nil
}

func (s *Store) UpdateCompressedContext(ctx context.Context, projectID string, cc domain.CompressedContext, compressedTurns int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pc, ok := s.contexts[projectID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrProjectContextNotFound, projectID)
	}
	cp, err := deepCopy(cc)
	if err != nil {
		return err
	}
	pc.CompressedContext = &cp
	pc.CompressedTurns = compressedTurns
	pc.LastUpdated = time.Now().UTC()
	s.contexts[projectID] = pc
	return nil
}

func (s *Store) ListProjectsNeedingCompression(ctx context.Context, turnThreshold, tokenThreshold int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, pc := range s.contexts {
		if pc.TotalInteractions > turnThreshold || pc.TotalTokens > tokenThreshold {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) DeleteTurnsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.turns[:0]
	var deleted int64
	for _, r := range s.turns {
		if r.turn.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.turns = kept
	return deleted, nil
}

func (s *Store) ProjectStats(ctx context.Context, projectID string) (domain.ProjectStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.ProjectStats{ProjectID: projectID}
	if pc, ok := s.contexts[projectID]; ok {
		stats.HasCompressed = pc.CompressedContext != nil
	}

	var scoreSum float64
	var scored int
	for _, r := range s.turns {
		if r.projectID != projectID {
			continue
		}
		t := r.turn
		stats.TotalTurns++
		stats.TotalTokens += t.TokenCount
		if t.QualityScore != nil {
			scoreSum += *t.QualityScore
			scored++
		}
		ts := t.Timestamp
		if stats.FirstInteraction == nil || ts.Before(*stats.FirstInteraction) {
			stats.FirstInteraction = &ts
		}
		if stats.LastInteraction == nil || ts.After(*stats.LastInteraction) {
			stats.LastInteraction = &ts
		}
	}
	if scored > 0 {
		avg := scoreSum / float64(scored)
		stats.AverageQualityScore = &avg
	}
	return stats, nil
}

func (s *Store) StoreStats(ctx context.Context) (domain.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.StoreStats{TotalProjects: len(s.contexts), TotalTurns: len(s.turns)}
	for _, pc := range s.contexts {
		if pc.CompressedContext != nil {
			stats.CompressedProjects++
		}
	}
	return stats, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	c, err := deepCopy(cp)
	if err != nil {
		return fmt.Errorf("failed to copy checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ThreadID] = append(s.checkpoints[cp.ThreadID], c)
	return nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, threadID string) (domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.checkpoints[threadID]
	if len(list) == 0 {
		return domain.Checkpoint{}, fmt.Errorf("%w: %s", domain.ErrCheckpointNotFound, threadID)
	}
	return deepCopy(list[len(list)-1])
}

func (s *Store) HasCheckpoint(ctx context.Context, threadID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.checkpoints[threadID]) > 0, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.checkpoints[threadID]
	out := make([]domain.Checkpoint, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		c, err := deepCopy(list[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func deepCopy[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}
