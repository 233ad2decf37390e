package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/manthysbr/ticketflow/internal/core/domain"
	"github.com/manthysbr/ticketflow/internal/core/ports"
	"github.com/manthysbr/ticketflow/internal/metrics"
)

const newConversationText = "*This is a new conversation with no previous history.*"

// ContextStats summarizes a project's stored history
type ContextStats struct {
	TotalInteractions int        `json:"total_interactions"`
	TotalTokens       int        `json:"total_tokens"`
	HasHistory        bool       `json:"has_history"`
	LastUpdated       *time.Time `json:"last_updated,omitempty"`
}

// RetrievedContext is the ready-to-inject context bundle of a project
type RetrievedContext struct {
	ProjectID         string                    `json:"project_id"`
	CompressedSummary *domain.CompressedContext `json:"compressed_summary,omitempty"`
	RecentTurns       []domain.ConversationTurn `json:"recent_turns"`
	Stats             ContextStats              `json:"stats"`
	FormattedContext  string                    `json:"formatted_context"`
}

// ContextRetriever reads project context and keeps its digest compressed
type ContextRetriever struct {
	logger     *slog.Logger
	store      ports.ContextStore
	compressor *ContextCompressor
	cfg        domain.CompressionConfig
	eventBus   *EventBus // optional; nil-safe
}

func NewContextRetriever(logger *slog.Logger, store ports.ContextStore, compressor *ContextCompressor, cfg domain.CompressionConfig, eventBus *EventBus) *ContextRetriever {
	return &ContextRetriever{
		logger:     logger,
		store:      store,
		compressor: compressor,
		cfg:        cfg,
		eventBus:   eventBus,
	}
}

// RetrieveContext loads the digest and the most recent turns of a project.
// An unknown project yields an empty bundle, not an error.
func (r *ContextRetriever) RetrieveContext(ctx context.Context, projectID string) (RetrievedContext, error) {
	pc, err := r.store.GetProjectContext(ctx, projectID)
	if errors.Is(err, domain.ErrProjectContextNotFound) {
		return RetrievedContext{
			ProjectID:        projectID,
			RecentTurns:      []domain.ConversationTurn{},
			FormattedContext: newConversationText,
		}, nil
	}
	if err != nil {
		return RetrievedContext{}, fmt.Errorf("failed to load project context: %w", err)
	}

	recent := recentTurns(pc.RawHistory, r.cfg.KeepRecentTurns)
	lastUpdated := pc.LastUpdated
	return RetrievedContext{
		ProjectID:         projectID,
		CompressedSummary: pc.CompressedContext,
		RecentTurns:       recent,
		Stats: ContextStats{
			TotalInteractions: pc.TotalInteractions,
			TotalTokens:       pc.TotalTokens,
			HasHistory:        pc.TotalInteractions > 0,
			LastUpdated:       &lastUpdated,
		},
		FormattedContext: FormatContext(pc.CompressedContext, recent),
	}, nil
}

// BuildContextForState produces the historical context of a new run.
// Store failures degrade to "no history" and are logged.
func (r *ContextRetriever) BuildContextForState(ctx context.Context, projectID string) domain.HistoricalContext {
	rc, err := r.RetrieveContext(ctx, projectID)
	if err != nil {
		r.logger.Warn("context retrieval failed, continuing without history", "project_id", projectID, "error", err)
		return domain.HistoricalContext{FormattedContext: newConversationText}
	}
	return domain.HistoricalContext{
		HasHistory:       rc.Stats.HasHistory,
		ContextSummary:   summarize(rc),
		FormattedContext: rc.FormattedContext,
	}
}

// ContextSummary returns a one-paragraph description of a project's history.
func (r *ContextRetriever) ContextSummary(ctx context.Context, projectID string) (string, error) {
	rc, err := r.RetrieveContext(ctx, projectID)
	if err != nil {
		return "", err
	}
	return summarize(rc), nil
}

func summarize(rc RetrievedContext) string {
	if !rc.Stats.HasHistory {
		return "No previous interactions."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d previous interaction(s).", rc.Stats.TotalInteractions)
	if rc.CompressedSummary != nil && rc.CompressedSummary.Summary != "" {
		b.WriteString(" ")
		b.WriteString(rc.CompressedSummary.Summary)
	}
	if n := len(rc.RecentTurns); n > 0 {
		last := rc.RecentTurns[n-1]
		fmt.Fprintf(&b, " Last question: %s", truncateText(last.UserQuestion, 160))
	}
	return b.String()
}

// ShouldCompress reports whether a project crossed a compression threshold.
func (r *ContextRetriever) ShouldCompress(ctx context.Context, projectID string) (bool, error) {
	pc, err := r.store.GetProjectContext(ctx, projectID)
	if errors.Is(err, domain.ErrProjectContextNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load project context: %w", err)
	}
	return r.overThreshold(pc), nil
}

func (r *ContextRetriever) overThreshold(pc domain.ProjectContext) bool {
	return pc.TotalInteractions > r.cfg.TurnThreshold || pc.TotalTokens > r.cfg.TokenThreshold
}

// TriggerCompressionIfNeeded compresses and merges when a threshold is
// crossed. A nil result means nothing was compressed.
func (r *ContextRetriever) TriggerCompressionIfNeeded(ctx context.Context, projectID string) (*CompressionResult, error) {
	pc, err := r.store.GetProjectContext(ctx, projectID)
	if errors.Is(err, domain.ErrProjectContextNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project context: %w", err)
	}
	if !r.overThreshold(pc) {
		return nil, nil
	}
	return r.compress(ctx, pc)
}

// ForceCompression compresses regardless of thresholds.
func (r *ContextRetriever) ForceCompression(ctx context.Context, projectID string) (*CompressionResult, error) {
	pc, err := r.store.GetProjectContext(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load project context: %w", err)
	}
	return r.compress(ctx, pc)
}

// compress folds the turns past the watermark, except the recent window,
// into the stored digest.
func (r *ContextRetriever) compress(ctx context.Context, pc domain.ProjectContext) (*CompressionResult, error) {
	from := pc.CompressedTurns
	if from > len(pc.RawHistory) {
		from = len(pc.RawHistory)
	}
	pending := pc.RawHistory[from:]
	if len(pending) <= r.cfg.KeepRecentTurns {
		r.logger.Debug("no new turns to compress", "project_id", pc.ProjectID, "watermark", from)
		return nil, nil
	}

	res := r.compressor.Compress(ctx, pending, r.cfg.KeepRecentTurns)
	merged := MergeCompressed(pc.CompressedContext, res.Compressed, r.cfg.MaxCompressedTokens)
	watermark := from + res.CompressedCount

	if err := r.store.UpdateCompressedContext(ctx, pc.ProjectID, merged, watermark); err != nil {
		return nil, fmt.Errorf("failed to store compressed context: %w", err)
	}
	metrics.RecordCompression(string(res.Mode))

	r.logger.Info("context compressed",
		"project_id", pc.ProjectID,
		"mode", res.Mode,
		"turns", res.CompressedCount,
		"ratio", res.CompressionRatio,
	)
	r.eventBus.emit(pc.ProjectID, "", EventContextCompressed, map[string]any{
		"mode":              res.Mode,
		"compressed_turns":  res.CompressedCount,
		"compression_ratio": res.CompressionRatio,
	})

	res.Compressed = merged
	return &res, nil
}

// FormatContext renders a digest and recent turns (oldest first) as
// markdown for prompt injection.
func FormatContext(cc *domain.CompressedContext, recent []domain.ConversationTurn) string {
	if cc == nil && len(recent) == 0 {
		return newConversationText
	}

	var b strings.Builder
	b.WriteString("## Historical Context\n\n")

	if cc != nil {
		b.WriteString("### Previous Conversation Summary\n")
		b.WriteString(cc.Summary)
		b.WriteString("\n\n")
		writeList(&b, "Key Details", cc.KeyDetails)
		writeList(&b, "Unresolved Issues", cc.UnresolvedIssues)
		writeList(&b, "Decisions Made", cc.Decisions)
	}

	if len(recent) > 0 {
		b.WriteString("### Recent Conversation History\n\n")
		for i, t := range recent {
			fmt.Fprintf(&b, "**Turn %d** (%s)\n", i+1, t.Timestamp.UTC().Format(time.RFC3339))
			if t.Classification != "" {
				fmt.Fprintf(&b, "*Classification: %s*\n", t.Classification)
			}
			fmt.Fprintf(&b, "**User:** %s\n", t.UserQuestion)
			fmt.Fprintf(&b, "**Agent:** %s\n\n", t.AgentResponse)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "**%s:**\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}

func recentTurns(history []domain.ConversationTurn, n int) []domain.ConversationTurn {
	if n <= 0 || len(history) == 0 {
		return []domain.ConversationTurn{}
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}
	return append([]domain.ConversationTurn(nil), history...)
}

func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
