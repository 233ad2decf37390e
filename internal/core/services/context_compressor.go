package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"
	"unicode/utf8"

	"github.com/manthysbr/ticketflow/internal/core/domain"
	"github.com/manthysbr/ticketflow/internal/core/ports"
)

// Merge windows for compressed context arrays
const (
	maxKeyDetails       = 10
	maxUnresolvedIssues = 5
	maxDecisions        = 10
)

// CompressionMode tells how a digest was produced
type CompressionMode string

const (
	CompressionLLM      CompressionMode = "llm"
	CompressionFallback CompressionMode = "fallback"
	CompressionMinimal  CompressionMode = "minimal"
)

// CompressionResult is the outcome of one Compress call
type CompressionResult struct {
	Compressed       domain.CompressedContext  `json:"compressed"`
	KeptTurns        []domain.ConversationTurn `json:"kept_turns"`
	CompressedCount  int                       `json:"compressed_count"`
	OriginalTokens   int                       `json:"original_tokens"`
	CompressedTokens int                       `json:"compressed_tokens"`
	CompressionRatio int                       `json:"compression_ratio"`
	Mode             CompressionMode           `json:"mode"`
}

// ContextCompressor folds older turns into a bounded digest
type ContextCompressor struct {
	logger     *slog.Logger
	summarizer ports.Summarizer // nil means heuristic only
	fallback   func([]domain.ConversationTurn) domain.CompressedContext
	maxTokens  int
}

// NewContextCompressor wires the summarizer and the deterministic fallback used when it fails.
func NewContextCompressor(logger *slog.Logger, summarizer ports.Summarizer, fallback func([]domain.ConversationTurn) domain.CompressedContext, maxTokens int) *ContextCompressor {
	return &ContextCompressor{
		logger:     logger,
		summarizer: summarizer,
		fallback:   fallback,
		maxTokens:  maxTokens,
	}
}

// Compress splits turns into an older part to summarize and the most
// recent keepRecent turns kept verbatim. It never fails.
func (c *ContextCompressor) Compress(ctx context.Context, turns []domain.ConversationTurn, keepRecent int) CompressionResult {
	if keepRecent < 0 {
		keepRecent = 0
	}
	split := len(turns) - keepRecent
	if split < 0 {
		split = 0
	}
	toCompress := turns[:split]
	toKeep := append([]domain.ConversationTurn(nil), turns[split:]...)

	originalTokens := estimateJSONTokens(turns)

	if len(toCompress) == 0 {
		compressedTokens := int(math.Round(float64(originalTokens) * 0.5))
		return CompressionResult{
			Compressed: domain.CompressedContext{
				Summary:          fmt.Sprintf("Short conversation with %d turn(s)", len(turns)),
				KeyDetails:       []string{},
				UnresolvedIssues: []string{},
				Decisions:        []string{},
				CompressedAt:     time.Now().UTC(),
				TokenCount:       compressedTokens,
			},
			KeptTurns:        toKeep,
			OriginalTokens:   originalTokens,
			CompressedTokens: compressedTokens,
			CompressionRatio: compressionRatio(originalTokens, compressedTokens),
			Mode:             CompressionMinimal,
		}
	}

	mode := CompressionLLM
	var digest domain.CompressedContext
	var err error
	if c.summarizer != nil {
		digest, err = c.summarizer.Summarize(ctx, toCompress)
	} else {
		err = fmt.Errorf("no summarizer configured")
	}
	if err != nil {
		c.logger.Warn("context summarization failed, using heuristic digest", "turns", len(toCompress), "error", err)
		mode = CompressionFallback
		digest = c.fallbackDigest(toCompress)
	}

	digest = normalizeDigest(digest)
	digest.CompressedAt = time.Now().UTC()
	digest = capDigestTokens(digest, c.maxTokens)

	return CompressionResult{
		Compressed:       digest,
		KeptTurns:        toKeep,
		CompressedCount:  len(toCompress),
		OriginalTokens:   originalTokens,
		CompressedTokens: digest.TokenCount,
		CompressionRatio: compressionRatio(originalTokens, digest.TokenCount),
		Mode:             mode,
	}
}

func (c *ContextCompressor) fallbackDigest(turns []domain.ConversationTurn) domain.CompressedContext {
	if c.fallback != nil {
		return c.fallback(turns)
	}
	return domain.CompressedContext{
		Summary: fmt.Sprintf("Conversation with %d turns covering topics: general support", len(turns)),
	}
}

// MergeCompressed folds next into existing. Arrays are union-deduplicated
// in order and capped to their most recent window.
func MergeCompressed(existing *domain.CompressedContext, next domain.CompressedContext, maxTokens int) domain.CompressedContext {
	next = normalizeDigest(next)
	if existing == nil {
		return capDigestTokens(next, maxTokens)
	}

	merged := domain.CompressedContext{
		Summary:          existing.Summary + "\n\nRecent update: " + next.Summary,
		KeyDetails:       mergeWindow(existing.KeyDetails, next.KeyDetails, maxKeyDetails),
		UnresolvedIssues: mergeWindow(existing.UnresolvedIssues, next.UnresolvedIssues, maxUnresolvedIssues),
		Decisions:        mergeWindow(existing.Decisions, next.Decisions, maxDecisions),
		CompressedAt:     next.CompressedAt,
	}
	return capDigestTokens(merged, maxTokens)
}

func mergeWindow(a, b []string, limit int) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func normalizeDigest(d domain.CompressedContext) domain.CompressedContext {
	if d.KeyDetails == nil {
		d.KeyDetails = []string{}
	}
	if d.UnresolvedIssues == nil {
		d.UnresolvedIssues = []string{}
	}
	if d.Decisions == nil {
		d.Decisions = []string{}
	}
	return d
}

// capDigestTokens trims the oldest summary text until the encoded digest
// fits maxTokens, then drops the oldest list entries if the summary alone
// is not enough. TokenCount is refreshed. maxTokens <= 0 disables the cap.
func capDigestTokens(d domain.CompressedContext, maxTokens int) domain.CompressedContext {
	d = withTokenCount(d)
	if maxTokens <= 0 {
		return d
	}
	for d.TokenCount > maxTokens {
		excess := (d.TokenCount - maxTokens) * 4
		switch {
		case d.Summary != "":
			d.Summary = trimEncodedPrefix(d.Summary, excess)
		case len(d.KeyDetails) > 0:
			d.KeyDetails = d.KeyDetails[1:]
		case len(d.UnresolvedIssues) > 0:
			d.UnresolvedIssues = d.UnresolvedIssues[1:]
		case len(d.Decisions) > 0:
			d.Decisions = d.Decisions[1:]
		default:
			return d
		}
		d = withTokenCount(d)
	}
	return d
}

// withTokenCount sets TokenCount to the size of the digest that carries it.
func withTokenCount(d domain.CompressedContext) domain.CompressedContext {
	for i := 0; i < 4; i++ {
		n := estimateJSONTokens(d)
		if n == d.TokenCount {
			break
		}
		d.TokenCount = n
	}
	return d
}

// trimEncodedPrefix drops leading runes of s worth at least n bytes once
// JSON-encoded.
func trimEncodedPrefix(s string, n int) string {
	dropped := 0
	for i, r := range s {
		if dropped >= n {
			return s[i:]
		}
		dropped += encodedLen(r)
	}
	return ""
}

func encodedLen(r rune) int {
	data, err := json.Marshal(string(r))
	if err != nil {
		return utf8.RuneLen(r)
	}
	return len(data) - 2
}

func compressionRatio(original, compressed int) int {
	if original <= 0 {
		return 0
	}
	return int(math.Round((1 - float64(compressed)/float64(original)) * 100))
}

func estimateJSONTokens(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return domain.EstimateTokens(string(data))
}
