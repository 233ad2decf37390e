package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/manthysbr/ticketflow/internal/core/domain"
	"github.com/manthysbr/ticketflow/internal/core/ports"
)

// LLMClassifier asks the model for a JSON classification
type LLMClassifier struct {
	logger *slog.Logger
	llm    domain.LLMProvider
	model  string
}

func NewLLMClassifier(logger *slog.Logger, llm domain.LLMProvider, model string) *LLMClassifier {
	return &LLMClassifier{logger: logger, llm: llm, model: model}
}

func (c *LLMClassifier) Classify(ctx context.Context, state domain.WorkflowState) domain.StateUpdate {
	return classify(ctx, "llm_classifier", state, c.run)
}

func (c *LLMClassifier) run(ctx context.Context, state domain.WorkflowState) (domain.Classification, error) {
	out, err := c.llm.Complete(ctx, domain.CompletionRequest{
		Model: c.model,
		Messages: []domain.ChatMessage{
			{Role: domain.ChatRoleSystem, Content: classifierSystemPrompt},
			{Role: domain.ChatRoleUser, Content: requestBlock(state.OriginalRequest)},
		},
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return domain.Classification{}, fmt.Errorf("classification call failed: %w", err)
	}

	var parsed struct {
		Category      string   `json:"category"`
		Confidence    float64  `json:"confidence"`
		Reasoning     string   `json:"reasoning"`
		KeyIndicators []string `json:"key_indicators"`
	}
	if err := decodeModelJSON(out.Content, &parsed); err != nil {
		c.logger.Warn("unparseable classification", "workflow_id", state.WorkflowID, "error", err)
		return domain.Classification{}, err
	}
	return domain.Classification{
		Category:      domain.Category(parsed.Category),
		Confidence:    parsed.Confidence,
		Reasoning:     parsed.Reasoning,
		KeyIndicators: parsed.KeyIndicators,
	}, nil
}

// LLMHandler drafts responses with a kind-specific system prompt. On retry
// the prompt carries the previous draft and reviewer feedback.
type LLMHandler struct {
	kind  HandlerKind
	llm   domain.LLMProvider
	model string
}

func NewLLMHandler(kind HandlerKind, llm domain.LLMProvider, model string) *LLMHandler {
	return &LLMHandler{kind: kind, llm: llm, model: model}
}

func (h *LLMHandler) Handle(ctx context.Context, state domain.WorkflowState) domain.StateUpdate {
	return handle(ctx, h.kind, "llm_"+h.kind.StepName(), state, h.run)
}

func (h *LLMHandler) run(ctx context.Context, state domain.WorkflowState) (Draft, error) {
	temperature := 0.3
	if state.RetryCount > 0 {
		temperature = 0.5
	}
	out, err := h.llm.Complete(ctx, domain.CompletionRequest{
		Model: h.model,
		Messages: []domain.ChatMessage{
			{Role: domain.ChatRoleSystem, Content: handlerSystemPrompts[h.kind]},
			{Role: domain.ChatRoleUser, Content: handlerUserPrompt(state)},
		},
		Temperature: temperature,
	})
	if err != nil {
		return Draft{}, fmt.Errorf("%s call failed: %w", h.kind.StepName(), err)
	}

	confidence := 0.8
	if state.Classification != nil {
		confidence = state.Classification.Confidence
	}
	return Draft{Response: out.Content, Confidence: confidence}, nil
}

// LLMHandlers returns the LLM-backed handler set.
func LLMHandlers(llm domain.LLMProvider, model string) ports.Handlers {
	return ports.Handlers{
		Login:   NewLLMHandler(HandlerLogin, llm, model),
		Complex: NewLLMHandler(HandlerComplex, llm, model),
		General: NewLLMHandler(HandlerGeneral, llm, model),
	}
}

// LLMEvaluator asks the model to grade the current draft
type LLMEvaluator struct {
	llm   domain.LLMProvider
	model string
}

func NewLLMEvaluator(llm domain.LLMProvider, model string) *LLMEvaluator {
	return &LLMEvaluator{llm: llm, model: model}
}

func (e *LLMEvaluator) Evaluate(ctx context.Context, state domain.WorkflowState) domain.StateUpdate {
	return evaluate(ctx, "llm_quality_evaluator", state, e.run)
}

func (e *LLMEvaluator) run(ctx context.Context, state domain.WorkflowState) (domain.QualityAssessment, error) {
	out, err := e.llm.Complete(ctx, domain.CompletionRequest{
		Model: e.model,
		Messages: []domain.ChatMessage{
			{Role: domain.ChatRoleSystem, Content: evaluatorSystemPrompt},
			{Role: domain.ChatRoleUser, Content: evaluatorUserPrompt(state)},
		},
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return domain.QualityAssessment{}, fmt.Errorf("quality evaluation call failed: %w", err)
	}

	var a domain.QualityAssessment
	if err := decodeModelJSON(out.Content, &a); err != nil {
		return domain.QualityAssessment{}, err
	}
	return a, nil
}

// LLMSummarizer compresses turns into a structured digest
type LLMSummarizer struct {
	llm       domain.LLMProvider
	model     string
	maxTokens int
}

func NewLLMSummarizer(llm domain.LLMProvider, model string, maxTokens int) *LLMSummarizer {
	return &LLMSummarizer{llm: llm, model: model, maxTokens: maxTokens}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, turns []domain.ConversationTurn) (domain.CompressedContext, error) {
	out, err := s.llm.Complete(ctx, domain.CompletionRequest{
		Model: s.model,
		Messages: []domain.ChatMessage{
			{Role: domain.ChatRoleSystem, Content: summarizerSystemPrompt},
			{Role: domain.ChatRoleUser, Content: summarizerUserPrompt(turns)},
		},
		Temperature: 0.2,
		MaxTokens:   s.maxTokens,
		JSONMode:    true,
	})
	if err != nil {
		return domain.CompressedContext{}, fmt.Errorf("summarization call failed: %w", err)
	}

	var cc domain.CompressedContext
	if err := decodeModelJSON(out.Content, &cc); err != nil {
		return domain.CompressedContext{}, err
	}
	if cc.Summary == "" {
		return domain.CompressedContext{}, fmt.Errorf("summarization returned an empty summary")
	}
	return cc, nil
}
