package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/manthysbr/ticketflow/internal/core/domain"
	"github.com/manthysbr/ticketflow/internal/core/ports"
)

// KeywordClassifier routes on fixed keyword lists. No LLM involved.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

var (
	loginKeywords      = []string{"login", "log in", "password", "sign in", "2fa", "locked out"}
	permissionKeywords = []string{"permission", "access", "role", "forbidden"}
	workflowKeywords   = []string{"field", "workflow", "automation", "transition"}
)

func (c *KeywordClassifier) Classify(ctx context.Context, state domain.WorkflowState) domain.StateUpdate {
	return classify(ctx, "keyword_classifier", state, c.run)
}

func (c *KeywordClassifier) run(_ context.Context, state domain.WorkflowState) (domain.Classification, error) {
	text := strings.ToLower(state.OriginalRequest.Question())

	if hits := matchKeywords(text, loginKeywords); len(hits) > 0 {
		return domain.Classification{
			Category:      domain.CategorySimple,
			Confidence:    0.92,
			Reasoning:     "Request mentions account sign-in or password recovery",
			KeyIndicators: hits,
		}, nil
	}
	if hits := matchKeywords(text, permissionKeywords); len(hits) > 0 {
		return domain.Classification{
			Category:      domain.CategoryComplex,
			Confidence:    0.88,
			Reasoning:     "Request concerns permissions or access configuration",
			KeyIndicators: hits,
		}, nil
	}
	if hits := matchKeywords(text, workflowKeywords); len(hits) > 0 {
		return domain.Classification{
			Category:      domain.CategoryComplex,
			Confidence:    0.90,
			Reasoning:     "Request concerns field or workflow configuration",
			KeyIndicators: hits,
		}, nil
	}
	return domain.Classification{
		Category:      domain.CategoryGeneral,
		Confidence:    0.85,
		Reasoning:     "No specialised indicators found",
		KeyIndicators: []string{},
	}, nil
}

func matchKeywords(text string, keywords []string) []string {
	var hits []string
	for _, k := range keywords {
		if strings.Contains(text, k) {
			hits = append(hits, k)
		}
	}
	return hits
}

var templates = map[HandlerKind]struct {
	confidence float64
	body       string
}{
	HandlerLogin: {0.91, `Thanks for reaching out about signing in.

1. Open the login page and choose "Forgot password".
2. Enter the email address registered on your account.
3. Follow the reset link we email you; it is valid for 30 minutes.
4. If you use two-factor authentication, keep your authenticator app at hand.

If the reset email does not arrive within a few minutes, check your spam folder and let us know so we can verify your account.`},
	HandlerComplex: {0.88, `Thanks for the detailed report. This needs a configuration change on the project.

1. A project administrator should open Project settings.
2. Review the permission scheme and the roles granted to the affected users.
3. Check the workflow and field configuration used by this issue type.
4. Apply the change and ask the affected users to retry.

If you are not an administrator, please forward this to your project admin, or reply with the exact error message and we will investigate further.`},
	HandlerGeneral: {0.86, `Thanks for contacting support.

We have received your request and reviewed the details you shared. You can find step-by-step guides in our documentation, and our team is happy to help with anything that is not covered there.

Please reply with any additional details, such as screenshots or the exact steps you followed, and we will follow up as soon as possible.`},
}

// TemplateHandler answers with a canned response per handler kind. On retry
// it appends a section addressing the evaluator suggestions.
type TemplateHandler struct {
	kind HandlerKind
}

func NewTemplateHandler(kind HandlerKind) *TemplateHandler {
	return &TemplateHandler{kind: kind}
}

func (h *TemplateHandler) Handle(ctx context.Context, state domain.WorkflowState) domain.StateUpdate {
	return handle(ctx, h.kind, "template_"+h.kind.StepName(), state, h.run)
}

func (h *TemplateHandler) run(_ context.Context, state domain.WorkflowState) (Draft, error) {
	t, ok := templates[h.kind]
	if !ok {
		return Draft{}, fmt.Errorf("no template for handler %s", h.kind)
	}

	var b strings.Builder
	if name := strings.TrimSpace(state.OriginalRequest.Reporter); name != "" {
		fmt.Fprintf(&b, "Hi %s,\n\n", name)
	}
	b.WriteString(t.body)

	if qa := state.QualityAssessment; qa != nil && len(qa.ImprovementSuggestions) > 0 {
		b.WriteString("\n\nAdditional notes:\n")
		for _, s := range qa.ImprovementSuggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return Draft{Response: b.String(), Confidence: t.confidence}, nil
}

// DeterministicHandlers returns the template handler set.
func DeterministicHandlers() ports.Handlers {
	return ports.Handlers{
		Login:   NewTemplateHandler(HandlerLogin),
		Complex: NewTemplateHandler(HandlerComplex),
		General: NewTemplateHandler(HandlerGeneral),
	}
}

var helpfulPhrases = []string{"please", "step", "follow", "thanks", "let us know", "help"}

// HeuristicEvaluator scores drafts from length, phrasing and category fit.
type HeuristicEvaluator struct {
	threshold float64
}

func NewHeuristicEvaluator(threshold float64) *HeuristicEvaluator {
	if threshold <= 0 {
		threshold = 75
	}
	return &HeuristicEvaluator{threshold: threshold}
}

func (e *HeuristicEvaluator) Evaluate(ctx context.Context, state domain.WorkflowState) domain.StateUpdate {
	return evaluate(ctx, "heuristic_evaluator", state, e.run)
}

func (e *HeuristicEvaluator) run(_ context.Context, state domain.WorkflowState) (domain.QualityAssessment, error) {
	resp := state.CurrentResponse
	lower := strings.ToLower(resp)

	score := 50.0
	if len(resp) > 200 {
		score += 20
	}
	if len(resp) > 500 {
		score += 10
	}
	helpful := len(matchKeywords(lower, helpfulPhrases)) > 0
	if helpful {
		score += 15
	}
	if categoryFits(state.Classification, lower) {
		score += 10
	}
	score = domain.ClampScore(score)

	var suggestions []string
	if len(resp) <= 200 {
		suggestions = append(suggestions, "Provide more detail and concrete steps")
	}
	if !helpful {
		suggestions = append(suggestions, "Use a more helpful, actionable tone")
	}

	feedback := "Response is clear and actionable"
	if score < e.threshold {
		feedback = "Response needs more detail before it can be sent"
	}

	return domain.QualityAssessment{
		Score: score,
		Criteria: domain.QualityCriteria{
			Relevance:     score,
			Completeness:  domain.ClampScore(50 + float64(len(resp))/20),
			Tone:          boolScore(helpful, 90, 60),
			Actionability: boolScore(strings.Contains(lower, "1."), 90, 60),
			Accuracy:      score,
		},
		Feedback:               feedback,
		ImprovementSuggestions: suggestions,
		RequiresImprovement:    score < e.threshold,
	}, nil
}

// categoryFits reports whether a lowercased draft addresses its category.
// Sign-in drafts must talk about logging in; other categories fit by default.
func categoryFits(c *domain.Classification, lower string) bool {
	if c == nil {
		return false
	}
	switch c.Category {
	case domain.CategorySimple:
		return len(matchKeywords(lower, signInTerms)) > 0
	case domain.CategoryComplex, domain.CategoryGeneral:
		return true
	default:
		return false
	}
}

var signInTerms = []string{"login", "log in", "sign in", "signing in"}

func boolScore(ok bool, yes, no float64) float64 {
	if ok {
		return yes
	}
	return no
}

// HeuristicSummarizer builds digests without an LLM.
type HeuristicSummarizer struct{}

func NewHeuristicSummarizer() *HeuristicSummarizer {
	return &HeuristicSummarizer{}
}

// Summarize lists the topics seen and the first questions asked.
func (s *HeuristicSummarizer) Summarize(_ context.Context, turns []domain.ConversationTurn) (domain.CompressedContext, error) {
	return FallbackDigest(turns), nil
}

// FallbackDigest is the deterministic digest of a set of turns.
func FallbackDigest(turns []domain.ConversationTurn) domain.CompressedContext {
	seen := map[string]bool{}
	var topics []string
	for _, t := range turns {
		if t.Classification != "" && !seen[string(t.Classification)] {
			seen[string(t.Classification)] = true
			topics = append(topics, string(t.Classification))
		}
	}
	sort.Strings(topics)
	topicText := "general support"
	if len(topics) > 0 {
		topicText = strings.Join(topics, ", ")
	}

	details := []string{}
	for _, t := range turns {
		if len(details) == 5 {
			break
		}
		class := string(t.Classification)
		if class == "" {
			class = "UNKNOWN"
		}
		details = append(details, fmt.Sprintf("%s: %s", class, truncate(t.UserQuestion, 100)))
	}

	return domain.CompressedContext{
		Summary:          fmt.Sprintf("Conversation with %d turns covering topics: %s", len(turns), topicText),
		KeyDetails:       details,
		UnresolvedIssues: []string{},
		Decisions:        []string{},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
