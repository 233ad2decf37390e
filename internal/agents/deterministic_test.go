package agents

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/ticketflow/internal/core/domain"
)

func TestKeywordClassifier(t *testing.T) {
	tests := []struct {
		summary, comment string
		want             domain.Category
	}{
		{"Cannot log in", "My password reset link expired", domain.CategorySimple},
		{"Locked out", "2FA phone lost", domain.CategorySimple},
		{"Access denied", "I get forbidden on the board", domain.CategoryComplex},
		{"Automation", "The transition does not fire", domain.CategoryComplex},
		{"Billing", "Where can I download invoices?", domain.CategoryGeneral},
	}
	c := NewKeywordClassifier()
	for _, tt := range tests {
		t.Run(tt.summary, func(t *testing.T) {
			u := c.Classify(context.Background(), testState(tt.summary, tt.comment))
			require.False(t, u.HasError)
			require.NotNil(t, u.Classification)
			assert.Equal(t, tt.want, u.Classification.Category)
			assert.InDelta(t, 0.88, u.Classification.Confidence, 0.05)
			assert.Equal(t, "keyword_classifier", u.History[0].AgentName)
		})
	}
}

func TestTemplateHandler(t *testing.T) {
	h := NewTemplateHandler(HandlerLogin)
	state := testState("Cannot log in", "password expired")

	u := h.Handle(context.Background(), state)
	require.False(t, u.HasError)
	first := *u.CurrentResponse
	assert.True(t, strings.HasPrefix(first, "Hi Sam,"))
	assert.Contains(t, first, "Forgot password")
	assert.NotContains(t, first, "Additional notes")

	state.CurrentResponse = first
	state.RetryCount = 1
	state.QualityAssessment = &domain.QualityAssessment{Score: 60, ImprovementSuggestions: []string{"Mention SSO users"}}
	u = h.Handle(context.Background(), state)
	require.False(t, u.HasError)
	assert.Contains(t, *u.CurrentResponse, "Additional notes:\n- Mention SSO users")

	hs := DeterministicHandlers()
	assert.NotNil(t, hs.Login)
	assert.NotNil(t, hs.Complex)
	assert.NotNil(t, hs.General)
}

func TestHeuristicEvaluator(t *testing.T) {
	e := NewHeuristicEvaluator(75)

	state := testState("Cannot log in", "password")
	state.Classification = &domain.Classification{Category: domain.CategorySimple, Confidence: 0.9}
	state.CurrentResponse = *NewTemplateHandler(HandlerLogin).Handle(context.Background(), state).CurrentResponse

	u := e.Evaluate(context.Background(), state)
	require.False(t, u.HasError)
	qa := u.QualityAssessment
	assert.GreaterOrEqual(t, qa.Score, 75.0)
	assert.False(t, qa.RequiresImprovement)
	assert.Equal(t, domain.ActionFinalize, u.NextAction)

	state.CurrentResponse = "ok"
	state.Classification = nil
	u = e.Evaluate(context.Background(), state)
	require.False(t, u.HasError)
	assert.Equal(t, 50.0, u.QualityAssessment.Score)
	assert.True(t, u.QualityAssessment.RequiresImprovement)
	assert.Len(t, u.QualityAssessment.ImprovementSuggestions, 2)
	assert.Equal(t, domain.ActionImproveResponse, u.NextAction)
}

func TestFallbackDigest(t *testing.T) {
	turns := []domain.ConversationTurn{
		{UserQuestion: "reset password", Classification: domain.CategorySimple, Timestamp: time.Now()},
		{UserQuestion: strings.Repeat("x", 150), Classification: domain.CategoryComplex},
		{UserQuestion: "another reset", Classification: domain.CategorySimple},
		{UserQuestion: "no label"},
	}

	cc := FallbackDigest(turns)
	assert.Equal(t, "Conversation with 4 turns covering topics: COMPLEX, SIMPLE", cc.Summary)
	require.Len(t, cc.KeyDetails, 4)
	assert.Equal(t, "SIMPLE: reset password", cc.KeyDetails[0])
	assert.Len(t, cc.KeyDetails[1], len("COMPLEX: ")+100)
	assert.Equal(t, "UNKNOWN: no label", cc.KeyDetails[3])
	assert.Equal(t, []string{}, cc.UnresolvedIssues)

	empty := FallbackDigest(nil)
	assert.Equal(t, "Conversation with 0 turns covering topics: general support", empty.Summary)

	got, err := NewHeuristicSummarizer().Summarize(context.Background(), turns)
	require.NoError(t, err)
	assert.Equal(t, cc, got)
}

func TestHeuristicEvaluator_CategoryFit(t *testing.T) {
	e := NewHeuristicEvaluator(75)
	// long enough for both length bonuses, no helpful phrasing
	filler := strings.Repeat("account details reviewed. ", 25)

	tests := []struct {
		name     string
		category domain.Category
		response string
		want     float64
	}{
		{"sign-in draft mentions login", domain.CategorySimple, "Open the login page. " + filler, 90},
		{"sign-in draft ignores login", domain.CategorySimple, filler, 80},
		{"complex draft", domain.CategoryComplex, filler, 90},
		{"general draft", domain.CategoryGeneral, filler, 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := testState("Ticket", "question")
			state.Classification = &domain.Classification{Category: tt.category, Confidence: 0.9}
			state.CurrentResponse = tt.response

			u := e.Evaluate(context.Background(), state)
			require.False(t, u.HasError)
			assert.Equal(t, tt.want, u.QualityAssessment.Score)
		})
	}
}
