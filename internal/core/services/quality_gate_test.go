package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/manthysbr/ticketflow/internal/core/domain"
)

func TestQualityGate_Threshold(t *testing.T) {
	g := NewQualityGate(domain.DefaultQualityPolicy())

	assert.Equal(t, 75.0, g.Threshold(0))
	assert.Equal(t, 70.0, g.Threshold(1))
	assert.Equal(t, 65.0, g.Threshold(2))
	assert.Equal(t, 65.0, g.Threshold(3))
	assert.Equal(t, 65.0, g.Threshold(10))
}

func TestQualityGate_Decide(t *testing.T) {
	g := NewQualityGate(domain.DefaultQualityPolicy())

	tests := []struct {
		name       string
		score      float64
		requires   bool
		retry, max int
		accept     bool
		reason     GateReason
	}{
		{"meets first threshold", 80, false, 0, 3, true, GateAcceptedThreshold},
		{"threshold overrides evaluator flag", 76, true, 0, 3, true, GateAcceptedThreshold},
		{"evaluator satisfied but under threshold", 72, false, 0, 3, false, GateRetry},
		{"relaxed threshold on retry", 71, true, 1, 3, true, GateAcceptedThreshold},
		{"low score early retries", 50, true, 0, 3, false, GateRetry},
		{"second retry still below floor", 55, true, 1, 3, false, GateRetry},
		{"near ceiling accepts sixty", 60, true, 2, 3, true, GateAcceptedNearCeiling},
		{"near ceiling rejects fifty nine", 59, true, 2, 3, false, GateRetry},
		{"budget exhausted", 10, true, 3, 3, true, GateAcceptedExhausted},
		{"zero budget accepts", 20, true, 0, 0, true, GateAcceptedExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Decide(domain.QualityAssessment{Score: tt.score, RequiresImprovement: tt.requires}, tt.retry, tt.max)
			assert.Equal(t, tt.accept, d.Accept)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.score < d.Threshold, d.Assessment.RequiresImprovement)
		})
	}
}

func TestQualityGate_Fallback(t *testing.T) {
	g := NewQualityGate(domain.DefaultQualityPolicy())

	d, ok := g.Fallback("timeout")
	assert.True(t, ok)
	assert.True(t, d.Accept)
	assert.Equal(t, GateAcceptedFallback, d.Reason)
	assert.Equal(t, 50.0, d.Assessment.Score)
	assert.Equal(t, 50.0, d.Assessment.Criteria.Tone)
	assert.False(t, d.Assessment.RequiresImprovement)
	assert.Contains(t, d.Assessment.Feedback, "timeout")

	policy := domain.DefaultQualityPolicy()
	policy.AcceptOnEvaluatorError = false
	_, ok = NewQualityGate(policy).Fallback("timeout")
	assert.False(t, ok)
}

func TestQualitySummary(t *testing.T) {
	assert.Equal(t, "Excellent", QualitySummary(95))
	assert.Equal(t, "Good", QualitySummary(75))
	assert.Equal(t, "Acceptable", QualitySummary(60))
	assert.Equal(t, "Needs Improvement", QualitySummary(59.9))
}
