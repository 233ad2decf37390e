package services

import (
	"math"

	"github.com/manthysbr/ticketflow/internal/core/domain"
)

// GateReason explains a quality gate decision
type GateReason string

const (
	GateAcceptedThreshold   GateReason = "threshold_met"
	GateAcceptedNearCeiling GateReason = "near_retry_ceiling"
	GateAcceptedExhausted   GateReason = "retry_budget_exhausted"
	GateAcceptedFallback    GateReason = "evaluator_failed"
	GateRetry               GateReason = "below_threshold"
)

// GateDecision is the accept/retry verdict for one evaluation
type GateDecision struct {
	Accept     bool
	Reason     GateReason
	Threshold  float64
	Assessment domain.QualityAssessment
}

// QualityGate decides whether a draft is accepted or sent back.
//
// Precedence, first match wins:
//  1. Evaluator failure: accept with the fallback score (only when the
//     policy allows it; otherwise the run fails).
//  2. The adaptive threshold overrides the evaluator's requires_improvement.
//  3. Near the ceiling (retry >= max-1) a score >= NearCeilingFloor is accepted.
//  4. With the budget spent (retry >= max) the draft is accepted as is.
//  5. Otherwise the draft is retried.
type QualityGate struct {
	policy domain.QualityPolicy
}

func NewQualityGate(policy domain.QualityPolicy) *QualityGate {
	return &QualityGate{policy: policy}
}

// Policy returns the thresholds in use.
func (g *QualityGate) Policy() domain.QualityPolicy {
	return g.policy
}

// Threshold is the acceptance score for a given retry count.
func (g *QualityGate) Threshold(retryCount int) float64 {
	if retryCount <= 0 {
		return g.policy.AcceptThreshold
	}
	relaxed := g.policy.AcceptThreshold - g.policy.RetryThresholdStep*float64(retryCount)
	return math.Max(g.policy.RetryThresholdFloor, relaxed)
}

// Decide applies rules 2-5 to a real assessment.
func (g *QualityGate) Decide(a domain.QualityAssessment, retryCount, maxRetries int) GateDecision {
	threshold := g.Threshold(retryCount)
	a.RequiresImprovement = a.Score < threshold

	d := GateDecision{Threshold: threshold, Assessment: a}
	switch {
	case !a.RequiresImprovement:
		d.Accept, d.Reason = true, GateAcceptedThreshold
	case retryCount >= maxRetries-1 && a.Score >= g.policy.NearCeilingFloor:
		d.Accept, d.Reason = true, GateAcceptedNearCeiling
	case retryCount >= maxRetries:
		d.Accept, d.Reason = true, GateAcceptedExhausted
	default:
		d.Accept, d.Reason = false, GateRetry
	}
	return d
}

// Fallback is the neutral assessment used when the evaluator itself fails.
// The second result is false when policy forbids accepting.
func (g *QualityGate) Fallback(cause string) (GateDecision, bool) {
	if !g.policy.AcceptOnEvaluatorError {
		return GateDecision{}, false
	}
	score := g.policy.FallbackScore
	return GateDecision{
		Accept:    true,
		Reason:    GateAcceptedFallback,
		Threshold: g.policy.AcceptThreshold,
		Assessment: domain.QualityAssessment{
			Score: score,
			Criteria: domain.QualityCriteria{
				Relevance: score, Completeness: score, Tone: score, Actionability: score, Accuracy: score,
			},
			Feedback:               "Quality evaluation failed, proceeding with response: " + cause,
			ImprovementSuggestions: []string{},
			RequiresImprovement:    false,
		},
	}, true
}

// QualitySummary labels a score for reports.
func QualitySummary(score float64) string {
	switch {
	case score >= 90:
		return "Excellent"
	case score >= 75:
		return "Good"
	case score >= 60:
		return "Acceptable"
	default:
		return "Needs Improvement"
	}
}
