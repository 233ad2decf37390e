package domain

// QualityCriteria holds the per-dimension scores, each in [0,100]
type QualityCriteria struct {
	Relevance     float64 `json:"relevance"`
	Completeness  float64 `json:"completeness"`
	Tone          float64 `json:"tone"`
	Actionability float64 `json:"actionability"`
	Accuracy      float64 `json:"accuracy"`
}

// QualityAssessment is the evaluator output
type QualityAssessment struct {
	Score                  float64         `json:"score"`
	Criteria               QualityCriteria `json:"criteria"`
	Feedback               string          `json:"feedback"`
	ImprovementSuggestions []string        `json:"improvement_suggestions"`
	RequiresImprovement    bool            `json:"requires_improvement"`
}

// ClampScore bounds a score to [0,100].
func ClampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Clamped returns a copy with every score bounded to [0,100].
func (a QualityAssessment) Clamped() QualityAssessment {
	a.Score = ClampScore(a.Score)
	a.Criteria.Relevance = ClampScore(a.Criteria.Relevance)
	a.Criteria.Completeness = ClampScore(a.Criteria.Completeness)
	a.Criteria.Tone = ClampScore(a.Criteria.Tone)
	a.Criteria.Actionability = ClampScore(a.Criteria.Actionability)
	a.Criteria.Accuracy = ClampScore(a.Criteria.Accuracy)
	return a
}
