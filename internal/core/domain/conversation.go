package domain

import (
	"math"
	"time"
)

// ConversationTurn is one stored interaction inside a project's raw history
type ConversationTurn struct {
	WorkflowID     string    `json:"workflow_id"`
	Timestamp      time.Time `json:"timestamp"`
	UserQuestion   string    `json:"user_question"`
	Classification Category  `json:"classification,omitempty"`
	AgentResponse  string    `json:"agent_response"`
	QualityScore   *float64  `json:"quality_score,omitempty"`
	TokenCount     int       `json:"token_count"`
}

// CompressedContext is the bounded digest of older turns
type CompressedContext struct {
	Summary          string    `json:"summary"`
	KeyDetails       []string  `json:"keyDetails"`
	UnresolvedIssues []string  `json:"unresolvedIssues"`
	Decisions        []string  `json:"decisions"`
	CompressedAt     time.Time `json:"compressedAt"`
	TokenCount       int       `json:"tokenCount"`
}

// ProjectContext is the persisted conversation record of one project.
// CompressedTurns counts the leading RawHistory turns already folded into
// CompressedContext.
type ProjectContext struct {
	ProjectID          string             `json:"project_id"`
	CompressedContext  *CompressedContext `json:"compressed_context,omitempty"`
	RawHistory         []ConversationTurn `json:"raw_history"`
	CompressedTurns    int                `json:"compressed_turns"`
	TotalInteractions  int                `json:"total_interactions"`
	TotalTokens        int                `json:"total_tokens"`
	LastClassification Category           `json:"last_classification,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	LastUpdated        time.Time          `json:"last_updated"`
}

// Interaction is what the engine appends after a run
type Interaction struct {
	ProjectID      string
	WorkflowID     string
	UserQuestion   string
	Classification Category
	AgentResponse  string
	QualityScore   *float64
	Tokens         int
	Timestamp      time.Time
}

// Turn converts the interaction into its raw history form.
func (i Interaction) Turn() ConversationTurn {
	return ConversationTurn{
		WorkflowID:     i.WorkflowID,
		Timestamp:      i.Timestamp,
		UserQuestion:   i.UserQuestion,
		Classification: i.Classification,
		AgentResponse:  i.AgentResponse,
		QualityScore:   i.QualityScore,
		TokenCount:     i.Tokens,
	}
}

// ProjectStats aggregates the conversation turn log of one project
type ProjectStats struct {
	ProjectID           string     `json:"project_id"`
	TotalTurns          int        `json:"total_turns"`
	TotalTokens         int        `json:"total_tokens"`
	AverageQualityScore *float64   `json:"average_quality_score,omitempty"`
	FirstInteraction    *time.Time `json:"first_interaction,omitempty"`
	LastInteraction     *time.Time `json:"last_interaction,omitempty"`
	HasCompressed       bool       `json:"has_compressed_context"`
}

// StoreStats aggregates the whole context store
type StoreStats struct {
	TotalProjects      int `json:"total_projects"`
	TotalTurns         int `json:"total_turns"`
	CompressedProjects int `json:"compressed_projects"`
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / 4))
}
