package domain

import "time"

const threadPrefix = "project:"

// ThreadID derives the checkpoint thread key for a project.
func ThreadID(projectID string) string {
	return threadPrefix + projectID
}

// ProjectIDFromThread reverses ThreadID by convention.
func ProjectIDFromThread(threadID string) (string, bool) {
	if len(threadID) <= len(threadPrefix) || threadID[:len(threadPrefix)] != threadPrefix {
		return "", false
	}
	return threadID[len(threadPrefix):], true
}

// Checkpoint is a persisted snapshot of a run taken after a node transition
type Checkpoint struct {
	ID         string        `json:"id"`
	ThreadID   string        `json:"thread_id"`
	WorkflowID string        `json:"workflow_id"`
	Step       int           `json:"step"`
	Node       string        `json:"node"`
	Phase      Phase         `json:"phase"`
	State      WorkflowState `json:"state"`
	CreatedAt  time.Time     `json:"created_at"`
}
