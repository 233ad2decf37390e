package services

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

type EventType string

const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventNodeCompleted     EventType = "node.completed"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventContextCompressed EventType = "context.compressed"
)

type Event struct {
	ProjectID  string
	WorkflowID string
	Type       EventType
	Data       string // JSON payload
	Timestamp  int64
}

// EventBus fans workflow events out to subscribers keyed by project id
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event // Key: ProjectID, "" for global
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel that receives events for one project
func (b *EventBus) Subscribe(projectID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100)
	b.subs[projectID] = append(b.subs[projectID], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[projectID]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[projectID] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[projectID]) == 0 {
				delete(b.subs, projectID)
			}
		})
	}

	return ch, unsub
}

// SubscribeGlobal receives every event regardless of project
func (b *EventBus) SubscribeGlobal() (<-chan Event, func()) {
	return b.Subscribe("")
}

// Publish sends an event to the project's subscribers and the global ones.
// Full subscriber channels drop the event rather than block the workflow.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	targets := b.subs[e.ProjectID]
	if e.ProjectID != "" {
		targets = append(targets[:len(targets):len(targets)], b.subs[""]...)
	}

	for _, ch := range targets {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event bus channel full, dropping event", "project_id", e.ProjectID, "type", e.Type)
		}
	}
}

// emit marshals payload and publishes it; a nil bus is a no-op.
func (b *EventBus) emit(projectID, workflowID string, t EventType, payload map[string]any) {
	if b == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("failed to marshal event payload", "type", t, "error", err)
		return
	}
	b.Publish(Event{
		ProjectID:  projectID,
		WorkflowID: workflowID,
		Type:       t,
		Data:       string(data),
		Timestamp:  time.Now().UnixMilli(),
	})
}
