package natsbus

import (
	"log/slog"
	"time"
)

const (
	EventTaskCreated   = "task_created"
	EventTaskAssigned  = "task_assigned"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskCancelled = "task_cancelled"
	EventAgentStatus   = "agent_status"
)

// Event is the JSON payload published on events.* topics.
type Event struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	TaskType  string    `json:"task_type,omitempty"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Credits   int64     `json:"credits"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the part of Client that event producers need.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Topic returns the subject an event belongs on.
func (e Event) Topic() string {
	if e.TaskID != "" {
		return TopicEventsTask(e.TaskID)
	}
	return TopicEventsAgent(e.AgentID)
}

// Emit publishes ev on its topic. A nil publisher drops the event.
func Emit(p Publisher, ev Event) {
	if p == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := p.PublishJSON(ev.Topic(), ev); err != nil {
		slog.Warn("publish event failed", "type", ev.Type, "task", ev.TaskID, "error", err)
	}
}
