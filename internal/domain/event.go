package domain

import "time"

// EventType is the closed set of event-bus entry kinds.
type EventType string

const (
	EventToolStart     EventType = "tool_start"
	EventToolEnd       EventType = "tool_end"
	EventSessionStart  EventType = "session_start"
	EventSessionEnd    EventType = "session_end"
	EventMailSent      EventType = "mail_sent"
	EventMailReceived  EventType = "mail_received"
	EventSpawn         EventType = "spawn"
	EventError         EventType = "error"
	EventCustom        EventType = "custom"
)

// EventLevel is the severity of a StoredEvent.
type EventLevel string

const (
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// StoredEvent is one append-only timeline entry (spec.md §3, §4.11).
type StoredEvent struct {
	ID        int64      `db:"id" json:"id"`
	AgentName string     `db:"agent_name" json:"agentName"`
	EventType EventType  `db:"event_type" json:"eventType"`
	Level     EventLevel `db:"level" json:"level"`
	RunID     *string    `db:"run_id" json:"runId,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	Payload   string     `db:"payload" json:"payload,omitempty"`
}

// EventQuery bounds a timeline/agent/run query (spec.md §4.11).
type EventQuery struct {
	Since *time.Time
	Until *time.Time
	Limit int
}
