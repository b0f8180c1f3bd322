package domain

import "time"

// MessageType is the closed set of mail categories.
type MessageType string

const (
	MessageStatus     MessageType = "status"
	MessageQuestion   MessageType = "question"
	MessageResult     MessageType = "result"
	MessageWorkerDone MessageType = "worker_done"
	MessageError      MessageType = "error"
	MessageCustom     MessageType = "custom"
)

// MessagePriority is informational only — it never reorders delivery
// (spec.md §4.9).
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// OrchestratorRecipient is the sentinel "to" value meaning the parent
// orchestrator rather than another agent.
const OrchestratorRecipient = "orchestrator"

// Message is a point-to-point mail record.
type Message struct {
	ID        int64           `db:"id" json:"id"`
	From      string          `db:"from_agent" json:"from"`
	To        string          `db:"to_agent" json:"to"`
	Subject   string          `db:"subject" json:"subject"`
	Body      string          `db:"body" json:"body"`
	Type      MessageType     `db:"type" json:"type"`
	Priority  MessagePriority `db:"priority" json:"priority"`
	ThreadID  *string         `db:"thread_id" json:"threadId,omitempty"`
	Read      bool            `db:"read" json:"read"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}

// MailFilter narrows a getAll query (spec.md §4.9).
type MailFilter struct {
	To       string
	From     string
	Unread   bool
	ThreadID string
	Limit    int
}
