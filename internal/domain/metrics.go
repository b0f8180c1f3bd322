package domain

import "time"

// SessionMetric is one completed session's cost-estimation input (spec.md
// §6: "Session metrics (startedAt, durationMs, capability)"). Overstory
// only records these; turning them into a dollar estimate is out of scope.
type SessionMetric struct {
	ID         int64      `db:"id" json:"id"`
	SessionID  string     `db:"session_id" json:"sessionId"`
	Capability Capability `db:"capability" json:"capability"`
	StartedAt  time.Time  `db:"started_at" json:"startedAt"`
	DurationMs int64      `db:"duration_ms" json:"durationMs"`
	RecordedAt time.Time  `db:"recorded_at" json:"recordedAt"`
}

// MetricsQuery bounds a ListMetrics call.
type MetricsQuery struct {
	Capability Capability
	Since      *time.Time
	Until      *time.Time
	Limit      int
}
