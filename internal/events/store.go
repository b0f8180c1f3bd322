// Package events implements the durable, append-only event timeline
// (spec.md §4.11) plus an optional local NATS fanout for live subscribers
// (dashboards, watchers) layered on top — the sqlite store remains the
// system of record regardless of whether fanout is enabled.
package events

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/digi4care/overstory-sub000/internal/common/errs"
	"github.com/digi4care/overstory-sub000/internal/domain"
	"github.com/digi4care/overstory-sub000/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_name TEXT NOT NULL,
	event_type TEXT NOT NULL,
	level      TEXT NOT NULL,
	run_id     TEXT,
	created_at DATETIME NOT NULL,
	payload    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_name, created_at, id);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at, id);
`

// Store is the durable, monotonically-id'd event timeline.
type Store struct {
	db *sqlx.DB
}

// Open prepares events.db at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := store.Open("events", dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.MustExec("events", db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Append inserts an event and returns its assigned, monotonic id — the
// cursor incremental-streaming consumers poll with `id > lastSeen`.
func (s *Store) Append(ev domain.StoredEvent) (int64, error) {
	const q = `
	INSERT INTO events (agent_name, event_type, level, run_id, created_at, payload)
	VALUES (:agent_name, :event_type, :level, :run_id, :created_at, :payload)
	`
	res, err := s.db.NamedExec(q, ev)
	if err != nil {
		return 0, &errs.StoreError{Store: "events", Op: "append", WrappedError: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &errs.StoreError{Store: "events", Op: "append", WrappedError: err}
	}
	return id, nil
}

// GetByAgent returns events for a single agent, ascending (createdAt, id).
func (s *Store) GetByAgent(agentName string, q domain.EventQuery) ([]domain.StoredEvent, error) {
	return s.query("agent_name = ?", []interface{}{agentName}, q)
}

// GetByRun returns events for a single run, ascending (createdAt, id).
func (s *Store) GetByRun(runID string, q domain.EventQuery) ([]domain.StoredEvent, error) {
	return s.query("run_id = ?", []interface{}{runID}, q)
}

// GetTimeline returns events across all agents, ascending (createdAt, id).
func (s *Store) GetTimeline(q domain.EventQuery) ([]domain.StoredEvent, error) {
	return s.query("", nil, q)
}

func (s *Store) query(whereClause string, whereArgs []interface{}, q domain.EventQuery) ([]domain.StoredEvent, error) {
	sqlStr := "SELECT * FROM events"
	var args []interface{}
	if whereClause != "" {
		sqlStr += " WHERE " + whereClause
		args = append(args, whereArgs...)
	}
	if q.Since != nil {
		sqlStr += boolOp(args) + "created_at >= ?"
		args = append(args, *q.Since)
	}
	if q.Until != nil {
		sqlStr += boolOp(args) + "created_at <= ?"
		args = append(args, *q.Until)
	}
	sqlStr += " ORDER BY created_at ASC, id ASC"
	if q.Limit > 0 {
		sqlStr += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	var out []domain.StoredEvent
	if err := s.db.Select(&out, sqlStr, args...); err != nil {
		return nil, &errs.StoreError{Store: "events", Op: "query", WrappedError: err}
	}
	return out, nil
}

// boolOp decides whether the next predicate needs "WHERE" or "AND",
// judged solely from whether any predicate has been appended yet.
func boolOp(argsSoFar []interface{}) string {
	if len(argsSoFar) == 0 {
		return " WHERE "
	}
	return " AND "
}
