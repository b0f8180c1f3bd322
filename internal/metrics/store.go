// Package metrics implements the session-metrics store (spec.md §6:
// "metrics.db Session metrics (startedAt, durationMs, capability)"). A row
// is written once per completed session; Overstory exposes the write path
// and a ListMetrics query, nothing more — turning these rows into a dollar
// estimate is a peripheral, unbuilt concern (spec.md §1 Non-goals).
package metrics

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/digi4care/overstory-sub000/internal/common/errs"
	"github.com/digi4care/overstory-sub000/internal/domain"
	"github.com/digi4care/overstory-sub000/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_metrics (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	capability  TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	duration_ms INTEGER NOT NULL,
	recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_metrics_capability ON session_metrics(capability, recorded_at);
CREATE INDEX IF NOT EXISTS idx_session_metrics_recorded ON session_metrics(recorded_at, id);
`

// Store is the append-only session-metrics table.
type Store struct {
	db *sqlx.DB
}

// Open prepares metrics.db at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := store.Open("metrics", dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.MustExec("metrics", db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Record inserts one completed session's metric row and returns its
// assigned id.
func (s *Store) Record(m domain.SessionMetric) (int64, error) {
	const q = `
	INSERT INTO session_metrics (session_id, capability, started_at, duration_ms, recorded_at)
	VALUES (:session_id, :capability, :started_at, :duration_ms, :recorded_at)
	`
	res, err := s.db.NamedExec(q, m)
	if err != nil {
		return 0, &errs.StoreError{Store: "metrics", Op: "record", WrappedError: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &errs.StoreError{Store: "metrics", Op: "record", WrappedError: err}
	}
	return id, nil
}

// ListMetrics returns recorded rows matching q, ascending (recordedAt, id).
func (s *Store) ListMetrics(q domain.MetricsQuery) ([]domain.SessionMetric, error) {
	sqlStr := "SELECT * FROM session_metrics"
	var args []interface{}
	if q.Capability != "" {
		sqlStr += boolOp(args) + "capability = ?"
		args = append(args, q.Capability)
	}
	if q.Since != nil {
		sqlStr += boolOp(args) + "recorded_at >= ?"
		args = append(args, *q.Since)
	}
	if q.Until != nil {
		sqlStr += boolOp(args) + "recorded_at <= ?"
		args = append(args, *q.Until)
	}
	sqlStr += " ORDER BY recorded_at ASC, id ASC"
	if q.Limit > 0 {
		sqlStr += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	var out []domain.SessionMetric
	if err := s.db.Select(&out, sqlStr, args...); err != nil {
		return nil, &errs.StoreError{Store: "metrics", Op: "query", WrappedError: err}
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
