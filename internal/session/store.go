package session

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/digi4care/overstory-sub000/internal/common/errs"
	"github.com/digi4care/overstory-sub000/internal/domain"
	"github.com/digi4care/overstory-sub000/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
	agent_name    TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL,
	capability    TEXT NOT NULL,
	worktree_path TEXT NOT NULL,
	branch_name   TEXT NOT NULL,
	pane_id       TEXT NOT NULL,
	state         TEXT NOT NULL,
	pid           INTEGER,
	parent_agent  TEXT,
	depth         INTEGER NOT NULL DEFAULT 0,
	run_id        TEXT,
	started_at    DATETIME NOT NULL,
	last_activity DATETIME NOT NULL,
	runtime       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_sessions_state ON agent_sessions(state);
CREATE INDEX IF NOT EXISTS idx_agent_sessions_run_id ON agent_sessions(run_id);
`

// Store is the sqlite-backed repository of AgentSession rows (spec.md §3,
// §4.1). Once a session is registered, Store is its single owner — every
// other component observes it by name only.
type Store struct {
	db *sqlx.DB
}

// Open prepares sessions.db at dbPath, creating its schema if absent.
func Open(dbPath string) (*Store, error) {
	db, err := store.Open("sessions", dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.MustExec("sessions", db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Register inserts a new session row with its initial state, per spec.md
// §4.6 step 8. The spawner is the only writer of state at creation time.
func (s *Store) Register(sess domain.AgentSession) error {
	const q = `
	INSERT INTO agent_sessions
		(agent_name, task_id, capability, worktree_path, branch_name, pane_id,
		 state, pid, parent_agent, depth, run_id, started_at, last_activity, runtime)
	VALUES
		(:agent_name, :task_id, :capability, :worktree_path, :branch_name, :pane_id,
		 :state, :pid, :parent_agent, :depth, :run_id, :started_at, :last_activity, :runtime)
	`
	if _, err := s.db.NamedExec(q, sess); err != nil {
		return &errs.StoreError{Store: "sessions", Op: "register", WrappedError: err}
	}
	return nil
}

// Get fetches one session by agent name.
func (s *Store) Get(agentName string) (*domain.AgentSession, error) {
	var sess domain.AgentSession
	err := s.db.Get(&sess, `SELECT * FROM agent_sessions WHERE agent_name = ?`, agentName)
	if err != nil {
		return nil, &errs.StoreError{Store: "sessions", Op: "get", WrappedError: err}
	}
	return &sess, nil
}

// ListNonCompleted returns every session not in the terminal `completed`
// state, the watchdog's per-tick snapshot (spec.md §4.8).
func (s *Store) ListNonCompleted() ([]domain.AgentSession, error) {
	var out []domain.AgentSession
	err := s.db.Select(&out, `SELECT * FROM agent_sessions WHERE state != ? ORDER BY started_at`, domain.StateCompleted)
	if err != nil {
		return nil, &errs.StoreError{Store: "sessions", Op: "list_non_completed", WrappedError: err}
	}
	return out, nil
}

// ListAll returns every session regardless of state, newest first — the
// dashboard gateway's read-only snapshot.
func (s *Store) ListAll() ([]domain.AgentSession, error) {
	var out []domain.AgentSession
	err := s.db.Select(&out, `SELECT * FROM agent_sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, &errs.StoreError{Store: "sessions", Op: "list_all", WrappedError: err}
	}
	return out, nil
}

// MostRecentActive returns the most recently started session that is not
// `completed` — stagger-delay input per spec.md §4.6 step 2. Returns nil,
// nil when no such session exists.
func (s *Store) MostRecentActive() (*domain.AgentSession, error) {
	var sess domain.AgentSession
	err := s.db.Get(&sess, `
		SELECT * FROM agent_sessions
		WHERE state != ?
		ORDER BY started_at DESC
		LIMIT 1
	`, domain.StateCompleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &errs.StoreError{Store: "sessions", Op: "most_recent_active", WrappedError: err}
	}
	return &sess, nil
}

// UpdateState applies TransitionState and persists the result, enforcing
// monotonicity at the store boundary so concurrent callers can never race
// a session backward (spec.md §4.7, §5).
func (s *Store) UpdateState(agentName string, proposed domain.SessionState) (domain.SessionState, error) {
	sess, err := s.Get(agentName)
	if err != nil {
		return "", err
	}
	next := TransitionState(sess.State, proposed)
	if next == sess.State {
		return next, nil
	}
	res, execErr := s.db.Exec(`UPDATE agent_sessions SET state = ? WHERE agent_name = ? AND state = ?`, next, agentName, sess.State)
	if execErr != nil {
		return "", &errs.StoreError{Store: "sessions", Op: "update_state", WrappedError: execErr}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Another caller changed the state first; re-apply from the new state.
		return s.UpdateState(agentName, proposed)
	}
	return next, nil
}

// TouchActivity bumps lastActivity to now, used by the tool-start/tool-end
// hook commands (spec.md §6 hook command surface).
func (s *Store) TouchActivity(agentName string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE agent_sessions SET last_activity = ? WHERE agent_name = ?`, now, agentName)
	if err != nil {
		return &errs.StoreError{Store: "sessions", Op: "touch_activity", WrappedError: err}
	}
	return nil
}

// Delete removes a session row outright — used only by the spawner's
// rollback path (spec.md §4.6), never by ordinary lifecycle code.
func (s *Store) Delete(agentName string) error {
	_, err := s.db.Exec(`DELETE FROM agent_sessions WHERE agent_name = ?`, agentName)
	if err != nil {
		return &errs.StoreError{Store: "sessions", Op: "delete", WrappedError: err}
	}
	return nil
}

// CountChildren returns how many non-completed sessions have parentAgent
// as their parent, used to enforce a parent's sub-agent ceiling at spawn
// time (spec.md §4.6 inputs).
func (s *Store) CountChildren(parentAgent string) (int, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM agent_sessions WHERE parent_agent = ? AND state != ?`, parentAgent, domain.StateCompleted)
	if err != nil {
		return 0, &errs.StoreError{Store: "sessions", Op: "count_children", WrappedError: err}
	}
	return n, nil
}
