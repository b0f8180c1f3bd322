// Package merge implements the merge queue and merger (spec.md §4.10): a
// durable FIFO of completed branches and the serial drain loop that
// integrates them into the canonical branch, escalating through a tiered
// conflict-resolution strategy.
package merge

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
CREATE TABLE IF NOT EXISTS merge_queue (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	branch_name      TEXT NOT NULL,
	agent_name       TEXT NOT NULL,
	status           TEXT NOT NULL,
	enqueued_at      DATETIME NOT NULL,
	conflict_summary TEXT
);
CREATE INDEX IF NOT EXISTS idx_merge_queue_status ON merge_queue(status, enqueued_at);
`

// Store is the durable, single-writer merge queue.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the merge-queue store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := store.Open("merge-queue", dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.MustExec("merge-queue", db, schema); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Enqueue appends a pending entry; FIFO order is enforced by enqueued_at
// (spec.md §4.10).
func (s *Store) Enqueue(branchName, agentName string) (int64, error) {
	res, err := s.db.NamedExec(`
		INSERT INTO merge_queue (branch_name, agent_name, status, enqueued_at)
		VALUES (:branch_name, :agent_name, :status, :enqueued_at)`,
		map[string]interface{}{
			"branch_name": branchName,
			"agent_name":  agentName,
			"status":      domain.MergePending,
			"enqueued_at": time.Now().UTC(),
		})
	if err != nil {
		return 0, &errs.StoreError{Store: "merge-queue", Op: "enqueue", WrappedError: err}
	}
	return res.LastInsertId()
}

// ClaimNext returns the oldest pending entry and marks it merging, or nil
// if the queue is empty. The merger drains the queue strictly serially —
// callers must not call ClaimNext again before the prior entry reaches a
// terminal status (spec.md §4.10 invariant).
func (s *Store) ClaimNext() (*domain.MergeQueueEntry, error) {
	var entry domain.MergeQueueEntry
	err := s.db.Get(&entry, `
		SELECT id, branch_name, agent_name, status, enqueued_at, conflict_summary
		FROM merge_queue WHERE status = ? ORDER BY enqueued_at ASC, id ASC LIMIT 1`,
		domain.MergePending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &errs.StoreError{Store: "merge-queue", Op: "claimNext", WrappedError: err}
	}

	if _, err := s.db.Exec(`UPDATE merge_queue SET status = ? WHERE id = ?`, domain.MergeMerging, entry.ID); err != nil {
		return nil, &errs.StoreError{Store: "merge-queue", Op: "claimNext", WrappedError: err}
	}
	entry.Status = domain.MergeMerging
	return &entry, nil
}

// SetStatus transitions an entry to a terminal (or intermediate) status,
// optionally recording a conflict summary.
func (s *Store) SetStatus(id int64, status domain.MergeStatus, conflictSummary string) error {
	var summary interface{}
	if conflictSummary != "" {
		summary = conflictSummary
	}
	if _, err := s.db.Exec(`UPDATE merge_queue SET status = ?, conflict_summary = ? WHERE id = ?`, status, summary, id); err != nil {
		return &errs.StoreError{Store: "merge-queue", Op: "setStatus", WrappedError: err}
	}
	return nil
}

// List returns queue entries in enqueued_at order, optionally filtered by
// status ("" for all).
func (s *Store) List(status domain.MergeStatus) ([]domain.MergeQueueEntry, error) {
	var entries []domain.MergeQueueEntry
	var err error
	if status == "" {
		err = s.db.Select(&entries, `SELECT id, branch_name, agent_name, status, enqueued_at, conflict_summary FROM merge_queue ORDER BY enqueued_at ASC, id ASC`)
	} else {
		err = s.db.Select(&entries, `SELECT id, branch_name, agent_name, status, enqueued_at, conflict_summary FROM merge_queue WHERE status = ? ORDER BY enqueued_at ASC, id ASC`, status)
	}
	if err != nil {
		return nil, &errs.StoreError{Store: "merge-queue", Op: "list", WrappedError: err}
	}
	return entries, nil
}
