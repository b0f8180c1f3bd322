// Package mail implements the point-to-point message bus agents and the
// orchestrator use to coordinate (spec.md §4.9).
package mail

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/digi4care/overstory-sub000/internal/common/errs"
	"github.com/digi4care/overstory-sub000/internal/domain"
	"github.com/digi4care/overstory-sub000/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	from_agent TEXT NOT NULL,
	to_agent   TEXT NOT NULL,
	subject    TEXT NOT NULL,
	body       TEXT NOT NULL,
	type       TEXT NOT NULL,
	priority   TEXT NOT NULL,
	thread_id  TEXT,
	read       INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_to_read ON messages(to_agent, read);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
`

// Store is the sqlite-backed mailbox (spec.md §3 Message, §4.9).
type Store struct {
	db *sqlx.DB
}

// Open prepares mail.db at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := store.Open("mail", dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.MustExec("mail", db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Send inserts a message and returns its assigned id.
func (s *Store) Send(msg domain.Message) (int64, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	const q = `
	INSERT INTO messages (from_agent, to_agent, subject, body, type, priority, thread_id, read, created_at)
	VALUES (:from_agent, :to_agent, :subject, :body, :type, :priority, :thread_id, :read, :created_at)
	`
	res, err := s.db.NamedExec(q, msg)
	if err != nil {
		return 0, &errs.StoreError{Store: "mail", Op: "send", WrappedError: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &errs.StoreError{Store: "mail", Op: "send", WrappedError: err}
	}
	return id, nil
}

// Reply sends a message threaded under parentID, inheriting its threadId
// (or starting one, keyed on the parent's id, if the parent had none).
func (s *Store) Reply(parentID int64, msg domain.Message) (int64, error) {
	var parent domain.Message
	if err := s.db.Get(&parent, `SELECT * FROM messages WHERE id = ?`, parentID); err != nil {
		return 0, &errs.StoreError{Store: "mail", Op: "reply", WrappedError: err}
	}
	threadID := parent.ThreadID
	if threadID == nil {
		tid := fmt.Sprintf("%d", parent.ID)
		threadID = &tid
	}
	msg.ThreadID = threadID
	return s.Send(msg)
}

// GetAll returns messages matching filter, ordered by createdAt within
// each (to, threadId) grouping (spec.md §4.9).
func (s *Store) GetAll(filter domain.MailFilter) ([]domain.Message, error) {
	var clauses []string
	var args []interface{}

	if filter.To != "" {
		clauses = append(clauses, "to_agent = ?")
		args = append(args, filter.To)
	}
	if filter.From != "" {
		clauses = append(clauses, "from_agent = ?")
		args = append(args, filter.From)
	}
	if filter.Unread {
		clauses = append(clauses, "read = 0")
	}
	if filter.ThreadID != "" {
		clauses = append(clauses, "thread_id = ?")
		args = append(args, filter.ThreadID)
	}

	q := "SELECT * FROM messages"
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var out []domain.Message
	if err := s.db.Select(&out, q, args...); err != nil {
		return nil, &errs.StoreError{Store: "mail", Op: "get_all", WrappedError: err}
	}
	return out, nil
}

// MarkRead flips a message's read flag. Safe to retry: re-marking an
// already-read message is a no-op, not an error (spec.md §4.9 delivery
// semantics).
func (s *Store) MarkRead(id int64) error {
	if _, err := s.db.Exec(`UPDATE messages SET read = 1 WHERE id = ?`, id); err != nil {
		return &errs.StoreError{Store: "mail", Op: "mark_read", WrappedError: err}
	}
	return nil
}

// Check returns unread mail for agent and marks it read in the same call,
// the shape the runtime's pre-prompt hook uses to inject coordination
// context into the agent's next turn (spec.md §4.9, §6).
func (s *Store) Check(agent string) ([]domain.Message, error) {
	msgs, err := s.GetAll(domain.MailFilter{To: agent, Unread: true})
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if err := s.MarkRead(m.ID); err != nil {
			return msgs, err
		}
	}
	return msgs, nil
}
