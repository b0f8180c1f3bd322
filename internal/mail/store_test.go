package mail

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/digi4care/overstory-sub000/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSendThenGetAllUnreadThenMarkRead(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Send(domain.Message{
		From: "scout-1", To: "lead-1", Subject: "found it", Body: "...",
		Type: domain.MessageResult, Priority: domain.PriorityNormal,
	})
	require.NoError(t, err)

	unread, err := s.GetAll(domain.MailFilter{To: "lead-1", Unread: true})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	require.Equal(t, id, unread[0].ID)

	require.NoError(t, s.MarkRead(id))

	unread, err = s.GetAll(domain.MailFilter{To: "lead-1", Unread: true})
	require.NoError(t, err)
	require.Len(t, unread, 0)
}

func TestReplyInheritsThread(t *testing.T) {
	s := newTestStore(t)
	parentID, err := s.Send(domain.Message{
		From: "lead-1", To: "scout-1", Subject: "go look", Body: "...",
		Type: domain.MessageQuestion, Priority: domain.PriorityNormal,
	})
	require.NoError(t, err)

	replyID, err := s.Reply(parentID, domain.Message{
		From: "scout-1", To: "lead-1", Subject: "re: go look", Body: "done",
		Type: domain.MessageResult, Priority: domain.PriorityNormal,
	})
	require.NoError(t, err)

	msgs, err := s.GetAll(domain.MailFilter{To: "lead-1"})
	require.NoError(t, err)
	var reply *domain.Message
	for i := range msgs {
		if msgs[i].ID == replyID {
			reply = &msgs[i]
		}
	}
	require.NotNil(t, reply)
	require.NotNil(t, reply.ThreadID)
}

func TestCheckMarksReadAsSideEffect(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Send(domain.Message{
		From: "builder-1", To: "orchestrator", Subject: "status", Body: "ok",
		Type: domain.MessageStatus, Priority: domain.PriorityLow,
	})
	require.NoError(t, err)

	msgs, err := s.Check("orchestrator")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	again, err := s.GetAll(domain.MailFilter{To: "orchestrator", Unread: true})
	require.NoError(t, err)
	require.Len(t, again, 0)
}
