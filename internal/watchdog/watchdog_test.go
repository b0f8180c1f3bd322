package watchdog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/digi4care/overstory-sub000/internal/common/config"
	"github.com/digi4care/overstory-sub000/internal/domain"
	"github.com/digi4care/overstory-sub000/internal/events"
	"github.com/digi4care/overstory-sub000/internal/mail"
	"github.com/digi4care/overstory-sub000/internal/metrics"
	"github.com/digi4care/overstory-sub000/internal/session"
)

// fakePanes lets tests control which sessions appear alive without
// spawning real PTYs.
type fakePanes struct {
	mu      sync.Mutex
	alive   map[string]bool
	killed  map[string]bool
}

func newFakePanes() *fakePanes {
	return &fakePanes{alive: make(map[string]bool), killed: make(map[string]bool)}
}

func (f *fakePanes) IsAlive(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[name]
}

func (f *fakePanes) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[name] = true
	f.alive[name] = false
	return nil
}

func (f *fakePanes) wasKilled(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed[name]
}

func testWatchdog(t *testing.T) (*Watchdog, *session.Store, *fakePanes, *metrics.Store) {
	t.Helper()
	dir := t.TempDir()

	sessions, err := session.Open(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	mailbox, err := mail.Open(filepath.Join(dir, "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mailbox.Close() })

	evStore, err := events.Open(filepath.Join(dir, "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = evStore.Close() })

	metricsStore, err := metrics.Open(filepath.Join(dir, "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = metricsStore.Close() })

	panes := newFakePanes()

	cfg := config.WatchdogConfig{
		PollIntervalMs:    50,
		StaleThresholdMs:  1000,
		ZombieThresholdMs: 5000,
		NudgeIntervalMs:   0,
	}

	w := New(sessions, panes, mailbox, evStore, nil, metricsStore, cfg, nil)
	return w, sessions, panes, metricsStore
}

func registerSession(t *testing.T, sessions *session.Store, name string, state domain.SessionState, lastActivity time.Time) {
	t.Helper()
	require.NoError(t, sessions.Register(domain.AgentSession{
		AgentName:    name,
		TaskID:       "t1",
		Capability:   domain.CapabilityBuilder,
		WorktreePath: "/tmp/" + name,
		BranchName:   "overstory/" + name,
		PaneID:       name,
		State:        state,
		Depth:        0,
		Runtime:      "stub",
		StartedAt:    lastActivity,
		LastActivity: lastActivity,
	}))
}

func TestTickPromotesBootingToWorkingWhenPaneAliveAndFresh(t *testing.T) {
	w, sessions, panes, _ := testWatchdog(t)
	registerSession(t, sessions, "a1", domain.StateBooting, time.Now())
	panes.alive["a1"] = true

	w.Tick(time.Now())

	got, err := sessions.Get("a1")
	require.NoError(t, err)
	require.Equal(t, domain.StateWorking, got.State)
}

func TestTickEscalatesStaleSessionAndSendsNudge(t *testing.T) {
	w, sessions, panes, _ := testWatchdog(t)
	now := time.Now()
	registerSession(t, sessions, "a2", domain.StateWorking, now.Add(-2*time.Second))
	panes.alive["a2"] = true

	w.Tick(now)

	got, err := sessions.Get("a2")
	require.NoError(t, err)
	require.Equal(t, domain.StateStalled, got.State)

	msgs, err := w.mailbox.GetAll(domain.MailFilter{To: "a2"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestTickTerminatesZombieSessionAndKillsPane(t *testing.T) {
	w, sessions, panes, metricsStore := testWatchdog(t)
	now := time.Now()
	registerSession(t, sessions, "a3", domain.StateWorking, now.Add(-10*time.Second))
	panes.alive["a3"] = true

	w.Tick(now)

	got, err := sessions.Get("a3")
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, got.State)
	require.True(t, panes.wasKilled("a3"))

	rows, err := metricsStore.ListMetrics(domain.MetricsQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "a3", rows[0].SessionID)
	require.Equal(t, domain.CapabilityBuilder, rows[0].Capability)
	require.GreaterOrEqual(t, rows[0].DurationMs, int64(10*time.Second/time.Millisecond))
}

func TestTickTerminatesWhenPaneAlreadyDead(t *testing.T) {
	w, sessions, panes, _ := testWatchdog(t)
	now := time.Now()
	registerSession(t, sessions, "a4", domain.StateWorking, now)
	panes.alive["a4"] = false

	w.Tick(now)

	got, err := sessions.Get("a4")
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, got.State)
}

func TestTickSkipsCompletedSessions(t *testing.T) {
	w, sessions, panes, _ := testWatchdog(t)
	now := time.Now()
	registerSession(t, sessions, "a5", domain.StateCompleted, now.Add(-1*time.Hour))
	panes.alive["a5"] = false

	w.Tick(now)

	require.False(t, panes.wasKilled("a5"))
}

func TestStartStopLifecycle(t *testing.T) {
	w, sessions, _, _ := testWatchdog(t)
	_ = sessions

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	require.ErrorIs(t, w.Start(ctx), ErrAlreadyRunning)

	time.Sleep(120 * time.Millisecond)

	require.NoError(t, w.Stop())
	require.ErrorIs(t, w.Stop(), ErrNotRunning)
}
