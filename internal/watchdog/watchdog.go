// Package watchdog runs the periodic session health loop (spec.md §4.8): on
// every tick it snapshots the non-completed sessions and the live pane set,
// evaluates each against the pure health state machine in internal/session,
// writes the result back, and takes the escalate/terminate action a
// session's health demands.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/digi4care/overstory-sub000/internal/common/config"
	"github.com/digi4care/overstory-sub000/internal/common/logger"
	"github.com/digi4care/overstory-sub000/internal/domain"
	"github.com/digi4care/overstory-sub000/internal/events"
	"github.com/digi4care/overstory-sub000/internal/mail"
	"github.com/digi4care/overstory-sub000/internal/metrics"
	"github.com/digi4care/overstory-sub000/internal/pane"
	"github.com/digi4care/overstory-sub000/internal/session"
)

// Common errors
var (
	ErrAlreadyRunning = errors.New("watchdog is already running")
	ErrNotRunning     = errors.New("watchdog is not running")
)

// PaneKiller is the subset of pane.Manager the watchdog needs to terminate
// a zombie session's pane. Narrowed to an interface so tests can stub it.
type PaneKiller interface {
	IsAlive(name string) bool
	KillSession(name string) error
}

// Watchdog owns the single-goroutine health-evaluation loop. Thresholds
// are read once at construction time and passed by value — no config
// hot-reload (spec.md §4.8).
type Watchdog struct {
	sessions *session.Store
	panes    PaneKiller
	mailbox  *mail.Store
	events   *events.Store
	fanout   *events.Fanout
	metrics  *metrics.Store
	log      *logger.Logger

	pollInterval    time.Duration
	staleThreshold  time.Duration
	zombieThreshold time.Duration
	nudgeInterval   time.Duration

	mu          sync.RWMutex
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
	lastNudge   map[string]time.Time
	lastNudgeMu sync.Mutex
}

// New builds a Watchdog from the project's watchdog configuration section.
// metricsStore may be nil (no session-metrics recording configured).
func New(sessions *session.Store, panes PaneKiller, mailbox *mail.Store, eventsStore *events.Store, fanout *events.Fanout, metricsStore *metrics.Store, cfg config.WatchdogConfig, log *logger.Logger) *Watchdog {
	if log == nil {
		log = logger.Default()
	}
	return &Watchdog{
		sessions:        sessions,
		panes:           panes,
		mailbox:         mailbox,
		events:          eventsStore,
		fanout:          fanout,
		metrics:         metricsStore,
		log:             log.WithFields(zap.String("component", "watchdog")),
		pollInterval:    cfg.PollInterval(),
		staleThreshold:  cfg.StaleThreshold(),
		zombieThreshold: cfg.ZombieThreshold(),
		nudgeInterval:   cfg.NudgeInterval(),
		lastNudge:       make(map[string]time.Time),
	}
}

// Start begins the periodic tick loop.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.log.Info("watchdog starting",
		zap.Duration("poll_interval", w.pollInterval),
		zap.Duration("stale_threshold", w.staleThreshold),
		zap.Duration("zombie_threshold", w.zombieThreshold))

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop requests the loop finish its current iteration and exit, then
// blocks until it has. Cancelling ctx passed to Start has the same effect.
func (w *Watchdog) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return ErrNotRunning
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info("watchdog stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (w *Watchdog) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Tick(time.Now())
		}
	}
}

// Tick runs one evaluation pass over every non-completed session. A single
// session's failure is logged and never aborts the rest of the tick
// (spec.md §4.8).
func (w *Watchdog) Tick(now time.Time) {
	sessions, err := w.sessions.ListNonCompleted()
	if err != nil {
		w.log.Error("watchdog could not list sessions", zap.Error(err))
		return
	}

	for _, sess := range sessions {
		if err := w.evaluate(sess, now); err != nil {
			w.log.Error("watchdog evaluation failed",
				zap.String("agent", sess.AgentName), zap.Error(err))
		}
	}
}

func (w *Watchdog) evaluate(sess domain.AgentSession, now time.Time) error {
	alive := w.panes.IsAlive(sess.AgentName)
	check := session.EvaluateHealth(sess, alive, now, w.staleThreshold, w.zombieThreshold)

	next, err := w.sessions.UpdateState(sess.AgentName, check.State)
	if err != nil {
		return err
	}

	switch check.Action {
	case session.ActionEscalate:
		w.escalate(sess, next)
	case session.ActionTerminate:
		w.terminate(sess, next)
	}
	return nil
}

// escalate sends a best-effort nudge to the agent's own mailbox, throttled
// to nudgeInterval so a session stuck stale for a long time doesn't get
// paged every tick.
func (w *Watchdog) escalate(sess domain.AgentSession, state domain.SessionState) {
	w.lastNudgeMu.Lock()
	last, seen := w.lastNudge[sess.AgentName]
	due := !seen || w.nudgeInterval <= 0 || time.Since(last) >= w.nudgeInterval
	if due {
		w.lastNudge[sess.AgentName] = time.Now()
	}
	w.lastNudgeMu.Unlock()

	if !due {
		return
	}

	if w.mailbox != nil {
		_, err := w.mailbox.Send(domain.Message{
			To:       sess.AgentName,
			From:     "watchdog",
			Type:     domain.MessageStatus,
			Priority: domain.PriorityHigh,
			Subject:  "no recent activity",
			Body:     "You have been idle past the stale threshold. Report status or continue the task.",
		})
		if err != nil {
			w.log.Warn("watchdog nudge mail failed", zap.String("agent", sess.AgentName), zap.Error(err))
		}
	}

	w.log.Warn("session stalled", zap.String("agent", sess.AgentName), zap.String("state", string(state)))
	w.appendEvent(sess.AgentName, domain.EventCustom, domain.LevelWarn, "stalled: nudge sent")
}

// terminate kills the session's pane (best-effort: a kill error is only
// logged) and then marks the session completed whether or not the kill
// succeeded.
func (w *Watchdog) terminate(sess domain.AgentSession, state domain.SessionState) {
	if err := w.panes.KillSession(sess.AgentName); err != nil {
		w.log.Warn("watchdog kill session failed", zap.String("agent", sess.AgentName), zap.Error(err))
	}

	completedAt := time.Now().UTC()
	if _, err := w.sessions.UpdateState(sess.AgentName, domain.StateCompleted); err != nil {
		w.log.Error("watchdog could not mark session completed", zap.String("agent", sess.AgentName), zap.Error(err))
	} else {
		w.recordMetric(sess, completedAt)
	}

	w.log.Warn("session terminated as zombie", zap.String("agent", sess.AgentName), zap.String("state", string(state)))
	w.appendEvent(sess.AgentName, domain.EventSessionEnd, domain.LevelError, "terminated: zombie")
}

// recordMetric writes the session's metrics.db row once it reaches
// completed — the only place in the running system a session currently
// transitions to that terminal state.
func (w *Watchdog) recordMetric(sess domain.AgentSession, completedAt time.Time) {
	if w.metrics == nil {
		return
	}
	m := domain.SessionMetric{
		SessionID:  sess.AgentName,
		Capability: sess.Capability,
		StartedAt:  sess.StartedAt,
		DurationMs: completedAt.Sub(sess.StartedAt).Milliseconds(),
		RecordedAt: completedAt,
	}
	if _, err := w.metrics.Record(m); err != nil {
		w.log.Warn("watchdog metric record failed", zap.String("agent", sess.AgentName), zap.Error(err))
	}
}

func (w *Watchdog) appendEvent(agentName string, evType domain.EventType, level domain.EventLevel, payload string) {
	if w.events == nil {
		return
	}
	ev := domain.StoredEvent{
		AgentName: agentName,
		EventType: evType,
		Level:     level,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	var err error
	if w.fanout != nil {
		_, err = events.AppendAndPublish(w.events, w.fanout, ev)
	} else {
		_, err = w.events.Append(ev)
	}
	if err != nil {
		w.log.Warn("watchdog event append failed", zap.String("agent", agentName), zap.Error(err))
	}
}
