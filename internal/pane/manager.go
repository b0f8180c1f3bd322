// Package pane implements the terminal pane manager (spec.md §4.4). There
// is no real tmux binary in play — panes are an in-process PTY-backed
// registry: createSession/sendKeys/capturePane/killSession/listSessions
// are implemented against a ptyHandle (creack/pty on Unix, ConPTY on
// Windows, see pty_unix.go/pty_windows.go) plus a tuzig/vt10x virtual
// screen, not a shelled-out multiplexer.
package pane

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/digi4care/overstory-sub000/internal/common/errs"
	"github.com/digi4care/overstory-sub000/internal/common/logger"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// session is one live pane: a PTY-backed process plus the virtual screen
// its output is rendered into for capturePane.
type session struct {
	name string

	pty ptyHandle
	cmd *exec.Cmd

	term     vt10x.Terminal
	termMu   sync.Mutex
	cols     int
	rows     int

	sendMu sync.Mutex // serializes sendKeys per-pane (spec.md §4.4 concurrency contract)

	stopCh chan struct{}
	doneCh chan struct{}
}

// Manager is the process-wide registry of live panes.
type Manager struct {
	log *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewManager constructs an empty pane registry.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		log:      log.WithFields(zap.String("component", "pane-manager")),
		sessions: make(map[string]*session),
	}
}

// CreateSession opens a new detached pane running command in cwd with the
// given extra environment variables, registered under name.
func (m *Manager) CreateSession(name, cwd string, env []string, command []string) error {
	if len(command) == 0 {
		return &errs.SessionError{PaneName: name, Op: "create", WrappedError: fmt.Errorf("empty command")}
	}

	m.mu.Lock()
	if _, exists := m.sessions[name]; exists {
		m.mu.Unlock()
		return &errs.SessionError{PaneName: name, Op: "create", WrappedError: fmt.Errorf("session already exists")}
	}
	m.mu.Unlock()

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), env...)

	h, err := startPane(cmd, defaultCols, defaultRows)
	if err != nil {
		return &errs.SessionError{PaneName: name, Op: "create", WrappedError: err}
	}

	term := vt10x.New(vt10x.WithSize(defaultCols, defaultRows))

	sess := &session{
		name:   name,
		pty:    h,
		cmd:    cmd,
		term:   term,
		cols:   defaultCols,
		rows:   defaultRows,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[name] = sess
	m.mu.Unlock()

	go sess.pump(m.log)
	go sess.waitExit(m.log)

	return nil
}

// pump copies PTY output into the virtual screen until the pane closes.
func (s *session) pump(log *logger.Logger) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		n, err := s.pty.Read(buf)
		if n > 0 {
			s.termMu.Lock()
			_, _ = s.term.Write(buf[:n])
			s.termMu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				log.Debug("pane read error", zap.String("pane", s.name), zap.Error(err))
			}
			return
		}
	}
}

func (s *session) waitExit(log *logger.Logger) {
	_ = s.cmd.Wait()
	close(s.doneCh)
}

// SendKeys writes literal text followed by Enter to the named pane,
// serialized so concurrent callers never interleave input.
func (m *Manager) SendKeys(name, text string) error {
	sess, err := m.get(name)
	if err != nil {
		return err
	}
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()

	if _, err := sess.pty.Write([]byte(text + "\r")); err != nil {
		return &errs.SessionError{PaneName: name, Op: "send_keys", WrappedError: err}
	}
	return nil
}

// CapturePane returns the current visible screen content, the equivalent
// of `tmux capture-pane -p` rendered from the virtual screen buffer.
func (m *Manager) CapturePane(name string) (string, error) {
	sess, err := m.get(name)
	if err != nil {
		return "", err
	}

	sess.termMu.Lock()
	defer sess.termMu.Unlock()

	var out []rune
	for row := 0; row < sess.rows; row++ {
		for col := 0; col < sess.cols; col++ {
			glyph := sess.term.Cell(col, row)
			if glyph.Char == 0 {
				out = append(out, ' ')
			} else {
				out = append(out, glyph.Char)
			}
		}
		out = append(out, '\n')
	}
	return string(out), nil
}

// KillSession terminates the pane's process and removes it from the
// registry. The manager never retries a failed kill.
func (m *Manager) KillSession(name string) error {
	sess, err := m.get(name)
	if err != nil {
		return err
	}

	close(sess.stopCh)
	_ = sess.pty.Close()
	if sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}

	m.mu.Lock()
	delete(m.sessions, name)
	m.mu.Unlock()
	return nil
}

// ListSessions returns the names of all live panes.
func (m *Manager) ListSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	return names
}

// IsAlive reports whether name's underlying process has not yet exited —
// the watchdog's per-tick "is the pane dead" input (spec.md §4.8).
func (m *Manager) IsAlive(name string) bool {
	sess, err := m.get(name)
	if err != nil {
		return false
	}
	select {
	case <-sess.doneCh:
		return false
	default:
		return true
	}
}

func (m *Manager) get(name string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[name]
	if !ok {
		return nil, &errs.SessionError{PaneName: name, Op: "lookup", WrappedError: fmt.Errorf("no such pane")}
	}
	return sess, nil
}
