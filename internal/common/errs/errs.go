// Package errs defines the typed error kinds shared across Overstory
// components (spec.md §7). Components never swallow errors silently: they
// either surface one of these typed errors to the caller, or — when the
// failure is genuinely best-effort (rollback cleanup, dashboard poller
// hiccups) — log and continue.
package errs

import "fmt"

// ValidationError signals bad input from a caller: an invalid interval, an
// unknown category, a malformed timestamp. Always surfaced to the user.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// WorktreeError wraps a failed version-control operation. NotAGitRepo
// distinguishes the "run init first" case the worktree manager special-cases
// into a friendlier message.
type WorktreeError struct {
	AgentName    string
	Op           string
	Stderr       string
	NotAGitRepo  bool
	WrappedError error
}

func (e *WorktreeError) Error() string {
	if e.NotAGitRepo {
		return fmt.Sprintf("worktree %s: not a git repository, run init first", e.AgentName)
	}
	return fmt.Sprintf("worktree %s: %s failed: %s", e.AgentName, e.Op, e.Stderr)
}

func (e *WorktreeError) Unwrap() error { return e.WrappedError }

// AgentError is any failure in the spawn pipeline or runtime deployment.
type AgentError struct {
	AgentName    string
	Stage        string
	WrappedError error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %s: %v", e.AgentName, e.Stage, e.WrappedError)
}

func (e *AgentError) Unwrap() error { return e.WrappedError }

// StoreError wraps a database open/query failure. Fatal for the command
// that raised it, but never fatal for peer components.
type StoreError struct {
	Store        string
	Op           string
	WrappedError error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.Store, e.Op, e.WrappedError)
}

func (e *StoreError) Unwrap() error { return e.WrappedError }

// SessionError wraps a failed terminal-multiplexer (pane) operation.
type SessionError struct {
	PaneName     string
	Op           string
	WrappedError error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("pane %s: %s: %v", e.PaneName, e.Op, e.WrappedError)
}

func (e *SessionError) Unwrap() error { return e.WrappedError }

// MergeError wraps a failed merge attempt.
type MergeError struct {
	BranchName      string
	ConflictSummary string
	WrappedError    error
}

func (e *MergeError) Error() string {
	if e.ConflictSummary != "" {
		return fmt.Sprintf("merge %s: conflict: %s", e.BranchName, e.ConflictSummary)
	}
	return fmt.Sprintf("merge %s: %v", e.BranchName, e.WrappedError)
}

func (e *MergeError) Unwrap() error { return e.WrappedError }
