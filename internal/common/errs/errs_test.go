package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorktreeErrorNotAGitRepoMessage(t *testing.T) {
	err := &WorktreeError{AgentName: "builder-1", NotAGitRepo: true}
	require.Contains(t, err.Error(), "run init first")
}

func TestWorktreeErrorWrapsOperationFailure(t *testing.T) {
	inner := errors.New("exit status 128")
	err := &WorktreeError{AgentName: "builder-1", Op: "create", Stderr: "fatal: bad ref", WrappedError: inner}
	require.Contains(t, err.Error(), "create failed")
	require.ErrorIs(t, err, inner)
}

func TestAgentErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &AgentError{AgentName: "builder-1", Stage: "worktree", WrappedError: inner}
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "worktree")
}

func TestStoreErrorUnwraps(t *testing.T) {
	inner := errors.New("disk full")
	err := &StoreError{Store: "sessions", Op: "register", WrappedError: inner}
	require.ErrorIs(t, err, inner)
}

func TestSessionErrorUnwraps(t *testing.T) {
	inner := errors.New("no such pane")
	err := &SessionError{PaneName: "builder-1", Op: "send_keys", WrappedError: inner}
	require.ErrorIs(t, err, inner)
}

func TestMergeErrorPrefersConflictSummary(t *testing.T) {
	err := &MergeError{BranchName: "overstory/builder-1", ConflictSummary: "conflict in a.txt", WrappedError: errors.New("ignored")}
	require.Contains(t, err.Error(), "conflict in a.txt")
	require.NotContains(t, err.Error(), "ignored")
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "depth", Reason: "exceeds max_depth"}
	require.Equal(t, "validation: depth: exceeds max_depth", err.Error())
}
