package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial")
	return dir
}

func TestCreatePlacesWorktreeUnderOverstoryDir(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo, "main", nil)
	require.NoError(t, err)

	wt, err := m.Create(context.Background(), "agent-a", "overstory/agent-a/t1", "main")
	require.NoError(t, err)
	require.Contains(t, wt.Path, filepath.Join(".overstory", "worktrees"))
	require.NotEqual(t, repo, wt.Path)
}

func TestCreateRefusesExistingPath(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo, "main", nil)
	require.NoError(t, err)

	_, err = m.Create(context.Background(), "agent-b", "overstory/agent-b/t1", "main")
	require.NoError(t, err)

	_, err = m.Create(context.Background(), "agent-b", "overstory/agent-b/t1-again", "main")
	require.Error(t, err)
}

func TestRemoveThenListNoLongerIncludesIt(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo, "main", nil)
	require.NoError(t, err)

	wt, err := m.Create(context.Background(), "agent-c", "overstory/agent-c/t1", "main")
	require.NoError(t, err)

	require.NoError(t, m.Remove(context.Background(), "agent-c", wt.Path))

	list, err := m.List(context.Background())
	require.NoError(t, err)
	for _, w := range list {
		require.NotEqual(t, "agent-c", w.AgentName)
	}
}
