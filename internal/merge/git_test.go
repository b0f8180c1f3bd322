package merge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initMergeTestRepo(t *testing.T) string {
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
	require.NoError(t, os.WriteFile(filepath.Join(dir, "list.txt"), []byte("a\nb\n"), 0o644))
	run("add", "list.txt")
	run("commit", "-m", "initial")
	return dir
}

func TestAttemptMergeCleanFastForward(t *testing.T) {
	dir := initMergeTestRepo(t)
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
	run("checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))
	run("add", "new.txt")
	run("commit", "-m", "feature change")
	run("checkout", "main")

	r := newRepo(dir, "main")
	conflict, _, err := r.attemptMerge(context.Background(), "feature")
	require.NoError(t, err)
	require.False(t, conflict)
	require.FileExists(t, filepath.Join(dir, "new.txt"))
}

func TestAttemptMergeDetectsConflict(t *testing.T) {
	dir := initMergeTestRepo(t)
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
	run("checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "list.txt"), []byte("a\nb\nfeature-line\n"), 0o644))
	run("add", "list.txt")
	run("commit", "-m", "feature appends a line")
	run("checkout", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "list.txt"), []byte("a\nb\nmain-line\n"), 0o644))
	run("add", "list.txt")
	run("commit", "-m", "main appends a different line")

	r := newRepo(dir, "main")
	conflict, out, err := r.attemptMerge(context.Background(), "feature")
	require.NoError(t, err)
	require.True(t, conflict)
	require.NotEmpty(t, out)

	files, err := r.conflictedFiles(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"list.txt"}, files)

	require.NoError(t, r.abortMerge(context.Background()))
	status, err := r.run(context.Background(), "status", "--porcelain")
	require.NoError(t, err)
	require.Empty(t, status)
}

func TestUnionResolveFileKeepsOursThenNewTheirsLines(t *testing.T) {
	dir := initMergeTestRepo(t)
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
	run("checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "list.txt"), []byte("a\nb\nfeature-line\n"), 0o644))
	run("add", "list.txt")
	run("commit", "-m", "feature appends a line")
	run("checkout", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "list.txt"), []byte("a\nb\nmain-line\n"), 0o644))
	run("add", "list.txt")
	run("commit", "-m", "main appends a different line")

	r := newRepo(dir, "main")
	conflict, _, err := r.attemptMerge(context.Background(), "feature")
	require.NoError(t, err)
	require.True(t, conflict)

	require.NoError(t, r.unionResolveFile(context.Background(), "list.txt"))
	require.NoError(t, r.commitResolution(context.Background(), "merge: tier-1 union resolve feature"))

	merged, err := os.ReadFile(filepath.Join(dir, "list.txt"))
	require.NoError(t, err)
	require.Contains(t, string(merged), "main-line")
	require.Contains(t, string(merged), "feature-line")
}
