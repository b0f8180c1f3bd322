package merge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/digi4care/overstory-sub000/internal/domain"
	"github.com/digi4care/overstory-sub000/internal/runtimeadapter"
)

// stubAdapter is a minimal runtimeadapter.Adapter used only to drive
// tryAIResolve without shelling out to a real coding-assistant CLI.
type stubAdapter struct {
	printArgs []string
}

func (s *stubAdapter) ID() string             { return "stub" }
func (s *stubAdapter) InstructionPath() string { return ".stub/INSTRUCTIONS.md" }

func (s *stubAdapter) BuildSpawnCommand(runtimeadapter.SpawnOptions) string { return "" }

func (s *stubAdapter) BuildPrintCommand(prompt, model string) []string { return s.printArgs }

func (s *stubAdapter) DeployConfig(string, *string, runtimeadapter.HooksDef) error { return nil }

func (s *stubAdapter) DetectReady(string) runtimeadapter.ReadyState {
	return runtimeadapter.ReadyState{Phase: runtimeadapter.PhaseReady}
}

func (s *stubAdapter) ParseTranscript(string) (*runtimeadapter.TranscriptUsage, error) {
	return nil, nil
}

func (s *stubAdapter) BuildEnv(string) map[string]string { return nil }
func (s *stubAdapter) RequiresBeaconVerification() bool   { return false }

func gitRunInDir(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func makeConflictingBranches(t *testing.T) string {
	dir := initMergeTestRepo(t)
	gitRunInDir(t, dir, "checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "list.txt"), []byte("a\nb\nfeature-line\n"), 0o644))
	gitRunInDir(t, dir, "add", "list.txt")
	gitRunInDir(t, dir, "commit", "-m", "feature appends a line")
	gitRunInDir(t, dir, "checkout", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "list.txt"), []byte("a\nb\nmain-line\n"), 0o644))
	gitRunInDir(t, dir, "add", "list.txt")
	gitRunInDir(t, dir, "commit", "-m", "main appends a different line")
	return dir
}

func TestDrainOnceMergesCleanly(t *testing.T) {
	dir := initMergeTestRepo(t)
	gitRunInDir(t, dir, "checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))
	gitRunInDir(t, dir, "add", "new.txt")
	gitRunInDir(t, dir, "commit", "-m", "feature change")
	gitRunInDir(t, dir, "checkout", "main")

	q := openTestStore(t)
	_, err := q.Enqueue("feature", "agent-a")
	require.NoError(t, err)

	m := NewMerger(q, dir, "main", nil, nil, false, "", nil, nil, nil)
	processed, err := m.DrainOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	entries, err := q.List(domain.MergeMerged)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDrainOnceResolvesViaTier1Union(t *testing.T) {
	dir := makeConflictingBranches(t)

	q := openTestStore(t)
	_, err := q.Enqueue("feature", "agent-a")
	require.NoError(t, err)

	m := NewMerger(q, dir, "main", nil, nil, false, "", nil, []string{"list.txt"}, nil)
	processed, err := m.DrainOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	entries, err := q.List(domain.MergeMerged)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDrainOnceEscalatesToConflictWhenNoTierResolves(t *testing.T) {
	dir := makeConflictingBranches(t)

	q := openTestStore(t)
	_, err := q.Enqueue("feature", "agent-a")
	require.NoError(t, err)

	m := NewMerger(q, dir, "main", nil, nil, false, "", nil, nil, nil)
	processed, err := m.DrainOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	entries, err := q.List(domain.MergeConflict)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].ConflictSummary)
}

func TestDrainOnceFallsBackToConflictWhenTier2CommandFails(t *testing.T) {
	dir := makeConflictingBranches(t)

	q := openTestStore(t)
	_, err := q.Enqueue("feature", "agent-a")
	require.NoError(t, err)

	adapter := &stubAdapter{printArgs: []string{"this-binary-does-not-exist"}}
	m := NewMerger(q, dir, "main", nil, adapter, true, "stub-model", nil, nil, nil)
	processed, err := m.DrainOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	entries, err := q.List(domain.MergeConflict)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

// TestDrainOnceRetriesTier2AfterFailedAttempt drives a real second tier-2
// attempt: the first invocation's patch fails to apply, so resetForRetry
// must abort and reproduce the same conflict before a second invocation's
// patch is tried and accepted.
func TestDrainOnceRetriesTier2AfterFailedAttempt(t *testing.T) {
	dir := makeConflictingBranches(t)
	scratch := t.TempDir()
	counterFile := filepath.Join(scratch, "attempts")
	script := filepath.Join(scratch, "resolve.sh")

	validPatch := "--- a/list.txt\n" +
		"+++ b/list.txt\n" +
		"@@ -1,7 +1,3 @@\n" +
		" a\n" +
		" b\n" +
		"-<<<<<<< HEAD\n" +
		"-main-line\n" +
		"-=======\n" +
		"-feature-line\n" +
		"->>>>>>> feature\n" +
		"+resolved-line\n"

	scriptBody := "#!/bin/sh\n" +
		"count=0\n" +
		"[ -f \"" + counterFile + "\" ] && count=$(cat \"" + counterFile + "\")\n" +
		"count=$((count + 1))\n" +
		"echo \"$count\" > \"" + counterFile + "\"\n" +
		"if [ \"$count\" -lt 2 ]; then\n" +
		"  echo 'not a valid patch'\n" +
		"else\n" +
		"  cat <<'PATCH'\n" +
		validPatch +
		"PATCH\n" +
		"fi\n"
	require.NoError(t, os.WriteFile(script, []byte(scriptBody), 0o755))

	q := openTestStore(t)
	_, err := q.Enqueue("feature", "agent-a")
	require.NoError(t, err)

	adapter := &stubAdapter{printArgs: []string{"sh", script}}
	m := NewMerger(q, dir, "main", nil, adapter, true, "stub-model", nil, nil, nil)
	processed, err := m.DrainOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	entries, err := q.List(domain.MergeMerged)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(counterFile)
	require.NoError(t, err)
	require.Equal(t, "2\n", string(data))

	resolved, err := os.ReadFile(filepath.Join(dir, "list.txt"))
	require.NoError(t, err)
	require.Equal(t, "a\nb\nresolved-line\n", string(resolved))
}

func TestDrainOnceOnEmptyQueueDoesNothing(t *testing.T) {
	dir := initMergeTestRepo(t)
	q := openTestStore(t)
	m := NewMerger(q, dir, "main", nil, nil, false, "", nil, nil, nil)

	processed, err := m.DrainOnce(context.Background())
	require.NoError(t, err)
	require.False(t, processed)
}
