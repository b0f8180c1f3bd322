package spawner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/digi4care/overstory-sub000/internal/common/config"
	"github.com/digi4care/overstory-sub000/internal/domain"
	"github.com/digi4care/overstory-sub000/internal/events"
	"github.com/digi4care/overstory-sub000/internal/pane"
	"github.com/digi4care/overstory-sub000/internal/runtimeadapter"
	"github.com/digi4care/overstory-sub000/internal/session"
	"github.com/digi4care/overstory-sub000/internal/worktree"
)

// stubAdapter spawns a trivial shell echo loop instead of a real
// coding-assistant CLI, so the pipeline can be exercised end to end without
// any external binary.
type stubAdapter struct {
	readyMarker string
}

func (a *stubAdapter) ID() string              { return "stub" }
func (a *stubAdapter) InstructionPath() string { return ".stub/INSTRUCTIONS.md" }

func (a *stubAdapter) BuildSpawnCommand(opts runtimeadapter.SpawnOptions) string {
	return "while true; do echo " + a.readyMarker + "; sleep 0.05; done"
}

func (a *stubAdapter) BuildPrintCommand(prompt, model string) []string { return nil }

func (a *stubAdapter) DeployConfig(worktreePath string, overlayBody *string, hooks runtimeadapter.HooksDef) error {
	path := filepath.Join(worktreePath, ".stub", "INSTRUCTIONS.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	body := ""
	if overlayBody != nil {
		body = *overlayBody
	}
	return os.WriteFile(path, []byte(body), 0o644)
}

func (a *stubAdapter) DetectReady(snapshot string) runtimeadapter.ReadyState {
	if strings.Contains(snapshot, a.readyMarker) {
		return runtimeadapter.ReadyState{Phase: runtimeadapter.PhaseReady}
	}
	return runtimeadapter.ReadyState{Phase: runtimeadapter.PhaseLoading}
}

func (a *stubAdapter) ParseTranscript(string) (*runtimeadapter.TranscriptUsage, error) { return nil, nil }
func (a *stubAdapter) BuildEnv(string) map[string]string                              { return map[string]string{"STUB_MODEL": "x"} }
func (a *stubAdapter) RequiresBeaconVerification() bool                               { return false }

func initSpawnerTestRepo(t *testing.T) string {
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

func newTestSpawner(t *testing.T, repo string) *Spawner {
	t.Helper()
	cfg := &config.Config{
		Project: config.ProjectConfig{RootPath: repo, CanonicalBranch: "main"},
		Agents:  config.AgentsConfig{MaxDepth: 4, DefaultMaxSubAgents: 4, StaggerWindowMs: 0},
		Runtime: config.RuntimeConfig{Default: "stub"},
	}

	sessions, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	wtMgr, err := worktree.NewManager(repo, "main", nil)
	require.NoError(t, err)

	panes := pane.NewManager(nil)

	reg := runtimeadapter.NewRegistry(nil)
	reg.Register(&stubAdapter{readyMarker: "stub-ready"})

	evStore, err := events.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = evStore.Close() })

	return New(cfg, sessions, wtMgr, panes, reg, evStore, nil, nil, nil)
}

func TestSpawnRunsFullPipeline(t *testing.T) {
	repo := initSpawnerTestRepo(t)
	s := newTestSpawner(t, repo)
	s.readinessPollInterval = 20 * time.Millisecond
	s.readinessTimeout = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := s.Spawn(ctx, Request{
		TaskID:          "t1",
		Capability:      domain.CapabilityBuilder,
		AgentName:       "builder-t1",
		RuntimeOverride: "stub",
		SkipTaskCheck:   true,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StateBooting, sess.State)
	require.NotEmpty(t, sess.WorktreePath)
	require.FileExists(t, filepath.Join(sess.WorktreePath, ".stub", "INSTRUCTIONS.md"))

	stored, err := s.sessions.Get("builder-t1")
	require.NoError(t, err)
	require.Equal(t, "builder-t1", stored.AgentName)

	require.NoError(t, s.panes.KillSession("builder-t1"))
}

func TestSpawnRejectsDepthBeyondMax(t *testing.T) {
	repo := initSpawnerTestRepo(t)
	s := newTestSpawner(t, repo)

	_, err := s.Spawn(context.Background(), Request{
		TaskID:        "t2",
		Capability:    domain.CapabilityBuilder,
		Depth:         99,
		SkipTaskCheck: true,
	})
	require.Error(t, err)
}

func TestSpawnRejectsWhenParentCannotSpawn(t *testing.T) {
	repo := initSpawnerTestRepo(t)
	s := newTestSpawner(t, repo)
	s.readinessPollInterval = 20 * time.Millisecond
	s.readinessTimeout = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	parent, err := s.Spawn(ctx, Request{
		TaskID:          "parent-task",
		Capability:      domain.CapabilityBuilder,
		AgentName:       "builder-parent",
		RuntimeOverride: "stub",
		SkipTaskCheck:   true,
	})
	require.NoError(t, err)
	require.NoError(t, s.panes.KillSession(parent.AgentName))

	_, err = s.Spawn(ctx, Request{
		TaskID:        "child-task",
		Capability:    domain.CapabilityBuilder,
		ParentAgent:   "builder-parent",
		SkipTaskCheck: true,
	})
	require.Error(t, err)
}

// messengerStubAdapter layers a SessionMessenger onto stubAdapter so tests
// can exercise sendBeacon's side-channel preference without a real acp-agent
// or copilot process.
type messengerStubAdapter struct {
	*stubAdapter
	mu          sync.Mutex
	calls       int
	failMessage bool
}

func (a *messengerStubAdapter) SendMessage(ctx context.Context, paneSnapshot, cwd, model, message string, hooks runtimeadapter.HooksDef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.failMessage {
		return fmt.Errorf("forced side-channel failure")
	}
	return nil
}

func (a *messengerStubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

var _ runtimeadapter.SessionMessenger = (*messengerStubAdapter)(nil)

func TestSendBeaconPrefersSessionMessengerOverPaneKeys(t *testing.T) {
	repo := initSpawnerTestRepo(t)
	s := newTestSpawner(t, repo)
	s.readinessPollInterval = 20 * time.Millisecond
	s.readinessTimeout = 5 * time.Second

	adapter := &messengerStubAdapter{stubAdapter: &stubAdapter{readyMarker: "stub-ready"}}
	s.adapters.Register(adapter)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := s.Spawn(ctx, Request{
		TaskID:          "t3",
		Capability:      domain.CapabilityBuilder,
		AgentName:       "builder-t3",
		RuntimeOverride: adapter.ID(),
		SkipTaskCheck:   true,
	})
	require.NoError(t, err)
	require.NoError(t, s.panes.KillSession(sess.AgentName))

	require.Equal(t, 1, adapter.callCount())
}

func TestSendBeaconFallsBackToPaneKeysOnSessionMessengerFailure(t *testing.T) {
	repo := initSpawnerTestRepo(t)
	s := newTestSpawner(t, repo)
	s.readinessPollInterval = 20 * time.Millisecond
	s.readinessTimeout = 5 * time.Second

	adapter := &messengerStubAdapter{stubAdapter: &stubAdapter{readyMarker: "stub-ready"}, failMessage: true}
	s.adapters.Register(adapter)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := s.Spawn(ctx, Request{
		TaskID:          "t4",
		Capability:      domain.CapabilityBuilder,
		AgentName:       "builder-t4",
		RuntimeOverride: adapter.ID(),
		SkipTaskCheck:   true,
	})
	require.NoError(t, err)
	require.NoError(t, s.panes.KillSession(sess.AgentName))

	require.Equal(t, 1, adapter.callCount())
}
