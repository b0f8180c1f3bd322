// Package worktree manages per-agent git worktree checkouts (spec.md
// §4.3). Overstory shells out to the `git` binary directly, same as the
// teacher this is grounded on — there is no wrapped-git library anywhere
// in the example pack, and `git worktree` has no mature pure-Go
// equivalent worth adopting.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/digi4care/overstory-sub000/internal/common/errs"
	"github.com/digi4care/overstory-sub000/internal/common/logger"
)

const (
	defaultFetchTimeout = 8 * time.Second
	defaultPullTimeout  = 8 * time.Second
)

// Worktree describes one checkout produced by Create.
type Worktree struct {
	AgentName string
	Path      string
	Branch    string
	BaseRef   string
}

type repoLockEntry struct {
	mu       *sync.Mutex
	refCount int
}

// Manager creates, removes, and lists per-agent worktrees rooted under
// <project>/.overstory/worktrees.
type Manager struct {
	projectRoot  string // canonical repo root; worktrees may never target this path
	basePath     string // <project>/.overstory/worktrees
	canonicalRef string // base ref new branches are cut from
	log          *logger.Logger

	repoLockMu sync.Mutex
	repoLocks  map[string]*repoLockEntry

	fetchTimeout time.Duration
	pullTimeout  time.Duration
}

// NewManager builds a Manager rooted at projectRoot, branching new
// worktrees from canonicalRef (spec.md §4.3: "always creates the branch
// from the configured canonical branch tip").
func NewManager(projectRoot, canonicalRef string, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	absRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	basePath := filepath.Join(absRoot, ".overstory", "worktrees")
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}
	return &Manager{
		projectRoot:  absRoot,
		basePath:     basePath,
		canonicalRef: canonicalRef,
		log:          log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks:    make(map[string]*repoLockEntry),
		fetchTimeout: defaultFetchTimeout,
		pullTimeout:  defaultPullTimeout,
	}, nil
}

func (m *Manager) getRepoLock() *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	entry, ok := m.repoLocks[m.projectRoot]
	if !ok {
		entry = &repoLockEntry{mu: &sync.Mutex{}}
		m.repoLocks[m.projectRoot] = entry
	}
	entry.refCount++
	return entry.mu
}

func (m *Manager) releaseRepoLock() {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	entry, ok := m.repoLocks[m.projectRoot]
	if !ok {
		return
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(m.repoLocks, m.projectRoot)
	}
}

// Create checks out branch (from baseRef, or the manager's configured
// canonical ref when baseRef is empty) into a fresh worktree for
// agentName. It refuses the canonical project root and any existing
// worktree path (spec.md §4.3 invariants).
func (m *Manager) Create(ctx context.Context, agentName, branch, baseRef string) (*Worktree, error) {
	if baseRef == "" {
		baseRef = m.canonicalRef
	}
	path := filepath.Join(m.basePath, agentName)

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, &errs.WorktreeError{AgentName: agentName, Op: "create", WrappedError: err}
	}
	if absPath == m.projectRoot {
		return nil, &errs.WorktreeError{AgentName: agentName, Op: "create", Stderr: "refusing to target the canonical project root"}
	}
	if _, err := os.Stat(absPath); err == nil {
		return nil, &errs.WorktreeError{AgentName: agentName, Op: "create", Stderr: "worktree path already exists: " + absPath}
	}

	if !m.isGitRepo() {
		return nil, &errs.WorktreeError{AgentName: agentName, Op: "create", NotAGitRepo: true}
	}

	lock := m.getRepoLock()
	lock.Lock()
	defer func() {
		lock.Unlock()
		m.releaseRepoLock()
	}()

	resolvedRef := m.pullBaseBranch(baseRef)

	cmd := m.newNonInteractiveGitCmd(ctx, "worktree", "add", "-b", branch, absPath, resolvedRef)
	output, err := cmd.CombinedOutput()
	if err != nil {
		m.log.Error("git worktree add failed", zap.String("output", string(output)), zap.Error(err))
		return nil, &errs.WorktreeError{AgentName: agentName, Op: "create", Stderr: string(output), WrappedError: err}
	}

	return &Worktree{AgentName: agentName, Path: absPath, Branch: branch, BaseRef: resolvedRef}, nil
}

// Remove tears a worktree down: `git worktree remove --force`, falling
// back to `rm -rf` + `git worktree prune` if that fails (spec.md §4.3).
func (m *Manager) Remove(ctx context.Context, agentName, path string) error {
	lock := m.getRepoLock()
	lock.Lock()
	defer func() {
		lock.Unlock()
		m.releaseRepoLock()
	}()

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = m.projectRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		m.log.Debug("git worktree remove failed, falling back to rm -rf",
			zap.String("output", string(output)), zap.Error(err))

		if rmErr := m.forceRemoveDir(ctx, path); rmErr != nil {
			return &errs.WorktreeError{AgentName: agentName, Op: "remove", Stderr: string(output), WrappedError: rmErr}
		}
		pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
		pruneCmd.Dir = m.projectRoot
		if err := pruneCmd.Run(); err != nil {
			m.log.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}

// List enumerates current worktrees via `git worktree list --porcelain`.
func (m *Manager) List(ctx context.Context) ([]Worktree, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = m.projectRoot
	output, err := cmd.Output()
	if err != nil {
		return nil, &errs.WorktreeError{AgentName: "", Op: "list", WrappedError: err}
	}
	return parsePorcelain(string(output), m.basePath), nil
}

func parsePorcelain(output, basePath string) []Worktree {
	var out []Worktree
	var current Worktree
	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current.Path != "" {
				out = append(out, current)
			}
			current = Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	if current.Path != "" {
		out = append(out, current)
	}

	var underManaged []Worktree
	for _, wt := range out {
		if strings.HasPrefix(wt.Path, basePath) {
			wt.AgentName = filepath.Base(wt.Path)
			underManaged = append(underManaged, wt)
		}
	}
	return underManaged
}

func (m *Manager) isGitRepo() bool {
	gitDir := filepath.Join(m.projectRoot, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func (m *Manager) branchExists(branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = m.projectRoot
	return cmd.Run() == nil
}

func (m *Manager) currentBranch() string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = m.projectRoot
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

func (m *Manager) newNonInteractiveGitCmd(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.projectRoot
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=Never",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	cmd.WaitDelay = 500 * time.Millisecond
	return cmd
}

func classifyGitFallbackReason(cmdErr error, cmdOutput string, ctxErr error) string {
	if errors.Is(ctxErr, context.DeadlineExceeded) || errors.Is(cmdErr, context.DeadlineExceeded) {
		return "timeout"
	}
	out := strings.ToLower(cmdOutput)
	if strings.Contains(out, "authentication failed") ||
		strings.Contains(out, "terminal prompts disabled") ||
		strings.Contains(out, "could not read username") ||
		strings.Contains(out, "askpass") {
		return "non_interactive_auth_failed"
	}
	return "git_command_failed"
}

// pullBaseBranch fetches origin and returns the best available ref to
// branch from, degrading gracefully on fetch/pull failure rather than
// failing worktree creation outright.
func (m *Manager) pullBaseBranch(baseBranch string) string {
	localBranch := strings.TrimPrefix(baseBranch, "origin/")
	isRemoteRef := localBranch != baseBranch

	fetchCtx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
	defer cancel()

	fetchArgs := []string{"fetch", "origin"}
	if localBranch != "" {
		fetchArgs = append(fetchArgs, localBranch)
	}
	fetchCmd := m.newNonInteractiveGitCmd(fetchCtx, fetchArgs...)
	if output, err := fetchCmd.CombinedOutput(); err != nil {
		m.log.Warn("git fetch failed before worktree creation; continuing with fallback ref",
			zap.String("branch", baseBranch),
			zap.String("reason", classifyGitFallbackReason(err, string(output), fetchCtx.Err())))
		return baseBranch
	}

	if isRemoteRef {
		return "origin/" + localBranch
	}

	remoteRef := "origin/" + localBranch
	if m.currentBranch() == baseBranch {
		pullCtx, cancel := context.WithTimeout(context.Background(), m.pullTimeout)
		defer cancel()
		pullCmd := m.newNonInteractiveGitCmd(pullCtx, "pull", "--ff-only", "origin", baseBranch)
		if output, err := pullCmd.CombinedOutput(); err != nil {
			m.log.Warn("git pull failed before worktree creation; continuing with remote ref",
				zap.String("branch", baseBranch),
				zap.String("reason", classifyGitFallbackReason(err, string(output), pullCtx.Err())))
			return remoteRef
		}
		return baseBranch
	}

	if m.branchExists(remoteRef) {
		return remoteRef
	}
	return baseBranch
}

func (m *Manager) forceRemoveDir(ctx context.Context, dir string) error {
	if dir == "" || dir == "/" || dir == m.projectRoot {
		return fmt.Errorf("refusing to rm -rf %q", dir)
	}
	cmd := exec.CommandContext(ctx, "rm", "-rf", dir)
	return cmd.Run()
}
