package merge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/digi4care/overstory-sub000/internal/common/errs"
)

const defaultMergeTimeout = 30 * time.Second

// repo wraps the canonical checkout the merger integrates branches into.
// Every git invocation shells out to the binary directly, same as
// internal/worktree.Manager — there is no wrapped-git library in the
// example pack.
type repo struct {
	root         string
	canonicalRef string
	mergeTimeout time.Duration
}

func newRepo(root, canonicalRef string) *repo {
	return &repo{root: root, canonicalRef: canonicalRef, mergeTimeout: defaultMergeTimeout}
}

func (r *repo) newGitCmd(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.root
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

func (r *repo) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.mergeTimeout)
	defer cancel()
	out, err := r.newGitCmd(ctx, args...).CombinedOutput()
	return string(out), err
}

// attemptMerge checks out the canonical branch and merges branchName into
// it with --no-ff so the merge is always identifiable in history. On
// conflict the working tree is left dirty for the caller to inspect and
// must be reverted via abortMerge before any further attempt.
func (r *repo) attemptMerge(ctx context.Context, branchName string) (conflict bool, output string, err error) {
	if out, checkoutErr := r.run(ctx, "checkout", r.canonicalRef); checkoutErr != nil {
		return false, out, &errs.MergeError{BranchName: branchName, WrappedError: fmt.Errorf("checkout canonical: %w: %s", checkoutErr, out)}
	}

	out, mergeErr := r.run(ctx, "merge", "--no-ff", "--no-edit", branchName)
	if mergeErr == nil {
		return false, out, nil
	}
	if isConflictOutput(out) {
		return true, out, nil
	}
	return false, out, &errs.MergeError{BranchName: branchName, WrappedError: fmt.Errorf("merge: %w: %s", mergeErr, out)}
}

// abortMerge reverts the working tree to the pre-merge state. The merger
// never force-pushes and always leaves the canonical branch unchanged on
// failure (spec.md §4.10 invariant).
func (r *repo) abortMerge(ctx context.Context) error {
	if _, err := r.run(ctx, "merge", "--abort"); err != nil {
		// merge --abort fails harmlessly when there is nothing to abort
		// (e.g. attemptMerge failed before entering a conflicted merge state).
		if _, resetErr := r.run(ctx, "reset", "--hard", "HEAD"); resetErr != nil {
			return fmt.Errorf("abort merge: %w", resetErr)
		}
	}
	return nil
}

// applyPatch applies a unified diff (from tier-2 AI-assisted resolution) to
// the working tree without committing it.
func (r *repo) applyPatch(ctx context.Context, patch string) error {
	cmd := r.newGitCmd(ctx, "apply", "--whitespace=fix", "-")
	cmd.Stdin = strings.NewReader(patch)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("apply patch: %w: %s", err, out)
	}
	return nil
}

// commitResolution stages everything and commits the conflict resolution.
func (r *repo) commitResolution(ctx context.Context, message string) error {
	if _, err := r.run(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("stage resolution: %w", err)
	}
	if _, err := r.run(ctx, "commit", "--no-edit", "-m", message); err != nil {
		return fmt.Errorf("commit resolution: %w", err)
	}
	return nil
}

// conflictedFiles returns the paths git reports as unmerged.
func (r *repo) conflictedFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("list conflicted files: %w", err)
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// unionResolveFile resolves a single conflicted file by keeping every line
// from our side in order and appending any lines from their side not
// already present. This is tier-1 auto-resolution for append-only list
// files (spec.md §4.10) — no semantic judgment, so it is only ever applied
// to files the caller has already matched against a configured union
// pattern.
func (r *repo) unionResolveFile(ctx context.Context, file string) error {
	ours, err := r.run(ctx, "show", ":2:"+file)
	if err != nil {
		return fmt.Errorf("read our side of %s: %w", file, err)
	}
	theirs, err := r.run(ctx, "show", ":3:"+file)
	if err != nil {
		return fmt.Errorf("read their side of %s: %w", file, err)
	}

	merged := unionLines(ours, theirs)
	if err := os.WriteFile(filepath.Join(r.root, file), []byte(merged), 0o644); err != nil {
		return fmt.Errorf("write union resolution for %s: %w", file, err)
	}
	if _, err := r.run(ctx, "add", file); err != nil {
		return fmt.Errorf("stage union resolution for %s: %w", file, err)
	}
	return nil
}

func unionLines(ours, theirs string) string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range strings.Split(ours, "\n") {
		seen[l] = struct{}{}
		out = append(out, l)
	}
	for _, l := range strings.Split(theirs, "\n") {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

func isConflictOutput(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "conflict") || strings.Contains(lower, "automatic merge failed")
}
