package merge

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/digi4care/overstory-sub000/internal/common/logger"
	"github.com/digi4care/overstory-sub000/internal/domain"
	"github.com/digi4care/overstory-sub000/internal/mail"
	"github.com/digi4care/overstory-sub000/internal/runtimeadapter"
)

const defaultPrintTimeout = 60 * time.Second

// maxTier2Attempts bounds tier 2 to one retry: a first attempt, and if its
// patch fails to apply or fails the quality gates, one more before falling
// through to tier 3 (human).
const maxTier2Attempts = 2

var tracer = otel.Tracer("overstory/merge")

// Merger drains the merge queue strictly serially (spec.md §4.10
// invariant: "multiple merges never run concurrently").
type Merger struct {
	queue             *Store
	repo              *repo
	mailStore         *mail.Store
	adapter           runtimeadapter.Adapter
	aiAssistedEnabled bool
	aiModel           string
	qualityGates      []domain.QualityGate
	unionPatterns     []string
	log               *logger.Logger
}

// NewMerger builds a Merger. adapter and aiAssistedEnabled govern tier 2;
// unionPatterns are glob patterns (matched against repo-relative conflict
// paths) eligible for tier-1 auto union resolution.
func NewMerger(queue *Store, projectRoot, canonicalRef string, mailStore *mail.Store, adapter runtimeadapter.Adapter, aiAssistedEnabled bool, aiModel string, qualityGates []domain.QualityGate, unionPatterns []string, log *logger.Logger) *Merger {
	return &Merger{
		queue:             queue,
		repo:              newRepo(projectRoot, canonicalRef),
		mailStore:         mailStore,
		adapter:           adapter,
		aiAssistedEnabled: aiAssistedEnabled,
		aiModel:           aiModel,
		qualityGates:      qualityGates,
		unionPatterns:     unionPatterns,
		log:               log,
	}
}

// Run drains the queue on pollInterval until ctx is cancelled. It finishes
// the current iteration before exiting (spec.md §5 cancellation model).
func (m *Merger) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		processed, err := m.DrainOnce(ctx)
		if err != nil && m.log != nil {
			m.log.Error("merge drain failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
		if processed {
			continue // more may be waiting; don't wait out a full tick
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DrainOnce claims and resolves one pending entry. It returns false when
// the queue was empty.
func (m *Merger) DrainOnce(ctx context.Context) (processed bool, drainErr error) {
	entry, err := m.queue.ClaimNext()
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	ctx, span := tracer.Start(ctx, "merge.DrainOnce", trace.WithAttributes(
		attribute.String("merge.branch", entry.BranchName),
		attribute.String("merge.agent", entry.AgentName),
	))
	defer func() {
		if drainErr != nil {
			span.RecordError(drainErr)
			span.SetStatus(codes.Error, drainErr.Error())
		}
		span.End()
	}()

	if m.log != nil {
		m.log.Info("merging branch", zap.String("branch", entry.BranchName), zap.String("agent", entry.AgentName))
	}

	conflict, out, err := m.repo.attemptMerge(ctx, entry.BranchName)
	if err != nil {
		_ = m.queue.SetStatus(entry.ID, domain.MergeFailed, "")
		return true, err
	}
	if !conflict {
		return true, m.queue.SetStatus(entry.ID, domain.MergeMerged, "")
	}

	// The canonical tip before any resolution commit, restored when every
	// tier fails so a gate-rejected resolution never stays on the branch.
	baseRev, baseErr := m.repo.run(ctx, "rev-parse", "HEAD")

	resolved, summary := m.resolveConflict(ctx, entry, out)
	if resolved {
		return true, m.queue.SetStatus(entry.ID, domain.MergeMerged, "")
	}
	if err := m.repo.abortMerge(ctx); err != nil && m.log != nil {
		m.log.Error("abort merge failed", zap.Error(err))
	}
	if baseErr == nil {
		if _, err := m.repo.run(ctx, "reset", "--hard", strings.TrimSpace(baseRev)); err != nil && m.log != nil {
			m.log.Error("restore canonical tip failed", zap.Error(err))
		}
	}
	if err := m.queue.SetStatus(entry.ID, domain.MergeConflict, summary); err != nil {
		return true, err
	}
	return true, m.notifyConflict(entry, summary)
}

// resolveConflict runs the tiered strategy (spec.md §4.10): tier 1 auto
// union resolution, then tier 2 AI-assisted patching if enabled, then
// falls through to tier 3 (human) by returning false.
func (m *Merger) resolveConflict(ctx context.Context, entry *domain.MergeQueueEntry, mergeOutput string) (bool, string) {
	files, err := m.repo.conflictedFiles(ctx)
	if err != nil || len(files) == 0 {
		return false, fmt.Sprintf("could not enumerate conflicted files: %v", err)
	}

	if m.tryUnionResolve(ctx, entry, files) {
		return true, ""
	}

	if m.aiAssistedEnabled && m.adapter != nil {
		if m.tryAIResolve(ctx, entry, files) {
			return true, ""
		}
	}

	return false, fmt.Sprintf("conflict in %s, tier-1/tier-2 resolution unavailable or failed:\n%s", strings.Join(files, ", "), mergeOutput)
}

// tryUnionResolve handles tier 1: known-safe resolutions for append-only
// list files configured with a union-merge pattern — ours lines kept in
// order, any new theirs lines appended, no semantic judgment required.
func (m *Merger) tryUnionResolve(ctx context.Context, entry *domain.MergeQueueEntry, files []string) bool {
	for _, f := range files {
		if !matchesAny(f, m.unionPatterns) {
			return false
		}
	}
	for _, f := range files {
		if err := m.repo.unionResolveFile(ctx, f); err != nil {
			if m.log != nil {
				m.log.Warn("tier-1 union resolve failed", zap.String("file", f), zap.Error(err))
			}
			return false
		}
	}
	if err := m.repo.commitResolution(ctx, fmt.Sprintf("merge: tier-1 union resolve %s", entry.BranchName)); err != nil {
		return false
	}
	return m.qualityGatesPass(ctx)
}

// tryAIResolve handles tier 2: ask the runtime's one-shot print command to
// propose a patch for the conflict, apply it, and accept it only if the
// same quality gates the implementing agent runs also pass. A failed
// attempt resets the working tree back to the conflicted merge state and
// retries once (maxTier2Attempts) before falling through to tier 3.
func (m *Merger) tryAIResolve(ctx context.Context, entry *domain.MergeQueueEntry, files []string) bool {
	for attempt := 1; attempt <= maxTier2Attempts; attempt++ {
		ok, committed := m.tryAIResolveOnce(ctx, entry, files, attempt)
		if ok {
			return true
		}
		if attempt == maxTier2Attempts {
			break
		}
		if !m.resetForRetry(ctx, entry.BranchName, committed) {
			return false
		}
	}
	return false
}

// resetForRetry restores the conflicted merge state before another tier-2
// attempt. A prior attempt that got as far as committing a (later rejected)
// resolution is undone with reset --hard HEAD~1 first, since by then there
// is no longer an in-progress merge for `git merge --abort` to unwind.
func (m *Merger) resetForRetry(ctx context.Context, branchName string, priorAttemptCommitted bool) bool {
	if priorAttemptCommitted {
		if _, err := m.repo.run(ctx, "reset", "--hard", "HEAD~1"); err != nil {
			if m.log != nil {
				m.log.Warn("tier-2 retry: undo committed resolution failed", zap.Error(err))
			}
			return false
		}
	} else if err := m.repo.abortMerge(ctx); err != nil {
		if m.log != nil {
			m.log.Warn("tier-2 retry: abort failed", zap.Error(err))
		}
		return false
	}
	conflict, _, err := m.repo.attemptMerge(ctx, branchName)
	if err != nil || !conflict {
		if m.log != nil {
			m.log.Warn("tier-2 retry: could not reproduce conflict state", zap.Error(err))
		}
		return false
	}
	return true
}

// tryAIResolveOnce makes a single tier-2 attempt. committed reports whether
// a resolution commit landed, regardless of whether the gates then accepted
// it — resetForRetry needs to know which undo path applies.
func (m *Merger) tryAIResolveOnce(ctx context.Context, entry *domain.MergeQueueEntry, files []string, attempt int) (ok bool, committed bool) {
	prompt := buildConflictPrompt(entry.BranchName, files)
	args := m.adapter.BuildPrintCommand(prompt, m.aiModel)
	if len(args) == 0 {
		return false, false
	}

	cmdCtx, cancel := context.WithTimeout(ctx, defaultPrintTimeout)
	defer cancel()
	cmd := exec.CommandContext(cmdCtx, args[0], args[1:]...)
	cmd.Dir = m.repo.root
	out, err := cmd.Output()
	if err != nil {
		if m.log != nil {
			m.log.Warn("tier-2 print command failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return false, false
	}

	if err := m.repo.applyPatch(ctx, string(out)); err != nil {
		if m.log != nil {
			m.log.Warn("tier-2 patch did not apply", zap.Int("attempt", attempt), zap.Error(err))
		}
		return false, false
	}
	if err := m.repo.commitResolution(ctx, fmt.Sprintf("merge: tier-2 AI-assisted resolve %s", entry.BranchName)); err != nil {
		return false, false
	}
	if !m.qualityGatesPass(ctx) {
		if m.log != nil {
			m.log.Warn("tier-2 resolution failed quality gates", zap.Int("attempt", attempt))
		}
		return false, true
	}
	return true, true
}

func (m *Merger) qualityGatesPass(ctx context.Context) bool {
	for _, gate := range m.qualityGates {
		parts := strings.Fields(gate.Command)
		if len(parts) == 0 {
			continue
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		cmd.Dir = m.repo.root
		if err := cmd.Run(); err != nil {
			if m.log != nil {
				m.log.Warn("quality gate failed", zap.String("gate", gate.Name), zap.Error(err))
			}
			return false
		}
	}
	return true
}

func (m *Merger) notifyConflict(entry *domain.MergeQueueEntry, summary string) error {
	if m.mailStore == nil {
		return nil
	}
	_, err := m.mailStore.Send(domain.Message{
		To:      domain.OrchestratorRecipient,
		From:    "merger",
		Type:    domain.MessageError,
		Subject: "merge conflict: " + entry.BranchName,
		Body:    summary,
	})
	return err
}

func buildConflictPrompt(branchName string, files []string) string {
	return fmt.Sprintf(
		"Resolve the git merge conflict in branch %q. Conflicted files: %s. "+
			"Output a single unified diff that resolves all conflict markers; output nothing else.",
		branchName, strings.Join(files, ", "))
}

func matchesAny(path string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
	}
	return false
}
