// Package spawner implements the agent spawner (spec.md §4.6): the
// deterministic pipeline that takes a spawn request through stagger delay,
// runtime/model resolution, worktree creation, overlay generation, pane
// creation, session registration, readiness wait, and beacon delivery, with
// compensating rollback on any failure past worktree creation.
package spawner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/digi4care/overstory-sub000/internal/common/config"
	"github.com/digi4care/overstory-sub000/internal/common/errs"
	"github.com/digi4care/overstory-sub000/internal/common/logger"
	"github.com/digi4care/overstory-sub000/internal/domain"
	"github.com/digi4care/overstory-sub000/internal/events"
	"github.com/digi4care/overstory-sub000/internal/overlay"
	"github.com/digi4care/overstory-sub000/internal/pane"
	"github.com/digi4care/overstory-sub000/internal/runtimeadapter"
	"github.com/digi4care/overstory-sub000/internal/session"
	"github.com/digi4care/overstory-sub000/internal/worktree"
)

const (
	defaultReadinessPollInterval = 500 * time.Millisecond
	defaultReadinessTimeout      = 2 * time.Minute
	beaconPrompt                 = "Read your overlay instructions and begin."
)

var tracer = otel.Tracer("overstory/spawner")

// spawnCapableCapabilities is the set of roles allowed to have children
// (spec.md §4.6 leaves "capable of spawning" undefined; lead/coordinator/
// supervisor direct other agents by design, custom is operator-defined and
// trusted, the rest are leaf workers).
var spawnCapableCapabilities = map[domain.Capability]bool{
	domain.CapabilityLead:        true,
	domain.CapabilityCoordinator: true,
	domain.CapabilitySupervisor:  true,
	domain.CapabilityCustom:      true,
}

// TaskChecker validates that a task id exists in whatever external tracker
// the deployment uses. The default checker always succeeds — Overstory
// itself ships no tracker integration (out of scope, spec.md §1).
type TaskChecker interface {
	Exists(ctx context.Context, taskID string) (bool, error)
}

type alwaysExistsTaskChecker struct{}

func (alwaysExistsTaskChecker) Exists(context.Context, string) (bool, error) { return true, nil }

// Request is one spawn call's input (spec.md §4.6 "Inputs").
type Request struct {
	TaskID          string
	Capability      domain.Capability
	AgentName       string
	SpecPath        string
	FileScope       []string
	MulchDomains    []string
	ParentAgent     string
	Depth           int
	SkipScout       bool
	SkipReview      bool
	MaxSubAgents    *int
	SkipTaskCheck   bool
	ForceHierarchy  bool
	RuntimeOverride string
}

// Spawner owns one spawn pipeline's collaborators. All fields are shared,
// long-lived handles — a Spawner is safe for concurrent Spawn calls; the
// session store's insert is the pipeline's single linearization point
// (spec.md §4.6 "Concurrency").
type Spawner struct {
	cfg         *config.Config
	sessions    *session.Store
	worktrees   *worktree.Manager
	panes       *pane.Manager
	adapters    *runtimeadapter.Registry
	eventsStore *events.Store
	fanout      *events.Fanout
	taskChecker TaskChecker
	log         *logger.Logger

	readinessPollInterval time.Duration
	readinessTimeout      time.Duration
}

// New builds a Spawner from its collaborators. fanout may be nil (no live
// event fanout configured); taskChecker may be nil (defaults to
// always-valid).
func New(cfg *config.Config, sessions *session.Store, worktrees *worktree.Manager, panes *pane.Manager, adapters *runtimeadapter.Registry, eventsStore *events.Store, fanout *events.Fanout, taskChecker TaskChecker, log *logger.Logger) *Spawner {
	if log == nil {
		log = logger.Default()
	}
	if taskChecker == nil {
		taskChecker = alwaysExistsTaskChecker{}
	}
	return &Spawner{
		cfg:                   cfg,
		sessions:              sessions,
		worktrees:             worktrees,
		panes:                 panes,
		adapters:              adapters,
		eventsStore:           eventsStore,
		fanout:                fanout,
		taskChecker:           taskChecker,
		log:                   log.WithFields(zap.String("component", "spawner")),
		readinessPollInterval: defaultReadinessPollInterval,
		readinessTimeout:      defaultReadinessTimeout,
	}
}

// rollbackStep is one compensating action, run in reverse order of the
// forward steps that created it (spec.md §4.6 "Failure recovery").
type rollbackStep struct {
	name string
	fn   func()
}

// Spawn runs the full pipeline for req and returns the registered session.
func (s *Spawner) Spawn(ctx context.Context, req Request) (outSess *domain.AgentSession, outErr error) {
	agentName := req.AgentName
	if agentName == "" {
		agentName = fmt.Sprintf("%s-%s", req.Capability, req.TaskID)
	}

	ctx, span := tracer.Start(ctx, "spawner.Spawn", trace.WithAttributes(
		attribute.String("agent.name", agentName),
		attribute.String("agent.capability", string(req.Capability)),
		attribute.String("task.id", req.TaskID),
	))
	defer func() {
		if outErr != nil {
			span.RecordError(outErr)
			span.SetStatus(codes.Error, outErr.Error())
		}
		span.End()
	}()

	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}

	if err := s.stagger(ctx); err != nil {
		return nil, err
	}

	var adapter runtimeadapter.Adapter
	var model string
	var wt *worktree.Worktree

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		adapter, model, err = s.resolveRuntime(req, agentName)
		return err
	})
	group.Go(func() error {
		branch := fmt.Sprintf("overstory/%s/%s", agentName, req.TaskID)
		var err error
		wt, err = s.worktrees.Create(groupCtx, agentName, branch, "")
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, &errs.AgentError{AgentName: agentName, Stage: "resolve_and_worktree", WrappedError: err}
	}

	var rollback []rollbackStep
	rollback = append(rollback, rollbackStep{"worktree", func() {
		if err := s.worktrees.Remove(context.Background(), agentName, wt.Path); err != nil {
			s.log.Warn("rollback: remove worktree failed", zap.String("agent", agentName), zap.Error(err))
		}
	}})

	canSpawn := spawnCapableCapabilities[req.Capability] && req.Depth < s.cfg.Agents.MaxDepth
	hooks := runtimeadapter.HooksDef{
		AgentName:           agentName,
		Capability:          req.Capability,
		WorktreePath:        wt.Path,
		QualityGateCommands: qualityGateCommands(req.Capability),
	}
	overlayCfg := domain.OverlayConfig{
		AgentName:    agentName,
		TaskID:       req.TaskID,
		Capability:   req.Capability,
		SpecPath:     req.SpecPath,
		BranchName:   wt.Branch,
		WorktreePath: wt.Path,
		ParentAgent:  req.ParentAgent,
		Depth:        req.Depth,
		FileScope:    req.FileScope,
		MulchDomains: req.MulchDomains,
		CanSpawn:     canSpawn,
		QualityGates: domain.DefaultQualityGates,
		SkipScout:    req.SkipScout,
		Dispatch:     domain.DispatchOverrides{SkipReview: req.SkipReview, MaxSubAgents: req.MaxSubAgents},
	}
	overlayBody, err := overlay.Render(overlayCfg)
	if err != nil {
		s.runRollback(rollback)
		return nil, &errs.AgentError{AgentName: agentName, Stage: "render_overlay", WrappedError: err}
	}
	if err := adapter.DeployConfig(wt.Path, &overlayBody, hooks); err != nil {
		s.runRollback(rollback)
		return nil, &errs.AgentError{AgentName: agentName, Stage: "deploy_config", WrappedError: err}
	}

	spawnCmd := adapter.BuildSpawnCommand(runtimeadapter.SpawnOptions{
		Model:                  model,
		PermissionMode:         permissionModeFor(req.Capability),
		Cwd:                    wt.Path,
		AppendSystemPromptPath: adapter.InstructionPath(),
	})
	env := s.buildEnv(adapter, agentName, req, model)

	if err := s.panes.CreateSession(agentName, wt.Path, env, []string{"sh", "-c", spawnCmd}); err != nil {
		s.runRollback(rollback)
		return nil, &errs.AgentError{AgentName: agentName, Stage: "create_pane", WrappedError: err}
	}
	rollback = append(rollback, rollbackStep{"pane", func() {
		if err := s.panes.KillSession(agentName); err != nil {
			s.log.Warn("rollback: kill pane failed", zap.String("agent", agentName), zap.Error(err))
		}
	}})

	now := time.Now().UTC()
	sess := domain.AgentSession{
		AgentName:    agentName,
		TaskID:       req.TaskID,
		Capability:   req.Capability,
		WorktreePath: wt.Path,
		BranchName:   wt.Branch,
		PaneID:       agentName,
		State:        domain.StateBooting,
		Depth:        req.Depth,
		StartedAt:    now,
		LastActivity: now,
		Runtime:      adapter.ID(),
	}
	if req.ParentAgent != "" {
		sess.ParentAgent = &req.ParentAgent
	}
	if err := s.sessions.Register(sess); err != nil {
		s.runRollback(rollback)
		return nil, &errs.AgentError{AgentName: agentName, Stage: "register_session", WrappedError: err}
	}
	rollback = append(rollback, rollbackStep{"session", func() {
		if err := s.sessions.Delete(agentName); err != nil {
			s.log.Warn("rollback: delete session failed", zap.String("agent", agentName), zap.Error(err))
		}
	}})

	if err := s.awaitReadiness(ctx, adapter, agentName); err != nil {
		if _, stateErr := s.sessions.UpdateState(agentName, domain.StateZombie); stateErr != nil {
			s.log.Warn("mark zombie on readiness timeout failed", zap.String("agent", agentName), zap.Error(stateErr))
		}
		s.runRollback(rollback)
		return nil, &errs.AgentError{AgentName: agentName, Stage: "await_readiness", WrappedError: err}
	}

	if err := s.sendBeacon(ctx, adapter, agentName, wt.Path, model, hooks); err != nil {
		s.runRollback(rollback)
		return nil, &errs.AgentError{AgentName: agentName, Stage: "beacon", WrappedError: err}
	}

	s.emitSpawnEvent(agentName, req)

	return &sess, nil
}

func (s *Spawner) validate(ctx context.Context, req Request) error {
	if req.Depth > s.cfg.Agents.MaxDepth {
		return &errs.ValidationError{Field: "depth", Reason: "exceeds configured max depth"}
	}
	if !req.SkipTaskCheck {
		ok, err := s.taskChecker.Exists(ctx, req.TaskID)
		if err != nil {
			return &errs.ValidationError{Field: "taskId", Reason: err.Error()}
		}
		if !ok {
			return &errs.ValidationError{Field: "taskId", Reason: "task not found"}
		}
	}
	if req.ParentAgent == "" || req.ForceHierarchy {
		return nil
	}
	parent, err := s.sessions.Get(req.ParentAgent)
	if err != nil {
		return &errs.ValidationError{Field: "parentAgent", Reason: "parent session not found"}
	}
	if !spawnCapableCapabilities[parent.Capability] {
		return &errs.ValidationError{Field: "parentAgent", Reason: "parent capability cannot spawn children"}
	}
	ceiling := s.cfg.Agents.DefaultMaxSubAgents
	if req.MaxSubAgents != nil {
		ceiling = *req.MaxSubAgents
	}
	count, err := s.sessions.CountChildren(req.ParentAgent)
	if err != nil {
		return err
	}
	if count >= ceiling {
		return &errs.ValidationError{Field: "parentAgent", Reason: "sub-agent ceiling reached"}
	}
	return nil
}

func (s *Spawner) stagger(ctx context.Context) error {
	window := time.Duration(s.cfg.Agents.StaggerWindowMs) * time.Millisecond
	recent, err := s.sessions.MostRecentActive()
	if err != nil {
		return err
	}
	var startedAt *time.Time
	if recent != nil {
		startedAt = &recent.StartedAt
	}
	delay := ComputeStaggerDelay(window, startedAt, time.Now().UTC())
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Spawner) resolveRuntime(req Request, agentName string) (runtimeadapter.Adapter, string, error) {
	adapterID := req.RuntimeOverride
	if adapterID == "" {
		adapterID = s.cfg.Runtime.Overrides[agentName]
	}
	if adapterID == "" {
		adapterID = s.cfg.Runtime.Default
	}
	adapter, err := s.adapters.Get(adapterID)
	if err != nil {
		return nil, "", err
	}
	model := resolveModel(s.cfg, req.Capability)
	return adapter, model, nil
}

func resolveModel(cfg *config.Config, c domain.Capability) string {
	alias := cfg.Models.CapabilityAlias[string(c)]
	if alias == "" {
		return ""
	}
	if concrete, ok := cfg.Models.Aliases[alias]; ok {
		return concrete
	}
	return alias
}

func (s *Spawner) buildEnv(adapter runtimeadapter.Adapter, agentName string, req Request, model string) []string {
	vars := adapter.BuildEnv(model)
	env := make([]string, 0, len(vars)+6)
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	env = append(env,
		"OVERSTORY_AGENT_NAME="+agentName,
		"OVERSTORY_TASK_ID="+req.TaskID,
		"OVERSTORY_CAPABILITY="+string(req.Capability),
	)
	for _, provider := range s.cfg.Providers {
		if provider.IsGateway && provider.APIKeyEnvVar != "" {
			env = append(env, provider.APIKeyEnvVar+"=")
		}
	}
	return env
}

func (s *Spawner) awaitReadiness(ctx context.Context, adapter runtimeadapter.Adapter, agentName string) error {
	deadline := time.Now().Add(s.readinessTimeout)
	ticker := time.NewTicker(s.readinessPollInterval)
	defer ticker.Stop()

	for {
		snapshot, err := s.panes.CapturePane(agentName)
		if err != nil {
			return fmt.Errorf("capture pane: %w", err)
		}
		state := adapter.DetectReady(snapshot)
		switch state.Phase {
		case runtimeadapter.PhaseReady:
			return nil
		case runtimeadapter.PhaseDialog:
			if state.Action != "" {
				if err := s.panes.SendKeys(agentName, state.Action); err != nil {
					return fmt.Errorf("clear dialog: %w", err)
				}
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for readiness")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sendBeacon delivers the initial beacon prompt. Adapters that implement
// SessionMessenger (acp, copilot) get first refusal on a side-channel
// delivery; a failure there (side channel not ready yet, process couldn't
// start) falls back to the universal pane-keystroke path every adapter
// supports.
func (s *Spawner) sendBeacon(ctx context.Context, adapter runtimeadapter.Adapter, agentName, cwd, model string, hooks runtimeadapter.HooksDef) error {
	if messenger, ok := adapter.(runtimeadapter.SessionMessenger); ok {
		if snapshot, err := s.panes.CapturePane(agentName); err == nil {
			if err := messenger.SendMessage(ctx, snapshot, cwd, model, beaconPrompt, hooks); err == nil {
				return nil
			} else {
				s.log.Warn("direct beacon delivery failed, falling back to pane keys",
					zap.String("agent", agentName), zap.Error(err))
			}
		}
	}

	if err := s.panes.SendKeys(agentName, beaconPrompt); err != nil {
		return err
	}
	if !adapter.RequiresBeaconVerification() {
		return nil
	}
	snapshot, err := s.panes.CapturePane(agentName)
	if err != nil {
		return err
	}
	if adapter.DetectReady(snapshot).Phase == runtimeadapter.PhaseReady {
		return s.panes.SendKeys(agentName, beaconPrompt)
	}
	return nil
}

func (s *Spawner) emitSpawnEvent(agentName string, req Request) {
	ev := domain.StoredEvent{
		AgentName: agentName,
		EventType: domain.EventSpawn,
		Level:     domain.LevelInfo,
		CreatedAt: time.Now().UTC(),
		Payload:   req.TaskID,
	}
	var err error
	if s.fanout != nil {
		_, err = events.AppendAndPublish(s.eventsStore, s.fanout, ev)
	} else {
		_, err = s.eventsStore.Append(ev)
	}
	if err != nil {
		s.log.Warn("emit spawn event failed", zap.String("agent", agentName), zap.Error(err))
	}
}

func (s *Spawner) runRollback(steps []rollbackStep) {
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		s.log.Info("rollback", zap.String("step", step.name))
		step.fn()
	}
}

func permissionModeFor(c domain.Capability) string {
	if c.IsWritable() {
		return "auto"
	}
	return "plan"
}

func qualityGateCommands(c domain.Capability) []string {
	cmds := make([]string, 0, len(domain.DefaultQualityGates))
	for _, g := range domain.DefaultQualityGates {
		cmds = append(cmds, g.Command)
	}
	return cmds
}
