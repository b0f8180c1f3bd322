// Package runtimeadapter translates the uniform spawn/deploy/readiness
// operations the rest of Overstory needs onto four concrete coding-assistant
// CLIs (spec.md §4.2). Adapters are stateless and safe for concurrent use;
// exactly one instance per variant lives in the Registry.
package runtimeadapter

import (
	"context"

	"github.com/digi4care/overstory-sub000/internal/domain"
)

// ReadyPhase is the three-way result of DetectReady.
type ReadyPhase string

const (
	PhaseLoading ReadyPhase = "loading"
	PhaseDialog  ReadyPhase = "dialog"
	PhaseReady   ReadyPhase = "ready"
)

// ReadyState is DetectReady's return value. Action is only meaningful when
// Phase is PhaseDialog — it names the keystroke/text the spawner should
// send to clear the dialog (e.g. "1", "y", "\x1b").
type ReadyState struct {
	Phase  ReadyPhase
	Action string
}

// SpawnOptions are the informational inputs to BuildSpawnCommand. Cwd and
// Env are informational only — per spec.md §4.2 the returned command string
// must never embed them; the caller applies them to the subprocess itself.
type SpawnOptions struct {
	Model                  string
	PermissionMode         string
	Cwd                    string
	Env                    map[string]string
	AppendSystemPrompt     string
	AppendSystemPromptPath string
}

// TranscriptUsage is ParseTranscript's normalized result.
type TranscriptUsage struct {
	InputTokens  int
	OutputTokens int
	Model        string
}

// HooksDef is the common guard-deployment input every adapter translates
// into its own native mechanism (spec.md §4.2 "Guard deployment").
type HooksDef struct {
	AgentName           string
	Capability          domain.Capability
	WorktreePath        string
	QualityGateCommands []string
}

// Adapter is the capability interface every runtime variant implements
// (spec.md §4.2's operation table).
type Adapter interface {
	ID() string
	InstructionPath() string
	BuildSpawnCommand(opts SpawnOptions) string
	BuildPrintCommand(prompt, model string) []string
	DeployConfig(worktreePath string, overlayBody *string, hooks HooksDef) error
	DetectReady(paneSnapshot string) ReadyState
	ParseTranscript(path string) (*TranscriptUsage, error)
	BuildEnv(resolvedModel string) map[string]string
	RequiresBeaconVerification() bool
}

// SessionMessenger is implemented by adapters whose prompt delivery rides a
// side-channel connection instead of pane keystrokes — ACP's JSON-RPC
// session, Copilot's TCP server. The spawner prefers it when the resolved
// adapter implements it, falling back to pane.SendKeys on failure.
type SessionMessenger interface {
	SendMessage(ctx context.Context, paneSnapshot, cwd, model, message string, hooks HooksDef) error
}
