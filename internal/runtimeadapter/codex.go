package runtimeadapter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/digi4care/overstory-sub000/internal/common/logger"
)

// CodexAdapter drives the headless, one-shot Codex CLI. Grounded on the
// teacher's codex transport adapter (internal/agentctl/server/adapter/codex_adapter.go)
// for the JSON-RPC-variant transcript shape. The generated sandbox profile
// is a YAML-style file built with plain string formatting.
type CodexAdapter struct {
	log *logger.Logger
}

func NewCodexAdapter(log *logger.Logger) *CodexAdapter {
	return &CodexAdapter{log: log}
}

func (a *CodexAdapter) ID() string              { return "codex" }
func (a *CodexAdapter) InstructionPath() string { return ".codex/INSTRUCTIONS.md" }

// BuildSpawnCommand returns the headless invocation. Codex never shows an
// interactive dialog; the command always passes --sandbox workspace-write
// and does not consult opts.PermissionMode.
func (a *CodexAdapter) BuildSpawnCommand(opts SpawnOptions) string {
	var b strings.Builder
	b.WriteString("codex exec")
	if opts.Model != "" {
		fmt.Fprintf(&b, " --model %s", quoteShellArg(opts.Model))
	}
	b.WriteString(" --sandbox workspace-write")
	if opts.AppendSystemPromptPath != "" {
		fmt.Fprintf(&b, " --system-prompt-file %s", quoteShellArg(opts.AppendSystemPromptPath))
	} else if opts.AppendSystemPrompt != "" {
		fmt.Fprintf(&b, " --system-prompt %s", quoteShellArg(opts.AppendSystemPrompt))
	}
	return b.String()
}

func (a *CodexAdapter) BuildPrintCommand(prompt, model string) []string {
	args := []string{"codex", "exec", "--json", prompt}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

// DeployConfig writes the overlay and the generated sandbox profile to
// .codex/sandbox.yaml. Codex has no hook mechanism of its own; the spawn
// command does not pass this profile to codex, and no wrapper script
// applies it.
func (a *CodexAdapter) DeployConfig(worktreePath string, overlayBody *string, hooks HooksDef) error {
	if overlayBody != nil {
		path := filepath.Join(worktreePath, a.InstructionPath())
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("codex deployConfig: create instruction dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(*overlayBody), 0o644); err != nil {
			return fmt.Errorf("codex deployConfig: write instruction file: %w", err)
		}
	}

	profileDir := filepath.Join(worktreePath, ".codex")
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return fmt.Errorf("codex deployConfig: create profile dir: %w", err)
	}
	profilePath := filepath.Join(profileDir, "sandbox.yaml")
	if err := os.WriteFile(profilePath, []byte(codexSandboxProfile(hooks)), 0o644); err != nil {
		return fmt.Errorf("codex deployConfig: write sandbox profile: %w", err)
	}
	if a.log != nil {
		a.log.Debug("deployed codex sandbox profile", zap.String("agent", hooks.AgentName))
	}
	return nil
}

// DetectReady is always ready: codex is a headless one-shot CLI with no
// interactive boot sequence to wait through.
func (a *CodexAdapter) DetectReady(paneSnapshot string) ReadyState {
	return ReadyState{Phase: PhaseReady}
}

type codexTranscriptLine struct {
	Type  string `json:"type"`
	Model string `json:"model"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *CodexAdapter) ParseTranscript(path string) (*TranscriptUsage, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("codex parseTranscript: %w", err)
	}
	defer f.Close()

	var usage TranscriptUsage
	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line codexTranscriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Model == "" {
			continue
		}
		found = true
		usage.Model = line.Model
		usage.InputTokens += line.Usage.InputTokens
		usage.OutputTokens += line.Usage.OutputTokens
	}
	if !found {
		return nil, nil
	}
	return &usage, nil
}

func (a *CodexAdapter) BuildEnv(resolvedModel string) map[string]string {
	return map[string]string{"CODEX_MODEL": resolvedModel}
}

// RequiresBeaconVerification is false: codex runs headless, there is no
// terminal to swallow the initial Enter.
func (a *CodexAdapter) RequiresBeaconVerification() bool { return false }

var _ Adapter = (*CodexAdapter)(nil)
