package runtimeadapter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/digi4care/overstory-sub000/internal/common/logger"
)

// ClaudeAdapter drives the Claude Code TUI CLI: an interactive spawn
// command with readiness detection on the rendered status bar, and a
// one-shot `-p <prompt> --output-format=json` print command.
type ClaudeAdapter struct {
	log *logger.Logger
}

func NewClaudeAdapter(log *logger.Logger) *ClaudeAdapter {
	return &ClaudeAdapter{log: log}
}

func (a *ClaudeAdapter) ID() string              { return "claude" }
func (a *ClaudeAdapter) InstructionPath() string { return ".claude/CLAUDE.md" }

// BuildSpawnCommand returns the interactive spawn command. When a prompt
// file path is given it is passed as --append-system-prompt "$(cat <path>)"
// rather than inlining the prompt text, so the command string stays a fixed
// size regardless of overlay length.
func (a *ClaudeAdapter) BuildSpawnCommand(opts SpawnOptions) string {
	var b strings.Builder
	b.WriteString("npx -y @anthropic-ai/claude-code@2.1.50")
	if opts.Model != "" {
		fmt.Fprintf(&b, " --model %s", quoteShellArg(opts.Model))
	}
	switch opts.PermissionMode {
	case "supervised", "plan":
		b.WriteString(" --permission-mode plan")
	default:
		b.WriteString(" --dangerously-skip-permissions")
	}
	if opts.AppendSystemPromptPath != "" {
		fmt.Fprintf(&b, " --append-system-prompt \"$(cat %s)\"", quoteShellArg(opts.AppendSystemPromptPath))
	} else if opts.AppendSystemPrompt != "" {
		fmt.Fprintf(&b, " --append-system-prompt %s", quoteShellArg(opts.AppendSystemPrompt))
	}
	return b.String()
}

// BuildPrintCommand returns the one-shot invocation argv used by the merge
// resolver and health triage.
func (a *ClaudeAdapter) BuildPrintCommand(prompt, model string) []string {
	args := []string{"npx", "-y", "@anthropic-ai/claude-code@2.1.50", "-p", prompt, "--output-format=json"}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

// DeployConfig writes the overlay (when provided) and the JSON hook
// definition translated from hooks into .claude/settings.json.
func (a *ClaudeAdapter) DeployConfig(worktreePath string, overlayBody *string, hooks HooksDef) error {
	if overlayBody != nil {
		path := filepath.Join(worktreePath, a.InstructionPath())
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("claude deployConfig: create instruction dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(*overlayBody), 0o644); err != nil {
			return fmt.Errorf("claude deployConfig: write instruction file: %w", err)
		}
	}

	body, err := buildJSONHooks(hooks)
	if err != nil {
		return fmt.Errorf("claude deployConfig: %w", err)
	}
	settingsDir := filepath.Join(worktreePath, ".claude")
	if err := os.MkdirAll(settingsDir, 0o755); err != nil {
		return fmt.Errorf("claude deployConfig: create settings dir: %w", err)
	}
	settingsPath := filepath.Join(settingsDir, "settings.json")
	if err := os.WriteFile(settingsPath, []byte(`{"hooks":`+body+`}`), 0o644); err != nil {
		return fmt.Errorf("claude deployConfig: write settings: %w", err)
	}
	if a.log != nil {
		a.log.Debug("deployed claude guard config", zap.String("agent", hooks.AgentName))
	}
	return nil
}

// statusBarRe matches the bottom status line Claude Code renders once the
// TUI has finished booting; its absence means the pane is still loading.
var statusBarRe = regexp.MustCompile(`(?i)\?\s*for shortcuts`)

// dialogOptionRe matches a numbered permission-dialog option line.
var dialogOptionRe = regexp.MustCompile(`(?m)^\s*1\.\s+Yes`)

// DetectReady is a pure function of the rendered pane text: no dialog
// options present and the status bar has painted means ready; a numbered
// option list means a permission dialog is waiting; otherwise still
// loading.
func (a *ClaudeAdapter) DetectReady(paneSnapshot string) ReadyState {
	if dialogOptionRe.MatchString(paneSnapshot) {
		return ReadyState{Phase: PhaseDialog, Action: "1"}
	}
	if statusBarRe.MatchString(paneSnapshot) {
		return ReadyState{Phase: PhaseReady}
	}
	return ReadyState{Phase: PhaseLoading}
}

// claudeTranscriptLine is the subset of a stream-json transcript entry's
// usage block ParseTranscript needs.
type claudeTranscriptLine struct {
	Type    string `json:"type"`
	Message struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// ParseTranscript scans a stream-json transcript file line by line,
// accumulating the latest usage figures. Malformed lines are skipped, not
// fatal (spec.md §4.2).
func (a *ClaudeAdapter) ParseTranscript(path string) (*TranscriptUsage, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claude parseTranscript: %w", err)
	}
	defer f.Close()

	var usage TranscriptUsage
	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line claudeTranscriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Message.Model == "" {
			continue
		}
		found = true
		usage.Model = line.Message.Model
		usage.InputTokens += line.Message.Usage.InputTokens
		usage.OutputTokens += line.Message.Usage.OutputTokens
	}
	if !found {
		return nil, nil
	}
	return &usage, nil
}

// BuildEnv injects the resolved model as ANTHROPIC_MODEL; no other
// environment variable is set.
func (a *ClaudeAdapter) BuildEnv(resolvedModel string) map[string]string {
	return map[string]string{
		"ANTHROPIC_MODEL": resolvedModel,
	}
}

// RequiresBeaconVerification is true: Claude Code's TUI can swallow the
// initial Enter while it finishes loading MCP servers.
func (a *ClaudeAdapter) RequiresBeaconVerification() bool { return true }

var _ Adapter = (*ClaudeAdapter)(nil)
