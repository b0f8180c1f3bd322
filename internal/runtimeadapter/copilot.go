package runtimeadapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/github/copilot-sdk/go"
	"go.uber.org/zap"

	"github.com/digi4care/overstory-sub000/internal/common/logger"
)

// CopilotAdapter drives the GitHub Copilot CLI in server mode: the CLI is
// spawned with --server, prints "listening on port <port>" to stdout, and
// the adapter scrapes that port to hand to github.com/github/copilot-sdk/go's
// TCP client.
type CopilotAdapter struct {
	log *logger.Logger
}

func NewCopilotAdapter(log *logger.Logger) *CopilotAdapter {
	return &CopilotAdapter{log: log}
}

func (a *CopilotAdapter) ID() string              { return "copilot" }
func (a *CopilotAdapter) InstructionPath() string { return ".copilot/INSTRUCTIONS.md" }

func (a *CopilotAdapter) BuildSpawnCommand(opts SpawnOptions) string {
	var b strings.Builder
	b.WriteString("copilot --server")
	if opts.Model != "" {
		fmt.Fprintf(&b, " --model %s", quoteShellArg(opts.Model))
	}
	if opts.AppendSystemPromptPath != "" {
		fmt.Fprintf(&b, " --system-prompt-file %s", quoteShellArg(opts.AppendSystemPromptPath))
	} else if opts.AppendSystemPrompt != "" {
		fmt.Fprintf(&b, " --system-prompt %s", quoteShellArg(opts.AppendSystemPrompt))
	}
	return b.String()
}

func (a *CopilotAdapter) BuildPrintCommand(prompt, model string) []string {
	args := []string{"copilot", "-p", prompt, "--no-server"}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

// DeployConfig writes the overlay and the generated guard-extension source
// copilot's own extension mechanism loads on startup.
func (a *CopilotAdapter) DeployConfig(worktreePath string, overlayBody *string, hooks HooksDef) error {
	if overlayBody != nil {
		path := filepath.Join(worktreePath, a.InstructionPath())
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("copilot deployConfig: create instruction dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(*overlayBody), 0o644); err != nil {
			return fmt.Errorf("copilot deployConfig: write instruction file: %w", err)
		}
	}

	extDir := filepath.Join(worktreePath, ".copilot", "extensions")
	if err := os.MkdirAll(extDir, 0o755); err != nil {
		return fmt.Errorf("copilot deployConfig: create extension dir: %w", err)
	}
	extPath := filepath.Join(extDir, "overstory-guard.js")
	if err := os.WriteFile(extPath, []byte(copilotGuardExtension(hooks)), 0o644); err != nil {
		return fmt.Errorf("copilot deployConfig: write guard extension: %w", err)
	}
	if a.log != nil {
		a.log.Debug("deployed copilot guard extension", zap.String("agent", hooks.AgentName))
	}
	return nil
}

// copilotPortPattern matches the port line `copilot --server` prints.
var copilotPortPattern = regexp.MustCompile(`listening on port (\d+)`)

// DetectReady treats the presence of the printed listening-port line as
// ready; copilot's server mode has no further interactive boot sequence.
func (a *CopilotAdapter) DetectReady(paneSnapshot string) ReadyState {
	if copilotPortPattern.MatchString(paneSnapshot) {
		return ReadyState{Phase: PhaseReady}
	}
	return ReadyState{Phase: PhaseLoading}
}

// ScrapePort extracts the TCP port a spawned `copilot --server` process
// printed to its pane, for handing to SendPrompt's CLIUrl connection.
// Returns false when no port line has appeared yet.
func ScrapePort(paneSnapshot string) (int, bool) {
	m := copilotPortPattern.FindStringSubmatch(paneSnapshot)
	if m == nil {
		return 0, false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return port, true
}

// SendPrompt drives prompt through the copilot-sdk/go TCP client connected
// to the already-running `copilot --server` process at port, instead of
// spawning a second `copilot -p` process per message: the SDK's CLIUrl
// option connects to an externally managed CLI server rather than owning
// the process itself.
func (a *CopilotAdapter) SendPrompt(port int, model, prompt string) (string, error) {
	client := copilot.NewClient(&copilot.ClientOptions{
		CLIUrl:   fmt.Sprintf("localhost:%d", port),
		LogLevel: "error",
	})
	defer client.Stop()

	session, err := client.CreateSession(&copilot.SessionConfig{Model: model})
	if err != nil {
		return "", fmt.Errorf("copilot sdk create session: %w", err)
	}
	defer session.Destroy()

	if _, err := session.SendAndWait(copilot.MessageOptions{Prompt: prompt}, 5*time.Minute); err != nil {
		return "", fmt.Errorf("copilot sdk send: %w", err)
	}
	return session.SessionID, nil
}

// SendMessage implements SessionMessenger: it scrapes the server port the
// running `copilot --server` process has printed to its pane and drives
// message through SendPrompt instead of pane keystrokes. ctx is unused —
// the copilot-sdk/go client does not accept one — but kept to satisfy the
// interface every SessionMessenger shares.
func (a *CopilotAdapter) SendMessage(ctx context.Context, paneSnapshot, cwd, model, message string, hooks HooksDef) error {
	port, ok := ScrapePort(paneSnapshot)
	if !ok {
		return fmt.Errorf("copilot sendMessage: server port not yet detected")
	}
	_, err := a.SendPrompt(port, model, message)
	return err
}

var _ SessionMessenger = (*CopilotAdapter)(nil)

type copilotTranscriptLine struct {
	Type  string `json:"type"`
	Model string `json:"model"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *CopilotAdapter) ParseTranscript(path string) (*TranscriptUsage, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("copilot parseTranscript: %w", err)
	}
	defer f.Close()

	var usage TranscriptUsage
	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line copilotTranscriptLine
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

func (a *CopilotAdapter) BuildEnv(resolvedModel string) map[string]string {
	return map[string]string{"COPILOT_MODEL": resolvedModel}
}

// RequiresBeaconVerification is false: readiness is the listening-port
// line, not a TUI prompt an Enter keystroke could be swallowed by.
func (a *CopilotAdapter) RequiresBeaconVerification() bool { return false }

var _ Adapter = (*CopilotAdapter)(nil)
