package runtimeadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/digi4care/overstory-sub000/internal/common/logger"
	"github.com/digi4care/overstory-sub000/internal/domain"
)

// acpReadySentinel is the line the ACP session writes into the pty once
// the initialize handshake completes, letting DetectReady stay a pure
// function of pane text even though readiness is really signalled by the
// JSON-RPC handshake rather than any rendered UI (spec.md §4.2).
const acpReadySentinel = "overstory: acp handshake complete"

// ACPAdapter drives runtimes that speak the ACP protocol (JSON-RPC 2.0 over
// stdio). Guard deployment reuses the claude JSON-hook translator, as both
// protocols run inside a process the hook shell snippet can intercept.
type ACPAdapter struct {
	log *logger.Logger
}

func NewACPAdapter(log *logger.Logger) *ACPAdapter {
	return &ACPAdapter{log: log}
}

func (a *ACPAdapter) ID() string              { return "acp" }
func (a *ACPAdapter) InstructionPath() string { return ".claude/CLAUDE.md" }

func (a *ACPAdapter) BuildSpawnCommand(opts SpawnOptions) string {
	var b strings.Builder
	b.WriteString("acp-agent serve")
	if opts.Model != "" {
		fmt.Fprintf(&b, " --model %s", quoteShellArg(opts.Model))
	}
	if opts.AppendSystemPromptPath != "" {
		fmt.Fprintf(&b, " --system-prompt-file %s", quoteShellArg(opts.AppendSystemPromptPath))
	} else if opts.AppendSystemPrompt != "" {
		fmt.Fprintf(&b, " --system-prompt %s", quoteShellArg(opts.AppendSystemPrompt))
	}
	fmt.Fprintf(&b, "; echo %s", quoteShellArg(acpReadySentinel))
	return b.String()
}

func (a *ACPAdapter) BuildPrintCommand(prompt, model string) []string {
	args := []string{"acp-agent", "print", prompt}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

func (a *ACPAdapter) DeployConfig(worktreePath string, overlayBody *string, hooks HooksDef) error {
	if overlayBody != nil {
		path := filepath.Join(worktreePath, a.InstructionPath())
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("acp deployConfig: create instruction dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(*overlayBody), 0o644); err != nil {
			return fmt.Errorf("acp deployConfig: write instruction file: %w", err)
		}
	}

	body, err := buildJSONHooks(hooks)
	if err != nil {
		return fmt.Errorf("acp deployConfig: %w", err)
	}
	settingsDir := filepath.Join(worktreePath, ".claude")
	if err := os.MkdirAll(settingsDir, 0o755); err != nil {
		return fmt.Errorf("acp deployConfig: create settings dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(settingsDir, "settings.json"), []byte(`{"hooks":`+body+`}`), 0o644); err != nil {
		return fmt.Errorf("acp deployConfig: write settings: %w", err)
	}
	if a.log != nil {
		a.log.Debug("deployed acp guard config", zap.String("agent", hooks.AgentName))
	}
	return nil
}

// DetectReady looks for the sentinel line the spawn command echoes once the
// handshake has completed; a pure function of the snapshot text, as
// required, even though the real signal originates from the JSON-RPC layer.
func (a *ACPAdapter) DetectReady(paneSnapshot string) ReadyState {
	if strings.Contains(paneSnapshot, acpReadySentinel) {
		return ReadyState{Phase: PhaseReady}
	}
	return ReadyState{Phase: PhaseLoading}
}

func (a *ACPAdapter) ParseTranscript(path string) (*TranscriptUsage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("acp parseTranscript: %w", err)
	}
	var usage TranscriptUsage
	if err := json.Unmarshal(data, &usage); err != nil {
		return nil, nil
	}
	if usage.Model == "" {
		return nil, nil
	}
	return &usage, nil
}

func (a *ACPAdapter) BuildEnv(resolvedModel string) map[string]string {
	return map[string]string{"ACP_MODEL": resolvedModel}
}

// RequiresBeaconVerification is false: readiness comes from the JSON-RPC
// handshake sentinel, which either appears or doesn't — there is nothing
// for a swallowed Enter to affect.
func (a *ACPAdapter) RequiresBeaconVerification() bool { return false }

// SendMessage implements SessionMessenger. The pty the spawned pane owns
// reshapes stdio for terminal display (echo, line discipline), which the
// acp-go-sdk's JSON-RPC framing cannot ride alongside, so SendMessage spawns
// a second, headless `acp-agent serve` process wired directly to a real
// ACPSession over raw stdio pipes, delivers message once, then tears the
// session down. paneSnapshot is unused — ACP readiness rides the sentinel
// already echoed into the visible pane, not this side channel.
func (a *ACPAdapter) SendMessage(ctx context.Context, paneSnapshot, cwd, model, message string, hooks HooksDef) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", "acp-agent serve")
	cmd.Dir = cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("acp sendMessage: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("acp sendMessage: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("acp sendMessage: start: %w", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	sess := NewACPSession(stdin, stdout, hooks, nil)
	if _, err := sess.NewSession(ctx, cwd); err != nil {
		return fmt.Errorf("acp sendMessage: %w", err)
	}
	if err := sess.Prompt(ctx, message); err != nil {
		return fmt.Errorf("acp sendMessage: %w", err)
	}
	return sess.Cancel(ctx)
}

var _ Adapter = (*ACPAdapter)(nil)
var _ SessionMessenger = (*ACPAdapter)(nil)

// guardedSessionClient implements acp.Client (github.com/coder/acp-go-sdk),
// the handler NewClientSideConnection requires. It auto-approves permission
// requests by default, except it additionally consults the shared guard
// rule tables so a tool call a hook would have blocked is refused here too,
// as a second line of defense for the ACP session loop that bypasses the
// pty's shell hooks
// for tool calls routed directly over JSON-RPC.
type guardedSessionClient struct {
	hooks         HooksDef
	mu            sync.RWMutex
	updateHandler func(acp.SessionNotification)
}

func newGuardedSessionClient(hooks HooksDef, onUpdate func(acp.SessionNotification)) *guardedSessionClient {
	return &guardedSessionClient{hooks: hooks, updateHandler: onUpdate}
}

func (c *guardedSessionClient) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if len(p.Options) == 0 {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}

	title := ""
	if p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}
	if toolIsBlocked(title, c.hooks.Capability) {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}

	var selected *acp.PermissionOption
	for i := range p.Options {
		opt := &p.Options[i]
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			selected = opt
			break
		}
	}
	if selected == nil {
		selected = &p.Options[0]
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: selected.OptionId},
		},
	}, nil
}

func (c *guardedSessionClient) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.mu.RLock()
	handler := c.updateHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(n)
	}
	return nil
}

func (c *guardedSessionClient) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	b, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	return acp.ReadTextFileResponse{Content: string(b)}, nil
}

func (c *guardedSessionClient) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if !strings.HasPrefix(p.Path, c.hooks.WorktreePath) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path %s outside worktree %s", p.Path, c.hooks.WorktreePath)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return acp.WriteTextFileResponse{}, err
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

func (c *guardedSessionClient) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{TerminalId: "t-1"}, nil
}

func (c *guardedSessionClient) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *guardedSessionClient) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

func (c *guardedSessionClient) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *guardedSessionClient) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	exitCode := 0
	return acp.WaitForTerminalExitResponse{ExitCode: &exitCode}, nil
}

var _ acp.Client = (*guardedSessionClient)(nil)

// toolIsBlocked reports whether title names a tool BlockedTools(c) lists.
func toolIsBlocked(title string, c domain.Capability) bool {
	for _, blocked := range BlockedTools(c) {
		if strings.EqualFold(title, blocked) {
			return true
		}
	}
	return false
}

// ACPSession wraps the acp-go-sdk client-side connection for one spawned
// agent: NewSession/LoadSession/Prompt/Cancel.
type ACPSession struct {
	conn      *acp.ClientSideConnection
	sessionID string
}

// NewACPSession wires stdin/stdout of an already-spawned ACP subprocess
// into a new connection, using a guard-aware handler for hooks.
func NewACPSession(stdin io.Writer, stdout io.Reader, hooks HooksDef, onUpdate func(acp.SessionNotification)) *ACPSession {
	client := newGuardedSessionClient(hooks, onUpdate)
	conn := acp.NewClientSideConnection(client, stdin, stdout)
	return &ACPSession{conn: conn}
}

func (s *ACPSession) NewSession(ctx context.Context, cwd string) (string, error) {
	resp, err := s.conn.NewSession(ctx, acp.NewSessionRequest{Cwd: cwd, McpServers: []acp.McpServer{}})
	if err != nil {
		return "", fmt.Errorf("acp new session: %w", err)
	}
	s.sessionID = string(resp.SessionId)
	return s.sessionID, nil
}

func (s *ACPSession) LoadSession(ctx context.Context, sessionID string) error {
	if _, err := s.conn.LoadSession(ctx, acp.LoadSessionRequest{SessionId: acp.SessionId(sessionID)}); err != nil {
		return fmt.Errorf("acp load session: %w", err)
	}
	s.sessionID = sessionID
	return nil
}

func (s *ACPSession) Prompt(ctx context.Context, message string) error {
	_, err := s.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(s.sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(message)},
	})
	return err
}

func (s *ACPSession) Cancel(ctx context.Context) error {
	return s.conn.Cancel(ctx, acp.CancelNotification{SessionId: acp.SessionId(s.sessionID)})
}
