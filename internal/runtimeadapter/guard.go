package runtimeadapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/digi4care/overstory-sub000/internal/domain"
)

// blockedTeamTools are native sub-task/delegation tools every adapter must
// refuse — delegation always goes through the spawner (spec.md §4.2 rule 1).
var blockedTeamTools = []string{"Task", "spawn_subagent", "dispatch_agent"}

// blockedHumanTools require a human in the loop; escalation goes through
// mail instead (rule 2).
var blockedHumanTools = []string{"AskUserQuestion", "ExitPlanMode"}

// fileModifyingTools are blocked for non-implementation capabilities
// (rule 3): scout, reviewer, lead, coordinator, supervisor, monitor.
var fileModifyingTools = []string{"Write", "Edit", "MultiEdit", "NotebookEdit"}

// safePrefixes are consulted before dangerousPatterns for non-implementation
// capabilities (rule 6): read-only inspection, quality-gate commands, and
// ecosystem-sibling CLIs.
var safePrefixes = []string{
	"go build", "go test", "go vet", "go list",
	"git status", "git diff", "git log", "git show", "git branch --list",
	"ls", "cat", "grep", "rg", "find", "gh pr view", "gh issue view",
}

// dangerousPatterns are blocked for everyone (rule 5): pushing to remote,
// destructive resets, non-conforming branch creation.
var dangerousPatterns = []string{
	"git push", "git reset --hard", "git checkout -b", "git branch -D",
	"rm -rf /", "rm -rf ~",
}

// coordinationGitExceptions are the narrow git operations granted to
// coordination capabilities for metadata sync (rule 7).
var coordinationGitExceptions = []string{"git add", "git commit"}

var coordinationCapabilities = map[domain.Capability]bool{
	domain.CapabilityCoordinator: true,
	domain.CapabilityLead:        true,
}

// IsCoordinationCapability reports whether c gets the narrow git
// add/commit exception of rule 7.
func IsCoordinationCapability(c domain.Capability) bool {
	return coordinationCapabilities[c]
}

// BlockedTools returns the tool names c must never be allowed to call,
// combining the universal team/human blocks with the file-modifying block
// for non-writable capabilities.
func BlockedTools(c domain.Capability) []string {
	blocked := append([]string{}, blockedTeamTools...)
	blocked = append(blocked, blockedHumanTools...)
	if !c.IsWritable() {
		blocked = append(blocked, fileModifyingTools...)
	}
	return blocked
}

// AllowedCommandPrefixes returns the safe-prefix whitelist, extended with
// the git add/commit exceptions when c is writable or qualifies for rule 7.
func AllowedCommandPrefixes(c domain.Capability) []string {
	allowed := append([]string{}, safePrefixes...)
	if c.IsWritable() || IsCoordinationCapability(c) {
		allowed = append(allowed, coordinationGitExceptions...)
	}
	return allowed
}

// quoteShellArg single-quotes s for safe embedding in a POSIX shell
// command, escaping any embedded single quotes.
func quoteShellArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// claudeHookEntry mirrors one PreToolUse/PostToolUse hook matcher group.
type claudeHookEntry struct {
	Matcher string       `json:"matcher"`
	Hooks   []claudeHook `json:"hooks"`
}

type claudeHook struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// claudeHooksFile is the on-disk shape the claude and acp adapters both
// emit into .claude/settings.json's "hooks" key.
type claudeHooksFile struct {
	PreToolUse []claudeHookEntry `json:"PreToolUse"`
}

// buildJSONHooks serializes hooks into the claude-style JSON hook
// definition: one PreToolUse matcher per blocked tool, plus a matcher for
// Bash that shells out to a generated guard script enforcing the
// safe-prefix/dangerous-pattern/path-boundary rules. Deterministic and pure
// — no filesystem access happens here; the caller writes the result.
func buildJSONHooks(hooks HooksDef) (string, error) {
	var entries []claudeHookEntry
	for _, tool := range BlockedTools(hooks.Capability) {
		entries = append(entries, claudeHookEntry{
			Matcher: tool,
			Hooks:   []claudeHook{{Type: "command", Command: "exit 1"}},
		})
	}
	entries = append(entries, claudeHookEntry{
		Matcher: "Bash",
		Hooks:   []claudeHook{{Type: "command", Command: bashGuardCommand(hooks)}},
	})

	out, err := json.MarshalIndent(claudeHooksFile{PreToolUse: entries}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal hooks: %w", err)
	}
	return string(out), nil
}

// bashGuardCommand is the shell snippet every Bash PreToolUse hook runs: it
// receives the proposed command on stdin (per the claude hook protocol),
// exits zero when the command matches a safe prefix, and otherwise exits
// non-zero when it matches a dangerous pattern. Any other command is
// refused for read-only capabilities; for writable ones it is allowed only
// while the hook's working directory is inside the agent's worktree, /dev
// or /tmp. The paths the command itself writes to are not inspected.
func bashGuardCommand(hooks HooksDef) string {
	var b strings.Builder
	b.WriteString("input=$(cat); ")
	fmt.Fprintf(&b, "case \"$input\" in %s) exit 0 ;; esac; ", strings.Join(quoteAllPrefixes(AllowedCommandPrefixes(hooks.Capability)), " | "))
	for _, pattern := range dangerousPatterns {
		fmt.Fprintf(&b, "case \"$input\" in %s*) exit 1 ;; esac; ", quoteShellArg(pattern))
	}
	if !hooks.Capability.IsWritable() {
		b.WriteString("exit 1")
	} else {
		fmt.Fprintf(&b, "case \"$PWD\" in %s*|/dev/*|/tmp/*) exit 0 ;; *) exit 1 ;; esac", quoteShellArg(hooks.WorktreePath))
	}
	return b.String()
}

func quoteAllPrefixes(prefixes []string) []string {
	out := make([]string, len(prefixes))
	for i, p := range prefixes {
		out[i] = quoteShellArg(p) + "*"
	}
	return out
}

// codexSandboxProfile builds the allow/deny command profile the codex
// adapter writes to disk. Codex has no hook mechanism, and no wrapper
// script or spawn flag passes this profile to codex.
func codexSandboxProfile(hooks HooksDef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# overstory generated sandbox profile for %s (%s)\n", hooks.AgentName, hooks.Capability)
	b.WriteString("allow:\n")
	for _, p := range AllowedCommandPrefixes(hooks.Capability) {
		fmt.Fprintf(&b, "  - %s\n", p)
	}
	for _, cmd := range hooks.QualityGateCommands {
		fmt.Fprintf(&b, "  - %s\n", cmd)
	}
	b.WriteString("deny:\n")
	for _, p := range dangerousPatterns {
		fmt.Fprintf(&b, "  - %s\n", p)
	}
	fmt.Fprintf(&b, "write_root: %s\n", hooks.WorktreePath)
	return b.String()
}

// copilotGuardExtension builds the small generated extension-language
// source the copilot adapter writes: a single `beforeToolCall` hook
// consulting the same rule tables.
func copilotGuardExtension(hooks HooksDef) string {
	var b strings.Builder
	b.WriteString("// generated guard extension, do not edit by hand\n")
	fmt.Fprintf(&b, "const blockedTools = %s;\n", jsonStringSlice(BlockedTools(hooks.Capability)))
	fmt.Fprintf(&b, "const allowedPrefixes = %s;\n", jsonStringSlice(AllowedCommandPrefixes(hooks.Capability)))
	fmt.Fprintf(&b, "const dangerousPatterns = %s;\n", jsonStringSlice(dangerousPatterns))
	fmt.Fprintf(&b, "const writeRoot = %q;\n", hooks.WorktreePath)
	b.WriteString(`
export function beforeToolCall(call) {
  if (blockedTools.includes(call.tool)) return { allow: false };
  if (call.tool === "Bash") {
    if (allowedPrefixes.some(p => call.command.startsWith(p))) return { allow: true };
    if (dangerousPatterns.some(p => call.command.startsWith(p))) return { allow: false };
  }
  if (call.writesPath && !call.writesPath.startsWith(writeRoot)) return { allow: false };
  return { allow: true };
}
`)
	return b.String()
}

func jsonStringSlice(items []string) string {
	out, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(out)
}
