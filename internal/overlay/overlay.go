// Package overlay renders the per-agent instruction file written into a
// worktree at spawn time (spec.md §4.5). Render is a pure function: given
// an OverlayConfig and the embedded template, it always produces the same
// body — no filesystem or network access happens in this package.
package overlay

import (
	"bytes"
	"embed"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/digi4care/overstory-sub000/internal/domain"
)

//go:embed templates/overlay.md.tmpl
var templatesFS embed.FS

var tmpl = template.Must(template.ParseFS(templatesFS, "templates/overlay.md.tmpl"))

// roleDefinitions is the base role text per capability, the "agent's base
// role definition" spec.md §4.5 lists as the overlay's last ingredient.
var roleDefinitions = map[domain.Capability]string{
	domain.CapabilityScout:       "You investigate: map the relevant code, summarize findings, and report back. You do not modify files.",
	domain.CapabilityBuilder:     "You implement: make the requested change, keep it scoped to your file scope, and run the quality gates before reporting done.",
	domain.CapabilityReviewer:    "You review: read the diff against the task, flag correctness and design issues, and report findings. You do not modify files.",
	domain.CapabilityLead:        "You coordinate a small team: spawn scouts/builders/reviewers as needed, merge their reports, and report the combined result.",
	domain.CapabilityMerger:      "You integrate completed branches into the canonical branch, resolving conflicts per the configured tiered strategy.",
	domain.CapabilityCoordinator: "You synchronize cross-agent state and metadata. You do not implement features.",
	domain.CapabilitySupervisor:  "You monitor agent health and escalate stalled or failing work. You do not modify files.",
	domain.CapabilityMonitor:     "You observe running agents and summarize status on request. You do not modify files.",
	domain.CapabilityCustom:      "You perform the task described below using your configured capability.",
}

// Render produces the instruction-file body for cfg. Every substitution
// is name-based; the result never contains an un-replaced `{{...}}`
// placeholder (spec.md §8 quantified invariant).
func Render(cfg domain.OverlayConfig) (string, error) {
	view := struct {
		AgentName                string
		TaskID                   string
		SpecPath                 string
		BranchName               string
		WorktreePath             string
		ParentAgent              string
		Depth                    int
		RoleDefinition           string
		FileScopeSection         string
		MulchDomainsLine         string
		ExpertiseBlock           string
		CanSpawnSection          string
		QualityGatesSection      string
		ConstraintsSection       string
		SkipScout                bool
		DispatchOverridesSection string
	}{
		AgentName:      cfg.AgentName,
		TaskID:         cfg.TaskID,
		SpecPath:       specPathOrFallback(cfg.SpecPath),
		BranchName:     cfg.BranchName,
		WorktreePath:   cfg.WorktreePath,
		ParentAgent:    parentOrFallback(cfg.ParentAgent),
		Depth:          cfg.Depth,
		RoleDefinition: roleDefinitionFor(cfg.Capability),
		FileScopeSection: fileScopeSection(cfg.FileScope),
		MulchDomainsLine: mulchDomainsLine(cfg.MulchDomains),
		ExpertiseBlock:   strings.TrimSpace(cfg.ExpertiseText),
		CanSpawnSection:  canSpawnSection(cfg.CanSpawn, cfg.AgentName),
		QualityGatesSection: qualityGatesSection(cfg.Capability, cfg.QualityGates),
		ConstraintsSection:  constraintsSection(cfg.Capability, cfg.WorktreePath),
		SkipScout:           cfg.SkipScout,
		DispatchOverridesSection: dispatchOverridesSection(cfg.Dispatch),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render overlay: %w", err)
	}
	return buf.String(), nil
}

func roleDefinitionFor(c domain.Capability) string {
	if def, ok := roleDefinitions[c]; ok {
		return def
	}
	return roleDefinitions[domain.CapabilityCustom]
}

func specPathOrFallback(specPath string) string {
	if specPath == "" {
		return "No spec file was provided for this task; use the task description and your own judgment."
	}
	return specPath
}

func parentOrFallback(parent string) string {
	if parent == "" {
		return "none (top-level agent)"
	}
	return parent
}

func fileScopeSection(scope []string) string {
	if len(scope) == 0 {
		return "No file scope was configured; use your judgment on which files the task requires touching."
	}
	var b strings.Builder
	for _, p := range scope {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	return strings.TrimRight(b.String(), "\n")
}

func mulchDomainsLine(domains []string) string {
	if len(domains) == 0 {
		return "general"
	}
	return strings.Join(domains, ", ")
}

func canSpawnSection(canSpawn bool, agentName string) string {
	if !canSpawn {
		return "This agent may not spawn sub-agents; escalate additional work via mail instead."
	}
	return fmt.Sprintf("You may spawn sub-agents, e.g. `overstory spawn --capability builder --parent %s --task-id <id>`.", agentName)
}

func constraintsSection(c domain.Capability, worktreePath string) string {
	if c.IsWritable() {
		return fmt.Sprintf("You may modify files only under %s. Do not push to remote, force-reset, or create branches outside the `overstory/` prefix.", worktreePath)
	}
	return "This capability is read-only: you may inspect files and run read-only commands, but file-modifying tools are blocked."
}

func dispatchOverridesSection(d domain.DispatchOverrides) string {
	var lines []string
	if d.SkipReview {
		lines = append(lines, "- Skip the review phase for this task.")
	}
	if d.MaxSubAgents != nil {
		lines = append(lines, fmt.Sprintf("- Spawn at most %d sub-agent(s).", *d.MaxSubAgents))
	}
	return strings.Join(lines, "\n")
}

// qualityGatesSection picks the presentation form spec.md §4.5 assigns by
// capability, all four generated from the same ordered gate list:
//   - builder gets the numbered step list, commands spelled out to paste
//     directly, since it is the agent actually expected to run them;
//   - merger gets the fenced bash block, since it invokes the same gates
//     mechanically as a script rather than reading them as instructions;
//   - custom is operator-defined and trusted, so it gets the terse inline
//     reminder rather than a full walkthrough;
//   - every read-only capability gets the lightweight close-and-report
//     bullets, since it never runs the gates itself.
func qualityGatesSection(c domain.Capability, gates []domain.QualityGate) string {
	if len(gates) == 0 {
		gates = domain.DefaultQualityGates
	}
	switch c {
	case domain.CapabilityBuilder:
		return StepListForm(gates)
	case domain.CapabilityMerger:
		return BashBlockForm(gates)
	case domain.CapabilityCustom:
		return InlineForm(gates)
	default:
		return CapabilitiesBulletsForm(gates)
	}
}

// InlineForm renders gates as a single comma-separated sentence.
func InlineForm(gates []domain.QualityGate) string {
	names := make([]string, len(gates))
	for i, g := range gates {
		names[i] = g.Name
	}
	return "Gates: " + strings.Join(names, ", ")
}

// StepListForm renders gates as a numbered list of commands to run in
// order before reporting the task done.
func StepListForm(gates []domain.QualityGate) string {
	var b strings.Builder
	for i, g := range gates {
		fmt.Fprintf(&b, "%d. Run `%s` (%s)\n", i+1, g.Command, g.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// BashBlockForm renders gates as a single fenced shell script.
func BashBlockForm(gates []domain.QualityGate) string {
	var b strings.Builder
	b.WriteString("```bash\n")
	for _, g := range gates {
		fmt.Fprintf(&b, "%s\n", g.Command)
	}
	b.WriteString("```")
	return b.String()
}

// CapabilitiesBulletsForm renders gates as a notice for read-only
// capabilities: note what exists, without directing the agent to run it.
func CapabilitiesBulletsForm(gates []domain.QualityGate) string {
	var b strings.Builder
	b.WriteString("Close out by reporting your findings; the implementing agent runs:\n")
	for _, g := range gates {
		fmt.Fprintf(&b, "- %s (%s)\n", g.Name, g.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ResolvesToRoot reports whether path, once resolved to an absolute path,
// equals canonicalRoot — the safety check the writer consults before
// writing an overlay file (spec.md §4.5 safety invariant).
func ResolvesToRoot(path, canonicalRoot string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	absRoot, err := filepath.Abs(canonicalRoot)
	if err != nil {
		return false
	}
	return absPath == absRoot
}
