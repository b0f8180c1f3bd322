package domain

// QualityGate is one command an agent runs before declaring work done.
type QualityGate struct {
	Name        string
	Command     string
	Description string
}

// DefaultQualityGates is used when a capability configures none.
var DefaultQualityGates = []QualityGate{
	{Name: "build", Command: "go build ./...", Description: "compiles cleanly"},
	{Name: "test", Command: "go test ./...", Description: "tests pass"},
}

// DispatchOverrides narrows the default dispatch behavior for one spawn.
type DispatchOverrides struct {
	SkipReview    bool
	MaxSubAgents  *int
}

// OverlayConfig is the in-memory input to the overlay generator
// (spec.md §3, §4.5). It never persists — the generator renders it once,
// at spawn time, into the worktree's instruction file.
type OverlayConfig struct {
	AgentName       string
	TaskID          string
	Capability      Capability
	SpecPath        string
	BranchName      string
	WorktreePath    string
	ParentAgent     string
	Depth           int
	FileScope       []string
	MulchDomains    []string
	CanSpawn        bool
	QualityGates    []QualityGate
	SkipScout       bool
	Dispatch        DispatchOverrides
	ExpertiseText   string
}

// RuntimeConfig is a named, per-adapter configuration (spec.md §3).
type RuntimeConfig struct {
	Name                string
	DefaultModel        string
	ModelAliases        map[string]string
	ProviderEnvVars     map[string]string
	CapabilityPermMode  map[Capability]string
}
