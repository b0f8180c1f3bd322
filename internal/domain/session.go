// Package domain holds the shared record types exchanged between stores and
// components (spec.md §3). It has no behavior of its own beyond small,
// pure helpers — the stores and state machine live in their own packages.
package domain

import "time"

// SessionState is one of the five health states an AgentSession moves
// through (spec.md §4.7).
type SessionState string

const (
	StateBooting   SessionState = "booting"
	StateWorking   SessionState = "working"
	StateStalled   SessionState = "stalled"
	StateZombie    SessionState = "zombie"
	StateCompleted SessionState = "completed"
)

// Capability is the closed set of roles an agent may be spawned with.
type Capability string

const (
	CapabilityScout       Capability = "scout"
	CapabilityBuilder     Capability = "builder"
	CapabilityReviewer    Capability = "reviewer"
	CapabilityLead        Capability = "lead"
	CapabilityMerger      Capability = "merger"
	CapabilityCoordinator Capability = "coordinator"
	CapabilitySupervisor  Capability = "supervisor"
	CapabilityMonitor     Capability = "monitor"
	CapabilityCustom      Capability = "custom"
)

// WritableCapabilities are the capabilities the guard layer permits
// file-modifying tools for (spec.md §4.2 rule 3).
var WritableCapabilities = map[Capability]bool{
	CapabilityBuilder: true,
	CapabilityMerger:  true,
	CapabilityCustom:  true,
}

// IsWritable reports whether c may use file-modifying tools.
func (c Capability) IsWritable() bool { return WritableCapabilities[c] }

// AgentSession is the central entity of the system (spec.md §3).
type AgentSession struct {
	AgentName    string       `db:"agent_name" json:"agentName"`
	TaskID       string       `db:"task_id" json:"taskId"`
	Capability   Capability   `db:"capability" json:"capability"`
	WorktreePath string       `db:"worktree_path" json:"worktreePath"`
	BranchName   string       `db:"branch_name" json:"branchName"`
	PaneID       string       `db:"pane_id" json:"paneId"`
	State        SessionState `db:"state" json:"state"`
	PID          *int         `db:"pid" json:"pid,omitempty"`
	ParentAgent  *string      `db:"parent_agent" json:"parentAgent,omitempty"`
	Depth        int          `db:"depth" json:"depth"`
	RunID        *string      `db:"run_id" json:"runId,omitempty"`
	StartedAt    time.Time    `db:"started_at" json:"startedAt"`
	LastActivity time.Time    `db:"last_activity" json:"lastActivity"`
	Runtime      string       `db:"runtime" json:"runtime"`
}

// IsTerminal reports whether the session is completed or zombie. A zombie
// session can still make the final move to completed.
func (s *AgentSession) IsTerminal() bool {
	return s.State == StateCompleted || s.State == StateZombie
}

// RunRecord is an orchestrator-initiated batch of spawns.
type RunRecord struct {
	RunID     string     `db:"run_id" json:"runId"`
	StartedAt time.Time  `db:"started_at" json:"startedAt"`
	EndedAt   *time.Time `db:"ended_at" json:"endedAt,omitempty"`
	Status    string     `db:"status" json:"status"`
}
