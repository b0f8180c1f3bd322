package domain

import "time"

// MergeStatus is the lifecycle of a queued branch merge.
type MergeStatus string

const (
	MergePending  MergeStatus = "pending"
	MergeMerging  MergeStatus = "merging"
	MergeMerged   MergeStatus = "merged"
	MergeConflict MergeStatus = "conflict"
	MergeFailed   MergeStatus = "failed"
)

// MergeQueueEntry is a branch awaiting integration into the canonical
// branch (spec.md §3, §4.10).
type MergeQueueEntry struct {
	ID              int64       `db:"id" json:"id"`
	BranchName      string      `db:"branch_name" json:"branchName"`
	AgentName       string      `db:"agent_name" json:"agentName"`
	Status          MergeStatus `db:"status" json:"status"`
	EnqueuedAt      time.Time   `db:"enqueued_at" json:"enqueuedAt"`
	ConflictSummary *string     `db:"conflict_summary" json:"conflictSummary,omitempty"`
}
