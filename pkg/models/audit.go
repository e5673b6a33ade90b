package models

import "time"

// TransferRecord is one entry in the append-only ownership transfer log.
// Seq increases monotonically; exactly one record is appended per applied
// ownership edge swap, including rollbacks.
type TransferRecord struct {
	Seq     uint64    `json:"seq"`
	AgentID string    `json:"agent_id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// ConflictKind classifies a disagreement between an agent's claim and the
// registry's record.
type ConflictKind string

const (
	ConflictCoordinatorMismatch ConflictKind = "coordinator_mismatch"
	ConflictAgentIDReused       ConflictKind = "agent_id_reused"
	ConflictZoneMismatch        ConflictKind = "zone_mismatch"
)

// Resolution is the outcome of arbitrating a conflict.
type Resolution string

const (
	// ResolutionAdopt means the registry took the claimed value.
	ResolutionAdopt Resolution = "adopt"
	// ResolutionReject means the claim was ignored and the registry is
	// unchanged; the claimant is told the outcome.
	ResolutionReject Resolution = "reject"
	// ResolutionResetAgent means the registry instructs the agent to
	// revert to the registry's value.
	ResolutionResetAgent Resolution = "reset_agent"
	// ResolutionTransfer means an ownership transfer was initiated; the
	// conflict settles when the transfer reaches a terminal state.
	ResolutionTransfer Resolution = "transfer"
)

// ConflictRecord captures one resolved disagreement, retained for a bounded
// window for audit and operator visibility.
type ConflictRecord struct {
	AgentID               string       `json:"agent_id"`
	ClaimedCoordinatorID  string       `json:"claimed_coordinator_id"`
	RegistryCoordinatorID string       `json:"registry_coordinator_id"`
	Kind                  ConflictKind `json:"kind"`
	Resolution            Resolution   `json:"resolution"`
	Timestamp             time.Time    `json:"timestamp"`
}

// CommandStatus tracks a multi-step administrative operation.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandCompleted    CommandStatus = "completed"
	CommandFailed       CommandStatus = "failed"
	CommandTimedOut     CommandStatus = "timed_out"
)

// CommandChain records an administrative operation as it traverses its
// participants. Terminal chains are archived, not mutated further.
type CommandChain struct {
	CommandID string        `json:"command_id"`
	Kind      string        `json:"kind"`
	Path      []string      `json:"path"`
	Status    CommandStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Terminal reports whether the chain has reached a final status.
func (c *CommandChain) Terminal() bool {
	switch c.Status {
	case CommandCompleted, CommandFailed, CommandTimedOut:
		return true
	default:
		return false
	}
}
