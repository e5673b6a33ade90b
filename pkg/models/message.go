package models

import "time"

// HeartbeatMessage is the inbound identity/heartbeat report from an agent.
// The optional change flags, when set, short-circuit conflict resolution to
// the relevant path instead of inferring a mismatch from value comparison.
type HeartbeatMessage struct {
	AgentID       string    `json:"agent_id"`
	CoordinatorID string    `json:"coordinator_id"`
	ZoneID        string    `json:"zone_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	// SourceID identifies the network source the report arrived from
	// (connection or relay identity); two live sources claiming the same
	// agent id is how id reuse is detected.
	SourceID string `json:"source_id,omitempty"`

	CoordinatorIDChanged  bool   `json:"coordinator_id_changed,omitempty"`
	AgentIDChanged        bool   `json:"agent_id_changed,omitempty"`
	PreviousCoordinatorID string `json:"previous_coordinator_id,omitempty"`
}

// RevertInstruction is the outbound command sent to a disagreeing agent so
// it learns the outcome of a rejected claim.
type RevertInstruction struct {
	AgentID     string    `json:"agent_id"`
	Instruction string    `json:"instruction"`
	Value       string    `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
}

// InstructionRevertCoordinator tells the agent to revert to the registry's
// recorded coordinator.
const InstructionRevertCoordinator = "revert_coordinator"
