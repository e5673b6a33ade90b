package models

import (
	"time"
)

// RootCoordinatorID is the distinguished id of the top-level coordinator.
// It is always present, always reachable, and is the owner of last resort.
const RootCoordinatorID = "root"

// AgentStatus describes the liveness of a field agent.
type AgentStatus string

const (
	AgentStatusUnknown AgentStatus = "unknown"
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
)

// Agent represents one field device. An agent has exactly one owning
// coordinator at any instant; agents owned directly by the top-level
// coordinator carry RootCoordinatorID.
type Agent struct {
	AgentID       string      `json:"agent_id"`
	CoordinatorID string      `json:"coordinator_id"`
	ZoneID        string      `json:"zone_id,omitempty"`
	SourceID      string      `json:"source_id,omitempty"`
	FirstSeen     time.Time   `json:"first_seen"`
	LastSeen      time.Time   `json:"last_seen"`
	Status        AgentStatus `json:"status"`

	// ManualAssignment is set when the current owner was assigned by an
	// administrative transfer. Manual assignments outrank observed
	// network claims in the conflict authority ordering.
	ManualAssignment bool `json:"manual_assignment,omitempty"`
}

// CoordinatorStatus is derived from the liveness of a coordinator's agents.
type CoordinatorStatus string

const (
	CoordinatorStatusUnknown CoordinatorStatus = "unknown"
	CoordinatorStatusOnline  CoordinatorStatus = "online"
	CoordinatorStatusOffline CoordinatorStatus = "offline"
)

// Coordinator represents an intermediate owner of a set of agents. The
// hierarchy is flat: every coordinator's parent is the top-level coordinator.
type Coordinator struct {
	CoordinatorID string            `json:"coordinator_id"`
	ParentID      string            `json:"parent_id"`
	Status        CoordinatorStatus `json:"status"`
	Registered    time.Time         `json:"registered"`
}

// HierarchyNode is one coordinator in the hierarchy view with its agents.
type HierarchyNode struct {
	Coordinator Coordinator `json:"coordinator"`
	Agents      []Agent     `json:"agents"`
	AgentCount  int         `json:"agent_count"`
	OnlineCount int         `json:"online_count"`
}

// Hierarchy is the full coordinator tree returned by GetHierarchy.
type Hierarchy struct {
	Root         HierarchyNode   `json:"root"`
	Coordinators []HierarchyNode `json:"coordinators"`
	TotalAgents  int             `json:"total_agents"`
	GeneratedAt  time.Time       `json:"generated_at"`
}
