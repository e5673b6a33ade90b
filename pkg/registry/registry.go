// Package registry is the authoritative in-memory record of agents,
// coordinators, and the ownership edges between them. All mutations are
// announced on the event bus after they are applied; the registry never
// calls into subscribers directly.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/carverauto/fleetreg/pkg/bus"
	"github.com/carverauto/fleetreg/pkg/logger"
	"github.com/carverauto/fleetreg/pkg/models"
)

// Claim is an agent's self-reported identity as consumed by the registry.
// When the change flags are set the conflict resolver takes them at face
// value instead of inferring a mismatch from value comparison.
type Claim struct {
	AgentID               string
	CoordinatorID         string
	ZoneID                string
	SourceID              string
	CoordinatorIDChanged  bool
	AgentIDChanged        bool
	PreviousCoordinatorID string
}

// SuspectedIDReuse reports whether claim looks like a second physically
// distinct agent reporting an already-registered id: a different non-empty
// source while the prior record is still live within the liveness window.
// The registry uses it to leave the record untouched and the conflict
// resolver uses it to reject the claimant, so both sides apply the same
// predicate.
func SuspectedIDReuse(claim Claim, prior models.Agent, now time.Time, livenessWindow time.Duration) bool {
	if claim.SourceID == "" || prior.SourceID == "" || claim.SourceID == prior.SourceID {
		return false
	}

	return prior.Status == models.AgentStatusOnline && now.Sub(prior.LastSeen) <= livenessWindow
}

// ConflictHandler arbitrates a disagreement between a claim and the
// registry's record. The registry hands mismatches off rather than applying
// them; the handler calls back into the registry's mutation methods with
// whatever it decides.
type ConflictHandler interface {
	HandleClaim(claim Claim, prior models.Agent, now time.Time) []models.ConflictRecord
}

// Registry is the single source of truth for current ownership and
// liveness. Mutations are mutually exclusive per agent id but independent
// across agents; the registry-wide mutex only guards map and index
// integrity and is held briefly.
type Registry struct {
	cfg models.RegistryConfig
	bus *bus.Bus
	log logger.Logger

	mu            sync.RWMutex
	agents        map[string]*models.Agent
	coordinators  map[string]*models.Coordinator
	byCoordinator map[string]map[string]struct{}
	transferLog   []models.TransferRecord
	transferSeq   uint64
	conflicts     ConflictHandler

	locks *keyedMutex
}

// New creates a registry containing only the top-level coordinator.
func New(cfg models.RegistryConfig, eventBus *bus.Bus, log logger.Logger) *Registry {
	r := &Registry{
		cfg:           cfg,
		bus:           eventBus,
		log:           log,
		agents:        make(map[string]*models.Agent),
		coordinators:  make(map[string]*models.Coordinator),
		byCoordinator: make(map[string]map[string]struct{}),
		locks:         newKeyedMutex(),
	}

	r.coordinators[models.RootCoordinatorID] = &models.Coordinator{
		CoordinatorID: models.RootCoordinatorID,
		Status:        models.CoordinatorStatusOnline,
		Registered:    time.Now(),
	}
	r.byCoordinator[models.RootCoordinatorID] = make(map[string]struct{})

	return r
}

// SetConflictHandler wires the conflict resolver. Must be called during
// startup, before the registry receives traffic.
func (r *Registry) SetConflictHandler(h ConflictHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conflicts = h
}

// UpsertCoordinator registers an intermediate coordinator under the
// top-level coordinator. Idempotent.
func (r *Registry) UpsertCoordinator(coordinatorID string, now time.Time) (*models.Coordinator, error) {
	if err := models.ValidateIdentifier(coordinatorID); err != nil {
		return nil, err
	}

	r.mu.Lock()

	if existing, ok := r.coordinators[coordinatorID]; ok {
		c := *existing
		r.mu.Unlock()

		return &c, nil
	}

	coordinator := &models.Coordinator{
		CoordinatorID: coordinatorID,
		ParentID:      models.RootCoordinatorID,
		Status:        models.CoordinatorStatusUnknown,
		Registered:    now,
	}
	r.coordinators[coordinatorID] = coordinator

	if r.byCoordinator[coordinatorID] == nil {
		r.byCoordinator[coordinatorID] = make(map[string]struct{})
	}

	c := *coordinator
	r.mu.Unlock()

	r.bus.Publish(models.EventCoordinatorChanged, models.CoordinatorChangedPayload{
		CoordinatorID: coordinatorID,
	})

	return &c, nil
}

// RemoveCoordinator deletes a coordinator that owns no agents. The
// top-level coordinator can never be removed.
func (r *Registry) RemoveCoordinator(coordinatorID string) error {
	if coordinatorID == models.RootCoordinatorID {
		return models.NewRegistryError(models.CodeInvalidIdentifier,
			"the top-level coordinator cannot be removed")
	}

	r.mu.Lock()

	if _, ok := r.coordinators[coordinatorID]; !ok {
		r.mu.Unlock()

		return models.NewRegistryError(models.CodeUnknownCoordinator,
			"coordinator %q is not registered", coordinatorID)
	}

	if len(r.byCoordinator[coordinatorID]) > 0 {
		owned := len(r.byCoordinator[coordinatorID])
		r.mu.Unlock()

		return models.NewRegistryError(models.CodeCoordinatorNotEmpty,
			"coordinator %q still owns %d agents", coordinatorID, owned)
	}

	delete(r.coordinators, coordinatorID)
	delete(r.byCoordinator, coordinatorID)
	r.mu.Unlock()

	r.bus.Publish(models.EventCoordinatorChanged, models.CoordinatorChangedPayload{
		CoordinatorID: coordinatorID,
		Removed:       true,
	})

	return nil
}

// KnownCoordinator reports whether the coordinator is registered. The
// top-level coordinator is always known.
func (r *Registry) KnownCoordinator(coordinatorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.coordinators[coordinatorID]

	return ok
}

// GetCoordinator returns a copy of the coordinator record.
func (r *Registry) GetCoordinator(coordinatorID string) (models.Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.coordinators[coordinatorID]
	if !ok {
		return models.Coordinator{}, false
	}

	return *c, true
}

// ListCoordinators returns all coordinators sorted by id, the top-level
// coordinator included.
func (r *Registry) ListCoordinators() []models.Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Coordinator, 0, len(r.coordinators))
	for _, c := range r.coordinators {
		out = append(out, *c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CoordinatorID < out[j].CoordinatorID })

	return out
}

// GetHierarchy builds the coordinator tree with per-coordinator agent lists
// and counts. Coordinator status derives from agent liveness; the top-level
// coordinator is always online.
func (r *Registry) GetHierarchy(now time.Time) *models.Hierarchy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := &models.Hierarchy{GeneratedAt: now}

	for _, c := range r.coordinators {
		node := r.hierarchyNodeLocked(*c)

		if c.CoordinatorID == models.RootCoordinatorID {
			node.Coordinator.Status = models.CoordinatorStatusOnline
			h.Root = node
		} else {
			h.Coordinators = append(h.Coordinators, node)
		}

		h.TotalAgents += node.AgentCount
	}

	sort.Slice(h.Coordinators, func(i, j int) bool {
		return h.Coordinators[i].Coordinator.CoordinatorID < h.Coordinators[j].Coordinator.CoordinatorID
	})

	return h
}

func (r *Registry) hierarchyNodeLocked(c models.Coordinator) models.HierarchyNode {
	node := models.HierarchyNode{Coordinator: c}

	ids := make([]string, 0, len(r.byCoordinator[c.CoordinatorID]))
	for id := range r.byCoordinator[c.CoordinatorID] {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		agent := *r.agents[id]
		node.Agents = append(node.Agents, agent)

		if agent.Status == models.AgentStatusOnline {
			node.OnlineCount++
		}
	}

	node.AgentCount = len(node.Agents)

	if c.CoordinatorID != models.RootCoordinatorID {
		if node.OnlineCount > 0 {
			node.Coordinator.Status = models.CoordinatorStatusOnline
		} else if node.AgentCount > 0 {
			node.Coordinator.Status = models.CoordinatorStatusOffline
		}
	}

	return node
}
