package registry

import (
	"sort"
	"time"

	"github.com/carverauto/fleetreg/pkg/models"
)

// Ingest consumes an inbound identity/heartbeat message. It is the entry
// point for the network ingestion path.
func (r *Registry) Ingest(msg *models.HeartbeatMessage, now time.Time) (*models.Agent, []models.ConflictRecord, error) {
	return r.UpsertClaim(Claim{
		AgentID:               msg.AgentID,
		CoordinatorID:         msg.CoordinatorID,
		ZoneID:                msg.ZoneID,
		SourceID:              msg.SourceID,
		CoordinatorIDChanged:  msg.CoordinatorIDChanged,
		AgentIDChanged:        msg.AgentIDChanged,
		PreviousCoordinatorID: msg.PreviousCoordinatorID,
	}, now)
}

// UpsertAgent records an observation of an agent under a coordinator.
func (r *Registry) UpsertAgent(agentID, observedCoordinatorID, observedZoneID string, now time.Time) (*models.Agent, []models.ConflictRecord, error) {
	return r.UpsertClaim(Claim{
		AgentID:       agentID,
		CoordinatorID: observedCoordinatorID,
		ZoneID:        observedZoneID,
	}, now)
}

// UpsertClaim creates the agent on first sight, or refreshes liveness and
// hands any identity disagreement to the conflict handler. Coordinator
// existence is not required for first-sight creation; a later transfer to
// an unregistered coordinator is what fails.
func (r *Registry) UpsertClaim(claim Claim, now time.Time) (*models.Agent, []models.ConflictRecord, error) {
	if err := models.ValidateIdentifier(claim.AgentID); err != nil {
		return nil, nil, err
	}

	if claim.CoordinatorID == "" {
		claim.CoordinatorID = models.RootCoordinatorID
	} else if err := models.ValidateIdentifier(claim.CoordinatorID); err != nil {
		return nil, nil, err
	}

	if claim.ZoneID != "" {
		if err := models.ValidateIdentifier(claim.ZoneID); err != nil {
			return nil, nil, err
		}
	}

	unlock := r.locks.lock(claim.AgentID)

	r.mu.Lock()

	existing, ok := r.agents[claim.AgentID]
	if !ok {
		agent := &models.Agent{
			AgentID:       claim.AgentID,
			CoordinatorID: claim.CoordinatorID,
			ZoneID:        claim.ZoneID,
			SourceID:      claim.SourceID,
			FirstSeen:     now,
			LastSeen:      now,
			Status:        models.AgentStatusOnline,
		}
		r.agents[claim.AgentID] = agent
		r.indexAgentLocked(agent)

		created := *agent
		r.mu.Unlock()
		unlock()

		r.bus.Publish(models.EventAgentUpserted, models.AgentUpsertedPayload{
			Agent:   created,
			Created: true,
		})

		return &created, nil, nil
	}

	prior := *existing

	// A claim from a second live source must not touch the record: id reuse
	// is rejected with the registry unchanged, and a stream of impostor
	// beats must not keep the real agent's liveness fresh. Legitimate
	// takeovers (device restart, relay change) fall outside this predicate
	// because the prior record is offline or quiet by then.
	suspectedReuse := SuspectedIDReuse(claim, prior, now, r.cfg.LivenessTimeout.Std())

	cameBackOnline := false

	if !suspectedReuse {
		cameBackOnline = existing.Status != models.AgentStatusOnline
		existing.LastSeen = now
		existing.Status = models.AgentStatusOnline

		if claim.SourceID != "" {
			existing.SourceID = claim.SourceID
		}
	}

	updated := *existing
	handler := r.conflicts
	r.mu.Unlock()
	unlock()

	// lastSeen refreshes are not announced; status transitions are.
	if cameBackOnline {
		r.bus.Publish(models.EventAgentUpserted, models.AgentUpsertedPayload{Agent: updated})
	}

	mismatch := suspectedReuse ||
		claim.CoordinatorID != prior.CoordinatorID ||
		claim.CoordinatorIDChanged || claim.AgentIDChanged ||
		(claim.ZoneID != "" && claim.ZoneID != prior.ZoneID)

	var records []models.ConflictRecord

	if mismatch {
		if handler == nil {
			r.log.Warn().
				Str("agent_id", claim.AgentID).
				Str("claimed_coordinator", claim.CoordinatorID).
				Str("recorded_coordinator", prior.CoordinatorID).
				Msg("identity mismatch observed with no conflict handler wired; claim ignored")
		} else {
			records = handler.HandleClaim(claim, prior, now)
		}
	}

	final, _ := r.GetAgent(claim.AgentID)

	return &final, records, nil
}

// SetAgentZone adopts a claimed zone. Zone is advisory metadata, not an
// ownership fact.
func (r *Registry) SetAgentZone(agentID, zoneID string) error {
	if zoneID != "" {
		if err := models.ValidateIdentifier(zoneID); err != nil {
			return err
		}
	}

	unlock := r.locks.lock(agentID)
	defer unlock()

	r.mu.Lock()

	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()

		return models.NewRegistryError(models.CodeUnknownAgent, "agent %q is not registered", agentID)
	}

	if agent.ZoneID == zoneID {
		r.mu.Unlock()

		return nil
	}

	agent.ZoneID = zoneID
	updated := *agent
	r.mu.Unlock()

	r.bus.Publish(models.EventAgentUpserted, models.AgentUpsertedPayload{Agent: updated})

	return nil
}

// MarkOffline transitions an agent to offline once its liveness timeout has
// elapsed. Idempotent; ownership is never touched.
func (r *Registry) MarkOffline(agentID string, now time.Time) error {
	unlock := r.locks.lock(agentID)
	defer unlock()

	r.mu.Lock()

	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()

		return models.NewRegistryError(models.CodeUnknownAgent, "agent %q is not registered", agentID)
	}

	if agent.Status == models.AgentStatusOffline {
		r.mu.Unlock()

		return nil
	}

	if now.Sub(agent.LastSeen) < r.cfg.LivenessTimeout.Std() {
		r.mu.Unlock()

		return nil
	}

	agent.Status = models.AgentStatusOffline
	updated := *agent
	r.mu.Unlock()

	r.bus.Publish(models.EventAgentUpserted, models.AgentUpsertedPayload{Agent: updated})

	return nil
}

// RemoveAgent decommissions an agent. This is the only way an agent leaves
// the registry.
func (r *Registry) RemoveAgent(agentID string) error {
	unlock := r.locks.lock(agentID)
	defer unlock()

	r.mu.Lock()

	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()

		return models.NewRegistryError(models.CodeUnknownAgent, "agent %q is not registered", agentID)
	}

	coordinatorID := agent.CoordinatorID
	r.unindexAgentLocked(agent)
	delete(r.agents, agentID)
	r.mu.Unlock()

	r.bus.Publish(models.EventAgentRemoved, models.AgentRemovedPayload{
		AgentID:       agentID,
		CoordinatorID: coordinatorID,
	})

	return nil
}

// GetAgent returns a copy of the agent record.
func (r *Registry) GetAgent(agentID string) (models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return models.Agent{}, false
	}

	return *agent, true
}

// CurrentOwner returns the agent's owning coordinator id.
func (r *Registry) CurrentOwner(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return "", false
	}

	return agent.CoordinatorID, true
}

// ListAgentsForCoordinator returns the agents owned by a coordinator,
// sorted by id. Backed by the ownership index, not a scan.
func (r *Registry) ListAgentsForCoordinator(coordinatorID string) []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byCoordinator[coordinatorID]))
	for id := range r.byCoordinator[coordinatorID] {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	out := make([]models.Agent, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.agents[id])
	}

	return out
}

// AgentCount reports how many agents a coordinator currently owns.
func (r *Registry) AgentCount(coordinatorID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byCoordinator[coordinatorID])
}

// SweepOffline applies MarkOffline to every agent whose liveness timeout
// has elapsed and returns how many transitioned.
func (r *Registry) SweepOffline(now time.Time) int {
	r.mu.RLock()

	var due []string

	for id, agent := range r.agents {
		if agent.Status == models.AgentStatusOnline && now.Sub(agent.LastSeen) >= r.cfg.LivenessTimeout.Std() {
			due = append(due, id)
		}
	}
	r.mu.RUnlock()

	swept := 0

	for _, id := range due {
		before, _ := r.GetAgent(id)

		if err := r.MarkOffline(id, now); err != nil {
			continue
		}

		after, _ := r.GetAgent(id)
		if before.Status != after.Status {
			swept++
		}
	}

	return swept
}

func (r *Registry) indexAgentLocked(agent *models.Agent) {
	bucket := r.byCoordinator[agent.CoordinatorID]
	if bucket == nil {
		bucket = make(map[string]struct{})
		r.byCoordinator[agent.CoordinatorID] = bucket
	}

	bucket[agent.AgentID] = struct{}{}
}

func (r *Registry) unindexAgentLocked(agent *models.Agent) {
	if bucket, ok := r.byCoordinator[agent.CoordinatorID]; ok {
		delete(bucket, agent.AgentID)

		// Registered coordinators keep their empty bucket; buckets that
		// only existed because an unregistered coordinator was observed
		// are dropped.
		if len(bucket) == 0 {
			if _, registered := r.coordinators[agent.CoordinatorID]; !registered {
				delete(r.byCoordinator, agent.CoordinatorID)
			}
		}
	}
}
