package registry

import (
	"time"

	"github.com/carverauto/fleetreg/pkg/models"
)

// SwapOwner atomically moves an agent's ownership edge from one coordinator
// to another and appends the transfer log entry. The swap is refused with
// StaleOwnership when the recorded owner no longer matches from, and refused
// outright when the ownership index disagrees with the agent record — the
// registry prefers staleness over inconsistency.
//
// When announce is false the caller owns publishing OwnershipChanged; the
// transfer protocol uses this to announce only at its terminal state.
func (r *Registry) SwapOwner(agentID, from, to, reason string, manual, announce bool, now time.Time) (models.TransferRecord, error) {
	unlock := r.locks.lock(agentID)
	defer unlock()

	r.mu.Lock()

	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()

		return models.TransferRecord{}, models.NewRegistryError(models.CodeUnknownAgent,
			"agent %q is not registered", agentID)
	}

	if agent.CoordinatorID != from {
		current := agent.CoordinatorID
		r.mu.Unlock()

		return models.TransferRecord{}, models.NewRegistryError(models.CodeStaleOwnership,
			"agent %q is owned by %q, not %q", agentID, current, from)
	}

	if _, indexed := r.byCoordinator[from][agentID]; !indexed {
		r.mu.Unlock()

		// Programming-defect class: the record and the index disagree.
		r.log.Error().
			Str("agent_id", agentID).
			Str("coordinator_id", from).
			Msg("ownership index inconsistent with agent record; refusing mutation")

		return models.TransferRecord{}, models.NewRegistryError(models.CodeStaleOwnership,
			"ownership index inconsistent for agent %q; mutation refused", agentID)
	}

	r.unindexAgentLocked(agent)
	agent.CoordinatorID = to
	agent.ManualAssignment = manual
	r.indexAgentLocked(agent)

	r.transferSeq++
	record := models.TransferRecord{
		Seq:     r.transferSeq,
		AgentID: agentID,
		From:    from,
		To:      to,
		Reason:  reason,
		At:      now,
	}
	r.transferLog = append(r.transferLog, record)
	r.mu.Unlock()

	if announce {
		r.bus.Publish(models.EventOwnershipChanged, models.OwnershipChangedPayload{
			AgentID: agentID,
			From:    from,
			To:      to,
			Reason:  reason,
		})
	}

	return record, nil
}

// TransferLog returns the audit log entries for one agent, oldest first.
func (r *Registry) TransferLog(agentID string) []models.TransferRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.TransferRecord

	for _, rec := range r.transferLog {
		if rec.AgentID == agentID {
			out = append(out, rec)
		}
	}

	return out
}

// RecentTransfers returns up to n of the newest log entries, newest first.
func (r *Registry) RecentTransfers(n int) []models.TransferRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || len(r.transferLog) == 0 {
		return nil
	}

	if n > len(r.transferLog) {
		n = len(r.transferLog)
	}

	out := make([]models.TransferRecord, 0, n)
	for i := len(r.transferLog) - 1; i >= len(r.transferLog)-n; i-- {
		out = append(out, r.transferLog[i])
	}

	return out
}
