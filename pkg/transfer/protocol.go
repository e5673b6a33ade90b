package transfer

import (
	"context"

	"github.com/google/uuid"

	"github.com/carverauto/fleetreg/pkg/models"
)

const chainKindTransfer = "ownership_transfer"

// execute drives one transfer attempt Requested -> Validating -> Committing
// to a terminal state. It runs on the agent's queue worker, so exactly one
// transfer per agent is in flight at a time.
func (m *Manager) execute(p *pendingTransfer) Result {
	req := p.req
	now := m.clock()

	chain := models.CommandChain{
		CommandID: uuid.New().String(),
		Kind:      chainKindTransfer,
		Path:      []string{req.From, req.To, req.AgentID},
		Status:    models.CommandPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.storeChain(chain)

	if err := p.ctx.Err(); err != nil {
		return m.reject(chain, req, models.NewRegistryError(models.CodeTransferCanceled,
			"transfer for agent %q canceled before validation", req.AgentID))
	}

	// Validating.
	if err := m.validate(req); err != nil {
		return m.reject(chain, req, err)
	}

	if err := p.ctx.Err(); err != nil {
		return m.reject(chain, req, models.NewRegistryError(models.CodeTransferCanceled,
			"transfer for agent %q canceled before commit", req.AgentID))
	}

	// Committing: swap the edge, keep the rollback snapshot until the
	// participants have acknowledged.
	snapshot, _ := m.reg.GetAgent(req.AgentID)

	if _, err := m.reg.SwapOwner(req.AgentID, req.From, req.To, req.Reason, req.Manual, false, m.clock()); err != nil {
		return m.reject(chain, req, err)
	}

	chain = m.updateChain(chain, models.CommandAcknowledged)

	if err := m.notifyParticipants(p.ctx, req); err != nil {
		return m.rollback(chain, req, snapshot.ManualAssignment, err)
	}

	// Committed.
	chain = m.updateChain(chain, models.CommandCompleted)

	m.bus.Publish(models.EventOwnershipChanged, models.OwnershipChangedPayload{
		AgentID: req.AgentID,
		From:    req.From,
		To:      req.To,
		Reason:  req.Reason,
	})

	m.log.Info().
		Str("agent_id", req.AgentID).
		Str("from", req.From).
		Str("to", req.To).
		Str("command_id", chain.CommandID).
		Msg("ownership transfer committed")

	return Result{State: StateCommitted, Chain: chain}
}

// validate checks current ownership and destination eligibility. The
// top-level coordinator is the owner of last resort: a transfer to it never
// fails validation on capacity grounds.
func (m *Manager) validate(req Request) error {
	owner, ok := m.reg.CurrentOwner(req.AgentID)
	if !ok {
		return models.NewRegistryError(models.CodeUnknownAgent,
			"agent %q is not registered", req.AgentID)
	}

	if owner != req.From {
		return models.NewRegistryError(models.CodeStaleOwnership,
			"agent %q is owned by %q, not %q; refetch and retry", req.AgentID, owner, req.From)
	}

	if req.To == models.RootCoordinatorID {
		return nil
	}

	if !m.reg.KnownCoordinator(req.To) {
		return models.NewRegistryError(models.CodeUnknownCoordinator,
			"destination coordinator %q is not registered", req.To)
	}

	if m.cfg.CoordinatorCapacity > 0 && m.reg.AgentCount(req.To) >= m.cfg.CoordinatorCapacity {
		if req.RootInitiated && m.cfg.RootOverridesCapacity != nil && *m.cfg.RootOverridesCapacity {
			return nil
		}

		return models.NewRegistryError(models.CodeDestinationIneligible,
			"coordinator %q is at capacity (%d agents)", req.To, m.cfg.CoordinatorCapacity)
	}

	return nil
}

// notifyParticipants tells the old and new coordinator endpoints about the
// move, with bounded retries per participant. The top-level coordinator is
// the registry itself and needs no notification.
func (m *Manager) notifyParticipants(ctx context.Context, req Request) error {
	if m.ack == nil {
		return nil
	}

	for _, coordinatorID := range []string{req.From, req.To} {
		if coordinatorID == models.RootCoordinatorID {
			continue
		}

		cid := coordinatorID

		err := m.retry.Do(ctx, m.cfg.AckTimeout.Std(), func(attemptCtx context.Context) error {
			return m.ack.NotifyOwnershipChange(attemptCtx, cid, req.AgentID)
		})
		if err != nil {
			return models.NewRegistryError(models.CodeDestinationIneligible,
				"coordinator %q did not acknowledge transfer of %q: %v", cid, req.AgentID, err)
		}
	}

	return nil
}

func (m *Manager) reject(chain models.CommandChain, req Request, err error) Result {
	chain = m.updateChain(chain, models.CommandFailed)

	m.bus.Publish(models.EventTransferFailed, models.TransferFailedPayload{
		AgentID: req.AgentID,
		From:    req.From,
		To:      req.To,
		State:   string(StateRejected),
		Reason:  err.Error(),
	})

	m.log.Warn().
		Str("agent_id", req.AgentID).
		Str("from", req.From).
		Str("to", req.To).
		Err(err).
		Msg("ownership transfer rejected")

	return Result{State: StateRejected, Chain: chain, Err: err}
}

// rollback restores the prior owner from the snapshot after a failure past
// the commit point, then announces the reversed edge and the failure.
func (m *Manager) rollback(chain models.CommandChain, req Request, priorManual bool, cause error) Result {
	if _, err := m.reg.SwapOwner(req.AgentID, req.To, req.From, "rollback", priorManual, false, m.clock()); err != nil {
		// The edge cannot be restored; this should be impossible while
		// the agent's queue worker is the only writer of its edge.
		m.log.Error().
			Str("agent_id", req.AgentID).
			Err(err).
			Msg("rollback failed; ownership edge left at destination")
	}

	chain = m.updateChain(chain, models.CommandTimedOut)

	m.bus.Publish(models.EventOwnershipChanged, models.OwnershipChangedPayload{
		AgentID: req.AgentID,
		From:    req.To,
		To:      req.From,
		Reason:  "rollback",
	})

	m.bus.Publish(models.EventTransferFailed, models.TransferFailedPayload{
		AgentID: req.AgentID,
		From:    req.From,
		To:      req.To,
		State:   string(StateRolledBack),
		Reason:  cause.Error(),
	})

	m.log.Warn().
		Str("agent_id", req.AgentID).
		Str("from", req.From).
		Str("to", req.To).
		Err(cause).
		Msg("ownership transfer rolled back")

	return Result{State: StateRolledBack, Chain: chain, Err: cause}
}
