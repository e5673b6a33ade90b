// Package conflict arbitrates disagreements between what an agent claims
// about itself and what the registry records, using a fixed authority
// ordering: top-level decision > manual assignment > observed network data >
// stored default. Every resolution is recorded and every rejection produces
// an outbound instruction so the disagreeing party learns the outcome.
package conflict

import (
	"context"
	"sync"
	"time"

	"github.com/carverauto/fleetreg/pkg/bus"
	"github.com/carverauto/fleetreg/pkg/logger"
	"github.com/carverauto/fleetreg/pkg/models"
	"github.com/carverauto/fleetreg/pkg/registry"
	"github.com/carverauto/fleetreg/pkg/transfer"
)

// CommandSink delivers outbound instructions to disagreeing agents. The
// NATS bridge provides the production sink; tests record.
type CommandSink interface {
	SendRevert(instruction models.RevertInstruction) error
}

// TransferInitiator starts an ownership transfer. Satisfied by
// *transfer.Manager.
type TransferInitiator interface {
	Request(ctx context.Context, req transfer.Request) transfer.Result
}

// Resolver implements registry.ConflictHandler.
type Resolver struct {
	reg       *registry.Registry
	transfers TransferInitiator
	bus       *bus.Bus
	sink      CommandSink
	log       logger.Logger

	livenessWindow time.Duration
	retention      time.Duration
	clock          func() time.Time

	mu      sync.Mutex
	records []models.ConflictRecord
}

// New creates a resolver. sink may be nil during tests; rejections are then
// only logged and recorded.
func New(reg *registry.Registry, transfers TransferInitiator, eventBus *bus.Bus, sink CommandSink, cfg models.RegistryConfig, log logger.Logger) *Resolver {
	return &Resolver{
		reg:            reg,
		transfers:      transfers,
		bus:            eventBus,
		sink:           sink,
		log:            log,
		livenessWindow: cfg.LivenessTimeout.Std(),
		retention:      cfg.ConflictRetention.Std(),
		clock:          time.Now,
	}
}

// HandleClaim applies the decision table to one mismatching claim. prior is
// the registry's record before the claim touched liveness.
func (r *Resolver) HandleClaim(claim registry.Claim, prior models.Agent, now time.Time) []models.ConflictRecord {
	var records []models.ConflictRecord

	// A second live source reporting an already-registered agent id is id
	// reuse; never silently merge.
	if r.isReusedID(claim, prior, now) {
		records = append(records, r.record(models.ConflictRecord{
			AgentID:               claim.AgentID,
			ClaimedCoordinatorID:  claim.CoordinatorID,
			RegistryCoordinatorID: prior.CoordinatorID,
			Kind:                  models.ConflictAgentIDReused,
			Resolution:            models.ResolutionReject,
			Timestamp:             now,
		}))
		r.instructRevert(claim.AgentID, prior.CoordinatorID, now)

		return records
	}

	// Zone is advisory metadata, not an ownership fact: adopt immediately.
	if claim.ZoneID != "" && claim.ZoneID != prior.ZoneID {
		if err := r.reg.SetAgentZone(claim.AgentID, claim.ZoneID); err != nil {
			r.log.Warn().Err(err).Str("agent_id", claim.AgentID).Msg("zone adoption failed")
		} else {
			records = append(records, r.record(models.ConflictRecord{
				AgentID:               claim.AgentID,
				ClaimedCoordinatorID:  claim.CoordinatorID,
				RegistryCoordinatorID: prior.CoordinatorID,
				Kind:                  models.ConflictZoneMismatch,
				Resolution:            models.ResolutionAdopt,
				Timestamp:             now,
			}))
		}
	}

	if claim.CoordinatorID != prior.CoordinatorID || claim.CoordinatorIDChanged {
		records = append(records, r.resolveCoordinatorMismatch(claim, prior, now))
	}

	return records
}

func (r *Resolver) isReusedID(claim registry.Claim, prior models.Agent, now time.Time) bool {
	return registry.SuspectedIDReuse(claim, prior, now, r.livenessWindow)
}

func (r *Resolver) resolveCoordinatorMismatch(claim registry.Claim, prior models.Agent, now time.Time) models.ConflictRecord {
	rec := models.ConflictRecord{
		AgentID:               claim.AgentID,
		ClaimedCoordinatorID:  claim.CoordinatorID,
		RegistryCoordinatorID: prior.CoordinatorID,
		Kind:                  models.ConflictCoordinatorMismatch,
		Timestamp:             now,
	}

	switch {
	case prior.ManualAssignment:
		// A manual assignment outranks the observed claim. The agent
		// believes it moved, so it is told to revert.
		rec.Resolution = models.ResolutionResetAgent
		r.instructRevert(claim.AgentID, prior.CoordinatorID, now)

	case !r.reg.KnownCoordinator(claim.CoordinatorID):
		// An unknown coordinator cannot be authoritative; the agent
		// stays with its last known owner until an administrative
		// transfer occurs.
		rec.Resolution = models.ResolutionReject
		r.instructRevert(claim.AgentID, prior.CoordinatorID, now)

	default:
		// A known coordinator claim goes through the transfer protocol
		// rather than a silent adopt; the conflict settles when the
		// transfer reaches a terminal state.
		rec.Resolution = models.ResolutionTransfer

		go func() {
			res := r.transfers.Request(context.Background(), transfer.Request{
				AgentID: claim.AgentID,
				From:    prior.CoordinatorID,
				To:      claim.CoordinatorID,
				Reason:  "agent_claim",
			})
			if res.Err != nil {
				r.log.Warn().
					Str("agent_id", claim.AgentID).
					Str("claimed_coordinator", claim.CoordinatorID).
					Err(res.Err).
					Msg("claim-initiated transfer did not commit")
				r.instructRevert(claim.AgentID, prior.CoordinatorID, r.clock())
			}
		}()
	}

	return r.record(rec)
}

// instructRevert tells a disagreeing agent the registry's recorded
// coordinator. Silent rejection is a correctness bug, not an optimization.
func (r *Resolver) instructRevert(agentID, coordinatorID string, now time.Time) {
	instruction := models.RevertInstruction{
		AgentID:     agentID,
		Instruction: models.InstructionRevertCoordinator,
		Value:       coordinatorID,
		Timestamp:   now,
	}

	if r.sink == nil {
		r.log.Warn().
			Str("agent_id", agentID).
			Str("coordinator_id", coordinatorID).
			Msg("no command sink wired; revert instruction dropped")

		return
	}

	if err := r.sink.SendRevert(instruction); err != nil {
		r.log.Error().
			Str("agent_id", agentID).
			Err(err).
			Msg("failed to deliver revert instruction")
	}
}

func (r *Resolver) record(rec models.ConflictRecord) models.ConflictRecord {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.pruneLocked(rec.Timestamp)
	r.mu.Unlock()

	r.bus.Publish(models.EventConflictDetected, models.ConflictDetectedPayload{Record: rec})

	return rec
}

func (r *Resolver) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.retention)

	idx := 0
	for idx < len(r.records) && r.records[idx].Timestamp.Before(cutoff) {
		idx++
	}

	if idx > 0 {
		r.records = append([]models.ConflictRecord(nil), r.records[idx:]...)
	}
}

// RecentConflicts returns up to n retained records, newest first.
func (r *Resolver) RecentConflicts(n int) []models.ConflictRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || len(r.records) == 0 {
		return nil
	}

	if n > len(r.records) {
		n = len(r.records)
	}

	out := make([]models.ConflictRecord, 0, n)
	for i := len(r.records) - 1; i >= len(r.records)-n; i-- {
		out = append(out, r.records[i])
	}

	return out
}
