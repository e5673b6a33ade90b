// Package admin is the operator-facing surface of the registry: manual
// reassignment, decommissioning, hierarchy inspection, and audit queries.
// Manual operations carry top-level authority and outrank network claims.
package admin

import (
	"context"
	"time"

	"github.com/carverauto/fleetreg/pkg/cache"
	"github.com/carverauto/fleetreg/pkg/conflict"
	"github.com/carverauto/fleetreg/pkg/logger"
	"github.com/carverauto/fleetreg/pkg/models"
	"github.com/carverauto/fleetreg/pkg/registry"
	"github.com/carverauto/fleetreg/pkg/transfer"
)

const defaultTransferReason = "manual_reassignment"

// Service wires operator commands into the registry and the transfer
// protocol. Conflicts and cache are optional; their queries return empty
// results when unwired.
type Service struct {
	reg       *registry.Registry
	transfers *transfer.Manager
	conflicts *conflict.Resolver
	cache     *cache.Cache
	log       logger.Logger
}

// NewService creates the admin service. conflicts and cacheStore may be nil.
func NewService(reg *registry.Registry, transfers *transfer.Manager, conflicts *conflict.Resolver, cacheStore *cache.Cache, log logger.Logger) *Service {
	return &Service{
		reg:       reg,
		transfers: transfers,
		conflicts: conflicts,
		cache:     cacheStore,
		log:       log,
	}
}

// RequestTransfer moves an agent to the given coordinator with top-level
// authority. The current owner is captured at request time; if ownership
// changes before the transfer runs, the protocol rejects it as stale.
func (s *Service) RequestTransfer(ctx context.Context, agentID, toCoordinatorID, reason string) (transfer.Result, error) {
	if err := models.ValidateIdentifier(agentID); err != nil {
		return transfer.Result{}, err
	}

	if err := models.ValidateIdentifier(toCoordinatorID); err != nil {
		return transfer.Result{}, err
	}

	owner, ok := s.reg.CurrentOwner(agentID)
	if !ok {
		return transfer.Result{}, models.NewRegistryError(models.CodeUnknownAgent, "agent %s is not registered", agentID)
	}

	if reason == "" {
		reason = defaultTransferReason
	}

	s.log.Info().
		Str("agent_id", agentID).
		Str("from", owner).
		Str("to", toCoordinatorID).
		Str("reason", reason).
		Msg("manual transfer requested")

	result := s.transfers.Request(ctx, transfer.Request{
		AgentID:       agentID,
		From:          owner,
		To:            toCoordinatorID,
		Reason:        reason,
		Manual:        true,
		RootInitiated: true,
	})

	return result, result.Err
}

// DecommissionAgent removes an agent and announces the removal.
func (s *Service) DecommissionAgent(agentID string) error {
	if err := s.reg.RemoveAgent(agentID); err != nil {
		return err
	}

	s.log.Info().Str("agent_id", agentID).Msg("agent decommissioned")

	return nil
}

// RegisterCoordinator adds a coordinator node, idempotently.
func (s *Service) RegisterCoordinator(coordinatorID string) (*models.Coordinator, error) {
	return s.reg.UpsertCoordinator(coordinatorID, time.Now().UTC())
}

// DecommissionCoordinator removes an empty, non-root coordinator.
func (s *Service) DecommissionCoordinator(coordinatorID string) error {
	if err := s.reg.RemoveCoordinator(coordinatorID); err != nil {
		return err
	}

	s.log.Info().Str("coordinator_id", coordinatorID).Msg("coordinator decommissioned")

	return nil
}

// Hierarchy returns the current ownership tree with derived statuses.
func (s *Service) Hierarchy() *models.Hierarchy {
	return s.reg.GetHierarchy(time.Now().UTC())
}

// AgentsFor lists the agents owned by a coordinator.
func (s *Service) AgentsFor(coordinatorID string) ([]models.Agent, error) {
	if !s.reg.KnownCoordinator(coordinatorID) {
		return nil, models.NewRegistryError(models.CodeUnknownCoordinator, "coordinator %s is not registered", coordinatorID)
	}

	return s.reg.ListAgentsForCoordinator(coordinatorID), nil
}

// TransferHistory returns the ordered transfer log for one agent.
func (s *Service) TransferHistory(agentID string) []models.TransferRecord {
	return s.reg.TransferLog(agentID)
}

// RecentTransfers returns the newest n transfers across all agents.
func (s *Service) RecentTransfers(n int) []models.TransferRecord {
	return s.reg.RecentTransfers(n)
}

// RecentChains returns the newest n transfer command chains.
func (s *Service) RecentChains(n int) []models.CommandChain {
	return s.transfers.RecentChains(n)
}

// RecentConflicts returns the newest n conflict records.
func (s *Service) RecentConflicts(n int) []models.ConflictRecord {
	if s.conflicts == nil {
		return nil
	}

	return s.conflicts.RecentConflicts(n)
}

// CacheStats reports per-tier cache counters.
func (s *Service) CacheStats() map[string]cache.Stats {
	if s.cache == nil {
		return nil
	}

	return map[string]cache.Stats{
		cache.TierHot.String():   s.cache.TierStats(cache.TierHot),
		cache.TierShort.String(): s.cache.TierStats(cache.TierShort),
		cache.TierLong.String():  s.cache.TierStats(cache.TierLong),
	}
}
