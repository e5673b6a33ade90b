// Package transfer implements the ownership transfer protocol: a per-agent
// serialized state machine that moves an agent's ownership edge between
// coordinators with two-phase commit semantics and rollback.
package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/carverauto/fleetreg/pkg/bus"
	"github.com/carverauto/fleetreg/pkg/logger"
	"github.com/carverauto/fleetreg/pkg/models"
	"github.com/carverauto/fleetreg/pkg/registry"
)

// State names one phase of a transfer attempt.
type State string

const (
	StateRequested  State = "requested"
	StateValidating State = "validating"
	StateCommitting State = "committing"
	StateCommitted  State = "committed"
	StateRejected   State = "rejected"
	StateRolledBack State = "rolled_back"
)

// Request asks for an agent's ownership edge to move From -> To. From must
// be the owner the caller observed; a mismatch at validation time is a
// stale request, not a race to resolve silently.
type Request struct {
	AgentID string
	From    string
	To      string
	Reason  string

	// Manual marks an administrative assignment, which outranks observed
	// network claims in later conflict arbitration.
	Manual bool

	// RootInitiated marks top-level-coordinator authority; combined with
	// the root_overrides_capacity policy it bypasses destination
	// capacity checks.
	RootInitiated bool
}

// Result is the terminal outcome of one transfer attempt.
type Result struct {
	State State
	Chain models.CommandChain
	Err   error
}

// Acknowledger notifies a remote coordinator endpoint that an agent moved.
// Implementations must honor the context deadline.
type Acknowledger interface {
	NotifyOwnershipChange(ctx context.Context, coordinatorID, agentID string) error
}

// Manager serializes transfers per agent id. A request arriving while
// another transfer for the same agent is in flight is queued, bounded by
// the configured queue depth.
type Manager struct {
	reg   *registry.Registry
	bus   *bus.Bus
	cfg   models.TransferConfig
	retry RetryPolicy
	ack   Acknowledger
	log   logger.Logger
	clock func() time.Time

	mu     sync.Mutex
	queues map[string]*agentQueue

	chains  map[string]models.CommandChain
	archive []models.CommandChain
}

type agentQueue struct {
	agentID string
	ch      chan *pendingTransfer
	depth   int
}

type pendingTransfer struct {
	ctx  context.Context
	req  Request
	done chan Result
}

// NewManager creates a transfer manager. ack may be nil when no remote
// participants are wired (acknowledgements are then skipped).
func NewManager(reg *registry.Registry, eventBus *bus.Bus, cfg models.TransferConfig, ack Acknowledger, log logger.Logger) *Manager {
	return &Manager{
		reg: reg,
		bus: eventBus,
		cfg: cfg,
		retry: RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     cfg.BackoffBase.Std(),
		},
		ack:    ack,
		log:    log,
		clock:  time.Now,
		queues: make(map[string]*agentQueue),
		chains: make(map[string]models.CommandChain),
	}
}

// Request runs a transfer to its terminal state and returns the outcome.
// Result.Err carries the typed error for Rejected and RolledBack outcomes.
// Cancellation through ctx is honored up to the commit point; once the edge
// has been swapped a cancellation is treated as an acknowledgement failure
// and rolls the edge back.
func (m *Manager) Request(ctx context.Context, req Request) Result {
	if err := m.validateRequest(&req); err != nil {
		return Result{State: StateRejected, Err: err}
	}

	p := &pendingTransfer{ctx: ctx, req: req, done: make(chan Result, 1)}

	m.mu.Lock()

	q := m.queues[req.AgentID]
	if q == nil {
		q = &agentQueue{
			agentID: req.AgentID,
			ch:      make(chan *pendingTransfer, m.cfg.QueueDepth),
		}
		m.queues[req.AgentID] = q

		go m.worker(q)
	}

	if q.depth >= m.cfg.QueueDepth {
		m.mu.Unlock()

		return Result{
			State: StateRejected,
			Err: models.NewRegistryError(models.CodeTooManyPendingTransfers,
				"%d transfers already pending for agent %q", m.cfg.QueueDepth, req.AgentID),
		}
	}

	q.depth++
	q.ch <- p
	m.mu.Unlock()

	return <-p.done
}

func (m *Manager) validateRequest(req *Request) error {
	for _, id := range []string{req.AgentID, req.From, req.To} {
		if err := models.ValidateIdentifier(id); err != nil {
			return err
		}
	}

	if req.From == req.To {
		return models.NewRegistryError(models.CodeDestinationIneligible,
			"agent %q is already owned by %q", req.AgentID, req.To)
	}

	return nil
}

func (m *Manager) worker(q *agentQueue) {
	for {
		m.mu.Lock()

		if q.depth == 0 {
			delete(m.queues, q.agentID)
			m.mu.Unlock()

			return
		}
		m.mu.Unlock()

		p := <-q.ch
		p.done <- m.execute(p)

		m.mu.Lock()
		q.depth--
		m.mu.Unlock()
	}
}

// PendingCount reports how many transfers are queued or running for an
// agent.
func (m *Manager) PendingCount(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[agentID]; ok {
		return q.depth
	}

	return 0
}
