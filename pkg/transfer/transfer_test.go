package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetreg/pkg/bus"
	"github.com/carverauto/fleetreg/pkg/logger"
	"github.com/carverauto/fleetreg/pkg/models"
	"github.com/carverauto/fleetreg/pkg/registry"
)

var errAckRefused = errors.New("coordinator refused")

type fakeAck struct {
	mu      sync.Mutex
	calls   []string
	failFor map[string]error

	// gate, when non-nil, blocks every notification until released.
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeAck) NotifyOwnershipChange(_ context.Context, coordinatorID, agentID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, coordinatorID+"/"+agentID)
	started := f.started
	f.started = nil
	gate := f.gate
	fail := f.failFor[coordinatorID]
	f.mu.Unlock()

	if started != nil {
		close(started)
	}

	if gate != nil {
		<-gate
	}

	return fail
}

func transferConfig() models.TransferConfig {
	cfg := models.TransferConfig{
		AckTimeout:  models.Duration(100 * time.Millisecond),
		MaxAttempts: 1,
		BackoffBase: models.Duration(time.Millisecond),
		QueueDepth:  2,
	}
	_ = cfg.Validate()

	return cfg
}

type fixture struct {
	reg *registry.Registry
	bus *bus.Bus
	mgr *Manager
	ack *fakeAck

	mu     sync.Mutex
	events []models.Event
}

func newFixture(t *testing.T, cfg models.TransferConfig) *fixture {
	t.Helper()

	f := &fixture{ack: &fakeAck{}}
	f.bus = bus.New(logger.NewTestLogger())

	for _, et := range []models.EventType{models.EventOwnershipChanged, models.EventTransferFailed} {
		_, err := f.bus.Subscribe(et, "test", func(evt models.Event) {
			f.mu.Lock()
			f.events = append(f.events, evt)
			f.mu.Unlock()
		})
		require.NoError(t, err)
	}

	regCfg := models.RegistryConfig{}
	_ = regCfg.Validate()
	f.reg = registry.New(regCfg, f.bus, logger.NewTestLogger())
	f.mgr = NewManager(f.reg, f.bus, cfg, f.ack, logger.NewTestLogger())

	return f
}

func (f *fixture) eventsOf(et models.EventType) []models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.Event

	for _, evt := range f.events {
		if evt.Type == et {
			out = append(out, evt)
		}
	}

	return out
}

func (f *fixture) seed(t *testing.T, agentID, coordinatorID string, extraCoordinators ...string) {
	t.Helper()

	now := time.Now()

	if coordinatorID != models.RootCoordinatorID {
		_, err := f.reg.UpsertCoordinator(coordinatorID, now)
		require.NoError(t, err)
	}

	for _, cid := range extraCoordinators {
		_, err := f.reg.UpsertCoordinator(cid, now)
		require.NoError(t, err)
	}

	_, _, err := f.reg.UpsertAgent(agentID, coordinatorID, "", now)
	require.NoError(t, err)
}

func TestTransferCommits(t *testing.T) {
	f := newFixture(t, transferConfig())
	f.seed(t, "a1", "c1", "c2")

	res := f.mgr.Request(context.Background(), Request{AgentID: "a1", From: "c1", To: "c2", Reason: "rebalance"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, models.CommandCompleted, res.Chain.Status)

	owner, _ := f.reg.CurrentOwner("a1")
	assert.Equal(t, "c2", owner)

	changes := f.eventsOf(models.EventOwnershipChanged)
	require.Len(t, changes, 1)
	payload := changes[0].Payload.(models.OwnershipChangedPayload)
	assert.Equal(t, "c1", payload.From)
	assert.Equal(t, "c2", payload.To)

	assert.Contains(t, f.ack.calls, "c1/a1")
	assert.Contains(t, f.ack.calls, "c2/a1")
}

func TestTransferRejectsStaleOwnership(t *testing.T) {
	f := newFixture(t, transferConfig())
	f.seed(t, "a1", "c1", "c2", "c3")

	res := f.mgr.Request(context.Background(), Request{AgentID: "a1", From: "c3", To: "c2"})
	assert.Equal(t, StateRejected, res.State)
	assert.Equal(t, models.CodeStaleOwnership, models.CodeOf(res.Err))
	assert.Equal(t, models.CommandFailed, res.Chain.Status)

	owner, _ := f.reg.CurrentOwner("a1")
	assert.Equal(t, "c1", owner)

	require.Len(t, f.eventsOf(models.EventTransferFailed), 1)
}

func TestTransferRejectsUnknownDestination(t *testing.T) {
	f := newFixture(t, transferConfig())
	f.seed(t, "a1", "c1")

	res := f.mgr.Request(context.Background(), Request{AgentID: "a1", From: "c1", To: "c9"})
	assert.Equal(t, StateRejected, res.State)
	assert.Equal(t, models.CodeUnknownCoordinator, models.CodeOf(res.Err))
}

func TestCapacityPolicy(t *testing.T) {
	cfg := transferConfig()
	cfg.CoordinatorCapacity = 1

	f := newFixture(t, cfg)
	f.seed(t, "a1", "c1", "c2")

	now := time.Now()
	_, _, err := f.reg.UpsertAgent("a2", "c2", "", now)
	require.NoError(t, err)

	res := f.mgr.Request(context.Background(), Request{AgentID: "a1", From: "c1", To: "c2"})
	assert.Equal(t, StateRejected, res.State)
	assert.Equal(t, models.CodeDestinationIneligible, models.CodeOf(res.Err))

	// Top-level authority overrides the capacity policy.
	res = f.mgr.Request(context.Background(), Request{AgentID: "a1", From: "c1", To: "c2", RootInitiated: true})
	assert.Equal(t, StateCommitted, res.State)
}

func TestTransferToRootNeverIneligible(t *testing.T) {
	cfg := transferConfig()
	cfg.CoordinatorCapacity = 1

	f := newFixture(t, cfg)
	f.seed(t, "a1", "c1")

	res := f.mgr.Request(context.Background(), Request{AgentID: "a1", From: "c1", To: models.RootCoordinatorID})
	require.NoError(t, res.Err)
	assert.Equal(t, StateCommitted, res.State)

	owner, _ := f.reg.CurrentOwner("a1")
	assert.Equal(t, models.RootCoordinatorID, owner)
}

func TestAckFailureRollsBackExactly(t *testing.T) {
	f := newFixture(t, transferConfig())
	f.ack.failFor = map[string]error{"c2": errAckRefused}
	f.seed(t, "a1", "c1", "c2")

	before, _ := f.reg.GetAgent("a1")

	res := f.mgr.Request(context.Background(), Request{AgentID: "a1", From: "c1", To: "c2"})
	assert.Equal(t, StateRolledBack, res.State)
	assert.Equal(t, models.CommandTimedOut, res.Chain.Status)

	after, _ := f.reg.GetAgent("a1")
	assert.Equal(t, before.CoordinatorID, after.CoordinatorID)
	assert.Equal(t, before.ManualAssignment, after.ManualAssignment)

	// The reversed edge and the failure are both announced.
	changes := f.eventsOf(models.EventOwnershipChanged)
	require.Len(t, changes, 1)
	payload := changes[0].Payload.(models.OwnershipChangedPayload)
	assert.Equal(t, "c2", payload.From)
	assert.Equal(t, "c1", payload.To)

	failures := f.eventsOf(models.EventTransferFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, string(StateRolledBack), failures[0].Payload.(models.TransferFailedPayload).State)

	// The transfer log shows the swap and its reversal.
	log := f.reg.TransferLog("a1")
	require.Len(t, log, 2)
	assert.Equal(t, "c2", log[1].From)
	assert.Equal(t, "c1", log[1].To)
}

func TestQueuedTransferSeesNewOwner(t *testing.T) {
	f := newFixture(t, transferConfig())
	f.seed(t, "a1", "c1", "c2", "c3")

	f.ack.gate = make(chan struct{})
	f.ack.started = make(chan struct{})
	started := f.ack.started

	first := make(chan Result, 1)

	go func() {
		first <- f.mgr.Request(context.Background(), Request{AgentID: "a1", From: "c1", To: "c3"})
	}()

	// Wait until the first transfer is committing (blocked in ack).
	<-started

	second := make(chan Result, 1)

	go func() {
		second <- f.mgr.Request(context.Background(), Request{AgentID: "a1", From: "c1", To: "c2"})
	}()

	// The second request is queued, not rejected.
	require.Eventually(t, func() bool { return f.mgr.PendingCount("a1") == 2 }, time.Second, time.Millisecond)

	close(f.ack.gate)

	res1 := <-first
	require.NoError(t, res1.Err)
	assert.Equal(t, StateCommitted, res1.State)

	// Once the first commits, the queued request is evaluated against the
	// new owner c3; its from=c1 no longer matches.
	res2 := <-second
	assert.Equal(t, StateRejected, res2.State)
	assert.Equal(t, models.CodeStaleOwnership, models.CodeOf(res2.Err))

	owner, _ := f.reg.CurrentOwner("a1")
	assert.Equal(t, "c3", owner)
}

func TestQueueDepthBound(t *testing.T) {
	cfg := transferConfig()
	cfg.QueueDepth = 1

	f := newFixture(t, cfg)
	f.seed(t, "a1", "c1", "c2", "c3")

	f.ack.gate = make(chan struct{})
	f.ack.started = make(chan struct{})
	started := f.ack.started

	first := make(chan Result, 1)

	go func() {
		first <- f.mgr.Request(context.Background(), Request{AgentID: "a1", From: "c1", To: "c3"})
	}()

	<-started

	res := f.mgr.Request(context.Background(), Request{AgentID: "a1", From: "c1", To: "c2"})
	assert.Equal(t, models.CodeTooManyPendingTransfers, models.CodeOf(res.Err))

	close(f.ack.gate)
	<-first
}

func TestCancellationBeforeCommit(t *testing.T) {
	f := newFixture(t, transferConfig())
	f.seed(t, "a1", "c1", "c2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.mgr.Request(ctx, Request{AgentID: "a1", From: "c1", To: "c2"})
	assert.Equal(t, StateRejected, res.State)
	assert.Equal(t, models.CodeTransferCanceled, models.CodeOf(res.Err))

	owner, _ := f.reg.CurrentOwner("a1")
	assert.Equal(t, "c1", owner)
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}

	attempts := 0
	err := p.Do(context.Background(), 50*time.Millisecond, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errAckRefused
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestChainArchive(t *testing.T) {
	f := newFixture(t, transferConfig())
	f.seed(t, "a1", "c1", "c2")

	res := f.mgr.Request(context.Background(), Request{AgentID: "a1", From: "c1", To: "c2"})
	require.NoError(t, res.Err)

	chain, ok := f.mgr.Chain(res.Chain.CommandID)
	require.True(t, ok)
	assert.Equal(t, models.CommandCompleted, chain.Status)

	recent := f.mgr.RecentChains(10)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Terminal())
}
