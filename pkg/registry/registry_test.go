package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetreg/pkg/bus"
	"github.com/carverauto/fleetreg/pkg/logger"
	"github.com/carverauto/fleetreg/pkg/models"
)

func testConfig() models.RegistryConfig {
	cfg := models.RegistryConfig{}
	_ = cfg.Validate()

	return cfg
}

type eventRecorder struct {
	events []models.Event
}

func (er *eventRecorder) attach(t *testing.T, b *bus.Bus, types ...models.EventType) {
	t.Helper()

	for _, et := range types {
		_, err := b.Subscribe(et, "test-recorder", func(evt models.Event) {
			er.events = append(er.events, evt)
		})
		require.NoError(t, err)
	}
}

func (er *eventRecorder) ofType(et models.EventType) []models.Event {
	var out []models.Event

	for _, evt := range er.events {
		if evt.Type == et {
			out = append(out, evt)
		}
	}

	return out
}

func newTestRegistry(t *testing.T) (*Registry, *bus.Bus, *eventRecorder) {
	t.Helper()

	b := bus.New(logger.NewTestLogger())
	rec := &eventRecorder{}
	rec.attach(t, b,
		models.EventAgentUpserted, models.EventAgentRemoved,
		models.EventOwnershipChanged, models.EventCoordinatorChanged)

	return New(testConfig(), b, logger.NewTestLogger()), b, rec
}

func TestFirstSightCreatesAgentUnderObservedCoordinator(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	now := time.Unix(1700000000, 0).UTC()

	_, err := reg.UpsertCoordinator("c1", now)
	require.NoError(t, err)

	agent, conflicts, err := reg.UpsertAgent("a1", "c1", "zone-a", now)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Equal(t, "c1", agent.CoordinatorID)
	assert.Equal(t, models.AgentStatusOnline, agent.Status)
	assert.Equal(t, now, agent.FirstSeen)

	upserts := rec.ofType(models.EventAgentUpserted)
	require.Len(t, upserts, 1)
	payload, ok := upserts[0].Payload.(models.AgentUpsertedPayload)
	require.True(t, ok)
	assert.True(t, payload.Created)
	assert.Equal(t, "a1", payload.Agent.AgentID)
}

func TestFirstSightDoesNotRequireCoordinatorExistence(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	now := time.Now()

	agent, conflicts, err := reg.UpsertAgent("a2", "c9", "", now)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Equal(t, "c9", agent.CoordinatorID)
	assert.False(t, reg.KnownCoordinator("c9"))

	owned := reg.ListAgentsForCoordinator("c9")
	require.Len(t, owned, 1)
	assert.Equal(t, "a2", owned[0].AgentID)
}

func TestUpsertWithoutCoordinatorDefaultsToRoot(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	agent, _, err := reg.UpsertAgent("a1", "", "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.RootCoordinatorID, agent.CoordinatorID)
}

func TestUpsertRejectsInvalidIdentifier(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, _, err := reg.UpsertAgent("a/1", "c1", "", time.Now())
	require.Error(t, err)
	assert.Equal(t, models.CodeInvalidIdentifier, models.CodeOf(err))

	_, ok := reg.GetAgent("a/1")
	assert.False(t, ok)
}

func TestMarkOfflineIsIdempotentAndPreservesOwnership(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	start := time.Unix(1700000000, 0).UTC()

	_, _, err := reg.UpsertAgent("a1", "c1", "", start)
	require.NoError(t, err)

	late := start.Add(10 * time.Minute)

	require.NoError(t, reg.MarkOffline("a1", late))
	require.NoError(t, reg.MarkOffline("a1", late))

	agent, ok := reg.GetAgent("a1")
	require.True(t, ok)
	assert.Equal(t, models.AgentStatusOffline, agent.Status)
	assert.Equal(t, "c1", agent.CoordinatorID)
}

func TestMarkOfflineBeforeTimeoutIsNoop(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	start := time.Unix(1700000000, 0).UTC()

	_, _, err := reg.UpsertAgent("a1", "c1", "", start)
	require.NoError(t, err)

	require.NoError(t, reg.MarkOffline("a1", start.Add(time.Minute)))

	agent, _ := reg.GetAgent("a1")
	assert.Equal(t, models.AgentStatusOnline, agent.Status)
}

func TestSweepOffline(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	start := time.Unix(1700000000, 0).UTC()

	_, _, err := reg.UpsertAgent("a1", "c1", "", start)
	require.NoError(t, err)
	_, _, err = reg.UpsertAgent("a2", "c1", "", start.Add(9*time.Minute))
	require.NoError(t, err)

	swept := reg.SweepOffline(start.Add(10 * time.Minute))
	assert.Equal(t, 1, swept)

	a1, _ := reg.GetAgent("a1")
	a2, _ := reg.GetAgent("a2")
	assert.Equal(t, models.AgentStatusOffline, a1.Status)
	assert.Equal(t, models.AgentStatusOnline, a2.Status)
}

func TestHeartbeatBringsAgentBackOnline(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	start := time.Unix(1700000000, 0).UTC()

	_, _, err := reg.UpsertAgent("a1", "c1", "", start)
	require.NoError(t, err)
	require.NoError(t, reg.MarkOffline("a1", start.Add(10*time.Minute)))

	before := len(rec.ofType(models.EventAgentUpserted))

	_, _, err = reg.UpsertAgent("a1", "c1", "", start.Add(11*time.Minute))
	require.NoError(t, err)

	agent, _ := reg.GetAgent("a1")
	assert.Equal(t, models.AgentStatusOnline, agent.Status)
	assert.Len(t, rec.ofType(models.EventAgentUpserted), before+1)
}

func TestRemoveAgentEmitsEvent(t *testing.T) {
	reg, _, rec := newTestRegistry(t)

	_, _, err := reg.UpsertAgent("a1", "c1", "", time.Now())
	require.NoError(t, err)

	require.NoError(t, reg.RemoveAgent("a1"))

	_, ok := reg.GetAgent("a1")
	assert.False(t, ok)
	assert.Empty(t, reg.ListAgentsForCoordinator("c1"))

	removed := rec.ofType(models.EventAgentRemoved)
	require.Len(t, removed, 1)
	payload := removed[0].Payload.(models.AgentRemovedPayload)
	assert.Equal(t, "a1", payload.AgentID)
	assert.Equal(t, "c1", payload.CoordinatorID)

	err = reg.RemoveAgent("a1")
	assert.Equal(t, models.CodeUnknownAgent, models.CodeOf(err))
}

func TestSwapOwnerMaintainsSingleOwnershipEdge(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	now := time.Now()

	_, err := reg.UpsertCoordinator("c1", now)
	require.NoError(t, err)
	_, err = reg.UpsertCoordinator("c2", now)
	require.NoError(t, err)

	_, _, err = reg.UpsertAgent("a1", "c1", "", now)
	require.NoError(t, err)

	record, err := reg.SwapOwner("a1", "c1", "c2", "test", false, true, now)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), record.Seq)

	assert.Empty(t, reg.ListAgentsForCoordinator("c1"))
	require.Len(t, reg.ListAgentsForCoordinator("c2"), 1)

	owner, ok := reg.CurrentOwner("a1")
	require.True(t, ok)
	assert.Equal(t, "c2", owner)

	changes := rec.ofType(models.EventOwnershipChanged)
	require.Len(t, changes, 1)
	payload := changes[0].Payload.(models.OwnershipChangedPayload)
	assert.Equal(t, models.OwnershipChangedPayload{AgentID: "a1", From: "c1", To: "c2", Reason: "test"}, payload)
}

func TestSwapOwnerRejectsStaleFrom(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	now := time.Now()

	_, _, err := reg.UpsertAgent("a1", "c3", "", now)
	require.NoError(t, err)

	_, err = reg.SwapOwner("a1", "c1", "c2", "stale", false, true, now)
	require.Error(t, err)
	assert.Equal(t, models.CodeStaleOwnership, models.CodeOf(err))

	owner, _ := reg.CurrentOwner("a1")
	assert.Equal(t, "c3", owner)
}

func TestTransferLogSequencesMonotonically(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	now := time.Now()

	_, _, err := reg.UpsertAgent("a1", "c1", "", now)
	require.NoError(t, err)

	_, err = reg.SwapOwner("a1", "c1", "c2", "hop1", false, false, now)
	require.NoError(t, err)
	_, err = reg.SwapOwner("a1", "c2", "c3", "hop2", false, false, now)
	require.NoError(t, err)

	log := reg.TransferLog("a1")
	require.Len(t, log, 2)
	assert.Equal(t, uint64(1), log[0].Seq)
	assert.Equal(t, uint64(2), log[1].Seq)

	recent := reg.RecentTransfers(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "hop2", recent[0].Reason)
}

func TestRemoveCoordinatorRules(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	now := time.Now()

	err := reg.RemoveCoordinator(models.RootCoordinatorID)
	require.Error(t, err)

	err = reg.RemoveCoordinator("ghost")
	assert.Equal(t, models.CodeUnknownCoordinator, models.CodeOf(err))

	_, err = reg.UpsertCoordinator("c1", now)
	require.NoError(t, err)
	_, _, err = reg.UpsertAgent("a1", "c1", "", now)
	require.NoError(t, err)

	err = reg.RemoveCoordinator("c1")
	assert.Equal(t, models.CodeCoordinatorNotEmpty, models.CodeOf(err))

	require.NoError(t, reg.RemoveAgent("a1"))
	require.NoError(t, reg.RemoveCoordinator("c1"))
	assert.False(t, reg.KnownCoordinator("c1"))
}

func TestGetHierarchy(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	now := time.Unix(1700000000, 0).UTC()

	_, err := reg.UpsertCoordinator("c1", now)
	require.NoError(t, err)
	_, err = reg.UpsertCoordinator("c2", now)
	require.NoError(t, err)

	_, _, err = reg.UpsertAgent("a1", "c1", "", now)
	require.NoError(t, err)
	_, _, err = reg.UpsertAgent("a2", "c1", "", now)
	require.NoError(t, err)
	_, _, err = reg.UpsertAgent("a3", "", "", now)
	require.NoError(t, err)

	h := reg.GetHierarchy(now)
	assert.Equal(t, 3, h.TotalAgents)
	assert.Equal(t, models.CoordinatorStatusOnline, h.Root.Coordinator.Status)
	assert.Equal(t, 1, h.Root.AgentCount)

	require.Len(t, h.Coordinators, 2)
	assert.Equal(t, "c1", h.Coordinators[0].Coordinator.CoordinatorID)
	assert.Equal(t, 2, h.Coordinators[0].AgentCount)
	assert.Equal(t, models.CoordinatorStatusOnline, h.Coordinators[0].Coordinator.Status)
	assert.Equal(t, "c2", h.Coordinators[1].Coordinator.CoordinatorID)
	assert.Equal(t, models.CoordinatorStatusUnknown, h.Coordinators[1].Coordinator.Status)
}

func TestListAgentsReturnsCopies(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	now := time.Now()

	_, _, err := reg.UpsertAgent("a1", "c1", "zone-a", now)
	require.NoError(t, err)

	got := reg.ListAgentsForCoordinator("c1")
	require.Len(t, got, 1)
	got[0].ZoneID = "mutated"

	agent, _ := reg.GetAgent("a1")
	assert.Equal(t, "zone-a", agent.ZoneID)
}

type claimRecorder struct {
	claims []Claim
}

func (cr *claimRecorder) HandleClaim(claim Claim, _ models.Agent, _ time.Time) []models.ConflictRecord {
	cr.claims = append(cr.claims, claim)

	return []models.ConflictRecord{{
		AgentID:    claim.AgentID,
		Kind:       models.ConflictAgentIDReused,
		Resolution: models.ResolutionReject,
	}}
}

func TestLiveSourceChangeReachesHandlerUnderSameCoordinator(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	handler := &claimRecorder{}
	reg.SetConflictHandler(handler)

	start := time.Unix(1700000000, 0).UTC()

	_, err := reg.UpsertCoordinator("c1", start)
	require.NoError(t, err)

	_, _, err = reg.Ingest(&models.HeartbeatMessage{
		AgentID:       "a1",
		CoordinatorID: "c1",
		SourceID:      "uplink-1",
	}, start)
	require.NoError(t, err)

	// Same coordinator, different live source one minute later.
	_, records, err := reg.Ingest(&models.HeartbeatMessage{
		AgentID:       "a1",
		CoordinatorID: "c1",
		SourceID:      "uplink-2",
	}, start.Add(time.Minute))
	require.NoError(t, err)

	require.Len(t, handler.claims, 1)
	assert.Equal(t, "uplink-2", handler.claims[0].SourceID)
	require.Len(t, records, 1)
	assert.Equal(t, models.ConflictAgentIDReused, records[0].Kind)
}

func TestSuspectedReuseLeavesRecordUnchanged(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	start := time.Unix(1700000000, 0).UTC()

	_, err := reg.UpsertCoordinator("c1", start)
	require.NoError(t, err)

	_, _, err = reg.Ingest(&models.HeartbeatMessage{
		AgentID:       "a1",
		CoordinatorID: "c1",
		SourceID:      "uplink-1",
	}, start)
	require.NoError(t, err)

	upsertsBefore := len(rec.ofType(models.EventAgentUpserted))

	// No handler wired: the claim is ignored, and it must not refresh the
	// real agent's liveness or overwrite its source.
	_, _, err = reg.Ingest(&models.HeartbeatMessage{
		AgentID:       "a1",
		CoordinatorID: "c1",
		SourceID:      "uplink-2",
	}, start.Add(time.Minute))
	require.NoError(t, err)

	agent, ok := reg.GetAgent("a1")
	require.True(t, ok)
	assert.Equal(t, start, agent.LastSeen, "impostor beat must not refresh liveness")
	assert.Equal(t, "uplink-1", agent.SourceID)
	assert.Equal(t, models.AgentStatusOnline, agent.Status)
	assert.Len(t, rec.ofType(models.EventAgentUpserted), upsertsBefore)

	// The quiet real agent still goes offline on schedule.
	past := start.Add(testConfig().LivenessTimeout.Std() + time.Second)
	require.NoError(t, reg.MarkOffline("a1", past))

	agent, _ = reg.GetAgent("a1")
	assert.Equal(t, models.AgentStatusOffline, agent.Status)
}

func TestQuietAgentSourceTakeoverStillAllowed(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	handler := &claimRecorder{}
	reg.SetConflictHandler(handler)

	start := time.Unix(1700000000, 0).UTC()

	_, err := reg.UpsertCoordinator("c1", start)
	require.NoError(t, err)

	_, _, err = reg.Ingest(&models.HeartbeatMessage{
		AgentID:       "a1",
		CoordinatorID: "c1",
		SourceID:      "uplink-1",
	}, start)
	require.NoError(t, err)

	// Past the liveness window the same id under a new source is a device
	// restart or relay change, not reuse.
	later := start.Add(testConfig().LivenessTimeout.Std() + time.Minute)

	agent, records, err := reg.Ingest(&models.HeartbeatMessage{
		AgentID:       "a1",
		CoordinatorID: "c1",
		SourceID:      "uplink-2",
	}, later)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, handler.claims)
	assert.Equal(t, "uplink-2", agent.SourceID)
	assert.Equal(t, later, agent.LastSeen)
}
