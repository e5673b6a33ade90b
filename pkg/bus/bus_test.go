package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetreg/pkg/logger"
	"github.com/carverauto/fleetreg/pkg/models"
)

func newTestBus() *Bus {
	return New(logger.NewTestLogger())
}

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := newTestBus()

	var order []string

	_, err := b.Subscribe(models.EventAgentUpserted, "first", func(models.Event) {
		order = append(order, "first")
	})
	require.NoError(t, err)

	_, err = b.Subscribe(models.EventAgentUpserted, "second", func(models.Event) {
		order = append(order, "second")
	})
	require.NoError(t, err)

	b.Publish(models.EventAgentUpserted, nil)

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := newTestBus()

	_, err := b.Subscribe(models.EventAgentRemoved, "bad", func(models.Event) {
		panic("boom")
	})
	require.NoError(t, err)

	delivered := false

	_, err = b.Subscribe(models.EventAgentRemoved, "good", func(models.Event) {
		delivered = true
	})
	require.NoError(t, err)

	b.Publish(models.EventAgentRemoved, nil)

	assert.True(t, delivered)
}

func TestDuplicateSubscriptionRejected(t *testing.T) {
	b := newTestBus()

	_, err := b.Subscribe(models.EventOwnershipChanged, "cache", func(models.Event) {})
	require.NoError(t, err)

	_, err = b.Subscribe(models.EventOwnershipChanged, "cache", func(models.Event) {})
	require.Error(t, err)

	var dup *ErrDuplicateSubscription
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, models.EventOwnershipChanged, dup.Type)
	assert.Equal(t, "cache", dup.Owner)

	// A different owner for the same event type is fine.
	_, err = b.Subscribe(models.EventOwnershipChanged, "bridge", func(models.Event) {})
	assert.NoError(t, err)
}

func TestUnsubscribeAllowsResubscription(t *testing.T) {
	b := newTestBus()

	calls := 0

	token, err := b.Subscribe(models.EventConflictDetected, "audit", func(models.Event) { calls++ })
	require.NoError(t, err)

	b.Publish(models.EventConflictDetected, nil)
	b.Unsubscribe(token)
	b.Publish(models.EventConflictDetected, nil)

	assert.Equal(t, 1, calls)
	assert.Zero(t, b.SubscriberCount(models.EventConflictDetected))

	_, err = b.Subscribe(models.EventConflictDetected, "audit", func(models.Event) { calls++ })
	assert.NoError(t, err)
}

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	b := newTestBus()

	var seen []uint64

	_, err := b.Subscribe(models.EventAgentUpserted, "seq", func(evt models.Event) {
		seen = append(seen, evt.Seq)
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		b.Publish(models.EventAgentUpserted, nil)
	}

	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		assert.Equal(t, seen[i-1]+1, seen[i])
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := newTestBus()

	var mu sync.Mutex

	seqs := make(map[uint64]struct{})

	_, err := b.Subscribe(models.EventAgentUpserted, "collector", func(evt models.Event) {
		mu.Lock()
		seqs[evt.Seq] = struct{}{}
		mu.Unlock()
	})
	require.NoError(t, err)

	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			b.Publish(models.EventAgentUpserted, nil)
		}()
	}

	wg.Wait()

	assert.Len(t, seqs, 20)
}
