// Package bus is the in-process publish/subscribe channel that carries
// registry mutations to interested components. Producers never import
// subscribers; the bus is the only inter-component mutation channel.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/fleetreg/pkg/logger"
	"github.com/carverauto/fleetreg/pkg/models"
)

// Handler receives one event. Handlers run synchronously on the publisher's
// goroutine and must not block on long-running I/O; hand off and return.
// Delivery is serialized under a single mutex, so a handler must never call
// Publish on its own bus: the nested call waits for the mutex the in-flight
// delivery already holds and deadlocks.
type Handler func(evt models.Event)

// Token identifies one subscription for Unsubscribe.
type Token string

// ErrDuplicateSubscription is returned when the same owner subscribes twice
// to the same event type. Duplicate handlers are a wiring defect, not
// something the bus silently tolerates.
type ErrDuplicateSubscription struct {
	Type  models.EventType
	Owner string
}

func (e *ErrDuplicateSubscription) Error() string {
	return fmt.Sprintf("duplicate subscription for %q by owner %q", e.Type, e.Owner)
}

type subscriber struct {
	token   Token
	owner   string
	handler Handler
}

type ownerKey struct {
	eventType models.EventType
	owner     string
}

// Bus delivers events synchronously, in subscription order, isolating
// subscriber panics so one failing handler cannot starve the rest.
type Bus struct {
	mu       sync.RWMutex
	subs     map[models.EventType][]*subscriber
	byOwner  map[ownerKey]Token
	byToken  map[Token]models.EventType
	seq      atomic.Uint64
	delivery sync.Mutex
	log      logger.Logger
}

// New creates an empty bus.
func New(log logger.Logger) *Bus {
	return &Bus{
		subs:    make(map[models.EventType][]*subscriber),
		byOwner: make(map[ownerKey]Token),
		byToken: make(map[Token]models.EventType),
		log:     log,
	}
}

// Subscribe registers handler for eventType on behalf of owner. A second
// subscription for the same (eventType, owner) pair is rejected.
func (b *Bus) Subscribe(eventType models.EventType, owner string, handler Handler) (Token, error) {
	if handler == nil {
		return "", fmt.Errorf("nil handler for %q", eventType)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := ownerKey{eventType: eventType, owner: owner}
	if _, exists := b.byOwner[key]; exists {
		return "", &ErrDuplicateSubscription{Type: eventType, Owner: owner}
	}

	token := Token(uuid.New().String())
	b.subs[eventType] = append(b.subs[eventType], &subscriber{
		token:   token,
		owner:   owner,
		handler: handler,
	})
	b.byOwner[key] = token
	b.byToken[token] = eventType

	return token, nil
}

// Unsubscribe removes the subscription identified by token. Unknown tokens
// are a no-op.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	eventType, ok := b.byToken[token]
	if !ok {
		return
	}

	delete(b.byToken, token)

	subs := b.subs[eventType]
	for i, sub := range subs {
		if sub.token == token {
			delete(b.byOwner, ownerKey{eventType: eventType, owner: sub.owner})
			b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)

			break
		}
	}
}

// Publish assigns the event sequence number and fans out synchronously to
// all current subscribers of eventType, in subscription order. The returned
// event carries the assigned sequence and timestamp.
func (b *Bus) Publish(eventType models.EventType, payload interface{}) models.Event {
	evt := models.Event{
		Type:    eventType,
		Time:    time.Now(),
		Payload: payload,
	}

	// Sequence assignment and fan-out are serialized so subscribers
	// observe events in sequence order.
	b.delivery.Lock()
	defer b.delivery.Unlock()

	evt.Seq = b.seq.Add(1)

	b.mu.RLock()
	subs := make([]*subscriber, len(b.subs[eventType]))
	copy(subs, b.subs[eventType])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, evt)
	}

	return evt
}

func (b *Bus) deliver(sub *subscriber, evt models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("owner", sub.owner).
				Str("event_type", string(evt.Type)).
				Uint64("seq", evt.Seq).
				Interface("panic", r).
				Msg("event subscriber panicked; continuing delivery")
		}
	}()

	sub.handler(evt)
}

// SubscriberCount reports the current number of subscribers for eventType.
func (b *Bus) SubscriberCount(eventType models.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[eventType])
}
