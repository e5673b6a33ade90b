// Package cache is a multi-tier, TTL-based read-through cache over derived
// registry views. Entries are invalidated by event bus signals through
// explicit dependency tracking, never by blanket flushes.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/carverauto/fleetreg/pkg/bus"
	"github.com/carverauto/fleetreg/pkg/logger"
	"github.com/carverauto/fleetreg/pkg/models"
)

// Tier selects an expiry/eviction policy bucket.
type Tier int

const (
	// TierHot holds data read on effectively every request; entries
	// never expire and leave only under LRU pressure or invalidation.
	TierHot Tier = iota
	// TierShort holds per-coordinator aggregates.
	TierShort
	// TierLong holds rarely-changing derived reports.
	TierLong

	tierCount
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierShort:
		return "short"
	case TierLong:
		return "long"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Stats counts accesses for one tier.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type tierStore struct {
	lru       *expirable.LRU[string, interface{}]
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type keyRef struct {
	tier Tier
	key  string
}

// Cache owns its entries exclusively; callers must not mutate returned
// values.
type Cache struct {
	tiers [tierCount]*tierStore
	group singleflight.Group
	log   logger.Logger

	mu                sync.Mutex
	gen               uint64
	keysByCoordinator map[string]map[keyRef]struct{}
	tokens            []bus.Token
	busRef            *bus.Bus
}

// New creates the three tiers with their configured sizes and TTLs.
func New(cfg models.CacheConfig, log logger.Logger) *Cache {
	c := &Cache{
		log:               log,
		keysByCoordinator: make(map[string]map[keyRef]struct{}),
	}

	specs := []struct {
		tier Tier
		size int
		ttl  time.Duration
	}{
		{TierHot, cfg.HotSize, 0},
		{TierShort, cfg.ShortSize, cfg.ShortTTL.Std()},
		{TierLong, cfg.LongSize, cfg.LongTTL.Std()},
	}

	for _, spec := range specs {
		store := &tierStore{}
		// The eviction callback runs under the LRU's internal lock, so
		// it only touches the atomic counter; dependency bookkeeping is
		// cleaned up lazily on invalidation.
		store.lru = expirable.NewLRU[string, interface{}](spec.size, func(string, interface{}) {
			store.evictions.Add(1)
		}, spec.ttl)
		c.tiers[spec.tier] = store
	}

	return c
}

// GetOrCompute returns the cached value for key in tier, computing and
// storing it on miss or expiry. Concurrent misses for the same key share a
// single computation. coordinatorIDs are the dependency set: any registry
// change touching one of them invalidates the entry.
func (c *Cache) GetOrCompute(key string, tier Tier, coordinatorIDs []string, compute func() (interface{}, error)) (interface{}, error) {
	if tier < 0 || tier >= tierCount {
		return nil, fmt.Errorf("unknown cache tier %d", tier)
	}

	store := c.tiers[tier]

	if value, ok := store.lru.Get(key); ok {
		store.hits.Add(1)
		return value, nil
	}

	store.misses.Add(1)

	flightKey := tier.String() + "|" + key

	value, err, _ := c.group.Do(flightKey, func() (interface{}, error) {
		// Another flight may have settled the entry while we waited.
		if value, ok := store.lru.Get(key); ok {
			return value, nil
		}

		c.mu.Lock()
		startGen := c.gen
		c.mu.Unlock()

		value, err := compute()
		if err != nil {
			return nil, err
		}

		// An invalidation that lands while compute runs may see the key
		// absent and remove nothing, so the entry is only stored if no
		// invalidation happened since the flight began. The caller still
		// gets the computed value; the next read recomputes.
		c.mu.Lock()
		if c.gen == startGen {
			store.lru.Add(key, value)
			c.trackLocked(keyRef{tier: tier, key: key}, coordinatorIDs)
		}
		c.mu.Unlock()

		return value, nil
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// trackLocked records the entry's dependency set. Callers hold c.mu.
func (c *Cache) trackLocked(ref keyRef, coordinatorIDs []string) {
	for _, cid := range coordinatorIDs {
		keys := c.keysByCoordinator[cid]
		if keys == nil {
			keys = make(map[keyRef]struct{})
			c.keysByCoordinator[cid] = keys
		}

		keys[ref] = struct{}{}
	}
}

// Invalidate drops every entry whose dependency set contains one of the
// given coordinators.
func (c *Cache) Invalidate(coordinatorIDs ...string) {
	c.mu.Lock()

	// Fences in-flight computations: a flight that started before this
	// invalidation will see the generation moved and discard its result
	// instead of re-inserting a stale entry.
	c.gen++

	refs := make(map[keyRef]struct{})

	for _, cid := range coordinatorIDs {
		for ref := range c.keysByCoordinator[cid] {
			refs[ref] = struct{}{}
		}

		delete(c.keysByCoordinator, cid)
	}
	c.mu.Unlock()

	for ref := range refs {
		c.tiers[ref.tier].lru.Remove(ref.key)
	}
}

// AttachBus subscribes the cache to registry mutation events. Handlers only
// invalidate; recomputation happens on the next read.
func (c *Cache) AttachBus(eventBus *bus.Bus) error {
	const owner = "hierarchical-cache"

	subscriptions := map[models.EventType]bus.Handler{
		models.EventAgentUpserted: func(evt models.Event) {
			if payload, ok := evt.Payload.(models.AgentUpsertedPayload); ok {
				c.Invalidate(payload.Agent.CoordinatorID)
			}
		},
		models.EventAgentRemoved: func(evt models.Event) {
			if payload, ok := evt.Payload.(models.AgentRemovedPayload); ok {
				c.Invalidate(payload.CoordinatorID)
			}
		},
		models.EventOwnershipChanged: func(evt models.Event) {
			if payload, ok := evt.Payload.(models.OwnershipChangedPayload); ok {
				c.Invalidate(payload.From, payload.To)
			}
		},
	}

	for eventType, handler := range subscriptions {
		token, err := eventBus.Subscribe(eventType, owner, handler)
		if err != nil {
			return err
		}

		c.tokens = append(c.tokens, token)
	}

	c.busRef = eventBus

	return nil
}

// Detach removes the cache's bus subscriptions.
func (c *Cache) Detach() {
	if c.busRef == nil {
		return
	}

	for _, token := range c.tokens {
		c.busRef.Unsubscribe(token)
	}

	c.tokens = nil
	c.busRef = nil
}

// TierStats reports access counters for one tier.
func (c *Cache) TierStats(tier Tier) Stats {
	if tier < 0 || tier >= tierCount {
		return Stats{}
	}

	store := c.tiers[tier]

	return Stats{
		Hits:      store.hits.Load(),
		Misses:    store.misses.Load(),
		Evictions: store.evictions.Load(),
	}
}

// Len reports how many entries a tier currently holds.
func (c *Cache) Len(tier Tier) int {
	if tier < 0 || tier >= tierCount {
		return 0
	}

	return c.tiers[tier].lru.Len()
}
