package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Mutation is a client-originated change applied ahead of server
// confirmation.
type Mutation struct {
	CorrelationID string
	Table         string
	EntityID      string
	Value         json.RawMessage
	Confirmed     bool
}

type overlay struct {
	correlationID string
	value         json.RawMessage
	previous      json.RawMessage
	hadPrevious   bool
}

// OptimisticCache layers unconfirmed local mutations over the confirmed
// cache. A read sees either the optimistic value or the last confirmed
// server value, never a blend: the overlay is dropped whole on confirmation
// and restored whole on rollback.
type OptimisticCache struct {
	mu       sync.Mutex
	overlays map[string]*overlay // table/id
	byCorr   map[string]string   // correlationID -> table/id
}

func NewOptimisticCache() *OptimisticCache {
	return &OptimisticCache{
		overlays: make(map[string]*overlay),
		byCorr:   make(map[string]string),
	}
}

// ApplyLocal records an optimistic value for an entity and returns the
// correlation id to attach to the outgoing request. The previous value is
// retained for rollback; pass nil with hadPrevious=false for a create.
func (c *OptimisticCache) ApplyLocal(table, entityID string, value, previous json.RawMessage, hadPrevious bool) string {
	correlationID := uuid.NewString()

	c.mu.Lock()
	defer c.mu.Unlock()

	key := table + "/" + entityID
	if existing, ok := c.overlays[key]; ok {
		// Second local edit before the first confirmed: keep the original
		// pre-mutation value so rollback restores the true server state.
		delete(c.byCorr, existing.correlationID)
		existing.correlationID = correlationID
		existing.value = value
	} else {
		c.overlays[key] = &overlay{
			correlationID: correlationID,
			value:         value,
			previous:      previous,
			hadPrevious:   hadPrevious,
		}
	}
	c.byCorr[correlationID] = key
	return correlationID
}

// Reconcile matches an incoming confirmed event to a pending mutation by
// entity id and discards the overlay in favor of server data. Returns true
// when an overlay was confirmed.
func (c *OptimisticCache) Reconcile(event ChangeEvent) bool {
	id := event.EntityID()
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := event.Table + "/" + id
	ov, ok := c.overlays[key]
	if !ok {
		return false
	}
	delete(c.overlays, key)
	delete(c.byCorr, ov.correlationID)
	return true
}

// Rollback removes the overlay for a rejected mutation and returns the
// pre-mutation value to restore. ok is false when the mutation was already
// confirmed or unknown.
func (c *OptimisticCache) Rollback(correlationID string) (previous json.RawMessage, hadPrevious, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, found := c.byCorr[correlationID]
	if !found {
		return nil, false, false
	}
	ov := c.overlays[key]
	delete(c.overlays, key)
	delete(c.byCorr, correlationID)
	return ov.previous, ov.hadPrevious, true
}

// Get returns the optimistic value for an entity if one is pending.
func (c *OptimisticCache) Get(table, entityID string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ov, ok := c.overlays[table+"/"+entityID]
	if !ok {
		return nil, false
	}
	return ov.value, true
}

// Pending reports how many mutations remain unconfirmed.
func (c *OptimisticCache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.overlays)
}
