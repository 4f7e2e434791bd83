package realtime

import (
	"encoding/json"
	"sync"
	"time"
)

// EntityCache is the authoritative client-side view of one feature's rows.
// Apply is idempotent and preserves per-row commit order, which together
// give exactly-once semantics over a transport that may replay events.
type EntityCache struct {
	mu       sync.RWMutex
	rows     map[string]map[string]json.RawMessage // table -> id -> row
	lastSeen map[string]time.Time                  // table/id -> last applied commit
	applied  map[string]struct{}                   // dedupe keys
}

func NewEntityCache() *EntityCache {
	return &EntityCache{
		rows:     make(map[string]map[string]json.RawMessage),
		lastSeen: make(map[string]time.Time),
		applied:  make(map[string]struct{}),
	}
}

// Apply folds one change event into the cache. Returns false when the event
// was a duplicate or arrived behind a commit already applied for the same
// row; callers skip fan-out for those.
func (c *EntityCache) Apply(event ChangeEvent) bool {
	id := event.EntityID()
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := event.DedupeKey()
	if _, seen := c.applied[key]; seen {
		return false
	}

	rowKey := event.Table + "/" + id
	if last, ok := c.lastSeen[rowKey]; ok && event.CommittedAt.Before(last) {
		return false
	}

	c.applied[key] = struct{}{}
	c.lastSeen[rowKey] = event.CommittedAt

	table := c.rows[event.Table]
	if table == nil {
		table = make(map[string]json.RawMessage)
		c.rows[event.Table] = table
	}

	switch event.EventType {
	case EventDelete:
		delete(table, id)
	default:
		table[id] = event.New
	}
	return true
}

// Replace swaps in a full snapshot for a table, used after reconnect when
// events may have been missed. Dedupe state for the table is rebuilt from
// the snapshot so post-resync events still apply exactly once.
func (c *EntityCache) Replace(table string, events []ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rows[table] = make(map[string]json.RawMessage)
	for key := range c.applied {
		delete(c.applied, key)
	}
	for rowKey := range c.lastSeen {
		delete(c.lastSeen, rowKey)
	}

	for _, event := range events {
		id := event.EntityID()
		if id == "" || event.Table != table {
			continue
		}
		c.rows[table][id] = event.New
		c.applied[event.DedupeKey()] = struct{}{}
		c.lastSeen[event.Table+"/"+id] = event.CommittedAt
	}
}

func (c *EntityCache) Get(table, id string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	row, ok := c.rows[table][id]
	return row, ok
}

func (c *EntityCache) List(table string) []json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]json.RawMessage, 0, len(c.rows[table]))
	for _, row := range c.rows[table] {
		out = append(out, row)
	}
	return out
}

func (c *EntityCache) Len(table string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows[table])
}
