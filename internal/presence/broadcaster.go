package presence

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// BroadcastInterval is how often each active scope's membership snapshot is
// pushed to stream subscribers, independent of heartbeat arrival.
const BroadcastInterval = 60 * time.Second

// Publisher pushes an encoded snapshot to a scope's presence channel.
type Publisher interface {
	PublishRaw(ctx context.Context, projectID, feature string, payload []byte) error
}

// Snapshot is the wire shape pushed to presence stream subscribers.
type Snapshot struct {
	Subjects  []Entry   `json:"subjects"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster periodically publishes membership snapshots for every scope
// that has seen a heartbeat recently. Scopes with no active members age
// out of the broadcast set.
type Broadcaster struct {
	store    *Store
	pub      Publisher
	interval time.Duration

	mu     sync.Mutex
	scopes map[string]struct{}
}

func NewBroadcaster(store *Store, pub Publisher) *Broadcaster {
	return &Broadcaster{
		store:    store,
		pub:      pub,
		interval: BroadcastInterval,
		scopes:   make(map[string]struct{}),
	}
}

// Touch registers a scope for periodic broadcast; called on every
// heartbeat.
func (b *Broadcaster) Touch(scope string) {
	b.mu.Lock()
	b.scopes[scope] = struct{}{}
	b.mu.Unlock()
}

// Run broadcasts until the context is canceled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.broadcastAll(ctx)
		}
	}
}

// BroadcastNow pushes one scope's snapshot immediately, used when a
// heartbeat changes membership and waiting a full interval would leave
// subscribers stale.
func (b *Broadcaster) BroadcastNow(ctx context.Context, scope string) {
	b.broadcast(ctx, scope)
}

func (b *Broadcaster) broadcastAll(ctx context.Context) {
	b.mu.Lock()
	scopes := make([]string, 0, len(b.scopes))
	for scope := range b.scopes {
		scopes = append(scopes, scope)
	}
	b.mu.Unlock()

	for _, scope := range scopes {
		if !b.broadcast(ctx, scope) {
			b.mu.Lock()
			delete(b.scopes, scope)
			b.mu.Unlock()
		}
	}
}

// broadcast publishes one snapshot and reports whether the scope still has
// active members.
func (b *Broadcaster) broadcast(ctx context.Context, scope string) bool {
	entries, err := b.store.ListActive(ctx, scope)
	if err != nil {
		log.Printf("presence: list %s: %v", scope, err)
		return true
	}
	snapshot := Snapshot{Subjects: entries, Timestamp: time.Now()}
	if snapshot.Subjects == nil {
		snapshot.Subjects = []Entry{}
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		log.Printf("presence: marshal snapshot %s: %v", scope, err)
		return true
	}
	if err := b.pub.PublishRaw(ctx, scope, "presence", payload); err != nil {
		log.Printf("presence: publish %s: %v", scope, err)
	}
	return len(entries) > 0
}
