package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"verbatim/api/internal/util"
)

// Transport delivers the change-event feed for one channel. The returned
// channel closing signals a transport-level disconnect.
type Transport interface {
	Open(ctx context.Context, projectID, feature, channelName string) (<-chan ChangeEvent, error)
	Close() error
}

// Resyncer fetches the full current state of a feature, used after
// reconnect instead of assuming no events were missed.
type Resyncer interface {
	Snapshot(ctx context.Context, projectID, feature string) ([]ChangeEvent, error)
}

type Listener func(ChangeEvent)

// Mux owns the single live subscription for one (project, feature) pair:
// it reads change events from whichever transport is currently bound,
// applies them idempotently to the typed cache, reconciles pending
// optimistic mutations, and fans out to listeners.
type Mux struct {
	projectID string
	feature   string
	resync    Resyncer
	cache     *EntityCache
	overlay   *OptimisticCache
	selector  *Selector

	mu         sync.Mutex
	transport  Transport
	handle     string
	subscribed bool
	cancel     context.CancelFunc
	listeners  map[int]Listener
	nextID     int

	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewMux(projectID, feature string, transport Transport, resync Resyncer, overlay *OptimisticCache, selector *Selector) *Mux {
	return &Mux{
		projectID:   projectID,
		feature:     feature,
		transport:   transport,
		resync:      resync,
		cache:       NewEntityCache(),
		overlay:     overlay,
		selector:    selector,
		listeners:   make(map[int]Listener),
		backoffBase: time.Second,
		backoffCap:  30 * time.Second,
	}
}

func (m *Mux) Cache() *EntityCache {
	return m.cache
}

// Subscribe opens the channel and starts the dispatch loop. Idempotent:
// a second call returns the existing handle.
func (m *Mux) Subscribe(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.subscribed {
		handle := m.handle
		m.mu.Unlock()
		return handle, nil
	}
	// Channel names carry a per-process suffix so two mounts of the same
	// feature never collide on the transport.
	m.handle = m.feature + ":" + util.NewID("ch")
	m.subscribed = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	transport := m.transport
	handle := m.handle
	m.mu.Unlock()

	events, err := transport.Open(runCtx, m.projectID, m.feature, handle)
	if err != nil {
		m.Unsubscribe()
		return "", err
	}
	if err := m.resyncNow(runCtx); err != nil {
		log.Printf("realtime: initial resync %s/%s: %v", m.projectID, m.feature, err)
	}
	go m.run(runCtx, events)
	return handle, nil
}

// Unsubscribe tears the channel down. Safe to call repeatedly, including
// before Subscribe.
func (m *Mux) Unsubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.subscribed {
		return
	}
	m.subscribed = false
	if m.cancel != nil {
		m.cancel()
	}
	if m.transport != nil {
		_ = m.transport.Close()
	}
}

// tierAware is implemented by transports that know which tier they last
// dialed. The mux uses it to notice when the selector has moved a healthy
// feature to a different tier than the live connection rides on.
type tierAware interface {
	OpenedTier() Strategy
}

// closeForPromotion closes the bound transport when the selector now holds
// a different tier than the one the connection was opened on, so the
// reopen path redials at the new tier.
func (m *Mux) closeForPromotion(tier Strategy) bool {
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()
	aware, ok := transport.(tierAware)
	if !ok || aware.OpenedTier() == tier {
		return false
	}
	_ = transport.Close()
	return true
}

// OnEvent applies one event: idempotent cache apply, overlay reconcile,
// listener fan-out. Duplicate or out-of-order events are dropped whole.
func (m *Mux) OnEvent(event ChangeEvent) {
	if !m.cache.Apply(event) {
		return
	}
	if m.overlay != nil {
		m.overlay.Reconcile(event)
	}
	m.mu.Lock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(event)
	}
}

// AddListener registers a fan-out callback and returns its remover.
func (m *Mux) AddListener(fn Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Mux) run(ctx context.Context, events <-chan ChangeEvent) {
	attempt := 0
	for {
		promoted := false
	loop:
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					break loop
				}
				attempt = 0
				var tier Strategy
				if m.selector != nil {
					tier = m.selector.ReportSuccess(m.feature)
				}
				m.OnEvent(event)
				if m.selector != nil && m.closeForPromotion(tier) {
					promoted = true
					break loop
				}
			}
		}

		if !promoted {
			// Transport dropped: back off, reopen against the currently
			// bound transport, then resync the full feature state. A
			// promotion close skips both; it is a deliberate drop, and the
			// post-reopen resync covers anything in flight during the swap.
			if m.selector != nil {
				m.selector.ReportFailure(m.feature, "transport closed")
			}
			attempt++
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.backoff(attempt)):
			}
		}

		m.mu.Lock()
		transport := m.transport
		handle := m.handle
		subscribed := m.subscribed
		m.mu.Unlock()
		if !subscribed {
			return
		}

		reopened, err := transport.Open(ctx, m.projectID, m.feature, handle)
		if err != nil {
			log.Printf("realtime: reopen %s/%s: %v", m.projectID, m.feature, err)
			events = closedEvents()
			continue
		}
		if err := m.resyncNow(ctx); err != nil {
			log.Printf("realtime: resync %s/%s: %v", m.projectID, m.feature, err)
		}
		events = reopened
	}
}

func (m *Mux) resyncNow(ctx context.Context) error {
	if m.resync == nil {
		return nil
	}
	snapshot, err := m.resync.Snapshot(ctx, m.projectID, m.feature)
	if err != nil {
		return err
	}
	table := ""
	if len(snapshot) > 0 {
		table = snapshot[0].Table
	}
	if table == "" {
		table = m.feature
	}
	m.cache.Replace(table, snapshot)
	if m.overlay != nil {
		for _, event := range snapshot {
			m.overlay.Reconcile(event)
		}
	}
	return nil
}

func (m *Mux) backoff(attempt int) time.Duration {
	d := m.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.backoffCap {
			return m.backoffCap
		}
	}
	if d > m.backoffCap {
		d = m.backoffCap
	}
	return d
}

func closedEvents() <-chan ChangeEvent {
	ch := make(chan ChangeEvent)
	close(ch)
	return ch
}
