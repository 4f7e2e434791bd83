package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeTransport hands out an event channel per Open and counts opens so
// tests can assert subscription idempotence and force reconnects.
type fakeTransport struct {
	mu      sync.Mutex
	opens   int
	current chan ChangeEvent
	openErr error
}

func (f *fakeTransport) Open(ctx context.Context, projectID, feature, channelName string) (<-chan ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opens++
	f.current = make(chan ChangeEvent, 16)
	return f.current, nil
}

func (f *fakeTransport) Close() error {
	return nil
}

func (f *fakeTransport) send(event ChangeEvent) {
	f.mu.Lock()
	ch := f.current
	f.mu.Unlock()
	ch <- event
}

func (f *fakeTransport) drop() {
	f.mu.Lock()
	ch := f.current
	f.mu.Unlock()
	close(ch)
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// fakeServer is the authoritative state a resync snapshot reads from.
type fakeServer struct {
	mu   sync.Mutex
	rows map[string]ChangeEvent
}

func newFakeServer() *fakeServer {
	return &fakeServer{rows: make(map[string]ChangeEvent)}
}

func (s *fakeServer) commit(id string, body string, committedAt time.Time) ChangeEvent {
	payload, _ := json.Marshal(map[string]string{"id": id, "body": body})
	event := ChangeEvent{
		EventType:   EventUpdate,
		Schema:      "public",
		Table:       "annotations",
		New:         payload,
		CommittedAt: committedAt,
	}
	s.mu.Lock()
	s.rows[id] = event
	s.mu.Unlock()
	return event
}

func (s *fakeServer) Snapshot(ctx context.Context, projectID, feature string) ([]ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChangeEvent, 0, len(s.rows))
	for _, event := range s.rows {
		out = append(out, event)
	}
	return out, nil
}

func newTestMux(t *testing.T, transport Transport, server *fakeServer) *Mux {
	t.Helper()
	m := NewMux("proj-1", FeatureAnnotations, transport, server, NewOptimisticCache(), nil)
	m.backoffBase = time.Millisecond
	m.backoffCap = 5 * time.Millisecond
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestMux(t, transport, newFakeServer())
	defer m.Unsubscribe()

	first, err := m.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	second, err := m.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if first != second {
		t.Fatalf("Subscribe() handles differ: %q vs %q", first, second)
	}
	if got := transport.openCount(); got != 1 {
		t.Fatalf("transport opened %d times, want 1", got)
	}
}

func TestDuplicateEventsApplyOnce(t *testing.T) {
	transport := &fakeTransport{}
	server := newFakeServer()
	m := newTestMux(t, transport, server)
	defer m.Unsubscribe()

	if _, err := m.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	var mu sync.Mutex
	delivered := 0
	m.AddListener(func(ChangeEvent) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	event := server.commit("ann-1", "first", time.Unix(100, 0))
	transport.send(event)
	transport.send(event) // reconnect-replay duplicate

	waitFor(t, "event delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered >= 1
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("listener called %d times, want 1", delivered)
	}
	if m.Cache().Len("annotations") != 1 {
		t.Fatalf("cache has %d rows, want 1", m.Cache().Len("annotations"))
	}
}

func TestStaleEventDoesNotRegressRow(t *testing.T) {
	transport := &fakeTransport{}
	server := newFakeServer()
	m := newTestMux(t, transport, server)
	defer m.Unsubscribe()

	if _, err := m.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	newer := server.commit("ann-1", "newer", time.Unix(200, 0))
	transport.send(newer)
	waitFor(t, "newer event", func() bool {
		row, ok := m.Cache().Get("annotations", "ann-1")
		return ok && string(row) == string(newer.New)
	})

	older := ChangeEvent{
		EventType:   EventUpdate,
		Schema:      "public",
		Table:       "annotations",
		New:         json.RawMessage(`{"id":"ann-1","body":"older"}`),
		CommittedAt: time.Unix(100, 0),
	}
	transport.send(older)
	time.Sleep(20 * time.Millisecond)

	row, _ := m.Cache().Get("annotations", "ann-1")
	if string(row) != string(newer.New) {
		t.Fatalf("row regressed to %s", row)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestMux(t, transport, newFakeServer())

	if _, err := m.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	m.Unsubscribe()
	m.Unsubscribe() // must not panic
}

func TestReconnectResyncsToServerState(t *testing.T) {
	transport := &fakeTransport{}
	server := newFakeServer()
	m := newTestMux(t, transport, server)
	defer m.Unsubscribe()

	if _, err := m.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	transport.send(server.commit("ann-1", "v1", time.Unix(100, 0)))
	waitFor(t, "first event", func() bool {
		return m.Cache().Len("annotations") == 1
	})

	// Commits land while the transport is down; the mux must not assume
	// continuity and has to resync on reopen.
	server.commit("ann-2", "missed", time.Unix(150, 0))
	server.commit("ann-1", "v2", time.Unix(160, 0))
	transport.drop()

	waitFor(t, "reconnect", func() bool {
		return transport.openCount() >= 2
	})
	waitFor(t, "resync convergence", func() bool {
		if m.Cache().Len("annotations") != 2 {
			return false
		}
		row, ok := m.Cache().Get("annotations", "ann-1")
		return ok && string(row) == `{"body":"v2","id":"ann-1"}`
	})

	// Post-resync events still flow.
	transport.send(server.commit("ann-3", "after", time.Unix(200, 0)))
	waitFor(t, "post-resync event", func() bool {
		return m.Cache().Len("annotations") == 3
	})
}

func TestReconnectPreservesPendingMutations(t *testing.T) {
	transport := &fakeTransport{}
	server := newFakeServer()
	overlay := NewOptimisticCache()
	m := NewMux("proj-1", FeatureAnnotations, transport, server, overlay, nil)
	m.backoffBase = time.Millisecond
	m.backoffCap = 5 * time.Millisecond
	defer m.Unsubscribe()

	if _, err := m.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	overlay.ApplyLocal("annotations", "ann-9", json.RawMessage(`{"id":"ann-9","body":"draft"}`), nil, false)

	transport.drop()
	waitFor(t, "reconnect", func() bool { return transport.openCount() == 2 })
	if overlay.Pending() != 1 {
		t.Fatalf("Pending() after reconnect = %d, want 1", overlay.Pending())
	}
}

// tierTransport dials whichever tier the selector holds at Open time and
// keeps the dial history, standing in for the session's selector-driven
// transport.
type tierTransport struct {
	selector *Selector
	feature  string

	mu      sync.Mutex
	opens   []Strategy
	current chan ChangeEvent
	tier    Strategy
}

func (f *tierTransport) Open(ctx context.Context, projectID, feature, channelName string) (<-chan ChangeEvent, error) {
	tier := f.selector.Select(f.feature)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, tier)
	f.current = make(chan ChangeEvent, 16)
	f.tier = tier
	return f.current, nil
}

func (f *tierTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil {
		close(f.current)
		f.current = nil
	}
	return nil
}

func (f *tierTransport) OpenedTier() Strategy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tier
}

func (f *tierTransport) send(event ChangeEvent) {
	f.mu.Lock()
	ch := f.current
	f.mu.Unlock()
	ch <- event
}

func (f *tierTransport) openTiers() []Strategy {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Strategy, len(f.opens))
	copy(out, f.opens)
	return out
}

// TestPromotionRedialsAtHigherTier demotes a feature to stream, lets
// sustained delivery earn a promotion back to socket, and checks the live
// connection actually moves: the mux must drop the stream dial and come
// back on socket rather than ride the lower tier forever.
func TestPromotionRedialsAtHigherTier(t *testing.T) {
	selector := NewSelector()
	selector.promoteAfter = 2
	selector.cooldown = 0
	transport := &tierTransport{selector: selector, feature: FeatureAnnotations}
	server := newFakeServer()
	m := NewMux("proj-1", FeatureAnnotations, transport, server, NewOptimisticCache(), selector)
	m.backoffBase = time.Millisecond
	m.backoffCap = 5 * time.Millisecond
	defer m.Unsubscribe()

	for i := 0; i < 3; i++ {
		selector.ReportFailure(FeatureAnnotations, "socket handshake failed")
	}
	if got := selector.Select(FeatureAnnotations); got != StrategyStream {
		t.Fatalf("tier after failures = %s, want stream", got)
	}

	if _, err := m.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	transport.send(server.commit("ann-1", "v1", time.Unix(100, 0)))
	transport.send(server.commit("ann-2", "v2", time.Unix(101, 0)))

	waitFor(t, "redial at socket", func() bool {
		opens := transport.openTiers()
		return len(opens) == 2 && opens[1] == StrategySocket
	})

	transitions := selector.Transitions()
	if len(transitions) != 2 {
		t.Fatalf("transitions = %+v, want demotion then promotion only", transitions)
	}
	if transitions[1].From != StrategyStream || transitions[1].To != StrategySocket {
		t.Fatalf("second transition = %+v, want stream -> socket", transitions[1])
	}
}

func TestListenerRemoval(t *testing.T) {
	transport := &fakeTransport{}
	server := newFakeServer()
	m := newTestMux(t, transport, server)
	defer m.Unsubscribe()

	if _, err := m.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	var mu sync.Mutex
	calls := 0
	remove := m.AddListener(func(ChangeEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	remove()

	transport.send(server.commit("ann-1", "v1", time.Unix(100, 0)))
	waitFor(t, "cache apply", func() bool {
		return m.Cache().Len("annotations") == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("removed listener called %d times", calls)
	}
}
