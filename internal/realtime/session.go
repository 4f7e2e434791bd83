package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// HeartbeatInterval is how often a session re-announces presence while a
// scope is tracked. Heartbeats rather than leave events: a closed browser
// tab never runs cleanup code, so liveness comes from recency, not
// goodbyes.
const HeartbeatInterval = 30 * time.Second

// Session is the runtime context for one connected client. It owns the
// transport selector, the per-feature multiplexers, the optimistic overlay
// and the presence heartbeats, with an explicit Open/Close lifecycle tied
// to UI mount/unmount. Nothing here is a process-wide singleton.
type Session struct {
	projectID string
	dialer    Dialer
	selector  *Selector
	overlay   *OptimisticCache
	resync    Resyncer

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	muxes      map[string]*Mux
	heartbeats map[string]context.CancelFunc
	open       bool
}

func NewSession(projectID string, dialer Dialer, resync Resyncer) *Session {
	return &Session{
		projectID:  projectID,
		dialer:     dialer,
		selector:   NewSelector(),
		overlay:    NewOptimisticCache(),
		resync:     resync,
		muxes:      make(map[string]*Mux),
		heartbeats: make(map[string]context.CancelFunc),
	}
}

func (s *Session) Open(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.open = true
}

// Close tears down every subscription and heartbeat. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	s.open = false
	muxes := make([]*Mux, 0, len(s.muxes))
	for _, m := range s.muxes {
		muxes = append(muxes, m)
	}
	s.muxes = make(map[string]*Mux)
	for scope, stop := range s.heartbeats {
		stop()
		delete(s.heartbeats, scope)
	}
	cancel := s.cancel
	s.mu.Unlock()

	for _, m := range muxes {
		m.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
}

func (s *Session) Selector() *Selector {
	return s.selector
}

func (s *Session) Overlay() *OptimisticCache {
	return s.overlay
}

// Subscribe returns the live multiplexer for a feature, creating it on
// first use. Per-feature idempotence lives here; per-mux idempotence lives
// in Mux.Subscribe.
func (s *Session) Subscribe(feature string) (*Mux, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, fmt.Errorf("session not open")
	}
	if m, ok := s.muxes[feature]; ok {
		s.mu.Unlock()
		if _, err := m.Subscribe(s.ctx); err != nil {
			return nil, err
		}
		return m, nil
	}
	transport := &selectorTransport{selector: s.selector, dialer: s.dialer, feature: feature}
	m := NewMux(s.projectID, feature, transport, s.resync, s.overlay, s.selector)
	s.muxes[feature] = m
	ctx := s.ctx
	s.mu.Unlock()

	if _, err := m.Subscribe(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Unsubscribe drops a feature channel. Safe when never subscribed.
func (s *Session) Unsubscribe(feature string) {
	s.mu.Lock()
	m, ok := s.muxes[feature]
	delete(s.muxes, feature)
	s.mu.Unlock()
	if ok {
		m.Unsubscribe()
	}
}

// Read returns the visible value for an entity: the optimistic value while
// a mutation is pending, otherwise the last confirmed server value.
func (s *Session) Read(feature, table, id string) (json.RawMessage, bool) {
	if value, ok := s.overlay.Get(table, id); ok {
		return value, true
	}
	s.mu.Lock()
	m, ok := s.muxes[feature]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return m.Cache().Get(table, id)
}

// TrackPresence starts the heartbeat loop for a scope. Idempotent per
// scope; the first beat is sent immediately.
func (s *Session) TrackPresence(scope, location string) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	if _, ok := s.heartbeats[scope]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.heartbeats[scope] = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		s.beat(ctx, scope, location)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.beat(ctx, scope, location)
			}
		}
	}()
}

// UntrackPresence stops the heartbeat for a scope. Idempotent; called on
// component teardown.
func (s *Session) UntrackPresence(scope string) {
	s.mu.Lock()
	stop, ok := s.heartbeats[scope]
	delete(s.heartbeats, scope)
	s.mu.Unlock()
	if ok {
		stop()
	}
}

func (s *Session) beat(ctx context.Context, scope, location string) {
	body, _ := json.Marshal(map[string]string{"location": location})
	beatURL := strings.TrimRight(s.dialer.BaseURL, "/") + "/api/presence/" + url.PathEscape(scope)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, beatURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.dialer.Ticket != "" {
		req.Header.Set("Authorization", "Bearer "+s.dialer.Ticket)
	}
	resp, err := s.dialer.httpClient().Do(req)
	if err != nil {
		// Presence degrades silently; the UI shows nothing rather than an
		// error banner.
		log.Printf("realtime: presence beat %s: %v", scope, err)
		return
	}
	resp.Body.Close()
}

// selectorTransport dials whichever tier the selector currently holds for
// the feature. Every reopen after a drop re-consults the selector, so a
// demotion recorded during the outage takes effect on the next dial.
type selectorTransport struct {
	selector *Selector
	dialer   Dialer
	feature  string

	mu    sync.Mutex
	inner Transport
	tier  Strategy
}

func (t *selectorTransport) Open(ctx context.Context, projectID, feature, channelName string) (<-chan ChangeEvent, error) {
	tier := t.selector.Select(t.feature)
	inner := NewTransport(tier, t.dialer)

	events, err := inner.Open(ctx, projectID, feature, channelName)
	if err != nil {
		t.selector.ReportFailure(t.feature, fmt.Sprintf("%s open: %v", tier, err))
		return nil, err
	}

	t.mu.Lock()
	if t.inner != nil {
		_ = t.inner.Close()
	}
	t.inner = inner
	t.tier = tier
	t.mu.Unlock()
	return events, nil
}

// OpenedTier reports the tier the live connection was dialed on, which
// lags the selector's current tier until the next redial.
func (t *selectorTransport) OpenedTier() Strategy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tier
}

func (t *selectorTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inner != nil {
		err := t.inner.Close()
		t.inner = nil
		return err
	}
	return nil
}
