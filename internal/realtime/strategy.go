package realtime

import (
	"log"
	"sync"
	"time"
)

// Strategy is the transport tier a feature channel currently rides on.
type Strategy string

const (
	StrategySocket Strategy = "socket"
	StrategyStream Strategy = "stream"
	StrategyPoll   Strategy = "poll"
	StrategyNone   Strategy = "none"
)

// demotionOrder maps each tier to the next one down. Poll is the floor:
// repeated poll failures keep the channel on poll rather than silencing it,
// since a degraded view beats no view. None is reached only via Disable.
var demotionOrder = map[Strategy]Strategy{
	StrategySocket: StrategyStream,
	StrategyStream: StrategyPoll,
	StrategyPoll:   StrategyPoll,
}

var promotionOrder = map[Strategy]Strategy{
	StrategyPoll:   StrategyStream,
	StrategyStream: StrategySocket,
}

// Transition records one tier change for observability.
type Transition struct {
	Feature string
	From    Strategy
	To      Strategy
	Reason  string
	At      time.Time
}

type featureState struct {
	current     Strategy
	failures    int
	windowStart time.Time
	successes   int
	lastChange  time.Time
}

// Selector decides, per feature, which transport tier to use. N consecutive
// failures inside the failure window demote one tier; sustained success at
// a lower tier re-promotes after a cooldown.
type Selector struct {
	mu          sync.Mutex
	features    map[string]*featureState
	transitions []Transition

	failureThreshold int
	failureWindow    time.Duration
	promoteAfter     int
	cooldown         time.Duration
	now              func() time.Time
}

func NewSelector() *Selector {
	return &Selector{
		features:         make(map[string]*featureState),
		failureThreshold: 3,
		failureWindow:    30 * time.Second,
		promoteAfter:     10,
		cooldown:         2 * time.Minute,
		now:              time.Now,
	}
}

func (s *Selector) state(feature string) *featureState {
	st, ok := s.features[feature]
	if !ok {
		st = &featureState{current: StrategySocket, lastChange: s.now()}
		s.features[feature] = st
	}
	return st
}

// Select returns the current tier for a feature, starting every feature at
// socket.
func (s *Selector) Select(feature string) Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(feature).current
}

// ReportFailure records a transport failure. Returns the tier to use next,
// which differs from the previous one when the failure tripped a demotion.
func (s *Selector) ReportFailure(feature, reason string) Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(feature)
	now := s.now()

	if st.failures == 0 || now.Sub(st.windowStart) > s.failureWindow {
		st.windowStart = now
		st.failures = 0
	}
	st.failures++
	st.successes = 0

	if st.failures < s.failureThreshold {
		return st.current
	}

	next := demotionOrder[st.current]
	if next == "" || next == st.current {
		st.failures = 0
		return st.current
	}
	s.record(feature, st, next, reason)
	return next
}

// ReportSuccess records a healthy delivery. Enough consecutive successes at
// a demoted tier, once the cooldown has passed, promote one tier back up.
func (s *Selector) ReportSuccess(feature string) Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(feature)
	st.failures = 0
	st.successes++

	next, ok := promotionOrder[st.current]
	if !ok {
		return st.current
	}
	if st.successes < s.promoteAfter || s.now().Sub(st.lastChange) < s.cooldown {
		return st.current
	}
	s.record(feature, st, next, "sustained success")
	return st.current
}

// Disable turns a feature channel off entirely.
func (s *Selector) Disable(feature, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(feature)
	if st.current == StrategyNone {
		return
	}
	s.record(feature, st, StrategyNone, reason)
}

func (s *Selector) record(feature string, st *featureState, to Strategy, reason string) {
	tr := Transition{Feature: feature, From: st.current, To: to, Reason: reason, At: s.now()}
	s.transitions = append(s.transitions, tr)
	log.Printf("realtime: %s transport %s -> %s (%s)", feature, tr.From, tr.To, reason)
	st.current = to
	st.failures = 0
	st.successes = 0
	st.lastChange = tr.At
}

// Transitions returns a copy of the tier-change log.
func (s *Selector) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}
