// Package router fans turn events and plugin events out to push channels.
package router

import (
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/xiy/agent-core/internal/clock"
	"github.com/xiy/agent-core/pkg/types"
)

// Stats is a point-in-time view of the router.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Sessions    int    `json:"sessions"`
	Dropped     uint64 `json:"dropped"`
	Undelivered uint64 `json:"undelivered"`
}

// Subscription is one push channel's bounded queue. When the queue is full
// the oldest event is dropped.
type Subscription struct {
	ID        string
	SessionID string

	mu      sync.Mutex
	queue   []types.PushEvent
	limit   int
	closed  bool
	dropped uint64
	ready   chan struct{}
	done    chan struct{}
}

func newSubscription(sessionID string, limit int) *Subscription {
	return &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		limit:     limit,
		ready:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Ready signals that Drain has events to return.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Done is closed when the subscription is torn down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Drain returns and clears the queued events in publish order.
func (s *Subscription) Drain() []types.PushEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Dropped is the number of events discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) enqueue(ev types.PushEvent) (dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

// Router keeps subscriptions grouped by session.
type Router struct {
	buffer int
	clock  clock.Clock
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]map[*Subscription]struct{}

	dropped     atomic.Uint64
	undelivered atomic.Uint64
}

// New creates a router whose subscriptions hold at most buffer events.
func New(buffer int, clk clock.Clock, logger *log.Logger) *Router {
	if buffer <= 0 {
		buffer = 256
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Router{buffer: buffer, clock: clk, logger: logger, sessions: map[string]map[*Subscription]struct{}{}}
}

// Subscribe opens a push channel for sessionID. An empty session id receives
// broadcast events only.
func (r *Router) Subscribe(sessionID string) *Subscription {
	sub := newSubscription(sessionID, r.buffer)
	r.mu.Lock()
	set, ok := r.sessions[sessionID]
	if !ok {
		set = map[*Subscription]struct{}{}
		r.sessions[sessionID] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()
	r.logger.Debug("push channel opened", "session", sessionID, "subscription", sub.ID)
	return sub
}

// Unsubscribe tears sub down; it is safe to call more than once.
func (r *Router) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	if set, ok := r.sessions[sub.SessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.sessions, sub.SessionID)
		}
	}
	r.mu.Unlock()
	sub.close()
}

// EmitTurnEvent delivers ev to every subscription of sessionID and returns
// how many received it.
func (r *Router) EmitTurnEvent(sessionID string, ev types.PushEvent) int {
	ev.SessionID = sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.clock.Now().UTC()
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliverLocked(r.sessions[sessionID], ev)
}

// PushExternal delivers a plugin event to its target session, or to every
// subscription when no session is named.
func (r *Router) PushExternal(ev types.ExternalEvent) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.clock.Now().UTC()
	}
	push := types.NewExternal(ev)

	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.SessionID != "" {
		return r.deliverLocked(r.sessions[ev.SessionID], push)
	}
	n := 0
	for _, set := range r.sessions {
		n += r.deliverLocked(set, push)
	}
	if n == 0 {
		r.undelivered.Add(1)
	}
	return n
}

func (r *Router) deliverLocked(set map[*Subscription]struct{}, ev types.PushEvent) int {
	if len(set) == 0 {
		if ev.SessionID != "" {
			r.undelivered.Add(1)
		}
		return 0
	}
	for sub := range set {
		if sub.enqueue(ev) {
			r.dropped.Add(1)
		}
	}
	return len(set)
}

// Stats reports subscription counts and drop counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := 0
	for _, set := range r.sessions {
		subs += len(set)
	}
	return Stats{
		Subscribers: subs,
		Sessions:    len(r.sessions),
		Dropped:     r.dropped.Load(),
		Undelivered: r.undelivered.Load(),
	}
}
