// Package eventbus is the in-process publish/subscribe fan-out for session
// lifecycle events. One channel group exists per session (created lazily)
// plus one always-present global group; every session-scoped publish is also
// delivered globally.
//
// Delivery is best-effort broadcast, not a durable queue: publishers never
// block, and a subscriber that cannot keep up is told how many events it
// missed on its next receive instead of stalling the producer.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	globalBufferSize  = 1000
	sessionBufferSize = 100
)

// ErrBusClosed is returned by Subscription.Next after the subscription's
// channel group was cleaned up or the bus shut down.
var ErrBusClosed = errors.New("eventbus: closed")

// SlowSubscriberError reports events dropped because the subscriber's buffer
// was full. The subscription remains usable; subsequent events still arrive.
type SlowSubscriberError struct {
	Dropped int64
}

func (e *SlowSubscriberError) Error() string {
	return fmt.Sprintf("eventbus: subscriber lagged, %d events dropped", e.Dropped)
}

// Mirror receives a copy of every published event, e.g. for cross-instance
// fan-out over Redis. Mirror failures are logged and never propagated.
type Mirror interface {
	MirrorEvent(ev Event) error
}

// Subscription is one consumer attached to a session channel or the global
// channel.
type Subscription struct {
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
	detach  func(*Subscription)
}

// Next blocks until an event arrives, the context ends, or the channel
// closes. A lagging consumer first receives a *SlowSubscriberError carrying
// the number of events it missed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	if n := s.dropped.Swap(0); n > 0 {
		return Event{}, &SlowSubscriberError{Dropped: n}
	}
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, ErrBusClosed
		}
		return ev, nil
	}
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.once.Do(func() { s.detach(s) })
}

type group struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	cap  int
}

func newGroup(capacity int) *group {
	return &group{subs: make(map[*Subscription]struct{}), cap: capacity}
}

func (g *group) subscribe(detach func(*Subscription)) *Subscription {
	sub := &Subscription{ch: make(chan Event, g.cap), detach: detach}
	g.mu.Lock()
	g.subs[sub] = struct{}{}
	g.mu.Unlock()
	return sub
}

func (g *group) remove(sub *Subscription) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.subs[sub]; !ok {
		return false
	}
	delete(g.subs, sub)
	close(sub.ch)
	return true
}

func (g *group) publish(ev Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for sub := range g.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (g *group) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for sub := range g.subs {
		close(sub.ch)
	}
	g.subs = make(map[*Subscription]struct{})
}

// Bus fans lifecycle events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	global   *group
	sessions map[string]*group
	closed   bool
	mirror   Mirror
	logger   *zap.Logger
}

// New creates a bus with no session channels.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		global:   newGroup(globalBufferSize),
		sessions: make(map[string]*group),
		logger:   logger,
	}
}

// SetMirror attaches a cross-instance mirror. Call before publishing.
func (b *Bus) SetMirror(m Mirror) {
	b.mu.Lock()
	b.mirror = m
	b.mu.Unlock()
}

// Subscribe attaches a consumer to a session's channel, creating the channel
// if this is its first subscriber.
func (b *Bus) Subscribe(sessionID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	g, ok := b.sessions[sessionID]
	if !ok {
		g = newGroup(sessionBufferSize)
		b.sessions[sessionID] = g
	}
	return g.subscribe(func(sub *Subscription) { g.remove(sub) }), nil
}

// SubscribeGlobal attaches a consumer to the global channel, which observes
// every event on the bus.
func (b *Bus) SubscribeGlobal() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	g := b.global
	return g.subscribe(func(sub *Subscription) { g.remove(sub) }), nil
}

// PublishToSession delivers to the session's subscribers (if any) and
// unconditionally to the global channel. Never blocks.
func (b *Bus) PublishToSession(sessionID string, ev Event) {
	ev.SessionID = sessionID
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	g := b.sessions[sessionID]
	mirror := b.mirror
	b.mu.RUnlock()

	if g != nil {
		g.publish(ev)
	}
	b.global.publish(ev)
	b.mirrorOut(mirror, ev)
}

// PublishGlobal delivers to global subscribers only.
func (b *Bus) PublishGlobal(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	mirror := b.mirror
	b.mu.RUnlock()

	b.global.publish(ev)
	b.mirrorOut(mirror, ev)
}

func (b *Bus) mirrorOut(mirror Mirror, ev Event) {
	if mirror == nil {
		return
	}
	if err := mirror.MirrorEvent(ev); err != nil {
		b.logger.Warn("event mirror publish failed",
			zap.String("session_id", ev.SessionID),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}

// CleanupSession removes a session's channel and closes its subscribers;
// their next receive reports ErrBusClosed.
func (b *Bus) CleanupSession(sessionID string) {
	b.mu.Lock()
	g, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()
	if ok {
		g.closeAll()
	}
}

// Close shuts the bus down; every subscription is closed and further
// subscribes fail.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	sessions := b.sessions
	b.sessions = make(map[string]*group)
	b.mu.Unlock()

	for _, g := range sessions {
		g.closeAll()
	}
	b.global.closeAll()
}
