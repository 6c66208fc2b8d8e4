// Package stream implements the per-session event multiplexer: a single
// producer publishes ordered events, any number of subscribers receive them
// in publish order, and a bounded retained buffer gives late joiners recent
// context. Slow subscribers are dropped, never awaited.
package stream

import (
	"sync"

	"github.com/sissississi-013/parrot/pkg/logging"
	"github.com/sissississi-013/parrot/pkg/telemetry"
	"github.com/sissississi-013/parrot/pkg/workflow"
)

// DefaultRetained is the retained-buffer size used when none is configured.
const DefaultRetained = 64

// subscriber channels get headroom beyond the replayed buffer so a live
// burst right after attach does not immediately drop the subscriber.
const subscriberSlack = 64

// Multiplexer fans out session events. Safe for concurrent use; within one
// session there is a single producer (the owning pipeline task), so per-
// subscriber delivery order equals publish order.
type Multiplexer struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	retain  int
	log     *logging.Logger
	metrics *telemetry.Metrics
}

// New creates a multiplexer retaining up to retain events per session.
func New(retain int, log *logging.Logger, metrics *telemetry.Metrics) *Multiplexer {
	if retain <= 0 {
		retain = DefaultRetained
	}
	return &Multiplexer{
		topics:  make(map[string]*topic),
		retain:  retain,
		log:     log,
		metrics: metrics,
	}
}

type topic struct {
	mu     sync.Mutex
	buf    []workflow.Event // last N events, publish order
	subs   map[*Subscriber]struct{}
	closed bool
}

// Subscriber is one attached consumer of a session stream. Events arrives in
// publish order and is closed after the terminal sentinel (or when the
// subscriber falls too far behind and is dropped).
type Subscriber struct {
	ch  chan workflow.Event
	mux *Multiplexer
	id  string
}

// Events returns the ordered event channel.
func (s *Subscriber) Events() <-chan workflow.Event { return s.ch }

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mux.unsubscribe(s.id, s)
}

func (m *Multiplexer) topicFor(sessionID string, create bool) *topic {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[sessionID]
	if !ok && create {
		t = &topic{subs: make(map[*Subscriber]struct{})}
		m.topics[sessionID] = t
	}
	return t
}

// Publish appends an event to the session's retained buffer and delivers it
// to every attached subscriber. Publishing to a closed stream is a no-op,
// logged as a warning.
func (m *Multiplexer) Publish(sessionID string, ev workflow.Event) {
	t := m.topicFor(sessionID, true)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		m.log.Warn(logging.CategoryStream, "publish_after_close", sessionID, map[string]any{"kind": string(ev.Kind)})
		return
	}
	t.buf = append(t.buf, ev)
	if len(t.buf) > m.retain {
		t.buf = t.buf[len(t.buf)-m.retain:]
	}
	var dropped []*Subscriber
	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(t.subs, sub)
		close(sub.ch)
	}
	t.mu.Unlock()

	m.metrics.RecordEventPublished()
	if len(dropped) > 0 {
		m.metrics.RecordSubscribersDropped(len(dropped))
		m.log.Warn(logging.CategoryStream, "subscriber_dropped", sessionID, map[string]any{"count": len(dropped)})
	}
}

// Subscribe attaches a consumer to the session stream. The retained buffer
// is replayed first, then live events follow. Subscribing to an already
// closed stream yields the buffered events (ending with the terminal
// sentinel) and a closed channel.
func (m *Multiplexer) Subscribe(sessionID string) *Subscriber {
	t := m.topicFor(sessionID, true)

	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &Subscriber{
		ch:  make(chan workflow.Event, m.retain+subscriberSlack),
		mux: m,
		id:  sessionID,
	}
	for _, ev := range t.buf {
		sub.ch <- ev
	}
	if t.closed {
		close(sub.ch)
		return sub
	}
	t.subs[sub] = struct{}{}
	return sub
}

// CloseSession publishes the terminal sentinel and closes the stream for all
// current and future subscribers. Idempotent.
func (m *Multiplexer) CloseSession(sessionID string, sentinel workflow.Event) {
	t := m.topicFor(sessionID, true)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.buf = append(t.buf, sentinel)
	if len(t.buf) > m.retain {
		t.buf = t.buf[len(t.buf)-m.retain:]
	}
	for sub := range t.subs {
		select {
		case sub.ch <- sentinel:
		default:
		}
		close(sub.ch)
		delete(t.subs, sub)
	}
}

// Drop discards a session's topic entirely. Used when the registry evicts a
// session; later subscribers start from an empty, open stream only if the
// session is recreated.
func (m *Multiplexer) Drop(sessionID string) {
	m.mu.Lock()
	t, ok := m.topics[sessionID]
	if ok {
		delete(m.topics, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	for sub := range t.subs {
		close(sub.ch)
		delete(t.subs, sub)
	}
	t.closed = true
	t.mu.Unlock()
}

func (m *Multiplexer) unsubscribe(sessionID string, sub *Subscriber) {
	m.mu.RLock()
	t, ok := m.topics[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	t.mu.Lock()
	if _, attached := t.subs[sub]; attached {
		delete(t.subs, sub)
		close(sub.ch)
	}
	t.mu.Unlock()
}
