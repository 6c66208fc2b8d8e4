package stream

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sissississi-013/parrot/pkg/workflow"
)

func stateEvent(session, state string) workflow.Event {
	return workflow.StateEvent(session, state)
}

func drain(sub *Subscriber) []workflow.Event {
	var out []workflow.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishOrderPreserved(t *testing.T) {
	m := New(16, nil, nil)
	sub := m.Subscribe("s1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		m.Publish("s1", stateEvent("s1", fmt.Sprintf("state-%d", i)))
	}

	got := drain(sub)
	require.Len(t, got, 5)
	for i, ev := range got {
		assert.Equal(t, fmt.Sprintf("state-%d", i), ev.State)
	}
}

func TestLateJoinerReplaysRetainedBuffer(t *testing.T) {
	m := New(3, nil, nil)

	for i := 0; i < 5; i++ {
		m.Publish("s1", stateEvent("s1", fmt.Sprintf("state-%d", i)))
	}

	sub := m.Subscribe("s1")
	defer sub.Close()

	got := drain(sub)
	require.Len(t, got, 3, "only the retained tail should be replayed")
	assert.Equal(t, "state-2", got[0].State)
	assert.Equal(t, "state-4", got[2].State)
}

func TestCloseSessionDeliversSentinelThenCloses(t *testing.T) {
	m := New(16, nil, nil)
	sub := m.Subscribe("s1")

	m.Publish("s1", stateEvent("s1", "running"))
	m.CloseSession("s1", workflow.ClosedEvent("s1", "completed"))

	ev, ok := <-sub.Events()
	require.True(t, ok)
	assert.Equal(t, "running", ev.State)

	ev, ok = <-sub.Events()
	require.True(t, ok)
	assert.Equal(t, workflow.EventClosed, ev.Kind)

	_, ok = <-sub.Events()
	assert.False(t, ok, "channel must be closed after the sentinel")
}

func TestSubscribeAfterCloseYieldsBufferAndClosedChannel(t *testing.T) {
	m := New(16, nil, nil)

	m.Publish("s1", stateEvent("s1", "running"))
	m.CloseSession("s1", workflow.ClosedEvent("s1", "completed"))

	sub := m.Subscribe("s1")
	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, workflow.EventClosed, got[1].Kind)

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestCloseSessionIdempotent(t *testing.T) {
	m := New(16, nil, nil)
	m.CloseSession("s1", workflow.ClosedEvent("s1", "completed"))
	m.CloseSession("s1", workflow.ClosedEvent("s1", "completed"))

	sub := m.Subscribe("s1")
	got := drain(sub)
	require.Len(t, got, 1, "second close must not append another sentinel")
}

func TestPublishAfterCloseIsNoOp(t *testing.T) {
	m := New(16, nil, nil)
	m.CloseSession("s1", workflow.ClosedEvent("s1", "failed"))

	m.Publish("s1", stateEvent("s1", "zombie"))

	sub := m.Subscribe("s1")
	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, workflow.EventClosed, got[0].Kind)
}

func TestSlowSubscriberDropped(t *testing.T) {
	m := New(1, nil, nil)
	slow := m.Subscribe("s1")
	fast := m.Subscribe("s1")

	// Never read from slow; overflow its channel capacity.
	for i := 0; i < 1+subscriberSlack+10; i++ {
		m.Publish("s1", stateEvent("s1", fmt.Sprintf("state-%d", i)))
		drain(fast)
	}

	// A dropped subscriber's channel ends up closed.
	for range slow.Events() {
	}

	// The fast subscriber is still attached.
	m.Publish("s1", stateEvent("s1", "final"))
	got := drain(fast)
	require.Len(t, got, 1)
	assert.Equal(t, "final", got[0].State)
}

func TestSubscriberCloseIsIdempotent(t *testing.T) {
	m := New(16, nil, nil)
	sub := m.Subscribe("s1")
	sub.Close()
	sub.Close()

	// Publishing after detach must not panic or block.
	m.Publish("s1", stateEvent("s1", "running"))
}

func TestDropDiscardsTopic(t *testing.T) {
	m := New(16, nil, nil)
	sub := m.Subscribe("s1")
	m.Publish("s1", stateEvent("s1", "running"))
	m.Drop("s1")

	for range sub.Events() {
	}

	// A fresh subscriber sees an empty, open stream.
	fresh := m.Subscribe("s1")
	assert.Empty(t, drain(fresh))
	m.Publish("s1", stateEvent("s1", "again"))
	got := drain(fresh)
	require.Len(t, got, 1)
}

func TestIndependentSessions(t *testing.T) {
	m := New(16, nil, nil)
	a := m.Subscribe("a")
	b := m.Subscribe("b")

	m.Publish("a", stateEvent("a", "running"))
	m.CloseSession("b", workflow.ClosedEvent("b", "completed"))

	gotA := drain(a)
	require.Len(t, gotA, 1)
	assert.Equal(t, "running", gotA[0].State)

	gotB := drain(b)
	require.Len(t, gotB, 1)
	assert.Equal(t, workflow.EventClosed, gotB[0].Kind)
}
