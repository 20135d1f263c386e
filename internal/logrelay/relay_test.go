package logrelay

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (o *recorder) Deliver(ev Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return fmt.Errorf("observer gone")
	}
	o.events = append(o.events, ev)
	return nil
}

func (o *recorder) snapshot() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Event, len(o.events))
	copy(out, o.events)
	return out
}

func TestCoalescesTextBeforeNonText(t *testing.T) {
	r := New(zerolog.Nop())
	r.SetFlushDelay(time.Hour) // timer must not fire during the test

	obs := &recorder{}
	r.Subscribe("s1", obs)

	for i := 0; i < 5; i++ {
		r.Publish("s1", Event{Type: TypeText, Time: time.Now(), Content: fmt.Sprintf("chunk%d", i)})
	}
	r.Publish("s1", Event{Type: TypeToolStart, Time: time.Now(), Tool: "bash"})

	events := obs.snapshot()
	require.Len(t, events, 2, "five text events merge into one")
	assert.Equal(t, TypeText, events[0].Type)
	assert.Equal(t, "chunk0chunk1chunk2chunk3chunk4", events[0].Content)
	assert.Equal(t, TypeToolStart, events[1].Type, "merged text emitted before the tool event")
}

func TestFlushTimerEmitsMergedText(t *testing.T) {
	r := New(zerolog.Nop())
	r.SetFlushDelay(10 * time.Millisecond)

	obs := &recorder{}
	r.Subscribe("s1", obs)

	r.Publish("s1", Event{Type: TypeText, Time: time.Now(), Content: "a"})
	r.Publish("s1", Event{Type: TypeText, Time: time.Now(), Content: "b"})

	assert.Eventually(t, func() bool {
		events := obs.snapshot()
		return len(events) == 1 && events[0].Content == "ab"
	}, time.Second, 5*time.Millisecond)
}

func TestLateSubscriberGetsBackfill(t *testing.T) {
	r := New(zerolog.Nop())

	r.Publish("s1", Event{Type: TypeToolStart, Time: time.Now(), Tool: "bash"})
	r.Publish("s1", Event{Type: TypeToolEnd, Time: time.Now(), Tool: "bash"})

	obs := &recorder{}
	r.Subscribe("s1", obs)

	events := obs.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, TypeToolStart, events[0].Type)
	assert.Equal(t, TypeToolEnd, events[1].Type)
}

func TestRingDropsOldestAtCapacity(t *testing.T) {
	r := New(zerolog.Nop())
	r.SetCapacity(3)

	for i := 0; i < 5; i++ {
		r.Publish("s1", Event{Type: TypeToolStart, Time: time.Now(), Tool: fmt.Sprintf("t%d", i)})
	}

	ring := r.Backfill("s1")
	require.Len(t, ring, 3)
	assert.Equal(t, "t2", ring[0].Tool)
	assert.Equal(t, "t4", ring[2].Tool)
}

func TestFailedObserverIsDropped(t *testing.T) {
	r := New(zerolog.Nop())

	good := &recorder{}
	bad := &recorder{fail: true}
	r.Subscribe("s1", good)
	r.Subscribe("s1", bad)

	r.Publish("s1", Event{Type: TypeToolStart, Time: time.Now()})
	r.Publish("s1", Event{Type: TypeToolEnd, Time: time.Now()})

	assert.Len(t, good.snapshot(), 2, "healthy observer keeps receiving")

	bad.mu.Lock()
	badCount := len(bad.events)
	bad.mu.Unlock()
	assert.Zero(t, badCount, "failed observer never receives")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := New(zerolog.Nop())

	obs := &recorder{}
	r.Subscribe("s1", obs)
	r.Publish("s1", Event{Type: TypeToolStart, Time: time.Now()})

	r.Unsubscribe("s1", obs)
	r.Publish("s1", Event{Type: TypeToolEnd, Time: time.Now()})

	assert.Len(t, obs.snapshot(), 1)
}

func TestCloseSessionFlushesAndDiscards(t *testing.T) {
	r := New(zerolog.Nop())
	r.SetFlushDelay(time.Hour)

	obs := &recorder{}
	r.Subscribe("s1", obs)
	r.Publish("s1", Event{Type: TypeText, Time: time.Now(), Content: "tail"})

	r.CloseSession("s1")

	events := obs.snapshot()
	require.Len(t, events, 1, "pending text flushed on close")
	assert.Equal(t, "tail", events[0].Content)

	assert.Nil(t, r.Backfill("s1"), "ring discarded")
}

func TestSessionsAreIndependent(t *testing.T) {
	r := New(zerolog.Nop())

	a := &recorder{}
	b := &recorder{}
	r.Subscribe("s1", a)
	r.Subscribe("s2", b)

	r.Publish("s1", Event{Type: TypeToolStart, Time: time.Now()})

	assert.Len(t, a.snapshot(), 1)
	assert.Empty(t, b.snapshot())
}
