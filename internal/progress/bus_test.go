package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvWithin(t *testing.T, ch <-chan Message, d time.Duration) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "channel closed early")
		return m
	case <-time.After(d):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestBus_DeliversToSubscriber(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("t1")
	defer cancel()

	bus.Publish("t1", Message{Type: TypeProgress, Stage: "asr", Progress: 40})
	m := recvWithin(t, ch, time.Second)
	assert.Equal(t, "asr", m.Stage)
	assert.Equal(t, 40, m.Progress)
}

func TestBus_LateSubscriberMissesEarlierMessages(t *testing.T) {
	bus := NewBus()
	early, cancelEarly := bus.Subscribe("t1")
	defer cancelEarly()

	bus.Publish("t1", Message{Type: TypeProgress, Stage: "asr", Progress: 10})
	recvWithin(t, early, time.Second)

	late, cancelLate := bus.Subscribe("t1")
	defer cancelLate()
	bus.Publish("t1", Message{Type: TypeProgress, Stage: "asr", Progress: 20})

	m := recvWithin(t, late, time.Second)
	assert.Equal(t, 20, m.Progress, "late subscriber must only see post-join messages")
}

func TestBus_LossyLatestKeepsNewestPerKey(t *testing.T) {
	bus := NewBus()
	bus.subscriberBuffer = 1
	ch, cancel := bus.Subscribe("t1")
	defer cancel()

	// Flood one (language, stage) slot without reading; the slow
	// subscriber must end up observing the final value, not every
	// intermediate one.
	for p := 0; p <= 100; p += 5 {
		bus.Publish("t1", Message{Type: TypeProgress, Language: Lang("ja"), Stage: "translate", Progress: p})
	}

	var last Message
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-ch:
			last = m
			if m.Progress == 100 {
				return
			}
		case <-deadline:
			t.Fatalf("never observed final progress, last seen %d", last.Progress)
		}
	}
}

func TestBus_DistinctKeysAreNotSuperseded(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("t1")
	defer cancel()

	bus.Publish("t1", Message{Type: TypeProgress, Language: Lang("ja"), Stage: "translate", Progress: 50})
	bus.Publish("t1", Message{Type: TypeProgress, Language: Lang("ko"), Stage: "translate", Progress: 70})

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		m := recvWithin(t, ch, time.Second)
		seen[*m.Language] = m.Progress
	}
	assert.Equal(t, map[string]int{"ja": 50, "ko": 70}, seen)
}

func TestBus_CloseTaskDeliversTerminalAndCloses(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("t1")
	defer cancel()

	bus.CloseTask("t1", Message{Type: TypeDone, Stage: "mux_video"})

	m := recvWithin(t, ch, time.Second)
	assert.Equal(t, TypeDone, m.Type)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel must be closed after terminal message")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after CloseTask")
	}
}

func TestBus_UnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("t1")
	cancel()
	cancel()

	bus.Publish("t1", Message{Type: TypeProgress, Stage: "asr", Progress: 1})

	// The channel closes once the pump drains; no panic, no deadlock.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel never closed after unsubscribe")
		}
	}
}
