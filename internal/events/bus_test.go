package events_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbaer/linebox/internal/events"
)

func TestPublishPreservesOrder(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	bus.Publish(events.NewMessages{Folder: "INBOX", Count: 1})
	bus.Publish(events.NewMessages{Folder: "INBOX", Count: 2})
	bus.Publish(events.NewMessages{Folder: "INBOX", Count: 3})

	for want := 1; want <= 3; want++ {
		ev := <-ch
		msg, ok := ev.(events.NewMessages)
		require.True(t, ok)
		assert.Equal(t, want, msg.Count)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(2)
	defer cancel()

	for i := 1; i <= 5; i++ {
		bus.Publish(events.NewMessages{Count: i})
	}

	// Only the first two fit the buffer; the rest were dropped and
	// Publish never blocked.
	first := (<-ch).(events.NewMessages)
	second := (<-ch).(events.NewMessages)
	assert.Equal(t, 1, first.Count)
	assert.Equal(t, 2, second.Count)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %#v", ev)
	default:
	}
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	bus := events.NewBus()

	bus.Publish(events.SyncComplete{AccountID: "a"})

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	select {
	case ev := <-ch:
		t.Fatalf("late subscriber received replayed event %#v", ev)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(1)

	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(events.SyncComplete{AccountID: "a"})
}

func TestCloseDetachesSubscribers(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Close()
	_, open := <-ch
	assert.False(t, open)

	bus.Publish(events.SyncComplete{AccountID: "a"})
}
