package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerFansOutToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.Publish(&Event{
		ID:        "ev-1",
		Type:      EventProjectTransition,
		ProjectID: "proj-1",
		Message:   "user-start",
	})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, "ev-1", ev.ID)
			assert.Equal(t, EventProjectTransition, ev.Type)
			assert.Equal(t, "proj-1", ev.ProjectID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)

	// Publishing after the unsubscribe must not panic or block.
	b.Publish(&Event{ID: "ev-2", Type: EventProjectCreated})
}

func TestBrokerDropsWhenSubscriberLagsBehind(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()

	// Overrun the per-subscriber buffer; nothing reads from sub yet.
	for i := 0; i < 200; i++ {
		b.Publish(&Event{ID: "flood", Type: EventProjectTransition})
	}

	// The broker stays live and keeps serving what fit in the buffer.
	require.Eventually(t, func() bool {
		select {
		case ev := <-sub:
			return ev != nil
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}
