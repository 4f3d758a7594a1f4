package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()

	first, unsubFirst := bus.Subscribe()
	second, unsubSecond := bus.Subscribe()
	t.Cleanup(unsubFirst)
	t.Cleanup(unsubSecond)

	bus.Publish(New(TypeSessionExpired, "expired"))

	for _, ch := range []<-chan Signal{first, second} {
		select {
		case s := <-ch:
			assert.Equal(t, TypeSessionExpired, s.Type)
			assert.Equal(t, "expired", s.Reason)
			assert.False(t, s.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the signal")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	ch, unsubscribe := bus.Subscribe()
	unsubscribe()

	// Channel is closed on unsubscribe; publishing afterwards must not
	// panic.
	bus.Publish(New(TypeTokenRenewed, "rotation"))

	_, open := <-ch
	require.False(t, open)
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus()

	_, unsubscribe := bus.Subscribe()
	t.Cleanup(unsubscribe)

	done := make(chan struct{})
	go func() {
		// Overflow the subscriber buffer; sends are non-blocking.
		for i := 0; i < 100; i++ {
			bus.Publish(New(TypeConnectionFailed, "flood"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
