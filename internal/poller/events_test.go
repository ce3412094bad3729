package poller

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBusSinceAndTrim(t *testing.T) {
	bus := NewEventBus(3)
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventStatus})
	}

	events := bus.Since(0)
	assert.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, int64(5), bus.LastSeq())
	assert.Len(t, bus.Since(4), 1)
	assert.Empty(t, bus.Since(5))
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestEventBusWaitIsClosedOnPublish(t *testing.T) {
	bus := NewEventBus(0)
	ch := bus.Wait()

	select {
	case <-ch:
		t.Fatal("wait channel closed before publish")
	default:
	}

	bus.Publish(Event{Type: EventReset})

	select {
	case <-ch:
	default:
		t.Fatal("wait channel not closed after publish")
	}
	assert.NotEqual(t, ch, bus.Wait())
}
