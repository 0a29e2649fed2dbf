package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishReachesSubscribers(t *testing.T) {
	t.Parallel()
	b := NewBus()

	ch1, cancel1 := b.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(4)
	defer cancel2()

	b.Publish(Event{Kind: KindProgress, SessionID: "s1", ElapsedMS: 1500, SegmentIndex: 0})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, KindProgress, ev.Kind)
			assert.Equal(t, int64(1500), ev.ElapsedMS)
			assert.False(t, ev.At.IsZero(), "publish stamps the event")
		case <-time.After(time.Second):
			t.Fatal("event never delivered")
		}
	}
}

func TestBus_SlowSubscriberNeverBlocksPublish(t *testing.T) {
	t.Parallel()
	b := NewBus()

	// subscriber with a 1-slot buffer that is never drained
	_, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(Event{Kind: KindProgress})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBus_CancelUnsubscribes(t *testing.T) {
	t.Parallel()
	b := NewBus()

	ch, cancel := b.Subscribe(1)
	require.Equal(t, 1, b.Subscribers())

	cancel()
	cancel() // idempotent
	assert.Equal(t, 0, b.Subscribers())

	// channel is closed after cancel
	_, ok := <-ch
	assert.False(t, ok)

	// publish after cancel must not panic
	b.Publish(Event{Kind: KindError, ErrorKind: "DeviceError", Message: "boom"})
}
