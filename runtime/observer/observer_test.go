package observer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lucia-home/lucia/runtime/lucia"
)

func TestHub_PublishFansOutToSubscribers(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsubscribe := h.Subscribe(ctx)
	defer unsubscribe()

	h.Publish(lucia.LiveEvent{Type: lucia.LiveEventRequestStart})

	select {
	case ev := <-ch:
		require.Equal(t, lucia.LiveEventRequestStart, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func TestHub_PublishNeverBlocksWhenSubscriberIsSlow(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, unsubscribe := h.Subscribe(ctx)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < Capacity*2; i++ {
			h.Publish(lucia.LiveEvent{Type: lucia.LiveEventToolCall})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked while subscriber was not draining")
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe(context.Background())
	unsubscribe()

	_, ok := <-ch
	require.False(t, ok)
}
