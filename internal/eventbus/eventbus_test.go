package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_EmitDeliversToSubscriber(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "fault:created")
	b.Emit(ctx, "fault:created", map[string]string{"faultId": "f1"})

	select {
	case ev := <-ch:
		assert.Equal(t, "fault:created", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_EmitIgnoresUnrelatedSubscribers(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	faultCh := b.Subscribe(ctx, "fault:created")
	vehicleCh := b.Subscribe(ctx, "vehicle:status-change")

	b.Emit(ctx, "fault:created", nil)

	select {
	case <-faultCh:
	case <-time.After(time.Second):
		t.Fatal("expected fault:created subscriber to receive the event")
	}

	select {
	case <-vehicleCh:
		t.Fatal("unrelated subscriber should not have received the event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_EmitDropsWhenSubscriberQueueFull(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "vehicle:gps-update")

	for i := 0; i < subscriberQueueSize+10; i++ {
		b.Emit(ctx, "vehicle:gps-update", i)
	}

	require.Equal(t, subscriberQueueSize, len(ch))
}

func TestBus_SubscribeClosesChannelOnContextDone(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch := b.Subscribe(ctx, "fault:dispatched")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestBus_EmitWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := New(nil)
	b.Emit(context.Background(), "dispatch:complete", nil)
}
