package stream

import (
	"context"
	"testing"
	"time"

	"steriltrace.org/internal/steril"
)

func recv(t *testing.T, ch <-chan steril.Event) steril.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return steril.Event{}
}

func TestPublishFansOut(t *testing.T) {
	s := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx, "")
	b := s.Subscribe(ctx, "")
	s.Notify(ctx, steril.Event{ID: "e1", Kind: steril.EventLotFailed})

	if got := recv(t, a); got.ID != "e1" {
		t.Fatalf("subscriber a got %+v", got)
	}
	if got := recv(t, b); got.ID != "e1" {
		t.Fatalf("subscriber b got %+v", got)
	}
}

func TestSubscribeReplaysAfterLastID(t *testing.T) {
	s := New(2)
	for _, id := range []string{"e1", "e2", "e3"} {
		s.Publish(steril.Event{ID: id})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx, "e2")
	if got := recv(t, ch); got.ID != "e3" {
		t.Fatalf("expected replay of e3, got %+v", got)
	}

	// e1 fell out of the backlog, so nothing is replayed.
	other := s.Subscribe(ctx, "e1")
	select {
	case evt := <-other:
		t.Fatalf("unexpected replay %+v", evt)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	s := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, "")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed")
	}
	if n := s.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx, "")

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			s.Publish(steril.Event{ID: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on slow subscriber")
	}
}
