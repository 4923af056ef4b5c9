package stream

import (
	"fmt"
	"testing"
	"time"

	"controlplane/internal/job"
)

func collect(t *testing.T, sub *Subscriber, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	timeout := time.After(5 * time.Second)
	for len(events) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed after %d events, want %d", len(events), n)
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events, want %d", len(events), n)
		}
	}
	return events
}

func TestSubscribeReplaysBacklogBeforeLiveEvents(t *testing.T) {
	t.Parallel()
	hub := NewHub()

	backlog := []Event{LogEvent("cloning repository"), LogEvent("building image")}
	sub := hub.Subscribe("j1", backlog)

	hub.Publish("j1", LogEvent("starting container"))

	events := collect(t, sub, 3)
	want := []string{"cloning repository", "building image", "starting container"}
	for i, line := range want {
		if events[i].Type != "log" || events[i].Line != line {
			t.Errorf("event %d = %+v, want log %q", i, events[i], line)
		}
	}
}

func TestTerminalEmitsStatusAndCloses(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	sub := hub.Subscribe("j1", nil)

	hub.Publish("j1", LogEvent("working"))
	hub.Terminal("j1", job.StatusDone)

	events := collect(t, sub, 2)
	if events[0].Line != "working" {
		t.Errorf("first event = %+v, want log 'working'", events[0])
	}
	if events[1].Type != "status" || events[1].Status != "done" {
		t.Errorf("terminal event = %+v, want status done", events[1])
	}

	if _, ok := <-sub.Events(); ok {
		t.Error("expected stream to be closed after terminal event")
	}
	if n := hub.Subscribers("j1"); n != 0 {
		t.Errorf("expected 0 subscribers after terminal, got %d", n)
	}
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	sub := hub.Subscribe("j1", nil)

	const n = 100
	for i := 0; i < n; i++ {
		hub.Publish("j1", LogEvent(fmt.Sprintf("line %d", i)))
	}

	events := collect(t, sub, n)
	for i, ev := range events {
		if ev.Line != fmt.Sprintf("line %d", i) {
			t.Fatalf("event %d out of order: %q", i, ev.Line)
		}
	}
}

func TestSlowSubscriberDroppedWithoutAffectingOthers(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	drops := 0
	hub.SetDropHook(func() { drops++ })

	slow := hub.Subscribe("j1", nil)
	fast := hub.Subscribe("j1", nil)

	// Never read from slow; drain fast synchronously after every publish so
	// only slow can overflow.
	total := subscriberHeadroom + 10
	for i := 0; i < total; i++ {
		hub.Publish("j1", LogEvent("x"))
		select {
		case _, ok := <-fast.Events():
			if !ok {
				t.Fatal("fast subscriber was shed")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("fast subscriber missed an event")
		}
	}

	if _, ok := <-slow.Events(); !ok {
		t.Fatal("expected slow subscriber channel to still hold buffered events")
	}
	// Drain slow; its channel must end up closed after the drop.
	closed := false
	for !closed {
		select {
		case _, ok := <-slow.Events():
			if !ok {
				closed = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("slow subscriber channel was never closed")
		}
	}
	if drops != 1 {
		t.Errorf("expected 1 drop, got %d", drops)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	sub := hub.Subscribe("j1", nil)

	hub.Unsubscribe("j1", sub)
	hub.Unsubscribe("j1", sub)
	hub.Terminal("j1", job.StatusFailed)

	if n := hub.Subscribers("j1"); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}
}

func TestPublishToUnknownJobIsNoop(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	hub.Publish("missing", LogEvent("nobody listening"))
	hub.Terminal("missing", job.StatusDone)
}
