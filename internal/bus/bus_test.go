package bus

import (
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestPublishPrefixMatching(t *testing.T) {
	b := New()
	all := b.Subscribe("")
	runsOnly := b.Subscribe("run.")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(runsOnly)

	b.Publish("run.started", "r1")
	b.Publish("task.notify", "t1")

	if ev := recv(t, runsOnly); ev.Topic != "run.started" {
		t.Fatalf("prefix sub got %q", ev.Topic)
	}
	select {
	case ev := <-runsOnly.Ch():
		t.Fatalf("prefix sub leaked %q", ev.Topic)
	default:
	}

	if ev := recv(t, all); ev.Topic != "run.started" {
		t.Fatalf("first event = %q", ev.Topic)
	}
	if ev := recv(t, all); ev.Topic != "task.notify" || ev.Payload != "t1" {
		t.Fatalf("second event = %+v", ev)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, open := <-sub.Ch(); open {
		t.Fatal("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d", b.SubscriberCount())
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
	b.Publish("run.started", nil)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize+10; i++ {
			b.Publish("run.tick", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(sub.Ch()) != defaultBufferSize {
		t.Fatalf("buffered = %d, want %d", len(sub.Ch()), defaultBufferSize)
	}
}
