package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Channel: "a", Payload: 1})

	select {
	case e := <-ch:
		if e.Channel != "a" {
			t.Fatalf("channel = %s, want a", e.Channel)
		}
		if e.Time.IsZero() {
			t.Fatal("publish should stamp the time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestChannelFiltering(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, "wanted")
	defer unsub()

	b.Publish(Event{Channel: "other"})
	b.Publish(Event{Channel: "wanted"})

	select {
	case e := <-ch:
		if e.Channel != "wanted" {
			t.Fatalf("got filtered channel %s", e.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event: %+v", e)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Channel: "a"})
	b.Publish(Event{Channel: "b"}) // dropped; buffer is full

	<-ch
	select {
	case e := <-ch:
		t.Fatalf("expected drop, got %+v", e)
	default:
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Must not panic.
	b.Publish(Event{Channel: "a"})
}
