package eventstream

import "testing"

func TestPublish_AssignsMonotonicSeq(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(4)
	defer b.Unsubscribe(sub)

	b.Publish(Event{Type: EventRequestStart})
	b.Publish(Event{Type: EventRequestComplete})

	e1 := <-sub.C
	e2 := <-sub.C
	if e1.Seq != 1 || e2.Seq != 2 {
		t.Fatalf("expected seq 1,2; got %d,%d", e1.Seq, e2.Seq)
	}
	if e1.SchemaVersion != SchemaVersion {
		t.Fatalf("expected schema version %d, got %d", SchemaVersion, e1.SchemaVersion)
	}
}

func TestPublish_DropsOnFullBuffer(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1)
	defer b.Unsubscribe(sub)

	b.Publish(Event{Type: EventRequestStart})
	b.Publish(Event{Type: EventRequestStart}) // dropped, buffer full

	if len(sub.C) != 1 {
		t.Fatalf("expected exactly one buffered event, got %d", len(sub.C))
	}
}

func TestUnsubscribe_RemovesFromFanout(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(4)
	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatal("expected zero subscribers after unsubscribe")
	}
	b.Publish(Event{Type: EventRequestStart}) // must not panic or block
}
