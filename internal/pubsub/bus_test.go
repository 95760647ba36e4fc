package pubsub

import "testing"

func TestPublishFanOut(t *testing.T) {
	b := New[int](4)
	_, ch1 := b.Subscribe()
	_, ch2 := b.Subscribe()

	b.Publish(42)

	if got := <-ch1; got != 42 {
		t.Errorf("subscriber 1 got %d, want 42", got)
	}
	if got := <-ch2; got != 42 {
		t.Errorf("subscriber 2 got %d, want 42", got)
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := New[int](1)
	_, ch := b.Subscribe()

	b.Publish(1)
	b.Publish(2) // buffer full, dropped

	if got := <-ch; got != 1 {
		t.Errorf("got %d, want 1", got)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New[int](1)
	id, ch := b.Subscribe()
	b.Unsubscribe(id)

	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if b.Subscribers() != 0 {
		t.Errorf("subscribers = %d, want 0", b.Subscribers())
	}

	// A second unsubscribe for the same id is a no-op.
	b.Unsubscribe(id)
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	b := New[string](1)
	_, ch := b.Subscribe()
	b.Close()

	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}

	// Publishing and subscribing after close must not panic; the new
	// channel arrives already closed.
	b.Publish("late")
	_, late := b.Subscribe()
	if _, ok := <-late; ok {
		t.Error("post-close subscription channel should be closed")
	}
}
