// birch/notify/hub_test.go
package notify

import (
	"testing"
	"time"

	"birch/models"
)

func recvEvent(t *testing.T, ch <-chan models.Event) models.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("Event channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
	return models.Event{}
}

func TestSubscribeSendsOpenEvent(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("caller-a")
	defer cancel()

	if ev := recvEvent(t, ch); ev.Kind != models.EventOpen {
		t.Errorf("Expected open event first, got %q", ev.Kind)
	}
}

func TestPublishIsCallerScoped(t *testing.T) {
	h := NewHub()
	chA, cancelA := h.Subscribe("caller-a")
	defer cancelA()
	chB, cancelB := h.Subscribe("caller-b")
	defer cancelB()
	recvEvent(t, chA) // drain open
	recvEvent(t, chB)

	h.Publish("caller-a", models.Event{Kind: models.EventNewPost, Payload: []byte(`{}`)})

	if ev := recvEvent(t, chA); ev.Kind != models.EventNewPost {
		t.Errorf("Expected new_post for caller-a, got %q", ev.Kind)
	}
	select {
	case ev := <-chB:
		t.Errorf("caller-b received an event meant for caller-a: %q", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleStreamsPerCaller(t *testing.T) {
	h := NewHub()
	ch1, cancel1 := h.Subscribe("caller-a")
	defer cancel1()
	ch2, cancel2 := h.Subscribe("caller-a")
	defer cancel2()
	recvEvent(t, ch1)
	recvEvent(t, ch2)

	h.Publish("caller-a", models.Event{Kind: models.EventNewPost})

	if ev := recvEvent(t, ch1); ev.Kind != models.EventNewPost {
		t.Errorf("First stream missed the event, got %q", ev.Kind)
	}
	if ev := recvEvent(t, ch2); ev.Kind != models.EventNewPost {
		t.Errorf("Second stream missed the event, got %q", ev.Kind)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("caller-a")
	recvEvent(t, ch)
	cancel()
	// Idempotent.
	cancel()

	// Publishing after cancel must not panic or deliver.
	h.Publish("caller-a", models.Event{Kind: models.EventNewPost})
	if _, ok := <-ch; ok {
		t.Error("Cancelled channel still delivered an event")
	}
}

func TestCloseNotifiesAndShutsDown(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("caller-a")
	defer cancel()
	recvEvent(t, ch)

	h.Close()

	if ev := recvEvent(t, ch); ev.Kind != models.EventClose {
		t.Errorf("Expected close event, got %q", ev.Kind)
	}
	if _, ok := <-ch; ok {
		t.Error("Channel not closed after hub shutdown")
	}

	// New subscriptions after close get an already-closed channel.
	ch2, cancel2 := h.Subscribe("caller-b")
	defer cancel2()
	if _, ok := <-ch2; ok {
		t.Error("Subscription after close should yield a closed channel")
	}
}

func TestFullListenerIsSkipped(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("caller-a")
	defer cancel()
	// Do not drain: fill the buffer past capacity.
	for i := 0; i < 20; i++ {
		h.Publish("caller-a", models.Event{Kind: models.EventNewPost})
	}
	// If Publish blocked on a full channel this test would deadlock before
	// reaching here.
	if ev := recvEvent(t, ch); ev.Kind != models.EventOpen {
		t.Errorf("Expected the open event still first in the buffer, got %q", ev.Kind)
	}
}
