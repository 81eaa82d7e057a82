package events

import (
	"testing"
	"time"
)

func TestHub_PublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub()

	ch1, cancel1 := hub.Subscribe()
	ch2, cancel2 := hub.Subscribe()
	defer cancel1()
	defer cancel2()

	hub.PublishAttempt(AttemptEvent{AttemptID: "a1", Status: "running"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Kind != KindAttempt {
				t.Errorf("subscriber %d got kind %s", i, e.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()

	ch, cancel := hub.Subscribe()
	if hub.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", hub.SubscriberCount())
	}

	cancel()
	if hub.SubscriberCount() != 0 {
		t.Errorf("count = %d after cancel, want 0", hub.SubscriberCount())
	}
	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}

	// cancel is safe to call twice
	cancel()
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()

	_, cancel := hub.Subscribe() // never read
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			hub.PublishLog(LogEvent{AttemptID: "a1", Line: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestSummarizer_PublishesOnlyOnChange(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	current := Summary{ProjectID: "p1", Running: 1}
	s := NewSummarizer(hub, func() Summary { return current }, time.Minute)

	s.Tick()
	select {
	case e := <-ch:
		if e.Kind != KindSummary {
			t.Fatalf("got kind %s", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no summary after first tick")
	}

	// Unchanged snapshot: nothing published
	s.Tick()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %v for unchanged summary", e)
	default:
	}

	current.Running = 2
	s.Tick()
	select {
	case e := <-ch:
		sum, ok := e.Data.(Summary)
		if !ok || sum.Running != 2 {
			t.Errorf("got %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no summary after change")
	}
}
