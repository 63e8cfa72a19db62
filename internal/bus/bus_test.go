package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{TaskID: "t1", OldStatus: "ready", NewStatus: "in_progress"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicTaskStateChanged {
			t.Fatalf("wrong topic %q", ev.Topic)
		}
		payload, ok := ev.Payload.(TaskStateChangedEvent)
		if !ok || payload.TaskID != "t1" {
			t.Fatalf("wrong payload %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	sub := b.Subscribe("job.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskCreated, nil)
	b.Publish(TopicJobDispatched, JobEvent{JobID: "j1"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicJobDispatched {
			t.Fatalf("expected job topic only, got %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("job event not delivered")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected extra event %q", ev.Topic)
	default:
	}
}

func TestEmptyPrefixMatchesAll(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(TopicBreakerStateChanged, BreakerEvent{Executor: "claude", From: "closed", To: "open"})
	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicBreakerStateChanged {
			t.Fatalf("wrong topic %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowConsumerDoesNotBlockPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicTaskCreated, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}
