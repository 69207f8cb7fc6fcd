package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribeOrdering(t *testing.T) {
	b := New(nil, 3)
	ch, cancel := b.Subscribe(ChatInbound)
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(ChatInbound, i)
	}

	for i := 0; i < 5; i++ {
		select {
		case v := <-ch:
			if v != i {
				t.Fatalf("expected %d, got %v", i, v)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestSlowSubscriberIsShed(t *testing.T) {
	var shedTopics []Topic
	b := New(func(topic Topic) { shedTopics = append(shedTopics, topic) }, 2)

	ch, cancel := b.Subscribe(ChatOutbound)
	defer cancel()

	// Fill the subscriber's queue without draining it.
	for i := 0; i < subscriberQueueSize; i++ {
		b.Publish(ChatOutbound, i)
	}
	if b.SubscriberCount(ChatOutbound) != 1 {
		t.Fatalf("expected subscriber still present after first full publish")
	}

	// Two more full publishes should cross shedAfter=2 and drop it.
	b.Publish(ChatOutbound, "x")
	b.Publish(ChatOutbound, "y")

	if b.SubscriberCount(ChatOutbound) != 0 {
		t.Fatalf("expected subscriber to be shed")
	}
	if len(shedTopics) != 1 || shedTopics[0] != ChatOutbound {
		t.Fatalf("expected one shed callback for ChatOutbound, got %v", shedTopics)
	}

	// The channel should now be closed.
	_, ok := <-ch
	for ok {
		_, ok = <-ch
	}
}

func TestUnrelatedTopicsDontInterfere(t *testing.T) {
	b := New(nil, 3)
	inbound, cancelIn := b.Subscribe(ChatInbound)
	defer cancelIn()
	_, cancelOut := b.Subscribe(ChatOutbound)
	defer cancelOut()

	b.Publish(ChatInbound, "hello")

	select {
	case v := <-inbound:
		if v != "hello" {
			t.Fatalf("unexpected value %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}
