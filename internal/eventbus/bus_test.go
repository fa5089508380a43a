package eventbus

import "testing"

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	b := New(4)
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish(EventAlarmCreated, map[string]string{"id": "a1"})

	select {
	case ev := <-ch:
		if ev.Type != EventAlarmCreated {
			t.Fatalf("expected EventAlarmCreated, got %v", ev.Type)
		}
	default:
		t.Fatal("expected the event to be immediately available")
	}
}

func TestBus_PublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New(1)
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	for i := 0; i < 10; i++ {
		b.Publish(EventSensorData, i)
	}
	if len(ch) != 1 {
		t.Fatalf("expected the buffered channel to cap at 1, got %d", len(ch))
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(4)
	ch, unsubscribe := b.Subscribe()
	unsubscribe()

	b.Publish(EventTicketCreated, nil)
	if _, ok := <-ch; ok {
		t.Fatal("expected the channel to be closed after unsubscribe")
	}
}

func TestBus_SubscriberCount(t *testing.T) {
	b := New(4)
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers initially, got %d", b.SubscriberCount())
	}
	_, unsubscribe := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}
	unsubscribe()
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}
}
