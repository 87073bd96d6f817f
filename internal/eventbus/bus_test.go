package eventbus

import "testing"

func TestBus_SubscribeReceivesPublishedEvent(t *testing.T) {
	b := New()
	sub := b.Subscribe(KindRequest)
	defer sub.Unsubscribe()

	b.Publish(Event{Kind: KindRequest, RequestID: 1})

	select {
	case evt := <-sub.Events():
		if evt.RequestID != 1 {
			t.Errorf("expected RequestID 1, got %d", evt.RequestID)
		}
	default:
		t.Fatal("expected an event to be immediately available")
	}
}

func TestBus_DeliversOnlyToMatchingKind(t *testing.T) {
	b := New()
	reqSub := b.Subscribe(KindRequest)
	respSub := b.Subscribe(KindResponse)
	defer reqSub.Unsubscribe()
	defer respSub.Unsubscribe()

	b.Publish(Event{Kind: KindRequest, RequestID: 1})

	select {
	case <-reqSub.Events():
	default:
		t.Fatal("expected request subscriber to receive the event")
	}
	select {
	case evt := <-respSub.Events():
		t.Fatalf("did not expect response subscriber to receive a request event, got %+v", evt)
	default:
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(KindRequest)
	sub.Unsubscribe()

	_, ok := <-sub.Events()
	if ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
}

func TestBus_FullQueueDropsOldestRatherThanBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe(KindRequest)
	defer sub.Unsubscribe()

	for i := 0; i < queueCapacity+10; i++ {
		b.Publish(Event{Kind: KindRequest, RequestID: uint64(i)})
	}

	first := <-sub.Events()
	if first.RequestID == 0 {
		t.Error("expected the oldest events to have been dropped, but RequestID 0 is still present")
	}
}

func TestBus_SubscribeBeforePublishGuaranteesDelivery(t *testing.T) {
	b := New()
	subs := make([]*Subscription, 5)
	for i := range subs {
		subs[i] = b.Subscribe(KindResponse)
	}

	b.Publish(Event{Kind: KindResponse, RequestID: 42})

	for _, sub := range subs {
		select {
		case evt := <-sub.Events():
			if evt.RequestID != 42 {
				t.Errorf("expected RequestID 42, got %d", evt.RequestID)
			}
		default:
			t.Error("expected every subscriber registered before Publish to receive the event")
		}
		sub.Unsubscribe()
	}
}
