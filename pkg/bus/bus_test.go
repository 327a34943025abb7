package bus

import (
	"context"
	"testing"
	"time"
)

type nopReplier struct{}

func (nopReplier) Reply(context.Context, OutboundMessage) error { return nil }

func TestRegisterHandlerReplacesPrevious(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	var calls []string
	mb.RegisterHandler("botframework", func(context.Context, InboundMessage, Replier) error {
		calls = append(calls, "first")
		return nil
	})
	mb.RegisterHandler("botframework", func(context.Context, InboundMessage, Replier) error {
		calls = append(calls, "second")
		return nil
	})

	handler, ok := mb.GetHandler("botframework")
	if !ok {
		t.Fatal("expected handler")
	}
	if err := handler(context.Background(), InboundMessage{}, nopReplier{}); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(calls) != 1 || calls[0] != "second" {
		t.Fatalf("calls = %v, want [second]", calls)
	}
}

func TestUnregisterHandler(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	mb.RegisterHandler("telegram", func(context.Context, InboundMessage, Replier) error { return nil })
	mb.UnregisterHandler("telegram")

	if _, ok := mb.GetHandler("telegram"); ok {
		t.Fatal("expected handler to be removed")
	}
}

func TestNewReplyCopiesConversationContext(t *testing.T) {
	in := InboundMessage{
		Channel:        "msteams",
		MessageID:      "m-1",
		ConversationID: "conv-1",
		ServiceURL:     "https://smba.example.com/",
		SessionKey:     "botframework:conv-1",
		Content:        "hi",
		Attachments:    []Attachment{{ContentType: "image/jpeg"}},
		Metadata:       map[string]string{"bot_id": "28:bot"},
	}

	reply := in.NewReply()
	reply.Metadata["bot_id"] = "changed"
	if in.Metadata["bot_id"] != "28:bot" {
		t.Fatal("expected reply metadata to be a copy")
	}
	if reply.Channel != "msteams" || reply.ConversationID != "conv-1" || reply.ServiceURL != in.ServiceURL {
		t.Fatalf("reply context = %+v", reply)
	}
	if reply.ReplyToID != "m-1" {
		t.Fatalf("reply_to_id = %q, want %q", reply.ReplyToID, "m-1")
	}
	if reply.Content != "" || len(reply.Attachments) != 0 {
		t.Fatalf("expected empty reply body, got %+v", reply)
	}
}

func TestEventFanout(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	eventsA, unsubA := mb.SubscribeEvents(ctx, 1)
	defer unsubA()
	eventsB, unsubB := mb.SubscribeEvents(ctx, 1)
	defer unsubB()

	if ok := mb.PublishEvent(ctx, Event{Type: EventAttachmentRelayed, ConversationID: "1"}); !ok {
		t.Fatal("expected event publish to succeed")
	}

	for name, events := range map[string]<-chan Event{"A": eventsA, "B": eventsB} {
		select {
		case got := <-events:
			if got.Type != EventAttachmentRelayed {
				t.Fatalf("subscriber %s event type = %q, want %q", name, got.Type, EventAttachmentRelayed)
			}
			if got.At.IsZero() {
				t.Fatalf("subscriber %s expected event timestamp", name)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublishEvent(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	defer unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventAttachmentAccepted}); !ok {
		t.Fatal("expected first event publish to succeed")
	}

	start := time.Now()
	if ok := mb.PublishEvent(ctx, Event{Type: EventAttachmentFailed}); !ok {
		t.Fatal("expected second event publish to succeed")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish event blocked on slow subscriber")
	}

	select {
	case <-events:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one event")
	}
}

func TestPublishEventFailsAfterClose(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if ok := mb.PublishEvent(context.Background(), Event{Type: EventMessageReceived}); ok {
		t.Fatal("expected publish to fail after close")
	}
}

func TestSubscribeEventsUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	events, _ := mb.SubscribeEvents(context.Background(), 1)
	mb.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected event channel to be closed")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("event subscription did not unblock after close")
	}
}

func TestUnsubscribeOnContextCancel(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	events, _ := mb.SubscribeEvents(ctx, 1)
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event channel close after cancel")
	}
}

func TestSubscribeEventsFiltersByType(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	failures, unsubscribe := mb.SubscribeEvents(ctx, 4, EventAttachmentFailed)
	defer unsubscribe()

	mb.PublishEvent(ctx, Event{Type: EventAttachmentAccepted})
	mb.PublishEvent(ctx, Event{Type: EventAttachmentFailed, Payload: map[string]string{"stage": "upload_error"}})

	select {
	case got := <-failures:
		if got.Type != EventAttachmentFailed || got.Stage() != "upload_error" {
			t.Fatalf("event = %+v, want upload_error failure", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected failure event")
	}

	select {
	case got := <-failures:
		t.Fatalf("unexpected extra event %+v", got)
	default:
	}
}

func TestDroppedEventsCountsFullBuffers(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	_, unsubscribe := mb.SubscribeEvents(ctx, 1)
	defer unsubscribe()

	for range 3 {
		mb.PublishEvent(ctx, Event{Type: EventMessageReceived})
	}

	if dropped := mb.DroppedEvents(); dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
}

func TestUnsubscribeAfterCloseIsSafe(t *testing.T) {
	mb := NewMessageBus()

	_, unsubscribe := mb.SubscribeEvents(context.Background(), 1)
	mb.Close()
	unsubscribe()

	events, _ := mb.SubscribeEvents(context.Background(), 1)
	if _, ok := <-events; ok {
		t.Fatal("expected subscription on closed bus to be closed")
	}
}
