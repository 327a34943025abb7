package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultEventBuffer = 100

type EventType string

// Relay events, in the order one accepted attachment produces them.
const (
	EventMessageReceived    EventType = "message_received"
	EventAttachmentAccepted EventType = "attachment_accepted"
	EventAttachmentRelayed  EventType = "attachment_relayed"
	EventAttachmentFailed   EventType = "attachment_failed"
	EventAttachmentSkipped  EventType = "attachment_skipped"
)

type Event struct {
	Type           EventType         `json:"type"`
	At             time.Time         `json:"at"`
	Channel        string            `json:"channel,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	SessionKey     string            `json:"session_key,omitempty"`
	Payload        map[string]string `json:"payload,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Stage returns the failed relay stage carried by attachment_failed events.
func (e Event) Stage() string {
	return e.Payload["stage"]
}

type eventSubscriber struct {
	ch    chan Event
	types map[EventType]struct{}
}

func (s *eventSubscriber) wants(eventType EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// eventHub delivers events without ever blocking the publisher. Sends happen under the
// read lock so a subscription cannot be closed while an event is in flight to it.
type eventHub struct {
	mu          sync.RWMutex
	subscribers map[uint64]*eventSubscriber
	nextID      uint64
	closed      bool
	done        chan struct{}
	closeOnce   sync.Once
	dropped     atomic.Int64
}

func newEventHub() *eventHub {
	return &eventHub{
		subscribers: make(map[uint64]*eventSubscriber),
		done:        make(chan struct{}),
	}
}

func (h *eventHub) close() {
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		h.closed = true
		for id, sub := range h.subscribers {
			close(sub.ch)
			delete(h.subscribers, id)
		}
		h.mu.Unlock()
	})
}

func (h *eventHub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(sub.ch)
	}
}

// PublishEvent stamps event and offers it to every interested subscriber. A subscriber
// whose buffer is full misses the event. It reports false once ctx or the bus is done.
func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	hub := mb.events
	select {
	case <-ctx.Done():
		return false
	case <-hub.done:
		return false
	default:
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if hub.closed {
		return false
	}

	for _, sub := range hub.subscribers {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			hub.dropped.Add(1)
		}
	}

	return true
}

// SubscribeEvents returns a channel receiving events of the given types, or all events
// when none are named. The channel closes when ctx ends, the bus closes, or the returned
// function is called.
func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int, types ...EventType) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	sub := &eventSubscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, eventType := range types {
			sub.types[eventType] = struct{}{}
		}
	}

	hub := mb.events
	hub.mu.Lock()
	if hub.closed {
		hub.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := hub.nextID
	hub.nextID++
	hub.subscribers[id] = sub
	hub.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { hub.remove(id) })
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-hub.done:
		}
	}()

	return sub.ch, unsubscribe
}

// DroppedEvents counts deliveries skipped because a subscriber buffer was full.
func (mb *MessageBus) DroppedEvents() int64 {
	return mb.events.dropped.Load()
}
