// Package bus connects channel adapters to the dialog that answers them and carries
// relay telemetry to whoever is listening.
package bus

import "sync"

// MessageBus holds the active message handler per channel adapter and fans out relay events.
//
// A dialog waits for the next message on an adapter by registering itself as that
// adapter's handler. Registering again replaces the previous handler.
type MessageBus struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler

	events *eventHub
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		handlers: make(map[string]MessageHandler),
		events:   newEventHub(),
	}
}

// RegisterHandler installs handler as the receiver of the next message on adapter.
func (mb *MessageBus) RegisterHandler(adapter string, handler MessageHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[adapter] = handler
}

// GetHandler returns the handler waiting for messages on adapter.
func (mb *MessageBus) GetHandler(adapter string) (MessageHandler, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	handler, ok := mb.handlers[adapter]
	return handler, ok
}

func (mb *MessageBus) UnregisterHandler(adapter string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.handlers, adapter)
}

// Close stops event delivery and closes every subscription. Handlers stay registered.
func (mb *MessageBus) Close() {
	mb.events.close()
}
