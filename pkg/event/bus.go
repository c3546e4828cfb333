// Package event fans engine events out to subscribers.
package event

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Bus delivers events synchronously. Handlers of one event type run in
// priority order, and in subscription order for equal priority.
type Bus struct {
	subscribers map[EventType][]*HandlerInfo
	mutex       sync.RWMutex
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]*HandlerInfo),
	}
}

// Subscribe adds handler for the given event types and returns its id.
func (b *Bus) Subscribe(handler Handler, types ...EventType) (string, error) {
	return b.SubscribeWithPriority(handler, 0, types...)
}

// SubscribeWithPriority adds a handler with priority (higher priority handlers execute first)
func (b *Bus) SubscribeWithPriority(handler Handler, priority int, types ...EventType) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}
	if len(types) == 0 {
		return "", fmt.Errorf("no event types given")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	info := &HandlerInfo{
		ID:       uuid.New().String(),
		Handler:  handler,
		Priority: priority,
	}
	for _, eventType := range types {
		handlers := append(b.subscribers[eventType], info)
		sort.SliceStable(handlers, func(i, j int) bool {
			return handlers[i].Priority > handlers[j].Priority
		})
		b.subscribers[eventType] = handlers
		log.Debugf("Subscribed handler %s to event type: %s (priority: %d)", info.ID, eventType, priority)
	}
	return info.ID, nil
}

// Unsubscribe removes the handler with the given id from every event type.
// It reports whether the id was known.
func (b *Bus) Unsubscribe(id string) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	found := false
	for eventType, handlers := range b.subscribers {
		for i, h := range handlers {
			if h.ID != id {
				continue
			}
			b.subscribers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			found = true
			log.Debugf("Unsubscribed handler %s from event type: %s", id, eventType)
			break
		}
	}
	return found
}

// Publish runs every handler subscribed to event.Type on the calling
// goroutine. A failing or panicking handler does not stop the others.
func (b *Bus) Publish(event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	b.mutex.RLock()
	handlers := append([]*HandlerInfo(nil), b.subscribers[event.Type]...)
	b.mutex.RUnlock()

	if len(handlers) == 0 {
		log.Debugf("No subscribers for event type: %s", event.Type)
		return nil
	}

	var result *multierror.Error
	for _, h := range handlers {
		if err := b.executeHandler(h.Handler, event); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// executeHandler executes a handler with error recovery
func (b *Bus) executeHandler(handler Handler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			log.Errorf("Handler panic for event %s: %v", event.Type, r)
		}
	}()

	return handler(event)
}

// SubscriberCount returns the number of subscribers for an event type
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.subscribers[eventType])
}

// Clear drops every subscriber.
func (b *Bus) Clear() {
	b.mutex.Lock()
	b.subscribers = make(map[EventType][]*HandlerInfo)
	b.mutex.Unlock()
}
