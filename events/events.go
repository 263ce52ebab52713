// Package events carries annotation life-cycle notifications between a store
// adapter and the components that react to it.
package events

import (
	"sync"

	"github.com/zlnvch/marginalia/models"
)

type Event int

const (
	EventCreated Event = iota
	EventUpdated
	EventDeleted
	EventLoaded
	EventRepliesLoaded
)

func (e Event) String() string {
	switch e {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventDeleted:
		return "deleted"
	case EventLoaded:
		return "loaded"
	case EventRepliesLoaded:
		return "repliesLoaded"
	default:
		return "unknown"
	}
}

// ParseEvent is the inverse of Event.String.
func ParseEvent(name string) (Event, bool) {
	for e := EventCreated; e <= EventRepliesLoaded; e++ {
		if e.String() == name {
			return e, true
		}
	}
	return 0, false
}

// Payload is what a handler receives. Record is set for single-record events,
// Records for loaded and repliesLoaded. ParentId is set for repliesLoaded.
type Payload struct {
	Record   *models.AnnotationRecord
	Records  []*models.AnnotationRecord
	ParentId models.ID
}

type Handler func(Payload)

// Bus dispatches synchronously, in registration order.
type Bus struct {
	mu       sync.Mutex
	handlers map[Event][]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Event][]Handler)}
}

func (b *Bus) Subscribe(e Event, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[e] = append(b.handlers[e], h)
}

// Publish runs every handler for e on the calling goroutine. Handlers may
// subscribe further handlers; those only see later publishes.
func (b *Bus) Publish(e Event, p Payload) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[e]...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(p)
	}
}

func (b *Bus) HandlerCount(e Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[e])
}
