// Package events is the observer surface of the download core. The core
// publishes typed events; presentation layers subscribe without the core
// depending on them.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type identifies an event.
type Type string

const (
	// TypeTick is emitted whenever observable download state changed.
	TypeTick Type = "tick"
	// TypeItemAdded is emitted when a download item is registered.
	TypeItemAdded Type = "item:added"
	// TypeItemRemoved is emitted when an item finished or was cancelled.
	TypeItemRemoved Type = "item:removed"
	// TypeItemsChanged carries the has-items flag.
	TypeItemsChanged Type = "items:changed"
	// TypeNotification is a non-fatal user-facing message.
	TypeNotification Type = "notification"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is a single published event.
type Event struct {
	Type    Type        `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	Time    time.Time   `json:"time"`
}

// ItemPayload identifies an item in add/remove events.
type ItemPayload struct {
	ID     string `json:"id"`
	Label  string `json:"label,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ItemsChangedPayload carries the has-items flag.
type ItemsChangedPayload struct {
	HasItems bool `json:"hasItems"`
}

// Notification is a user-facing message.
type Notification struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// Handler receives events. Handlers run on the publisher's goroutine and
// must not block.
type Handler func(Event)

// Publisher is what the core depends on.
type Publisher interface {
	Publish(t Type, payload interface{})
	Notify(kind string, severity Severity, message string)
}

// Bus fans published events out to subscribers.
type Bus struct {
	mu            sync.RWMutex
	subs          map[int]Handler
	nextID        int
	notifications *History[Notification]
	logger        zerolog.Logger
}

// NewBus creates a bus keeping the last historySize notifications.
func NewBus(historySize int, logger zerolog.Logger) *Bus {
	return &Bus{
		subs:          make(map[int]Handler),
		notifications: NewHistory[Notification](historySize),
		logger:        logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers an event to every subscriber.
func (b *Bus) Publish(t Type, payload interface{}) {
	ev := Event{Type: t, Payload: payload, Time: time.Now().UTC()}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Notify records and publishes a notification.
func (b *Bus) Notify(kind string, severity Severity, message string) {
	n := Notification{
		ID:       uuid.NewString(),
		Kind:     kind,
		Severity: severity,
		Message:  message,
		Time:     time.Now().UTC(),
	}
	b.notifications.Push(n)

	b.logger.Debug().Str("kind", kind).Str("severity", string(severity)).Msg(message)
	b.Publish(TypeNotification, n)
}

// RecentNotifications returns buffered notifications, oldest first.
func (b *Bus) RecentNotifications() []Notification {
	return b.notifications.All()
}
