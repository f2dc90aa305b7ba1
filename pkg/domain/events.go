package domain

import "time"

// EventType classifies hub events for routing and filtering. Types are
// dot-namespaced; webhook and websocket filters match on prefixes.
type EventType string

const (
	// Message context events
	EventMessagesUpsert  EventType = "wa.messages.upsert"
	EventMessagesUpdate  EventType = "wa.messages.update"
	EventMessagesDelete  EventType = "wa.messages.delete"
	EventMessagesStarred EventType = "wa.messages.starred"

	// Chat / contact / group context events
	EventChatsUpsert    EventType = "wa.chats.upsert"
	EventContactsUpsert EventType = "wa.contacts.upsert"
	EventGroupsUpsert   EventType = "wa.groups.upsert"

	// Delivery and presence events
	EventReceiptsUpdate EventType = "wa.receipts.update"
	EventPresenceUpdate EventType = "wa.presence.update"
	EventCallsUpsert    EventType = "wa.calls.upsert"

	// Media pipeline events
	EventMediaDownloaded EventType = "wa.media.downloaded"
	EventMediaFailed     EventType = "wa.media.failed"

	// Session lifecycle events
	EventConnectionOpen   EventType = "wa.connection.open"
	EventConnectionClosed EventType = "wa.connection.closed"
)

// Event is a single immutable hub event. Exactly one producer path publishes
// each event; consumers observe it at most once per subscription and late
// subscribers never see it (no replay).
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp int64       `json:"timestamp"` // milliseconds since epoch
	Data      interface{} `json:"data"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType EventType, data interface{}) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// EventHandler processes a hub event. Handler failures are isolated by the
// bus; a panicking handler must not prevent other handlers from running.
type EventHandler func(Event)

// EventBus dispatches hub events to registered handlers synchronously on the
// publishing goroutine.
type EventBus interface {
	// Publish dispatches an event to all handlers for its exact type, then
	// to all wildcard handlers, in registration order.
	Publish(event Event)
	// Subscribe registers a handler for a specific event type.
	Subscribe(eventType EventType, handler EventHandler)
	// SubscribeAll registers a wildcard handler that receives every event.
	// The returned function removes the handler exactly once.
	SubscribeAll(handler EventHandler) (unsubscribe func())
	// Close shuts down the bus; further publishes are no-ops.
	Close()
}
