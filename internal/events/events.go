package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventNotice            = "notice"
	EventTrigger           = "trigger"
	EventBookingTransition = "booking_transition"
	EventJobClosed         = "job_closed"
	EventRepairFailed      = "repair_failed"
)

// NoticePayload is a user-visible message addressed to one participant.
type NoticePayload struct {
	AccountID string `json:"account_id"`
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Severity  string `json:"severity"`
}

// TriggerPayload asks a participant's client to open a flow.
type TriggerPayload struct {
	AccountID  string `json:"account_id"`
	Kind       string `json:"kind"`
	BookingID  string `json:"booking_id"`
	ProviderID string `json:"provider_id"`
}

// BookingEventPayload describes the minimal booking snapshot for event consumers.
type BookingEventPayload struct {
	BookingID    string    `json:"booking_id"`
	CustomerID   string    `json:"customer_id"`
	CustomerName string    `json:"customer_name,omitempty"`
	ProviderID   string    `json:"provider_id"`
	ProviderName string    `json:"provider_name,omitempty"`
	Status       string    `json:"status"`
	Amount       *float64  `json:"amount,omitempty"`
	Score        int       `json:"score,omitempty"`
	At           time.Time `json:"at"`
}

// RepairEventPayload reports a pending write that exhausted its retries.
type RepairEventPayload struct {
	WriteID    string `json:"write_id"`
	Kind       string `json:"kind"`
	BookingID  string `json:"booking_id"`
	ProviderID string `json:"provider_id"`
	Error      string `json:"error"`
	Attempts   int    `json:"attempts"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
	Processed bool
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
