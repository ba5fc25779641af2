package refill

import "time"

// Event type
type EventType string

const (
	// EventPermitAcquired permits granted
	EventPermitAcquired EventType = "permit_acquired"

	// EventPermitRejected permits refused
	EventPermitRejected EventType = "permit_rejected"

	// EventWaitStart caller started waiting for a refill
	EventWaitStart EventType = "wait_start"

	// EventWaitSuccess caller waited out the computed delay
	EventWaitSuccess EventType = "wait_success"

	// EventWaitTimeout wait gave up (timeout or cancellation)
	EventWaitTimeout EventType = "wait_timeout"

	// EventLimitChanged live configuration swap
	EventLimitChanged EventType = "limit_changed"
)

// Event interface
type Event interface {
	Type() EventType
	LimiterName() string
	CreatedAt() time.Time
}

// BaseEvent common event fields
type BaseEvent struct {
	eventType   EventType
	limiterName string
	createdAt   time.Time
}

// NewBaseEvent creates a base event
func NewBaseEvent(eventType EventType, limiterName string) BaseEvent {
	return BaseEvent{
		eventType:   eventType,
		limiterName: limiterName,
		createdAt:   time.Now(),
	}
}

// Type returns the event type
func (e *BaseEvent) Type() EventType {
	return e.eventType
}

// LimiterName returns the name of the limiter that emitted the event
func (e *BaseEvent) LimiterName() string {
	return e.limiterName
}

// CreatedAt returns the event creation time
func (e *BaseEvent) CreatedAt() time.Time {
	return e.createdAt
}

// PermitAcquiredEvent permits granted, possibly after a wait
type PermitAcquiredEvent struct {
	BaseEvent
	Permits int64
	Wait    time.Duration
}

// PermitRejectedEvent permits refused, balance left untouched
type PermitRejectedEvent struct {
	BaseEvent
	Permits int64
	Wait    time.Duration
}

// WaitEvent caller waiting for a refill
type WaitEvent struct {
	BaseEvent
	Permits int64
	Waited  time.Duration
	Success bool
}

// LimitChangedEvent live limit-for-period swap
type LimitChangedEvent struct {
	BaseEvent
	OldLimit int64
	NewLimit int64
}

// EventListener event listener interface
type EventListener interface {
	OnEvent(event Event)
}

// EventListenerFunc adapts a function to the EventListener interface
type EventListenerFunc func(event Event)

// OnEvent implements EventListener
func (f EventListenerFunc) OnEvent(event Event) {
	f(event)
}

// EventBus event bus interface
type EventBus interface {
	// Subscribe registers a listener
	Subscribe(listener EventListener)

	// Publish delivers an event to all listeners
	Publish(event Event)

	// Close shuts the bus down
	Close()
}
