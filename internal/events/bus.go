package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventCircuitTransition EventType = "CIRCUIT_TRANSITION"
	EventDecisionReached   EventType = "DECISION_REACHED"
	EventDegradationChange EventType = "DEGRADATION_CHANGE"
	EventRecoveryAttempt   EventType = "RECOVERY_ATTEMPT"
	EventInstanceJoined    EventType = "INSTANCE_JOINED"
	EventInstanceRemoved   EventType = "INSTANCE_REMOVED"
	EventFallbackServed    EventType = "FALLBACK_SERVED"
	EventError             EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishCircuitTransition publishes a circuit breaker state change
func (eb *EventBus) PublishCircuitTransition(breaker, from, to, reason string) {
	eb.Publish(Event{
		Type: EventCircuitTransition,
		Data: map[string]interface{}{
			"breaker": breaker,
			"from":    from,
			"to":      to,
			"reason":  reason,
		},
	})
}

// PublishDecisionReached publishes a completed coordination round
func (eb *EventBus) PublishDecisionReached(breaker, decision, decisionID string, consensus bool, confidence float64) {
	eb.Publish(Event{
		Type: EventDecisionReached,
		Data: map[string]interface{}{
			"breaker":     breaker,
			"decision":    decision,
			"decision_id": decisionID,
			"consensus":   consensus,
			"confidence":  confidence,
		},
	})
}

// PublishDegradationChange publishes a degradation level transition
func (eb *EventBus) PublishDegradationChange(oldLevel, newLevel, reason string, affectedServices []string) {
	eb.Publish(Event{
		Type: EventDegradationChange,
		Data: map[string]interface{}{
			"old_level":         oldLevel,
			"new_level":         newLevel,
			"reason":            reason,
			"affected_services": affectedServices,
		},
	})
}

// PublishRecoveryAttempt publishes the outcome of a recovery check
func (eb *EventBus) PublishRecoveryAttempt(fromLevel, toLevel string, healthyRatio float64, recovered bool) {
	eb.Publish(Event{
		Type: EventRecoveryAttempt,
		Data: map[string]interface{}{
			"from_level":    fromLevel,
			"to_level":      toLevel,
			"healthy_ratio": healthyRatio,
			"recovered":     recovered,
		},
	})
}

// PublishInstanceJoined publishes a new cluster member
func (eb *EventBus) PublishInstanceJoined(instanceID, hostname string) {
	eb.Publish(Event{
		Type: EventInstanceJoined,
		Data: map[string]interface{}{
			"instance_id": instanceID,
			"hostname":    hostname,
		},
	})
}

// PublishInstanceRemoved publishes a pruned cluster member
func (eb *EventBus) PublishInstanceRemoved(instanceID string, lastHeartbeat time.Time) {
	eb.Publish(Event{
		Type: EventInstanceRemoved,
		Data: map[string]interface{}{
			"instance_id":    instanceID,
			"last_heartbeat": lastHeartbeat,
		},
	})
}

// PublishFallbackServed publishes a fallback-chain resolution
func (eb *EventBus) PublishFallbackServed(operation, source string) {
	eb.Publish(Event{
		Type: EventFallbackServed,
		Data: map[string]interface{}{
			"operation": operation,
			"source":    source,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
