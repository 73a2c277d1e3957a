package events

import (
	"sync"
	"time"
)

// Event represents a generic event structure
type Event struct {
	Type      string
	Timestamp time.Time
	Data      interface{}
}

// FlFinishedEvent represents the event structure for finishing FL
type FlFinishedEvent struct {
	RunId       string
	ExitCode    int32
	ExitMessage string
}

// RoundFinishedEvent is published after a global round has been aggregated
type RoundFinishedEvent struct {
	RunId       string
	Round       int32
	Loss        float64
	Accuracy    float64
	NumClients  int
	NumFailures int
}

// ClientStateChangeEvent represents a client joining or leaving the aggregator
type ClientStateChangeEvent struct {
	ClientId string
	Address  string
	State    string
}

// EventBus represents the event bus that handles event subscription and dispatching
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan<- Event
}

// NewEventBus creates a new instance of the event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan<- Event),
	}
}

// Subscribe adds a new subscriber for a given event type
func (eb *EventBus) Subscribe(eventType string, subscriber chan<- Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// Publish sends an event to all subscribers of a given event type. It blocks
// until every subscriber has accepted the event.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	subscribers := append([]chan<- Event(nil), eb.subscribers[event.Type]...)
	eb.mu.RUnlock()

	for _, subscriber := range subscribers {
		subscriber <- event
	}
}
