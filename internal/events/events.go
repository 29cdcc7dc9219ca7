package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event.
type EventType string

const (
	// EventStudentRegistered is emitted when a student account is created.
	EventStudentRegistered EventType = "student.registered"
	// EventPointCredited is emitted when a valid capture earns a point.
	EventPointCredited EventType = "point.credited"
	// EventTicketClaimed is emitted when points are converted into a ticket.
	EventTicketClaimed EventType = "ticket.claimed"
	// EventTicketsRedeemed is emitted when a teacher redeems tickets.
	EventTicketsRedeemed EventType = "tickets.redeemed"
)

// Event represents an event in the system.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// StudentRegisteredData contains data for student registration events.
type StudentRegisteredData struct {
	StudentID string
	Name      string
}

// PointCreditedData contains data for point credit events.
type PointCreditedData struct {
	StudentID string
	Points    int // total after the credit
}

// TicketClaimedData contains data for ticket claim events.
type TicketClaimedData struct {
	StudentID string
	Available int // total after the claim
	MonthKey  string
}

// TicketsRedeemedData contains data for redemption events.
type TicketsRedeemedData struct {
	StudentID string
	Qty       int
	Note      string
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
}

// NewManager creates a new event manager.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers. Handlers run
// asynchronously so ledger request paths never block on them.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	if !m.enabled {
		return
	}

	m.mu.RLock()
	handlers := m.handlers[eventType]
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	for _, handler := range handlers {
		go func(h Handler) {
			_ = h(ctx, event)
		}(handler)
	}
}

// Shutdown shuts down the event manager.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
}
