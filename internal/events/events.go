package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"labreserve/internal/models"

	"github.com/google/uuid"
)

const (
	EventReservationCreated   = "reservation.created"
	EventReservationApproved  = "reservation.approved"
	EventReservationRejected  = "reservation.rejected"
	EventReservationCancelled = "reservation.cancelled"
)

// LifecycleEvents lists every event type emitted on a reservation transition.
var LifecycleEvents = []string{
	EventReservationCreated,
	EventReservationApproved,
	EventReservationRejected,
	EventReservationCancelled,
}

// EventTypeFor maps a target status to the event announcing it.
func EventTypeFor(status models.Status) string {
	switch status {
	case models.StatusPending:
		return EventReservationCreated
	case models.StatusApproved:
		return EventReservationApproved
	case models.StatusRejected:
		return EventReservationRejected
	case models.StatusCancelled:
		return EventReservationCancelled
	default:
		return ""
	}
}

// ReservationEventPayload is the reservation snapshot carried by lifecycle events.
type ReservationEventPayload struct {
	ReservationID  int64     `json:"reservation_id"`
	UserID         int64     `json:"user_id"`
	LabID          int64     `json:"lab_id"`
	Date           string    `json:"date"`
	StartTime      string    `json:"start_time"`
	EndTime        string    `json:"end_time"`
	Purpose        string    `json:"purpose"`
	StudentCount   int       `json:"student_count"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	ChangedByID    int64     `json:"changed_by_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func NewReservationPayload(r *models.Reservation, previous models.Status, changedBy int64, reason string) ReservationEventPayload {
	return ReservationEventPayload{
		ReservationID:  r.ID,
		UserID:         r.UserID,
		LabID:          r.LabID,
		Date:           r.Date.Format(models.DateLayout),
		StartTime:      r.StartTime.String(),
		EndTime:        r.EndTime.String(),
		Purpose:        r.Purpose,
		StudentCount:   r.StudentCount,
		Status:         string(r.Status),
		PreviousStatus: string(previous),
		ChangedByID:    changedBy,
		Reason:         reason,
		OccurredAt:     time.Now().UTC(),
	}
}

// DecodeReservationPayload unmarshals an event produced by NewReservationPayload.
func DecodeReservationPayload(event *Event) (ReservationEventPayload, error) {
	var p ReservationEventPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", event.Type, err)
	}
	return p, nil
}

// Event represents a lightweight domain event.
type Event struct {
	ID        string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for the given event types.
func (b *EventBus) Subscribe(handler EventHandler, eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.subscribers[t] = append(b.subscribers[t], handler)
	}
}

// Publish runs the handlers of the event type synchronously and joins their errors.
// A failing or panicking handler does not prevent the others from running.
func (b *EventBus) Publish(event *Event) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var errs []error
	for _, handler := range handlers {
		if err := safeCall(handler, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func safeCall(handler EventHandler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", event.Type, r)
		}
	}()
	return handler(event)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	return b.Publish(&event)
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{ID: uuid.NewString(), Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
