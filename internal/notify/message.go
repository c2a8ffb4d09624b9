package notify

import (
	"fmt"
	"strings"

	"labreserve/internal/domain"
	"labreserve/internal/events"
)

// Notification is a lifecycle event rendered for delivery.
type Notification struct {
	EventID     string                         `json:"event_id"`
	Type        string                         `json:"type"`
	Subject     string                         `json:"subject"`
	LabName     string                         `json:"lab_name"`
	Reservation events.ReservationEventPayload `json:"reservation"`
}

var subjects = map[string]string{
	events.EventReservationCreated:   "Reservation request received",
	events.EventReservationApproved:  "Reservation approved",
	events.EventReservationRejected:  "Reservation rejected",
	events.EventReservationCancelled: "Reservation cancelled",
}

// NewNotification decodes a lifecycle event and resolves the lab name from the catalog.
func NewNotification(e *events.Event, labs domain.LabCatalog) (Notification, error) {
	payload, err := events.DecodeReservationPayload(e)
	if err != nil {
		return Notification{}, err
	}

	subject, ok := subjects[e.Type]
	if !ok {
		subject = e.Type
	}

	labName := fmt.Sprintf("Lab %d", payload.LabID)
	if labs != nil {
		if lab, ok := labs.GetLab(payload.LabID); ok {
			labName = lab.Name
		}
	}

	return Notification{
		EventID:     e.ID,
		Type:        e.Type,
		Subject:     subject,
		LabName:     labName,
		Reservation: payload,
	}, nil
}

// Text renders the plain-text body shared by chat sinks.
func (n Notification) Text() string {
	r := n.Reservation
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", n.Subject)
	fmt.Fprintf(&b, "Lab: %s\n", n.LabName)
	fmt.Fprintf(&b, "Date: %s\n", r.Date)
	fmt.Fprintf(&b, "Time: %s - %s\n", r.StartTime, r.EndTime)
	if r.Purpose != "" {
		fmt.Fprintf(&b, "Purpose: %s\n", r.Purpose)
	}
	fmt.Fprintf(&b, "Students: %d\n", r.StudentCount)
	fmt.Fprintf(&b, "Reservation #%d, user %d", r.ReservationID, r.UserID)
	if r.Reason != "" {
		fmt.Fprintf(&b, "\nReason: %s", r.Reason)
	}
	return b.String()
}
