package notify

import (
	"context"
	"errors"
	"time"

	"labreserve/internal/events"
	"labreserve/internal/google"
)

// SheetsMirror is the part of google.SheetsService the sink needs.
type SheetsMirror interface {
	UpsertReservation(ctx context.Context, row google.ReservationRow) error
	UpdateReservationStatus(ctx context.Context, id int64, status string, at time.Time) error
}

// SheetsSink keeps one spreadsheet row per reservation.
type SheetsSink struct {
	mirror SheetsMirror
}

func NewSheetsSink(mirror SheetsMirror) *SheetsSink {
	return &SheetsSink{mirror: mirror}
}

func (s *SheetsSink) Name() string { return "sheets" }

func (s *SheetsSink) Deliver(ctx context.Context, n Notification) error {
	r := n.Reservation
	at := r.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if n.Type != events.EventReservationCreated {
		err := s.mirror.UpdateReservationStatus(ctx, r.ReservationID, r.Status, at)
		if !errors.Is(err, google.ErrRowNotFound) {
			return err
		}
	}

	return s.mirror.UpsertReservation(ctx, google.ReservationRow{
		ID:           r.ReservationID,
		UserID:       r.UserID,
		LabID:        r.LabID,
		LabName:      n.LabName,
		Date:         r.Date,
		Start:        r.StartTime,
		End:          r.EndTime,
		Purpose:      r.Purpose,
		StudentCount: r.StudentCount,
		Status:       r.Status,
		UpdatedAt:    at,
	})
}
