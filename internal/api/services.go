package api

import (
	"context"
	"time"

	"labreserve/internal/models"
	"labreserve/internal/service"
)

// BookingService is the booking surface exposed over the transports.
type BookingService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*models.Reservation, error)
	Cancel(ctx context.Context, id int64, who models.Identity) error
	Get(ctx context.Context, id int64, who models.Identity) (*models.Reservation, error)
	ListForUser(ctx context.Context, userID int64) ([]*models.Reservation, error)
	List(ctx context.Context, who models.Identity, filter service.ListFilter) ([]*models.Reservation, error)
	Stats(ctx context.Context) (*models.ReservationStats, error)
	DaySchedule(ctx context.Context, labID int64, date time.Time) (*models.DaySchedule, error)
	Labs() []*models.Lab
}

type ApprovalService interface {
	Evaluate(ctx context.Context, id int64) (*models.ApprovalOutcome, error)
	Reject(ctx context.Context, id int64, who models.Identity, reason string) error
}

// DeadLetters exposes approval tasks that exhausted their retries.
type DeadLetters interface {
	ListFailed(ctx context.Context, limit int) ([]*models.ApprovalTask, error)
	Requeue(ctx context.Context, taskID int64) error
}

type Services struct {
	Booking   BookingService
	Approvals ApprovalService
	Tasks     DeadLetters
}

// reservationResponse is the wire shape of a reservation.
type reservationResponse struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	LabID           int64     `json:"lab_id"`
	LabName         string    `json:"lab_name,omitempty"`
	Date            string    `json:"date"`
	StartTime       string    `json:"start_time"`
	EndTime         string    `json:"end_time"`
	DurationMinutes int       `json:"duration_minutes"`
	Purpose         string    `json:"purpose"`
	StudentCount    int       `json:"student_count"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toResponse(r *models.Reservation, labNames map[int64]string) reservationResponse {
	return reservationResponse{
		ID:              r.ID,
		UserID:          r.UserID,
		LabID:           r.LabID,
		LabName:         labNames[r.LabID],
		Date:            r.Date.Format(models.DateLayout),
		StartTime:       r.StartTime.String(),
		EndTime:         r.EndTime.String(),
		DurationMinutes: r.Slot().DurationMinutes(),
		Purpose:         r.Purpose,
		StudentCount:    r.StudentCount,
		Status:          string(r.Status),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func labNameIndex(labs []*models.Lab) map[int64]string {
	m := make(map[int64]string, len(labs))
	for _, l := range labs {
		m[l.ID] = l.Name
	}
	return m
}
