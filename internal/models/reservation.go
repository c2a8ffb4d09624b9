package models

import (
	"math"
	"time"
)

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// ActiveStatuses are the statuses that hold a slot.
var ActiveStatuses = []Status{StatusPending, StatusApproved}

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusApproved, StatusRejected, StatusCancelled}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the status occupies its slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusApproved
}

type Reservation struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	LabID        int64     `json:"lab_id"`
	Date         time.Time `json:"date"`
	StartTime    TimeOfDay `json:"start_time"`
	EndTime      TimeOfDay `json:"end_time"`
	Purpose      string    `json:"purpose"`
	StudentCount int       `json:"student_count"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (r *Reservation) Slot() Slot {
	return Slot{LabID: r.LabID, Date: r.Date, Start: r.StartTime, End: r.EndTime}
}

// Clone returns a detached copy safe to hand to event consumers.
func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// ReservationStats aggregates reservation counts for dashboards.
type ReservationStats struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Approved     int     `json:"approved"`
	Rejected     int     `json:"rejected"`
	Cancelled    int     `json:"cancelled"`
	Today        int     `json:"today"`
	Future       int     `json:"future"`
	ApprovalRate float64 `json:"approval_rate"`
}

// ComputeApprovalRate sets ApprovalRate to the whole percentage of all reservations that are approved.
func (s *ReservationStats) ComputeApprovalRate() {
	if s.Total == 0 {
		s.ApprovalRate = 0
		return
	}
	s.ApprovalRate = math.Round(float64(s.Approved) * 100 / float64(s.Total))
}

// ReservationFilter narrows reservation listings. Zero values mean "any".
type ReservationFilter struct {
	UserID   int64
	LabID    int64
	Statuses []Status
	From     time.Time
	To       time.Time
	Limit    int
}
