package domain

import (
	"context"
	"time"

	"labreserve/internal/models"
)

// ReservationFinder is the read side used by the conflict detector.
type ReservationFinder interface {
	FindReservations(ctx context.Context, labID int64, date time.Time, statuses []models.Status) ([]*models.Reservation, error)
}

type ReservationRepository interface {
	ReservationFinder
	GetReservation(ctx context.Context, id int64) (*models.Reservation, error)
	InsertReservation(ctx context.Context, r *models.Reservation) error
	// UpdateStatus is a compare-and-swap: it returns false when the stored status is no longer expected.
	UpdateStatus(ctx context.Context, id int64, expected, next models.Status) (bool, error)
	ListReservations(ctx context.Context, filter models.ReservationFilter) ([]*models.Reservation, error)
	GetStats(ctx context.Context, today time.Time) (*models.ReservationStats, error)
}

// TxManager runs fn inside a serializable transaction carried by ctx.
type TxManager interface {
	DoSerializable(ctx context.Context, fn func(ctx context.Context) error) error
}

type LabCatalog interface {
	GetLab(id int64) (*models.Lab, bool)
	GetLabs() []*models.Lab
}

// Locker provides mutual exclusion for a named key, e.g. one lab on one date.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// ApprovalScheduler queues a pending reservation for evaluation without blocking the caller.
type ApprovalScheduler interface {
	Schedule(ctx context.Context, reservationID int64) error
}

type ApprovalTaskStore interface {
	CreateApprovalTask(ctx context.Context, reservationID int64) (int64, error)
	// ClaimApprovalTask moves a due task to processing; false means another worker owns it.
	ClaimApprovalTask(ctx context.Context, id int64) (bool, error)
	ResetProcessingApprovalTasks(ctx context.Context) (int64, error)
	// ReclaimStaleApprovalTasks requeues processing tasks whose claim is older than claimedBefore.
	ReclaimStaleApprovalTasks(ctx context.Context, claimedBefore time.Time) (int64, error)
	GetApprovalTask(ctx context.Context, id int64) (*models.ApprovalTask, error)
	GetPendingApprovalTasks(ctx context.Context, limit int) ([]*models.ApprovalTask, error)
	GetFailedApprovalTasks(ctx context.Context, limit int) ([]*models.ApprovalTask, error)
	UpdateApprovalTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error
	ListOrphanedPending(ctx context.Context, olderThan time.Time, limit int) ([]int64, error)
}

// Clock supplies the current time; services never call time.Now directly.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// ScheduleStore caches day schedules. Get returns nil, nil on a miss.
type ScheduleStore interface {
	GetSchedule(ctx context.Context, labID int64, date string) (*models.DaySchedule, error)
	SetSchedule(ctx context.Context, schedule *models.DaySchedule) error
	InvalidateSchedule(ctx context.Context, labID int64, date string) error
}
