package models

import "time"

const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskRetry      = "retry"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// ApprovalTask is a queued evaluation of a pending reservation.
type ApprovalTask struct {
	ID            int64      `json:"id"`
	ReservationID int64      `json:"reservation_id"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	LastError     *string    `json:"last_error"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
	NextRetryAt   *time.Time `json:"next_retry_at"`
}

// ApprovalOutcome reports the result of evaluating one reservation.
// Changed is false when the reservation had already left pending.
type ApprovalOutcome struct {
	ReservationID  int64   `json:"reservation_id"`
	Status         Status  `json:"status"`
	Changed        bool    `json:"changed"`
	ConflictingIDs []int64 `json:"conflicting_ids,omitempty"`
}
