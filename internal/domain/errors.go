package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrSlotConflict      = errors.New("slot conflicts with an active reservation")
	ErrNotFound          = errors.New("reservation not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrApprovalFailed    = errors.New("approval failed")
)

// Validation rule identifiers reported in ValidationError.Rule.
const (
	RuleDateInPast     = "date_in_past"
	RuleDateTooFar     = "date_too_far"
	RuleLeadTime       = "lead_time"
	RuleTimeOrder      = "time_order"
	RuleMinDuration    = "min_duration"
	RuleStudentCount   = "student_count"
	RuleCapacity       = "capacity"
	RuleUnknownLab     = "unknown_lab"
	RuleLabUnavailable = "lab_unavailable"
	RuleAlreadyStarted = "already_started"
)

// ValidationError names the first business rule a request violated.
type ValidationError struct {
	Rule    string
	Message string
}

func NewValidationError(rule, format string, args ...any) *ValidationError {
	return &ValidationError{Rule: rule, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
