package service

import (
	"context"
	"errors"
	"fmt"

	"labreserve/internal/conflict"
	"labreserve/internal/domain"
	"labreserve/internal/events"
	"labreserve/internal/lifecycle"
	"labreserve/internal/lock"
	"labreserve/internal/metrics"
	"labreserve/internal/models"

	"github.com/rs/zerolog"
)

// ApprovalEngine resolves pending reservations. Every reservation without a
// competing claim on its slot is approved; the first committer wins a contested slot.
type ApprovalEngine struct {
	repo     domain.ReservationRepository
	tx       domain.TxManager
	detector *conflict.Detector
	locker   domain.Locker
	eventBus domain.EventPublisher
	logger   *zerolog.Logger
}

func NewApprovalEngine(
	repo domain.ReservationRepository,
	tx domain.TxManager,
	locker domain.Locker,
	eventBus domain.EventPublisher,
	logger *zerolog.Logger,
) *ApprovalEngine {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &ApprovalEngine{
		repo:     repo,
		tx:       tx,
		detector: conflict.NewDetector(repo),
		locker:   locker,
		eventBus: eventBus,
		logger:   logger,
	}
}

// Evaluate approves or rejects a pending reservation. A reservation that already left
// pending is reported unchanged. Failures wrap domain.ErrApprovalFailed and leave the
// reservation pending; a missing reservation returns domain.ErrNotFound.
func (e *ApprovalEngine) Evaluate(ctx context.Context, id int64) (*models.ApprovalOutcome, error) {
	r, err := e.repo.GetReservation(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load reservation %d: %w", domain.ErrApprovalFailed, id, err)
	}
	if r.Status != models.StatusPending {
		return &models.ApprovalOutcome{ReservationID: id, Status: r.Status}, nil
	}

	key := lock.SlotKey(r.LabID, r.Date)
	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %w", domain.ErrApprovalFailed, key, err)
	}
	defer unlock()

	outcome := &models.ApprovalOutcome{ReservationID: id}
	var resolved *models.Reservation

	err = e.tx.DoSerializable(ctx, func(ctx context.Context) error {
		current, err := e.repo.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		outcome.Status = current.Status
		if current.Status != models.StatusPending {
			return nil
		}

		conflicts, err := e.detector.Conflicts(ctx, current.Slot(), current.ID)
		if err != nil {
			return err
		}
		next := models.StatusApproved
		if len(conflicts) > 0 {
			next = models.StatusRejected
			for _, c := range conflicts {
				outcome.ConflictingIDs = append(outcome.ConflictingIDs, c.ID)
			}
		}

		ok, err := e.repo.UpdateStatus(ctx, id, models.StatusPending, next)
		if err != nil {
			return err
		}
		if !ok {
			latest, err := e.repo.GetReservation(ctx, id)
			if err != nil {
				return err
			}
			outcome.Status = latest.Status
			return nil
		}

		current.Status = next
		outcome.Status = next
		outcome.Changed = true
		resolved = current
		return nil
	})
	if err != nil {
		metrics.IncApprovalFailure()
		e.logger.Error().Err(err).Int64("reservation_id", id).Msg("Approval evaluation failed")
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reservation %d: %w", domain.ErrApprovalFailed, id, err)
	}

	if resolved != nil {
		metrics.IncTransition(string(resolved.Status))
		reason := ""
		if len(outcome.ConflictingIDs) > 0 {
			reason = fmt.Sprintf("slot taken by reservation %d", outcome.ConflictingIDs[0])
		}
		e.logger.Info().
			Int64("reservation_id", id).
			Str("status", string(resolved.Status)).
			Ints64("conflicts", outcome.ConflictingIDs).
			Msg("Reservation evaluated")
		e.publishEvent(resolved, 0, reason)
	}
	return outcome, nil
}

// Reject lets an admin turn down a pending reservation regardless of conflicts.
func (e *ApprovalEngine) Reject(ctx context.Context, id int64, who models.Identity, reason string) error {
	if !who.IsAdmin() {
		return fmt.Errorf("user %d cannot reject reservations: %w", who.UserID, domain.ErrForbidden)
	}

	r, err := e.repo.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	if err := lifecycle.Transition(r.Status, models.StatusRejected); err != nil {
		return err
	}

	ok, err := e.repo.UpdateStatus(ctx, id, models.StatusPending, models.StatusRejected)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("reservation %d changed concurrently: %w", id, domain.ErrInvalidTransition)
	}
	r.Status = models.StatusRejected
	metrics.IncTransition(string(r.Status))

	e.logger.Info().Int64("reservation_id", id).Int64("by", who.UserID).Str("reason", reason).Msg("Reservation rejected by admin")
	e.publishEvent(r, who.UserID, reason)
	return nil
}

func (e *ApprovalEngine) publishEvent(r *models.Reservation, changedBy int64, reason string) {
	if e.eventBus == nil {
		return
	}
	eventType := events.EventTypeFor(r.Status)
	payload := events.NewReservationPayload(r, models.StatusPending, changedBy, reason)
	if err := e.eventBus.PublishJSON(eventType, payload); err != nil {
		e.logger.Error().Err(err).Str("event_type", eventType).Int64("reservation_id", r.ID).Msg("publish event error")
	}
}
