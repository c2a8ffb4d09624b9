package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"labreserve/internal/config"
	"labreserve/internal/conflict"
	"labreserve/internal/domain"
	"labreserve/internal/events"
	"labreserve/internal/lifecycle"
	"labreserve/internal/lock"
	"labreserve/internal/metrics"
	"labreserve/internal/models"

	"github.com/rs/zerolog"
)

// maxPurposeLength is counted in characters, not bytes.
const maxPurposeLength = 500

func truncateRunes(s string, limit int) string {
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

// ScheduleReader serves day schedules, typically through a cache.
type ScheduleReader interface {
	DaySchedule(ctx context.Context, labID int64, date time.Time) (*models.DaySchedule, error)
}

// SubmitRequest is a booking request as received from a transport.
type SubmitRequest struct {
	UserID       int64
	LabID        int64
	Date         time.Time
	Start        models.TimeOfDay
	End          models.TimeOfDay
	Purpose      string
	StudentCount int
}

func (r SubmitRequest) slot() models.Slot {
	return models.Slot{LabID: r.LabID, Date: models.DateOf(r.Date), Start: r.Start, End: r.End}
}

// ListFilter narrows the admin listing.
type ListFilter struct {
	Statuses []models.Status
	LabID    int64
	From     time.Time
	To       time.Time
	Limit    int
}

type BookingDeps struct {
	Repo      domain.ReservationRepository
	Tx        domain.TxManager
	Labs      domain.LabCatalog
	Locker    domain.Locker
	Events    domain.EventPublisher
	Approvals domain.ApprovalScheduler
	Schedules ScheduleReader
	Clock     domain.Clock
	Location  *time.Location
}

type BookingService struct {
	repo      domain.ReservationRepository
	tx        domain.TxManager
	labs      domain.LabCatalog
	detector  *conflict.Detector
	locker    domain.Locker
	eventBus  domain.EventPublisher
	approvals domain.ApprovalScheduler
	schedules ScheduleReader
	clock     domain.Clock
	loc       *time.Location
	cfg       config.BookingConfig
	logger    *zerolog.Logger
}

func NewBookingService(deps BookingDeps, cfg config.BookingConfig, logger *zerolog.Logger) *BookingService {
	if cfg.MinLeadTime == 0 {
		cfg.MinLeadTime = 30 * time.Minute
	}
	if cfg.MinDuration == 0 {
		cfg.MinDuration = 60 * time.Minute
	}
	if cfg.MaxAdvanceDays == 0 {
		cfg.MaxAdvanceDays = 365
	}
	if deps.Clock == nil {
		deps.Clock = domain.RealClock{}
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &BookingService{
		repo:      deps.Repo,
		tx:        deps.Tx,
		labs:      deps.Labs,
		detector:  conflict.NewDetector(deps.Repo),
		locker:    deps.Locker,
		eventBus:  deps.Events,
		approvals: deps.Approvals,
		schedules: deps.Schedules,
		clock:     deps.Clock,
		loc:       deps.Location,
		cfg:       cfg,
		logger:    logger,
	}
}

// Today returns the current calendar date in the service location.
func (s *BookingService) Today() time.Time {
	return models.DateOf(s.clock.Now().In(s.loc))
}

// Validate applies the booking rules in order and returns the first violation.
// It does not look for conflicts.
func (s *BookingService) Validate(req SubmitRequest) error {
	now := s.clock.Now().In(s.loc)
	today := models.DateOf(now)
	date := models.DateOf(req.Date)

	if date.Before(today) {
		return domain.NewValidationError(domain.RuleDateInPast, "date %s is in the past", date.Format(models.DateLayout))
	}
	if limit := today.AddDate(0, 0, s.cfg.MaxAdvanceDays); date.After(limit) {
		return domain.NewValidationError(domain.RuleDateTooFar, "date %s is more than %d days ahead",
			date.Format(models.DateLayout), s.cfg.MaxAdvanceDays)
	}
	if date.Equal(today) {
		earliest := now.Add(s.cfg.MinLeadTime)
		if req.slot().StartsAt(s.loc).Before(earliest) {
			return domain.NewValidationError(domain.RuleLeadTime, "start %s must be at least %s from now",
				req.Start, s.cfg.MinLeadTime)
		}
	}
	if req.Start >= req.End {
		return domain.NewValidationError(domain.RuleTimeOrder, "start %s must be before end %s", req.Start, req.End)
	}
	if minutes := req.slot().DurationMinutes(); time.Duration(minutes)*time.Minute < s.cfg.MinDuration {
		return domain.NewValidationError(domain.RuleMinDuration, "duration %d min is shorter than %s",
			minutes, s.cfg.MinDuration)
	}

	return s.validateLab(req)
}

func (s *BookingService) validateLab(req SubmitRequest) error {
	if req.StudentCount <= 0 {
		return domain.NewValidationError(domain.RuleStudentCount, "student count must be positive, got %d", req.StudentCount)
	}
	if s.labs == nil {
		return nil
	}

	lab, ok := s.labs.GetLab(req.LabID)
	if !ok {
		return domain.NewValidationError(domain.RuleUnknownLab, "lab %d does not exist", req.LabID)
	}
	if !lab.Bookable() {
		return domain.NewValidationError(domain.RuleLabUnavailable, "lab %s is under maintenance", lab.Name)
	}
	if lab.Capacity > 0 && req.StudentCount > lab.Capacity {
		return domain.NewValidationError(domain.RuleCapacity, "%d students exceed capacity %d of lab %s",
			req.StudentCount, lab.Capacity, lab.Name)
	}
	return nil
}

// Submit validates and stores a pending reservation, then schedules its approval.
// The returned reservation is always pending; the outcome arrives as a later event.
func (s *BookingService) Submit(ctx context.Context, req SubmitRequest) (*models.Reservation, error) {
	req.Date = models.DateOf(req.Date)
	req.Purpose = strings.TrimSpace(req.Purpose)
	req.Purpose = truncateRunes(req.Purpose, maxPurposeLength)

	if err := s.Validate(req); err != nil {
		metrics.IncSubmission("invalid")
		return nil, err
	}

	r := &models.Reservation{
		UserID:       req.UserID,
		LabID:        req.LabID,
		Date:         req.Date,
		StartTime:    req.Start,
		EndTime:      req.End,
		Purpose:      req.Purpose,
		StudentCount: req.StudentCount,
		Status:       lifecycle.Initial,
	}

	if err := s.insertIfFree(ctx, r); err != nil {
		if errors.Is(err, domain.ErrSlotConflict) {
			metrics.IncSubmission("conflict")
		} else {
			metrics.IncSubmission("error")
		}
		return nil, err
	}
	metrics.IncSubmission("accepted")
	metrics.IncTransition(string(r.Status))

	s.logger.Info().
		Int64("reservation_id", r.ID).
		Int64("user_id", r.UserID).
		Str("slot", r.Slot().String()).
		Msg("Reservation submitted")

	s.publishEvent(r, "", r.UserID, "")

	if s.approvals != nil {
		if err := s.approvals.Schedule(ctx, r.ID); err != nil {
			s.logger.Error().Err(err).Int64("reservation_id", r.ID).Msg("Failed to schedule approval, left to sweep")
		}
	}

	return r.Clone(), nil
}

// insertIfFree runs the conflict check and the insert as one unit per (lab, date).
func (s *BookingService) insertIfFree(ctx context.Context, r *models.Reservation) error {
	unlock, err := s.locker.Lock(ctx, lock.SlotKey(r.LabID, r.Date))
	if err != nil {
		return fmt.Errorf("lock %s: %w", r.Slot(), err)
	}
	defer unlock()

	return s.tx.DoSerializable(ctx, func(ctx context.Context) error {
		conflicts, err := s.detector.Conflicts(ctx, r.Slot(), conflict.NoExclusion)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			c := conflicts[0]
			return fmt.Errorf("%w: reservation %d holds %s-%s", domain.ErrSlotConflict, c.ID, c.StartTime, c.EndTime)
		}
		return s.repo.InsertReservation(ctx, r)
	})
}

// Cancel moves a pending or approved reservation to cancelled on behalf of its owner or an admin.
func (s *BookingService) Cancel(ctx context.Context, id int64, who models.Identity) error {
	r, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	if !who.CanManage(r.UserID) {
		return fmt.Errorf("user %d cannot cancel reservation %d: %w", who.UserID, id, domain.ErrForbidden)
	}
	if err := lifecycle.Transition(r.Status, models.StatusCancelled); err != nil {
		return err
	}
	if s.cfg.BlockCancelAfterStart && !who.IsAdmin() {
		if !s.clock.Now().Before(r.Slot().StartsAt(s.loc)) {
			return domain.NewValidationError(domain.RuleAlreadyStarted, "reservation %d has already started", id)
		}
	}

	previous := r.Status
	ok, err := s.repo.UpdateStatus(ctx, id, previous, models.StatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("reservation %d changed concurrently: %w", id, domain.ErrInvalidTransition)
	}
	r.Status = models.StatusCancelled
	metrics.IncTransition(string(r.Status))

	s.logger.Info().
		Int64("reservation_id", id).
		Int64("by", who.UserID).
		Str("previous", string(previous)).
		Msg("Reservation cancelled")
	s.publishEvent(r, previous, who.UserID, "")
	return nil
}

// Get returns a reservation visible to who.
func (s *BookingService) Get(ctx context.Context, id int64, who models.Identity) (*models.Reservation, error) {
	r, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !who.CanManage(r.UserID) {
		return nil, fmt.Errorf("user %d cannot view reservation %d: %w", who.UserID, id, domain.ErrForbidden)
	}
	return r, nil
}

func (s *BookingService) ListForUser(ctx context.Context, userID int64) ([]*models.Reservation, error) {
	return s.repo.ListReservations(ctx, models.ReservationFilter{UserID: userID})
}

// List is the admin view over all reservations.
func (s *BookingService) List(ctx context.Context, who models.Identity, filter ListFilter) ([]*models.Reservation, error) {
	if !who.IsAdmin() {
		return nil, fmt.Errorf("listing all reservations: %w", domain.ErrForbidden)
	}
	return s.repo.ListReservations(ctx, models.ReservationFilter{
		LabID:    filter.LabID,
		Statuses: filter.Statuses,
		From:     filter.From,
		To:       filter.To,
		Limit:    filter.Limit,
	})
}

func (s *BookingService) Stats(ctx context.Context) (*models.ReservationStats, error) {
	return s.repo.GetStats(ctx, s.Today())
}

// DaySchedule returns the slots held on a lab for one date.
func (s *BookingService) DaySchedule(ctx context.Context, labID int64, date time.Time) (*models.DaySchedule, error) {
	date = models.DateOf(date)
	if s.schedules != nil {
		return s.schedules.DaySchedule(ctx, labID, date)
	}
	reservations, err := s.repo.FindReservations(ctx, labID, date, models.ActiveStatuses)
	if err != nil {
		return nil, err
	}
	return models.NewDaySchedule(labID, date, reservations), nil
}

func (s *BookingService) Labs() []*models.Lab {
	if s.labs == nil {
		return nil
	}
	return s.labs.GetLabs()
}

func (s *BookingService) publishEvent(r *models.Reservation, previous models.Status, changedBy int64, reason string) {
	if s.eventBus == nil {
		return
	}
	eventType := events.EventTypeFor(r.Status)
	payload := events.NewReservationPayload(r, previous, changedBy, reason)
	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Int64("reservation_id", r.ID).Msg("publish event error")
	}
}
