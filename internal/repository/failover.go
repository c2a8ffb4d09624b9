package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"labreserve/internal/domain"
	"labreserve/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverScheduleStore serves from primary until it errors, then from fallback,
// probing primary again once per recovery interval.
type FailoverScheduleStore struct {
	primary  domain.ScheduleStore
	fallback domain.ScheduleStore
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
	now       func() time.Time
}

func NewFailoverScheduleStore(primary, fallback domain.ScheduleStore, logger *zerolog.Logger) *FailoverScheduleStore {
	return &FailoverScheduleStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *FailoverScheduleStore) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary schedule store failed, falling back to memory")
	}
	r.mu.Lock()
	r.lastCheck = r.now()
	r.mu.Unlock()
}

func (r *FailoverScheduleStore) shouldProbe() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now().Sub(r.lastCheck) > recoveryInterval
}

// usePrimary reports whether the next call should go to primary.
func (r *FailoverScheduleStore) usePrimary() bool {
	return !r.isDown.Load() || r.shouldProbe()
}

func (r *FailoverScheduleStore) GetSchedule(ctx context.Context, labID int64, date string) (*models.DaySchedule, error) {
	if r.usePrimary() {
		schedule, err := r.primary.GetSchedule(ctx, labID, date)
		if err == nil {
			if r.isDown.Swap(false) {
				r.logger.Info().Msg("Primary schedule store recovered")
			}
			return schedule, nil
		}
		r.markDown(err)
	}

	return r.fallback.GetSchedule(ctx, labID, date)
}

func (r *FailoverScheduleStore) SetSchedule(ctx context.Context, schedule *models.DaySchedule) error {
	if r.usePrimary() {
		err := r.primary.SetSchedule(ctx, schedule)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}

	return r.fallback.SetSchedule(ctx, schedule)
}

// InvalidateSchedule clears both stores.
func (r *FailoverScheduleStore) InvalidateSchedule(ctx context.Context, labID int64, date string) error {
	fbErr := r.fallback.InvalidateSchedule(ctx, labID, date)
	if err := r.primary.InvalidateSchedule(ctx, labID, date); err != nil {
		r.markDown(err)
	}
	return fbErr
}
