package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"labreserve/internal/domain"
	"labreserve/internal/events"
	"labreserve/internal/models"

	"github.com/rs/zerolog"
)

const invalidateTimeout = 2 * time.Second

// ScheduleCache is a read-through projection of active reservations per lab and date.
// The reservation store stays authoritative; cache errors only cost a reload.
//
// A load that overlaps an invalidation in this process is not written back. An
// invalidation published by another process is not seen here, so a shared store
// may serve a schedule up to the store TTL old. Conflict checks never read it.
type ScheduleCache struct {
	store  domain.ScheduleStore
	finder domain.ReservationFinder
	logger *zerolog.Logger

	mu          sync.Mutex
	generations map[string]uint64
}

func NewScheduleCache(store domain.ScheduleStore, finder domain.ReservationFinder, logger *zerolog.Logger) *ScheduleCache {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &ScheduleCache{
		store:       store,
		finder:      finder,
		logger:      logger,
		generations: make(map[string]uint64),
	}
}

// DaySchedule returns the active reservations of labID on date.
func (c *ScheduleCache) DaySchedule(ctx context.Context, labID int64, date time.Time) (*models.DaySchedule, error) {
	day := date.Format(models.DateLayout)
	key := scheduleKey(labID, day)
	gen := c.generation(key)

	if c.store != nil {
		cached, err := c.store.GetSchedule(ctx, labID, day)
		if err != nil {
			c.logger.Warn().Err(err).Int64("lab_id", labID).Str("date", day).Msg("Schedule cache read failed")
		} else if cached != nil {
			return cached, nil
		}
	}

	reservations, err := c.finder.FindReservations(ctx, labID, date, models.ActiveStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	schedule := models.NewDaySchedule(labID, date, reservations)

	if c.store != nil {
		c.storeIfCurrent(ctx, key, gen, schedule)
	}
	return schedule, nil
}

func (c *ScheduleCache) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[key]
}

// storeIfCurrent writes schedule unless key was invalidated since gen was read.
// The write runs under mu so a concurrent invalidation either sees it and deletes
// it, or bumps the generation first.
func (c *ScheduleCache) storeIfCurrent(ctx context.Context, key string, gen uint64, schedule *models.DaySchedule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[key] != gen {
		c.logger.Debug().Str("key", key).Msg("Schedule invalidated during load, not cached")
		return
	}
	if err := c.store.SetSchedule(ctx, schedule); err != nil {
		c.logger.Warn().Err(err).Int64("lab_id", schedule.LabID).Str("date", schedule.Date).Msg("Schedule cache write failed")
	}
}

// HandleEvent drops the cached schedule touched by a lifecycle event.
func (c *ScheduleCache) HandleEvent(event *events.Event) error {
	if c.store == nil {
		return nil
	}
	payload, err := events.DecodeReservationPayload(event)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.generations[scheduleKey(payload.LabID, payload.Date)]++
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()
	if err := c.store.InvalidateSchedule(ctx, payload.LabID, payload.Date); err != nil {
		return fmt.Errorf("invalidate schedule lab %d %s: %w", payload.LabID, payload.Date, err)
	}
	return nil
}

// Subscribe registers the cache for every lifecycle event on bus.
func (c *ScheduleCache) Subscribe(bus *events.EventBus) {
	bus.Subscribe(c.HandleEvent, events.LifecycleEvents...)
}
