package repository

import (
	"context"
	"sync"
	"time"

	"labreserve/internal/models"
)

type memoryEntry struct {
	schedule  models.DaySchedule
	expiresAt time.Time
}

// MemoryScheduleStore is the in-process schedule cache used without Redis
// and as the failover target.
type MemoryScheduleStore struct {
	schedules sync.Map
	ttl       time.Duration
	now       func() time.Time
}

func NewMemoryScheduleStore(ttl time.Duration) *MemoryScheduleStore {
	return &MemoryScheduleStore{
		ttl: ttl,
		now: time.Now,
	}
}

func (r *MemoryScheduleStore) GetSchedule(ctx context.Context, labID int64, date string) (*models.DaySchedule, error) {
	key := scheduleKey(labID, date)
	val, ok := r.schedules.Load(key)
	if !ok {
		return nil, nil
	}
	entry := val.(*memoryEntry)
	if r.ttl > 0 && r.now().After(entry.expiresAt) {
		r.schedules.Delete(key)
		return nil, nil
	}

	s := entry.schedule
	s.Entries = append([]models.ScheduleEntry(nil), entry.schedule.Entries...)
	return &s, nil
}

func (r *MemoryScheduleStore) SetSchedule(ctx context.Context, schedule *models.DaySchedule) error {
	entry := &memoryEntry{
		schedule:  *schedule,
		expiresAt: r.now().Add(r.ttl),
	}
	entry.schedule.Entries = append([]models.ScheduleEntry(nil), schedule.Entries...)
	r.schedules.Store(scheduleKey(schedule.LabID, schedule.Date), entry)
	return nil
}

func (r *MemoryScheduleStore) InvalidateSchedule(ctx context.Context, labID int64, date string) error {
	r.schedules.Delete(scheduleKey(labID, date))
	return nil
}
