package repository

import (
	"context"
	"testing"
	"time"

	"labreserve/internal/config"
	"labreserve/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSchedule() *models.DaySchedule {
	return &models.DaySchedule{
		LabID: 3,
		Date:  "2025-06-10",
		Entries: []models.ScheduleEntry{
			{
				ReservationID: 7,
				UserID:        42,
				Start:         models.MustTimeOfDay("09:00"),
				End:           models.MustTimeOfDay("10:00"),
				Purpose:       "Chemistry practicum",
				Status:        models.StatusApproved,
			},
		},
	}
}

func TestRedisScheduleStore(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	store := NewRedisScheduleStore(client, time.Minute)
	ctx := context.Background()

	t.Run("Miss", func(t *testing.T) {
		got, err := store.GetSchedule(ctx, 3, "2025-06-11")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, store.SetSchedule(ctx, sampleSchedule()))
		assert.True(t, s.Exists("schedule:3:2025-06-10"))

		got, err := store.GetSchedule(ctx, 3, "2025-06-10")
		require.NoError(t, err)
		assert.Equal(t, sampleSchedule(), got)
	})

	t.Run("Expiry", func(t *testing.T) {
		require.NoError(t, store.SetSchedule(ctx, sampleSchedule()))
		s.FastForward(time.Minute + time.Second)

		got, err := store.GetSchedule(ctx, 3, "2025-06-10")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Invalidate", func(t *testing.T) {
		require.NoError(t, store.SetSchedule(ctx, sampleSchedule()))
		require.NoError(t, store.InvalidateSchedule(ctx, 3, "2025-06-10"))
		assert.False(t, s.Exists("schedule:3:2025-06-10"))
	})

	t.Run("CorruptValue", func(t *testing.T) {
		require.NoError(t, s.Set("schedule:9:2025-06-10", "{not json"))
		_, err := store.GetSchedule(ctx, 9, "2025-06-10")
		assert.Error(t, err)
	})

	t.Run("NilClient", func(t *testing.T) {
		nilStore := NewRedisScheduleStore(nil, time.Minute)
		_, err := nilStore.GetSchedule(ctx, 1, "2025-06-10")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "redis client is nil")
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, Ping(ctx, client))
	})

	t.Run("Close", func(t *testing.T) {
		assert.NoError(t, Close(client))
		assert.NoError(t, Close(nil))
	})
}
