package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"labreserve/internal/config"
	"labreserve/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisScheduleStore keeps day schedules as JSON values with a TTL.
type RedisScheduleStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient builds a Redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisScheduleStore(client *redis.Client, ttl time.Duration) *RedisScheduleStore {
	return &RedisScheduleStore{
		client: client,
		ttl:    ttl,
	}
}

func scheduleKey(labID int64, date string) string {
	return fmt.Sprintf("schedule:%d:%s", labID, date)
}

func (r *RedisScheduleStore) GetSchedule(ctx context.Context, labID int64, date string) (*models.DaySchedule, error) {
	if r.client == nil {
		return nil, errors.New("redis client is nil")
	}
	val, err := r.client.Get(ctx, scheduleKey(labID, date)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule from redis: %w", err)
	}

	var schedule models.DaySchedule
	if err := json.Unmarshal([]byte(val), &schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}
	return &schedule, nil
}

func (r *RedisScheduleStore) SetSchedule(ctx context.Context, schedule *models.DaySchedule) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}

	if err := r.client.Set(ctx, scheduleKey(schedule.LabID, schedule.Date), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set schedule in redis: %w", err)
	}
	return nil
}

func (r *RedisScheduleStore) InvalidateSchedule(ctx context.Context, labID int64, date string) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	if err := r.client.Del(ctx, scheduleKey(labID, date)).Err(); err != nil {
		return fmt.Errorf("failed to delete schedule from redis: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
