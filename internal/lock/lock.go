package lock

import (
	"errors"
	"fmt"
	"time"

	"labreserve/internal/config"
	"labreserve/internal/domain"
	"labreserve/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// SlotKey names the lock guarding all reservations of one lab on one date.
func SlotKey(labID int64, date time.Time) string {
	return fmt.Sprintf("lab:%d:%s", labID, date.Format(models.DateLayout))
}

// New builds the locker selected by cfg. The redis backend requires a client.
func New(cfg config.LockingConfig, client *redis.Client, logger *zerolog.Logger) (domain.Locker, error) {
	switch cfg.Backend {
	case "", config.LockBackendLocal:
		return NewLocalLocker(), nil
	case config.LockBackendRedis:
		if client == nil {
			return nil, errors.New("redis lock backend requires a redis client")
		}
		return NewRedisLocker(client, cfg.TTL, cfg.RetryInterval, logger), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}
