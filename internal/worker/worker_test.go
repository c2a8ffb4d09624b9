package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"labreserve/internal/config"
	"labreserve/internal/database"
	"labreserve/internal/domain"
	"labreserve/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvaluator struct {
	mu    sync.Mutex
	calls map[int64]int
	err   error
}

func newFakeEvaluator(err error) *fakeEvaluator {
	return &fakeEvaluator{calls: make(map[int64]int), err: err}
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, reservationID int64) (*models.ApprovalOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[reservationID]++
	if f.err != nil {
		return nil, f.err
	}
	return &models.ApprovalOutcome{ReservationID: reservationID, Status: models.StatusApproved, Changed: true}, nil
}

func (f *fakeEvaluator) count(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConfig() config.ApprovalConfig {
	return config.ApprovalConfig{
		Workers:         2,
		QueueSize:       16,
		PollInterval:    20 * time.Millisecond,
		SweepAge:        time.Minute,
		EvaluateTimeout: time.Second,
		Retry: config.RetryConfig{
			MaxRetries:    3,
			InitialDelay:  time.Second,
			MaxDelay:      time.Minute,
			BackoffFactor: 2,
		},
	}
}

func insertPending(t *testing.T, db *database.DB) int64 {
	t.Helper()
	r := &models.Reservation{
		UserID:       42,
		LabID:        3,
		Date:         time.Date(2030, 6, 10, 0, 0, 0, 0, time.UTC),
		StartTime:    models.MustTimeOfDay("09:00"),
		EndTime:      models.MustTimeOfDay("10:00"),
		Purpose:      "practicum",
		StudentCount: 10,
		Status:       models.StatusPending,
	}
	require.NoError(t, db.InsertReservation(context.Background(), r))
	return r.ID
}

func TestProcessTaskSuccess(t *testing.T) {
	db := newTestDB(t)
	eval := newFakeEvaluator(nil)
	w := NewApprovalWorker(db, eval, nil, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, w.Schedule(ctx, 11))

	task, ok := w.tryLocalQueue()
	require.True(t, ok, "expected task in local queue")
	w.processTask(ctx, &task)

	stored, err := db.GetApprovalTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Equal(t, 1, eval.count(11))
}

func TestProcessTaskClaimedOnce(t *testing.T) {
	db := newTestDB(t)
	eval := newFakeEvaluator(nil)
	w := NewApprovalWorker(db, eval, nil, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, w.Schedule(ctx, 12))
	task, ok := w.tryLocalQueue()
	require.True(t, ok)

	w.processTask(ctx, &task)
	w.processTask(ctx, &task)
	assert.Equal(t, 1, eval.count(12))
}

func TestProcessTaskRetry(t *testing.T) {
	db := newTestDB(t)
	eval := newFakeEvaluator(fmt.Errorf("lock timeout: %w", domain.ErrApprovalFailed))
	w := NewApprovalWorker(db, eval, nil, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, w.Schedule(ctx, 13))
	task, ok := w.tryLocalQueue()
	require.True(t, ok)
	w.processTask(ctx, &task)

	stored, err := db.GetApprovalTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRetry, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.NextRetryAt)
	assert.True(t, stored.NextRetryAt.After(time.Now()))
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "lock timeout")
}

func TestProcessTaskFailToDeadLetter(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	db := newTestDB(t)
	cfg := testConfig()
	cfg.Retry.MaxRetries = 1
	w := NewApprovalWorker(db, newFakeEvaluator(errors.New("fatal")), client, cfg, nil)
	ctx := context.Background()

	require.NoError(t, w.Schedule(ctx, 14))
	task, ok := w.tryRedis(ctx)
	require.True(t, ok, "expected task in redis queue")
	w.processTask(ctx, &task)

	stored, err := db.GetApprovalTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, stored.Status)
	assert.Equal(t, []string{fmt.Sprint(task.ID)}, client.HKeys(ctx, deadLetterKey).Val())

	failed, err := w.ListFailed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, int64(14), failed[0].ReservationID)

	t.Run("Requeue", func(t *testing.T) {
		require.NoError(t, w.Requeue(ctx, task.ID))

		stored, err := db.GetApprovalTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskPending, stored.Status)
		assert.Equal(t, 0, stored.RetryCount)
		assert.Zero(t, client.HLen(ctx, deadLetterKey).Val())

		requeued, ok := w.tryRedis(ctx)
		require.True(t, ok)
		assert.Equal(t, task.ID, requeued.ID)
	})

	t.Run("RequeueNotFailed", func(t *testing.T) {
		err := w.Requeue(ctx, task.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("RequeueUnknown", func(t *testing.T) {
		err := w.Requeue(ctx, 9999)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestProcessTaskNotFoundFailsImmediately(t *testing.T) {
	db := newTestDB(t)
	eval := newFakeEvaluator(fmt.Errorf("reservation 15: %w", domain.ErrNotFound))
	w := NewApprovalWorker(db, eval, nil, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, w.Schedule(ctx, 15))
	task, ok := w.tryLocalQueue()
	require.True(t, ok)
	w.processTask(ctx, &task)

	stored, err := db.GetApprovalTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, stored.Status)
}

func TestSweepSchedulesOrphans(t *testing.T) {
	db := newTestDB(t)
	cfg := testConfig()
	cfg.SweepAge = time.Millisecond
	w := NewApprovalWorker(db, newFakeEvaluator(nil), nil, cfg, nil)
	ctx := context.Background()

	id := insertPending(t, db)
	time.Sleep(5 * time.Millisecond)

	n, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, ok := w.tryLocalQueue()
	require.True(t, ok)
	assert.Equal(t, id, task.ReservationID)

	n, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a reservation with an open task is not swept again")
}

func TestStartProcessesScheduledTasks(t *testing.T) {
	db := newTestDB(t)
	eval := newFakeEvaluator(nil)
	w := NewApprovalWorker(db, eval, nil, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.NoError(t, w.Schedule(context.Background(), 21))
	require.NoError(t, w.Schedule(context.Background(), 22))

	require.Eventually(t, func() bool {
		return eval.count(21) == 1 && eval.count(22) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestScheduleRequiresReservation(t *testing.T) {
	w := NewApprovalWorker(newTestDB(t), newFakeEvaluator(nil), nil, testConfig(), nil)
	assert.Error(t, w.Schedule(context.Background(), 0))
}

func TestRetryPolicyNextDelay(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, policy.NextDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextDelay(2))
	assert.Equal(t, 5*time.Second, policy.NextDelay(5), "capped")
	assert.Equal(t, time.Second, policy.NextDelay(0))
}

func TestRetryPolicyExhausted(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialDelay: time.Second}

	assert.False(t, policy.Exhausted(2))
	assert.True(t, policy.Exhausted(3))
	assert.False(t, RetryPolicy{}.Exhausted(100), "zero MaxRetries retries forever")

	now := time.Date(2025, 6, 9, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(2*time.Second), RetryPolicy{InitialDelay: time.Second, BackoffFactor: 2}.NextAttemptAt(now, 2))
	assert.Equal(t, 30*time.Second, RetryPolicy{InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 30 * time.Second}.NextDelay(200))
}

// flakyStatusStore fails the first n status writes.
type flakyStatusStore struct {
	*database.DB
	mu       sync.Mutex
	failures int
}

func (s *flakyStatusStore) UpdateApprovalTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("database is locked")
	}
	s.mu.Unlock()
	return s.DB.UpdateApprovalTaskStatus(ctx, id, status, errMsg, nextRetryAt)
}

func TestLostStatusWriteIsReclaimed(t *testing.T) {
	db := newTestDB(t)
	store := &flakyStatusStore{DB: db, failures: 1}
	eval := newFakeEvaluator(fmt.Errorf("busy: %w", domain.ErrApprovalFailed))
	cfg := testConfig()
	cfg.EvaluateTimeout = 20 * time.Millisecond
	w := NewApprovalWorker(store, eval, nil, cfg, nil)
	ctx := context.Background()

	reservationID := insertPending(t, db)
	require.NoError(t, w.Schedule(ctx, reservationID))
	task, ok := w.tryLocalQueue()
	require.True(t, ok)
	w.processTask(ctx, &task)

	stored, err := db.GetApprovalTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskProcessing, stored.Status, "the retry write was lost")

	_, err = w.Sweep(ctx)
	require.NoError(t, err)
	due, err := db.GetPendingApprovalTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "a fresh claim is still leased")

	time.Sleep(3 * cfg.EvaluateTimeout)
	_, err = w.Sweep(ctx)
	require.NoError(t, err)

	due, err = db.GetPendingApprovalTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, task.ID, due[0].ID)

	eval.mu.Lock()
	eval.err = nil
	eval.mu.Unlock()
	w.processTask(ctx, due[0])

	stored, err = db.GetApprovalTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, stored.Status)
	assert.Equal(t, 2, eval.count(reservationID))
}
