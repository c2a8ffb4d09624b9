package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"labreserve/internal/config"
	"labreserve/internal/domain"
	"labreserve/internal/metrics"
	"labreserve/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisQueueKey = "approval:queue"
	deadLetterKey = "approval:deadletter"
	batchSize     = 20

	// A processing task whose claim is older than claimLeaseFactor evaluate timeouts
	// is assumed lost and goes back to the queue.
	claimLeaseFactor = 2
)

// Evaluator decides a pending reservation.
type Evaluator interface {
	Evaluate(ctx context.Context, reservationID int64) (*models.ApprovalOutcome, error)
}

// ApprovalWorker runs approval evaluations off the submit path. Tasks are persisted
// first, then pushed to Redis or the in-process queue; polling the store picks up
// anything the fast path missed.
type ApprovalWorker struct {
	store           domain.ApprovalTaskStore
	evaluator       Evaluator
	redis           *redis.Client
	retryPolicy     RetryPolicy
	queue           chan models.ApprovalTask
	workers         int
	pollInterval    time.Duration
	sweepAge        time.Duration
	evaluateTimeout time.Duration
	claimLease      time.Duration
	logger          *zerolog.Logger
}

func NewApprovalWorker(
	store domain.ApprovalTaskStore,
	evaluator Evaluator,
	redisClient *redis.Client,
	cfg config.ApprovalConfig,
	logger *zerolog.Logger,
) *ApprovalWorker {
	retry := RetryPolicy{
		MaxRetries:    cfg.Retry.MaxRetries,
		InitialDelay:  cfg.Retry.InitialDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		BackoffFactor: cfg.Retry.BackoffFactor,
	}
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SweepAge <= 0 {
		cfg.SweepAge = time.Minute
	}
	if cfg.EvaluateTimeout <= 0 {
		cfg.EvaluateTimeout = 10 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &ApprovalWorker{
		store:           store,
		evaluator:       evaluator,
		redis:           redisClient,
		retryPolicy:     retry,
		queue:           make(chan models.ApprovalTask, cfg.QueueSize),
		workers:         cfg.Workers,
		pollInterval:    cfg.PollInterval,
		sweepAge:        cfg.SweepAge,
		evaluateTimeout: cfg.EvaluateTimeout,
		claimLease:      claimLeaseFactor * cfg.EvaluateTimeout,
		logger:          logger,
	}
}

// Schedule persists an approval task for the reservation and hands it to a worker.
// It never waits for the evaluation.
func (w *ApprovalWorker) Schedule(ctx context.Context, reservationID int64) error {
	if reservationID == 0 {
		return errors.New("reservation id is required")
	}

	id, err := w.store.CreateApprovalTask(ctx, reservationID)
	if err != nil {
		return fmt.Errorf("persist approval task: %w", err)
	}
	task := models.ApprovalTask{
		ID:            id,
		ReservationID: reservationID,
		Status:        models.TaskPending,
		CreatedAt:     time.Now(),
	}

	if w.redis != nil {
		if err := w.pushRedis(ctx, task); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", id).Msg("Redis push failed, using in-memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- task:
		metrics.SetApprovalQueueDepth(len(w.queue))
	default:
		w.logger.Warn().Int64("task_id", id).Msg("In-memory approval queue full, task left to polling")
	}
	return nil
}

// Start runs the workers and the orphan sweep until ctx is done.
func (w *ApprovalWorker) Start(ctx context.Context) {
	w.logger.Info().Int("workers", w.workers).Msg("Approval worker started")
	defer w.logger.Info().Msg("Approval worker stopped")

	if n, err := w.store.ResetProcessingApprovalTasks(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Failed to reset abandoned approval tasks")
	} else if n > 0 {
		w.logger.Info().Int64("count", n).Msg("Requeued abandoned approval tasks")
	}

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.sweepLoop(ctx)
	}()

	wg.Wait()
}

func (w *ApprovalWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		tasks, err := w.store.GetPendingApprovalTasks(ctx, batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Msg("Failed to fetch pending approval tasks")
		}
		if len(tasks) > 0 {
			for _, t := range tasks {
				w.processTask(ctx, t)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case t := <-w.queue:
			metrics.SetApprovalQueueDepth(len(w.queue))
			w.processTask(ctx, &t)
		case <-time.After(w.pollInterval):
		}
	}
}

func (w *ApprovalWorker) tryLocalQueue() (models.ApprovalTask, bool) {
	select {
	case t := <-w.queue:
		metrics.SetApprovalQueueDepth(len(w.queue))
		return t, true
	default:
		return models.ApprovalTask{}, false
	}
}

func (w *ApprovalWorker) tryRedis(ctx context.Context) (models.ApprovalTask, bool) {
	if w.redis == nil {
		return models.ApprovalTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return models.ApprovalTask{}, false
		}
		w.logger.Error().Err(err).Msg("Redis BRPOP failed")
		return models.ApprovalTask{}, false
	}
	if len(res) != 2 {
		return models.ApprovalTask{}, false
	}
	var task models.ApprovalTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("Failed to decode approval task from redis")
		return models.ApprovalTask{}, false
	}
	return task, true
}

func (w *ApprovalWorker) processTask(ctx context.Context, queued *models.ApprovalTask) {
	log := w.logger.With().Int64("task_id", queued.ID).Int64("reservation_id", queued.ReservationID).Logger()

	claimed, err := w.store.ClaimApprovalTask(ctx, queued.ID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to claim approval task")
		return
	}
	if !claimed {
		return
	}

	task, err := w.store.GetApprovalTask(ctx, queued.ID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load claimed approval task")
		return
	}

	evalCtx, cancel := context.WithTimeout(ctx, w.evaluateTimeout)
	defer cancel()

	started := time.Now()
	outcome, err := w.evaluator.Evaluate(evalCtx, task.ReservationID)
	metrics.ObserveApproval(time.Since(started))

	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			w.failTask(ctx, task, err)
			return
		}
		w.retryOrFail(ctx, task, err)
		return
	}

	if err := w.store.UpdateApprovalTaskStatus(ctx, task.ID, models.TaskCompleted, "", nil); err != nil {
		log.Error().Err(err).Msg("Failed to mark approval task completed")
	}
	log.Debug().Str("status", string(outcome.Status)).Bool("changed", outcome.Changed).Msg("Approval task completed")
}

func (w *ApprovalWorker) retryOrFail(ctx context.Context, task *models.ApprovalTask, cause error) {
	attempt := task.RetryCount + 1
	if w.retryPolicy.Exhausted(attempt) {
		w.failTask(ctx, task, cause)
		return
	}

	nextTime := w.retryPolicy.NextAttemptAt(time.Now(), attempt)
	if err := w.store.UpdateApprovalTaskStatus(ctx, task.ID, models.TaskRetry, cause.Error(), &nextTime); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to schedule approval retry")
		return
	}
	w.logger.Warn().Err(cause).Int64("task_id", task.ID).Int("attempt", attempt).Time("next_retry_at", nextTime).
		Msg("Approval evaluation failed, will retry")
}

func (w *ApprovalWorker) failTask(ctx context.Context, task *models.ApprovalTask, cause error) {
	if err := w.store.UpdateApprovalTaskStatus(ctx, task.ID, models.TaskFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to mark approval task failed")
	}
	w.logger.Error().Err(cause).Int64("task_id", task.ID).Int64("reservation_id", task.ReservationID).
		Msg("Approval task moved to dead letters")
	w.pushDeadLetter(ctx, task, cause)
}

func (w *ApprovalWorker) sweepLoop(ctx context.Context) {
	interval := w.sweepAge / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("Pending reservation sweep failed")
			}
		}
	}
}

// Sweep requeues tasks stuck in processing past their claim lease, then schedules
// pending reservations older than the sweep age that have no open task.
func (w *ApprovalWorker) Sweep(ctx context.Context) (int, error) {
	reclaimed, err := w.store.ReclaimStaleApprovalTasks(ctx, time.Now().Add(-w.claimLease))
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		w.logger.Warn().Int64("count", reclaimed).Msg("Requeued approval tasks with expired claims")
	}

	ids, err := w.store.ListOrphanedPending(ctx, time.Now().Add(-w.sweepAge), batchSize)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := w.Schedule(ctx, id); err != nil {
			return 0, err
		}
	}
	if len(ids) > 0 {
		w.logger.Info().Int("count", len(ids)).Msg("Scheduled orphaned pending reservations")
	}
	return len(ids), nil
}

// ListFailed returns dead-lettered approval tasks, newest first.
func (w *ApprovalWorker) ListFailed(ctx context.Context, limit int) ([]*models.ApprovalTask, error) {
	if limit <= 0 {
		limit = 100
	}
	return w.store.GetFailedApprovalTasks(ctx, limit)
}

// Requeue gives a failed task a fresh retry budget and hands it back to the workers.
func (w *ApprovalWorker) Requeue(ctx context.Context, taskID int64) error {
	task, err := w.store.GetApprovalTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("approval task %d: %w", taskID, domain.ErrNotFound)
	}
	if task.Status != models.TaskFailed {
		return fmt.Errorf("approval task %d is %s: %w", taskID, task.Status, domain.ErrInvalidTransition)
	}

	if err := w.store.UpdateApprovalTaskStatus(ctx, taskID, models.TaskPending, "", nil); err != nil {
		return err
	}
	task.Status = models.TaskPending
	task.RetryCount = 0
	w.logger.Info().Int64("task_id", taskID).Int64("reservation_id", task.ReservationID).Msg("Approval task requeued")

	if w.redis != nil {
		if err := w.redis.HDel(ctx, deadLetterKey, strconv.FormatInt(taskID, 10)).Err(); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", taskID).Msg("Failed to remove dead letter")
		}
		if err := w.pushRedis(ctx, *task); err == nil {
			return nil
		}
	}

	select {
	case w.queue <- *task:
		metrics.SetApprovalQueueDepth(len(w.queue))
	default:
	}
	return nil
}

func (w *ApprovalWorker) pushRedis(ctx context.Context, task models.ApprovalTask) error {
	if w.redis == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, redisQueueKey, data).Err()
}

type deadLetter struct {
	Task     models.ApprovalTask `json:"task"`
	Error    string              `json:"error"`
	FailedAt time.Time           `json:"failed_at"`
}

func (w *ApprovalWorker) pushDeadLetter(ctx context.Context, task *models.ApprovalTask, cause error) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(deadLetter{Task: *task, Error: cause.Error(), FailedAt: time.Now().UTC()})
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to encode dead letter")
		return
	}
	if err := w.redis.HSet(ctx, deadLetterKey, strconv.FormatInt(task.ID, 10), data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to push dead letter")
	}
}
