package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"labreserve/internal/models"
)

const approvalTaskColumns = `id, reservation_id, status, retry_count, last_error, created_at, processed_at, next_retry_at`

func scanApprovalTasks(rows *sql.Rows) ([]*models.ApprovalTask, error) {
	var tasks []*models.ApprovalTask
	for rows.Next() {
		var t models.ApprovalTask
		err := rows.Scan(
			&t.ID, &t.ReservationID, &t.Status, &t.RetryCount, &t.LastError, &t.CreatedAt, &t.ProcessedAt, &t.NextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate approval tasks: %w", err)
	}
	return tasks, nil
}

// CreateApprovalTask queues a reservation for evaluation and returns the task id.
func (db *DB) CreateApprovalTask(ctx context.Context, reservationID int64) (int64, error) {
	query := `INSERT INTO approval_tasks (reservation_id, status, retry_count, created_at) VALUES (?, ?, 0, ?)`
	result, err := db.executor(ctx).ExecContext(ctx, query, reservationID, models.TaskPending, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to create approval task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, nil
}

func (db *DB) GetApprovalTask(ctx context.Context, id int64) (*models.ApprovalTask, error) {
	rows, err := db.executor(ctx).QueryContext(ctx,
		`SELECT `+approvalTaskColumns+` FROM approval_tasks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get approval task: %w", err)
	}
	defer rows.Close()

	tasks, err := scanApprovalTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("approval task %d: %w", id, sql.ErrNoRows)
	}
	return tasks[0], nil
}

// ClaimApprovalTask moves a pending or retry task to processing and stamps the claim time.
func (db *DB) ClaimApprovalTask(ctx context.Context, id int64) (bool, error) {
	result, err := db.executor(ctx).ExecContext(ctx,
		`UPDATE approval_tasks SET status = ?, claimed_at = ? WHERE id = ? AND status IN (?, ?)`,
		models.TaskProcessing, time.Now().UTC(), id, models.TaskPending, models.TaskRetry)
	if err != nil {
		return false, fmt.Errorf("failed to claim approval task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// ResetProcessingApprovalTasks returns tasks abandoned mid-evaluation by a stopped process to the queue.
func (db *DB) ResetProcessingApprovalTasks(ctx context.Context) (int64, error) {
	result, err := db.executor(ctx).ExecContext(ctx,
		`UPDATE approval_tasks SET status = ?, claimed_at = NULL WHERE status = ?`, models.TaskPending, models.TaskProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing approval tasks: %w", err)
	}
	return result.RowsAffected()
}

// ReclaimStaleApprovalTasks returns processing tasks claimed before claimedBefore to the
// queue. A worker that lost its status write leaves such a task behind.
func (db *DB) ReclaimStaleApprovalTasks(ctx context.Context, claimedBefore time.Time) (int64, error) {
	result, err := db.executor(ctx).ExecContext(ctx,
		`UPDATE approval_tasks SET status = ?, claimed_at = NULL
         WHERE status = ? AND (claimed_at IS NULL OR claimed_at <= ?)`,
		models.TaskPending, models.TaskProcessing, claimedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale approval tasks: %w", err)
	}
	return result.RowsAffected()
}

// GetPendingApprovalTasks returns tasks that are due: new ones and retries whose backoff elapsed.
func (db *DB) GetPendingApprovalTasks(ctx context.Context, limit int) ([]*models.ApprovalTask, error) {
	query := `SELECT ` + approvalTaskColumns + `
              FROM approval_tasks
              WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC LIMIT ?`
	rows, err := db.executor(ctx).QueryContext(ctx, query, models.TaskPending, models.TaskRetry, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending approval tasks: %w", err)
	}
	defer rows.Close()

	return scanApprovalTasks(rows)
}

func (db *DB) GetFailedApprovalTasks(ctx context.Context, limit int) ([]*models.ApprovalTask, error) {
	query := `SELECT ` + approvalTaskColumns + `
              FROM approval_tasks WHERE status = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := db.executor(ctx).QueryContext(ctx, query, models.TaskFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed approval tasks: %w", err)
	}
	defer rows.Close()

	return scanApprovalTasks(rows)
}

func (db *DB) UpdateApprovalTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var lastError *string
	if errMsg != "" {
		lastError = &errMsg
	}
	if nextRetryAt != nil {
		utc := nextRetryAt.UTC()
		nextRetryAt = &utc
	}
	now := time.Now().UTC()

	var query string
	var args []interface{}
	switch status {
	case models.TaskRetry:
		query = `UPDATE approval_tasks SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []interface{}{status, lastError, nextRetryAt, id}
	case models.TaskCompleted, models.TaskFailed:
		query = `UPDATE approval_tasks SET status = ?, last_error = ?, next_retry_at = ?, processed_at = ? WHERE id = ?`
		args = []interface{}{status, lastError, nextRetryAt, now, id}
	case models.TaskPending:
		// Manual requeue starts a fresh retry budget.
		query = `UPDATE approval_tasks SET status = ?, last_error = ?, next_retry_at = ?, retry_count = 0, processed_at = NULL WHERE id = ?`
		args = []interface{}{status, lastError, nextRetryAt, id}
	default:
		query = `UPDATE approval_tasks SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []interface{}{status, lastError, nextRetryAt, id}
	}

	result, err := db.executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update approval task status: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("approval task %d: %w", id, sql.ErrNoRows)
	}
	return nil
}

// ListOrphanedPending returns pending reservations created before olderThan that have no open approval task.
func (db *DB) ListOrphanedPending(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	query := `SELECT r.id FROM reservations r
              WHERE r.status = ? AND r.created_at <= ?
              AND NOT EXISTS (
                  SELECT 1 FROM approval_tasks t
                  WHERE t.reservation_id = r.id AND t.status IN (?, ?, ?, ?)
              )
              ORDER BY r.id ASC LIMIT ?`
	rows, err := db.executor(ctx).QueryContext(ctx, query,
		string(models.StatusPending), olderThan.UTC(),
		models.TaskPending, models.TaskProcessing, models.TaskRetry, models.TaskFailed,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned reservations: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan reservation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsNoRows reports whether err means a missing row.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
