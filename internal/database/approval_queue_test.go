package database

import (
	"context"
	"testing"
	"time"

	"labreserve/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprovalQueue(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	id, err := db.CreateApprovalTask(ctx, 100)
	require.NoError(t, err)

	tasks, err := db.GetPendingApprovalTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(100), tasks[0].ReservationID)
	assert.Equal(t, models.TaskPending, tasks[0].Status)
	assert.Nil(t, tasks[0].LastError)

	t.Run("RetryNotDueYet", func(t *testing.T) {
		next := time.Now().Add(time.Hour)
		require.NoError(t, db.UpdateApprovalTaskStatus(ctx, id, models.TaskRetry, "locked", &next))

		due, err := db.GetPendingApprovalTasks(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		task, err := db.GetApprovalTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, task.RetryCount)
		require.NotNil(t, task.LastError)
		assert.Equal(t, "locked", *task.LastError)
	})

	t.Run("RetryDue", func(t *testing.T) {
		past := time.Now().Add(-time.Second)
		require.NoError(t, db.UpdateApprovalTaskStatus(ctx, id, models.TaskRetry, "locked again", &past))

		due, err := db.GetPendingApprovalTasks(ctx, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, 2, due[0].RetryCount)
	})

	t.Run("FailedAndRequeue", func(t *testing.T) {
		require.NoError(t, db.UpdateApprovalTaskStatus(ctx, id, models.TaskFailed, "gave up", nil))

		failed, err := db.GetFailedApprovalTasks(ctx, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.NotNil(t, failed[0].ProcessedAt)

		require.NoError(t, db.UpdateApprovalTaskStatus(ctx, id, models.TaskPending, "", nil))
		task, err := db.GetApprovalTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TaskPending, task.Status)
		assert.Zero(t, task.RetryCount)
		assert.Nil(t, task.ProcessedAt)
	})

	t.Run("Completed", func(t *testing.T) {
		require.NoError(t, db.UpdateApprovalTaskStatus(ctx, id, models.TaskCompleted, "", nil))
		due, err := db.GetPendingApprovalTasks(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("UnknownTask", func(t *testing.T) {
		err := db.UpdateApprovalTaskStatus(ctx, 9999, models.TaskCompleted, "", nil)
		assert.True(t, IsNoRows(err))
		_, err = db.GetApprovalTask(ctx, 9999)
		assert.True(t, IsNoRows(err))
	})
}

func TestListOrphanedPending(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	orphan := newReservation(1, 3, testDay, "09:00", "10:00")
	queued := newReservation(2, 3, testDay, "11:00", "12:00")
	resolved := newReservation(3, 3, testDay, "13:00", "14:00")
	for _, r := range []*models.Reservation{orphan, queued, resolved} {
		require.NoError(t, db.InsertReservation(ctx, r))
	}
	_, err := db.CreateApprovalTask(ctx, queued.ID)
	require.NoError(t, err)
	_, err = db.UpdateStatus(ctx, resolved.ID, models.StatusPending, models.StatusApproved)
	require.NoError(t, err)

	ids, err := db.ListOrphanedPending(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{orphan.ID}, ids)

	ids, err = db.ListOrphanedPending(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "recent reservations are left to the normal path")
}

func TestClaimApprovalTask(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	id, err := db.CreateApprovalTask(ctx, 7)
	require.NoError(t, err)

	claimed, err := db.ClaimApprovalTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = db.ClaimApprovalTask(ctx, id)
	require.NoError(t, err)
	assert.False(t, claimed, "a processing task cannot be claimed twice")

	n, err := db.ResetProcessingApprovalTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	task, err := db.GetApprovalTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)

	require.NoError(t, db.UpdateApprovalTaskStatus(ctx, id, models.TaskCompleted, "", nil))
	claimed, err = db.ClaimApprovalTask(ctx, id)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestReclaimStaleApprovalTasks(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	id, err := db.CreateApprovalTask(ctx, 8)
	require.NoError(t, err)
	claimed, err := db.ClaimApprovalTask(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)

	n, err := db.ReclaimStaleApprovalTasks(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "claim is younger than the cutoff")

	n, err = db.ReclaimStaleApprovalTasks(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	due, err := db.GetPendingApprovalTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)

	claimed, err = db.ClaimApprovalTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, claimed, "a reclaimed task can be claimed again")
}

func TestEnsureColumnIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	assert.NoError(t, ensureColumn(db.DB, "approval_tasks", "claimed_at DATETIME"))
}
