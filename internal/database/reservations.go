package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"labreserve/internal/domain"
	"labreserve/internal/models"

	sq "github.com/Masterminds/squirrel"
)

var reservationColumns = []string{
	"id", "user_id", "lab_id", "date", "start_time", "end_time",
	"purpose", "student_count", "status", "created_at", "updated_at",
}

func statusArgs(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var (
		r      models.Reservation
		date   string
		status string
	)
	err := row.Scan(
		&r.ID, &r.UserID, &r.LabID, &date, &r.StartTime, &r.EndTime,
		&r.Purpose, &r.StudentCount, &status, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d, err := models.ParseDate(date)
	if err != nil {
		return nil, err
	}
	r.Date = d
	r.Status = models.Status(status)
	return &r, nil
}

func (db *DB) queryReservations(ctx context.Context, query sq.SelectBuilder) ([]*models.Reservation, error) {
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := db.executor(ctx).QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []*models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reservations: %w", err)
	}
	return out, nil
}

// FindReservations returns reservations of one lab on one date whose status is in statuses.
func (db *DB) FindReservations(ctx context.Context, labID int64, date time.Time, statuses []models.Status) ([]*models.Reservation, error) {
	query := sq.Select(reservationColumns...).
		From("reservations").
		Where(sq.Eq{"lab_id": labID, "date": date.Format(models.DateLayout)}).
		OrderBy("start_time ASC", "id ASC")
	if len(statuses) > 0 {
		query = query.Where(sq.Eq{"status": statusArgs(statuses)})
	}
	return db.queryReservations(ctx, query)
}

func (db *DB) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	sqlStr, args, err := sq.Select(reservationColumns...).
		From("reservations").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	r, err := scanReservation(db.executor(ctx).QueryRowContext(ctx, sqlStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return r, nil
}

// InsertReservation stores r and fills its id and timestamps.
func (db *DB) InsertReservation(ctx context.Context, r *models.Reservation) error {
	now := time.Now().UTC()
	if r.Status == "" {
		r.Status = models.StatusPending
	}

	sqlStr, args, err := sq.Insert("reservations").
		Columns(reservationColumns[1:]...).
		Values(
			r.UserID, r.LabID, r.Date.Format(models.DateLayout), r.StartTime.String(), r.EndTime.String(),
			r.Purpose, r.StudentCount, string(r.Status), now, now,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	result, err := db.executor(ctx).ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	r.ID = id
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

// UpdateStatus moves id from expected to next only if the stored status still equals expected.
func (db *DB) UpdateStatus(ctx context.Context, id int64, expected, next models.Status) (bool, error) {
	sqlStr, args, err := sq.Update("reservations").
		Set("status", string(next)).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id, "status": string(expected)}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build update: %w", err)
	}

	result, err := db.executor(ctx).ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update reservation status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// ListReservations returns reservations matching filter ordered by date and start time.
func (db *DB) ListReservations(ctx context.Context, filter models.ReservationFilter) ([]*models.Reservation, error) {
	query := sq.Select(reservationColumns...).From("reservations")

	if filter.UserID != 0 {
		query = query.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.LabID != 0 {
		query = query.Where(sq.Eq{"lab_id": filter.LabID})
	}
	if len(filter.Statuses) > 0 {
		query = query.Where(sq.Eq{"status": statusArgs(filter.Statuses)})
	}
	if !filter.From.IsZero() {
		query = query.Where(sq.GtOrEq{"date": filter.From.Format(models.DateLayout)})
	}
	if !filter.To.IsZero() {
		query = query.Where(sq.LtOrEq{"date": filter.To.Format(models.DateLayout)})
	}
	if filter.Limit > 0 {
		query = query.Limit(uint64(filter.Limit))
	}

	return db.queryReservations(ctx, query.OrderBy("date ASC", "start_time ASC", "id ASC"))
}

// GetStats aggregates reservation counts; today is the caller's current calendar date.
func (db *DB) GetStats(ctx context.Context, today time.Time) (*models.ReservationStats, error) {
	day := today.Format(models.DateLayout)
	query := `SELECT
            COUNT(*),
            COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN date = ? THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN date > ? THEN 1 ELSE 0 END), 0)
        FROM reservations`

	var s models.ReservationStats
	err := db.executor(ctx).QueryRowContext(ctx, query,
		string(models.StatusPending), string(models.StatusApproved),
		string(models.StatusRejected), string(models.StatusCancelled),
		day, day,
	).Scan(&s.Total, &s.Pending, &s.Approved, &s.Rejected, &s.Cancelled, &s.Today, &s.Future)
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation stats: %w", err)
	}

	s.ComputeApprovalRate()
	return &s, nil
}
