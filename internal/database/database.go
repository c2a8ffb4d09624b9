package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"labreserve/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

const memoryPath = ":memory:"

// DB is the SQLite-backed reservation store. It also caches the lab catalog.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger

	mu         sync.RWMutex
	labs       map[int64]*models.Lab
	sortedLabs []*models.Lab
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	dsn := memoryPath
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer connection serializes transactions; an in-memory database also lives on it.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return &DB{
		DB:     sqlDB,
		path:   path,
		logger: logger,
		labs:   make(map[int64]*models.Lab),
	}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS reservations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            lab_id INTEGER NOT NULL,
            date TEXT NOT NULL,
            start_time TEXT NOT NULL,
            end_time TEXT NOT NULL,
            purpose TEXT NOT NULL DEFAULT '',
            student_count INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'pending',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS approval_tasks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            reservation_id INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME NOT NULL,
            processed_at DATETIME,
            next_retry_at DATETIME,
            claimed_at DATETIME
        )`,

		`CREATE INDEX IF NOT EXISTS idx_reservations_slot ON reservations(lab_id, date, status)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_user ON reservations(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_date ON reservations(date)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_tasks_status ON approval_tasks(status, next_retry_at)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_tasks_reservation ON approval_tasks(reservation_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return ensureColumn(db, "approval_tasks", "claimed_at DATETIME")
}

// ensureColumn adds a column to tables created by an older schema.
func ensureColumn(db *sql.DB, table, definition string) error {
	_, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, definition))
	if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
		return fmt.Errorf("add column %s.%s: %w", table, definition, err)
	}
	return nil
}

type txKey struct{}

// executor is the subset of *sql.DB and *sql.Tx used by queries.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// executor returns the transaction carried by ctx, or the pool.
func (db *DB) executor(ctx context.Context) executor {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db.DB
}

// DoSerializable runs fn in a transaction stored in the context passed to fn.
// SQLite transactions are serializable; a nested call joins the outer transaction.
func (db *DB) DoSerializable(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Path returns the database file path, ":memory:" for in-memory stores.
func (db *DB) Path() string {
	return db.path
}

// SetLabs replaces the cached lab catalog.
func (db *DB) SetLabs(labs []*models.Lab) {
	byID := make(map[int64]*models.Lab, len(labs))
	sorted := make([]*models.Lab, 0, len(labs))
	for _, lab := range labs {
		l := *lab
		byID[l.ID] = &l
		sorted = append(sorted, &l)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].SortOrder == sorted[j].SortOrder {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].SortOrder < sorted[j].SortOrder
	})

	db.mu.Lock()
	db.labs = byID
	db.sortedLabs = sorted
	db.mu.Unlock()
}

func (db *DB) GetLab(id int64) (*models.Lab, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	lab, ok := db.labs[id]
	if !ok {
		return nil, false
	}
	l := *lab
	return &l, true
}

func (db *DB) GetLabs() []*models.Lab {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*models.Lab, 0, len(db.sortedLabs))
	for _, lab := range db.sortedLabs {
		l := *lab
		out = append(out, &l)
	}
	return out
}
