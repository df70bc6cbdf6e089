// Package persistence keeps an audit trail of runs in SQLite: the final task
// snapshot of every run and the events published while it executed.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/swarm/internal/scheduler"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Run is the stored summary of one run.
type Run struct {
	ID         string
	Request    string
	Status     string // running until the run finishes, then the final run status
	Error      string
	Consumed   float64
	Overrun    float64
	Pivots     int
	StartedAt  time.Time
	FinishedAt time.Time // Zero while running
}

// EventRecord is one persisted event.
type EventRecord struct {
	Seq       int64
	RunID     string
	TaskID    string
	Type      string
	Payload   string // JSON
	CreatedAt time.Time
}

// Store defines the persistence interface for runs, task snapshots and events.
type Store interface {
	// Runs
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// Task snapshots
	SaveSnapshot(ctx context.Context, runID string, tasks []*scheduler.Task) error
	ListTasks(ctx context.Context, runID string) ([]*scheduler.Task, error)

	// Event log
	AppendEvent(ctx context.Context, rec EventRecord) error
	ListEvents(ctx context.Context, runID string) ([]EventRecord, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates a private in-memory SQLite store, mostly for tests.
// Each call gets its own database; connections of one store share it.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: queries must not nest while rows are open.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
