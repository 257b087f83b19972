// Package store provides the SQLite-backed record store for tasks.
//
// The store is the only writer of task records. It runs SQLite in WAL
// mode through the pure-Go ncruces driver, keeps a secondary index on
// status for counting and paging, and reports every successful mutation
// to an optional change hook so readers can refresh.
//
// Workflow:
//  1. Open the database file and InitSchema once.
//  2. Write through Add/Put/Delete/Clear; each is individually atomic.
//  3. Read through Get/Count/Scan for pages and Each for full exports.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/hubenchang0515/todo/internal/task"
)

var (
	// ErrNotFound is returned by Get when no task has the requested id.
	ErrNotFound = errors.New("task not found")
	// ErrUnavailable matches every failure of the underlying database.
	ErrUnavailable = errors.New("store unavailable")
)

// Error is a failed store operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every store error match ErrUnavailable.
func (e *Error) Is(target error) bool {
	return target == ErrUnavailable
}

func fail(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// Op names the kind of mutation reported in a Change.
type Op string

const (
	OpAdd    Op = "add"
	OpPut    Op = "put"
	OpDelete Op = "delete"
	OpClear  Op = "clear"

	// OpExternal reports a write made by another process on the same file.
	OpExternal Op = "external"
)

// Change describes a completed mutation.
//
// Statuses lists every status whose record set may have changed: the
// new status for Add, old and new status for Put, the removed record's
// status for Delete and all statuses for Clear.
type Change struct {
	Op       Op
	ID       int64
	Statuses []task.Status
}

// Affects reports whether the change touches records of status s.
func (c Change) Affects(s task.Status) bool {
	for _, st := range c.Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// Option configures a Store.
type Option func(*Store)

// WithChangeHook registers fn to be called after every successful mutation.
func WithChangeHook(fn func(Change)) Option {
	return func(s *Store) {
		s.onChange = fn
	}
}

// WithLogger sets the logger used for store diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store wraps the SQLite connection pool holding the tasks table.
type Store struct {
	conn     *sql.DB
	path     string
	onChange func(Change)
	logger   *zap.Logger
}

// Open creates a new database connection at the specified path.
//
// The database is opened in WAL mode so page queries can run while an
// import writes. The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open("todo.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the tasks table and its status index if missing.
// Safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		status TEXT NOT NULL,
		title TEXT NOT NULL CHECK (length(trim(title)) > 0),
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5)
	);

	-- Non-unique; SQLite appends the rowid so entries sort by (status, id).
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) notify(c Change) {
	if s.onChange != nil {
		s.onChange(c)
	}
}

const taskSelectCols = "id, status, title, description, created_at, rating"

// scanTask scans a task row.
func scanTask(scanner interface {
	Scan(dest ...any) error
}) (task.Task, error) {
	var (
		t         task.Task
		status    string
		createdAt string
	)
	if err := scanner.Scan(&t.ID, &status, &t.Title, &t.Description, &createdAt, &t.Rating); err != nil {
		return task.Task{}, err
	}
	t.Status = task.Status(status)

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return task.Task{}, fmt.Errorf("failed to parse created_at of task %d: %w", t.ID, err)
	}
	t.CreatedAt = created
	return t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Add inserts a new task and returns the id the store assigned to it.
// Any id already set on t is ignored.
func (s *Store) Add(ctx context.Context, t task.Task) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, fmt.Errorf("invalid task: %w", err)
	}

	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO tasks (status, title, description, created_at, rating) VALUES (?, ?, ?, ?, ?)`,
		string(t.Status), t.Title, t.Description, formatTime(t.CreatedAt), t.Rating,
	)
	if err != nil {
		return 0, fail("add task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fail("read new task id", err)
	}

	s.logger.Debug("task added", zap.Int64("id", id), zap.Stringer("status", t.Status))
	s.notify(Change{Op: OpAdd, ID: id, Statuses: []task.Status{t.Status}})
	return id, nil
}

// Get retrieves a single task by id.
// Returns ErrNotFound if the task does not exist.
func (s *Store) Get(ctx context.Context, id int64) (task.Task, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+taskSelectCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return task.Task{}, fail(fmt.Sprintf("get task %d", id), err)
	}
	return t, nil
}

// Put inserts or replaces the task with t.ID verbatim.
//
// Used for edits, status changes and replicated records, which keep the
// id they were created with.
func (s *Store) Put(ctx context.Context, t task.Task) error {
	if t.ID <= 0 {
		return fmt.Errorf("invalid task: id %d", t.ID)
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fail("begin transaction", err)
	}
	defer tx.Rollback()

	var old sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, t.ID).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fail(fmt.Sprintf("read task %d", t.ID), err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO tasks (id, status, title, description, created_at, rating)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		title = excluded.title,
		description = excluded.description,
		created_at = excluded.created_at,
		rating = excluded.rating
	`,
		t.ID, string(t.Status), t.Title, t.Description, formatTime(t.CreatedAt), t.Rating,
	)
	if err != nil {
		return fail(fmt.Sprintf("put task %d", t.ID), err)
	}

	if err := tx.Commit(); err != nil {
		return fail("commit transaction", err)
	}

	statuses := []task.Status{t.Status}
	if old.Valid && task.Status(old.String) != t.Status {
		statuses = append(statuses, task.Status(old.String))
	}
	s.notify(Change{Op: OpPut, ID: t.ID, Statuses: statuses})
	return nil
}

// Delete removes a task. Returns nil if the task does not exist.
func (s *Store) Delete(ctx context.Context, id int64) error {
	var status string
	err := s.conn.QueryRowContext(ctx,
		`DELETE FROM tasks WHERE id = ? RETURNING status`, id,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fail(fmt.Sprintf("delete task %d", id), err)
	}

	s.notify(Change{Op: OpDelete, ID: id, Statuses: []task.Status{task.Status(status)}})
	return nil
}

// Clear removes every task. The id sequence is kept, so tasks added
// afterwards never reuse an id handed out before.
func (s *Store) Clear(ctx context.Context) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM tasks`)
	if err != nil {
		return fail("clear tasks", err)
	}
	n, _ := res.RowsAffected()

	s.logger.Debug("tasks cleared", zap.Int64("removed", n))
	s.notify(Change{Op: OpClear, Statuses: append([]task.Status(nil), task.Statuses...)})
	return nil
}

// Count returns the number of tasks with the given status, counted
// through the status index.
func (s *Store) Count(ctx context.Context, status task.Status) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks INDEXED BY idx_tasks_status WHERE status = ?`, string(status),
	).Scan(&count)
	if err != nil {
		return 0, fail(fmt.Sprintf("count %s tasks", status), err)
	}
	return count, nil
}

// CountAll returns the number of tasks regardless of status.
func (s *Store) CountAll(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count); err != nil {
		return 0, fail("count tasks", err)
	}
	return count, nil
}

// Scan returns up to limit tasks with the given status, skipping the
// first skip matches in index order.
//
// Rows are read from a cursor that stops after limit rows; the full
// matching set is never loaded.
func (s *Store) Scan(ctx context.Context, status task.Status, skip, limit int) ([]task.Task, error) {
	if skip < 0 || limit <= 0 {
		return nil, fmt.Errorf("invalid scan window skip=%d limit=%d", skip, limit)
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+taskSelectCols+`
		FROM tasks INDEXED BY idx_tasks_status
		WHERE status = ?
		ORDER BY id
		LIMIT ? OFFSET ?`,
		string(status), limit, skip,
	)
	if err != nil {
		return nil, fail(fmt.Sprintf("scan %s tasks", status), err)
	}
	defer rows.Close()

	tasks := make([]task.Task, 0, limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fail("scan task row", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("iterate tasks", err)
	}
	return tasks, nil
}

// Each calls fn for every task in id order, any status.
//
// Records are fetched in batches keyed on the last id seen, and no read
// transaction is held while fn runs. The scan is live: a task inserted
// with a higher id before the scan reaches it is visited, one deleted
// before the scan reaches it is not. An error from fn stops the scan
// and is returned as is.
func (s *Store) Each(ctx context.Context, batch int, fn func(task.Task) error) error {
	if batch <= 0 {
		batch = 100
	}

	var last int64
	for {
		page, err := s.after(ctx, last, batch)
		if err != nil {
			return err
		}
		for _, t := range page {
			if err := fn(t); err != nil {
				return err
			}
			last = t.ID
		}
		if len(page) < batch {
			return nil
		}
	}
}

func (s *Store) after(ctx context.Context, id int64, limit int) ([]task.Task, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+taskSelectCols+` FROM tasks WHERE id > ? ORDER BY id LIMIT ?`, id, limit,
	)
	if err != nil {
		return nil, fail("read task batch", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fail("scan task row", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("iterate tasks", err)
	}
	return tasks, nil
}
