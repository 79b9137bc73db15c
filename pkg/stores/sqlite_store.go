package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps the session ledger and binary index.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	// Path is the database file, or ":memory:".
	Path string
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Open creates, initialises and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) inMemory() bool {
	return s.path == ":memory:" || strings.Contains(s.path, "mode=memory")
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path
	if !s.inMemory() {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = "file:" + s.path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if s.inMemory() {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// m.Close would close s.db as well
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// RecordSession inserts a launched session.
func (s *SQLiteStore) RecordSession(ctx context.Context, sess *Session) error {
	labels, err := json.Marshal(sess.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	if sess.Status == "" {
		sess.Status = SessionStatusRunning
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO sessions (id, endpoint, launcher, binary_path, version, pid, labels, status, started_at, stopped_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID,
		sess.Endpoint,
		sess.Launcher,
		sess.BinaryPath,
		sess.Version,
		sess.PID,
		string(labels),
		sess.Status,
		sess.StartedAt,
		sess.StoppedAt,
		sess.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// FinishSession marks a session stopped, or failed when cause is non-nil.
func (s *SQLiteStore) FinishSession(ctx context.Context, id string, cause error) error {
	status := SessionStatusStopped
	var errMsg *string
	if cause != nil {
		status = SessionStatusFailed
		msg := cause.Error()
		errMsg = &msg
	}

	query := `
		UPDATE sessions
		SET status = ?, error = ?, stopped_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

const sessionColumns = `id, endpoint, launcher, binary_path, version, pid, labels, status, started_at, stopped_at, error`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*Session, error) {
	sess := &Session{}
	var labels string
	err := row.Scan(
		&sess.ID,
		&sess.Endpoint,
		&sess.Launcher,
		&sess.BinaryPath,
		&sess.Version,
		&sess.PID,
		&labels,
		&sess.Status,
		&sess.StartedAt,
		&sess.StoppedAt,
		&sess.Error,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labels), &sess.Labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	return sess, nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions lists sessions, newest first. An empty status lists all.
func (s *SQLiteStore) ListSessions(ctx context.Context, status SessionStatus, limit, offset int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// PutBinary records or replaces a cached binary.
func (s *SQLiteStore) PutBinary(ctx context.Context, b *Binary) error {
	if b.FetchedAt.IsZero() {
		b.FetchedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO binaries (version, platform, path, sha256, size, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (version, platform) DO UPDATE SET
			path = excluded.path,
			sha256 = excluded.sha256,
			size = excluded.size,
			fetched_at = excluded.fetched_at
	`
	if _, err := s.db.ExecContext(ctx, query, b.Version, b.Platform, b.Path, b.SHA256, b.Size, b.FetchedAt); err != nil {
		return fmt.Errorf("failed to record binary: %w", err)
	}
	return nil
}

// GetBinary looks up a cached binary.
func (s *SQLiteStore) GetBinary(ctx context.Context, version, platform string) (*Binary, error) {
	query := `
		SELECT version, platform, path, sha256, size, fetched_at
		FROM binaries
		WHERE version = ? AND platform = ?
	`
	b := &Binary{}
	err := s.db.QueryRowContext(ctx, query, version, platform).Scan(
		&b.Version, &b.Platform, &b.Path, &b.SHA256, &b.Size, &b.FetchedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("binary %s/%s: %w", version, platform, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binary: %w", err)
	}
	return b, nil
}

// ListBinaries lists every cached binary, newest first.
func (s *SQLiteStore) ListBinaries(ctx context.Context) ([]*Binary, error) {
	query := `
		SELECT version, platform, path, sha256, size, fetched_at
		FROM binaries
		ORDER BY fetched_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list binaries: %w", err)
	}
	defer rows.Close()

	binaries := []*Binary{}
	for rows.Next() {
		b := &Binary{}
		if err := rows.Scan(&b.Version, &b.Platform, &b.Path, &b.SHA256, &b.Size, &b.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan binary: %w", err)
		}
		binaries = append(binaries, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating binaries: %w", err)
	}
	return binaries, nil
}

// DeleteBinary forgets a cached binary. Deleting a missing entry is not an error.
func (s *SQLiteStore) DeleteBinary(ctx context.Context, version, platform string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM binaries WHERE version = ? AND platform = ?`, version, platform); err != nil {
		return fmt.Errorf("failed to delete binary: %w", err)
	}
	return nil
}
