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
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/picopip/picopip/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the session journal on SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	// The journal is written by one session at a time; a small pool
	// keeps the CLI footprint down.
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 1
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", s.cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
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
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RecordSession implements engine.Journal. The session row and its
// actions commit atomically.
func (s *SQLiteStore) RecordSession(ctx context.Context, record *engine.SessionRecord) error {
	args, err := json.Marshal(record.Arguments)
	if err != nil {
		return fmt.Errorf("failed to encode session arguments: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var errMsg *string
	if record.Error != "" {
		errMsg = &record.Error
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, kind, target, arguments, skipped, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.Kind,
		record.Target,
		string(args),
		record.Skipped,
		errMsg,
		record.StartedAt,
		record.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	for i, action := range record.Actions {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_actions (session_id, position, action, name, version_before, version_after)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			record.ID,
			i,
			string(action.Type),
			action.Name,
			action.VersionBefore,
			action.VersionAfter,
		)
		if err != nil {
			return fmt.Errorf("failed to record session action: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session record: %w", err)
	}
	return nil
}

// GetSession retrieves one session with its actions.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*engine.SessionRecord, error) {
	record := &engine.SessionRecord{}
	var args string
	var errMsg sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, target, arguments, skipped, error, started_at, completed_at
		FROM sessions
		WHERE id = ?
	`, id).Scan(
		&record.ID,
		&record.Kind,
		&record.Target,
		&args,
		&record.Skipped,
		&errMsg,
		&record.StartedAt,
		&record.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if errMsg.Valid {
		record.Error = errMsg.String
	}
	if err := json.Unmarshal([]byte(args), &record.Arguments); err != nil {
		return nil, fmt.Errorf("failed to decode session arguments: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT action, name, version_before, version_after
		FROM session_actions
		WHERE session_id = ?
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session actions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var action engine.ActionRecord
		var typ string
		if err := rows.Scan(&typ, &action.Name, &action.VersionBefore, &action.VersionAfter); err != nil {
			return nil, fmt.Errorf("failed to scan session action: %w", err)
		}
		action.Type = engine.ActionType(typ)
		record.Actions = append(record.Actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session actions: %w", err)
	}
	return record, nil
}

// ListSessions lists sessions newest first with pagination. The
// returned records carry no actions; GetSession loads them.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*engine.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, target, arguments, skipped, error, started_at, completed_at
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	records := []*engine.SessionRecord{}
	for rows.Next() {
		record := &engine.SessionRecord{}
		var args string
		var errMsg sql.NullString
		err := rows.Scan(
			&record.ID,
			&record.Kind,
			&record.Target,
			&args,
			&record.Skipped,
			&errMsg,
			&record.StartedAt,
			&record.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if errMsg.Valid {
			record.Error = errMsg.String
		}
		if err := json.Unmarshal([]byte(args), &record.Arguments); err != nil {
			return nil, fmt.Errorf("failed to decode session arguments: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return records, nil
}

// PruneSessions deletes all but the newest keep sessions.
func (s *SQLiteStore) PruneSessions(ctx context.Context, keep int) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE id NOT IN (
			SELECT id FROM sessions ORDER BY started_at DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}
