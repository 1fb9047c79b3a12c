package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/querypilot/querypilot/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	archiveMu sync.Mutex // Mutex for archive writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS archived_sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		message TEXT NOT NULL,
		status TEXT NOT NULL,
		plan_json TEXT NOT NULL,
		current_step INTEGER NOT NULL,
		max_retries INTEGER NOT NULL,
		total_retries INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		ended_at INTEGER,
		archived_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archived_sessions_archived ON archived_sessions(archived_at);
	CREATE INDEX IF NOT EXISTS idx_archived_sessions_user ON archived_sessions(user_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ArchiveSession persists the final state of a terminated session.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) ArchiveSession(ctx context.Context, view domain.SessionView) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.archiveSessionOnce(ctx, view)
		if err == nil {
			return nil
		}

		if isSQLiteConflictError(err) {
			if i < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
				slog.Debug("ArchiveSession failed with SQLITE_BUSY, retrying",
					"session_id", view.ID,
					"attempt", i+1,
					"delay", delay)
				time.Sleep(delay)
				continue
			}
		}

		return fmt.Errorf("failed to archive session %s after %d attempts: %w", view.ID, maxRetries, err)
	}

	return nil
}

func (s *SQLiteStore) archiveSessionOnce(ctx context.Context, view domain.SessionView) error {
	s.archiveMu.Lock()
	defer s.archiveMu.Unlock()

	planJSON, err := json.Marshal(view.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	query := `
	INSERT INTO archived_sessions (
		session_id, user_id, conversation_id, message, status, plan_json,
		current_step, max_retries, total_retries, created_at, ended_at, archived_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		status = excluded.status,
		plan_json = excluded.plan_json,
		current_step = excluded.current_step,
		total_retries = excluded.total_retries,
		ended_at = excluded.ended_at,
		archived_at = excluded.archived_at`

	var endedAt interface{}
	if view.EndedAt != nil {
		endedAt = view.EndedAt.Unix()
	}

	_, err = s.db.ExecContext(ctx, query,
		view.ID, view.UserID, view.ConversationID, view.Message,
		string(view.Status), string(planJSON),
		view.CurrentStep, view.MaxRetries, view.TotalRetries,
		view.CreatedAt.Unix(), endedAt, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

// GetArchivedSession retrieves an archived session by ID.
func (s *SQLiteStore) GetArchivedSession(ctx context.Context, sessionID string) (*domain.SessionView, error) {
	query := `
		SELECT session_id, user_id, conversation_id, message, status, plan_json,
		       current_step, max_retries, total_retries, created_at, ended_at
		FROM archived_sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var view domain.SessionView
	var status, planJSON string
	var createdAt int64
	var endedAt sql.NullInt64

	err := row.Scan(
		&view.ID, &view.UserID, &view.ConversationID, &view.Message,
		&status, &planJSON,
		&view.CurrentStep, &view.MaxRetries, &view.TotalRetries,
		&createdAt, &endedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan archived session: %w", err)
	}

	view.Status = domain.Status(status)
	if err := json.Unmarshal([]byte(planJSON), &view.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	view.CreatedAt = time.Unix(createdAt, 0)
	if endedAt.Valid {
		ts := time.Unix(endedAt.Int64, 0)
		view.EndedAt = &ts
	}

	return &view, nil
}

// CleanupExpired removes archived sessions older than the retention window.
func (s *SQLiteStore) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	query := `DELETE FROM archived_sessions WHERE archived_at < ?`
	result, err := s.db.ExecContext(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// isSQLiteConflictError reports whether err is a SQLITE_BUSY or "database is
// locked" concurrency error, both of which warrant retry.
func isSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY") ||
		strings.Contains(err.Error(), "database is locked")
}
