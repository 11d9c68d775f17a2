package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"socratic-tutor/internal/domain"
)

// SQLiteStore implements SessionRepository on a local SQLite file. It backs
// the local development server.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("repository: create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS tutor_sessions (
		session_id TEXT PRIMARY KEY,
		problem_text TEXT,
		problem_type TEXT,
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tutor_sessions_expires ON tutor_sessions(expires_at);
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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSession loads a session row.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, problem_text, problem_type, messages_json,
		       created_at, last_activity_at, expires_at
		FROM tutor_sessions WHERE session_id = ?`

	var (
		session                  domain.Session
		problemText, problemType sql.NullString
		messagesJSON             string
		createdAt, lastActivity  int64
		expiresAt                int64
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.ID, &problemText, &problemType, &messagesJSON,
		&createdAt, &lastActivity, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: scan session row: %w", err)
	}

	if err := json.Unmarshal([]byte(messagesJSON), &session.Messages); err != nil {
		return nil, fmt.Errorf("repository: decode messages: %w", err)
	}
	if problemText.Valid && problemType.Valid {
		session.Problem = &domain.Problem{Text: problemText.String, Type: domain.ProblemType(problemType.String)}
	}
	session.CreatedAt = time.UnixMilli(createdAt).UTC()
	session.LastActivityAt = time.UnixMilli(lastActivity).UTC()
	session.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &session, nil
}

// PutSession upserts a session row.
func (s *SQLiteStore) PutSession(ctx context.Context, session *domain.Session) error {
	if session == nil || strings.TrimSpace(session.ID) == "" {
		return errors.New("repository: PutSession: session id is required")
	}
	messages := session.Messages
	if messages == nil {
		messages = []domain.ChatMessage{}
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("repository: encode messages: %w", err)
	}

	var problemText, problemType any
	if session.Problem != nil {
		problemText = session.Problem.Text
		problemType = string(session.Problem.Type)
	}

	query := `
	INSERT INTO tutor_sessions (session_id, problem_text, problem_type, messages_json, created_at, last_activity_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		problem_text = excluded.problem_text,
		problem_type = excluded.problem_type,
		messages_json = excluded.messages_json,
		last_activity_at = excluded.last_activity_at,
		expires_at = excluded.expires_at`

	_, err = s.db.ExecContext(ctx, query,
		session.ID, problemText, problemType, string(messagesJSON),
		session.CreatedAt.UnixMilli(), session.LastActivityAt.UnixMilli(), session.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("repository: upsert session: %w", err)
	}
	return nil
}

// DeleteSession removes a session row.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tutor_sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("repository: delete session: %w", err)
	}
	return nil
}
