// Package sqlite persists an audit log of gateway exchanges.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ExchangeRecord is one request/response pair as seen by the gateway,
// including the continuity identifiers that tie it to an upstream thread.
type ExchangeRecord struct {
	ID               string
	SessionID        string
	UpstreamChatID   string
	ParentMessageID  string
	Model            string
	Streaming        bool
	RequestBody      string
	ResponseContent  string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ErrorKind        string
	ErrorMessage     string
	DurationNS       int64
	CreatedAt        time.Time
}

// Store is a SQLite-backed exchange log.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the exchange log at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS exchanges (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			upstream_chat_id TEXT,
			parent_message_id TEXT,
			model TEXT NOT NULL,
			streaming INTEGER NOT NULL DEFAULT 0,
			request_body TEXT,
			response_content TEXT,
			finish_reason TEXT,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT,
			error_message TEXT,
			duration_ns INTEGER,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exchanges_session ON exchanges(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_exchanges_created ON exchanges(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// LogExchange inserts one exchange record.
func (s *Store) LogExchange(ctx context.Context, rec *ExchangeRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `INSERT INTO exchanges (
		id, session_id, upstream_chat_id, parent_message_id, model, streaming,
		request_body, response_content, finish_reason,
		prompt_tokens, completion_tokens, total_tokens,
		error_kind, error_message, duration_ns, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.UpstreamChatID, rec.ParentMessageID,
		rec.Model, rec.Streaming,
		rec.RequestBody, rec.ResponseContent, rec.FinishReason,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.ErrorKind, rec.ErrorMessage, rec.DurationNS, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to log exchange: %w", err)
	}
	return nil
}

// SessionExchanges returns the exchanges recorded for a session, oldest
// first.
func (s *Store) SessionExchanges(ctx context.Context, sessionID string) ([]*ExchangeRecord, error) {
	query := `SELECT id, session_id, upstream_chat_id, parent_message_id, model, streaming,
		request_body, response_content, finish_reason,
		prompt_tokens, completion_tokens, total_tokens,
		error_kind, error_message, duration_ns, created_at
	FROM exchanges WHERE session_id = ? ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query exchanges: %w", err)
	}
	defer rows.Close()

	var records []*ExchangeRecord
	for rows.Next() {
		rec, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecentExchanges returns the newest records across all sessions, newest
// first.
func (s *Store) RecentExchanges(ctx context.Context, limit int) ([]*ExchangeRecord, error) {
	query := `SELECT id, session_id, upstream_chat_id, parent_message_id, model, streaming,
		request_body, response_content, finish_reason,
		prompt_tokens, completion_tokens, total_tokens,
		error_kind, error_message, duration_ns, created_at
	FROM exchanges ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query exchanges: %w", err)
	}
	defer rows.Close()

	var records []*ExchangeRecord
	for rows.Next() {
		rec, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanExchange(rows *sql.Rows) (*ExchangeRecord, error) {
	var rec ExchangeRecord
	err := rows.Scan(
		&rec.ID, &rec.SessionID, &rec.UpstreamChatID, &rec.ParentMessageID,
		&rec.Model, &rec.Streaming,
		&rec.RequestBody, &rec.ResponseContent, &rec.FinishReason,
		&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens,
		&rec.ErrorKind, &rec.ErrorMessage, &rec.DurationNS, &rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan exchange: %w", err)
	}
	return &rec, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
