package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteMessageStore struct {
	db *sql.DB
}

var _ MessageStore = &SQLiteMessageStore{}

func NewSQLiteMessageStore(dsn string) (*SQLiteMessageStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite message store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteMessageStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteMessageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteMessageStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite message store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_messages (
		  seq INTEGER PRIMARY KEY AUTOINCREMENT,
		  id TEXT NOT NULL UNIQUE,
		  session_id TEXT NOT NULL,
		  role TEXT NOT NULL,
		  content TEXT NOT NULL,
		  created_at_ms INTEGER NOT NULL,
		  tool_output TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS chat_messages_by_session
		  ON chat_messages(session_id, seq);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite message store: migrate")
		}
	}
	return nil
}

func (s *SQLiteMessageStore) Append(ctx context.Context, rec MessageRecord) (MessageRecord, error) {
	if s == nil || s.db == nil {
		return MessageRecord{}, errors.New("sqlite message store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rec = normalizeMessageRecord(rec, time.Now().UnixMilli())
	if rec.SessionID == "" {
		return MessageRecord{}, errors.New("sqlite message store: sessionID is empty")
	}
	if rec.Role == "" {
		return MessageRecord{}, errors.New("sqlite message store: role is empty")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var toolOutput sql.NullString
	if len(rec.ToolOutput) > 0 {
		toolOutput = sql.NullString{String: string(rec.ToolOutput), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, created_at_ms, tool_output)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, rec.Role, rec.Content, rec.CreatedAtMs, toolOutput)
	if err != nil {
		return MessageRecord{}, errors.Wrap(err, "sqlite message store: insert message")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return MessageRecord{}, errors.Wrap(err, "sqlite message store: read seq")
	}
	rec.Seq = seq
	return rec, nil
}

func (s *SQLiteMessageStore) List(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite message store: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("sqlite message store: sessionID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// the newest `limit` messages, returned oldest first
	q := `
		SELECT seq, id, session_id, role, content, created_at_ms, tool_output
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`
	args := []any{sessionID}
	if limit > 0 {
		q = `
			SELECT * FROM (
				SELECT seq, id, session_id, role, content, created_at_ms, tool_output
				FROM chat_messages
				WHERE session_id = ?
				ORDER BY seq DESC
				LIMIT ?
			) ORDER BY seq ASC
		`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite message store: query messages")
	}
	defer func() { _ = rows.Close() }()

	out := make([]MessageRecord, 0, 32)
	for rows.Next() {
		var (
			rec        MessageRecord
			toolOutput sql.NullString
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.SessionID, &rec.Role, &rec.Content, &rec.CreatedAtMs, &toolOutput); err != nil {
			return nil, errors.Wrap(err, "sqlite message store: scan message")
		}
		if toolOutput.Valid && toolOutput.String != "" {
			rec.ToolOutput = []byte(toolOutput.String)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite message store: iterate messages")
	}
	return out, nil
}

func (s *SQLiteMessageStore) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite message store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MIN(created_at_ms), MAX(created_at_ms)
		FROM chat_messages
		GROUP BY session_id
		ORDER BY MAX(created_at_ms) DESC, session_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite message store: list sessions")
	}
	defer func() { _ = rows.Close() }()

	out := make([]SessionRecord, 0, 16)
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.SessionID, &rec.MessageCount, &rec.CreatedAtMs, &rec.LastActivityMs); err != nil {
			return nil, errors.Wrap(err, "sqlite message store: scan session")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite message store: iterate sessions")
	}
	return out, nil
}

// SQLiteDSNForFile returns a DSN for a database file.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite message store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
