package messagestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatproxy/pkg/chat"
)

// SQLiteStore keeps messages in a single table. When maxRows is positive the
// least recently read rows beyond that count are deleted after each insert.
type SQLiteStore struct {
	db      *sql.DB
	maxRows int
	now     func() time.Time
}

var _ Store = &SQLiteStore{}

func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite message store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func NewSQLiteStore(dsn string, maxRows int) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite message store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, maxRows: maxRows, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite message store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL PRIMARY KEY,
			role TEXT NOT NULL,
			parent_message_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			accessed_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_access ON messages(accessed_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite message store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (chat.Message, bool, error) {
	if s == nil || s.db == nil {
		return chat.Message{}, false, errors.New("sqlite message store: db is nil")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return chat.Message{}, false, nil
	}
	var (
		msg  chat.Message
		role string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, parent_message_id, text, name
		FROM messages
		WHERE id = ?
	`, id).Scan(&msg.ID, &role, &msg.ParentMessageID, &msg.Text, &msg.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, false, nil
	}
	if err != nil {
		return chat.Message{}, false, errors.Wrap(err, "sqlite message store: get")
	}
	msg.Role = chat.Role(role)

	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET accessed_at_ms = ? WHERE id = ?`, s.now().UnixMilli(), id); err != nil {
		return chat.Message{}, false, errors.Wrap(err, "sqlite message store: touch")
	}
	return msg, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, msg chat.Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite message store: db is nil")
	}
	msg, err := normalizeMessage(msg)
	if err != nil {
		return err
	}
	nowMs := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, role, parent_message_id, text, name, created_at_ms, accessed_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, msg.ID, string(msg.Role), msg.ParentMessageID, msg.Text, msg.Name, nowMs, nowMs)
	if err != nil {
		return errors.Wrap(err, "sqlite message store: insert")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite message store: rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrAlreadyExists, "message %s", msg.ID)
	}
	return s.trim(ctx)
}

func (s *SQLiteStore) trim(ctx context.Context) error {
	if s.maxRows <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE id NOT IN (
			SELECT id FROM messages ORDER BY accessed_at_ms DESC, created_at_ms DESC LIMIT ?
		)
	`, s.maxRows)
	if err != nil {
		return errors.Wrap(err, "sqlite message store: trim")
	}
	return nil
}
