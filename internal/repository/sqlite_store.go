package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"onboarding-agent/internal/domain"
	"onboarding-agent/internal/usecase"
)

// SQLiteStore is a ProfileStore backed by SQLite. It is the default store of
// the local CLI.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ usecase.ProfileStore = (*SQLiteStore)(nil)

// OpenSQLite opens the database file at path with the pure-Go driver. A
// single connection keeps ":memory:" databases shared.
func OpenSQLite(path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLiteStore initializes the schema in db and returns a SQLiteStore.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("repository: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS profiles (
			conversation_id TEXT PRIMARY KEY,
			step TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			producer TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS messages_by_conversation ON messages (conversation_id, id);
		CREATE TABLE IF NOT EXISTS contacts (
			address TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS claimed_names (
			name TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS aliases (
			conversation_id TEXT PRIMARY KEY,
			primary_id TEXT NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) GetProfile(ctx context.Context, conversationID string) (domain.ConversationProfile, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM profiles WHERE conversation_id = ?`, conversationID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConversationProfile{}, false, nil
	}
	if err != nil {
		return domain.ConversationProfile{}, false, fmt.Errorf("repository: GetProfile: %w", err)
	}
	var p domain.ConversationProfile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return domain.ConversationProfile{}, false, fmt.Errorf("repository: GetProfile decode: %w", err)
	}
	return p, true, nil
}

// SaveTurn applies the commit in one transaction.
func (s *SQLiteStore) SaveTurn(ctx context.Context, commit domain.TurnCommit) (err error) {
	p := commit.Profile
	if p.ConversationID == "" {
		return errors.New("repository: SaveTurn: conversation id is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("repository: SaveTurn encode: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: SaveTurn begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if p.ClaimedName != "" {
		var holder string
		qerr := tx.QueryRowContext(ctx, `SELECT conversation_id FROM claimed_names WHERE name = ?`, p.ClaimedName).Scan(&holder)
		switch {
		case errors.Is(qerr, sql.ErrNoRows):
		case qerr != nil:
			return fmt.Errorf("repository: SaveTurn claimed name: %w", qerr)
		case holder != p.ConversationID:
			return fmt.Errorf("repository: SaveTurn: %q: %w", p.ClaimedName, ErrClaimedNameTaken)
		}
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO profiles (conversation_id, step, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET step = excluded.step, data = excluded.data, updated_at = excluded.updated_at`,
		p.ConversationID, string(p.CurrentStep()), string(data), formatTime(p.UpdatedAt),
	); err != nil {
		return fmt.Errorf("repository: SaveTurn profile: %w", err)
	}
	if err = s.insertMessage(ctx, tx, commit.Inbound); err != nil {
		return fmt.Errorf("repository: SaveTurn message: %w", err)
	}
	if p.Completed() && p.ContactAddress() != "" {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO contacts (address, conversation_id) VALUES (?, ?)
			ON CONFLICT(address) DO UPDATE SET conversation_id = excluded.conversation_id`,
			p.ContactAddress(), p.ConversationID,
		); err != nil {
			return fmt.Errorf("repository: SaveTurn contact index: %w", err)
		}
	}
	if released := commit.ReleasedClaimedName; released != "" && released != p.ClaimedName {
		if _, err = tx.ExecContext(ctx, `DELETE FROM claimed_names WHERE name = ? AND conversation_id = ?`, released, p.ConversationID); err != nil {
			return fmt.Errorf("repository: SaveTurn release name: %w", err)
		}
	}
	if p.ClaimedName != "" {
		if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO claimed_names (name, conversation_id) VALUES (?, ?)`, p.ClaimedName, p.ConversationID); err != nil {
			return fmt.Errorf("repository: SaveTurn claim name: %w", err)
		}
	}
	if a := commit.Alias; a != nil {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO aliases (conversation_id, primary_id) VALUES (?, ?)
			ON CONFLICT(conversation_id) DO UPDATE SET primary_id = excluded.primary_id`,
			a.ConversationID, a.PrimaryID,
		); err != nil {
			return fmt.Errorf("repository: SaveTurn alias: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("repository: SaveTurn commit: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertMessage(ctx context.Context, db execer, m domain.Message) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, event_id, role, text, producer, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.EventID, m.Role, m.Text, m.Producer, formatTime(created),
	)
	return err
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m domain.Message) error {
	if m.ConversationID == "" {
		return errors.New("repository: AppendMessage: conversation id is required")
	}
	if err := s.insertMessage(ctx, s.db, m); err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, event_id, role, text, producer, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY id DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var created string
		if err := rows.Scan(&m.ConversationID, &m.EventID, &m.Role, &m.Text, &m.Producer, &created); err != nil {
			return nil, fmt.Errorf("repository: GetHistory scan: %w", err)
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("repository: GetHistory created_at: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: GetHistory rows: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) FindByContactAddress(ctx context.Context, address string) (string, bool, error) {
	return s.lookup(ctx, `SELECT conversation_id FROM contacts WHERE address = ?`, address)
}

func (s *SQLiteStore) FindByClaimedName(ctx context.Context, name string) (string, bool, error) {
	return s.lookup(ctx, `SELECT conversation_id FROM claimed_names WHERE name = ?`, name)
}

// PrimaryFor returns the conversation conversationID was merged into.
func (s *SQLiteStore) PrimaryFor(ctx context.Context, conversationID string) (string, bool, error) {
	return s.lookup(ctx, `SELECT primary_id FROM aliases WHERE conversation_id = ?`, conversationID)
}

func (s *SQLiteStore) lookup(ctx context.Context, query, arg string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("repository: lookup: %w", err)
	}
	return id, true, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
