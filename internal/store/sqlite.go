// ABOUTME: SQLite implementation of the ember-matrix store using modernc.org/sqlite
// ABOUTME: Provides config, message history, and roster persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a single SQLite connection. A mutex serializes all access:
// the database is tiny, operations are local, and no network call is ever
// made while the lock is held.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
}

// Open creates a new store at the given path. The schema is created if it
// doesn't exist and parent directories are created if needed.
func Open(path string) (*Store, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist and seeds
// the default system prompt.
func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_key TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch())
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts
			ON messages (conversation_key, timestamp);

		CREATE TABLE IF NOT EXISTS roster (
			name TEXT PRIMARY KEY COLLATE NOCASE,
			added_by TEXT NOT NULL,
			added_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO config (key, value) VALUES (?, ?)",
		KeySystemPrompt, DefaultSystemPrompt,
	)
	return err
}

// GetConfig returns the value for key. The bool reports whether the key
// was present.
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading config %q: %w", key, err)
	}
	return value, true, nil
}

// SetConfig upserts a config value. Last writer wins.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("writing config %q: %w", key, err)
	}
	return nil
}

// AppendMessage records one conversation turn. The insert assigns the
// sequence id and timestamp.
func (s *Store) AppendMessage(ctx context.Context, conversationKey, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (conversation_key, role, content) VALUES (?, ?, ?)",
		conversationKey, role, content,
	)
	if err != nil {
		return fmt.Errorf("storing message: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit messages for a conversation key,
// oldest first. The query fetches newest-first so LIMIT selects the right
// window, then the result is reversed to restore chronological order. The
// id is the tiebreak for turns sharing a whole-second timestamp.
func (s *Store) RecentMessages(ctx context.Context, conversationKey string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, timestamp FROM messages
		 WHERE conversation_key = ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		conversationKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.ConversationKey = conversationKey
		m.Timestamp = time.Unix(ts, 0).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}

	// Reverse so oldest is first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ClearMessages deletes all history for a conversation key and returns the
// number of messages removed.
func (s *Store) ClearMessages(ctx context.Context, conversationKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE conversation_key = ?", conversationKey)
	if err != nil {
		return 0, fmt.Errorf("clearing messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting cleared messages: %w", err)
	}
	return n, nil
}

// AddCharacter adds a name to the roster. Returns true if the name was new,
// false if it was already tracked (compared case-insensitively).
func (s *Store) AddCharacter(ctx context.Context, name, addedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO roster (name, added_by) VALUES (?, ?)",
		name, addedBy,
	)
	if err != nil {
		return false, fmt.Errorf("adding character: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("adding character: %w", err)
	}
	return n > 0, nil
}

// RemoveCharacter removes a name from the roster. Returns true if the name
// was tracked.
func (s *Store) RemoveCharacter(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM roster WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("removing character: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("removing character: %w", err)
	}
	return n > 0, nil
}

// ListCharacters returns all tracked names sorted alphabetically.
func (s *Store) ListCharacters(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT name FROM roster ORDER BY name COLLATE NOCASE")
	if err != nil {
		return nil, fmt.Errorf("listing roster: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning roster entry: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing roster: %w", err)
	}
	return names, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
