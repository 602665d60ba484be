package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"whatsapp-bridge/internal/domain"
)

const createBagsTable = `
CREATE TABLE IF NOT EXISTS session_bags (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);`

// SQLiteStore keeps session bags in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// OpenSQLiteStore opens (and migrates) the database at path.
func OpenSQLiteStore(path string, ttl time.Duration) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("repository: ttl must be positive")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createBagsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: create session_bags table: %w", err)
	}
	return &SQLiteStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Get loads the unexpired bag stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (domain.Bag, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM session_bags WHERE key = ? AND expires_at > ?`,
		key, s.now().Unix(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bag{}, false, nil
	}
	if err != nil {
		return domain.Bag{}, false, fmt.Errorf("repository: sqlite get: %w", err)
	}
	var bag domain.Bag
	if err := json.Unmarshal([]byte(payload), &bag); err != nil {
		return domain.Bag{}, false, fmt.Errorf("repository: sqlite unmarshal: %w", err)
	}
	return bag, true, nil
}

// Put upserts bag under key and refreshes its expiry.
func (s *SQLiteStore) Put(ctx context.Context, key string, bag domain.Bag) error {
	payload, err := json.Marshal(bag)
	if err != nil {
		return fmt.Errorf("repository: sqlite marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_bags (key, payload, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at`,
		key, string(payload), s.now().Add(s.ttl).Unix(),
	)
	if err != nil {
		return fmt.Errorf("repository: sqlite put: %w", err)
	}
	return nil
}

// Clear deletes key.
func (s *SQLiteStore) Clear(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_bags WHERE key = ?`, key); err != nil {
		return fmt.Errorf("repository: sqlite clear: %w", err)
	}
	return nil
}

// PurgeExpired removes expired bags and returns how many were deleted.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_bags WHERE expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("repository: sqlite purge: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
