package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"catalog-agent/internal/domain"
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// SQLiteStore keeps one row per thread holding the JSON snapshot.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeErr("NewSQLiteStore", fmt.Errorf("open db: %w", err))
	}
	// One writer: concurrent threads queue on the connection instead of
	// failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, storeErr("NewSQLiteStore", fmt.Errorf("%s: %w", pragma, err))
		}
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id  TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			step_count INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, storeErr("NewSQLiteStore", fmt.Errorf("migrate: %w", err))
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*domain.State, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM checkpoints WHERE thread_id = ?", threadID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("SQLiteStore.Load", threadID)
	}
	if err != nil {
		return nil, storeErr("SQLiteStore.Load", err)
	}
	return decode("SQLiteStore.Load", []byte(data))
}

func (s *SQLiteStore) Save(ctx context.Context, st *domain.State) error {
	data, err := encode("SQLiteStore.Save", st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, state, step_count, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			state = excluded.state, step_count = excluded.step_count, updated_at = excluded.updated_at`,
		st.ThreadID, string(data), st.StepCount, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return storeErr("SQLiteStore.Save", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE thread_id = ?", threadID); err != nil {
		return storeErr("SQLiteStore.Delete", err)
	}
	return nil
}
