package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/saleskingacademy/agentpool/internal/config"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a lost compare-and-swap: the agent was claimed by
	// someone else or is no longer active.
	ErrConflict = errors.New("concurrency conflict")
	// ErrInvalidTransition reports a task that is not in the state the
	// operation requires.
	ErrInvalidTransition = errors.New("invalid task transition")
	// ErrLocked is returned when another process holds the store lock.
	ErrLocked = errors.New("store is locked by another process")
)

type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Servers share the lock; restore needs it exclusively.
	lock := flock.New(lockPath(cfg.Path))
	ok, err := lock.TryRLock()
	if err != nil {
		return nil, fmt.Errorf("lock store: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	// Transactions start with BEGIN IMMEDIATE so the write lock is taken up
	// front; busy_timeout makes concurrent writers wait instead of failing.
	dsn := "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, lock: lock}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	return err
}

func lockPath(dbPath string) string {
	return dbPath + ".lock"
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			role              TEXT NOT NULL DEFAULT '',
			level             INTEGER NOT NULL,
			status            TEXT NOT NULL DEFAULT 'ACTIVE',
			current_task      TEXT,
			performance_score REAL NOT NULL,
			tasks_completed   INTEGER NOT NULL DEFAULT 0,
			last_active       DATETIME,
			created_at        DATETIME NOT NULL,
			updated_at        DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_current_task ON agents(current_task) WHERE current_task IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id               TEXT PRIMARY KEY,
			description      TEXT NOT NULL,
			type             TEXT NOT NULL,
			priority         INTEGER NOT NULL DEFAULT 0,
			assigned_agent   TEXT,
			status           TEXT NOT NULL,
			reason           TEXT,
			execution_plan   TEXT,
			result           TEXT,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			created_at       DATETIME NOT NULL,
			started_at       DATETIME,
			completed_at     DATETIME,
			duration_ms      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(completed_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
