// Package storage implements the chat server's persistence layer: SQLite
// via database/sql, schema migrations via golang-migrate, and typed
// operations for each entity spec.md §6 requires, split one file per
// entity but all defined as methods on the single Storage façade; there are
// no separate sub-store interfaces.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lair-chat/lair-chat/internal/storage/migrations"
)

// Storage is the façade over the SQLite-backed persistence layer. SQLite
// serializes writers at the connection level, but database/sql pools
// connections, so a mutex on the Storage (mu) additionally serializes writes
// through this façade to keep multi-statement operations atomic against
// each other without relying on busy-retry loops.
type Storage struct {
	db     *sql.DB
	mu     sync.Mutex
	nowFn  func() time.Time
}

// Open connects to the SQLite database at dbURL, applies pending
// migrations, and returns a ready Storage.
func Open(dbURL string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbURL)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	// SQLite supports exactly one writer at a time; a single pooled
	// connection avoids SQLITE_BUSY from the driver's own connection pool
	// racing against our application-level mutex.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	if err := migrate_(db); err != nil {
		return nil, err
	}

	return &Storage{db: db, nowFn: time.Now}, nil
}

func migrate_(db *sql.DB) error {
	driver, err := sqlite3migrate.WithInstance(db, &sqlite3migrate.Config{})
	if err != nil {
		return fmt.Errorf("storage: migration driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("storage: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("storage: migration instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("storage: migration up: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive; used by the health
// surface's readiness probe.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SeedLobby creates the well-known Lobby room on first start if it does not
// already exist, per spec.md invariant I3.
func (s *Storage) SeedLobby(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (name, is_lobby) SELECT ?, 1
		 WHERE NOT EXISTS (SELECT 1 FROM rooms WHERE is_lobby = 1)`,
		LobbyRoomName,
	)
	if err != nil {
		return fmt.Errorf("storage: seed lobby: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, serialized against all other writers
// through s.mu, committing on success and rolling back on
// error or panic.
func (s *Storage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}
