// Package sqlite implements the storage port on a single SQLite database.
// The ncruces driver runs the sqlite engine in-process via wazero, so the
// binary has no cgo or external dependency.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/types"
)

// Store implements storage.Store backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var _ storage.Store = (*Store)(nil)

// New opens (creating if necessary) the database at path and applies the
// schema and pending migrations.
func New(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// file: prefix is required by the ncruces driver. WAL keeps readers
	// unblocked while workers write; busy_timeout covers lock contention
	// between worker processes.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	for _, m := range migrations {
		var applied int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.version, err)
		}
		if applied > 0 {
			continue
		}
		if err := m.apply(ctx, s.db); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// isUniqueConstraintError checks if err is a UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// RunInTransaction executes fn within a single BEGIN IMMEDIATE transaction.
// IMMEDIATE takes the write lock up front, which serializes concurrent
// writers instead of deadlocking them mid-transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	if err := fn(&txStore{conn: conn}); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// execer abstracts *sql.DB and *sql.Conn so the row-level helpers serve
// both direct calls and transactional calls.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// txStore adapts a single connection holding an open transaction to the
// storage.Transaction interface.
type txStore struct {
	conn *sql.Conn
}

var _ storage.Transaction = (*txStore)(nil)

func (t *txStore) UpsertSupplier(ctx context.Context, sup *types.Supplier, actor string) (bool, error) {
	return upsertSupplier(ctx, t.conn, sup, actor)
}

func (t *txStore) UpsertProduct(ctx context.Context, p *types.Product, actor string) (bool, error) {
	return upsertProduct(ctx, t.conn, p, actor)
}

func (t *txStore) AppendVersion(ctx context.Context, v *types.VersionRecord) error {
	return appendVersion(ctx, t.conn, v)
}

func (t *txStore) LatestVersion(ctx context.Context, entityType types.EntityType, entityID string) (*types.VersionRecord, error) {
	return latestVersion(ctx, t.conn, entityType, entityID)
}

func (t *txStore) ReplaceProductImages(ctx context.Context, productRef string, images []*types.ProductImage) error {
	return replaceProductImages(ctx, t.conn, productRef, images)
}

// nullTime converts a *time.Time for binding.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// scanNullTime converts a scanned sql.NullTime back to *time.Time.
func scanNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
