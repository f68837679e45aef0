package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailmirror/internal/retry"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store is the mirror database. Reads go through DB; every write goes
// through Do, which serializes transactions on a single writer.
type Store struct {
	DB     *sqlx.DB
	writer *Writer
	logger *zap.Logger
}

// Options tunes the connection.
type Options struct {
	BusyTimeout time.Duration
	Retry       retry.Config
	// Migrations overrides the embedded list (tests only).
	Migrations []Migration
}

// Open opens (or creates) the mirror at path, brings it to the latest
// schema version and starts the writer. WAL lets readers run during a sync.
func Open(ctx context.Context, path string, opts Options, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := OpenDB(path, opts.BusyTimeout)
	if err != nil {
		return nil, err
	}

	migrations := opts.Migrations
	if migrations == nil {
		if migrations, err = EmbeddedMigrations(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	version, err := NewMigrator(db, migrations, logger).Migrate(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("Mirror store ready", zap.String("path", path), zap.Uint("schema_version", version))

	cfg := opts.Retry
	if cfg.MaxRetries == 0 && cfg.MaxElapsed == 0 {
		cfg = retry.DefaultConfig()
	}
	return &Store{DB: db, writer: NewWriter(db, cfg, logger), logger: logger}, nil
}

// OpenDB opens the SQLite file with the mirror's pragmas but does not
// migrate it.
func OpenDB(path string, busyTimeout time.Duration) (*sqlx.DB, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)&_txlock=immediate",
		path, busyTimeout.Milliseconds())

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror store: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mirror store: %w", err)
	}
	return db, nil
}

// Do runs fn in a write transaction on the store's single writer.
func (s *Store) Do(ctx context.Context, fn TxFunc) error {
	return s.writer.Do(ctx, fn)
}

// Close stops the writer and closes the pool.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.writer.Close()
	return s.DB.Close()
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
