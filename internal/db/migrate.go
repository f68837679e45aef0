package db

import (
	"context"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"lukechampine.com/blake3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded, append-only schema step.
type Migration struct {
	Version  uint
	Name     string
	SQL      string
	Checksum string
}

// EmbeddedMigrations loads the migrations compiled into the binary.
func EmbeddedMigrations() ([]Migration, error) {
	return LoadMigrations(migrationsFS, "migrations")
}

// LoadMigrations reads N_name.up.sql files from fsys. Versions must run
// 1, 2, 3... without gaps.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open migration source: %w", err)
	}
	defer src.Close()

	var migrations []Migration
	version, err := src.First()
	for err == nil {
		m, readErr := readMigration(src, version)
		if readErr != nil {
			return nil, readErr
		}
		migrations = append(migrations, m)
		version, err = src.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	for i, m := range migrations {
		if want := uint(i + 1); m.Version != want {
			return nil, &MigrationError{Version: want, Err: fmt.Errorf("missing migration: found version %d after %d", m.Version, want-1)}
		}
	}
	return migrations, nil
}

type upReader interface {
	ReadUp(version uint) (io.ReadCloser, string, error)
}

func readMigration(src upReader, version uint) (Migration, error) {
	r, name, err := src.ReadUp(version)
	if err != nil {
		return Migration{}, fmt.Errorf("failed to read migration %d: %w", version, err)
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return Migration{}, fmt.Errorf("failed to read migration %d: %w", version, err)
	}
	sum := blake3.Sum256(body)
	return Migration{
		Version:  version,
		Name:     name,
		SQL:      string(body),
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL,
    applied_at INTEGER NOT NULL
)`

type appliedMigration struct {
	Version  uint   `db:"version"`
	Name     string `db:"name"`
	Checksum string `db:"checksum"`
}

// Migrator applies migrations one version at a time, each in its own
// transaction, and records them in schema_migrations.
type Migrator struct {
	db         *sqlx.DB
	migrations []Migration
	logger     *zap.Logger
}

func NewMigrator(db *sqlx.DB, migrations []Migration, logger *zap.Logger) *Migrator {
	return &Migrator{db: db, migrations: migrations, logger: logger}
}

// Latest is the highest version this build knows.
func (m *Migrator) Latest() uint {
	return uint(len(m.migrations))
}

// CurrentVersion verifies the recorded history against the embedded
// migrations and returns the store's version. A store recorded at a version
// this build does not have, or whose history differs from the embedded
// files, is a MigrationError.
func (m *Migrator) CurrentVersion(ctx context.Context) (uint, error) {
	if _, err := m.db.ExecContext(ctx, createHistoryTable); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var applied []appliedMigration
	if err := m.db.SelectContext(ctx, &applied,
		`SELECT version, name, checksum FROM schema_migrations ORDER BY version`); err != nil {
		return 0, fmt.Errorf("failed to read schema_migrations: %w", err)
	}

	for i, a := range applied {
		if want := uint(i + 1); a.Version != want {
			return 0, &MigrationError{Version: want, Err: fmt.Errorf("history is missing version %d", want)}
		}
		if a.Version > m.Latest() {
			return 0, &MigrationError{
				Version: a.Version,
				Name:    a.Name,
				Err:     fmt.Errorf("store is at version %d but this build only knows up to %d; upgrade mailmirror", applied[len(applied)-1].Version, m.Latest()),
			}
		}
		known := m.migrations[a.Version-1]
		if known.Checksum != a.Checksum {
			return 0, &MigrationError{Version: a.Version, Name: a.Name, Err: errors.New("applied migration differs from the embedded file")}
		}
	}
	return uint(len(applied)), nil
}

// Migrate brings the store to the latest version and returns it.
func (m *Migrator) Migrate(ctx context.Context) (uint, error) {
	return m.MigrateTo(ctx, m.Latest())
}

// MigrateTo applies every migration after the current version up to target.
// It never rolls back: a target below the current version is an error.
func (m *Migrator) MigrateTo(ctx context.Context, target uint) (uint, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return 0, err
	}
	if target > m.Latest() {
		return current, &MigrationError{Version: target, Err: fmt.Errorf("no migration %d in this build (latest is %d)", target, m.Latest())}
	}
	if target < current {
		return current, &MigrationError{Version: target, Err: fmt.Errorf("store is already at version %d; downgrades are not supported", current)}
	}

	for v := current + 1; v <= target; v++ {
		if err := m.apply(ctx, current, v); err != nil {
			return current, err
		}
		current = v
	}
	return current, nil
}

// Apply runs exactly one migration. It refuses anything other than the
// version right after the store's current one.
func (m *Migrator) Apply(ctx context.Context, version uint) (uint, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.apply(ctx, current, version); err != nil {
		return current, err
	}
	return version, nil
}

func (m *Migrator) apply(ctx context.Context, current, version uint) error {
	if version != current+1 {
		return &MigrationError{Version: version, Err: fmt.Errorf("cannot skip from version %d to %d", current, version)}
	}
	if version == 0 || version > m.Latest() {
		return &MigrationError{Version: version, Err: errors.New("unknown migration")}
	}
	mig := m.migrations[version-1]

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return &MigrationError{Version: version, Name: mig.Name, Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return &MigrationError{Version: version, Name: mig.Name, Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
		mig.Version, mig.Name, mig.Checksum, time.Now().UnixMilli()); err != nil {
		return &MigrationError{Version: version, Name: mig.Name, Err: fmt.Errorf("failed to record migration: %w", err)}
	}
	if err := tx.Commit(); err != nil {
		return &MigrationError{Version: version, Name: mig.Name, Err: fmt.Errorf("failed to commit: %w", err)}
	}

	m.logger.Info("Applied migration", zap.Uint("version", version), zap.String("name", strings.TrimSpace(mig.Name)))
	return nil
}
