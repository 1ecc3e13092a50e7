package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// MigrationLockKey is the advisory lock held while the schema changes, so
// replicas started together apply each migration once.
const MigrationLockKey int64 = 0x64696365 // "dice"

var (
	ErrBadMigrationName  = errors.New("bad migration file name")
	ErrUnpairedMigration = errors.New("migration has no matching up/down file")
	ErrChecksumMismatch  = errors.New("applied migration was modified")
)

// Migration is one versioned schema change, golang-migrate file naming:
// {version}_{name}.up.sql / .down.sql
type Migration struct {
	Version  string
	Name     string
	UpFile   string
	DownFile string

	// Checksum is the hex SHA-256 of the up file.
	Checksum string
}

// MigrationStatus reports a migration against the diceledger_migrations table.
type MigrationStatus struct {
	Migration
	Applied   bool
	AppliedAt time.Time
	Modified  bool
}

// Migrator applies the DiceLedger schema.
type Migrator struct {
	db         *sql.DB
	migrations fs.FS
	logger     zerolog.Logger
}

// NewMigrator reads migrations from a directory on disk.
func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return NewMigratorFS(db, os.DirFS(migrationsDir))
}

// NewMigratorFS reads migrations from fsys, e.g. the embedded set in
// the migrations package.
func NewMigratorFS(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{db: db, migrations: fsys, logger: zerolog.Nop()}
}

func (m *Migrator) WithLogger(logger zerolog.Logger) *Migrator {
	m.logger = logger
	return m
}

// LoadMigrations pairs the up and down files in fsys and orders them by
// version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		file := e.Name()
		up := strings.HasSuffix(file, ".up.sql")
		if !up && !strings.HasSuffix(file, ".down.sql") {
			continue
		}

		version, rest, ok := strings.Cut(file, "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("%w: %s", ErrBadMigrationName, file)
		}
		name := strings.TrimSuffix(strings.TrimSuffix(rest, ".up.sql"), ".down.sql")

		mg := byVersion[version]
		if mg == nil {
			mg = &Migration{Version: version, Name: name}
			byVersion[version] = mg
		}
		if mg.Name != name {
			return nil, fmt.Errorf("%w: version %s used by %q and %q", ErrBadMigrationName, version, mg.Name, name)
		}

		if !up {
			mg.DownFile = file
			continue
		}
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", file, err)
		}
		sum := sha256.Sum256(content)
		mg.UpFile = file
		mg.Checksum = hex.EncodeToString(sum[:])
	}

	all := make([]Migration, 0, len(byVersion))
	for _, mg := range byVersion {
		if mg.UpFile == "" || mg.DownFile == "" {
			return nil, fmt.Errorf("%w: %s_%s", ErrUnpairedMigration, mg.Version, mg.Name)
		}
		all = append(all, *mg)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })
	return all, nil
}

// Up applies all pending migrations in order. An applied migration whose
// file changed since stops the run before anything is executed.
func (m *Migrator) Up(ctx context.Context) error {
	all, err := LoadMigrations(m.migrations)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return fmt.Errorf("get applied versions: %w", err)
		}

		var pending []Migration
		for _, mg := range all {
			row, ok := applied[mg.Version]
			if !ok {
				pending = append(pending, mg)
				continue
			}
			if row.checksum != mg.Checksum {
				return fmt.Errorf("%w: %s", ErrChecksumMismatch, mg.UpFile)
			}
		}

		for _, mg := range pending {
			m.logger.Info().Str("version", mg.Version).Str("file", mg.UpFile).Msg("applying migration")
			if err := m.exec(ctx, conn, mg.UpFile, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO public.diceledger_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
					mg.Version, mg.UpFile, mg.Checksum,
				)
				return err
			}); err != nil {
				return err
			}
		}
		if len(pending) > 0 {
			m.logger.Info().Int("applied", len(pending)).Msg("migrations applied")
		}
		return nil
	})
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	all, err := LoadMigrations(m.migrations)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	return m.locked(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM public.diceledger_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("get latest migration: %w", err)
		}

		idx := sort.Search(len(all), func(i int) bool { return all[i].Version >= version })
		if idx == len(all) || all[idx].Version != version {
			return fmt.Errorf("%w: applied version %s has no files", ErrUnpairedMigration, version)
		}
		mg := all[idx]

		if err := m.exec(ctx, conn, mg.DownFile, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM public.diceledger_migrations WHERE version = $1`, version)
			return err
		}); err != nil {
			return err
		}
		m.logger.Info().Str("version", version).Str("file", mg.DownFile).Msg("rolled back migration")
		return nil
	})
}

// Status lists every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	all, err := LoadMigrations(m.migrations)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	if err := ensureMigrationTable(ctx, m.db); err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(ctx, m.db)
	if err != nil {
		return nil, err
	}

	status := make([]MigrationStatus, 0, len(all))
	for _, mg := range all {
		s := MigrationStatus{Migration: mg}
		if row, ok := applied[mg.Version]; ok {
			s.Applied = true
			s.AppliedAt = row.appliedAt
			s.Modified = row.checksum != mg.Checksum
		}
		status = append(status, s)
	}
	return status, nil
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("postgres: migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, MigrationLockKey); err != nil {
		return fmt.Errorf("postgres: migration lock: %w", err)
	}
	defer func() {
		// The session lock also goes away with the connection.
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, MigrationLockKey); err != nil {
			m.logger.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// exec runs one migration file and its bookkeeping in a transaction.
func (m *Migrator) exec(ctx context.Context, conn *sql.Conn, file string, record func(tx *sql.Tx) error) error {
	content, err := fs.ReadFile(m.migrations, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

type migrationQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func ensureMigrationTable(ctx context.Context, q migrationQuerier) error {
	_, err := q.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.diceledger_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

type appliedMigration struct {
	checksum  string
	appliedAt time.Time
}

func appliedMigrations(ctx context.Context, q migrationQuerier) (map[string]appliedMigration, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, checksum, applied_at FROM public.diceledger_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]appliedMigration)
	for rows.Next() {
		var v string
		var a appliedMigration
		if err := rows.Scan(&v, &a.checksum, &a.appliedAt); err != nil {
			return nil, err
		}
		applied[v] = a
	}
	return applied, rows.Err()
}
