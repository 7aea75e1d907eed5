// Package sqlbase holds the schema migrations and error helpers shared by SQL stores.
package sqlbase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/lib/pq"
)

const (
	uniqueViolation = "23505"

	// migrationLockID keys the advisory lock serializing engines migrating the same database.
	migrationLockID = 7_263_114_091
)

// Migration is one schema change, applied inside its own transaction.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator applies pending migrations in version order.
type Migrator struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

func NewMigrator(logger *slog.Logger, db *sql.DB, migrations []Migration) *Migrator {
	sorted := slices.Clone(migrations)
	slices.SortFunc(sorted, func(a, b Migration) int { return a.Version - b.Version })

	return &Migrator{
		db:         db,
		logger:     logger.With("module", "migrator"),
		migrations: sorted,
	}
}

// LatestVersion is the highest known migration version.
func (m *Migrator) LatestVersion() int {
	if len(m.migrations) == 0 {
		return 0
	}

	return m.migrations[len(m.migrations)-1].Version
}

// Migrate brings the schema to the latest version. Concurrent callers wait on an
// advisory lock so each migration is applied once.
func (m *Migrator) Migrate(ctx context.Context) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}

	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			m.logger.WarnContext(ctx, "failed to release migration lock", "error", err)
		}
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int

	err = conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to query current schema version: %w", err)
	}

	applied := 0

	for _, migration := range m.migrations {
		if migration.Version <= current {
			continue
		}

		if err := m.apply(ctx, conn, migration); err != nil {
			return err
		}

		applied++
	}

	m.logger.InfoContext(ctx, "schema is up to date",
		"from_version", current,
		"version", m.LatestVersion(),
		"applied", applied)

	return nil
}

func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, migration Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", migration.Version, err)
	}

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to execute migration %d (%s): %w", migration.Version, migration.Name, err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", migration.Version, migration.Name)
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
	}

	m.logger.InfoContext(ctx, "applied migration", "version", migration.Version, "name", migration.Name)

	return nil
}

// IsUniqueViolation reports whether err is a duplicate key error from PostgreSQL.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
