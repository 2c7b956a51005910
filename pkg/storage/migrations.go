package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Migration represents a single schema change owned by a package
type Migration struct {
	// Version must be unique across all packages, e.g. "authz-001"
	Version     string
	Description string
	SQL         string
}

// Concat joins migration lists, preserving order
func Concat(lists ...[]Migration) []Migration {
	var all []Migration
	for _, l := range lists {
		all = append(all, l...)
	}
	return all
}

// Migrate applies pending migrations in the given order. Each migration runs
// in its own transaction together with its schema_migrations record.
func Migrate(ctx context.Context, db *sql.DB, migrations []Migration, log logrus.FieldLogger) error {
	if log == nil {
		log = logrus.New()
	}

	seen := make(map[string]bool, len(migrations))
	for _, m := range migrations {
		if seen[m.Version] {
			return fmt.Errorf("duplicate migration version %q", m.Version)
		}
		seen[m.Version] = true
	}

	// Create migration tracking table
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := AppliedMigrations(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.WithField("version", m.Version).Infof("Running migration: %s", m.Description)

		err := WithTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)",
				m.Version, m.Description, time.Now().UTC(),
			); err != nil {
				return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// AppliedMigrations returns the set of recorded migration versions
func AppliedMigrations(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// PendingMigrations lists versions not yet applied, sorted for display
func PendingMigrations(applied map[string]bool, migrations []Migration) []string {
	var pending []string
	for _, m := range migrations {
		if !applied[m.Version] {
			pending = append(pending, m.Version)
		}
	}
	sort.Strings(pending)
	return pending
}
