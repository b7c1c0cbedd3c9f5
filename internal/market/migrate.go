package market

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migration is one versioned schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrator applies the embedded schema migrations in version order, tracking
// progress in a schema_version table.
type Migrator struct {
	pool PgxPool
}

// NewMigrator creates a migration runner over a pgx pool.
func NewMigrator(pool PgxPool) *Migrator {
	return &Migrator{pool: pool}
}

const schemaVersionSQL = `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ DEFAULT NOW(),
		description TEXT
	)`

// Migrate applies all pending migrations. Safe to run on every startup.
func (m *Migrator) Migrate(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, schemaVersionSQL); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	applied := 0
	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}
		if _, err := m.pool.Exec(ctx, mig.SQL); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", mig.Version, err)
		}
		_, err := m.pool.Exec(ctx,
			"INSERT INTO schema_version (version, description) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING",
			mig.Version, mig.Description)
		if err != nil {
			return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
		}
		log.Info().
			Int("version", mig.Version).
			Str("description", mig.Description).
			Msg("Migration applied")
		applied++
	}

	if applied == 0 {
		log.Debug().Int("version", current).Msg("Schema up to date")
	}
	return nil
}

func (m *Migrator) currentVersion(ctx context.Context) (int, error) {
	var version int
	row := m.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// loadMigrations reads the embedded NNN_description.sql files, sorted by
// version.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		content, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		var version int
		var rest string
		if _, err := fmt.Sscanf(name, "%d_%s", &version, &rest); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s (want NNN_description.sql)", name)
		}
		description := strings.ReplaceAll(strings.TrimSuffix(rest, ".sql"), "_", " ")

		migrations = append(migrations, Migration{
			Version:     version,
			Description: description,
			SQL:         string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
