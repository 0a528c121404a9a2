package database

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	version int
	up      string
	down    string
}

// loadMigrations pairs NNN_name.up.sql with NNN_name.down.sql, ordered by
// version.
func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := make(map[int]*migration)
	for _, entry := range entries {
		name := entry.Name()
		var version int
		if _, err := fmt.Sscanf(name, "%03d_", &version); err != nil {
			continue
		}
		m, ok := byVersion[version]
		if !ok {
			m = &migration{version: version}
			byVersion[version] = m
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			m.up = name
		case strings.HasSuffix(name, ".down.sql"):
			m.down = name
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.up == "" {
			return nil, fmt.Errorf("migration %03d has no up file", m.version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func currentVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("create migrations table: %w", err)
	}
	var v int
	if err := pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// Migrate applies every pending up migration, each in its own transaction.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	current, err := currentVersion(ctx, pool)
	if err != nil {
		return err
	}
	all, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range all {
		if m.version <= current {
			continue
		}
		err := apply(ctx, pool, m.up, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		log.Info().Int("version", m.version).Str("file", m.up).Msg("applied migration")
	}
	return nil
}

// MigrateDown reverts the newest steps applied migrations.
func MigrateDown(ctx context.Context, pool *pgxpool.Pool, steps int) error {
	current, err := currentVersion(ctx, pool)
	if err != nil {
		return err
	}
	all, err := loadMigrations()
	if err != nil {
		return err
	}

	for i := len(all) - 1; i >= 0 && steps > 0; i-- {
		m := all[i]
		if m.version > current {
			continue
		}
		if m.down == "" {
			return fmt.Errorf("migration %d has no down file", m.version)
		}
		err := apply(ctx, pool, m.down, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", m.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("revert migration %d: %w", m.version, err)
		}
		log.Info().Int("version", m.version).Str("file", m.down).Msg("reverted migration")
		steps--
	}
	return nil
}

func apply(ctx context.Context, pool *pgxpool.Pool, file string, record func(pgx.Tx) error) error {
	sql, err := migrationsFS.ReadFile("migrations/" + file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("exec %s: %w", file, err)
		}
		return record(tx)
	})
}
