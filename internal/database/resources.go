package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/viperadnan-git/gpushare/internal/core/monitor"
)

// UpsertResources records every GPU seen by the collector and refreshes the
// name and hostname of known ones.
func (s *Store) UpsertResources(ctx context.Context, resources []monitor.Resource) error {
	if len(resources) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, r := range resources {
		b.Queue(`
			INSERT INTO resources (id, name, hostname, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, hostname = EXCLUDED.hostname, updated_at = NOW()`,
			r.UUID, r.Name, r.Hostname)
	}
	return s.pool.SendBatch(ctx, b).Close()
}
