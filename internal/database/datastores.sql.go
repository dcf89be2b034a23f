package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const datastoreUpsert = `
INSERT INTO datastores (id, name, type, capacity_gb, free_gb, last_sync)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    type = EXCLUDED.type,
    capacity_gb = EXCLUDED.capacity_gb,
    free_gb = EXCLUDED.free_gb,
    last_sync = EXCLUDED.last_sync
`

type DatastoreUpsertParams struct {
	ID         string
	Name       pgtype.Text
	Type       pgtype.Text
	CapacityGb float64
	FreeGb     float64
	LastSync   pgtype.Timestamptz
}

func (q *Queries) DatastoreUpsert(ctx context.Context, arg *DatastoreUpsertParams) error {
	_, err := q.db.Exec(ctx, datastoreUpsert,
		arg.ID,
		arg.Name,
		arg.Type,
		arg.CapacityGb,
		arg.FreeGb,
		arg.LastSync,
	)
	return err
}

const datastoreStats = `
SELECT COUNT(*) AS total_count,
       COALESCE(SUM(capacity_gb), 0) AS total_capacity_gb,
       COALESCE(SUM(free_gb), 0) AS total_free_gb
FROM datastores
`

type DatastoreStatsRow struct {
	TotalCount      int64
	TotalCapacityGb float64
	TotalFreeGb     float64
}

func (q *Queries) DatastoreStats(ctx context.Context) (*DatastoreStatsRow, error) {
	row := q.db.QueryRow(ctx, datastoreStats)
	var i DatastoreStatsRow
	err := row.Scan(&i.TotalCount, &i.TotalCapacityGb, &i.TotalFreeGb)
	return &i, err
}
