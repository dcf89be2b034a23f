package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const hostCreate = `
INSERT INTO esxi_hosts (ip, port, username, password, description, sort_order, hostname, version, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id, ip, port, username, password, hostname, version, model, description, sort_order, cpu_usage, memory_usage, cpu_cores, memory_total_gb, storage_total_gb, storage_free_gb, status, last_sync_at, created_at, updated_at
`

type HostCreateParams struct {
	Ip          string
	Port        int32
	Username    string
	Password    string
	Description pgtype.Text
	SortOrder   int32
	Hostname    pgtype.Text
	Version     pgtype.Text
	Status      string
}

func (q *Queries) HostCreate(ctx context.Context, arg *HostCreateParams) (*EsxiHost, error) {
	row := q.db.QueryRow(ctx, hostCreate,
		arg.Ip,
		arg.Port,
		arg.Username,
		arg.Password,
		arg.Description,
		arg.SortOrder,
		arg.Hostname,
		arg.Version,
		arg.Status,
	)
	var i EsxiHost
	err := row.Scan(
		&i.ID,
		&i.Ip,
		&i.Port,
		&i.Username,
		&i.Password,
		&i.Hostname,
		&i.Version,
		&i.Model,
		&i.Description,
		&i.SortOrder,
		&i.CpuUsage,
		&i.MemoryUsage,
		&i.CpuCores,
		&i.MemoryTotalGb,
		&i.StorageTotalGb,
		&i.StorageFreeGb,
		&i.Status,
		&i.LastSyncAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return &i, err
}

const hostFindById = `
SELECT id, ip, port, username, password, hostname, version, model, description, sort_order, cpu_usage, memory_usage, cpu_cores, memory_total_gb, storage_total_gb, storage_free_gb, status, last_sync_at, created_at, updated_at
FROM esxi_hosts WHERE id = $1
`

func (q *Queries) HostFindById(ctx context.Context, id int64) (*EsxiHost, error) {
	row := q.db.QueryRow(ctx, hostFindById, id)
	var i EsxiHost
	err := row.Scan(
		&i.ID,
		&i.Ip,
		&i.Port,
		&i.Username,
		&i.Password,
		&i.Hostname,
		&i.Version,
		&i.Model,
		&i.Description,
		&i.SortOrder,
		&i.CpuUsage,
		&i.MemoryUsage,
		&i.CpuCores,
		&i.MemoryTotalGb,
		&i.StorageTotalGb,
		&i.StorageFreeGb,
		&i.Status,
		&i.LastSyncAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return &i, err
}

const hostFindByIp = `
SELECT id, ip, port, username, password, hostname, version, model, description, sort_order, cpu_usage, memory_usage, cpu_cores, memory_total_gb, storage_total_gb, storage_free_gb, status, last_sync_at, created_at, updated_at
FROM esxi_hosts WHERE ip = $1
`

func (q *Queries) HostFindByIp(ctx context.Context, ip string) (*EsxiHost, error) {
	row := q.db.QueryRow(ctx, hostFindByIp, ip)
	var i EsxiHost
	err := row.Scan(
		&i.ID,
		&i.Ip,
		&i.Port,
		&i.Username,
		&i.Password,
		&i.Hostname,
		&i.Version,
		&i.Model,
		&i.Description,
		&i.SortOrder,
		&i.CpuUsage,
		&i.MemoryUsage,
		&i.CpuCores,
		&i.MemoryTotalGb,
		&i.StorageTotalGb,
		&i.StorageFreeGb,
		&i.Status,
		&i.LastSyncAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return &i, err
}

const hostList = `
SELECT id, ip, port, username, password, hostname, version, model, description, sort_order, cpu_usage, memory_usage, cpu_cores, memory_total_gb, storage_total_gb, storage_free_gb, status, last_sync_at, created_at, updated_at
FROM esxi_hosts ORDER BY sort_order ASC, id ASC
`

func (q *Queries) HostList(ctx context.Context) ([]*EsxiHost, error) {
	rows, err := q.db.Query(ctx, hostList)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*EsxiHost
	for rows.Next() {
		var i EsxiHost
		if err := rows.Scan(
			&i.ID,
			&i.Ip,
			&i.Port,
			&i.Username,
			&i.Password,
			&i.Hostname,
			&i.Version,
			&i.Model,
			&i.Description,
			&i.SortOrder,
			&i.CpuUsage,
			&i.MemoryUsage,
			&i.CpuCores,
			&i.MemoryTotalGb,
			&i.StorageTotalGb,
			&i.StorageFreeGb,
			&i.Status,
			&i.LastSyncAt,
			&i.CreatedAt,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, &i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const hostUpdateEnrollment = `
UPDATE esxi_hosts
SET port = $2, username = $3, password = $4, description = $5, hostname = $6, version = $7, status = $8, updated_at = now()
WHERE id = $1
RETURNING id, ip, port, username, password, hostname, version, model, description, sort_order, cpu_usage, memory_usage, cpu_cores, memory_total_gb, storage_total_gb, storage_free_gb, status, last_sync_at, created_at, updated_at
`

type HostUpdateEnrollmentParams struct {
	ID          int64
	Port        int32
	Username    string
	Password    string
	Description pgtype.Text
	Hostname    pgtype.Text
	Version     pgtype.Text
	Status      string
}

func (q *Queries) HostUpdateEnrollment(ctx context.Context, arg *HostUpdateEnrollmentParams) (*EsxiHost, error) {
	row := q.db.QueryRow(ctx, hostUpdateEnrollment,
		arg.ID,
		arg.Port,
		arg.Username,
		arg.Password,
		arg.Description,
		arg.Hostname,
		arg.Version,
		arg.Status,
	)
	var i EsxiHost
	err := row.Scan(
		&i.ID,
		&i.Ip,
		&i.Port,
		&i.Username,
		&i.Password,
		&i.Hostname,
		&i.Version,
		&i.Model,
		&i.Description,
		&i.SortOrder,
		&i.CpuUsage,
		&i.MemoryUsage,
		&i.CpuCores,
		&i.MemoryTotalGb,
		&i.StorageTotalGb,
		&i.StorageFreeGb,
		&i.Status,
		&i.LastSyncAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return &i, err
}

const hostUpdateSettings = `
UPDATE esxi_hosts
SET ip = $2, port = $3, username = $4, password = $5, description = $6, updated_at = now()
WHERE id = $1
RETURNING id, ip, port, username, password, hostname, version, model, description, sort_order, cpu_usage, memory_usage, cpu_cores, memory_total_gb, storage_total_gb, storage_free_gb, status, last_sync_at, created_at, updated_at
`

type HostUpdateSettingsParams struct {
	ID          int64
	Ip          string
	Port        int32
	Username    string
	Password    string
	Description pgtype.Text
}

func (q *Queries) HostUpdateSettings(ctx context.Context, arg *HostUpdateSettingsParams) (*EsxiHost, error) {
	row := q.db.QueryRow(ctx, hostUpdateSettings,
		arg.ID,
		arg.Ip,
		arg.Port,
		arg.Username,
		arg.Password,
		arg.Description,
	)
	var i EsxiHost
	err := row.Scan(
		&i.ID,
		&i.Ip,
		&i.Port,
		&i.Username,
		&i.Password,
		&i.Hostname,
		&i.Version,
		&i.Model,
		&i.Description,
		&i.SortOrder,
		&i.CpuUsage,
		&i.MemoryUsage,
		&i.CpuCores,
		&i.MemoryTotalGb,
		&i.StorageTotalGb,
		&i.StorageFreeGb,
		&i.Status,
		&i.LastSyncAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return &i, err
}

const hostUpdateStatus = `
UPDATE esxi_hosts SET status = $2, updated_at = now() WHERE id = $1
`

type HostUpdateStatusParams struct {
	ID     int64
	Status string
}

func (q *Queries) HostUpdateStatus(ctx context.Context, arg *HostUpdateStatusParams) error {
	_, err := q.db.Exec(ctx, hostUpdateStatus, arg.ID, arg.Status)
	return err
}

const hostUpdateStats = `
UPDATE esxi_hosts
SET hostname = $2, version = $3, model = $4, status = $5,
    cpu_usage = $6, memory_usage = $7, cpu_cores = $8, memory_total_gb = $9,
    storage_total_gb = $10, storage_free_gb = $11, last_sync_at = $12, updated_at = now()
WHERE id = $1
`

type HostUpdateStatsParams struct {
	ID             int64
	Hostname       pgtype.Text
	Version        pgtype.Text
	Model          pgtype.Text
	Status         string
	CpuUsage       float64
	MemoryUsage    float64
	CpuCores       pgtype.Int4
	MemoryTotalGb  pgtype.Float8
	StorageTotalGb pgtype.Float8
	StorageFreeGb  pgtype.Float8
	LastSyncAt     pgtype.Timestamptz
}

func (q *Queries) HostUpdateStats(ctx context.Context, arg *HostUpdateStatsParams) error {
	_, err := q.db.Exec(ctx, hostUpdateStats,
		arg.ID,
		arg.Hostname,
		arg.Version,
		arg.Model,
		arg.Status,
		arg.CpuUsage,
		arg.MemoryUsage,
		arg.CpuCores,
		arg.MemoryTotalGb,
		arg.StorageTotalGb,
		arg.StorageFreeGb,
		arg.LastSyncAt,
	)
	return err
}

const hostUpdateSortOrder = `
UPDATE esxi_hosts SET sort_order = $2, updated_at = now() WHERE id = $1
`

type HostUpdateSortOrderParams struct {
	ID        int64
	SortOrder int32
}

func (q *Queries) HostUpdateSortOrder(ctx context.Context, arg *HostUpdateSortOrderParams) error {
	_, err := q.db.Exec(ctx, hostUpdateSortOrder, arg.ID, arg.SortOrder)
	return err
}

const hostNextSortOrder = `
SELECT COALESCE(MAX(sort_order), -1) + 1 FROM esxi_hosts
`

func (q *Queries) HostNextSortOrder(ctx context.Context) (int32, error) {
	row := q.db.QueryRow(ctx, hostNextSortOrder)
	var next int32
	err := row.Scan(&next)
	return next, err
}

const hostDelete = `
DELETE FROM esxi_hosts WHERE id = $1
`

func (q *Queries) HostDelete(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, hostDelete, id)
	return err
}
