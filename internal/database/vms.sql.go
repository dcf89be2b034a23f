package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const virtualMachineUpsert = `
INSERT INTO virtual_machines (
    id, uuid, name, host_ip, status, ip_address, os_name, description,
    cpu_count, memory_mb, cpu_usage_mhz, memory_usage_mb, uptime_seconds,
    disk_used_gb, disk_provisioned_gb, tools_status, datastore, vmx_path, last_sync
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
ON CONFLICT (id) DO UPDATE SET
    uuid = EXCLUDED.uuid,
    name = EXCLUDED.name,
    host_ip = EXCLUDED.host_ip,
    status = EXCLUDED.status,
    ip_address = EXCLUDED.ip_address,
    os_name = EXCLUDED.os_name,
    description = EXCLUDED.description,
    cpu_count = EXCLUDED.cpu_count,
    memory_mb = EXCLUDED.memory_mb,
    cpu_usage_mhz = EXCLUDED.cpu_usage_mhz,
    memory_usage_mb = EXCLUDED.memory_usage_mb,
    uptime_seconds = EXCLUDED.uptime_seconds,
    disk_used_gb = EXCLUDED.disk_used_gb,
    disk_provisioned_gb = EXCLUDED.disk_provisioned_gb,
    tools_status = EXCLUDED.tools_status,
    datastore = EXCLUDED.datastore,
    vmx_path = EXCLUDED.vmx_path,
    last_sync = EXCLUDED.last_sync
`

type VirtualMachineUpsertParams struct {
	ID                string
	Uuid              string
	Name              string
	HostIp            string
	Status            string
	IpAddress         pgtype.Text
	OsName            pgtype.Text
	Description       pgtype.Text
	CpuCount          int32
	MemoryMb          int64
	CpuUsageMhz       pgtype.Int4
	MemoryUsageMb     pgtype.Int4
	UptimeSeconds     pgtype.Int8
	DiskUsedGb        pgtype.Float8
	DiskProvisionedGb pgtype.Float8
	ToolsStatus       pgtype.Text
	Datastore         pgtype.Text
	VmxPath           pgtype.Text
	LastSync          pgtype.Timestamptz
}

func (q *Queries) VirtualMachineUpsert(ctx context.Context, arg *VirtualMachineUpsertParams) error {
	_, err := q.db.Exec(ctx, virtualMachineUpsert,
		arg.ID,
		arg.Uuid,
		arg.Name,
		arg.HostIp,
		arg.Status,
		arg.IpAddress,
		arg.OsName,
		arg.Description,
		arg.CpuCount,
		arg.MemoryMb,
		arg.CpuUsageMhz,
		arg.MemoryUsageMb,
		arg.UptimeSeconds,
		arg.DiskUsedGb,
		arg.DiskProvisionedGb,
		arg.ToolsStatus,
		arg.Datastore,
		arg.VmxPath,
		arg.LastSync,
	)
	return err
}

const virtualMachineFindById = `
SELECT id, uuid, name, host_ip, status, ip_address, os_name, description, cpu_count, memory_mb, cpu_usage_mhz, memory_usage_mb, uptime_seconds, disk_used_gb, disk_provisioned_gb, tools_status, datastore, vmx_path, last_sync
FROM virtual_machines WHERE id = $1
`

func (q *Queries) VirtualMachineFindById(ctx context.Context, id string) (*VirtualMachine, error) {
	row := q.db.QueryRow(ctx, virtualMachineFindById, id)
	var i VirtualMachine
	err := row.Scan(
		&i.ID,
		&i.Uuid,
		&i.Name,
		&i.HostIp,
		&i.Status,
		&i.IpAddress,
		&i.OsName,
		&i.Description,
		&i.CpuCount,
		&i.MemoryMb,
		&i.CpuUsageMhz,
		&i.MemoryUsageMb,
		&i.UptimeSeconds,
		&i.DiskUsedGb,
		&i.DiskProvisionedGb,
		&i.ToolsStatus,
		&i.Datastore,
		&i.VmxPath,
		&i.LastSync,
	)
	return &i, err
}

const virtualMachineList = `
SELECT id, uuid, name, host_ip, status, ip_address, os_name, description, cpu_count, memory_mb, cpu_usage_mhz, memory_usage_mb, uptime_seconds, disk_used_gb, disk_provisioned_gb, tools_status, datastore, vmx_path, last_sync
FROM virtual_machines
WHERE ($1 = '' OR host_ip = $1)
  AND ($2 = '' OR name ILIKE '%' || $2 || '%' OR COALESCE(ip_address, '') ILIKE '%' || $2 || '%')
  AND ($3 = '' OR status = $3)
ORDER BY name ASC
LIMIT $4 OFFSET $5
`

type VirtualMachineListParams struct {
	HostIp  string
	Keyword string
	Status  string
	Limit   int32
	Offset  int32
}

func (q *Queries) VirtualMachineList(ctx context.Context, arg *VirtualMachineListParams) ([]*VirtualMachine, error) {
	rows, err := q.db.Query(ctx, virtualMachineList,
		arg.HostIp,
		arg.Keyword,
		arg.Status,
		arg.Limit,
		arg.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*VirtualMachine
	for rows.Next() {
		var i VirtualMachine
		if err := rows.Scan(
			&i.ID,
			&i.Uuid,
			&i.Name,
			&i.HostIp,
			&i.Status,
			&i.IpAddress,
			&i.OsName,
			&i.Description,
			&i.CpuCount,
			&i.MemoryMb,
			&i.CpuUsageMhz,
			&i.MemoryUsageMb,
			&i.UptimeSeconds,
			&i.DiskUsedGb,
			&i.DiskProvisionedGb,
			&i.ToolsStatus,
			&i.Datastore,
			&i.VmxPath,
			&i.LastSync,
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

const virtualMachineCount = `
SELECT COUNT(*)
FROM virtual_machines
WHERE ($1 = '' OR host_ip = $1)
  AND ($2 = '' OR name ILIKE '%' || $2 || '%' OR COALESCE(ip_address, '') ILIKE '%' || $2 || '%')
  AND ($3 = '' OR status = $3)
`

type VirtualMachineCountParams struct {
	HostIp  string
	Keyword string
	Status  string
}

func (q *Queries) VirtualMachineCount(ctx context.Context, arg *VirtualMachineCountParams) (int64, error) {
	row := q.db.QueryRow(ctx, virtualMachineCount, arg.HostIp, arg.Keyword, arg.Status)
	var count int64
	err := row.Scan(&count)
	return count, err
}

const virtualMachineUpdateInfo = `
UPDATE virtual_machines SET name = $2, description = $3, last_sync = $4 WHERE id = $1
`

type VirtualMachineUpdateInfoParams struct {
	ID          string
	Name        string
	Description pgtype.Text
	LastSync    pgtype.Timestamptz
}

func (q *Queries) VirtualMachineUpdateInfo(ctx context.Context, arg *VirtualMachineUpdateInfoParams) error {
	_, err := q.db.Exec(ctx, virtualMachineUpdateInfo, arg.ID, arg.Name, arg.Description, arg.LastSync)
	return err
}

const virtualMachineDeleteByHost = `
DELETE FROM virtual_machines WHERE host_ip = $1
`

func (q *Queries) VirtualMachineDeleteByHost(ctx context.Context, hostIp string) error {
	_, err := q.db.Exec(ctx, virtualMachineDeleteByHost, hostIp)
	return err
}

const virtualMachineDeleteStale = `
DELETE FROM virtual_machines WHERE host_ip = $1 AND id <> ALL($2::text[])
`

type VirtualMachineDeleteStaleParams struct {
	HostIp      string
	ObservedIds []string
}

func (q *Queries) VirtualMachineDeleteStale(ctx context.Context, arg *VirtualMachineDeleteStaleParams) error {
	_, err := q.db.Exec(ctx, virtualMachineDeleteStale, arg.HostIp, arg.ObservedIds)
	return err
}

const vmCountsByHost = `
SELECT host_ip,
       COUNT(*) AS vm_count,
       COUNT(*) FILTER (WHERE status = 'poweredOn') AS vms_running
FROM virtual_machines
GROUP BY host_ip
`

type VMCountsByHostRow struct {
	HostIp     string
	VmCount    int64
	VmsRunning int64
}

func (q *Queries) VMCountsByHost(ctx context.Context) ([]*VMCountsByHostRow, error) {
	rows, err := q.db.Query(ctx, vmCountsByHost)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*VMCountsByHostRow
	for rows.Next() {
		var i VMCountsByHostRow
		if err := rows.Scan(&i.HostIp, &i.VmCount, &i.VmsRunning); err != nil {
			return nil, err
		}
		items = append(items, &i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
