package database

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type EsxiHost struct {
	ID             int64
	Ip             string
	Port           int32
	Username       string
	Password       string
	Hostname       pgtype.Text
	Version        pgtype.Text
	Model          pgtype.Text
	Description    pgtype.Text
	SortOrder      int32
	CpuUsage       float64
	MemoryUsage    float64
	CpuCores       pgtype.Int4
	MemoryTotalGb  pgtype.Float8
	StorageTotalGb pgtype.Float8
	StorageFreeGb  pgtype.Float8
	Status         string
	LastSyncAt     pgtype.Timestamptz
	CreatedAt      pgtype.Timestamptz
	UpdatedAt      pgtype.Timestamptz
}

type VirtualMachine struct {
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

type Datastore struct {
	ID         string
	Name       pgtype.Text
	Type       pgtype.Text
	CapacityGb float64
	FreeGb     float64
	LastSync   pgtype.Timestamptz
}

type Credential struct {
	ID          int64
	Name        string
	Username    string
	Password    string
	Description pgtype.Text
	CreatedAt   pgtype.Timestamptz
	UpdatedAt   pgtype.Timestamptz
}

type Task struct {
	ID        string
	Type      string
	TargetID  pgtype.Text
	Status    string
	Progress  int32
	Message   pgtype.Text
	Result    []byte
	CreatedAt pgtype.Timestamptz
	UpdatedAt pgtype.Timestamptz
}
