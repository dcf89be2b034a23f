// Package reconciler keeps the database in line with what the
// hypervisors actually run. A reconcile pass connects to one host,
// refreshes its resource stats and datastores, mirrors every VM it can
// see and prunes rows for VMs that no longer exist. The hypervisor is
// the source of truth; the database is a cache of the last pass.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/opsnav/opsnav/internal/database"
	"github.com/opsnav/opsnav/internal/faults"
	"github.com/opsnav/opsnav/internal/hypervisor"
	"github.com/opsnav/opsnav/internal/secrets"
)

// Host status values persisted on enrollment and reconcile.
const (
	StatusOnline    = "online"
	StatusOffline   = "offline"
	StatusAuthError = "auth_error"
)

// Store is the slice of the query layer a reconcile pass writes through.
type Store interface {
	HostUpdateStatus(ctx context.Context, arg *database.HostUpdateStatusParams) error
	HostUpdateStats(ctx context.Context, arg *database.HostUpdateStatsParams) error
	VirtualMachineUpsert(ctx context.Context, arg *database.VirtualMachineUpsertParams) error
	VirtualMachineDeleteStale(ctx context.Context, arg *database.VirtualMachineDeleteStaleParams) error
	VirtualMachineDeleteByHost(ctx context.Context, hostIp string) error
	DatastoreUpsert(ctx context.Context, arg *database.DatastoreUpsertParams) error
}

// Config carries the fallback hypervisor credentials.
type Config struct {
	DefaultUsername string
	DefaultPassword string
}

// Service reconciles hypervisor inventory into the database.
type Service struct {
	logger  *slog.Logger
	store   Store
	secrets secrets.Store
	cfg     Config
}

func NewService(cfg Config, store Store, sec secrets.Store, logger *slog.Logger) *Service {
	return &Service{
		logger:  logger,
		store:   store,
		secrets: sec,
		cfg:     cfg,
	}
}

// Credentials resolves the credentials for a host: explicit override
// first, then the stored enrollment, then the configured defaults. A
// host without any password cannot be reached.
func (s *Service) Credentials(host *database.EsxiHost, userOverride, pwdOverride string) (string, string, error) {
	user := userOverride
	if user == "" {
		user = host.Username
	}
	if user == "" {
		user = s.cfg.DefaultUsername
	}
	if user == "" {
		user = "root"
	}

	pwd := pwdOverride
	if pwd == "" && host.Password != "" {
		stored, err := s.secrets.Open(host.Password)
		if err != nil {
			return "", "", fmt.Errorf("failed to open stored password for %s: %w", host.Ip, err)
		}
		pwd = stored
	}
	if pwd == "" {
		pwd = s.cfg.DefaultPassword
	}
	if pwd == "" {
		return "", "", faults.Authf("missing password for %s: provide one or set ESXI_PASSWORD", host.Ip)
	}
	return user, pwd, nil
}

// Probe connects with the given credentials, reads the endpoint's
// self-description and disconnects.
func (s *Service) Probe(ctx context.Context, addr, username, password string, port int32) (*hypervisor.HostInfo, error) {
	return hypervisor.Probe(ctx, s.logger, addr, username, password, port)
}

// Summary reports what a reconcile pass saw.
type Summary struct {
	HostIp     string
	VMs        int
	Datastores int
	Skipped    int
}

// Reconcile runs one full pass against a host. A connect failure marks
// the host offline (auth_error when the login was rejected) and returns
// the failure; everything past the connect degrades per-item so one
// broken VM cannot hide the rest.
func (s *Service) Reconcile(ctx context.Context, host *database.EsxiHost, userOverride, pwdOverride string) (*Summary, error) {
	user, pwd, err := s.Credentials(host, userOverride, pwdOverride)
	if err != nil {
		return nil, err
	}

	sess, err := hypervisor.Connect(ctx, s.logger, host.Ip, user, pwd, host.Port)
	if err != nil {
		status := StatusOffline
		if hypervisor.IsInvalidLogin(err) {
			status = StatusAuthError
		}
		s.logger.Warn("Marking host unreachable", "host", host.Ip, "status", status, "error", err)
		if dbErr := s.store.HostUpdateStatus(ctx, &database.HostUpdateStatusParams{ID: host.ID, Status: status}); dbErr != nil {
			s.logger.Error("Failed to update host status", "host", host.Ip, "error", dbErr)
		}
		return nil, err
	}
	defer sess.Close(ctx)

	return s.reconcileSession(ctx, sess, host)
}

func (s *Service) reconcileSession(ctx context.Context, sess *hypervisor.Session, host *database.EsxiHost) (*Summary, error) {
	now := database.Now()
	summary := &Summary{HostIp: host.Ip}

	stats, datastores, err := s.collectHostStats(ctx, sess, host, now)
	if err != nil {
		// Stats are best-effort; the VM scan below still runs. Carry the
		// previous values forward so the row only advances, never blanks.
		s.logger.Error("Failed to collect host stats", "host", host.Ip, "error", err)
		stats = carryForwardStats(host, now)
	}
	if err := s.store.HostUpdateStats(ctx, stats); err != nil {
		return nil, fmt.Errorf("failed to update host %s: %w", host.Ip, err)
	}

	for _, ds := range datastores {
		if ds.Summary.Url == "" {
			continue
		}
		err := s.store.DatastoreUpsert(ctx, &database.DatastoreUpsertParams{
			ID:         ds.Summary.Url,
			Name:       database.Text(ds.Summary.Name),
			Type:       database.Text(ds.Summary.Type),
			CapacityGb: bytesToGb(ds.Summary.Capacity),
			FreeGb:     bytesToGb(ds.Summary.FreeSpace),
			LastSync:   now,
		})
		if err != nil {
			s.logger.Error("Failed to upsert datastore", "host", host.Ip, "datastore", ds.Summary.Name, "error", err)
			continue
		}
		summary.Datastores++
	}

	observed, skipped, err := s.scanVMs(ctx, sess, host, now)
	if err != nil {
		return nil, err
	}
	summary.VMs = len(observed)
	summary.Skipped = skipped

	// Rows the scan did not see belong to VMs that are gone. An empty
	// scan against a live host means the host really has no VMs left.
	if len(observed) > 0 {
		err = s.store.VirtualMachineDeleteStale(ctx, &database.VirtualMachineDeleteStaleParams{
			HostIp:      host.Ip,
			ObservedIds: observed,
		})
	} else {
		err = s.store.VirtualMachineDeleteByHost(ctx, host.Ip)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to prune stale VMs for %s: %w", host.Ip, err)
	}

	s.logger.Info("Reconciled host", "host", host.Ip, "vms", summary.VMs, "datastores", summary.Datastores, "skipped", summary.Skipped)
	return summary, nil
}

// collectHostStats reads the host system's summary and its datastores.
func (s *Service) collectHostStats(ctx context.Context, sess *hypervisor.Session, host *database.EsxiHost, now pgtype.Timestamptz) (*database.HostUpdateStatsParams, []mo.Datastore, error) {
	c := sess.Client.Client
	m := view.NewManager(c)

	v, err := m.CreateContainerView(ctx, c.ServiceContent.RootFolder, []string{"HostSystem"}, true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create host view: %w", err)
	}
	defer func() { _ = v.Destroy(ctx) }()

	var systems []mo.HostSystem
	if err := v.Retrieve(ctx, []string{"HostSystem"}, []string{"name", "summary", "datastore"}, &systems); err != nil {
		return nil, nil, fmt.Errorf("failed to retrieve host systems: %w", err)
	}
	if len(systems) == 0 {
		return nil, nil, fmt.Errorf("endpoint %s exposes no host system", host.Ip)
	}
	sys := systems[0]

	var datastores []mo.Datastore
	if len(sys.Datastore) > 0 {
		pc := property.DefaultCollector(c)
		if err := pc.Retrieve(ctx, sys.Datastore, []string{"summary"}, &datastores); err != nil {
			s.logger.Error("Failed to retrieve datastores", "host", host.Ip, "error", err)
			datastores = nil
		}
	}

	return hostStats(host, &sys, datastores, now), datastores, nil
}

// hostStats maps a host system summary onto the stats row.
func hostStats(host *database.EsxiHost, sys *mo.HostSystem, datastores []mo.Datastore, now pgtype.Timestamptz) *database.HostUpdateStatsParams {
	p := &database.HostUpdateStatsParams{
		ID:         host.ID,
		Status:     StatusOnline,
		Hostname:   database.TextOrNull(sys.Name),
		LastSyncAt: now,
	}

	if hw := sys.Summary.Hardware; hw != nil {
		quick := sys.Summary.QuickStats

		totalMhz := int64(hw.CpuMhz) * int64(hw.NumCpuCores)
		if totalMhz > 0 {
			p.CpuUsage = round2(float64(quick.OverallCpuUsage) / float64(totalMhz) * 100)
		}
		p.CpuCores = database.Int4(int32(hw.NumCpuCores))

		if hw.MemorySize > 0 {
			usedBytes := int64(quick.OverallMemoryUsage) * 1024 * 1024
			p.MemoryUsage = round2(float64(usedBytes) / float64(hw.MemorySize) * 100)
			p.MemoryTotalGb = database.Float8(bytesToGb(hw.MemorySize))
		}
		p.Model = database.TextOrNull(hw.Model)
	}

	if product := sys.Summary.Config.Product; product != nil {
		p.Version = database.TextOrNull(product.FullName)
	}

	var totalCap, totalFree int64
	for _, ds := range datastores {
		totalCap += ds.Summary.Capacity
		totalFree += ds.Summary.FreeSpace
	}
	if totalCap > 0 {
		p.StorageTotalGb = database.Float8(bytesToGb(totalCap))
		p.StorageFreeGb = database.Float8(bytesToGb(totalFree))
	}

	return p
}

// carryForwardStats rebuilds the stats row from the values already
// stored, advancing only status and sync time.
func carryForwardStats(host *database.EsxiHost, now pgtype.Timestamptz) *database.HostUpdateStatsParams {
	return &database.HostUpdateStatsParams{
		ID:             host.ID,
		Hostname:       host.Hostname,
		Version:        host.Version,
		Model:          host.Model,
		Status:         StatusOnline,
		CpuUsage:       host.CpuUsage,
		MemoryUsage:    host.MemoryUsage,
		CpuCores:       host.CpuCores,
		MemoryTotalGb:  host.MemoryTotalGb,
		StorageTotalGb: host.StorageTotalGb,
		StorageFreeGb:  host.StorageFreeGb,
		LastSyncAt:     now,
	}
}

// scanVMs mirrors every visible VM into the database and returns the
// ids it saw. Broken VMs are skipped, not fatal.
func (s *Service) scanVMs(ctx context.Context, sess *hypervisor.Session, host *database.EsxiHost, now pgtype.Timestamptz) ([]string, int, error) {
	c := sess.Client.Client
	m := view.NewManager(c)

	v, err := m.CreateContainerView(ctx, c.ServiceContent.RootFolder, []string{"VirtualMachine"}, true)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create VM view: %w", err)
	}
	defer func() { _ = v.Destroy(ctx) }()

	var vms []mo.VirtualMachine
	if err := v.Retrieve(ctx, []string{"VirtualMachine"}, []string{"summary", "config"}, &vms); err != nil {
		return nil, 0, fmt.Errorf("failed to retrieve VMs: %w", err)
	}

	var observed []string
	skipped := 0
	for i := range vms {
		record, ok := vmRecord(host.Ip, &vms[i], now)
		if !ok {
			s.logger.Warn("Skipping VM without config", "host", host.Ip, "vm", vms[i].Summary.Config.Name)
			skipped++
			continue
		}
		if err := s.store.VirtualMachineUpsert(ctx, record); err != nil {
			s.logger.Error("Failed to upsert VM", "host", host.Ip, "vm", record.Name, "error", err)
			skipped++
			continue
		}
		observed = append(observed, record.ID)
	}
	return observed, skipped, nil
}

// vmRecord maps one VM onto its database row. The summary config is
// preferred; a VM mid-registration may only have the full config
// populated. VMs with neither are unidentifiable and skipped.
func vmRecord(hostIp string, m *mo.VirtualMachine, now pgtype.Timestamptz) (*database.VirtualMachineUpsertParams, bool) {
	cfg := m.Summary.Config

	uuid := cfg.Uuid
	name := cfg.Name
	numCpu := cfg.NumCpu
	memoryMb := int64(cfg.MemorySizeMB)
	osName := cfg.GuestFullName
	annotation := cfg.Annotation
	vmxPath := cfg.VmPathName

	if uuid == "" && m.Config != nil {
		uuid = m.Config.Uuid
		name = m.Config.Name
		numCpu = m.Config.Hardware.NumCPU
		memoryMb = int64(m.Config.Hardware.MemoryMB)
		osName = m.Config.GuestFullName
		annotation = m.Config.Annotation
		vmxPath = m.Config.Files.VmPathName
	}
	if uuid == "" {
		return nil, false
	}

	p := &database.VirtualMachineUpsertParams{
		ID:          hostIp + "-" + uuid,
		Uuid:        uuid,
		Name:        name,
		HostIp:      hostIp,
		Status:      statusName(m.Summary.Runtime.PowerState),
		Description: database.TextOrNull(annotation),
		CpuCount:    numCpu,
		MemoryMb:    memoryMb,
		VmxPath:     database.TextOrNull(vmxPath),
		LastSync:    now,
	}

	if ds, _, err := hypervisor.SplitDatastorePath(vmxPath); err == nil {
		p.Datastore = database.TextOrNull(ds)
	}

	if guest := m.Summary.Guest; guest != nil {
		p.IpAddress = database.TextOrNull(guest.IpAddress)
		if guest.GuestFullName != "" {
			osName = guest.GuestFullName
		}
		p.ToolsStatus = database.TextOrNull(string(guest.ToolsStatus))
	}
	p.OsName = database.TextOrNull(osName)

	quick := m.Summary.QuickStats
	p.CpuUsageMhz = database.Int4(quick.OverallCpuUsage)
	p.MemoryUsageMb = database.Int4(quick.GuestMemoryUsage)
	p.UptimeSeconds = database.Int8(int64(quick.UptimeSeconds))

	if storage := m.Summary.Storage; storage != nil {
		if storage.Committed > 0 {
			p.DiskUsedGb = database.Float8(bytesToGb(storage.Committed))
		}
		p.DiskProvisionedGb = database.Float8(bytesToGb(storage.Committed + storage.Uncommitted))
	}

	return p, true
}

func statusName(state types.VirtualMachinePowerState) string {
	switch state {
	case types.VirtualMachinePowerStatePoweredOn:
		return "poweredOn"
	case types.VirtualMachinePowerStatePoweredOff:
		return "poweredOff"
	case types.VirtualMachinePowerStateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

func bytesToGb(v int64) float64 {
	return round2(float64(v) / (1 << 30))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
