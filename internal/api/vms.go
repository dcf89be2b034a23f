package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"
	"github.com/vmware/govmomi/vim25/mo"

	"github.com/opsnav/opsnav/internal/database"
	"github.com/opsnav/opsnav/internal/faults"
	"github.com/opsnav/opsnav/internal/hypervisor"
	"github.com/opsnav/opsnav/internal/power"
	"github.com/opsnav/opsnav/internal/tasks"
)

// reconfigureTimeout bounds a single rename or annotation call.
const reconfigureTimeout = 5 * time.Minute

// vmInfo is one inventory row as the frontend consumes it.
type vmInfo struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	PowerState        string   `json:"power_state"`
	GuestOS           *string  `json:"guest_os"`
	IPAddress         *string  `json:"ip_address"`
	Description       *string  `json:"description"`
	InstanceUUID      string   `json:"instance_uuid"`
	HostID            *int64   `json:"host_id"`
	HostIP            string   `json:"host_ip"`
	CPUCount          int32    `json:"cpu_count"`
	MemoryMB          int64    `json:"memory_mb"`
	CPUUsageMHz       *int32   `json:"cpu_usage_mhz"`
	MemoryUsageMB     *int32   `json:"memory_usage_mb"`
	UptimeSeconds     *int64   `json:"uptime_seconds"`
	DiskUsedGB        *float64 `json:"disk_used_gb"`
	DiskProvisionedGB *float64 `json:"disk_provisioned_gb"`
	ToolsStatus       *string  `json:"tools_status"`
}

func vmView(vm *database.VirtualMachine, idByIP map[string]int64) vmInfo {
	state := vm.Status
	if state == "" {
		state = "unknown"
	}
	var hostID *int64
	if id, ok := idByIP[vm.HostIp]; ok {
		hostID = &id
	}
	return vmInfo{
		ID:                vm.ID,
		Name:              vm.Name,
		PowerState:        state,
		GuestOS:           textPtr(vm.OsName),
		IPAddress:         textPtr(vm.IpAddress),
		Description:       textPtr(vm.Description),
		InstanceUUID:      vm.Uuid,
		HostID:            hostID,
		HostIP:            vm.HostIp,
		CPUCount:          vm.CpuCount,
		MemoryMB:          vm.MemoryMb,
		CPUUsageMHz:       int4Ptr(vm.CpuUsageMhz),
		MemoryUsageMB:     int4Ptr(vm.MemoryUsageMb),
		UptimeSeconds:     int8Ptr(vm.UptimeSeconds),
		DiskUsedGB:        float8Ptr(vm.DiskUsedGb),
		DiskProvisionedGB: float8Ptr(vm.DiskProvisionedGb),
		ToolsStatus:       textPtr(vm.ToolsStatus),
	}
}

// handleListVMs pages through the VM inventory. refresh=true with a
// known host_id syncs that host first so the page reflects live state.
func (s *Service) handleListVMs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	page := queryInt(query.Get("page"), 1)
	pageSize := queryInt(query.Get("page_size"), 20)
	refresh, _ := strconv.ParseBool(query.Get("refresh"))

	var hostIP string
	if raw := query.Get("host_id"); raw != "" {
		hostID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			faults.WriteJSON(w, faults.Validationf("invalid host_id"))
			return
		}
		// An unknown host_id drops the filter instead of failing:
		// stale frontend tabs keep working after a host is removed.
		host, err := s.store.HostFindById(ctx, hostID)
		if err == nil {
			hostIP = host.Ip
			if refresh {
				if _, err := s.recon.Reconcile(ctx, host, "", ""); err != nil {
					s.logger.Warn("Pre-query sync failed", "host", host.Ip, "error", err)
				}
			}
		} else if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Error("Failed to load host", "host_id", hostID, "error", err)
			faults.WriteJSON(w, err)
			return
		}
	}

	filter := &database.VirtualMachineCountParams{
		HostIp:  hostIP,
		Keyword: query.Get("keyword"),
		Status:  query.Get("status"),
	}
	total, err := s.store.VirtualMachineCount(ctx, filter)
	if err != nil {
		s.logger.Error("Failed to count virtual machines", "error", err)
		faults.WriteJSON(w, err)
		return
	}
	vms, err := s.store.VirtualMachineList(ctx, &database.VirtualMachineListParams{
		HostIp:  filter.HostIp,
		Keyword: filter.Keyword,
		Status:  filter.Status,
		Limit:   pageSize,
		Offset:  (page - 1) * pageSize,
	})
	if err != nil {
		s.logger.Error("Failed to list virtual machines", "error", err)
		faults.WriteJSON(w, err)
		return
	}

	hosts, err := s.store.HostList(ctx)
	if err != nil {
		s.logger.Error("Failed to list hosts", "error", err)
		faults.WriteJSON(w, err)
		return
	}
	idByIP := lo.SliceToMap(hosts, func(h *database.EsxiHost) (string, int64) {
		return h.Ip, h.ID
	})

	response := map[string]interface{}{
		"total": total,
		"items": lo.Map(vms, func(vm *database.VirtualMachine, _ int) vmInfo {
			return vmView(vm, idByIP)
		}),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleUpdateVM renames a VM and/or rewrites its annotation, on the
// hypervisor first, then in the inventory row.
func (s *Service) handleUpdateVM(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VMUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		faults.WriteJSON(w, faults.Validationf("invalid request body"))
		return
	}
	if req.Name == nil && req.Description == nil {
		faults.WriteJSON(w, faults.Validationf("no fields to update"))
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		faults.WriteJSON(w, faults.Validationf("name must not be empty"))
		return
	}

	vm, host, err := s.vmWithHost(ctx, r.PathValue("id"))
	if err != nil {
		faults.WriteJSON(w, err)
		return
	}

	if err := s.applyVMInfo(ctx, vm, host, &req); err != nil {
		s.logger.Error("Failed to update VM info", "vm", vm.Name, "error", err)
		faults.WriteJSON(w, err)
		return
	}

	updated, err := s.store.VirtualMachineFindById(ctx, vm.ID)
	if err != nil {
		faults.WriteJSON(w, err)
		return
	}
	hosts, err := s.store.HostList(ctx)
	if err != nil {
		faults.WriteJSON(w, err)
		return
	}
	idByIP := lo.SliceToMap(hosts, func(h *database.EsxiHost) (string, int64) {
		return h.Ip, h.ID
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(vmView(updated, idByIP))
}

// VMUpdateRequest edits the VM name and/or its annotation text.
type VMUpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// applyVMInfo compares the request against live config and only issues
// the reconfigure calls whose values actually differ. The row is
// rewritten only when the hypervisor accepted a change.
func (s *Service) applyVMInfo(ctx context.Context, row *database.VirtualMachine, host *database.EsxiHost, req *VMUpdateRequest) error {
	username, password, err := s.recon.Credentials(host, "", "")
	if err != nil {
		return err
	}
	sess, err := hypervisor.Connect(ctx, s.logger, host.Ip, username, password, host.Port)
	if err != nil {
		return err
	}
	defer sess.Close(ctx)

	vm, err := sess.FindVM(ctx, hypervisor.Lookup{
		UUID: row.Uuid,
		IP:   row.IpAddress.String,
		Name: row.Name,
	})
	if err != nil {
		return err
	}

	var live mo.VirtualMachine
	props := []string{"name", "summary.config.annotation"}
	if err := vm.Properties(ctx, vm.Reference(), props, &live); err != nil {
		return fmt.Errorf("failed to read VM config: %w", err)
	}

	name := live.Name
	changed := false
	if req.Name != nil {
		if want := strings.TrimSpace(*req.Name); want != live.Name {
			if err := sess.Rename(ctx, vm, want, reconfigureTimeout); err != nil {
				return err
			}
			name = want
			changed = true
		}
	}

	description := row.Description
	if req.Description != nil {
		if *req.Description != live.Summary.Config.Annotation {
			if err := sess.SetAnnotation(ctx, vm, *req.Description, reconfigureTimeout); err != nil {
				return err
			}
			changed = true
		}
		description = database.Text(*req.Description)
	}

	if !changed {
		return nil
	}
	return s.store.VirtualMachineUpdateInfo(ctx, &database.VirtualMachineUpdateInfoParams{
		ID:          row.ID,
		Name:        name,
		Description: description,
		LastSync:    database.Now(),
	})
}

// PowerActionRequest names the transition: poweron, shutdown, poweroff,
// reboot or reset (aliases accepted).
type PowerActionRequest struct {
	Action string `json:"action"`
}

// handlePowerVM applies a power transition synchronously and answers
// with a completed task reference.
func (s *Service) handlePowerVM(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PowerActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		faults.WriteJSON(w, faults.Validationf("invalid request body"))
		return
	}
	if req.Action == "" {
		faults.WriteJSON(w, faults.Validationf("action is required"))
		return
	}

	vm, host, err := s.vmWithHost(ctx, r.PathValue("id"))
	if err != nil {
		faults.WriteJSON(w, err)
		return
	}

	message, err := s.applyPower(ctx, vm, host, req.Action)
	if err != nil {
		s.logger.Error("Power action failed", "vm", vm.Name, "action", req.Action, "error", err)
		faults.WriteJSON(w, err)
		return
	}

	// Refresh the row so the new power state is visible immediately.
	if _, err := s.recon.Reconcile(ctx, host, "", ""); err != nil {
		s.logger.Warn("Post-power sync failed", "host", host.Ip, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(taskRef{
		TaskID:  power.TaskID(vm.ID, time.Now()),
		Status:  tasks.StatusSuccess,
		Message: message,
	})
}

func (s *Service) applyPower(ctx context.Context, row *database.VirtualMachine, host *database.EsxiHost, action string) (string, error) {
	username, password, err := s.recon.Credentials(host, "", "")
	if err != nil {
		return "", err
	}
	sess, err := hypervisor.Connect(ctx, s.logger, host.Ip, username, password, host.Port)
	if err != nil {
		return "", err
	}
	defer sess.Close(ctx)

	vm, err := sess.FindVM(ctx, hypervisor.Lookup{
		UUID: row.Uuid,
		IP:   row.IpAddress.String,
		Name: row.Name,
	})
	if err != nil {
		return "", err
	}
	return s.power.Apply(ctx, sess, vm, action)
}

// handleConsoleVM returns the console descriptor. Ticket brokering is
// not implemented yet; the shape matches what the frontend expects.
// TODO: acquire a real WebMKS ticket once the console proxy lands.
func (s *Service) handleConsoleVM(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"type":   "webmks",
		"url":    "wss://mock-proxy/ticket/123",
		"ticket": "mock-ticket",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// vmWithHost loads a VM row and the enrollment of the host it lives on.
func (s *Service) vmWithHost(ctx context.Context, id string) (*database.VirtualMachine, *database.EsxiHost, error) {
	vm, err := s.store.VirtualMachineFindById(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, faults.NotFoundf("VM not found")
		}
		return nil, nil, fmt.Errorf("failed to load VM %s: %w", id, err)
	}
	host, err := s.store.HostFindByIp(ctx, vm.HostIp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, faults.NotFoundf("Host not found")
		}
		return nil, nil, fmt.Errorf("failed to load host %s: %w", vm.HostIp, err)
	}
	return vm, host, nil
}

// queryInt parses a positive query parameter, falling back on absence
// or garbage.
func queryInt(raw string, fallback int32) int32 {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return int32(n)
}
