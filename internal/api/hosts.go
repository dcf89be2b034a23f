package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	"github.com/opsnav/opsnav/internal/database"
	"github.com/opsnav/opsnav/internal/faults"
	"github.com/opsnav/opsnav/internal/hypervisor"
	"github.com/opsnav/opsnav/internal/reconciler"
)

// HostCreateRequest enrolls a hypervisor, or just probes it when
// probe_only is set. A missing password falls back to ESXI_PASSWORD.
type HostCreateRequest struct {
	IP          string  `json:"ip"`
	Port        int32   `json:"port"`
	Username    string  `json:"username"`
	Password    string  `json:"password"`
	Description *string `json:"description"`
	ProbeOnly   bool    `json:"probe_only"`
}

// HostUpdateRequest partially edits an enrollment. Zero values keep the
// stored setting.
type HostUpdateRequest struct {
	IP          string  `json:"ip"`
	Port        int32   `json:"port"`
	Username    string  `json:"username"`
	Password    string  `json:"password"`
	Description *string `json:"description"`
}

// HostReorderRequest pins hosts to the given display order; the array
// order is the final order.
type HostReorderRequest struct {
	HostIDs []int64 `json:"host_ids"`
}

// hostResponse is the stored host record without the sealed secret.
type hostResponse struct {
	ID             int64      `json:"id"`
	IP             string     `json:"ip"`
	Port           int32      `json:"port"`
	Username       string     `json:"username"`
	Description    *string    `json:"description"`
	Hostname       *string    `json:"hostname"`
	Status         string     `json:"status"`
	Version        *string    `json:"version"`
	Model          *string    `json:"model"`
	SortOrder      int32      `json:"sort_order"`
	CPUUsage       float64    `json:"cpu_usage"`
	MemoryUsage    float64    `json:"memory_usage"`
	CPUCores       *int32     `json:"cpu_cores"`
	MemoryTotalGB  *float64   `json:"memory_total_gb"`
	StorageTotalGB *float64   `json:"storage_total_gb"`
	StorageFreeGB  *float64   `json:"storage_free_gb"`
	VMCount        int64      `json:"vm_count"`
	VMsRunning     int64      `json:"vms_running"`
	LastSyncAt     *time.Time `json:"last_sync_at"`
}

func hostView(h *database.EsxiHost, vmCount, vmsRunning int64) hostResponse {
	return hostResponse{
		ID:             h.ID,
		IP:             h.Ip,
		Port:           h.Port,
		Username:       h.Username,
		Description:    textPtr(h.Description),
		Hostname:       textPtr(h.Hostname),
		Status:         h.Status,
		Version:        textPtr(h.Version),
		Model:          textPtr(h.Model),
		SortOrder:      h.SortOrder,
		CPUUsage:       h.CpuUsage,
		MemoryUsage:    h.MemoryUsage,
		CPUCores:       int4Ptr(h.CpuCores),
		MemoryTotalGB:  float8Ptr(h.MemoryTotalGb),
		StorageTotalGB: float8Ptr(h.StorageTotalGb),
		StorageFreeGB:  float8Ptr(h.StorageFreeGb),
		VMCount:        vmCount,
		VMsRunning:     vmsRunning,
		LastSyncAt:     timePtr(h.LastSyncAt),
	}
}

// handleCreateHost probes a hypervisor and, unless probe_only is set,
// upserts the enrollment by address and fires a best-effort first sync.
func (s *Service) handleCreateHost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req HostCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		faults.WriteJSON(w, faults.Validationf("invalid request body"))
		return
	}
	if req.IP == "" {
		faults.WriteJSON(w, faults.Validationf("ip is required"))
		return
	}
	if req.Port == 0 {
		req.Port = 443
	}
	if req.Username == "" {
		req.Username = "root"
	}

	pwd := req.Password
	if pwd == "" {
		pwd = s.config.ESXiPassword
	}
	if pwd == "" {
		faults.WriteJSON(w, faults.Authf("missing ESXi password: provide one or set ESXI_PASSWORD"))
		return
	}

	info, err := s.recon.Probe(ctx, req.IP, req.Username, pwd, req.Port)
	if err != nil {
		s.logger.Warn("Host probe failed", "host", req.IP, "error", err)
		faults.WriteJSON(w, err)
		return
	}

	if req.ProbeOnly {
		resp := hostResponse{
			ID:          0,
			IP:          req.IP,
			Port:        req.Port,
			Username:    req.Username,
			Description: req.Description,
			Status:      reconciler.StatusOnline,
			Hostname:    &info.Hostname,
			Version:     &info.Version,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
		return
	}

	sealed, err := s.secrets.Seal(pwd)
	if err != nil {
		s.logger.Error("Failed to seal host password", "host", req.IP, "error", err)
		faults.WriteJSON(w, err)
		return
	}

	host, err := s.enrollHost(ctx, &req, sealed, info)
	if err != nil {
		s.logger.Error("Failed to store enrollment", "host", req.IP, "error", err)
		faults.WriteJSON(w, err)
		return
	}

	// First sync is best-effort; the enrollment already succeeded.
	if _, err := s.recon.Reconcile(ctx, host, req.Username, pwd); err != nil {
		s.logger.Warn("Post-enroll sync failed", "host", host.Ip, "error", err)
	}
	if fresh, err := s.store.HostFindById(ctx, host.ID); err == nil {
		host = fresh
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(hostView(host, 0, 0))
}

// enrollHost inserts a new enrollment or refreshes the row already
// holding the address.
func (s *Service) enrollHost(ctx context.Context, req *HostCreateRequest, sealed string, info *hypervisor.HostInfo) (*database.EsxiHost, error) {
	existing, err := s.store.HostFindByIp(ctx, req.IP)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to look up host %s: %w", req.IP, err)
		}

		sortOrder, err := s.store.HostNextSortOrder(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to assign sort order: %w", err)
		}
		return s.store.HostCreate(ctx, &database.HostCreateParams{
			Ip:          req.IP,
			Port:        req.Port,
			Username:    req.Username,
			Password:    sealed,
			Description: database.TextPtr(req.Description),
			SortOrder:   sortOrder,
			Hostname:    database.TextOrNull(info.Hostname),
			Version:     database.TextOrNull(info.Version),
			Status:      reconciler.StatusOnline,
		})
	}

	description := existing.Description
	if req.Description != nil {
		description = database.Text(*req.Description)
	}
	return s.store.HostUpdateEnrollment(ctx, &database.HostUpdateEnrollmentParams{
		ID:          existing.ID,
		Port:        req.Port,
		Username:    req.Username,
		Password:    sealed,
		Description: description,
		Hostname:    database.TextOrNull(info.Hostname),
		Version:     database.TextOrNull(info.Version),
		Status:      reconciler.StatusOnline,
	})
}

// handleListHosts returns every enrollment in display order, each with
// its VM counts.
func (s *Service) handleListHosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	hosts, err := s.store.HostList(ctx)
	if err != nil {
		s.logger.Error("Failed to list hosts", "error", err)
		faults.WriteJSON(w, err)
		return
	}
	counts, err := s.store.VMCountsByHost(ctx)
	if err != nil {
		s.logger.Error("Failed to count virtual machines", "error", err)
		faults.WriteJSON(w, err)
		return
	}

	countByIP := lo.SliceToMap(counts, func(c *database.VMCountsByHostRow) (string, *database.VMCountsByHostRow) {
		return c.HostIp, c
	})

	resp := lo.Map(hosts, func(h *database.EsxiHost, _ int) hostResponse {
		var vmCount, vmsRunning int64
		if c := countByIP[h.Ip]; c != nil {
			vmCount, vmsRunning = c.VmCount, c.VmsRunning
		}
		return hostView(h, vmCount, vmsRunning)
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleReorderHosts rewrites the display order: requested ids first, in
// request order, then everything else in its current order.
func (s *Service) handleReorderHosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req HostReorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		faults.WriteJSON(w, faults.Validationf("invalid request body"))
		return
	}
	if len(req.HostIDs) == 0 {
		faults.WriteJSON(w, faults.Validationf("host_ids must not be empty"))
		return
	}
	if len(lo.Uniq(req.HostIDs)) != len(req.HostIDs) {
		faults.WriteJSON(w, faults.Validationf("host_ids contains duplicates"))
		return
	}

	hosts, err := s.store.HostList(ctx)
	if err != nil {
		s.logger.Error("Failed to list hosts", "error", err)
		faults.WriteJSON(w, err)
		return
	}
	current := lo.Map(hosts, func(h *database.EsxiHost, _ int) int64 { return h.ID })

	if missing := lo.Without(req.HostIDs, current...); len(missing) > 0 {
		faults.WriteJSON(w, faults.NotFoundf("Host not found: %v", missing))
		return
	}

	for idx, id := range reorderSequence(current, req.HostIDs) {
		err := s.store.HostUpdateSortOrder(ctx, &database.HostUpdateSortOrderParams{
			ID:        id,
			SortOrder: int32(idx),
		})
		if err != nil {
			s.logger.Error("Failed to update sort order", "host_id", id, "error", err)
			faults.WriteJSON(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// reorderSequence pins the requested ids to the front in request order;
// unmentioned hosts follow in their current display order.
func reorderSequence(current, requested []int64) []int64 {
	final := make([]int64, 0, len(current))
	final = append(final, requested...)
	return append(final, lo.Without(current, requested...)...)
}

// handleUpdateHost edits an enrollment in place. The new settings take
// effect on the next connection; nothing is re-probed here.
func (s *Service) handleUpdateHost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		faults.WriteJSON(w, faults.Validationf("invalid host id"))
		return
	}

	var req HostUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		faults.WriteJSON(w, faults.Validationf("invalid request body"))
		return
	}

	host, err := s.hostByID(ctx, id)
	if err != nil {
		faults.WriteJSON(w, err)
		return
	}

	params := &database.HostUpdateSettingsParams{
		ID:          host.ID,
		Ip:          host.Ip,
		Port:        host.Port,
		Username:    host.Username,
		Password:    host.Password,
		Description: host.Description,
	}
	if req.IP != "" {
		params.Ip = req.IP
	}
	if req.Port != 0 {
		params.Port = req.Port
	}
	if req.Username != "" {
		params.Username = req.Username
	}
	if req.Password != "" {
		sealed, err := s.secrets.Seal(req.Password)
		if err != nil {
			s.logger.Error("Failed to seal host password", "host", host.Ip, "error", err)
			faults.WriteJSON(w, err)
			return
		}
		params.Password = sealed
	}
	if req.Description != nil {
		params.Description = database.Text(*req.Description)
	}

	updated, err := s.store.HostUpdateSettings(ctx, params)
	if err != nil {
		s.logger.Error("Failed to update host", "host_id", id, "error", err)
		faults.WriteJSON(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hostView(updated, 0, 0))
}

// handleDeleteHost removes an enrollment and every VM row observed on it.
func (s *Service) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		faults.WriteJSON(w, faults.Validationf("invalid host id"))
		return
	}

	host, err := s.hostByID(ctx, id)
	if err != nil {
		faults.WriteJSON(w, err)
		return
	}

	if err := s.store.VirtualMachineDeleteByHost(ctx, host.Ip); err != nil {
		s.logger.Error("Failed to delete virtual machines", "host", host.Ip, "error", err)
		faults.WriteJSON(w, err)
		return
	}
	if err := s.store.HostDelete(ctx, host.ID); err != nil {
		s.logger.Error("Failed to delete host", "host_id", id, "error", err)
		faults.WriteJSON(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// hostByID loads a host row, mapping a missing row to NotFound.
func (s *Service) hostByID(ctx context.Context, id int64) (*database.EsxiHost, error) {
	host, err := s.store.HostFindById(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, faults.NotFoundf("Host not found")
		}
		return nil, fmt.Errorf("failed to load host %d: %w", id, err)
	}
	return host, nil
}
