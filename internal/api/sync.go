package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/opsnav/opsnav/internal/faults"
)

// SyncRequest targets one enrolled host by id, or every host when the
// body is empty.
type SyncRequest struct {
	HostID *int64 `json:"host_id"`
}

// handleSync runs inventory reconciliation inline. Per-host failures in
// an all-hosts pass are logged and skipped so one dead host cannot
// block the rest.
func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		faults.WriteJSON(w, faults.Validationf("invalid request body"))
		return
	}

	message := "Sync started for all hosts"
	if req.HostID != nil {
		host, err := s.hostByID(ctx, *req.HostID)
		if err != nil {
			faults.WriteJSON(w, err)
			return
		}
		if _, err := s.recon.Reconcile(ctx, host, "", ""); err != nil {
			s.logger.Error("Sync failed", "host", host.Ip, "error", err)
			faults.WriteJSON(w, err)
			return
		}
		message = fmt.Sprintf("Sync started for %s", host.Ip)
	} else {
		hosts, err := s.store.HostList(ctx)
		if err != nil {
			s.logger.Error("Failed to list hosts", "error", err)
			faults.WriteJSON(w, err)
			return
		}
		for _, host := range hosts {
			if _, err := s.recon.Reconcile(ctx, host, "", ""); err != nil {
				s.logger.Warn("Sync failed", "host", host.Ip, "error", err)
			}
		}
	}

	response := map[string]interface{}{
		"success": true,
		"message": message,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleDatastoreStats rolls up capacity across every datastore seen by
// the reconciler.
func (s *Service) handleDatastoreStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.store.DatastoreStats(ctx)
	if err != nil {
		s.logger.Error("Failed to aggregate datastores", "error", err)
		faults.WriteJSON(w, err)
		return
	}

	response := map[string]interface{}{
		"total_count":       stats.TotalCount,
		"total_capacity_gb": stats.TotalCapacityGb,
		"total_free_gb":     stats.TotalFreeGb,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
