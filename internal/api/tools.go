package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/opsnav/opsnav/internal/faults"
	"github.com/opsnav/opsnav/internal/tasks"
)

// VMInstallToolsRequest starts a guest tools install over SSH. ip is
// the SSH target inside the guest, not the hypervisor address. Guest
// credentials come inline or from a stored credential, never both.
type VMInstallToolsRequest struct {
	IP           string `json:"ip"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	CredentialID *int64 `json:"credential_id"`
}

// handleInstallTools resolves guest credentials and hands the install
// to the runner.
func (s *Service) handleInstallTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VMInstallToolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		faults.WriteJSON(w, faults.Validationf("invalid request body"))
		return
	}

	vm, err := s.store.VirtualMachineFindById(ctx, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			faults.WriteJSON(w, faults.NotFoundf("VM not found"))
			return
		}
		faults.WriteJSON(w, err)
		return
	}

	if req.IP == "" {
		faults.WriteJSON(w, faults.Validationf("ip is required"))
		return
	}

	username, password, err := s.resolveGuestCredentials(ctx, &req)
	if err != nil {
		faults.WriteJSON(w, err)
		return
	}

	task, err := s.runner.Submit(ctx, tasks.KindInstallTools, vm.ID, "preparing tools install",
		s.installer.Job(req.IP, username, password))
	if err != nil {
		s.logger.Error("Failed to submit install task", "vm", vm.Name, "error", err)
		faults.WriteJSON(w, err)
		return
	}

	s.logger.Info("Install task submitted", "task_id", task.ID, "vm", vm.Name, "ip", req.IP)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(taskRef{
		TaskID:  task.ID,
		Status:  task.Status,
		Message: "install task started",
	})
}

// resolveGuestCredentials picks exactly one credential source: an
// inline password or a stored credential.
func (s *Service) resolveGuestCredentials(ctx context.Context, req *VMInstallToolsRequest) (string, string, error) {
	if req.CredentialID != nil && req.Password != "" {
		return "", "", faults.Validationf("provide a password or credential_id, not both")
	}

	if req.CredentialID != nil {
		cred, err := s.store.CredentialFindById(ctx, *req.CredentialID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return "", "", faults.NotFoundf("Credential not found")
			}
			return "", "", fmt.Errorf("failed to load credential %d: %w", *req.CredentialID, err)
		}
		password, err := s.secrets.Open(cred.Password)
		if err != nil {
			return "", "", err
		}
		return cred.Username, password, nil
	}

	username := req.Username
	if username == "" {
		username = "root"
	}
	if req.Password == "" {
		return "", "", faults.Validationf("username and password required, inline or via credential_id")
	}
	return username, req.Password, nil
}
