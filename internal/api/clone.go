package api

import (
	"encoding/json"
	"net/http"

	"github.com/opsnav/opsnav/internal/clone"
	"github.com/opsnav/opsnav/internal/database"
	"github.com/opsnav/opsnav/internal/faults"
	"github.com/opsnav/opsnav/internal/hypervisor"
	"github.com/opsnav/opsnav/internal/tasks"
)

// VMCloneRequest orders an offline clone. The auto_config_ip block
// rewrites the guest address after the clone boots; it needs guest
// credentials and running VMware Tools in the source image.
type VMCloneRequest struct {
	NewName            string   `json:"new_name"`
	TargetDatastore    string   `json:"target_datastore"`
	PowerOn            bool     `json:"power_on"`
	SourceIP           string   `json:"source_ip"`
	AutoConfigIP       bool     `json:"auto_config_ip"`
	GuestUsername      string   `json:"guest_username"`
	GuestPassword      string   `json:"guest_password"`
	NewIP              string   `json:"new_ip"`
	Netmask            string   `json:"netmask"`
	Gateway            string   `json:"gateway"`
	DNS                []string `json:"dns"`
	NICName            string   `json:"nic_name"`
	DisconnectNICFirst *bool    `json:"disconnect_nic_first"`
}

// handleCloneVM validates the order, then hands it to the runner. The
// response carries the pending task id; progress lives under /api/tasks.
func (s *Service) handleCloneVM(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VMCloneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		faults.WriteJSON(w, faults.Validationf("invalid request body"))
		return
	}

	vm, host, err := s.vmWithHost(ctx, r.PathValue("id"))
	if err != nil {
		faults.WriteJSON(w, err)
		return
	}

	username, password, err := s.recon.Credentials(host, "", "")
	if err != nil {
		faults.WriteJSON(w, err)
		return
	}

	in := buildCloneInput(&req, vm, host, username, password)
	if err := in.Validate(); err != nil {
		faults.WriteJSON(w, err)
		return
	}

	task, err := s.runner.Submit(ctx, tasks.KindCloneVM, vm.ID, "waiting to start", s.cloner.Job(in))
	if err != nil {
		s.logger.Error("Failed to submit clone task", "vm", vm.Name, "error", err)
		faults.WriteJSON(w, err)
		return
	}

	s.logger.Info("Clone task submitted",
		"task_id", task.ID,
		"source", vm.Name,
		"new_name", req.NewName,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(taskRef{
		TaskID:  task.ID,
		Status:  task.Status,
		Message: "clone task submitted",
	})
}

func buildCloneInput(req *VMCloneRequest, vm *database.VirtualMachine, host *database.EsxiHost, username, password string) clone.Input {
	guestUsername := req.GuestUsername
	if guestUsername == "" {
		guestUsername = "root"
	}
	nicName := req.NICName
	if nicName == "" {
		nicName = "eth0"
	}
	disconnect := true
	if req.DisconnectNICFirst != nil {
		disconnect = *req.DisconnectNICFirst
	}

	return clone.Input{
		Host: host,
		Source: hypervisor.Lookup{
			UUID: vm.Uuid,
			IP:   vm.IpAddress.String,
			Name: vm.Name,
		},
		SourceName: vm.Name,
		Username:   username,
		Password:   password,

		NewName:         req.NewName,
		TargetDatastore: req.TargetDatastore,
		PowerOn:         req.PowerOn,
		SourceIP:        req.SourceIP,

		AutoIP:        req.AutoConfigIP,
		GuestUsername: guestUsername,
		GuestPassword: req.GuestPassword,
		NICName:       nicName,
		NewIP:         req.NewIP,
		Netmask:       req.Netmask,
		Gateway:       req.Gateway,
		DNS:           req.DNS,
		DisconnectNIC: disconnect,
	}
}
