package hypervisor

import (
	"bytes"
	"context"
	"time"

	"github.com/vmware/govmomi/guest"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/opsnav/opsnav/internal/faults"
)

const toolsPollInterval = 5 * time.Second

// GuestAuth holds in-guest OS credentials for the guest-operations
// channel.
type GuestAuth struct {
	Username string
	Password string
}

func (a GuestAuth) spec() types.BaseGuestAuthentication {
	return &types.NamePasswordAuthentication{
		Username: a.Username,
		Password: a.Password,
	}
}

// UploadGuestFile writes contents to a path inside the guest through the
// guest-operations file channel, overwriting any existing file. The
// transfer URL the hypervisor hands back can carry a wildcard host;
// TransferURL substitutes the endpoint's own address before the PUT.
func (s *Session) UploadGuestFile(ctx context.Context, vm *object.VirtualMachine, auth GuestAuth, path string, contents []byte) error {
	om := guest.NewOperationsManager(s.Client.Client, vm.Reference())
	fm, err := om.FileManager(ctx)
	if err != nil {
		return faults.Wrap(faults.KindGuestOps, "failed to get guest file manager", err)
	}

	attr := &types.GuestPosixFileAttributes{}
	rawURL, err := fm.InitiateFileTransferToGuest(ctx, auth.spec(), path, attr, int64(len(contents)), true)
	if err != nil {
		return faults.Wrap(faults.KindGuestOps, "failed to initiate file transfer to "+path, err)
	}

	u, err := fm.TransferURL(ctx, rawURL)
	if err != nil {
		return faults.Wrap(faults.KindGuestOps, "failed to resolve transfer url", err)
	}

	p := soap.DefaultUpload
	p.ContentLength = int64(len(contents))
	if err := s.Client.Client.Upload(ctx, bytes.NewReader(contents), u, &p); err != nil {
		return faults.Wrap(faults.KindGuestOps, "failed to upload "+path, err)
	}

	s.logger.Info("Uploaded file to guest", "path", path, "bytes", len(contents))
	return nil
}

// StartGuestProgram starts a program inside the guest and returns its
// pid.
func (s *Session) StartGuestProgram(ctx context.Context, vm *object.VirtualMachine, auth GuestAuth, program, arguments string) (int64, error) {
	om := guest.NewOperationsManager(s.Client.Client, vm.Reference())
	pm, err := om.ProcessManager(ctx)
	if err != nil {
		return 0, faults.Wrap(faults.KindGuestOps, "failed to get guest process manager", err)
	}
	pid, err := pm.StartProgram(ctx, auth.spec(), &types.GuestProgramSpec{
		ProgramPath: program,
		Arguments:   arguments,
	})
	if err != nil {
		return 0, faults.Wrap(faults.KindGuestOps, "failed to start "+program, err)
	}
	return pid, nil
}

// GuestProcess returns the state of a single in-guest process, or nil if
// the guest no longer reports it.
func (s *Session) GuestProcess(ctx context.Context, vm *object.VirtualMachine, auth GuestAuth, pid int64) (*types.GuestProcessInfo, error) {
	om := guest.NewOperationsManager(s.Client.Client, vm.Reference())
	pm, err := om.ProcessManager(ctx)
	if err != nil {
		return nil, faults.Wrap(faults.KindGuestOps, "failed to get guest process manager", err)
	}
	procs, err := pm.ListProcesses(ctx, auth.spec(), []int64{pid})
	if err != nil {
		return nil, faults.Wrap(faults.KindGuestOps, "failed to list guest processes", err)
	}
	if len(procs) == 0 {
		return nil, nil
	}
	return &procs[0], nil
}

// ToolsRunning reports whether the guest agent is live, counting the
// boot-script window as live.
func (s *Session) ToolsRunning(ctx context.Context, vm *object.VirtualMachine) (bool, error) {
	var m mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"guest.toolsRunningStatus"}, &m); err != nil {
		return false, faults.Wrap(faults.KindHypervisor, "failed to read tools status", err)
	}
	if m.Guest == nil {
		return false, nil
	}
	switch types.VirtualMachineToolsRunningStatus(m.Guest.ToolsRunningStatus) {
	case types.VirtualMachineToolsRunningStatusGuestToolsRunning,
		types.VirtualMachineToolsRunningStatusGuestToolsExecutingScripts:
		return true, nil
	}
	return false, nil
}

// WaitForTools polls the guest agent every five seconds until it is live
// or the deadline elapses.
func (s *Session) WaitForTools(ctx context.Context, vm *object.VirtualMachine, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		running, err := s.ToolsRunning(ctx, vm)
		if err != nil {
			return err
		}
		if running {
			return nil
		}
		if time.Now().After(deadline) {
			return faults.Timeoutf("guest tools not ready after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(toolsPollInterval):
		}
	}
}
