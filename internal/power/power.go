// Package power drives VM power transitions. Soft actions (guest
// shutdown, guest reboot) go through the guest agent; hard actions go
// through the hypervisor and wait for the task. Power-on answers the
// moved-or-copied question a freshly cloned VM raises on first boot.
package power

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/opsnav/opsnav/internal/faults"
	"github.com/opsnav/opsnav/internal/hypervisor"
)

const (
	// powerOnTimeout bounds the question-answering poll after power-on.
	powerOnTimeout = time.Minute
	// taskTimeout bounds hard power-off and reset tasks.
	taskTimeout = 10 * time.Minute
)

// Controller applies power actions to VMs over an open session.
type Controller struct {
	logger *slog.Logger
}

func NewController(logger *slog.Logger) *Controller {
	return &Controller{logger: logger}
}

// TaskID builds the synthetic id returned for synchronous power
// actions.
func TaskID(vmID string, now time.Time) string {
	return fmt.Sprintf("power-%s-%d", vmID, now.Unix())
}

// Apply runs one power action against a VM and returns a message
// describing what happened. Unknown and no-op transitions are decided
// here; hypervisor task failures surface as errors.
func (c *Controller) Apply(ctx context.Context, sess *hypervisor.Session, vm *object.VirtualMachine, action string) (string, error) {
	switch strings.ToLower(action) {
	case "poweron", "on", "start":
		return c.powerOn(ctx, sess, vm)
	case "shutdown", "shutdownguest", "guestshutdown":
		return c.shutdownGuest(ctx, vm)
	case "poweroff", "off", "halt":
		return c.powerOff(ctx, sess, vm)
	case "reboot", "rebootguest":
		return c.reboot(ctx, sess, vm)
	case "reset", "hardreset":
		return c.reset(ctx, sess, vm)
	default:
		return "", faults.Validationf("unsupported power action %q", action)
	}
}

func (c *Controller) powerOn(ctx context.Context, sess *hypervisor.Session, vm *object.VirtualMachine) (string, error) {
	state, err := vm.PowerState(ctx)
	if err != nil {
		return "", faults.Wrap(faults.KindHypervisor, "failed to read power state", err)
	}
	if state == types.VirtualMachinePowerStatePoweredOn {
		return "virtual machine already on", nil
	}

	task, err := vm.PowerOn(ctx)
	if err != nil {
		return "", faults.Wrap(faults.KindHypervisor, "failed to start power on", err)
	}
	if _, err := sess.WaitTaskAnsweringQuestions(ctx, task, vm, "power on", powerOnTimeout); err != nil {
		return "", err
	}
	return "virtual machine powered on", nil
}

func (c *Controller) shutdownGuest(ctx context.Context, vm *object.VirtualMachine) (string, error) {
	state, err := vm.PowerState(ctx)
	if err != nil {
		return "", faults.Wrap(faults.KindHypervisor, "failed to read power state", err)
	}
	if state == types.VirtualMachinePowerStatePoweredOff {
		return "virtual machine already off", nil
	}

	// Soft shutdown only. A guest without tools stays up, the caller
	// can fall back to a hard power-off explicitly.
	if err := vm.ShutdownGuest(ctx); err != nil {
		return "", faults.Validationf("guest shutdown failed, check guest tools: %v", err)
	}
	return "guest shutdown requested (requires guest tools)", nil
}

func (c *Controller) powerOff(ctx context.Context, sess *hypervisor.Session, vm *object.VirtualMachine) (string, error) {
	state, err := vm.PowerState(ctx)
	if err != nil {
		return "", faults.Wrap(faults.KindHypervisor, "failed to read power state", err)
	}
	if state == types.VirtualMachinePowerStatePoweredOff {
		return "virtual machine already off", nil
	}

	task, err := vm.PowerOff(ctx)
	if err != nil {
		return "", faults.Wrap(faults.KindHypervisor, "failed to start power off", err)
	}
	if _, err := sess.WaitTask(ctx, task, "power off", taskTimeout); err != nil {
		return "", err
	}
	return "virtual machine powered off", nil
}

func (c *Controller) reboot(ctx context.Context, sess *hypervisor.Session, vm *object.VirtualMachine) (string, error) {
	if err := vm.RebootGuest(ctx); err != nil {
		c.logger.Warn("Guest reboot failed, falling back to hard reset", "error", err)
		task, resetErr := vm.Reset(ctx)
		if resetErr != nil {
			return "", faults.Wrap(faults.KindHypervisor, "failed to start reset", resetErr)
		}
		if _, err := sess.WaitTask(ctx, task, "reset", taskTimeout); err != nil {
			return "", err
		}
		return "guest reboot failed, performed hard reset", nil
	}
	return "guest reboot requested (requires guest tools)", nil
}

func (c *Controller) reset(ctx context.Context, sess *hypervisor.Session, vm *object.VirtualMachine) (string, error) {
	task, err := vm.Reset(ctx)
	if err != nil {
		return "", faults.Wrap(faults.KindHypervisor, "failed to start reset", err)
	}
	if _, err := sess.WaitTask(ctx, task, "reset", taskTimeout); err != nil {
		return "", err
	}
	return "virtual machine reset", nil
}
