package power

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/simulator"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/opsnav/opsnav/internal/faults"
	"github.com/opsnav/opsnav/internal/hypervisor"
)

func startSim(t *testing.T) (*hypervisor.Session, *object.VirtualMachine) {
	t.Helper()

	model := simulator.VPX()
	if err := model.Create(); err != nil {
		t.Fatalf("failed to create simulator model: %v", err)
	}
	model.Service.TLS = new(tls.Config)
	server := model.Service.NewServer()
	t.Cleanup(func() {
		server.Close()
		model.Remove()
	})

	host, portStr, err := net.SplitHostPort(server.URL.Host)
	if err != nil {
		t.Fatalf("failed to split simulator address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	password, _ := server.URL.User.Password()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	sess, err := hypervisor.Connect(context.Background(), logger, host, server.URL.User.Username(), password, int32(port))
	if err != nil {
		t.Fatalf("failed to connect to simulator: %v", err)
	}
	t.Cleanup(func() { sess.Close(context.Background()) })

	vms, err := sess.Finder.VirtualMachineList(context.Background(), "*")
	if err != nil || len(vms) == 0 {
		t.Fatalf("failed to list simulator VMs: %v", err)
	}
	return sess, vms[0]
}

func newController() *Controller {
	return NewController(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})))
}

// setToolsRunning flips the simulated guest agent state.
func setToolsRunning(t *testing.T, vm *object.VirtualMachine, running bool) {
	t.Helper()
	simVM, ok := simulator.Map.Get(vm.Reference()).(*simulator.VirtualMachine)
	if !ok {
		t.Fatalf("simulator does not know %v", vm.Reference())
	}
	status := types.VirtualMachineToolsRunningStatusGuestToolsNotRunning
	if running {
		status = types.VirtualMachineToolsRunningStatusGuestToolsRunning
	}
	simVM.Guest.ToolsRunningStatus = string(status)
}

func TestApplyPowerCycle(t *testing.T) {
	sess, vm := startSim(t)
	c := newController()
	ctx := context.Background()

	// Simulator VMs boot powered on.
	msg, err := c.Apply(ctx, sess, vm, "poweron")
	if err != nil {
		t.Fatalf("Apply poweron: %v", err)
	}
	if msg != "virtual machine already on" {
		t.Fatalf("message = %q", msg)
	}

	msg, err = c.Apply(ctx, sess, vm, "off")
	if err != nil {
		t.Fatalf("Apply off: %v", err)
	}
	if msg != "virtual machine powered off" {
		t.Fatalf("message = %q", msg)
	}

	msg, err = c.Apply(ctx, sess, vm, "powerOff")
	if err != nil {
		t.Fatalf("Apply powerOff on stopped VM: %v", err)
	}
	if msg != "virtual machine already off" {
		t.Fatalf("message = %q", msg)
	}

	msg, err = c.Apply(ctx, sess, vm, "start")
	if err != nil {
		t.Fatalf("Apply start: %v", err)
	}
	if msg != "virtual machine powered on" {
		t.Fatalf("message = %q", msg)
	}

	state, err := vm.PowerState(ctx)
	if err != nil {
		t.Fatalf("PowerState: %v", err)
	}
	if state != types.VirtualMachinePowerStatePoweredOn {
		t.Fatalf("power state = %q, want poweredOn", state)
	}
}

func TestApplyReset(t *testing.T) {
	sess, vm := startSim(t)
	c := newController()

	msg, err := c.Apply(context.Background(), sess, vm, "reset")
	if err != nil {
		t.Fatalf("Apply reset: %v", err)
	}
	if msg != "virtual machine reset" {
		t.Fatalf("message = %q", msg)
	}
}

func TestApplyShutdownWithoutTools(t *testing.T) {
	sess, vm := startSim(t)
	c := newController()
	setToolsRunning(t, vm, false)

	_, err := c.Apply(context.Background(), sess, vm, "shutdown")
	if err == nil {
		t.Fatal("expected shutdown without guest tools to fail")
	}
	if !faults.Is(err, faults.KindValidation) {
		t.Fatalf("err kind = %q, want validation (soft shutdown never escalates)", faults.KindOf(err))
	}
}

func TestApplyReboot(t *testing.T) {
	sess, vm := startSim(t)
	c := newController()
	setToolsRunning(t, vm, false)

	// Without a guest agent the soft reboot falls back to a hard reset.
	msg, err := c.Apply(context.Background(), sess, vm, "reboot")
	if err != nil {
		t.Fatalf("Apply reboot: %v", err)
	}
	if msg != "guest reboot failed, performed hard reset" && msg != "guest reboot requested (requires guest tools)" {
		t.Fatalf("message = %q", msg)
	}
}

func TestApplyUnknownAction(t *testing.T) {
	sess, vm := startSim(t)
	c := newController()

	_, err := c.Apply(context.Background(), sess, vm, "hibernate")
	if !faults.Is(err, faults.KindValidation) {
		t.Fatalf("err = %v, want validation fault", err)
	}
}

func TestTaskID(t *testing.T) {
	now := time.Unix(1700000000, 0)
	if got := TaskID("10.0.0.5-4203-aaaa", now); got != "power-10.0.0.5-4203-aaaa-1700000000" {
		t.Fatalf("TaskID = %q", got)
	}
}
