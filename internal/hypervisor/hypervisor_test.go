package hypervisor

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vmware/govmomi/simulator"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/opsnav/opsnav/internal/faults"
)

// startSim boots a vCenter simulator and returns a connected session
// plus the dial parameters, so tests can also exercise raw Connect.
func startSim(t *testing.T) (*Session, string, string, string, int32) {
	t.Helper()

	model := simulator.VPX()
	if err := model.Create(); err != nil {
		t.Fatalf("failed to create simulator model: %v", err)
	}
	model.Service.TLS = new(tls.Config)
	model.Service.RegisterEndpoints = true
	server := model.Service.NewServer()
	t.Cleanup(func() {
		server.Close()
		model.Remove()
	})

	host, portStr, err := net.SplitHostPort(server.URL.Host)
	if err != nil {
		t.Fatalf("failed to split simulator address %q: %v", server.URL.Host, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse simulator port %q: %v", portStr, err)
	}
	username := server.URL.User.Username()
	password, _ := server.URL.User.Password()

	s, err := Connect(context.Background(), testLogger(), host, username, password, int32(port))
	if err != nil {
		t.Fatalf("failed to connect to simulator: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })

	return s, host, username, password, int32(port)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestProbe(t *testing.T) {
	_, host, username, password, port := startSim(t)

	info, err := Probe(context.Background(), testLogger(), host, username, password, port)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Hostname == "" {
		t.Fatal("probe returned empty hostname")
	}
	if info.Vendor == "" || info.Version == "" {
		t.Fatalf("probe returned empty product info: %+v", info)
	}
}

func TestConnectRefused(t *testing.T) {
	model := simulator.VPX()
	if err := model.Create(); err != nil {
		t.Fatalf("failed to create simulator model: %v", err)
	}
	model.Service.TLS = new(tls.Config)
	server := model.Service.NewServer()

	host, portStr, err := net.SplitHostPort(server.URL.Host)
	if err != nil {
		t.Fatalf("failed to split simulator address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	// Tear the endpoint down so the dial has nothing to reach.
	server.Close()
	model.Remove()

	_, err = Connect(context.Background(), testLogger(), host, "user", "pass", int32(port))
	if err == nil {
		t.Fatal("expected connect to a closed endpoint to fail")
	}
	if !faults.Is(err, faults.KindHypervisor) {
		t.Fatalf("connect failure kind = %q, want %q", faults.KindOf(err), faults.KindHypervisor)
	}
}

func TestIsInvalidLogin(t *testing.T) {
	_, host, _, _, port := startSim(t)

	// The simulator rejects empty credentials with the same
	// InvalidLogin fault a real endpoint raises.
	_, err := Connect(context.Background(), testLogger(), host, "", "", port)
	if err == nil {
		t.Fatal("expected connect with empty credentials to fail")
	}
	if !IsInvalidLogin(err) {
		t.Fatalf("IsInvalidLogin = false for %v", err)
	}
	if !faults.Is(err, faults.KindHypervisor) {
		t.Fatalf("login failure kind = %q, want %q", faults.KindOf(err), faults.KindHypervisor)
	}

	if IsInvalidLogin(nil) {
		t.Fatal("IsInvalidLogin(nil) = true")
	}
	refused := faults.Wrap(faults.KindHypervisor, "failed to connect to 203.0.113.9", errors.New("connection refused"))
	if IsInvalidLogin(refused) {
		t.Fatal("IsInvalidLogin = true for a plain connect failure")
	}
}

func TestFindVM(t *testing.T) {
	s, _, _, _, _ := startSim(t)
	ctx := context.Background()

	vms, err := s.Finder.VirtualMachineList(ctx, "*")
	if err != nil {
		t.Fatalf("failed to list simulator VMs: %v", err)
	}
	if len(vms) == 0 {
		t.Fatal("simulator has no VMs")
	}
	want := vms[0]

	var m mo.VirtualMachine
	if err := want.Properties(ctx, want.Reference(), []string{"summary.config"}, &m); err != nil {
		t.Fatalf("failed to read VM config: %v", err)
	}

	got, err := s.FindVM(ctx, Lookup{UUID: m.Summary.Config.InstanceUuid})
	if err != nil {
		t.Fatalf("FindVM by instance uuid: %v", err)
	}
	if got.Reference() != want.Reference() {
		t.Fatalf("instance uuid lookup found %v, want %v", got.Reference(), want.Reference())
	}

	got, err = s.FindVM(ctx, Lookup{UUID: m.Summary.Config.Uuid})
	if err != nil {
		t.Fatalf("FindVM by bios uuid: %v", err)
	}
	if got.Reference() != want.Reference() {
		t.Fatalf("bios uuid lookup found %v, want %v", got.Reference(), want.Reference())
	}

	_, err = s.FindVM(ctx, Lookup{
		UUID: "00000000-0000-0000-0000-000000000000",
		IP:   "203.0.113.9",
		Name: "no-such-vm",
	})
	if err == nil {
		t.Fatal("expected lookup with stale identifiers to miss")
	}
	if !faults.Is(err, faults.KindNotFound) {
		t.Fatalf("miss kind = %q, want %q", faults.KindOf(err), faults.KindNotFound)
	}
}

func TestWaitTask(t *testing.T) {
	s, _, _, _, _ := startSim(t)
	ctx := context.Background()

	vms, err := s.Finder.VirtualMachineList(ctx, "*")
	if err != nil {
		t.Fatalf("failed to list simulator VMs: %v", err)
	}
	vm := vms[0]

	task, err := vm.PowerOff(ctx)
	if err != nil {
		t.Fatalf("PowerOff: %v", err)
	}
	info, err := s.WaitTask(ctx, task, "power off virtual machine", time.Minute)
	if err != nil {
		t.Fatalf("WaitTask: %v", err)
	}
	if info.State != types.TaskInfoStateSuccess {
		t.Fatalf("task state = %q, want success", info.State)
	}

	// Powering off again fails on the hypervisor side; the task error
	// must surface with the operation label.
	task, err = vm.PowerOff(ctx)
	if err != nil {
		t.Fatalf("second PowerOff: %v", err)
	}
	_, err = s.WaitTask(ctx, task, "power off virtual machine", time.Minute)
	if err == nil {
		t.Fatal("expected power off of a stopped VM to fail")
	}
	if !faults.Is(err, faults.KindHypervisor) {
		t.Fatalf("task failure kind = %q, want %q", faults.KindOf(err), faults.KindHypervisor)
	}
	if !strings.Contains(err.Error(), "power off virtual machine failed") {
		t.Fatalf("task failure message = %q, want operation label", err.Error())
	}
}

func TestWaitTaskAnsweringQuestions(t *testing.T) {
	s, _, _, _, _ := startSim(t)
	ctx := context.Background()

	vms, err := s.Finder.VirtualMachineList(ctx, "*")
	if err != nil {
		t.Fatalf("failed to list simulator VMs: %v", err)
	}
	vm := vms[0]

	task, err := vm.PowerOff(ctx)
	if err != nil {
		t.Fatalf("PowerOff: %v", err)
	}
	if _, err := s.WaitTask(ctx, task, "power off virtual machine", time.Minute); err != nil {
		t.Fatalf("WaitTask: %v", err)
	}

	task, err = vm.PowerOn(ctx)
	if err != nil {
		t.Fatalf("PowerOn: %v", err)
	}
	info, err := s.WaitTaskAnsweringQuestions(ctx, task, vm, "power on virtual machine", time.Minute)
	if err != nil {
		t.Fatalf("WaitTaskAnsweringQuestions: %v", err)
	}
	if info.State != types.TaskInfoStateSuccess {
		t.Fatalf("task state = %q, want success", info.State)
	}

	state, err := vm.PowerState(ctx)
	if err != nil {
		t.Fatalf("PowerState: %v", err)
	}
	if state != types.VirtualMachinePowerStatePoweredOn {
		t.Fatalf("power state = %q, want poweredOn", state)
	}
}

func TestTaskOutcome(t *testing.T) {
	done, err := taskOutcome(&types.TaskInfo{State: types.TaskInfoStateSuccess}, "copy disk")
	if !done || err != nil {
		t.Fatalf("success outcome = (%v, %v), want (true, nil)", done, err)
	}

	done, err = taskOutcome(&types.TaskInfo{State: types.TaskInfoStateRunning}, "copy disk")
	if done || err != nil {
		t.Fatalf("running outcome = (%v, %v), want (false, nil)", done, err)
	}

	done, err = taskOutcome(&types.TaskInfo{
		State: types.TaskInfoStateError,
		Error: &types.LocalizedMethodFault{LocalizedMessage: "insufficient space"},
	}, "copy disk")
	if !done || err == nil {
		t.Fatalf("error outcome = (%v, %v), want (true, error)", done, err)
	}
	if !strings.Contains(err.Error(), "copy disk failed: insufficient space") {
		t.Fatalf("error message = %q", err.Error())
	}

	done, err = taskOutcome(&types.TaskInfo{State: types.TaskInfoStateError}, "copy disk")
	if !done || err == nil || !strings.Contains(err.Error(), "unknown error") {
		t.Fatalf("nil-fault outcome = (%v, %v), want unknown error", done, err)
	}
}

func TestChooseAnswer(t *testing.T) {
	choices := func(labels ...string) types.ChoiceOption {
		var infos []types.BaseElementDescription
		for i, label := range labels {
			infos = append(infos, &types.ElementDescription{
				Key:         strconv.Itoa(i),
				Description: types.Description{Label: label},
			})
		}
		return types.ChoiceOption{ChoiceInfo: infos}
	}

	tests := []struct {
		name   string
		choice types.ChoiceOption
		want   string
	}{
		{"copied label wins", choices("I Moved It", "I Copied It"), "1"},
		{"copied label first", choices("I Copied It", "I Moved It"), "0"},
		{"copy variant", choices("button.uuid.movedTheVM", "Copy"), "1"},
		{"chinese label", choices("我已移动该虚拟机", "我已复制该虚拟机"), "1"},
		{"no match falls back to second", choices("Yes", "No"), "1"},
		{"single unmatched choice", choices("OK"), "2"},
		{"no choices", types.ChoiceOption{}, "2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &types.VirtualMachineQuestionInfo{Id: "1", Text: "msg.uuid.altered", Choice: tt.choice}
			if got := chooseAnswer(q); got != tt.want {
				t.Fatalf("chooseAnswer = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitDatastorePath(t *testing.T) {
	ds, rel, err := SplitDatastorePath("[datastore1] clones/web-01/web-01.vmx")
	if err != nil {
		t.Fatalf("SplitDatastorePath: %v", err)
	}
	if ds != "datastore1" || rel != "clones/web-01/web-01.vmx" {
		t.Fatalf("split = (%q, %q)", ds, rel)
	}

	_, _, err = SplitDatastorePath("clones/web-01/web-01.vmx")
	if err == nil {
		t.Fatal("expected a path without a datastore prefix to be rejected")
	}
	if !faults.Is(err, faults.KindValidation) {
		t.Fatalf("malformed path kind = %q, want %q", faults.KindOf(err), faults.KindValidation)
	}
}

func TestMakeDirectoryIdempotent(t *testing.T) {
	s, _, _, _, _ := startSim(t)
	ctx := context.Background()

	const dir = "[LocalDS_0] opsnav-clone-target"
	if err := s.MakeDirectory(ctx, dir); err != nil {
		t.Fatalf("MakeDirectory: %v", err)
	}
	if err := s.MakeDirectory(ctx, dir); err != nil {
		t.Fatalf("MakeDirectory on existing directory: %v", err)
	}
}

func TestDeletePath(t *testing.T) {
	s, _, _, _, _ := startSim(t)
	ctx := context.Background()

	const dir = "[LocalDS_0] opsnav-delete-me"
	if err := s.MakeDirectory(ctx, dir); err != nil {
		t.Fatalf("MakeDirectory: %v", err)
	}
	if err := s.DeletePath(ctx, dir, time.Minute); err != nil {
		t.Fatalf("DeletePath: %v", err)
	}
	if err := s.DeletePath(ctx, dir, time.Minute); err == nil {
		t.Fatal("expected deleting a missing path to fail")
	}
}
