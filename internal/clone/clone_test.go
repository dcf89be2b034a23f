package clone

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/simulator"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/opsnav/opsnav/internal/database"
	"github.com/opsnav/opsnav/internal/faults"
	"github.com/opsnav/opsnav/internal/hypervisor"
	"github.com/opsnav/opsnav/internal/reconciler"
	"github.com/opsnav/opsnav/internal/tasks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type simEnv struct {
	sess     *hypervisor.Session
	host     *database.EsxiHost
	username string
	password string
	src      *object.VirtualMachine
	srcUUID  string
	srcName  string
}

func startSim(t *testing.T) *simEnv {
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
	username := server.URL.User.Username()
	password, _ := server.URL.User.Password()

	sess, err := hypervisor.Connect(context.Background(), testLogger(), host, username, password, int32(port))
	if err != nil {
		t.Fatalf("failed to connect to simulator: %v", err)
	}
	t.Cleanup(func() { sess.Close(context.Background()) })

	vms, err := sess.Finder.VirtualMachineList(context.Background(), "*")
	if err != nil || len(vms) == 0 {
		t.Fatalf("failed to list simulator VMs: %v", err)
	}
	src := vms[0]

	var m mo.VirtualMachine
	if err := src.Properties(context.Background(), src.Reference(), []string{"summary.config"}, &m); err != nil {
		t.Fatalf("failed to read source identity: %v", err)
	}

	return &simEnv{
		sess: sess,
		host: &database.EsxiHost{
			ID:       1,
			Ip:       host,
			Port:     int32(port),
			Username: username,
			Password: password,
		},
		username: username,
		password: password,
		src:      src,
		srcUUID:  m.Summary.Config.Uuid,
		srcName:  m.Summary.Config.Name,
	}
}

func powerOff(t *testing.T, sess *hypervisor.Session, vm *object.VirtualMachine) {
	t.Helper()
	task, err := vm.PowerOff(context.Background())
	if err != nil {
		t.Fatalf("failed to start power off: %v", err)
	}
	if _, err := sess.WaitTask(context.Background(), task, "power off", time.Minute); err != nil {
		t.Fatalf("failed to power off source: %v", err)
	}
}

func (e *simEnv) input(newName string) Input {
	return Input{
		Host:          e.host,
		Source:        hypervisor.Lookup{UUID: e.srcUUID},
		SourceName:    e.srcName,
		Username:      e.username,
		Password:      e.password,
		NewName:       newName,
		DisconnectNIC: true,
	}
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSyncer) Reconcile(ctx context.Context, host *database.EsxiHost, username, password string) (*reconciler.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &reconciler.Summary{HostIp: host.Ip}, nil
}

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type taskStore struct {
	mu   sync.Mutex
	rows map[string]*database.Task
}

func newTaskStore() *taskStore { return &taskStore{rows: map[string]*database.Task{}} }

func (s *taskStore) TaskCreate(ctx context.Context, arg *database.TaskCreateParams) (*database.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := &database.Task{ID: arg.ID, Type: arg.Type, TargetID: arg.TargetID, Status: tasks.StatusPending, Message: arg.Message}
	s.rows[arg.ID] = row
	return row, nil
}

func (s *taskStore) TaskUpdate(ctx context.Context, arg *database.TaskUpdateParams) (*database.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[arg.ID]
	if !ok {
		return nil, fmt.Errorf("no task %s", arg.ID)
	}
	if arg.Status.Valid {
		row.Status = arg.Status.String
	}
	if arg.Progress.Valid {
		row.Progress = arg.Progress.Int32
	}
	if arg.Message.Valid {
		row.Message = arg.Message
	}
	if arg.Result != nil {
		row.Result = arg.Result
	}
	return row, nil
}

func (s *taskStore) TaskFindById(ctx context.Context, id string) (*database.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("no task %s", id)
	}
	return row, nil
}

func (s *taskStore) TaskList(ctx context.Context, arg *database.TaskListParams) ([]*database.Task, error) {
	return nil, nil
}

func (s *taskStore) TaskCount(ctx context.Context, arg *database.TaskCountParams) (int64, error) {
	return 0, nil
}

func (s *taskStore) get(t *testing.T, id string) database.Task {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		t.Fatalf("no task %s", id)
	}
	return *row
}

func newWriter(t *testing.T) (*tasks.Writer, *taskStore) {
	t.Helper()
	store := newTaskStore()
	svc := tasks.NewService(store, nil, testLogger())
	task, err := svc.Create(context.Background(), tasks.KindCloneVM, "vm-1", "waiting to start")
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return svc.Writer(task.ID), store
}

func TestCloneOffline(t *testing.T) {
	env := startSim(t)
	powerOff(t, env.sess, env.src)

	syncer := &fakeSyncer{}
	o := NewOrchestrator(syncer, testLogger())
	w, store := newWriter(t)

	in := env.input("clone-a")
	in.SourceIP = "10.1.2.3"

	res, err := o.Run(context.Background(), in, w)
	if err != nil {
		t.Fatalf("clone failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.NewVMMoref == "" {
		t.Fatalf("expected a moref for the new vm")
	}
	if !strings.HasPrefix(res.NewVmxPath, "[LocalDS_0] clone-a/") || !strings.HasSuffix(res.NewVmxPath, ".vmx") {
		t.Fatalf("unexpected vmx path %q", res.NewVmxPath)
	}
	if res.SourceIP != "10.1.2.3" {
		t.Fatalf("source ip not carried through: %q", res.SourceIP)
	}
	if res.IPConfigured != nil || res.IPMessage != nil {
		t.Fatalf("ip fields must be unset without auto ip, got %+v", res)
	}

	clone, err := env.sess.Finder.VirtualMachine(context.Background(), "clone-a")
	if err != nil {
		t.Fatalf("clone not found in inventory: %v", err)
	}
	state, err := clone.PowerState(context.Background())
	if err != nil {
		t.Fatalf("failed to read clone power state: %v", err)
	}
	if state != types.VirtualMachinePowerStatePoweredOff {
		t.Fatalf("clone should stay powered off, got %s", state)
	}

	if got := syncer.count(); got != 1 {
		t.Fatalf("expected exactly the final sync, got %d", got)
	}

	row := store.get(t, w.ID())
	if row.Status != tasks.StatusRunning || row.Progress != 70 {
		t.Fatalf("unexpected task row %s/%d", row.Status, row.Progress)
	}
	wantPrefix := fmt.Sprintf("[%s->clone-a] ", env.srcName)
	if !strings.HasPrefix(row.Message.String, wantPrefix) {
		t.Fatalf("expected message with prefix %q, got %q", wantPrefix, row.Message.String)
	}
}

func TestClonePowerOn(t *testing.T) {
	env := startSim(t)
	powerOff(t, env.sess, env.src)

	syncer := &fakeSyncer{}
	o := NewOrchestrator(syncer, testLogger())
	o.BootWait = 10 * time.Millisecond

	w, store := newWriter(t)
	in := env.input("clone-b")
	in.PowerOn = true

	res, err := o.Run(context.Background(), in, w)
	if err != nil {
		t.Fatalf("clone failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}

	clone, err := env.sess.Finder.VirtualMachine(context.Background(), "clone-b")
	if err != nil {
		t.Fatalf("clone not found in inventory: %v", err)
	}
	state, err := clone.PowerState(context.Background())
	if err != nil {
		t.Fatalf("failed to read clone power state: %v", err)
	}
	if state != types.VirtualMachinePowerStatePoweredOn {
		t.Fatalf("expected clone powered on, got %s", state)
	}

	// Intermediate sync after power-on plus the final one.
	if got := syncer.count(); got != 2 {
		t.Fatalf("expected two syncs, got %d", got)
	}

	row := store.get(t, w.ID())
	if row.Progress != 85 {
		t.Fatalf("expected progress 85 after boot wait, got %d", row.Progress)
	}
	// Either tools came up inside the boot window or the timeout was
	// tolerated; both leave the clone running and the task healthy.
	if msg := row.Message.String; !strings.Contains(msg, "tools not ready") && !strings.Contains(msg, "guest os ready") {
		t.Fatalf("expected a boot-wait outcome note, got %q", msg)
	}
}

func TestCloneSourceMustBePoweredOff(t *testing.T) {
	env := startSim(t)

	o := NewOrchestrator(nil, testLogger())
	w, _ := newWriter(t)

	_, err := o.Run(context.Background(), env.input("clone-x"), w)
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("expected validation fault, got %v", err)
	}
	if !strings.Contains(err.Error(), "powered off") {
		t.Fatalf("unexpected error text: %v", err)
	}
}

func TestCloneJobWritesTerminalRow(t *testing.T) {
	env := startSim(t)
	powerOff(t, env.sess, env.src)

	o := NewOrchestrator(&fakeSyncer{}, testLogger())
	w, store := newWriter(t)

	if err := o.Job(env.input("clone-c"))(context.Background(), w); err != nil {
		t.Fatalf("clone job failed: %v", err)
	}

	row := store.get(t, w.ID())
	if row.Status != tasks.StatusSuccess || row.Progress != 100 {
		t.Fatalf("unexpected terminal row %s/%d", row.Status, row.Progress)
	}
	want := fmt.Sprintf("[%s->clone-c] clone complete", env.srcName)
	if row.Message.String != want {
		t.Fatalf("expected message %q, got %q", want, row.Message.String)
	}

	var res map[string]any
	if err := json.Unmarshal(row.Result, &res); err != nil {
		t.Fatalf("failed to decode task result: %v", err)
	}
	if res["source"] != env.srcName || res["target"] != "clone-c" {
		t.Fatalf("unexpected result endpoints: %+v", res)
	}
	if moref, _ := res["new_vm_moref"].(string); moref == "" {
		t.Fatalf("expected new_vm_moref in result, got %+v", res)
	}
	if res["ip_configured"] != nil {
		t.Fatalf("ip_configured should be null without auto ip, got %+v", res)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		in      Input
		wantErr bool
	}{
		{"plain", Input{NewName: "a"}, false},
		{"auto ip complete", Input{NewName: "a", AutoIP: true, GuestUsername: "root", GuestPassword: "pw", NewIP: "10.0.0.2", Netmask: "255.255.255.0"}, false},
		{"blank name", Input{NewName: "   "}, true},
		{"auto ip missing password", Input{NewName: "a", AutoIP: true, GuestUsername: "root", NewIP: "10.0.0.2", Netmask: "24"}, true},
		{"auto ip missing username", Input{NewName: "a", AutoIP: true, GuestPassword: "pw", NewIP: "10.0.0.2", Netmask: "24"}, true},
		{"auto ip missing ip", Input{NewName: "a", AutoIP: true, GuestUsername: "root", GuestPassword: "pw", Netmask: "24"}, true},
		{"auto ip missing netmask", Input{NewName: "a", AutoIP: true, GuestUsername: "root", GuestPassword: "pw", NewIP: "10.0.0.2"}, true},
	}

	for _, tc := range cases {
		err := tc.in.Validate()
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: unexpected validation outcome: %v", tc.name, err)
		}
		if err != nil && faults.KindOf(err) != faults.KindValidation {
			t.Fatalf("%s: expected validation kind, got %v", tc.name, err)
		}
	}
}

func TestTargetPaths(t *testing.T) {
	dir, vmx, err := targetPaths("[ds1] vm1/vm1.vmx", "", "copy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dir != "[ds1] copy" || vmx != "[ds1] copy/vm1.vmx" {
		t.Fatalf("unexpected paths %q %q", dir, vmx)
	}

	dir, vmx, err = targetPaths("[ds1] vm1/vm1.vmx", "fast", "copy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dir != "[fast] copy" || vmx != "[fast] copy/vm1.vmx" {
		t.Fatalf("unexpected paths %q %q", dir, vmx)
	}

	if _, _, err := targetPaths("no datastore prefix", "", "copy"); faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("expected validation fault, got %v", err)
	}
}

func TestFinalMessage(t *testing.T) {
	yes, no := true, false
	okMsg := "configured 10.0.0.77 on eth0"
	failMsg := "ip config failed: guest tools not ready after 3m0s"

	cases := []struct {
		name string
		res  Result
		want string
	}{
		{"no auto ip", Result{Message: "clone complete"}, "clone complete"},
		{"ip ok", Result{Message: "clone complete", IPConfigured: &yes, IPMessage: &okMsg}, "clone complete"},
		{"ip failed", Result{Message: "clone complete", IPConfigured: &no, IPMessage: &failMsg}, "clone complete [IP config failed: " + failMsg + "]"},
		{"ip failed without flag", Result{Message: "clone complete", IPMessage: &failMsg}, "clone complete [IP config failed: " + failMsg + "]"},
	}
	for _, tc := range cases {
		if got := finalMessage(&tc.res); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestAuxConfigFiles(t *testing.T) {
	cfg := &types.VirtualMachineConfigInfo{
		Files: types.VirtualMachineFileInfo{VmPathName: "[ds1] vm1/vm1.vmx"},
		ExtraConfig: []types.BaseOptionValue{
			&types.OptionValue{Key: "nvram", Value: "vm1.nvram"},
			&types.OptionValue{Key: "extendedConfigFile", Value: "vm1.vmxf"},
			&types.OptionValue{Key: "guestinfo.something", Value: "x"},
			&types.OptionValue{Key: "nvram.unrelated", Value: "y"},
		},
	}

	got := auxConfigFiles(cfg)
	want := []string{"[ds1] vm1/vm1.nvram", "[ds1] vm1/vm1.vmxf"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	if extra := auxConfigFiles(&types.VirtualMachineConfigInfo{Files: types.VirtualMachineFileInfo{VmPathName: "[ds1] a/a.vmx"}}); len(extra) != 0 {
		t.Fatalf("expected no aux files, got %v", extra)
	}
}
