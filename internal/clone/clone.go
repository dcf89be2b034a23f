// Package clone implements the offline clone workflow: copy a powered
// off VM's files into a fresh datastore directory, register the copy,
// reset its identity and optionally boot it and rewrite its guest IP.
package clone

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/opsnav/opsnav/internal/database"
	"github.com/opsnav/opsnav/internal/faults"
	"github.com/opsnav/opsnav/internal/guestip"
	"github.com/opsnav/opsnav/internal/hypervisor"
	"github.com/opsnav/opsnav/internal/reconciler"
	"github.com/opsnav/opsnav/internal/tasks"
)

// Per-phase deadlines. Disk copies dominate; everything else is bounded
// tightly so a wedged hypervisor task cannot hold a worker forever.
const (
	cleanupTimeout   = time.Minute
	diskCopyTimeout  = time.Hour
	fileCopyTimeout  = 10 * time.Minute
	registerTimeout  = 10 * time.Minute
	identityTimeout  = 3 * time.Minute
	powerOnTimeout   = time.Minute
	reconnectTimeout = 2 * time.Minute

	defaultBootWait  = 5 * time.Minute
	defaultToolsWait = 3 * time.Minute
)

// Syncer refreshes the stored inventory of one host. Clone milestones
// call it best-effort; a failed sync never fails the clone.
type Syncer interface {
	Reconcile(ctx context.Context, host *database.EsxiHost, username, password string) (*reconciler.Summary, error)
}

// Input is one clone order: which VM to copy, what to call the copy,
// where to put it, and the optional guest IP bundle applied after first
// boot. Hypervisor credentials arrive already resolved.
type Input struct {
	Host       *database.EsxiHost
	Source     hypervisor.Lookup
	SourceName string
	Username   string
	Password   string

	NewName         string
	TargetDatastore string
	PowerOn         bool
	SourceIP        string

	AutoIP        bool
	GuestUsername string
	GuestPassword string
	NICName       string
	NewIP         string
	Netmask       string
	Gateway       string
	DNS           []string
	DisconnectNIC bool
}

// Validate rejects clone orders that cannot succeed before any work
// starts. The HTTP layer calls it before a task row is created.
func (in *Input) Validate() error {
	if strings.TrimSpace(in.NewName) == "" {
		return faults.Validationf("new_name must not be empty")
	}
	if in.AutoIP {
		if in.GuestUsername == "" || in.GuestPassword == "" {
			return faults.Validationf("automatic ip configuration requires guest_username and guest_password")
		}
		if in.NewIP == "" || in.Netmask == "" {
			return faults.Validationf("automatic ip configuration requires new_ip and netmask")
		}
	}
	return nil
}

// Result is the workflow outcome. IP configuration reports separately
// from the clone itself: a failed rewrite leaves Success true.
type Result struct {
	Success      bool    `json:"success"`
	Message      string  `json:"message"`
	NewVMMoref   string  `json:"new_vm_moref"`
	NewVmxPath   string  `json:"new_vmx_path"`
	SourceIP     string  `json:"source_ip"`
	IPConfigured *bool   `json:"ip_configured,omitempty"`
	IPMessage    *string `json:"ip_message,omitempty"`
}

// Orchestrator runs offline clones.
type Orchestrator struct {
	logger *slog.Logger
	sync   Syncer
	ipconf *guestip.Configurator

	// Guest tools deadlines: BootWait after power-on, ToolsWait before
	// the IP rewrite. Overridable in tests.
	BootWait  time.Duration
	ToolsWait time.Duration
}

func NewOrchestrator(sync Syncer, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		logger:    logger,
		sync:      sync,
		ipconf:    guestip.NewConfigurator(logger),
		BootWait:  defaultBootWait,
		ToolsWait: defaultToolsWait,
	}
}

// Job wraps Run for the background runner: it stamps the start metadata,
// executes the workflow and writes the terminal task row. A failed IP
// rewrite keeps the task successful with an annotated message.
func (o *Orchestrator) Job(in Input) tasks.Job {
	return func(ctx context.Context, w *tasks.Writer) error {
		w.Running(ctx, 5, fmt.Sprintf("cloning: %s -> %s", in.SourceName, in.NewName), map[string]string{
			"source": in.SourceName,
			"target": in.NewName,
		})

		res, err := o.Run(ctx, in, w)
		if err != nil {
			return err
		}

		w.Succeed(ctx, finalMessage(res), &taskResult{
			Source:       in.SourceName,
			Target:       in.NewName,
			NewVMMoref:   res.NewVMMoref,
			NewVmxPath:   res.NewVmxPath,
			IPConfigured: res.IPConfigured,
			IPMessage:    res.IPMessage,
		})
		return nil
	}
}

// taskResult is the payload persisted on the finished task row.
type taskResult struct {
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	NewVMMoref   string  `json:"new_vm_moref"`
	NewVmxPath   string  `json:"new_vmx_path"`
	IPConfigured *bool   `json:"ip_configured"`
	IPMessage    *string `json:"ip_message"`
}

// finalMessage annotates the terminal message when the clone succeeded
// but the guest IP rewrite did not.
func finalMessage(res *Result) string {
	msg := res.Message
	if res.IPMessage != nil && *res.IPMessage != "" && (res.IPConfigured == nil || !*res.IPConfigured) {
		msg += fmt.Sprintf(" [IP config failed: %s]", *res.IPMessage)
	}
	return msg
}

// Run executes the clone workflow, streaming progress through w. Side
// effects already applied when a phase fails are not rolled back; the
// prepare phase's best-effort delete makes a retry land cleanly.
func (o *Orchestrator) Run(ctx context.Context, in Input, w *tasks.Writer) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.AutoIP {
		// The guest ops channel needs a running guest.
		in.PowerOn = true
	}
	w.SetPrefix(fmt.Sprintf("[%s->%s] ", in.SourceName, in.NewName))

	sess, err := hypervisor.Connect(ctx, o.logger, in.Host.Ip, in.Username, in.Password, in.Host.Port)
	if err != nil {
		return nil, err
	}
	defer sess.Close(context.WithoutCancel(ctx))

	w.Progress(ctx, 5, "connected to hypervisor")

	vm, err := sess.FindVM(ctx, in.Source)
	if err != nil {
		return nil, err
	}

	var m mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"config", "runtime.powerState"}, &m); err != nil {
		return nil, faults.Wrap(faults.KindHypervisor, "failed to read source configuration", err)
	}
	if m.Runtime.PowerState != types.VirtualMachinePowerStatePoweredOff {
		return nil, faults.Validationf("source virtual machine must be powered off before cloning")
	}
	if m.Config == nil {
		return nil, faults.Validationf("source virtual machine has no configuration to clone")
	}

	targetDir, targetVmx, err := targetPaths(m.Config.Files.VmPathName, in.TargetDatastore, in.NewName)
	if err != nil {
		return nil, err
	}

	// A directory left over from an earlier attempt would fail the copy
	// halfway through; a missing directory is the normal case here.
	if err := sess.DeletePath(ctx, targetDir, cleanupTimeout); err != nil {
		o.logger.Info("Target directory cleanup skipped", "dir", targetDir, "error", err)
	}
	w.Progress(ctx, 10, "preparing target directory")

	if err := sess.MakeDirectory(ctx, targetDir); err != nil {
		o.logger.Warn("Failed to create target directory", "dir", targetDir, "error", err)
	}
	w.Progress(ctx, 15, "target directory created")

	devices := object.VirtualDeviceList(m.Config.Hardware.Device)
	for _, dev := range devices.SelectByType((*types.VirtualDisk)(nil)) {
		disk := dev.(*types.VirtualDisk)
		backing, ok := disk.Backing.(types.BaseVirtualDeviceFileBackingInfo)
		if !ok {
			return nil, faults.Validationf("source disk has no file backing, offline copy is not possible")
		}
		src := backing.GetVirtualDeviceFileBackingInfo().FileName
		dst := fmt.Sprintf("%s/%s", targetDir, path.Base(src))
		o.logger.Info("Copying virtual disk", "src", src, "dst", dst)
		if err := sess.CopyDisk(ctx, src, dst, diskCopyTimeout); err != nil {
			return nil, err
		}
		w.Progress(ctx, 30, fmt.Sprintf("copied disk %s", path.Base(src)))
	}

	if err := sess.CopyFile(ctx, m.Config.Files.VmPathName, targetVmx, fileCopyTimeout); err != nil {
		return nil, err
	}
	for _, src := range auxConfigFiles(m.Config) {
		dst := fmt.Sprintf("%s/%s", targetDir, path.Base(src))
		o.logger.Info("Copying config file", "src", src, "dst", dst)
		if err := sess.CopyFile(ctx, src, dst, fileCopyTimeout); err != nil {
			o.logger.Warn("Failed to copy auxiliary config file", "src", src, "error", err)
		}
	}
	w.Progress(ctx, 50, "copied config files")

	pool, err := vm.ResourcePool(ctx)
	if err != nil {
		return nil, faults.Wrap(faults.KindHypervisor, "failed to resolve source resource pool", err)
	}
	hostRef, err := vm.HostSystem(ctx)
	if err != nil {
		return nil, faults.Wrap(faults.KindHypervisor, "failed to resolve source host", err)
	}

	newVM, err := sess.RegisterVM(ctx, targetVmx, in.NewName, pool, hostRef, registerTimeout)
	if err != nil {
		return nil, err
	}
	w.Progress(ctx, 65, "registered virtual machine")

	if err := sess.ResetIdentity(ctx, newVM, in.NewName, in.DisconnectNIC, identityTimeout); err != nil {
		o.logger.Warn("Failed to reset clone identity", "vm", in.NewName, "error", err)
	}
	w.Progress(ctx, 70, "reset uuid/mac")

	if in.PowerOn {
		task, err := newVM.PowerOn(ctx)
		if err != nil {
			return nil, faults.Wrap(faults.KindHypervisor, "failed to start power on", err)
		}
		if _, err := sess.WaitTaskAnsweringQuestions(ctx, task, newVM, "power on", powerOnTimeout); err != nil {
			return nil, err
		}

		// The power state just changed; refresh the inventory early so
		// the UI does not show the clone as off for a whole sync cycle.
		o.reconcile(ctx, in.Host)

		w.Progress(ctx, 82, "waiting for guest os to boot")
		if err := sess.WaitForTools(ctx, newVM, o.BootWait); err != nil {
			o.logger.Warn("Guest tools not ready after boot", "vm", in.NewName, "error", err)
			w.Progress(ctx, 85, "power-on complete (tools not ready)")
		} else {
			w.Progress(ctx, 85, "guest os ready")
		}
	}

	res := &Result{
		Success:    true,
		Message:    "clone complete",
		NewVMMoref: newVM.Reference().Value,
		NewVmxPath: targetVmx,
		SourceIP:   in.SourceIP,
	}

	if in.AutoIP {
		configured, message := o.configureGuestIP(ctx, sess, newVM, in, w)
		res.IPConfigured = &configured
		res.IPMessage = &message
	}

	// Identity reset may have disconnected the NICs; reconnect them
	// whether or not a guest rewrite ran, and however it went.
	if err := sess.ReconnectNICs(ctx, newVM, reconnectTimeout); err != nil {
		o.logger.Warn("Failed to reconnect network cards", "vm", in.NewName, "error", err)
	}

	o.reconcile(ctx, in.Host)
	return res, nil
}

// configureGuestIP rewrites the clone's address once its tools come up.
// Failures are reported, never escalated: the clone itself already
// succeeded.
func (o *Orchestrator) configureGuestIP(ctx context.Context, sess *hypervisor.Session, vm *object.VirtualMachine, in Input, w *tasks.Writer) (bool, string) {
	if err := sess.WaitForTools(ctx, vm, o.ToolsWait); err != nil {
		o.logger.Warn("Guest tools never became ready for ip configuration", "vm", in.NewName, "error", err)
		return false, fmt.Sprintf("ip config failed: %v", err)
	}
	w.Progress(ctx, 85, "guest tools ready, configuring ip")

	auth := hypervisor.GuestAuth{Username: in.GuestUsername, Password: in.GuestPassword}
	msg, err := o.ipconf.Configure(ctx, sess, vm, auth, guestip.Params{
		NIC:     in.NICName,
		IP:      in.NewIP,
		Netmask: in.Netmask,
		Gateway: in.Gateway,
		DNS:     in.DNS,
	})
	if err != nil {
		o.logger.Warn("Guest ip configuration failed", "vm", in.NewName, "error", err)
		return false, fmt.Sprintf("ip config failed: %v", err)
	}
	w.Progress(ctx, 90, msg)
	return true, msg
}

func (o *Orchestrator) reconcile(ctx context.Context, host *database.EsxiHost) {
	if o.sync == nil {
		return
	}
	if _, err := o.sync.Reconcile(ctx, host, "", ""); err != nil {
		o.logger.Warn("Inventory sync after clone step failed", "host", host.Ip, "error", err)
	}
}

// targetPaths derives the clone's directory and config path from the
// source VMX path. The target keeps the source's file names under a
// directory named after the clone.
func targetPaths(srcVmx, targetDatastore, newName string) (dir, vmx string, err error) {
	srcDS, rel, err := hypervisor.SplitDatastorePath(srcVmx)
	if err != nil {
		return "", "", err
	}
	ds := targetDatastore
	if ds == "" {
		ds = srcDS
	}
	dir = fmt.Sprintf("[%s] %s", ds, newName)
	vmx = fmt.Sprintf("%s/%s", dir, path.Base(rel))
	return dir, vmx, nil
}

// auxConfigFiles lists nvram and vmxf paths recorded beside the VMX.
// ESXi surfaces both as extra config entries naming a file in the VM's
// directory; a VM that has neither returns an empty list.
func auxConfigFiles(cfg *types.VirtualMachineConfigInfo) []string {
	dir := path.Dir(cfg.Files.VmPathName)

	var files []string
	for _, opt := range cfg.ExtraConfig {
		v := opt.GetOptionValue()
		if v == nil {
			continue
		}
		name, ok := v.Value.(string)
		if !ok || name == "" {
			continue
		}
		switch v.Key {
		case "nvram", "extendedConfigFile":
			files = append(files, fmt.Sprintf("%s/%s", dir, path.Base(name)))
		}
	}
	return files
}
