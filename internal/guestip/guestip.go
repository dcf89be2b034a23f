// Package guestip rewrites a Linux guest's primary network profile
// through the hypervisor's guest-operations channel. It uploads a small
// NetworkManager script into the guest and runs it, so the address
// change persists across reboots without any agent inside the VM beyond
// the standard guest tools.
package guestip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/opsnav/opsnav/internal/faults"
	"github.com/opsnav/opsnav/internal/hypervisor"
)

// defaultSettle is how long the script gets to run before its exit code
// is read. Starting NetworkManager on a fresh boot can take a while.
const defaultSettle = 20 * time.Second

// exitLinkDown is nmcli's activation failure. The profile is already
// written to disk at that point, so the address survives the next link
// up and the run counts as a success.
const exitLinkDown = 8

// Params describes the address to configure.
type Params struct {
	NIC     string // empty means eth0
	IP      string
	Netmask string // dotted quad or prefix length
	Gateway string
	DNS     []string
}

func (p Params) nic() string {
	if p.NIC == "" {
		return "eth0"
	}
	return p.NIC
}

// ScriptPath is where the setup script lands inside the guest.
func ScriptPath(nic string) string {
	return "/tmp/opsnav-setup-" + nic + ".sh"
}

// LogPath is where the script writes its own execution log, for
// debugging from inside the guest.
func LogPath(nic string) string {
	return "/tmp/opsnav-ip-" + nic + ".log"
}

// ProfileName is the NetworkManager connection profile the script owns.
func ProfileName(nic string) string {
	return "opsnav-" + nic
}

// PrefixLength converts a dotted-quad netmask to a prefix length. A
// bare number in the 0..32 range passes through unchanged.
func PrefixLength(netmask string) (int, error) {
	if n, err := strconv.Atoi(netmask); err == nil {
		if n < 0 || n > 32 {
			return 0, faults.Validationf("invalid netmask %q: prefix out of range", netmask)
		}
		return n, nil
	}

	ip := net.ParseIP(netmask)
	if ip == nil || ip.To4() == nil {
		return 0, faults.Validationf("invalid netmask %q", netmask)
	}
	ones, bits := net.IPMask(ip.To4()).Size()
	if bits == 0 {
		return 0, faults.Validationf("invalid netmask %q: bits are not contiguous", netmask)
	}
	return ones, nil
}

// BuildScript renders the in-guest setup script. The script ensures
// NetworkManager is up, removes every profile bound to the NIC, writes
// a fresh static profile and tries to activate it. Activation is
// allowed to fail (the link may be down while NICs are disconnected);
// persisting the profile is the part that matters.
func BuildScript(p Params) (string, error) {
	nic := p.nic()
	if strings.ContainsAny(nic, " '\"`$\\") {
		return "", faults.Validationf("invalid nic name %q", nic)
	}
	if net.ParseIP(p.IP) == nil {
		return "", faults.Validationf("invalid ip address %q", p.IP)
	}
	if p.Gateway != "" && net.ParseIP(p.Gateway) == nil {
		return "", faults.Validationf("invalid gateway %q", p.Gateway)
	}
	for _, d := range p.DNS {
		if net.ParseIP(d) == nil {
			return "", faults.Validationf("invalid dns server %q", d)
		}
	}
	prefix, err := PrefixLength(p.Netmask)
	if err != nil {
		return "", err
	}

	dns := strings.Join(p.DNS, " ")
	lines := []string{
		fmt.Sprintf("NIC='%s'", nic),
		fmt.Sprintf("CON='%s'", ProfileName(nic)),
		`LOG="/tmp/opsnav-ip-$NIC.log"`,
		`echo "[opsnav] start $(date)" > "$LOG"`,
		`echo "[opsnav] checking NetworkManager" >> "$LOG"`,
		`if ! systemctl is-active NetworkManager >>"$LOG" 2>&1`,
		`then echo "[opsnav] starting NetworkManager" >> "$LOG"`,
		`systemctl start NetworkManager >>"$LOG" 2>&1 || true`,
		`sleep 3`,
		`fi`,
		`echo "[opsnav] NetworkManager: $(systemctl is-active NetworkManager 2>&1)" >> "$LOG"`,
		`set -e`,
		`nmcli -t -f NAME,DEVICE con show | awk -F: -v nic="$NIC" '$2==nic{print $1}' | while read -r c`,
		`do [ -n "$c" ] && nmcli con del "$c" >>"$LOG" 2>&1 || true`,
		`done`,
		`nmcli con add type ethernet ifname "$NIC" con-name "$CON" autoconnect yes >>"$LOG" 2>&1`,
		fmt.Sprintf(`nmcli con mod "$CON" ipv4.addresses %s/%d ipv4.method manual >>"$LOG" 2>&1`, p.IP, prefix),
		fmt.Sprintf(`if [ -n '%s' ]`, p.Gateway),
		fmt.Sprintf(`then nmcli con mod "$CON" ipv4.gateway '%s' >>"$LOG" 2>&1`, p.Gateway),
		`fi`,
		fmt.Sprintf(`if [ -n '%s' ]`, dns),
		fmt.Sprintf(`then nmcli con mod "$CON" ipv4.dns '%s' ipv4.ignore-auto-dns yes >>"$LOG" 2>&1`, dns),
		`fi`,
		`nmcli con mod "$CON" connection.autoconnect yes >>"$LOG" 2>&1`,
		`nmcli con reload >>"$LOG" 2>&1`,
		`nmcli con down "$CON" >>"$LOG" 2>&1 || true`,
		`nmcli con up "$CON" >>"$LOG" 2>&1 || true`,
		`echo "[opsnav] end $(date)" >> "$LOG"`,
		`exit 0`,
	}
	return strings.Join(lines, "\n") + "\n", nil
}

// GuestSession is the slice of the hypervisor session used to reach
// into the guest.
type GuestSession interface {
	UploadGuestFile(ctx context.Context, vm *object.VirtualMachine, auth hypervisor.GuestAuth, path string, contents []byte) error
	StartGuestProgram(ctx context.Context, vm *object.VirtualMachine, auth hypervisor.GuestAuth, program, arguments string) (int64, error)
	GuestProcess(ctx context.Context, vm *object.VirtualMachine, auth hypervisor.GuestAuth, pid int64) (*types.GuestProcessInfo, error)
}

// Configurator runs the setup script inside guests. Callers must have
// waited for guest tools before invoking Configure.
type Configurator struct {
	logger *slog.Logger

	// Settle is how long the script gets before its exit code is read.
	Settle time.Duration
}

func NewConfigurator(logger *slog.Logger) *Configurator {
	return &Configurator{logger: logger, Settle: defaultSettle}
}

// Configure uploads the setup script and runs it, returning a
// human-readable summary of what was configured. The exit code decides
// the outcome; a script still running after the settle window counts as
// success, the profile write happens early.
func (c *Configurator) Configure(ctx context.Context, sess GuestSession, vm *object.VirtualMachine, auth hypervisor.GuestAuth, p Params) (string, error) {
	script, err := BuildScript(p)
	if err != nil {
		return "", err
	}
	nic := p.nic()
	path := ScriptPath(nic)

	c.logger.Info("Configuring guest ip", "nic", nic, "ip", p.IP, "netmask", p.Netmask, "gateway", p.Gateway)

	if err := sess.UploadGuestFile(ctx, vm, auth, path, []byte(script)); err != nil {
		return "", err
	}
	pid, err := sess.StartGuestProgram(ctx, vm, auth, "/bin/sh", path)
	if err != nil {
		return "", err
	}
	c.logger.Info("Started guest ip script", "pid", pid, "path", path)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(c.Settle):
	}

	proc, err := sess.GuestProcess(ctx, vm, auth, pid)
	if err != nil {
		// The script may have torn the network down under us. The
		// profile is persisted before activation, so treat an
		// unobservable process as done.
		c.logger.Warn("Failed to read guest process state", "pid", pid, "error", err)
		return c.configured(p), nil
	}

	switch {
	case proc == nil:
		c.logger.Info("Guest process no longer listed, assuming completion", "pid", pid)
	case proc.EndTime == nil:
		c.logger.Info("Guest ip script still running after settle window", "pid", pid)
	case proc.ExitCode == 0:
		c.logger.Info("Guest ip script finished", "pid", pid)
	case proc.ExitCode == exitLinkDown:
		c.logger.Warn("Guest ip script reports link down, profile persisted", "pid", pid, "log", LogPath(nic))
	default:
		return "", faults.GuestOpsf("ip change failed with exit code %d, see %s in the guest", proc.ExitCode, LogPath(nic))
	}
	return c.configured(p), nil
}

func (c *Configurator) configured(p Params) string {
	return fmt.Sprintf("configured %s on %s", p.IP, p.nic())
}
