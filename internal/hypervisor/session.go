// Package hypervisor wraps the govmomi SDK with the small set of
// capabilities the control plane needs: connect, locate a VM by the
// identifiers the inventory holds, wait on long-running tasks while
// answering pending questions, datastore file and disk operations, and
// the guest-operations channel.
package hypervisor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/opsnav/opsnav/internal/faults"
)

const connectTimeout = 30 * time.Second

// Session is an authenticated connection to a single hypervisor, scoped
// to its default datacenter. Sessions are cheap, per-worker, and must be
// released with Close on every exit path.
type Session struct {
	logger     *slog.Logger
	Client     *govmomi.Client
	Finder     *find.Finder
	Datacenter *object.Datacenter

	// addr is the address the session was dialed with, kept for
	// rewriting wildcard hosts in guest file-transfer URLs.
	addr string
}

// Connect dials the hypervisor SDK endpoint and resolves the default
// datacenter. TLS verification is disabled: ESXi hosts ship self-signed
// certificates.
func Connect(ctx context.Context, logger *slog.Logger, addr, username, secret string, port int32) (*Session, error) {
	if port <= 0 {
		port = 443
	}
	u := &url.URL{
		Scheme: "https",
		Host:   net.JoinHostPort(addr, strconv.Itoa(int(port))),
		Path:   vim25.Path,
	}
	u.User = url.UserPassword(username, secret)

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := govmomi.NewClient(dialCtx, u, true)
	if err != nil {
		return nil, faults.Wrap(faults.KindHypervisor, "failed to connect to "+addr, err)
	}

	finder := find.NewFinder(client.Client, false)
	dc, err := finder.DefaultDatacenter(ctx)
	if err != nil {
		_ = client.Logout(ctx)
		return nil, faults.Wrap(faults.KindHypervisor, "failed to resolve datacenter on "+addr, err)
	}
	finder.SetDatacenter(dc)

	return &Session{
		logger:     logger,
		Client:     client,
		Finder:     finder,
		Datacenter: dc,
		addr:       addr,
	}, nil
}

// Close logs out of the hypervisor. Errors are logged, not returned:
// callers defer Close and have nothing useful to do with a logout
// failure.
func (s *Session) Close(ctx context.Context) {
	if err := s.Client.Logout(ctx); err != nil {
		s.logger.Warn("Failed to log out of hypervisor", "addr", s.addr, "error", err)
	}
}

// Addr returns the address the session was dialed with.
func (s *Session) Addr() string {
	return s.addr
}

// IsInvalidLogin reports whether err, at any wrapping level, is the
// hypervisor rejecting the supplied credentials. Callers use it to
// distinguish a dead host from a live one with stale credentials.
func IsInvalidLogin(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if soap.IsSoapFault(e) {
			if _, ok := soap.ToSoapFault(e).VimFault().(types.InvalidLogin); ok {
				return true
			}
		}
	}
	return false
}

// About returns the endpoint's self-description.
func (s *Session) About() types.AboutInfo {
	return s.Client.Client.ServiceContent.About
}

// HostInfo is the probe result surfaced on enrollment.
type HostInfo struct {
	Hostname string
	Vendor   string
	Model    string
	Version  string
}

// Probe connects, reads the endpoint's self-description and disconnects.
// Used to validate credentials before an enrollment is persisted.
func Probe(ctx context.Context, logger *slog.Logger, addr, username, secret string, port int32) (*HostInfo, error) {
	s, err := Connect(ctx, logger, addr, username, secret, port)
	if err != nil {
		return nil, err
	}
	defer s.Close(ctx)

	about := s.About()
	hostname := about.Name
	if hostname == "" {
		hostname = "localhost"
	}
	return &HostInfo{
		Hostname: hostname,
		Vendor:   about.Vendor,
		Model:    about.OsType,
		Version:  about.FullName,
	}, nil
}
