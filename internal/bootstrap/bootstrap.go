// Package bootstrap installs the guest agent over SSH on machines the
// hypervisor cannot reach through guest operations yet.
package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsnav/opsnav/internal/faults"
	"github.com/opsnav/opsnav/internal/tasks"
)

const (
	connectTimeout = 10 * time.Second
	outputClip     = 500
)

// Shell is one remote shell on the target machine.
type Shell interface {
	Run(cmd string) (stdout, stderr string, exitCode int, err error)
	Close() error
}

// Dialer opens a Shell. The production dialer speaks SSH; tests
// substitute fakes.
type Dialer func(addr string, config *ssh.ClientConfig) (Shell, error)

// Installer runs the guest agent installation on fresh machines.
type Installer struct {
	logger *slog.Logger
	dial   Dialer
}

func NewInstaller(logger *slog.Logger) *Installer {
	return &Installer{logger: logger, dial: dialSSH}
}

// Report is the outcome stored on the install task.
type Report struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Log     []string `json:"log"`
}

// Install connects to the machine, detects its distribution from
// /etc/os-release and runs the matching package manager install of the
// guest agent. The report carries a clipped command transcript.
func (i *Installer) Install(ip, username, password string) (*Report, error) {
	config := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	i.logger.Info("Connecting over ssh", "ip", ip, "username", username)
	shell, err := i.dial(net.JoinHostPort(ip, "22"), config)
	if err != nil {
		return nil, faults.Execf("ssh connection to %s failed: %v", ip, err)
	}
	defer shell.Close()

	osInfo, _, _, err := shell.Run("cat /etc/os-release")
	if err != nil {
		return nil, faults.Execf("failed to detect guest os: %v", err)
	}

	cmd := buildInstallCommand(strings.ToLower(osInfo))
	i.logger.Info("Running guest agent install", "ip", ip, "command", cmd)

	stdout, stderr, exit, err := shell.Run(cmd)
	if err != nil {
		return nil, faults.Execf("ssh exec failed: %v", err)
	}

	log := []string{
		"Command: " + cmd,
		fmt.Sprintf("Exit Code: %d", exit),
	}
	if stdout != "" {
		log = append(log, "Stdout: "+clip(stdout))
	}
	if stderr != "" {
		log = append(log, "Stderr: "+clip(stderr))
	}

	if exit != 0 {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = strings.TrimSpace(stdout)
		}
		return nil, faults.Execf("install command failed (exit %d): %s", exit, detail)
	}

	return &Report{Success: true, Message: "Installation success", Log: log}, nil
}

// Job wraps Install for the background runner. The agent only reports
// into the inventory on the next sync pass, so success here means the
// install command exited cleanly, not that the agent is up.
func (i *Installer) Job(ip, username, password string) tasks.Job {
	return func(ctx context.Context, w *tasks.Writer) error {
		w.Progress(ctx, 10, fmt.Sprintf("connecting ssh: %s", ip))

		report, err := i.Install(ip, username, password)
		if err != nil {
			return err
		}

		w.Succeed(ctx, "tools install command succeeded, awaiting next sync", report)
		return nil
	}
}

// CentOS 8 reached end of life; its default mirrors 404 and the install
// only works after pointing the repos at a vault mirror.
const centos8RepoFix = "if grep -q 'release 8' /etc/redhat-release; then " +
	"sed -i 's/mirrorlist/#mirrorlist/g' /etc/yum.repos.d/CentOS-*.repo; " +
	"sed -i 's|#baseurl=http://mirror.centos.org|baseurl=http://mirrors.aliyun.com|g' /etc/yum.repos.d/CentOS-*.repo; " +
	"fi"

// buildInstallCommand picks the install command for the distribution
// named in the lowercased /etc/os-release contents. Unknown systems get
// a yum-then-apt trial run.
func buildInstallCommand(osInfo string) string {
	switch {
	case strings.Contains(osInfo, "centos") || strings.Contains(osInfo, "rhel") || strings.Contains(osInfo, "fedora"):
		return centos8RepoFix + " && yum install -y open-vm-tools && systemctl start vmtoolsd && systemctl enable vmtoolsd"
	case strings.Contains(osInfo, "ubuntu") || strings.Contains(osInfo, "debian"):
		return "export DEBIAN_FRONTEND=noninteractive; apt-get update && apt-get install -y open-vm-tools && systemctl start vmtoolsd && systemctl enable vmtoolsd"
	case strings.Contains(osInfo, "alpine"):
		return "apk add open-vm-tools && rc-service open-vm-tools start && rc-update add open-vm-tools"
	default:
		return "yum install -y open-vm-tools || apt-get install -y open-vm-tools"
	}
}

func clip(s string) string {
	if len(s) > outputClip {
		s = s[:outputClip]
	}
	return s + "..."
}

func dialSSH(addr string, config *ssh.ClientConfig) (Shell, error) {
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, err
	}
	return &sshShell{client: client}, nil
}

type sshShell struct {
	client *ssh.Client
}

func (s *sshShell) Run(cmd string) (string, string, int, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	exit := 0
	if err := session.Run(cmd); err != nil {
		var ee *ssh.ExitError
		if !errors.As(err, &ee) {
			return stdout.String(), stderr.String(), 0, err
		}
		exit = ee.ExitStatus()
	}
	return stdout.String(), stderr.String(), exit, nil
}

func (s *sshShell) Close() error {
	return s.client.Close()
}
