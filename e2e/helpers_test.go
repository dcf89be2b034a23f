package e2e

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/vmware/govmomi/simulator"

	"github.com/opsnav/opsnav/internal/api"
	"github.com/opsnav/opsnav/internal/bootstrap"
	"github.com/opsnav/opsnav/internal/clone"
	"github.com/opsnav/opsnav/internal/database"
	"github.com/opsnav/opsnav/internal/power"
	"github.com/opsnav/opsnav/internal/reconciler"
	"github.com/opsnav/opsnav/internal/secrets"
	"github.com/opsnav/opsnav/internal/shared/config"
	"github.com/opsnav/opsnav/internal/shared/logging"
	"github.com/opsnav/opsnav/internal/tasks"
)

// Env is one end-to-end test environment: the full control plane
// serving HTTP on a loopback port, backed by a real Postgres and a
// vCenter simulator standing in for an ESXi host.
type Env struct {
	BaseURL string
	DB      *database.DB

	// Simulator dial parameters; enroll hosts with these.
	SimIP       string
	SimPort     int32
	SimUsername string
	SimPassword string

	client *http.Client
}

// Setup boots the environment. Skips the test unless a database is
// configured via OPSNAV_E2E_DATABASE_URL.
func Setup(t *testing.T) *Env {
	t.Helper()

	dbURL := os.Getenv("OPSNAV_E2E_DATABASE_URL")
	if dbURL == "" {
		t.Skip("E2E database not configured (set OPSNAV_E2E_DATABASE_URL)")
	}

	db, err := database.NewDB(dbURL, 8)
	if err != nil {
		t.Fatalf("failed to connect to E2E database: %v", err)
	}
	t.Cleanup(db.Close)

	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("failed to ensure schema: %v", err)
	}
	_, err = db.Pool.Exec(ctx, "TRUNCATE esxi_hosts, virtual_machines, datastores, credentials, tasks RESTART IDENTITY CASCADE")
	if err != nil {
		t.Fatalf("failed to reset tables: %v", err)
	}

	env := &Env{
		DB:     db,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	env.startSimulator(t)
	env.startServer(t, dbURL)
	return env
}

// startSimulator boots a vCenter simulator with TLS, the same surface
// the reconciler dials on a real host.
func (e *Env) startSimulator(t *testing.T) {
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

	e.SimIP = host
	e.SimPort = int32(port)
	e.SimUsername = server.URL.User.Username()
	e.SimPassword, _ = server.URL.User.Password()
}

// startServer wires the service stack exactly as the binary does and
// serves it on a free loopback port.
func (e *Env) startServer(t *testing.T, dbURL string) {
	t.Helper()

	logger := logging.NewLogger("opsnav-e2e", "warn", "development")

	cfg := &config.ServerConfig{
		ServiceName: "opsnav",
		LogLevel:    "warn",
		Environment: "development",
		DatabaseURL: dbURL,
		DBPoolSize:  4,
		AppHost:     "127.0.0.1",
		AppPort:     freePort(t),
		CORSOrigins: []string{"http://localhost:9528"},
		SecretKey:   "e2e-secret-key-0123456789",
		TaskWorkers: 2,
	}

	sec := secrets.NewPlain()
	recon := reconciler.NewService(reconciler.Config{}, e.DB, sec, logger)

	cloner := clone.NewOrchestrator(recon, logger)
	cloner.BootWait = 10 * time.Second
	cloner.ToolsWait = 10 * time.Second

	taskSvc := tasks.NewService(e.DB, nil, logger)
	runner := tasks.NewRunner(taskSvc, cfg.TaskWorkers)

	svc, err := api.NewService(cfg, api.Deps{
		Store:      e.DB,
		Secrets:    sec,
		Reconciler: recon,
		Power:      power.NewController(logger),
		Cloner:     cloner,
		Installer:  bootstrap.NewInstaller(logger),
		Tasks:      taskSvc,
		Runner:     runner,
	}, logger)
	if err != nil {
		t.Fatalf("failed to create API service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Log("API service did not stop within 10s")
		}
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
		runner.Shutdown(drainCtx)
	})

	e.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.AppPort)
	WaitFor(t, "API server to come up", 15*time.Second, 200*time.Millisecond, func() bool {
		resp, err := e.client.Get(e.BaseURL + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// Request performs one HTTP call against the service and returns the
// status code and raw body.
func (e *Env) Request(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.BaseURL+path, buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return resp.StatusCode, data
}

// JSON performs one HTTP call, requires the expected status and decodes
// the response into out (which may be nil).
func (e *Env) JSON(t *testing.T, method, path string, body any, wantStatus int, out any) {
	t.Helper()
	status, data := e.Request(t, method, path, body)
	if status != wantStatus {
		t.Fatalf("%s %s returned %d, want %d\nbody: %s", method, path, status, wantStatus, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("failed to decode %s %s response: %v\nbody: %s", method, path, err, data)
		}
	}
}

// EnrollHost enrolls the simulator under the given address and returns
// the created host record.
func (e *Env) EnrollHost(t *testing.T, ip string) map[string]any {
	t.Helper()
	var host map[string]any
	e.JSON(t, http.MethodPost, "/api/virtualization/hosts", map[string]any{
		"ip":       ip,
		"port":     e.SimPort,
		"username": e.SimUsername,
		"password": e.SimPassword,
	}, http.StatusCreated, &host)
	return host
}

// ListVMs fetches one inventory page, optionally filtered by keyword.
func (e *Env) ListVMs(t *testing.T, keyword string) (int, []map[string]any) {
	t.Helper()
	path := "/api/virtualization/vms"
	if keyword != "" {
		path += "?keyword=" + keyword
	}
	var page struct {
		Total int              `json:"total"`
		Items []map[string]any `json:"items"`
	}
	e.JSON(t, http.MethodGet, path, nil, http.StatusOK, &page)
	return page.Total, page.Items
}

// WaitForTask polls a task until it reaches a terminal status and
// returns the final record.
func (e *Env) WaitForTask(t *testing.T, id string, timeout time.Duration) map[string]any {
	t.Helper()
	var task map[string]any
	WaitFor(t, "task "+id+" to finish", timeout, time.Second, func() bool {
		status, data := e.Request(t, http.MethodGet, "/api/tasks/"+id, nil)
		if status != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(data, &task); err != nil {
			return false
		}
		s, _ := task["status"].(string)
		return s == tasks.StatusSuccess || s == tasks.StatusFailed
	})
	return task
}

// WaitFor polls a condition function until it returns true or the timeout is reached.
func WaitFor(t *testing.T, description string, timeout time.Duration, interval time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for: %s (timeout=%s)", description, timeout)
		}
		time.Sleep(interval)
	}
}

// QueryRowInt executes a single-row SQL query and returns the result as an int.
func (e *Env) QueryRowInt(t *testing.T, query string, args ...any) int {
	t.Helper()
	var result int
	err := e.DB.Pool.QueryRow(context.Background(), query, args...).Scan(&result)
	if err != nil {
		t.Fatalf("query failed: %v\nquery: %s", err, query)
	}
	return result
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) float64 {
	n, _ := m[key].(float64)
	return n
}
