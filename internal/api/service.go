// Package api exposes the control plane over HTTP. Handlers validate
// input, translate error kinds to status codes and hand long-running
// work to the background task runner; they never block on a workflow.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/opsnav/opsnav/internal/bootstrap"
	"github.com/opsnav/opsnav/internal/clone"
	"github.com/opsnav/opsnav/internal/database"
	"github.com/opsnav/opsnav/internal/power"
	"github.com/opsnav/opsnav/internal/reconciler"
	"github.com/opsnav/opsnav/internal/secrets"
	"github.com/opsnav/opsnav/internal/shared/config"
	"github.com/opsnav/opsnav/internal/tasks"
)

// Store is the slice of the query layer the HTTP handlers read and
// write. *database.DB satisfies it.
type Store interface {
	reconciler.Store

	HostCreate(ctx context.Context, arg *database.HostCreateParams) (*database.EsxiHost, error)
	HostFindById(ctx context.Context, id int64) (*database.EsxiHost, error)
	HostFindByIp(ctx context.Context, ip string) (*database.EsxiHost, error)
	HostList(ctx context.Context) ([]*database.EsxiHost, error)
	HostUpdateEnrollment(ctx context.Context, arg *database.HostUpdateEnrollmentParams) (*database.EsxiHost, error)
	HostUpdateSettings(ctx context.Context, arg *database.HostUpdateSettingsParams) (*database.EsxiHost, error)
	HostUpdateSortOrder(ctx context.Context, arg *database.HostUpdateSortOrderParams) error
	HostNextSortOrder(ctx context.Context) (int32, error)
	HostDelete(ctx context.Context, id int64) error

	VirtualMachineFindById(ctx context.Context, id string) (*database.VirtualMachine, error)
	VirtualMachineList(ctx context.Context, arg *database.VirtualMachineListParams) ([]*database.VirtualMachine, error)
	VirtualMachineCount(ctx context.Context, arg *database.VirtualMachineCountParams) (int64, error)
	VirtualMachineUpdateInfo(ctx context.Context, arg *database.VirtualMachineUpdateInfoParams) error
	VMCountsByHost(ctx context.Context) ([]*database.VMCountsByHostRow, error)

	CredentialCreate(ctx context.Context, arg *database.CredentialCreateParams) (*database.Credential, error)
	CredentialList(ctx context.Context) ([]*database.Credential, error)
	CredentialFindById(ctx context.Context, id int64) (*database.Credential, error)
	CredentialDelete(ctx context.Context, id int64) error

	DatastoreStats(ctx context.Context) (*database.DatastoreStatsRow, error)
}

// Deps bundles the collaborators behind the HTTP surface.
type Deps struct {
	Store      Store
	Secrets    secrets.Store
	Reconciler *reconciler.Service
	Power      *power.Controller
	Cloner     *clone.Orchestrator
	Installer  *bootstrap.Installer
	Tasks      *tasks.Service
	Runner     *tasks.Runner
}

// Service represents the control plane API service
type Service struct {
	logger    *slog.Logger
	config    *config.ServerConfig
	store     Store
	secrets   secrets.Store
	recon     *reconciler.Service
	power     *power.Controller
	cloner    *clone.Orchestrator
	installer *bootstrap.Installer
	tasks     *tasks.Service
	runner    *tasks.Runner
	server    *http.Server
}

// NewService creates a new API service
func NewService(cfg *config.ServerConfig, deps Deps, logger *slog.Logger) (*Service, error) {
	s := &Service{
		logger:    logger,
		config:    cfg,
		store:     deps.Store,
		secrets:   deps.Secrets,
		recon:     deps.Reconciler,
		power:     deps.Power,
		cloner:    deps.Cloner,
		installer: deps.Installer,
		tasks:     deps.Tasks,
		runner:    deps.Runner,
	}

	return s, nil
}

// Start starts the API service
func (s *Service) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.AppHost, strconv.Itoa(s.config.AppPort))

	s.logger.Info("Starting API service",
		"addr", addr,
		"environment", s.config.Environment,
	)

	// Create HTTP server
	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// Add CORS middleware
	handler := s.withCORS(mux)

	s.server = &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start server in goroutine
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Failed to start HTTP server", "error", err)
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	// Shutdown server
	s.logger.Info("Shutting down API service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes sets up the HTTP routes for the API
func (s *Service) setupRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Hypervisor hosts
	mux.HandleFunc("POST /api/virtualization/hosts", s.handleCreateHost)
	mux.HandleFunc("GET /api/virtualization/hosts", s.handleListHosts)
	mux.HandleFunc("POST /api/virtualization/hosts/reorder", s.handleReorderHosts)
	mux.HandleFunc("PUT /api/virtualization/hosts/{id}", s.handleUpdateHost)
	mux.HandleFunc("DELETE /api/virtualization/hosts/{id}", s.handleDeleteHost)

	// Virtual machines
	mux.HandleFunc("GET /api/virtualization/vms", s.handleListVMs)
	mux.HandleFunc("PATCH /api/virtualization/vms/{id}", s.handleUpdateVM)
	mux.HandleFunc("POST /api/virtualization/vms/{id}/power", s.handlePowerVM)
	mux.HandleFunc("POST /api/virtualization/vms/{id}/clone", s.handleCloneVM)
	mux.HandleFunc("GET /api/virtualization/vms/{id}/console", s.handleConsoleVM)
	mux.HandleFunc("POST /api/virtualization/vms/{id}/install-tools", s.handleInstallTools)

	// Inventory sync and datastore rollup
	mux.HandleFunc("POST /api/virtualization/sync", s.handleSync)
	mux.HandleFunc("GET /api/virtualization/datastores/stats", s.handleDatastoreStats)

	// Tasks
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)

	// Guest credentials
	mux.HandleFunc("GET /api/credentials", s.handleListCredentials)
	mux.HandleFunc("POST /api/credentials", s.handleCreateCredential)
	mux.HandleFunc("DELETE /api/credentials/{id}", s.handleDeleteCredential)
}

// withCORS allows the configured frontend origins. Preflight requests
// are answered here and never reach the mux.
func (s *Service) withCORS(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.config.CORSOrigins))
	for _, origin := range s.config.CORSOrigins {
		allowed[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowed[origin] || allowed["*"]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth handles health check requests
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"service": s.config.ServiceName,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
