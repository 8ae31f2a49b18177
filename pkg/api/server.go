// Package api is the HTTP API surface (C8): a thin gorilla/mux adapter in
// front of the machine lifecycle manager, matching spec §6's Machines-API
// compatible endpoint table. Grounded on the teacher's indirect gorilla/mux
// dependency (vendored transitively via podman, never previously wired to
// any of lazydocker's own code) and on the teacher's pkg/log conventions for
// request-scoped structured logging.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/NoHeadDotDev/minifly/pkg/config"
	"github.com/NoHeadDotDev/minifly/pkg/dns"
	"github.com/NoHeadDotDev/minifly/pkg/machine"
	"github.com/NoHeadDotDev/minifly/pkg/store"
)

// Server is the HTTP API surface. It holds no mutable state of its own:
// every handler dispatches straight to the Manager, which is the sole owner
// of lifecycle state.
type Server struct {
	Manager *machine.Manager
	Store   *store.Store
	DNS     *dns.Registry
	Cfg     *config.Config
	Log     *logrus.Entry

	httpServer *http.Server
}

// New builds a Server and wires its router, but does not start listening.
func New(mgr *machine.Manager, st *store.Store, registry *dns.Registry, cfg *config.Config, log *logrus.Entry) *Server {
	s := &Server{Manager: mgr, Store: st, DNS: registry, Cfg: cfg, Log: log}
	s.httpServer = &http.Server{
		Addr:    cfg.UserConfig.Server.Addr,
		Handler: s.router(),
	}
	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoveryMiddleware, s.correlationMiddleware, s.loggingMiddleware, s.authMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	apps := v1.PathPrefix("/apps").Subrouter()
	apps.HandleFunc("", s.handleListApps).Methods(http.MethodGet)
	apps.HandleFunc("", s.handleCreateApp).Methods(http.MethodPost)
	apps.HandleFunc("/{app}", s.handleGetApp).Methods(http.MethodGet)
	apps.HandleFunc("/{app}", s.handleDeleteApp).Methods(http.MethodDelete)
	apps.HandleFunc("/{app}/deploy", s.handleDeployManifest).Methods(http.MethodPost)

	machines := apps.PathPrefix("/{app}/machines").Subrouter()
	machines.HandleFunc("", s.handleListMachines).Methods(http.MethodGet)
	machines.HandleFunc("", s.handleCreateMachine).Methods(http.MethodPost)
	machines.HandleFunc("/{id}", s.handleGetMachine).Methods(http.MethodGet)
	machines.HandleFunc("/{id}", s.handleUpdateMachine).Methods(http.MethodPost)
	machines.HandleFunc("/{id}", s.handleDestroyMachine).Methods(http.MethodDelete)
	machines.HandleFunc("/{id}/start", s.handleStartMachine).Methods(http.MethodPost)
	machines.HandleFunc("/{id}/stop", s.handleStopMachine).Methods(http.MethodPost)
	machines.HandleFunc("/{id}/restart", s.handleRestartMachine).Methods(http.MethodPost)
	machines.HandleFunc("/{id}/lease", s.handleAcquireLease).Methods(http.MethodPost)
	machines.HandleFunc("/{id}/logs", s.handleMachineLogs).Methods(http.MethodGet)

	volumes := apps.PathPrefix("/{app}/volumes").Subrouter()
	volumes.HandleFunc("", s.handleListVolumes).Methods(http.MethodGet)
	volumes.HandleFunc("", s.handleCreateVolume).Methods(http.MethodPost)
	volumes.HandleFunc("/{id}", s.handleGetVolume).Methods(http.MethodGet)
	volumes.HandleFunc("/{id}", s.handleDeleteVolume).Methods(http.MethodDelete)

	return r
}

// Router exposes the wired handler directly, for use by tests that want to
// drive the server via httptest.NewServer without a real listener.
func (s *Server) Router() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving HTTP until ctx is cancelled, then shuts down
// gracefully, allowing in-flight requests up to 5 seconds to finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
