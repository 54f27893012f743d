// Package api is the AutoSSL admin surface: start a tenant check on demand
// and inspect or reset a tenant's cached DCV state.
package api

import (
	"context"
	"net/http"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/autossl/internal/autossl/dcvstate"
	"github.com/edvin/autossl/internal/config"
	"github.com/edvin/autossl/internal/platform"
	"github.com/edvin/autossl/internal/workflow"
)

// WorkflowStarter is the slice of the Temporal client the API needs.
// Satisfied by client.Client.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options temporalclient.StartWorkflowOptions, workflow interface{}, args ...interface{}) (temporalclient.WorkflowRun, error)
}

var tenantNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)

type Server struct {
	router   chi.Router
	logger   zerolog.Logger
	temporal WorkflowStarter
	cfg      *config.Config
}

func NewServer(logger zerolog.Logger, temporal WorkflowStarter, cfg *config.Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger,
		temporal: temporal,
		cfg:      cfg,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.router.Route("/api/v1/autossl/{tenant}", func(r chi.Router) {
		r.Post("/check", s.startCheck)
		r.Get("/state", s.getState)
		r.Delete("/state", s.purgeState)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := chi.URLParam(r, "tenant")
	if !tenantNameRe.MatchString(tenant) {
		writeError(w, http.StatusBadRequest, "invalid tenant name")
		return "", false
	}
	return tenant, true
}

// startCheck launches an on-demand AutoSSL pass for one tenant.
func (s *Server) startCheck(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}

	workflowID := "autossl-" + tenant + "-" + platform.NewID()
	_, err := s.temporal.ExecuteWorkflow(r.Context(), temporalclient.StartWorkflowOptions{
		ID:                       workflowID,
		TaskQueue:                "autossl",
		WorkflowExecutionTimeout: 2 * time.Hour,
	}, workflow.TenantAutoSSLWorkflow, tenant)
	if err != nil {
		s.logger.Error().Err(err).Str("tenant", tenant).Msg("failed to start autossl workflow")
		writeError(w, http.StatusInternalServerError, "failed to start check")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"workflow_id": workflowID})
}

// getState reports the size of a tenant's DCV cache, or one domain's record
// when ?domain= is given.
func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}

	store, err := s.openStore(tenant)
	if err != nil {
		s.logger.Error().Err(err).Str("tenant", tenant).Msg("failed to open dcv state")
		writeError(w, http.StatusInternalServerError, "failed to open state")
		return
	}
	defer store.Close()

	if domain := r.URL.Query().Get("domain"); domain != "" {
		info, err := store.GetDomainInfo(domain)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read domain state")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"domain":         domain,
			"success_expiry": info.SuccessExpiry,
			"http_error":     info.HTTPError,
			"dns_error":      info.DNSError,
		})
		return
	}

	n, err := store.CountDomains()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count domains")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"domains": n})
}

// purgeState drops every cached DCV result for the tenant.
func (s *Server) purgeState(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}

	store, err := s.openStore(tenant)
	if err != nil {
		s.logger.Error().Err(err).Str("tenant", tenant).Msg("failed to open dcv state")
		writeError(w, http.StatusInternalServerError, "failed to open state")
		return
	}
	defer store.Close()

	if err := store.PurgeAll(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to purge state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func (s *Server) openStore(tenant string) (*dcvstate.Store, error) {
	return dcvstate.OpenUnbound(filepath.Join(s.cfg.DCVStateDir, tenant+".sqlite"), s.logger)
}
