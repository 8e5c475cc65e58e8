// Package api implements sentinel's HTTP surface (§6): the /api/v1 REST
// resources over users, subscriptions, reports, settings, and the
// dashboard, plus the /websocket/connect upgrade entry point.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/sentinel/internal/apierr"
	"github.com/nugget/sentinel/internal/buildinfo"
	"github.com/nugget/sentinel/internal/collector"
	"github.com/nugget/sentinel/internal/config"
	"github.com/nugget/sentinel/internal/realtime"
	"github.com/nugget/sentinel/internal/report"
	"github.com/nugget/sentinel/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	store      *store.Store
	collector  *collector.Collector
	orch       *report.Orchestrator
	hub        *realtime.Hub
	cfg        *config.Config
	configPath string
	auth       *TokenAuthenticator
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, s *store.Store, c *collector.Collector, orch *report.Orchestrator, hub *realtime.Hub, cfg *config.Config, configPath string, logger *slog.Logger) *Server {
	return &Server{
		address:    address,
		port:       port,
		store:      s,
		collector:  c,
		orch:       orch,
		hub:        hub,
		cfg:        cfg,
		configPath: configPath,
		auth:       NewTokenAuthenticator(s, cfg.DevMode),
		logger:     logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withAuth(s.withLogging(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health
	mux.HandleFunc("GET /health", s.handleHealth)

	// Users
	mux.HandleFunc("GET /api/v1/users", s.handleUserList)
	mux.HandleFunc("POST /api/v1/users", s.handleUserCreate)
	mux.HandleFunc("GET /api/v1/users/stats/count", s.handleUserCount)
	mux.HandleFunc("GET /api/v1/users/{id}", s.handleUserGet)
	mux.HandleFunc("PUT /api/v1/users/{id}", s.handleUserUpdate)
	mux.HandleFunc("DELETE /api/v1/users/{id}", s.handleUserDelete)

	// Subscriptions
	mux.HandleFunc("GET /api/v1/subscriptions", s.handleSubscriptionList)
	mux.HandleFunc("POST /api/v1/subscriptions", s.handleSubscriptionCreate)
	mux.HandleFunc("GET /api/v1/subscriptions/{id}", s.handleSubscriptionGet)
	mux.HandleFunc("PUT /api/v1/subscriptions/{id}", s.handleSubscriptionUpdate)
	mux.HandleFunc("DELETE /api/v1/subscriptions/{id}", s.handleSubscriptionDelete)
	mux.HandleFunc("GET /api/v1/subscriptions/{id}/activities", s.handleSubscriptionActivities)
	mux.HandleFunc("POST /api/v1/subscriptions/{id}/sync", s.handleSubscriptionSync)

	// Reports
	mux.HandleFunc("GET /api/v1/reports", s.handleReportList)
	mux.HandleFunc("POST /api/v1/reports/generate", s.handleReportGenerate)
	mux.HandleFunc("GET /api/v1/reports/{id}", s.handleReportGet)
	mux.HandleFunc("DELETE /api/v1/reports/{id}", s.handleReportDelete)
	mux.HandleFunc("GET /api/v1/reports/{id}/download", s.handleReportDownload)

	// Settings
	mux.HandleFunc("GET /api/v1/settings", s.handleSettingsGet)
	mux.HandleFunc("PUT /api/v1/settings", s.handleSettingsPut)

	// Dashboard
	mux.HandleFunc("GET /api/v1/dashboard/summary", s.handleDashboardSummary)

	// Realtime
	mux.HandleFunc("GET /websocket/connect", s.hub.ServeHTTP)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "ok",
		"service": "sentinel",
		"version": buildinfo.Version,
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// writeAPIError maps an apierr.Kind to the HTTP status declared in §7
// and writes the error response.
func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	kind, ok := apierr.KindOf(err)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch kind {
	case apierr.KindInvalidInput:
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case apierr.KindNotFound:
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case apierr.KindUnauthorized:
		s.errorResponse(w, http.StatusUnauthorized, err.Error())
	case apierr.KindConflict:
		s.errorResponse(w, http.StatusConflict, err.Error())
	default:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}
