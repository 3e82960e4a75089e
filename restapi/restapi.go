// Package restapi implements the stateless REST surface (spec §4.10):
// JSON bindings over the state store, service dispatcher and recorder,
// gated by bearer-token auth.
//
// Grounded on the teacher's server/server.go (an http.Server wrapper
// exposing Register/EndPoints bookkeeping), generalized from its raw
// http.ServeMux onto github.com/go-chi/chi/v5 so path parameters
// (/api/states/{id}, /api/services/{domain}/{service}) are handled
// idiomatically instead of manual path parsing.
package restapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rustyeddy/homehub/auth"
	"github.com/rustyeddy/homehub/internal/errs"
	"github.com/rustyeddy/homehub/recorder"
	"github.com/rustyeddy/homehub/service"
	"github.com/rustyeddy/homehub/state"
	"github.com/rustyeddy/homehub/utils"
)

// serviceCallTimeout bounds POST /api/services/{domain}/{service}
// (spec §5's 30s external-call ceiling).
const serviceCallTimeout = 30 * time.Second

// Server is the REST surface's HTTP server.
type Server struct {
	*http.Server

	states   *state.Store
	services *service.Registry
	recorder *recorder.Recorder
	auth     *auth.Service
	log      *slog.Logger
	version  string
}

// New builds a Server listening on addr. metricsHandler, if non-nil,
// is mounted at /api/metrics unauthenticated (Prometheus scrapers
// don't carry bearer tokens). wsHandler, if non-nil, is mounted at
// /api/websocket unauthenticated at the HTTP layer (the WebSocket
// protocol performs its own auth handshake per spec §4.9's
// auth_required/auth/auth_ok exchange, so it does not go through
// requireAuth).
func New(addr string, states *state.Store, services *service.Registry, rec *recorder.Recorder, authSvc *auth.Service, metricsHandler, wsHandler http.Handler, version string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		states:   states,
		services: services,
		recorder: rec,
		auth:     authSvc,
		log:      log,
		version:  version,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/config", s.handleConfig)
	r.Get("/api/stats", s.handleStats)
	if metricsHandler != nil {
		r.Handle("/api/metrics", metricsHandler)
	}
	if wsHandler != nil {
		r.Handle("/api/websocket", wsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/api/states", s.handleListStates)
		r.Get("/api/states/{id}", s.handleGetState)
		r.Post("/api/states/{id}", s.handleSetState)
		r.Post("/api/services/{domain}/{service}", s.handleCallService)
		r.Get("/api/history/period/{id}", s.handleHistory)
	})

	s.Server = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start runs the server until it errors or is shut down.
func (s *Server) Start() error {
	s.log.Info("restapi: listening", "addr", s.Addr)
	err := s.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, errs.New(errs.Unauthorized, "missing bearer token"))
			return
		}
		if _, ok := s.auth.VerifyToken(token); !ok {
			writeError(w, errs.New(errs.Unauthorized, "invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Unauthorized:
		return http.StatusUnauthorized
	case errs.Conflict:
		return http.StatusConflict
	case errs.BudgetExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// handleStats reports process-level runtime stats (goroutines, CPUs,
// memory), unauthenticated alongside health/config since it carries no
// domain data - only operational introspection for `hubctl stats
// --server`.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, utils.GetStats())
}
