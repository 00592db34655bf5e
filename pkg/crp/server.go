// Package crp serves a route index over HTTP: route lookup by CID, the
// instance's eligibility filter, and operational status.
package crp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relves/cidroute/internal/storage/index"
	"github.com/relves/cidroute/pkg/cidkit"
	"github.com/relves/cidroute/pkg/indexer"
	"github.com/relves/cidroute/pkg/routes"
)

// Config holds the HTTP serving options.
type Config struct {
	// Addr is the listen address, e.g. ":8420".
	Addr string
	// AuthToken, when set, requires a matching bearer token on every
	// request.
	AuthToken string
	// Filter is the eligibility filter advertised on /v1/crp/filter.
	// Routers use it to skip this instance for CIDs it cannot hold.
	Filter cidkit.CIDFilter
}

// Server answers route queries from a CRP's index.
type Server struct {
	cfg     Config
	store   *index.Store
	indexer *indexer.Indexer
	logger  *slog.Logger
	started time.Time
	httpSrv *http.Server
}

// routesResponse is the wire shape of a route lookup.
type routesResponse struct {
	CID    string         `json:"cid"`
	Routes []routes.Route `json:"routes"`
}

type statusResponse struct {
	State     indexer.State       `json:"state"`
	Uptime    string              `json:"uptime"`
	Entries   int64               `json:"entries"`
	LastCycle *indexer.CycleStats `json:"last_cycle,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New builds a server over an index. The indexer is optional; without it
// the status endpoint reports state "idle" with no cycle history.
func New(cfg Config, store *index.Store, ix *indexer.Indexer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   store,
		indexer: ix,
		logger:  logger,
		started: time.Now(),
	}
}

// Handler returns the routed HTTP handler, auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/crp/routes/{cid}", s.handleRoutes)
	mux.HandleFunc("GET /v1/crp/filter", s.handleFilter)
	mux.HandleFunc("GET /v1/crp/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.withAuth(mux)
}

// ListenAndServe blocks serving the API until the context is cancelled,
// then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	s.logger.Info("crp api listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleRoutes looks up every known route for a CID. An unknown CID is a
// valid answer: 200 with an empty route list, so callers can distinguish
// "no routes" from transport failure.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("cid")
	c, err := cidkit.Decode(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cid %q", raw))
		return
	}

	resp := routesResponse{CID: c.String(), Routes: []routes.Route{}}

	entry, err := s.store.Get(r.Context(), c.String())
	if err != nil && !errors.Is(err, index.ErrNotFound) {
		s.logger.Error("route lookup failed", "cid", c.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if entry != nil {
		for _, rec := range entry.Routes {
			resp.Routes = append(resp.Routes, rec.Route())
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Filter)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.CountEntries(r.Context())
	if err != nil {
		s.logger.Error("entry count failed", "error", err)
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}

	resp := statusResponse{
		State:   indexer.StateIdle,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Entries: entries,
	}
	if s.indexer != nil {
		resp.State, resp.LastCycle = s.indexer.Status()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
