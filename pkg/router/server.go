package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/relves/cidroute/pkg/cidkit"
)

// ServerConfig holds the router's HTTP options.
type ServerConfig struct {
	Addr string
}

// Server exposes the resolver over HTTP.
type Server struct {
	cfg      ServerConfig
	resolver *Resolver
	logger   *slog.Logger
	started  time.Time
	httpSrv  *http.Server
}

type providerInfo struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Config any    `json:"config,omitempty"`
}

type routerStatus struct {
	Uptime    string `json:"uptime"`
	Providers int    `json:"providers"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(cfg ServerConfig, resolver *Resolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
		started:  time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/routes/{cid}", s.handleResolve)
	mux.HandleFunc("GET /v1/providers", s.handleProviders)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

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

	s.logger.Info("router api listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("cid")

	result, err := s.resolver.Resolve(r.Context(), raw)
	switch {
	case errors.Is(err, cidkit.ErrInvalidCID):
		s.writeError(w, http.StatusBadRequest, "invalid cid")
		return
	case errors.Is(err, ErrAllProvidersUnavailable):
		s.writeError(w, http.StatusBadGateway, "all providers unavailable")
		return
	case err != nil:
		s.logger.Error("resolution failed", "cid", raw, "error", err)
		s.writeError(w, http.StatusInternalServerError, "resolution failed")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	providers := s.resolver.Providers()
	infos := make([]providerInfo, 0, len(providers))
	for _, p := range providers {
		infos = append(infos, providerInfo{ID: p.ID(), Kind: p.Kind(), Config: p.Config()})
	}
	s.writeJSON(w, http.StatusOK, map[string][]providerInfo{"providers": infos})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, routerStatus{
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Providers: len(s.resolver.Providers()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
