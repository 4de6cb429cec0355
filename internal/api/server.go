package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dlmm-keeper/internal/config"
)

// Server runs the REST API plus the optional metrics and dedicated websocket
// listeners.
type Server struct {
	cfg         config.ServerConfig
	broadcaster *Broadcaster
	main        *http.Server
	monitor     *http.Server
	ws          *http.Server
	logger      *slog.Logger
}

// NewServer wires the routes. The websocket endpoint lives on the main
// listener unless cfg.WSPort moves it to its own one; cfg.MonitorPort > 0
// adds a /metrics listener.
func NewServer(cfg config.ServerConfig, h *Handlers, bc *Broadcaster, logger *slog.Logger) *Server {
	router := newRouter(h, bc, cfg.WSPort == 0)

	s := &Server{
		cfg:         cfg,
		broadcaster: bc,
		main: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}

	if cfg.MonitorPort > 0 {
		mon := http.NewServeMux()
		mon.Handle("/metrics", promhttp.Handler())
		s.monitor = &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.MonitorPort),
			Handler:     mon,
			ReadTimeout: 15 * time.Second,
		}
	}

	if cfg.WSPort > 0 {
		wsm := http.NewServeMux()
		wsm.HandleFunc("/ws", bc.ServeWS)
		s.ws = &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.WSPort),
			Handler:     wsm,
			ReadTimeout: 15 * time.Second,
		}
	}

	return s
}

func newRouter(h *Handlers, bc *Broadcaster, wsOnMain bool) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/strategy/create", h.HandleCreate).Methods(http.MethodPost)
	api.HandleFunc("/strategy/list", h.HandleList).Methods(http.MethodGet)
	api.HandleFunc("/strategy/templates", h.HandleTemplates).Methods(http.MethodGet)
	api.HandleFunc("/strategy/{id}/start", h.HandleStart).Methods(http.MethodPost)
	api.HandleFunc("/strategy/{id}/pause", h.HandlePause).Methods(http.MethodPost)
	api.HandleFunc("/strategy/{id}/resume", h.HandleResume).Methods(http.MethodPost)
	api.HandleFunc("/strategy/{id}/stop", h.HandleStop).Methods(http.MethodPost)
	api.HandleFunc("/strategy/{id}/status", h.HandleStatus).Methods(http.MethodGet)
	api.HandleFunc("/strategy/{id}", h.HandleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	api.HandleFunc("/info", h.HandleInfo).Methods(http.MethodGet)

	if wsOnMain {
		r.HandleFunc("/ws", bc.ServeWS)
	}
	return r
}

// Start attaches the broadcaster to the bus, launches the auxiliary
// listeners, and blocks serving the main one.
func (s *Server) Start() error {
	s.broadcaster.Start()

	if s.monitor != nil {
		go func() {
			s.logger.Info("metrics listener starting", "addr", s.monitor.Addr)
			if err := s.monitor.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	if s.ws != nil {
		go func() {
			s.logger.Info("websocket listener starting", "addr", s.ws.Addr)
			if err := s.ws.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("websocket listener failed", "error", err)
			}
		}()
	}

	s.logger.Info("api server starting", "addr", s.main.Addr)
	if err := s.main.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop tears down in order: bus subscriptions, sockets, then listeners.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	s.broadcaster.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	for _, srv := range []*http.Server{s.ws, s.monitor, s.main} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
