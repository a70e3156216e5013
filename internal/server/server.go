// Package server exposes the management API: connector, task and variable
// CRUD, task control, dashboard metrics and a WebSocket progress feed.
package server

import (
	"context"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/config"
	"github.com/transferd/transferd/internal/lifecycle"
	"github.com/transferd/transferd/internal/progress"
	"github.com/transferd/transferd/internal/store"
)

// Server is the HTTP server over the engine's management surface.
type Server struct {
	store     store.Store
	collector *progress.Collector
	control   *lifecycle.Controller
	cfg       config.Config
	logger    zerolog.Logger
	hub       *Hub
	srv       *http.Server
}

// New assembles a server. collector may be nil when no live progress feed
// is wanted (the WebSocket endpoint then serves nothing).
func New(st store.Store, collector *progress.Collector, control *lifecycle.Controller, cfg config.Config, logger zerolog.Logger) *Server {
	log := logger.With().Str("component", "http-server").Logger()
	return &Server{
		store:     st,
		collector: collector,
		control:   control,
		cfg:       cfg,
		logger:    log,
		hub:       newHub(collector, log),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	ch := &connectorHandlers{store: s.store, logger: s.logger}
	th := &taskHandlers{store: s.store, control: s.control, collector: s.collector, logger: s.logger}
	vh := &variableHandlers{store: s.store}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/connectors", ch.list)
	mux.HandleFunc("POST /api/v1/connectors", ch.create)
	mux.HandleFunc("GET /api/v1/connectors/{id}", ch.get)
	mux.HandleFunc("PUT /api/v1/connectors/{id}", ch.update)
	mux.HandleFunc("DELETE /api/v1/connectors/{id}", ch.remove)
	mux.HandleFunc("POST /api/v1/connectors/{id}/test", ch.test)
	mux.HandleFunc("GET /api/v1/connectors/{id}/tables", ch.tables)

	mux.HandleFunc("GET /api/v1/tasks", th.list)
	mux.HandleFunc("POST /api/v1/tasks", th.create)
	mux.HandleFunc("GET /api/v1/tasks/{id}", th.get)
	mux.HandleFunc("PUT /api/v1/tasks/{id}", th.update)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", th.remove)
	mux.HandleFunc("POST /api/v1/tasks/{id}/control", th.controlAction)
	mux.HandleFunc("GET /api/v1/tasks/{id}/detail", th.detail)
	mux.HandleFunc("GET /api/v1/tasks/{id}/executions", th.executions)

	mux.HandleFunc("GET /api/v1/variables", vh.list)
	mux.HandleFunc("POST /api/v1/variables", vh.create)
	mux.HandleFunc("GET /api/v1/variables/{name}", vh.get)
	mux.HandleFunc("PUT /api/v1/variables/{id}", vh.update)
	mux.HandleFunc("DELETE /api/v1/variables/{id}", vh.remove)

	mux.HandleFunc("GET /api/v1/dashboard/metrics", s.dashboard)
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/logs", s.logs)
	mux.HandleFunc("/api/v1/ws", s.hub.handleWS)

	return mux
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: s.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go s.hub.start(ctx)
	s.logger.Info().Str("addr", s.srv.Addr).Msg("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeJSON(w, progress.Snapshot{})
		return
	}
	writeJSON(w, s.collector.Snapshot())
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeJSON(w, []progress.LogEntry{})
		return
	}
	writeJSON(w, s.collector.Logs())
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.Metrics(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, m)
}
