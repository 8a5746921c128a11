// Package server exposes the operator control surface: health, status, task
// cancellation, and the live event stream over websocket. It binds to
// loopback by default; remote use requires the configured bearer token.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mobileclaw/mobileclaw/internal/bus"
	"github.com/mobileclaw/mobileclaw/internal/config"
	"github.com/mobileclaw/mobileclaw/internal/metrics"
	"github.com/mobileclaw/mobileclaw/internal/orchestrator"
	"github.com/mobileclaw/mobileclaw/pkg/types"
)

// DeviceStates reports the bridge state per configured device.
// *bridge.Manager satisfies it.
type DeviceStates interface {
	States() map[string]types.DeviceState
}

// SessionControl is the orchestrator surface the server needs.
// *orchestrator.Orchestrator satisfies it.
type SessionControl interface {
	Sessions() []*orchestrator.Session
	Cancel(sessionID string) bool
}

// Server is the operator HTTP server.
type Server struct {
	cfg       config.ServerConfig
	devices   DeviceStates
	sessions  SessionControl
	collector *metrics.Collector
	observer  *bus.Observer
	log       zerolog.Logger

	httpServer *http.Server
}

func New(cfg config.ServerConfig, devices DeviceStates, sessions SessionControl, collector *metrics.Collector, observer *bus.Observer, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		devices:   devices,
		sessions:  sessions,
		collector: collector,
		observer:  observer,
		log:       logger,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table. Health stays open; everything else sits
// behind the token check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /status", s.requireToken(http.HandlerFunc(s.handleStatus)))
	mux.Handle("POST /sessions/{id}/cancel", s.requireToken(http.HandlerFunc(s.handleCancel)))
	if s.observer != nil {
		mux.Handle("GET /ws", s.requireToken(s.observer))
	}
	return mux
}

// Start serves until Shutdown. ErrServerClosed is swallowed.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("operator server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("operator server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionInfo struct {
	ID      string              `json:"id"`
	Status  types.SessionStatus `json:"status"`
	Task    types.TaskStatus    `json:"task,omitempty"`
	Device  string              `json:"device"`
	Channel string              `json:"channel"`
	Created time.Time           `json:"created"`
}

type statusResponse struct {
	Devices  map[string]types.DeviceState `json:"devices"`
	Sessions []sessionInfo                `json:"sessions"`
	Stats    *metrics.Stats               `json:"stats,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Devices:  s.devices.States(),
		Sessions: []sessionInfo{},
	}
	for _, sess := range s.sessions.Sessions() {
		resp.Sessions = append(resp.Sessions, sessionInfo{
			ID:      sess.ID,
			Status:  sess.Status(),
			Task:    sess.TaskStatus(),
			Device:  sess.Device,
			Channel: sess.Origin.Channel,
			Created: sess.Created,
		})
	}
	if s.collector != nil {
		stats := s.collector.Snapshot()
		resp.Stats = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sessions.Cancel(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no running task for session"})
		return
	}
	s.log.Info().Str("session", id).Msg("task cancelled by operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
