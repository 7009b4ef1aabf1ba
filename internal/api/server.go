// Package api exposes the bridge to the dashboard over HTTP: session control
// as JSON endpoints and finalized turns as a websocket stream.
//
//	POST   /v1/session      open a session
//	DELETE /v1/session      end the session (idempotent)
//	GET    /v1/session      current state
//	POST   /v1/session/ack  acknowledge a failed session
//	GET    /v1/turns        websocket stream of finalized turns
//
// Probe and metrics routes are mounted next to them; every route passes
// through [observe.Middleware].
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/bridge"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/health"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/observe"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
)

const defaultConnectTimeout = 30 * time.Second

// Controller is the subset of [bridge.Bridge] the API drives.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect()
	Acknowledge()
	Interrupt() error
	State() bridge.State
}

var _ Controller = (*bridge.Bridge)(nil)

// StateResponse is the JSON form of a bridge state.
type StateResponse struct {
	State     string `json:"state"`
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	State   StateResponse `json:"state"`
}

func stateResponse(st bridge.State) StateResponse {
	return StateResponse{State: st.Phase.String(), SessionID: st.SessionID, Error: st.Reason()}
}

// Server routes control requests to a [Controller].
type Server struct {
	ctrl           Controller
	hub            *TurnHub
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	connectTimeout time.Duration
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the instruments used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithConnectTimeout bounds the handshake started by POST /v1/session.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// New returns a Server. hub may be nil, in which case /v1/turns is not
// mounted.
func New(ctrl Controller, hub *TurnHub, opts ...Option) *Server {
	s := &Server{
		ctrl:           ctrl,
		hub:            hub,
		connectTimeout: defaultConnectTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the complete route tree wrapped in the observe middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session", s.handleConnect)
	mux.HandleFunc("DELETE /v1/session", s.handleDisconnect)
	mux.HandleFunc("GET /v1/session", s.handleState)
	mux.HandleFunc("POST /v1/session/ack", s.handleAck)
	mux.HandleFunc("POST /v1/session/interrupt", s.handleInterrupt)
	if s.hub != nil {
		mux.Handle("GET /v1/turns", s.hub)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return observe.Middleware(s.metrics)(mux)
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.connectTimeout)
	defer cancel()

	if err := s.ctrl.Connect(ctx); err != nil {
		status, code := classify(err)
		observe.Logger(r.Context()).Info("api: connect rejected", "code", code, "err", err)
		writeJSON(w, status, ErrorResponse{
			Code:    code,
			Message: err.Error(),
			State:   stateResponse(s.ctrl.State()),
		})
		return
	}
	writeJSON(w, http.StatusOK, stateResponse(s.ctrl.State()))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Disconnect()
	writeJSON(w, http.StatusOK, stateResponse(s.ctrl.State()))
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse(s.ctrl.State()))
}

func (s *Server) handleAck(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Acknowledge()
	writeJSON(w, http.StatusOK, stateResponse(s.ctrl.State()))
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Interrupt(); err != nil {
		status, code := http.StatusBadGateway, "interrupt_error"
		if errors.Is(err, bridge.ErrNotActive) {
			status, code = http.StatusConflict, "not_active"
		}
		observe.Logger(r.Context()).Info("api: interrupt rejected", "code", code, "err", err)
		writeJSON(w, status, ErrorResponse{Code: code, Message: err.Error(), State: stateResponse(s.ctrl.State())})
		return
	}
	writeJSON(w, http.StatusOK, stateResponse(s.ctrl.State()))
}

// classify maps a Connect error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, bridge.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, bridge.ErrAborted):
		return http.StatusConflict, "aborted"
	case errors.Is(err, bridge.ErrClosed):
		return http.StatusServiceUnavailable, "closed"
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return http.StatusFailedDependency, "device_unavailable"
	default:
		return http.StatusBadGateway, "connect_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response failed", "err", err)
	}
}
