// Package api implements the administrative HTTP API of the doorbell.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/fingerprint-doorbell/internal/buildinfo"
	"github.com/nugget/fingerprint-doorbell/internal/device"
	"github.com/nugget/fingerprint-doorbell/internal/events"
	"github.com/nugget/fingerprint-doorbell/internal/mode"
	"github.com/nugget/fingerprint-doorbell/internal/sensor"
	"github.com/nugget/fingerprint-doorbell/internal/settings"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Controller is the device surface driven by the API.
type Controller interface {
	Status() device.Status
	Identities() []sensor.Identity
	Lines() []string
	Enroll(req sensor.EnrollRequest) error
	DeleteIdentity(ctx context.Context, slot int) error
	RenameIdentity(ctx context.Context, slot int, name string) error
	DeleteAllIdentities(ctx context.Context) error
	Repair(ctx context.Context) error
	FactoryReset(ctx context.Context) error
	RequestReboot()
	Settings() (device.Settings, error)
	SaveWiFi(w settings.WiFi) error
	SaveBroker(a settings.App) error
	SaveColors(c sensor.Colors) error
	SaveWebPage(username, password string) error
	Credentials() (settings.WebPage, error)
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	ctrl    Controller
	bus     *events.Bus
	metrics http.Handler
	ap      provisioning
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
	closed bool
}

type provisioning struct {
	ssid     string
	password string
}

// NewServer creates a new API server.
func NewServer(address string, port int, ctrl Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		ctrl:    ctrl,
		logger:  logger,
	}
}

// SetBus enables the /v1/events websocket stream.
func (s *Server) SetBus(bus *events.Bus) {
	s.bus = bus
}

// SetMetrics serves h on /metrics.
func (s *Server) SetMetrics(h http.Handler) {
	s.metrics = h
}

// SetProvisioning enables the configuration access point QR code.
func (s *Server) SetProvisioning(ssid, password string) {
	s.ap = provisioning{ssid: ssid, password: password}
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/log", s.handleLog)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/identities", s.handleIdentities)
	mux.HandleFunc("POST /v1/enroll", s.handleEnroll)
	mux.HandleFunc("DELETE /v1/identities/{slot}", s.handleDeleteIdentity)
	mux.HandleFunc("PUT /v1/identities/{slot}", s.handleRenameIdentity)
	mux.HandleFunc("POST /v1/identities/delete-all", s.handleDeleteAll)
	mux.HandleFunc("POST /v1/pairing", s.handlePairing)

	mux.HandleFunc("GET /v1/settings", s.handleSettings)
	mux.HandleFunc("PUT /v1/settings/wifi", s.handleSaveWiFi)
	mux.HandleFunc("PUT /v1/settings/broker", s.handleSaveBroker)
	mux.HandleFunc("PUT /v1/settings/colors", s.handleSaveColors)
	mux.HandleFunc("PUT /v1/settings/webpage", s.handleSaveWebPage)

	mux.HandleFunc("POST /v1/factory-reset", s.handleFactoryReset)
	mux.HandleFunc("POST /v1/reboot", s.handleReboot)
	mux.HandleFunc("GET /v1/provisioning/qr.png", s.handleProvisioningQR)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.withLogging(s.withAuth(mux))
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown, including when Shutdown won the race to run first.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Admin operations wait for the scheduler to grant the sensor.
		WriteTimeout: 30 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withAuth requires HTTP basic credentials on everything except the
// health and metrics endpoints.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		creds, err := s.ctrl.Credentials()
		if err != nil {
			s.logger.Error("loading admin credentials failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "credentials unavailable")
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !creds.Verify(user, pass) {
			if ok {
				s.logger.Warn("admin authentication failed", "user", user, "remote", r.RemoteAddr)
			}
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", creds.Realm))
			s.errorResponse(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
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

// operationError maps controller errors to HTTP status codes.
func (s *Server) operationError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, sensor.ErrInvalidSlot):
		code = http.StatusBadRequest
	case errors.Is(err, mode.ErrUnavailable), errors.Is(err, mode.ErrEnrollPending):
		code = http.StatusConflict
	case errors.Is(err, mode.ErrExclusivityTimeout), errors.Is(err, mode.ErrSensorBusy):
		code = http.StatusServiceUnavailable
	case errors.Is(err, device.ErrRejected):
		code = http.StatusUnprocessableEntity
	}
	s.errorResponse(w, code, err.Error())
}

func (s *Server) ok(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.ok(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.ok(w, http.StatusOK, buildinfo.RuntimeInfo())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.ok(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	s.ok(w, http.StatusOK, map[string]any{"lines": s.ctrl.Lines()})
}

func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	ids := s.ctrl.Identities()
	if ids == nil {
		ids = []sensor.Identity{}
	}
	s.ok(w, http.StatusOK, map[string]any{"identities": ids})
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req sensor.EnrollRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctrl.Enroll(req); err != nil {
		s.operationError(w, err)
		return
	}
	s.ok(w, http.StatusAccepted, map[string]any{"status": "enrollment queued", "slot": req.Slot})
}

func slotParam(r *http.Request) (int, error) {
	slot, err := strconv.Atoi(r.PathValue("slot"))
	if err != nil {
		return 0, fmt.Errorf("%w '%s'", sensor.ErrInvalidSlot, r.PathValue("slot"))
	}
	return slot, sensor.ValidateSlot(slot)
}

func (s *Server) handleDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		s.operationError(w, err)
		return
	}
	if err := s.ctrl.DeleteIdentity(r.Context(), slot); err != nil {
		s.operationError(w, err)
		return
	}
	s.ok(w, http.StatusOK, map[string]any{"deleted": slot})
}

func (s *Server) handleRenameIdentity(w http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		s.operationError(w, err)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.ctrl.RenameIdentity(r.Context(), slot, body.Name); err != nil {
		s.operationError(w, err)
		return
	}
	s.ok(w, http.StatusOK, sensor.Identity{ID: slot, Name: body.Name})
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.DeleteAllIdentities(r.Context()); err != nil {
		s.operationError(w, err)
		return
	}
	s.ok(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePairing(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Repair(r.Context()); err != nil {
		s.operationError(w, err)
		return
	}
	s.ok(w, http.StatusOK, map[string]string{"status": "paired"})
}

func (s *Server) handleFactoryReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.FactoryReset(r.Context()); err != nil {
		s.logger.Warn("factory reset incomplete", "error", err)
		s.ok(w, http.StatusOK, map[string]string{"status": "rebooting", "warning": err.Error()})
		return
	}
	s.ok(w, http.StatusOK, map[string]string{"status": "rebooting"})
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	s.ctrl.RequestReboot()
	s.ok(w, http.StatusAccepted, map[string]string{"status": "rebooting"})
}
