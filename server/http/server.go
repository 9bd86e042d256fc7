// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http serves the gateway REST API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/ramses-gateway/allowlist"
	"github.com/absmach/ramses-gateway/buffer"
	"github.com/absmach/ramses-gateway/ratelimit"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const maxBodySize = 1 << 20

// Response messages.
const (
	msgInvalidData    = "Invalid data"
	msgDeviceNotFound = "device not found"
	msgPersistFailed  = "failed to persist approved devices"
)

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	StaticDir       string
	TLSCertFile     string
	TLSKeyFile      string
}

// Devices is the allow-list the API manages.
type Devices interface {
	GetAll() map[string]string
	Get(deviceID string) (string, bool)
	Put(ctx context.Context, deviceID, friendlyName string) error
	Delete(ctx context.Context, deviceID string) error
}

// Messages exposes the recent message history.
type Messages interface {
	Snapshot() []buffer.Message
}

type Server struct {
	config   Config
	devices  Devices
	messages Messages
	limiter  *ratelimit.IPRateLimiter
	logger   *slog.Logger
	mux      *http.ServeMux
	server   *http.Server
}

// New creates the API server. Allow-list writes pass through limiter; a nil
// limiter allows everything.
func New(cfg Config, devices Devices, messages Messages, limiter *ratelimit.IPRateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		devices:  devices,
		messages: messages,
		limiter:  limiter,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /messages", s.handleMessages)
	s.mux.HandleFunc("GET /approved_devices", s.handleListDevices)
	s.mux.HandleFunc("GET /approved_devices/{device_id}", s.handleGetDevice)
	s.mux.Handle("POST /approved_devices", limiter.Middleware(http.HandlerFunc(s.handleAddDevice)))
	s.mux.Handle("DELETE /approved_devices/{device_id}", limiter.Middleware(http.HandlerFunc(s.handleDeleteDevice)))
	if cfg.StaticDir != "" {
		// Registered without a method so that method-less mounts added by
		// Handle never conflict with it.
		s.mux.Handle("/", static(http.FileServer(http.Dir(cfg.StaticDir))))
	}

	h2s := &http2.Server{}
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           h2c.NewHandler(cors(s.mux), h2s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handle mounts an extra handler, such as the push channel, on the API
// listener. Must be called before Listen.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the complete API handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
			s.logger.Info("http_api_starting", slog.String("addr", s.config.Address), slog.Bool("tls", true))
			err = s.server.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			s.logger.Info("http_api_starting", slog.String("addr", s.config.Address), slog.Bool("tls", false))
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("http_api_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http_api_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("http_api_stopped")
		return nil
	}
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type deviceRequest struct {
	DeviceID     string `json:"device_id"`
	FriendlyName string `json:"friendly_name"`
}

type deviceResponse struct {
	DeviceID     string `json:"device_id"`
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.messages.Snapshot()
	if msgs == nil {
		msgs = []buffer.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.GetAll())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("device_id")

	name, ok := s.devices.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, msgDeviceNotFound)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{DeviceID: id, FriendlyName: name})
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		s.logger.Warn("http_add_device_invalid_request", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, msgInvalidData)
		return
	}

	err := s.devices.Put(r.Context(), req.DeviceID, req.FriendlyName)
	switch {
	case err == nil:
		s.logger.Info("http_device_approved",
			slog.String("device_id", req.DeviceID),
			slog.String("friendly_name", req.FriendlyName))
		writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
	case errors.Is(err, allowlist.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, msgInvalidData)
	default:
		s.logger.Error("http_add_device_failed",
			slog.String("device_id", req.DeviceID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, msgPersistFailed)
	}
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("device_id")

	err := s.devices.Delete(r.Context(), id)
	switch {
	case err == nil:
		s.logger.Info("http_device_removed", slog.String("device_id", id))
		writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
	case errors.Is(err, allowlist.ErrNotFound):
		writeError(w, http.StatusNotFound, msgDeviceNotFound)
	default:
		s.logger.Error("http_delete_device_failed",
			slog.String("device_id", id),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, msgPersistFailed)
	}
}

// cors allows any origin and answers preflight requests.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// static restricts the file server to GET and HEAD.
func static(fs http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		fs.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, statusResponse{Status: "error", Message: msg})
}
