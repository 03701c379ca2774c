package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"gardencam/live/internal/domain"
	"gardencam/live/internal/stream"
)

const shutdownTimeout = 5 * time.Second

// Server exposes the registry over websocket and a small HTTP API.
type Server struct {
	registry *Registry
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer creates a server around registry.
func NewServer(registry *Registry) *Server {
	return &Server{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Devices and viewers connect from anywhere on the LAN.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "relay").Logger(),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.serveWS)

	r.Group(func(r chi.Router) {
		r.Use(hlog.NewHandler(s.log))
		r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", duration).
				Msg("request")
		}))

		r.Get("/healthz", s.health)
		r.Get("/rooms/{deviceID}", s.roomStats)
		r.Post("/devices/{deviceID}/frame", s.pushFrame)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("starting relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error().Err(err).Msg("relay forced to shutdown")
		return err
	}
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	c := newConn(ws, s.registry, s.log)
	c.log.Debug().Str("remote", r.RemoteAddr).Msg("connection opened")

	go c.writePump()
	go c.readPump()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) roomStats(w http.ResponseWriter, r *http.Request) {
	st, ok := s.registry.Stats(chi.URLParam(r, "deviceID"))
	if !ok {
		http.Error(w, "no such room", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type framePush struct {
	Base64JPEG string `json:"base64Jpeg"`
}

type frameResult struct {
	Delivered int `json:"delivered"`
}

// pushFrame lets a device without a websocket push a still frame to every
// viewer of its room.
func (s *Server) pushFrame(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var body framePush
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if _, err := stream.DecodeJPEG(body.Base64JPEG); err != nil {
		http.Error(w, "base64Jpeg must be a base64 JPEG: "+err.Error(), http.StatusBadRequest)
		return
	}

	n := s.registry.RelayFrame(deviceID, domain.SignalMessage{
		Type:       domain.MessageFrame,
		DeviceID:   deviceID,
		Base64JPEG: body.Base64JPEG,
	})
	hlog.FromRequest(r).Debug().Str("device", deviceID).Int("delivered", n).Msg("frame pushed")
	writeJSON(w, http.StatusAccepted, frameResult{Delivered: n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
