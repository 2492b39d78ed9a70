package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wailbentafat/device-relay/broker"
	"github.com/wailbentafat/device-relay/logger"
	"github.com/wailbentafat/device-relay/presence"
	"github.com/wailbentafat/device-relay/websocket"
)

var log = logger.WithComponent("server")

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *websocket.Hub
	presence   presence.Store
}

// NewServer registers the transport and status routes.
func NewServer(addr string, handler *websocket.Handler, hub *websocket.Hub, store presence.Store) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		hub:      hub,
		presence: store,
	}

	s.router.HandleFunc("/socket/handshake", handler.HandleHandshake).Methods(http.MethodGet)
	s.router.HandleFunc("/socket/poll", handler.HandlePoll).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
	s.router.HandleFunc("/socket/ws", handler.HandleWebSocket).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", handler.HandleWebSocket).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/devices", s.handleDevices).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the routes, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

type healthResponse struct {
	Status      string   `json:"status"`
	Instance    string   `json:"instance"`
	Connections int      `json:"connections"`
	Devices     []string `json:"devices"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	reg := s.hub.Manager().Registry()

	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Instance:    s.hub.Instance(),
		Connections: reg.Len(),
		Devices:     reg.Devices(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.presence.GetOnlineDevices(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list online devices")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "presence store unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string][]string{"devices": devices})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

// Shutdown gracefully shuts down the server and cleans up resources
func (s *Server) Shutdown(timeout time.Duration, clientManager *websocket.ClientManager, messageBroker broker.MessageBroker) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	// Step 1: Stop accepting new connections. Shutdown waits for active
	// requests, and long polls only return once their session closes.
	log.Info().Msg("Shutting down HTTP server...")
	httpDone := make(chan struct{})
	go func() {
		defer close(httpDone)
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}()

	// Step 2: Close all active sessions
	log.Info().Msg("Closing sessions...")
	clientManager.CloseAllConnections(websocket.ReasonServerShutdown)

	// Step 3: Wait for in-flight poll batches and requests
	done := make(chan struct{})
	go func() {
		clientManager.WaitForCompletion()
		<-httpDone
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("All operations completed")
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timeout exceeded, forcing exit")
	}

	// Step 4: Close message broker
	if messageBroker != nil {
		log.Info().Msg("Closing message broker...")
		if err := messageBroker.Close(); err != nil {
			log.Error().Err(err).Msg("Broker closure error")
		}
	}

	log.Info().Msg("Shutdown complete")
}
