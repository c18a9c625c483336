package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/creditpath/realtime/internal/config"
	"github.com/creditpath/realtime/internal/relay"
	"github.com/creditpath/realtime/internal/security"
)

var upgrader = gorilla.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // TODO: Configure CORS properly
	},
}

// Server is the HTTP front of the real-time gateway.
type Server struct {
	config   *config.Config
	hub      *Hub
	security *security.Manager
	logger   *zap.Logger
	server   *http.Server
}

// New creates a server and starts its hub.
func New(cfg *config.Config, rl *relay.Relay, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	hub := NewHub(cfg.JWTSecret, rl, logger)
	go hub.Run()

	return &Server{
		config:   cfg,
		hub:      hub,
		security: security.NewManager(),
		logger:   logger,
	}
}

// Hub exposes the hub for relay wiring.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	s.security.Dispose()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"name":        "CreditPath Realtime Gateway",
		"description": "WebSocket gateway for live credit events and document collaboration",
		"endpoints": map[string]string{
			"health": "/health",
			"ws":     "/ws",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.GetStats()
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Format(time.RFC3339),
		"connections": stats.Connections,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := remoteIP(r)

	if !s.security.ConnectionLimiter.CanConnect(clientIP) {
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.security.ConnectionLimiter.AddConnection(clientIP)

	conn := NewConnection(uuid.NewString(), ws, s.hub, clientIP, s.security, s.logger)
	s.hub.Register <- conn

	go conn.WritePump()
	go conn.ReadPump()
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
