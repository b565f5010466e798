package mediator

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buskeeper/buskeeper/core/infra/logging"
	"github.com/buskeeper/buskeeper/core/policy"
)

var upgrader = websocket.Upgrader{
	// The ops endpoint binds to loopback; browsers are not the audience.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// OpsServer serves the operational surface: status, Prometheus metrics and
// the live audit tap. It never mediates operations itself.
type OpsServer struct {
	service *Service
	metrics http.Handler
	server  *http.Server
}

func NewOpsServer(addr string, service *Service, metricsHandler http.Handler) *OpsServer {
	s := &OpsServer{service: service, metrics: metricsHandler}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/services", s.handleServices)
	mux.HandleFunc("/ws/audit", s.handleAuditTap)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *OpsServer) ListenAndServe() error {
	logging.Info("ops", "listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *OpsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *OpsServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *OpsServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	recent := 0
	if raw := r.URL.Query().Get("audit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "audit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		recent = n
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.service.Status(recent)); err != nil {
		logging.Error("ops", "status encode failed", "error", err)
	}
}

func (s *OpsServer) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	scope := policy.BusSession
	if raw := r.URL.Query().Get("bus"); raw != "" {
		switch policy.BusScope(raw) {
		case policy.BusSession, policy.BusSystem:
			scope = policy.BusScope(raw)
		default:
			http.Error(w, "bus must be session or system", http.StatusBadRequest)
			return
		}
	}
	names, err := s.service.ListServices(r.Context(), scope)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"bus": scope, "services": names}); err != nil {
		logging.Error("ops", "services encode failed", "error", err)
	}
}

func (s *OpsServer) handleAuditTap(w http.ResponseWriter, r *http.Request) {
	if s.service.stream == nil {
		http.Error(w, "audit stream not enabled", http.StatusNotFound)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("ops", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("ops", "audit tap connected", "remote", r.RemoteAddr)

	records, cancel := s.service.stream.Subscribe(64)
	defer cancel()

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				// Dropped as a slow consumer.
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				logging.Error("ops", "audit record marshal failed", "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
