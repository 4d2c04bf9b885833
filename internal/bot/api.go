package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// APIServer exposes a read-only HTTP view of the engine plus a manual
// run-once trigger.
type APIServer struct {
	server *http.Server
	engine *Engine
	logger *zap.Logger
}

// NewAPIServer creates the status server on the given port.
func NewAPIServer(engine *Engine, port int, logger *zap.Logger) *APIServer {
	mux := http.NewServeMux()
	s := &APIServer{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		engine: engine,
		logger: logger.Named("api-server"),
	}
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/snapshot", s.snapshotHandler)
	mux.HandleFunc("/run", s.runHandler)
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	snapshot := s.engine.State().Snapshot()
	status := struct {
		Venue       string    `json:"venue"`
		Paper       bool      `json:"paper"`
		Strategy    string    `json:"strategy"`
		StartTime   string    `json:"start_time"`
		Uptime      string    `json:"uptime"`
		CycleCount  uint64    `json:"cycle_count"`
		LastCycleAt time.Time `json:"last_cycle_at"`
	}{
		Venue:       s.engine.venue.Name(),
		Paper:       s.engine.venue.PaperTrading(),
		Strategy:    s.engine.runner.Strategy().Name(),
		StartTime:   s.engine.StartTime.Format(time.RFC3339),
		Uptime:      time.Since(s.engine.StartTime).String(),
		CycleCount:  snapshot.CycleCount,
		LastCycleAt: snapshot.LastCycleAt,
	}
	s.writeJSON(w, status)
}

func (s *APIServer) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.engine.State().Snapshot())
}

func (s *APIServer) runHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	s.logger.Info("Manual cycle triggered")
	s.engine.Cycle()
	s.writeJSON(w, s.engine.State().Snapshot())
}

func (s *APIServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
