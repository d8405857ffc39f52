package display

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/marketflow/tapereader/pkg/types"
)

// PendingSource exposes the confirmation tracker's held candidates for the
// pending-patterns endpoint, without the display package depending on
// internal/confirmation directly.
type PendingSource interface {
	Pending() []types.PendingPattern
}

// Server is the REST+WebSocket front door onto a Hub: health, recent
// signals, pending patterns, connection status, and the /ws upgrade route.
type Server struct {
	logger  *zap.Logger
	hub     *Hub
	pending PendingSource

	router     *mux.Router
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires router and handlers around hub. pending may be nil, in
// which case /api/v1/pending always reports an empty list.
func NewServer(logger *zap.Logger, hub *Hub, pending PendingSource) *Server {
	s := &Server{
		logger:    logger.Named("display"),
		hub:       hub,
		pending:   pending,
		startedAt: time.Now(),
	}
	s.router = mux.NewRouter()
	s.setupRoutes()
	s.httpServer = &http.Server{Handler: cors.AllowAll().Handler(s.router)}
	return s
}

// Router exposes the underlying mux.Router, mainly so tests can drive it
// with httptest.NewServer without going through Start/Shutdown.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/signals", s.handleSignals).Methods(http.MethodGet)
	api.HandleFunc("/pending", s.handlePending).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.hub.ServeWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"uptime_s": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Recent())
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if s.pending == nil {
		writeJSON(w, http.StatusOK, []types.PendingPattern{})
		return
	}
	writeJSON(w, http.StatusOK, s.pending.Pending())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected_clients": s.hub.ClientCount(),
		"uptime_s":          time.Since(s.startedAt).Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return
	}
}

// Start serves HTTP on addr until ctx is cancelled, then shuts down
// gracefully. The hub's own Run loop must be started separately by the
// caller (it isn't tied to the HTTP server's lifecycle).
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer.Addr = addr
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("display server listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server without waiting on ctx
// cancellation, for callers (tests, signal handlers) that already have
// their own timeout context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
