// Package api serves the local admin interface over a unix socket.
// It is read-mostly: status queries plus the few operator actions the
// daemon supports (reconcile, exclusion clear, registry reload).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/auditmesh/auditmesh/pkg/config"
	"github.com/auditmesh/auditmesh/pkg/consensus"
	"github.com/auditmesh/auditmesh/pkg/node"
)

const shutdownTimeout = 5 * time.Second

// Server is the unix-socket admin API
type Server struct {
	socketPath  string
	jwtSecret   []byte
	tokenExpiry time.Duration
	service     *node.Service
	router      *mux.Router
	httpServer  *http.Server
	logger      *zap.Logger
}

// NewServer builds the admin API around a running service
func NewServer(cfg *config.APIConfig, service *node.Service, logger *zap.Logger) *Server {
	s := &Server{
		socketPath:  cfg.SocketPath,
		tokenExpiry: cfg.TokenExpiry,
		service:     service,
		logger:      logger,
	}
	if cfg.JWTSecret != "" {
		s.jwtSecret = []byte(cfg.JWTSecret)
	}

	s.router = mux.NewRouter()
	s.routes()

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/v1/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/byzantine", s.handleByzantineList).Methods(http.MethodGet)

	s.router.HandleFunc("/v1/submit", s.requireAuth(s.handleSubmit)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/reconcile", s.requireAuth(s.handleReconcile)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/byzantine/{node_id}/clear", s.requireAuth(s.handleByzantineClear)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/peers/reload", s.requireAuth(s.handlePeersReload)).Methods(http.MethodPost)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the unix socket and serves until Stop
func (s *Server) Start() error {
	// A stale socket from an unclean shutdown blocks the bind
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}

	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	s.logger.Info("Admin API listening", zap.String("socket", s.socketPath))

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin API server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop drains in-flight requests and removes the socket
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down admin API: %w", err)
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing socket: %w", err)
	}

	s.logger.Info("Admin API stopped")
	return nil
}

// statusResponse is the full daemon status view
type statusResponse struct {
	Rounds         []*consensus.ConsensusRound `json:"rounds"`
	ByzantineNodes []consensus.ByzantineNode   `json:"byzantine_nodes"`
	ExcludedCount  int                         `json:"excluded_count"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns all rounds, or one round's result view when
// round_id is given.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if roundID := r.URL.Query().Get("round_id"); roundID != "" {
		result, err := s.service.RoundStatus(roundID)
		if err != nil {
			if errors.Is(err, consensus.ErrRoundNotFound) {
				s.writeError(w, http.StatusNotFound, "round not found")
				return
			}
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, result)
		return
	}

	excluded := s.service.ByzantineNodes()
	s.writeJSON(w, http.StatusOK, statusResponse{
		Rounds:         s.service.Rounds(),
		ByzantineNodes: excluded,
		ExcludedCount:  len(excluded),
	})
}

// handleSubmit feeds a locally delivered observation through the same
// acceptance pipeline peer submissions take. Rejections come back as
// accepted=false with the reason, mirroring the peer-facing reply.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	obs := &consensus.AuditObservation{}
	if err := json.NewDecoder(r.Body).Decode(obs); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed observation")
		return
	}

	s.writeJSON(w, http.StatusOK, s.service.Submit(obs))
}

func (s *Server) handleByzantineList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.ByzantineNodes())
}

type reconcileRequest struct {
	WindowHours int `json:"window_hours"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	req := reconcileRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.WindowHours <= 0 {
		s.writeError(w, http.StatusBadRequest, "window_hours must be positive")
		return
	}

	results := s.service.Reconcile(r.Context(), req.WindowHours)
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleByzantineClear(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]

	if err := s.service.ClearByzantineNode(r.Context(), nodeID); err != nil {
		if errors.Is(err, node.ErrNotExcluded) {
			s.writeError(w, http.StatusNotFound, "node is not excluded")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"cleared": nodeID})
}

func (s *Server) handlePeersReload(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ReloadPeers(); err != nil {
		// The previous registry stays active on a failed reload
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Writing API response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
