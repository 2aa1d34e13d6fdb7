package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PeerInfo is implemented by sessions that have a peer identity.
type PeerInfo interface {
	PeerID() string
	ListenAddrs() []string
	ConnectedPeers() []string
}

type Server struct {
	role     string
	runID    string
	mode     string
	status   func() any
	gatherer prometheus.Gatherer
	peers    PeerInfo
}

// NewServer serves the snapshot returned by status. peers may be nil.
func NewServer(role, runID, mode string, status func() any, g prometheus.Gatherer, peers PeerInfo) *Server {
	return &Server{
		role:     role,
		runID:    runID,
		mode:     mode,
		status:   status,
		gatherer: g,
		peers:    peers,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/api/bench/status", s.handleStatus)
	r.Get("/api/bench/peers", s.handlePeers)
	r.Options("/api/bench/status", handleOptions)
	r.Options("/api/bench/peers", handleOptions)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":   s.role,
		"run_id": s.runID,
		"mode":   s.mode,
		"status": s.status(),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.peers == nil {
		writeError(w, http.StatusNotFound, "session has no peer identity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"peer_id":   s.peers.PeerID(),
		"listen":    s.peers.ListenAddrs(),
		"connected": s.peers.ConnectedPeers(),
	})
}

// Serve runs h on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("status api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if lerr := <-errCh; lerr != nil && !errors.Is(lerr, http.ErrServerClosed) {
			return lerr
		}
		return err
	}
}

func handleOptions(w http.ResponseWriter, _ *http.Request) {
	writeNoContent(w)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
