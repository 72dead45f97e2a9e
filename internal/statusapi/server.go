// Package statusapi serves the reconciliation status over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaywatch/internal/metadata"
	"github.com/agentworkforce/relaywatch/internal/metrics"
	"github.com/agentworkforce/relaywatch/internal/watcher"
)

// Snapshot is the reconciliation state reported by /status and by the
// status command.
type Snapshot struct {
	Cursor         string    `json:"cursor" yaml:"cursor"`
	Records        int       `json:"records" yaml:"records"`
	Incompatible   []string  `json:"incompatible" yaml:"incompatible"`
	Running        bool      `json:"running" yaml:"running"`
	LastPoll       time.Time `json:"last_poll,omitempty" yaml:"last_poll,omitempty"`
	LastError      string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	ResyncRequired bool      `json:"resync_required" yaml:"resync_required"`
}

type StatusSource interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

type recordSource interface {
	GetRemoteSeq(ctx context.Context) (string, error)
	All(ctx context.Context) ([]*metadata.Metadata, error)
}

type treeSource interface {
	IncompatibleTree(ctx context.Context) ([]string, error)
}

type loopSource interface {
	Status() watcher.Status
}

// Reporter assembles a Snapshot from the replica and, when running, the loop.
type Reporter struct {
	Index recordSource
	Trees treeSource
	Loop  loopSource
}

func (r Reporter) Snapshot(ctx context.Context) (Snapshot, error) {
	if r.Index == nil {
		return Snapshot{}, errors.New("index is required")
	}
	seq, err := r.Index.GetRemoteSeq(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	records, err := r.Index.All(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Cursor: seq, Records: len(records), Incompatible: []string{}}
	if r.Trees != nil {
		incompatible, err := r.Trees.IncompatibleTree(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		if incompatible != nil {
			snap.Incompatible = incompatible
		}
	}
	if r.Loop != nil {
		status := r.Loop.Status()
		snap.Running = status.Running
		snap.LastPoll = status.LastPoll
		snap.LastError = status.LastError
		snap.ResyncRequired = status.ResyncRequired
	}
	return snap, nil
}

type Server struct {
	source StatusSource
	logger *zap.Logger
	router *mux.Router
}

func NewServer(source StatusSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{source: source, logger: logger, router: mux.NewRouter()}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return s
}

func (s *Server) Handler() http.Handler {
	return metrics.Middleware(s.router)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("status api listening", zap.String("addr", addr))
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.source.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("status snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), r.Header.Get("X-Correlation-Id"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
