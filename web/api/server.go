package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cognitionflow/orchestrator/internal/domain"
	"github.com/cognitionflow/orchestrator/internal/history"
	"github.com/cognitionflow/orchestrator/internal/orchestrator"
	"github.com/cognitionflow/orchestrator/internal/templates"
)

// Runs is the orchestrator surface the HTTP layer depends on.
type Runs interface {
	CreateRun(req orchestrator.CreateRequest) (*orchestrator.RunView, error)
	GetRun(id string) (*orchestrator.RunView, error)
	CancelRun(id string) error
	Subscribe(id string) (<-chan domain.Message, func(), error)
	ArtifactPath(id, filename string) (string, error)
	History(limit, offset int) ([]*history.Record, error)
	Metrics() (*orchestrator.Metrics, error)
}

// Server is the HTTP API server
type Server struct {
	runs    Runs
	catalog *templates.Catalog
	addr    string
	mux     *http.ServeMux
	httpSrv *http.Server
}

// NewServer creates a new API server
func NewServer(runs Runs, catalog *templates.Catalog, addr string) *Server {
	s := &Server{
		runs:    runs,
		catalog: catalog,
		addr:    addr,
		mux:     http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())
	s.mux.HandleFunc("/api/history", s.historyHandler())
	s.mux.HandleFunc("/api/metrics", s.metricsHandler())
	s.mux.HandleFunc("/api/options", s.optionsHandler())
	s.mux.HandleFunc("/api/health", s.healthHandler())
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeRunError maps orchestrator errors onto HTTP status codes.
func writeRunError(w http.ResponseWriter, err error) {
	var verr *orchestrator.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, orchestrator.ErrResourceExhausted):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
