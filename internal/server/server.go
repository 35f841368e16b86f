// Package server exposes the run orchestrator over HTTP.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/plandev/plandev/internal/coordinator"
	"github.com/plandev/plandev/internal/run"
)

// Server is the HTTP front of the coordinator.
type Server struct {
	coord *coordinator.Coordinator
}

// New creates a Server.
func New(coord *coordinator.Coordinator) *Server {
	return &Server{coord: coord}
}

// runDetailResp is the response for GET /api/v1/runs/{id}.
type runDetailResp struct {
	Run *run.Record `json:"run"`
	Log []string    `json:"log,omitempty"`
}

// runListResp is the response for GET /api/v1/runs.
type runListResp struct {
	Runs []*run.Record `json:"runs"`
}

// Handler builds the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/runs", handle(s.startRun))
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", handle(s.cancelRun))
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/healthz", s.handleHealthz)
	return compressMiddleware(mux)
}

// ListenAndServe starts the HTTP server and closes it when ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	slog.Info("listening", "addr", addr)
	return srv.ListenAndServe()
}

func (s *Server) startRun(ctx context.Context, req *startRunReq) (*startRunResp, error) {
	runID, err := s.coord.StartRun(ctx, coordinator.StartRequest{
		ProjectID:     req.ProjectID,
		SprintID:      req.SprintID,
		BranchName:    req.BranchName,
		MaxIterations: req.MaxIterations,
		TaskIDs:       req.TaskIDs,
	})
	if err != nil {
		return nil, err
	}
	return &startRunResp{RunID: runID, Status: string(run.StatusQueued)}, nil
}

func (s *Server) cancelRun(ctx context.Context, req *cancelRunReq) (*statusResp, error) {
	if err := s.coord.CancelRun(ctx, req.RunID); err != nil {
		return nil, err
	}
	return &statusResp{Status: "canceling"}, nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, badRequest("tail must be a non-negative integer"))
			return
		}
		tail = n
	}
	rec, lines, err := s.coord.GetRun(r.Context(), runID, tail)
	if err != nil {
		writeError(w, mapCoordinatorErr(err))
		return
	}
	writeJSONResponse(w, &runDetailResp{Run: rec, Log: lines}, nil)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	if projectID == "" {
		writeError(w, badRequest("project query parameter is required"))
		return
	}
	records, err := s.coord.ListRuns(r.Context(), projectID)
	if err != nil {
		writeError(w, mapCoordinatorErr(err))
		return
	}
	if records == nil {
		records = []*run.Record{}
	}
	writeJSONResponse(w, &runListResp{Runs: records}, nil)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, &struct {
		Status string `json:"status"`
		Active int    `json:"activeRuns"`
	}{Status: "ok", Active: s.coord.ActiveCount()}, nil)
}
