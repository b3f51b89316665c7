// Package web serves the clausegate HTTP JSON API and a read-only run list.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"

	"github.com/metalagman/clausegate/internal/agent"
	"github.com/metalagman/clausegate/internal/coordinator"
	"github.com/metalagman/clausegate/internal/logging"
	"github.com/metalagman/clausegate/internal/metrics"
	"github.com/metalagman/clausegate/internal/redline"
	"github.com/metalagman/clausegate/internal/team"
	"github.com/rs/zerolog"
)

const maxBody = 10 << 20

// Coordinator is the part of the coordinator the API drives.
type Coordinator interface {
	StartRun(ctx context.Context, req coordinator.StartRequest) (coordinator.Run, error)
	Execute(ctx context.Context, runID string) (coordinator.Run, error)
	GetRun(runID string) (coordinator.View, error)
	ListRuns() []coordinator.Run
	Events(ctx context.Context, runID string) ([]coordinator.Event, error)
	RiskApprove(ctx context.Context, runID string, items []coordinator.RiskDecision) (coordinator.Run, error)
	FinalApprove(ctx context.Context, runID string, req coordinator.FinalApproval) (coordinator.Run, error)
	Export(ctx context.Context, runID, format string) (coordinator.Artifact, error)
	Replay(ctx context.Context, runID string) (coordinator.Run, error)
	RegisterTeam(ctx context.Context, def team.Definition) (team.Definition, error)
	AddAgent(ctx context.Context, teamName string, spec agent.Spec) (team.Definition, error)
	ListTeams() []team.Definition
	GetTeam(name string) (team.Definition, error)
}

// Server provides the API handlers.
type Server struct {
	coord   Coordinator
	metrics *metrics.Collector
	tmpl    *template.Template
	logger  zerolog.Logger
}

//go:embed templates/*.html
var templatesFS embed.FS

// NewServer creates a server. m may be nil, in which case /metrics is not
// served and requests are not instrumented.
func NewServer(coord Coordinator, m *metrics.Collector) (*Server, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/index.html")
	if err != nil {
		return nil, err
	}
	return &Server{
		coord:   coord,
		metrics: m,
		tmpl:    tmpl,
		logger:  logging.Component("web"),
	}, nil
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /{$}", s.handleIndex)
	s.handle(mux, "POST /runs", s.handleStartRun)
	s.handle(mux, "GET /runs", s.handleListRuns)
	s.handle(mux, "GET /runs/{id}", s.handleGetRun)
	s.handle(mux, "GET /runs/{id}/events", s.handleEvents)
	s.handle(mux, "POST /runs/{id}/execute", s.handleExecute)
	s.handle(mux, "POST /runs/{id}/risk-approval", s.handleRiskApproval)
	s.handle(mux, "POST /runs/{id}/final-approval", s.handleFinalApproval)
	s.handle(mux, "GET /runs/{id}/export", s.handleExport)
	s.handle(mux, "POST /runs/{id}/replay", s.handleReplay)
	s.handle(mux, "GET /teams", s.handleListTeams)
	s.handle(mux, "POST /teams", s.handleRegisterTeam)
	s.handle(mux, "GET /teams/{name}", s.handleGetTeam)
	s.handle(mux, "POST /teams/{name}/agents", s.handleAddAgent)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.metrics != nil {
		h = s.metrics.Middleware(pattern, h)
	}
	mux.Handle(pattern, h)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, s.coord.ListRuns()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req coordinator.StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	run, err := s.coord.StartRun(r.Context(), req)
	if err != nil && run.ID == "" {
		s.writeError(w, err)
		return
	}
	if err != nil {
		// The run exists but its execution failed; report it with the error.
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"run_id": run.ID, "status": run.Status, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"run_id": run.ID, "status": run.Status})
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.ListRuns())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	view, err := s.coord.GetRun(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.coord.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	run, err := s.coord.Execute(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

type riskApprovalRequest struct {
	Items []coordinator.RiskDecision `json:"items"`
}

func (s *Server) handleRiskApproval(w http.ResponseWriter, r *http.Request) {
	var req riskApprovalRequest
	if !s.decode(w, r, &req) {
		return
	}
	run, err := s.coord.RiskApprove(r.Context(), r.PathValue("id"), req.Items)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleFinalApproval(w http.ResponseWriter, r *http.Request) {
	var req coordinator.FinalApproval
	if !s.decode(w, r, &req) {
		return
	}
	run, err := s.coord.FinalApprove(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

var contentTypes = map[string]string{
	redline.FormatMarkdown: "text/markdown; charset=utf-8",
	redline.FormatDOCX:     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	redline.FormatPDF:      "application/pdf",
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	art, err := s.coord.Export(r.Context(), r.PathValue("id"), r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentTypes[art.Format])
	w.Header().Set("X-Artifact-URI", art.URI)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Data)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	run, err := s.coord.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"new_run_id": run.ID, "status": run.Status})
}

func (s *Server) handleListTeams(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.ListTeams())
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	def, err := s.coord.GetTeam(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleRegisterTeam(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	def, err := team.ParseDefinition(data)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	stored, err := s.coord.RegisterTeam(r.Context(), def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleAddAgent(w http.ResponseWriter, r *http.Request) {
	var spec agent.Spec
	if !s.decode(w, r, &spec) {
		return
	}
	def, err := s.coord.AddAgent(r.Context(), r.PathValue("name"), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "decode request: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrValidation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("write response")
	}
}
