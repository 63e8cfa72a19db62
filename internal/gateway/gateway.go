// Package gateway exposes the orchestration core over HTTP: a small REST
// surface for task intake, job submissions and gate results, plus a
// WebSocket event stream fed from the in-process bus.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/basket/go-foreman/internal/admission"
	"github.com/basket/go-foreman/internal/board"
	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/dispatch"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/roles"
	"github.com/basket/go-foreman/internal/verdict"
)

const maxBodyBytes = 1 << 20

type Config struct {
	Store      *persistence.Store
	Board      *board.Board
	Dispatcher *dispatch.Dispatcher
	Admission  *admission.Controller
	Roles      *roles.Live
	Bus        *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, exposed in status.
	ConfigFingerprint string

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	schema *submissionValidator
	logger *slog.Logger
}

func New(cfg Config) (*Server, error) {
	sv, err := newSubmissionValidator()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, schema: sv, logger: logger}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/lanes", s.handleLanes)
	mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/events", s.handleTaskEvents)
	mux.HandleFunc("GET /api/v1/tasks/{id}/verdicts", s.handleTaskVerdicts)
	mux.HandleFunc("POST /api/v1/tasks/{id}/split", s.handleSplit)
	mux.HandleFunc("POST /api/v1/jobs/{id}/gates", s.handleGates)
	mux.HandleFunc("POST /api/v1/jobs/{id}/submission", s.handleSubmission)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /ws", s.handleWS)
	return s.withAuth(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.StatusCounts(r.Context()); err != nil {
		dbOK = false
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ok": dbOK})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.StatusCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	resp := map[string]any{
		"tasks":              counts,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if s.cfg.Roles != nil {
		resp["roles_version"] = s.cfg.Roles.Version()
	}
	if s.cfg.Admission != nil {
		resp["degradation_level"] = s.cfg.Admission.Level()
	}
	if s.cfg.Dispatcher != nil {
		resp["running_jobs"] = s.cfg.Dispatcher.RunningCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLanes(w http.ResponseWriter, r *http.Request) {
	wip, err := s.cfg.Store.LaneCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	lanes := make(map[persistence.Lane]map[string]any)
	for _, lane := range []persistence.Lane{
		persistence.LaneFast, persistence.LaneMain, persistence.LaneBatch,
		persistence.LaneQuarantine, persistence.LaneDLQ,
	} {
		entry := map[string]any{"wip": wip[lane]}
		if age, err := s.cfg.Store.OldestReadyAge(r.Context(), lane); err == nil {
			entry["oldest_ready_seconds"] = int(age.Seconds())
		}
		lanes[lane] = entry
	}
	writeJSON(w, http.StatusOK, map[string]any{"lanes": lanes})
}

type createTaskRequest struct {
	ParentID       string   `json:"parent_id,omitempty"`
	Kind           string   `json:"kind,omitempty"`
	Goal           string   `json:"goal"`
	Role           string   `json:"role"`
	Lane           string   `json:"lane,omitempty"`
	Priority       int      `json:"priority,omitempty"`
	AllowedPaths   []string `json:"allowed_paths,omitempty"`
	ForbiddenPaths []string `json:"forbidden_paths,omitempty"`
	ExecutorPref   string   `json:"executor_pref,omitempty"`
	MaxAttempts    int      `json:"max_attempts,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	task, err := s.cfg.Board.Create(r.Context(), persistence.NewTaskParams{
		ParentID:       req.ParentID,
		Kind:           persistence.TaskKind(req.Kind),
		Goal:           req.Goal,
		Role:           req.Role,
		Lane:           persistence.Lane(req.Lane),
		Priority:       req.Priority,
		AllowedPaths:   req.AllowedPaths,
		ForbiddenPaths: req.ForbiddenPaths,
		ExecutorPref:   req.ExecutorPref,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		writeBoardError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.cfg.Store.ListTaskEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleTaskVerdicts(w http.ResponseWriter, r *http.Request) {
	verdicts, err := s.cfg.Store.ListVerdictsByTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verdicts": verdicts})
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.cfg.Board.MarkNeedsSplit(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		writeBoardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type gateRequest struct {
	Gate     string `json:"gate"`
	Category string `json:"category,omitempty"`
	Ran      bool   `json:"ran"`
	OK       bool   `json:"ok"`
	Required *bool  `json:"required,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleGates(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	var req gateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Gate == "" {
		writeError(w, http.StatusBadRequest, "SCHEMA_VIOLATION", "gate name is required")
		return
	}
	if _, err := s.cfg.Store.GetJob(r.Context(), jobID); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	err := s.cfg.Store.UpsertGateResult(r.Context(), persistence.GateRecord{
		JobID:    jobID,
		Gate:     req.Gate,
		Category: req.Category,
		Ran:      req.Ran,
		OK:       req.OK,
		Required: req.Required,
		Reason:   req.Reason,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleSubmission accepts the structured result of an externally run job.
// The body is validated against the submission schema before the job is
// closed and the verdict engine adjudicates it.
func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := s.schema.Validate(raw); err != nil {
		writeError(w, http.StatusBadRequest, board.CodeSchemaViolation, err.Error())
		return
	}
	var sub verdict.Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		writeError(w, http.StatusBadRequest, board.CodeSchemaViolation, err.Error())
		return
	}
	sub.JobID = jobID

	job, err := s.cfg.Store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict, "JOB_CLOSED", "job already finished")
		return
	}
	if err := s.cfg.Store.FinishJob(r.Context(), jobID, persistence.JobDone, string(raw), ""); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	v, err := s.cfg.Board.AdjudicateJob(r.Context(), jobID, sub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if s.cfg.Dispatcher != nil {
		if err := s.cfg.Dispatcher.Cancel(r.Context(), jobID); err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}
	// The dispatcher does not know the job; close it directly if still open.
	job, err := s.cfg.Store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict, "JOB_CLOSED", "job already finished")
		return
	}
	if err := s.cfg.Store.FinishJob(r.Context(), jobID, persistence.JobCancelled, "", "cancelled via api"); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- helpers ---

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return nil, false
	}
	return raw, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

// writeBoardError maps board rejection codes onto HTTP statuses.
func writeBoardError(w http.ResponseWriter, err error) {
	var ce *board.CodeError
	if !errors.As(err, &ce) {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	status := http.StatusUnprocessableEntity
	switch ce.Code {
	case board.CodeRolePolicy:
		status = http.StatusForbidden
	case board.CodeSchemaViolation:
		status = http.StatusBadRequest
	}
	writeError(w, status, ce.Code, ce.Message)
}
