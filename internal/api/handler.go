package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/agent-mesh/internal/bus"
	"github.com/nidhogg/agent-mesh/internal/exec"
	"github.com/nidhogg/agent-mesh/internal/store"
	"github.com/nidhogg/agent-mesh/internal/topology"
)

// LogQuerier is the paginated log listing behind the logs endpoint.
type LogQuerier interface {
	QueryEvents(ctx context.Context, executionID string, f store.LogFilter) ([]bus.Event, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	teams   exec.TeamStore
	manager *exec.Manager
	logs    LogQuerier
	bus     *bus.Bus
	models  topology.ModelResolver
	tools   topology.ToolResolver
	logger  *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(teams exec.TeamStore, manager *exec.Manager, logs LogQuerier, b *bus.Bus,
	models topology.ModelResolver, tools topology.ToolResolver, logger *zap.Logger) *Handler {
	return &Handler{
		teams:   teams,
		manager: manager,
		logs:    logs,
		bus:     b,
		models:  models,
		tools:   tools,
		logger:  logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.healthCheck)

	r.Route("/teams", func(r chi.Router) {
		r.Post("/", h.createTeam)
		r.Get("/", h.listTeams)
		r.Route("/{teamID}", func(r chi.Router) {
			r.Get("/", h.getTeam)
			r.Patch("/", h.updateTeam)
			r.Delete("/", h.deleteTeam)
			r.Post("/validate", h.validateTopology)
			r.Post("/executions", h.triggerExecution)
			r.Get("/executions", h.listTeamExecutions)
		})
	})

	r.Route("/executions", func(r chi.Router) {
		r.Get("/", h.listExecutions)
		r.Route("/{executionID}", func(r chi.Router) {
			r.Get("/", h.getExecution)
			r.Post("/cancel", h.cancelExecution)
			r.Get("/stream", h.streamExecution)
			r.Get("/logs", h.listExecutionLogs)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type teamRequest struct {
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	TimeoutSeconds *int             `json:"timeout_seconds,omitempty"`
	MaxIterations  *int             `json:"max_iterations,omitempty"`
	Topology       *topology.Config `json:"topology"`
}

func (h *Handler) createTeam(w http.ResponseWriter, r *http.Request) {
	var req teamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Topology == nil {
		writeBadRequest(w, "topology is required")
		return
	}

	team := &exec.Team{
		ID:             uuid.New(),
		Name:           req.Name,
		Description:    req.Description,
		Status:         exec.TeamActive,
		TimeoutSeconds: 300,
		MaxIterations:  50,
		Topology:       *req.Topology,
		CreatedAt:      time.Now().UTC(),
	}
	team.UpdatedAt = team.CreatedAt
	if req.TimeoutSeconds != nil {
		team.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.MaxIterations != nil {
		team.MaxIterations = *req.MaxIterations
	}
	if msg := validateTeamMeta(team); msg != "" {
		writeBadRequest(w, msg)
		return
	}

	if res := topology.Validate(&team.Topology, h.models, h.tools); !res.Valid {
		writeValidationFailure(w, res)
		return
	}

	if err := h.teams.CreateTeam(r.Context(), team); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, team)
}

func (h *Handler) listTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := h.teams.ListTeams(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

func (h *Handler) getTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "teamID")
	if !ok {
		return
	}
	team, err := h.teams.GetTeam(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

// updateTeam applies a partial update. A topology that fails
// re-validation flips the team to ERROR and reports the defects.
func (h *Handler) updateTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "teamID")
	if !ok {
		return
	}
	team, err := h.teams.GetTeam(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req struct {
		teamRequest
		Status *exec.TeamStatus `json:"status,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Name != "" {
		team.Name = req.Name
	}
	if req.Description != "" {
		team.Description = req.Description
	}
	if req.TimeoutSeconds != nil {
		team.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.MaxIterations != nil {
		team.MaxIterations = *req.MaxIterations
	}
	if req.Status != nil {
		team.Status = *req.Status
	}
	if msg := validateTeamMeta(team); msg != "" {
		writeBadRequest(w, msg)
		return
	}

	if req.Topology != nil {
		team.Topology = *req.Topology
		if res := topology.Validate(&team.Topology, h.models, h.tools); !res.Valid {
			team.Status = exec.TeamError
			if err := h.teams.UpdateTeam(r.Context(), team); err != nil {
				h.writeError(w, err)
				return
			}
			writeValidationFailure(w, res)
			return
		}
		if team.Status == exec.TeamError {
			team.Status = exec.TeamActive
		}
	}

	team.UpdatedAt = time.Now().UTC()
	if err := h.teams.UpdateTeam(r.Context(), team); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (h *Handler) deleteTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "teamID")
	if !ok {
		return
	}
	if _, err := h.teams.GetTeam(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	running, err := h.manager.HasRunning(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if running {
		h.writeError(w, exec.ErrTeamRunning)
		return
	}
	if err := h.teams.DeleteTeam(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateTopology dry-runs validation of a proposed topology without
// saving anything.
func (h *Handler) validateTopology(w http.ResponseWriter, r *http.Request) {
	var cfg topology.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	res := topology.Validate(&cfg, h.models, h.tools)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) triggerExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "teamID")
	if !ok {
		return
	}
	var req exec.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Task == "" {
		writeBadRequest(w, "task is required")
		return
	}
	e, err := h.manager.Trigger(r.Context(), id, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "executionID")
	if !ok {
		return
	}
	e, err := h.manager.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "executionID")
	if !ok {
		return
	}
	if err := h.manager.Cancel(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listTeamExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "teamID")
	if !ok {
		return
	}
	f := parseExecutionFilter(r)
	f.TeamID = &id
	out, err := h.manager.List(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	f := parseExecutionFilter(r)
	if v := r.URL.Query().Get("team_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeBadRequest(w, "invalid team_id")
			return
		}
		f.TeamID = &id
	}
	out, err := h.manager.List(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "executionID")
	if !ok {
		return
	}
	if _, err := h.manager.Get(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	q := r.URL.Query()
	f := store.LogFilter{
		EventType:     q.Get("event_type"),
		NodeID:        q.Get("node_id"),
		SinceSequence: queryInt64(q.Get("since_sequence")),
		Limit:         int(queryInt64(q.Get("limit"))),
		Offset:        int(queryInt64(q.Get("offset"))),
	}
	events, err := h.logs.QueryEvents(r.Context(), id.String(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func validateTeamMeta(t *exec.Team) string {
	if len(t.Name) == 0 || len(t.Name) > 200 {
		return "name must be 1-200 characters"
	}
	if t.TimeoutSeconds < 1 || t.TimeoutSeconds > 1800 {
		return "timeout_seconds must be between 1 and 1800"
	}
	if t.MaxIterations < 1 || t.MaxIterations > 200 {
		return "max_iterations must be between 1 and 200"
	}
	return ""
}

func parseExecutionFilter(r *http.Request) exec.Filter {
	q := r.URL.Query()
	f := exec.Filter{
		Limit:  int(queryInt64(q.Get("limit"))),
		Offset: int(queryInt64(q.Get("offset"))),
	}
	if v := q.Get("status"); v != "" {
		st := exec.Status(v)
		f.Status = &st
	}
	if ts := queryTime(q.Get("started_after")); ts != nil {
		f.StartedAfter = ts
	}
	if ts := queryTime(q.Get("started_before")); ts != nil {
		f.StartedBefore = ts
	}
	return f
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeBadRequest(w, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func queryTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &ts
}
