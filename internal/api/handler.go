// Package api exposes the scheduler and dispatcher RPC surface over HTTP.
// The project identity comes from the request's API key; handlers route to
// the cell registry owning that project.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
	"github.com/devtari-io/cronback/internal/registry"
	"github.com/devtari-io/cronback/internal/store/postgres"
)

// maxRequestBodySize bounds request bodies (payload cap plus envelope).
const maxRequestBodySize = 2 << 20

// Registries routes a project to the cell registry that owns it.
type Registries interface {
	ForProject(project ids.ProjectId) (*registry.Registry, error)
}

// RunStore serves the read side of the dispatcher surface.
type RunStore interface {
	GetRun(ctx context.Context, project ids.ProjectId, id ids.RunId) (*domain.Run, error)
	ListRuns(ctx context.Context, trigger ids.TriggerId, cursor string, limit int) ([]*domain.Run, error)
	ListAttempts(ctx context.Context, run ids.RunId) ([]*domain.Attempt, error)
}

// HealthChecker reports database liveness for /health.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// ProjectProvisioner creates projects and their API keys. Implemented by
// the authenticator plus store; admin surface only.
type ProjectProvisioner interface {
	CreateProject(ctx context.Context, id ids.ProjectId, now time.Time) error
	CreateKey(ctx context.Context, project ids.ProjectId, name string) (string, *postgres.APIKey, error)
}

type Handler struct {
	registries Registries
	runs       RunStore
	verifier   TokenVerifier
	projects   ProjectProvisioner
	db         HealthChecker
	clock      func() time.Time
}

func NewHandler(registries Registries, runs RunStore, verifier TokenVerifier) *Handler {
	return &Handler{
		registries: registries,
		runs:       runs,
		verifier:   verifier,
		clock:      time.Now,
	}
}

// WithProvisioner enables the admin project-creation endpoint.
func (h *Handler) WithProvisioner(p ProjectProvisioner) *Handler {
	h.projects = p
	return h
}

// WithHealthChecker enables verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithClock overrides the wall clock, for tests.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

// Router assembles the chi route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireAuth(h.verifier))

		r.Route("/triggers", func(r chi.Router) {
			r.Post("/", h.upsertTrigger)
			r.Get("/", h.listTriggers)
			r.Delete("/", h.deleteProjectTriggers)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", h.getTrigger)
				r.Get("/id", h.getTriggerId)
				r.Delete("/", h.deleteTrigger)
				r.Post("/run", h.runTrigger)
				r.Post("/pause", h.pauseTrigger)
				r.Post("/resume", h.resumeTrigger)
				r.Post("/cancel", h.cancelTrigger)
				r.Get("/runs", h.listRuns)
			})
		})

		r.Get("/runs/{id}", h.getRun)
		r.Get("/runs/{id}/attempts", h.listAttempts)

		r.Post("/admin/projects", h.createProject)
	})
	return r
}

func (h *Handler) registryFor(w http.ResponseWriter, r *http.Request) (*registry.Registry, ids.ProjectId, bool) {
	project, ok := ProjectFrom(r.Context())
	if !ok {
		writeError(w, domain.NewError(domain.ErrValidation, "request has no project context"))
		return nil, "", false
	}
	reg, err := h.registries.ForProject(project)
	if err != nil {
		writeError(w, err)
		return nil, "", false
	}
	return reg, project, true
}

func (h *Handler) upsertTrigger(w http.ResponseWriter, r *http.Request) {
	reg, project, ok := h.registryFor(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req UpsertTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.WrapError(domain.ErrValidation, "invalid json", err))
		return
	}

	pre, err := preconditionFromHeaders(r.Header.Get("If-Match"), r.Header.Get("If-None-Match"))
	if err != nil {
		writeError(w, err)
		return
	}

	trigger, err := buildTrigger(project, &req, h.clock().UTC())
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := reg.Upsert(r.Context(), trigger, pre)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if res.Effect == domain.UpsertCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, renderUpsert(res))
}

func (h *Handler) getTrigger(w http.ResponseWriter, r *http.Request) {
	reg, project, ok := h.registryFor(w, r)
	if !ok {
		return
	}
	t, err := reg.Get(project, chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderTrigger(t))
}

func (h *Handler) getTriggerId(w http.ResponseWriter, r *http.Request) {
	reg, project, ok := h.registryFor(w, r)
	if !ok {
		return
	}
	id, err := reg.GetId(project, chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": string(id)})
}

func (h *Handler) listTriggers(w http.ResponseWriter, r *http.Request) {
	reg, project, ok := h.registryFor(w, r)
	if !ok {
		return
	}
	limit, cursor, err := parsePagination(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var filter registry.ListFilter
	for _, s := range r.URL.Query()["status"] {
		filter.Statuses = append(filter.Statuses, domain.TriggerStatus(s))
	}

	res := reg.List(project, filter, registry.Page{Cursor: cursor, Limit: limit})
	resp := ListTriggersResponse{
		Triggers:   make([]TriggerResponse, len(res.Triggers)),
		Pagination: PageInfo{HasMore: res.HasMore, NextCursor: res.NextCursor},
	}
	for i, t := range res.Triggers {
		resp.Triggers[i] = renderTrigger(t)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) runTrigger(w http.ResponseWriter, r *http.Request) {
	reg, project, ok := h.registryFor(w, r)
	if !ok {
		return
	}

	mode := domain.RunModeAsync
	if r.Body != nil {
		var req RunTriggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Mode != "" {
			if err := validate.Struct(&req); err != nil {
				writeError(w, domain.WrapError(domain.ErrValidation, "invalid mode", err))
				return
			}
			mode = domain.RunMode(req.Mode)
		}
	}

	run, err := reg.RunNow(r.Context(), project, chi.URLParam(r, "name"), mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderRun(run))
}

func (h *Handler) pauseTrigger(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*registry.Registry).Pause)
}

func (h *Handler) resumeTrigger(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*registry.Registry).Resume)
}

func (h *Handler) cancelTrigger(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*registry.Registry).Cancel)
}

func (h *Handler) transition(
	w http.ResponseWriter,
	r *http.Request,
	op func(*registry.Registry, context.Context, ids.ProjectId, string) (*domain.Trigger, error),
) {
	reg, project, ok := h.registryFor(w, r)
	if !ok {
		return
	}
	t, err := op(reg, r.Context(), project, chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderTrigger(t))
}

func (h *Handler) deleteTrigger(w http.ResponseWriter, r *http.Request) {
	reg, project, ok := h.registryFor(w, r)
	if !ok {
		return
	}
	if _, err := reg.Delete(r.Context(), project, chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteProjectTriggers(w http.ResponseWriter, r *http.Request) {
	reg, project, ok := h.registryFor(w, r)
	if !ok {
		return
	}
	if err := reg.DeleteProject(r.Context(), project); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	project, ok := ProjectFrom(r.Context())
	if !ok {
		writeError(w, domain.NewError(domain.ErrValidation, "request has no project context"))
		return
	}
	run, err := h.runs.GetRun(r.Context(), project, ids.RunId(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderRun(run))
}

func (h *Handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	project, ok := ProjectFrom(r.Context())
	if !ok {
		writeError(w, domain.NewError(domain.ErrValidation, "request has no project context"))
		return
	}
	id := ids.RunId(chi.URLParam(r, "id"))
	// Scope check: the run must belong to the caller's project.
	if _, err := h.runs.GetRun(r.Context(), project, id); err != nil {
		writeError(w, err)
		return
	}
	attempts, err := h.runs.ListAttempts(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := ListAttemptsResponse{Attempts: make([]AttemptResponse, len(attempts))}
	for i, a := range attempts {
		resp.Attempts[i] = renderAttempt(a)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	reg, project, ok := h.registryFor(w, r)
	if !ok {
		return
	}
	limit, cursor, err := parsePagination(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := reg.GetId(project, chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}

	runs, err := h.runs.ListRuns(r.Context(), id, cursor, limit+1)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := ListRunsResponse{Runs: []RunResponse{}}
	if len(runs) > limit {
		resp.Pagination.HasMore = true
		runs = runs[:limit]
		resp.Pagination.NextCursor = string(runs[len(runs)-1].ID)
	}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, renderRun(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

// createProject provisions a project and its first API key. Admin only;
// the key secret is returned exactly once.
func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	ident, ok := IdentityFrom(r.Context())
	if !ok || !ident.IsAdmin {
		writeJSON(w, http.StatusForbidden, ErrorResponse{
			Error: "admin credentials required",
			Kind:  string(domain.ErrNotFound),
		})
		return
	}
	if h.projects == nil {
		writeError(w, domain.NewError(domain.ErrInternal, "project provisioning is not wired"))
		return
	}

	var req CreateProjectRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	keyName := req.KeyName
	if keyName == "" {
		keyName = "default"
	}

	project := ids.NewProjectId()
	if err := h.projects.CreateProject(r.Context(), project, h.clock().UTC()); err != nil {
		writeError(w, err)
		return
	}
	token, key, err := h.projects.CreateKey(r.Context(), project, keyName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateProjectResponse{
		Project: string(project),
		APIKey:  token,
		KeyId:   string(key.ID),
	})
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{Status: "ok", Components: make(map[string]string)}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	status := http.StatusOK
	if resp.Status == "degraded" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func parsePagination(r *http.Request) (limit int, cursor string, err error) {
	limit = DefaultLimit
	cursor = r.URL.Query().Get("cursor")

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			return 0, "", domain.Errorf(domain.ErrValidation, "invalid limit %q", limitStr)
		}
		if limit > MaxLimit {
			return 0, "", domain.Errorf(domain.ErrValidation, "limit exceeds maximum of %d", MaxLimit)
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}
	return limit, cursor, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case domain.ErrValidation, domain.ErrUnsafeScheme:
		status = http.StatusBadRequest
	case domain.ErrPreconditionFailed:
		status = http.StatusPreconditionFailed
	case domain.ErrNotFound:
		status = http.StatusNotFound
	case domain.ErrInvalidStatus:
		status = http.StatusConflict
	case domain.ErrBackpressure:
		status = http.StatusTooManyRequests
	case domain.ErrDeadlineExceeded:
		status = http.StatusGatewayTimeout
	case domain.ErrStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Printf("api: internal error: %v", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: string(kind)})
}
