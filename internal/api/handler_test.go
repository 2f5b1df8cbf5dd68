package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtari-io/cronback/internal/auth"
	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
	"github.com/devtari-io/cronback/internal/registry"
	"github.com/devtari-io/cronback/internal/store/postgres"
)

// memStore is a minimal in-memory registry.Store for handler tests.
type memStore struct {
	mu       sync.Mutex
	triggers map[ids.TriggerId]*domain.Trigger
	byName   map[string]ids.TriggerId
	runs     map[ids.RunId]*domain.Run
	attempts map[ids.RunId][]*domain.Attempt
}

func newMemStore() *memStore {
	return &memStore{
		triggers: make(map[ids.TriggerId]*domain.Trigger),
		byName:   make(map[string]ids.TriggerId),
		runs:     make(map[ids.RunId]*domain.Run),
		attempts: make(map[ids.RunId][]*domain.Attempt),
	}
}

func (s *memStore) UpsertTrigger(ctx context.Context, t *domain.Trigger, pre domain.Precondition) (domain.UpsertEffect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(t.Project) + "|" + t.Name
	var existing *domain.Trigger
	if id, ok := s.byName[key]; ok {
		existing = s.triggers[id]
	}
	if existing != nil && existing.Status == domain.TriggerStatusCancelled {
		existing = nil
	}
	etag := ""
	if existing != nil {
		etag = existing.Etag()
	}
	if err := pre.Check(etag); err != nil {
		return "", err
	}
	if existing != nil {
		t.ID = existing.ID
		t.CreatedAt = existing.CreatedAt
		s.triggers[t.ID] = t.Clone()
		return domain.UpsertModified, nil
	}
	s.triggers[t.ID] = t.Clone()
	s.byName[key] = t.ID
	return domain.UpsertCreated, nil
}

func (s *memStore) LoadActiveTriggers(ctx context.Context) ([]*domain.Trigger, error) {
	return nil, nil
}

func (s *memStore) SetTriggerStatus(ctx context.Context, id ids.TriggerId, next domain.TriggerStatus) (domain.TriggerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return "", domain.NewError(domain.ErrNotFound, "trigger not found")
	}
	old := t.Status
	if !old.CanTransitionTo(next) {
		return "", domain.Errorf(domain.ErrInvalidStatus, "cannot transition from %s to %s", old, next)
	}
	t.Status = next
	return old, nil
}

func (s *memStore) UpdateTriggerCursor(ctx context.Context, id ids.TriggerId, lastRanAt time.Time, sched *domain.Schedule) error {
	return nil
}

func (s *memStore) DeleteTrigger(ctx context.Context, id ids.TriggerId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return domain.NewError(domain.ErrNotFound, "trigger not found")
	}
	delete(s.triggers, id)
	delete(s.byName, string(t.Project)+"|"+t.Name)
	return nil
}

func (s *memStore) RecordRun(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *memStore) DeleteProject(ctx context.Context, project ids.ProjectId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.triggers {
		if t.Project == project {
			delete(s.triggers, id)
			delete(s.byName, string(t.Project)+"|"+t.Name)
		}
	}
	return nil
}

func (s *memStore) GetRun(ctx context.Context, project ids.ProjectId, id ids.RunId) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Project != project {
		return nil, domain.NewError(domain.ErrNotFound, "run not found")
	}
	return run, nil
}

func (s *memStore) ListRuns(ctx context.Context, trigger ids.TriggerId, cursor string, limit int) ([]*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Run
	for _, run := range s.runs {
		if run.TriggerId == trigger && string(run.ID) > cursor {
			out = append(out, run)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListAttempts(ctx context.Context, run ids.RunId) ([]*domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[run], nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(id ids.TriggerId, fireAt time.Time, gen uint64) {}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(ctx context.Context, run *domain.Run) error { return nil }

func (nopDispatcher) DispatchSync(ctx context.Context, run *domain.Run) (*domain.Run, error) {
	run.Status = domain.RunStatusSucceeded
	return run, nil
}

// singleRegistry serves every project from one registry.
type singleRegistry struct{ reg *registry.Registry }

func (s singleRegistry) ForProject(project ids.ProjectId) (*registry.Registry, error) {
	return s.reg, nil
}

// staticVerifier maps fixed tokens to identities.
type staticVerifier struct {
	tokens map[string]*auth.Identity
}

func (v *staticVerifier) Verify(ctx context.Context, token string) (*auth.Identity, error) {
	ident, ok := v.tokens[token]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "api key not recognized")
	}
	return ident, nil
}

type testAPI struct {
	srv     *httptest.Server
	project ids.ProjectId
	token   string
	store   *memStore
}

// fakeProvisioner records provisioned projects.
type fakeProvisioner struct {
	mu       sync.Mutex
	projects []ids.ProjectId
}

func (p *fakeProvisioner) CreateProject(ctx context.Context, id ids.ProjectId, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.projects = append(p.projects, id)
	return nil
}

func (p *fakeProvisioner) CreateKey(ctx context.Context, project ids.ProjectId, name string) (string, *postgres.APIKey, error) {
	key := &postgres.APIKey{ID: ids.NewAPIKeyId(project), Project: project, Name: name}
	return string(key.ID) + ".secret", key, nil
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := newMemStore()
	project := ids.NewProjectId()
	reg := registry.New(registry.Config{Cell: 0, Mapping: ids.CellMapping{NumCells: 1}}, store, nopPublisher{}, nopDispatcher{})

	verifier := &staticVerifier{tokens: map[string]*auth.Identity{
		"good-token":  {Project: project},
		"admin-token": {IsAdmin: true},
	}}
	h := NewHandler(singleRegistry{reg: reg}, store, verifier).WithProvisioner(&fakeProvisioner{})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, project: project, token: "good-token", store: store}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+a.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func validUpsert(name string) UpsertTriggerRequest {
	return UpsertTriggerRequest{
		Name: name,
		Action: ActionRequest{Webhook: &WebhookRequest{
			URL:      "https://example.com/hook",
			TimeoutS: 5,
		}},
		Schedule: &ScheduleRequest{Recurring: &RecurringRequest{
			Cron: "0 */5 * * * *",
		}},
	}
}

func TestAPI_UpsertAndGet(t *testing.T) {
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/v1/triggers", validUpsert("hourly"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[TriggerResponse](t, resp)
	assert.Equal(t, "created", created.Effect)
	assert.Equal(t, "scheduled", created.Status)
	assert.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.Etag)
	assert.NotEmpty(t, created.FutureRuns)
	assert.Equal(t, "POST", created.Action.Webhook.HTTPMethod)

	resp = a.do(t, http.MethodGet, "/v1/triggers/hourly", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[TriggerResponse](t, resp)
	assert.Equal(t, created.ID, got.ID)

	resp = a.do(t, http.MethodGet, "/v1/triggers/hourly/id", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	idBody := decode[map[string]string](t, resp)
	assert.Equal(t, created.ID, idBody["id"])
}

func TestAPI_UpsertPreconditions(t *testing.T) {
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/v1/triggers", validUpsert("x"), map[string]string{"If-None-Match": "*"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = a.do(t, http.MethodPost, "/v1/triggers", validUpsert("x"), map[string]string{"If-None-Match": "*"})
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	errBody := decode[ErrorResponse](t, resp)
	assert.Equal(t, string(domain.ErrPreconditionFailed), errBody.Kind)

	resp = a.do(t, http.MethodPost, "/v1/triggers", validUpsert("y"), map[string]string{"If-Match": "*"})
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_UpsertValidation(t *testing.T) {
	a := newTestAPI(t)

	bad := validUpsert("bad")
	bad.Schedule.Recurring.Cron = "not a cron"
	resp := a.do(t, http.MethodPost, "/v1/triggers", bad, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errBody := decode[ErrorResponse](t, resp)
	assert.Equal(t, string(domain.ErrValidation), errBody.Kind)

	noName := validUpsert("")
	resp = a.do(t, http.MethodPost, "/v1/triggers", noName, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	schemeless := validUpsert("s")
	schemeless.Action.Webhook.URL = "gopher://example.com"
	resp = a.do(t, http.MethodPost, "/v1/triggers", schemeless, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_RunAtWithDurations(t *testing.T) {
	a := newTestAPI(t)

	req := validUpsert("later")
	req.Schedule = &ScheduleRequest{RunAt: &RunAtRequest{
		Timepoints: []string{"PT10M", "2030-01-01T00:00:00Z"},
	}}
	resp := a.do(t, http.MethodPost, "/v1/triggers", req, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[TriggerResponse](t, resp)
	require.NotNil(t, created.Schedule.RunAt)
	assert.Len(t, created.Schedule.RunAt.Timepoints, 2)
}

func TestAPI_Lifecycle(t *testing.T) {
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/v1/triggers", validUpsert("lc"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = a.do(t, http.MethodPost, "/v1/triggers/lc/pause", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	paused := decode[TriggerResponse](t, resp)
	assert.Equal(t, "paused", paused.Status)

	resp = a.do(t, http.MethodPost, "/v1/triggers/lc/resume", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = a.do(t, http.MethodPost, "/v1/triggers/lc/cancel", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Cancelled triggers leave the registry.
	resp = a.do(t, http.MethodGet, "/v1/triggers/lc", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_InvalidTransitionConflict(t *testing.T) {
	a := newTestAPI(t)

	req := validUpsert("od")
	req.Schedule = nil
	resp := a.do(t, http.MethodPost, "/v1/triggers", req, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = a.do(t, http.MethodPost, "/v1/triggers/od/pause", nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	errBody := decode[ErrorResponse](t, resp)
	assert.Equal(t, string(domain.ErrInvalidStatus), errBody.Kind)
}

func TestAPI_RunNowAndGetRun(t *testing.T) {
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/v1/triggers", validUpsert("rn"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = a.do(t, http.MethodPost, "/v1/triggers/rn/run", RunTriggerRequest{Mode: "sync"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run := decode[RunResponse](t, resp)
	assert.Equal(t, "succeeded", run.Status)

	resp = a.do(t, http.MethodGet, "/v1/runs/"+run.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fetched := decode[RunResponse](t, resp)
	assert.Equal(t, run.ID, fetched.ID)
}

func TestAPI_ListAttempts(t *testing.T) {
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/v1/triggers", validUpsert("att"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = a.do(t, http.MethodPost, "/v1/triggers/att/run", nil, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run := decode[RunResponse](t, resp)

	code := 500
	a.store.mu.Lock()
	a.store.attempts[ids.RunId(run.ID)] = []*domain.Attempt{{
		ID:         ids.NewAttemptId(a.project),
		RunId:      ids.RunId(run.ID),
		AttemptNum: 1,
		Status:     domain.AttemptStatusFailed,
		CreatedAt:  time.Now().UTC(),
		Details:    domain.WebhookAttemptDetails{ResponseCode: &code},
	}}
	a.store.mu.Unlock()

	resp = a.do(t, http.MethodGet, "/v1/runs/"+run.ID+"/attempts", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	attempts := decode[ListAttemptsResponse](t, resp)
	require.Len(t, attempts.Attempts, 1)
	assert.Equal(t, 1, attempts.Attempts[0].AttemptNum)
	require.NotNil(t, attempts.Attempts[0].ResponseCode)
	assert.Equal(t, 500, *attempts.Attempts[0].ResponseCode)
}

func TestAPI_ListPagination(t *testing.T) {
	a := newTestAPI(t)

	for i := 0; i < 5; i++ {
		resp := a.do(t, http.MethodPost, "/v1/triggers", validUpsert(fmt.Sprintf("t%d", i)), nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp := a.do(t, http.MethodGet, "/v1/triggers?limit=3", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page1 := decode[ListTriggersResponse](t, resp)
	require.Len(t, page1.Triggers, 3)
	require.True(t, page1.Pagination.HasMore)

	resp = a.do(t, http.MethodGet, "/v1/triggers?cursor="+page1.Pagination.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page2 := decode[ListTriggersResponse](t, resp)
	assert.Len(t, page2.Triggers, 2)
	assert.False(t, page2.Pagination.HasMore)
}

func TestAPI_AuthRequired(t *testing.T) {
	a := newTestAPI(t)

	req, err := http.NewRequest(http.MethodGet, a.srv.URL+"/v1/triggers", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	a.token = "wrong"
	resp2 := a.do(t, http.MethodGet, "/v1/triggers", nil, nil)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestAPI_AdminCreateProject(t *testing.T) {
	a := newTestAPI(t)

	// Non-admin callers are refused.
	resp := a.do(t, http.MethodPost, "/v1/admin/projects", CreateProjectRequest{}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	a.token = "admin-token"
	resp = a.do(t, http.MethodPost, "/v1/admin/projects", CreateProjectRequest{KeyName: "ci"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[CreateProjectResponse](t, resp)
	assert.True(t, strings.HasPrefix(created.Project, "prj_"))
	assert.True(t, strings.HasPrefix(created.APIKey, "sk_"))
	assert.NotEmpty(t, created.KeyId)
}

func TestAPI_HealthNeedsNoAuth(t *testing.T) {
	a := newTestAPI(t)
	resp, err := http.Get(a.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
