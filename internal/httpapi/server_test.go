package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canopy/internal/automode"
	"canopy/internal/devserver"
	"canopy/internal/events"
	"canopy/internal/orchestrator"
	"canopy/internal/reconcile"
	"canopy/internal/worktree"
)

type fakeService struct {
	err     error
	created []orchestrator.CreateRequest
	deleted []orchestrator.DeleteRequest
}

func (f *fakeService) Create(_ context.Context, req orchestrator.CreateRequest) (orchestrator.CreateResponse, error) {
	if err := req.Validate(); err != nil {
		return orchestrator.CreateResponse{}, err
	}
	if f.err != nil {
		return orchestrator.CreateResponse{}, f.err
	}
	f.created = append(f.created, req)
	return orchestrator.CreateResponse{WorktreePath: req.ProjectPath + "/.worktrees/x", Branch: req.BranchName}, nil
}

func (f *fakeService) Delete(_ context.Context, req orchestrator.DeleteRequest) (orchestrator.DeleteResponse, error) {
	if f.err != nil {
		return orchestrator.DeleteResponse{}, f.err
	}
	f.deleted = append(f.deleted, req)
	return orchestrator.DeleteResponse{WorktreePath: req.WorktreePath}, nil
}

func (f *fakeService) List(_ context.Context, req orchestrator.ListRequest) (orchestrator.ListResponse, error) {
	return orchestrator.ListResponse{ProjectPath: req.ProjectPath, Worktrees: []orchestrator.WorktreeInfo{
		{Path: req.ProjectPath, Branch: "main", IsMain: true, Selected: true},
	}}, f.err
}

func (f *fakeService) Select(_ context.Context, req orchestrator.SelectRequest) (orchestrator.WorktreeInfo, error) {
	return orchestrator.WorktreeInfo{Path: req.WorktreePath, Selected: true}, f.err
}

func (f *fakeService) Selected(_ context.Context, projectPath string) (orchestrator.WorktreeInfo, error) {
	return orchestrator.WorktreeInfo{Path: projectPath, IsMain: true, Selected: true}, f.err
}

func (f *fakeService) SwitchBranch(_ context.Context, req orchestrator.SwitchBranchRequest) (orchestrator.SwitchBranchResponse, error) {
	return orchestrator.SwitchBranchResponse{PreviousBranch: "a", CurrentBranch: req.TargetBranch}, f.err
}

func (f *fakeService) DevServerStart(_ context.Context, req orchestrator.DevServerRequest) (devserver.Info, error) {
	return devserver.Info{Path: req.WorktreePath, Status: devserver.StatusStarting}, f.err
}

func (f *fakeService) DevServerStop(_ context.Context, req orchestrator.DevServerRequest) (devserver.Info, error) {
	return devserver.Info{Path: req.WorktreePath, Status: devserver.StatusStopped}, f.err
}

func (f *fakeService) DevServerStatus(context.Context, orchestrator.DevServerRequest) (orchestrator.DevServerStatusResponse, error) {
	return orchestrator.DevServerStatusResponse{}, f.err
}

func (f *fakeService) DevServerLogs(context.Context, orchestrator.DevServerLogsRequest) (orchestrator.DevServerLogsResponse, error) {
	return orchestrator.DevServerLogsResponse{Lines: []string{"one", "two"}}, f.err
}

func (f *fakeService) AutoModeStart(_ context.Context, req orchestrator.AutoModeRequest) (automode.Info, error) {
	return automode.Info{Project: req.ProjectPath, Branch: req.Branch, Running: true}, f.err
}

func (f *fakeService) AutoModeStop(_ context.Context, req orchestrator.AutoModeRequest) (automode.Info, error) {
	return automode.Info{Project: req.ProjectPath, Branch: req.Branch}, f.err
}

func (f *fakeService) AutoModeStatus(_ context.Context, req orchestrator.AutoModeRequest) (automode.Info, error) {
	return automode.Info{Project: req.ProjectPath, Branch: req.Branch}, f.err
}

func (f *fakeService) GetInitScript(_ context.Context, req orchestrator.InitScriptRequest) (orchestrator.InitScriptInfo, error) {
	return orchestrator.InitScriptInfo{Exists: true, Path: req.ProjectPath + "/.canopy/worktree-init.sh"}, f.err
}

func (f *fakeService) RunInitScript(context.Context, orchestrator.RunInitScriptRequest) (orchestrator.RunInitScriptResponse, error) {
	return orchestrator.RunInitScriptResponse{RunID: "run-1"}, f.err
}

func (f *fakeService) Refresh(context.Context, string) (reconcile.Result, error) {
	return reconcile.Result{
		Committed: true,
		Removed:   []worktree.Worktree{{Path: "/repo/.worktrees/gone", Branch: "gone"}},
	}, f.err
}

func newServer(t *testing.T, svc Service, bus Subscriber) *Server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return New(Options{Service: svc, Events: bus, Log: logger, Version: "test"})
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := newServer(t, &fakeService{}, nil)
	rec := do(t, s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, healthResponse{Status: "ok", Version: "test"}, decode[healthResponse](t, rec))
}

func TestCreate(t *testing.T) {
	svc := &fakeService{}
	s := newServer(t, svc, nil)

	rec := do(t, s, http.MethodPost, "/api/worktree/create", `{"projectPath":"/repo","branchName":"feature/x"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[orchestrator.CreateResponse](t, rec)
	assert.Equal(t, "feature/x", resp.Branch)
	require.Len(t, svc.created, 1)
	assert.Equal(t, "/repo", svc.created[0].ProjectPath)
}

func TestCreateValidation(t *testing.T) {
	s := newServer(t, &fakeService{}, nil)
	rec := do(t, s, http.MethodPost, "/api/worktree/create", `{"projectPath":"repo","branchName":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID", decode[errorResponse](t, rec).Code)
}

func TestBadBody(t *testing.T) {
	s := newServer(t, &fakeService{}, nil)

	rec := do(t, s, http.MethodPost, "/api/worktree/delete", `{"projectPath":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/worktree/delete", `{"unknownField":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := `{"projectPath":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
	rec = do(t, s, http.MethodPost, "/api/worktree/delete", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestServiceErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{worktree.E(worktree.KindAlreadyExists, "create x", ""), http.StatusConflict, "ALREADY_EXISTS"},
		{worktree.E(worktree.KindNotFound, "delete x", ""), http.StatusNotFound, "NOT_FOUND"},
		{worktree.E(worktree.KindCannotDeleteMain, "delete x", ""), http.StatusUnprocessableEntity, "CANNOT_DELETE_MAIN"},
		{worktree.E(worktree.KindInUse, "delete x", "dirty"), http.StatusConflict, "IN_USE"},
		{worktree.E(worktree.KindProcess, "start", ""), http.StatusInternalServerError, "PROCESS_ERROR"},
		{context.DeadlineExceeded, http.StatusInternalServerError, "BACKEND_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			s := newServer(t, &fakeService{err: tc.err}, nil)
			rec := do(t, s, http.MethodPost, "/api/worktree/delete", `{"projectPath":"/repo","worktreePath":"/repo/x"}`)
			require.Equal(t, tc.status, rec.Code)
			body := decode[errorResponse](t, rec)
			assert.Equal(t, tc.code, body.Code)
			assert.Equal(t, tc.err.Error(), body.Error)
		})
	}
}

func TestSelectedRequiresProject(t *testing.T) {
	s := newServer(t, &fakeService{}, nil)
	rec := do(t, s, http.MethodGet, "/api/worktree/selected", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/worktree/selected?projectPath=/repo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/repo", decode[orchestrator.WorktreeInfo](t, rec).Path)
}

func TestRefresh(t *testing.T) {
	s := newServer(t, &fakeService{}, nil)
	rec := do(t, s, http.MethodPost, "/api/worktree/refresh", `{"projectPath":"/repo"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[refreshResponse](t, rec)
	assert.True(t, resp.Committed)
	assert.Equal(t, []string{"/repo/.worktrees/gone"}, resp.Removed)
	assert.Empty(t, resp.Added)
}

func TestAutoModeNullBranch(t *testing.T) {
	s := newServer(t, &fakeService{}, nil)
	rec := do(t, s, http.MethodPost, "/api/auto-mode/start", `{"projectPath":"/repo","branchName":null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"projectPath":"/repo","branch":null,"running":true,"startedAt":"0001-01-01T00:00:00Z"}`, rec.Body.String())
}

func TestDevServerLogs(t *testing.T) {
	s := newServer(t, &fakeService{}, nil)
	rec := do(t, s, http.MethodPost, "/api/dev-server/logs", `{"worktreePath":"/repo/x","limit":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"one", "two"}, decode[orchestrator.DevServerLogsResponse](t, rec).Lines)
}

func TestEventsStream(t *testing.T) {
	logger, _ := test.NewNullLogger()
	bus := events.NewBus(logger)
	s := newServer(t, &fakeService{}, bus)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events?projectPath=/repo"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Publish until the subscription is registered server side.
	got := make(chan events.Event, 1)
	go func() {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-got:
			assert.Equal(t, events.WorktreeCreated, ev.Type)
			assert.Equal(t, "/repo", ev.Project)
			return
		case <-tick.C:
			bus.Publish(events.Event{Type: events.WorktreeCreated, Project: "/other"})
			bus.Publish(events.Event{Type: events.WorktreeCreated, Project: "/repo", Path: "/repo/.worktrees/a"})
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestEventsUnavailable(t *testing.T) {
	s := newServer(t, &fakeService{}, nil)
	rec := do(t, s, http.MethodGet, "/api/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(worktree.KindBranchInUse))
	assert.Equal(t, http.StatusConflict, statusFor(worktree.KindAlreadyRunning))
	assert.Equal(t, http.StatusBadRequest, statusFor(worktree.KindInvalid))
	assert.Equal(t, http.StatusInternalServerError, statusFor(worktree.KindBackend))
}
