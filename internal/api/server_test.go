package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"appforge/internal/agent"
	"appforge/internal/agent/offline"
	"appforge/internal/auth"
	"appforge/internal/config"
	"appforge/internal/models"
	"appforge/internal/packaging"
	"appforge/internal/pipeline"
	"appforge/internal/progress"
	"appforge/internal/ratelimit"
	"appforge/internal/registry"
	"appforge/internal/store"
)

type fakeBuilder struct {
	mu        sync.Mutex
	started   []models.BuildJob
	cancelled []string
}

func (f *fakeBuilder) Start(job models.BuildJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, job)
}

func (f *fakeBuilder) Cancel(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return true
}

func (f *fakeBuilder) calls() (started []models.BuildJob, cancelled []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.BuildJob(nil), f.started...), append([]string(nil), f.cancelled...)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}, nil
}

type rateLimitedResearcher struct{}

func (rateLimitedResearcher) Research(context.Context, models.BuildRequest) (agent.ResearchResult, error) {
	return agent.ResearchResult{}, errors.New("rate limited")
}

type testEnv struct {
	srv     *httptest.Server
	reg     *registry.Registry
	store   store.Store
	builder *fakeBuilder
	pipe    *pipeline.Pipeline
}

func testConfig() config.Config {
	return config.Config{Env: "test", PublicURL: "http://appforge.test", AllowedOrigins: []string{"http://localhost:5173"}}
}

func openStore(t *testing.T, credits int) store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"), credits)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newFakeEnv serves the API with a builder that records calls but never runs anything.
func newFakeEnv(t *testing.T, credits int, limiter Limiter) *testEnv {
	t.Helper()
	env := &testEnv{reg: registry.New(), store: openStore(t, credits), builder: &fakeBuilder{}}
	d := Deps{Registry: env.reg, Store: env.store, Builds: env.builder, Auth: auth.New("")}
	if limiter != nil {
		d.Limiter = limiter
	}
	env.srv = httptest.NewServer(New(testConfig(), d).Router())
	t.Cleanup(env.srv.Close)
	return env
}

// newPipelineEnv serves the API backed by a real pipeline and packager.
func newPipelineEnv(t *testing.T, agents agent.Agents) *testEnv {
	t.Helper()
	env := &testEnv{reg: registry.New(), store: openStore(t, 5)}
	rep := progress.New(env.reg, env.store, nil, nil)
	env.pipe = pipeline.New(env.reg, rep, agents, packaging.New(t.TempDir(), nil))
	srv := New(testConfig(), Deps{Registry: env.reg, Store: env.store, Builds: env.pipe, Auth: auth.New("")})
	env.srv = httptest.NewServer(srv.Router())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set(auth.HeaderUserID, user)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func validBuild() map[string]any {
	return map[string]any{
		"name":        "Habit Hub",
		"description": "a habit tracker for distributed remote teams",
		"features":    []string{"habits", "streaks"},
	}
}

func TestHealthz(t *testing.T) {
	env := newFakeEnv(t, 1, nil)
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
}

func TestRequiresIdentity(t *testing.T) {
	env := newFakeEnv(t, 1, nil)
	resp := env.do(t, http.MethodPost, "/build", "", validBuild())
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCreateBuildValidation(t *testing.T) {
	env := newFakeEnv(t, 2, nil)
	cases := map[string]map[string]any{
		"short description": {"name": "Demo", "description": strings.Repeat("x", 19)},
		"padded short":      {"name": "Demo", "description": "   " + strings.Repeat("x", 19) + "   "},
		"long name":         {"name": strings.Repeat("n", 101), "description": strings.Repeat("x", 40)},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/build", "u1", body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			if msg := decode(t, resp)["error"]; msg == "" || msg == nil {
				t.Fatal("expected an error message")
			}
		})
	}
	if env.reg.Len() != 0 {
		t.Fatalf("no build should be registered, found %d", env.reg.Len())
	}
	if credits, _ := env.store.Credits(context.Background(), "u1"); credits != 2 {
		t.Fatalf("credits = %d, validation failures must not debit", credits)
	}
	if started, _ := env.builder.calls(); len(started) != 0 {
		t.Fatal("no build should start")
	}
}

func TestCreateBuildAccepted(t *testing.T) {
	env := newFakeEnv(t, 2, nil)
	resp := env.do(t, http.MethodPost, "/build", "u1", validBuild())
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	body := decode(t, resp)
	id, _ := body["build_id"].(string)
	if id == "" || body["project_id"] == "" {
		t.Fatalf("missing ids: %v", body)
	}
	if body["progress_url"] != "http://appforge.test/build/"+id || body["live_preview_url"] != "http://appforge.test/preview/"+id {
		t.Fatalf("unexpected urls: %v", body)
	}

	job, ok := env.reg.Get(id)
	if !ok || job.Status != models.StatusBuilding || job.OwnerUserID != "u1" {
		t.Fatalf("registry entry: ok=%v %+v", ok, job)
	}
	if started, _ := env.builder.calls(); len(started) != 1 || started[0].BuildID != id {
		t.Fatal("pipeline should be started for the new build")
	}
	if credits, _ := env.store.Credits(context.Background(), "u1"); credits != 1 {
		t.Fatalf("credits = %d, want 1", credits)
	}
	project, err := env.store.GetProject(context.Background(), job.ProjectID)
	if err != nil || project.OwnerUserID != "u1" || project.Name != "Habit Hub" {
		t.Fatalf("project: %+v err=%v", project, err)
	}
}

func TestCreateBuildDefaultsName(t *testing.T) {
	env := newFakeEnv(t, 1, nil)
	body := validBuild()
	body["name"] = "  "
	resp := env.do(t, http.MethodPost, "/build", "u1", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	job, ok := env.reg.Get(decode(t, resp)["build_id"].(string))
	if !ok || job.ProjectName != "a habit tracker for distributed remote" {
		t.Fatalf("project name = %q", job.ProjectName)
	}
}

func TestCreateBuildInsufficientCredits(t *testing.T) {
	env := newFakeEnv(t, 0, nil)
	resp := env.do(t, http.MethodPost, "/build", "u1", validBuild())
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	if env.reg.Len() != 0 {
		t.Fatal("no build should be registered without credits")
	}
}

func TestCreateBuildRateLimited(t *testing.T) {
	env := newFakeEnv(t, 5, denyLimiter{})
	resp := env.do(t, http.MethodPost, "/build", "u1", validBuild())
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "2" {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
	if credits, _ := env.store.Credits(context.Background(), "u1"); credits != 5 {
		t.Fatal("rate-limited requests must not debit")
	}
}

func TestCreateBuildForeignProject(t *testing.T) {
	env := newFakeEnv(t, 5, nil)
	p, err := env.store.CreateProject(context.Background(), models.Project{OwnerUserID: "u2", Name: "theirs"})
	if err != nil {
		t.Fatal(err)
	}
	body := validBuild()
	body["project_id"] = p.ID
	if resp := env.do(t, http.MethodPost, "/build", "u1", body); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	body["project_id"] = "nope"
	if resp := env.do(t, http.MethodPost, "/build", "u1", body); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func seedJob(env *testEnv, id, owner string, mutate func(*models.BuildJob)) {
	env.reg.Create(models.BuildJob{BuildID: id, OwnerUserID: owner, ProjectName: "Demo", StartedAt: time.Now().Add(-time.Minute)})
	if mutate != nil {
		env.reg.Update(id, mutate)
	}
}

func TestGetBuildOwnership(t *testing.T) {
	env := newFakeEnv(t, 1, nil)
	seedJob(env, "b1", "u1", nil)

	if resp := env.do(t, http.MethodGet, "/build/b1", "u2", nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign: %d", resp.StatusCode)
	}
	resp := env.do(t, http.MethodGet, "/build/missing", "u1", nil)
	if resp.StatusCode != http.StatusNotFound || decode(t, resp)["error"] != errBuildNotFound {
		t.Fatalf("missing: %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/build/b1", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner: %d", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["status"] != "building" || body["display_progress"] == nil || body["elapsed_seconds"].(float64) < 59 {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestGetBuildTrimsLogsAndHidesStack(t *testing.T) {
	env := newFakeEnv(t, 1, nil)
	seedJob(env, "b1", "u1", func(job *models.BuildJob) {
		for i := 0; i < 45; i++ {
			job.Logs = append(job.Logs, models.LogEntry{Progress: i, Message: "step"})
		}
		job.Status = models.StatusFailed
		job.Error = "rate limited"
		job.ErrorStack = "goroutine 1"
		job.Files = map[string]string{"frontend/App.js": "console.log(1)", "backend/server.js": "listen()"}
	})

	body := decode(t, env.do(t, http.MethodGet, "/build/b1", "u1", nil))
	files := body["files"].(map[string]any)
	if len(files) != 2 || files["frontend/App.js"] != "console.log(1)" || body["file_count"].(float64) != 2 {
		t.Fatalf("file map: %v count=%v", files, body["file_count"])
	}
	if paths := body["file_paths"].([]any); len(paths) != 2 || paths[0] != "backend/server.js" {
		t.Fatalf("file paths: %v", paths)
	}
	logs := body["logs"].([]any)
	if len(logs) != recentLogs {
		t.Fatalf("logs = %d, want %d", len(logs), recentLogs)
	}
	if last := logs[len(logs)-1].(map[string]any)["progress"].(float64); last != 44 {
		t.Fatalf("newest log should be last, got %v", last)
	}
	if body["can_retry"] != true || body["stack"] != "goroutine 1" {
		t.Fatalf("failed build fields: %v", body)
	}

	cfg := testConfig()
	cfg.Env = "production"
	prod := httptest.NewServer(New(cfg, Deps{Registry: env.reg, Store: env.store, Builds: env.builder, Auth: auth.New("")}).Router())
	defer prod.Close()
	req, _ := http.NewRequest(http.MethodGet, prod.URL+"/build/b1", nil)
	req.Header.Set(auth.HeaderUserID, "u1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if _, ok := decode(t, resp)["stack"]; ok {
		t.Fatal("stack must be hidden in production")
	}
}

func TestBuildLogsPagination(t *testing.T) {
	env := newFakeEnv(t, 1, nil)
	seedJob(env, "b1", "u1", func(job *models.BuildJob) {
		for i := 0; i < 30; i++ {
			job.Logs = append(job.Logs, models.LogEntry{Progress: i})
		}
	})

	body := decode(t, env.do(t, http.MethodGet, "/build/b1/logs?limit=10&offset=25", "u1", nil))
	logs := body["logs"].([]any)
	if body["total"].(float64) != 30 || len(logs) != 5 {
		t.Fatalf("page: total=%v len=%d", body["total"], len(logs))
	}
	if first := logs[0].(map[string]any)["progress"].(float64); first != 25 {
		t.Fatalf("first = %v, want 25", first)
	}
	body = decode(t, env.do(t, http.MethodGet, "/build/b1/logs?limit=500", "u1", nil))
	if body["limit"].(float64) != maxLogPage {
		t.Fatalf("limit not clamped: %v", body["limit"])
	}
	if resp := env.do(t, http.MethodGet, "/build/b1/logs?offset=-1", "u1", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative offset: %d", resp.StatusCode)
	}
}

func TestCancelBuild(t *testing.T) {
	env := newFakeEnv(t, 1, nil)
	seedJob(env, "running", "u1", nil)
	seedJob(env, "done", "u1", func(job *models.BuildJob) { job.Status = models.StatusCompleted })

	if resp := env.do(t, http.MethodDelete, "/build/running", "u2", nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign cancel: %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodDelete, "/build/done", "u1", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("completed cancel: %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodDelete, "/build/running", "u1", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d", resp.StatusCode)
	}
	if _, ok := env.reg.Get("running"); ok {
		t.Fatal("cancelled build should be removed")
	}
	if _, cancelled := env.builder.calls(); len(cancelled) != 1 || cancelled[0] != "running" {
		t.Fatalf("builder cancel calls: %v", cancelled)
	}
	if resp := env.do(t, http.MethodDelete, "/build/running", "u1", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second cancel: %d", resp.StatusCode)
	}
}

func TestListBuildsOnlyOwn(t *testing.T) {
	env := newFakeEnv(t, 1, nil)
	seedJob(env, "mine", "u1", nil)
	seedJob(env, "theirs", "u2", nil)

	body := decode(t, env.do(t, http.MethodGet, "/builds", "u1", nil))
	builds := body["builds"].([]any)
	if len(builds) != 1 || builds[0].(map[string]any)["build_id"] != "mine" {
		t.Fatalf("builds = %v", builds)
	}
}

func TestStats(t *testing.T) {
	env := newFakeEnv(t, 1, nil)
	seedJob(env, "a", "u1", nil)
	seedJob(env, "b", "u1", func(job *models.BuildJob) { job.Status = models.StatusFailed })

	body := decode(t, env.do(t, http.MethodGet, "/stats", "", nil))
	if body["total"].(float64) != 2 || body["building"].(float64) != 1 || body["failed"].(float64) != 1 {
		t.Fatalf("stats = %v", body)
	}
}

func TestDownloadNotReady(t *testing.T) {
	env := newFakeEnv(t, 1, nil)
	seedJob(env, "b1", "u1", nil)
	if resp := env.do(t, http.MethodGet, "/download/b1", "u1", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	seedJob(env, "gone", "u1", func(job *models.BuildJob) {
		job.Status = models.StatusCompleted
		job.Result = &models.BuildResult{ZipPath: filepath.Join(t.TempDir(), "missing.zip")}
	})
	if resp := env.do(t, http.MethodGet, "/download/gone", "u1", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing archive: %d", resp.StatusCode)
	}
}

func waitFor(t *testing.T, env *testEnv) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		env.pipe.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not finish")
	}
}

func TestBuildFlowCompletes(t *testing.T) {
	env := newPipelineEnv(t, offline.New().Agents())
	resp := env.do(t, http.MethodPost, "/build", "u1", validBuild())
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create: %d", resp.StatusCode)
	}
	created := decode(t, resp)
	id := created["build_id"].(string)
	waitFor(t, env)

	body := decode(t, env.do(t, http.MethodGet, "/build/"+id, "u1", nil))
	if body["status"] != "completed" || body["progress"].(float64) != 100 {
		t.Fatalf("build: %v", body)
	}
	if body["download_url"] != "http://appforge.test/download/"+id {
		t.Fatalf("download_url = %v", body["download_url"])
	}

	dl := env.do(t, http.MethodGet, "/download/"+id, "u1", nil)
	if dl.StatusCode != http.StatusOK || dl.Header.Get("Content-Type") != "application/zip" {
		t.Fatalf("download: %d %s", dl.StatusCode, dl.Header.Get("Content-Type"))
	}
	if !strings.Contains(dl.Header.Get("Content-Disposition"), `filename="habit-hub.zip"`) {
		t.Fatalf("disposition = %q", dl.Header.Get("Content-Disposition"))
	}
	data, _ := io.ReadAll(dl.Body)
	if !bytes.HasPrefix(data, []byte("PK")) {
		t.Fatal("download is not a zip archive")
	}

	project, err := env.store.GetProject(context.Background(), created["project_id"].(string))
	if err != nil {
		t.Fatal(err)
	}
	if project.Status != models.ProjectCompleted || project.LastDownloadAt == nil {
		t.Fatalf("project not mirrored: %+v", project)
	}
}

func TestBuildFlowRateLimitedAgent(t *testing.T) {
	agents := offline.New().Agents()
	agents.Researcher = rateLimitedResearcher{}
	env := newPipelineEnv(t, agents)

	created := decode(t, env.do(t, http.MethodPost, "/build", "u1", validBuild()))
	id := created["build_id"].(string)
	waitFor(t, env)

	body := decode(t, env.do(t, http.MethodGet, "/build/"+id, "u1", nil))
	if body["status"] != "failed" || body["error"] != "rate limited" || body["can_retry"] != true {
		t.Fatalf("build: %v", body)
	}
	if _, ok := body["download_url"]; ok {
		t.Fatal("failed build must not offer a download")
	}
	if resp := env.do(t, http.MethodGet, "/download/"+id, "u1", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("download of failed build: %d", resp.StatusCode)
	}
	project, _ := env.store.GetProject(context.Background(), created["project_id"].(string))
	if project.Status != models.ProjectFailed {
		t.Fatalf("project status = %s", project.Status)
	}
}
