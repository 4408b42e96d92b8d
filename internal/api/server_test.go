package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/awields/conveyor/internal/engine"
	"github.com/awields/conveyor/internal/models"
	"github.com/awields/conveyor/internal/ratelimit"
	"github.com/awields/conveyor/internal/store"
	"github.com/awields/conveyor/internal/worker"
)

type testEnv struct {
	router http.Handler
	store  *store.Store
	mr     *miniredis.Miniredis
}

func newTestEnv(t *testing.T, limiter *ratelimit.TokenBucket) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(client, zerolog.Nop())
	eng := engine.New(st, nil, worker.NewRegistry(), zerolog.Nop(), engine.Options{})
	srv := New(eng, limiter, zerolog.Nop())
	return &testEnv{router: srv.Router(), store: st, mr: mr}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createQueue(t *testing.T, name string) {
	t.Helper()
	if rec := e.do(t, http.MethodPost, "/queues", map[string]any{"name": name}); rec.Code != http.StatusCreated {
		t.Fatalf("create queue: %d %s", rec.Code, rec.Body)
	}
}

func (e *testEnv) addJob(t *testing.T, queue string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/queues/"+queue+"/jobs", map[string]any{"type": "simulate", "payload": map[string]any{"n": 1}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add job: %d %s", rec.Code, rec.Body)
	}
	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return job.ID
}

func TestCreateQueueEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(t, http.MethodPost, "/queues", map[string]any{"name": "emails"}); rec.Code != http.StatusCreated {
		t.Fatalf("valid queue: %d %s", rec.Code, rec.Body)
	}
	if rec := env.do(t, http.MethodPost, "/queues", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unnamed queue: %d", rec.Code)
	}
}

func TestJobLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createQueue(t, "q")

	id := env.addJob(t, "q")

	if rec := env.do(t, http.MethodGet, "/queues/q/jobs/"+id, nil); rec.Code != http.StatusOK {
		t.Fatalf("get job: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/queues/q/jobs/ghost", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing job: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/queues/ghost/jobs", map[string]any{"type": "x", "payload": map[string]any{}}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown queue: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/queues/q/jobs", map[string]any{"payload": map[string]any{}}); rec.Code != http.StatusBadRequest {
		t.Fatalf("typeless job: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/queues/q/jobs", map[string]any{"type": "simulate"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("payloadless job: %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/queues/q/jobs?status=waiting", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list jobs: %d", rec.Code)
	}
	var listed struct {
		Jobs []models.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil || len(listed.Jobs) != 1 {
		t.Fatalf("list payload: %s err=%v", rec.Body, err)
	}

	if rec := env.do(t, http.MethodDelete, "/queues/q/jobs/"+id, nil); rec.Code != http.StatusOK {
		t.Fatalf("remove job: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/queues/q/jobs/"+id, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("removed job still visible: %d", rec.Code)
	}
}

func TestActiveJobConflicts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createQueue(t, "q")
	id := env.addJob(t, "q")

	if _, ok, err := env.store.Claim(context.Background(), "q", time.Now(), time.Minute); err != nil || !ok {
		t.Fatalf("claim: %v", err)
	}

	if rec := env.do(t, http.MethodDelete, "/queues/q/jobs/"+id, nil); rec.Code != http.StatusConflict {
		t.Fatalf("remove active job: %d want 409", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/queues/q/jobs/"+id+"/retry", nil); rec.Code != http.StatusConflict {
		t.Fatalf("retry active job: %d want 409", rec.Code)
	}
}

func TestRetryEndpointReArmsDeadLetteredJob(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createQueue(t, "q")
	id := env.addJob(t, "q")

	ctx := context.Background()
	job, _, err := env.store.Claim(ctx, "q", time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, ok, err := env.store.DeadLetter(ctx, job, job.LockToken, "boom", 0, 3); err != nil || !ok {
		t.Fatalf("dead letter: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/queues/q/dlq", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dlq: %d", rec.Code)
	}
	var dlq struct {
		Jobs []models.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &dlq); err != nil || len(dlq.Jobs) != 1 {
		t.Fatalf("dlq payload: %s err=%v", rec.Body, err)
	}

	if rec := env.do(t, http.MethodPost, "/queues/q/jobs/"+id+"/retry", nil); rec.Code != http.StatusOK {
		t.Fatalf("retry: %d %s", rec.Code, rec.Body)
	}
	got, err := env.store.GetJob(ctx, "q", id)
	if err != nil || got.Status != models.StatusWaiting || got.AttemptsMade != 0 {
		t.Fatalf("re-armed job: %+v err=%v", got, err)
	}
}

func TestPauseResumeAndStatsEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createQueue(t, "q")

	if rec := env.do(t, http.MethodPost, "/queues/q/pause", nil); rec.Code != http.StatusOK {
		t.Fatalf("pause: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/queues/q/resume", nil); rec.Code != http.StatusOK {
		t.Fatalf("resume: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/queues/ghost/pause", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pause unknown queue: %d", rec.Code)
	}

	env.addJob(t, "q")
	rec := env.do(t, http.MethodGet, "/queues/q/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: %d", rec.Code)
	}
	var stats models.QueueStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil || stats.Waiting != 1 {
		t.Fatalf("stats payload: %s err=%v", rec.Body, err)
	}
	if rec := env.do(t, http.MethodGet, "/queues/ghost/stats", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("stats unknown queue: %d", rec.Code)
	}
}

func TestBulkEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createQueue(t, "q")

	rec := env.do(t, http.MethodPost, "/queues/q/bulk", map[string]any{
		"operation": "add",
		"jobs": []map[string]any{
			{"type": "simulate"},
			{},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk: %d %s", rec.Code, rec.Body)
	}
	var res engine.BulkResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("bulk payload: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("bulk result: %+v", res)
	}
}

func TestScheduleEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createQueue(t, "q")

	rec := env.do(t, http.MethodPost, "/queues/q/schedules", map[string]any{
		"spec": "*/5 * * * *",
		"type": "simulate",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("schedule: %d %s", rec.Code, rec.Body)
	}
	rec = env.do(t, http.MethodPost, "/queues/q/schedules", map[string]any{
		"spec": "whenever",
		"type": "simulate",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad spec: %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createQueue(t, "q")

	if rec := env.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}

	env.mr.Close()
	if rec := env.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health with store down: %d", rec.Code)
	}
}

func TestAddJobRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(client, zerolog.Nop())
	eng := engine.New(st, nil, worker.NewRegistry(), zerolog.Nop(), engine.Options{})
	limiter := ratelimit.NewTokenBucket(client, 2, 0.001, time.Minute)
	env := &testEnv{router: New(eng, limiter, zerolog.Nop()).Router(), store: st, mr: mr}

	env.createQueue(t, "q")

	for i := 0; i < 2; i++ {
		if rec := env.do(t, http.MethodPost, "/queues/q/jobs", map[string]any{"type": "simulate", "payload": map[string]any{}}); rec.Code != http.StatusCreated {
			t.Fatalf("request %d: %d %s", i, rec.Code, rec.Body)
		}
	}
	rec := env.do(t, http.MethodPost, "/queues/q/jobs", map[string]any{"type": "simulate", "payload": map[string]any{}})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
		t.Fatalf("429 payload: %s", rec.Body)
	}

	// Other queues keep their own budget.
	env.createQueue(t, "other")
	if rec := env.do(t, http.MethodPost, "/queues/other/jobs", map[string]any{"type": "simulate", "payload": map[string]any{}}); rec.Code != http.StatusCreated {
		t.Fatalf("independent bucket: %d", rec.Code)
	}
}
