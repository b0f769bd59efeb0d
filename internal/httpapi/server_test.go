package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/mediacards/internal/ai"
	"github.com/MimeLyc/mediacards/internal/catalog"
	"github.com/MimeLyc/mediacards/internal/events"
	"github.com/MimeLyc/mediacards/internal/ingest"
	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/MimeLyc/mediacards/internal/jobs/jobstest"
	"github.com/MimeLyc/mediacards/internal/monitor"
	"github.com/MimeLyc/mediacards/internal/pipeline"
	"github.com/MimeLyc/mediacards/internal/ratelimit"
	"github.com/MimeLyc/mediacards/internal/scheduler"
	"github.com/MimeLyc/mediacards/internal/worker"
)

const (
	webhookSecret = "whsec"
	workerSecret  = "worker-secret"
	cronSecret    = "cron-secret"
)

type testEnv struct {
	srv   *Server
	queue *jobs.Queue
	hub   *events.Hub
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	queue := jobs.NewQueue(jobs.NewMemoryStore())
	cat := catalog.NewMemoryStore()
	hub := events.NewHub(8)
	t.Cleanup(func() { _ = hub.Close() })

	w := worker.New(queue, pipeline.New(ai.NewLocalProvider(), cat), worker.WithPublisher(hub))
	base := []Option{
		WithRunner(w),
		WithDriver(scheduler.NewDriver(scheduler.LocalInvoker{Runner: w})),
		WithProbe(monitor.NewProbe(queue, cat)),
		WithIngest(ingest.NewService(queue, cat, webhookSecret, ingest.WithPublisher(hub))),
		WithEventHub(hub),
		WithPublisher(hub),
		WithSecrets(Secrets{Worker: workerSecret, Cron: cronSecret}),
		WithStreamInterval(time.Hour),
	}
	return &testEnv{
		srv:   NewServer(queue, append(base, opts...)...),
		queue: queue,
		hub:   hub,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func withBearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func objectInsert(name, mime string, size int64) []byte {
	body, _ := json.Marshal(map[string]any{
		"type":   "INSERT",
		"table":  "objects",
		"schema": "storage",
		"record": map[string]any{
			"bucket_id": "ingest",
			"name":      name,
			"metadata":  map[string]any{"mimetype": mime, "size": size},
		},
	})
	return body
}

func webhookRequest(body []byte, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/ingest", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(ingest.SignatureHeader, signature)
	}
	return req
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var ret T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ret))
	return ret
}

func TestServer_Webhook(t *testing.T) {
	env := newTestEnv(t)
	body := objectInsert("user-1/photo.png", "image/png", 2048)

	rec := env.do(webhookRequest(body, ""))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Missing signature", decodeBody[map[string]string](t, rec)["error"])

	rec = env.do(webhookRequest(body, ingest.Sign(body, "other")))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	bad := []byte(`{"type":`)
	rec = env.do(webhookRequest(bad, ingest.Sign(bad, webhookSecret)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	audio := objectInsert("user-1/song.mp3", "audio/mpeg", 2048)
	rec = env.do(webhookRequest(audio, ingest.Sign(audio, webhookSecret)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Unsupported file type: audio/mpeg", decodeBody[map[string]string](t, rec)["error"])

	rec = env.do(webhookRequest(body, ingest.Sign(body, webhookSecret)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	res := decodeBody[ingest.Result](t, rec)
	assert.Equal(t, "accepted", res.Status)
	assert.Equal(t, jobs.TypeIngestImage, res.JobType)

	list, err := env.queue.List(context.Background(), jobs.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "user-1", list[0].CreatedBy)
}

func TestServer_WorkerPull(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.queue.Enqueue(context.Background(), jobstest.ImageInput("user-1", "a.png"), "user-1")
	require.NoError(t, err)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/worker/pull", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodPost, "/worker/pull", nil), cronSecret))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodGet, "/worker/pull", nil), workerSecret))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodPost, "/worker/pull", nil), workerSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[worker.RunResult](t, rec)
	require.Equal(t, 1, res.Processed)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, jobs.StatusDone, res.Jobs[0].Status)
	assert.Equal(t, jobs.TypeIngestImage, res.Jobs[0].Type)
	assert.Contains(t, string(res.Jobs[0].Result), `"media_asset_id"`)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodPost, "/worker/pull", nil), workerSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	res = decodeBody[worker.RunResult](t, rec)
	assert.Equal(t, 0, res.Processed)
	assert.Empty(t, res.Jobs)
}

func TestServer_CronTick(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/cron/tick", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/cron/tick?iterations=3&delay=0", nil)
	req.Header.Set("x-cron-secret", cronSecret)
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Success    bool                        `json:"success"`
		Iterations int                         `json:"iterations"`
		Results    []scheduler.IterationResult `json:"results"`
		Summary    scheduler.Summary           `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Iterations)
	require.Len(t, res.Results, 3)
	for _, it := range res.Results {
		assert.Equal(t, 0, it.Processed)
		assert.Empty(t, it.Jobs)
		assert.Empty(t, it.Error)
	}
	assert.Equal(t, scheduler.Summary{TotalProcessed: 0, TotalJobs: 3}, res.Summary)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodPost, "/cron/tick?delay=0", nil), cronSecret))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodPost, "/cron/tick?iterations=many", nil), cronSecret))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[monitor.HealthReport](t, rec)
	assert.True(t, report.Healthy)
	assert.Equal(t, monitor.CheckBasic, report.Type)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/health?type=queue", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// no object storage configured
	rec = env.do(httptest.NewRequest(http.MethodGet, "/health?type=storage", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, decodeBody[monitor.HealthReport](t, rec).Healthy)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/health?type=disk", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid health check type", decodeBody[map[string]string](t, rec)["error"])
}

func TestServer_RateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(map[ratelimit.Class]ratelimit.Rule{
		ratelimit.ClassHealth: {Limit: 2, Window: time.Minute},
	})
	env := newTestEnv(t, WithLimiter(limiter))

	for range 2 {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// another client has its own window
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	// classes without a rule are not limited
	for range 3 {
		rec = env.do(withBearer(httptest.NewRequest(http.MethodGet, "/api/jobs", nil), cronSecret))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestServer_RetryJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job, err := env.queue.Enqueue(ctx, jobstest.ImageInput("user-1", "a.png"), "user-1")
	require.NoError(t, err)

	path := "/api/jobs/" + strconv.FormatInt(job.ID, 10) + "/retry"

	rec := env.do(withBearer(httptest.NewRequest(http.MethodPost, path, nil), cronSecret))
	require.Equal(t, http.StatusConflict, rec.Code)

	_, err = env.queue.ClaimNext(ctx)
	require.NoError(t, err)
	_, err = env.queue.Fail(ctx, job.ID, "vision API error")
	require.NoError(t, err)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodPost, path, nil), workerSecret))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodPost, path, nil), cronSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	retried := decodeBody[jobs.Job](t, rec)
	assert.Equal(t, jobs.StatusQueued, retried.Status)
	assert.Nil(t, retried.Error)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodPost, "/api/jobs/999/retry", nil), cronSecret))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListAndGetJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first, err := env.queue.Enqueue(ctx, jobstest.ImageInput("user-1", "a.png"), "user-1")
	require.NoError(t, err)
	_, err = env.queue.Enqueue(ctx, jobstest.ImageInput("user-2", "b.png"), "user-2")
	require.NoError(t, err)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodGet, "/api/jobs?status=queued", nil), workerSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]jobs.Job](t, rec), 2)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodGet, "/api/jobs?created_by=user-2&type=ingest_image", nil), cronSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]jobs.Job](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "user-2", list[0].CreatedBy)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodGet, "/api/jobs?status=running", nil), cronSecret))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodGet, "/api/jobs?limit=0", nil), cronSecret))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodGet, "/api/jobs/"+strconv.FormatInt(first.ID, 10), nil), cronSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, decodeBody[jobs.Job](t, rec).ID)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodGet, "/api/jobs/999", nil), cronSecret))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodGet, "/api/jobs/abc", nil), cronSecret))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SubmitJob(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"storage_path":"user-3/scan.pdf","mime_type":"application/pdf","file_size":4096}`)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body)), workerSecret))
	require.Equal(t, http.StatusCreated, rec.Code)
	res := decodeBody[ingest.Result](t, rec)
	assert.Equal(t, jobs.TypeIngestPDF, res.JobType)
	assert.NotZero(t, res.JobID)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader("{")), workerSecret))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Monitoring(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/monitoring/alerts", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	for _, endpoint := range []string{"metrics", "alerts", "dashboard"} {
		rec = env.do(withBearer(httptest.NewRequest(http.MethodGet, "/monitoring/"+endpoint, nil), cronSecret))
		require.Equal(t, http.StatusOK, rec.Code, endpoint)
	}

	rec = env.do(withBearer(httptest.NewRequest(http.MethodGet, "/monitoring/export", nil), cronSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "spreadsheetml")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".xlsx")

	rec = env.do(withBearer(httptest.NewRequest(http.MethodGet, "/monitoring/cleanup", nil), cronSecret))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/monitoring/cleanup?older_than_days=3", nil)
	req.Header.Set("x-cron-secret", cronSecret)
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[monitor.CleanupReport](t, rec)
	require.Len(t, report.Operations, 2)

	rec = env.do(withBearer(httptest.NewRequest(http.MethodGet, "/monitoring/logs", nil), cronSecret))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PrometheusMetrics(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mediacards_jobs_reclaimed_total")
}

func TestServer_JobStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/jobs/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+cronSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				return name, data
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	name, data := readEvent()
	require.Equal(t, "stats", name)
	var stats jobs.Stats
	require.NoError(t, json.Unmarshal([]byte(data), &stats))
	assert.Equal(t, 0, stats.Total)

	require.NoError(t, env.hub.Publish(context.Background(), events.Event{Type: events.JobEnqueued, JobID: 1}))

	name, data = readEvent()
	require.Equal(t, "job", name)
	var e events.Event
	require.NoError(t, json.Unmarshal([]byte(data), &e))
	assert.Equal(t, events.JobEnqueued, e.Type)
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientKey(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", clientKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientKey(req))
}
