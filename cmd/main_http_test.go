package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MimeLyc/mediacards/internal/config"
	"github.com/MimeLyc/mediacards/internal/jobs/jobstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCron struct {
	scheduleErr error
	scheduled   bool
	started     bool
	stopped     bool
}

func (f *fakeCron) Schedule(context.Context) error {
	f.scheduled = true
	return f.scheduleErr
}

func (f *fakeCron) Start() {
	f.started = true
}

func (f *fakeCron) Stop(context.Context) {
	f.stopped = true
}

type fakeHTTP struct {
	listenCalled chan struct{}
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	listenErr    error
}

func newFakeHTTP() *fakeHTTP {
	return &fakeHTTP{
		listenCalled: make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}
}

func (f *fakeHTTP) ListenAndServe(string) error {
	close(f.listenCalled)
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.shutdownCh
	return http.ErrServerClosed
}

func (f *fakeHTTP) Shutdown(context.Context) error {
	f.shutdownOnce.Do(func() { close(f.shutdownCh) })
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		HTTP:    config.HTTPConfig{Addr: "127.0.0.1:0"},
		Secrets: config.SecretsConfig{Webhook: "whsec", Worker: "worker", Cron: "cron"},
		Store:   config.StoreConfig{Driver: config.StoreMemory},
		AI:      config.AIConfig{Provider: "local"},
		Events:  config.EventsConfig{Driver: "none"},
		RateLimit: config.RateLimitConfig{
			Driver: "memory",
		},
		Scheduler: config.SchedulerConfig{
			Iterations:    1,
			MaxIterations: 5,
			JobTimeout:    time.Minute,
			RetentionDays: 30,
		},
		Ingest: config.IngestConfig{MaxFileSize: 1 << 20},
	}
}

func TestMain_StartsCronAndHTTP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cronEngine := &fakeCron{}
	httpSrv := newFakeHTTP()

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- runWithComponents(ctx, testConfig(), cronEngine, httpSrv)
	}()

	select {
	case <-httpSrv.listenCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("http server did not start")
	}

	cancel()

	select {
	case err := <-doneCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runWithComponents did not exit after cancellation")
	}

	assert.True(t, cronEngine.scheduled)
	assert.True(t, cronEngine.started)
	assert.True(t, cronEngine.stopped)
}

func TestMain_ScheduleErrorStopsStartup(t *testing.T) {
	cronEngine := &fakeCron{scheduleErr: errors.New("invalid cron expression")}
	httpSrv := newFakeHTTP()

	err := runWithComponents(context.Background(), testConfig(), cronEngine, httpSrv)
	require.Error(t, err)
	assert.False(t, cronEngine.started)
}

func TestMain_ListenErrorIsReturned(t *testing.T) {
	cronEngine := &fakeCron{}
	httpSrv := newFakeHTTP()
	httpSrv.listenErr = errors.New("address already in use")

	err := runWithComponents(context.Background(), testConfig(), cronEngine, httpSrv)
	require.EqualError(t, err, "address already in use")
	assert.True(t, cronEngine.stopped)
}

func TestBuild_ServesRequests(t *testing.T) {
	ctx := context.Background()
	a, err := build(ctx, testConfig())
	require.NoError(t, err)
	defer a.close()

	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = a.queue.Enqueue(ctx, jobstest.ImageInput("user-1", "a.png"), "user-1")
	require.NoError(t, err)

	res, shared := a.cron.RunTick(ctx)
	assert.False(t, shared)
	require.Len(t, res.Results, 1)
	assert.Equal(t, 1, res.Summary.TotalProcessed)
}
