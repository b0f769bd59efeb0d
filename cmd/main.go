package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MimeLyc/mediacards/internal/ai"
	"github.com/MimeLyc/mediacards/internal/catalog"
	"github.com/MimeLyc/mediacards/internal/config"
	"github.com/MimeLyc/mediacards/internal/events"
	"github.com/MimeLyc/mediacards/internal/httpapi"
	"github.com/MimeLyc/mediacards/internal/ingest"
	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/MimeLyc/mediacards/internal/media"
	"github.com/MimeLyc/mediacards/internal/monitor"
	"github.com/MimeLyc/mediacards/internal/persistence"
	"github.com/MimeLyc/mediacards/internal/pipeline"
	"github.com/MimeLyc/mediacards/internal/ratelimit"
	"github.com/MimeLyc/mediacards/internal/scheduler"
	"github.com/MimeLyc/mediacards/internal/storage"
	"github.com/MimeLyc/mediacards/internal/worker"
	"github.com/MimeLyc/mediacards/pkg/log"
	"github.com/MimeLyc/mediacards/pkg/retry"
)

const shutdownTimeout = 10 * time.Second

type cronEngine interface {
	Schedule(ctx context.Context) error
	Start()
	Stop(ctx context.Context)
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func main() {
	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.InitLogger(log.ParseLevel(cfg.Log.Level), log.Format(cfg.Log.Format))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to start: %v", err)
	}
	defer a.close()

	if err := runWithComponents(ctx, cfg, a.cron, a.server); err != nil {
		log.Fatal("Server stopped: %v", err)
	}
}

// runWithComponents starts the cron engine and the HTTP server and blocks
// until ctx is done or the server fails.
func runWithComponents(ctx context.Context, cfg *config.Config, cron cronEngine, srv httpServer) error {
	if err := cron.Schedule(ctx); err != nil {
		return err
	}
	cron.Start()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening on %s", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe(cfg.HTTP.Addr)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown failed")
	}
	cron.Stop(shutdownCtx)

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

type app struct {
	queue   *jobs.Queue
	cron    *scheduler.Cron
	server  *httpapi.Server
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.WithError(err).Warn("Close failed")
		}
	}
}

// build wires every component from cfg.
func build(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	jobStore, catalogStore, err := openStores(ctx, cfg, a)
	if err != nil {
		return nil, err
	}
	queue := jobs.NewQueue(jobStore)
	a.queue = queue

	hub := events.NewHub(64)
	a.closers = append(a.closers, hub.Close)
	external, err := events.NewPublisher(cfg.Events.Publisher())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, external.Close)
	pub := events.Multi{hub, external}

	var objects *storage.Storage
	if cfg.Storage.Enabled() {
		if objects, err = storage.NewStorage(ctx, cfg.Storage.MinIO()); err != nil {
			return nil, err
		}
	}

	provider, err := ai.NewProvider(cfg.AI.ProviderConfig())
	if err != nil {
		return nil, err
	}
	var pipeOpts []pipeline.Option
	if objects != nil {
		pipeOpts = append(pipeOpts,
			pipeline.WithObjectStore(objects, cfg.Storage.Buckets.Ingest),
			pipeline.WithDerivedWriter(objects),
		)
		if ffprobe := media.NewFFprobe(); ffprobe.Available() {
			pipeOpts = append(pipeOpts, pipeline.WithVideoProber(ffprobe))
		} else {
			log.Warn("ffprobe not found; video duration is taken from upload metadata only")
		}
	}
	w := worker.New(
		queue,
		pipeline.New(provider, catalogStore, pipeOpts...),
		worker.WithPublisher(pub),
		worker.WithJobTimeout(cfg.Scheduler.JobTimeout),
	)

	var invoker scheduler.Invoker = scheduler.LocalInvoker{Runner: w}
	if cfg.Scheduler.WorkerPullURL != "" {
		invoker = scheduler.NewHTTPInvoker(cfg.Scheduler.WorkerPullURL, cfg.Secrets.Worker,
			cfg.Scheduler.JobTimeout+30*time.Second, retry.DefaultPolicy())
	}
	driver := scheduler.NewDriver(invoker, scheduler.WithMaxIterations(cfg.Scheduler.MaxIterations))
	a.cron = scheduler.NewCron(driver, queue, scheduler.CronConfig{
		TickExpr:        cfg.Scheduler.TickExpr,
		Iterations:      cfg.Scheduler.Iterations,
		Delay:           cfg.Scheduler.Delay,
		MaintenanceExpr: cfg.Scheduler.MaintenanceExpr,
		RetentionDays:   cfg.Scheduler.RetentionDays,
	})

	probeOpts := []monitor.Option{
		monitor.WithSettings(cfg.RequiredSettings(), cfg.OptionalSettings()),
		monitor.WithTickSchedule(cfg.Scheduler.TickExpr),
	}
	if objects != nil {
		probeOpts = append(probeOpts, monitor.WithBuckets(objects))
	}

	limiter, err := newLimiter(cfg, a)
	if err != nil {
		return nil, err
	}

	a.server = httpapi.NewServer(
		queue,
		httpapi.WithRunner(w),
		httpapi.WithDriver(driver),
		httpapi.WithProbe(monitor.NewProbe(queue, catalogStore, probeOpts...)),
		httpapi.WithIngest(ingest.NewService(queue, catalogStore, cfg.Secrets.Webhook,
			ingest.WithPublisher(pub),
			ingest.WithBucket(cfg.Storage.Buckets.Ingest),
			ingest.WithMaxFileSize(cfg.Ingest.MaxFileSize),
		)),
		httpapi.WithLimiter(limiter),
		httpapi.WithEventHub(hub),
		httpapi.WithPublisher(pub),
		httpapi.WithSecrets(httpapi.Secrets{Worker: cfg.Secrets.Worker, Cron: cfg.Secrets.Cron}),
	)
	return a, nil
}

func openStores(ctx context.Context, cfg *config.Config, a *app) (jobs.Store, catalog.Store, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		s, err := persistence.NewPostgresStore(ctx, cfg.Store.DatabaseURL, persistence.DefaultPoolConfig())
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, s, nil
	case config.StoreMemory:
		log.Warn("Using the in-memory store; jobs are lost on restart")
		return jobs.NewMemoryStore(), catalog.NewMemoryStore(), nil
	default:
		s, err := persistence.NewSQLiteStore(cfg.Store.DBPath())
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, s, nil
	}
}

func newLimiter(cfg *config.Config, a *app) (ratelimit.Limiter, error) {
	if cfg.RateLimit.Driver != "redis" {
		return ratelimit.NewMemoryLimiter(ratelimit.DefaultRules()), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RateLimit.RedisAddr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})
	a.closers = append(a.closers, rdb.Close)
	return ratelimit.NewRedisLimiter(rdb, ratelimit.DefaultRules()), nil
}
