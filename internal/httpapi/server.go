package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/MimeLyc/mediacards/internal/events"
	"github.com/MimeLyc/mediacards/internal/ingest"
	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/MimeLyc/mediacards/internal/monitor"
	"github.com/MimeLyc/mediacards/internal/ratelimit"
	"github.com/MimeLyc/mediacards/internal/scheduler"
	"github.com/MimeLyc/mediacards/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runner executes one claim-and-process cycle.
type Runner interface {
	RunOnce(ctx context.Context) (worker.RunResult, error)
}

// Secrets are the shared secrets that gate the worker and administrative routes.
type Secrets struct {
	Worker string
	Cron   string
}

type Server struct {
	queue   *jobs.Queue
	runner  Runner
	driver  *scheduler.Driver
	probe   *monitor.Probe
	ingest  *ingest.Service
	limiter ratelimit.Limiter
	hub     *events.Hub
	pub     events.Publisher
	secrets Secrets

	streamInterval time.Duration

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithRunner(r Runner) Option {
	return func(s *Server) {
		s.runner = r
	}
}

func WithDriver(d *scheduler.Driver) Option {
	return func(s *Server) {
		s.driver = d
	}
}

func WithProbe(p *monitor.Probe) Option {
	return func(s *Server) {
		s.probe = p
	}
}

func WithIngest(svc *ingest.Service) Option {
	return func(s *Server) {
		s.ingest = svc
	}
}

func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithEventHub feeds job events to /api/jobs/stream subscribers.
func WithEventHub(h *events.Hub) Option {
	return func(s *Server) {
		s.hub = h
	}
}

// WithPublisher receives events for jobs retried over HTTP.
func WithPublisher(p events.Publisher) Option {
	return func(s *Server) {
		if p != nil {
			s.pub = p
		}
	}
}

func WithSecrets(secrets Secrets) Option {
	return func(s *Server) {
		s.secrets = secrets
	}
}

// WithStreamInterval sets how often /api/jobs/stream pushes queue stats.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func NewServer(queue *jobs.Queue, opts ...Option) *Server {
	s := &Server{
		queue:          queue,
		pub:            events.Noop{},
		streamInterval: 2 * time.Second,
		mux:            http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/webhooks/ingest", s.limit(ratelimit.ClassWebhook, s.handleWebhook))
	s.mux.HandleFunc("/worker/pull", s.limit(ratelimit.ClassWorker, s.handleWorkerPull))
	s.mux.HandleFunc("/cron/tick", s.limit(ratelimit.ClassCron, s.handleCronTick))
	s.mux.HandleFunc("/health", s.limit(ratelimit.ClassHealth, s.handleHealth))
	s.mux.HandleFunc("/monitoring/", s.limit(ratelimit.ClassAPI, s.handleMonitoring))
	s.mux.HandleFunc("/api/jobs", s.limit(ratelimit.ClassAPI, s.handleJobs))
	s.mux.HandleFunc("/api/jobs/stream", s.limit(ratelimit.ClassAPI, s.handleJobStream))
	s.mux.HandleFunc("/api/jobs/", s.limit(ratelimit.ClassAPI, s.handleJobByID))
	s.mux.Handle("/metrics", s.limit(ratelimit.ClassHealth, promhttp.Handler().ServeHTTP))
}
