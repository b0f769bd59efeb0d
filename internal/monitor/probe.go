// Package monitor reports queue health, metrics and alerts from the job and
// catalog stores.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/mediacards/internal/catalog"
	"github.com/MimeLyc/mediacards/internal/errs"
	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/MimeLyc/mediacards/internal/metrics"
	"github.com/MimeLyc/mediacards/internal/storage"
	"github.com/MimeLyc/mediacards/pkg/retry"
)

const (
	CheckBasic    = "basic"
	CheckDetailed = "detailed"
	CheckQueue    = "queue"
	CheckStorage  = "storage"

	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"

	// MaxRecentFailures is the number of failures in the last hour at which
	// the queue stops reporting healthy.
	MaxRecentFailures = 10
)

// BucketChecker reports whether the object storage buckets are reachable.
type BucketChecker interface {
	CheckBuckets(ctx context.Context) []storage.BucketStatus
}

type Probe struct {
	queue    *jobs.Queue
	catalog  catalog.Store
	buckets  BucketChecker
	settings map[string]string
	optional map[string]string
	tickExpr string
	policy   retry.Policy
	started  time.Time
}

type Option func(*Probe)

func WithBuckets(b BucketChecker) Option {
	return func(p *Probe) { p.buckets = b }
}

// WithSettings registers the configuration values the detailed check
// reports on. A required setting with an empty value fails the check.
func WithSettings(required, optional map[string]string) Option {
	return func(p *Probe) {
		p.settings = required
		p.optional = optional
	}
}

// WithTickSchedule lets the dashboard report the next scheduled tick.
func WithTickSchedule(expr string) Option {
	return func(p *Probe) { p.tickExpr = expr }
}

func WithRetryPolicy(policy retry.Policy) Option {
	return func(p *Probe) { p.policy = policy }
}

func NewProbe(queue *jobs.Queue, store catalog.Store, opts ...Option) *Probe {
	p := &Probe{
		queue:   queue,
		catalog: store,
		policy:  retry.Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 4 * time.Second},
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type Check struct {
	Status       string `json:"status"`
	ResponseTime string `json:"responseTime,omitempty"`
	Error        string `json:"error,omitempty"`
	Details      any    `json:"details,omitempty"`
}

func (c Check) healthy() bool { return c.Status == StatusHealthy }

type CheckSummary struct {
	TotalChecks   int    `json:"totalChecks"`
	HealthyChecks int    `json:"healthyChecks"`
	ResponseTime  string `json:"responseTime"`
}

type QueueHealth struct {
	Healthy        bool       `json:"healthy"`
	Summary        jobs.Stats `json:"summary"`
	StuckJobs      int        `json:"stuckJobs"`
	FailedLastHour int        `json:"failedLastHour"`
	QueuedJobs     int        `json:"queuedJobs"`
	OldestQueued   *time.Time `json:"oldestQueued,omitempty"`
}

// HealthReport is the body of GET /health. Which sections are set depends on
// the check type.
type HealthReport struct {
	Healthy   bool             `json:"healthy"`
	Type      string           `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Summary   *CheckSummary    `json:"summary,omitempty"`
	Queue     *QueueHealth     `json:"queue,omitempty"`
	Storage   map[string]Check `json:"storage,omitempty"`
	Uptime    string           `json:"uptime,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Health runs the named check. Only an unknown type is returned as an error;
// failing dependencies are reported in the body with Healthy false.
func (p *Probe) Health(ctx context.Context, typ string) (HealthReport, error) {
	if typ == "" {
		typ = CheckBasic
	}
	report := HealthReport{Type: typ, Timestamp: p.queue.Now()}
	switch typ {
	case CheckBasic:
		db := p.pingStore(ctx, false)
		report.Checks = map[string]Check{"database": db}
		report.Healthy = db.healthy()
		report.Error = db.Error
		report.Uptime = fmt.Sprintf("%ds", int(time.Since(p.started).Seconds()))
	case CheckDetailed:
		p.detailed(ctx, &report)
	case CheckQueue:
		qh, err := p.QueueHealth(ctx)
		if err != nil {
			report.Error = errs.Message(err)
			return report, nil
		}
		report.Queue = &qh
		report.Healthy = qh.Healthy
	case CheckStorage:
		check := p.checkStorage(ctx)
		report.Storage, _ = check.Details.(map[string]Check)
		report.Healthy = check.healthy()
		report.Error = check.Error
	default:
		return report, errs.New(errs.KindValidation, "Invalid health check type").With("type", typ)
	}
	return report, nil
}

func (p *Probe) detailed(ctx context.Context, report *HealthReport) {
	start := time.Now()
	checks := map[string]Check{}
	var mu sync.Mutex
	set := func(name string, c Check) {
		mu.Lock()
		checks[name] = c
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		set("database", p.pingStore(gctx, true))
		return nil
	})
	g.Go(func() error {
		set("job_queue", p.checkQueue(gctx))
		return nil
	})
	if p.buckets != nil {
		g.Go(func() error {
			set("storage", p.checkStorage(gctx))
			return nil
		})
	}
	g.Go(func() error {
		set("environment", p.checkSettings())
		return nil
	})
	_ = g.Wait()

	healthy := 0
	for _, c := range checks {
		if c.healthy() {
			healthy++
		}
	}
	report.Checks = checks
	report.Healthy = healthy == len(checks)
	report.Summary = &CheckSummary{
		TotalChecks:   len(checks),
		HealthyChecks: healthy,
		ResponseTime:  fmt.Sprintf("%dms", time.Since(start).Milliseconds()),
	}
}

func (p *Probe) pingStore(ctx context.Context, withRetry bool) Check {
	start := time.Now()
	var err error
	if withRetry {
		_, err = retry.Do(ctx, p.policy, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, p.queue.Ping(ctx)
		})
	} else {
		err = p.queue.Ping(ctx)
	}
	if err != nil {
		return Check{Status: StatusUnhealthy, Error: fmt.Sprintf("Database connection failed: %v", err)}
	}
	return Check{Status: StatusHealthy, ResponseTime: fmt.Sprintf("%dms", time.Since(start).Milliseconds())}
}

func (p *Probe) checkQueue(ctx context.Context) Check {
	now := p.queue.Now()
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return Check{Status: StatusUnhealthy, Error: errs.Message(err)}
	}
	failed, err := p.countSince(ctx, jobs.StatusFailed, now.Add(-24*time.Hour))
	if err != nil {
		return Check{Status: StatusUnhealthy, Error: errs.Message(err)}
	}
	return Check{Status: StatusHealthy, Details: map[string]int{
		"queued":     stats.ByStatus[jobs.StatusQueued],
		"processing": stats.ByStatus[jobs.StatusProcessing],
		"failed":     failed,
	}}
}

func (p *Probe) checkStorage(ctx context.Context) Check {
	if p.buckets == nil {
		return Check{Status: StatusUnhealthy, Error: "object storage is not configured"}
	}
	statuses := p.buckets.CheckBuckets(ctx)
	buckets := make(map[string]Check, len(statuses))
	ret := Check{Status: StatusHealthy, Details: buckets}
	for _, s := range statuses {
		if s.Reachable {
			buckets[s.Name] = Check{Status: StatusHealthy}
			continue
		}
		buckets[s.Name] = Check{Status: StatusUnhealthy, Error: s.Error}
		ret.Status = StatusUnhealthy
	}
	return ret
}

type settingsReport struct {
	Present     int      `json:"present"`
	Missing     int      `json:"missing"`
	MissingVars []string `json:"missingVars"`
	Optional    int      `json:"optionalPresent"`
	OptionalOf  int      `json:"optionalTotal"`
}

func (p *Probe) checkSettings() Check {
	r := settingsReport{MissingVars: []string{}, OptionalOf: len(p.optional)}
	for name, v := range p.settings {
		if v == "" {
			r.Missing++
			r.MissingVars = append(r.MissingVars, name)
		} else {
			r.Present++
		}
	}
	for _, v := range p.optional {
		if v != "" {
			r.Optional++
		}
	}
	sort.Strings(r.MissingVars)

	c := Check{Status: StatusHealthy, Details: r}
	if r.Missing > 0 {
		c.Status = StatusUnhealthy
	}
	return c
}

// QueueHealth is healthy when nothing is stuck and fewer than
// MaxRecentFailures jobs failed in the last hour. It also refreshes the
// queue gauges.
func (p *Probe) QueueHealth(ctx context.Context) (QueueHealth, error) {
	now := p.queue.Now()
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return QueueHealth{}, err
	}
	stuck, err := p.queue.FindStuck(ctx)
	if err != nil {
		return QueueHealth{}, err
	}
	failed, err := p.countSince(ctx, jobs.StatusFailed, now.Add(-time.Hour))
	if err != nil {
		return QueueHealth{}, err
	}
	oldest, err := p.queue.List(ctx, jobs.Filter{Statuses: []jobs.Status{jobs.StatusQueued}, Limit: 1})
	if err != nil {
		return QueueHealth{}, err
	}

	ret := QueueHealth{
		Summary:        stats,
		StuckJobs:      len(stuck),
		FailedLastHour: failed,
		QueuedJobs:     stats.ByStatus[jobs.StatusQueued],
	}
	if len(oldest) > 0 {
		t := oldest[0].EnqueuedAt
		ret.OldestQueued = &t
	}
	ret.Healthy = ret.StuckJobs == 0 && ret.FailedLastHour < MaxRecentFailures

	for status, n := range stats.ByStatus {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
	metrics.StuckJobs.Set(float64(ret.StuckJobs))
	return ret, nil
}

func (p *Probe) countSince(ctx context.Context, status jobs.Status, since time.Time) (int, error) {
	counts, err := p.queue.Count(ctx, jobs.Filter{Statuses: []jobs.Status{status}, CreatedSince: since})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range counts {
		n += c.N
	}
	return n, nil
}
