package monitor

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/MimeLyc/mediacards/internal/catalog"
	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/MimeLyc/mediacards/internal/metrics"
	"github.com/MimeLyc/mediacards/pkg/icron"
	"github.com/MimeLyc/mediacards/pkg/log"
)

const (
	metricsWindow      = 24 * time.Hour
	topUsersWindow     = 7 * 24 * time.Hour
	failureRateWindow  = time.Hour
	failureRateLimit   = 0.1
	queuedTooLong      = 10 * time.Minute
	dashboardJobs      = 20
	dashboardRecent    = 10
	topUsersLimit      = 10
	SeverityHigh       = "high"
	SeverityMedium     = "medium"
	SeverityLow        = "low"
	DefaultCleanupDays = 7
)

type ProcessingTimes struct {
	Average int `json:"average"`
	Median  int `json:"median"`
	Min     int `json:"min"`
	Max     int `json:"max"`
	Count   int `json:"count"`
}

type ErrorAnalysis struct {
	Total   int               `json:"total"`
	ByType  map[jobs.Type]int `json:"byType"`
	ByError map[string]int    `json:"byError"`
}

type UserActivity struct {
	UserID    string            `json:"userId"`
	TotalJobs int               `json:"totalJobs"`
	ByType    map[jobs.Type]int `json:"byType"`
}

type JobMetrics struct {
	Total           int                 `json:"total"`
	ByStatus        map[jobs.Status]int `json:"byStatus"`
	ByType          map[jobs.Type]int   `json:"byType"`
	ProcessingTimes ProcessingTimes     `json:"processingTimes"`
	ErrorAnalysis   ErrorAnalysis       `json:"errorAnalysis"`
}

type MediaMetrics struct {
	Total  int                       `json:"total"`
	ByType map[catalog.MediaType]int `json:"byType"`
}

type CardMetrics struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Drafts int `json:"drafts"`
}

type SystemMetrics struct {
	Uptime     string `json:"uptime"`
	Goroutines int    `json:"goroutines"`
	HeapMB     uint64 `json:"heapMB"`
}

type Metrics struct {
	Timestamp     time.Time      `json:"timestamp"`
	Period        string         `json:"period"`
	Jobs          JobMetrics     `json:"jobs"`
	Media         MediaMetrics   `json:"media"`
	Cards         CardMetrics    `json:"cards"`
	Decks         int            `json:"decks"`
	IngestedFiles int            `json:"ingestedFiles"`
	Queue         QueueHealth    `json:"queue"`
	Users         []UserActivity `json:"users"`
	System        SystemMetrics  `json:"system"`
}

// Metrics summarizes the last 24 hours of jobs and catalog writes.
func (p *Probe) Metrics(ctx context.Context) (Metrics, error) {
	now := p.queue.Now()
	since := now.Add(-metricsWindow)
	recent, err := p.queue.List(ctx, jobs.Filter{CreatedSince: since})
	if err != nil {
		return Metrics{}, err
	}
	summary, err := p.catalog.Summarize(ctx, since, 0)
	if err != nil {
		return Metrics{}, fmt.Errorf("summarize catalog: %w", err)
	}
	qh, err := p.QueueHealth(ctx)
	if err != nil {
		return Metrics{}, err
	}

	ret := Metrics{
		Timestamp: now,
		Period:    "24h",
		Jobs: JobMetrics{
			Total:           len(recent),
			ByStatus:        make(map[jobs.Status]int),
			ByType:          make(map[jobs.Type]int),
			ProcessingTimes: processingTimes(recent),
			ErrorAnalysis:   analyzeErrors(recent),
		},
		Media: MediaMetrics{ByType: summary.MediaByType},
		Cards: CardMetrics{
			Total:  summary.ActiveCards + summary.DraftCards,
			Active: summary.ActiveCards,
			Drafts: summary.DraftCards,
		},
		Decks:         summary.DecksCreated,
		IngestedFiles: summary.IngestedFiles,
		Queue:         qh,
		Users:         topUsers(recent),
		System:        systemMetrics(p.started),
	}
	for _, j := range recent {
		ret.Jobs.ByStatus[j.Status]++
		ret.Jobs.ByType[j.Type]++
	}
	for _, n := range summary.MediaByType {
		ret.Media.Total += n
	}
	return ret, nil
}

// processingTimes reports done jobs' created-to-finished seconds.
func processingTimes(list []*jobs.Job) ProcessingTimes {
	times := make([]float64, 0, len(list))
	for _, j := range list {
		if j.Status == jobs.StatusDone {
			times = append(times, j.UpdatedAt.Sub(j.CreatedAt).Seconds())
		}
	}
	if len(times) == 0 {
		return ProcessingTimes{}
	}
	sort.Float64s(times)
	sum := 0.0
	for _, t := range times {
		sum += t
	}
	return ProcessingTimes{
		Average: int(math.Round(sum / float64(len(times)))),
		Median:  int(math.Round(times[len(times)/2])),
		Min:     int(math.Round(times[0])),
		Max:     int(math.Round(times[len(times)-1])),
		Count:   len(times),
	}
}

func analyzeErrors(list []*jobs.Job) ErrorAnalysis {
	ret := ErrorAnalysis{ByType: map[jobs.Type]int{}, ByError: map[string]int{}}
	for _, j := range list {
		if j.Status != jobs.StatusFailed {
			continue
		}
		ret.Total++
		ret.ByType[j.Type]++
		ret.ByError[j.ErrorMessage()]++
	}
	return ret
}

func topUsers(list []*jobs.Job) []UserActivity {
	byUser := map[string]*UserActivity{}
	for _, j := range list {
		u, ok := byUser[j.CreatedBy]
		if !ok {
			u = &UserActivity{UserID: j.CreatedBy, ByType: map[jobs.Type]int{}}
			byUser[j.CreatedBy] = u
		}
		u.TotalJobs++
		u.ByType[j.Type]++
	}
	ret := make([]UserActivity, 0, len(byUser))
	for _, u := range byUser {
		ret = append(ret, *u)
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].TotalJobs != ret[j].TotalJobs {
			return ret[i].TotalJobs > ret[j].TotalJobs
		}
		return ret[i].UserID < ret[j].UserID
	})
	if len(ret) > topUsersLimit {
		ret = ret[:topUsersLimit]
	}
	return ret
}

func systemMetrics(started time.Time) SystemMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return SystemMetrics{
		Uptime:     fmt.Sprintf("%ds", int(time.Since(started).Seconds())),
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     mem.HeapAlloc >> 20,
	}
}

type Alert struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Details  any    `json:"details,omitempty"`
}

type AlertSummary struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"bySeverity"`
}

type AlertReport struct {
	Timestamp time.Time    `json:"timestamp"`
	Alerts    []Alert      `json:"alerts"`
	Summary   AlertSummary `json:"summary"`
}

// Alerts raises stuck jobs, a failure rate over 10% in the last hour, an
// unhealthy queue and jobs queued for more than 10 minutes.
func (p *Probe) Alerts(ctx context.Context) (AlertReport, error) {
	now := p.queue.Now()
	alerts := make([]Alert, 0)

	stuck, err := p.queue.FindStuck(ctx)
	if err != nil {
		return AlertReport{}, err
	}
	if len(stuck) > 0 {
		ids := make([]int64, 0, len(stuck))
		oldest := stuck[0]
		for _, j := range stuck {
			ids = append(ids, j.ID)
			if j.UpdatedAt.Before(oldest.UpdatedAt) {
				oldest = j
			}
		}
		alerts = append(alerts, Alert{
			Type:     "warning",
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("%d jobs stuck in processing state", len(stuck)),
			Details:  map[string]any{"jobIds": ids, "oldestStuck": oldest},
		})
	}

	lastHour, err := p.queue.Count(ctx, jobs.Filter{CreatedSince: now.Add(-failureRateWindow)})
	if err != nil {
		return AlertReport{}, err
	}
	total, failed := 0, 0
	for _, c := range lastHour {
		total += c.N
		if c.Status == jobs.StatusFailed {
			failed += c.N
		}
	}
	if total > 0 {
		rate := float64(failed) / float64(total)
		if rate > failureRateLimit {
			alerts = append(alerts, Alert{
				Type:     "error",
				Severity: SeverityHigh,
				Message:  fmt.Sprintf("High failure rate: %d%%", int(math.Round(rate*100))),
				Details:  map[string]any{"totalJobs": total, "failedJobs": failed, "failureRate": rate},
			})
		}
	}

	qh, err := p.QueueHealth(ctx)
	if err != nil {
		return AlertReport{}, err
	}
	if !qh.Healthy {
		alerts = append(alerts, Alert{
			Type:     "warning",
			Severity: SeverityMedium,
			Message:  "Queue health issues detected",
			Details:  qh,
		})
	}

	waiting, err := p.queue.List(ctx, jobs.Filter{
		Statuses:       []jobs.Status{jobs.StatusQueued},
		EnqueuedBefore: now.Add(-queuedTooLong),
	})
	if err != nil {
		return AlertReport{}, err
	}
	if len(waiting) > 0 {
		alerts = append(alerts, Alert{
			Type:     "warning",
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("%d jobs queued for over 10 minutes", len(waiting)),
			Details:  map[string]any{"oldestQueued": waiting[0]},
		})
	}

	ret := AlertReport{
		Timestamp: now,
		Alerts:    alerts,
		Summary: AlertSummary{
			Total:      len(alerts),
			BySeverity: map[string]int{SeverityHigh: 0, SeverityMedium: 0, SeverityLow: 0},
		},
	}
	for _, a := range alerts {
		ret.Summary.BySeverity[a.Severity]++
	}
	return ret, nil
}

type RecentActivity struct {
	Jobs  []*jobs.Job          `json:"jobs"`
	Media []catalog.MediaAsset `json:"media"`
	Cards []catalog.Card       `json:"cards"`
}

type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

type HealthSummary struct {
	Queue        map[jobs.Status]int `json:"queue"`
	RecentErrors int                 `json:"recentErrors"`
	HealthScore  int                 `json:"healthScore"`
}

type Dashboard struct {
	Timestamp      time.Time          `json:"timestamp"`
	RecentActivity RecentActivity     `json:"recentActivity"`
	HourlyActivity []HourCount        `json:"hourlyActivity"`
	TopUsers       []UserActivity     `json:"topUsers"`
	Health         HealthSummary      `json:"health"`
	NextTick       *icron.TriggerInfo `json:"nextTick,omitempty"`
}

func (p *Probe) Dashboard(ctx context.Context) (Dashboard, error) {
	now := p.queue.Now()
	recentJobs, err := p.queue.List(ctx, jobs.Filter{NewestFirst: true, Limit: dashboardJobs})
	if err != nil {
		return Dashboard{}, err
	}
	summary, err := p.catalog.Summarize(ctx, time.Time{}, dashboardRecent)
	if err != nil {
		return Dashboard{}, fmt.Errorf("summarize catalog: %w", err)
	}
	day, err := p.queue.List(ctx, jobs.Filter{CreatedSince: now.Add(-metricsWindow)})
	if err != nil {
		return Dashboard{}, err
	}
	week, err := p.queue.List(ctx, jobs.Filter{CreatedSince: now.Add(-topUsersWindow)})
	if err != nil {
		return Dashboard{}, err
	}
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	recentErrors, err := p.countSince(ctx, jobs.StatusFailed, now.Add(-failureRateWindow))
	if err != nil {
		return Dashboard{}, err
	}

	ret := Dashboard{
		Timestamp: now,
		RecentActivity: RecentActivity{
			Jobs:  recentJobs,
			Media: nonNilSlice(summary.RecentMedia),
			Cards: nonNilSlice(summary.RecentCards),
		},
		HourlyActivity: hourlyActivity(day),
		TopUsers:       topUsers(week),
		Health: HealthSummary{
			Queue:        stats.ByStatus,
			RecentErrors: recentErrors,
			HealthScore:  HealthScore(stats.ByStatus, recentErrors),
		},
	}
	if p.tickExpr != "" {
		info, err := icron.GetTriggerInfo(p.tickExpr, now)
		if err != nil {
			log.WithError(err).Warn("Failed to compute next tick for %q", p.tickExpr)
		} else {
			ret.NextTick = info
		}
	}
	return ret, nil
}

// HealthScore starts at 100 and deducts for a long queue, many jobs in
// processing and recent failures.
func HealthScore(byStatus map[jobs.Status]int, recentErrors int) int {
	score := 100
	switch queued := byStatus[jobs.StatusQueued]; {
	case queued > 50:
		score -= 20
	case queued > 20:
		score -= 10
	}
	if byStatus[jobs.StatusProcessing] > 10 {
		score -= 15
	}
	switch {
	case recentErrors > 10:
		score -= 25
	case recentErrors > 5:
		score -= 15
	}
	return max(0, score)
}

// hourlyActivity buckets jobs by UTC hour of day.
func hourlyActivity(list []*jobs.Job) []HourCount {
	ret := make([]HourCount, 24)
	for h := range ret {
		ret[h].Hour = h
	}
	for _, j := range list {
		ret[j.CreatedAt.UTC().Hour()].Count++
	}
	return ret
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type CleanupOperation struct {
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	JobIDs    []int64 `json:"jobIds,omitempty"`
}

type CleanupReport struct {
	Timestamp  time.Time          `json:"timestamp"`
	Operations []CleanupOperation `json:"operations"`
}

// Cleanup fails stuck jobs and deletes terminal jobs older than
// olderThanDays. Each step is reported separately; a failing step does not
// stop the next one.
func (p *Probe) Cleanup(ctx context.Context, olderThanDays int) CleanupReport {
	if olderThanDays <= 0 {
		olderThanDays = DefaultCleanupDays
	}
	ret := CleanupReport{Timestamp: p.queue.Now()}

	stuck := CleanupOperation{Operation: "cleanup_stuck_jobs", Status: "completed"}
	if res, err := p.queue.ReclaimStuck(ctx); err != nil {
		stuck.Status, stuck.Error = "failed", err.Error()
	} else {
		stuck.Count, stuck.JobIDs = int64(res.Reclaimed), res.JobIDs
		metrics.JobsReclaimedTotal.Add(float64(res.Reclaimed))
	}
	ret.Operations = append(ret.Operations, stuck)

	old := CleanupOperation{Operation: "cleanup_old_jobs", Status: "completed"}
	if n, err := p.queue.CleanupOld(ctx, olderThanDays); err != nil {
		old.Status, old.Error = "failed", err.Error()
	} else {
		old.Count = n
		metrics.JobsCleanedTotal.Add(float64(n))
	}
	ret.Operations = append(ret.Operations, old)

	log.WithFields(log.Fields{
		"reclaimed": stuck.Count,
		"deleted":   old.Count,
	}).Info("System cleanup completed")
	return ret
}
