// Package scheduler repeatedly invokes the worker on a trigger, either an
// authenticated HTTP tick or an in-process cron schedule.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/mediacards/internal/errs"
	"github.com/MimeLyc/mediacards/internal/metrics"
	"github.com/MimeLyc/mediacards/internal/worker"
	"github.com/MimeLyc/mediacards/pkg/log"
)

const (
	DefaultIterations    = 1
	DefaultDelay         = time.Second
	DefaultMaxIterations = 20
)

// IterationResult is one RunOnce outcome. Error is set only when the
// invocation itself failed; job failures are reported inside Jobs.
type IterationResult struct {
	Processed int                `json:"processed"`
	Jobs      []worker.JobResult `json:"jobs"`
	Error     string             `json:"error,omitempty"`
}

type Summary struct {
	TotalProcessed int `json:"totalProcessed"`
	// TotalJobs counts result slots, one per iteration.
	TotalJobs int `json:"totalJobs"`
}

type TickResult struct {
	RunID      string            `json:"run_id"`
	Iterations int               `json:"iterations"`
	Results    []IterationResult `json:"results"`
	Summary    Summary           `json:"summary"`
}

type Driver struct {
	invoker       Invoker
	maxIterations int
}

type Option func(*Driver)

func WithMaxIterations(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.maxIterations = n
		}
	}
}

func NewDriver(invoker Invoker, opts ...Option) *Driver {
	d := &Driver{invoker: invoker, maxIterations: DefaultMaxIterations}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) MaxIterations() int {
	return d.maxIterations
}

// Tick calls the invoker iterations times, sleeping delay between calls but
// not after the last one. A failed invocation fills its slot with an error
// result and the loop moves on. When ctx ends the remaining slots are
// recorded as failed without invoking the worker.
func (d *Driver) Tick(ctx context.Context, iterations int, delay time.Duration) TickResult {
	iterations = d.clamp(iterations)
	if delay < 0 {
		delay = 0
	}
	runID := uuid.NewString()
	logger := log.WithFields(log.Fields{"run_id": runID})
	logger.Info("Tick started: %d iterations, delay %s", iterations, delay)

	results := make([]IterationResult, 0, iterations)
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			results = append(results, failedIteration(err))
			metrics.TickIterationsTotal.WithLabelValues("error").Inc()
			continue
		}

		res, err := d.invoker.Invoke(ctx)
		if err != nil {
			logger.WithError(err).Error("Iteration %d/%d failed", i+1, iterations)
			results = append(results, failedIteration(err))
			metrics.TickIterationsTotal.WithLabelValues("error").Inc()
		} else {
			results = append(results, IterationResult{Processed: res.Processed, Jobs: nonNil(res.Jobs)})
			metrics.TickIterationsTotal.WithLabelValues("ok").Inc()
		}

		if i < iterations-1 && delay > 0 {
			sleep(ctx, delay)
		}
	}

	ret := TickResult{
		RunID:      runID,
		Iterations: iterations,
		Results:    results,
		Summary:    summarize(results),
	}
	logger.Info("Tick finished: processed %d jobs in %d iterations", ret.Summary.TotalProcessed, iterations)
	return ret
}

func (d *Driver) clamp(iterations int) int {
	if iterations < 1 {
		return DefaultIterations
	}
	if iterations > d.maxIterations {
		return d.maxIterations
	}
	return iterations
}

func failedIteration(err error) IterationResult {
	msg := err.Error()
	var e *errs.Error
	if errors.As(err, &e) && e.Cause == nil {
		msg = e.Message
	}
	return IterationResult{Processed: 0, Jobs: []worker.JobResult{}, Error: msg}
}

func summarize(results []IterationResult) Summary {
	s := Summary{TotalJobs: len(results)}
	for _, r := range results {
		s.TotalProcessed += r.Processed
	}
	return s
}

func nonNil(jobs []worker.JobResult) []worker.JobResult {
	if jobs == nil {
		return []worker.JobResult{}
	}
	return jobs
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
