// Package worker claims and executes one queued job per invocation.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MimeLyc/mediacards/internal/errs"
	"github.com/MimeLyc/mediacards/internal/events"
	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/MimeLyc/mediacards/internal/metrics"
	"github.com/MimeLyc/mediacards/pkg/log"
)

const (
	DefaultJobTimeout = 5 * time.Minute
	// finalWriteTimeout bounds the status write after the caller's context ended.
	finalWriteTimeout = 10 * time.Second
)

// Processor performs the media work of each job type.
type Processor interface {
	IngestImage(ctx context.Context, in jobs.IngestImageInput) (jobs.IngestImageOutput, error)
	IngestVideo(ctx context.Context, in jobs.IngestVideoInput) (jobs.IngestVideoOutput, error)
	IngestPDF(ctx context.Context, in jobs.IngestPDFInput) (jobs.IngestPDFOutput, error)
	GenerateCards(ctx context.Context, in jobs.GenerateCardsInput) (jobs.GenerateCardsOutput, error)
}

// Queue is the part of jobs.Queue the worker drives.
type Queue interface {
	ClaimNext(ctx context.Context) (*jobs.Job, error)
	Complete(ctx context.Context, id int64, out jobs.Output) (*jobs.Job, error)
	Fail(ctx context.Context, id int64, reason string) (*jobs.Job, error)
}

type JobResult struct {
	ID         int64       `json:"id"`
	Type       jobs.Type   `json:"type"`
	Status     jobs.Status `json:"status"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"duration_ms"`
	// Result is the recorded output of a done job.
	Result json.RawMessage `json:"result,omitempty"`
}

type RunResult struct {
	Processed int         `json:"processed"`
	Jobs      []JobResult `json:"jobs"`
}

func emptyResult() RunResult {
	return RunResult{Processed: 0, Jobs: []JobResult{}}
}

type Worker struct {
	queue     Queue
	processor Processor
	publisher events.Publisher
	timeout   time.Duration
}

type Option func(*Worker)

func WithPublisher(p events.Publisher) Option {
	return func(w *Worker) {
		if p != nil {
			w.publisher = p
		}
	}
}

func WithJobTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func New(queue Queue, processor Processor, opts ...Option) *Worker {
	w := &Worker{
		queue:     queue,
		processor: processor,
		publisher: events.Noop{},
		timeout:   DefaultJobTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunOnce claims at most one job and drives it to done or failed. A failing
// job is reported in the result; only store errors are returned.
func (w *Worker) RunOnce(ctx context.Context) (RunResult, error) {
	job, err := w.queue.ClaimNext(ctx)
	if err != nil {
		metrics.WorkerRunsTotal.WithLabelValues("error").Inc()
		return emptyResult(), err
	}
	if job == nil {
		metrics.WorkerRunsTotal.WithLabelValues("empty").Inc()
		return emptyResult(), nil
	}

	start := time.Now()
	out, procErr := w.execute(ctx, job)
	elapsed := time.Since(start)

	// The job is ours now; record its outcome even if the caller gave up.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()

	var final *jobs.Job
	eventType := events.JobDone
	if procErr == nil {
		final, err = w.queue.Complete(writeCtx, job.ID, out)
	} else {
		eventType = events.JobFailed
		log.WithFields(log.Fields{"job_id": job.ID, "type": job.Type}).WithError(procErr).Warn("Job %d processing failed", job.ID)
		final, err = w.queue.Fail(writeCtx, job.ID, failureReason(procErr))
	}
	if err != nil {
		metrics.WorkerRunsTotal.WithLabelValues("error").Inc()
		return emptyResult(), err
	}

	metrics.WorkerRunsTotal.WithLabelValues("processed").Inc()
	metrics.JobsFinishedTotal.WithLabelValues(string(final.Type), string(final.Status)).Inc()
	metrics.JobDurationSeconds.WithLabelValues(string(final.Type), string(final.Status)).Observe(elapsed.Seconds())
	if err := w.publisher.Publish(writeCtx, events.FromJob(eventType, final)); err != nil {
		log.WithError(err).Warn("Failed to publish %s for job %d", eventType, final.ID)
	}

	return RunResult{
		Processed: 1,
		Jobs: []JobResult{{
			ID:         final.ID,
			Type:       final.Type,
			Status:     final.Status,
			Error:      final.ErrorMessage(),
			DurationMs: elapsed.Milliseconds(),
			Result:     final.Output,
		}},
	}, nil
}

// execute decodes the input and dispatches it to the processor under the job
// timeout. Panics come back as errors.
func (w *Worker) execute(ctx context.Context, job *jobs.Job) (jobs.Output, error) {
	in, err := jobs.DecodeInput(job.Type, job.Input)
	if err != nil {
		var unknown *jobs.UnknownTypeError
		if errors.As(err, &unknown) {
			return nil, unknown
		}
		return nil, fmt.Errorf("invalid %s input: %w", job.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var out jobs.Output
	err = errs.SafeExecute(func() error {
		var perr error
		switch in := in.(type) {
		case jobs.IngestImageInput:
			out, perr = w.processor.IngestImage(ctx, in)
		case jobs.IngestVideoInput:
			out, perr = w.processor.IngestVideo(ctx, in)
		case jobs.IngestPDFInput:
			out, perr = w.processor.IngestPDF(ctx, in)
		case jobs.GenerateCardsInput:
			out, perr = w.processor.GenerateCards(ctx, in)
		default:
			perr = &jobs.UnknownTypeError{Type: job.Type}
		}
		return perr
	})
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job exceeded %s: %w", w.timeout, err)
	}
	return out, err
}

func failureReason(err error) string {
	var e *errs.Error
	if errors.As(err, &e) && e.Cause == nil {
		return e.Message
	}
	return err.Error()
}
