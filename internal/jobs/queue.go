package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MimeLyc/mediacards/internal/errs"
	"github.com/MimeLyc/mediacards/pkg/log"
)

// Queue implements the job lifecycle on top of a Store. It holds no job
// state of its own, so any number of Queues may share one Store.
type Queue struct {
	store      Store
	now        func() time.Time
	thresholds Thresholds
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

func WithThresholds(t Thresholds) Option {
	return func(q *Queue) {
		if t.Detect > 0 {
			q.thresholds.Detect = t.Detect
		}
		if t.Fail > 0 {
			q.thresholds.Fail = t.Fail
		}
	}
}

func NewQueue(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		now:        time.Now,
		thresholds: DefaultThresholds,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Now() time.Time {
	return q.now().UTC()
}

func (q *Queue) Thresholds() Thresholds {
	return q.thresholds
}

// Enqueue validates in and stores it as a new queued job. An input without an
// owner belongs to createdBy, or to the first segment of its storage path.
func (q *Queue) Enqueue(ctx context.Context, in Input, createdBy string) (*Job, error) {
	if in == nil {
		return nil, errs.New(errs.KindValidation, "job input is required")
	}
	in = withOwner(in, createdBy)
	jobType := in.JobType()
	if err := in.Validate(); err != nil {
		return nil, errs.Wrap(err, errs.KindValidation, "invalid "+string(jobType)+" input: "+err.Error())
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindValidation, "encode job input")
	}
	if err := ValidateInputJSON(jobType, raw); err != nil {
		return nil, errs.Wrap(err, errs.KindValidation, "invalid "+string(jobType)+" input")
	}

	now := q.Now()
	job, err := q.store.Insert(ctx, &Job{
		Type:       jobType,
		Status:     StatusQueued,
		Input:      raw,
		CreatedBy:  createdBy,
		CreatedAt:  now,
		UpdatedAt:  now,
		EnqueuedAt: now,
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.KindStore, "insert job")
	}
	log.WithFields(log.Fields{"job_id": job.ID, "type": job.Type, "created_by": createdBy}).Info("Enqueued job %d", job.ID)
	return job, nil
}

// ClaimNext atomically takes the oldest queued job. It returns nil when the queue is empty.
func (q *Queue) ClaimNext(ctx context.Context) (*Job, error) {
	job, err := q.store.ClaimNext(ctx, q.Now())
	if err != nil {
		return nil, errs.Wrap(err, errs.KindStore, "claim next job")
	}
	if job != nil {
		log.WithFields(log.Fields{"job_id": job.ID, "type": job.Type, "attempt": job.Attempts}).Info("Claimed job %d", job.ID)
	}
	return job, nil
}

// Complete records out and moves a processing job to done.
func (q *Queue) Complete(ctx context.Context, id int64, out Output) (*Job, error) {
	if out == nil {
		return nil, errs.New(errs.KindValidation, "job output is required")
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindValidation, "encode job output")
	}
	return q.transition(ctx, id, StatusProcessing, Update{
		Status: StatusDone,
		Output: raw,
		At:     q.Now(),
	})
}

// Fail records reason and moves a processing job to failed.
func (q *Queue) Fail(ctx context.Context, id int64, reason string) (*Job, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}
	return q.transition(ctx, id, StatusProcessing, Update{
		Status: StatusFailed,
		Error:  &reason,
		At:     q.Now(),
	})
}

// Retry puts a failed job back at the end of the queue with its error cleared.
func (q *Queue) Retry(ctx context.Context, id int64) (*Job, error) {
	return q.transition(ctx, id, StatusFailed, Update{
		Status: StatusQueued,
		At:     q.Now(),
	})
}

func (q *Queue) transition(ctx context.Context, id int64, from Status, u Update) (*Job, error) {
	job, err := q.store.Transition(ctx, id, from, u)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		return nil, errs.Newf(errs.KindNotFound, "job %d not found", id)
	case errors.Is(err, ErrStatusMismatch):
		current := "unknown"
		if existing, getErr := q.store.Get(ctx, id); getErr == nil {
			current = string(existing.Status)
		}
		return nil, errs.Newf(errs.KindInvalidTransition, "job %d cannot move from %s to %s", id, current, u.Status).
			With("expected", from)
	default:
		return nil, errs.Wrap(err, errs.KindStore, "update job status").With("job_id", id)
	}

	fields := log.Fields{"job_id": id, "type": job.Type, "status": job.Status}
	if job.Error != nil {
		log.WithFields(fields).Warn("Job %d %s: %s", id, job.Status, *job.Error)
	} else {
		log.WithFields(fields).Info("Job %d %s", id, job.Status)
	}
	return job, nil
}

// FindStuck lists processing jobs older than the detection threshold without changing them.
func (q *Queue) FindStuck(ctx context.Context) ([]*Job, error) {
	ret, err := q.store.List(ctx, Filter{
		Statuses:      []Status{StatusProcessing},
		UpdatedBefore: q.Now().Add(-q.thresholds.Detect),
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.KindStore, "list stuck jobs")
	}
	return ret, nil
}

// ReclaimStuck fails processing jobs older than the fail threshold. Running it
// again finds nothing new because the reclaimed jobs are terminal.
func (q *Queue) ReclaimStuck(ctx context.Context) (ReclaimResult, error) {
	now := q.Now()
	failed, err := q.store.FailStale(ctx, now.Add(-q.thresholds.Fail), StuckReason, now)
	if err != nil {
		return ReclaimResult{}, errs.Wrap(err, errs.KindStore, "reclaim stuck jobs")
	}
	ret := ReclaimResult{Reclaimed: len(failed), JobIDs: make([]int64, 0, len(failed))}
	for _, job := range failed {
		ret.JobIDs = append(ret.JobIDs, job.ID)
	}
	if ret.Reclaimed > 0 {
		log.WithFields(log.Fields{"job_ids": ret.JobIDs}).Warn("Reclaimed %d stuck jobs", ret.Reclaimed)
	}
	return ret, nil
}

// CleanupOld deletes done and failed jobs created more than olderThanDays ago.
func (q *Queue) CleanupOld(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = DefaultRetentionDays
	}
	cutoff := q.Now().AddDate(0, 0, -olderThanDays)
	n, err := q.store.DeleteTerminal(ctx, cutoff)
	if err != nil {
		return 0, errs.Wrap(err, errs.KindStore, "delete old jobs")
	}
	if n > 0 {
		log.Info("Deleted %d terminal jobs older than %d days", n, olderThanDays)
	}
	return n, nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*Job, error) {
	job, err := q.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, errs.Newf(errs.KindNotFound, "job %d not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.KindStore, "get job")
	}
	return job, nil
}

func (q *Queue) List(ctx context.Context, f Filter) ([]*Job, error) {
	ret, err := q.store.List(ctx, f)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindStore, "list jobs")
	}
	return ret, nil
}

func (q *Queue) Count(ctx context.Context, f Filter) ([]Count, error) {
	ret, err := q.store.Count(ctx, f)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindStore, "count jobs")
	}
	return ret, nil
}

// Stats reports the current queue depth by status and type.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.Count(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	ret := Stats{
		ByStatus: make(map[Status]int, len(Statuses)),
		ByType:   make(map[Type]map[Status]int, len(Types)),
	}
	for _, s := range Statuses {
		ret.ByStatus[s] = 0
	}
	for _, c := range counts {
		ret.Total += c.N
		ret.ByStatus[c.Status] += c.N
		byStatus, ok := ret.ByType[c.Type]
		if !ok {
			byStatus = make(map[Status]int)
			ret.ByType[c.Type] = byStatus
		}
		byStatus[c.Status] += c.N
	}
	return ret, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	if err := q.store.Ping(ctx); err != nil {
		return errs.Wrap(err, errs.KindStore, "ping store")
	}
	return nil
}
