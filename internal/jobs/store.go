package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrStatusMismatch is returned by Transition when the job is not in the expected status.
	ErrStatusMismatch = errors.New("job status mismatch")
)

// Update is applied by Transition. Output and Error replace the stored values,
// so a nil Output or Error clears them. Moving to queued also refreshes EnqueuedAt.
type Update struct {
	Status Status
	Output json.RawMessage
	Error  *string
	At     time.Time
}

// Filter narrows List and Count. Zero fields do not filter.
type Filter struct {
	Statuses      []Status
	Types         []Type
	CreatedBy     string
	CreatedSince  time.Time
	CreatedBefore time.Time
	UpdatedSince  time.Time
	UpdatedBefore time.Time
	// EnqueuedBefore selects jobs that have waited in the queue since before this instant.
	EnqueuedBefore time.Time
	Limit          int
	// NewestFirst orders by created_at descending instead of queue order.
	NewestFirst bool
}

type Count struct {
	Status Status
	Type   Type
	N      int
}

// Store is the persistence contract of the queue. Every method that changes a
// job's status must do so as a single conditional update so that concurrent
// callers cannot both succeed.
type Store interface {
	// Insert assigns the job ID and persists the job.
	Insert(ctx context.Context, job *Job) (*Job, error)
	// ClaimNext moves the oldest queued job to processing and returns it,
	// or returns nil when nothing is queued.
	ClaimNext(ctx context.Context, at time.Time) (*Job, error)
	// Transition applies u only if the job is currently in status from.
	Transition(ctx context.Context, id int64, from Status, u Update) (*Job, error)
	Get(ctx context.Context, id int64) (*Job, error)
	List(ctx context.Context, f Filter) ([]*Job, error)
	Count(ctx context.Context, f Filter) ([]Count, error)
	// FailStale fails processing jobs last updated before cutoff.
	FailStale(ctx context.Context, cutoff time.Time, reason string, at time.Time) ([]*Job, error)
	// DeleteTerminal removes done and failed jobs created before cutoff.
	DeleteTerminal(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// Matches reports whether job satisfies f, ignoring Limit and ordering.
// Backends that filter in memory share it.
func (f Filter) Matches(job *Job) bool {
	if job == nil {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, job.Status) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, job.Type) {
		return false
	}
	if f.CreatedBy != "" && job.CreatedBy != f.CreatedBy {
		return false
	}
	if !f.CreatedSince.IsZero() && job.CreatedAt.Before(f.CreatedSince) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !job.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.UpdatedSince.IsZero() && job.UpdatedAt.Before(f.UpdatedSince) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if !f.EnqueuedBefore.IsZero() && !job.EnqueuedAt.Before(f.EnqueuedBefore) {
		return false
	}
	return true
}
