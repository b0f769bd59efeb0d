package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps jobs in a map guarded by a mutex. It is used for tests
// and single-process development; all state is lost on restart.
type MemoryStore struct {
	maxJobs int

	mu        sync.Mutex
	jobs      map[int64]*Job
	idCounter int64
}

type MemoryOption func(*MemoryStore)

// WithMaxJobs prunes the oldest terminal jobs once more than n jobs are held.
func WithMaxJobs(n int) MemoryOption {
	return func(s *MemoryStore) {
		s.maxJobs = n
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		jobs: make(map[int64]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Insert(_ context.Context, job *Job) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.idCounter++
	stored := cloneJob(job)
	stored.ID = s.idCounter
	s.jobs[stored.ID] = stored
	s.pruneTerminalJobsLocked()
	return cloneJob(stored), nil
}

func (s *MemoryStore) ClaimNext(_ context.Context, at time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *Job
	for _, job := range s.jobs {
		if job.Status != StatusQueued {
			continue
		}
		if next == nil || queueOrderLess(job, next) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = StatusProcessing
	next.UpdatedAt = at
	next.Attempts++
	return cloneJob(next), nil
}

func (s *MemoryStore) Transition(_ context.Context, id int64, from Status, u Update) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != from {
		return nil, ErrStatusMismatch
	}
	applyUpdate(job, u)
	return cloneJob(job), nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Job, error) {
	s.mu.Lock()
	ret := make([]*Job, 0)
	for _, job := range s.jobs {
		if f.Matches(job) {
			ret = append(ret, cloneJob(job))
		}
	}
	s.mu.Unlock()

	sort.Slice(ret, func(i, j int) bool {
		if f.NewestFirst {
			if !ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
				return ret[i].CreatedAt.After(ret[j].CreatedAt)
			}
			return ret[i].ID > ret[j].ID
		}
		return queueOrderLess(ret[i], ret[j])
	})
	if f.Limit > 0 && len(ret) > f.Limit {
		ret = ret[:f.Limit]
	}
	return ret, nil
}

func (s *MemoryStore) Count(_ context.Context, f Filter) ([]Count, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		status Status
		typ    Type
	}
	counts := make(map[key]int)
	for _, job := range s.jobs {
		if f.Matches(job) {
			counts[key{job.Status, job.Type}]++
		}
	}
	ret := make([]Count, 0, len(counts))
	for k, n := range counts {
		ret = append(ret, Count{Status: k.status, Type: k.typ, N: n})
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Status != ret[j].Status {
			return ret[i].Status < ret[j].Status
		}
		return ret[i].Type < ret[j].Type
	})
	return ret, nil
}

func (s *MemoryStore) FailStale(_ context.Context, cutoff time.Time, reason string, at time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Status != StatusProcessing || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		msg := reason
		applyUpdate(job, Update{Status: StatusFailed, Error: &msg, At: at})
		ret = append(ret, cloneJob(job))
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

func (s *MemoryStore) DeleteTerminal(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) pruneTerminalJobsLocked() {
	if s.maxJobs <= 0 || len(s.jobs) <= s.maxJobs {
		return
	}

	terminal := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.Status.Terminal() {
			terminal = append(terminal, job)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].UpdatedAt.Before(terminal[j].UpdatedAt)
	})

	toRemove := min(len(s.jobs)-s.maxJobs, len(terminal))
	for i := 0; i < toRemove; i++ {
		delete(s.jobs, terminal[i].ID)
	}
}

func applyUpdate(job *Job, u Update) {
	job.Status = u.Status
	job.Output = u.Output
	job.Error = u.Error
	job.UpdatedAt = u.At
	if u.Status == StatusQueued {
		job.EnqueuedAt = u.At
	}
}

// queueOrderLess is FIFO by enqueue time with the ID as tie-breaker.
func queueOrderLess(a, b *Job) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}
