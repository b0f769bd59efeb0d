package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/MimeLyc/mediacards/internal/jobs/jobstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	jobstest.RunStoreTests(t, func(t *testing.T) jobs.Store {
		return jobs.NewMemoryStore()
	})
}

func TestMemoryStore_PrunesOldestTerminalJobs(t *testing.T) {
	clock := jobstest.NewClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	store := jobs.NewMemoryStore(jobs.WithMaxJobs(2))
	q := jobs.NewQueue(store, jobs.WithClock(clock.Now))
	ctx := context.Background()

	first, err := q.Enqueue(ctx, jobstest.ImageInput("u1", "a.png"), "u1")
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	_, err = q.Complete(ctx, first.ID, jobstest.ImageOutput())
	require.NoError(t, err)

	clock.Advance(time.Second)
	second, err := q.Enqueue(ctx, jobstest.ImageInput("u1", "b.png"), "u1")
	require.NoError(t, err)
	third, err := q.Enqueue(ctx, jobstest.ImageInput("u1", "c.png"), "u1")
	require.NoError(t, err)

	_, err = store.Get(ctx, first.ID)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
	_, err = store.Get(ctx, second.ID)
	assert.NoError(t, err)
	_, err = store.Get(ctx, third.ID)
	assert.NoError(t, err)
}

func TestMemoryStore_ReturnsSnapshots(t *testing.T) {
	store := jobs.NewMemoryStore()
	ctx := context.Background()

	job, err := store.Insert(ctx, &jobs.Job{Type: jobs.TypeIngestImage, Status: jobs.StatusQueued, Input: []byte(`{"a":1}`)})
	require.NoError(t, err)
	job.Status = jobs.StatusDone
	job.Input[0] = 'x'

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, got.Status)
	assert.JSONEq(t, `{"a":1}`, string(got.Input))
}
