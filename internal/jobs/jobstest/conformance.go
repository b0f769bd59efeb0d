// Package jobstest holds the behaviour every jobs.Store backend must share.
package jobstest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MimeLyc/mediacards/internal/errs"
	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Clock is a settable time source for jobs.WithClock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC().Truncate(time.Millisecond)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC().Truncate(time.Millisecond)
	c.mu.Unlock()
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func ImageInput(owner, path string) jobs.IngestImageInput {
	return jobs.IngestImageInput{FileInput: jobs.FileInput{
		StoragePath: owner + "/" + path,
		MimeType:    "image/png",
		FileSize:    2048,
		Owner:       owner,
	}}
}

func ImageOutput() jobs.IngestImageOutput {
	return jobs.IngestImageOutput{IngestOutput: jobs.IngestOutput{
		MediaAssetID: 7,
		CardID:       9,
		DeckID:       3,
		Description:  "a red bicycle",
		Provider:     "local",
	}}
}

// RunStoreTests exercises a Store through jobs.Queue. newStore must return an
// empty store for every call.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) jobs.Store) {
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) (*jobs.Queue, *Clock) {
		clock := NewClock(base)
		return jobs.NewQueue(newStore(t), jobs.WithClock(clock.Now)), clock
	}

	t.Run("enqueue stores queued job", func(t *testing.T) {
		q, _ := setup(t)
		ctx := context.Background()

		job, err := q.Enqueue(ctx, ImageInput("u1", "a.png"), "u1")
		require.NoError(t, err)
		assert.NotZero(t, job.ID)
		assert.Equal(t, jobs.StatusQueued, job.Status)
		assert.Equal(t, jobs.TypeIngestImage, job.Type)
		assert.Nil(t, job.Output)
		assert.Nil(t, job.Error)

		got, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		in, err := jobs.DecodeInput(got.Type, got.Input)
		require.NoError(t, err)
		assert.Equal(t, "u1/a.png", in.(jobs.IngestImageInput).StoragePath)
		assert.Equal(t, "u1", got.CreatedBy)
		assert.True(t, got.CreatedAt.Equal(base))
	})

	t.Run("claim on empty queue returns nil", func(t *testing.T) {
		q, _ := setup(t)
		job, err := q.ClaimNext(context.Background())
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("claims in FIFO order", func(t *testing.T) {
		q, clock := setup(t)
		ctx := context.Background()

		ids := make([]int64, 0, 3)
		for _, name := range []string{"a.png", "b.png", "c.png"} {
			job, err := q.Enqueue(ctx, ImageInput("u1", name), "u1")
			require.NoError(t, err)
			ids = append(ids, job.ID)
			clock.Advance(time.Second)
		}

		for _, want := range ids {
			job, err := q.ClaimNext(ctx)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, want, job.ID)
			assert.Equal(t, jobs.StatusProcessing, job.Status)
			assert.Equal(t, 1, job.Attempts)
		}
		job, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("concurrent claims never share a job", func(t *testing.T) {
		q, _ := setup(t)
		ctx := context.Background()

		const total = 40
		for i := 0; i < total; i++ {
			_, err := q.Enqueue(ctx, ImageInput("u1", "x.png"), "u1")
			require.NoError(t, err)
		}

		var (
			mu      sync.Mutex
			claimed = make(map[int64]int)
			wg      sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					job, err := q.ClaimNext(ctx)
					if !assert.NoError(t, err) || job == nil {
						return
					}
					mu.Lock()
					claimed[job.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, claimed, total)
		for id, n := range claimed {
			assert.Equal(t, 1, n, "job %d claimed %d times", id, n)
		}
	})

	t.Run("complete records output once", func(t *testing.T) {
		q, clock := setup(t)
		ctx := context.Background()

		job, err := q.Enqueue(ctx, ImageInput("u1", "a.png"), "u1")
		require.NoError(t, err)
		_, err = q.ClaimNext(ctx)
		require.NoError(t, err)

		clock.Advance(time.Minute)
		done, err := q.Complete(ctx, job.ID, ImageOutput())
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusDone, done.Status)
		assert.Nil(t, done.Error)
		require.NotNil(t, done.Output)
		assert.True(t, done.UpdatedAt.Equal(base.Add(time.Minute)))

		out, err := jobs.DecodeOutput(done.Type, done.Output)
		require.NoError(t, err)
		assert.Equal(t, int64(7), out.(jobs.IngestImageOutput).MediaAssetID)

		_, err = q.Fail(ctx, job.ID, "late failure")
		require.Error(t, err)
		assert.True(t, errs.IsKind(err, errs.KindInvalidTransition))

		_, err = q.Complete(ctx, job.ID, ImageOutput())
		assert.True(t, errs.IsKind(err, errs.KindInvalidTransition))

		got, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusDone, got.Status)
		assert.Nil(t, got.Error)
	})

	t.Run("fail records error and no output", func(t *testing.T) {
		q, _ := setup(t)
		ctx := context.Background()

		job, err := q.Enqueue(ctx, ImageInput("u1", "a.png"), "u1")
		require.NoError(t, err)
		_, err = q.ClaimNext(ctx)
		require.NoError(t, err)

		failed, err := q.Fail(ctx, job.ID, "AI provider returned 503")
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusFailed, failed.Status)
		assert.Equal(t, "AI provider returned 503", failed.ErrorMessage())
		assert.Nil(t, failed.Output)

		_, err = q.Complete(ctx, job.ID, ImageOutput())
		assert.True(t, errs.IsKind(err, errs.KindInvalidTransition))
	})

	t.Run("queued job cannot complete", func(t *testing.T) {
		q, _ := setup(t)
		ctx := context.Background()

		job, err := q.Enqueue(ctx, ImageInput("u1", "a.png"), "u1")
		require.NoError(t, err)
		_, err = q.Complete(ctx, job.ID, ImageOutput())
		assert.True(t, errs.IsKind(err, errs.KindInvalidTransition))

		_, err = q.Complete(ctx, job.ID+1000, ImageOutput())
		assert.True(t, errs.IsKind(err, errs.KindNotFound))
	})

	t.Run("reclaims jobs stuck for forty minutes", func(t *testing.T) {
		q, clock := setup(t)
		ctx := context.Background()

		stale, err := q.Enqueue(ctx, ImageInput("u1", "stale.png"), "u1")
		require.NoError(t, err)
		_, err = q.ClaimNext(ctx)
		require.NoError(t, err)

		clock.Advance(35 * time.Minute)
		fresh, err := q.Enqueue(ctx, ImageInput("u1", "fresh.png"), "u1")
		require.NoError(t, err)
		_, err = q.ClaimNext(ctx)
		require.NoError(t, err)

		clock.Advance(5 * time.Minute)

		stuck, err := q.FindStuck(ctx)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, stale.ID, stuck[0].ID)

		res, err := q.ReclaimStuck(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Reclaimed)
		assert.Equal(t, []int64{stale.ID}, res.JobIDs)

		got, err := q.Get(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusFailed, got.Status)
		assert.Equal(t, jobs.StuckReason, got.ErrorMessage())

		got, err = q.Get(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusProcessing, got.Status)

		again, err := q.ReclaimStuck(ctx)
		require.NoError(t, err)
		assert.Zero(t, again.Reclaimed)
	})

	t.Run("cleanup removes only old terminal jobs", func(t *testing.T) {
		q, clock := setup(t)
		ctx := context.Background()

		oldDone, err := q.Enqueue(ctx, ImageInput("u1", "old.png"), "u1")
		require.NoError(t, err)
		_, err = q.ClaimNext(ctx)
		require.NoError(t, err)
		_, err = q.Complete(ctx, oldDone.ID, ImageOutput())
		require.NoError(t, err)

		oldQueued, err := q.Enqueue(ctx, ImageInput("u1", "waiting.png"), "u1")
		require.NoError(t, err)

		clock.Advance(40 * 24 * time.Hour)
		recent, err := q.Enqueue(ctx, ImageInput("u1", "new.png"), "u1")
		require.NoError(t, err)
		_, err = q.ClaimNext(ctx)
		require.NoError(t, err)

		deleted, err := q.CleanupOld(ctx, 30)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = q.Get(ctx, oldDone.ID)
		assert.True(t, errs.IsKind(err, errs.KindNotFound))
		_, err = q.Get(ctx, oldQueued.ID)
		assert.NoError(t, err)
		_, err = q.Get(ctx, recent.ID)
		assert.NoError(t, err)
	})

	t.Run("retry requeues failed job at the back", func(t *testing.T) {
		q, clock := setup(t)
		ctx := context.Background()

		first, err := q.Enqueue(ctx, ImageInput("u1", "a.png"), "u1")
		require.NoError(t, err)
		_, err = q.ClaimNext(ctx)
		require.NoError(t, err)
		_, err = q.Fail(ctx, first.ID, "boom")
		require.NoError(t, err)

		clock.Advance(time.Second)
		second, err := q.Enqueue(ctx, ImageInput("u1", "b.png"), "u1")
		require.NoError(t, err)

		clock.Advance(time.Second)
		retried, err := q.Retry(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusQueued, retried.Status)
		assert.Nil(t, retried.Error)
		assert.True(t, retried.CreatedAt.Equal(base))
		assert.True(t, retried.EnqueuedAt.Equal(base.Add(2*time.Second)))

		next, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, second.ID, next.ID)
		next, err = q.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, first.ID, next.ID)
		assert.Equal(t, 2, next.Attempts)

		_, err = q.Retry(ctx, second.ID)
		assert.True(t, errs.IsKind(err, errs.KindInvalidTransition))
	})

	t.Run("stats and filters", func(t *testing.T) {
		q, clock := setup(t)
		ctx := context.Background()

		_, err := q.Enqueue(ctx, ImageInput("u1", "a.png"), "u1")
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = q.Enqueue(ctx, jobs.IngestPDFInput{FileInput: jobs.FileInput{
			StoragePath: "u2/doc.pdf", MimeType: "application/pdf", FileSize: 10, Owner: "u2",
		}}, "u2")
		require.NoError(t, err)
		_, err = q.ClaimNext(ctx)
		require.NoError(t, err)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Total)
		assert.Equal(t, 1, stats.ByStatus[jobs.StatusQueued])
		assert.Equal(t, 1, stats.ByStatus[jobs.StatusProcessing])
		assert.Equal(t, 0, stats.ByStatus[jobs.StatusDone])
		assert.Equal(t, 1, stats.ByType[jobs.TypeIngestPDF][jobs.StatusQueued])

		list, err := q.List(ctx, jobs.Filter{CreatedBy: "u2"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, jobs.TypeIngestPDF, list[0].Type)

		newest, err := q.List(ctx, jobs.Filter{NewestFirst: true, Limit: 1})
		require.NoError(t, err)
		require.Len(t, newest, 1)
		assert.Equal(t, "u2", newest[0].CreatedBy)

		require.NoError(t, q.Ping(ctx))
	})
}
