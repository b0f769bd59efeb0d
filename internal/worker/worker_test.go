package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MimeLyc/mediacards/internal/ai"
	"github.com/MimeLyc/mediacards/internal/catalog"
	"github.com/MimeLyc/mediacards/internal/errs"
	"github.com/MimeLyc/mediacards/internal/events"
	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/MimeLyc/mediacards/internal/jobs/jobstest"
	"github.com/MimeLyc/mediacards/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProcessor fails, panics or blocks depending on its fields.
type stubProcessor struct {
	err     error
	// errOnce fails only the first call.
	errOnce error
	panic   bool
	block   bool
	calls   int
}

func (p *stubProcessor) run(ctx context.Context) error {
	p.calls++
	if p.errOnce != nil {
		err := p.errOnce
		p.errOnce = nil
		return err
	}
	if p.panic {
		panic("nil map write")
	}
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.err
}

func (p *stubProcessor) IngestImage(ctx context.Context, _ jobs.IngestImageInput) (jobs.IngestImageOutput, error) {
	return jobstest.ImageOutput(), p.run(ctx)
}

func (p *stubProcessor) IngestVideo(ctx context.Context, _ jobs.IngestVideoInput) (jobs.IngestVideoOutput, error) {
	return jobs.IngestVideoOutput{}, p.run(ctx)
}

func (p *stubProcessor) IngestPDF(ctx context.Context, _ jobs.IngestPDFInput) (jobs.IngestPDFOutput, error) {
	return jobs.IngestPDFOutput{}, p.run(ctx)
}

func (p *stubProcessor) GenerateCards(ctx context.Context, _ jobs.GenerateCardsInput) (jobs.GenerateCardsOutput, error) {
	return jobs.GenerateCardsOutput{}, p.run(ctx)
}

func newQueue() (*jobs.Queue, *jobs.MemoryStore) {
	store := jobs.NewMemoryStore()
	return jobs.NewQueue(store), store
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	q, _ := newQueue()
	w := New(q, &stubProcessor{})

	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.NotNil(t, res.Jobs)
	assert.Empty(t, res.Jobs)
}

func TestRunOnce_IngestImageCreatesDraftCard(t *testing.T) {
	q, _ := newQueue()
	cat := catalog.NewMemoryStore()
	hub := events.NewHub(4)
	sub, cancel := hub.Subscribe()
	defer cancel()

	w := New(q, pipeline.New(ai.NewLocalProvider(), cat), WithPublisher(hub))
	ctx := context.Background()

	job, err := q.Enqueue(ctx, jobstest.ImageInput("u1", "lung.png"), "u1")
	require.NoError(t, err)

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, job.ID, res.Jobs[0].ID)
	assert.Equal(t, jobs.StatusDone, res.Jobs[0].Status)
	assert.Empty(t, res.Jobs[0].Error)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, stored.Status)
	assert.Nil(t, stored.Error)
	assert.JSONEq(t, string(stored.Output), string(res.Jobs[0].Result))

	encoded, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"result":{`)

	out, err := jobs.DecodeOutput(stored.Type, stored.Output)
	require.NoError(t, err)
	img := out.(jobs.IngestImageOutput)
	assert.NotZero(t, img.MediaAssetID)

	cards := cat.Cards()
	require.Len(t, cards, 1)
	assert.False(t, cards[0].IsActive)
	assert.Equal(t, catalog.DraftAnswer, cards[0].AnswerText)
	assert.Equal(t, []int64{img.MediaAssetID}, cat.CardMedia(img.CardID))

	e := <-sub
	assert.Equal(t, events.JobDone, e.Type)
	assert.Equal(t, job.ID, e.JobID)
}

func TestRunOnce_InputWithoutOwnerRunsToDone(t *testing.T) {
	q, _ := newQueue()
	cat := catalog.NewMemoryStore()
	w := New(q, pipeline.New(ai.NewLocalProvider(), cat))
	ctx := context.Background()

	job, err := q.Enqueue(ctx, jobs.IngestImageInput{FileInput: jobs.FileInput{
		StoragePath: "u1/abc.jpg",
		MimeType:    "image/jpeg",
	}}, "u1")
	require.NoError(t, err)

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, job.ID, res.Jobs[0].ID)
	assert.Equal(t, jobs.TypeIngestImage, res.Jobs[0].Type)
	assert.Equal(t, jobs.StatusDone, res.Jobs[0].Status)
	assert.NotEmpty(t, res.Jobs[0].Result)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, stored.Status)
	require.Len(t, cat.Cards(), 1)
}

func TestRunOnce_ProcessorFailureIsRecorded(t *testing.T) {
	q, _ := newQueue()
	w := New(q, &stubProcessor{err: errors.New("vision API error: 503")})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, jobstest.ImageInput("u1", "a.png"), "u1")
	require.NoError(t, err)

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, jobs.StatusFailed, res.Jobs[0].Status)
	assert.Equal(t, "vision API error: 503", res.Jobs[0].Error)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, stored.Status)
	assert.Nil(t, stored.Output)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "vision API error: 503", *stored.Error)
}

func TestRunOnce_FailureDoesNotBlockNextJob(t *testing.T) {
	q, _ := newQueue()
	w := New(q, &stubProcessor{errOnce: errors.New("vision API error: 503")})
	ctx := context.Background()

	a, err := q.Enqueue(ctx, jobstest.ImageInput("u1", "a.png"), "u1")
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, jobstest.ImageInput("u1", "b.png"), "u1")
	require.NoError(t, err)

	first, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, first.Jobs, 1)
	assert.Equal(t, a.ID, first.Jobs[0].ID)
	assert.Equal(t, jobs.StatusFailed, first.Jobs[0].Status)
	assert.Nil(t, first.Jobs[0].Result)

	second, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, second.Jobs, 1)
	assert.Equal(t, b.ID, second.Jobs[0].ID)
	assert.Equal(t, jobs.StatusDone, second.Jobs[0].Status)
	assert.NotEmpty(t, second.Jobs[0].Result)

	storedA, err := q.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, storedA.Status)
	require.NotNil(t, storedA.Error)
	assert.Equal(t, "vision API error: 503", *storedA.Error)
	assert.Nil(t, storedA.Output)

	storedB, err := q.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, storedB.Status)
	assert.Nil(t, storedB.Error)
	assert.NotNil(t, storedB.Output)
}

func TestRunOnce_PanicBecomesFailure(t *testing.T) {
	q, _ := newQueue()
	w := New(q, &stubProcessor{panic: true})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobstest.ImageInput("u1", "a.png"), "u1")
	require.NoError(t, err)

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, jobs.StatusFailed, res.Jobs[0].Status)
	assert.Equal(t, "runtime error: nil map write", res.Jobs[0].Error)
}

func TestRunOnce_UnknownTypeFails(t *testing.T) {
	q, store := newQueue()
	ctx := context.Background()
	now := time.Now().UTC()
	job, err := store.Insert(ctx, &jobs.Job{
		Type:       jobs.Type("ingest_audio"),
		Status:     jobs.StatusQueued,
		Input:      json.RawMessage(`{}`),
		CreatedAt:  now,
		UpdatedAt:  now,
		EnqueuedAt: now,
	})
	require.NoError(t, err)

	processor := &stubProcessor{}
	res, err := New(q, processor).RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, job.ID, res.Jobs[0].ID)
	assert.Equal(t, jobs.StatusFailed, res.Jobs[0].Status)
	assert.Equal(t, "unknown job type: ingest_audio", res.Jobs[0].Error)
	assert.Zero(t, processor.calls)
}

func TestRunOnce_UndecodableInputFails(t *testing.T) {
	q, store := newQueue()
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := store.Insert(ctx, &jobs.Job{
		Type:       jobs.TypeIngestPDF,
		Status:     jobs.StatusQueued,
		Input:      json.RawMessage(`{"storage_path": 12}`),
		CreatedAt:  now,
		UpdatedAt:  now,
		EnqueuedAt: now,
	})
	require.NoError(t, err)

	res, err := New(q, &stubProcessor{}).RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, jobs.StatusFailed, res.Jobs[0].Status)
	assert.Contains(t, res.Jobs[0].Error, "invalid ingest_pdf input")
}

func TestRunOnce_JobTimeout(t *testing.T) {
	q, _ := newQueue()
	w := New(q, &stubProcessor{block: true}, WithJobTimeout(20*time.Millisecond))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobstest.ImageInput("u1", "a.png"), "u1")
	require.NoError(t, err)

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, jobs.StatusFailed, res.Jobs[0].Status)
	assert.Contains(t, res.Jobs[0].Error, "job exceeded 20ms")
}

func TestRunOnce_CancelledCallerStillRecordsOutcome(t *testing.T) {
	q, _ := newQueue()
	ctx, cancel := context.WithCancel(context.Background())

	job, err := q.Enqueue(ctx, jobstest.ImageInput("u1", "a.png"), "u1")
	require.NoError(t, err)

	blocking := &stubProcessor{block: true}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res, err := New(q, blocking).RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)

	stored, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, stored.Status)
}

type failingClaimQueue struct{ Queue }

func (failingClaimQueue) ClaimNext(context.Context) (*jobs.Job, error) {
	return nil, errs.New(errs.KindStore, "database is locked")
}

func TestRunOnce_StoreErrorOnClaimIsReturned(t *testing.T) {
	res, err := New(failingClaimQueue{}, &stubProcessor{}).RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindStore))
	assert.Equal(t, 0, res.Processed)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "plain", failureReason(errors.New("plain")))
	assert.Equal(t, "runtime error: x", failureReason(errs.New(errs.KindProcessing, "runtime error: x")))
	wrapped := errs.Wrap(errors.New("io"), errs.KindProcessing, "read")
	assert.Equal(t, wrapped.Error(), failureReason(wrapped))
}
