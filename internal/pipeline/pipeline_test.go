package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"testing"
	"time"

	"github.com/MimeLyc/mediacards/internal/ai"
	"github.com/MimeLyc/mediacards/internal/catalog"
	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/MimeLyc/mediacards/internal/media"
	"github.com/MimeLyc/mediacards/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	data map[string][]byte
}

func (f *fakeObjects) SignedURL(_ context.Context, bucket, objectPath string, _ time.Duration) (string, error) {
	return "https://objects.test/" + bucket + "/" + objectPath + "?sig=1", nil
}

func (f *fakeObjects) Stat(_ context.Context, bucket, objectPath string) (storage.ObjectInfo, error) {
	b, ok := f.data[objectPath]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Bucket: bucket, Path: objectPath, Size: int64(len(b))}, nil
}

func (f *fakeObjects) Open(_ context.Context, _, objectPath string) (io.ReadCloser, error) {
	b, ok := f.data[objectPath]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

type recordingProvider struct {
	*ai.LocalProvider
	lastImage ai.Media
}

func (p *recordingProvider) DescribeImage(ctx context.Context, m ai.Media) (ai.Analysis, error) {
	p.lastImage = m
	return p.LocalProvider.DescribeImage(ctx, m)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func imageInput(path string) jobs.IngestImageInput {
	return jobs.IngestImageInput{FileInput: jobs.FileInput{
		StoragePath: path,
		MimeType:    "image/png",
		FileSize:    10,
		Owner:       "u1",
	}}
}

func TestIngestImage_CreatesAssetAndDraftCard(t *testing.T) {
	store := catalog.NewMemoryStore()
	p := New(ai.NewLocalProvider(), store)

	out, err := p.IngestImage(context.Background(), imageInput("u1/red-bicycle.png"))
	require.NoError(t, err)
	assert.NotZero(t, out.MediaAssetID)
	assert.NotZero(t, out.CardID)
	assert.NotZero(t, out.DeckID)
	assert.Equal(t, ai.ProviderLocal, out.Provider)
	assert.Equal(t, "en", out.LanguageCode)
	assert.Nil(t, out.WidthPx)

	cards := store.Cards()
	require.Len(t, cards, 1)
	assert.False(t, cards[0].IsActive)
	assert.Equal(t, catalog.DraftAnswer, cards[0].AnswerText)
	assert.Equal(t, "red-bicycle.png", cards[0].Title)
	assert.Equal(t, []int64{out.MediaAssetID}, store.CardMedia(out.CardID))

	assets, err := store.GetMediaAssets(context.Background(), []int64{out.MediaAssetID})
	require.NoError(t, err)
	assert.Equal(t, catalog.MediaImage, assets[0].Type)
	assert.Equal(t, "u1", assets[0].Owner)
}

func TestIngestImage_ReusesDeckPerOwner(t *testing.T) {
	store := catalog.NewMemoryStore()
	p := New(ai.NewLocalProvider(), store)

	a, err := p.IngestImage(context.Background(), imageInput("u1/a.png"))
	require.NoError(t, err)
	b, err := p.IngestImage(context.Background(), imageInput("u1/b.png"))
	require.NoError(t, err)
	assert.Equal(t, a.DeckID, b.DeckID)
	assert.NotEqual(t, a.CardID, b.CardID)
}

func TestIngestImage_WithObjectStore(t *testing.T) {
	objects := &fakeObjects{data: map[string][]byte{"u1/a.png": pngBytes(t, 64, 32)}}
	provider := &recordingProvider{LocalProvider: ai.NewLocalProvider()}
	p := New(provider, catalog.NewMemoryStore(), WithObjectStore(objects, "ingest"))

	out, err := p.IngestImage(context.Background(), imageInput("u1/a.png"))
	require.NoError(t, err)
	require.NotNil(t, out.WidthPx)
	assert.Equal(t, 64, *out.WidthPx)
	assert.Equal(t, 32, *out.HeightPx)
	assert.Equal(t, "https://objects.test/ingest/u1/a.png?sig=1", provider.lastImage.URL)
	assert.Equal(t, int64(len(objects.data["u1/a.png"])), provider.lastImage.Size)
}

func TestIngestImage_MissingObjectFails(t *testing.T) {
	p := New(ai.NewLocalProvider(), catalog.NewMemoryStore(), WithObjectStore(&fakeObjects{}, "ingest"))

	_, err := p.IngestImage(context.Background(), imageInput("u1/missing.png"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrObjectNotFound))
}

func TestIngestVideo_ReadsDurationFromMetadata(t *testing.T) {
	p := New(ai.NewLocalProvider(), catalog.NewMemoryStore())

	out, err := p.IngestVideo(context.Background(), jobs.IngestVideoInput{FileInput: jobs.FileInput{
		StoragePath: "u1/clip.mp4", MimeType: "video/mp4", Owner: "u1",
		Metadata: map[string]any{"duration_seconds": 12.5},
	}})
	require.NoError(t, err)
	require.NotNil(t, out.DurationSeconds)
	assert.Equal(t, 12.5, *out.DurationSeconds)
}

type fakeProber struct {
	info   media.VideoInfo
	err    error
	source string
}

func (f *fakeProber) ProbeVideo(_ context.Context, source string) (media.VideoInfo, error) {
	f.source = source
	return f.info, f.err
}

func TestIngestVideo_ProbesSignedURL(t *testing.T) {
	objects := &fakeObjects{data: map[string][]byte{"u1/clip.mp4": []byte("....")}}
	prober := &fakeProber{info: media.VideoInfo{DurationSeconds: 42, Width: 1280, Height: 720}}
	store := catalog.NewMemoryStore()
	p := New(ai.NewLocalProvider(), store, WithObjectStore(objects, "ingest"), WithVideoProber(prober))

	out, err := p.IngestVideo(context.Background(), jobs.IngestVideoInput{FileInput: jobs.FileInput{
		StoragePath: "u1/clip.mp4", MimeType: "video/mp4", Owner: "u1",
	}})
	require.NoError(t, err)
	assert.Equal(t, "https://objects.test/ingest/u1/clip.mp4?sig=1", prober.source)
	require.NotNil(t, out.DurationSeconds)
	assert.Equal(t, 42.0, *out.DurationSeconds)

	assets, err := store.GetMediaAssets(context.Background(), []int64{out.MediaAssetID})
	require.NoError(t, err)
	require.Len(t, assets, 1)
	require.NotNil(t, assets[0].WidthPx)
	assert.Equal(t, 1280, *assets[0].WidthPx)
}

func TestIngestVideo_ProbeFailureIsIgnored(t *testing.T) {
	objects := &fakeObjects{data: map[string][]byte{"u1/clip.mp4": []byte("....")}}
	prober := &fakeProber{err: errors.New("ffprobe: exit status 1")}
	p := New(ai.NewLocalProvider(), catalog.NewMemoryStore(), WithObjectStore(objects, "ingest"), WithVideoProber(prober))

	out, err := p.IngestVideo(context.Background(), jobs.IngestVideoInput{FileInput: jobs.FileInput{
		StoragePath: "u1/clip.mp4", MimeType: "video/mp4", Owner: "u1",
	}})
	require.NoError(t, err)
	assert.Nil(t, out.DurationSeconds)
	assert.NotZero(t, out.CardID)
}

func TestIngestPDF_InvalidDocumentFails(t *testing.T) {
	objects := &fakeObjects{data: map[string][]byte{"u1/a.pdf": []byte("not a pdf")}}
	p := New(ai.NewLocalProvider(), catalog.NewMemoryStore(), WithObjectStore(objects, "ingest"))

	_, err := p.IngestPDF(context.Background(), jobs.IngestPDFInput{FileInput: jobs.FileInput{
		StoragePath: "u1/a.pdf", MimeType: "application/pdf", Owner: "u1",
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open pdf")
}

func TestIngestPDF_WithoutObjectStore(t *testing.T) {
	p := New(ai.NewLocalProvider(), catalog.NewMemoryStore())

	out, err := p.IngestPDF(context.Background(), jobs.IngestPDFInput{FileInput: jobs.FileInput{
		StoragePath: "u1/a.pdf", MimeType: "application/pdf", Owner: "u1",
	}})
	require.NoError(t, err)
	assert.Equal(t, 0, out.PageCount)
	assert.NotZero(t, out.CardID)
}

func TestIngestPDF_SizeLimit(t *testing.T) {
	objects := &fakeObjects{data: map[string][]byte{"u1/a.pdf": bytes.Repeat([]byte("x"), 32)}}
	p := New(ai.NewLocalProvider(), catalog.NewMemoryStore(), WithObjectStore(objects, "ingest"), WithMaxPDFBytes(16))

	_, err := p.IngestPDF(context.Background(), jobs.IngestPDFInput{FileInput: jobs.FileInput{
		StoragePath: "u1/a.pdf", MimeType: "application/pdf", Owner: "u1",
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size limit")
}

type fakeDerived struct {
	stored map[string]string
	err    error
}

func (f *fakeDerived) PutDerived(_ context.Context, objectPath string, r io.Reader, _ int64, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	b, _ := io.ReadAll(r)
	if f.stored == nil {
		f.stored = map[string]string{}
	}
	f.stored[objectPath] = string(b)
	return objectPath, nil
}

func TestStoreText(t *testing.T) {
	derived := &fakeDerived{}
	p := New(ai.NewLocalProvider(), catalog.NewMemoryStore(), WithDerivedWriter(derived))

	got := p.storeText(context.Background(), "u1/notes/week1.pdf", "page one")
	assert.Equal(t, "u1/notes/week1.txt", got)
	assert.Equal(t, "page one", derived.stored["u1/notes/week1.txt"])

	assert.Empty(t, p.storeText(context.Background(), "u1/empty.pdf", ""))

	derived.err = errors.New("bucket unavailable")
	assert.Empty(t, p.storeText(context.Background(), "u1/b.pdf", "text"))

	unset := New(ai.NewLocalProvider(), catalog.NewMemoryStore())
	assert.Empty(t, unset.storeText(context.Background(), "u1/c.pdf", "text"))
}

func TestGenerateCards_CreatesActiveCards(t *testing.T) {
	store := catalog.NewMemoryStore()
	p := New(ai.NewLocalProvider(), store)
	ctx := context.Background()

	ingested, err := p.IngestImage(ctx, imageInput("u1/heart.png"))
	require.NoError(t, err)

	out, err := p.GenerateCards(ctx, jobs.GenerateCardsInput{
		Owner:         "u1",
		MediaAssetIDs: []int64{ingested.MediaAssetID},
		Count:         1,
		LanguageCode:  "en_US",
		Context:       "The heart pumps blood.",
	})
	require.NoError(t, err)
	require.Len(t, out.CardIDs, 1)
	assert.Equal(t, ingested.DeckID, out.DeckID)
	assert.Equal(t, "en", out.LanguageCode)

	var active int
	for _, c := range store.Cards() {
		if c.IsActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
	assert.Equal(t, []int64{ingested.MediaAssetID}, store.CardMedia(out.CardIDs[0]))
}

func TestGenerateCards_RejectsForeignAssets(t *testing.T) {
	store := catalog.NewMemoryStore()
	p := New(ai.NewLocalProvider(), store)
	ctx := context.Background()

	ingested, err := p.IngestImage(ctx, imageInput("u1/a.png"))
	require.NoError(t, err)

	_, err = p.GenerateCards(ctx, jobs.GenerateCardsInput{Owner: "u2", MediaAssetIDs: []int64{ingested.MediaAssetID}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not belong")

	_, err = p.GenerateCards(ctx, jobs.GenerateCardsInput{Owner: "u1", MediaAssetIDs: []int64{999}})
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestLanguageHelpers(t *testing.T) {
	code, ok := normalizeLanguage("pt_BR")
	assert.True(t, ok)
	assert.Equal(t, "pt", code)

	_, ok = normalizeLanguage("")
	assert.False(t, ok)

	assert.Equal(t, "en", detectLanguage("short", ""))
	assert.Equal(t, "de", detectLanguage("tiny", "de-DE"))
	assert.Equal(t, "fr",
		detectLanguage("Le cœur est un organe musculaire qui pompe le sang dans tout le corps humain.", "en"))
}
