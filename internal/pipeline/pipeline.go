// Package pipeline turns claimed ingestion jobs into media assets and cards.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path"
	"strings"
	"time"

	"github.com/MimeLyc/mediacards/internal/ai"
	"github.com/MimeLyc/mediacards/internal/catalog"
	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/MimeLyc/mediacards/internal/media"
	"github.com/MimeLyc/mediacards/internal/storage"
	"github.com/MimeLyc/mediacards/pkg/log"
)

const (
	DefaultURLExpiry   = time.Hour
	DefaultMaxPDFBytes = 100 << 20
	draftDifficulty    = 3
)

// ObjectStore is the read side of storage.Storage.
type ObjectStore interface {
	SignedURL(ctx context.Context, bucket, objectPath string, expiry time.Duration) (string, error)
	Stat(ctx context.Context, bucket, objectPath string) (storage.ObjectInfo, error)
	Open(ctx context.Context, bucket, objectPath string) (io.ReadCloser, error)
}

// DerivedWriter stores generated artifacts such as extracted document text.
type DerivedWriter interface {
	PutDerived(ctx context.Context, objectPath string, r io.Reader, size int64, contentType string) (string, error)
}

type Pipeline struct {
	provider    ai.Provider
	catalog     catalog.Store
	objects     ObjectStore
	derived     DerivedWriter
	prober      media.Prober
	bucket      string
	urlExpiry   time.Duration
	maxPDFBytes int64
}

type Option func(*Pipeline)

// WithObjectStore enables signed URLs, size checks and content reads from bucket.
func WithObjectStore(objects ObjectStore, bucket string) Option {
	return func(p *Pipeline) {
		p.objects = objects
		p.bucket = bucket
	}
}

// WithDerivedWriter stores extracted PDF text next to the asset.
func WithDerivedWriter(w DerivedWriter) Option {
	return func(p *Pipeline) {
		p.derived = w
	}
}

// WithVideoProber reads video dimensions and duration from the signed URL
// when the upload metadata carries no duration.
func WithVideoProber(prober media.Prober) Option {
	return func(p *Pipeline) {
		p.prober = prober
	}
}

func WithURLExpiry(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.urlExpiry = d
		}
	}
}

func WithMaxPDFBytes(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxPDFBytes = n
		}
	}
}

func New(provider ai.Provider, store catalog.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		provider:    provider,
		catalog:     store,
		bucket:      storage.DefaultBuckets().Ingest,
		urlExpiry:   DefaultURLExpiry,
		maxPDFBytes: DefaultMaxPDFBytes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) IngestImage(ctx context.Context, in jobs.IngestImageInput) (jobs.IngestImageOutput, error) {
	src, err := p.prepare(ctx, in.FileInput)
	if err != nil {
		return jobs.IngestImageOutput{}, err
	}
	analysis, err := p.provider.DescribeImage(ctx, src)
	if err != nil {
		return jobs.IngestImageOutput{}, err
	}

	asset := p.newAsset(catalog.MediaImage, in.FileInput, analysis)
	if w, h, ok := p.imageSize(ctx, in.StoragePath); ok {
		asset.WidthPx, asset.HeightPx = &w, &h
	}
	base, err := p.record(ctx, in.FileInput, asset, analysis, analysis.Description)
	if err != nil {
		return jobs.IngestImageOutput{}, err
	}
	return jobs.IngestImageOutput{IngestOutput: base, WidthPx: asset.WidthPx, HeightPx: asset.HeightPx}, nil
}

func (p *Pipeline) IngestVideo(ctx context.Context, in jobs.IngestVideoInput) (jobs.IngestVideoOutput, error) {
	src, err := p.prepare(ctx, in.FileInput)
	if err != nil {
		return jobs.IngestVideoOutput{}, err
	}
	analysis, err := p.provider.DescribeVideo(ctx, src)
	if err != nil {
		return jobs.IngestVideoOutput{}, err
	}

	asset := p.newAsset(catalog.MediaVideo, in.FileInput, analysis)
	if d, ok := durationFrom(in.Metadata); ok {
		asset.DurationSeconds = &d
	} else if info, ok := p.probeVideo(ctx, src.URL); ok {
		if info.DurationSeconds > 0 {
			asset.DurationSeconds = &info.DurationSeconds
		}
		if info.Width > 0 && info.Height > 0 {
			asset.WidthPx, asset.HeightPx = &info.Width, &info.Height
		}
	}
	base, err := p.record(ctx, in.FileInput, asset, analysis, analysis.Description)
	if err != nil {
		return jobs.IngestVideoOutput{}, err
	}
	return jobs.IngestVideoOutput{IngestOutput: base, DurationSeconds: asset.DurationSeconds}, nil
}

func (p *Pipeline) IngestPDF(ctx context.Context, in jobs.IngestPDFInput) (jobs.IngestPDFOutput, error) {
	src, err := p.prepare(ctx, in.FileInput)
	if err != nil {
		return jobs.IngestPDFOutput{}, err
	}
	doc, err := p.readDocument(ctx, in.StoragePath)
	if err != nil {
		return jobs.IngestPDFOutput{}, err
	}
	src.Text = doc.Text
	src.PageCount = doc.PageCount

	analysis, err := p.provider.SummarizeDocument(ctx, src)
	if err != nil {
		return jobs.IngestPDFOutput{}, err
	}

	asset := p.newAsset(catalog.MediaPDF, in.FileInput, analysis)
	if doc.PageCount > 0 {
		pages := doc.PageCount
		asset.PageCount = &pages
	}
	asset.TranscriptPath = p.storeText(ctx, in.StoragePath, doc.Text)
	base, err := p.record(ctx, in.FileInput, asset, analysis, doc.Text+" "+analysis.Description)
	if err != nil {
		return jobs.IngestPDFOutput{}, err
	}
	return jobs.IngestPDFOutput{IngestOutput: base, PageCount: doc.PageCount}, nil
}

func (p *Pipeline) GenerateCards(ctx context.Context, in jobs.GenerateCardsInput) (jobs.GenerateCardsOutput, error) {
	assets, err := p.catalog.GetMediaAssets(ctx, in.MediaAssetIDs)
	if err != nil {
		return jobs.GenerateCardsOutput{}, fmt.Errorf("load media assets: %w", err)
	}
	var content strings.Builder
	for _, a := range assets {
		if a.Owner != in.Owner {
			return jobs.GenerateCardsOutput{}, fmt.Errorf("media asset %d does not belong to %s", a.ID, in.Owner)
		}
		fmt.Fprintf(&content, "%s (%s): %s\n", path.Base(a.StoragePath), a.Type, a.AltText)
	}
	if in.Context != "" {
		fmt.Fprintf(&content, "\n%s\n", in.Context)
	}

	deckID := in.DeckID
	if deckID == 0 {
		deckID, err = p.catalog.EnsureDeck(ctx, in.Owner, catalog.AutoDeckTitle, catalog.AutoDeckDescription)
		if err != nil {
			return jobs.GenerateCardsOutput{}, fmt.Errorf("ensure deck: %w", err)
		}
	}

	lang, _ := normalizeLanguage(in.LanguageCode)
	generated, err := p.provider.GenerateCards(ctx, ai.CardRequest{
		Content:      content.String(),
		Count:        in.Count,
		Difficulty:   in.Difficulty,
		BloomLevel:   in.BloomLevel,
		LanguageCode: lang,
		Context:      in.Context,
	})
	if err != nil {
		return jobs.GenerateCardsOutput{}, err
	}
	if lang == "" {
		var sample strings.Builder
		for _, g := range generated {
			sample.WriteString(g.Prompt + " " + g.Answer + " ")
		}
		lang = detectLanguage(sample.String(), defaultLanguage)
	}

	out := jobs.GenerateCardsOutput{DeckID: deckID, LanguageCode: lang, Provider: p.provider.Name(), CardIDs: make([]int64, 0, len(generated))}
	for i, g := range generated {
		id, err := p.catalog.CreateCard(ctx, &catalog.Card{
			DeckID:       deckID,
			Title:        fmt.Sprintf("Card %d", i+1),
			PromptText:   g.Prompt,
			AnswerText:   g.Answer,
			BloomLevel:   g.BloomLevel,
			Difficulty:   g.Difficulty,
			LanguageCode: lang,
			IsActive:     true,
		}, in.MediaAssetIDs...)
		if err != nil {
			return jobs.GenerateCardsOutput{}, fmt.Errorf("create card: %w", err)
		}
		out.CardIDs = append(out.CardIDs, id)
	}

	log.WithFields(log.Fields{
		"owner":   in.Owner,
		"deck_id": deckID,
		"cards":   len(out.CardIDs),
	}).Info("generated cards")
	return out, nil
}

// prepare checks the upload and signs a URL for the provider.
func (p *Pipeline) prepare(ctx context.Context, in jobs.FileInput) (ai.Media, error) {
	src := ai.Media{StoragePath: in.StoragePath, MimeType: in.MimeType, Size: in.FileSize}
	if p.objects == nil {
		return src, nil
	}

	info, err := p.objects.Stat(ctx, p.bucket, in.StoragePath)
	if err != nil {
		return src, fmt.Errorf("stat upload: %w", err)
	}
	src.Size = info.Size

	url, err := p.objects.SignedURL(ctx, p.bucket, in.StoragePath, p.urlExpiry)
	if err != nil {
		return src, err
	}
	src.URL = url
	return src, nil
}

func (p *Pipeline) newAsset(typ catalog.MediaType, in jobs.FileInput, a ai.Analysis) *catalog.MediaAsset {
	return &catalog.MediaAsset{
		Type:        typ,
		StoragePath: in.StoragePath,
		MimeType:    in.MimeType,
		Owner:       in.Owner,
		AltText:     a.AltText,
	}
}

// record stores the asset and a draft card in the owner's auto-generated deck.
func (p *Pipeline) record(ctx context.Context, in jobs.FileInput, asset *catalog.MediaAsset, a ai.Analysis, langSample string) (jobs.IngestOutput, error) {
	assetID, err := p.catalog.CreateMediaAsset(ctx, asset)
	if err != nil {
		return jobs.IngestOutput{}, fmt.Errorf("create media asset: %w", err)
	}
	deckID, err := p.catalog.EnsureDeck(ctx, in.Owner, catalog.AutoDeckTitle, catalog.AutoDeckDescription)
	if err != nil {
		return jobs.IngestOutput{}, fmt.Errorf("ensure deck: %w", err)
	}

	lang := detectLanguage(langSample, metadataString(in.Metadata, "language"))
	prompt := a.Question
	if strings.TrimSpace(prompt) == "" {
		prompt = fmt.Sprintf("What does %q show?", path.Base(in.StoragePath))
	}
	cardID, err := p.catalog.CreateCard(ctx, &catalog.Card{
		DeckID:       deckID,
		Title:        path.Base(in.StoragePath),
		PromptText:   prompt,
		AnswerText:   catalog.DraftAnswer,
		Difficulty:   draftDifficulty,
		LanguageCode: lang,
		IsActive:     false,
	}, assetID)
	if err != nil {
		return jobs.IngestOutput{}, fmt.Errorf("create draft card: %w", err)
	}

	log.WithFields(log.Fields{
		"owner":          in.Owner,
		"storage_path":   in.StoragePath,
		"media_asset_id": assetID,
		"card_id":        cardID,
	}).Info("ingested %s", asset.Type)

	return jobs.IngestOutput{
		MediaAssetID: assetID,
		CardID:       cardID,
		DeckID:       deckID,
		Description:  a.Description,
		AltText:      a.AltText,
		Tags:         a.Tags,
		LanguageCode: lang,
		Provider:     p.provider.Name(),
	}, nil
}

// imageSize reads only the image header. Formats without a registered decoder
// (webp) report ok=false.
func (p *Pipeline) imageSize(ctx context.Context, objectPath string) (int, int, bool) {
	if p.objects == nil {
		return 0, 0, false
	}
	r, err := p.objects.Open(ctx, p.bucket, objectPath)
	if err != nil {
		return 0, 0, false
	}
	defer r.Close()
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}

// probeVideo is best effort; a failed probe leaves the asset without
// technical metadata.
func (p *Pipeline) probeVideo(ctx context.Context, url string) (media.VideoInfo, bool) {
	if p.prober == nil || url == "" {
		return media.VideoInfo{}, false
	}
	info, err := p.prober.ProbeVideo(ctx, url)
	if err != nil {
		log.WithError(err).Warn("Video probe failed")
		return media.VideoInfo{}, false
	}
	return info, true
}

func (p *Pipeline) readDocument(ctx context.Context, objectPath string) (pdfInfo, error) {
	if p.objects == nil {
		return pdfInfo{}, nil
	}
	r, err := p.objects.Open(ctx, p.bucket, objectPath)
	if err != nil {
		return pdfInfo{}, fmt.Errorf("open upload: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(io.LimitReader(r, p.maxPDFBytes+1))
	if err != nil {
		return pdfInfo{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > p.maxPDFBytes {
		return pdfInfo{}, errors.New("pdf exceeds the size limit")
	}
	return readPDF(data)
}

// storeText uploads extracted text and returns its derived path, or "" when
// there is nothing to store or the upload fails.
func (p *Pipeline) storeText(ctx context.Context, sourcePath, text string) string {
	if p.derived == nil || text == "" {
		return ""
	}
	target := textPath(sourcePath)
	stored, err := p.derived.PutDerived(ctx, target, strings.NewReader(text), int64(len(text)), "text/plain; charset=utf-8")
	if err != nil {
		log.WithError(err).Warn("Storing extracted text failed for %s", sourcePath)
		return ""
	}
	return stored
}

func textPath(sourcePath string) string {
	return strings.TrimSuffix(sourcePath, path.Ext(sourcePath)) + ".txt"
}

func durationFrom(meta map[string]any) (float64, bool) {
	switch v := meta["duration_seconds"].(type) {
	case float64:
		return v, v > 0
	case int:
		return float64(v), v > 0
	}
	return 0, false
}

func metadataString(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}
