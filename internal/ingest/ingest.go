// Package ingest turns storage upload notifications and direct upload
// requests into queued ingestion jobs.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/mediacards/internal/catalog"
	"github.com/MimeLyc/mediacards/internal/errs"
	"github.com/MimeLyc/mediacards/internal/events"
	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/MimeLyc/mediacards/internal/metrics"
	"github.com/MimeLyc/mediacards/internal/storage"
	"github.com/MimeLyc/mediacards/pkg/log"
)

const (
	DefaultMaxFileSize = 100 << 20

	SourceUpload = "upload"
	SourceDirect = "direct"
)

// allowedTypes maps every accepted mime type to its job type.
var allowedTypes = map[string]jobs.Type{
	"image/jpeg":      jobs.TypeIngestImage,
	"image/png":       jobs.TypeIngestImage,
	"image/webp":      jobs.TypeIngestImage,
	"image/gif":       jobs.TypeIngestImage,
	"video/mp4":       jobs.TypeIngestVideo,
	"video/webm":      jobs.TypeIngestVideo,
	"application/pdf": jobs.TypeIngestPDF,
}

// JobTypeFor returns the job type that processes mimeType.
func JobTypeFor(mimeType string) (jobs.Type, bool) {
	t, ok := allowedTypes[mimeType]
	return t, ok
}

type Enqueuer interface {
	Enqueue(ctx context.Context, in jobs.Input, createdBy string) (*jobs.Job, error)
}

type Service struct {
	queue     Enqueuer
	catalog   catalog.Store
	publisher events.Publisher
	secret    string
	bucket    string
	maxSize   int64
	now       func() time.Time
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithBucket(bucket string) Option {
	return func(s *Service) {
		if bucket != "" {
			s.bucket = bucket
		}
	}
}

func WithMaxFileSize(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

func NewService(queue Enqueuer, store catalog.Store, secret string, opts ...Option) *Service {
	s := &Service{
		queue:     queue,
		catalog:   store,
		publisher: events.Noop{},
		secret:    secret,
		bucket:    storage.DefaultBuckets().Ingest,
		maxSize:   DefaultMaxFileSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upload describes a file already stored in the ingest bucket.
type Upload struct {
	StoragePath string         `json:"storage_path"`
	MimeType    string         `json:"mime_type"`
	Owner       string         `json:"owner"`
	FileSize    int64          `json:"file_size"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Result struct {
	Status       string    `json:"status"`
	JobID        int64     `json:"job_id,omitempty"`
	JobType      jobs.Type `json:"job_type,omitempty"`
	IngestFileID int64     `json:"ingest_file_id,omitempty"`
	Ignored      string    `json:"ignored,omitempty"`
}

func accepted() Result { return Result{Status: "accepted"} }

// HandleWebhook verifies and processes one storage notification. Events
// other than an INSERT into the ingest bucket are accepted and ignored.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) (Result, error) {
	if err := VerifySignature(body, signature, s.secret); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unauthorized").Inc()
		log.WithError(err).Warn("Rejected webhook delivery")
		return Result{}, err
	}

	payload, err := decodePayload(body)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		return Result{}, err
	}
	logger := log.WithFields(log.Fields{"event": payload.Type, "table": payload.Table})

	if payload.Type != "INSERT" || payload.Table != "objects" {
		metrics.WebhookEventsTotal.WithLabelValues("ignored").Inc()
		logger.Info("Ignoring non-storage event")
		ret := accepted()
		ret.Ignored = "not a storage insert"
		return ret, nil
	}
	rec := payload.Record
	if rec.BucketID != s.bucket {
		metrics.WebhookEventsTotal.WithLabelValues("ignored").Inc()
		logger.Info("Ignoring upload to bucket %s", rec.BucketID)
		ret := accepted()
		ret.Ignored = "bucket " + rec.BucketID
		return ret, nil
	}

	size, err := rec.size()
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		return Result{}, err
	}
	owner, err := OwnerOf(rec.Name)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		return Result{}, err
	}

	ret, err := s.enqueue(ctx, SourceUpload, Upload{
		StoragePath: rec.Name,
		MimeType:    rec.mimeType(),
		Owner:       owner,
		FileSize:    size,
		Metadata:    rec.Metadata,
	}, map[string]any{"original_metadata": rec.Metadata})
	if err != nil {
		if errs.IsKind(err, errs.KindValidation) {
			metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		}
		return Result{}, err
	}
	metrics.WebhookEventsTotal.WithLabelValues("enqueued").Inc()
	return ret, nil
}

// Submit enqueues a direct upload request.
func (s *Service) Submit(ctx context.Context, u Upload) (Result, error) {
	if strings.TrimSpace(u.Owner) == "" {
		owner, err := OwnerOf(u.StoragePath)
		if err != nil {
			return Result{}, err
		}
		u.Owner = owner
	}
	meta := make(map[string]any, len(u.Metadata))
	for k, v := range u.Metadata {
		meta[k] = v
	}
	return s.enqueue(ctx, SourceDirect, u, meta)
}

func (s *Service) enqueue(ctx context.Context, source string, u Upload, meta map[string]any) (Result, error) {
	u.MimeType = strings.ToLower(strings.TrimSpace(u.MimeType))
	jobType, err := s.validate(u)
	if err != nil {
		log.WithFields(log.Fields{
			"storage_path": u.StoragePath,
			"mime_type":    u.MimeType,
			"file_size":    u.FileSize,
		}).WithError(err).Warn("File validation failed")
		return Result{}, err
	}

	meta["uploaded_at"] = s.now().UTC().Format(time.RFC3339)
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return Result{}, errs.Wrap(err, errs.KindValidation, "encode upload metadata")
	}
	fileID, err := s.catalog.CreateIngestFile(ctx, &catalog.IngestFile{
		Owner:       u.Owner,
		Source:      source,
		StoragePath: u.StoragePath,
		MimeType:    u.MimeType,
		Meta:        rawMeta,
	})
	if err != nil {
		return Result{}, errs.Wrap(err, errs.KindStore, "create ingest file record").With("storage_path", u.StoragePath)
	}

	file := jobs.FileInput{
		IngestFileID: fileID,
		StoragePath:  u.StoragePath,
		MimeType:     u.MimeType,
		FileSize:     u.FileSize,
		Owner:        u.Owner,
		Metadata:     u.Metadata,
	}
	var in jobs.Input
	switch jobType {
	case jobs.TypeIngestImage:
		in = jobs.IngestImageInput{FileInput: file}
	case jobs.TypeIngestVideo:
		in = jobs.IngestVideoInput{FileInput: file}
	default:
		in = jobs.IngestPDFInput{FileInput: file}
	}
	job, err := s.queue.Enqueue(ctx, in, u.Owner)
	if err != nil {
		// The ingest file record stays behind without a job.
		log.WithFields(log.Fields{
			"ingest_file_id": fileID,
			"storage_path":   u.StoragePath,
			"owner":          u.Owner,
		}).WithError(err).Error("Enqueue failed; ingest file %d has no processing job", fileID)
		var e *errs.Error
		if errors.As(err, &e) {
			return Result{}, e.With("ingest_file_id", fileID)
		}
		return Result{}, errs.Wrap(err, errs.KindStore, "enqueue processing job").With("ingest_file_id", fileID)
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(string(job.Type)).Inc()
	if err := s.publisher.Publish(ctx, events.FromJob(events.JobEnqueued, job)); err != nil {
		log.WithError(err).Warn("Failed to publish %s for job %d", events.JobEnqueued, job.ID)
	}
	log.WithFields(log.Fields{
		"storage_path":   u.StoragePath,
		"job_type":       job.Type,
		"ingest_file_id": fileID,
		"owner":          u.Owner,
	}).Info("Created processing job %d", job.ID)

	return Result{Status: "accepted", JobID: job.ID, JobType: job.Type, IngestFileID: fileID}, nil
}

func (s *Service) validate(u Upload) (jobs.Type, error) {
	jobType, ok := JobTypeFor(u.MimeType)
	if !ok {
		return "", errs.Newf(errs.KindValidation, "Unsupported file type: %s", u.MimeType)
	}
	if u.FileSize < 0 {
		return "", errs.Newf(errs.KindValidation, "Invalid file size: %d", u.FileSize)
	}
	if u.FileSize > s.maxSize {
		return "", errs.Newf(errs.KindValidation, "File too large: %d bytes (max: %d)", u.FileSize, s.maxSize)
	}
	return jobType, nil
}

// OwnerOf returns the first segment of a storage path of the form
// "<owner>/<name>".
func OwnerOf(storagePath string) (string, error) {
	owner, rest, ok := strings.Cut(storagePath, "/")
	if !ok || owner == "" || rest == "" {
		return "", errs.New(errs.KindValidation, "Invalid storage path format").With("storage_path", storagePath)
	}
	return owner, nil
}

type objectRecord struct {
	BucketID string         `json:"bucket_id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

func (r objectRecord) mimeType() string {
	if v, ok := r.Metadata["mimetype"].(string); ok && v != "" {
		return v
	}
	return "application/octet-stream"
}

// size reads metadata.size, which storage sends as a number or a string.
func (r objectRecord) size() (int64, error) {
	switch v := r.Metadata["size"].(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errs.Newf(errs.KindValidation, "Invalid file size: %q", v)
		}
		return n, nil
	default:
		return 0, errs.Newf(errs.KindValidation, "Invalid file size: %v", v)
	}
}

type webhookPayload struct {
	Type   string       `json:"type"`
	Table  string       `json:"table"`
	Schema string       `json:"schema"`
	Record objectRecord `json:"record"`
}
