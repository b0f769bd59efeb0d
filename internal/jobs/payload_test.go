package jobs

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/MimeLyc/mediacards/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusDone, false},
		{StatusProcessing, StatusDone, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusQueued, false},
		{StatusDone, StatusFailed, false},
		{StatusDone, StatusQueued, false},
		{StatusFailed, StatusDone, false},
		{StatusFailed, StatusQueued, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestDecodeInput(t *testing.T) {
	raw := json.RawMessage(`{"storage_path":"u1/clip.mp4","mime_type":"video/mp4","file_size":99,"owner":"u1","ingest_file_id":4}`)

	in, err := DecodeInput(TypeIngestVideo, raw)
	require.NoError(t, err)
	video, ok := in.(IngestVideoInput)
	require.True(t, ok)
	assert.Equal(t, int64(4), video.IngestFileID)
	assert.Equal(t, "u1", video.Owner)
	assert.NoError(t, video.Validate())

	_, err = DecodeInput(Type("transcode"), raw)
	var unknown *UnknownTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "unknown job type: transcode", err.Error())

	_, err = DecodeInput(TypeIngestVideo, json.RawMessage(`{"owner":`))
	assert.Error(t, err)
}

func TestValidateInputJSON(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		raw     string
		wantErr bool
	}{
		{name: "image ok", typ: TypeIngestImage, raw: `{"storage_path":"u/a.png","mime_type":"image/png","owner":"u"}`},
		{name: "image wrong mime", typ: TypeIngestImage, raw: `{"storage_path":"u/a.png","mime_type":"video/mp4","owner":"u"}`, wantErr: true},
		{name: "pdf missing owner", typ: TypeIngestPDF, raw: `{"storage_path":"u/a.pdf","mime_type":"application/pdf"}`, wantErr: true},
		{name: "cards ok", typ: TypeGenerateCards, raw: `{"owner":"u","media_asset_ids":[1,2],"bloom_level":"apply"}`},
		{name: "cards no assets", typ: TypeGenerateCards, raw: `{"owner":"u","media_asset_ids":[]}`, wantErr: true},
		{name: "cards bad bloom", typ: TypeGenerateCards, raw: `{"owner":"u","media_asset_ids":[1],"bloom_level":"memorize"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInputJSON(tt.typ, []byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQueue_EnqueueRejectsInvalidInput(t *testing.T) {
	q := NewQueue(NewMemoryStore())

	_, err := q.Enqueue(context.Background(), IngestImageInput{FileInput: FileInput{
		StoragePath: "u1/a.pdf",
		MimeType:    "application/pdf",
		Owner:       "u1",
	}}, "u1")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = q.Enqueue(context.Background(), nil, "u1")
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestQueue_EnqueueDefaultsOwner(t *testing.T) {
	q := NewQueue(NewMemoryStore())
	ctx := context.Background()

	job, err := q.Enqueue(ctx, IngestImageInput{FileInput: FileInput{
		StoragePath: "u1/abc.jpg",
		MimeType:    "image/jpeg",
	}}, "u1")
	require.NoError(t, err)
	in, err := DecodeInput(job.Type, job.Input)
	require.NoError(t, err)
	assert.Equal(t, "u1", in.(IngestImageInput).Owner)

	job, err = q.Enqueue(ctx, IngestPDFInput{FileInput: FileInput{
		StoragePath: "u2/notes.pdf",
		MimeType:    "application/pdf",
	}}, "")
	require.NoError(t, err)
	in, err = DecodeInput(job.Type, job.Input)
	require.NoError(t, err)
	assert.Equal(t, "u2", in.(IngestPDFInput).Owner)

	job, err = q.Enqueue(ctx, IngestVideoInput{FileInput: FileInput{
		StoragePath: "u3/clip.mp4",
		MimeType:    "video/mp4",
		Owner:       "explicit",
	}}, "u1")
	require.NoError(t, err)
	in, err = DecodeInput(job.Type, job.Input)
	require.NoError(t, err)
	assert.Equal(t, "explicit", in.(IngestVideoInput).Owner)

	_, err = q.Enqueue(ctx, IngestImageInput{FileInput: FileInput{
		StoragePath: "abc.jpg",
		MimeType:    "image/jpeg",
	}}, "")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
	assert.Contains(t, err.Error(), "owner is required")
}
