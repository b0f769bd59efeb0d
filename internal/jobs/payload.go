package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Input is the typed payload of a job. Each job type has exactly one Input type.
type Input interface {
	JobType() Type
	Validate() error
}

// Output is the typed result recorded when a job completes.
type Output interface {
	JobType() Type
}

// FileInput describes an uploaded object awaiting ingestion.
type FileInput struct {
	IngestFileID int64          `json:"ingest_file_id,omitempty"`
	StoragePath  string         `json:"storage_path"`
	MimeType     string         `json:"mime_type"`
	FileSize     int64          `json:"file_size"`
	Owner        string         `json:"owner"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (in FileInput) validate(prefix string) error {
	if strings.TrimSpace(in.StoragePath) == "" {
		return fmt.Errorf("storage_path is required")
	}
	if strings.TrimSpace(in.Owner) == "" {
		return fmt.Errorf("owner is required")
	}
	if !strings.HasPrefix(in.MimeType, prefix) {
		return fmt.Errorf("mime_type %q does not match %s*", in.MimeType, prefix)
	}
	if in.FileSize < 0 {
		return fmt.Errorf("file_size must not be negative")
	}
	return nil
}

// ownerOr returns owner, falling back to fallback and then to the first
// segment of storagePath.
func ownerOr(owner, fallback, storagePath string) string {
	if strings.TrimSpace(owner) != "" {
		return owner
	}
	if strings.TrimSpace(fallback) != "" {
		return fallback
	}
	if first, rest, ok := strings.Cut(storagePath, "/"); ok && first != "" && rest != "" {
		return first
	}
	return ""
}

// withOwner fills an empty owner from the enqueuing principal.
func withOwner(in Input, createdBy string) Input {
	switch v := in.(type) {
	case IngestImageInput:
		v.Owner = ownerOr(v.Owner, createdBy, v.StoragePath)
		return v
	case IngestVideoInput:
		v.Owner = ownerOr(v.Owner, createdBy, v.StoragePath)
		return v
	case IngestPDFInput:
		v.Owner = ownerOr(v.Owner, createdBy, v.StoragePath)
		return v
	case GenerateCardsInput:
		v.Owner = ownerOr(v.Owner, createdBy, "")
		return v
	}
	return in
}

type IngestImageInput struct {
	FileInput
}

func (IngestImageInput) JobType() Type      { return TypeIngestImage }
func (in IngestImageInput) Validate() error { return in.validate("image/") }

type IngestVideoInput struct {
	FileInput
}

func (IngestVideoInput) JobType() Type      { return TypeIngestVideo }
func (in IngestVideoInput) Validate() error { return in.validate("video/") }

type IngestPDFInput struct {
	FileInput
}

func (IngestPDFInput) JobType() Type      { return TypeIngestPDF }
func (in IngestPDFInput) Validate() error { return in.validate("application/pdf") }

type GenerateCardsInput struct {
	Owner         string  `json:"owner"`
	DeckID        int64   `json:"deck_id,omitempty"`
	MediaAssetIDs []int64 `json:"media_asset_ids"`
	Count         int     `json:"count,omitempty"`
	Difficulty    int     `json:"difficulty,omitempty"`
	BloomLevel    string  `json:"bloom_level,omitempty"`
	LanguageCode  string  `json:"language_code,omitempty"`
	Context       string  `json:"context,omitempty"`
}

func (GenerateCardsInput) JobType() Type { return TypeGenerateCards }

func (in GenerateCardsInput) Validate() error {
	if strings.TrimSpace(in.Owner) == "" {
		return fmt.Errorf("owner is required")
	}
	if len(in.MediaAssetIDs) == 0 {
		return fmt.Errorf("media_asset_ids must not be empty")
	}
	if in.Count < 0 || in.Count > 20 {
		return fmt.Errorf("count must be at most 20")
	}
	if in.Difficulty < 0 || in.Difficulty > 5 {
		return fmt.Errorf("difficulty must be at most 5")
	}
	return nil
}

// IngestOutput is shared by the three ingest job types.
type IngestOutput struct {
	MediaAssetID int64    `json:"media_asset_id"`
	CardID       int64    `json:"card_id"`
	DeckID       int64    `json:"deck_id"`
	Description  string   `json:"description"`
	AltText      string   `json:"alt_text,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	LanguageCode string   `json:"language_code,omitempty"`
	Provider     string   `json:"provider"`
}

type IngestImageOutput struct {
	IngestOutput
	WidthPx  *int `json:"width_px,omitempty"`
	HeightPx *int `json:"height_px,omitempty"`
}

func (IngestImageOutput) JobType() Type { return TypeIngestImage }

type IngestVideoOutput struct {
	IngestOutput
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	ThumbnailPath   string   `json:"thumbnail_path,omitempty"`
}

func (IngestVideoOutput) JobType() Type { return TypeIngestVideo }

type IngestPDFOutput struct {
	IngestOutput
	PageCount int `json:"page_count"`
}

func (IngestPDFOutput) JobType() Type { return TypeIngestPDF }

type GenerateCardsOutput struct {
	DeckID       int64   `json:"deck_id"`
	CardIDs      []int64 `json:"card_ids"`
	LanguageCode string  `json:"language_code,omitempty"`
	Provider     string  `json:"provider"`
}

func (GenerateCardsOutput) JobType() Type { return TypeGenerateCards }

// UnknownTypeError is returned when a stored job carries a type outside the enum.
type UnknownTypeError struct {
	Type Type
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown job type: %s", e.Type)
}

// DecodeInput parses a stored payload into the Input type for t.
func DecodeInput(t Type, raw json.RawMessage) (Input, error) {
	switch t {
	case TypeIngestImage:
		var in IngestImageInput
		if err := decodeStrict(raw, &in); err != nil {
			return nil, err
		}
		return in, nil
	case TypeIngestVideo:
		var in IngestVideoInput
		if err := decodeStrict(raw, &in); err != nil {
			return nil, err
		}
		return in, nil
	case TypeIngestPDF:
		var in IngestPDFInput
		if err := decodeStrict(raw, &in); err != nil {
			return nil, err
		}
		return in, nil
	case TypeGenerateCards:
		var in GenerateCardsInput
		if err := decodeStrict(raw, &in); err != nil {
			return nil, err
		}
		return in, nil
	default:
		return nil, &UnknownTypeError{Type: t}
	}
}

// DecodeOutput parses a stored result into the Output type for t.
func DecodeOutput(t Type, raw json.RawMessage) (Output, error) {
	switch t {
	case TypeIngestImage:
		var out IngestImageOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	case TypeIngestVideo:
		var out IngestVideoOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	case TypeIngestPDF:
		var out IngestPDFOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	case TypeGenerateCards:
		var out GenerateCardsOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, &UnknownTypeError{Type: t}
	}
}

func decodeStrict(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty input")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return nil
}
