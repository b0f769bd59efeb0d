package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaPDF   MediaType = "pdf"
)

const (
	// AutoDeckTitle is the per-owner deck that collects draft cards.
	AutoDeckTitle       = "Auto-generated Deck"
	AutoDeckDescription = "Cards created automatically from uploaded media"

	DraftAnswer = "Draft - needs completion"

	RolePrimary = "primary"
)

var ErrNotFound = errors.New("record not found")

// IngestFile is the record written by the upload webhook before its job.
type IngestFile struct {
	ID          int64           `json:"id"`
	Owner       string          `json:"owner"`
	Source      string          `json:"source"`
	StoragePath string          `json:"storage_path"`
	MimeType    string          `json:"mime_type"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type MediaAsset struct {
	ID              int64     `json:"id"`
	Type            MediaType `json:"type"`
	StoragePath     string    `json:"storage_path"`
	MimeType        string    `json:"mime_type"`
	Owner           string    `json:"owner"`
	WidthPx         *int      `json:"width_px,omitempty"`
	HeightPx        *int      `json:"height_px,omitempty"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	PageCount       *int      `json:"page_count,omitempty"`
	AltText         string    `json:"alt_text,omitempty"`
	SourceURL       string    `json:"source_url,omitempty"`
	CaptionsPath    string    `json:"captions_path,omitempty"`
	TranscriptPath  string    `json:"transcript_path,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type Deck struct {
	ID          int64     `json:"id"`
	Owner       string    `json:"owner"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Visibility  string    `json:"visibility"`
	CreatedAt   time.Time `json:"created_at"`
}

type Card struct {
	ID           int64     `json:"id"`
	DeckID       int64     `json:"deck_id"`
	Title        string    `json:"title"`
	PromptText   string    `json:"prompt_text"`
	AnswerText   string    `json:"answer_text"`
	BloomLevel   string    `json:"bloom_level,omitempty"`
	Difficulty   int       `json:"difficulty"`
	LanguageCode string    `json:"language_code"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Summary counts records created since a point in time.
type Summary struct {
	MediaByType   map[MediaType]int `json:"media_by_type"`
	ActiveCards   int               `json:"active_cards"`
	DraftCards    int               `json:"draft_cards"`
	DecksCreated  int               `json:"decks_created"`
	IngestedFiles int               `json:"ingested_files"`
	RecentMedia   []MediaAsset      `json:"recent_media"`
	RecentCards   []Card            `json:"recent_cards"`
}

// Store persists the records derived from ingestion jobs.
type Store interface {
	CreateIngestFile(ctx context.Context, f *IngestFile) (int64, error)
	CreateMediaAsset(ctx context.Context, a *MediaAsset) (int64, error)
	GetMediaAssets(ctx context.Context, ids []int64) ([]MediaAsset, error)
	// EnsureDeck returns the owner's deck with title, creating it when missing.
	EnsureDeck(ctx context.Context, owner, title, description string) (int64, error)
	// CreateCard stores c and links it to the given media assets with role primary.
	CreateCard(ctx context.Context, c *Card, mediaAssetIDs ...int64) (int64, error)
	Summarize(ctx context.Context, since time.Time, recent int) (Summary, error)
}
