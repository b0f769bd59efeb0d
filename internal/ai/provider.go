// Package ai describes uploaded media and drafts flashcards through a
// pluggable provider.
package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/MimeLyc/mediacards/internal/llm"
	"github.com/MimeLyc/mediacards/pkg/retry"
)

const (
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"
)

// Media is what a provider gets to look at. URL is a signed, short-lived link
// and may be empty when no object store is configured.
type Media struct {
	URL         string
	StoragePath string
	MimeType    string
	Size        int64
	Text        string
	PageCount   int
}

type Analysis struct {
	Description string   `json:"description"`
	AltText     string   `json:"alt_text"`
	Tags        []string `json:"tags"`
	// Question seeds the prompt of the draft card.
	Question string `json:"question"`
}

type CardRequest struct {
	Content      string
	Count        int
	Difficulty   int
	BloomLevel   string
	LanguageCode string
	Context      string
}

type GeneratedCard struct {
	Prompt     string   `json:"prompt"`
	Answer     string   `json:"answer"`
	Difficulty int      `json:"difficulty"`
	BloomLevel string   `json:"bloom_level"`
	Tags       []string `json:"tags"`
}

type Provider interface {
	Name() string
	DescribeImage(ctx context.Context, m Media) (Analysis, error)
	DescribeVideo(ctx context.Context, m Media) (Analysis, error)
	SummarizeDocument(ctx context.Context, m Media) (Analysis, error)
	GenerateCards(ctx context.Context, req CardRequest) ([]GeneratedCard, error)
}

type Config struct {
	// Provider is "openai" or "local".
	Provider string
	LLM      llm.Config
	Retry    retry.Policy
}

// NewProvider builds the provider named by cfg.Provider.
func NewProvider(cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderOpenAI:
		if cfg.LLM.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
		client, err := llm.NewClient(&cfg.LLM)
		if err != nil {
			return nil, err
		}
		return NewOpenAIProvider(client, cfg.Retry), nil
	case ProviderLocal, "":
		return NewLocalProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported AI provider: %s", cfg.Provider)
	}
}

const (
	DefaultCardCount  = 3
	DefaultDifficulty = 3
	DefaultBloomLevel = "remember"
)

func (r CardRequest) withDefaults() CardRequest {
	if r.Count <= 0 {
		r.Count = DefaultCardCount
	}
	if r.Difficulty <= 0 {
		r.Difficulty = DefaultDifficulty
	}
	if r.BloomLevel == "" {
		r.BloomLevel = DefaultBloomLevel
	}
	return r
}
