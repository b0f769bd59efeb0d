package ai

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/MimeLyc/mediacards/internal/llm"
	"github.com/MimeLyc/mediacards/pkg/log"
	"github.com/MimeLyc/mediacards/pkg/retry"
)

const describeSystemPrompt = `You write study material from media. Reply with a single JSON object:
{"description": "...", "alt_text": "...", "tags": ["..."], "question": "..."}
"alt_text" is one short sentence, "question" is a flashcard question about the content.`

const cardsSystemPrompt = `You are an expert educational content creator. Generate flashcards based on the provided content and requirements.
Reply with a single JSON object: {"cards": [{"prompt": "...", "answer": "...", "difficulty": 3, "bloom_level": "...", "tags": ["..."]}]}`

// maxDocumentChars bounds the text sent for a document summary.
const maxDocumentChars = 12000

// chatter is the part of llm.Client the provider uses.
type chatter interface {
	ChatJSON(ctx context.Context, messages []llm.Message, opts *llm.ChatCompletionOptions, out any) error
}

type cardsReply struct {
	Cards []GeneratedCard `json:"cards"`
}

type OpenAIProvider struct {
	client chatter
	policy retry.Policy
}

func NewOpenAIProvider(client chatter, policy retry.Policy) *OpenAIProvider {
	if policy.Retryable == nil {
		policy.Retryable = Retryable
	}
	return &OpenAIProvider{client: client, policy: policy}
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

func (p *OpenAIProvider) DescribeImage(ctx context.Context, m Media) (Analysis, error) {
	if m.URL == "" {
		return Analysis{}, fmt.Errorf("image url is required")
	}
	msg := llm.Message{
		Role:      "user",
		Content:   "Describe this image in detail, including any text, objects, and key visual elements.",
		ImageURLs: []string{m.URL},
	}
	return p.describe(ctx, msg)
}

func (p *OpenAIProvider) DescribeVideo(ctx context.Context, m Media) (Analysis, error) {
	msg := llm.Message{
		Role: "user",
		Content: fmt.Sprintf(
			"A %s video named %q (%d bytes) was uploaded. Describe what a learner should focus on and suggest tags.",
			m.MimeType, path.Base(m.StoragePath), m.Size,
		),
	}
	return p.describe(ctx, msg)
}

func (p *OpenAIProvider) SummarizeDocument(ctx context.Context, m Media) (Analysis, error) {
	text := strings.TrimSpace(m.Text)
	if len(text) > maxDocumentChars {
		text = text[:maxDocumentChars]
	}
	if text == "" {
		text = fmt.Sprintf("(no extractable text; %d pages)", m.PageCount)
	}
	msg := llm.Message{
		Role:    "user",
		Content: fmt.Sprintf("Summarize this %d-page document named %q:\n\n%s", m.PageCount, path.Base(m.StoragePath), text),
	}
	return p.describe(ctx, msg)
}

func (p *OpenAIProvider) GenerateCards(ctx context.Context, req CardRequest) ([]GeneratedCard, error) {
	req = req.withDefaults()
	var b strings.Builder
	fmt.Fprintf(&b, "Generate %d flashcards based on this content:\n\n%s\n\nRequirements:\n", req.Count, req.Content)
	fmt.Fprintf(&b, "- Difficulty: %d of 5\n- Bloom's Taxonomy Level: %s\n", req.Difficulty, req.BloomLevel)
	if req.LanguageCode != "" {
		fmt.Fprintf(&b, "- Language: %s\n", req.LanguageCode)
	}
	if req.Context != "" {
		fmt.Fprintf(&b, "- Context: %s\n", req.Context)
	}

	out, err := retry.Do(ctx, p.policy, func(ctx context.Context) (cardsReply, error) {
		var r cardsReply
		err := p.client.ChatJSON(ctx, []llm.Message{{Role: "user", Content: b.String()}},
			llm.NewChatCompletionOptions().WithSystemPrompt(cardsSystemPrompt), &r)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("generate cards: %w", err)
	}

	cards := make([]GeneratedCard, 0, len(out.Cards))
	for _, c := range out.Cards {
		if strings.TrimSpace(c.Prompt) == "" || strings.TrimSpace(c.Answer) == "" {
			continue
		}
		if c.Difficulty < 1 || c.Difficulty > 5 {
			c.Difficulty = req.Difficulty
		}
		if c.BloomLevel == "" {
			c.BloomLevel = req.BloomLevel
		}
		cards = append(cards, c)
	}
	if len(cards) == 0 {
		return nil, fmt.Errorf("generate cards: model returned no usable cards")
	}
	if len(cards) > req.Count {
		cards = cards[:req.Count]
	}
	return cards, nil
}

func (p *OpenAIProvider) describe(ctx context.Context, msg llm.Message) (Analysis, error) {
	a, err := retry.Do(ctx, p.policy, func(ctx context.Context) (Analysis, error) {
		var a Analysis
		err := p.client.ChatJSON(ctx, []llm.Message{msg}, llm.NewChatCompletionOptions().WithSystemPrompt(describeSystemPrompt), &a)
		if err != nil {
			log.WithError(err).Warn("openai describe attempt failed")
		}
		return a, err
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("describe media: %w", err)
	}
	if strings.TrimSpace(a.Description) == "" {
		return Analysis{}, fmt.Errorf("describe media: empty description")
	}
	if a.AltText == "" {
		a.AltText = firstSentence(a.Description)
	}
	return a, nil
}

// Retryable retries rate limits, server errors and transport failures but not
// other client errors or undecodable replies.
func Retryable(err error) bool {
	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	var apiErr *llm.Error
	if errors.As(err, &apiErr) || errors.Is(err, llm.ErrTruncated) {
		return false
	}
	return !strings.Contains(err.Error(), "failed to decode model reply")
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".!?"); i >= 0 {
		return s[:i+1]
	}
	return s
}
