package ai

import (
	"context"
	"fmt"
	"path"
	"strings"
	"unicode"
)

// LocalProvider answers from file names and extracted text without any
// network call. It is the default for development and tests.
type LocalProvider struct{}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

func (p *LocalProvider) Name() string { return ProviderLocal }

func (p *LocalProvider) DescribeImage(ctx context.Context, m Media) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}
	name := displayName(m.StoragePath)
	return Analysis{
		Description: fmt.Sprintf("Image %q uploaded for study.", name),
		AltText:     fmt.Sprintf("Image: %s", name),
		Tags:        tagsFrom(m.StoragePath, "image"),
		Question:    fmt.Sprintf("What is shown in %q?", name),
	}, nil
}

func (p *LocalProvider) DescribeVideo(ctx context.Context, m Media) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}
	name := displayName(m.StoragePath)
	return Analysis{
		Description: fmt.Sprintf("Video %q uploaded for study.", name),
		AltText:     fmt.Sprintf("Video: %s", name),
		Tags:        tagsFrom(m.StoragePath, "video"),
		Question:    fmt.Sprintf("What is the main idea of the video %q?", name),
	}, nil
}

func (p *LocalProvider) SummarizeDocument(ctx context.Context, m Media) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}
	name := displayName(m.StoragePath)
	desc := fmt.Sprintf("Document %q with %d pages.", name, m.PageCount)
	if lead := leadSentence(m.Text); lead != "" {
		desc += " " + lead
	}
	return Analysis{
		Description: desc,
		AltText:     fmt.Sprintf("Document: %s", name),
		Tags:        tagsFrom(m.StoragePath, "pdf"),
		Question:    fmt.Sprintf("Summarize the key points of %q.", name),
	}, nil
}

func (p *LocalProvider) GenerateCards(ctx context.Context, req CardRequest) ([]GeneratedCard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req = req.withDefaults()
	sentences := splitSentences(req.Content)
	if len(sentences) == 0 {
		return nil, fmt.Errorf("generate cards: no content")
	}

	cards := make([]GeneratedCard, 0, req.Count)
	for i := 0; i < req.Count && i < len(sentences); i++ {
		cards = append(cards, GeneratedCard{
			Prompt:     fmt.Sprintf("Explain: %s", strings.TrimRight(sentences[i], ".!?")),
			Answer:     sentences[i],
			Difficulty: req.Difficulty,
			BloomLevel: req.BloomLevel,
		})
	}
	return cards, nil
}

func displayName(storagePath string) string {
	return path.Base(storagePath)
}

func tagsFrom(storagePath, kind string) []string {
	base := strings.TrimSuffix(path.Base(storagePath), path.Ext(storagePath))
	words := strings.FieldsFunc(strings.ToLower(base), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tags := []string{kind}
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		tags = append(tags, w)
	}
	return tags
}

func splitSentences(text string) []string {
	var ret []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(b.String()); len(s) > 1 {
				ret = append(ret, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); len(s) > 1 {
		ret = append(ret, s)
	}
	return ret
}

func leadSentence(text string) string {
	s := splitSentences(text)
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
