package pipeline

import (
	"strings"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

const defaultLanguage = "en"

// normalizeLanguage turns a user supplied code such as "pt_BR" into its base
// ISO 639-1 form ("pt"). ok is false when the code cannot be parsed.
func normalizeLanguage(code string) (string, bool) {
	code = strings.ReplaceAll(strings.TrimSpace(code), "_", "-")
	if code == "" {
		return "", false
	}
	tag, err := language.Parse(code)
	if err != nil || tag == language.Und {
		return "", false
	}
	base, _ := tag.Base()
	return base.String(), true
}

// detectLanguage guesses the language of text, falling back when the text is
// too short or ambiguous to be reliable.
func detectLanguage(text, fallback string) string {
	if code, ok := normalizeLanguage(fallback); ok {
		fallback = code
	} else {
		fallback = defaultLanguage
	}
	if len(strings.Fields(text)) < 4 {
		return fallback
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return fallback
	}
	if code, ok := normalizeLanguage(info.Lang.Iso6391()); ok {
		return code
	}
	return fallback
}
