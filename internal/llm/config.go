package llm

import (
	"fmt"
)

// Config holds the settings of an OpenAI-compatible chat-completions endpoint.
//
// APIKey: bearer token sent on every request
// APIURL: base URL, e.g. https://api.openai.com/v1
// Model: model used for text prompts
// VisionModel: model used when a message carries images (defaults to Model)
// Timeout: request timeout in seconds
type Config struct {
	APIKey       string  `json:"api_key"`
	APIURL       string  `json:"api_url"`
	Model        string  `json:"model"`
	VisionModel  string  `json:"vision_model"`
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`
	Timeout      int     `json:"timeout"`
	Organization string  `json:"organization"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if c.APIURL == "" {
		return fmt.Errorf("API URL is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max tokens must be greater than 0")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be greater than 0")
	}
	return nil
}

// GetHeaders returns the headers for the LLM API request
func (c *Config) GetHeaders() map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + c.APIKey,
		"Content-Type":  "application/json",
	}
	if c.Organization != "" {
		headers["OpenAI-Organization"] = c.Organization
	}
	return headers
}

func (c *Config) modelFor(messages []Message) string {
	if c.VisionModel == "" {
		return c.Model
	}
	for _, m := range messages {
		if len(m.ImageURLs) > 0 {
			return c.VisionModel
		}
	}
	return c.Model
}
