package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/MimeLyc/mediacards/pkg/log"
)

// maxResponseBytes caps how much of a reply body is read.
const maxResponseBytes = 4 << 20

// ErrTruncated is returned by ChatJSON when the model stopped at the token
// limit, leaving the JSON object incomplete.
var ErrTruncated = errors.New("model reply truncated at max tokens")

// Client talks to an OpenAI-compatible chat-completions API.
// Safe for concurrent use.
type Client struct {
	config     *Config
	httpClient *http.Client
	baseURL    string
}

// NewClient validates config and returns a client bound to its endpoint.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Client{
		config:  config,
		baseURL: config.APIURL,
		httpClient: &http.Client{
			Timeout: time.Duration(config.Timeout) * time.Second,
		},
	}, nil
}

// ChatCompletion sends messages to /chat/completions. A system prompt in opts
// is prepended. Messages carrying image URLs switch the request to the vision
// model.
func (c *Client) ChatCompletion(ctx context.Context, messages []Message, opts *ChatCompletionOptions) (*ChatResponse, error) {
	if opts == nil {
		opts = NewChatCompletionOptions()
	}

	if opts.SystemPrompt != "" {
		messages = append([]Message{{Role: "system", Content: opts.SystemPrompt}}, messages...)
	}

	request := ChatRequest{
		Model:       c.config.modelFor(messages),
		Messages:    messages,
		MaxTokens:   c.maxTokens(opts),
		Temperature: c.temperature(opts),
	}
	if opts.JSON {
		request.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	start := time.Now()
	response, err := c.post(ctx, "/chat/completions", request)
	if err != nil {
		return response, fmt.Errorf("chat completion failed: %w", err)
	}
	log.WithFields(log.Fields{
		"model":             request.Model,
		"prompt_tokens":     response.Usage.PromptTokens,
		"completion_tokens": response.Usage.CompletionTokens,
		"elapsed_ms":        time.Since(start).Milliseconds(),
	}).Debug("chat completion")
	return response, nil
}

// ChatJSON requests a JSON object and decodes the reply into out.
func (c *Client) ChatJSON(ctx context.Context, messages []Message, opts *ChatCompletionOptions, out any) error {
	if opts == nil {
		opts = NewChatCompletionOptions()
	}
	response, err := c.ChatCompletion(ctx, messages, opts.WithJSON())
	if err != nil {
		return err
	}
	if len(response.Choices) == 0 {
		return fmt.Errorf("no choices in response")
	}
	choice := response.Choices[0]
	if err := json.Unmarshal([]byte(ExtractJSON(choice.Message.Content)), out); err != nil {
		if choice.FinishReason == "length" {
			return ErrTruncated
		}
		return fmt.Errorf("failed to decode model reply: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*ChatResponse, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range c.config.GetHeaders() {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if os.IsTimeout(err) {
			return nil, fmt.Errorf("request timed out: %w", err)
		}
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(responseBody)}
	}

	var chatResponse ChatResponse
	if err := json.Unmarshal(responseBody, &chatResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if chatResponse.Error != nil && chatResponse.Error.Message != "" {
		return &chatResponse, chatResponse.Error
	}
	return &chatResponse, nil
}

func (c *Client) maxTokens(opts *ChatCompletionOptions) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return c.config.MaxTokens
}

func (c *Client) temperature(opts *ChatCompletionOptions) float64 {
	if opts.Temperature >= 0 && opts.Temperature <= 2 {
		return opts.Temperature
	}
	return c.config.Temperature
}
