// Package classifier submits windows of chat messages to the external AI
// classification service and parses its structured verdict.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sentinel/modbot/internal/store"
)

// ErrMalformedVerdict indicates the service answered, but not with the
// expected verdict object. Callers should treat it as a per-message failure
// and leave the window untouched.
var ErrMalformedVerdict = errors.New("classifier: malformed verdict")

// Verdict is the classifier's structured response. An empty Reason means no
// violation was found in the window; UserID names the offending author when
// one was identified.
type Verdict struct {
	UserID uint64 `json:"user_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Violation reports whether the verdict flags the window.
func (v Verdict) Violation() bool {
	return v.Reason != ""
}

// systemPrompt is the moderation instruction sent as the first turn of every
// classification request.
const systemPrompt = `You are a chat moderation assistant. You receive the most recent messages of a chat platform, one message per entry, each with its author id, content, and current validation status. Decide whether any message violates the community rules: harassment, hate speech, threats, sexual content, or doxxing. Respond with a JSON object. If a violation is present, set "user_id" to the offending author id (integer) and "reason" to a short explanation. If there is no violation, respond with an empty JSON object.`

const (
	defaultModel     = openai.GPT4oMini
	defaultMaxTokens = 256
)

// Config holds the classifier client settings.
type Config struct {
	APIKey      string
	Model       string  // defaults to gpt-4o-mini
	BaseURL     string  // override for tests / self-hosted endpoints
	MaxTokens   int     // defaults to 256
	Temperature float32 // defaults to 0 (deterministic verdicts)
}

// Client calls the classification service over its chat-completions API.
type Client struct {
	api         *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// New validates the config and returns a ready client. A missing API key is
// a construction error so the process refuses to start without credentials.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("classifier: missing API key")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	apiConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiConfig.BaseURL = cfg.BaseURL
	}

	return &Client{
		api:         openai.NewClientWithConfig(apiConfig),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Classify sends the window as one user turn per record, in window order, and
// parses the JSON verdict from the first choice. Transport failures and
// malformed bodies are returned as errors; Classify never mutates the window.
func (c *Client) Classify(ctx context.Context, window []store.Record) (Verdict, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(window)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, rec := range window {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: formatRecord(rec),
		})
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("classifier: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Verdict{}, fmt.Errorf("%w: no choices returned", ErrMalformedVerdict)
	}

	return parseVerdict(resp.Choices[0].Message.Content)
}

// formatRecord renders one record as a classification turn.
func formatRecord(rec store.Record) string {
	return fmt.Sprintf("AUTHOR: %d\nCONTENT: %s\nVALIDATION_STATUS: %s",
		rec.AuthorID, rec.Content, rec.Status)
}

// parseVerdict decodes the verdict object from the choice content.
func parseVerdict(content string) (Verdict, error) {
	var v Verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &v); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	return v, nil
}
