package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ValidationResult holds the validator's verdict on a player action.
type ValidationResult struct {
	IsValid       bool   `json:"is_valid"`
	TimeEstimate  string `json:"time_estimate"`
	Clarification string `json:"clarification"`
}

// Client wraps the Anthropic API for the three generative calls the turn
// pipeline makes: action validation, meta-event proposal, and narration.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// complete sends one system+user exchange and returns the raw text reply
// with any markdown fencing stripped.
func (c *Client) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}

	return stripFences(text), nil
}

// stripFences removes markdown code fencing from a model reply.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// GenerateText sends a prompt pair and returns the raw (fence-stripped)
// reply. Structured parsing is left to the caller.
func (c *Client) GenerateText(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, 4096)
}

// Validate asks the validator whether a player action is actionable and
// how long it would take in game time.
func (c *Client) Validate(ctx context.Context, playerInput string) (ValidationResult, error) {
	system, user := buildValidationPrompt(playerInput)

	text, err := c.complete(ctx, system, user, 1024)
	if err != nil {
		return ValidationResult{}, err
	}

	var result ValidationResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return ValidationResult{}, fmt.Errorf("parse validator response as JSON: %w\nraw response: %s", err, text)
	}
	return result, nil
}

// Narrate produces the user-visible narrative for a resolved turn.
func (c *Client) Narrate(ctx context.Context, req NarrationRequest) (string, error) {
	system, user := buildNarrationPrompt(req)
	return c.complete(ctx, system, user, 4096)
}
