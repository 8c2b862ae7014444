package providers

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/turnpipe/turnpipe/internal/model"
	"github.com/turnpipe/turnpipe/internal/platform/logging"
)

// OpenAIClient is the chat-completions Model Client provider that
// cmd/turnpipe selects when model.provider is "openai", serving the
// Extractor, Planner and Response Generator alike. It is
// grounded on the teacher framework's ai/client.go OpenAIClient but
// built on sashabaranov/go-openai rather than a hand-rolled HTTP call.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger logging.Logger
}

// NewOpenAIClient constructs a client from an API key and default model
// name (e.g. "gpt-4o-mini").
func NewOpenAIClient(apiKey, modelName string, logger logging.Logger) *OpenAIClient {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  modelName,
		logger: logger,
	}
}

// Generate issues a chat completion and returns the assistant message
// content as raw JSON bytes; callers are responsible for prompting the
// model to emit JSON matching prompt.JSONSchema.
func (c *OpenAIClient) Generate(ctx context.Context, prompt model.Prompt) (json.RawMessage, error) {
	if prompt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = contextWithTimeout(ctx, prompt.Timeout)
		defer cancel()
	}

	messages := []openai.ChatCompletionMessage{}
	if prompt.SystemText != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: prompt.SystemText,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt.Text,
	})

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: prompt.Temperature,
		MaxTokens:   prompt.MaxTokens,
	}
	if len(prompt.JSONSchema) > 0 {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat completion: no choices returned")
	}

	content := resp.Choices[0].Message.Content
	c.logger.Debug("openai generation complete", map[string]interface{}{
		"model":        c.model,
		"output_size":  len(content),
		"finish_reason": resp.Choices[0].FinishReason,
	})

	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("openai chat completion: model output is not valid json")
	}
	return json.RawMessage(content), nil
}
