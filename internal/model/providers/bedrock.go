package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/turnpipe/turnpipe/internal/model"
	"github.com/turnpipe/turnpipe/internal/platform/logging"
)

// BedrockClient generates schema-constrained JSON via AWS Bedrock's
// Converse API, grounded on ai/providers/bedrock/client.go. cmd/turnpipe
// selects it when model.provider is "bedrock", and the selected provider
// then serves the Extractor, Planner and Response Generator alike.
type BedrockClient struct {
	runtime *bedrockruntime.Client
	modelID string
	logger  logging.Logger
}

// NewBedrockClient wraps an already-configured bedrockruntime.Client.
func NewBedrockClient(runtime *bedrockruntime.Client, modelID string, logger logging.Logger) *BedrockClient {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &BedrockClient{runtime: runtime, modelID: modelID, logger: logger}
}

// Generate sends prompt.Text (plus SystemText, if set) through the
// Converse API and returns the model's raw text response as JSON bytes.
// The schema itself is conveyed only in the prompt's instructions; this
// provider does not use Bedrock's tool-use / structured-output mode.
func (c *BedrockClient) Generate(ctx context.Context, prompt model.Prompt) (json.RawMessage, error) {
	if prompt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = contextWithTimeout(ctx, prompt.Timeout)
		defer cancel()
	}

	messages := []types.Message{
		{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: prompt.Text},
			},
		},
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.modelID),
		Messages: messages,
	}
	if prompt.SystemText != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: prompt.SystemText},
		}
	}
	inference := &types.InferenceConfiguration{}
	set := false
	if prompt.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(prompt.MaxTokens))
		set = true
	}
	if prompt.Temperature > 0 {
		inference.Temperature = aws.Float32(prompt.Temperature)
		set = true
	}
	if set {
		input.InferenceConfig = inference
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}
	if output.Output == nil {
		return nil, fmt.Errorf("bedrock converse: empty output")
	}

	var text string
	switch v := output.Output.(type) {
	case *types.ConverseOutputMemberMessage:
		for _, block := range v.Value.Content {
			if b, ok := block.(*types.ContentBlockMemberText); ok {
				text += b.Value
			}
		}
	default:
		return nil, fmt.Errorf("bedrock converse: unexpected output type")
	}

	c.logger.Debug("bedrock generation complete", map[string]interface{}{
		"model_id":    c.modelID,
		"output_size": len(text),
	})

	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("bedrock converse: model output is not valid json")
	}
	return json.RawMessage(text), nil
}
