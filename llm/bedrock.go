package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/session"
	"github.com/m4xw311/canvasd/tools"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockLLMClient is a client for the Anthropic models on AWS Bedrock.
type BedrockLLMClient struct {
	client  *bedrockruntime.Client
	modelID string
	opts    Options
}

// NewBedrockLLMClient creates a new BedrockLLMClient.
// It requires AWS credentials to be configured in the environment.
func NewBedrockLLMClient(ctx context.Context, modelID string, opts Options) (*BedrockLLMClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	return &BedrockLLMClient{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
		opts:    opts,
	}, nil
}

// Chat sends a chat request to the Anthropic model via AWS Bedrock.
func (b *BedrockLLMClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	anthropicMessages, systemPrompt := convertMessagesToAnthropicFormat(messages)

	requestBody, err := createAnthropicRequest(anthropicMessages, systemPrompt, availableTools, b.opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return nil, errors.WrapKind(errors.Model, err, "failed to invoke Bedrock model")
	}

	return processBedrockResponse(resp.Body)
}

func textContent(text string) []map[string]interface{} {
	return []map[string]interface{}{{"type": "text", "text": text}}
}

// convertMessagesToAnthropicFormat converts our internal message format to
// the Anthropic messages body. Consecutive tool results share one user turn.
func convertMessagesToAnthropicFormat(messages []session.Message) ([]map[string]interface{}, string) {
	var anthropicMessages []map[string]interface{}
	var systemPrompt string
	lastWasTool := false

	for _, msg := range messages {
		isTool := false
		switch msg.Role {
		case "system":
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
		case "user":
			anthropicMessages = append(anthropicMessages, map[string]interface{}{
				"role":    "user",
				"content": textContent(msg.Content),
			})
		case "assistant":
			var blocks []map[string]interface{}
			if msg.Content != "" {
				blocks = append(blocks, textContent(msg.Content)...)
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Args
				if input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ToolCallID,
					"name":  tc.Name,
					"input": input,
				})
			}
			if len(blocks) > 0 {
				anthropicMessages = append(anthropicMessages, map[string]interface{}{
					"role":    "assistant",
					"content": blocks,
				})
			}
		case "tool":
			if len(msg.ToolCalls) == 0 {
				continue
			}
			isTool = true
			block := map[string]interface{}{
				"type":        "tool_result",
				"tool_use_id": msg.ToolCalls[0].ToolCallID,
				"content":     msg.Content,
			}
			if lastWasTool {
				last := anthropicMessages[len(anthropicMessages)-1]
				last["content"] = append(last["content"].([]map[string]interface{}), block)
			} else {
				anthropicMessages = append(anthropicMessages, map[string]interface{}{
					"role":    "user",
					"content": []map[string]interface{}{block},
				})
			}
		}
		lastWasTool = isTool
	}

	return anthropicMessages, systemPrompt
}

// createAnthropicRequest creates the request body for Anthropic models on Bedrock.
func createAnthropicRequest(messages []map[string]interface{}, systemPrompt string, availableTools []tools.Tool, opts Options) ([]byte, error) {
	request := map[string]interface{}{
		"anthropic_version": bedrockAnthropicVersion,
		"max_tokens":        opts.maxTokens(),
		"messages":          messages,
	}
	if opts.Temperature > 0 {
		request["temperature"] = opts.Temperature
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}

	if len(availableTools) > 0 {
		var defs []map[string]interface{}
		for _, tool := range availableTools {
			defs = append(defs, map[string]interface{}{
				"name":         tool.Name(),
				"description":  tool.Description(),
				"input_schema": tool.Schema(),
			})
		}
		request["tools"] = defs
	}

	return json.Marshal(request)
}

// processBedrockResponse converts a Bedrock API response into our internal session.Message format.
func processBedrockResponse(body []byte) (*session.Message, error) {
	var response struct {
		Content []struct {
			Type  string                 `json:"type"`
			Text  string                 `json:"text"`
			ID    string                 `json:"id"`
			Name  string                 `json:"name"`
			Input map[string]interface{} `json:"input"`
		} `json:"content"`
		Error interface{} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.WrapKind(errors.Model, err, "failed to unmarshal Bedrock response")
	}
	if response.Error != nil {
		return nil, errors.E(errors.Model, "Bedrock API error: %v", response.Error)
	}

	msg := &session.Message{Role: "assistant"}
	for _, item := range response.Content {
		switch item.Type {
		case "text":
			msg.Content += item.Text
		case "tool_use":
			if item.Name == "" {
				continue
			}
			id := item.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", len(msg.ToolCalls), item.Name)
			}
			msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{
				ToolCallID: id,
				Name:       item.Name,
				Args:       item.Input,
			})
		}
	}
	return msg, nil
}
