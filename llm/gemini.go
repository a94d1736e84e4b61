package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/session"
	"github.com/m4xw311/canvasd/tools"
	"google.golang.org/api/option"
)

// GeminiLLMClient is a client for the Google Gemini API.
type GeminiLLMClient struct {
	client    *genai.Client
	modelName string
	opts      Options
}

// NewGeminiLLMClient creates a new GeminiLLMClient.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiLLMClient(ctx context.Context, modelName string, opts Options) (*GeminiLLMClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiLLMClient{client: client, modelName: modelName, opts: opts}, nil
}

// Chat sends a chat request to the Gemini API. A model is built per call so
// concurrent requests never share tool or system settings.
func (g *GeminiLLMClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	system, history := convertMessagesToGeminiContent(messages)
	if len(history) == 0 {
		return nil, errors.E(errors.InvalidInput, "no messages to send")
	}

	model := g.client.GenerativeModel(g.modelName)
	model.Tools = convertToolsToGeminiTools(availableTools)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if g.opts.Temperature > 0 {
		model.SetTemperature(float32(g.opts.Temperature))
	}
	model.SetMaxOutputTokens(int32(g.opts.maxTokens()))

	last := history[len(history)-1]
	chatSession := model.StartChat()
	chatSession.History = history[:len(history)-1]
	resp, err := chatSession.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, errors.WrapKind(errors.Model, err, "failed to send message to Gemini")
	}

	return processGeminiResponse(resp)
}

// convertMessagesToGeminiContent converts our internal message format to
// Gemini's. System messages are lifted out; consecutive tool results are
// grouped into one function turn.
func convertMessagesToGeminiContent(messages []session.Message) (string, []*genai.Content) {
	var system string
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case "assistant":
			var parts []genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: call.Name, Args: call.Args})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case "tool":
			if len(msg.ToolCalls) == 0 {
				continue
			}
			part := genai.FunctionResponse{
				Name:     msg.ToolCalls[0].Name,
				Response: toolResponse(msg.Content),
			}
			if n := len(contents); n > 0 && contents[n-1].Role == "function" {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: "function", Parts: []genai.Part{part}})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		}
	}
	return system, contents
}

// toolResponse turns a tool result into the object Gemini expects. Results
// that are JSON objects are passed through as structured data.
func toolResponse(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil {
		return obj
	}
	return map[string]any{"result": content}
}

// convertToolsToGeminiTools converts our Tool interface to Gemini's FunctionDeclaration format.
func convertToolsToGeminiTools(ts []tools.Tool) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, tool := range ts {
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  geminiSchema(tool.Schema()),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// geminiSchema maps a JSON schema object onto genai.Schema.
func geminiSchema(s map[string]any) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{}
	switch s["type"] {
	case "object":
		out.Type = genai.TypeObject
	case "string":
		out.Type = genai.TypeString
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
	}
	if d, ok := s["description"].(string); ok {
		out.Description = d
	}
	if props, ok := s["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if ps, ok := p.(map[string]any); ok {
				out.Properties[name] = geminiSchema(ps)
			}
		}
	}
	if items, ok := s["items"].(map[string]any); ok {
		out.Items = geminiSchema(items)
	}
	out.Required = stringList(s["required"])
	out.Enum = stringList(s["enum"])
	return out
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		var out []string
		for _, x := range l {
			out = append(out, fmt.Sprint(x))
		}
		return out
	}
	return nil
}

// processGeminiResponse converts a Gemini API response into our internal
// session.Message format. Gemini does not number its calls, so IDs are
// derived from their position.
func processGeminiResponse(resp *genai.GenerateContentResponse) (*session.Message, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.E(errors.Model, "received an empty response from Gemini")
	}

	msg := &session.Message{Role: "assistant"}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			msg.Content += string(v)
		case genai.FunctionCall:
			msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{
				ToolCallID: fmt.Sprintf("call_%d_%s", len(msg.ToolCalls), v.Name),
				Name:       v.Name,
				Args:       v.Args,
			})
		default:
			return nil, errors.E(errors.Model, "unsupported part type in Gemini response: %T", v)
		}
	}
	return msg, nil
}
