package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/session"
	"github.com/m4xw311/canvasd/tools"
)

// LLMClient is the interface for interacting with a Large Language Model.
// The returned message either carries tool calls for the caller to execute
// or is a final answer. Adapters never execute tools themselves.
type LLMClient interface {
	Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error)
}

// Options tune generation for every request made by a client.
type Options struct {
	Temperature float64
	MaxTokens   int
}

func (o Options) maxTokens() int {
	if o.MaxTokens <= 0 {
		return 4096
	}
	return o.MaxTokens
}

// NewClient builds the adapter named by provider. An empty provider or
// "mock" selects the echoing MockLLMClient; any other unknown name is an
// error.
func NewClient(ctx context.Context, provider, model string, opts Options) (LLMClient, error) {
	switch provider {
	case "gemini":
		return NewGeminiLLMClient(ctx, model, opts)
	case "openai":
		return NewOpenAILLMClient(ctx, model, opts)
	case "anthropic":
		return NewAnthropicLLMClient(ctx, model, opts)
	case "bedrock":
		return NewBedrockLLMClient(ctx, model, opts)
	case "", "mock":
		return &MockLLMClient{}, nil
	}
	return nil, errors.New("unknown llm provider '%s'", provider)
}

// Complete runs a single-shot prompt without tools and returns the text.
func Complete(ctx context.Context, client LLMClient, system, prompt string) (string, error) {
	msgs := []session.Message{session.User(prompt)}
	if system != "" {
		msgs = append([]session.Message{session.System(system)}, msgs...)
	}
	resp, err := client.Chat(ctx, msgs, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// MockLLMClient answers by echoing the last user message. It never calls
// tools.
type MockLLMClient struct{}

func (m *MockLLMClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}
	return &session.Message{
		Role:    "assistant",
		Content: fmt.Sprintf("I am a mock LLM. You said: '%s'.", last),
	}, nil
}

// Step is one scripted reply.
type Step struct {
	Message *session.Message
	Err     error
	// Delay holds the reply back; a cancelled context ends the wait early.
	Delay time.Duration
	// Block waits for the context to end and returns its error.
	Block bool
}

// Reply is a scripted final answer.
func Reply(content string) Step {
	return Step{Message: &session.Message{Role: "assistant", Content: content}}
}

// CallTools is a scripted request for tool calls.
func CallTools(calls ...session.ToolCall) Step {
	return Step{Message: &session.Message{Role: "assistant", ToolCalls: calls}}
}

// ScriptedClient replays Steps in order and records every request.
type ScriptedClient struct {
	mu    sync.Mutex
	steps []Step
	calls [][]session.Message
	tools [][]string
}

func NewScriptedClient(steps ...Step) *ScriptedClient {
	return &ScriptedClient{steps: steps}
}

func (s *ScriptedClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, append([]session.Message(nil), messages...))
	var names []string
	for _, t := range availableTools {
		names = append(names, t.Name())
	}
	s.tools = append(s.tools, names)
	if n >= len(s.steps) {
		s.mu.Unlock()
		return nil, errors.New("scripted client: no step for call %d", n+1)
	}
	step := s.steps[n]
	s.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	msg := *step.Message
	return &msg, nil
}

// Calls returns the transcripts the client was called with.
func (s *ScriptedClient) Calls() [][]session.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]session.Message(nil), s.calls...)
}

// ToolNames returns the tool names offered on each call.
func (s *ScriptedClient) ToolNames() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.tools...)
}
