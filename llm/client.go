package llm

import (
	"context"
	"fmt"
)

// ToolChoice controls whether the model may, must, or must not call a tool.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// Tool is a declarative tool schema handed to the model. Tools in this
// project are interpreted by the runtime, never executed by the model side,
// so the schema is all there is.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]interface{}
}

// ToolCall is a structured invocation returned by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]interface{}
}

// Message is one turn of a conversation.
type Message struct {
	Role    string // "user", "assistant", "tool"
	Content string
	// ToolCall is set on assistant messages that carried an invocation and
	// on tool messages to identify the call the content answers.
	ToolCall *ToolCall
}

// Request is a single chat request against a model.
type Request struct {
	System     string
	Messages   []Message
	Tools      []Tool
	ToolChoice ToolChoice
}

// Response is the model's reply: either a structured tool invocation or
// plain text. Callers must check ToolCall before using Text.
type Response struct {
	Text     string
	ToolCall *ToolCall
}

// Client is the interface to a model provider.
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// MockClient is a stand-in provider used when no real provider is
// configured. It parrots the request back, invoking the first tool when the
// request requires one.
type MockClient struct{}

func (m *MockClient) Chat(ctx context.Context, req Request) (*Response, error) {
	last := ""
	if len(req.Messages) > 0 {
		last = req.Messages[len(req.Messages)-1].Content
	}
	if req.ToolChoice == ToolChoiceRequired && len(req.Tools) > 0 {
		return &Response{
			ToolCall: &ToolCall{
				ID:   "mock-call-0",
				Name: req.Tools[0].Name,
				Args: map[string]interface{}{
					"target_agent": "other agent",
					"message":      fmt.Sprintf("mock relay of: %s", last),
				},
			},
		}, nil
	}
	return &Response{Text: fmt.Sprintf("I am a mock model. You said: %q.", last)}, nil
}
