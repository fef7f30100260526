package llm

import (
	"context"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/kvashee/protopt/errors"
	"google.golang.org/api/option"
)

// GeminiClient is a client for the Google Gemini API.
type GeminiClient struct {
	client    *genai.Client
	modelName string
}

// NewGeminiClient creates a new GeminiClient. It requires the GEMINI_API_KEY
// environment variable to be set.
func NewGeminiClient(ctx context.Context, modelName string) (*GeminiClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiClient{
		client:    client,
		modelName: modelName,
	}, nil
}

// Chat sends a chat request to the Gemini API. A fresh GenerativeModel is
// configured per request so concurrent evaluations never share tool or
// system-instruction state.
func (g *GeminiClient) Chat(ctx context.Context, req Request) (*Response, error) {
	history := convertMessagesToGemini(req.Messages)
	if len(history) == 0 {
		return nil, errors.New("gemini request requires at least one message")
	}

	model := g.client.GenerativeModel(g.modelName)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	model.Tools = convertToolsToGemini(req.Tools)
	model.ToolConfig = &genai.ToolConfig{
		FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode: geminiCallingMode(req.ToolChoice),
		},
	}

	// The last message is the new prompt; everything before it is history.
	lastMessage := history[len(history)-1]
	chatSession := model.StartChat()
	chatSession.History = history[:len(history)-1]
	resp, err := chatSession.SendMessage(ctx, lastMessage.Parts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Gemini")
	}

	return processGeminiResponse(resp)
}

func geminiCallingMode(tc ToolChoice) genai.FunctionCallingMode {
	switch tc {
	case ToolChoiceRequired:
		return genai.FunctionCallingAny
	case ToolChoiceNone:
		return genai.FunctionCallingNone
	default:
		return genai.FunctionCallingAuto
	}
}

func convertMessagesToGemini(messages []Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			parts := []genai.Part{}
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			if msg.ToolCall != nil {
				parts = append(parts, genai.FunctionCall{
					Name: msg.ToolCall.Name,
					Args: msg.ToolCall.Args,
				})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case "tool":
			if msg.ToolCall == nil {
				continue
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     msg.ToolCall.Name,
					Response: map[string]interface{}{"result": msg.Content},
				}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		}
	}
	return contents
}

func convertToolsToGemini(ts []Tool) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, t := range ts {
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToGemini(t.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// schemaToGemini converts a flat JSON-schema object into Gemini's typed
// schema. Only string properties are needed here; anything unrecognized is
// passed through as a string.
func schemaToGemini(params map[string]interface{}) *genai.Schema {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: map[string]*genai.Schema{},
	}
	props, _ := params["properties"].(map[string]interface{})
	for name, raw := range props {
		prop := &genai.Schema{Type: genai.TypeString}
		if m, ok := raw.(map[string]interface{}); ok {
			if desc, ok := m["description"].(string); ok {
				prop.Description = desc
			}
		}
		schema.Properties[name] = prop
	}
	if required, ok := params["required"].([]string); ok {
		schema.Required = required
	}
	return schema
}

func processGeminiResponse(resp *genai.GenerateContentResponse) (*Response, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("received an empty response from Gemini")
	}

	out := &Response{}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			out.Text += string(v)
		case genai.FunctionCall:
			if out.ToolCall != nil {
				continue
			}
			out.ToolCall = &ToolCall{
				Name: v.Name,
				Args: v.Args,
			}
		default:
			return nil, errors.New("unsupported part type in Gemini response: %T", v)
		}
	}

	return out, nil
}
