package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/kvashee/protopt/errors"
)

// AnthropicClient is a client for the Anthropic API.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient creates a new AnthropicClient. It requires the
// ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicClient(ctx context.Context, modelName string) (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &AnthropicClient{
		client: &client,
		model:  modelName,
	}, nil
}

// Chat sends a chat request to the Anthropic API.
func (a *AnthropicClient) Chat(ctx context.Context, req Request) (*Response, error) {
	resp, err := a.client.Messages.New(ctx, buildAnthropicParams(anthropic.Model(a.model), req))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Anthropic")
	}

	return processAnthropicResponse(resp)
}

func buildAnthropicParams(model anthropic.Model, req Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: 4096,
		Messages:  convertMessagesToAnthropic(req.Messages),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	// Tool definitions always travel with the request: the API rejects a
	// history carrying tool_use or tool_result blocks without them. The
	// choice alone expresses whether use is forced or forbidden.
	if len(req.Tools) > 0 {
		anthropicTools := convertToolsToAnthropic(req.Tools)
		params.Tools = make([]anthropic.ToolUnionParam, len(anthropicTools))
		for i, toolParam := range anthropicTools {
			params.Tools[i] = anthropic.ToolUnionParam{OfTool: &toolParam}
		}
		switch req.ToolChoice {
		case ToolChoiceRequired:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{
				OfAny: &anthropic.ToolChoiceAnyParam{},
			}
		case ToolChoiceNone:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{
				OfNone: &anthropic.ToolChoiceNoneParam{},
			}
		}
	}

	return params
}

func convertMessagesToAnthropic(messages []Message) []anthropic.MessageParam {
	var anthropicMessages []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case "assistant":
			if msg.ToolCall != nil {
				argsBytes, err := json.Marshal(msg.ToolCall.Args)
				if err != nil {
					argsBytes = []byte("{}")
				}
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role: anthropic.MessageParamRoleAssistant,
					Content: []anthropic.ContentBlockParamUnion{{
						OfToolUse: &anthropic.ToolUseBlockParam{
							Type:  "tool_use",
							ID:    msg.ToolCall.ID,
							Name:  msg.ToolCall.Name,
							Input: argsBytes,
						},
					}},
				})
			} else if msg.Content != "" {
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role: anthropic.MessageParamRoleAssistant,
					Content: []anthropic.ContentBlockParamUnion{{
						OfText: &anthropic.TextBlockParam{
							Text: msg.Content,
						},
					}},
				})
			}
		case "tool":
			if msg.ToolCall == nil {
				continue
			}
			anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: msg.ToolCall.ID,
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{
								Text: msg.Content,
							},
						}},
					},
				}},
			})
		}
	}

	return anthropicMessages
}

func convertToolsToAnthropic(ts []Tool) []anthropic.ToolParam {
	var anthropicTools []anthropic.ToolParam
	for _, t := range ts {
		schema := anthropic.ToolInputSchemaParam{
			Properties: map[string]interface{}{},
		}
		if props, ok := t.Parameters["properties"].(map[string]interface{}); ok {
			schema.Properties = props
		}
		if required, ok := t.Parameters["required"].([]string); ok {
			schema.Required = required
		}
		anthropicTools = append(anthropicTools, anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: schema,
		})
	}
	return anthropicTools
}

func processAnthropicResponse(resp *anthropic.Message) (*Response, error) {
	if len(resp.Content) == 0 {
		return &Response{}, nil
	}

	out := &Response{}
	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			out.Text += c.Text
		case anthropic.ToolUseBlock:
			if out.ToolCall != nil {
				continue
			}
			var args map[string]interface{}
			if err := json.Unmarshal(c.Input, &args); err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal tool call input")
			}
			out.ToolCall = &ToolCall{
				ID:   c.ID,
				Name: c.Name,
				Args: args,
			}
		}
	}

	return out, nil
}
