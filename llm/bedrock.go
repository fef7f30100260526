package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/kvashee/protopt/errors"
)

// BedrockClient is a client for Anthropic models served through AWS Bedrock.
type BedrockClient struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockClient creates a new BedrockClient. It requires AWS credentials
// to be configured in the environment.
func NewBedrockClient(ctx context.Context, modelID string) (*BedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	return &BedrockClient{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// Chat sends a chat request to the Anthropic model via AWS Bedrock.
func (b *BedrockClient) Chat(ctx context.Context, req Request) (*Response, error) {
	requestBody, err := createBedrockRequest(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Bedrock request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to invoke Bedrock model")
	}

	return processBedrockResponse(resp.Body)
}

func createBedrockRequest(req Request) ([]byte, error) {
	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"messages":          convertMessagesToBedrock(req.Messages),
	}

	if req.System != "" {
		request["system"] = req.System
	}

	// Tool definitions always travel with the request: the API rejects a
	// history carrying tool_use or tool_result blocks without them. The
	// bedrock-2023-05-31 schema has no "none" choice, so a request that
	// forbids tool use omits tool_choice and leaves the model on auto.
	if len(req.Tools) > 0 {
		var toolDefs []map[string]interface{}
		for _, t := range req.Tools {
			schema := map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			}
			if props, ok := t.Parameters["properties"]; ok {
				schema["properties"] = props
			}
			if required, ok := t.Parameters["required"]; ok {
				schema["required"] = required
			}
			toolDefs = append(toolDefs, map[string]interface{}{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			})
		}
		request["tools"] = toolDefs
		if req.ToolChoice == ToolChoiceRequired {
			request["tool_choice"] = map[string]interface{}{"type": "any"}
		}
	}

	return json.Marshal(request)
}

func convertMessagesToBedrock(messages []Message) []map[string]interface{} {
	var bedrockMessages []map[string]interface{}

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			bedrockMessages = append(bedrockMessages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{"type": "text", "text": msg.Content},
				},
			})
		case "assistant":
			if msg.ToolCall != nil {
				bedrockMessages = append(bedrockMessages, map[string]interface{}{
					"role": "assistant",
					"content": []map[string]interface{}{{
						"type":  "tool_use",
						"id":    msg.ToolCall.ID,
						"name":  msg.ToolCall.Name,
						"input": msg.ToolCall.Args,
					}},
				})
			} else if msg.Content != "" {
				bedrockMessages = append(bedrockMessages, map[string]interface{}{
					"role": "assistant",
					"content": []map[string]interface{}{
						{"type": "text", "text": msg.Content},
					},
				})
			}
		case "tool":
			if msg.ToolCall == nil {
				continue
			}
			bedrockMessages = append(bedrockMessages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCall.ID,
					"content":     msg.Content,
				}},
			})
		}
	}

	return bedrockMessages
}

func processBedrockResponse(body []byte) (*Response, error) {
	var response map[string]interface{}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}

	if errMsg, ok := response["error"]; ok {
		return nil, errors.New("Bedrock API error: %v", errMsg)
	}

	content, ok := response["content"]
	if !ok {
		return &Response{}, nil
	}
	contentArray, ok := content.([]interface{})
	if !ok {
		return nil, errors.New("unexpected content format in Bedrock response")
	}

	out := &Response{}
	for i, item := range contentArray {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		switch itemMap["type"] {
		case "text":
			if text, ok := itemMap["text"].(string); ok {
				out.Text += text
			}
		case "tool_use":
			if out.ToolCall != nil {
				continue
			}
			name, _ := itemMap["name"].(string)
			input, _ := itemMap["input"].(map[string]interface{})
			id, _ := itemMap["id"].(string)
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", i, name)
			}
			out.ToolCall = &ToolCall{ID: id, Name: name, Args: input}
		}
	}

	return out, nil
}
