package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kvashee/protopt/errors"
	"github.com/kvashee/protopt/llm"
)

// Handshake steps, used in error reporting.
const (
	StepInitiate       = "initiate"
	StepTargetResponse = "target_response"
	StepFinalize       = "finalize"
)

// InvocationMissingError reports a handshake step that required a structured
// communicate_with_agent invocation but got free text instead. It is fatal to
// the single handshake run it occurred in, not to a surrounding search.
type InvocationMissingError struct {
	Agent string
	Step  string
}

func (e *InvocationMissingError) Error() string {
	return fmt.Sprintf("agent %q returned no communicate_with_agent invocation at step %s", e.Agent, e.Step)
}

// communicateTool is the single tool agents see. The runtime interprets the
// invocation itself; nothing is executed model-side.
func communicateTool() llm.Tool {
	return llm.Tool{
		Name:        "communicate_with_agent",
		Description: "Send a message to another agent through the communication protocol.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"target_agent": map[string]interface{}{
					"type":        "string",
					"description": "The name or role of the target agent to communicate with",
				},
				"message": map[string]interface{}{
					"type":        "string",
					"description": "The message to send to the target agent",
				},
			},
			"required": []string{"target_agent", "message"},
		},
	}
}

// Run executes the three-step handshake from this agent: produce exactly one
// outbound message, collect the peer's single reply, then answer the user.
// It returns the final free-text answer and the total communication token
// cost (outbound plus return; the final answer is not counted). The observer
// may be nil.
func (a *Agent) Run(ctx context.Context, input string, observer Observer) (string, int, error) {
	if a.protocol == nil {
		return "", 0, errors.New("agent %q is not bound to a protocol", a.Name)
	}

	tools := []llm.Tool{communicateTool()}
	communicationTokens := 0

	// INITIATE: the entry agent must produce a structured invocation.
	messages := []llm.Message{{Role: "user", Content: input}}
	resp, err := a.protocol.client.Chat(ctx, llm.Request{
		System:     a.systemPrompt(),
		Messages:   messages,
		Tools:      tools,
		ToolChoice: llm.ToolChoiceRequired,
	})
	if err != nil {
		return "", 0, errors.Wrapf(err, "handshake %s failed for agent %q", StepInitiate, a.Name)
	}
	if resp.ToolCall == nil {
		return "", 0, &InvocationMissingError{Agent: a.Name, Step: StepInitiate}
	}
	call := resp.ToolCall
	outbound, ok := call.Args["message"].(string)
	if !ok {
		return "", 0, errors.New("communicate_with_agent call from %q carries no message argument", a.Name)
	}
	messages = append(messages, llm.Message{Role: "assistant", Content: resp.Text, ToolCall: call})

	target := a.protocol.peer(a)
	communicationTokens += a.protocol.counter.Count(outbound)
	a.notify(observer, Event{
		Type:      EventAgentMessage,
		From:      a.Name,
		To:        targetName(target),
		Direction: DirectionOutbound,
		Message:   outbound,
		Tokens:    communicationTokens,
	})

	// TARGET_RESPONSE: the peer replies with its own single invocation.
	// Skipped entirely when no peer is bound.
	if target != nil {
		targetResp, err := a.protocol.client.Chat(ctx, llm.Request{
			System:     target.systemPrompt(),
			Messages:   []llm.Message{{Role: "user", Content: frameMessage(a.Name, outbound)}},
			Tools:      tools,
			ToolChoice: llm.ToolChoiceRequired,
		})
		if err != nil {
			return "", 0, errors.Wrapf(err, "handshake %s failed for agent %q", StepTargetResponse, target.Name)
		}
		if targetResp.ToolCall == nil {
			return "", 0, &InvocationMissingError{Agent: target.Name, Step: StepTargetResponse}
		}
		reply, ok := targetResp.ToolCall.Args["message"].(string)
		if !ok {
			return "", 0, errors.New("communicate_with_agent call from %q carries no message argument", target.Name)
		}

		communicationTokens += a.protocol.counter.Count(reply)
		a.notify(observer, Event{
			Type:      EventAgentMessage,
			From:      target.Name,
			To:        a.Name,
			Direction: DirectionReturn,
			Message:   reply,
			Tokens:    communicationTokens,
		})

		// The reply is delivered back to the entry agent as the result
		// of its earlier invocation.
		result, err := json.Marshal(map[string]string{"result": frameMessage(target.Name, reply)})
		if err != nil {
			return "", 0, errors.Wrapf(err, "failed to encode tool result")
		}
		messages = append(messages, llm.Message{Role: "tool", Content: string(result), ToolCall: call})
	} else {
		// Providers reject a history whose tool call has no result, so an
		// unanswered invocation gets an empty one.
		result, err := json.Marshal(map[string]string{"result": ""})
		if err != nil {
			return "", 0, errors.Wrapf(err, "failed to encode tool result")
		}
		messages = append(messages, llm.Message{Role: "tool", Content: string(result), ToolCall: call})
	}

	// FINALIZE: free-text answer, tool use disabled.
	finalResp, err := a.protocol.client.Chat(ctx, llm.Request{
		System:     a.systemPrompt(),
		Messages:   messages,
		Tools:      tools,
		ToolChoice: llm.ToolChoiceNone,
	})
	if err != nil {
		return "", 0, errors.Wrapf(err, "handshake %s failed for agent %q", StepFinalize, a.Name)
	}

	a.notify(observer, Event{
		Type:    EventFinal,
		From:    a.Name,
		Message: finalResp.Text,
		Tokens:  communicationTokens,
	})
	return finalResp.Text, communicationTokens, nil
}

func frameMessage(from, message string) string {
	return fmt.Sprintf("Received a message from %s: %s", from, message)
}

func targetName(target *Agent) string {
	if target == nil {
		return "unknown"
	}
	return target.Name
}
