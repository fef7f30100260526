package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kvashee/protopt/llm"
	"github.com/kvashee/protopt/optimize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedModel plays a full search deterministically: handshakes relay a fixed
// pair of messages, variation requests return a fixed rewording.
type fixedModel struct{}

func (fixedModel) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if req.ToolChoice == llm.ToolChoiceNone && len(req.Tools) == 0 {
		return &llm.Response{Text: `["short reworded rule"]`}, nil
	}
	if req.ToolChoice == llm.ToolChoiceRequired {
		message := "outbound message"
		if strings.HasPrefix(req.Messages[0].Content, "Received a message from") {
			message = "reply"
		}
		return &llm.Response{ToolCall: &llm.ToolCall{
			ID:   "call",
			Name: "communicate_with_agent",
			Args: map[string]interface{}{"target_agent": "peer", "message": message},
		}}, nil
	}
	return &llm.Response{Text: "final answer"}, nil
}

type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

func newTestServer() *Server {
	client := fixedModel{}
	return New(client, client, wordCounter{}, optimize.SelectAlways, nil)
}

func post(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func runBody() map[string]interface{} {
	return map[string]interface{}{
		"agent1_prompt": "You schedule for Tom.",
		"agent2_prompt": "You schedule for Jerry.",
		"user_input":    "find a slot",
		"protocol":      "keep it short",
		"agent1_name":   "Tom's assistant",
		"agent2_name":   "Jerry's assistant",
	}
}

func TestHandleRun(t *testing.T) {
	rec := post(t, newTestServer().Handler(), "/api/run", runBody())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Final               string `json:"final"`
		CommunicationTokens int    `json:"communication_tokens"`
		Events              []struct {
			Type string `json:"type"`
			From string `json:"from"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "final answer", resp.Final)
	// "outbound message" is two words, "reply" one.
	assert.Equal(t, 3, resp.CommunicationTokens)
	require.Len(t, resp.Events, 3)
	assert.Equal(t, "agent_message", resp.Events[0].Type)
	assert.Equal(t, "Tom's assistant", resp.Events[0].From)
	assert.Equal(t, "final", resp.Events[2].Type)
}

func TestHandleRunRejectsBadJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/run", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	newTestServer().Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRunStream(t *testing.T) {
	rec := post(t, newTestServer().Handler(), "/api/run/stream", runBody())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := strings.Count(rec.Body.String(), "event: message")
	assert.Equal(t, 3, frames)
	assert.Contains(t, rec.Body.String(), `"type":"final"`)
}

func optimizeBody() map[string]interface{} {
	return map[string]interface{}{
		"agent1_prompt":   "You schedule for Tom.",
		"agent2_prompt":   "You schedule for Jerry.",
		"protocol":        "keep it short",
		"input_prompts":   []string{"find a slot"},
		"rounds":          1,
		"variation_count": 2,
	}
}

func TestHandleOptimize(t *testing.T) {
	rec := post(t, newTestServer().Handler(), "/api/optimize", optimizeBody())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		BestNode *optimize.Node   `json:"best_node"`
		BestPath []string         `json:"best_path"`
		Tree     []*optimize.Node `json:"tree"`
		BestRule string           `json:"best_rule"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.BestNode)
	assert.Equal(t, resp.BestNode.Rule, resp.BestRule)
	// One duplicate-collapsed variation after the baseline.
	assert.Len(t, resp.Tree, 2)
	assert.Len(t, resp.BestPath, 2)
	assert.Equal(t, "short reworded rule", resp.BestRule)
}

func TestHandleOptimizeRequiresPrompts(t *testing.T) {
	body := optimizeBody()
	body["input_prompts"] = []string{}
	rec := post(t, newTestServer().Handler(), "/api/optimize", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleOptimizeStream(t *testing.T) {
	rec := post(t, newTestServer().Handler(), "/api/optimize/stream", optimizeBody())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"type":"base_evaluated"`)
	assert.Contains(t, body, `"type":"candidate_evaluated"`)
	assert.Contains(t, body, `"type":"best_updated"`)
	assert.Contains(t, body, `"type":"done"`)
}
