package optimize

import (
	"context"
	"sync"
	"testing"

	"github.com/kvashee/protopt/errors"
	"github.com/kvashee/protopt/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstVariation(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"plain array", `["use shorthand codes"]`, "use shorthand codes"},
		{"array with blanks", `["", "  ", "second entry"]`, "second entry"},
		{"fenced json", "```json\n[\"fenced rule\"]\n```", "fenced rule"},
		{"fenced bare", "```\n[\"bare fence\"]\n```", "bare fence"},
		{"variations object", `{"variations": ["wrapped rule"]}`, "wrapped rule"},
		{"chatter around array", `Sure! Here you go: ["embedded rule"] Hope that helps.`, "embedded rule"},
		{"whitespace trimmed", `["  padded  "]`, "padded"},
		{"empty array", `[]`, ""},
		{"free text", `I cannot produce JSON today.`, ""},
		{"not strings", `[1, 2, 3]`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, firstVariation(tt.text))
		})
	}
}

// queueModel answers each variation request with the next scripted reply.
type queueModel struct {
	mu      sync.Mutex
	replies []string
	errs    []error
}

func (m *queueModel) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(m.replies) == 0 {
		return &llm.Response{Text: "[]"}, nil
	}
	next := m.replies[0]
	m.replies = m.replies[1:]
	return &llm.Response{Text: next}, nil
}

func TestGenerateVariationsDeduplicates(t *testing.T) {
	model := &queueModel{replies: []string{
		`["same wording"]`,
		`["same wording"]`,
		`["different wording"]`,
	}}
	p := newSearchProtocol(t, &promptEchoModel{}, "base")

	got := generateVariations(context.Background(), model, p, "base", 3, quietLogger())
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []string{"same wording", "different wording"}, got)
}

func TestGenerateVariationsDropsFailuresAndGarbage(t *testing.T) {
	model := &queueModel{
		replies: []string{`not json at all`, `["usable rule"]`},
		errs:    []error{errors.New("rate limited"), nil, nil},
	}
	p := newSearchProtocol(t, &promptEchoModel{}, "base")

	got := generateVariations(context.Background(), model, p, "base", 3, quietLogger())
	assert.Equal(t, []string{"usable rule"}, got)
}

func TestGenerateVariationsEmptyWhenNothingUsable(t *testing.T) {
	model := &queueModel{}
	p := newSearchProtocol(t, &promptEchoModel{}, "base")

	got := generateVariations(context.Background(), model, p, "base", 4, quietLogger())
	assert.Empty(t, got)
}

func TestGenerateVariationsRequestCarriesContext(t *testing.T) {
	var captured llm.Request
	model := captureModel{captured: &captured}
	p := newSearchProtocol(t, &promptEchoModel{}, "the current rule")

	generateVariations(context.Background(), model, p, "the current rule", 1, quietLogger())

	assert.Equal(t, llm.ToolChoiceNone, captured.ToolChoice)
	assert.Empty(t, captured.Tools)
	require.Len(t, captured.Messages, 1)
	assert.Contains(t, captured.Messages[0].Content, "the current rule")
	assert.Contains(t, captured.Messages[0].Content, "first role")
	assert.Contains(t, captured.Messages[0].Content, "second role")
	assert.Contains(t, captured.System, "minimize the number of tokens")
}

type captureModel struct {
	captured *llm.Request
}

func (m captureModel) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	*m.captured = req
	return &llm.Response{Text: `["variant"]`}, nil
}
