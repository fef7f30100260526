package optimize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/kvashee/protopt/errors"
	"github.com/kvashee/protopt/llm"
	"github.com/kvashee/protopt/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordCounter prices text by whitespace-separated words.
type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

const rulesMarker = "communication channel to other agents:\n"

// searchModel plays every model role in a search. Handshake steps send the
// protocol's rule text as the agent message, so a candidate's measured cost
// tracks the word count of its rule. Variation requests pop from a fixed
// queue, one string per request.
type searchModel struct {
	mu             sync.Mutex
	variationQueue []string
	failRules      []string
	chatCalls      int
}

func (m *searchModel) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.chatCalls++
	m.mu.Unlock()

	if req.ToolChoice == llm.ToolChoiceNone && len(req.Tools) == 0 {
		m.mu.Lock()
		defer m.mu.Unlock()
		if len(m.variationQueue) == 0 {
			return &llm.Response{Text: "[]"}, nil
		}
		next := m.variationQueue[0]
		m.variationQueue = m.variationQueue[1:]
		return &llm.Response{Text: fmt.Sprintf("[%q]", next)}, nil
	}

	rule := ruleFromSystem(req.System)
	for _, bad := range m.failRules {
		if rule == bad {
			return nil, errors.New("model refused rule %q", bad)
		}
	}

	if req.ToolChoice == llm.ToolChoiceRequired {
		message := rule
		// The target step replies with a single fixed word so the
		// return leg always costs 1.
		if len(req.Messages) == 1 && strings.HasPrefix(req.Messages[0].Content, "Received a message from") {
			message = "ack"
		}
		return &llm.Response{ToolCall: &llm.ToolCall{
			ID:   "call",
			Name: "communicate_with_agent",
			Args: map[string]interface{}{"target_agent": "peer", "message": message},
		}}, nil
	}
	return &llm.Response{Text: "answer for: " + req.Messages[0].Content}, nil
}

func ruleFromSystem(system string) string {
	idx := strings.Index(system, rulesMarker)
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(system[idx+len(rulesMarker):])
}

func newSearchProtocol(t *testing.T, model llm.Client, rules string) *protocol.Protocol {
	t.Helper()
	p, err := protocol.New(rules,
		[]*protocol.Agent{protocol.NewAgent("one", "first role"), protocol.NewAgent("two", "second role")},
		model, wordCounter{})
	require.NoError(t, err)
	return p
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ruleCost is what searchModel makes a handshake cost for a given rule:
// the rule's words outbound plus a one-word ack back.
func ruleCost(rule string) float64 {
	return float64(len(strings.Fields(rule)) + 1)
}

func TestOptimizeTreeAndBestPathShape(t *testing.T) {
	model := &searchModel{variationQueue: []string{
		"alpha beta gamma", "delta epsilon", "zeta",
		"one", "two three", "four five six",
	}}
	p := newSearchProtocol(t, model, "base rule text")
	o := New(p, WithRounds(2), WithVariationCount(3), WithLogger(quietLogger()))

	best, err := o.Optimize(context.Background(), []string{"task"})
	require.NoError(t, err)

	tree := o.Tree()
	require.Len(t, tree, 1+2*3)

	// Baseline is the root.
	root := tree[0]
	assert.Equal(t, "", root.ParentID)
	assert.Equal(t, 0, root.RoundIndex)
	assert.Equal(t, "base rule text", root.Rule)

	path := o.BestPath()
	require.Len(t, path, 1+2)
	assert.Equal(t, root.ID, path[0])

	// Each path entry's parent is the previous entry.
	byID := make(map[string]*Node)
	for _, n := range tree {
		byID[n.ID] = n
	}
	for i := 1; i < len(path); i++ {
		node := byID[path[i]]
		require.NotNil(t, node)
		assert.Equal(t, path[i-1], node.ParentID)
		assert.Equal(t, i, node.RoundIndex)
	}

	// Winner is the last path entry, and the live protocol carries its rule.
	assert.Equal(t, best.ID, path[len(path)-1])
	assert.Equal(t, best.Rule, p.Rules)
}

func TestOptimizePicksCheapestPerRound(t *testing.T) {
	model := &searchModel{variationQueue: []string{"long rule with many words", "short"}}
	p := newSearchProtocol(t, model, "medium sized base")
	o := New(p, WithRounds(1), WithVariationCount(2), WithLogger(quietLogger()))

	best, err := o.Optimize(context.Background(), []string{"task"})
	require.NoError(t, err)
	assert.Equal(t, "short", best.Rule)
	assert.Equal(t, ruleCost("short"), best.CommunicationTokens)
}

func TestOptimizeSelectionIsNonMonotonic(t *testing.T) {
	// Every round-1 candidate is worse than the baseline, yet SelectAlways
	// still replaces the best.
	model := &searchModel{variationQueue: []string{"much longer candidate rule"}}
	p := newSearchProtocol(t, model, "tiny")
	o := New(p, WithRounds(1), WithVariationCount(1), WithLogger(quietLogger()))

	best, err := o.Optimize(context.Background(), []string{"task"})
	require.NoError(t, err)
	assert.Equal(t, "much longer candidate rule", best.Rule)
	assert.Greater(t, best.CommunicationTokens, ruleCost("tiny"))
	assert.Equal(t, "much longer candidate rule", p.Rules)
}

func TestOptimizeSelectImproveKeepsBaseline(t *testing.T) {
	model := &searchModel{variationQueue: []string{"much longer candidate rule"}}
	p := newSearchProtocol(t, model, "tiny")
	o := New(p, WithRounds(1), WithVariationCount(1), WithSelection(SelectImprove), WithLogger(quietLogger()))

	best, err := o.Optimize(context.Background(), []string{"task"})
	require.NoError(t, err)
	assert.Equal(t, "tiny", best.Rule)
	assert.Equal(t, "tiny", p.Rules)

	// The rejected candidate still lands in the tree, and the path repeats
	// the retained best.
	assert.Len(t, o.Tree(), 2)
	path := o.BestPath()
	require.Len(t, path, 2)
	assert.Equal(t, path[0], path[1])
}

func TestOptimizeTerminatesEarlyWithoutVariations(t *testing.T) {
	model := &searchModel{} // empty queue: every round generates nothing
	p := newSearchProtocol(t, model, "base rule")
	o := New(p, WithRounds(5), WithVariationCount(3), WithLogger(quietLogger()))

	best, err := o.Optimize(context.Background(), []string{"task"})
	require.NoError(t, err)
	assert.Equal(t, "base rule", best.Rule)
	assert.Len(t, o.Tree(), 1)
	assert.Len(t, o.BestPath(), 1)
}

func TestOptimizeReevaluatingBaselineIsIdempotent(t *testing.T) {
	// The generator returns the baseline rule verbatim; pricing it again
	// must yield the same cost.
	model := &searchModel{variationQueue: []string{"base rule text"}}
	p := newSearchProtocol(t, model, "base rule text")
	o := New(p, WithRounds(1), WithVariationCount(1), WithLogger(quietLogger()))

	best, err := o.Optimize(context.Background(), []string{"a task", "another task"})
	require.NoError(t, err)

	tree := o.Tree()
	require.Len(t, tree, 2)
	assert.Equal(t, tree[0].CommunicationTokens, best.CommunicationTokens)
}

func TestOptimizeDropsFailingCandidates(t *testing.T) {
	model := &searchModel{
		variationQueue: []string{"bad rule", "good good good"},
		failRules:      []string{"bad rule"},
	}
	p := newSearchProtocol(t, model, "base")
	o := New(p, WithRounds(1), WithVariationCount(2), WithLogger(quietLogger()))

	best, err := o.Optimize(context.Background(), []string{"task"})
	require.NoError(t, err)
	assert.Equal(t, "good good good", best.Rule)
	// Only the baseline and the surviving candidate are recorded.
	assert.Len(t, o.Tree(), 2)
}

func TestOptimizeFailsWhenEveryCandidateFails(t *testing.T) {
	model := &searchModel{
		variationQueue: []string{"bad one", "bad two"},
		failRules:      []string{"bad one", "bad two"},
	}
	p := newSearchProtocol(t, model, "base")
	o := New(p, WithRounds(1), WithVariationCount(2), WithLogger(quietLogger()))

	_, err := o.Optimize(context.Background(), []string{"task"})
	require.Error(t, err)
}

func TestOptimizeEventsStream(t *testing.T) {
	model := &searchModel{variationQueue: []string{"candidate one rule", "shorter"}}
	p := newSearchProtocol(t, model, "base rule")
	o := New(p, WithRounds(1), WithVariationCount(2), WithLogger(quietLogger()))

	var events []SearchEvent
	for ev := range o.OptimizeEvents(context.Background(), []string{"task"}) {
		events = append(events, ev)
	}

	require.Len(t, events, 5)
	assert.Equal(t, EventBaseEvaluated, events[0].Type)
	assert.Equal(t, EventCandidateEvaluated, events[1].Type)
	assert.Equal(t, 1, events[1].RoundIndex)
	assert.Equal(t, EventCandidateEvaluated, events[2].Type)
	assert.Equal(t, EventBestUpdated, events[3].Type)
	assert.Equal(t, EventDone, events[4].Type)

	done := events[4]
	assert.Equal(t, "shorter", done.Node.Rule)
	assert.Len(t, done.Tree, 3)
	assert.Len(t, done.BestPath, 2)
	assert.Equal(t, "shorter", p.Rules)
}

func TestOptimizeEventsReportsFatalErrors(t *testing.T) {
	model := &searchModel{
		variationQueue: []string{"doomed"},
		failRules:      []string{"doomed"},
	}
	p := newSearchProtocol(t, model, "base")
	o := New(p, WithRounds(1), WithVariationCount(1), WithLogger(quietLogger()))

	var last SearchEvent
	for ev := range o.OptimizeEvents(context.Background(), []string{"task"}) {
		last = ev
	}
	assert.Equal(t, EventError, last.Type)
	assert.NotEmpty(t, last.Message)
}

func TestOptimizeResetsStateBetweenSearches(t *testing.T) {
	model := &searchModel{variationQueue: []string{"first search rule", "second search rule"}}
	p := newSearchProtocol(t, model, "base rule")
	o := New(p, WithRounds(1), WithVariationCount(1), WithLogger(quietLogger()))

	_, err := o.Optimize(context.Background(), []string{"task"})
	require.NoError(t, err)
	firstTree := o.Tree()

	_, err = o.Optimize(context.Background(), []string{"task"})
	require.NoError(t, err)

	assert.Len(t, o.Tree(), 2)
	assert.NotEqual(t, firstTree[0].ID, o.Tree()[0].ID)
	assert.Len(t, o.BestPath(), 2)
}
