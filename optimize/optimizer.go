// Package optimize searches for a cheaper wording of a communication
// protocol. Each round it asks the model for rewordings of the current best
// rule, prices every candidate by replaying the handshake over a fixed
// prompt set, and greedily adopts the cheapest one, recording every
// evaluated candidate in an append-only tree.
package optimize

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/kvashee/protopt/errors"
	"github.com/kvashee/protopt/llm"
	"github.com/kvashee/protopt/protocol"
)

// Selection is the policy for adopting a round's cheapest candidate.
type Selection string

const (
	// SelectAlways adopts each round's cheapest candidate unconditionally,
	// even when it costs more than the previous best. This keeps the
	// search exploring and is the default.
	SelectAlways Selection = "always"
	// SelectImprove adopts a candidate only when it beats the current
	// best's cost.
	SelectImprove Selection = "improve"
)

// Optimizer drives the round-based greedy search. An Optimizer runs one
// search at a time; Tree and BestPath reflect the most recent call.
type Optimizer struct {
	protocol        *protocol.Protocol
	entryName       string
	variationClient llm.Client
	rounds          int
	variationCount  int
	selection       Selection
	logger          *slog.Logger

	tree     []*Node
	bestPath []string
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithEntryAgent selects the entry agent by name. Defaults to the pair's
// first agent.
func WithEntryAgent(name string) Option {
	return func(o *Optimizer) { o.entryName = name }
}

// WithRounds sets the number of search rounds.
func WithRounds(n int) Option {
	return func(o *Optimizer) { o.rounds = n }
}

// WithVariationCount sets the branch size per round.
func WithVariationCount(n int) Option {
	return func(o *Optimizer) { o.variationCount = n }
}

// WithSelection sets the adoption policy.
func WithSelection(s Selection) Option {
	return func(o *Optimizer) { o.selection = s }
}

// WithVariationClient sets the model client used to generate rewordings.
// Defaults to the protocol's own client.
func WithVariationClient(c llm.Client) Option {
	return func(o *Optimizer) { o.variationClient = c }
}

// WithLogger sets the logger for search progress.
func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) { o.logger = l }
}

// New creates an Optimizer over the given protocol.
func New(p *protocol.Protocol, opts ...Option) *Optimizer {
	o := &Optimizer{
		protocol:       p,
		rounds:         3,
		variationCount: 5,
		selection:      SelectAlways,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.variationClient == nil {
		o.variationClient = p.Client()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Tree returns every node evaluated by the most recent search, in
// evaluation order.
func (o *Optimizer) Tree() []*Node {
	return append([]*Node(nil), o.tree...)
}

// BestPath returns the node ids adopted per round, baseline first.
func (o *Optimizer) BestPath() []string {
	return append([]string(nil), o.bestPath...)
}

// Optimize runs the full search and returns the final best node. The live
// protocol's rules are left set to the best rule found. Candidates within a
// round are priced concurrently.
func (o *Optimizer) Optimize(ctx context.Context, prompts []string) (*Node, error) {
	evaluator := NewEvaluator(o.protocol, o.entryName)
	currentBest, err := o.evaluateBaseline(ctx, evaluator, prompts)
	if err != nil {
		return nil, err
	}

	for round := 1; round <= o.rounds; round++ {
		variations := generateVariations(ctx, o.variationClient, o.protocol, currentBest.Rule, o.variationCount, o.logger)
		if len(variations) == 0 {
			o.logger.Info("no variations generated, terminating early", "round", round)
			break
		}

		candidates, err := o.evaluateConcurrently(ctx, evaluator, variations, prompts, currentBest.ID, round)
		if err != nil {
			return nil, err
		}
		currentBest = o.selectBest(round, candidates, currentBest)
	}

	o.protocol.Rules = currentBest.Rule
	return currentBest, nil
}

// OptimizeEvents runs the same search as Optimize but streams milestones as
// they occur. Candidates within a round are priced sequentially so observers
// see a deterministic per-candidate event order. The returned channel is
// closed after a terminal done or error event, or when ctx is cancelled.
func (o *Optimizer) OptimizeEvents(ctx context.Context, prompts []string) <-chan SearchEvent {
	events := make(chan SearchEvent)
	go func() {
		defer close(events)

		evaluator := NewEvaluator(o.protocol, o.entryName)
		currentBest, err := o.evaluateBaseline(ctx, evaluator, prompts)
		if err != nil {
			o.emit(ctx, events, SearchEvent{Type: EventError, Message: err.Error()})
			return
		}
		if !o.emit(ctx, events, SearchEvent{Type: EventBaseEvaluated, Node: currentBest, BestPath: o.BestPath()}) {
			return
		}

		for round := 1; round <= o.rounds; round++ {
			variations := generateVariations(ctx, o.variationClient, o.protocol, currentBest.Rule, o.variationCount, o.logger)
			if len(variations) == 0 {
				o.logger.Info("no variations generated, terminating early", "round", round)
				break
			}

			var candidates []*Node
			for _, rule := range variations {
				response, tokens, err := evaluator.Evaluate(ctx, rule, prompts)
				if err != nil {
					o.logger.Warn("candidate evaluation failed", "round", round, "error", err)
					continue
				}
				candidate := o.recordNode(rule, currentBest.ID, round, tokens, response)
				candidates = append(candidates, candidate)
				if !o.emit(ctx, events, SearchEvent{Type: EventCandidateEvaluated, Node: candidate, RoundIndex: round}) {
					return
				}
			}
			if len(candidates) == 0 {
				o.emit(ctx, events, SearchEvent{Type: EventError, Message: fmt.Sprintf("round %d: every candidate failed evaluation", round)})
				return
			}

			currentBest = o.selectBest(round, candidates, currentBest)
			if !o.emit(ctx, events, SearchEvent{Type: EventBestUpdated, Node: currentBest, BestPath: o.BestPath()}) {
				return
			}
		}

		o.protocol.Rules = currentBest.Rule
		o.emit(ctx, events, SearchEvent{
			Type:     EventDone,
			Node:     currentBest,
			Tree:     o.Tree(),
			BestPath: o.BestPath(),
		})
	}()
	return events
}

// evaluateBaseline resets the search state and prices the protocol's current
// rules as the round-0 root node.
func (o *Optimizer) evaluateBaseline(ctx context.Context, evaluator *Evaluator, prompts []string) (*Node, error) {
	o.tree = nil
	o.bestPath = nil

	response, tokens, err := evaluator.Evaluate(ctx, o.protocol.Rules, prompts)
	if err != nil {
		return nil, errors.Wrapf(err, "baseline evaluation failed")
	}
	o.logger.Info("baseline evaluated", "tokens", tokens)

	root := o.recordNode(o.protocol.Rules, "", 0, tokens, response)
	o.bestPath = append(o.bestPath, root.ID)
	return root, nil
}

// evaluateConcurrently prices every variation in parallel. A candidate whose
// pricing fails is dropped from the round; the round itself fails only when
// no candidate survives. Surviving nodes are recorded in variation order.
func (o *Optimizer) evaluateConcurrently(ctx context.Context, evaluator *Evaluator, variations, prompts []string, parentID string, round int) ([]*Node, error) {
	type result struct {
		response string
		tokens   float64
		err      error
	}
	results := make([]result, len(variations))

	var wg sync.WaitGroup
	for i, rule := range variations {
		wg.Add(1)
		go func() {
			defer wg.Done()
			response, tokens, err := evaluator.Evaluate(ctx, rule, prompts)
			results[i] = result{response: response, tokens: tokens, err: err}
		}()
	}
	wg.Wait()

	var candidates []*Node
	for i, res := range results {
		if res.err != nil {
			o.logger.Warn("candidate evaluation failed", "round", round, "error", res.err)
			continue
		}
		o.logger.Info("candidate evaluated", "round", round, "tokens", res.tokens)
		candidates = append(candidates, o.recordNode(variations[i], parentID, round, res.tokens, res.response))
	}
	if len(candidates) == 0 {
		return nil, errors.New("round %d: every candidate failed evaluation", round)
	}
	return candidates, nil
}

// selectBest ranks a round's candidates and applies the selection policy.
// Under SelectAlways the round's minimum replaces the current best even when
// it is more expensive, so best-path costs are not monotonic.
func (o *Optimizer) selectBest(round int, candidates []*Node, currentBest *Node) *Node {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CommunicationTokens < candidates[j].CommunicationTokens
	})
	cheapest := candidates[0]

	if o.selection == SelectImprove && cheapest.CommunicationTokens >= currentBest.CommunicationTokens {
		o.logger.Info("round kept previous best", "round", round, "tokens", currentBest.CommunicationTokens)
		o.bestPath = append(o.bestPath, currentBest.ID)
		return currentBest
	}

	o.logger.Info("round selected new best", "round", round, "tokens", cheapest.CommunicationTokens)
	o.bestPath = append(o.bestPath, cheapest.ID)
	o.protocol.Rules = cheapest.Rule
	return cheapest
}

func (o *Optimizer) recordNode(rule, parentID string, round int, tokens float64, response string) *Node {
	node := &Node{
		ID:                  uuid.NewString(),
		ParentID:            parentID,
		RoundIndex:          round,
		Rule:                rule,
		CommunicationTokens: tokens,
		ResponseText:        response,
	}
	o.tree = append(o.tree, node)
	return node
}

// emit sends an event unless ctx is done. Returns false when the search
// should stop.
func (o *Optimizer) emit(ctx context.Context, events chan<- SearchEvent, ev SearchEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
