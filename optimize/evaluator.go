package optimize

import (
	"context"

	"github.com/kvashee/protopt/errors"
	"github.com/kvashee/protopt/protocol"
	"golang.org/x/sync/errgroup"
)

// Evaluator prices candidate rule texts by replaying the handshake against a
// fixed set of task prompts. Every evaluation runs on a private clone of the
// protocol, so concurrent candidates never observe each other's rules.
type Evaluator struct {
	protocol  *protocol.Protocol
	entryName string
}

// NewEvaluator creates an evaluator. entryName selects the entry agent by
// name; when no bound agent matches, the pair's first agent is used.
func NewEvaluator(p *protocol.Protocol, entryName string) *Evaluator {
	return &Evaluator{protocol: p, entryName: entryName}
}

// Evaluate measures the average handshake token cost of the candidate rule
// across all prompts, fanned out in parallel, and returns the first prompt's
// final answer as the representative response. With no prompts it returns a
// zero-cost empty result without running any handshake.
func (e *Evaluator) Evaluate(ctx context.Context, rule string, prompts []string) (string, float64, error) {
	if len(prompts) == 0 {
		return "", 0, nil
	}

	clone := e.protocol.Clone(rule)
	entry := clone.AgentByName(e.entryName)
	if entry == nil {
		entry = clone.Agents[0]
	}

	responses := make([]string, len(prompts))
	tokenCounts := make([]int, len(prompts))

	g, gctx := errgroup.WithContext(ctx)
	for i, prompt := range prompts {
		g.Go(func() error {
			response, tokens, err := entry.Run(gctx, prompt, nil)
			if err != nil {
				return errors.Wrapf(err, "pricing prompt %d", i)
			}
			responses[i] = response
			tokenCounts[i] = tokens
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", 0, err
	}

	total := 0
	for _, tokens := range tokenCounts {
		total += tokens
	}
	average := float64(total) / float64(len(prompts))
	return responses[0], average, nil
}
