// Package protocol implements the two-agent communication protocol and the
// fixed three-step handshake it governs. A Protocol binds a pair of agents to
// a shared natural-language rule text; each agent can run one handshake per
// invocation, exchanging exactly one message each way with its peer while the
// exchanged tokens are priced.
package protocol

import (
	"fmt"

	"github.com/kvashee/protopt/errors"
	"github.com/kvashee/protopt/llm"
	"github.com/kvashee/protopt/tokenizer"
)

// Agent is one participant in a protocol. Its role is private instruction
// text, never shown verbatim to the other agent. Agents are stateless across
// handshakes apart from their protocol binding.
type Agent struct {
	Name string
	Role string

	protocol *Protocol
}

// NewAgent creates an unbound agent. Bind it by constructing a Protocol.
func NewAgent(name, role string) *Agent {
	return &Agent{Name: name, Role: role}
}

// Protocol is the shared communication contract: the mutable rule text plus
// the agents bound to it. Rules is the single piece of shared mutable state
// in the system; evaluations always operate on a Clone, and only the
// optimizer writes Rules between rounds.
type Protocol struct {
	Rules  string
	Agents []*Agent

	client  llm.Client
	counter tokenizer.Counter
}

// New binds agents to a protocol. The normal configuration is exactly two
// agents; a single agent is permitted, in which case handshakes have no
// target and carry no return cost.
func New(rules string, agents []*Agent, client llm.Client, counter tokenizer.Counter) (*Protocol, error) {
	if len(agents) == 0 || len(agents) > 2 {
		return nil, errors.New("a protocol binds one or two agents, got %d", len(agents))
	}
	if client == nil {
		return nil, errors.New("a protocol requires a model client")
	}
	if counter == nil {
		return nil, errors.New("a protocol requires a token counter")
	}
	p := &Protocol{
		Rules:   rules,
		Agents:  agents,
		client:  client,
		counter: counter,
	}
	for _, a := range agents {
		a.protocol = p
	}
	return p, nil
}

// Clone returns an independent protocol carrying the given rule text, with
// fresh agent instances of the same names and roles. Clones are what
// concurrent evaluations run against, so the live protocol's Rules can never
// change under an in-flight handshake.
func (p *Protocol) Clone(rules string) *Protocol {
	agents := make([]*Agent, len(p.Agents))
	for i, a := range p.Agents {
		agents[i] = NewAgent(a.Name, a.Role)
	}
	clone := &Protocol{
		Rules:   rules,
		Agents:  agents,
		client:  p.client,
		counter: p.counter,
	}
	for _, a := range agents {
		a.protocol = clone
	}
	return clone
}

// Client returns the model client the protocol's handshakes run against.
func (p *Protocol) Client() llm.Client {
	return p.client
}

// Counter returns the token counter used to price exchanged messages.
func (p *Protocol) Counter() tokenizer.Counter {
	return p.counter
}

// AgentByName returns the bound agent with the given name, or nil.
func (p *Protocol) AgentByName(name string) *Agent {
	for _, a := range p.Agents {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// peer returns the first bound agent that is not the given one. With two
// bound agents this is always the other agent; target addressing beyond that
// would need an explicit scheme.
func (p *Protocol) peer(of *Agent) *Agent {
	for _, a := range p.Agents {
		if a != of {
			return a
		}
	}
	return nil
}

// systemPrompt combines the agent's private role with the shared rules.
func (a *Agent) systemPrompt() string {
	return fmt.Sprintf("%s\n\nHere is your communication channel to other agents:\n%s\n", a.Role, a.protocol.Rules)
}
