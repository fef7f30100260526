package protocol

// EventType discriminates handshake observer events.
type EventType string

const (
	// EventAgentMessage reports one priced message between agents.
	EventAgentMessage EventType = "agent_message"
	// EventFinal reports the user-facing final answer.
	EventFinal EventType = "final"
)

// Direction of an agent message relative to the entry agent.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionReturn   Direction = "return"
)

// Event is one handshake progress record. Tokens is the running
// communication total at the time the event was emitted.
type Event struct {
	Type      EventType `json:"type"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Message   string    `json:"message"`
	Tokens    int       `json:"tokens"`
}

// Observer receives handshake events. Observers must not alter the handshake
// outcome; a nil observer is valid and skips reporting entirely.
type Observer func(Event)

func (a *Agent) notify(observer Observer, ev Event) {
	if observer != nil {
		observer(ev)
	}
}
