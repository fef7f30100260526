package optimize

// SearchEventType discriminates streaming search events.
type SearchEventType string

const (
	// EventBaseEvaluated is emitted once, after the round-0 baseline is
	// priced.
	EventBaseEvaluated SearchEventType = "base_evaluated"
	// EventCandidateEvaluated is emitted once per priced candidate within
	// a round, as each completes.
	EventCandidateEvaluated SearchEventType = "candidate_evaluated"
	// EventBestUpdated is emitted once per round after ranking.
	EventBestUpdated SearchEventType = "best_updated"
	// EventDone is terminal and carries the full tree and best path.
	EventDone SearchEventType = "done"
	// EventError is terminal and reports a search aborted by a fatal
	// error, as opposed to a normal early termination with fewer rounds.
	EventError SearchEventType = "error"
)

// SearchEvent is one streaming search milestone. Together the events carry
// enough node and round data to reconstruct the tree and best path without
// further queries.
type SearchEvent struct {
	Type       SearchEventType `json:"type"`
	Node       *Node           `json:"node,omitempty"`
	RoundIndex int             `json:"round_index,omitempty"`
	BestPath   []string        `json:"best_path,omitempty"`
	Tree       []*Node         `json:"tree,omitempty"`
	Message    string          `json:"message,omitempty"`
}
