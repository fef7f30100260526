package optimize

// Node is one evaluated protocol candidate. Nodes are immutable once
// recorded; the optimizer's tree is the full provenance log of a search,
// independent of which nodes end up on the winning path.
type Node struct {
	ID string `json:"id"`
	// ParentID is the node this candidate was derived from; empty for the
	// round-0 baseline.
	ParentID   string `json:"parent_id"`
	RoundIndex int    `json:"round_index"`
	Rule       string `json:"rule"`
	// CommunicationTokens is the average handshake cost measured across
	// the task prompts.
	CommunicationTokens float64 `json:"communication_tokens"`
	// ResponseText is one representative handshake answer, kept for human
	// inspection.
	ResponseText string `json:"response_text"`
}
