package domain

import "encoding/json"

// NodeName identifies a node of the engine's state machine.
type NodeName string

const (
	NodeStart  NodeName = "start"
	NodeDecide NodeName = "decide"
	NodeAct    NodeName = "act"
	NodeEnd    NodeName = "end"
)

// Delta is one incremental update emitted while a run streams.
//
// A completed node yields Messages (and Extra, when it changed). While a
// streaming provider is producing output, decide also yields partial deltas
// carrying only Token. The last delta of a successful run has Node == NodeEnd
// and Final set, with the final ai message in Messages.
type Delta struct {
	Node     NodeName                   `json:"node"`
	Step     int                        `json:"step"`
	Messages []Message                  `json:"messages,omitempty"`
	Extra    map[string]json.RawMessage `json:"extra,omitempty"`
	Token    string                     `json:"token,omitempty"`
	Final    bool                       `json:"final,omitempty"`
}

// IsPartial reports whether d carries a token fragment rather than a completed node.
func (d Delta) IsPartial() bool { return d.Token != "" }
