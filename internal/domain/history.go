package domain

import "fmt"

// PendingCalls returns the tool-call requests of the most recent ai message
// that have no tool message answering them yet, in request order.
func PendingCalls(history []Message) []ToolCall {
	last := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Kind == KindAI {
			last = i
			break
		}
	}
	if last < 0 || len(history[last].ToolCalls) == 0 {
		return nil
	}

	answered := make(map[string]struct{})
	for _, m := range history[last+1:] {
		if m.Kind == KindTool {
			answered[m.ToolCallID] = struct{}{}
		}
	}

	var pending []ToolCall
	for _, tc := range history[last].ToolCalls {
		if _, ok := answered[tc.ID]; !ok {
			pending = append(pending, tc)
		}
	}
	return pending
}

// ValidateAppend checks that msg may be appended to the end of history.
func ValidateAppend(history []Message, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	pending := PendingCalls(history)

	switch msg.Kind {
	case KindSystem:
		if len(history) > 0 {
			return NewDomainError("ValidateAppend", ErrInvalidMessage, "system message must be first")
		}
	case KindTool:
		for _, tc := range pending {
			if tc.ID == msg.ToolCallID {
				return nil
			}
		}
		return NewDomainError("ValidateAppend", ErrUnmatchedToolCall, msg.ToolCallID)
	case KindHuman, KindAI:
		if len(pending) > 0 {
			return NewDomainError("ValidateAppend", ErrPendingToolCalls,
				fmt.Sprintf("%d unanswered tool call(s) before %s message", len(pending), msg.Kind))
		}
	default:
		return NewDomainError("ValidateAppend", ErrInvalidMessage, fmt.Sprintf("unknown kind %q", msg.Kind))
	}
	return nil
}

// MergeMessages applies incoming messages to history and returns the new
// history. A message whose ID is already present replaces that entry in
// place; any other message is validated and appended. history is not modified.
func MergeMessages(history []Message, incoming ...Message) ([]Message, error) {
	out := make([]Message, len(history), len(history)+len(incoming))
	copy(out, history)

	index := make(map[string]int, len(out))
	for i, m := range out {
		index[m.ID] = i
	}

	for _, msg := range incoming {
		if i, ok := index[msg.ID]; ok && msg.ID != "" {
			if err := msg.Validate(); err != nil {
				return nil, err
			}
			if out[i].Kind != msg.Kind {
				return nil, NewDomainError("MergeMessages", ErrInvalidMessage,
					fmt.Sprintf("replacement of %s message %s with %s", out[i].Kind, msg.ID, msg.Kind))
			}
			out[i] = CloneMessage(msg)
			continue
		}
		if err := ValidateAppend(out, msg); err != nil {
			return nil, err
		}
		index[msg.ID] = len(out)
		out = append(out, CloneMessage(msg))
	}
	return out, nil
}

// ResolvePending returns interrupted-error tool messages for every pending
// call in history. Appending them restores the history invariants after an
// act step was abandoned.
func ResolvePending(history []Message) []Message {
	pending := PendingCalls(history)
	if len(pending) == 0 {
		return nil
	}
	out := make([]Message, 0, len(pending))
	for _, tc := range pending {
		out = append(out, NewToolErrorMessage(tc, ToolErrInterrupted, "tool call did not produce a result"))
	}
	return out
}
