package catalogagent

import (
	"encoding/json"

	"catalog-agent/internal/domain"
)

// EventKind tags the variant of an Event.
type EventKind string

const (
	// EventContentDelta carries a fragment of assistant text in Text.
	EventContentDelta EventKind = "content-delta"
	// EventToolNotice announces a tool invocation in Tool.
	EventToolNotice EventKind = "tool-invocation-notice"
	// EventFinal ends a turn. Text holds the final answer and is empty when
	// the model produced nothing usable.
	EventFinal EventKind = "final-message"
)

// Event is one progress report of an Ask call.
type Event struct {
	Kind      EventKind       `json:"kind"`
	ThreadID  string          `json:"thread_id"`
	Step      int             `json:"step"`
	Text      string          `json:"text,omitempty"`
	Tool      *ToolInvocation `json:"tool,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
}

// ToolInvocation is a tool call requested by the model.
type ToolInvocation struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one persisted entry of a thread.
type Message struct {
	ID        string           `json:"id"`
	Role      string           `json:"role"` // system | user | assistant | tool
	Content   string           `json:"content,omitempty"`
	ToolCalls []ToolInvocation `json:"tool_calls,omitempty"`
	CallID    string           `json:"call_id,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func toMessage(m domain.Message) Message {
	out := Message{ID: m.ID, Content: m.Content, CallID: m.ToolCallID}
	switch m.Kind {
	case domain.KindSystem:
		out.Role = "system"
	case domain.KindHuman:
		out.Role = "user"
	case domain.KindAI:
		out.Role = "assistant"
	case domain.KindTool:
		out.Role = "tool"
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, toInvocation(tc))
	}
	if m.Error != nil {
		out.Error = m.Error.Error()
	}
	return out
}

func toInvocation(tc domain.ToolCall) ToolInvocation {
	return ToolInvocation{CallID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
}

// eventMapper turns engine deltas into events. Assistant text that was not
// streamed token by token is reported as a single content delta once its
// decide step completes, so the concatenated deltas always cover every
// assistant message.
type eventMapper struct {
	threadID string
	emit     func(Event) error
	streamed map[int]bool
}

func (m *eventMapper) handle(d domain.Delta) error {
	if d.IsPartial() {
		if m.streamed == nil {
			m.streamed = make(map[int]bool)
		}
		m.streamed[d.Step] = true
		return m.emit(Event{Kind: EventContentDelta, ThreadID: m.threadID, Step: d.Step, Text: d.Token})
	}

	switch d.Node {
	case domain.NodeDecide:
		for _, msg := range d.Messages {
			if msg.Kind != domain.KindAI {
				continue
			}
			if msg.Content != "" && !m.streamed[d.Step] {
				if err := m.emit(Event{Kind: EventContentDelta, ThreadID: m.threadID, Step: d.Step, Text: msg.Content}); err != nil {
					return err
				}
			}
			for _, tc := range msg.ToolCalls {
				inv := toInvocation(tc)
				if err := m.emit(Event{Kind: EventToolNotice, ThreadID: m.threadID, Step: d.Step, Tool: &inv}); err != nil {
					return err
				}
			}
		}
	case domain.NodeEnd:
		ev := Event{Kind: EventFinal, ThreadID: m.threadID, Step: d.Step}
		if len(d.Messages) > 0 {
			last := d.Messages[len(d.Messages)-1]
			ev.Text, ev.MessageID = last.Content, last.ID
		}
		return m.emit(ev)
	}
	return nil
}
