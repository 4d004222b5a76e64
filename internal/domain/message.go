package domain

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind tags the variant of a Message.
type Kind string

// Message kinds. The set is closed; every consumer switches over all four.
const (
	KindSystem Kind = "system"
	KindHuman  Kind = "human"
	KindAI     Kind = "ai"
	KindTool   Kind = "tool"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSystem, KindHuman, KindAI, KindTool:
		return true
	default:
		return false
	}
}

// Message represents a single immutable entry in a thread's history.
type Message struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"kind"`
	Content   string     `json:"content,omitempty"`
	Name      string     `json:"name,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tool messages only.
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Error      *ToolError `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ToolCall represents the oracle's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolError is the structured failure carried by a tool message.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string { return e.Code + ": " + e.Message }

// Tool error codes.
const (
	ToolErrNotFound    = "tool_not_found"
	ToolErrInvalidArgs = "invalid_arguments"
	ToolErrFailure     = "tool_failure"
	ToolErrPanic       = "tool_panic"
	ToolErrRateLimited = "rate_limited"
	ToolErrTimeout     = "timeout"
	ToolErrInterrupted = "interrupted"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a new ULID string. IDs minted by one process sort by creation time.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

// NewThreadID mints a fresh thread identifier.
func NewThreadID() string { return NewID() }

func newMessage(kind Kind, content string) Message {
	return Message{
		ID:        NewID(),
		Kind:      kind,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewSystemMessage creates a system instruction message.
func NewSystemMessage(content string) Message { return newMessage(KindSystem, content) }

// NewHumanMessage creates a user input message.
func NewHumanMessage(content string) Message { return newMessage(KindHuman, content) }

// NewAIMessage creates an oracle output message with optional tool-call requests.
func NewAIMessage(content string, calls ...ToolCall) Message {
	m := newMessage(KindAI, content)
	if len(calls) > 0 {
		m.ToolCalls = append([]ToolCall(nil), calls...)
	}
	return m
}

// NewToolResultMessage wraps a successful tool result for the given call.
func NewToolResultMessage(call ToolCall, content string) Message {
	m := newMessage(KindTool, content)
	m.Name = call.Name
	m.ToolCallID = call.ID
	return m
}

// NewToolErrorMessage wraps a structured tool failure for the given call.
func NewToolErrorMessage(call ToolCall, code, detail string) Message {
	m := newMessage(KindTool, "")
	m.Name = call.Name
	m.ToolCallID = call.ID
	m.Error = &ToolError{Code: code, Message: detail}
	return m
}

// IsEmpty reports whether an ai message carries neither text nor tool calls.
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Content) == "" && len(m.ToolCalls) == 0
}

// HasToolCalls reports whether the message requests at least one tool.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// Validate checks the kind-specific shape of a single message.
func (m Message) Validate() error {
	if m.ID == "" {
		return NewDomainError("Message.Validate", ErrInvalidMessage, "missing id")
	}
	switch m.Kind {
	case KindSystem, KindHuman:
		if len(m.ToolCalls) > 0 || m.ToolCallID != "" || m.Error != nil {
			return NewDomainError("Message.Validate", ErrInvalidMessage,
				fmt.Sprintf("%s message carries tool fields", m.Kind))
		}
	case KindAI:
		if m.ToolCallID != "" || m.Error != nil {
			return NewDomainError("Message.Validate", ErrInvalidMessage, "ai message carries tool result fields")
		}
		seen := make(map[string]struct{}, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			if tc.ID == "" || tc.Name == "" {
				return NewDomainError("Message.Validate", ErrInvalidMessage, "tool call without id or name")
			}
			if _, dup := seen[tc.ID]; dup {
				return NewDomainError("Message.Validate", ErrInvalidMessage,
					fmt.Sprintf("duplicate tool call id %q", tc.ID))
			}
			seen[tc.ID] = struct{}{}
		}
	case KindTool:
		if m.ToolCallID == "" {
			return NewDomainError("Message.Validate", ErrInvalidMessage, "tool message without call id")
		}
		if len(m.ToolCalls) > 0 {
			return NewDomainError("Message.Validate", ErrInvalidMessage, "tool message carries tool calls")
		}
	default:
		return NewDomainError("Message.Validate", ErrInvalidMessage, fmt.Sprintf("unknown kind %q", m.Kind))
	}
	return nil
}

// CloneMessage returns a deep copy of m.
func CloneMessage(m Message) Message {
	if m.ToolCalls != nil {
		calls := make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			calls[i] = tc
			if tc.Arguments != nil {
				calls[i].Arguments = append(json.RawMessage(nil), tc.Arguments...)
			}
		}
		m.ToolCalls = calls
	}
	if m.Error != nil {
		e := *m.Error
		m.Error = &e
	}
	return m
}

// CloneMessages returns a deep copy of msgs.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = CloneMessage(m)
	}
	return out
}
