package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventRunStarted        EventType = "run.started"
	EventRunCompleted      EventType = "run.completed"
	EventRunFailed         EventType = "run.failed"
	EventLLMCallStarted    EventType = "llm.call.started"
	EventLLMCallCompleted  EventType = "llm.call.completed"
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
	EventThreadCleared     EventType = "thread.cleared"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RunPayload accompanies run.* events.
type RunPayload struct {
	StepCount int    `json:"step_count"`
	StepLimit int    `json:"step_limit"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

// LLMCallPayload accompanies llm.call.* events.
type LLMCallPayload struct {
	Step      int    `json:"step"`
	Provider  string `json:"provider"`
	ToolCalls int    `json:"tool_calls,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`
}

// ToolCallPayload accompanies tool.call.* events.
type ToolCallPayload struct {
	CallID    string `json:"call_id"`
	Tool      string `json:"tool"`
	ErrorCode string `json:"error_code,omitempty"`
	Duration  int64  `json:"duration_ms,omitempty"`
}

// NewEvent builds an event with a JSON-encoded payload. A payload that fails
// to encode is dropped.
func NewEvent(typ EventType, threadID string, payload any) Event {
	ev := Event{Type: typ, Timestamp: time.Now(), ThreadID: threadID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
