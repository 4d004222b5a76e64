package domain

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// DefaultStepLimit is the number of decide rounds one invocation may use.
const DefaultStepLimit = 25

// State is the engine state of one thread.
type State struct {
	ThreadID  string                     `json:"thread_id"`
	Messages  []Message                  `json:"messages"`
	StepCount int                        `json:"step_count"`
	StepLimit int                        `json:"step_limit"`
	Extra     map[string]json.RawMessage `json:"extra,omitempty"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// NewState returns an empty state for threadID.
func NewState(threadID string) *State {
	return &State{
		ThreadID: threadID,
		Messages: make([]Message, 0),
	}
}

// RemainingSteps returns StepLimit - StepCount.
func (s *State) RemainingSteps() int { return s.StepLimit - s.StepCount }

// IsLastStep reports whether the budget is exhausted after the latest increment.
func (s *State) IsLastStep() bool { return s.RemainingSteps() <= 0 }

// Update is a partial state change produced by a node or hook.
type Update struct {
	// Messages are merged with MergeMessages.
	Messages []Message
	// Extra keys overwrite existing keys; a nil value deletes the key.
	Extra map[string]json.RawMessage
	// OracleInput, when set, replaces the history the oracle sees for the
	// rest of the invocation. It is never persisted.
	OracleInput []Message
}

// IsZero reports whether u changes nothing.
func (u Update) IsZero() bool {
	return len(u.Messages) == 0 && len(u.Extra) == 0 && u.OracleInput == nil
}

// Apply merges u into s. s is left untouched on error.
func (s *State) Apply(u Update) error {
	merged, err := MergeMessages(s.Messages, u.Messages...)
	if err != nil {
		return err
	}
	s.Messages = merged
	if len(u.Extra) > 0 {
		if s.Extra == nil {
			s.Extra = make(map[string]json.RawMessage, len(u.Extra))
		}
		for k, v := range u.Extra {
			if v == nil {
				delete(s.Extra, k)
				continue
			}
			s.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Messages = CloneMessages(s.Messages)
	if s.Extra != nil {
		cp.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			cp.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &cp
}

// SetExtra stores v as JSON under key.
func (s *State) SetExtra(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal extra %q: %w", key, err)
	}
	if s.Extra == nil {
		s.Extra = make(map[string]json.RawMessage)
	}
	s.Extra[key] = raw
	return nil
}

// GetExtra decodes the value stored under key into v. It reports false when
// the key is absent.
func (s *State) GetExtra(key string, v any) (bool, error) {
	raw, ok := s.Extra[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("unmarshal extra %q: %w", key, err)
	}
	return true, nil
}

// ValidateThreadID checks that id is usable as a checkpoint key, including
// as a file name.
func ValidateThreadID(id string) error {
	if id == "" {
		return NewDomainError("ValidateThreadID", ErrInvalidInput, "thread id cannot be empty")
	}
	if strings.ContainsAny(id, `/\`) {
		return NewDomainError("ValidateThreadID", ErrInvalidInput, fmt.Sprintf("thread id contains path separators: %q", id))
	}
	if strings.Contains(id, "..") {
		return NewDomainError("ValidateThreadID", ErrInvalidInput, fmt.Sprintf("thread id contains parent directory reference: %q", id))
	}
	if strings.Contains(id, "\x00") {
		return NewDomainError("ValidateThreadID", ErrInvalidInput, fmt.Sprintf("thread id contains null byte: %q", id))
	}
	if id == "." || filepath.Clean(id) != id {
		return NewDomainError("ValidateThreadID", ErrInvalidInput, fmt.Sprintf("thread id not clean: %q", id))
	}
	return nil
}
