// Package catalogagent is the entry point for code that answers data catalog
// questions through the orchestration engine.
//
// An Agent owns a configured engine. Each call to Ask runs one turn of a
// conversation thread and reports progress through a callback:
//
//	agent, err := catalogagent.Open(ctx, "config.yaml")
//	if err != nil {
//	    return err
//	}
//	defer agent.Close(ctx)
//
//	err = agent.Ask(ctx, "thread-42", "Which datasets describe population?",
//	    func(ev catalogagent.Event) error {
//	        switch ev.Kind {
//	        case catalogagent.EventContentDelta:
//	            fmt.Print(ev.Text)
//	        case catalogagent.EventToolNotice:
//	            fmt.Printf("\n[%s]\n", ev.Tool.Name)
//	        }
//	        return nil
//	    },
//	)
package catalogagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"catalog-agent/internal/bootstrap"
	"catalog-agent/internal/domain"
	"catalog-agent/internal/infra/config"
)

// Errors returned by Ask and Delete. Match them with errors.Is.
var (
	ErrThreadBusy   = domain.ErrThreadLocked
	ErrInvalidInput = domain.ErrInvalidInput
	ErrCancelled    = domain.ErrCancelled
)

// engine is the part of the orchestration engine the facade drives.
type engine interface {
	Stream(ctx context.Context, threadID, text string, yield func(domain.Delta) error) error
	State(ctx context.Context, threadID string) (*domain.State, error)
	ClearThread(ctx context.Context, threadID string) error
}

// Agent answers questions on conversation threads. It is safe for
// concurrent use; one thread runs at most one Ask at a time.
type Agent struct {
	engine engine
	logger *slog.Logger
	close  func(context.Context) error
}

// Open loads the YAML config at path (defaults when the file does not exist)
// and builds an Agent from it.
func Open(ctx context.Context, path string, opts ...Option) (*Agent, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return build(ctx, cfg, opts...)
}

func build(ctx context.Context, cfg *config.Config, opts ...Option) (*Agent, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	app, err := bootstrap.New(ctx, cfg, o.bootstrap)
	if err != nil {
		return nil, err
	}
	return &Agent{engine: app.Engine, logger: app.Logger, close: app.Close}, nil
}

// Ask runs one turn on threadID. handler receives content deltas, a notice
// for each tool the agent invokes, and exactly one final message when the
// turn completes. An error returned by handler aborts the turn and is
// returned by Ask unchanged.
func (a *Agent) Ask(ctx context.Context, threadID, text string, handler func(Event) error) error {
	if handler == nil {
		handler = func(Event) error { return nil }
	}
	m := &eventMapper{threadID: threadID, emit: handler}
	return a.engine.Stream(ctx, threadID, text, m.handle)
}

// NewThreadID mints a fresh, unused thread id.
func NewThreadID() string { return domain.NewThreadID() }

// History returns the persisted messages of threadID, oldest first. An
// unknown thread yields an empty, non-nil slice.
func (a *Agent) History(ctx context.Context, threadID string) ([]Message, error) {
	state, err := a.engine.State(ctx, threadID)
	if errors.Is(err, domain.ErrThreadNotFound) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(state.Messages))
	for _, m := range state.Messages {
		out = append(out, toMessage(m))
	}
	return out, nil
}

// Delete removes everything stored for threadID. Deleting an unknown thread
// is not an error; deleting a thread with a turn in flight is ErrThreadBusy.
func (a *Agent) Delete(ctx context.Context, threadID string) error {
	return a.engine.ClearThread(ctx, threadID)
}

// Close releases the stores, connections and background workers.
func (a *Agent) Close(ctx context.Context) error {
	if a.close == nil {
		return nil
	}
	return a.close(ctx)
}
