package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"catalog-agent/internal/domain"
	"catalog-agent/internal/infra/tracer"
)

// Decider produces the next ai message for a history. *Oracle implements it.
type Decider interface {
	Decide(ctx context.Context, history []domain.Message, lastStep bool, onToken func(string) error) (domain.Message, bool, error)
}

// EngineDeps holds the collaborators of an Engine.
type EngineDeps struct {
	Oracle    Decider
	Tools     domain.ToolInvoker
	Store     domain.CheckpointStore
	Locker    domain.ThreadLocker // optional, nil = in-process ThreadLocker
	Bus       domain.EventBus     // optional, nil = no events
	StartHook StartHook           // optional, nil = no hook
	Logger    *slog.Logger
	StepLimit int           // decide rounds per invocation
	Timeout   time.Duration // optional, 0 = no deadline per invocation
}

// Engine drives the decide/act state machine for one thread at a time.
type Engine struct {
	deps EngineDeps
}

// NewEngine creates an engine with the given dependencies.
func NewEngine(deps EngineDeps) *Engine {
	if deps.Locker == nil {
		deps.Locker = NewThreadLocker()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.StepLimit <= 0 {
		deps.StepLimit = domain.DefaultStepLimit
	}
	return &Engine{deps: deps}
}

// Invoke appends text as a human message to the thread and runs the state
// machine to its end. It returns the resulting state.
func (e *Engine) Invoke(ctx context.Context, threadID, text string) (*domain.State, error) {
	return e.execute(ctx, "Engine.Invoke", threadID, text, nil)
}

// Stream is Invoke with incremental output: yield receives one delta per
// completed node, token deltas while the oracle streams, and a final delta.
// An error returned by yield stops the run and is returned as is.
func (e *Engine) Stream(ctx context.Context, threadID, text string, yield func(domain.Delta) error) error {
	if yield == nil {
		return domain.NewDomainError("Engine.Stream", domain.ErrInvalidInput, "yield function is nil")
	}
	_, err := e.execute(ctx, "Engine.Stream", threadID, text, yield)
	return err
}

// State returns the last checkpoint of a thread.
func (e *Engine) State(ctx context.Context, threadID string) (*domain.State, error) {
	if err := domain.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	return e.deps.Store.Load(ctx, threadID)
}

// ClearThread deletes every checkpoint of a thread. Clearing an unknown
// thread is a no-op. It fails with *domain.ThreadLockedError while a run is
// in flight for the thread.
func (e *Engine) ClearThread(ctx context.Context, threadID string) error {
	const op = "Engine.ClearThread"
	if err := domain.ValidateThreadID(threadID); err != nil {
		return err
	}
	release, ok, err := e.deps.Locker.TryLock(ctx, threadID)
	if err != nil {
		return lockErr(op, err)
	}
	if !ok {
		return domain.NewThreadLockedError(threadID)
	}
	defer release()

	if err := e.deps.Store.Delete(ctx, threadID); err != nil {
		return domain.WrapOp(op, err)
	}
	publishEvent(e.deps.Bus, ctx, domain.EventThreadCleared, threadID, nil)
	e.deps.Logger.InfoContext(ctx, "thread cleared", "thread_id", threadID)
	return nil
}

func lockErr(op string, err error) error {
	if domain.IsCancellation(err) {
		return domain.Cancelled(op, err)
	}
	return domain.WrapOp(op, err)
}

// execute runs one invocation under the thread lock.
func (e *Engine) execute(ctx context.Context, op, threadID, text string, emit func(domain.Delta) error) (result *domain.State, err error) {
	if err := domain.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "message text cannot be empty")
	}
	if e.deps.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.deps.Timeout)
		defer cancel()
	}

	release, ok, err := e.deps.Locker.TryLock(ctx, threadID)
	if err != nil {
		return nil, lockErr(op, err)
	}
	if !ok {
		return nil, domain.NewThreadLockedError(threadID)
	}
	defer release()

	ctx = domain.ContextWithThreadID(ctx, threadID)
	ctx, span := tracer.StartSpan(ctx, "engine.invoke",
		trace.WithAttributes(
			tracer.StringAttr("thread.id", threadID),
			tracer.BoolAttr("engine.streaming", emit != nil),
		),
	)
	defer func() { tracer.End(span, err) }()

	state, err := e.load(ctx, op, threadID)
	if err != nil {
		return nil, err
	}
	state.StepLimit = state.StepCount + e.deps.StepLimit

	start := time.Now()
	publishEvent(e.deps.Bus, ctx, domain.EventRunStarted, threadID, domain.RunPayload{
		StepCount: state.StepCount,
		StepLimit: state.StepLimit,
	})
	e.deps.Logger.InfoContext(ctx, "run started",
		"thread_id", threadID, "step_count", state.StepCount, "step_limit", state.StepLimit)

	r := &run{engine: e, op: op, state: state, emit: emit}
	if err := r.loop(ctx, text); err != nil {
		if !domain.IsCancellation(err) && ctx.Err() != nil {
			err = domain.Cancelled(op, ctx.Err())
		}
		e.deps.Logger.WarnContext(ctx, "run failed",
			"thread_id", threadID,
			"step_count", r.state.StepCount,
			"code", domain.ErrorCodeOf(err),
			"error", err,
		)
		publishEvent(e.deps.Bus, context.WithoutCancel(ctx), domain.EventRunFailed, threadID, domain.RunPayload{
			StepCount: r.state.StepCount,
			StepLimit: r.state.StepLimit,
			Error:     err.Error(),
			Code:      string(domain.ErrorCodeOf(err)),
		})
		return nil, err
	}

	span.SetAttributes(tracer.IntAttr("engine.step_count", r.state.StepCount))
	publishEvent(e.deps.Bus, ctx, domain.EventRunCompleted, threadID, domain.RunPayload{
		StepCount: r.state.StepCount,
		StepLimit: r.state.StepLimit,
	})
	e.deps.Logger.InfoContext(ctx, "run completed",
		"thread_id", threadID,
		"step_count", r.state.StepCount,
		"steps_used", r.steps,
		"duration", time.Since(start),
	)
	return r.state.Clone(), nil
}

// load returns the thread's last checkpoint or a fresh state.
func (e *Engine) load(ctx context.Context, op, threadID string) (*domain.State, error) {
	state, err := e.deps.Store.Load(ctx, threadID)
	switch {
	case err == nil:
		return state, nil
	case errors.Is(err, domain.ErrThreadNotFound):
		return domain.NewState(threadID), nil
	case ctx.Err() != nil:
		return nil, domain.Cancelled(op, ctx.Err())
	default:
		return nil, domain.WrapOp(op, err)
	}
}

// run is the mutable state of one invocation.
type run struct {
	engine *Engine
	op     string
	state  *domain.State
	emit   func(domain.Delta) error
	steps  int

	// yieldErr is the error a token delta's consumer returned.
	yieldErr error

	// The oracle sees view followed by state.Messages[viewFrom:]. Without a
	// hook-provided view it sees the whole history.
	view     []domain.Message
	viewFrom int

	final *domain.Message
}

func (r *run) loop(ctx context.Context, text string) error {
	if err := r.start(ctx, text); err != nil {
		return err
	}
	for {
		calls, err := r.decide(ctx)
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			return r.end()
		}
		if err := r.act(ctx, calls); err != nil {
			return err
		}
	}
}

// start resolves calls left pending by an interrupted run, appends the
// human message and runs the start hook.
func (r *run) start(ctx context.Context, text string) error {
	deps := r.engine.deps
	var added []domain.Message

	if resolved := domain.ResolvePending(r.state.Messages); len(resolved) > 0 {
		deps.Logger.WarnContext(ctx, "resolving tool calls left pending by an interrupted run",
			"thread_id", r.state.ThreadID, "calls", len(resolved))
		added = append(added, resolved...)
	}
	added = append(added, domain.NewHumanMessage(text))
	if err := r.state.Apply(domain.Update{Messages: added}); err != nil {
		return domain.WrapOp(r.op, err)
	}

	var extra map[string]json.RawMessage
	if deps.StartHook != nil {
		u, err := deps.StartHook(ctx, r.state.Clone())
		if err != nil {
			if ctx.Err() != nil {
				return domain.Cancelled(r.op, ctx.Err())
			}
			return domain.WrapOp(r.op+": start hook", err)
		}
		if u.IsZero() {
			deps.Logger.DebugContext(ctx, "start hook left state unchanged", "thread_id", r.state.ThreadID)
		} else if err := r.state.Apply(domain.Update{Messages: u.Messages, Extra: u.Extra}); err != nil {
			return domain.WrapOp(r.op+": start hook", err)
		}
		added = append(added, u.Messages...)
		if u.OracleInput != nil {
			r.view = domain.CloneMessages(u.OracleInput)
			r.viewFrom = len(r.state.Messages)
		}
		if len(u.Extra) > 0 {
			extra = make(map[string]json.RawMessage, len(u.Extra))
			for k, v := range u.Extra {
				extra[k] = append(json.RawMessage(nil), v...)
			}
		}
	}

	if err := r.save(ctx); err != nil {
		return err
	}
	return r.yield(domain.Delta{
		Node:     domain.NodeStart,
		Step:     r.state.StepCount,
		Messages: domain.CloneMessages(added),
		Extra:    extra,
	})
}

// history returns what the oracle sees for the next decide.
func (r *run) history() []domain.Message {
	if r.view == nil {
		return r.state.Messages
	}
	out := make([]domain.Message, 0, len(r.view)+len(r.state.Messages)-r.viewFrom)
	out = append(out, r.view...)
	return append(out, r.state.Messages[r.viewFrom:]...)
}

// decide runs one oracle round and returns the tool calls to execute next.
func (r *run) decide(ctx context.Context) (calls []domain.ToolCall, err error) {
	deps := r.engine.deps
	r.state.StepCount++
	r.steps++
	step := r.state.StepCount
	lastStep := r.state.IsLastStep()

	ctx = withStep(ctx, step)
	ctx, span := tracer.StartSpan(ctx, "engine.decide",
		trace.WithAttributes(
			tracer.IntAttr("engine.step", step),
			tracer.IntAttr("engine.remaining_steps", r.state.RemainingSteps()),
		),
	)
	defer func() { tracer.End(span, err) }()

	var onToken func(string) error
	if r.emit != nil {
		onToken = func(tok string) error {
			if err := r.emit(domain.Delta{Node: domain.NodeDecide, Step: step, Token: tok}); err != nil {
				r.yieldErr = err
				return err
			}
			return nil
		}
	}

	msg, updated, err := deps.Oracle.Decide(ctx, r.history(), lastStep, onToken)
	if err != nil {
		if r.yieldErr != nil {
			return nil, r.yieldErr
		}
		if ctx.Err() != nil {
			return nil, domain.Cancelled(r.op, ctx.Err())
		}
		return nil, domain.WrapOp(r.op+": decide", err)
	}

	d := domain.Delta{Node: domain.NodeDecide, Step: step}
	if updated {
		if err := r.state.Apply(domain.Update{Messages: []domain.Message{msg}}); err != nil {
			return nil, domain.WrapOp(r.op+": decide", err)
		}
		r.final = &msg
		d.Messages = []domain.Message{domain.CloneMessage(msg)}
	} else {
		// The run ends without an answer; an earlier tool request is not one.
		r.final = nil
		deps.Logger.WarnContext(ctx, "oracle returned no update, ending run",
			"thread_id", r.state.ThreadID, "step", step)
	}

	if err := r.save(ctx); err != nil {
		return nil, err
	}
	if err := r.yield(d); err != nil {
		return nil, err
	}
	if !updated {
		return nil, nil
	}
	return domain.PendingCalls(r.state.Messages), nil
}

// act executes calls and appends one tool message per call, in call order.
func (r *run) act(ctx context.Context, calls []domain.ToolCall) (err error) {
	deps := r.engine.deps
	step := r.state.StepCount

	ctx = withStep(ctx, step)
	ctx, span := tracer.StartSpan(ctx, "engine.act",
		trace.WithAttributes(
			tracer.IntAttr("engine.step", step),
			tracer.IntAttr("engine.tool_calls", len(calls)),
		),
	)
	defer func() { tracer.End(span, err) }()

	results, err := deps.Tools.InvokeBatch(ctx, calls)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Cancelled(r.op, ctx.Err())
		}
		return domain.WrapOp(r.op+": act", err)
	}
	if err := r.state.Apply(domain.Update{Messages: results}); err != nil {
		return domain.WrapOp(r.op+": act", err)
	}
	if err := r.save(ctx); err != nil {
		return err
	}
	return r.yield(domain.Delta{Node: domain.NodeAct, Step: step, Messages: domain.CloneMessages(results)})
}

func (r *run) end() error {
	d := domain.Delta{Node: domain.NodeEnd, Step: r.state.StepCount, Final: true}
	if r.final != nil {
		d.Messages = []domain.Message{domain.CloneMessage(*r.final)}
	}
	return r.yield(d)
}

// save writes the whole state as one snapshot. Nothing is written once ctx
// is done.
func (r *run) save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return domain.Cancelled(r.op, err)
	}
	r.state.UpdatedAt = time.Now().UTC()
	if err := r.engine.deps.Store.Save(ctx, r.state); err != nil {
		if ctx.Err() != nil {
			return domain.Cancelled(r.op, ctx.Err())
		}
		return domain.WrapOp(r.op, err)
	}
	return nil
}

func (r *run) yield(d domain.Delta) error {
	if r.emit == nil {
		return nil
	}
	return r.emit(d)
}
