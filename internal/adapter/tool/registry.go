// Package tool holds the immutable tool registry and the catalog tools.
package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"catalog-agent/internal/domain"
	"catalog-agent/internal/infra/tracer"
)

const defaultMaxParallel = 4

type entry struct {
	tool   domain.Tool
	schema *jsonschema.Schema
}

// Registry is an immutable set of named tools. It is safe for concurrent use.
type Registry struct {
	tools       map[string]entry
	schemas     []domain.ToolSchema
	maxParallel int
	timeout     time.Duration
	limits      limiters
	bus         domain.EventBus
	logger      *slog.Logger
}

// Option configures a Registry at construction.
type Option func(*options)

type options struct {
	maxParallel int
	timeout     time.Duration
	limits      map[string]RateLimit
	bus         domain.EventBus
}

// WithMaxParallel bounds the number of tool calls of one batch that run at once.
func WithMaxParallel(n int) Option {
	return func(o *options) { o.maxParallel = n }
}

// WithTimeout bounds every single tool call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRateLimits installs token-bucket limits keyed by tool name.
func WithRateLimits(limits map[string]RateLimit) Option {
	return func(o *options) { o.limits = limits }
}

// WithEventBus publishes tool.call.started/completed events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(o *options) { o.bus = bus }
}

// NewRegistry builds a registry from tools. Duplicate names and schemas
// that fail to compile are construction errors.
func NewRegistry(logger *slog.Logger, tools []domain.Tool, opts ...Option) (*Registry, error) {
	o := options{maxParallel: defaultMaxParallel}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxParallel <= 0 {
		o.maxParallel = defaultMaxParallel
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		tools:       make(map[string]entry, len(tools)),
		schemas:     make([]domain.ToolSchema, 0, len(tools)),
		maxParallel: o.maxParallel,
		timeout:     o.timeout,
		limits:      newLimiters(o.limits),
		bus:         o.bus,
		logger:      logger,
	}

	for _, t := range tools {
		name := t.Name()
		if name == "" {
			return nil, domain.NewDomainError("tool.NewRegistry", domain.ErrInvalidInput, "tool without name")
		}
		if _, exists := r.tools[name]; exists {
			return nil, domain.NewDomainError("tool.NewRegistry", domain.ErrInvalidInput,
				fmt.Sprintf("tool %q already registered", name))
		}
		schema, err := compileSchema(t)
		if err != nil {
			return nil, domain.NewDomainError("tool.NewRegistry", domain.ErrInvalidInput, err.Error())
		}
		r.tools[name] = entry{tool: t, schema: schema}
		r.schemas = append(r.schemas, t.Schema())
	}

	for name := range o.limits {
		if _, ok := r.tools[name]; !ok {
			logger.Warn("rate limit configured for unknown tool", "tool", name)
		}
	}

	slices.SortFunc(r.schemas, func(a, b domain.ToolSchema) int { return strings.Compare(a.Name, b.Name) })
	return r, nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	e, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return e.tool, nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.schemas))
	for _, s := range r.schemas {
		names = append(names, s.Name)
	}
	return names
}

// Schemas returns all tool schemas sorted by name. The slice is a copy.
func (r *Registry) Schemas() []domain.ToolSchema {
	return slices.Clone(r.schemas)
}

// InvokeBatch runs calls in parallel and returns one tool message per call,
// in call order. Tool failures become error tool messages. The only error
// returned is the context's, in which case in-flight calls are abandoned.
func (r *Registry) InvokeBatch(ctx context.Context, calls []domain.ToolCall) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, nil
	}

	out := make([]domain.Message, len(calls))
	done := make(chan struct{})

	go func() {
		defer close(done)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.maxParallel)
		for i, call := range calls {
			g.Go(func() error {
				out[i] = r.invoke(gctx, call)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// invoke runs one call and converts every outcome into a tool message.
func (r *Registry) invoke(ctx context.Context, call domain.ToolCall) (msg domain.Message) {
	ctx, span := tracer.StartSpan(ctx, "tool.execute",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", call.Name),
			tracer.StringAttr("tool.call_id", call.ID),
		),
	)
	start := time.Now()
	threadID := domain.ThreadIDFromContext(ctx)
	r.publish(ctx, domain.EventToolCallStarted, threadID, domain.ToolCallPayload{CallID: call.ID, Tool: call.Name})

	defer func() {
		code := ""
		if msg.Error != nil {
			code = msg.Error.Code
			tracer.RecordError(span, msg.Error)
			r.logger.WarnContext(ctx, "tool call failed", "tool", call.Name, "call_id", call.ID, "code", code)
		} else {
			tracer.SetOK(span)
		}
		span.End()
		r.publish(ctx, domain.EventToolCallCompleted, threadID, domain.ToolCallPayload{
			CallID:    call.ID,
			Tool:      call.Name,
			ErrorCode: code,
			Duration:  time.Since(start).Milliseconds(),
		})
	}()

	e, ok := r.tools[call.Name]
	if !ok {
		return domain.NewToolErrorMessage(call, domain.ToolErrNotFound, fmt.Sprintf("unknown tool %q", call.Name))
	}
	if !r.limits.allow(call.Name) {
		return domain.NewToolErrorMessage(call, domain.ToolErrRateLimited, fmt.Sprintf("tool %q is rate limited, try again later", call.Name))
	}
	if err := validateArgs(e.schema, call.Arguments); err != nil {
		return domain.NewToolErrorMessage(call, domain.ToolErrInvalidArgs, err.Error())
	}

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err := r.execute(callCtx, e.tool, call)
	switch {
	case err == nil && result != nil && result.IsError:
		return domain.NewToolErrorMessage(call, domain.ToolErrFailure, result.Content)
	case err == nil:
		content := ""
		if result != nil {
			content = result.Content
		}
		return domain.NewToolResultMessage(call, content)
	case errors.As(err, new(*panicError)):
		return domain.NewToolErrorMessage(call, domain.ToolErrPanic, err.Error())
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return domain.NewToolErrorMessage(call, domain.ToolErrTimeout, fmt.Sprintf("tool %q timed out after %s", call.Name, r.timeout))
	default:
		return domain.NewToolErrorMessage(call, domain.ToolErrFailure, err.Error())
	}
}

type panicError struct {
	value any
}

func (p *panicError) Error() string { return fmt.Sprintf("tool panicked: %v", p.value) }

func (r *Registry) execute(ctx context.Context, t domain.Tool, call domain.ToolCall) (result *domain.ToolResult, err error) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.ErrorContext(ctx, "tool panicked", "tool", call.Name, "panic", v, "stack", string(debug.Stack()))
			result, err = nil, &panicError{value: v}
		}
	}()
	return t.Execute(ctx, call.Arguments)
}

func (r *Registry) publish(ctx context.Context, typ domain.EventType, threadID string, payload domain.ToolCallPayload) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, domain.NewEvent(typ, threadID, payload))
}
