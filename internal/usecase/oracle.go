package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"catalog-agent/internal/domain"
	"catalog-agent/internal/infra/tracer"
)

// FallbackMessage replaces the oracle's tool requests when the step budget
// runs out.
const FallbackMessage = "I could not finish within the allowed number of steps. Please narrow the question or try again."

// maxStreamToolCalls bounds the tool-call slots the accumulator allocates.
// Fragments beyond it are dropped.
const maxStreamToolCalls = 64

// OracleConfig holds the request parameters bound to every decide call.
type OracleConfig struct {
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
}

// Oracle turns a message history into the next ai message using an LLM provider.
type Oracle struct {
	provider domain.LLMProvider
	tools    []domain.ToolSchema
	cfg      OracleConfig
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewOracle creates an oracle bound to provider and the given tool schemas.
// bus may be nil.
func NewOracle(provider domain.LLMProvider, tools []domain.ToolSchema, cfg OracleConfig, bus domain.EventBus, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{
		provider: provider,
		tools:    append([]domain.ToolSchema(nil), tools...),
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
	}
}

// Decide asks the provider for the next ai message given history.
//
// updated is false when the provider produced neither text nor tool calls.
// When lastStep is set and tool calls were requested, the returned message
// keeps its ID but carries FallbackMessage and no tool calls. When onToken is
// non-nil and the provider streams, text fragments are forwarded to it as
// they arrive; on the last step they are forwarded in one piece once no
// fallback applies, and dropped otherwise. history is never modified.
func (o *Oracle) Decide(ctx context.Context, history []domain.Message, lastStep bool, onToken func(string) error) (domain.Message, bool, error) {
	threadID := domain.ThreadIDFromContext(ctx)
	step := stepFromContext(ctx)

	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", o.provider.Name()),
			tracer.IntAttr("engine.step", step),
			tracer.BoolAttr("engine.last_step", lastStep),
		),
	)
	defer span.End()

	req := domain.ChatRequest{
		Model:       o.cfg.Model,
		Messages:    o.buildMessages(history),
		Tools:       o.tools,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	}

	publishEvent(o.bus, ctx, domain.EventLLMCallStarted, threadID, domain.LLMCallPayload{
		Step:     step,
		Provider: o.provider.Name(),
	})

	// Text streamed on the last step may be replaced by the fallback, so it
	// is held until the outcome is known.
	forward := onToken
	var held strings.Builder
	if lastStep && onToken != nil {
		forward = func(tok string) error {
			held.WriteString(tok)
			return nil
		}
	}

	start := time.Now()
	var (
		msg   domain.Message
		usage domain.Usage
		err   error
	)
	if sp, ok := o.streamer(); ok && forward != nil {
		msg, usage, err = o.stream(ctx, sp, req, forward)
	} else {
		msg, usage, err = o.chat(ctx, req)
	}
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Message{}, false, err
	}

	msg = o.normalize(ctx, msg)
	if msg.IsEmpty() {
		o.logger.WarnContext(ctx, "oracle produced no output", "step", step, "provider", o.provider.Name())
		tracer.SetOK(span)
		return domain.Message{}, false, nil
	}

	fallback := lastStep && msg.HasToolCalls()
	if fallback {
		o.logger.InfoContext(ctx, "step budget exhausted, replacing tool requests with fallback",
			"step", step, "dropped_calls", len(msg.ToolCalls))
		msg = fallbackFor(msg)
	} else if held.Len() > 0 {
		if err := onToken(held.String()); err != nil {
			tracer.RecordError(span, err)
			return domain.Message{}, false, err
		}
	}

	publishEvent(o.bus, ctx, domain.EventLLMCallCompleted, threadID, domain.LLMCallPayload{
		Step:      step,
		Provider:  o.provider.Name(),
		ToolCalls: len(msg.ToolCalls),
		Usage:     &usage,
		Fallback:  fallback,
	})
	span.SetAttributes(
		tracer.IntAttr("llm.tool_calls", len(msg.ToolCalls)),
		tracer.IntAttr("llm.total_tokens", usage.TotalTokens),
	)
	tracer.SetOK(span)
	o.logger.DebugContext(ctx, "oracle decided",
		"step", step,
		"tool_calls", len(msg.ToolCalls),
		"tokens", usage.TotalTokens,
		"duration", time.Since(start),
	)
	return msg, true, nil
}

// fallbackFor returns the fallback ai message that replaces msg in place.
func fallbackFor(msg domain.Message) domain.Message {
	return domain.Message{
		ID:        msg.ID,
		Kind:      domain.KindAI,
		Content:   FallbackMessage,
		Timestamp: msg.Timestamp,
	}
}

// buildMessages returns a copy of history with the system prompt in front.
// A system message already leading history is folded into the prompt.
func (o *Oracle) buildMessages(history []domain.Message) []domain.Message {
	out := domain.CloneMessages(history)
	if o.cfg.SystemPrompt == "" {
		return out
	}
	if len(out) > 0 && out[0].Kind == domain.KindSystem {
		out[0].Content = o.cfg.SystemPrompt + "\n\n" + out[0].Content
		return out
	}
	return append([]domain.Message{domain.NewSystemMessage(o.cfg.SystemPrompt)}, out...)
}

// streamer reports whether the provider can stream right now. Wrappers that
// always implement ChatStream expose Streams to tell whether the wrapped
// provider does.
func (o *Oracle) streamer() (domain.StreamingLLMProvider, bool) {
	sp, ok := o.provider.(domain.StreamingLLMProvider)
	if !ok {
		return nil, false
	}
	if s, ok := o.provider.(interface{ Streams() bool }); ok && !s.Streams() {
		return nil, false
	}
	return sp, true
}

func (o *Oracle) chat(ctx context.Context, req domain.ChatRequest) (domain.Message, domain.Usage, error) {
	resp, err := o.provider.Chat(ctx, req)
	if err != nil {
		return domain.Message{}, domain.Usage{}, err
	}
	return resp.Message, resp.Usage, nil
}

func (o *Oracle) stream(ctx context.Context, sp domain.StreamingLLMProvider, req domain.ChatRequest, onToken func(string) error) (domain.Message, domain.Usage, error) {
	req.Stream = true
	ch, err := sp.ChatStream(ctx, req)
	if err != nil {
		return domain.Message{}, domain.Usage{}, err
	}

	acc := newStreamAccumulator()
	for {
		select {
		case <-ctx.Done():
			return domain.Message{}, domain.Usage{}, ctx.Err()
		case delta, ok := <-ch:
			if !ok {
				msg, usage := acc.build()
				return msg, usage, nil
			}
			if delta.Err != nil {
				return domain.Message{}, domain.Usage{}, delta.Err
			}
			acc.addDelta(delta)
			if delta.Content != "" {
				if err := onToken(delta.Content); err != nil {
					return domain.Message{}, domain.Usage{}, err
				}
			}
			if delta.Done {
				msg, usage := acc.build()
				return msg, usage, nil
			}
		}
	}
}

// normalize makes provider output safe to append: it forces the ai kind,
// mints missing IDs, drops nameless tool calls and keeps arguments valid JSON.
func (o *Oracle) normalize(ctx context.Context, msg domain.Message) domain.Message {
	msg = domain.CloneMessage(msg)
	msg.Kind = domain.KindAI
	msg.ToolCallID = ""
	msg.Error = nil
	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	if len(msg.ToolCalls) == 0 {
		msg.ToolCalls = nil
		return msg
	}
	seen := make(map[string]struct{}, len(msg.ToolCalls))
	calls := msg.ToolCalls[:0]
	for _, tc := range msg.ToolCalls {
		if strings.TrimSpace(tc.Name) == "" {
			o.logger.WarnContext(ctx, "dropping tool call without a name", "call_id", tc.ID)
			continue
		}
		if _, dup := seen[tc.ID]; tc.ID == "" || dup {
			tc.ID = domain.NewID()
		}
		seen[tc.ID] = struct{}{}
		tc.Arguments = normalizeArguments(tc.Arguments)
		calls = append(calls, tc)
	}
	if len(calls) == 0 {
		calls = nil
	}
	msg.ToolCalls = calls
	return msg
}

// normalizeArguments keeps valid JSON as is, maps empty input to nil and
// wraps anything else in a JSON string so schema validation rejects it.
func normalizeArguments(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return append(json.RawMessage(nil), trimmed...)
	}
	quoted, err := json.Marshal(string(trimmed))
	if err != nil {
		return nil
	}
	return quoted
}

// streamAccumulator collects incremental deltas into a complete message.
type streamAccumulator struct {
	content   strings.Builder
	toolCalls []domain.ToolCall // by position
	usage     domain.Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

// addDelta merges one delta. Providers place each tool-call fragment at the
// position of the call it belongs to. The first fragment carries ID and name;
// later ones extend the arguments.
func (acc *streamAccumulator) addDelta(delta domain.StreamDelta) {
	acc.content.WriteString(delta.Content)

	for idx, tc := range delta.ToolCalls {
		if idx >= maxStreamToolCalls {
			break
		}
		if tc.ID == "" && tc.Name == "" && len(tc.Arguments) == 0 {
			continue
		}
		for len(acc.toolCalls) <= idx {
			acc.toolCalls = append(acc.toolCalls, domain.ToolCall{})
		}
		existing := &acc.toolCalls[idx]
		if tc.ID != "" {
			existing.ID = tc.ID
		}
		if tc.Name != "" {
			existing.Name = tc.Name
		}
		if len(tc.Arguments) > 0 {
			existing.Arguments = append(existing.Arguments, tc.Arguments...)
		}
	}

	if delta.Usage != nil {
		acc.usage = *delta.Usage
	}
}

func (acc *streamAccumulator) build() (domain.Message, domain.Usage) {
	return domain.NewAIMessage(acc.content.String(), acc.toolCalls...), acc.usage
}
