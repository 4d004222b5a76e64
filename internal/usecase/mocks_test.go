package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"catalog-agent/internal/adapter/checkpoint"
	"catalog-agent/internal/adapter/tool"
	"catalog-agent/internal/domain"
)

// --- Mocks ---

func newTestLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// scriptedLLM answers each Chat call with respond(call index, request) and
// records a deep copy of every request.
type scriptedLLM struct {
	mu       sync.Mutex
	respond  func(call int, req domain.ChatRequest) (*domain.ChatResponse, error)
	requests []domain.ChatRequest
}

func (m *scriptedLLM) record(req domain.ChatRequest) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.Messages = domain.CloneMessages(req.Messages)
	m.requests = append(m.requests, req)
	return len(m.requests) - 1
}

func (m *scriptedLLM) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	idx := m.record(req)
	return m.respond(idx, req)
}

func (m *scriptedLLM) Name() string { return "scripted" }

func (m *scriptedLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedLLM) request(i int) domain.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// sequence answers the n-th call with responses[n], repeating the last one.
func sequence(responses ...*domain.ChatResponse) func(int, domain.ChatRequest) (*domain.ChatResponse, error) {
	return func(call int, _ domain.ChatRequest) (*domain.ChatResponse, error) {
		if call >= len(responses) {
			call = len(responses) - 1
		}
		resp := *responses[call]
		resp.Message = domain.CloneMessage(resp.Message)
		resp.Message.ID = domain.NewID()
		for i := range resp.Message.ToolCalls {
			resp.Message.ToolCalls[i].ID = domain.NewID()
		}
		return &resp, nil
	}
}

func reply(text string, calls ...domain.ToolCall) *domain.ChatResponse {
	return &domain.ChatResponse{Model: "test", Message: domain.NewAIMessage(text, calls...)}
}

func toolCall(name, args string) domain.ToolCall {
	return domain.ToolCall{ID: domain.NewID(), Name: name, Arguments: json.RawMessage(args)}
}

// streamingLLM streams the deltas chunks returns for each call.
type streamingLLM struct {
	scriptedLLM
	chunks func(call int) []domain.StreamDelta
}

func (m *streamingLLM) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	idx := m.record(req)
	deltas := m.chunks(idx)
	ch := make(chan domain.StreamDelta, len(deltas))
	go func() {
		defer close(ch)
		for _, d := range deltas {
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// funcTool is a tool backed by a function.
type funcTool struct {
	name   string
	schema string
	fn     func(ctx context.Context, args json.RawMessage) (*domain.ToolResult, error)
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return "test tool " + t.name }
func (t *funcTool) Schema() domain.ToolSchema {
	var params json.RawMessage
	if t.schema != "" {
		params = json.RawMessage(t.schema)
	}
	return domain.ToolSchema{Name: t.name, Description: t.Description(), Parameters: params}
}
func (t *funcTool) Execute(ctx context.Context, args json.RawMessage) (*domain.ToolResult, error) {
	return t.fn(ctx, args)
}

func staticTool(name, result string) *funcTool {
	return &funcTool{name: name, fn: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
		return &domain.ToolResult{Content: result}, nil
	}}
}

func newTestRegistry(t *testing.T, tools ...domain.Tool) *tool.Registry {
	t.Helper()
	reg, err := tool.NewRegistry(newTestLogger(), tools)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

// recordingStore is a memory store that keeps a copy of every saved snapshot.
type recordingStore struct {
	*checkpoint.MemoryStore

	mu    sync.Mutex
	saves []*domain.State
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: checkpoint.NewMemoryStore()}
}

func (s *recordingStore) Save(ctx context.Context, state *domain.State) error {
	if err := s.MemoryStore.Save(ctx, state); err != nil {
		return err
	}
	s.mu.Lock()
	s.saves = append(s.saves, state.Clone())
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) snapshots() []*domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.State(nil), s.saves...)
}

// newTestEngine wires an engine around llm and tools with a memory store.
func newTestEngine(t *testing.T, llm domain.LLMProvider, tools []domain.Tool, opts ...func(*EngineDeps)) (*Engine, *recordingStore) {
	t.Helper()
	reg := newTestRegistry(t, tools...)
	store := newRecordingStore()
	deps := EngineDeps{
		Oracle:    NewOracle(llm, reg.Schemas(), OracleConfig{SystemPrompt: "You answer catalog questions."}, nil, newTestLogger()),
		Tools:     reg,
		Store:     store,
		Logger:    newTestLogger(),
		StepLimit: 10,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return NewEngine(deps), store
}

func kinds(msgs []domain.Message) []domain.Kind {
	out := make([]domain.Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}
