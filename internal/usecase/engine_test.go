package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-agent/internal/domain"
	"catalog-agent/internal/usecase/eventbus"
)

func TestEngine_DirectAnswer(t *testing.T) {
	llm := &scriptedLLM{respond: sequence(reply("4"))}
	eng, store := newTestEngine(t, llm, nil)

	state, err := eng.Invoke(context.Background(), "t1", "What is 2+2?")
	require.NoError(t, err)

	assert.Equal(t, 1, state.StepCount)
	assert.Equal(t, []domain.Kind{domain.KindHuman, domain.KindAI}, kinds(state.Messages))
	assert.Equal(t, "4", state.Messages[1].Content)
	assert.Empty(t, state.Messages[1].ToolCalls)
	assert.Equal(t, 1, llm.calls())

	req := llm.request(0)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, domain.KindSystem, req.Messages[0].Kind)
	assert.Equal(t, "What is 2+2?", req.Messages[1].Content)

	// start and decide each write one snapshot.
	assert.Len(t, store.snapshots(), 2)
	saved, err := eng.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, state.Messages, saved.Messages)
}

func TestEngine_OneToolCall(t *testing.T) {
	llm := &scriptedLLM{respond: sequence(
		reply("", toolCall("dataset_search", `{"query":"population"}`)),
		reply("The population dataset is pop_2020."),
	)}
	eng, store := newTestEngine(t, llm, []domain.Tool{staticTool("dataset_search", `[{"id":"pop_2020"}]`)})

	state, err := eng.Invoke(context.Background(), "t1", "Which dataset has population figures?")
	require.NoError(t, err)

	assert.Equal(t, 2, state.StepCount)
	assert.Equal(t, []domain.Kind{domain.KindHuman, domain.KindAI, domain.KindTool, domain.KindAI}, kinds(state.Messages))
	ai, tool := state.Messages[1], state.Messages[2]
	require.Len(t, ai.ToolCalls, 1)
	assert.Equal(t, ai.ToolCalls[0].ID, tool.ToolCallID)
	assert.Equal(t, `[{"id":"pop_2020"}]`, tool.Content)
	assert.Nil(t, tool.Error)

	// The second decide sees the tool result.
	second := llm.request(1)
	assert.Equal(t, domain.KindTool, second.Messages[len(second.Messages)-1].Kind)

	// start, decide, act, decide.
	assert.Len(t, store.snapshots(), 4)
}

func TestEngine_StepLimitFallback(t *testing.T) {
	var executions atomic.Int32
	lookup := &funcTool{name: "lookup", fn: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
		executions.Add(1)
		return &domain.ToolResult{Content: "more"}, nil
	}}
	llm := &scriptedLLM{respond: func(call int, _ domain.ChatRequest) (*domain.ChatResponse, error) {
		msg := domain.NewAIMessage("still looking", toolCall("lookup", `{}`))
		msg.ID = fmt.Sprintf("ai-%d", call)
		return &domain.ChatResponse{Message: msg}, nil
	}}
	eng, _ := newTestEngine(t, llm, []domain.Tool{lookup}, func(d *EngineDeps) { d.StepLimit = 3 })

	state, err := eng.Invoke(context.Background(), "t1", "keep going")
	require.NoError(t, err)

	assert.Equal(t, 3, state.StepCount)
	assert.Equal(t, 3, llm.calls())
	assert.Equal(t, int32(2), executions.Load(), "act runs only twice")
	assert.Equal(t, []domain.Kind{
		domain.KindHuman,
		domain.KindAI, domain.KindTool,
		domain.KindAI, domain.KindTool,
		domain.KindAI,
	}, kinds(state.Messages))

	last := state.Messages[len(state.Messages)-1]
	assert.Equal(t, FallbackMessage, last.Content)
	assert.Empty(t, last.ToolCalls)
	assert.Equal(t, "ai-2", last.ID, "fallback keeps the id of the message it replaces")
}

func TestEngine_FallbackIsIdempotent(t *testing.T) {
	llm := &scriptedLLM{respond: sequence(reply("", toolCall("lookup", `{}`)))}
	eng, _ := newTestEngine(t, llm, []domain.Tool{staticTool("lookup", "x")}, func(d *EngineDeps) { d.StepLimit = 2 })

	first, err := eng.Invoke(context.Background(), "t1", "first")
	require.NoError(t, err)
	second, err := eng.Invoke(context.Background(), "t1", "second")
	require.NoError(t, err)

	firstAI := first.Messages[len(first.Messages)-1]
	secondAI := second.Messages[len(second.Messages)-1]
	assert.Equal(t, FallbackMessage, firstAI.Content)
	assert.Equal(t, firstAI.Content, secondAI.Content)
	assert.Empty(t, secondAI.ToolCalls)

	// The budget applies per invocation.
	assert.Equal(t, 2, first.StepCount)
	assert.Equal(t, 4, second.StepCount)
	assert.Equal(t, 4, second.StepLimit)
}

func TestEngine_DegenerateOutput(t *testing.T) {
	llm := &scriptedLLM{respond: sequence(reply("   "))}
	eng, store := newTestEngine(t, llm, nil)

	var deltas []domain.Delta
	err := eng.Stream(context.Background(), "t1", "hello", func(d domain.Delta) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)

	state, err := eng.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.StepCount)
	assert.Equal(t, []domain.Kind{domain.KindHuman}, kinds(state.Messages))
	assert.Len(t, store.snapshots(), 2)

	require.NotEmpty(t, deltas)
	final := deltas[len(deltas)-1]
	assert.True(t, final.Final)
	assert.Empty(t, final.Messages)
}

func TestEngine_DegenerateOutputAfterToolRound(t *testing.T) {
	llm := &scriptedLLM{respond: sequence(
		reply("Checking the catalog.", toolCall("lookup", `{}`)),
		reply(""),
	)}
	eng, _ := newTestEngine(t, llm, []domain.Tool{staticTool("lookup", "3 rows")})

	var deltas []domain.Delta
	err := eng.Stream(context.Background(), "t1", "how many rows?", func(d domain.Delta) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)

	state, err := eng.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, state.StepCount)
	assert.Equal(t, []domain.Kind{domain.KindHuman, domain.KindAI, domain.KindTool}, kinds(state.Messages))

	require.NotEmpty(t, deltas)
	final := deltas[len(deltas)-1]
	assert.True(t, final.Final)
	assert.Equal(t, domain.NodeEnd, final.Node)
	assert.Empty(t, final.Messages)
}

func TestEngine_ParallelToolOrder(t *testing.T) {
	sleeper := func(name string, d time.Duration) *funcTool {
		return &funcTool{name: name, fn: func(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &domain.ToolResult{Content: name}, nil
		}}
	}
	tools := []domain.Tool{
		sleeper("slow", 90*time.Millisecond),
		sleeper("medium", 45*time.Millisecond),
		sleeper("fast", 0),
	}
	llm := &scriptedLLM{respond: sequence(
		reply("", toolCall("slow", `{}`), toolCall("medium", `{}`), toolCall("fast", `{}`)),
		reply("done"),
	)}
	eng, _ := newTestEngine(t, llm, tools)

	state, err := eng.Invoke(context.Background(), "t1", "run all three")
	require.NoError(t, err)

	ai := state.Messages[1]
	results := state.Messages[2:5]
	for i, m := range results {
		assert.Equal(t, domain.KindTool, m.Kind)
		assert.Equal(t, ai.ToolCalls[i].ID, m.ToolCallID)
	}
	assert.Equal(t, []string{"slow", "medium", "fast"},
		[]string{results[0].Content, results[1].Content, results[2].Content})
}

func TestEngine_ToolFailuresReachOracle(t *testing.T) {
	broken := &funcTool{name: "broken", fn: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
		return nil, errors.New("catalog offline")
	}}
	typed := &funcTool{
		name:   "typed",
		schema: `{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`,
		fn: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
			return &domain.ToolResult{Content: "ok"}, nil
		},
	}
	llm := &scriptedLLM{respond: sequence(
		reply("",
			toolCall("broken", `{}`),
			toolCall("missing", `{}`),
			domain.ToolCall{ID: "bad-args", Name: "typed", Arguments: json.RawMessage(`{q:`)},
		),
		reply("sorry, something failed"),
	)}
	eng, _ := newTestEngine(t, llm, []domain.Tool{broken, typed})

	state, err := eng.Invoke(context.Background(), "t1", "try the tools")
	require.NoError(t, err)

	results := state.Messages[2:5]
	codes := make([]string, len(results))
	for i, m := range results {
		require.NotNil(t, m.Error, "result %d", i)
		codes[i] = m.Error.Code
	}
	assert.Equal(t, []string{domain.ToolErrFailure, domain.ToolErrNotFound, domain.ToolErrInvalidArgs}, codes)
	assert.Equal(t, 2, state.StepCount)

	// The state stays encodable after malformed arguments.
	_, err = json.Marshal(state)
	require.NoError(t, err)
}

func TestEngine_ThreadLocked(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	block := &funcTool{name: "block", fn: func(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
		close(entered)
		select {
		case <-unblock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &domain.ToolResult{Content: "unblocked"}, nil
	}}
	llm := &scriptedLLM{respond: func(_ int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		last := req.Messages[len(req.Messages)-1]
		switch {
		case last.Kind == domain.KindHuman && last.Content == "slow":
			return reply("", toolCall("block", `{}`)), nil
		case last.Kind == domain.KindTool:
			return reply("slow done"), nil
		default:
			return reply("quick"), nil
		}
	}}
	eng, _ := newTestEngine(t, llm, []domain.Tool{block})

	resultCh := eng.InvokeAsync(context.Background(), "busy", "slow")
	<-entered

	_, err := eng.Invoke(context.Background(), "busy", "again")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrThreadLocked)
	var locked *domain.ThreadLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "busy", locked.ThreadID)

	err = eng.ClearThread(context.Background(), "busy")
	assert.ErrorIs(t, err, domain.ErrThreadLocked)

	// Other threads are unaffected.
	other, err := eng.Invoke(context.Background(), "other", "hi")
	require.NoError(t, err)
	assert.Equal(t, "quick", other.Messages[len(other.Messages)-1].Content)

	close(unblock)
	res := <-resultCh
	require.NoError(t, res.Err)
	assert.Equal(t, "slow done", res.State.Messages[len(res.State.Messages)-1].Content)

	// The lock is released once the run ends.
	_, err = eng.Invoke(context.Background(), "busy", "after")
	require.NoError(t, err)
}

func TestEngine_CancelDuringActThenResume(t *testing.T) {
	entered := make(chan struct{}, 1)
	hang := &funcTool{name: "hang", fn: func(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	llm := &scriptedLLM{respond: func(call int, _ domain.ChatRequest) (*domain.ChatResponse, error) {
		if call == 0 {
			return reply("", toolCall("hang", `{}`)), nil
		}
		return reply("recovered"), nil
	}}
	eng, store := newTestEngine(t, llm, []domain.Tool{hang})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()
	_, err := eng.Invoke(ctx, "t1", "start something long")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	saved, err := eng.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, saved.StepCount)
	assert.Equal(t, []domain.Kind{domain.KindHuman, domain.KindAI}, kinds(saved.Messages))
	assert.Len(t, domain.PendingCalls(saved.Messages), 1)
	assert.Len(t, store.snapshots(), 2, "the interrupted act is not saved")

	state, err := eng.Invoke(context.Background(), "t1", "are you there?")
	require.NoError(t, err)
	assert.Equal(t, []domain.Kind{
		domain.KindHuman, domain.KindAI, domain.KindTool, domain.KindHuman, domain.KindAI,
	}, kinds(state.Messages))
	interrupted := state.Messages[2]
	require.NotNil(t, interrupted.Error)
	assert.Equal(t, domain.ToolErrInterrupted, interrupted.Error.Code)
	assert.Equal(t, saved.Messages[1].ToolCalls[0].ID, interrupted.ToolCallID)
	assert.Equal(t, "recovered", state.Messages[4].Content)
}

func TestEngine_Timeout(t *testing.T) {
	hang := &funcTool{name: "hang", fn: func(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	llm := &scriptedLLM{respond: sequence(reply("", toolCall("hang", `{}`)))}
	eng, _ := newTestEngine(t, llm, []domain.Tool{hang}, func(d *EngineDeps) { d.Timeout = 30 * time.Millisecond })

	_, err := eng.Invoke(context.Background(), "t1", "wait forever")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.CodeCancelled, domain.ErrorCodeOf(err))
}

func TestEngine_OracleErrorPropagates(t *testing.T) {
	llm := &scriptedLLM{respond: func(int, domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, domain.NewDomainError("scripted.Chat", domain.ErrProviderError, "upstream 502")
	}}
	eng, store := newTestEngine(t, llm, nil)

	_, err := eng.Invoke(context.Background(), "t1", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderError)
	assert.Equal(t, 1, llm.calls(), "the engine does not retry")

	// The post-start snapshot is the last good checkpoint.
	snaps := store.snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, 0, snaps[0].StepCount)
	assert.Equal(t, []domain.Kind{domain.KindHuman}, kinds(snaps[0].Messages))
}

func TestEngine_ClearThread(t *testing.T) {
	llm := &scriptedLLM{respond: sequence(reply("answer"))}
	eng, _ := newTestEngine(t, llm, nil)
	ctx := context.Background()

	_, err := eng.Invoke(ctx, "t1", "first question")
	require.NoError(t, err)
	require.NoError(t, eng.ClearThread(ctx, "t1"))

	_, err = eng.State(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrThreadNotFound)

	state, err := eng.Invoke(ctx, "t1", "fresh question")
	require.NoError(t, err)
	assert.Equal(t, 1, state.StepCount)
	assert.Equal(t, []domain.Kind{domain.KindHuman, domain.KindAI}, kinds(state.Messages))
	assert.Equal(t, "fresh question", state.Messages[0].Content)

	// Clearing twice, or clearing an unknown thread, is a no-op.
	require.NoError(t, eng.ClearThread(ctx, "t1"))
	require.NoError(t, eng.ClearThread(ctx, "t1"))
	require.NoError(t, eng.ClearThread(ctx, "never-used"))
}

func TestEngine_InvalidInput(t *testing.T) {
	llm := &scriptedLLM{respond: sequence(reply("x"))}
	eng, _ := newTestEngine(t, llm, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		thread string
		text   string
	}{
		{"empty thread", "", "hi"},
		{"path thread", "../etc", "hi"},
		{"empty text", "t1", "  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Invoke(ctx, tt.thread, tt.text)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
	assert.Equal(t, 0, llm.calls())
	assert.ErrorIs(t, eng.ClearThread(ctx, ""), domain.ErrInvalidInput)
	assert.ErrorIs(t, eng.Stream(ctx, "t1", "hi", nil), domain.ErrInvalidInput)
}

func TestEngine_StartHookOracleInputNotPersisted(t *testing.T) {
	llm := &scriptedLLM{respond: sequence(
		reply("", toolCall("lookup", `{}`)),
		reply("final"),
	)}
	hook := func(_ context.Context, s *domain.State) (domain.Update, error) {
		view := []domain.Message{domain.NewHumanMessage("compressed view")}
		return domain.Update{
			Extra:       map[string]json.RawMessage{"hooked": json.RawMessage(`true`)},
			OracleInput: view,
		}, nil
	}
	eng, store := newTestEngine(t, llm, []domain.Tool{staticTool("lookup", "looked up")},
		func(d *EngineDeps) { d.StartHook = hook })

	state, err := eng.Invoke(context.Background(), "t1", "original question")
	require.NoError(t, err)

	first := llm.request(0)
	require.Len(t, first.Messages, 2)
	assert.Equal(t, "compressed view", first.Messages[1].Content)

	// The second decide sees the view plus everything appended after the hook.
	second := llm.request(1)
	assert.Equal(t, []domain.Kind{domain.KindSystem, domain.KindHuman, domain.KindAI, domain.KindTool}, kinds(second.Messages))
	assert.Equal(t, "compressed view", second.Messages[1].Content)

	assert.Equal(t, "original question", state.Messages[0].Content)
	assert.JSONEq(t, `true`, string(state.Extra["hooked"]))
	for i, snap := range store.snapshots() {
		for _, m := range snap.Messages {
			assert.NotEqual(t, "compressed view", m.Content, "snapshot %d", i)
		}
	}
}

func TestEngine_StartHookError(t *testing.T) {
	llm := &scriptedLLM{respond: sequence(reply("x"))}
	hookErr := errors.New("hook exploded")
	eng, store := newTestEngine(t, llm, nil, func(d *EngineDeps) {
		d.StartHook = func(context.Context, *domain.State) (domain.Update, error) { return domain.Update{}, hookErr }
	})

	_, err := eng.Invoke(context.Background(), "t1", "hi")
	assert.ErrorIs(t, err, hookErr)
	assert.Equal(t, 0, llm.calls())
	assert.Empty(t, store.snapshots())
}

func TestEngine_StreamDeltas(t *testing.T) {
	llm := &streamingLLM{chunks: func(call int) []domain.StreamDelta {
		if call == 0 {
			return []domain.StreamDelta{
				{Content: "Let me look. "},
				{ToolCalls: []domain.ToolCall{{ID: "c1", Name: "lookup"}}},
				{ToolCalls: []domain.ToolCall{{Arguments: json.RawMessage(`{"q":`)}}},
				{ToolCalls: []domain.ToolCall{{Arguments: json.RawMessage(`"pop"}`)}}},
				{Done: true, Usage: &domain.Usage{TotalTokens: 12}},
			}
		}
		return []domain.StreamDelta{{Content: "Hel"}, {Content: "lo"}, {Done: true}}
	}}
	var gotArgs json.RawMessage
	lookup := &funcTool{name: "lookup", fn: func(_ context.Context, args json.RawMessage) (*domain.ToolResult, error) {
		gotArgs = args
		return &domain.ToolResult{Content: "found"}, nil
	}}
	eng, _ := newTestEngine(t, llm, []domain.Tool{lookup})

	var (
		nodes  []domain.NodeName
		tokens []string
		final  domain.Delta
	)
	err := eng.Stream(context.Background(), "t1", "find population", func(d domain.Delta) error {
		if d.IsPartial() {
			tokens = append(tokens, d.Token)
			return nil
		}
		nodes = append(nodes, d.Node)
		if d.Final {
			final = d
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []domain.NodeName{
		domain.NodeStart, domain.NodeDecide, domain.NodeAct, domain.NodeDecide, domain.NodeEnd,
	}, nodes)
	assert.Equal(t, []string{"Let me look. ", "Hel", "lo"}, tokens)
	assert.JSONEq(t, `{"q":"pop"}`, string(gotArgs))
	require.Len(t, final.Messages, 1)
	assert.Equal(t, "Hello", final.Messages[0].Content)
	assert.Equal(t, 2, final.Step)
}

func TestEngine_StreamYieldErrorStopsRun(t *testing.T) {
	llm := &scriptedLLM{respond: sequence(reply("", toolCall("lookup", `{}`)), reply("done"))}
	eng, _ := newTestEngine(t, llm, []domain.Tool{staticTool("lookup", "x")})

	errStop := errors.New("client went away")
	err := eng.Stream(context.Background(), "t1", "hi", func(d domain.Delta) error {
		if d.Node == domain.NodeDecide {
			return errStop
		}
		return nil
	})
	assert.ErrorIs(t, err, errStop)
	assert.Equal(t, 1, llm.calls())
}

func TestEngine_StreamAsync(t *testing.T) {
	llm := &scriptedLLM{respond: sequence(reply("", toolCall("lookup", `{}`)), reply("done"))}
	eng, _ := newTestEngine(t, llm, []domain.Tool{staticTool("lookup", "x")})

	run := eng.StreamAsync(context.Background(), "t1", "hi")
	var nodes []domain.NodeName
	for d := range run.Deltas() {
		nodes = append(nodes, d.Node)
	}
	state, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, []domain.NodeName{
		domain.NodeStart, domain.NodeDecide, domain.NodeAct, domain.NodeDecide, domain.NodeEnd,
	}, nodes)
	assert.Equal(t, 2, state.StepCount)

	// Wait alone drains undelivered deltas.
	state, err = eng.StreamAsync(context.Background(), "t2", "hi").Wait()
	require.NoError(t, err)
	assert.Equal(t, "t2", state.ThreadID)
}

func TestEngine_StreamAsyncCancel(t *testing.T) {
	entered := make(chan struct{}, 1)
	hang := &funcTool{name: "hang", fn: func(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	llm := &scriptedLLM{respond: sequence(reply("", toolCall("hang", `{}`)))}
	eng, _ := newTestEngine(t, llm, []domain.Tool{hang})

	run := eng.StreamAsync(context.Background(), "t1", "hi")
	<-entered
	run.Cancel()
	_, err := run.Wait()
	assert.ErrorIs(t, err, domain.ErrCancelled)

	select {
	case <-run.Done():
	default:
		t.Fatal("Done not closed after Wait")
	}
}

func TestEngine_InvokeAsyncConcurrentThreads(t *testing.T) {
	llm := &scriptedLLM{respond: sequence(reply("", toolCall("lookup", `{}`)), reply("done"))}
	eng, _ := newTestEngine(t, llm, []domain.Tool{staticTool("lookup", "x")})

	const n = 8
	chans := make([]<-chan InvokeResult, n)
	for i := range n {
		chans[i] = eng.InvokeAsync(context.Background(), fmt.Sprintf("thread-%d", i), "hi")
	}
	for i, ch := range chans {
		res := <-ch
		require.NoError(t, res.Err, "thread %d", i)
		assert.Equal(t, fmt.Sprintf("thread-%d", i), res.State.ThreadID)
		_, open := <-ch
		assert.False(t, open, "channel closed after one result")
	}
}

func TestEngine_Events(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	var (
		mu     sync.Mutex
		events []domain.Event
	)
	bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	llm := &scriptedLLM{respond: sequence(reply("answer"))}
	eng, _ := newTestEngine(t, llm, nil, func(d *EngineDeps) {
		d.Bus = bus
		d.Oracle = NewOracle(llm, nil, OracleConfig{}, bus, newTestLogger())
	})

	_, err := eng.Invoke(context.Background(), "t1", "hi")
	require.NoError(t, err)
	require.NoError(t, eng.ClearThread(context.Background(), "t1"))
	bus.Close()

	seen := map[domain.EventType]int{}
	for _, ev := range events {
		assert.Equal(t, "t1", ev.ThreadID)
		seen[ev.Type]++
	}
	for _, typ := range []domain.EventType{
		domain.EventRunStarted,
		domain.EventLLMCallStarted,
		domain.EventLLMCallCompleted,
		domain.EventRunCompleted,
		domain.EventThreadCleared,
	} {
		assert.Equal(t, 1, seen[typ], "event %s", typ)
	}
	assert.Zero(t, seen[domain.EventRunFailed])
}

func TestEngine_UnmatchedToolMessageRejected(t *testing.T) {
	// A tool message answering no pending call never enters the history.
	state := domain.NewState("t1")
	require.NoError(t, state.Apply(domain.Update{Messages: []domain.Message{domain.NewHumanMessage("hi")}}))

	stray := domain.NewToolResultMessage(domain.ToolCall{ID: "nope", Name: "lookup"}, "x")
	err := state.Apply(domain.Update{Messages: []domain.Message{stray}})
	assert.ErrorIs(t, err, domain.ErrUnmatchedToolCall)
	assert.Equal(t, []domain.Kind{domain.KindHuman}, kinds(state.Messages))
}
