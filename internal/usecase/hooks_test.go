package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-agent/internal/domain"
)

// contentCounter charges one token per byte of content plus ten per message.
type contentCounter struct{}

func (contentCounter) CountMessages(msgs []domain.Message) int {
	n := 0
	for _, m := range msgs {
		n += 10 + len(m.Content)
	}
	return n
}

// conversation builds turns of human → ai(tool call) → tool → ai.
func conversation(turns int) []domain.Message {
	var msgs []domain.Message
	for i := range turns {
		ai := domain.NewAIMessage("", toolCall("lookup", `{}`))
		msgs = append(msgs,
			domain.NewHumanMessage(fmt.Sprintf("question %d", i)),
			ai,
			domain.NewToolResultMessage(ai.ToolCalls[0], strings.Repeat("r", 20)),
			domain.NewAIMessage(fmt.Sprintf("answer %d", i)),
		)
	}
	return msgs
}

func stateWith(msgs ...domain.Message) *domain.State {
	s := domain.NewState("t1")
	s.Messages = msgs
	return s
}

func TestGroupMessages(t *testing.T) {
	msgs := conversation(2)
	groups := groupMessages(msgs)

	require.Len(t, groups, 6)
	assert.Len(t, groups[1], 2, "ai with tool calls groups with its results")
	assert.Equal(t, domain.KindHuman, groups[3][0].Kind)
	assert.Empty(t, groupMessages(nil))
}

func TestTrimHook(t *testing.T) {
	msgs := conversation(3)
	full := contentCounter{}.CountMessages(msgs)

	t.Run("under budget is a no-op", func(t *testing.T) {
		hook := TrimHook(contentCounter{}, full, newTestLogger())
		u, err := hook(context.Background(), stateWith(msgs...))
		require.NoError(t, err)
		assert.True(t, u.IsZero())
	})

	t.Run("drops oldest groups first", func(t *testing.T) {
		hook := TrimHook(contentCounter{}, full-60, newTestLogger())
		u, err := hook(context.Background(), stateWith(msgs...))
		require.NoError(t, err)
		require.NotNil(t, u.OracleInput)
		assert.LessOrEqual(t, contentCounter{}.CountMessages(u.OracleInput), full-60)
		assert.Empty(t, u.Messages, "trimming never touches the persisted history")

		// The first kept message is never an orphaned tool result.
		assert.NotEqual(t, domain.KindTool, u.OracleInput[0].Kind)
		assert.Equal(t, msgs[len(msgs)-1].ID, u.OracleInput[len(u.OracleInput)-1].ID)
		assert.Empty(t, domain.PendingCalls(u.OracleInput))
	})

	t.Run("keeps current human and last group at any budget", func(t *testing.T) {
		current := append(conversation(2), domain.NewHumanMessage("latest question"))
		ai := domain.NewAIMessage("", toolCall("lookup", `{}`))
		current = append(current, ai, domain.NewToolResultMessage(ai.ToolCalls[0], "x"))

		hook := TrimHook(contentCounter{}, 1, newTestLogger())
		u, err := hook(context.Background(), stateWith(current...))
		require.NoError(t, err)
		require.Equal(t, []domain.Kind{domain.KindHuman, domain.KindAI, domain.KindTool}, kinds(u.OracleInput))
		assert.Equal(t, "latest question", u.OracleInput[0].Content)
	})

	t.Run("keeps leading system messages", func(t *testing.T) {
		withSystem := append([]domain.Message{domain.NewSystemMessage("rules")}, msgs...)
		hook := TrimHook(contentCounter{}, 100, newTestLogger())
		u, err := hook(context.Background(), stateWith(withSystem...))
		require.NoError(t, err)
		require.NotEmpty(t, u.OracleInput)
		assert.Equal(t, "rules", u.OracleInput[0].Content)
	})
}

func TestChainHooks(t *testing.T) {
	var sawView []domain.Message
	first := func(_ context.Context, s *domain.State) (domain.Update, error) {
		return domain.Update{
			Extra:       map[string]json.RawMessage{"first": json.RawMessage(`1`)},
			OracleInput: []domain.Message{domain.NewHumanMessage("view")},
		}, nil
	}
	second := func(_ context.Context, s *domain.State) (domain.Update, error) {
		sawView = s.Messages
		var v int
		found, err := s.GetExtra("first", &v)
		require.NoError(t, err)
		assert.True(t, found, "later hooks see earlier extra")
		return domain.Update{Extra: map[string]json.RawMessage{"second": json.RawMessage(`2`)}}, nil
	}

	u, err := ChainHooks(first, nil, second)(context.Background(), stateWith(conversation(1)...))
	require.NoError(t, err)

	require.Len(t, sawView, 1)
	assert.Equal(t, "view", sawView[0].Content)
	assert.Len(t, u.Extra, 2)
	require.Len(t, u.OracleInput, 1)

	failing := func(context.Context, *domain.State) (domain.Update, error) { return domain.Update{}, errors.New("boom") }
	_, err = ChainHooks(first, failing)(context.Background(), stateWith())
	assert.EqualError(t, err, "boom")
}

func TestSummarizeHook(t *testing.T) {
	msgs := conversation(4) // 16 messages
	cfg := SummarizeConfig{Threshold: 10, KeepRecent: 6}

	t.Run("below threshold", func(t *testing.T) {
		llm := &scriptedLLM{respond: sequence(reply("summary"))}
		u, err := SummarizeHook(llm, cfg, newTestLogger())(context.Background(), stateWith(msgs[:8]...))
		require.NoError(t, err)
		assert.True(t, u.IsZero())
		assert.Zero(t, llm.calls())
	})

	t.Run("summarizes on a group boundary and caches", func(t *testing.T) {
		llm := &scriptedLLM{respond: sequence(reply("they asked four questions"))}
		hook := SummarizeHook(llm, cfg, newTestLogger())
		state := stateWith(msgs...)

		u, err := hook(context.Background(), state)
		require.NoError(t, err)
		require.Equal(t, 1, llm.calls())

		// 16 - 6 = 10 falls inside turn 2's tool group, which starts at 9.
		var cache summaryCache
		require.NoError(t, json.Unmarshal(u.Extra[summaryKey], &cache))
		assert.Equal(t, summaryCache{Text: "they asked four questions", Covers: 9}, cache)

		require.Len(t, u.OracleInput, 1+len(msgs)-9)
		assert.Equal(t, domain.KindSystem, u.OracleInput[0].Kind)
		assert.Contains(t, u.OracleInput[0].Content, "they asked four questions")
		assert.Equal(t, msgs[9].ID, u.OracleInput[1].ID)

		prompt := llm.request(0).Messages[1].Content
		assert.Contains(t, prompt, "user: question 0")
		assert.Contains(t, prompt, "assistant called lookup({})")
		assert.NotContains(t, prompt, "question 3")

		// Same history with the cache applied: no new provider call.
		require.NoError(t, state.Apply(domain.Update{Extra: u.Extra}))
		u2, err := hook(context.Background(), state)
		require.NoError(t, err)
		assert.Equal(t, 1, llm.calls())
		assert.Equal(t, u.OracleInput[0].Content, u2.OracleInput[0].Content)
		assert.Nil(t, u2.Extra)
	})

	t.Run("extends an existing summary incrementally", func(t *testing.T) {
		llm := &scriptedLLM{respond: sequence(reply("updated summary"))}
		state := stateWith(append(msgs, conversation(1)...)...)
		require.NoError(t, state.SetExtra(summaryKey, summaryCache{Text: "old summary", Covers: 4}))

		u, err := SummarizeHook(llm, cfg, newTestLogger())(context.Background(), state)
		require.NoError(t, err)
		prompt := llm.request(0).Messages[1].Content
		assert.Contains(t, prompt, "Earlier summary: old summary")
		assert.NotContains(t, prompt, "question 0")
		assert.Contains(t, prompt, "question 1")

		var cache summaryCache
		require.NoError(t, json.Unmarshal(u.Extra[summaryKey], &cache))
		assert.Equal(t, "updated summary", cache.Text)
	})

	t.Run("provider failure is not fatal", func(t *testing.T) {
		llm := &scriptedLLM{respond: func(int, domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, domain.ErrProviderError
		}}
		u, err := SummarizeHook(llm, cfg, newTestLogger())(context.Background(), stateWith(msgs...))
		require.NoError(t, err)
		assert.True(t, u.IsZero())
	})

	t.Run("cancellation is returned", func(t *testing.T) {
		llm := &scriptedLLM{respond: func(int, domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, context.Canceled
		}}
		_, err := SummarizeHook(llm, cfg, newTestLogger())(context.Background(), stateWith(msgs...))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestGroupAlignedCut(t *testing.T) {
	msgs := conversation(2) // h a t a | h a t a
	tests := []struct {
		target, want int
	}{
		{0, 0},
		{1, 1},
		{2, 1}, // inside the first tool group
		{3, 3},
		{6, 5},
		{8, 8},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, groupAlignedCut(msgs, tt.target), "target %d", tt.target)
	}
}
