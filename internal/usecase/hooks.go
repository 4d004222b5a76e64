package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"catalog-agent/internal/domain"
)

// StartHook runs once per invocation before the first decide. It receives a
// copy of the state and returns the changes to make.
//
// Update.Messages and Update.Extra are merged into the state and persisted.
// Update.OracleInput, when set, becomes the history the oracle sees for the
// rest of the invocation, followed by every message appended after the hook.
// It is never persisted.
type StartHook func(ctx context.Context, state *domain.State) (domain.Update, error)

// ChainHooks runs hooks in order and combines their updates. Each hook sees
// the state as changed by the hooks before it; once one sets OracleInput,
// later hooks see that view as the message history.
func ChainHooks(hooks ...StartHook) StartHook {
	return func(ctx context.Context, state *domain.State) (domain.Update, error) {
		working := state.Clone()
		var combined domain.Update
		for _, h := range hooks {
			if h == nil {
				continue
			}
			u, err := h(ctx, working.Clone())
			if err != nil {
				return domain.Update{}, err
			}
			if err := working.Apply(domain.Update{Messages: u.Messages, Extra: u.Extra}); err != nil {
				return domain.Update{}, domain.WrapOp("ChainHooks", err)
			}
			combined.Messages = append(combined.Messages, u.Messages...)
			for k, v := range u.Extra {
				if combined.Extra == nil {
					combined.Extra = make(map[string]json.RawMessage, len(u.Extra))
				}
				combined.Extra[k] = v
			}
			if u.OracleInput != nil {
				combined.OracleInput = domain.CloneMessages(u.OracleInput)
				working.Messages = domain.CloneMessages(u.OracleInput)
			}
		}
		return combined, nil
	}
}

// splitSystem returns the leading system messages of msgs and the rest.
func splitSystem(msgs []domain.Message) (system, rest []domain.Message) {
	i := 0
	for i < len(msgs) && msgs[i].Kind == domain.KindSystem {
		i++
	}
	return msgs[:i], msgs[i:]
}

// groupMessages splits msgs into atomic groups. An ai message with tool
// calls forms one group with the tool messages that follow it; every other
// message is a group of its own.
func groupMessages(msgs []domain.Message) [][]domain.Message {
	var groups [][]domain.Message
	i := 0
	for i < len(msgs) {
		msg := msgs[i]
		if msg.Kind == domain.KindAI && len(msg.ToolCalls) > 0 {
			j := i + 1
			for j < len(msgs) && msgs[j].Kind == domain.KindTool {
				j++
			}
			groups = append(groups, msgs[i:j])
			i = j
			continue
		}
		groups = append(groups, msgs[i:i+1])
		i++
	}
	return groups
}

// TrimHook returns a hook that fits the oracle's view of the history into
// maxTokens as measured by counter. Leading system messages, the latest human
// message and the last group are always kept; other groups are dropped
// oldest first. The persisted history is untouched.
func TrimHook(counter domain.TokenCounter, maxTokens int, logger *slog.Logger) StartHook {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, state *domain.State) (domain.Update, error) {
		if maxTokens <= 0 || counter.CountMessages(state.Messages) <= maxTokens {
			return domain.Update{}, nil
		}

		system, rest := splitSystem(state.Messages)
		groups := groupMessages(rest)
		if len(groups) <= 1 {
			return domain.Update{}, nil
		}

		human := -1
		for i := len(groups) - 1; i >= 0; i-- {
			if groups[i][0].Kind == domain.KindHuman {
				human = i
				break
			}
		}
		last := len(groups) - 1

		// Drop order: everything before the current turn, then the turn's
		// own middle groups, oldest first.
		var order []int
		for i := 0; i < last; i++ {
			if i != human {
				order = append(order, i)
			}
		}

		keep := make([]bool, len(groups))
		for i := range keep {
			keep[i] = true
		}
		view := func() []domain.Message {
			out := append([]domain.Message(nil), system...)
			for i, g := range groups {
				if keep[i] {
					out = append(out, g...)
				}
			}
			return out
		}

		dropped := 0
		for _, i := range order {
			keep[i] = false
			dropped += len(groups[i])
			if counter.CountMessages(view()) <= maxTokens {
				break
			}
		}
		if dropped == 0 {
			return domain.Update{}, nil
		}

		out := view()
		tokens := counter.CountMessages(out)
		if tokens > maxTokens {
			logger.WarnContext(ctx, "history still over token budget after trimming",
				"tokens", tokens, "max_tokens", maxTokens)
		}
		logger.DebugContext(ctx, "history trimmed for oracle",
			"dropped_messages", dropped, "kept_messages", len(out), "tokens", tokens)
		return domain.Update{OracleInput: domain.CloneMessages(out)}, nil
	}
}

const summarizeSystemPrompt = `You are a conversation summarizer for a data catalog assistant. Given a conversation history, produce a concise summary that preserves:
- The user's questions and requirements
- Datasets, columns and codes that were found or discussed
- Query results and conclusions reached so far
- Any open questions

Output ONLY the summary, no preamble.`

// summaryKey is the state extra key holding the cached summary.
const summaryKey = "summary"

// summaryCache is the persisted summary of the first Covers non-system messages.
type summaryCache struct {
	Text   string `json:"text"`
	Covers int    `json:"covers"`
}

// SummarizeConfig controls SummarizeHook.
type SummarizeConfig struct {
	Threshold  int
	KeepRecent int
	Model      string
}

// SummarizeHook returns a hook that replaces older history with a summary
// written by provider once the thread holds more than Threshold messages.
// The summary is cached in the state so later invocations only summarise
// what is new. Provider failures leave the history as it is.
func SummarizeHook(provider domain.LLMProvider, cfg SummarizeConfig, logger *slog.Logger) StartHook {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 30
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, state *domain.State) (domain.Update, error) {
		system, rest := splitSystem(state.Messages)
		if len(rest) <= cfg.Threshold {
			return domain.Update{}, nil
		}
		cut := groupAlignedCut(rest, len(rest)-cfg.KeepRecent)
		if cut <= 0 {
			return domain.Update{}, nil
		}

		var cached summaryCache
		found, err := state.GetExtra(summaryKey, &cached)
		if err != nil || cached.Covers > len(rest) {
			logger.WarnContext(ctx, "discarding unreadable summary cache", "error", err)
			found, cached = false, summaryCache{}
		}

		if found && cached.Covers >= cut {
			return domain.Update{OracleInput: summaryView(system, cached, rest)}, nil
		}

		from := 0
		if found {
			from = cached.Covers
		}
		text, err := summarize(ctx, provider, cfg.Model, cached.Text, rest[from:cut])
		if err != nil {
			if domain.IsCancellation(err) {
				return domain.Update{}, domain.WrapOp("SummarizeHook", err)
			}
			logger.WarnContext(ctx, "summarization failed, continuing without it", "error", err)
			if found {
				return domain.Update{OracleInput: summaryView(system, cached, rest)}, nil
			}
			return domain.Update{}, nil
		}
		if text == "" {
			return domain.Update{}, nil
		}

		next := summaryCache{Text: text, Covers: cut}
		probe := domain.NewState(state.ThreadID)
		if err := probe.SetExtra(summaryKey, next); err != nil {
			return domain.Update{}, err
		}
		logger.InfoContext(ctx, "history summarized", "covers", cut, "kept_recent", len(rest)-cut)
		return domain.Update{
			Extra:       probe.Extra,
			OracleInput: summaryView(system, next, rest),
		}, nil
	}
}

// groupAlignedCut moves target back to the start of the group containing it
// so a cut never separates tool results from their request.
func groupAlignedCut(msgs []domain.Message, target int) int {
	if target <= 0 {
		return 0
	}
	pos := 0
	for _, g := range groupMessages(msgs) {
		if pos+len(g) > target {
			return pos
		}
		pos += len(g)
	}
	return pos
}

func summaryView(system []domain.Message, cache summaryCache, rest []domain.Message) []domain.Message {
	content := "Summary of the earlier conversation:\n" + cache.Text
	var head domain.Message
	if len(system) > 0 {
		head = domain.CloneMessage(system[0])
		head.Content = strings.TrimSpace(head.Content + "\n\n" + content)
	} else {
		head = domain.NewSystemMessage(content)
	}
	out := []domain.Message{head}
	return append(out, domain.CloneMessages(rest[cache.Covers:])...)
}

func summarize(ctx context.Context, provider domain.LLMProvider, model, previous string, msgs []domain.Message) (string, error) {
	var sb strings.Builder
	if previous != "" {
		fmt.Fprintf(&sb, "Earlier summary: %s\n", previous)
	}
	for _, m := range msgs {
		switch m.Kind {
		case domain.KindSystem:
			continue
		case domain.KindHuman:
			fmt.Fprintf(&sb, "user: %s\n", m.Content)
		case domain.KindAI:
			if m.Content != "" {
				fmt.Fprintf(&sb, "assistant: %s\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&sb, "assistant called %s(%s)\n", tc.Name, tc.Arguments)
			}
		case domain.KindTool:
			if m.Error != nil {
				fmt.Fprintf(&sb, "tool %s failed: %s\n", m.Name, m.Error)
			} else {
				fmt.Fprintf(&sb, "tool %s: %s\n", m.Name, m.Content)
			}
		}
	}
	convText := sb.String()
	if strings.TrimSpace(convText) == "" {
		return "", nil
	}

	resp, err := provider.Chat(ctx, domain.ChatRequest{
		Model: model,
		Messages: []domain.Message{
			domain.NewSystemMessage(summarizeSystemPrompt),
			domain.NewHumanMessage(convText),
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}
