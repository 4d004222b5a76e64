package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"catalog-agent/internal/domain"
)

// buildState makes a well-formed history from generated contents: each turn is
// a human message answered by an ai message, every third ai message calling a
// tool whose result follows.
func buildState(threadID string, contents []string, steps int, extra string) *domain.State {
	s := domain.NewState(threadID)
	ts := time.Unix(1_700_000_000, 0).UTC()
	for i, c := range contents {
		h := domain.NewHumanMessage(c)
		h.Timestamp = ts.Add(time.Duration(i) * time.Second)
		s.Messages = append(s.Messages, h)
		if i%3 == 2 {
			call := domain.ToolCall{
				ID:        fmt.Sprintf("call-%d", i),
				Name:      "run_query",
				Arguments: json.RawMessage(fmt.Sprintf(`{"sql":%q}`, c)),
			}
			ai := domain.NewAIMessage("", call)
			ai.Timestamp = h.Timestamp
			res := domain.NewToolResultMessage(call, c)
			res.Timestamp = h.Timestamp
			s.Messages = append(s.Messages, ai, res)
		}
		ai := domain.NewAIMessage(c)
		ai.Timestamp = h.Timestamp
		s.Messages = append(s.Messages, ai)
	}
	s.StepCount = steps
	s.StepLimit = steps + domain.DefaultStepLimit
	if extra != "" {
		raw, _ := json.Marshal(extra)
		s.Extra = map[string]json.RawMessage{"note": raw}
	}
	s.UpdatedAt = ts
	return s
}

func TestProperty_CheckpointRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			parameters := gopter.DefaultTestParameters()
			parameters.MinSuccessfulTests = 50

			properties := gopter.NewProperties(parameters)
			properties.Property("save then load preserves the snapshot", prop.ForAll(
				func(threadID string, contents []string, steps int, extra string) bool {
					ctx := context.Background()
					in := buildState(threadID, contents, steps, extra)
					if err := store.Save(ctx, in); err != nil {
						t.Logf("save: %v", err)
						return false
					}
					out, err := store.Load(ctx, threadID)
					if err != nil {
						t.Logf("load: %v", err)
						return false
					}
					a, _ := json.Marshal(in)
					b, _ := json.Marshal(out)
					if string(a) != string(b) {
						t.Logf("mismatch:\n in=%s\nout=%s", a, b)
						return false
					}
					return len(out.Messages) == len(in.Messages)
				},
				gen.Identifier(),
				gen.SliceOf(gen.AnyString()),
				gen.IntRange(0, 500),
				gen.AlphaString(),
			))
			properties.TestingRun(t)
		})
	}
}
