// Package tokenizer counts prompt tokens for history trimming.
package tokenizer

import (
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"catalog-agent/internal/domain"
)

// Per-message framing overhead (<|start|>role\n ... <|end|>\n) and the
// conversation-end overhead, as counted for OpenAI chat models.
const (
	perMessageOverhead = 4
	replyOverhead      = 3
)

var (
	_ domain.TokenCounter = (*Tiktoken)(nil)
	_ domain.TokenCounter = Estimator{}
)

// Tiktoken counts tokens with a tiktoken BPE encoding. The encoding is loaded
// on first use; if it cannot be loaded the counter falls back to Estimator.
type Tiktoken struct {
	encoding string
	logger   *slog.Logger

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTiktoken returns a counter for the named encoding, e.g. "cl100k_base".
func NewTiktoken(encoding string, logger *slog.Logger) *Tiktoken {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiktoken{encoding: encoding, logger: logger}
}

// Init loads the encoding. It is safe to call repeatedly.
func (t *Tiktoken) Init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			t.logger.Warn("tiktoken unavailable, using estimate", "encoding", t.encoding, "error", err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountText returns the token count of text.
func (t *Tiktoken) CountText(text string) int {
	if t.Init() != nil {
		return Estimator{}.CountText(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// CountMessages implements domain.TokenCounter.
func (t *Tiktoken) CountMessages(msgs []domain.Message) int {
	return countMessages(msgs, t.CountText)
}

// Estimator approximates token counts as one token per four bytes of text,
// with at least one token per rune-bearing string.
type Estimator struct{}

// CountText returns the estimated token count of text.
func (Estimator) CountText(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 && utf8.RuneCountInString(text) > 0 {
		n = 1
	}
	return n
}

// CountMessages implements domain.TokenCounter.
func (e Estimator) CountMessages(msgs []domain.Message) int {
	return countMessages(msgs, e.CountText)
}

func countMessages(msgs []domain.Message, count func(string) int) int {
	if len(msgs) == 0 {
		return 0
	}
	total := replyOverhead
	for _, m := range msgs {
		total += perMessageOverhead + count(string(m.Kind)) + count(m.Content)
		for _, tc := range m.ToolCalls {
			total += count(tc.Name) + count(string(tc.Arguments))
		}
		if m.Error != nil {
			total += count(m.Error.Code) + count(m.Error.Message)
		}
	}
	return total
}
