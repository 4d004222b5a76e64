package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"catalog-agent/pkg/catalogagent"
)

var (
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true)
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")).Italic(true)
	roleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
)

// printer renders agent events as a running transcript.
type printer struct {
	w       io.Writer
	midLine bool
}

func newPrinter(w io.Writer) *printer { return &printer{w: w} }

func (p *printer) endLine() {
	if p.midLine {
		fmt.Fprintln(p.w)
		p.midLine = false
	}
}

func (p *printer) event(ev catalogagent.Event) error {
	switch ev.Kind {
	case catalogagent.EventContentDelta:
		fmt.Fprint(p.w, ev.Text)
		p.midLine = !strings.HasSuffix(ev.Text, "\n")
	case catalogagent.EventToolNotice:
		p.endLine()
		fmt.Fprintln(p.w, toolStyle.Render(fmt.Sprintf("-> %s %s", ev.Tool.Name, compactArgs(ev.Tool.Arguments))))
	case catalogagent.EventFinal:
		p.endLine()
		if ev.Text == "" {
			fmt.Fprintln(p.w, errorStyle.Render("(no answer)"))
		}
	}
	return nil
}

func (p *printer) message(m catalogagent.Message) {
	switch {
	case m.Error != "":
		fmt.Fprintf(p.w, "%s %s\n", roleStyle.Render(m.Role+":"), errorStyle.Render(m.Error))
	case len(m.ToolCalls) > 0:
		if m.Content != "" {
			fmt.Fprintf(p.w, "%s %s\n", roleStyle.Render(m.Role+":"), m.Content)
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintln(p.w, toolStyle.Render(fmt.Sprintf("-> %s %s", tc.Name, compactArgs(tc.Arguments))))
		}
	default:
		fmt.Fprintf(p.w, "%s %s\n", roleStyle.Render(m.Role+":"), m.Content)
	}
}

func compactArgs(raw []byte) string {
	const limit = 120
	s := strings.Join(strings.Fields(string(raw)), " ")
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}

// interruptible returns a context cancelled by Ctrl-C or SIGTERM.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func (c *cli) runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptible(cmd.Context())
	defer stop()

	question := strings.Join(args, " ")
	return c.withAgent(ctx, func(agent agentAPI) error {
		return agent.Ask(ctx, c.threadID, question, newPrinter(cmd.OutOrStdout()).event)
	})
}

func (c *cli) runChat(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	return c.withAgent(cmd.Context(), func(agent agentAPI) error {
		fmt.Fprintf(out, "thread %q. Commands: /new, /history, /clear, /exit. Ctrl-C stops an answer.\n", c.threadID)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		p := newPrinter(out)
		for {
			fmt.Fprint(out, promptStyle.Render("> "))
			if !scanner.Scan() {
				fmt.Fprintln(out)
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			switch line {
			case "":
				continue
			case "/exit", "/quit":
				return nil
			case "/new":
				c.threadID = catalogagent.NewThreadID()
				fmt.Fprintf(out, "switched to thread %q\n", c.threadID)
				continue
			case "/clear":
				if err := agent.Delete(cmd.Context(), c.threadID); err != nil {
					fmt.Fprintln(out, errorStyle.Render(err.Error()))
				} else {
					fmt.Fprintln(out, "thread cleared")
				}
				continue
			case "/history":
				msgs, err := agent.History(cmd.Context(), c.threadID)
				if err != nil {
					fmt.Fprintln(out, errorStyle.Render(err.Error()))
				}
				for _, m := range msgs {
					p.message(m)
				}
				continue
			}

			ctx, stop := interruptible(cmd.Context())
			err := agent.Ask(ctx, c.threadID, line, p.event)
			stop()
			p.endLine()
			switch {
			case errors.Is(err, catalogagent.ErrCancelled):
				fmt.Fprintln(out, errorStyle.Render("(stopped)"))
			case err != nil:
				fmt.Fprintln(out, errorStyle.Render("error: "+err.Error()))
			}
		}
	})
}
