package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"catalog-agent/internal/infra/config"
	"catalog-agent/pkg/catalogagent"
)

var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// agentAPI is what the commands need from catalogagent.Agent.
type agentAPI interface {
	Ask(ctx context.Context, threadID, text string, handler func(catalogagent.Event) error) error
	History(ctx context.Context, threadID string) ([]catalogagent.Message, error)
	Delete(ctx context.Context, threadID string) error
	Close(ctx context.Context) error
}

type openFunc func(ctx context.Context, path string) (agentAPI, error)

func openAgent(ctx context.Context, path string) (agentAPI, error) {
	return catalogagent.Open(ctx, path)
}

func main() {
	if err := newRootCmd(openAgent).Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	open       openFunc
	configPath string
	threadID   string
}

func newRootCmd(open openFunc) *cobra.Command {
	c := &cli{open: open}

	root := &cobra.Command{
		Use:   "catalog-agent",
		Short: "Ask questions about a data catalog",
		Long: `catalog-agent answers questions about datasets by letting a language
model search the catalog, read dataset metadata, decode codes and run
read-only queries. Conversations are kept per thread and survive restarts.

Examples:
  catalog-agent ask "Which datasets describe population by region?"
  catalog-agent chat --thread research
  catalog-agent history --thread research
  catalog-agent doctor`,
		SilenceUsage: true,
	}

	defaultConfig := os.Getenv("CATALOGAGENT_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", defaultConfig, "path to the YAML config file")
	root.PersistentFlags().StringVarP(&c.threadID, "thread", "t", "default", "conversation thread id")

	root.AddCommand(
		&cobra.Command{
			Use:   "ask QUESTION",
			Short: "Ask one question and print the streamed answer",
			Args:  cobra.MinimumNArgs(1),
			RunE:  c.runAsk,
		},
		&cobra.Command{
			Use:   "chat",
			Short: "Start an interactive conversation on a thread",
			Args:  cobra.NoArgs,
			RunE:  c.runChat,
		},
		&cobra.Command{
			Use:   "history",
			Short: "Print the stored messages of a thread",
			Args:  cobra.NoArgs,
			RunE:  c.runHistory,
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Delete everything stored for a thread",
			Args:  cobra.NoArgs,
			RunE:  c.runDelete,
		},
		&cobra.Command{
			Use:   "doctor",
			Short: "Run health checks on the configuration and backends",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runDoctor(cmd.Context(), cmd.OutOrStdout(), c.configPath)
			},
		},
		&cobra.Command{
			Use:   "encrypt VALUE",
			Short: "Encrypt a secret for use as enc:... in the config (needs CATALOGAGENT_CONFIG_KEY)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runEncrypt(cmd.OutOrStdout(), args[0], os.Getenv("CATALOGAGENT_CONFIG_KEY"))
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "catalog-agent %s (%s) %s %s/%s\n",
					Version, GitCommit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			},
		},
	)
	return root
}

// withAgent opens the agent for the duration of fn.
func (c *cli) withAgent(ctx context.Context, fn func(agentAPI) error) (err error) {
	agent, err := c.open(ctx, c.configPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := agent.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(agent)
}

func (c *cli) runHistory(cmd *cobra.Command, _ []string) error {
	return c.withAgent(cmd.Context(), func(agent agentAPI) error {
		msgs, err := agent.History(cmd.Context(), c.threadID)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "thread %q is empty\n", c.threadID)
			return nil
		}
		p := newPrinter(cmd.OutOrStdout())
		for _, m := range msgs {
			p.message(m)
		}
		return nil
	})
}

func (c *cli) runDelete(cmd *cobra.Command, _ []string) error {
	return c.withAgent(cmd.Context(), func(agent agentAPI) error {
		if err := agent.Delete(cmd.Context(), c.threadID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "thread %q deleted\n", c.threadID)
		return nil
	})
}

func runEncrypt(w io.Writer, value, passphrase string) error {
	if passphrase == "" {
		return errors.New("CATALOGAGENT_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(value, passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "enc:%s\n", enc)
	return nil
}
