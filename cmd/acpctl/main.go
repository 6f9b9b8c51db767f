package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "acpctl",
		Short:         "Drive a remote coding agent over duplex-over-HTTP",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.url, "url", "http://localhost:8787/acp", "backend HTTP resource path")
	pf.StringVar(&flags.agent, "agent", "default", "backend agent name")
	pf.StringVar(&flags.dbPath, "db", "", "SQLite database path for session storage")
	pf.StringVar(&flags.redisURL, "redis", "", "Redis URL for session storage (overrides --db)")
	pf.BoolVar(&flags.verbose, "verbose", false, "enable debug logging")

	root.AddCommand(
		newPromptCmd(flags),
		newSessionsCmd(flags),
		newEventsCmd(flags),
		newResumeCmd(flags),
	)
	return root
}
