// Package cmd defines the statecrawler command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	cfgFile string
	envFile string
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "statecrawler",
		Short: "A browser-driven crawler that exercises every reachable control of a site.",
		Long: `statecrawler drives a real browser through a target site, following links,
clicking buttons and submitting forms, including multi-step click chains.
It is meant for security testing and fuzzing-style exploration.`,
		SilenceUsage: true,

		// Credentials usually come from a .env file next to the working directory.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadEnvFile(opts.envFile)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with user/pass; missing is fine")

	cmd.AddCommand(newCrawlCmd(opts))
	return cmd
}

// loadEnvFile applies path to the environment without overriding variables
// that are already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Execute runs the CLI until it finishes or the process is interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "statecrawler:", err)
		stop()
		os.Exit(1)
	}
}
