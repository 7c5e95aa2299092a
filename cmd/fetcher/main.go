package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/italolelis/resource_fetcher/internal/config"
	"github.com/italolelis/resource_fetcher/internal/logctx"
)

var version = "dev"

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

type app struct {
	cfg *config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, exitErr.msg)
		os.Exit(exitErr.code)
	}

	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "fetcher",
		Short:         "Fetch remote resources through a deduplicating disk cache",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			a.cfg = cfg

			// stdout is reserved for resource bodies in `get`.
			logger := logctx.NewLogger(os.Stderr, cfg.SlogLevel())
			slog.SetDefault(logger)
			cmd.SetContext(logctx.WithLogger(cmd.Context(), logger))

			return nil
		},
	}

	root.AddCommand(newServeCmd(a), newGetCmd(a))

	return root
}
