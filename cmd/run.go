package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newRunCmd creates the 'run' subcommand: a one-shot batch that dispatches
// the named standard targets through the session pool and exits once the
// queue drains.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [target...]",
		Short: "Dispatches standard targets and exits",
		Long: `Enqueues the named standard targets from the configuration, drains them
through the session pool, then archives the session ledger and prints the
rotation stats banner. With no arguments every configured target runs.`,

		RunE: runBatchCommand,
	}
	return cmd
}

func runBatchCommand(cmd *cobra.Command, args []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := appInstance.RunBatch(ctx, args); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run batch: %w", err)
	}
	return nil
}
