// Package cmd defines and implements the CLI commands for the rotator
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-session-rotator/internal/app"
	"github.com/JakeFAU/proxy-session-rotator/internal/config"
	"github.com/JakeFAU/proxy-session-rotator/internal/logging"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// closeTimeout bounds graceful teardown after a command returns.
const closeTimeout = 15 * time.Second

// App is the slice of the application the commands use. An interface so
// tests can inject a stub through the newApp factory.
type App interface {
	RunBatch(ctx context.Context, targets []string) error
	RunServe(ctx context.Context) error
	Logger() *zap.Logger
	Close(ctx context.Context)
}

// newApp is the application factory. A variable so tests can replace it
// with a stub factory.
var newApp = func(ctx context.Context) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return app.Build(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotator",
		Short: "Proxy session rotation engine for high-volume crawling.",
		Long: `rotator sits between a crawler's dispatcher and the network. It owns a
pool of proxy sessions, assigns each one a browser fingerprint, rotates
sessions on blocking responses, and blacklists endpoints that keep
failing, so upstream crawl jobs see one stable dispatch interface.`,
		SilenceUsage: true,

		// Runs before the subcommand's RunE: build the services once and
		// hand them to subcommands through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		// Ensures services shut down gracefully after the subcommand.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
				defer cancel()
				appInstance.Close(ctx)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ., /etc/rotator, $HOME/.rotator)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// resolveApp pulls the built application out of the command context.
func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. Cobra prints the error; the exit code
// signals the failure to callers.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
