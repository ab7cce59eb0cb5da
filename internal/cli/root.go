// Package cli is the command line of the willway bot process.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"willway-bot/internal/app"
	"willway-bot/internal/config"
	"willway-bot/internal/logging"
)

var (
	logLevel string
	rootCmd  *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "willway",
		Short: "WILLWAY subscription and referral bot",
		Long: `willway runs the Telegram funnel bot together with the payment webhooks,
the creator console and the background reconciliation worker.

Without a subcommand it serves.`,
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")
}

// Execute runs the root command.
func Execute(version string) error {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(bloggerCmd)
	rootCmd.AddCommand(referralCmd)

	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// withApp loads configuration, connects the stores and runs fn. SIGINT and SIGTERM cancel ctx.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg := config.LoadConfig()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
