package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"willway-bot/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot, webhooks, outbox and checker",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		return a.Serve(ctx)
	})
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the tables of both stores",
	Long: `Connecting migrates the main store and creates the creator tables,
so this command only connects and reports.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(_ context.Context, a *app.App) error {
			fmt.Fprintln(cmd.OutOrStdout(), "Both stores are migrated")
			return nil
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one expiry and reminder pass and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			r, err := a.Checker().RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expiry reminders: %d\nexpired: %d\npayment reminders: %d\nfailed: %d\n",
				r.ExpiryReminders, r.Expired, r.PaymentReminders, r.Failed)
			return nil
		})
	},
}
