package cli

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"willway-bot/internal/app"
	"willway-bot/internal/creator"
	"willway-bot/internal/dispatch"
	"willway-bot/internal/models"
	"willway-bot/internal/referral"
)

var (
	clearSubscription bool

	bloggerName       string
	bloggerEmail      string
	bloggerTelegramID int64
	bloggerActive     bool

	codeActive bool
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Operate on bot users",
}

var userResetCmd = &cobra.Command{
	Use:   "reset <messenger-id>",
	Short: "Return a user to the idle dialog state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := models.ParseMessengerID(args[0])
		if err != nil {
			return fmt.Errorf("invalid messenger id: %w", err)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if _, err := a.Dispatcher.Dispatch(ctx, dispatch.AdminReset{User: id, ClearSubscription: clearSubscription}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s reset\n", id)
			return nil
		})
	},
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <messenger-id>",
	Short: "Delete a user with their referrals, payments and history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := models.ParseMessengerID(args[0])
		if err != nil {
			return fmt.Errorf("invalid messenger id: %w", err)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if _, err := a.Dispatcher.Dispatch(ctx, dispatch.AdminDelete{User: id}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s deleted\n", id)
			return nil
		})
	},
}

var bloggerCmd = &cobra.Command{
	Use:   "blogger",
	Short: "Manage creator accounts",
}

var bloggerCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a blogger and print their access key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if bloggerName == "" {
			return fmt.Errorf("--name is required")
		}
		in := creator.NewBlogger{Name: bloggerName, Email: bloggerEmail}
		if bloggerTelegramID != 0 {
			in.TelegramID = &bloggerTelegramID
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			b, err := a.Creators.CreateBlogger(ctx, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Blogger %d created\nAccess key: %s\nLink: https://t.me/%s?start=ref_%s\n",
				b.ID, b.AccessKey, a.Settings.Current().BotUsername, b.AccessKey)
			return nil
		})
	},
}

var bloggerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bloggers with their cached totals",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			list, err := a.Creators.ListBloggers(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tACTIVE\tCLICKS\tCONVERSIONS\tEARNED")
			for _, b := range list {
				fmt.Fprintf(w, "%d\t%s\t%t\t%d\t%d\t%d\n", b.ID, b.Name, b.IsActive, b.TotalClicks, b.TotalConversions, b.TotalEarned)
			}
			return w.Flush()
		})
	},
}

var bloggerToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Enable or disable a blogger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid blogger id: %w", err)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Creators.SetActive(ctx, id, bloggerActive); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Blogger %d active: %t\n", id, bloggerActive)
			return nil
		})
	},
}

var bloggerRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Recompute cached blogger totals from the referral rows",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Creators.RepairCounters(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Repaired %d bloggers\n", n)
			return nil
		})
	},
}

var referralCmd = &cobra.Command{
	Use:   "referral",
	Short: "Manage peer referral codes",
}

var referralToggleCmd = &cobra.Command{
	Use:   "toggle <code>",
	Short: "Enable or disable a referral code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code := referral.NormalizeCode(args[0])
		if !referral.LooksLikeCode(code) {
			return fmt.Errorf("invalid referral code %q", args[0])
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			codes := referral.Codes{DB: a.DB, Ledger: a.Referrals}
			if err := codes.SetCodeActive(ctx, code, codeActive); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Code %s active: %t\n", code, codeActive)
			return nil
		})
	},
}

func init() {
	userResetCmd.Flags().BoolVar(&clearSubscription, "clear-subscription", false, "also wipe the subscription")
	userCmd.AddCommand(userResetCmd, userDeleteCmd)

	bloggerCreateCmd.Flags().StringVar(&bloggerName, "name", "", "display name")
	bloggerCreateCmd.Flags().StringVar(&bloggerEmail, "email", "", "contact email")
	bloggerCreateCmd.Flags().Int64Var(&bloggerTelegramID, "telegram-id", 0, "Telegram id of the blogger")
	bloggerToggleCmd.Flags().BoolVar(&bloggerActive, "active", true, "new state")
	bloggerCmd.AddCommand(bloggerCreateCmd, bloggerListCmd, bloggerToggleCmd, bloggerRepairCmd)

	referralToggleCmd.Flags().BoolVar(&codeActive, "active", true, "new state")
	referralCmd.AddCommand(referralToggleCmd)
}
