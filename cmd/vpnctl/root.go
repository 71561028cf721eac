package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"winston-vpn/internal/app"
	"winston-vpn/internal/config"
	"winston-vpn/internal/logger"
	"winston-vpn/internal/models"
)

var rootCmd = &cobra.Command{
	Use:           "vpnctl",
	Short:         "Administer VPN accounts and plans",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one lifecycle sweep",
	Long: `Expire subscriptions and accounts, enforce traffic limits and queue
expiry warnings, exactly as the hourly worker does.

Skips when another instance holds the sweep lock.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

var syncCmd = &cobra.Command{
	Use:   "sync <email>",
	Short: "Refresh one account's traffic usage from the panel",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

var blockCmd = &cobra.Command{
	Use:   "block <accountID>",
	Short: "Block an account and disable its panel client",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlock,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <accountID>",
	Short: "Delete an account locally and, if possible, on the panel",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Manage subscription plans",
}

var plansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active plans",
	Args:  cobra.NoArgs,
	RunE:  runPlansList,
}

var plansAddCmd = &cobra.Command{
	Use:     "add",
	Short:   "Add a plan",
	Example: `  vpnctl plans add --name "Месяц" --days 30 --gb 100`,
	Args:    cobra.NoArgs,
	RunE:    runPlansAdd,
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage bot users by Telegram id",
}

var usersBlockCmd = &cobra.Command{
	Use:   "block <telegramID>",
	Short: "Block a user and their VPN account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersBlock,
}

var usersUnblockCmd = &cobra.Command{
	Use:   "unblock <telegramID>",
	Short: "Let a blocked user use the bot again",
	Long: `Clear the user's blocked flag. Their account stays blocked until they
select a plan again.`,
	Args: cobra.ExactArgs(1),
	RunE: runUsersUnblock,
}

var usersAdminCmd = &cobra.Command{
	Use:   "admin <telegramID>",
	Short: "Grant or revoke admin rights",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersAdmin,
}

var revokeAdmin bool

var planFlags struct {
	name        string
	description string
	days        int
	gb          int64
}

func init() {
	plansAddCmd.Flags().StringVar(&planFlags.name, "name", "", "plan name")
	plansAddCmd.Flags().StringVar(&planFlags.description, "description", "", "plan description")
	plansAddCmd.Flags().IntVar(&planFlags.days, "days", 30, "duration in days")
	plansAddCmd.Flags().Int64Var(&planFlags.gb, "gb", 0, "traffic allowance in GB, 0 for unlimited")
	_ = plansAddCmd.MarkFlagRequired("name")

	usersAdminCmd.Flags().BoolVar(&revokeAdmin, "revoke", false, "revoke instead of grant")

	plansCmd.AddCommand(plansListCmd, plansAddCmd)
	usersCmd.AddCommand(usersBlockCmd, usersUnblockCmd, usersAdminCmd)
	rootCmd.AddCommand(sweepCmd, syncCmd, blockCmd, deleteCmd, plansCmd, usersCmd)
}

// withApp loads config, builds the services and closes them afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateCore(); err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := app.New(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("failed to close resources", zap.Error(err))
		}
	}()
	return fn(cmd.Context(), a)
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return uint(id), nil
}

func parseTelegramID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid telegram id %q", raw)
	}
	return id, nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		res, ran, err := a.Checker.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !ran {
			fmt.Fprintln(cmd.OutOrStdout(), "Sweep already running elsewhere, nothing done.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "expired subscriptions\t%d\n", res.ExpiredSubscriptions)
		fmt.Fprintf(w, "expired accounts\t%d\n", res.ExpiredAccounts)
		fmt.Fprintf(w, "traffic synced\t%d\n", res.TrafficSynced)
		fmt.Fprintf(w, "traffic limit exceeded\t%d\n", res.TrafficLimitExceeded)
		fmt.Fprintf(w, "upcoming expiry\t%d\n", res.UpcomingExpiry)
		fmt.Fprintf(w, "notifications\t%d\n", res.NotificationsCreated)
		fmt.Fprintf(w, "failures\t%d\n", res.Failures)
		return w.Flush()
	})
}

func runSync(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		res, err := a.Reconciler.SyncByEmail(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "account %d: used %d bytes (source %s, changed %t, limit exceeded %t)\n",
			res.AccountID, res.Used, res.Source, res.Changed, res.LimitExceeded)
		return nil
	})
}

func runBlock(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		acc, err := a.Orchestrator.BlockAccount(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "account %d is now %s\n", acc.ID, acc.Status)
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if err := a.Orchestrator.DeleteAccount(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "account %d deleted\n", id)
		return nil
	})
}

func runPlansList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		plans, err := a.Store.ListActivePlans(ctx)
		if err != nil {
			return err
		}
		if len(plans) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No active plans.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tDAYS\tTRAFFIC GB")
		for _, p := range plans {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\n", p.ID, p.Name, p.DurationDays, p.TrafficGB)
		}
		return w.Flush()
	})
}

func runPlansAdd(cmd *cobra.Command, _ []string) error {
	if planFlags.days <= 0 {
		return fmt.Errorf("--days must be positive")
	}
	if planFlags.gb < 0 {
		return fmt.Errorf("--gb must not be negative")
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		p := &models.SubscriptionPlan{
			Name:         planFlags.name,
			Description:  planFlags.description,
			DurationDays: planFlags.days,
			TrafficGB:    planFlags.gb,
			IsActive:     true,
			CreatedAt:    time.Now(),
		}
		if err := a.Store.CreatePlan(ctx, p); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "plan %d created\n", p.ID)
		return nil
	})
}

func runUsersBlock(cmd *cobra.Command, args []string) error {
	tgID, err := parseTelegramID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		acc, err := a.Orchestrator.BlockUser(ctx, tgID)
		if err != nil {
			return err
		}
		if acc == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "user %d blocked (no vpn account)\n", tgID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user %d blocked, account %d is now %s\n", tgID, acc.ID, acc.Status)
		return nil
	})
}

func runUsersUnblock(cmd *cobra.Command, args []string) error {
	tgID, err := parseTelegramID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if err := a.Orchestrator.UnblockUser(ctx, tgID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user %d unblocked\n", tgID)
		return nil
	})
}

func runUsersAdmin(cmd *cobra.Command, args []string) error {
	tgID, err := parseTelegramID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if err := a.Orchestrator.SetAdmin(ctx, tgID, !revokeAdmin); err != nil {
			return err
		}
		verb := "granted"
		if revokeAdmin {
			verb = "revoked"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "admin rights %s for user %d\n", verb, tgID)
		return nil
	})
}
