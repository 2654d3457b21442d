package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tradetracker/portfolio-engine/internal/app"
	"github.com/tradetracker/portfolio-engine/internal/config"
	"github.com/tradetracker/portfolio-engine/internal/logger"
	"github.com/tradetracker/portfolio-engine/internal/portfolio"
)

type rootOptions struct {
	cfg      *config.Config
	closeLog func() error
}

func newRootCmd() *cobra.Command {
	ro := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "portfolioctl",
		Short:         "Inspect balances, positions and P&L of the portfolio engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			closeLog, err := logger.Init(cfg.LogLevel, cfg.LogFile)
			if err != nil {
				return err
			}
			ro.cfg, ro.closeLog = cfg, closeLog
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if ro.closeLog != nil {
				return ro.closeLog()
			}
			return nil
		},
	}

	cmd.AddCommand(
		newMigrateCmd(ro),
		newBalanceCmd(ro),
		newPositionsCmd(ro),
		newSummaryCmd(ro),
		newHistoryCmd(ro),
		newCashCmd(ro, "deposit", portfolio.Deposit),
		newCashCmd(ro, "withdraw", portfolio.Withdraw),
	)
	return cmd
}

// withApp opens the configured backends for the duration of fn.
func withApp(cmd *cobra.Command, ro *rootOptions, fn func(a *app.App) error) error {
	a, err := app.New(cmd.Context(), ro.cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireUser(cmd *cobra.Command) {
	cmd.Flags().String("user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
}

func newMigrateCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ro.cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			return withApp(cmd, ro, func(a *app.App) error {
				if err := a.Postgres.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}

func newBalanceCmd(ro *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show available cash and the market value of open holdings",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			return withApp(cmd, ro, func(a *app.App) error {
				bal, err := a.Service.GetBalance(cmd.Context(), user)
				if err != nil {
					return err
				}
				return printJSON(cmd, bal)
			})
		},
	}
	requireUser(cmd)
	return cmd
}

func newPositionsCmd(ro *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "List positions with current prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			var closed *bool
			if raw, _ := cmd.Flags().GetString("closed"); raw != "" {
				v, err := strconv.ParseBool(raw)
				if err != nil {
					return fmt.Errorf("--closed: %w", err)
				}
				closed = &v
			}
			return withApp(cmd, ro, func(a *app.App) error {
				views, err := a.Service.ListPositions(cmd.Context(), user, closed)
				if err != nil {
					return err
				}
				return printJSON(cmd, views)
			})
		},
	}
	requireUser(cmd)
	cmd.Flags().String("closed", "", "filter by state (true|false)")
	return cmd
}

func newSummaryCmd(ro *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show realized, unrealized and total P&L",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			return withApp(cmd, ro, func(a *app.App) error {
				sum, err := a.Service.Summary(cmd.Context(), user)
				if err != nil {
					return err
				}
				return printJSON(cmd, sum)
			})
		},
	}
	requireUser(cmd)
	return cmd
}

func newHistoryCmd(ro *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List balance snapshots, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			return withApp(cmd, ro, func(a *app.App) error {
				snaps, err := a.Service.BalanceHistory(cmd.Context(), user)
				if err != nil {
					return err
				}
				return printJSON(cmd, snaps)
			})
		},
	}
	requireUser(cmd)
	return cmd
}

func newCashCmd(ro *rootOptions, use string, dir portfolio.Direction) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("%s cash for a user", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			raw, _ := cmd.Flags().GetString("amount")
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			return withApp(cmd, ro, func(a *app.App) error {
				cash, err := a.Service.ModifyCash(cmd.Context(), user, amount, dir)
				if err != nil {
					return err
				}
				return printJSON(cmd, cash)
			})
		},
	}
	requireUser(cmd)
	cmd.Flags().String("amount", "", "amount in the quote asset")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
