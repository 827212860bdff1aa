package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	cl "profitdraw/internal/cli"
	"profitdraw/internal/payout"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newAdminCmd(o *options) *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Operator commands (needs PROFITDRAW_ADMIN_TOKEN)",
	}
	admin.AddCommand(
		newDistributeCmd(o),
		newRunPeriodCmd(o),
		newPoolCmd(o),
		newSnapshotCmd(o),
		newInvestorCmd(o),
		newInvestCmd(o),
		newInvestmentStatusCmd(o),
		newAdminWithdrawalCmd(o),
		newAdminWalletCmd(o),
	)
	return admin
}

func newDistributeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "distribute FUND PERIOD POOL",
		Short: "Distribute a profit pool to a fund's investors",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := parseAmount(args[2], o.decimals)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			out, err := o.client().Distribute(ctx, args[0], args[1], pool)
			if err != nil {
				return err
			}
			if out.AlreadyDistributed {
				printInfo("Period was already distributed.")
			}
			renderDistribution(out.Result, o.decimals)
			return nil
		},
	}
}

func newRunPeriodCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run PERIOD",
		Short: "Distribute every configured fund for a period, then draw",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			out, err := o.client().RunPeriod(ctx, args[0])
			if out.Run.PeriodID != "" {
				renderPeriodRun(out, o.decimals)
			}
			return err
		},
	}
}

func newPoolCmd(o *options) *cobra.Command {
	pool := &cobra.Command{
		Use:   "pool",
		Short: "Configure the profit pool of a fund period",
	}
	pool.AddCommand(
		&cobra.Command{
			Use:   "set FUND PERIOD AMOUNT",
			Short: "Set the pool the scheduler will distribute",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				amount, err := parseAmount(args[2], o.decimals)
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
				defer cancel()
				cfg, err := o.client().SetPool(ctx, args[0], args[1], amount)
				if err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Pool for %s/%s set to %s.", cfg.FundID, cfg.PeriodID, formatAmount(cfg.Pool, o.decimals)))
				return nil
			},
		},
		&cobra.Command{
			Use:   "get FUND PERIOD",
			Short: "Show the configured pool",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
				defer cancel()
				cfg, err := o.client().Pool(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("%s/%s pool %s (set %s)\n", cfg.FundID, cfg.PeriodID, formatAmount(cfg.Pool, o.decimals), cfg.SetAt.Local().Format(time.RFC3339))
				return nil
			},
		},
	)
	return pool
}

func newSnapshotCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot FUND PERIOD",
		Short: "Preview the eligibility snapshot of a fund period",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			snap, err := o.client().Snapshot(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			renderSnapshot(snap, o.decimals)
			return nil
		},
	}
}

func newInvestorCmd(o *options) *cobra.Command {
	investor := &cobra.Command{
		Use:   "investor",
		Short: "Manage investors",
	}

	var referrer string
	add := &cobra.Command{
		Use:   "add ID",
		Short: "Register an investor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			inv, err := o.client().RegisterInvestor(ctx, args[0], referrer)
			if err != nil {
				return err
			}
			printSuccess("Investor " + inv.ID + " registered.")
			return nil
		},
	}
	add.Flags().StringVar(&referrer, "referrer", "", "investor id of the referrer")

	var unblock bool
	block := &cobra.Command{
		Use:   "block ID",
		Short: "Exclude an investor from commissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			inv, err := o.client().BlockInvestor(ctx, args[0], !unblock)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Investor %s blocked=%t.", inv.ID, inv.Blocked))
			return nil
		},
	}
	block.Flags().BoolVar(&unblock, "unblock", false, "lift the block instead")

	investor.AddCommand(add, block)
	return investor
}

func newInvestCmd(o *options) *cobra.Command {
	var (
		id       string
		currency string
		status   string
		at       string
	)
	cmd := &cobra.Command{
		Use:   "invest INVESTOR FUND PRINCIPAL",
		Short: "Record an investment and credit referral commissions",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			principal, err := parseAmount(args[2], o.decimals)
			if err != nil {
				return err
			}
			cur, err := payout.ParseCurrency(currency)
			if err != nil {
				return err
			}
			in := payout.RecordInvestmentInput{
				ID:         id,
				InvestorID: args[0],
				FundID:     args[1],
				Principal:  principal,
				Currency:   cur,
				Status:     payout.InvestmentStatus(status),
			}
			if at != "" {
				if in.CreatedAt, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}
			if in.ID == "" {
				in.ID = uuid.NewString()
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := o.client().RecordInvestment(ctx, in.ID, in)
			if cl.Offline(err) {
				return queueWrite(err, http.MethodPost, "/v1/admin/investments", in, in.ID, true)
			}
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Investment %s recorded: %s in %s.", out.Investment.ID, formatAmount(out.Investment.Principal, o.decimals), out.Investment.FundID))
			for _, c := range out.Commissions {
				fmt.Printf("  L%d commission %s -> %s\n", c.Level, formatAmount(c.Amount, o.decimals), c.ReferrerID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "investment id (default: random)")
	cmd.Flags().StringVar(&currency, "currency", string(payout.CurrencyFiat), "fiat or credit_token")
	cmd.Flags().StringVar(&status, "status", string(payout.InvestmentActive), "pending or active")
	cmd.Flags().StringVar(&at, "at", "", "creation time, RFC 3339 (default: now)")
	return cmd
}

func newInvestmentStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "investment-status ID STATUS",
		Short: "Move an investment to active or closed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			inv, err := o.client().SetInvestmentStatus(ctx, args[0], payout.InvestmentStatus(args[1]))
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Investment %s is now %s.", inv.ID, inv.Status))
			return nil
		},
	}
}

func newAdminWithdrawalCmd(o *options) *cobra.Command {
	withdrawal := &cobra.Command{
		Use:   "withdrawal",
		Short: "Review withdrawal requests",
	}

	var investor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List withdrawal requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			reqs, err := o.client().Withdrawals(ctx, investor)
			if err != nil {
				return err
			}
			renderWithdrawals(reqs, o.decimals)
			return nil
		},
	}
	list.Flags().StringVar(&investor, "investor", "", "only this investor")

	state := &cobra.Command{
		Use:   "state ID STATE",
		Short: "Approve, reject or pay a withdrawal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := payout.ParseWithdrawalState(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			req, err := o.client().SetWithdrawalState(ctx, args[0], target)
			if cl.IsStatus(err, http.StatusBadGateway) {
				printWarn("Payout provider did not confirm; request stays approved. Retry later.")
			}
			if err != nil {
				return err
			}
			renderWithdrawal(req, o.decimals)
			return nil
		},
	}

	withdrawal.AddCommand(list, state)
	return withdrawal
}

func newAdminWalletCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "wallet INVESTOR",
		Short: "Show an investor's balances (platform:reserve and platform:fee-pool included)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			w, err := o.client().InvestorWallet(ctx, args[0])
			if err != nil {
				return err
			}
			renderWallet(w, o.decimals)
			return nil
		},
	}
}
