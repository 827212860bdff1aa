package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	cl "profitdraw/internal/cli"
	"profitdraw/internal/config"
	"profitdraw/internal/payout"
	"profitdraw/internal/syncq"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type options struct {
	apiBase    string
	adminToken string
	decimals   int32
}

func main() {
	cfg := config.LoadCLIFromEnv()
	opts := &options{apiBase: cfg.APIBaseURL, adminToken: cfg.AdminToken}

	root := &cobra.Command{
		Use:          "pdctl",
		Short:        "Profit distribution and draw control",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.apiBase, "api", opts.apiBase, "API base URL")
	root.PersistentFlags().Int32Var(&opts.decimals, "decimals", 2, "decimal places of one currency unit")

	root.AddCommand(
		newSignupCmd(opts),
		newLoginCmd(opts),
		newLogoutCmd(),
		newWalletCmd(opts),
		newWithdrawCmd(opts),
		newWithdrawalsCmd(opts),
		newStatusCmd(opts),
		newDrawCmd(opts),
		newSyncCmd(opts),
		newAdminCmd(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (o *options) client() *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(o.apiBase), "/"), o.adminToken)
}

// requireSession loads the cached login, renewing it once when the access token
// has expired and a refresh token is on file.
func requireSession(ctx context.Context, o *options) (cl.Session, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return cl.Session{}, fmt.Errorf("login required: %w", err)
	}
	now := time.Now()
	if !sess.Expired(now) {
		return sess, nil
	}
	if sess.RefreshToken == "" {
		return cl.Session{}, errors.New("session expired (run `pdctl login`)")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	renewed, err := o.client().Refresh(ctx, sess.RefreshToken)
	if err != nil {
		return cl.Session{}, fmt.Errorf("session expired and refresh failed (run `pdctl login`): %w", err)
	}
	next := cl.SessionFrom(renewed, now)
	if next.InvestorID == "" {
		next.InvestorID = sess.InvestorID
		next.Email = sess.Email
	}
	if err := cl.SaveSession(next); err != nil {
		return cl.Session{}, err
	}
	return next, nil
}

func newSignupCmd(o *options) *cobra.Command {
	var referrer string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an investor account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			if referrer == "" {
				if referrer, err = promptOptional("Referrer id (optional)"); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			session, err := o.client().Signup(ctx, email, password, referrer)
			if err != nil {
				return err
			}
			if strings.TrimSpace(session.AccessToken) == "" {
				printWarn("Signup created. Verify email, then run `pdctl login`.")
				return nil
			}
			if err := cl.SaveSession(cl.SessionFrom(session, time.Now())); err != nil {
				return err
			}
			printSuccess("Signup complete. Investor id: " + session.User.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&referrer, "referrer", "", "investor id of the referrer")
	return cmd
}

func newLoginCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Login as an investor",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			session, err := o.client().Login(ctx, email, password)
			if err != nil {
				return err
			}
			if err := cl.SaveSession(cl.SessionFrom(session, time.Now())); err != nil {
				return err
			}
			printSuccess("Login successful.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear local session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newWalletCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "wallet",
		Short: "Show your balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession(cmd.Context(), o)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			w, err := o.client().Wallet(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderWallet(w, o.decimals)
			return nil
		},
	}
}

func newWithdrawCmd(o *options) *cobra.Command {
	var (
		currency    string
		destination string
		key         string
	)
	cmd := &cobra.Command{
		Use:   "withdraw AMOUNT",
		Short: "Request a withdrawal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession(cmd.Context(), o)
			if err != nil {
				return err
			}
			amount, err := parseAmount(args[0], o.decimals)
			if err != nil {
				return err
			}
			cur, err := payout.ParseCurrency(currency)
			if err != nil {
				return err
			}
			if destination == "" {
				if destination, err = promptRequired("Destination"); err != nil {
					return err
				}
			}
			if key == "" {
				key = uuid.NewString()
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			req, err := o.client().RequestWithdrawal(ctx, sess.AccessToken, key, cur, amount, destination)
			if cl.Offline(err) {
				return queueWrite(err, http.MethodPost, "/v1/withdrawals", map[string]any{
					"currency":    cur,
					"amount":      amount,
					"destination": destination,
				}, key, false)
			}
			if err != nil {
				return err
			}
			printSuccess("Withdrawal requested.")
			renderWithdrawal(req, o.decimals)
			return nil
		},
	}
	cmd.Flags().StringVar(&currency, "currency", string(payout.CurrencyFiat), "fiat or credit_token")
	cmd.Flags().StringVar(&destination, "to", "", "payout destination")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (default: random)")
	return cmd
}

func newWithdrawalsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "withdrawals",
		Short: "List your withdrawal requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession(cmd.Context(), o)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			reqs, err := o.client().MyWithdrawals(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderWithdrawals(reqs, o.decimals)
			return nil
		},
	}
}

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status FUND PERIOD",
		Short: "Show the distribution status of a fund period",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession(cmd.Context(), o)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res, err := o.client().DistributionStatus(ctx, sess.AccessToken, args[0], args[1])
			if err != nil {
				return err
			}
			renderDistribution(res, o.decimals)
			return nil
		},
	}
}

func newDrawCmd(o *options) *cobra.Command {
	draw := &cobra.Command{
		Use:   "draw",
		Short: "Lottery draw commands",
	}

	var verify bool
	show := &cobra.Command{
		Use:   "show PERIOD",
		Short: "Show the draw result of a period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := o.client()
			if !verify {
				res, err := client.DrawResult(ctx, args[0])
				if err != nil {
					return err
				}
				renderDraw(res, o.decimals)
				return nil
			}
			out, err := client.VerifyDraw(ctx, args[0])
			if err != nil {
				return err
			}
			renderDraw(out.Result, o.decimals)
			if !out.Verified {
				printError("Verification FAILED: " + out.Error)
				return errors.New("draw did not verify")
			}
			printSuccess("Draw verified against the frozen snapshots.")
			return nil
		},
	}
	show.Flags().BoolVar(&verify, "verify", false, "recompute the winner from the snapshots")

	run := &cobra.Command{
		Use:   "run PERIOD",
		Short: "Run the draw for a period (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			out, err := o.client().Draw(ctx, args[0])
			if err != nil {
				return err
			}
			if out.AlreadyDrawn {
				printInfo("Period was already drawn.")
			}
			renderDraw(out.Result, o.decimals)
			return nil
		},
	}

	draw.AddCommand(show, run)
	return draw
}

func newSyncCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay writes queued while the API was unreachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := syncq.Default()
			if err != nil {
				return err
			}
			pending, err := queue.Load()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			var token string
			if sess, err := cl.LoadSession(); err == nil {
				token = sess.AccessToken
			}
			client := o.client()
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			replayed, failed, err := queue.Replay(ctx, func(ctx context.Context, c syncq.Command) error {
				if err := client.Replay(ctx, c, token); err != nil {
					return fmt.Errorf("%s %s: %w", c.Method, c.Path, err)
				}
				return nil
			})
			for _, f := range failed {
				printError("Sync failed for " + f.Error())
			}
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Sync complete: replayed=%d remaining=%d", replayed, len(pending)-replayed))
			return nil
		},
	}
}

func queueWrite(cause error, method, path string, body any, key string, admin bool) error {
	queue, err := syncq.Default()
	if err != nil {
		return errors.Join(cause, err)
	}
	c, err := cl.Queued(method, path, body, key, admin)
	if err != nil {
		return errors.Join(cause, err)
	}
	if err := queue.Push(c); err != nil {
		return errors.Join(cause, err)
	}
	printWarn(fmt.Sprintf("API unreachable (%v). Queued with key %s; run `pdctl sync` later.", cause, key))
	return nil
}
