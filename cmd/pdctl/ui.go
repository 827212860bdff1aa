package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	cl "profitdraw/internal/cli"
	"profitdraw/internal/payout"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"golang.org/x/term"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// promptPassword reads without echo when stdin is a terminal.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

var maxAmount = decimal.NewFromInt(1 << 62)

// parseAmount turns a display amount like "12.50" into minor units.
func parseAmount(s string, decimals int32) (int64, error) {
	d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	minor := d.Shift(decimals)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	if !minor.IsPositive() {
		return 0, errors.New("amount must be > 0")
	}
	if minor.GreaterThan(maxAmount) {
		return 0, fmt.Errorf("amount %q is too large", s)
	}
	return minor.IntPart(), nil
}

func formatAmount(v int64, decimals int32) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	text := decimal.New(v, -decimals).StringFixed(decimals)
	whole, frac, _ := strings.Cut(text, ".")
	n, _ := strconv.ParseInt(whole, 10, 64)
	if frac == "" {
		return sign + comma(n)
	}
	return sign + comma(n) + "." + frac
}

func colorizeAmount(v int64, decimals int32) string {
	text := formatAmount(v, decimals)
	switch {
	case v > 0:
		return success.Sprint(text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func comma(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		b.WriteByte(',')
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func stateColor(st payout.WithdrawalState) string {
	switch st {
	case payout.WithdrawalPaid:
		return success.Sprint(st)
	case payout.WithdrawalRejected:
		return danger.Sprint(st)
	case payout.WithdrawalApproved:
		return accent.Sprint(st)
	default:
		return warn.Sprint(st)
	}
}

func renderWallet(w payout.Wallet, decimals int32) {
	accent.Printf("\n== WALLET %s ==\n", w.InvestorID)
	if len(w.Balances) == 0 {
		printInfo("No balances yet.")
		fmt.Println()
		return
	}
	currencies := make([]string, 0, len(w.Balances))
	for c := range w.Balances {
		currencies = append(currencies, string(c))
	}
	sort.Strings(currencies)
	fmt.Printf("%-14s %16s %16s %16s %16s\n", "CURRENCY", "AVAILABLE", "RESERVED", "CREDITED", "WITHDRAWN")
	for _, c := range currencies {
		b := w.Balances[payout.Currency(c)]
		fmt.Printf("%-14s %16s %16s %16s %16s\n", c,
			formatAmount(b.Available, decimals),
			formatAmount(b.Reserved, decimals),
			formatAmount(b.TotalCredited, decimals),
			formatAmount(b.TotalWithdrawn, decimals),
		)
	}
	if !w.Consistent() {
		printWarn("Balances do not reconcile; contact operations.")
	}
	fmt.Println()
}

func renderWithdrawals(reqs []payout.WithdrawalRequest, decimals int32) {
	accent.Println("\n== WITHDRAWALS ==")
	if len(reqs) == 0 {
		printInfo("No withdrawal requests.")
		fmt.Println()
		return
	}
	fmt.Printf("%-36s %-16s %14s %10s %-10s %-16s\n", "ID", "INVESTOR", "AMOUNT", "FEE", "STATE", "CREATED")
	for _, r := range reqs {
		fmt.Printf("%-36s %-16s %14s %10s %-10s %-16s\n",
			truncate(r.ID, 36),
			truncate(r.InvestorID, 16),
			formatAmount(r.Amount, decimals),
			formatAmount(r.Fee, decimals),
			stateColor(r.State),
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	fmt.Println()
}

func renderWithdrawal(r payout.WithdrawalRequest, decimals int32) {
	fmt.Printf("Request:     %s\n", r.ID)
	fmt.Printf("Investor:    %s\n", r.InvestorID)
	fmt.Printf("Amount:      %s %s (fee %s)\n", formatAmount(r.Amount, decimals), r.Currency, formatAmount(r.Fee, decimals))
	fmt.Printf("Destination: %s\n", r.Destination)
	fmt.Printf("State:       %s\n", stateColor(r.State))
}

func renderDistribution(res payout.DistributionResult, decimals int32) {
	accent.Printf("\n== %s / %s ==\n", res.FundID, res.PeriodID)
	fmt.Printf("Status:    %s\n", res.Status)
	fmt.Printf("Pool:      %s\n", formatAmount(res.Pool, decimals))
	fmt.Printf("Credited:  %s to %d of %d investors\n", formatAmount(res.CreditedAmount, decimals), res.CreditedCount, res.EligibleCount)
	fmt.Printf("Reserve:   %s\n", formatAmount(res.ReserveAmount, decimals))
	fmt.Println()
}

func renderDraw(res payout.DrawResult, decimals int32) {
	accent.Printf("\n== DRAW %s ==\n", res.PeriodID)
	fmt.Printf("Winner:    %s\n", success.Sprint(res.WinnerID))
	fmt.Printf("Ticket:    %d of %d\n", res.TicketIndex, res.TotalTickets)
	fmt.Printf("Prize:     %s\n", colorizeAmount(res.PrizeAmount, decimals))
	if n := res.Prizes[payout.CurrencyCreditToken]; n > 0 {
		fmt.Printf("Tokens:    %s\n", colorizeAmount(n, decimals))
	}
	fmt.Printf("Seed:      %s\n", res.Seed)
	funds := make([]string, 0, len(res.SnapshotDigests))
	for f := range res.SnapshotDigests {
		funds = append(funds, f)
	}
	sort.Strings(funds)
	for _, f := range funds {
		fmt.Printf("Snapshot:  %-16s %s\n", f, res.SnapshotDigests[f])
	}
	fmt.Printf("Drawn at:  %s\n", res.DrawnAt.Local().Format(time.RFC3339))
	fmt.Println()
}

func renderSnapshot(s payout.Snapshot, decimals int32) {
	accent.Printf("\n== SNAPSHOT %s / %s ==\n", s.FundID, s.PeriodID)
	fmt.Printf("Cutoff: %s  Digest: %s\n", s.Cutoff.Format(time.RFC3339), s.Digest)
	fmt.Printf("%-36s %16s %10s\n", "INVESTOR", "WEIGHT", "TICKETS")
	for _, e := range s.Entries {
		fmt.Printf("%-36s %16s %10d\n", truncate(e.InvestorID, 36), formatAmount(e.Weight, decimals), e.TicketCount)
	}
	fmt.Printf("%-36s %16s %10d\n", "TOTAL", formatAmount(s.TotalWeight, decimals), s.TotalTickets)
	fmt.Println()
}

func renderPeriodRun(out cl.PeriodRunResponse, decimals int32) {
	accent.Printf("\n== PERIOD %s ==\n", out.Run.PeriodID)
	if len(out.Run.Funds) == 0 {
		printInfo("No pools configured for this period.")
	}
	for _, f := range out.Run.Funds {
		switch {
		case f.Error != "":
			fmt.Printf("%-16s %s\n", f.FundID, danger.Sprint(f.Error))
		case f.Skipped:
			fmt.Printf("%-16s %s\n", f.FundID, neutral.Sprint("already closed"))
		default:
			fmt.Printf("%-16s %s credited to %d investors\n", f.FundID, formatAmount(f.Result.CreditedAmount, decimals), f.Result.CreditedCount)
		}
	}
	fmt.Println()
	if out.Run.Draw != nil {
		renderDraw(*out.Run.Draw, decimals)
	} else if out.Run.DrawError != "" {
		printWarn("Draw: " + out.Run.DrawError)
	}
}
