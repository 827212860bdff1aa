package payout

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// ReserveAccount absorbs pro-rata rounding remainders.
	ReserveAccount = "platform:reserve"
	// FeePoolAccount accumulates withdrawal fees and funds the draw prize.
	FeePoolAccount = "platform:fee-pool"

	MaxReferralDepth = 3
	// MaxBatchSize keeps a distribution batch (period + marker + wallet per
	// investor) under store.MaxBatchKeys.
	MaxBatchSize  = 500
	SnapshotChunk = 500

	periodLayout = "2006-01"
)

const (
	colInvestors     = "investors"
	colInvestments   = "investments"
	colInvestmentRef = "investment_refs"
	colPeriods       = "periods"
	colPeriodCredits = "period_credits"
	colSnapshots     = "snapshots"
	colDraws         = "draws"
	colWallets       = "wallets"
	colCommissions   = "commissions"
	colWithdrawals   = "withdrawals"
	colPools         = "pools"
)

var (
	ErrStoreUnavailable         = errors.New("store unavailable")
	ErrAlreadyDistributed       = errors.New("period already distributed")
	ErrAlreadyDrawn             = errors.New("period already drawn")
	ErrConcurrentRunConflict    = errors.New("another runner advanced the period")
	ErrDistributionNotFinalized = errors.New("distribution for period is not closed")
	ErrNoEligibleParticipants   = errors.New("no eligible draw participants")
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrInvalidTransition        = errors.New("invalid state transition")
	ErrNotFound                 = errors.New("not found")
	ErrInvalidPeriod            = errors.New("period id must be YYYY-MM")
	ErrInvalidAmount            = errors.New("amount must be > 0")
	ErrInvalidID                = errors.New("invalid identifier")
	ErrPoolMismatch             = errors.New("period already opened with a different pool")
	ErrPayoutFailed             = errors.New("payout not confirmed")
	ErrInvalidInput             = errors.New("invalid input")
	ErrIdempotencyConflict      = errors.New("identifier already used with different terms")
	ErrVerificationFailed       = errors.New("draw does not match its snapshots")
)

type Currency string

const (
	CurrencyFiat        Currency = "fiat"
	CurrencyCreditToken Currency = "credit_token"
)

func ParseCurrency(s string) (Currency, error) {
	switch Currency(strings.ToLower(strings.TrimSpace(s))) {
	case CurrencyFiat, "":
		return CurrencyFiat, nil
	case CurrencyCreditToken:
		return CurrencyCreditToken, nil
	default:
		return "", fmt.Errorf("%w: unknown currency %q", ErrInvalidInput, s)
	}
}

type InvestmentStatus string

const (
	InvestmentPending InvestmentStatus = "pending"
	InvestmentActive  InvestmentStatus = "active"
	InvestmentClosed  InvestmentStatus = "closed"
)

type PeriodStatus string

const (
	PeriodOpen         PeriodStatus = "open"
	PeriodDistributing PeriodStatus = "distributing"
	PeriodClosed       PeriodStatus = "closed"
)

type WithdrawalState string

const (
	WithdrawalPending  WithdrawalState = "pending"
	WithdrawalApproved WithdrawalState = "approved"
	WithdrawalRejected WithdrawalState = "rejected"
	WithdrawalPaid     WithdrawalState = "paid"
)

var idRE = regexp.MustCompile(`^[A-Za-z0-9:_\-.@]{1,128}$`)

func ValidateID(id string) error {
	if !idRE.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// ParsePeriod validates a YYYY-MM period id and returns its last instant (UTC).
func ParsePeriod(periodID string) (time.Time, error) {
	start, err := time.Parse(periodLayout, strings.TrimSpace(periodID))
	if err != nil || start.Format(periodLayout) != periodID {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, periodID)
	}
	return start.AddDate(0, 1, 0).Add(-time.Nanosecond), nil
}

// PreviousPeriod is the period id of the month before t.
func PreviousPeriod(t time.Time) string {
	t = t.UTC()
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, -1, 0).Format(periodLayout)
}
