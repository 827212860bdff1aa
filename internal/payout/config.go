package payout

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Config carries the economic parameters. TicketUnit and pools have no defaults:
// they must come from operator configuration.
type Config struct {
	TicketUnit       int64
	CreditTokenRate  decimal.Decimal
	CommissionRates  []decimal.Decimal
	BatchSize        int
	WithdrawalFeeBps int64
}

func (c Config) Validate() error {
	if c.TicketUnit <= 0 {
		return fmt.Errorf("ticket unit must be > 0")
	}
	if !c.CreditTokenRate.IsPositive() {
		return fmt.Errorf("credit token rate must be > 0")
	}
	if c.BatchSize < 0 || c.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch size must be within 1..%d", MaxBatchSize)
	}
	if c.WithdrawalFeeBps < 0 || c.WithdrawalFeeBps >= 10_000 {
		return fmt.Errorf("withdrawal fee must be within 0..9999 bps")
	}
	if len(c.CommissionRates) > MaxReferralDepth {
		return fmt.Errorf("at most %d commission levels", MaxReferralDepth)
	}
	for i, r := range c.CommissionRates {
		if !r.IsPositive() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("commission rate level %d must be within (0, 1)", i+1)
		}
		if i > 0 && !r.LessThan(c.CommissionRates[i-1]) {
			return fmt.Errorf("commission rates must decrease by level")
		}
	}
	return nil
}

func (c Config) batchSize() int {
	if c.BatchSize <= 0 {
		return MaxBatchSize
	}
	return c.BatchSize
}

// ParseRates parses a comma separated list such as "0.05,0.03,0.01".
func ParseRates(values []string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("parse rate %q: %w", v, err)
		}
		out = append(out, d)
	}
	return out, nil
}
