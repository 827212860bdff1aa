package payout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"profitdraw/internal/store"

	"github.com/shopspring/decimal"
)

// CommissionCalculator credits the referral upline of a new investment.
type CommissionCalculator struct {
	st      store.Store
	cfg     Config
	log     *slog.Logger
	metrics Metrics
	now     func() time.Time
}

func NewCommissionCalculator(st store.Store, cfg Config, logger *slog.Logger, metrics Metrics) *CommissionCalculator {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &CommissionCalculator{
		st:      st,
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreditCommission returns the credits written by this call; levels credited
// earlier are skipped, so calling it again for the same investment is a no-op.
func (c *CommissionCalculator) CreditCommission(ctx context.Context, investmentID string) ([]CommissionCredit, error) {
	if err := ValidateID(investmentID); err != nil {
		return nil, err
	}
	if len(c.cfg.CommissionRates) == 0 {
		return nil, nil
	}
	inv, err := loadInvestment(ctx, c.st, investmentID)
	if err != nil {
		return nil, err
	}
	if inv.Status == InvestmentClosed || inv.Principal <= 0 {
		return nil, nil
	}

	chain, err := c.ReferralChain(ctx, inv.InvestorID, len(c.cfg.CommissionRates))
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, nil
	}

	keys := make([]store.Key, 0, 2*len(chain))
	for i, referrer := range chain {
		keys = append(keys, commissionKey(investmentID, i+1), walletKey(referrer))
	}
	var created []CommissionCredit
	err = c.st.Batch(ctx, keys, func(docs map[store.Key]*store.Doc) error {
		created = created[:0]
		now := c.now()
		for i, referrer := range chain {
			level := i + 1
			cdoc := docs[commissionKey(investmentID, level)]
			if cdoc.Exists() {
				continue
			}
			amount := CommissionAmount(inv.Principal, c.cfg.CommissionRates[i])
			if amount <= 0 {
				continue
			}
			credit := CommissionCredit{
				ReferrerID:   referrer,
				ReferredID:   inv.InvestorID,
				Level:        level,
				Amount:       amount,
				Currency:     inv.Currency,
				InvestmentID: investmentID,
				CreatedAt:    now,
			}
			wdoc := docs[walletKey(referrer)]
			w, err := decodeWallet(wdoc, referrer)
			if err != nil {
				return err
			}
			w.Credit(inv.Currency, amount, now)
			if err := wdoc.Encode(w); err != nil {
				return err
			}
			if err := cdoc.Encode(credit); err != nil {
				return err
			}
			created = append(created, credit)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("credit commission", err)
	}
	for _, cr := range created {
		c.metrics.CommissionCredited(cr.Level, cr.Amount)
		c.log.Info("commission credited",
			"investment_id", investmentID,
			"referrer_id", cr.ReferrerID,
			"level", cr.Level,
			"amount", cr.Amount,
		)
	}
	return created, nil
}

// ReferralChain walks referrers upward from investorID, at most depth levels. The
// walk stops at a missing or blocked referrer, or when the chain loops back.
func (c *CommissionCalculator) ReferralChain(ctx context.Context, investorID string, depth int) ([]string, error) {
	visited := map[string]bool{investorID: true}
	var chain []string
	cur := investorID
	for len(chain) < depth {
		node, err := loadInvestor(ctx, c.st, cur)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		ref := node.ReferrerID
		if ref == "" {
			break
		}
		if visited[ref] {
			c.log.Warn("referral cycle detected", "investor_id", investorID, "at", cur, "referrer_id", ref)
			break
		}
		parent, err := loadInvestor(ctx, c.st, ref)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if parent.Blocked {
			break
		}
		visited[ref] = true
		chain = append(chain, ref)
		cur = ref
	}
	return chain, nil
}

// CommissionAmount is floor(principal * rate).
func CommissionAmount(principal int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(principal).Mul(rate).Floor().IntPart()
}

func loadInvestor(ctx context.Context, st store.Store, id string) (Investor, error) {
	doc, err := st.Get(ctx, investorKey(id))
	if err != nil {
		return Investor{}, storeErr("get investor", err)
	}
	var inv Investor
	if err := doc.Decode(&inv); err != nil {
		return Investor{}, err
	}
	return inv, nil
}

func loadInvestment(ctx context.Context, st store.Store, id string) (Investment, error) {
	doc, err := st.Get(ctx, investmentRefKey(id))
	if err != nil {
		return Investment{}, storeErr("get investment ref", err)
	}
	var ref investmentRef
	if err := doc.Decode(&ref); err != nil {
		return Investment{}, err
	}
	doc, err = st.Get(ctx, investmentKey(ref.FundID, id))
	if err != nil {
		return Investment{}, storeErr("get investment", err)
	}
	var inv Investment
	if err := doc.Decode(&inv); err != nil {
		return Investment{}, err
	}
	return inv, nil
}
