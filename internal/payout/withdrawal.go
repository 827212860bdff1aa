package payout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"profitdraw/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payouts executes the external transfer for an approved withdrawal. The request
// id doubles as the idempotency key, since a retry may resend the same request.
type Payouts interface {
	Send(ctx context.Context, req WithdrawalRequest, netAmount int64) error
}

// ManualPayouts treats the admin's "paid" action as the confirmation that funds
// were sent outside the system.
type ManualPayouts struct{}

func (ManualPayouts) Send(context.Context, WithdrawalRequest, int64) error { return nil }

var withdrawalTransitions = map[WithdrawalState][]WithdrawalState{
	WithdrawalPending:  {WithdrawalApproved, WithdrawalRejected},
	WithdrawalApproved: {WithdrawalPaid, WithdrawalRejected},
}

func CanTransition(from, to WithdrawalState) bool {
	for _, next := range withdrawalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func ParseWithdrawalState(s string) (WithdrawalState, error) {
	st := WithdrawalState(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case WithdrawalPending, WithdrawalApproved, WithdrawalRejected, WithdrawalPaid:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown withdrawal state %q", ErrInvalidInput, s)
	}
}

type WithdrawalProcessor struct {
	st      store.Store
	payouts Payouts
	cfg     Config
	log     *slog.Logger
	metrics Metrics
	now     func() time.Time
	newID   func() string
}

func NewWithdrawalProcessor(st store.Store, payouts Payouts, cfg Config, logger *slog.Logger, metrics Metrics) *WithdrawalProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if payouts == nil {
		payouts = ManualPayouts{}
	}
	return &WithdrawalProcessor{
		st:      st,
		payouts: payouts,
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// WithdrawalInput describes a new request. RequestID doubles as the idempotency
// key: repeating a request with the same id returns the stored one.
type WithdrawalInput struct {
	RequestID   string   `json:"request_id,omitempty"`
	InvestorID  string   `json:"investor_id"`
	Currency    Currency `json:"currency"`
	Amount      int64    `json:"amount"`
	Destination string   `json:"destination"`
}

var bpsDenominator = decimal.NewFromInt(10_000)

// WithdrawalFee is amount*bps/10000 rounded down. bps is below 10000, so the
// result always fits in int64 even when the product would not.
func WithdrawalFee(amount, bps int64) int64 {
	return decimal.NewFromInt(amount).Mul(decimal.NewFromInt(bps)).Div(bpsDenominator).Floor().IntPart()
}

// Request reserves amount from the investor's available balance and opens a
// pending request. Nothing is written when the balance does not cover it.
func (p *WithdrawalProcessor) Request(ctx context.Context, in WithdrawalInput) (WithdrawalRequest, error) {
	if err := ValidateID(in.InvestorID); err != nil {
		return WithdrawalRequest{}, err
	}
	if in.Amount <= 0 {
		return WithdrawalRequest{}, ErrInvalidAmount
	}
	destination := strings.TrimSpace(in.Destination)
	if destination == "" {
		return WithdrawalRequest{}, fmt.Errorf("%w: destination is required", ErrInvalidInput)
	}
	cur := in.Currency
	if cur == "" {
		cur = CurrencyFiat
	}
	if in.RequestID == "" {
		in.RequestID = p.newID()
	}
	if err := ValidateID(in.RequestID); err != nil {
		return WithdrawalRequest{}, err
	}

	now := p.now()
	req := WithdrawalRequest{
		ID:          in.RequestID,
		InvestorID:  in.InvestorID,
		Currency:    cur,
		Amount:      in.Amount,
		Fee:         WithdrawalFee(in.Amount, p.cfg.WithdrawalFeeBps),
		Destination: destination,
		State:       WithdrawalPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	wk := walletKey(in.InvestorID)
	rk := withdrawalKey(req.ID)
	replayed := false
	err := p.st.Batch(ctx, []store.Key{wk, rk}, func(docs map[store.Key]*store.Doc) error {
		replayed = false
		if docs[rk].Exists() {
			var prev WithdrawalRequest
			if err := docs[rk].Decode(&prev); err != nil {
				return err
			}
			if prev.InvestorID != req.InvestorID || prev.Amount != req.Amount || prev.Currency != req.Currency {
				return fmt.Errorf("%w: withdrawal %s", ErrIdempotencyConflict, req.ID)
			}
			req = prev
			replayed = true
			return nil
		}
		w, err := decodeWallet(docs[wk], in.InvestorID)
		if err != nil {
			return err
		}
		if err := w.Reserve(cur, in.Amount, now); err != nil {
			return err
		}
		if err := docs[wk].Encode(w); err != nil {
			return err
		}
		return docs[rk].Encode(req)
	})
	if err != nil {
		return WithdrawalRequest{}, storeErr("request withdrawal", err)
	}
	if replayed {
		return req, nil
	}
	p.metrics.WithdrawalTransition("", WithdrawalPending)
	p.log.Info("withdrawal requested", "request_id", req.ID, "investor_id", in.InvestorID, "amount", in.Amount, "fee", req.Fee)
	return req, nil
}

// Transition moves a request to target. Paying requires the payout collaborator to
// confirm first; on payout failure the request stays approved.
func (p *WithdrawalProcessor) Transition(ctx context.Context, requestID string, target WithdrawalState) (WithdrawalRequest, error) {
	req, err := p.Get(ctx, requestID)
	if err != nil {
		return WithdrawalRequest{}, err
	}
	if !CanTransition(req.State, target) {
		return req, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.State, target)
	}
	if target == WithdrawalPaid {
		if err := p.payouts.Send(ctx, req, req.Amount-req.Fee); err != nil {
			p.log.Warn("payout failed", "request_id", req.ID, "err", err)
			return req, fmt.Errorf("%w: %v", ErrPayoutFailed, err)
		}
	}

	from := req.State
	rk := withdrawalKey(requestID)
	wk := walletKey(req.InvestorID)
	fk := walletKey(FeePoolAccount)
	var next WithdrawalRequest
	err = p.st.Batch(ctx, []store.Key{rk, wk, fk}, func(docs map[store.Key]*store.Doc) error {
		if err := docs[rk].Decode(&next); err != nil {
			return err
		}
		if next.State != from {
			return fmt.Errorf("%w: %s changed to %s concurrently", ErrInvalidTransition, requestID, next.State)
		}
		now := p.now()
		switch target {
		case WithdrawalRejected, WithdrawalPaid:
			w, err := decodeWallet(docs[wk], next.InvestorID)
			if err != nil {
				return err
			}
			if target == WithdrawalRejected {
				err = w.Release(next.Currency, next.Amount, now)
			} else {
				err = w.Settle(next.Currency, next.Amount, now)
			}
			if err != nil {
				return err
			}
			if err := docs[wk].Encode(w); err != nil {
				return err
			}
			if target == WithdrawalPaid && next.Fee > 0 {
				pool, err := decodeWallet(docs[fk], FeePoolAccount)
				if err != nil {
					return err
				}
				pool.Credit(next.Currency, next.Fee, now)
				if err := docs[fk].Encode(pool); err != nil {
					return err
				}
			}
		}
		next.State = target
		next.UpdatedAt = now
		return docs[rk].Encode(next)
	})
	if err != nil {
		if target == WithdrawalPaid {
			p.log.Error("payout sent but state not recorded", "request_id", requestID, "err", err)
		}
		return req, storeErr("update withdrawal", err)
	}
	p.metrics.WithdrawalTransition(from, target)
	p.log.Info("withdrawal transitioned", "request_id", requestID, "from", from, "to", target)
	return next, nil
}

func (p *WithdrawalProcessor) Get(ctx context.Context, requestID string) (WithdrawalRequest, error) {
	if err := ValidateID(requestID); err != nil {
		return WithdrawalRequest{}, err
	}
	doc, err := p.st.Get(ctx, withdrawalKey(requestID))
	if err != nil {
		return WithdrawalRequest{}, storeErr("get withdrawal", err)
	}
	var req WithdrawalRequest
	if err := doc.Decode(&req); err != nil {
		return WithdrawalRequest{}, err
	}
	return req, nil
}
