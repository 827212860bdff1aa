package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"profitdraw/internal/store"

	"github.com/google/uuid"
)

// Deps are the optional collaborators of a Service. Nil fields fall back to
// no-op implementations (ManualPayouts for payouts).
type Deps struct {
	Metrics   Metrics
	Publisher Publisher
	Payouts   Payouts
}

// Service wires the ledger components over one store and exposes the operations
// served by the API and the worker.
type Service struct {
	st  store.Store
	cfg Config
	log *slog.Logger
	pub Publisher
	now func() time.Time

	snaps       *Snapshotter
	distributor *Distributor
	draws       *DrawEngine
	commissions *CommissionCalculator
	withdrawals *WithdrawalProcessor
	pools       *PoolRegistry
	coord       *Coordinator
}

func NewService(st store.Store, cfg Config, logger *slog.Logger, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("payout config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	snaps := NewSnapshotter(st, cfg, logger)
	dist := NewDistributor(st, snaps, cfg, logger, deps.Metrics)
	draws := NewDrawEngine(st, snaps, logger, deps.Metrics)
	pools := NewPoolRegistry(st)
	return &Service{
		st:          st,
		cfg:         cfg,
		log:         logger,
		pub:         deps.Publisher,
		now:         func() time.Time { return time.Now().UTC() },
		snaps:       snaps,
		distributor: dist,
		draws:       draws,
		commissions: NewCommissionCalculator(st, cfg, logger, deps.Metrics),
		withdrawals: NewWithdrawalProcessor(st, deps.Payouts, cfg, logger, deps.Metrics),
		pools:       pools,
		coord:       NewCoordinator(dist, draws, pools, logger, deps.Metrics, deps.Publisher),
	}, nil
}

func (s *Service) Coordinator() *Coordinator { return s.coord }

func (s *Service) RunDistribution(ctx context.Context, fundID, periodID string, pool int64) (DistributionResult, error) {
	return s.coord.RunDistribution(ctx, fundID, periodID, pool)
}

func (s *Service) RunDraw(ctx context.Context, periodID string) (DrawResult, error) {
	return s.coord.RunDraw(ctx, periodID)
}

func (s *Service) RunPeriod(ctx context.Context, periodID string) (PeriodRun, error) {
	return s.coord.RunPeriod(ctx, periodID)
}

func (s *Service) GetDistributionStatus(ctx context.Context, fundID, periodID string) (DistributionResult, error) {
	if err := ValidateID(fundID); err != nil {
		return DistributionResult{}, err
	}
	if _, err := ParsePeriod(periodID); err != nil {
		return DistributionResult{}, err
	}
	return s.distributor.Status(ctx, fundID, periodID)
}

func (s *Service) GetDrawResult(ctx context.Context, periodID string) (DrawResult, error) {
	if _, err := ParsePeriod(periodID); err != nil {
		return DrawResult{}, err
	}
	return s.draws.Result(ctx, periodID)
}

// VerifyDrawResult recomputes the recorded draw of periodID from the frozen snapshots.
func (s *Service) VerifyDrawResult(ctx context.Context, periodID string) (DrawResult, error) {
	res, err := s.GetDrawResult(ctx, periodID)
	if err != nil {
		return DrawResult{}, err
	}
	holders, err := s.draws.RecordedHolders(ctx, res)
	if err != nil {
		return res, err
	}
	return res, VerifyDraw(res, holders)
}

// BuildSnapshot previews the eligible set of a fund period without writing anything.
func (s *Service) BuildSnapshot(ctx context.Context, fundID, periodID string) (Snapshot, error) {
	return s.snaps.BuildSnapshot(ctx, fundID, periodID)
}

func (s *Service) SetPool(ctx context.Context, fundID, periodID string, pool int64) (PoolConfig, error) {
	return s.pools.Set(ctx, fundID, periodID, pool)
}

func (s *Service) Pool(ctx context.Context, fundID, periodID string) (PoolConfig, error) {
	return s.pools.Get(ctx, fundID, periodID)
}

type RegisterInvestorInput struct {
	ID         string `json:"id"`
	ReferrerID string `json:"referrer_id"`
}

// RegisterInvestor creates an investor. Registering the same id again with the
// same referrer returns the stored record; a different referrer is rejected since
// commissions already paid depend on it.
func (s *Service) RegisterInvestor(ctx context.Context, in RegisterInvestorInput) (Investor, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.ReferrerID = strings.TrimSpace(in.ReferrerID)
	if err := ValidateID(in.ID); err != nil {
		return Investor{}, err
	}
	if in.ReferrerID != "" {
		if err := ValidateID(in.ReferrerID); err != nil {
			return Investor{}, err
		}
		if in.ReferrerID == in.ID {
			return Investor{}, fmt.Errorf("%w: investor cannot refer itself", ErrInvalidID)
		}
		if _, err := loadInvestor(ctx, s.st, in.ReferrerID); err != nil {
			return Investor{}, fmt.Errorf("referrer %s: %w", in.ReferrerID, err)
		}
	}

	var out Investor
	err := s.st.Update(ctx, investorKey(in.ID), func(doc *store.Doc) error {
		if doc.Exists() {
			if err := doc.Decode(&out); err != nil {
				return err
			}
			if out.ReferrerID != in.ReferrerID {
				return fmt.Errorf("%w: investor %s already registered with referrer %q", ErrIdempotencyConflict, in.ID, out.ReferrerID)
			}
			return nil
		}
		out = Investor{ID: in.ID, ReferrerID: in.ReferrerID, CreatedAt: s.now()}
		return doc.Encode(out)
	})
	if err != nil {
		return Investor{}, storeErr("register investor", err)
	}
	return out, nil
}

func (s *Service) SetInvestorBlocked(ctx context.Context, investorID string, blocked bool) (Investor, error) {
	if err := ValidateID(investorID); err != nil {
		return Investor{}, err
	}
	var out Investor
	err := s.st.Update(ctx, investorKey(investorID), func(doc *store.Doc) error {
		if !doc.Exists() {
			return store.ErrNotFound
		}
		if err := doc.Decode(&out); err != nil {
			return err
		}
		out.Blocked = blocked
		return doc.Encode(out)
	})
	if err != nil {
		return Investor{}, storeErr("block investor", err)
	}
	s.log.Info("investor block flag changed", "investor_id", investorID, "blocked", blocked)
	return out, nil
}

type RecordInvestmentInput struct {
	ID         string           `json:"id"`
	InvestorID string           `json:"investor_id"`
	FundID     string           `json:"fund_id"`
	Principal  int64            `json:"principal"`
	Currency   Currency         `json:"currency"`
	Status     InvestmentStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
}

// RecordInvestment stores an investment if it does not exist yet and credits the
// referral upline. Replaying the same input is safe: the investment is not
// duplicated and commissions already paid are skipped.
func (s *Service) RecordInvestment(ctx context.Context, in RecordInvestmentInput) (Investment, []CommissionCredit, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Currency == "" {
		in.Currency = CurrencyFiat
	}
	if in.Status == "" {
		in.Status = InvestmentActive
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = s.now()
	}
	for _, id := range []string{in.ID, in.InvestorID, in.FundID} {
		if err := ValidateID(id); err != nil {
			return Investment{}, nil, err
		}
	}
	if in.Principal <= 0 {
		return Investment{}, nil, ErrInvalidAmount
	}
	if _, err := ParseCurrency(string(in.Currency)); err != nil {
		return Investment{}, nil, err
	}
	switch in.Status {
	case InvestmentPending, InvestmentActive:
	default:
		return Investment{}, nil, fmt.Errorf("%w: new investment cannot be %s", ErrInvalidTransition, in.Status)
	}
	if _, err := loadInvestor(ctx, s.st, in.InvestorID); err != nil {
		return Investment{}, nil, fmt.Errorf("investor %s: %w", in.InvestorID, err)
	}

	inv := Investment{
		ID:         in.ID,
		InvestorID: in.InvestorID,
		FundID:     in.FundID,
		Principal:  in.Principal,
		Currency:   in.Currency,
		Status:     in.Status,
		CreatedAt:  in.CreatedAt.UTC(),
		UpdatedAt:  s.now(),
	}
	ik := investmentKey(in.FundID, in.ID)
	rk := investmentRefKey(in.ID)
	err := s.st.Batch(ctx, []store.Key{ik, rk}, func(docs map[store.Key]*store.Doc) error {
		if docs[rk].Exists() {
			var ref investmentRef
			if err := docs[rk].Decode(&ref); err != nil {
				return err
			}
			if ref.FundID != in.FundID {
				return fmt.Errorf("%w: investment %s already recorded in fund %s", ErrIdempotencyConflict, in.ID, ref.FundID)
			}
			return docs[ik].Decode(&inv)
		}
		if err := docs[ik].Encode(inv); err != nil {
			return err
		}
		return docs[rk].Encode(investmentRef{FundID: in.FundID})
	})
	if err != nil {
		return Investment{}, nil, storeErr("record investment", err)
	}

	credits, err := s.commissions.CreditCommission(ctx, inv.ID)
	if err != nil {
		return inv, nil, fmt.Errorf("credit commission: %w", err)
	}
	s.log.Info("investment recorded",
		"investment_id", inv.ID,
		"investor_id", inv.InvestorID,
		"fund_id", inv.FundID,
		"principal", inv.Principal,
		"commissions", len(credits),
	)
	return inv, credits, nil
}

func (s *Service) CreditCommission(ctx context.Context, investmentID string) ([]CommissionCredit, error) {
	return s.commissions.CreditCommission(ctx, investmentID)
}

// SetInvestmentStatus moves an investment forward: pending to active or closed,
// active to closed. Closed is terminal.
func (s *Service) SetInvestmentStatus(ctx context.Context, investmentID string, status InvestmentStatus) (Investment, error) {
	cur, err := loadInvestment(ctx, s.st, investmentID)
	if err != nil {
		return Investment{}, err
	}
	allowed := cur.Status == status ||
		(cur.Status == InvestmentPending && (status == InvestmentActive || status == InvestmentClosed)) ||
		(cur.Status == InvestmentActive && status == InvestmentClosed)
	if !allowed {
		return cur, fmt.Errorf("%w: investment %s -> %s", ErrInvalidTransition, cur.Status, status)
	}
	var out Investment
	err = s.st.Update(ctx, investmentKey(cur.FundID, investmentID), func(doc *store.Doc) error {
		if err := doc.Decode(&out); err != nil {
			return err
		}
		if out.Status != cur.Status {
			return fmt.Errorf("%w: investment %s changed concurrently", ErrInvalidTransition, investmentID)
		}
		out.Status = status
		out.UpdatedAt = s.now()
		return doc.Encode(out)
	})
	if err != nil {
		return cur, storeErr("set investment status", err)
	}
	return out, nil
}

func (s *Service) RequestWithdrawal(ctx context.Context, in WithdrawalInput) (WithdrawalRequest, error) {
	req, err := s.withdrawals.Request(ctx, in)
	if err != nil {
		return req, err
	}
	s.publishWithdrawal(ctx, req)
	return req, nil
}

func (s *Service) UpdateWithdrawalState(ctx context.Context, requestID string, target WithdrawalState) (WithdrawalRequest, error) {
	req, err := s.withdrawals.Transition(ctx, requestID, target)
	if err != nil {
		return req, err
	}
	s.publishWithdrawal(ctx, req)
	return req, nil
}

func (s *Service) GetWithdrawal(ctx context.Context, requestID string) (WithdrawalRequest, error) {
	return s.withdrawals.Get(ctx, requestID)
}

// ListWithdrawals returns the requests of one investor, newest first.
func (s *Service) ListWithdrawals(ctx context.Context, investorID string) ([]WithdrawalRequest, error) {
	docs, err := s.st.List(ctx, colWithdrawals, "")
	if err != nil {
		return nil, storeErr("list withdrawals", err)
	}
	out := []WithdrawalRequest{}
	for i := range docs {
		var req WithdrawalRequest
		if err := docs[i].Decode(&req); err != nil {
			return nil, err
		}
		if investorID == "" || req.InvestorID == investorID {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetWallet returns the investor's wallet; an investor never credited has an
// empty one.
func (s *Service) GetWallet(ctx context.Context, investorID string) (Wallet, error) {
	if err := ValidateID(investorID); err != nil {
		return Wallet{}, err
	}
	doc, err := s.st.Get(ctx, walletKey(investorID))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Wallet{}, storeErr("get wallet", err)
	}
	return decodeWallet(&doc, investorID)
}

func (s *Service) publishWithdrawal(ctx context.Context, req WithdrawalRequest) {
	if err := s.pub.WithdrawalChanged(ctx, req); err != nil {
		s.log.Warn("publish withdrawal failed", "request_id", req.ID, "state", req.State, "err", err)
	}
}
