package payout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"profitdraw/internal/store"

	"github.com/shopspring/decimal"
)

const testPeriod = "2024-01"

var inPeriod = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		TicketUnit:      10,
		CreditTokenRate: decimal.NewFromInt(1),
		BatchSize:       2,
	}
}

type recordingMetrics struct {
	nopMetrics
	mu      sync.Mutex
	retries int
	runs    map[string]int
}

func (m *recordingMetrics) RetryAttempt(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *recordingMetrics) RunFinished(op string, err error, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs == nil {
		m.runs = map[string]int{}
	}
	if err == nil {
		m.runs[op]++
	}
}

type recordingPublisher struct {
	mu          sync.Mutex
	closed      []DistributionResult
	draws       []DrawResult
	withdrawals []WithdrawalRequest
}

func (p *recordingPublisher) DistributionClosed(_ context.Context, res DistributionResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, res)
	return nil
}

func (p *recordingPublisher) DrawCompleted(_ context.Context, res DrawResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.draws = append(p.draws, res)
	return nil
}

func (p *recordingPublisher) WithdrawalChanged(_ context.Context, req WithdrawalRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.withdrawals = append(p.withdrawals, req)
	return nil
}

func newTestService(t *testing.T, cfg Config, deps Deps) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	svc, err := NewService(mem, cfg, slog.New(slog.DiscardHandler), deps)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.Coordinator().SetRetryPolicy(RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond})
	return svc, mem
}

func register(t *testing.T, svc *Service, id, referrer string) {
	t.Helper()
	if _, err := svc.RegisterInvestor(context.Background(), RegisterInvestorInput{ID: id, ReferrerID: referrer}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

// invest registers the investor when needed and records an active fiat investment
// inside the test period.
func invest(t *testing.T, svc *Service, id, investorID, fundID string, principal int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := loadInvestor(ctx, svc.st, investorID); errors.Is(err, ErrNotFound) {
		register(t, svc, investorID, "")
	}
	_, _, err := svc.RecordInvestment(ctx, RecordInvestmentInput{
		ID:         id,
		InvestorID: investorID,
		FundID:     fundID,
		Principal:  principal,
		CreatedAt:  inPeriod,
	})
	if err != nil {
		t.Fatalf("record investment %s: %v", id, err)
	}
}

func available(t *testing.T, svc *Service, investorID string, cur Currency) int64 {
	t.Helper()
	w, err := svc.GetWallet(context.Background(), investorID)
	if err != nil {
		t.Fatalf("wallet %s: %v", investorID, err)
	}
	if !w.Consistent() {
		t.Fatalf("wallet %s inconsistent: %+v", investorID, w.Balances)
	}
	return w.Balances[cur].Available
}

// fund credits a wallet directly, standing in for an earlier distribution.
func fund(t *testing.T, st store.Store, investorID string, cur Currency, amount int64) {
	t.Helper()
	err := st.Update(context.Background(), walletKey(investorID), func(doc *store.Doc) error {
		w, err := decodeWallet(doc, investorID)
		if err != nil {
			return err
		}
		w.Credit(cur, amount, inPeriod)
		return doc.Encode(w)
	})
	if err != nil {
		t.Fatalf("fund %s: %v", investorID, err)
	}
}

func touches(keys []store.Key, collection string) bool {
	for _, k := range keys {
		if k.Collection == collection {
			return true
		}
	}
	return false
}
