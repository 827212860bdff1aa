package payout

import (
	"context"
	"errors"
	"testing"

	"profitdraw/internal/store"

	"github.com/shopspring/decimal"
)

func commissionConfig() Config {
	cfg := testConfig()
	cfg.CommissionRates = []decimal.Decimal{
		decimal.RequireFromString("0.05"),
		decimal.RequireFromString("0.03"),
		decimal.RequireFromString("0.01"),
	}
	return cfg
}

// chain registers root <- a <- b <- c <- d, each referred by the previous one.
func chain(t *testing.T, svc *Service) {
	t.Helper()
	prev := ""
	for _, id := range []string{"root", "a", "b", "c", "d"} {
		register(t, svc, id, prev)
		prev = id
	}
}

func TestCommissionWalksThreeLevels(t *testing.T) {
	svc, _ := newTestService(t, commissionConfig(), Deps{})
	chain(t, svc)
	ctx := context.Background()

	_, credits, err := svc.RecordInvestment(ctx, RecordInvestmentInput{
		ID: "inv-d", InvestorID: "d", FundID: "growth", Principal: 1000, CreatedAt: inPeriod,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(credits) != 3 {
		t.Fatalf("credits=%d want 3", len(credits))
	}
	want := map[string]int64{"c": 50, "b": 30, "a": 10, "root": 0, "d": 0}
	for id, amount := range want {
		if got := available(t, svc, id, CurrencyFiat); got != amount {
			t.Fatalf("%s got %d want %d", id, got, amount)
		}
	}
	for i, cr := range credits {
		if cr.Level != i+1 || cr.ReferredID != "d" || cr.InvestmentID != "inv-d" {
			t.Fatalf("unexpected credit %+v", cr)
		}
	}

	again, err := svc.CreditCommission(ctx, "inv-d")
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("rerun created %d credits, want 0", len(again))
	}
	if _, _, err := svc.RecordInvestment(ctx, RecordInvestmentInput{
		ID: "inv-d", InvestorID: "d", FundID: "growth", Principal: 1000, CreatedAt: inPeriod,
	}); err != nil {
		t.Fatalf("replay record: %v", err)
	}
	if got := available(t, svc, "c", CurrencyFiat); got != 50 {
		t.Fatalf("c got %d after replay, want 50", got)
	}
}

func TestCommissionStopsAtBlockedReferrer(t *testing.T) {
	svc, _ := newTestService(t, commissionConfig(), Deps{})
	chain(t, svc)
	ctx := context.Background()
	if _, err := svc.SetInvestorBlocked(ctx, "b", true); err != nil {
		t.Fatalf("block: %v", err)
	}

	_, credits, err := svc.RecordInvestment(ctx, RecordInvestmentInput{
		ID: "inv-d", InvestorID: "d", FundID: "growth", Principal: 1000, CreatedAt: inPeriod,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(credits) != 1 || credits[0].ReferrerID != "c" {
		t.Fatalf("credits=%+v want only c", credits)
	}
	for _, id := range []string{"b", "a"} {
		if got := available(t, svc, id, CurrencyFiat); got != 0 {
			t.Fatalf("%s got %d want 0", id, got)
		}
	}
}

func TestCommissionStopsOnCycle(t *testing.T) {
	svc, mem := newTestService(t, commissionConfig(), Deps{})
	ctx := context.Background()
	for id, ref := range map[string]string{"x": "y", "y": "x"} {
		err := mem.Update(ctx, investorKey(id), func(doc *store.Doc) error {
			return doc.Encode(Investor{ID: id, ReferrerID: ref, CreatedAt: inPeriod})
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	_, credits, err := svc.RecordInvestment(ctx, RecordInvestmentInput{
		ID: "inv-x", InvestorID: "x", FundID: "growth", Principal: 100, CreatedAt: inPeriod,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(credits) != 1 || credits[0].ReferrerID != "y" {
		t.Fatalf("credits=%+v want only y", credits)
	}
	if got := available(t, svc, "x", CurrencyFiat); got != 0 {
		t.Fatalf("x credited %d through the cycle", got)
	}
}

func TestCommissionAmountFloors(t *testing.T) {
	tests := []struct {
		principal int64
		rate      string
		want      int64
	}{
		{principal: 33, rate: "0.05", want: 1},
		{principal: 19, rate: "0.05", want: 0},
		{principal: 1000, rate: "0.03", want: 30},
	}
	for _, tc := range tests {
		if got := CommissionAmount(tc.principal, decimal.RequireFromString(tc.rate)); got != tc.want {
			t.Fatalf("%d x %s: got %d want %d", tc.principal, tc.rate, got, tc.want)
		}
	}
}

func TestCommissionUsesInvestmentCurrency(t *testing.T) {
	svc, _ := newTestService(t, commissionConfig(), Deps{})
	register(t, svc, "parent", "")
	register(t, svc, "child", "parent")
	_, _, err := svc.RecordInvestment(context.Background(), RecordInvestmentInput{
		ID: "inv-c", InvestorID: "child", FundID: "growth", Principal: 200,
		Currency: CurrencyCreditToken, CreatedAt: inPeriod,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := available(t, svc, "parent", CurrencyCreditToken); got != 10 {
		t.Fatalf("parent credit tokens=%d want 10", got)
	}
	if got := available(t, svc, "parent", CurrencyFiat); got != 0 {
		t.Fatalf("parent fiat=%d want 0", got)
	}
}

func TestReusedIdentifiersConflict(t *testing.T) {
	svc, _ := newTestService(t, commissionConfig(), Deps{})
	ctx := context.Background()
	register(t, svc, "alice", "")
	register(t, svc, "bob", "")
	register(t, svc, "carol", "alice")

	if _, err := svc.RegisterInvestor(ctx, RegisterInvestorInput{ID: "carol", ReferrerID: "alice"}); err != nil {
		t.Fatalf("same registration again: %v", err)
	}
	if _, err := svc.RegisterInvestor(ctx, RegisterInvestorInput{ID: "carol", ReferrerID: "bob"}); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("new referrer: expected ErrIdempotencyConflict, got %v", err)
	}

	invest(t, svc, "inv-1", "carol", "growth", 100)
	_, _, err := svc.RecordInvestment(ctx, RecordInvestmentInput{ID: "inv-1", InvestorID: "carol", FundID: "income", Principal: 100, CreatedAt: inPeriod})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("investment id in another fund: expected ErrIdempotencyConflict, got %v", err)
	}
}
