package config

import (
	"strings"
	"testing"
)

func setPayoutEnv(t *testing.T) {
	t.Setenv("PROFITDRAW_TICKET_UNIT", "100")
	t.Setenv("PROFITDRAW_COMMISSION_RATES", "0.05, 0.03,0.01")
	t.Setenv("PROFITDRAW_WITHDRAWAL_FEE_BPS", "150")
}

func TestLoadWorkerFromEnv(t *testing.T) {
	setPayoutEnv(t)
	t.Setenv("PROFITDRAW_STORE", "memory")
	t.Setenv("PROFITDRAW_WORKER_RUN_ONCE", "true")
	t.Setenv("PROFITDRAW_WORKER_PERIOD", "2024-03")

	cfg, err := LoadWorkerFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.RunOnce || cfg.Period != "2024-03" || cfg.Store.Backend != StoreMemory {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Payout.TicketUnit != 100 || len(cfg.Payout.CommissionRates) != 3 || cfg.Payout.WithdrawalFeeBps != 150 {
		t.Fatalf("unexpected payout config %+v", cfg.Payout)
	}
	if cfg.Schedule == "" || cfg.Parallelism != 4 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadRequiresTicketUnit(t *testing.T) {
	t.Setenv("PROFITDRAW_STORE", "memory")
	t.Setenv("PROFITDRAW_TICKET_UNIT", "")
	_, err := LoadWorkerFromEnv()
	if err == nil || !strings.Contains(err.Error(), "PROFITDRAW_TICKET_UNIT") {
		t.Fatalf("expected ticket unit error, got %v", err)
	}
}

func TestLoadStoreValidation(t *testing.T) {
	setPayoutEnv(t)
	tests := []struct {
		backend, dsn, redis string
		ok                  bool
	}{
		{backend: "memory", ok: true},
		{backend: "postgres", dsn: "postgres://localhost/pd", ok: true},
		{backend: "postgres"},
		{backend: "redis", redis: "localhost:6379", ok: true},
		{backend: "redis"},
		{backend: "sqlite"},
	}
	for _, tc := range tests {
		t.Setenv("PROFITDRAW_STORE", tc.backend)
		t.Setenv("DATABASE_URL", tc.dsn)
		t.Setenv("PROFITDRAW_REDIS_ADDR", tc.redis)
		_, err := LoadWorkerFromEnv()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.backend, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.backend)
		}
	}
}

func TestLoadAPIRequiresAdminToken(t *testing.T) {
	setPayoutEnv(t)
	t.Setenv("PROFITDRAW_STORE", "memory")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co/")
	t.Setenv("SUPABASE_ANON_KEY", "anon")
	t.Setenv("PROFITDRAW_ADMIN_TOKEN", "short")
	if _, err := LoadAPIFromEnv(); err == nil {
		t.Fatalf("expected short admin token to fail")
	}

	t.Setenv("PROFITDRAW_ADMIN_TOKEN", "0123456789abcdef")
	t.Setenv("PORT", "9000")
	cfg, err := LoadAPIFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.SupabaseURL != "https://example.supabase.co" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestInvalidCommissionRates(t *testing.T) {
	setPayoutEnv(t)
	t.Setenv("PROFITDRAW_STORE", "memory")
	t.Setenv("PROFITDRAW_COMMISSION_RATES", "0.01,0.05")
	if _, err := LoadWorkerFromEnv(); err == nil {
		t.Fatalf("expected increasing rates to fail")
	}
}
