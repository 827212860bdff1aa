package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"profitdraw/internal/auth"
	"profitdraw/internal/config"
	"profitdraw/internal/metrics"
	"profitdraw/internal/payout"
	"profitdraw/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

const adminToken = "0123456789abcdef"

type fakeAuth struct {
	users map[string]auth.SupabaseUser
}

func (f *fakeAuth) SignUp(_ context.Context, email, _ string) (auth.Session, error) {
	user := auth.SupabaseUser{ID: "user-" + email, Email: email}
	return auth.Session{AccessToken: "tok-" + email, User: user}, nil
}

func (f *fakeAuth) Login(_ context.Context, email, password string) (auth.Session, error) {
	if password != "secret" {
		return auth.Session{}, auth.ErrUnauthorized
	}
	return auth.Session{AccessToken: "tok-" + email, User: auth.SupabaseUser{ID: "user-" + email, Email: email}}, nil
}

func (f *fakeAuth) Refresh(_ context.Context, refreshToken string) (auth.Session, error) {
	if refreshToken != "refresh-alice" {
		return auth.Session{}, auth.ErrUnauthorized
	}
	return auth.Session{AccessToken: "tok-alice", RefreshToken: "refresh-alice-2", User: f.users["tok-alice"]}, nil
}

func (f *fakeAuth) VerifyAccessToken(_ context.Context, token string) (auth.SupabaseUser, error) {
	user, ok := f.users[token]
	if !ok {
		return auth.SupabaseUser{}, auth.ErrUnauthorized
	}
	return user, nil
}

type harness struct {
	srv     http.Handler
	svc     *payout.Service
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) harness {
	t.Helper()
	cfg := payout.Config{
		TicketUnit:      10,
		CreditTokenRate: decimal.NewFromInt(1),
		CommissionRates: []decimal.Decimal{decimal.RequireFromString("0.1")},
		BatchSize:       10,
	}
	logger := slog.New(slog.DiscardHandler)
	svc, err := payout.NewService(store.NewMemory(), cfg, logger, payout.Deps{})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	fa := &fakeAuth{users: map[string]auth.SupabaseUser{
		"tok-alice": {ID: "alice", Email: "alice@example.com"},
		"tok-bob":   {ID: "bob", Email: "bob@example.com"},
	}}
	m := metrics.New(prometheus.NewRegistry())
	s := New(config.APIConfig{AdminToken: adminToken}, logger, fa, svc, m, nil)
	return harness{srv: s.Handler(), svc: svc, metrics: m}
}

type call struct {
	method, path string
	body         any
	token        string
	admin        bool
	idempotency  string
}

func (h harness) do(t *testing.T, c call) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		if err := json.NewEncoder(&buf).Encode(c.body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.admin {
		req.Header.Set("X-Admin-Token", adminToken)
	}
	if c.idempotency != "" {
		req.Header.Set("Idempotency-Key", c.idempotency)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	out := map[string]any{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode %q: %v", c.method, c.path, rec.Body.String(), err)
	}
	return rec.Code, out
}

func (h harness) must(t *testing.T, want int, c call) map[string]any {
	t.Helper()
	code, out := h.do(t, c)
	if code != want {
		t.Fatalf("%s %s: status %d want %d (%v)", c.method, c.path, code, want, out)
	}
	return out
}

func seedInvestors(t *testing.T, h harness) {
	t.Helper()
	h.must(t, http.StatusCreated, call{method: http.MethodPost, path: "/v1/admin/investors", admin: true, body: map[string]any{"id": "alice"}})
	h.must(t, http.StatusCreated, call{method: http.MethodPost, path: "/v1/admin/investors", admin: true, body: map[string]any{"id": "bob", "referrer_id": "alice"}})
	for _, inv := range []struct {
		id, investor string
		principal    int64
	}{{"inv-a", "alice", 300}, {"inv-b", "bob", 700}} {
		h.must(t, http.StatusCreated, call{
			method: http.MethodPost, path: "/v1/admin/investments", admin: true,
			body: map[string]any{
				"id": inv.id, "investor_id": inv.investor, "fund_id": "growth",
				"principal": inv.principal, "created_at": "2024-01-15T12:00:00Z",
			},
		})
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	out := h.must(t, http.StatusOK, call{method: http.MethodGet, path: "/healthz"})
	if out["ok"] != true {
		t.Fatalf("unexpected body %v", out)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	code, _ := h.do(t, call{method: http.MethodPost, path: "/v1/admin/draws/2024-01"})
	if code != http.StatusUnauthorized {
		t.Fatalf("status %d want 401", code)
	}
	code, _ = h.do(t, call{method: http.MethodPost, path: "/v1/admin/draws/2024-01", token: "tok-alice"})
	if code != http.StatusUnauthorized {
		t.Fatalf("investor token reached admin route: %d", code)
	}
}

func TestInvestorRoutesRequireBearer(t *testing.T) {
	h := newHarness(t)
	if code, _ := h.do(t, call{method: http.MethodGet, path: "/v1/wallet"}); code != http.StatusUnauthorized {
		t.Fatalf("status %d want 401", code)
	}
	if code, _ := h.do(t, call{method: http.MethodGet, path: "/v1/wallet", token: "forged"}); code != http.StatusUnauthorized {
		t.Fatalf("status %d want 401", code)
	}
}

func TestDistributeDrawAndWithdraw(t *testing.T) {
	h := newHarness(t)
	seedInvestors(t, h)

	out := h.must(t, http.StatusOK, call{method: http.MethodPost, path: "/v1/admin/funds/growth/periods/2024-01/distribute", admin: true, body: map[string]any{"pool": 1000}})
	if out["already_distributed"] != false {
		t.Fatalf("first distribute flagged as replay: %v", out)
	}
	out = h.must(t, http.StatusOK, call{method: http.MethodPost, path: "/v1/admin/funds/growth/periods/2024-01/distribute", admin: true, body: map[string]any{"pool": 1000}})
	if out["already_distributed"] != true {
		t.Fatalf("second distribute not flagged as replay: %v", out)
	}

	status := h.must(t, http.StatusOK, call{method: http.MethodGet, path: "/v1/funds/growth/periods/2024-01", token: "tok-bob"})
	if status["status"] != string(payout.PeriodClosed) || status["credited_amount"] != float64(1000) {
		t.Fatalf("unexpected status %v", status)
	}

	wallet := h.must(t, http.StatusOK, call{method: http.MethodGet, path: "/v1/wallet", token: "tok-bob"})
	fiat := wallet["balances"].(map[string]any)["fiat"].(map[string]any)
	if fiat["available"] != float64(700) {
		t.Fatalf("bob wallet %v", wallet)
	}

	h.must(t, http.StatusOK, call{method: http.MethodPost, path: "/v1/admin/draws/2024-01", admin: true})
	draw := h.must(t, http.StatusOK, call{method: http.MethodGet, path: "/v1/draws/2024-01"})
	if draw["winner_id"] != "alice" && draw["winner_id"] != "bob" {
		t.Fatalf("unexpected winner %v", draw)
	}
	verified := h.must(t, http.StatusOK, call{method: http.MethodGet, path: "/v1/draws/2024-01/verify"})
	if verified["verified"] != true {
		t.Fatalf("draw did not verify: %v", verified)
	}

	body := map[string]any{"amount": 200, "destination": "iban:DE00"}
	first := h.must(t, http.StatusCreated, call{method: http.MethodPost, path: "/v1/withdrawals", token: "tok-bob", idempotency: "wd-1", body: body})
	again := h.must(t, http.StatusCreated, call{method: http.MethodPost, path: "/v1/withdrawals", token: "tok-bob", idempotency: "wd-1", body: body})
	if first["id"] != "wd-1" || again["id"] != "wd-1" {
		t.Fatalf("withdrawal ids %v / %v", first["id"], again["id"])
	}
	list := h.must(t, http.StatusOK, call{method: http.MethodGet, path: "/v1/withdrawals", token: "tok-bob"})
	if n := len(list["withdrawals"].([]any)); n != 1 {
		t.Fatalf("replay created %d withdrawals", n)
	}

	if code, _ := h.do(t, call{method: http.MethodGet, path: "/v1/withdrawals/wd-1", token: "tok-alice"}); code != http.StatusNotFound {
		t.Fatalf("alice read bob's withdrawal: %d", code)
	}
	paid := h.must(t, http.StatusOK, call{method: http.MethodPost, path: "/v1/admin/withdrawals/wd-1/state", admin: true, body: map[string]any{"state": "approved"}})
	if paid["state"] != "approved" {
		t.Fatalf("state %v", paid["state"])
	}
	code, out := h.do(t, call{method: http.MethodPost, path: "/v1/admin/withdrawals/wd-1/state", admin: true, body: map[string]any{"state": "pending"}})
	if code != http.StatusConflict {
		t.Fatalf("approved->pending: status %d (%v)", code, out)
	}
}

func TestRecordInvestmentCreditsReferrer(t *testing.T) {
	h := newHarness(t)
	seedInvestors(t, h)
	wallet := h.must(t, http.StatusOK, call{method: http.MethodGet, path: "/v1/admin/wallets/alice", admin: true})
	fiat := wallet["balances"].(map[string]any)["fiat"].(map[string]any)
	if fiat["available"] != float64(70) {
		t.Fatalf("alice commission %v", fiat)
	}
}

func TestWithdrawalOverdraftIsBadRequest(t *testing.T) {
	h := newHarness(t)
	code, out := h.do(t, call{method: http.MethodPost, path: "/v1/withdrawals", token: "tok-alice", body: map[string]any{"amount": 10, "destination": "iban:DE00"}})
	if code != http.StatusBadRequest {
		t.Fatalf("status %d want 400 (%v)", code, out)
	}
}

func TestUserErrorsAreNotInternal(t *testing.T) {
	h := newHarness(t)
	seedInvestors(t, h)
	tests := []struct {
		name string
		c    call
		code int
		kind string
	}{
		{
			name: "blank destination",
			c:    call{method: http.MethodPost, path: "/v1/withdrawals", token: "tok-alice", body: map[string]any{"amount": 10, "destination": "  "}},
			code: http.StatusBadRequest, kind: "invalid_input",
		},
		{
			name: "unknown currency",
			c:    call{method: http.MethodPost, path: "/v1/withdrawals", token: "tok-alice", body: map[string]any{"amount": 10, "currency": "gold", "destination": "iban:DE00"}},
			code: http.StatusBadRequest, kind: "invalid_input",
		},
		{
			name: "referrer changed",
			c:    call{method: http.MethodPost, path: "/v1/admin/investors", admin: true, body: map[string]any{"id": "alice", "referrer_id": "bob"}},
			code: http.StatusConflict, kind: "idempotency_conflict",
		},
		{
			name: "investment moved fund",
			c: call{method: http.MethodPost, path: "/v1/admin/investments", admin: true, body: map[string]any{
				"id": "inv-a", "investor_id": "alice", "fund_id": "income", "principal": 300, "created_at": "2024-01-15T12:00:00Z",
			}},
			code: http.StatusConflict, kind: "idempotency_conflict",
		},
		{
			name: "missing bearer",
			c:    call{method: http.MethodGet, path: "/v1/wallet"},
			code: http.StatusUnauthorized, kind: "unauthorized",
		},
	}
	for _, tc := range tests {
		code, out := h.do(t, tc.c)
		if code != tc.code || out["kind"] != tc.kind {
			t.Fatalf("%s: status %d kind %v, want %d %s (%v)", tc.name, code, out["kind"], tc.code, tc.kind, out)
		}
	}

	body := map[string]any{"amount": 50, "destination": "iban:DE00"}
	h.must(t, http.StatusCreated, call{method: http.MethodPost, path: "/v1/withdrawals", token: "tok-alice", idempotency: "wd-x", body: body})
	body["amount"] = 20
	code, out := h.do(t, call{method: http.MethodPost, path: "/v1/withdrawals", token: "tok-alice", idempotency: "wd-x", body: body})
	if code != http.StatusConflict || out["kind"] != "idempotency_conflict" {
		t.Fatalf("replayed key with new amount: status %d (%v)", code, out)
	}
}

func TestLateFundCannotBreakDrawVerification(t *testing.T) {
	h := newHarness(t)
	seedInvestors(t, h)
	h.must(t, http.StatusOK, call{method: http.MethodPost, path: "/v1/admin/funds/growth/periods/2024-01/distribute", admin: true, body: map[string]any{"pool": 100}})
	h.must(t, http.StatusOK, call{method: http.MethodPost, path: "/v1/admin/draws/2024-01", admin: true})

	h.must(t, http.StatusCreated, call{
		method: http.MethodPost, path: "/v1/admin/investments", admin: true,
		body: map[string]any{"id": "inv-late", "investor_id": "bob", "fund_id": "income", "principal": 500, "created_at": "2024-01-20T12:00:00Z"},
	})
	code, out := h.do(t, call{method: http.MethodPost, path: "/v1/admin/funds/income/periods/2024-01/distribute", admin: true, body: map[string]any{"pool": 100}})
	if code != http.StatusConflict || out["kind"] != "already_drawn" {
		t.Fatalf("late distribute: status %d (%v)", code, out)
	}
	verified := h.must(t, http.StatusOK, call{method: http.MethodGet, path: "/v1/draws/2024-01/verify"})
	if verified["verified"] != true {
		t.Fatalf("draw did not verify: %v", verified)
	}
}

func TestPoolLifecycle(t *testing.T) {
	h := newHarness(t)
	seedInvestors(t, h)
	h.must(t, http.StatusOK, call{method: http.MethodPut, path: "/v1/admin/funds/growth/periods/2024-01/pool", admin: true, body: map[string]any{"pool": 500}})
	got := h.must(t, http.StatusOK, call{method: http.MethodGet, path: "/v1/admin/funds/growth/periods/2024-01/pool", admin: true})
	if got["pool"] != float64(500) {
		t.Fatalf("pool %v", got)
	}
	if code, _ := h.do(t, call{method: http.MethodPut, path: "/v1/admin/funds/growth/periods/2024-01/pool", admin: true, body: map[string]any{}}); code != http.StatusBadRequest {
		t.Fatalf("missing pool accepted: %d", code)
	}
	run := h.must(t, http.StatusOK, call{method: http.MethodPost, path: "/v1/admin/periods/2024-01/run", admin: true})
	if run["run"] == nil {
		t.Fatalf("missing run body %v", run)
	}
	if code, _ := h.do(t, call{method: http.MethodPut, path: "/v1/admin/funds/growth/periods/2024-01/pool", admin: true, body: map[string]any{"pool": 900}}); code != http.StatusConflict {
		t.Fatalf("pool change after run: status %d want 409", code)
	}
}

func TestSignupRegistersInvestor(t *testing.T) {
	h := newHarness(t)
	h.must(t, http.StatusCreated, call{method: http.MethodPost, path: "/v1/admin/investors", admin: true, body: map[string]any{"id": "carol"}})
	h.must(t, http.StatusCreated, call{method: http.MethodPost, path: "/v1/auth/signup", body: map[string]any{"email": "dave", "password": "secret", "referrer_id": "carol"}})
	h.must(t, http.StatusCreated, call{
		method: http.MethodPost, path: "/v1/admin/investments", admin: true,
		body: map[string]any{"investor_id": "user-dave", "fund_id": "growth", "principal": 100},
	})
	code, _ := h.do(t, call{method: http.MethodPost, path: "/v1/auth/login", body: map[string]any{"email": "dave", "password": "wrong"}})
	if code != http.StatusUnauthorized {
		t.Fatalf("bad password: status %d", code)
	}
}

func TestRefresh(t *testing.T) {
	h := newHarness(t)
	out := h.must(t, http.StatusOK, call{method: http.MethodPost, path: "/v1/auth/refresh", body: map[string]any{"refresh_token": "refresh-alice"}})
	if out["access_token"] != "tok-alice" || out["refresh_token"] != "refresh-alice-2" {
		t.Fatalf("session = %v", out)
	}
	if code, _ := h.do(t, call{method: http.MethodPost, path: "/v1/auth/refresh", body: map[string]any{"refresh_token": "stale"}}); code != http.StatusUnauthorized {
		t.Fatalf("stale refresh: status %d", code)
	}
	if code, _ := h.do(t, call{method: http.MethodPost, path: "/v1/auth/refresh", body: map[string]any{}}); code != http.StatusBadRequest {
		t.Fatalf("missing refresh token: status %d", code)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	h := newHarness(t)
	code, _ := h.do(t, call{method: http.MethodPost, path: "/v1/admin/investors", admin: true, body: map[string]any{"id": "x", "admin": true}})
	if code != http.StatusBadRequest {
		t.Fatalf("status %d want 400", code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{payout.ErrInvalidPeriod, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", payout.ErrInsufficientBalance), http.StatusBadRequest},
		{payout.ErrNotFound, http.StatusNotFound},
		{payout.ErrConcurrentRunConflict, http.StatusConflict},
		{payout.ErrPoolMismatch, http.StatusConflict},
		{fmt.Errorf("register: %w", payout.ErrIdempotencyConflict), http.StatusConflict},
		{payout.ErrVerificationFailed, http.StatusConflict},
		{payout.ErrInvalidInput, http.StatusBadRequest},
		{payout.ErrDistributionNotFinalized, http.StatusPreconditionFailed},
		{payout.ErrNoEligibleParticipants, http.StatusPreconditionFailed},
		{payout.ErrPayoutFailed, http.StatusBadGateway},
		{payout.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: got %d want %d", tc.err, got, tc.want)
		}
	}
}

func TestRequestsAreInstrumented(t *testing.T) {
	h := newHarness(t)
	h.must(t, http.StatusOK, call{method: http.MethodGet, path: "/healthz"})
	h.do(t, call{method: http.MethodGet, path: "/v1/draws/2024-01"})
	if got := testutil.ToFloat64(h.metrics.HTTPRequests.WithLabelValues("/healthz", "200")); got != 1 {
		t.Fatalf("healthz count %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.HTTPRequests.WithLabelValues("/v1/draws/{period}", "404")); got != 1 {
		t.Fatalf("draw 404 count %v", got)
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"":               "",
		"Bearer abc":     "abc",
		"bearer  abc ":   "abc",
		"Basic abc":      "",
		"Bearerabc":      "",
		"Bearer":         "",
		"Token abc xyz ": "",
	}
	for in, want := range tests {
		if got := bearerToken(in); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}
