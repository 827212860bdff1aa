package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"profitdraw/internal/auth"
	"profitdraw/internal/payout"
	"profitdraw/internal/syncq"
)

const maxErrorBody = 64 << 10

type Client struct {
	BaseURL    string
	AdminToken string
	HTTP       *http.Client
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Message string
	Body    []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

func NewClient(baseURL, adminToken string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AdminToken: adminToken,
		HTTP: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

type DistributeResponse struct {
	Result             payout.DistributionResult `json:"result"`
	AlreadyDistributed bool                      `json:"already_distributed"`
}

type DrawResponse struct {
	Result       payout.DrawResult `json:"result"`
	AlreadyDrawn bool              `json:"already_drawn"`
}

type VerifyResponse struct {
	Result   payout.DrawResult `json:"result"`
	Verified bool              `json:"verified"`
	Error    string            `json:"error,omitempty"`
}

type PeriodRunResponse struct {
	Run   payout.PeriodRun `json:"run"`
	Error string           `json:"error,omitempty"`
}

type InvestmentResponse struct {
	Investment  payout.Investment         `json:"investment"`
	Commissions []payout.CommissionCredit `json:"commissions"`
}

func (c *Client) Signup(ctx context.Context, email, password, referrerID string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email":       email,
		"password":    password,
		"referrer_id": referrerID,
	}, &out, "")
	return out, err
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	}, &out, "")
	return out, err
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh_token": refreshToken,
	}, &out, "")
	return out, err
}

func (c *Client) Wallet(ctx context.Context, accessToken string) (payout.Wallet, error) {
	var out payout.Wallet
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/wallet", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) RequestWithdrawal(ctx context.Context, accessToken, idem string, currency payout.Currency, amount int64, destination string) (payout.WithdrawalRequest, error) {
	var out payout.WithdrawalRequest
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/withdrawals", accessToken, map[string]any{
		"currency":    currency,
		"amount":      amount,
		"destination": destination,
	}, &out, idem)
	return out, err
}

func (c *Client) MyWithdrawals(ctx context.Context, accessToken string) ([]payout.WithdrawalRequest, error) {
	var out struct {
		Withdrawals []payout.WithdrawalRequest `json:"withdrawals"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/withdrawals", accessToken, nil, &out, "")
	return out.Withdrawals, err
}

func (c *Client) DistributionStatus(ctx context.Context, accessToken, fundID, periodID string) (payout.DistributionResult, error) {
	var out payout.DistributionResult
	err := c.jsonRequest(ctx, http.MethodGet, periodPath("/v1", fundID, periodID), accessToken, nil, &out, "")
	return out, err
}

func (c *Client) DrawResult(ctx context.Context, periodID string) (payout.DrawResult, error) {
	var out payout.DrawResult
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/draws/"+url.PathEscape(periodID), "", nil, &out, "")
	return out, err
}

func (c *Client) VerifyDraw(ctx context.Context, periodID string) (VerifyResponse, error) {
	var out VerifyResponse
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/draws/"+url.PathEscape(periodID)+"/verify", "", nil, &out, "")
	return out, err
}

func (c *Client) Distribute(ctx context.Context, fundID, periodID string, pool int64) (DistributeResponse, error) {
	var out DistributeResponse
	err := c.adminRequest(ctx, http.MethodPost, periodPath("/v1/admin", fundID, periodID)+"/distribute", map[string]any{"pool": pool}, &out, "")
	return out, err
}

func (c *Client) SetPool(ctx context.Context, fundID, periodID string, pool int64) (payout.PoolConfig, error) {
	var out payout.PoolConfig
	err := c.adminRequest(ctx, http.MethodPut, periodPath("/v1/admin", fundID, periodID)+"/pool", map[string]any{"pool": pool}, &out, "")
	return out, err
}

func (c *Client) Pool(ctx context.Context, fundID, periodID string) (payout.PoolConfig, error) {
	var out payout.PoolConfig
	err := c.adminRequest(ctx, http.MethodGet, periodPath("/v1/admin", fundID, periodID)+"/pool", nil, &out, "")
	return out, err
}

func (c *Client) Snapshot(ctx context.Context, fundID, periodID string) (payout.Snapshot, error) {
	var out payout.Snapshot
	err := c.adminRequest(ctx, http.MethodGet, periodPath("/v1/admin", fundID, periodID)+"/snapshot", nil, &out, "")
	return out, err
}

// RunPeriod decodes the run summary even when the API reports a partial
// failure, so callers can show which funds went through.
func (c *Client) RunPeriod(ctx context.Context, periodID string) (PeriodRunResponse, error) {
	var out PeriodRunResponse
	err := c.adminRequest(ctx, http.MethodPost, "/v1/admin/periods/"+url.PathEscape(periodID)+"/run", nil, &out, "")
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		_ = json.Unmarshal(apiErr.Body, &out)
	}
	return out, err
}

func (c *Client) Draw(ctx context.Context, periodID string) (DrawResponse, error) {
	var out DrawResponse
	err := c.adminRequest(ctx, http.MethodPost, "/v1/admin/draws/"+url.PathEscape(periodID), nil, &out, "")
	return out, err
}

func (c *Client) RegisterInvestor(ctx context.Context, id, referrerID string) (payout.Investor, error) {
	var out payout.Investor
	err := c.adminRequest(ctx, http.MethodPost, "/v1/admin/investors", payout.RegisterInvestorInput{ID: id, ReferrerID: referrerID}, &out, "")
	return out, err
}

func (c *Client) BlockInvestor(ctx context.Context, id string, blocked bool) (payout.Investor, error) {
	var out payout.Investor
	err := c.adminRequest(ctx, http.MethodPost, "/v1/admin/investors/"+url.PathEscape(id)+"/block", map[string]any{"blocked": blocked}, &out, "")
	return out, err
}

func (c *Client) RecordInvestment(ctx context.Context, idem string, in payout.RecordInvestmentInput) (InvestmentResponse, error) {
	var out InvestmentResponse
	err := c.adminRequest(ctx, http.MethodPost, "/v1/admin/investments", in, &out, idem)
	return out, err
}

func (c *Client) SetInvestmentStatus(ctx context.Context, id string, status payout.InvestmentStatus) (payout.Investment, error) {
	var out payout.Investment
	err := c.adminRequest(ctx, http.MethodPost, "/v1/admin/investments/"+url.PathEscape(id)+"/status", map[string]any{"status": status}, &out, "")
	return out, err
}

func (c *Client) SetWithdrawalState(ctx context.Context, id string, state payout.WithdrawalState) (payout.WithdrawalRequest, error) {
	var out payout.WithdrawalRequest
	err := c.adminRequest(ctx, http.MethodPost, "/v1/admin/withdrawals/"+url.PathEscape(id)+"/state", map[string]any{"state": state}, &out, "")
	return out, err
}

func (c *Client) Withdrawals(ctx context.Context, investorID string) ([]payout.WithdrawalRequest, error) {
	var out struct {
		Withdrawals []payout.WithdrawalRequest `json:"withdrawals"`
	}
	path := "/v1/admin/withdrawals"
	if investorID != "" {
		path += "?investor_id=" + url.QueryEscape(investorID)
	}
	err := c.adminRequest(ctx, http.MethodGet, path, nil, &out, "")
	return out.Withdrawals, err
}

func (c *Client) InvestorWallet(ctx context.Context, investorID string) (payout.Wallet, error) {
	var out payout.Wallet
	err := c.adminRequest(ctx, http.MethodGet, "/v1/admin/wallets/"+url.PathEscape(investorID), nil, &out, "")
	return out, err
}

// Offline reports whether err means the API was never reached, so the write can
// be queued for a later replay.
func Offline(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Queued builds the outbox entry for a write that went unanswered.
func Queued(method, path string, body any, idem string, admin bool) (syncq.Command, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return syncq.Command{}, err
	}
	return syncq.Command{Method: method, Path: path, Body: raw, IdempotencyKey: idem, Admin: admin}, nil
}

// Replay resends one queued write.
func (c *Client) Replay(ctx context.Context, cmd syncq.Command, accessToken string) error {
	var in any
	if len(cmd.Body) > 0 {
		in = cmd.Body
	}
	if cmd.Admin {
		return c.adminRequest(ctx, cmd.Method, cmd.Path, in, nil, cmd.IdempotencyKey)
	}
	return c.jsonRequest(ctx, cmd.Method, cmd.Path, accessToken, in, nil, cmd.IdempotencyKey)
}

func periodPath(prefix, fundID, periodID string) string {
	return prefix + "/funds/" + url.PathEscape(fundID) + "/periods/" + url.PathEscape(periodID)
}

func (c *Client) adminRequest(ctx context.Context, method, path string, in any, out any, idem string) error {
	if strings.TrimSpace(c.AdminToken) == "" {
		return errors.New("admin token is not configured (set PROFITDRAW_ADMIN_TOKEN)")
	}
	return c.do(ctx, method, path, func(req *http.Request) {
		req.Header.Set("X-Admin-Token", c.AdminToken)
	}, in, out, idem)
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any, idem string) error {
	return c.do(ctx, method, path, func(req *http.Request) {
		if accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}
	}, in, out, idem)
}

func (c *Client) do(ctx context.Context, method, path string, authorize func(*http.Request), in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	authorize(req)
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return apiError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(status int, raw []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: status, Message: msg, Body: raw}
}
