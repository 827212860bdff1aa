package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"profitdraw/internal/auth"
	"profitdraw/internal/config"
	"profitdraw/internal/metrics"
	"profitdraw/internal/payout"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type contextKey string

const userContextKey contextKey = "user"

const maxBodyBytes = 1 << 20

type UserContext struct {
	UserID string
	Email  string
	Token  string
}

// Authenticator is the subset of the Supabase client the API needs.
type Authenticator interface {
	SignUp(ctx context.Context, email, password string) (auth.Session, error)
	Login(ctx context.Context, email, password string) (auth.Session, error)
	Refresh(ctx context.Context, refreshToken string) (auth.Session, error)
	VerifyAccessToken(ctx context.Context, accessToken string) (auth.SupabaseUser, error)
}

type Server struct {
	cfg     config.APIConfig
	log     *slog.Logger
	auth    Authenticator
	svc     *payout.Service
	metrics *metrics.Metrics
	scrape  http.Handler
	mux     *chi.Mux
}

// New builds the router. m and scrape may be nil, in which case requests are not
// instrumented and /metrics is not served.
func New(cfg config.APIConfig, logger *slog.Logger, authClient Authenticator, svc *payout.Service, m *metrics.Metrics, scrape http.Handler) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     logger,
		auth:    authClient,
		svc:     svc,
		metrics: m,
		scrape:  scrape,
		mux:     chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if s.scrape != nil {
		r.Handle("/metrics", s.scrape)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/signup", s.handleSignup)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)

		r.Get("/draws/{period}", s.handleDrawResult)
		r.Get("/draws/{period}/verify", s.handleDrawVerify)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/wallet", s.handleWallet)
			r.Get("/withdrawals", s.handleMyWithdrawals)
			r.Get("/withdrawals/{id}", s.handleMyWithdrawal)
			r.Post("/withdrawals", s.handleRequestWithdrawal)
			r.Get("/funds/{fund}/periods/{period}", s.handleDistributionStatus)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminMiddleware)
			r.Post("/funds/{fund}/periods/{period}/distribute", s.handleDistribute)
			r.Put("/funds/{fund}/periods/{period}/pool", s.handleSetPool)
			r.Get("/funds/{fund}/periods/{period}/pool", s.handleGetPool)
			r.Get("/funds/{fund}/periods/{period}/snapshot", s.handleSnapshot)
			r.Post("/periods/{period}/run", s.handleRunPeriod)
			r.Post("/draws/{period}", s.handleDraw)

			r.Post("/investors", s.handleRegisterInvestor)
			r.Post("/investors/{id}/block", s.handleBlockInvestor)
			r.Post("/investments", s.handleRecordInvestment)
			r.Post("/investments/{id}/status", s.handleInvestmentStatus)
			r.Post("/investments/{id}/commission", s.handleCreditCommission)

			r.Get("/withdrawals", s.handleListWithdrawals)
			r.Post("/withdrawals/{id}/state", s.handleWithdrawalState)
			r.Get("/wallets/{investor}", s.handleAdminWallet)
		})
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.auth.VerifyAccessToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			s.log.Warn("token verification failed", "err", err)
			writeError(w, http.StatusBadGateway, "token verification unavailable")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, UserContext{
			UserID: user.ID,
			Email:  user.Email,
			Token:  token,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.AdminTokenMatches(s.cfg.AdminToken, r.Header.Get("X-Admin-Token")) {
			writeError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFromContext(ctx context.Context) (UserContext, error) {
	v := ctx.Value(userContextKey)
	user, ok := v.(UserContext)
	if !ok || user.UserID == "" {
		return UserContext{}, errors.New("missing auth context")
	}
	return user, nil
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		ReferrerID string `json:"referrer_id"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.auth.SignUp(r.Context(), strings.TrimSpace(in.Email), strings.TrimSpace(in.Password))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if session.User.ID != "" {
		_, err := s.svc.RegisterInvestor(r.Context(), payout.RegisterInvestorInput{ID: session.User.ID, ReferrerID: in.ReferrerID})
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.auth.Login(r.Context(), strings.TrimSpace(in.Email), strings.TrimSpace(in.Password))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(in.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}
	session, err := s.auth.Refresh(r.Context(), strings.TrimSpace(in.RefreshToken))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	wallet, err := s.svc.GetWallet(r.Context(), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Currency    string `json:"currency"`
		Amount      int64  `json:"amount"`
		Destination string `json:"destination"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cur, err := payout.ParseCurrency(in.Currency)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	req, err := s.svc.RequestWithdrawal(r.Context(), payout.WithdrawalInput{
		RequestID:   idempotencyKey(r),
		InvestorID:  user.UserID,
		Currency:    cur,
		Amount:      in.Amount,
		Destination: in.Destination,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleMyWithdrawals(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	reqs, err := s.svc.ListWithdrawals(r.Context(), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": reqs})
}

func (s *Server) handleMyWithdrawal(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	req, err := s.svc.GetWithdrawal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.InvestorID != user.UserID {
		writeError(w, http.StatusNotFound, payout.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDistributionStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.GetDistributionStatus(r.Context(), chi.URLParam(r, "fund"), chi.URLParam(r, "period"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDrawResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.GetDrawResult(r.Context(), chi.URLParam(r, "period"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDrawVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.VerifyDrawResult(r.Context(), chi.URLParam(r, "period"))
	if errors.Is(err, payout.ErrNotFound) || errors.Is(err, payout.ErrInvalidPeriod) {
		writeDomainError(w, err)
		return
	}
	out := map[string]any{"result": res, "verified": err == nil}
	if err != nil {
		out["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

type poolRequest struct {
	Pool *int64 `json:"pool"`
}

func (p poolRequest) value() (int64, error) {
	if p.Pool == nil {
		return 0, errors.New("pool is required")
	}
	return *p.Pool, nil
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var in poolRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pool, err := in.value()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.RunDistribution(r.Context(), chi.URLParam(r, "fund"), chi.URLParam(r, "period"), pool)
	if errors.Is(err, payout.ErrAlreadyDistributed) {
		writeJSON(w, http.StatusOK, map[string]any{"result": res, "already_distributed": true})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res, "already_distributed": false})
}

func (s *Server) handleSetPool(w http.ResponseWriter, r *http.Request) {
	var in poolRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pool, err := in.value()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := s.svc.SetPool(r.Context(), chi.URLParam(r, "fund"), chi.URLParam(r, "period"), pool)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.Pool(r.Context(), chi.URLParam(r, "fund"), chi.URLParam(r, "period"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.BuildSnapshot(r.Context(), chi.URLParam(r, "fund"), chi.URLParam(r, "period"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRunPeriod(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.RunPeriod(r.Context(), chi.URLParam(r, "period"))
	if err != nil {
		s.log.Warn("period run incomplete", "period_id", run.PeriodID, "err", err)
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"run": run, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) handleDraw(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.RunDraw(r.Context(), chi.URLParam(r, "period"))
	if errors.Is(err, payout.ErrAlreadyDrawn) {
		writeJSON(w, http.StatusOK, map[string]any{"result": res, "already_drawn": true})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res, "already_drawn": false})
}

func (s *Server) handleRegisterInvestor(w http.ResponseWriter, r *http.Request) {
	var in payout.RegisterInvestorInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inv, err := s.svc.RegisterInvestor(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleBlockInvestor(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Blocked bool `json:"blocked"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inv, err := s.svc.SetInvestorBlocked(r.Context(), chi.URLParam(r, "id"), in.Blocked)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleRecordInvestment(w http.ResponseWriter, r *http.Request) {
	var in payout.RecordInvestmentInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.ID == "" {
		in.ID = idempotencyKey(r)
	}
	inv, credits, err := s.svc.RecordInvestment(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"investment": inv, "commissions": credits})
}

func (s *Server) handleInvestmentStatus(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Status payout.InvestmentStatus `json:"status"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inv, err := s.svc.SetInvestmentStatus(r.Context(), chi.URLParam(r, "id"), in.Status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleCreditCommission(w http.ResponseWriter, r *http.Request) {
	credits, err := s.svc.CreditCommission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commissions": credits})
}

func (s *Server) handleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.svc.ListWithdrawals(r.Context(), strings.TrimSpace(r.URL.Query().Get("investor_id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": reqs})
}

func (s *Server) handleWithdrawalState(w http.ResponseWriter, r *http.Request) {
	var in struct {
		State string `json:"state"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := payout.ParseWithdrawalState(in.State)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	req, err := s.svc.UpdateWithdrawalState(r.Context(), chi.URLParam(r, "id"), target)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAdminWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.svc.GetWallet(r.Context(), chi.URLParam(r, "investor"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// errorKinds maps domain sentinels to a status and a stable machine-readable kind.
// Order matters only where one error wraps several sentinels.
var errorKinds = []struct {
	err    error
	status int
	kind   string
}{
	{payout.ErrInvalidPeriod, http.StatusBadRequest, "invalid_period"},
	{payout.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{payout.ErrInvalidID, http.StatusBadRequest, "invalid_id"},
	{payout.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{payout.ErrInsufficientBalance, http.StatusBadRequest, "insufficient_balance"},
	{payout.ErrNotFound, http.StatusNotFound, "not_found"},
	{payout.ErrIdempotencyConflict, http.StatusConflict, "idempotency_conflict"},
	{payout.ErrAlreadyDistributed, http.StatusConflict, "already_distributed"},
	{payout.ErrAlreadyDrawn, http.StatusConflict, "already_drawn"},
	{payout.ErrConcurrentRunConflict, http.StatusConflict, "concurrent_run"},
	{payout.ErrPoolMismatch, http.StatusConflict, "pool_mismatch"},
	{payout.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{payout.ErrVerificationFailed, http.StatusConflict, "verification_failed"},
	{payout.ErrDistributionNotFinalized, http.StatusPreconditionFailed, "distribution_not_finalized"},
	{payout.ErrNoEligibleParticipants, http.StatusPreconditionFailed, "no_eligible_participants"},
	{payout.ErrPayoutFailed, http.StatusBadGateway, "payout_failed"},
	{payout.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

func classify(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.kind
		}
	}
	return http.StatusInternalServerError, "internal"
}

func statusFor(err error) int {
	status, _ := classify(err)
	return status
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]any{"error": msg, "kind": kind})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError is for failures outside the domain, so the kind follows the status.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message), "kind": kindForStatus(status)})
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadGateway:
		return "upstream_unavailable"
	default:
		return "internal"
	}
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
