// Package metrics exposes the ledger's prometheus collectors.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"profitdraw/internal/payout"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements payout.Metrics.
type Metrics struct {
	DistributionBatches  *prometheus.CounterVec
	DistributionCredited *prometheus.CounterVec
	DistributionAmount   *prometheus.CounterVec
	BatchDuration        prometheus.Histogram

	Runs        *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	Retries     *prometheus.CounterVec

	Draws        prometheus.Counter
	DrawTickets  prometheus.Gauge
	DrawPrize    prometheus.Counter
	Commissions  *prometheus.CounterVec
	CommissionAm *prometheus.CounterVec
	Withdrawals  *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New registers every collector on reg. Pass prometheus.DefaultRegisterer in
// binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	runBuckets := []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900}

	return &Metrics{
		DistributionBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "profitdraw_distribution_batches_total",
			Help: "Distribution batches committed",
		}, []string{"fund_id"}),

		DistributionCredited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "profitdraw_distribution_investors_credited_total",
			Help: "Investors credited by distributions",
		}, []string{"fund_id"}),

		DistributionAmount: f.NewCounterVec(prometheus.CounterOpts{
			Name: "profitdraw_distribution_amount_total",
			Help: "Minor units credited by distributions",
		}, []string{"fund_id"}),

		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "profitdraw_distribution_batch_duration_seconds",
			Help:    "Time to commit one distribution batch",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),

		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "profitdraw_runs_total",
			Help: "Distribution and draw runs by outcome",
		}, []string{"op", "outcome"}),

		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "profitdraw_run_duration_seconds",
			Help:    "Wall time of distribution and draw runs",
			Buckets: runBuckets,
		}, []string{"op"}),

		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "profitdraw_store_retries_total",
			Help: "Runs retried after the store was unavailable",
		}, []string{"op"}),

		Draws: f.NewCounter(prometheus.CounterOpts{
			Name: "profitdraw_draws_total",
			Help: "Draws recorded",
		}),

		DrawTickets: f.NewGauge(prometheus.GaugeOpts{
			Name: "profitdraw_draw_last_total_tickets",
			Help: "Ticket count of the most recent draw",
		}),

		DrawPrize: f.NewCounter(prometheus.CounterOpts{
			Name: "profitdraw_draw_prize_amount_total",
			Help: "Minor units paid out as draw prizes",
		}),

		Commissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "profitdraw_commissions_total",
			Help: "Referral commissions credited",
		}, []string{"level"}),

		CommissionAm: f.NewCounterVec(prometheus.CounterOpts{
			Name: "profitdraw_commission_amount_total",
			Help: "Minor units credited as referral commission",
		}, []string{"level"}),

		Withdrawals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "profitdraw_withdrawal_transitions_total",
			Help: "Withdrawal state changes",
		}, []string{"from", "to"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "profitdraw_http_requests_total",
			Help: "API requests by route and status",
		}, []string{"route", "code"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "profitdraw_http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) DistributionBatch(fundID string, credited int, amount int64, took time.Duration) {
	m.DistributionBatches.WithLabelValues(fundID).Inc()
	m.DistributionCredited.WithLabelValues(fundID).Add(float64(credited))
	m.DistributionAmount.WithLabelValues(fundID).Add(float64(amount))
	m.BatchDuration.Observe(took.Seconds())
}

func (m *Metrics) RunFinished(op string, err error, took time.Duration) {
	m.Runs.WithLabelValues(op, Outcome(err)).Inc()
	m.RunDuration.WithLabelValues(op).Observe(took.Seconds())
}

func (m *Metrics) RetryAttempt(op string) {
	m.Retries.WithLabelValues(op).Inc()
}

func (m *Metrics) DrawCompleted(totalTickets, prize int64) {
	m.Draws.Inc()
	m.DrawTickets.Set(float64(totalTickets))
	m.DrawPrize.Add(float64(prize))
}

func (m *Metrics) CommissionCredited(level int, amount int64) {
	l := strconv.Itoa(level)
	m.Commissions.WithLabelValues(l).Inc()
	m.CommissionAm.WithLabelValues(l).Add(float64(amount))
}

func (m *Metrics) WithdrawalTransition(from, to payout.WithdrawalState) {
	if from == "" {
		from = "new"
	}
	m.Withdrawals.WithLabelValues(string(from), string(to)).Inc()
}

// Outcome buckets a run error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, payout.ErrAlreadyDistributed), errors.Is(err, payout.ErrAlreadyDrawn):
		return "noop"
	case errors.Is(err, payout.ErrConcurrentRunConflict):
		return "conflict"
	case errors.Is(err, payout.ErrDistributionNotFinalized), errors.Is(err, payout.ErrNoEligibleParticipants):
		return "not_ready"
	case errors.Is(err, payout.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
