package payout

import (
	"context"
	"time"
)

// Metrics receives run and ledger outcomes. internal/metrics implements it.
type Metrics interface {
	DistributionBatch(fundID string, credited int, amount int64, took time.Duration)
	RunFinished(op string, err error, took time.Duration)
	RetryAttempt(op string)
	DrawCompleted(totalTickets, prize int64)
	CommissionCredited(level int, amount int64)
	WithdrawalTransition(from, to WithdrawalState)
}

// Publisher announces finished runs and withdrawal changes to downstream consumers.
type Publisher interface {
	DistributionClosed(ctx context.Context, res DistributionResult) error
	DrawCompleted(ctx context.Context, res DrawResult) error
	WithdrawalChanged(ctx context.Context, req WithdrawalRequest) error
}

type nopMetrics struct{}

func (nopMetrics) DistributionBatch(string, int, int64, time.Duration)   {}
func (nopMetrics) RunFinished(string, error, time.Duration)              {}
func (nopMetrics) RetryAttempt(string)                                   {}
func (nopMetrics) DrawCompleted(int64, int64)                            {}
func (nopMetrics) CommissionCredited(int, int64)                         {}
func (nopMetrics) WithdrawalTransition(WithdrawalState, WithdrawalState) {}

type nopPublisher struct{}

func (nopPublisher) DistributionClosed(context.Context, DistributionResult) error { return nil }
func (nopPublisher) DrawCompleted(context.Context, DrawResult) error              { return nil }
func (nopPublisher) WithdrawalChanged(context.Context, WithdrawalRequest) error   { return nil }
