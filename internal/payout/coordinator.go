package payout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 6, Initial: 100 * time.Millisecond, Max: 5 * time.Second}
}

// FundRun is the outcome of one fund inside a period run.
type FundRun struct {
	FundID  string             `json:"fund_id"`
	Result  DistributionResult `json:"result"`
	Skipped bool               `json:"skipped,omitempty"`
	Error   string             `json:"error,omitempty"`
}

type PeriodRun struct {
	PeriodID  string      `json:"period_id"`
	Funds     []FundRun   `json:"funds"`
	Draw      *DrawResult `json:"draw,omitempty"`
	DrawError string      `json:"draw_error,omitempty"`
}

// Coordinator drives distributions and draws as resumable jobs. Transient store
// failures are retried with exponential backoff; every other kind is returned.
type Coordinator struct {
	dist     *Distributor
	draws    *DrawEngine
	pools    *PoolRegistry
	log      *slog.Logger
	metrics  Metrics
	pub      Publisher
	retry    RetryPolicy
	parallel int
}

func NewCoordinator(dist *Distributor, draws *DrawEngine, pools *PoolRegistry, logger *slog.Logger, metrics Metrics, pub Publisher) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Coordinator{
		dist:     dist,
		draws:    draws,
		pools:    pools,
		log:      logger,
		metrics:  metrics,
		pub:      pub,
		retry:    DefaultRetryPolicy(),
		parallel: 4,
	}
}

func (c *Coordinator) SetRetryPolicy(p RetryPolicy) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	c.retry = p
}

// SetParallelism bounds how many funds distribute at once in RunPeriod.
func (c *Coordinator) SetParallelism(n int) {
	if n < 1 {
		n = 1
	}
	c.parallel = n
}

func (c *Coordinator) RunDistribution(ctx context.Context, fundID, periodID string, pool int64) (DistributionResult, error) {
	started := time.Now()
	var res DistributionResult
	err := c.withRetry(ctx, "distribution", func() error {
		var err error
		res, err = c.dist.Distribute(ctx, fundID, periodID, pool)
		return err
	})
	c.metrics.RunFinished("distribution", err, time.Since(started))
	if err != nil {
		return res, err
	}
	if perr := c.pub.DistributionClosed(ctx, res); perr != nil {
		c.log.Warn("publish distribution failed", "fund_id", fundID, "period_id", periodID, "err", perr)
	}
	return res, nil
}

func (c *Coordinator) RunDraw(ctx context.Context, periodID string) (DrawResult, error) {
	started := time.Now()
	var res DrawResult
	err := c.withRetry(ctx, "draw", func() error {
		var err error
		res, err = c.draws.Draw(ctx, periodID)
		return err
	})
	c.metrics.RunFinished("draw", err, time.Since(started))
	if err != nil {
		return res, err
	}
	if perr := c.pub.DrawCompleted(ctx, res); perr != nil {
		c.log.Warn("publish draw failed", "period_id", periodID, "err", perr)
	}
	return res, nil
}

// RunPeriod distributes every fund with a registered pool for the period, then
// draws once all of them are closed. Funds run in parallel, one runner per fund.
func (c *Coordinator) RunPeriod(ctx context.Context, periodID string) (PeriodRun, error) {
	if _, err := ParsePeriod(periodID); err != nil {
		return PeriodRun{}, err
	}
	pools, err := c.pools.ForPeriod(ctx, periodID)
	if err != nil {
		return PeriodRun{}, err
	}
	run := PeriodRun{PeriodID: periodID, Funds: make([]FundRun, len(pools))}
	if len(pools) == 0 {
		c.log.Info("no pools registered for period", "period_id", periodID)
		return run, nil
	}

	var g errgroup.Group
	g.SetLimit(c.parallel)
	errs := make([]error, len(pools))
	for i, pc := range pools {
		g.Go(func() error {
			res, err := c.RunDistribution(ctx, pc.FundID, periodID, pc.Pool)
			if errors.Is(err, ErrAlreadyDistributed) {
				err = nil
			}
			run.Funds[i] = FundRun{FundID: pc.FundID, Result: res}
			if err != nil {
				run.Funds[i].Error = err.Error()
				errs[i] = err
				c.log.Error("fund distribution failed", "fund_id", pc.FundID, "period_id", periodID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		return run, err
	}

	res, err := c.RunDraw(ctx, periodID)
	switch {
	case err == nil, errors.Is(err, ErrAlreadyDrawn):
		run.Draw = &res
		return run, nil
	case errors.Is(err, ErrNoEligibleParticipants):
		run.DrawError = err.Error()
		c.log.Warn("draw skipped", "period_id", periodID, "err", err)
		return run, nil
	default:
		run.DrawError = err.Error()
		return run, err
	}
}

func (c *Coordinator) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := c.retry.Initial
	var err error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrStoreUnavailable) {
			return err
		}
		if attempt == c.retry.MaxAttempts {
			break
		}
		c.metrics.RetryAttempt(op)
		c.log.Warn("store unavailable, retrying", "op", op, "attempt", attempt, "delay", delay.String(), "err", err)
		if serr := sleepWithContext(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
		if delay > c.retry.Max {
			delay = c.retry.Max
		}
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
