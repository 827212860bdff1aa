package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"profitdraw/internal/store"
)

// Distributor credits a fund's profit pool to investor wallets exactly once per
// period. Progress lives in per-investor credit markers, so an interrupted run
// resumes where it stopped.
type Distributor struct {
	st      store.Store
	snaps   *Snapshotter
	cfg     Config
	log     *slog.Logger
	metrics Metrics
	now     func() time.Time
}

func NewDistributor(st store.Store, snaps *Snapshotter, cfg Config, logger *slog.Logger, metrics Metrics) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Distributor{
		st:      st,
		snaps:   snaps,
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (d *Distributor) Distribute(ctx context.Context, fundID, periodID string, pool int64) (DistributionResult, error) {
	if err := ValidateID(fundID); err != nil {
		return DistributionResult{}, err
	}
	if _, err := ParsePeriod(periodID); err != nil {
		return DistributionResult{}, err
	}
	if pool < 0 {
		return DistributionResult{}, fmt.Errorf("%w: pool %d", ErrInvalidAmount, pool)
	}

	p, err := d.openPeriod(ctx, fundID, periodID, pool)
	if err != nil {
		return DistributionResult{}, err
	}
	switch p.Status {
	case PeriodClosed:
		return resultOf(p), ErrAlreadyDistributed
	case PeriodOpen:
		if p, err = d.start(ctx, p); err != nil {
			return DistributionResult{}, err
		}
	case PeriodDistributing:
		d.log.Info("resuming distribution", "fund_id", fundID, "period_id", periodID, "credited", p.CreditedCount, "eligible", p.EligibleCount)
	}

	entries, err := d.snaps.loadFrozen(ctx, p)
	if err != nil {
		return DistributionResult{}, err
	}
	shares, err := ProRataShares(p.Pool, entries)
	if err != nil {
		return DistributionResult{}, err
	}

	size := d.cfg.batchSize()
	for start := 0; start < len(entries); start += size {
		if err := ctx.Err(); err != nil {
			return resultOf(p), err
		}
		end := min(start+size, len(entries))
		if p, err = d.creditBatch(ctx, p, entries[start:end], shares[start:end]); err != nil {
			return resultOf(p), err
		}
	}

	if p, err = d.close(ctx, p); err != nil {
		return resultOf(p), err
	}
	d.log.Info("distribution closed",
		"fund_id", fundID,
		"period_id", periodID,
		"pool", p.Pool,
		"credited_count", p.CreditedCount,
		"credited_amount", p.CreditedAmount,
		"reserve", p.ReserveAmount,
	)
	return resultOf(p), nil
}

// Status returns the period document, or ErrNotFound.
func (d *Distributor) Status(ctx context.Context, fundID, periodID string) (DistributionResult, error) {
	doc, err := d.st.Get(ctx, periodKey(fundID, periodID))
	if err != nil {
		return DistributionResult{}, storeErr("get period", err)
	}
	var p Period
	if err := doc.Decode(&p); err != nil {
		return DistributionResult{}, err
	}
	return resultOf(p), nil
}

func (d *Distributor) openPeriod(ctx context.Context, fundID, periodID string, pool int64) (Period, error) {
	var p Period
	pk := periodKey(fundID, periodID)
	dk := drawKey(periodID)
	err := d.st.Batch(ctx, []store.Key{pk, dk}, func(docs map[store.Key]*store.Doc) error {
		doc := docs[pk]
		if doc.Exists() {
			if err := doc.Decode(&p); err != nil {
				return err
			}
			if p.Pool != pool {
				return fmt.Errorf("%w: stored %d, requested %d", ErrPoolMismatch, p.Pool, pool)
			}
			return nil
		}
		// The draw's ticket set is fixed once recorded.
		if docs[dk].Exists() {
			return fmt.Errorf("%w: period %s, fund %s cannot join", ErrAlreadyDrawn, periodID, fundID)
		}
		p = Period{
			FundID:    fundID,
			PeriodID:  periodID,
			Status:    PeriodOpen,
			Pool:      pool,
			CreatedAt: d.now(),
		}
		return doc.Encode(p)
	})
	return p, storeErr("open period", err)
}

// start freezes the snapshot and moves the period from open to distributing.
func (d *Distributor) start(ctx context.Context, p Period) (Period, error) {
	snap, err := d.snaps.BuildSnapshot(ctx, p.FundID, p.PeriodID)
	if err != nil {
		return p, err
	}

	chunks := chunkEntries(snap.Entries, SnapshotChunk)
	for i, entries := range chunks {
		chunk := snapshotChunk{
			FundID:   p.FundID,
			PeriodID: p.PeriodID,
			Digest:   snap.Digest,
			Index:    i,
			Entries:  entries,
		}
		err := d.st.Update(ctx, snapshotChunkKey(p.FundID, p.PeriodID, snap.Digest, i), func(doc *store.Doc) error {
			return doc.Encode(chunk)
		})
		if err != nil {
			return p, storeErr("freeze snapshot", err)
		}
	}

	var next Period
	err = d.st.Update(ctx, periodKey(p.FundID, p.PeriodID), func(doc *store.Doc) error {
		if err := doc.Decode(&next); err != nil {
			return err
		}
		if next.Status != PeriodOpen {
			return fmt.Errorf("%w: period %s/%s is %s", ErrConcurrentRunConflict, p.FundID, p.PeriodID, next.Status)
		}
		now := d.now()
		next.Status = PeriodDistributing
		next.SnapshotDigest = snap.Digest
		next.SnapshotChunks = len(chunks)
		next.EligibleCount = len(snap.Entries)
		next.TotalWeight = snap.TotalWeight
		next.TotalTickets = snap.TotalTickets
		next.StartedAt = &now
		return doc.Encode(next)
	})
	if err != nil {
		return p, storeErr("start distribution", err)
	}
	d.log.Info("distribution started",
		"fund_id", p.FundID,
		"period_id", p.PeriodID,
		"eligible", next.EligibleCount,
		"total_weight", next.TotalWeight,
		"digest", next.SnapshotDigest,
	)
	return next, nil
}

func (d *Distributor) creditBatch(ctx context.Context, p Period, entries []SnapshotEntry, shares []int64) (Period, error) {
	started := time.Now()
	pk := periodKey(p.FundID, p.PeriodID)
	keys := make([]store.Key, 0, 1+2*len(entries))
	keys = append(keys, pk)
	for _, e := range entries {
		keys = append(keys, periodCreditKey(p.FundID, p.PeriodID, e.InvestorID), walletKey(e.InvestorID))
	}

	var next Period
	var credited int
	var amount int64
	err := d.st.Batch(ctx, keys, func(docs map[store.Key]*store.Doc) error {
		credited, amount = 0, 0
		if err := docs[pk].Decode(&next); err != nil {
			return err
		}
		if next.Status != PeriodDistributing || next.SnapshotDigest != p.SnapshotDigest {
			return fmt.Errorf("%w: period %s/%s is %s", ErrConcurrentRunConflict, p.FundID, p.PeriodID, next.Status)
		}
		now := d.now()
		for i, e := range entries {
			marker := docs[periodCreditKey(p.FundID, p.PeriodID, e.InvestorID)]
			if marker.Exists() {
				continue
			}
			if shares[i] > 0 {
				wdoc := docs[walletKey(e.InvestorID)]
				w, err := decodeWallet(wdoc, e.InvestorID)
				if err != nil {
					return err
				}
				w.Credit(CurrencyFiat, shares[i], now)
				if err := wdoc.Encode(w); err != nil {
					return err
				}
			}
			if err := marker.Encode(periodCredit{InvestorID: e.InvestorID, Amount: shares[i], CreditedAt: now}); err != nil {
				return err
			}
			credited++
			amount += shares[i]
		}
		if credited == 0 {
			return nil
		}
		next.CreditedCount += credited
		next.CreditedAmount += amount
		return docs[pk].Encode(next)
	})
	if err != nil {
		return p, storeErr("credit batch", err)
	}
	d.metrics.DistributionBatch(p.FundID, credited, amount, time.Since(started))
	d.log.Debug("distribution batch committed",
		"fund_id", p.FundID,
		"period_id", p.PeriodID,
		"batch", len(entries),
		"credited", credited,
		"amount", amount,
	)
	return next, nil
}

// close credits the rounding remainder to the reserve account and closes the period.
func (d *Distributor) close(ctx context.Context, p Period) (Period, error) {
	pk := periodKey(p.FundID, p.PeriodID)
	rk := walletKey(ReserveAccount)
	var next Period
	err := d.st.Batch(ctx, []store.Key{pk, rk}, func(docs map[store.Key]*store.Doc) error {
		if err := docs[pk].Decode(&next); err != nil {
			return err
		}
		if next.Status != PeriodDistributing {
			return fmt.Errorf("%w: period %s/%s is %s", ErrConcurrentRunConflict, p.FundID, p.PeriodID, next.Status)
		}
		if next.CreditedCount != next.EligibleCount {
			return fmt.Errorf("period %s/%s credited %d of %d investors", p.FundID, p.PeriodID, next.CreditedCount, next.EligibleCount)
		}
		reserve := next.Pool - next.CreditedAmount
		if reserve < 0 {
			return fmt.Errorf("period %s/%s over-distributed by %d", p.FundID, p.PeriodID, -reserve)
		}
		now := d.now()
		if reserve > 0 {
			w, err := decodeWallet(docs[rk], ReserveAccount)
			if err != nil {
				return err
			}
			w.Credit(CurrencyFiat, reserve, now)
			if err := docs[rk].Encode(w); err != nil {
				return err
			}
		}
		next.ReserveAmount = reserve
		next.Status = PeriodClosed
		next.ClosedAt = &now
		return docs[pk].Encode(next)
	})
	if err != nil {
		return p, storeErr("close period", err)
	}
	return next, nil
}

// ProRataShares returns floor(pool * weight / totalWeight) per entry. The sum never
// exceeds pool; the caller owns the remainder.
func ProRataShares(pool int64, entries []SnapshotEntry) ([]int64, error) {
	total := new(big.Int)
	for _, e := range entries {
		if e.Weight < 0 {
			return nil, errors.New("negative snapshot weight")
		}
		total.Add(total, big.NewInt(e.Weight))
	}
	shares := make([]int64, len(entries))
	if total.Sign() == 0 {
		return shares, nil
	}
	bp := big.NewInt(pool)
	v := new(big.Int)
	for i, e := range entries {
		v.Mul(bp, big.NewInt(e.Weight))
		v.Quo(v, total)
		shares[i] = v.Int64()
	}
	return shares, nil
}

func resultOf(p Period) DistributionResult {
	return DistributionResult{
		FundID:         p.FundID,
		PeriodID:       p.PeriodID,
		Pool:           p.Pool,
		Status:         p.Status,
		EligibleCount:  p.EligibleCount,
		CreditedCount:  p.CreditedCount,
		CreditedAmount: p.CreditedAmount,
		ReserveAmount:  p.ReserveAmount,
	}
}
