package payout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"profitdraw/internal/store"
)

// PoolRegistry records the profit pool an operator assigned to a fund period, so
// scheduled runs know what to distribute.
type PoolRegistry struct {
	st  store.Store
	now func() time.Time
}

func NewPoolRegistry(st store.Store) *PoolRegistry {
	return &PoolRegistry{st: st, now: func() time.Time { return time.Now().UTC() }}
}

// Set stores the pool. Once a distribution has opened the period, the pool can
// no longer change.
func (r *PoolRegistry) Set(ctx context.Context, fundID, periodID string, pool int64) (PoolConfig, error) {
	if err := ValidateID(fundID); err != nil {
		return PoolConfig{}, err
	}
	if _, err := ParsePeriod(periodID); err != nil {
		return PoolConfig{}, err
	}
	if pool < 0 {
		return PoolConfig{}, fmt.Errorf("%w: pool %d", ErrInvalidAmount, pool)
	}
	cfg := PoolConfig{FundID: fundID, PeriodID: periodID, Pool: pool, SetAt: r.now()}
	pk := periodKey(fundID, periodID)
	ck := poolKey(fundID, periodID)
	dk := drawKey(periodID)
	err := r.st.Batch(ctx, []store.Key{pk, ck, dk}, func(docs map[store.Key]*store.Doc) error {
		if docs[pk].Exists() {
			var p Period
			if err := docs[pk].Decode(&p); err != nil {
				return err
			}
			if p.Pool != pool {
				return fmt.Errorf("%w: period %s/%s opened with %d", ErrPoolMismatch, fundID, periodID, p.Pool)
			}
		} else if docs[dk].Exists() {
			return fmt.Errorf("%w: period %s, fund %s cannot join", ErrAlreadyDrawn, periodID, fundID)
		}
		return docs[ck].Encode(cfg)
	})
	if err != nil {
		return PoolConfig{}, storeErr("set pool", err)
	}
	return cfg, nil
}

func (r *PoolRegistry) Get(ctx context.Context, fundID, periodID string) (PoolConfig, error) {
	doc, err := r.st.Get(ctx, poolKey(fundID, periodID))
	if err != nil {
		return PoolConfig{}, storeErr("get pool", err)
	}
	var cfg PoolConfig
	if err := doc.Decode(&cfg); err != nil {
		return PoolConfig{}, err
	}
	return cfg, nil
}

// ForPeriod lists every fund pool configured for periodID, ordered by fund id.
func (r *PoolRegistry) ForPeriod(ctx context.Context, periodID string) ([]PoolConfig, error) {
	docs, err := r.st.List(ctx, colPools, "")
	if err != nil {
		return nil, storeErr("list pools", err)
	}
	var out []PoolConfig
	for i := range docs {
		if !strings.HasSuffix(docs[i].Key.ID, "/"+periodID) {
			continue
		}
		var cfg PoolConfig
		if err := docs[i].Decode(&cfg); err != nil {
			return nil, err
		}
		if cfg.PeriodID == periodID {
			out = append(out, cfg)
		}
	}
	return out, nil
}
