package payout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"profitdraw/internal/store"
)

const drawSeedDomain = "profitdraw/draw/"

// TicketHolder is one participant of a draw and the tickets they hold.
type TicketHolder struct {
	InvestorID string `json:"investor_id"`
	Tickets    int64  `json:"tickets"`
}

// DrawEngine picks one winner per period, weighted by tickets, from the frozen
// snapshots of every fund distributed in that period.
type DrawEngine struct {
	st      store.Store
	snaps   *Snapshotter
	log     *slog.Logger
	metrics Metrics
	now     func() time.Time
}

func NewDrawEngine(st store.Store, snaps *Snapshotter, logger *slog.Logger, metrics Metrics) *DrawEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &DrawEngine{
		st:      st,
		snaps:   snaps,
		log:     logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (e *DrawEngine) Draw(ctx context.Context, periodID string) (DrawResult, error) {
	if _, err := ParsePeriod(periodID); err != nil {
		return DrawResult{}, err
	}
	existing, err := e.Result(ctx, periodID)
	switch {
	case err == nil:
		return existing, ErrAlreadyDrawn
	case !errors.Is(err, ErrNotFound):
		return DrawResult{}, err
	}

	holders, digests, err := e.Holders(ctx, periodID)
	if err != nil {
		return DrawResult{}, err
	}
	var total int64
	for _, h := range holders {
		total += h.Tickets
	}
	if total == 0 {
		return DrawResult{}, fmt.Errorf("%w: period %s", ErrNoEligibleParticipants, periodID)
	}

	seed := DrawSeed(periodID)
	index, err := DrawIndex(seed, total)
	if err != nil {
		return DrawResult{}, err
	}
	res := DrawResult{
		PeriodID:        periodID,
		WinnerID:        WinnerAt(holders, index),
		TicketIndex:     index,
		TotalTickets:    total,
		Seed:            seed,
		SnapshotDigests: digests,
	}

	dk := drawKey(periodID)
	fk := walletKey(FeePoolAccount)
	wk := walletKey(res.WinnerID)
	var stored DrawResult
	alreadyDrawn := false
	err = e.st.Batch(ctx, []store.Key{dk, fk, wk}, func(docs map[store.Key]*store.Doc) error {
		alreadyDrawn = false
		if docs[dk].Exists() {
			alreadyDrawn = true
			return docs[dk].Decode(&stored)
		}
		now := e.now()
		res.DrawnAt = now
		res.PrizeAmount = 0
		res.Prizes = nil
		pool, err := decodeWallet(docs[fk], FeePoolAccount)
		if err != nil {
			return err
		}
		winner, err := decodeWallet(docs[wk], res.WinnerID)
		if err != nil {
			return err
		}
		// Fees are kept in the currency they were charged in, so every balance
		// of the pool goes to the winner.
		for _, cur := range sortedCurrencies(pool.Balances) {
			prize := pool.Drain(cur, now)
			if prize <= 0 {
				continue
			}
			winner.Credit(cur, prize, now)
			if res.Prizes == nil {
				res.Prizes = make(map[Currency]int64)
			}
			res.Prizes[cur] = prize
		}
		if len(res.Prizes) > 0 {
			if err := docs[fk].Encode(pool); err != nil {
				return err
			}
			if err := docs[wk].Encode(winner); err != nil {
				return err
			}
			res.PrizeAmount = res.Prizes[CurrencyFiat]
		}
		stored = res
		return docs[dk].Encode(res)
	})
	if err != nil {
		return DrawResult{}, storeErr("record draw", err)
	}
	if alreadyDrawn {
		return stored, ErrAlreadyDrawn
	}

	e.metrics.DrawCompleted(stored.TotalTickets, stored.PrizeAmount)
	e.log.Info("draw recorded",
		"period_id", periodID,
		"winner_id", stored.WinnerID,
		"ticket_index", stored.TicketIndex,
		"total_tickets", stored.TotalTickets,
		"prize", stored.PrizeAmount,
		"prizes", stored.Prizes,
	)
	return stored, nil
}

// Result returns the recorded draw of a period, or ErrNotFound.
func (e *DrawEngine) Result(ctx context.Context, periodID string) (DrawResult, error) {
	doc, err := e.st.Get(ctx, drawKey(periodID))
	if err != nil {
		return DrawResult{}, storeErr("get draw", err)
	}
	var res DrawResult
	if err := doc.Decode(&res); err != nil {
		return DrawResult{}, err
	}
	return res, nil
}

// Holders merges the frozen snapshots of every fund distributed in the period.
// It fails with ErrDistributionNotFinalized unless all of them are closed.
func (e *DrawEngine) Holders(ctx context.Context, periodID string) ([]TicketHolder, map[string]string, error) {
	docs, err := e.st.List(ctx, colPeriods, "")
	if err != nil {
		return nil, nil, storeErr("list periods", err)
	}
	var periods []Period
	for i := range docs {
		if !strings.HasSuffix(docs[i].Key.ID, "/"+periodID) {
			continue
		}
		var p Period
		if err := docs[i].Decode(&p); err != nil {
			return nil, nil, err
		}
		if p.PeriodID != periodID {
			continue
		}
		if p.Status != PeriodClosed {
			return nil, nil, fmt.Errorf("%w: fund %s period %s is %s", ErrDistributionNotFinalized, p.FundID, periodID, p.Status)
		}
		periods = append(periods, p)
	}
	if len(periods) == 0 {
		return nil, nil, fmt.Errorf("%w: no distribution for period %s", ErrDistributionNotFinalized, periodID)
	}
	return e.mergeHolders(ctx, periods)
}

// RecordedHolders rebuilds the holders of a recorded draw from exactly the fund
// snapshots it names. Fund periods created after the draw do not take part.
func (e *DrawEngine) RecordedHolders(ctx context.Context, res DrawResult) ([]TicketHolder, error) {
	funds := make([]string, 0, len(res.SnapshotDigests))
	for fund := range res.SnapshotDigests {
		funds = append(funds, fund)
	}
	sort.Strings(funds)
	periods := make([]Period, 0, len(funds))
	for _, fund := range funds {
		doc, err := e.st.Get(ctx, periodKey(fund, res.PeriodID))
		if err != nil {
			return nil, storeErr("get period", err)
		}
		var p Period
		if err := doc.Decode(&p); err != nil {
			return nil, err
		}
		if p.Status != PeriodClosed || p.SnapshotDigest != res.SnapshotDigests[fund] {
			return nil, fmt.Errorf("%w: snapshot of fund %s changed since the draw", ErrVerificationFailed, fund)
		}
		periods = append(periods, p)
	}
	holders, _, err := e.mergeHolders(ctx, periods)
	return holders, err
}

func (e *DrawEngine) mergeHolders(ctx context.Context, periods []Period) ([]TicketHolder, map[string]string, error) {
	tickets := make(map[string]int64)
	digests := make(map[string]string, len(periods))
	for _, p := range periods {
		entries, err := e.snaps.loadFrozen(ctx, p)
		if err != nil {
			return nil, nil, err
		}
		for _, en := range entries {
			tickets[en.InvestorID] += en.TicketCount
		}
		digests[p.FundID] = p.SnapshotDigest
	}
	holders := make([]TicketHolder, 0, len(tickets))
	for id, n := range tickets {
		if n > 0 {
			holders = append(holders, TicketHolder{InvestorID: id, Tickets: n})
		}
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i].InvestorID < holders[j].InvestorID })
	return holders, digests, nil
}

func sortedCurrencies(balances map[Currency]Balance) []Currency {
	out := make([]Currency, 0, len(balances))
	for cur := range balances {
		out = append(out, cur)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DrawSeed is the hex sha256 of the period id; anyone can re-derive it.
func DrawSeed(periodID string) string {
	sum := sha256.Sum256([]byte(drawSeedDomain + periodID))
	return hex.EncodeToString(sum[:])
}

// DrawIndex maps a seed to a uniform ticket index in [0, total).
func DrawIndex(seed string, total int64) (int64, error) {
	if total <= 0 {
		return 0, ErrNoEligibleParticipants
	}
	raw, err := hex.DecodeString(seed)
	if err != nil || len(raw) != 32 {
		return 0, fmt.Errorf("invalid draw seed %q", seed)
	}
	var key [32]byte
	copy(key[:], raw)
	rng := rand.New(rand.NewChaCha8(key))
	return int64(rng.Uint64N(uint64(total))), nil
}

// WinnerAt finds the holder whose cumulative ticket range contains index.
// Holder i owns [sum(tickets[:i]), sum(tickets[:i+1])).
func WinnerAt(holders []TicketHolder, index int64) string {
	upper := make([]int64, len(holders))
	var acc int64
	for i, h := range holders {
		acc += h.Tickets
		upper[i] = acc
	}
	i := sort.Search(len(upper), func(i int) bool { return upper[i] > index })
	if i == len(upper) {
		return ""
	}
	return holders[i].InvestorID
}

// VerifyDraw recomputes a recorded result from its period id and holders.
func VerifyDraw(res DrawResult, holders []TicketHolder) error {
	if want := DrawSeed(res.PeriodID); res.Seed != want {
		return fmt.Errorf("%w: seed recorded %s, derived %s", ErrVerificationFailed, res.Seed, want)
	}
	var total int64
	for _, h := range holders {
		total += h.Tickets
	}
	if total != res.TotalTickets {
		return fmt.Errorf("%w: ticket total recorded %d, derived %d", ErrVerificationFailed, res.TotalTickets, total)
	}
	index, err := DrawIndex(res.Seed, total)
	if err != nil {
		return err
	}
	if index != res.TicketIndex {
		return fmt.Errorf("%w: ticket index recorded %d, derived %d", ErrVerificationFailed, res.TicketIndex, index)
	}
	if winner := WinnerAt(holders, index); winner != res.WinnerID {
		return fmt.Errorf("%w: winner recorded %s, derived %s", ErrVerificationFailed, res.WinnerID, winner)
	}
	return nil
}
