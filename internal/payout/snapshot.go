package payout

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"profitdraw/internal/store"

	"github.com/shopspring/decimal"
)

// Snapshotter computes the eligible investor weights and tickets of a fund period.
type Snapshotter struct {
	st  store.Store
	cfg Config
	log *slog.Logger
}

func NewSnapshotter(st store.Store, cfg Config, logger *slog.Logger) *Snapshotter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{st: st, cfg: cfg, log: logger}
}

// BuildSnapshot is a pure read: eligible investments are active and created at or
// before the period cutoff, aggregated per investor and ordered by investor id.
func (s *Snapshotter) BuildSnapshot(ctx context.Context, fundID, periodID string) (Snapshot, error) {
	if err := ValidateID(fundID); err != nil {
		return Snapshot{}, err
	}
	cutoff, err := ParsePeriod(periodID)
	if err != nil {
		return Snapshot{}, err
	}

	docs, err := s.st.List(ctx, colInvestments, fundID+"/")
	if err != nil {
		return Snapshot{}, storeErr("list investments", err)
	}

	weights := make(map[string]int64)
	for i := range docs {
		var inv Investment
		if err := docs[i].Decode(&inv); err != nil {
			return Snapshot{}, err
		}
		if inv.FundID != fundID || inv.Status != InvestmentActive || inv.CreatedAt.After(cutoff) {
			continue
		}
		w, err := s.normalize(inv)
		if err != nil {
			return Snapshot{}, err
		}
		if weights[inv.InvestorID] > math.MaxInt64-w {
			return Snapshot{}, fmt.Errorf("weight overflow for investor %s", inv.InvestorID)
		}
		weights[inv.InvestorID] += w
	}

	snap := Snapshot{FundID: fundID, PeriodID: periodID, Cutoff: cutoff}
	for investorID, w := range weights {
		if w <= 0 {
			continue
		}
		snap.Entries = append(snap.Entries, SnapshotEntry{
			InvestorID:  investorID,
			Weight:      w,
			TicketCount: Tickets(w, s.cfg.TicketUnit),
		})
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].InvestorID < snap.Entries[j].InvestorID
	})
	for _, e := range snap.Entries {
		if snap.TotalWeight > math.MaxInt64-e.Weight {
			return Snapshot{}, fmt.Errorf("total weight overflow")
		}
		snap.TotalWeight += e.Weight
		snap.TotalTickets += e.TicketCount
	}
	snap.Digest = snapshotDigest(snap)

	s.log.Debug("snapshot built",
		"fund_id", fundID,
		"period_id", periodID,
		"eligible", len(snap.Entries),
		"total_weight", snap.TotalWeight,
		"total_tickets", snap.TotalTickets,
	)
	return snap, nil
}

// normalize converts principal into fiat minor units, rounding down.
func (s *Snapshotter) normalize(inv Investment) (int64, error) {
	switch inv.Currency {
	case CurrencyFiat, "":
		return inv.Principal, nil
	case CurrencyCreditToken:
		v := decimal.NewFromInt(inv.Principal).Mul(s.cfg.CreditTokenRate).Floor()
		if !v.IsInteger() || v.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
			return 0, fmt.Errorf("normalized principal out of range for investment %s", inv.ID)
		}
		return v.IntPart(), nil
	default:
		return 0, fmt.Errorf("unknown currency %q on investment %s", inv.Currency, inv.ID)
	}
}

// Tickets is the whole number of ticket units covered by weight.
func Tickets(weight, unit int64) int64 {
	if unit <= 0 || weight <= 0 {
		return 0
	}
	return weight / unit
}

func snapshotDigest(s Snapshot) string {
	h := sha256.New()
	var buf [8]byte
	writeStr := func(v string) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(v)))
		h.Write(buf[:])
		h.Write([]byte(v))
	}
	writeInt := func(v int64) {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	writeStr(s.FundID)
	writeStr(s.PeriodID)
	writeInt(int64(len(s.Entries)))
	for _, e := range s.Entries {
		writeStr(e.InvestorID)
		writeInt(e.Weight)
		writeInt(e.TicketCount)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func chunkEntries(entries []SnapshotEntry, size int) [][]SnapshotEntry {
	var out [][]SnapshotEntry
	for start := 0; start < len(entries); start += size {
		end := start + size
		if end > len(entries) {
			end = len(entries)
		}
		out = append(out, entries[start:end])
	}
	return out
}

func (s *Snapshotter) loadFrozen(ctx context.Context, p Period) ([]SnapshotEntry, error) {
	entries := make([]SnapshotEntry, 0, p.EligibleCount)
	for i := 0; i < p.SnapshotChunks; i++ {
		doc, err := s.st.Get(ctx, snapshotChunkKey(p.FundID, p.PeriodID, p.SnapshotDigest, i))
		if err != nil {
			return nil, storeErr("load snapshot chunk", err)
		}
		var chunk snapshotChunk
		if err := doc.Decode(&chunk); err != nil {
			return nil, err
		}
		if chunk.Digest != p.SnapshotDigest || chunk.Index != i {
			return nil, fmt.Errorf("snapshot chunk %d of %s/%s does not match period digest", i, p.FundID, p.PeriodID)
		}
		entries = append(entries, chunk.Entries...)
	}
	if len(entries) != p.EligibleCount {
		return nil, fmt.Errorf("frozen snapshot of %s/%s has %d entries, want %d", p.FundID, p.PeriodID, len(entries), p.EligibleCount)
	}
	return entries, nil
}
